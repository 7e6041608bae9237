package processor

import (
	"testing"
	"time"

	"checksumd/pkg/checksum"
)

func existingMatchModel() checksumRecordModel {
	return checksumRecordModel{
		ObjectKey:      "media#a.mp4##SHA256",
		Bucket:         "media",
		Key:            "a.mp4",
		Algorithm:      string(checksum.AlgorithmSHA256),
		ComputedDigest: "abc123",
		ExpectedDigest: "abc123",
		Outcome:        string(OutcomeMatch),
		TagApplied:     true,
		ProcessedAt:    time.Now().UTC(),
	}
}

func TestPlanUpsertReaffirmsIdenticalRecord(t *testing.T) {
	existing := existingMatchModel()
	rec := Record{
		Bucket:         "media",
		Key:            "a.mp4",
		Algorithm:      checksum.AlgorithmSHA256,
		ComputedDigest: "abc123",
		ExpectedDigest: "abc123",
		Outcome:        OutcomeMatch,
	}

	status, updates := planUpsert(existing, rec)
	if status != UpsertReaffirmed {
		t.Fatalf("status = %v, want UpsertReaffirmed", status)
	}
	if updates != nil {
		t.Fatalf("updates = %v, want none", updates)
	}
}

func TestPlanUpsertConflictOnDifferentDigest(t *testing.T) {
	existing := existingMatchModel()
	rec := Record{
		Bucket:         "media",
		Key:            "a.mp4",
		Algorithm:      checksum.AlgorithmSHA256,
		ComputedDigest: "9f9f9f",
		ExpectedDigest: "abc123",
		Outcome:        OutcomeMismatch,
	}

	status, updates := planUpsert(existing, rec)
	if status != UpsertConflicted {
		t.Fatalf("status = %v, want UpsertConflicted", status)
	}
	if updates["conflict"] != true || updates["previous_digest"] != "abc123" {
		t.Fatalf("updates = %v, want conflict with previous digest kept", updates)
	}
	if updates["tag_applied"] != false {
		t.Fatal("conflicting digest must invalidate the applied tag")
	}
}

func TestPlanUpsertComputeFailureRedeliveryKeepsDigestForAudit(t *testing.T) {
	// A stored successful digest followed by a redelivered compute failure
	// for the same key: the failure wins, but the digest it displaces must
	// survive in previous_digest and the stale object tag must be reset.
	existing := existingMatchModel()
	rec := Record{
		Bucket:        "media",
		Key:           "a.mp4",
		Algorithm:     checksum.AlgorithmSHA256,
		Outcome:       OutcomeComputeFailure,
		FailureReason: "object unreadable",
	}

	status, updates := planUpsert(existing, rec)
	if status != UpsertConflicted {
		t.Fatalf("status = %v, want UpsertConflicted", status)
	}
	if updates["computed_digest"] != "" {
		t.Fatalf("computed_digest = %v, later write should win", updates["computed_digest"])
	}
	if updates["previous_digest"] != "abc123" {
		t.Fatalf("previous_digest = %v, displaced digest must be kept", updates["previous_digest"])
	}
	if updates["conflict"] != true || updates["tag_applied"] != false {
		t.Fatalf("updates = %v, want conflict flagged and tag invalidated", updates)
	}
}

func TestPlanUpsertUpdatesChangedFailureReason(t *testing.T) {
	existing := existingMatchModel()
	existing.ComputedDigest = ""
	existing.ExpectedDigest = ""
	existing.Outcome = string(OutcomeComputeFailure)
	existing.FailureReason = "timed out"
	existing.TagApplied = false

	rec := Record{
		Bucket:        "media",
		Key:           "a.mp4",
		Algorithm:     checksum.AlgorithmSHA256,
		Outcome:       OutcomeComputeFailure,
		FailureReason: "access denied",
	}

	status, updates := planUpsert(existing, rec)
	if status != UpsertUpdated {
		t.Fatalf("status = %v, want UpsertUpdated: a new failure reason is new information", status)
	}
	if updates["failure_reason"] != "access denied" {
		t.Fatalf("failure_reason = %v", updates["failure_reason"])
	}
}

func TestPlanUpsertFirstDigestIsNotAConflict(t *testing.T) {
	// Failure first, success on redelivery: nothing is displaced, so the
	// digest lands as a plain update.
	existing := existingMatchModel()
	existing.ComputedDigest = ""
	existing.Outcome = string(OutcomeComputeFailure)
	existing.FailureReason = "timed out"
	existing.TagApplied = false

	rec := Record{
		Bucket:         "media",
		Key:            "a.mp4",
		Algorithm:      checksum.AlgorithmSHA256,
		ComputedDigest: "abc123",
		ExpectedDigest: "abc123",
		Outcome:        OutcomeMatch,
	}

	status, updates := planUpsert(existing, rec)
	if status != UpsertUpdated {
		t.Fatalf("status = %v, want UpsertUpdated", status)
	}
	if _, ok := updates["conflict"]; ok {
		t.Fatal("first digest for a key must not be flagged as a conflict")
	}
}
