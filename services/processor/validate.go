package processor

import (
	"time"

	"checksumd/pkg/checksum"
)

// Evaluation is the classified result for one algorithm of one report line.
type Evaluation struct {
	Algorithm      checksum.Algorithm
	Outcome        Outcome
	ComputedDigest string
	ExpectedDigest string
	FailureReason  string
}

// Evaluate classifies a report line against the manifest entry's expected
// digests, producing one evaluation per algorithm the batch job computed.
//
// A failed computation yields COMPUTE_FAILURE for every algorithm. A
// successful line yields, per algorithm: MATCH when the computed digest
// equals the expectation (case-insensitive hex), MISMATCH when it differs,
// and MISSING_EXPECTED when the caller supplied no expectation.
func Evaluate(entry checksum.Entry, line ReportLine) []Evaluation {
	evals := make([]Evaluation, 0, len(checksum.Algorithms()))

	for _, alg := range checksum.Algorithms() {
		var computed, expected string
		switch alg {
		case checksum.AlgorithmMD5:
			computed = checksum.NormalizeDigest(line.DigestMD5)
			expected = checksum.NormalizeDigest(entry.ExpectedMD5)
		case checksum.AlgorithmSHA256:
			computed = checksum.NormalizeDigest(line.DigestSHA256)
			expected = checksum.NormalizeDigest(entry.ExpectedSHA256)
		}

		if !line.Succeeded {
			evals = append(evals, Evaluation{
				Algorithm:      alg,
				Outcome:        OutcomeComputeFailure,
				ExpectedDigest: expected,
				FailureReason:  line.FailureReason,
			})
			continue
		}

		if computed == "" {
			// The fleet computed only a subset of algorithms for this row.
			continue
		}

		eval := Evaluation{
			Algorithm:      alg,
			ComputedDigest: computed,
			ExpectedDigest: expected,
		}
		switch {
		case expected == "":
			eval.Outcome = OutcomeMissingExpected
		case checksum.DigestsEqual(computed, expected):
			eval.Outcome = OutcomeMatch
		default:
			eval.Outcome = OutcomeMismatch
		}
		evals = append(evals, eval)
	}

	return evals
}

func (e Evaluation) toRecord(entry checksum.Entry, jobID string, ttl time.Duration, now time.Time) Record {
	rec := Record{
		Bucket:         entry.Bucket,
		Key:            entry.Key,
		VersionID:      entry.VersionID,
		Algorithm:      e.Algorithm,
		ComputedDigest: e.ComputedDigest,
		ExpectedDigest: e.ExpectedDigest,
		Outcome:        e.Outcome,
		FailureReason:  e.FailureReason,
		JobID:          jobID,
		ProcessedAt:    now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		rec.ExpiresAt = &expires
	}
	return rec
}
