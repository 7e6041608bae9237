package processor

import (
	"time"

	"gorm.io/datatypes"

	"checksumd/pkg/checksum"
)

// Outcome classifies a stored checksum result. Outcomes are data, never
// errors: a MISMATCH is persisted and surfaced, not thrown.
type Outcome string

const (
	OutcomeMatch           Outcome = "MATCH"
	OutcomeMismatch        Outcome = "MISMATCH"
	OutcomeMissingExpected Outcome = "MISSING_EXPECTED"
	OutcomeComputeFailure  Outcome = "COMPUTE_FAILURE"
)

// Record is one per-object, per-algorithm checksum result.
type Record struct {
	Bucket         string             `json:"bucket"`
	Key            string             `json:"key"`
	VersionID      string             `json:"version_id,omitempty"`
	Algorithm      checksum.Algorithm `json:"algorithm"`
	ComputedDigest string             `json:"computed_digest,omitempty"`
	ExpectedDigest string             `json:"expected_digest,omitempty"`
	Outcome        Outcome            `json:"outcome"`
	FailureReason  string             `json:"failure_reason,omitempty"`
	TagApplied     bool               `json:"tag_applied"`
	Conflict       bool               `json:"conflict"`
	PreviousDigest string             `json:"previous_digest,omitempty"`
	JobID          string             `json:"job_id,omitempty"`
	ProcessedAt    time.Time          `json:"processed_at"`
	ExpiresAt      *time.Time         `json:"expires_at,omitempty"`
}

// ObjectKey is the composite identity `bucket#key#version#algorithm` under
// which the record is deduplicated.
func (r Record) ObjectKey() string {
	return r.Bucket + "#" + r.Key + "#" + r.VersionID + "#" + string(r.Algorithm)
}

type checksumRecordModel struct {
	ObjectKey      string            `gorm:"type:text;primaryKey"`
	Bucket         string            `gorm:"type:text;not null"`
	Key            string            `gorm:"type:text;not null"`
	VersionID      string            `gorm:"type:text"`
	Algorithm      string            `gorm:"type:text;not null"`
	ComputedDigest string            `gorm:"type:text"`
	ExpectedDigest string            `gorm:"type:text"`
	Outcome        string            `gorm:"type:text;not null"`
	FailureReason  string            `gorm:"type:text"`
	TagApplied     bool              `gorm:"type:boolean;not null;default:false;index"`
	Conflict       bool              `gorm:"type:boolean;not null;default:false"`
	PreviousDigest string            `gorm:"type:text"`
	JobID          string            `gorm:"type:text;index"`
	Attrs          datatypes.JSONMap `gorm:"type:jsonb"`
	ProcessedAt    time.Time         `gorm:"type:timestamptz;not null"`
	ExpiresAt      *time.Time        `gorm:"type:timestamptz;index"`
}

func (checksumRecordModel) TableName() string { return "checksum_records" }

func (m checksumRecordModel) toRecord() Record {
	return Record{
		Bucket:         m.Bucket,
		Key:            m.Key,
		VersionID:      m.VersionID,
		Algorithm:      checksum.Algorithm(m.Algorithm),
		ComputedDigest: m.ComputedDigest,
		ExpectedDigest: m.ExpectedDigest,
		Outcome:        Outcome(m.Outcome),
		FailureReason:  m.FailureReason,
		TagApplied:     m.TagApplied,
		Conflict:       m.Conflict,
		PreviousDigest: m.PreviousDigest,
		JobID:          m.JobID,
		ProcessedAt:    m.ProcessedAt,
		ExpiresAt:      m.ExpiresAt,
	}
}

func modelFromRecord(r Record) checksumRecordModel {
	return checksumRecordModel{
		ObjectKey:      r.ObjectKey(),
		Bucket:         r.Bucket,
		Key:            r.Key,
		VersionID:      r.VersionID,
		Algorithm:      string(r.Algorithm),
		ComputedDigest: r.ComputedDigest,
		ExpectedDigest: r.ExpectedDigest,
		Outcome:        string(r.Outcome),
		FailureReason:  r.FailureReason,
		TagApplied:     r.TagApplied,
		Conflict:       r.Conflict,
		PreviousDigest: r.PreviousDigest,
		JobID:          r.JobID,
		ProcessedAt:    r.ProcessedAt,
		ExpiresAt:      r.ExpiresAt,
	}
}

type batchJobModel struct {
	JobID               string     `gorm:"type:text;primaryKey"`
	ManifestContentHash string     `gorm:"type:text;uniqueIndex;not null"`
	Status              string     `gorm:"type:text;not null"`
	ReportBucket        string     `gorm:"type:text"`
	ReportKey           string     `gorm:"type:text"`
	CreatedAt           time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt           time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	ExpiresAt           *time.Time `gorm:"type:timestamptz;index"`
}

func (batchJobModel) TableName() string { return "batch_jobs" }

type manifestModel struct {
	ContentHash string         `gorm:"type:text;uniqueIndex;not null"`
	Bucket      string         `gorm:"type:text;not null"`
	Key         string         `gorm:"type:text;not null"`
	EntryCount  int            `gorm:"type:int;not null"`
	Entries     datatypes.JSON `gorm:"type:jsonb"`
}

func (manifestModel) TableName() string { return "manifests" }
