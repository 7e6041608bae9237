package initiator

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"checksumd/pkg/checksum"
)

type manifestModel struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	ContentHash string         `gorm:"type:text;uniqueIndex;not null"`
	Bucket      string         `gorm:"type:text;not null"`
	Key         string         `gorm:"type:text;not null"`
	EntryCount  int            `gorm:"type:int;not null"`
	Entries     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	ExpiresAt   *time.Time     `gorm:"type:timestamptz;index"`
}

func (manifestModel) TableName() string { return "manifests" }

func (m manifestModel) toAPI() ManifestInfo {
	return ManifestInfo{
		ContentHash: m.ContentHash,
		Bucket:      m.Bucket,
		Key:         m.Key,
		EntryCount:  m.EntryCount,
		CreatedAt:   m.CreatedAt,
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

func (j batchJobModel) toAPI() BatchJob {
	return BatchJob{
		JobID:               j.JobID,
		ManifestContentHash: j.ManifestContentHash,
		Status:              j.Status,
		CreatedAt:           j.CreatedAt,
	}
}

// ManifestInfo describes a stored manifest snapshot.
type ManifestInfo struct {
	ContentHash string    `json:"content_hash"`
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	EntryCount  int       `json:"entry_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// BatchJob describes a submitted batch computation job.
type BatchJob struct {
	JobID               string    `json:"job_id"`
	ManifestContentHash string    `json:"manifest_content_hash"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
}

func entriesJSON(entries []checksum.Entry) (datatypes.JSON, error) {
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}
