package initiator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"checksumd/pkg/bus"
	"checksumd/pkg/checksum"
)

const jobSubmitSubject = "checksum.jobs.submit"

// JobRequest is handed to the external batch computation capability. The
// compute fleet reads the manifest snapshot and computes every listed
// algorithm per object.
type JobRequest struct {
	ContentHash    string               `json:"content_hash"`
	ManifestBucket string               `json:"manifest_bucket"`
	ManifestKey    string               `json:"manifest_key"`
	Algorithms     []checksum.Algorithm `json:"algorithms"`
	EntryCount     int                  `json:"entry_count"`
}

// JobAck is the acknowledgement returned by the compute fleet.
type JobAck struct {
	JobID    string `json:"job_id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// BatchRunner requests a batch computation job from the external capability
// and returns the external job id.
type BatchRunner interface {
	CreateJob(ctx context.Context, req JobRequest) (string, error)
}

// SubmissionError reports a failed or timed-out external job creation.
// Nothing is persisted when it is returned.
type SubmissionError struct {
	ContentHash string
	Err         error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("job submission failed for manifest %s: %v", e.ContentHash, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// submitJob requests an external job and persists the SUBMITTED record.
// On submission failure no partial state is written.
func (s *Service) submitJob(ctx context.Context, manifest *checksum.Manifest, info ManifestInfo) (*batchJobModel, error) {
	req := JobRequest{
		ContentHash:    manifest.ContentHash,
		ManifestBucket: info.Bucket,
		ManifestKey:    info.Key,
		Algorithms:     checksum.Algorithms(),
		EntryCount:     info.EntryCount,
	}

	jobID, err := s.runner.CreateJob(ctx, req)
	if err != nil {
		return nil, &SubmissionError{ContentHash: manifest.ContentHash, Err: err}
	}
	if jobID == "" {
		return nil, &SubmissionError{ContentHash: manifest.ContentHash, Err: errors.New("empty job id in acknowledgement")}
	}

	now := time.Now().UTC()
	model := batchJobModel{
		JobID:               jobID,
		ManifestContentHash: manifest.ContentHash,
		Status:              jobStatusSubmitted,
		CreatedAt:           now,
		UpdatedAt:           now,
		ExpiresAt:           s.expiry(),
	}
	// A FAILED attempt for this manifest is superseded in the same
	// transaction, so the replacement never trips the content-hash
	// uniqueness and resubmission after failure always lands.
	err = s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("manifest_content_hash = ? AND status = ?",
			manifest.ContentHash, jobStatusFailed).
			Delete(&batchJobModel{}).Error; err != nil {
			return err
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		return nil, err
	}

	s.logger.Printf("INFO submitted job %s for manifest %s", jobID, manifest.ContentHash)
	s.publishJSON(ctx, jobSubmittedSubject, map[string]any{
		"job_id":       jobID,
		"content_hash": manifest.ContentHash,
		"entry_count":  info.EntryCount,
		"submitted_at": now,
	})

	return &model, nil
}

// busRunner submits job requests over NATS request/reply, waiting a bounded
// interval for the compute fleet's acknowledgement.
type busRunner struct {
	bus        *bus.Bus
	ackTimeout time.Duration
}

// NewBusRunner builds a BatchRunner on top of the message bus.
func NewBusRunner(b *bus.Bus, ackTimeout time.Duration) (BatchRunner, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if ackTimeout <= 0 {
		ackTimeout = 30 * time.Second
	}
	return &busRunner{bus: b, ackTimeout: ackTimeout}, nil
}

func (r *busRunner) CreateJob(ctx context.Context, req JobRequest) (string, error) {
	var ack JobAck
	if err := r.bus.Request(ctx, jobSubmitSubject, req, &ack, r.ackTimeout); err != nil {
		return "", err
	}
	if !ack.Accepted {
		if ack.Error == "" {
			ack.Error = "job request rejected"
		}
		return "", errors.New(ack.Error)
	}
	return ack.JobID, nil
}
