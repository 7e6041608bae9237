package initiator

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"checksumd/pkg/checksum"
)

const (
	jobSubmittedSubject = "checksum.jobs.submitted"

	// Batch job lifecycle states the initiator touches. Transitions are
	// driven by external events consumed on the processor side; the
	// initiator only ever writes SUBMITTED and supersedes FAILED.
	jobStatusSubmitted = "SUBMITTED"
	jobStatusFailed    = "FAILED"
)

// ObjectStore is the subset of the S3 client used for manifest snapshots.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, body []byte, contentType string, metadata map[string]string) error
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)
}

// Publisher emits informational pipeline events. May be nil in tests.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Config controls manifest and submission behaviour.
type Config struct {
	ManifestBucket     string
	ManifestPrefix     string
	MaxManifestEntries int
	RetentionTTL       time.Duration
}

// Service turns validated object lists into manifest snapshots and batch
// computation jobs.
type Service struct {
	orm    *gorm.DB
	store  ObjectStore
	runner BatchRunner
	pub    Publisher
	cfg    Config
	logger *log.Logger
}

// New wires the initiator service.
func New(orm *gorm.DB, store ObjectStore, runner BatchRunner, pub Publisher, cfg Config, logger *log.Logger) (*Service, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if runner == nil {
		return nil, errors.New("batch runner is required")
	}
	if cfg.ManifestBucket == "" {
		return nil, errors.New("manifest bucket is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Service{
		orm:    orm,
		store:  store,
		runner: runner,
		pub:    pub,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Request is the invocation payload accepted at the HTTP boundary.
type Request struct {
	Bucket string          `json:"bucket"`
	Keys   []KeyDescriptor `json:"keys"`
}

// KeyDescriptor references one object, optionally with expected digests.
type KeyDescriptor struct {
	Key       string `json:"key"`
	VersionID string `json:"version_id,omitempty"`
	MD5       string `json:"md5,omitempty"`
	SHA256    string `json:"sha256,omitempty"`
}

// SubmitResult reports the manifest and job for a submission, flagging
// whether an existing job was reused.
type SubmitResult struct {
	Manifest ManifestInfo `json:"manifest"`
	Job      BatchJob     `json:"job"`
	Reused   bool         `json:"reused"`
}

// Submit validates the request, builds and stores the manifest snapshot, and
// submits a batch computation job unless one already exists for the same
// manifest content hash.
func (s *Service) Submit(ctx context.Context, req Request) (*SubmitResult, error) {
	entries, err := s.toEntries(req)
	if err != nil {
		return nil, err
	}

	manifest, err := checksum.Build(entries, s.cfg.MaxManifestEntries)
	if err != nil {
		return nil, err
	}

	s.logger.Printf("INFO building manifest %s with %d entries", manifest.ContentHash, len(manifest.Entries))

	// Idempotent submission: a live job for the same content hash is
	// returned unchanged and no external job is created.
	if existing, err := s.liveJob(ctx, manifest.ContentHash); err != nil {
		return nil, err
	} else if existing != nil {
		info, err := s.manifestInfo(ctx, manifest.ContentHash)
		if err != nil {
			return nil, err
		}
		s.logger.Printf("INFO reusing job %s for manifest %s", existing.JobID, manifest.ContentHash)
		return &SubmitResult{Manifest: info, Job: existing.toAPI(), Reused: true}, nil
	}

	info, err := s.storeManifest(ctx, manifest)
	if err != nil {
		return nil, err
	}

	job, err := s.submitJob(ctx, manifest, info)
	if err != nil {
		return nil, err
	}

	return &SubmitResult{Manifest: info, Job: job.toAPI()}, nil
}

// Job returns the stored batch job by external job id.
func (s *Service) Job(ctx context.Context, jobID string) (BatchJob, error) {
	var model batchJobModel
	err := s.orm.WithContext(ctx).First(&model, "job_id = ?", jobID).Error
	if err != nil {
		return BatchJob{}, err
	}
	return model.toAPI(), nil
}

func (s *Service) toEntries(req Request) ([]checksum.Entry, error) {
	bucket := strings.TrimSpace(req.Bucket)
	if bucket == "" {
		return nil, &checksum.ValidationError{Reason: "bucket is required"}
	}
	if len(req.Keys) == 0 {
		return nil, &checksum.ValidationError{Reason: "keys are required"}
	}

	entries := make([]checksum.Entry, 0, len(req.Keys))
	for _, kd := range req.Keys {
		entries = append(entries, checksum.Entry{
			Bucket:         bucket,
			Key:            kd.Key,
			VersionID:      strings.TrimSpace(kd.VersionID),
			ExpectedMD5:    kd.MD5,
			ExpectedSHA256: kd.SHA256,
		})
	}
	return entries, nil
}

func (s *Service) liveJob(ctx context.Context, contentHash string) (*batchJobModel, error) {
	var model batchJobModel
	err := s.orm.WithContext(ctx).
		Where("manifest_content_hash = ? AND status <> ?", contentHash, jobStatusFailed).
		First(&model).Error
	switch {
	case err == nil:
		return &model, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

func (s *Service) manifestInfo(ctx context.Context, contentHash string) (ManifestInfo, error) {
	var model manifestModel
	err := s.orm.WithContext(ctx).First(&model, "content_hash = ?", contentHash).Error
	if err != nil {
		return ManifestInfo{}, err
	}
	return model.toAPI(), nil
}

func (s *Service) publishJSON(ctx context.Context, subj string, v any) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, subj, v); err != nil {
		s.logger.Printf("WARN publish %s failed: %v", subj, err)
	}
}

func (s *Service) expiry() *time.Time {
	if s.cfg.RetentionTTL <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(s.cfg.RetentionTTL)
	return &t
}
