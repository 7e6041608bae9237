package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"checksumd/pkg/checksum"
)

const (
	jobStatusSubject   = "checksum.jobs.status"
	reportReadySubject = "checksum.reports.ready"
	mismatchSubject    = "checksum.results.mismatch"

	jobStatusSubmitted = "SUBMITTED"
	jobStatusRunning   = "RUNNING"
	jobStatusComplete  = "COMPLETE"
	jobStatusFailed    = "FAILED"
)

// ReportFetcher is the subset of the S3 client used to download completion
// reports.
type ReportFetcher interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// EventBus is the messaging surface the processor needs.
type EventBus interface {
	Publish(ctx context.Context, subj string, v any) error
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Config controls record retention and retry behaviour.
type Config struct {
	RecordTTL          time.Duration
	PersistMaxRetries  uint64
	PersistBackoffBase time.Duration
	ReconcileInterval  time.Duration
	SweepInterval      time.Duration
	ReconcileBatchSize int
}

// Service consumes batch job lifecycle events and completion reports,
// reconciling results into the durable record store.
type Service struct {
	orm     *gorm.DB
	store   RecordStore
	fetcher ReportFetcher
	tagger  *Tagger
	bus     EventBus
	cfg     Config
	logger  *log.Logger

	subsMu sync.Mutex
	subs   []io.Closer
}

// New wires the processor service.
func New(orm *gorm.DB, store RecordStore, fetcher ReportFetcher, tagger *Tagger, bus EventBus, cfg Config, logger *log.Logger) (*Service, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if store == nil {
		return nil, errors.New("record store is required")
	}
	if fetcher == nil {
		return nil, errors.New("report fetcher is required")
	}
	if tagger == nil {
		return nil, errors.New("tagger is required")
	}
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	if cfg.PersistMaxRetries == 0 {
		cfg.PersistMaxRetries = 4
	}
	if cfg.PersistBackoffBase <= 0 {
		cfg.PersistBackoffBase = 250 * time.Millisecond
	}
	if cfg.ReconcileBatchSize <= 0 {
		cfg.ReconcileBatchSize = 100
	}

	return &Service{
		orm:     orm,
		store:   store,
		fetcher: fetcher,
		tagger:  tagger,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Start registers durable subscriptions and background loops.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("nil service")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	specs := []struct {
		subject string
		durable string
		handler func(context.Context, []byte) error
	}{
		{jobStatusSubject, "processor-job-status", s.handleJobStatus},
		{reportReadySubject, "processor-reports", s.handleReportReady},
	}

	for _, spec := range specs {
		closer, err := s.bus.Subscribe(ctx, spec.subject, spec.durable, spec.handler)
		if err != nil {
			s.Close()
			return err
		}
		s.subsMu.Lock()
		s.subs = append(s.subs, closer)
		s.subsMu.Unlock()
	}

	go s.runLoops(ctx)

	return nil
}

// Close tears down active subscriptions.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	var firstErr error
	for _, sub := range s.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.subs = nil
	return firstErr
}

type jobStatusEvent struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	ReportBucket string `json:"report_bucket,omitempty"`
	ReportKey    string `json:"report_key,omitempty"`
}

type reportReadyEvent struct {
	JobID  string `json:"job_id"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// handleJobStatus advances the persisted job state machine. Transitions only
// ever move forward; stale or duplicate events are acknowledged without
// effect so redelivery stays harmless.
func (s *Service) handleJobStatus(ctx context.Context, data []byte) error {
	var evt jobStatusEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.JobID == "" {
		return errors.New("job_id missing from status event")
	}

	status := strings.ToUpper(strings.TrimSpace(evt.Status))
	if !validJobStatus(status) {
		return fmt.Errorf("unknown job status %q", evt.Status)
	}

	var job batchJobModel
	err := s.orm.WithContext(ctx).First(&job, "job_id = ?", evt.JobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Printf("WARN status event for unknown job %s", evt.JobID)
			return nil
		}
		return err
	}

	if !jobTransitionAllowed(job.Status, status) {
		return nil
	}

	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if evt.ReportBucket != "" {
		updates["report_bucket"] = evt.ReportBucket
	}
	if evt.ReportKey != "" {
		updates["report_key"] = evt.ReportKey
	}

	if err := s.orm.WithContext(ctx).
		Model(&batchJobModel{}).
		Where("job_id = ?", evt.JobID).
		Updates(updates).Error; err != nil {
		return err
	}

	s.logger.Printf("INFO job %s moved %s -> %s", evt.JobID, job.Status, status)
	return nil
}

// handleReportReady processes one completion report. The handler is
// re-entrant: every write is an idempotent upsert keyed by composite
// identity, so redelivering the report, or crashing halfway and starting
// over, converges to the same stored state.
func (s *Service) handleReportReady(ctx context.Context, data []byte) error {
	var evt reportReadyEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.JobID == "" || evt.Bucket == "" || evt.Key == "" {
		return errors.New("report event missing job_id, bucket, or key")
	}

	var job batchJobModel
	if err := s.orm.WithContext(ctx).First(&job, "job_id = ?", evt.JobID).Error; err != nil {
		// Unknown job: the submission record may not have landed yet.
		// NAK so the report is redelivered once it has.
		return fmt.Errorf("load job %s: %w", evt.JobID, err)
	}

	entries, err := s.manifestIndex(ctx, job.ManifestContentHash)
	if err != nil {
		return err
	}

	if jobTransitionAllowed(job.Status, jobStatusComplete) {
		if err := s.orm.WithContext(ctx).
			Model(&batchJobModel{}).
			Where("job_id = ?", job.JobID).
			Updates(map[string]any{
				"status":        jobStatusComplete,
				"report_bucket": evt.Bucket,
				"report_key":    evt.Key,
				"updated_at":    time.Now().UTC(),
			}).Error; err != nil {
			return err
		}
	}

	body, err := s.fetcher.GetObject(ctx, evt.Bucket, evt.Key)
	if err != nil {
		return fmt.Errorf("fetch report s3://%s/%s: %w", evt.Bucket, evt.Key, err)
	}
	defer body.Close()

	lines, malformed, err := ParseReport(body, strings.HasSuffix(evt.Key, ".gz"))
	if err != nil {
		return fmt.Errorf("parse report s3://%s/%s: %w", evt.Bucket, evt.Key, err)
	}
	if malformed > 0 {
		malformedLines.Add(float64(malformed))
		s.logger.Printf("WARN report %s: skipped %d malformed lines", evt.Key, malformed)
	}

	now := time.Now().UTC()
	processed := 0
	for _, line := range lines {
		entry, ok := entries[lineIdentity(line)]
		if !ok {
			orphanLines.Inc()
			s.logger.Printf("WARN report %s: no manifest entry for %s/%s", evt.Key, line.Bucket, line.Key)
			continue
		}

		for _, eval := range Evaluate(entry, line) {
			rec := eval.toRecord(entry, job.JobID, s.cfg.RecordTTL, now)
			if err := s.recordResult(ctx, rec); err != nil {
				// Surface the stuck item and NAK the report; completed
				// siblings are safe to reprocess.
				s.logger.Printf("ERROR persist %s: %v", rec.ObjectKey(), err)
				return err
			}
			processed++
		}
	}

	s.logger.Printf("INFO report %s: recorded %d results for job %s", evt.Key, processed, job.JobID)
	return nil
}

// recordResult upserts one record with bounded backoff, publishes operator
// notifications for bad outcomes, and applies the object tag.
func (s *Service) recordResult(ctx context.Context, rec Record) error {
	var status UpsertStatus

	backoff := retry.WithMaxRetries(s.cfg.PersistMaxRetries, retry.NewExponential(s.cfg.PersistBackoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var upsertErr error
		status, upsertErr = s.store.Upsert(ctx, rec)
		if upsertErr != nil {
			return retry.RetryableError(upsertErr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	recordsUpserted.WithLabelValues(string(rec.Outcome)).Inc()
	if status == UpsertConflicted {
		recordConflicts.Inc()
		s.logger.Printf("WARN digest conflict on %s, previous digest retained for audit", rec.ObjectKey())
	}

	if rec.Outcome == OutcomeMismatch || rec.Outcome == OutcomeComputeFailure {
		s.notifyOperator(ctx, rec)
	}

	s.applyTag(ctx, rec, status)
	return nil
}

func (s *Service) applyTag(ctx context.Context, rec Record, status UpsertStatus) {
	if rec.ComputedDigest == "" {
		return
	}
	if rec.Outcome != OutcomeMatch && rec.Outcome != OutcomeMissingExpected {
		return
	}

	if status == UpsertReaffirmed {
		current, err := s.store.Get(ctx, rec.Bucket, rec.Key, rec.VersionID, rec.Algorithm)
		if err == nil && current != nil && current.TagApplied {
			return
		}
	}

	if err := s.tagger.Apply(ctx, rec); err != nil {
		tagFailures.Inc()
		s.logger.Printf("WARN tagging %s failed, left for reconciliation: %v", rec.ObjectKey(), err)
		return
	}

	if err := s.store.MarkTagged(ctx, rec.ObjectKey(), true); err != nil {
		s.logger.Printf("WARN mark tagged %s: %v", rec.ObjectKey(), err)
		return
	}
	tagsApplied.Inc()
}

func (s *Service) notifyOperator(ctx context.Context, rec Record) {
	payload := map[string]any{
		"object_key":      rec.ObjectKey(),
		"bucket":          rec.Bucket,
		"key":             rec.Key,
		"version_id":      rec.VersionID,
		"algorithm":       rec.Algorithm,
		"outcome":         rec.Outcome,
		"computed_digest": rec.ComputedDigest,
		"expected_digest": rec.ExpectedDigest,
		"failure_reason":  rec.FailureReason,
	}
	if err := s.bus.Publish(ctx, mismatchSubject, payload); err != nil {
		s.logger.Printf("WARN publish operator notification for %s: %v", rec.ObjectKey(), err)
	}
}

// manifestIndex loads the manifest's entries keyed by object identity.
func (s *Service) manifestIndex(ctx context.Context, contentHash string) (map[string]checksum.Entry, error) {
	var model manifestModel
	if err := s.orm.WithContext(ctx).First(&model, "content_hash = ?", contentHash).Error; err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", contentHash, err)
	}

	var entries []checksum.Entry
	if err := json.Unmarshal(model.Entries, &entries); err != nil {
		return nil, fmt.Errorf("decode manifest %s entries: %w", contentHash, err)
	}

	index := make(map[string]checksum.Entry, len(entries))
	for _, e := range entries {
		index[e.Identity()] = e
	}
	return index, nil
}

func lineIdentity(line ReportLine) string {
	return line.Bucket + "#" + line.Key + "#" + line.VersionID
}

func validJobStatus(status string) bool {
	switch status {
	case jobStatusSubmitted, jobStatusRunning, jobStatusComplete, jobStatusFailed:
		return true
	default:
		return false
	}
}

// jobTransitionAllowed encodes SUBMITTED -> RUNNING -> COMPLETE|FAILED.
// Terminal states never regress.
func jobTransitionAllowed(from, to string) bool {
	if from == to {
		return false
	}
	switch from {
	case jobStatusSubmitted:
		return to == jobStatusRunning || to == jobStatusComplete || to == jobStatusFailed
	case jobStatusRunning:
		return to == jobStatusComplete || to == jobStatusFailed
	default:
		return false
	}
}
