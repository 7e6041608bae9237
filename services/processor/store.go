package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"checksumd/pkg/checksum"
	"checksumd/pkg/db"
)

// UpsertStatus describes what an idempotent upsert actually did.
type UpsertStatus int

const (
	// UpsertCreated wrote the first record for the composite key.
	UpsertCreated UpsertStatus = iota
	// UpsertReaffirmed found an identical record and changed nothing.
	UpsertReaffirmed
	// UpsertUpdated changed classification fields without a digest change.
	UpsertUpdated
	// UpsertConflicted replaced a genuinely different computed digest; the
	// previous digest is preserved for audit.
	UpsertConflicted
)

// RecordStore is the durable, idempotent persistence contract for checksum
// records. Writes for the same composite key are serialized.
type RecordStore interface {
	Upsert(ctx context.Context, rec Record) (UpsertStatus, error)
	Get(ctx context.Context, bucket, key, versionID string, alg checksum.Algorithm) (*Record, error)
	ListUntagged(ctx context.Context, limit int) ([]Record, error)
	MarkTagged(ctx context.Context, objectKey string, applied bool) error
	SweepExpired(ctx context.Context) (int64, error)
}

// ResultStore persists checksum records in Postgres.
type ResultStore struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
}

// NewResultStore wires the store over the shared ORM and connection pool.
func NewResultStore(orm *gorm.DB, pool *pgxpool.Pool) (*ResultStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &ResultStore{orm: orm, pool: pool}, nil
}

// Upsert writes rec under its composite key. Re-writing identical contents is
// a no-op; a differing computed digest wins but is flagged as a conflict so
// the previous digest is never silently lost. The row lock serializes
// concurrent redeliveries of the same line.
func (s *ResultStore) Upsert(ctx context.Context, rec Record) (UpsertStatus, error) {
	status := UpsertCreated

	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing checksumRecordModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&existing, "object_key = ?", rec.ObjectKey()).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			model := modelFromRecord(rec)
			status = UpsertCreated
			return tx.Create(&model).Error
		case err != nil:
			return err
		}

		var updates map[string]any
		status, updates = planUpsert(existing, rec)
		if status == UpsertReaffirmed {
			return nil
		}

		return tx.Model(&checksumRecordModel{}).
			Where("object_key = ?", existing.ObjectKey).
			Updates(updates).Error
	})
	if err != nil {
		return 0, fmt.Errorf("upsert record %s: %w", rec.ObjectKey(), err)
	}

	return status, nil
}

// planUpsert decides what an upsert over an existing row does. Re-writing
// identical contents is a reaffirmation; anything that would change or drop a
// previously computed digest is a conflict, with the superseded digest kept
// and the object tag scheduled for re-application.
func planUpsert(existing checksumRecordModel, rec Record) (UpsertStatus, map[string]any) {
	if existing.ComputedDigest == rec.ComputedDigest &&
		existing.ExpectedDigest == rec.ExpectedDigest &&
		existing.Outcome == string(rec.Outcome) &&
		existing.FailureReason == rec.FailureReason {
		return UpsertReaffirmed, nil
	}

	updates := map[string]any{
		"computed_digest": rec.ComputedDigest,
		"expected_digest": rec.ExpectedDigest,
		"outcome":         string(rec.Outcome),
		"failure_reason":  rec.FailureReason,
		"job_id":          rec.JobID,
		"processed_at":    rec.ProcessedAt,
	}
	if rec.ExpiresAt != nil {
		updates["expires_at"] = rec.ExpiresAt
	}

	if existing.ComputedDigest != "" && existing.ComputedDigest != rec.ComputedDigest {
		// The digest changed, or a redelivered compute failure is about to
		// blank it. Later write wins; keep the superseded digest for audit
		// and invalidate the tag so it never goes stale silently.
		updates["conflict"] = true
		updates["previous_digest"] = existing.ComputedDigest
		updates["tag_applied"] = false
		return UpsertConflicted, updates
	}

	return UpsertUpdated, updates
}

// Get performs a point lookup by composite key. A nil record means the
// object/algorithm pair has not been processed at all, which is distinct from
// a stored COMPUTE_FAILURE.
func (s *ResultStore) Get(ctx context.Context, bucket, key, versionID string, alg checksum.Algorithm) (*Record, error) {
	objectKey := Record{Bucket: bucket, Key: key, VersionID: versionID, Algorithm: alg}.ObjectKey()

	var model checksumRecordModel
	err := s.orm.WithContext(ctx).First(&model, "object_key = ?", objectKey).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}

	rec := model.toRecord()
	return &rec, nil
}

type recordRow struct {
	ObjectKey      string     `db:"object_key"`
	Bucket         string     `db:"bucket"`
	Key            string     `db:"key"`
	VersionID      string     `db:"version_id"`
	Algorithm      string     `db:"algorithm"`
	ComputedDigest string     `db:"computed_digest"`
	ExpectedDigest string     `db:"expected_digest"`
	Outcome        string     `db:"outcome"`
	FailureReason  string     `db:"failure_reason"`
	TagApplied     bool       `db:"tag_applied"`
	Conflict       bool       `db:"conflict"`
	PreviousDigest string     `db:"previous_digest"`
	JobID          string     `db:"job_id"`
	ProcessedAt    time.Time  `db:"processed_at"`
	ExpiresAt      *time.Time `db:"expires_at"`
}

// ListUntagged returns records whose digest was recorded but whose source
// object tag has not been applied yet, oldest first.
func (s *ResultStore) ListUntagged(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []recordRow
	query := `
		SELECT object_key, bucket, key, version_id, algorithm,
		       computed_digest, expected_digest, outcome, failure_reason,
		       tag_applied, conflict, previous_digest, job_id,
		       processed_at, expires_at
		FROM checksum_records
		WHERE tag_applied = false
		  AND outcome IN ($1, $2)
		  AND computed_digest <> ''
		ORDER BY processed_at
		LIMIT $3`
	if err := db.Select(ctx, s.pool, &rows, query, string(OutcomeMatch), string(OutcomeMissingExpected), limit); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{
			Bucket:         row.Bucket,
			Key:            row.Key,
			VersionID:      row.VersionID,
			Algorithm:      checksum.Algorithm(row.Algorithm),
			ComputedDigest: row.ComputedDigest,
			ExpectedDigest: row.ExpectedDigest,
			Outcome:        Outcome(row.Outcome),
			FailureReason:  row.FailureReason,
			TagApplied:     row.TagApplied,
			Conflict:       row.Conflict,
			PreviousDigest: row.PreviousDigest,
			JobID:          row.JobID,
			ProcessedAt:    row.ProcessedAt,
			ExpiresAt:      row.ExpiresAt,
		})
	}
	return records, nil
}

// MarkTagged flips only the tag_applied flag, leaving outcome and digests
// untouched.
func (s *ResultStore) MarkTagged(ctx context.Context, objectKey string, applied bool) error {
	return s.orm.WithContext(ctx).
		Model(&checksumRecordModel{}).
		Where("object_key = ?", objectKey).
		Update("tag_applied", applied).Error
}

// SweepExpired garbage-collects manifests, jobs, and records past their
// retention window.
func (s *ResultStore) SweepExpired(ctx context.Context) (int64, error) {
	var total int64
	for _, table := range []string{"checksum_records", "batch_jobs", "manifests"} {
		tag, err := db.Exec(ctx, s.pool,
			fmt.Sprintf("DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at < now()", table))
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
