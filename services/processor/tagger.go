package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// ObjectTagger is the subset of the S3 client used to read and write object
// tag sets.
type ObjectTagger interface {
	GetObjectTags(ctx context.Context, bucket, key, versionID string) (map[string]string, error)
	PutObjectTags(ctx context.Context, bucket, key, versionID string, tags map[string]string) error
}

// TaggerConfig bounds the tagging retry budget.
type TaggerConfig struct {
	MaxRetries  uint64
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Tagger applies computed digests as tags on source objects. It is an
// independent failure domain from the result store: an exhausted retry
// budget leaves the record with tag_applied=false for reconciliation rather
// than failing the pipeline.
type Tagger struct {
	client ObjectTagger
	cfg    TaggerConfig
	now    func() time.Time
}

// NewTagger wires a Tagger over the tagging client.
func NewTagger(client ObjectTagger, cfg TaggerConfig) (*Tagger, error) {
	if client == nil {
		return nil, errors.New("tagging client is required")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	return &Tagger{client: client, cfg: cfg, now: time.Now}, nil
}

// Apply tags the record's source object with its computed digest and a
// verification timestamp, preserving unrelated tags already on the object.
// Retries use bounded exponential backoff; the returned error means the
// budget is exhausted and the record stays untagged.
func (t *Tagger) Apply(ctx context.Context, rec Record) error {
	if rec.ComputedDigest == "" {
		return fmt.Errorf("record %s has no computed digest to tag", rec.ObjectKey())
	}

	backoff := retry.WithCappedDuration(t.cfg.BackoffCap, retry.NewExponential(t.cfg.BackoffBase))
	backoff = retry.WithMaxRetries(t.cfg.MaxRetries, backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := t.applyOnce(ctx, rec); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (t *Tagger) applyOnce(ctx context.Context, rec Record) error {
	tags, err := t.client.GetObjectTags(ctx, rec.Bucket, rec.Key, rec.VersionID)
	if err != nil {
		return fmt.Errorf("get tags for s3://%s/%s: %w", rec.Bucket, rec.Key, err)
	}
	if tags == nil {
		tags = map[string]string{}
	}

	tags[rec.Algorithm.TagName()] = rec.ComputedDigest
	tags[rec.Algorithm.VerifiedTagName()] = t.now().UTC().Format(time.RFC3339)

	if err := t.client.PutObjectTags(ctx, rec.Bucket, rec.Key, rec.VersionID, tags); err != nil {
		return fmt.Errorf("put tags for s3://%s/%s: %w", rec.Bucket, rec.Key, err)
	}
	return nil
}
