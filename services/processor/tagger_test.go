package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"checksumd/pkg/checksum"
)

type fakeTagClient struct {
	mu       sync.Mutex
	tags     map[string]map[string]string
	getErrs  int
	putErrs  int
	getCalls int
	putCalls int
}

func newFakeTagClient() *fakeTagClient {
	return &fakeTagClient{tags: map[string]map[string]string{}}
}

func (f *fakeTagClient) objectID(bucket, key, versionID string) string {
	return bucket + "/" + key + "@" + versionID
}

func (f *fakeTagClient) GetObjectTags(ctx context.Context, bucket, key, versionID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErrs > 0 {
		f.getErrs--
		return nil, errors.New("throttled")
	}
	existing := f.tags[f.objectID(bucket, key, versionID)]
	out := make(map[string]string, len(existing))
	for k, v := range existing {
		out[k] = v
	}
	return out, nil
}

func (f *fakeTagClient) PutObjectTags(ctx context.Context, bucket, key, versionID string, tags map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if f.putErrs > 0 {
		f.putErrs--
		return errors.New("throttled")
	}
	f.tags[f.objectID(bucket, key, versionID)] = tags
	return nil
}

func testTagger(t *testing.T, client ObjectTagger) *Tagger {
	t.Helper()
	tagger, err := NewTagger(client, TaggerConfig{
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return tagger
}

func TestTaggerApply(t *testing.T) {
	client := newFakeTagClient()
	client.tags["media/a.mp4@"] = map[string]string{"owner": "ingest"}

	tagger := testTagger(t, client)
	rec := Record{
		Bucket:         "media",
		Key:            "a.mp4",
		Algorithm:      checksum.AlgorithmSHA256,
		ComputedDigest: "abc123",
		Outcome:        OutcomeMatch,
	}

	if err := tagger.Apply(context.Background(), rec); err != nil {
		t.Fatalf("Apply(): %v", err)
	}

	tags := client.tags["media/a.mp4@"]
	if tags["checksum-sha256"] != "abc123" {
		t.Fatalf("tags = %v", tags)
	}
	if tags["checksum-sha256-verified"] == "" {
		t.Fatal("verified timestamp tag missing")
	}
	if tags["owner"] != "ingest" {
		t.Fatal("pre-existing tag lost")
	}
}

func TestTaggerRetriesThenSucceeds(t *testing.T) {
	client := newFakeTagClient()
	client.putErrs = 2

	tagger := testTagger(t, client)
	rec := Record{Bucket: "media", Key: "a.mp4", Algorithm: checksum.AlgorithmMD5, ComputedDigest: "feedface"}

	if err := tagger.Apply(context.Background(), rec); err != nil {
		t.Fatalf("Apply(): %v", err)
	}
	if client.putCalls != 3 {
		t.Fatalf("putCalls = %d, want 3", client.putCalls)
	}
}

func TestTaggerGivesUpAfterBudget(t *testing.T) {
	client := newFakeTagClient()
	client.getErrs = 10

	tagger := testTagger(t, client)
	rec := Record{Bucket: "media", Key: "a.mp4", Algorithm: checksum.AlgorithmMD5, ComputedDigest: "feedface"}

	if err := tagger.Apply(context.Background(), rec); err == nil {
		t.Fatal("Apply() should fail once the retry budget is exhausted")
	}
	// Initial attempt plus two retries.
	if client.getCalls != 3 {
		t.Fatalf("getCalls = %d, want 3", client.getCalls)
	}
}

func TestTaggerRejectsEmptyDigest(t *testing.T) {
	tagger := testTagger(t, newFakeTagClient())
	rec := Record{Bucket: "media", Key: "a.mp4", Algorithm: checksum.AlgorithmMD5}

	if err := tagger.Apply(context.Background(), rec); err == nil {
		t.Fatal("Apply() should reject a record without a digest")
	}
}
