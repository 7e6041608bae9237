package processor

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"checksumd/pkg/checksum"
)

// memStore is an in-memory RecordStore with the same idempotent upsert
// semantics as the Postgres-backed one.
type memStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func newMemStore() *memStore {
	return &memStore{records: map[string]Record{}}
}

func (m *memStore) Upsert(_ context.Context, rec Record) (UpsertStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[rec.ObjectKey()]
	if !ok {
		m.records[rec.ObjectKey()] = rec
		return UpsertCreated, nil
	}

	if existing.ComputedDigest == rec.ComputedDigest &&
		existing.ExpectedDigest == rec.ExpectedDigest &&
		existing.Outcome == rec.Outcome &&
		existing.FailureReason == rec.FailureReason {
		return UpsertReaffirmed, nil
	}

	status := UpsertUpdated
	if existing.ComputedDigest != "" &&
		existing.ComputedDigest != rec.ComputedDigest {
		status = UpsertConflicted
		rec.Conflict = true
		rec.PreviousDigest = existing.ComputedDigest
		rec.TagApplied = false
	} else {
		rec.TagApplied = existing.TagApplied
		rec.Conflict = existing.Conflict
		rec.PreviousDigest = existing.PreviousDigest
	}
	m.records[rec.ObjectKey()] = rec
	return status, nil
}

func (m *memStore) Get(_ context.Context, bucket, key, versionID string, alg checksum.Algorithm) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[Record{Bucket: bucket, Key: key, VersionID: versionID, Algorithm: alg}.ObjectKey()]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (m *memStore) ListUntagged(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.records {
		if rec.TagApplied || rec.ComputedDigest == "" {
			continue
		}
		if rec.Outcome != OutcomeMatch && rec.Outcome != OutcomeMissingExpected {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) MarkTagged(_ context.Context, objectKey string, applied bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[objectKey]
	if ok {
		rec.TagApplied = applied
		m.records[objectKey] = rec
	}
	return nil
}

func (m *memStore) SweepExpired(context.Context) (int64, error) { return 0, nil }

type publishedEvent struct {
	Subject string
	Payload any
}

type fakeBus struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakeBus) Publish(_ context.Context, subj string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{Subject: subj, Payload: v})
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string, string, func(context.Context, []byte) error) (io.Closer, error) {
	return io.NopCloser(nil), nil
}

func (f *fakeBus) published(subj string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Subject == subj {
			n++
		}
	}
	return n
}

type fakeFetcher struct{}

func (fakeFetcher) GetObject(context.Context, string, string) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func testService(t *testing.T, store RecordStore, client ObjectTagger, bus EventBus) *Service {
	t.Helper()
	tagger, err := NewTagger(client, TaggerConfig{MaxRetries: 1, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	svc, err := New(&gorm.DB{}, store, fakeFetcher{}, tagger, bus, Config{
		RecordTTL:          time.Hour,
		PersistMaxRetries:  1,
		PersistBackoffBase: time.Millisecond,
	}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func matchRecord() Record {
	return Record{
		Bucket:         "media",
		Key:            "a.mp4",
		Algorithm:      checksum.AlgorithmSHA256,
		ComputedDigest: "abc123",
		ExpectedDigest: "abc123",
		Outcome:        OutcomeMatch,
		JobID:          "job-1",
		ProcessedAt:    time.Now().UTC(),
	}
}

func TestRecordResultMatchIsTagged(t *testing.T) {
	store := newMemStore()
	client := newFakeTagClient()
	bus := &fakeBus{}
	svc := testService(t, store, client, bus)

	rec := matchRecord()
	if err := svc.recordResult(context.Background(), rec); err != nil {
		t.Fatalf("recordResult(): %v", err)
	}

	stored, err := store.Get(context.Background(), rec.Bucket, rec.Key, rec.VersionID, rec.Algorithm)
	if err != nil || stored == nil {
		t.Fatalf("Get() = %v, %v", stored, err)
	}
	if !stored.TagApplied {
		t.Fatal("record should be marked tagged")
	}
	if got := client.tags["media/a.mp4@"]["checksum-sha256"]; got != "abc123" {
		t.Fatalf("object tag = %q, want abc123", got)
	}
	if n := bus.published(mismatchSubject); n != 0 {
		t.Fatalf("published %d mismatch events for a clean match", n)
	}
}

func TestRecordResultMismatchNotifiesWithoutTagging(t *testing.T) {
	store := newMemStore()
	client := newFakeTagClient()
	bus := &fakeBus{}
	svc := testService(t, store, client, bus)

	rec := matchRecord()
	rec.ExpectedDigest = "def456"
	rec.Outcome = OutcomeMismatch

	if err := svc.recordResult(context.Background(), rec); err != nil {
		t.Fatalf("recordResult(): %v", err)
	}

	if n := bus.published(mismatchSubject); n != 1 {
		t.Fatalf("published %d mismatch events, want 1", n)
	}
	if client.putCalls != 0 {
		t.Fatal("mismatched digest must not be tagged onto the object")
	}
	stored, _ := store.Get(context.Background(), rec.Bucket, rec.Key, rec.VersionID, rec.Algorithm)
	if stored == nil || stored.TagApplied {
		t.Fatalf("stored = %+v, want untagged record", stored)
	}
}

func TestRecordResultRedeliveryIsIdempotent(t *testing.T) {
	store := newMemStore()
	client := newFakeTagClient()
	bus := &fakeBus{}
	svc := testService(t, store, client, bus)

	rec := matchRecord()
	for i := 0; i < 2; i++ {
		if err := svc.recordResult(context.Background(), rec); err != nil {
			t.Fatalf("recordResult() pass %d: %v", i, err)
		}
	}

	if client.putCalls != 1 {
		t.Fatalf("putCalls = %d, want 1: redelivery must not re-tag", client.putCalls)
	}
}

func TestRecordResultConflictResetsTag(t *testing.T) {
	store := newMemStore()
	client := newFakeTagClient()
	bus := &fakeBus{}
	svc := testService(t, store, client, bus)

	first := matchRecord()
	if err := svc.recordResult(context.Background(), first); err != nil {
		t.Fatal(err)
	}

	// The object was overwritten between deliveries: a new digest shows up.
	second := matchRecord()
	second.ComputedDigest = "9f9f9f"
	second.ExpectedDigest = "9f9f9f"
	if err := svc.recordResult(context.Background(), second); err != nil {
		t.Fatal(err)
	}

	stored, _ := store.Get(context.Background(), first.Bucket, first.Key, first.VersionID, first.Algorithm)
	if stored == nil {
		t.Fatal("record missing")
	}
	if !stored.Conflict {
		t.Fatal("conflict flag should be set")
	}
	if stored.PreviousDigest != "abc123" {
		t.Fatalf("previous digest = %q, want abc123", stored.PreviousDigest)
	}
	if stored.ComputedDigest != "9f9f9f" {
		t.Fatalf("computed digest = %q, later write should win", stored.ComputedDigest)
	}
	if got := client.tags["media/a.mp4@"]["checksum-sha256"]; got != "9f9f9f" {
		t.Fatalf("object tag = %q, want the winning digest", got)
	}
}

func TestTagFailureLeftForReconciliation(t *testing.T) {
	store := newMemStore()
	client := newFakeTagClient()
	client.putErrs = 10
	bus := &fakeBus{}
	svc := testService(t, store, client, bus)

	rec := matchRecord()
	if err := svc.recordResult(context.Background(), rec); err != nil {
		t.Fatalf("recordResult(): tagging failure must not fail persistence: %v", err)
	}

	stored, _ := store.Get(context.Background(), rec.Bucket, rec.Key, rec.VersionID, rec.Algorithm)
	if stored == nil || stored.TagApplied {
		t.Fatalf("stored = %+v, want persisted but untagged", stored)
	}

	// The transient failure clears; the reconciliation pass picks the record up.
	client.putErrs = 0
	tagged, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile(): %v", err)
	}
	if tagged != 1 {
		t.Fatalf("Reconcile() tagged %d records, want 1", tagged)
	}

	stored, _ = store.Get(context.Background(), rec.Bucket, rec.Key, rec.VersionID, rec.Algorithm)
	if stored == nil || !stored.TagApplied {
		t.Fatalf("stored = %+v, want tagged after reconciliation", stored)
	}
}
