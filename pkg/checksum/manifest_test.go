package checksum

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		max     int
		wantErr string
	}{
		{
			name:    "no entries",
			entries: nil,
			wantErr: "no entries",
		},
		{
			name: "empty key",
			entries: []Entry{
				{Bucket: "media", Key: "  "},
			},
			wantErr: "key is empty",
		},
		{
			name: "empty bucket",
			entries: []Entry{
				{Key: "a.mp4"},
			},
			wantErr: "bucket is empty",
		},
		{
			name: "duplicate key and version",
			entries: []Entry{
				{Bucket: "media", Key: "a.mp4", VersionID: "v1"},
				{Bucket: "media", Key: "a.mp4", VersionID: "v1"},
			},
			wantErr: "duplicate entry",
		},
		{
			name: "over the entry bound",
			entries: []Entry{
				{Bucket: "media", Key: "a.mp4"},
				{Bucket: "media", Key: "b.mp4"},
			},
			max:     1,
			wantErr: "manifest too large",
		},
		{
			name: "distinct versions of one key are allowed",
			entries: []Entry{
				{Bucket: "media", Key: "a.mp4", VersionID: "v1"},
				{Bucket: "media", Key: "a.mp4", VersionID: "v2"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.entries, tt.max)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Build() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Build() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestBuildErrorTypes(t *testing.T) {
	var vErr *ValidationError
	if _, err := Build(nil, 0); !errors.As(err, &vErr) {
		t.Fatalf("Build(nil) error = %T, want *ValidationError", err)
	}

	var tlErr *TooLargeError
	entries := []Entry{{Bucket: "b", Key: "x"}, {Bucket: "b", Key: "y"}}
	if _, err := Build(entries, 1); !errors.As(err, &tlErr) {
		t.Fatalf("Build(over limit) error = %T, want *TooLargeError", err)
	}
	if tlErr.Count != 2 || tlErr.Limit != 1 {
		t.Fatalf("TooLargeError = %+v, want count 2 limit 1", tlErr)
	}
}

func TestContentHashOrderIndependence(t *testing.T) {
	forward := []Entry{
		{Bucket: "media", Key: "a.mp4", ExpectedSHA256: "ABC123"},
		{Bucket: "media", Key: "b.mp4", VersionID: "v7"},
		{Bucket: "archive", Key: "c.bin"},
	}
	reversed := []Entry{forward[2], forward[1], forward[0]}

	m1, err := Build(forward, 0)
	if err != nil {
		t.Fatalf("Build(forward): %v", err)
	}
	m2, err := Build(reversed, 0)
	if err != nil {
		t.Fatalf("Build(reversed): %v", err)
	}

	if m1.ContentHash != m2.ContentHash {
		t.Fatalf("content hash differs across input orders: %s vs %s", m1.ContentHash, m2.ContentHash)
	}
	if m1.Entries[0].Bucket != "archive" {
		t.Fatalf("entries not sorted, first bucket = %s", m1.Entries[0].Bucket)
	}
}

func TestContentHashIncludesExpectations(t *testing.T) {
	base := []Entry{{Bucket: "media", Key: "a.mp4"}}
	withExpected := []Entry{{Bucket: "media", Key: "a.mp4", ExpectedSHA256: "abc123"}}

	m1, err := Build(base, 0)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := Build(withExpected, 0)
	if err != nil {
		t.Fatal(err)
	}
	if m1.ContentHash == m2.ContentHash {
		t.Fatal("expected digests should change the manifest identity")
	}
}

func TestEncodeCSV(t *testing.T) {
	m, err := Build([]Entry{
		{Bucket: "media", Key: "b.mp4", VersionID: "v1"},
		{Bucket: "media", Key: "a.mp4"},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := m.EncodeCSV(&buf); err != nil {
		t.Fatal(err)
	}

	want := "media,a.mp4,\nmedia,b.mp4,v1\n"
	if buf.String() != want {
		t.Fatalf("EncodeCSV() = %q, want %q", buf.String(), want)
	}
}

func TestSnapshotKey(t *testing.T) {
	m, err := Build([]Entry{{Bucket: "media", Key: "a.mp4"}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	key := m.SnapshotKey("batch-jobs/manifests/")
	if !strings.HasPrefix(key, "batch-jobs/manifests/") || !strings.HasSuffix(key, ".csv") {
		t.Fatalf("SnapshotKey() = %q", key)
	}
	if !strings.Contains(key, m.ContentHash) {
		t.Fatalf("SnapshotKey() = %q does not embed content hash", key)
	}
}

func TestDigestHelpers(t *testing.T) {
	if !DigestsEqual("ABC123", "abc123") {
		t.Fatal("DigestsEqual should be case-insensitive")
	}
	if DigestsEqual("abc123", "def456") {
		t.Fatal("DigestsEqual matched different digests")
	}
	if got := NormalizeDigest("  ABCdef  "); got != "abcdef" {
		t.Fatalf("NormalizeDigest() = %q", got)
	}
}

func TestAlgorithmTagNames(t *testing.T) {
	if got := AlgorithmSHA256.TagName(); got != "checksum-sha256" {
		t.Fatalf("TagName() = %q", got)
	}
	if got := AlgorithmMD5.VerifiedTagName(); got != "checksum-md5-verified" {
		t.Fatalf("VerifiedTagName() = %q", got)
	}
	if _, err := ParseAlgorithm("sha256"); err != nil {
		t.Fatalf("ParseAlgorithm(sha256): %v", err)
	}
	if _, err := ParseAlgorithm("crc32"); err == nil {
		t.Fatal("ParseAlgorithm(crc32) should fail")
	}
}
