package checksum

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Entry is one object reference inside a manifest, optionally carrying
// caller-supplied expected digests.
type Entry struct {
	Bucket         string `json:"bucket"`
	Key            string `json:"key"`
	VersionID      string `json:"version_id,omitempty"`
	ExpectedMD5    string `json:"expected_md5,omitempty"`
	ExpectedSHA256 string `json:"expected_sha256,omitempty"`
}

// Identity returns the (bucket, key, version) triple used for uniqueness
// checks and deterministic ordering.
func (e Entry) Identity() string {
	return e.Bucket + "#" + e.Key + "#" + e.VersionID
}

// Manifest is an immutable, deterministically ordered list of object
// references identified by its content hash.
type Manifest struct {
	Entries     []Entry
	ContentHash string
}

// ValidationError reports a malformed manifest request. It fails the whole
// request before any external side effect.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid manifest request: " + e.Reason
}

// TooLargeError reports a manifest exceeding the configured entry bound.
type TooLargeError struct {
	Count, Limit int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("manifest too large: %d entries exceeds limit of %d", e.Count, e.Limit)
}

// Build validates and orders entries, then computes the content hash.
// Entries are sorted by (bucket, key, version) so the hash is independent of
// input order. A maxEntries of zero disables the size bound.
func Build(entries []Entry, maxEntries int) (*Manifest, error) {
	if len(entries) == 0 {
		return nil, &ValidationError{Reason: "no entries"}
	}
	if maxEntries > 0 && len(entries) > maxEntries {
		return nil, &TooLargeError{Count: len(entries), Limit: maxEntries}
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)

	seen := make(map[string]struct{}, len(sorted))
	for i := range sorted {
		sorted[i].Bucket = strings.TrimSpace(sorted[i].Bucket)
		sorted[i].Key = strings.TrimSpace(sorted[i].Key)
		sorted[i].ExpectedMD5 = NormalizeDigest(sorted[i].ExpectedMD5)
		sorted[i].ExpectedSHA256 = NormalizeDigest(sorted[i].ExpectedSHA256)

		if sorted[i].Bucket == "" {
			return nil, &ValidationError{Reason: "entry bucket is empty"}
		}
		if sorted[i].Key == "" {
			return nil, &ValidationError{Reason: "entry key is empty"}
		}

		id := sorted[i].Identity()
		if _, dup := seen[id]; dup {
			return nil, &ValidationError{Reason: "duplicate entry " + id}
		}
		seen[id] = struct{}{}
	}

	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Bucket != b.Bucket {
			return a.Bucket < b.Bucket
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.VersionID < b.VersionID
	})

	hash, err := contentHash(sorted)
	if err != nil {
		return nil, err
	}

	return &Manifest{Entries: sorted, ContentHash: hash}, nil
}

// EncodeCSV writes the snapshot rows consumed by the batch compute fleet:
// bucket, key, version.
func (m *Manifest) EncodeCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	for _, e := range m.Entries {
		if err := cw.Write([]string{e.Bucket, e.Key, e.VersionID}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SnapshotKey is the storage key of the manifest snapshot, derived from the
// content hash so identical manifests land on the same object.
func (m *Manifest) SnapshotKey(prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "batch-jobs/manifests"
	}
	return prefix + "/" + m.ContentHash + ".csv"
}

// contentHash digests the canonical serialization of the sorted entries.
// Expected digests are part of the identity: the same object set verified
// against different expectations is a different unit of work.
func contentHash(entries []Entry) (string, error) {
	h := sha256.New()
	cw := csv.NewWriter(h)
	for _, e := range entries {
		row := []string{e.Bucket, e.Key, e.VersionID, e.ExpectedMD5, e.ExpectedSHA256}
		if err := cw.Write(row); err != nil {
			return "", err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
