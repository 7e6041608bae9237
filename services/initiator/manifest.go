package initiator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"checksumd/pkg/checksum"
)

// storeManifest writes the manifest snapshot to the manifest bucket and
// records it. Both sides are idempotent on the content hash: an existing
// snapshot object is left untouched and an existing row is returned as-is.
func (s *Service) storeManifest(ctx context.Context, manifest *checksum.Manifest) (ManifestInfo, error) {
	key := manifest.SnapshotKey(s.cfg.ManifestPrefix)

	exists, err := s.store.ObjectExists(ctx, s.cfg.ManifestBucket, key)
	if err != nil {
		return ManifestInfo{}, fmt.Errorf("check manifest snapshot: %w", err)
	}

	if !exists {
		var buf bytes.Buffer
		if err := manifest.EncodeCSV(&buf); err != nil {
			return ManifestInfo{}, fmt.Errorf("encode manifest: %w", err)
		}

		metadata := map[string]string{
			"generated-by": "checksum-initiator",
			"object-count": strconv.Itoa(len(manifest.Entries)),
			"content-hash": manifest.ContentHash,
		}
		if err := s.store.PutObject(ctx, s.cfg.ManifestBucket, key, buf.Bytes(), "text/csv", metadata); err != nil {
			return ManifestInfo{}, fmt.Errorf("write manifest snapshot: %w", err)
		}
		s.logger.Printf("INFO wrote manifest snapshot s3://%s/%s", s.cfg.ManifestBucket, key)
	}

	var model manifestModel
	err = s.orm.WithContext(ctx).First(&model, "content_hash = ?", manifest.ContentHash).Error
	switch {
	case err == nil:
		return model.toAPI(), nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return ManifestInfo{}, err
	}

	entries, err := entriesJSON(manifest.Entries)
	if err != nil {
		return ManifestInfo{}, err
	}

	model = manifestModel{
		ID:          uuid.New(),
		ContentHash: manifest.ContentHash,
		Bucket:      s.cfg.ManifestBucket,
		Key:         key,
		EntryCount:  len(manifest.Entries),
		Entries:     entries,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   s.expiry(),
	}
	if err := s.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return ManifestInfo{}, err
	}

	return model.toAPI(), nil
}
