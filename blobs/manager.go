package blobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/cirrus/models"
	"github.com/bluesky-social/cirrus/repo"
	"github.com/bluesky-social/cirrus/xrpcerr"

	"github.com/ipfs/go-cid"
	"github.com/minio/sha256-simd"
	"github.com/multiformats/go-multihash"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// Manager tracks uploaded blobs in the blobs table and drives their promotion.
type Manager struct {
	db    *gorm.DB
	store BlobStore
	log   *slog.Logger
	now   func() time.Time
}

func NewManager(db *gorm.DB, store BlobStore) *Manager {
	return &Manager{
		db:    db,
		store: store,
		log:   slog.Default().With("system", "blobs"),
		now:   time.Now,
	}
}

func (m *Manager) Store() BlobStore {
	return m.store
}

// RawCid is the CIDv1 raw sha2-256 address of data.
func RawCid(data []byte) (cid.Cid, error) {
	sum := sha256.Sum256(data)
	mh, err := multihash.Encode(sum[:], multihash.SHA2_256)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// UploadBlob stores data as a temp blob and returns the reference a record should embed.
// Uploading content that is already permanent leaves no temp entry behind.
func (m *Manager) UploadBlob(ctx context.Context, creator, mimeType string, data []byte) (*repo.BlobRef, error) {
	ctx, span := tracer.Start(ctx, "UploadBlob")
	defer span.End()
	span.SetAttributes(attribute.String("did", creator), attribute.Int("size", len(data)))

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	c, err := RawCid(data)
	if err != nil {
		return nil, err
	}
	ref := &repo.BlobRef{Cid: c, MimeType: mimeType, Size: int64(len(data))}

	var existing models.Blob
	if err := m.db.WithContext(ctx).Limit(1).Find(&existing, "cid = ?", c.String()).Error; err != nil {
		return nil, err
	}
	if existing.Cid != "" && existing.TempKey == nil {
		return ref, nil
	}

	key, err := m.store.PutTemp(ctx, data)
	if err != nil {
		return nil, err
	}

	if existing.Cid != "" {
		// a previous upload of the same bytes is still pending; point at the fresh copy
		if err := m.db.WithContext(ctx).Model(&models.Blob{}).
			Where("cid = ?", c.String()).
			Update("temp_key", key).Error; err != nil {
			return nil, err
		}
		if err := m.store.DeleteTemp(ctx, *existing.TempKey); err != nil {
			m.log.Warn("failed to drop superseded temp blob", "key", *existing.TempKey, "err", err)
		}
		return ref, nil
	}

	err = m.db.WithContext(ctx).Create(&models.Blob{
		Cid:        c.String(),
		TempKey:    &key,
		MimeType:   mimeType,
		Size:       ref.Size,
		CreatorDid: creator,
		CreatedAt:  time.Now(),
	}).Error
	if err != nil {
		return nil, fmt.Errorf("recording blob %s: %w", c, err)
	}
	return ref, nil
}

// PromoteRefs makes every blob referenced by a pending write permanent. It runs before
// the write's transaction, so a failed write can leave promoted blobs unreferenced
// until the next GC.
func (m *Manager) PromoteRefs(ctx context.Context, refs []repo.BlobRef) error {
	ctx, span := tracer.Start(ctx, "PromoteRefs")
	defer span.End()

	for _, ref := range refs {
		if err := m.promote(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) promote(ctx context.Context, ref repo.BlobRef) error {
	db := m.db.WithContext(ctx)

	var row models.Blob
	if err := db.Limit(1).Find(&row, "cid = ?", ref.Cid.String()).Error; err != nil {
		return err
	}
	if row.Cid == "" {
		return xrpcerr.BlobNotFound(ref.Cid.String())
	}
	if ref.MimeType != "" && ref.MimeType != row.MimeType {
		return xrpcerr.Validation("blob %s mime type %q does not match upload %q", ref.Cid, ref.MimeType, row.MimeType)
	}
	if row.TempKey == nil {
		// already permanent; refresh the stamp so GC leaves it alone until the write commits
		return db.Model(&models.Blob{}).
			Where("cid = ? AND temp_key IS NULL", row.Cid).
			Update("promoted_at", m.now()).Error
	}

	err := m.store.MakePermanent(ctx, *row.TempKey, ref.Cid)
	if errors.Is(err, xrpcerr.ErrBlobNotFound) {
		// a concurrent promotion may have won
		ok, herr := m.store.HasStored(ctx, ref.Cid)
		if herr != nil {
			return herr
		}
		if !ok {
			return err
		}
	} else if err != nil {
		return err
	}

	return db.Model(&models.Blob{}).
		Where("cid = ? AND temp_key = ?", row.Cid, *row.TempKey).
		Updates(map[string]any{"temp_key": nil, "promoted_at": m.now()}).Error
}

// CheckRefs fails with BlobNotFound unless every ref is still a permanent blob. Writes
// call it inside their transaction, after PromoteRefs, so a GC pass that ran in between
// cannot leave a record pointing at deleted bytes.
func (m *Manager) CheckRefs(ctx context.Context, tx *gorm.DB, refs []repo.BlobRef) error {
	for _, ref := range refs {
		var n int64
		if err := tx.WithContext(ctx).Model(&models.Blob{}).
			Where("cid = ? AND temp_key IS NULL", ref.Cid.String()).
			Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return xrpcerr.BlobNotFound(ref.Cid.String())
		}
	}
	return nil
}

// GC removes uploads created before cutoff that were never promoted, and permanent
// blobs that no record references and no write has promoted since cutoff.
func (m *Manager) GC(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "GC")
	defer span.End()

	db := m.db.WithContext(ctx)

	var stale []models.Blob
	if err := db.Where("temp_key IS NOT NULL AND created_at < ?", cutoff).Find(&stale).Error; err != nil {
		return 0, err
	}

	var orphans []models.Blob
	if err := db.Where("temp_key IS NULL AND COALESCE(promoted_at, created_at) < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM record_blobs WHERE record_blobs.blob_cid = blobs.cid)").
		Find(&orphans).Error; err != nil {
		return 0, err
	}

	removed := 0
	for _, b := range stale {
		if err := m.store.DeleteTemp(ctx, *b.TempKey); err != nil {
			return removed, err
		}
		if err := db.Where("cid = ? AND temp_key = ?", b.Cid, *b.TempKey).Delete(&models.Blob{}).Error; err != nil {
			return removed, err
		}
		removed++
	}
	for _, b := range orphans {
		c, err := cid.Decode(b.Cid)
		if err != nil {
			return removed, err
		}
		res := db.Where("cid = ? AND temp_key IS NULL AND COALESCE(promoted_at, created_at) < ?", b.Cid, cutoff).
			Where("NOT EXISTS (SELECT 1 FROM record_blobs WHERE record_blobs.blob_cid = blobs.cid)").
			Delete(&models.Blob{})
		if res.Error != nil {
			return removed, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		if err := m.store.Delete(ctx, c); err != nil {
			return removed, err
		}
		removed++
	}

	blobsCollected.Add(float64(removed))
	if removed > 0 {
		m.log.Info("collected unreferenced blobs", "count", removed)
	}
	return removed, nil
}
