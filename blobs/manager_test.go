package blobs

import (
	"context"
	"testing"
	"time"

	"github.com/bluesky-social/cirrus/internal/testutil"
	"github.com/bluesky-social/cirrus/models"
	"github.com/bluesky-social/cirrus/repo"
	"github.com/bluesky-social/cirrus/xrpcerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadAndPromote(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	db := testutil.SetupDB(t)
	s := memStore(t, nil)
	m := NewManager(db, s)

	data := []byte{0x89, 'P', 'N', 'G', 1, 2, 3}
	ref, err := m.UploadBlob(ctx, "did:example:alice", "image/png", data)
	require.NoError(err)
	assert.Equal(int64(len(data)), ref.Size)

	var row models.Blob
	require.NoError(db.First(&row, "cid = ?", ref.Cid.String()).Error)
	require.NotNil(row.TempKey)

	// uploading the same bytes again supersedes the pending copy
	_, err = m.UploadBlob(ctx, "did:example:alice", "image/png", data)
	require.NoError(err)
	var again models.Blob
	require.NoError(db.First(&again, "cid = ?", ref.Cid.String()).Error)
	require.NotNil(again.TempKey)
	assert.NotEqual(*row.TempKey, *again.TempKey)
	ok, err := s.HasTemp(ctx, *row.TempKey)
	require.NoError(err)
	assert.False(ok)

	err = m.PromoteRefs(ctx, []repo.BlobRef{{Cid: ref.Cid, MimeType: "image/jpeg"}})
	assert.ErrorIs(err, xrpcerr.ErrValidation)

	require.NoError(m.PromoteRefs(ctx, []repo.BlobRef{*ref}))
	require.NoError(m.PromoteRefs(ctx, []repo.BlobRef{*ref}), "promotion is idempotent")

	require.NoError(db.First(&row, "cid = ?", ref.Cid.String()).Error)
	assert.Nil(row.TempKey)
	got, err := s.GetBytes(ctx, ref.Cid)
	require.NoError(err)
	assert.Equal(data, got)

	unknown, err := RawCid([]byte("never uploaded"))
	require.NoError(err)
	err = m.PromoteRefs(ctx, []repo.BlobRef{{Cid: unknown}})
	assert.ErrorIs(err, xrpcerr.ErrBlobNotFound)
}

func TestGC(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	db := testutil.SetupDB(t)
	s := memStore(t, nil)
	m := NewManager(db, s)

	pending, err := m.UploadBlob(ctx, "did:example:alice", "text/plain", []byte("pending"))
	require.NoError(err)
	orphan, err := m.UploadBlob(ctx, "did:example:alice", "text/plain", []byte("orphan"))
	require.NoError(err)
	kept, err := m.UploadBlob(ctx, "did:example:alice", "text/plain", []byte("kept"))
	require.NoError(err)
	require.NoError(m.PromoteRefs(ctx, []repo.BlobRef{*orphan, *kept}))

	require.NoError(db.Create(&models.RecordBlob{
		BlobCid:   kept.Cid.String(),
		RecordUri: "at://did:example:alice/com.example.note/k1",
		Did:       "did:example:alice",
	}).Error)

	n, err := m.GC(ctx, time.Now().Add(-time.Hour))
	require.NoError(err)
	assert.Equal(0, n, "nothing is old enough yet")

	n, err = m.GC(ctx, time.Now().Add(time.Hour))
	require.NoError(err)
	assert.Equal(2, n)

	var left []models.Blob
	require.NoError(db.Find(&left).Error)
	require.Len(left, 1)
	assert.Equal(kept.Cid.String(), left[0].Cid)

	_, err = s.GetBytes(ctx, orphan.Cid)
	assert.ErrorIs(err, xrpcerr.ErrBlobNotFound)
	_, err = s.GetBytes(ctx, pending.Cid)
	assert.ErrorIs(err, xrpcerr.ErrBlobNotFound)
	_, err = s.GetBytes(ctx, kept.Cid)
	assert.NoError(err)
}

func TestGCSparesRecentPromotions(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	db := testutil.SetupDB(t)
	s := memStore(t, nil)
	m := NewManager(db, s)

	ref, err := m.UploadBlob(ctx, "did:example:alice", "text/plain", []byte("reused"))
	require.NoError(err)
	require.NoError(m.PromoteRefs(ctx, []repo.BlobRef{*ref}))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(db.Model(&models.Blob{}).Where("cid = ?", ref.Cid.String()).
		Updates(map[string]any{"created_at": old, "promoted_at": old}).Error)

	// a new write referencing the permanent blob refreshes its stamp
	require.NoError(m.PromoteRefs(ctx, []repo.BlobRef{*ref}))
	n, err := m.GC(ctx, time.Now().Add(-time.Hour))
	require.NoError(err)
	assert.Equal(0, n)
	require.NoError(m.CheckRefs(ctx, db, []repo.BlobRef{*ref}))

	require.NoError(db.Model(&models.Blob{}).Where("cid = ?", ref.Cid.String()).
		Update("promoted_at", old).Error)
	n, err = m.GC(ctx, time.Now().Add(-time.Hour))
	require.NoError(err)
	assert.Equal(1, n)
	assert.ErrorIs(m.CheckRefs(ctx, db, []repo.BlobRef{*ref}), xrpcerr.ErrBlobNotFound)
}
