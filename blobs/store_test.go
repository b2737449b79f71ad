package blobs

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bluesky-social/cirrus/xrpcerr"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memStore(t *testing.T, temp TempStore) *Store {
	if temp == nil {
		temp = NewMemoryTempStore()
	}
	s, err := NewStore(temp, NewMemoryBlockstore(), nil)
	require.NoError(t, err)
	return s
}

func testLifecycle(t *testing.T, s *Store) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	data := []byte("the quick brown fox")
	c, err := RawCid(data)
	require.NoError(err)

	err = s.MakePermanent(ctx, "nosuchkey", c)
	assert.ErrorIs(err, xrpcerr.ErrBlobNotFound)

	_, err = s.GetBytes(ctx, c)
	assert.ErrorIs(err, xrpcerr.ErrBlobNotFound)

	key, err := s.PutTemp(ctx, data)
	require.NoError(err)
	assert.Len(key, 32)
	assert.Regexp("^[a-z2-7]{32}$", key)

	ok, err := s.HasTemp(ctx, key)
	require.NoError(err)
	assert.True(ok)
	ok, err = s.HasStored(ctx, c)
	require.NoError(err)
	assert.False(ok, "nothing is permanent before promotion")

	require.NoError(s.MakePermanent(ctx, key, c))

	ok, err = s.HasTemp(ctx, key)
	require.NoError(err)
	assert.False(ok)

	got, err := s.GetBytes(ctx, c)
	require.NoError(err)
	assert.Equal(data, got)

	rc, err := s.GetStream(ctx, c)
	require.NoError(err)
	streamed, err := io.ReadAll(rc)
	require.NoError(err)
	require.NoError(rc.Close())
	assert.Equal(data, streamed)

	// promoting the same key twice fails, the first promotion stands
	assert.ErrorIs(s.MakePermanent(ctx, key, c), xrpcerr.ErrBlobNotFound)

	require.NoError(s.Delete(ctx, c))
	_, err = s.GetBytes(ctx, c)
	assert.ErrorIs(err, xrpcerr.ErrBlobNotFound)
}

func TestMemoryLifecycle(t *testing.T) {
	testLifecycle(t, memStore(t, nil))
}

func TestRedisLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	testLifecycle(t, memStore(t, NewRedisTempStore(client, "")))
}

func TestDiskLifecycle(t *testing.T) {
	bs, err := NewDiskBlockstore(t.TempDir())
	require.NoError(t, err)
	temp, err := NewDiskTempStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { temp.Close() })
	s, err := NewStore(temp, bs, &Config{TempTTL: time.Minute, VerifyOnPromote: true})
	require.NoError(t, err)
	testLifecycle(t, s)
}

func TestDiskBlobsSurviveReopen(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	permDir, tempDir := t.TempDir(), t.TempDir()

	open := func() (*Store, *DiskTempStore) {
		bs, err := NewDiskBlockstore(permDir)
		require.NoError(err)
		temp, err := NewDiskTempStore(tempDir)
		require.NoError(err)
		s, err := NewStore(temp, bs, &Config{TempTTL: time.Hour})
		require.NoError(err)
		return s, temp
	}

	kept := []byte("promoted in a later process")
	stored := []byte("stored directly")
	keptCid, err := RawCid(kept)
	require.NoError(err)
	storedCid, err := RawCid(stored)
	require.NoError(err)

	s, temp := open()
	key, err := s.PutTemp(ctx, kept)
	require.NoError(err)
	require.NoError(s.PutPermanent(ctx, storedCid, stored))
	require.NoError(temp.Close())

	s, temp = open()
	defer temp.Close()
	got, err := s.GetBytes(ctx, storedCid)
	require.NoError(err)
	assert.Equal(stored, got)

	require.NoError(s.MakePermanent(ctx, key, keptCid))
	got, err = s.GetBytes(ctx, keptCid)
	require.NoError(err)
	assert.Equal(kept, got)
}

func TestDiskTempExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dt, err := NewDiskTempStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { dt.Close() })
	dt.now = func() time.Time { return now }

	require.NoError(t, dt.Put(ctx, "aaaa", []byte("x"), time.Minute))
	require.NoError(t, dt.Put(ctx, "bbbb", []byte("y"), time.Hour))
	require.NoError(t, dt.Put(ctx, "cccc", []byte("z"), 0))

	now = now.Add(2 * time.Minute)
	_, err = dt.Get(ctx, "aaaa")
	assert.ErrorIs(t, err, ErrTempNotFound)
	got, err := dt.Get(ctx, "bbbb")
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), got)

	now = now.Add(2 * time.Hour)
	n, err := dt.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ok, err := dt.Has(ctx, "cccc")
	require.NoError(t, err)
	assert.True(t, ok, "a zero ttl never expires")
}

func TestVerifyOnPromote(t *testing.T) {
	ctx := context.Background()
	s := memStore(t, nil)

	key, err := s.PutTemp(ctx, []byte("actual bytes"))
	require.NoError(t, err)
	wrong, err := RawCid([]byte("other bytes"))
	require.NoError(t, err)

	err = s.MakePermanent(ctx, key, wrong)
	assert.ErrorIs(t, err, xrpcerr.ErrValidation)

	ok, err := s.HasTemp(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok, "a rejected promotion keeps the upload")
}

func TestConcurrentPromotionOfSameContent(t *testing.T) {
	ctx := context.Background()
	s := memStore(t, nil)
	data := []byte("shared content")
	c, err := RawCid(data)
	require.NoError(t, err)

	keys := make([]string, 8)
	for i := range keys {
		keys[i], err = s.PutTemp(ctx, data)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(keys))
	for i, k := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.MakePermanent(ctx, k, c)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	got, err := s.GetBytes(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestMemoryTempExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ms := NewMemoryTempStore()
	ms.now = func() time.Time { return now }

	require.NoError(t, ms.Put(ctx, "a", []byte("x"), time.Minute))
	require.NoError(t, ms.Put(ctx, "b", []byte("y"), time.Hour))

	now = now.Add(2 * time.Minute)
	_, err := ms.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrTempNotFound)
	assert.Equal(t, 0, ms.Sweep())

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, ms.Sweep())
}

func TestMemoryTempZeroTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ms := NewMemoryTempStore()
	ms.now = func() time.Time { return now }

	require.NoError(t, ms.Put(ctx, "a", []byte("x"), 0))
	now = now.Add(24 * 365 * time.Hour)
	assert.Equal(t, 0, ms.Sweep())
	got, err := ms.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func TestRedisTempExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rs := NewRedisTempStore(client, "test/")
	require.NoError(t, rs.Put(ctx, "k", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("test/k"))

	mr.FastForward(2 * time.Minute)
	_, err := rs.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrTempNotFound)
}
