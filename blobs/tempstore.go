package blobs

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	flatfs "github.com/ipfs/go-ds-flatfs"
	"github.com/redis/go-redis/v9"
)

var ErrTempNotFound = errors.New("temp blob not found")

// TempStore holds uploads until they are promoted or expire. Get returns
// ErrTempNotFound for unknown or expired keys. A ttl of zero or less never expires.
type TempStore interface {
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

type tempEntry struct {
	data []byte
	// zero for entries that never expire
	expires time.Time
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(now, expires time.Time) bool {
	return !expires.IsZero() && !now.Before(expires)
}

type MemoryTempStore struct {
	lk      sync.Mutex
	entries map[string]*tempEntry
	now     func() time.Time
}

func NewMemoryTempStore() *MemoryTempStore {
	return &MemoryTempStore{
		entries: make(map[string]*tempEntry),
		now:     time.Now,
	}
}

func (ms *MemoryTempStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	ms.lk.Lock()
	defer ms.lk.Unlock()
	ms.entries[key] = &tempEntry{data: data, expires: expiry(ms.now(), ttl)}
	return nil
}

func (ms *MemoryTempStore) live(key string) *tempEntry {
	e, ok := ms.entries[key]
	if !ok {
		return nil
	}
	if expired(ms.now(), e.expires) {
		delete(ms.entries, key)
		return nil
	}
	return e
}

func (ms *MemoryTempStore) Get(ctx context.Context, key string) ([]byte, error) {
	ms.lk.Lock()
	defer ms.lk.Unlock()
	e := ms.live(key)
	if e == nil {
		return nil, ErrTempNotFound
	}
	return e.data, nil
}

func (ms *MemoryTempStore) Has(ctx context.Context, key string) (bool, error) {
	ms.lk.Lock()
	defer ms.lk.Unlock()
	return ms.live(key) != nil, nil
}

func (ms *MemoryTempStore) Delete(ctx context.Context, key string) error {
	ms.lk.Lock()
	defer ms.lk.Unlock()
	delete(ms.entries, key)
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (ms *MemoryTempStore) Sweep() int {
	ms.lk.Lock()
	defer ms.lk.Unlock()
	n := 0
	for k := range ms.entries {
		if ms.live(k) == nil {
			n++
		}
	}
	return n
}

// RunSweeper sweeps on every interval until ctx is done.
func (ms *MemoryTempStore) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ms.Sweep()
		}
	}
}

// RedisTempStore keeps uploads in redis so any process can promote them. Expiry is
// left to redis key TTLs.
type RedisTempStore struct {
	client *redis.Client
	prefix string
}

func NewRedisTempStore(client *redis.Client, prefix string) *RedisTempStore {
	if prefix == "" {
		prefix = "cirrus/blobs/tmp/"
	}
	return &RedisTempStore{client: client, prefix: prefix}
}

func (rs *RedisTempStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return rs.client.Set(ctx, rs.prefix+key, data, ttl).Err()
}

func (rs *RedisTempStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := rs.client.Get(ctx, rs.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTempNotFound
	}
	return data, err
}

func (rs *RedisTempStore) Has(ctx context.Context, key string) (bool, error) {
	n, err := rs.client.Exists(ctx, rs.prefix+key).Result()
	return n > 0, err
}

func (rs *RedisTempStore) Delete(ctx context.Context, key string) error {
	return rs.client.Del(ctx, rs.prefix+key).Err()
}

// DiskTempStore keeps uploads in a flatfs directory, so an upload survives until a
// later process promotes it. Each value is prefixed with its expiry in unix nanos.
type DiskTempStore struct {
	ds  *flatfs.Datastore
	log *slog.Logger
	now func() time.Time
}

func NewDiskTempStore(dir string) (*DiskTempStore, error) {
	fds, err := openFlatfs(dir)
	if err != nil {
		return nil, err
	}
	return &DiskTempStore{
		ds:  fds,
		log: slog.Default().With("system", "blobs"),
		now: time.Now,
	}, nil
}

// flatfs keys are restricted to upper case
func diskKey(key string) ds.Key {
	return ds.NewKey(strings.ToUpper(key))
}

func (dt *DiskTempStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	buf := make([]byte, 8+len(data))
	if exp := expiry(dt.now(), ttl); !exp.IsZero() {
		binary.BigEndian.PutUint64(buf, uint64(exp.UnixNano()))
	}
	copy(buf[8:], data)
	return dt.ds.Put(ctx, diskKey(key), buf)
}

func (dt *DiskTempStore) decode(val []byte) ([]byte, bool) {
	if len(val) < 8 {
		return nil, false
	}
	var exp time.Time
	if n := binary.BigEndian.Uint64(val); n != 0 {
		exp = time.Unix(0, int64(n))
	}
	if expired(dt.now(), exp) {
		return nil, false
	}
	return val[8:], true
}

func (dt *DiskTempStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := dt.ds.Get(ctx, diskKey(key))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrTempNotFound
	}
	if err != nil {
		return nil, err
	}
	data, ok := dt.decode(val)
	if !ok {
		if err := dt.ds.Delete(ctx, diskKey(key)); err != nil {
			return nil, err
		}
		return nil, ErrTempNotFound
	}
	return data, nil
}

func (dt *DiskTempStore) Has(ctx context.Context, key string) (bool, error) {
	_, err := dt.Get(ctx, key)
	if errors.Is(err, ErrTempNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (dt *DiskTempStore) Delete(ctx context.Context, key string) error {
	return dt.ds.Delete(ctx, diskKey(key))
}

// Sweep deletes expired uploads and returns how many were removed.
func (dt *DiskTempStore) Sweep(ctx context.Context) (int, error) {
	res, err := dt.ds.Query(ctx, query.Query{})
	if err != nil {
		return 0, err
	}
	defer res.Close()

	var stale []ds.Key
	for r := range res.Next() {
		if r.Error != nil {
			return 0, r.Error
		}
		if _, ok := dt.decode(r.Value); !ok {
			stale = append(stale, ds.NewKey(r.Key))
		}
	}
	for _, k := range stale {
		if err := dt.ds.Delete(ctx, k); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (dt *DiskTempStore) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := dt.Sweep(ctx); err != nil && ctx.Err() == nil {
				dt.log.Warn("failed to sweep temp blobs", "err", err)
			}
		}
	}
}

func (dt *DiskTempStore) Close() error {
	return dt.ds.Close()
}
