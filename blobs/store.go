// Package blobs implements two-phase blob storage: bytes are uploaded under an opaque
// temporary key, then promoted into permanent, content-addressed storage once a record
// referencing them commits.
package blobs

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bluesky-social/cirrus/xrpcerr"

	lru "github.com/hashicorp/golang-lru/v2"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	flatfs "github.com/ipfs/go-ds-flatfs"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	ipld "github.com/ipfs/go-ipld-format"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("blobs")

// BlobStore is the two-phase blob lifecycle. Lookups of unknown keys or cids fail with
// xrpcerr.ErrBlobNotFound.
type BlobStore interface {
	PutTemp(ctx context.Context, data []byte) (string, error)
	MakePermanent(ctx context.Context, key string, c cid.Cid) error
	PutPermanent(ctx context.Context, c cid.Cid, data []byte) error
	GetBytes(ctx context.Context, c cid.Cid) ([]byte, error)
	GetStream(ctx context.Context, c cid.Cid) (io.ReadCloser, error)
	HasTemp(ctx context.Context, key string) (bool, error)
	HasStored(ctx context.Context, c cid.Cid) (bool, error)
	DeleteTemp(ctx context.Context, key string) error
	Delete(ctx context.Context, c cid.Cid) error
}

type Config struct {
	// TempTTL bounds how long an unpromoted upload is kept.
	TempTTL time.Duration
	// VerifyOnPromote recomputes the cid of temp bytes before accepting a promotion.
	VerifyOnPromote bool
	// CacheSize is the number of permanent blobs kept in memory. Zero disables caching.
	CacheSize int
}

func DefaultConfig() *Config {
	return &Config{
		TempTTL:         time.Hour,
		VerifyOnPromote: true,
		CacheSize:       128,
	}
}

type Store struct {
	temp   TempStore
	perm   blockstore.Blockstore
	config Config
	log    *slog.Logger
}

var _ BlobStore = (*Store)(nil)

func NewStore(temp TempStore, perm blockstore.Blockstore, config *Config) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.CacheSize > 0 {
		cache, err := lru.New2Q[string, blocks.Block](config.CacheSize)
		if err != nil {
			return nil, err
		}
		perm = NewCacheBlockstore(perm, cache)
	}
	return &Store{
		temp:   temp,
		perm:   perm,
		config: *config,
		log:    slog.Default().With("system", "blobs"),
	}, nil
}

// NewMemoryBlockstore keeps permanent blobs in process memory.
func NewMemoryBlockstore() blockstore.Blockstore {
	return blockstore.NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))
}

// NewDiskBlockstore keeps permanent blobs in a sharded flatfs directory.
func NewDiskBlockstore(dir string) (blockstore.Blockstore, error) {
	fds, err := openFlatfs(dir)
	if err != nil {
		return nil, err
	}
	// flatfs only accepts bare multihash keys
	return blockstore.NewBlockstoreNoPrefix(fds), nil
}

// openFlatfs creates dir and its parents if needed.
func openFlatfs(dir string) (*flatfs.Datastore, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return nil, err
	}
	fds, err := flatfs.CreateOrOpen(dir, flatfs.NextToLast(2), false)
	if err != nil {
		return nil, fmt.Errorf("opening blob directory %s: %w", dir, err)
	}
	return fds, nil
}

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// newTempKey returns 32 random lowercase base32 characters.
func newTempKey() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToLower(keyEncoding.EncodeToString(buf)), nil
}

func (s *Store) PutTemp(ctx context.Context, data []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "PutTemp")
	defer span.End()

	key, err := newTempKey()
	if err != nil {
		return "", err
	}
	if err := s.temp.Put(ctx, key, data, s.config.TempTTL); err != nil {
		return "", fmt.Errorf("storing temp blob: %w", err)
	}
	tempBlobsStored.Inc()
	return key, nil
}

// MakePermanent moves the bytes under key into permanent storage as c and drops the temp
// entry. Promoting content that is already stored only drops the temp entry.
func (s *Store) MakePermanent(ctx context.Context, key string, c cid.Cid) error {
	ctx, span := tracer.Start(ctx, "MakePermanent")
	defer span.End()

	data, err := s.temp.Get(ctx, key)
	if errors.Is(err, ErrTempNotFound) {
		return xrpcerr.BlobNotFound(key)
	}
	if err != nil {
		return err
	}

	if s.config.VerifyOnPromote {
		got, err := c.Prefix().Sum(data)
		if err != nil {
			return fmt.Errorf("hashing temp blob: %w", err)
		}
		if !got.Equals(c) {
			return xrpcerr.Validation("blob content does not match cid %s (got %s)", c, got)
		}
	}

	have, err := s.perm.Has(ctx, c)
	if err != nil {
		return err
	}
	if !have {
		if err := s.PutPermanent(ctx, c, data); err != nil {
			return err
		}
	}

	if err := s.temp.Delete(ctx, key); err != nil {
		s.log.Warn("failed to drop promoted temp blob", "key", key, "cid", c, "err", err)
	}
	blobsPromoted.Inc()
	return nil
}

func (s *Store) PutPermanent(ctx context.Context, c cid.Cid, data []byte) error {
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return err
	}
	if err := s.perm.Put(ctx, blk); err != nil {
		return fmt.Errorf("storing blob %s: %w", c, err)
	}
	return nil
}

func (s *Store) GetBytes(ctx context.Context, c cid.Cid) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "GetBytes")
	defer span.End()

	blk, err := s.perm.Get(ctx, c)
	if ipld.IsNotFound(err) {
		return nil, xrpcerr.BlobNotFound(c.String())
	}
	if err != nil {
		return nil, err
	}
	return blk.RawData(), nil
}

func (s *Store) GetStream(ctx context.Context, c cid.Cid) (io.ReadCloser, error) {
	data, err := s.GetBytes(ctx, c)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) HasTemp(ctx context.Context, key string) (bool, error) {
	return s.temp.Has(ctx, key)
}

func (s *Store) HasStored(ctx context.Context, c cid.Cid) (bool, error) {
	return s.perm.Has(ctx, c)
}

func (s *Store) DeleteTemp(ctx context.Context, key string) error {
	return s.temp.Delete(ctx, key)
}

func (s *Store) Delete(ctx context.Context, c cid.Cid) error {
	err := s.perm.DeleteBlock(ctx, c)
	if ipld.IsNotFound(err) {
		return nil
	}
	return err
}
