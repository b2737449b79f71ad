package blobs

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
)

// CacheBlockstore keeps recently read blobs in memory in front of a slower store.
type CacheBlockstore struct {
	base  blockstore.Blockstore
	cache *lru.TwoQueueCache[string, blocks.Block]
}

func NewCacheBlockstore(base blockstore.Blockstore, cache *lru.TwoQueueCache[string, blocks.Block]) *CacheBlockstore {
	return &CacheBlockstore{
		base:  base,
		cache: cache,
	}
}

var _ blockstore.Blockstore = (*CacheBlockstore)(nil)

func (bs *CacheBlockstore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	bs.cache.Remove(c.KeyString())
	return bs.base.DeleteBlock(ctx, c)
}

func (bs *CacheBlockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if bs.cache.Contains(c.KeyString()) {
		return true, nil
	}
	return bs.base.Has(ctx, c)
}

func (bs *CacheBlockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if blk, ok := bs.cache.Get(c.KeyString()); ok {
		cacheHits.Inc()
		return blk, nil
	}

	blk, err := bs.base.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	bs.cache.Add(c.KeyString(), blk)
	return blk, nil
}

func (bs *CacheBlockstore) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	if blk, ok := bs.cache.Peek(c.KeyString()); ok {
		return len(blk.RawData()), nil
	}
	return bs.base.GetSize(ctx, c)
}

// Put writes through and leaves the cache alone; blobs are cached on first read.
func (bs *CacheBlockstore) Put(ctx context.Context, blk blocks.Block) error {
	return bs.base.Put(ctx, blk)
}

func (bs *CacheBlockstore) PutMany(ctx context.Context, blks []blocks.Block) error {
	return bs.base.PutMany(ctx, blks)
}

func (bs *CacheBlockstore) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	return bs.base.AllKeysChan(ctx)
}

func (bs *CacheBlockstore) HashOnRead(enabled bool) {
	bs.base.HashOnRead(enabled)
}
