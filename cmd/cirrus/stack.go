package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/bluesky-social/cirrus/blobs"
	"github.com/bluesky-social/cirrus/events"
	"github.com/bluesky-social/cirrus/indexer"
	"github.com/bluesky-social/cirrus/lexicons"
	"github.com/bluesky-social/cirrus/models"
	"github.com/bluesky-social/cirrus/moderation"
	"github.com/bluesky-social/cirrus/notifs"
	"github.com/bluesky-social/cirrus/repo"
	"github.com/bluesky-social/cirrus/repomgr"
	"github.com/bluesky-social/cirrus/repostore"
	"github.com/bluesky-social/cirrus/timeline"
	"github.com/bluesky-social/cirrus/util/cliutil"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"
)

// stack is every component of the write path, wired against one database.
type stack struct {
	db      *gorm.DB
	log     *slog.Logger
	outbox  *events.Outbox
	ix      *indexer.Indexer
	rm      *repomgr.RepoManager
	blobs   *blobs.Manager
	mod     *moderation.Service
	notifs  *notifs.NotificationManager
	feedgen *timeline.FeedGenerator

	// sweeper is set when expired uploads are not dropped by the backend itself.
	sweeper interface {
		RunSweeper(ctx context.Context, interval time.Duration)
	}
	diskTemp      *blobs.DiskTempStore
	volatileBlobs bool
	redis         *redis.Client
}

func openStack(cctx *cli.Context, logger *slog.Logger) (*stack, error) {
	dburl := cctx.String("db-url")
	maxConn := cctx.Int("max-db-conn")
	logger.Info("configuring database", "url", dburl, "maxConn", maxConn)
	db, err := cliutil.SetupDatabase(dburl, maxConn)
	if err != nil {
		return nil, err
	}
	if cctx.Bool("enable-db-tracing") {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, err
		}
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrating models: %w", err)
	}
	if err := repostore.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrating repostore: %w", err)
	}
	if err := events.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrating outbox: %w", err)
	}

	s := &stack{db: db, log: logger}

	// uploads and permanent blobs default to flatfs directories under --blob-dir, so an
	// upload survives until a later command promotes it
	blobDir := cctx.String("blob-dir")
	var temp blobs.TempStore
	switch {
	case cctx.String("redis-url") != "":
		rurl := cctx.String("redis-url")
		logger.Info("holding blob uploads in redis", "url", rurl)
		s.redis, err = cliutil.SetupRedis(cctx.Context, rurl)
		if err != nil {
			return nil, err
		}
		temp = blobs.NewRedisTempStore(s.redis, "")
	case blobDir != "":
		dt, err := blobs.NewDiskTempStore(filepath.Join(blobDir, "tmp"))
		if err != nil {
			return nil, err
		}
		s.diskTemp = dt
		s.sweeper = dt
		temp = dt
	default:
		mt := blobs.NewMemoryTempStore()
		s.sweeper = mt
		temp = mt
	}

	perm := blobs.NewMemoryBlockstore()
	if blobDir != "" {
		logger.Info("storing blobs on disk", "dir", blobDir)
		perm, err = blobs.NewDiskBlockstore(filepath.Join(blobDir, "store"))
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("blobs are held in memory and are lost when this process exits")
		s.volatileBlobs = true
	}

	bcfg := blobs.DefaultConfig()
	bcfg.TempTTL = cctx.Duration("blob-temp-ttl")
	bcfg.CacheSize = cctx.Int("blob-cache-size")
	bstore, err := blobs.NewStore(temp, perm, bcfg)
	if err != nil {
		return nil, err
	}
	s.blobs = blobs.NewManager(db, bstore)

	ocfg := events.DefaultOutboxConfig()
	ocfg.Concurrency = cctx.Int("outbox-concurrency")
	s.outbox = events.NewOutbox(db, ocfg)

	prep := repo.NewPreparer(lexicons.DefaultRegistry())
	s.ix = indexer.NewIndexer(db, s.outbox)

	rcfg := repomgr.DefaultConfig()
	rcfg.ReindexConcurrency = cctx.Int("reindex-concurrency")
	rcfg.ReindexRate = cctx.Float64("reindex-rate")
	s.rm = repomgr.NewRepoManager(db, prep, repostore.NewStore(db, prep), s.ix, s.outbox, s.blobs, rcfg)

	s.mod = moderation.NewService(db)

	s.notifs, err = notifs.NewNotificationManager(db)
	if err != nil {
		return nil, err
	}
	tcfg := timeline.DefaultConfig()
	tcfg.Backfill = cctx.Int("timeline-backfill")
	s.feedgen, err = timeline.NewFeedGenerator(db, tcfg)
	if err != nil {
		return nil, err
	}

	consumers := []struct {
		name string
		c    events.Consumer
	}{
		{"aggregates", indexer.NewAggregator(db)},
		{"notifs", s.notifs},
		{"timeline", s.feedgen},
	}
	for _, c := range consumers {
		if err := s.outbox.Subscribe(c.name, c.c); err != nil {
			return nil, err
		}
	}
	s.rm.AddResetter(s.notifs)
	s.rm.AddResetter(s.feedgen)

	return s, nil
}

// requireDurableBlobs rejects one-shot blob commands whose bytes would vanish with the
// process while their blobs rows persist.
func (s *stack) requireDurableBlobs() error {
	if s.volatileBlobs {
		return fmt.Errorf("blob commands need --blob-dir (blobs would be lost when this command exits)")
	}
	return nil
}

func (s *stack) Close() {
	if s.diskTemp != nil {
		s.diskTemp.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
	if sqldb, err := s.db.DB(); err == nil {
		sqldb.Close()
	}
}
