package repomgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bluesky-social/cirrus/blobs"
	"github.com/bluesky-social/cirrus/events"
	"github.com/bluesky-social/cirrus/indexer"
	"github.com/bluesky-social/cirrus/repo"
	"github.com/bluesky-social/cirrus/repostore"

	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("repoman")

type Config struct {
	// CommitRetries is how many times a batch is retried after losing a head race to
	// another process.
	CommitRetries int
	// ReindexConcurrency is the number of repos replayed in parallel.
	ReindexConcurrency int
	// ReindexRate caps replayed commits per second. Zero means unlimited.
	ReindexRate float64
}

func DefaultConfig() *Config {
	return &Config{
		CommitRetries:      3,
		ReindexConcurrency: 4,
	}
}

// RepoManager is the write path: it serializes writes per repo and commits each batch to
// the repository and the read-models in one transaction.
type RepoManager struct {
	db     *gorm.DB
	prep   *repo.Preparer
	store  *repostore.Store
	ix     *indexer.Indexer
	outbox *events.Outbox
	blobs  *blobs.Manager

	// resetters empty derived tables before a reindex replays into them
	resetters []Resetter

	config Config
	log    *slog.Logger
	now    func() time.Time

	lklk      sync.Mutex
	userLocks map[string]*userLock
}

// NewRepoManager wires the write path. blobman may be nil when records carry no blobs.
func NewRepoManager(db *gorm.DB, prep *repo.Preparer, store *repostore.Store, ix *indexer.Indexer, outbox *events.Outbox, blobman *blobs.Manager, config *Config) *RepoManager {
	if config == nil {
		config = DefaultConfig()
	}
	return &RepoManager{
		db:        db,
		prep:      prep,
		store:     store,
		ix:        ix,
		outbox:    outbox,
		blobs:     blobman,
		resetters: []Resetter{ix},
		config:    *config,
		log:       slog.Default().With("system", "repomgr"),
		now:       time.Now,
		userLocks: make(map[string]*userLock),
	}
}

func (rm *RepoManager) Preparer() *repo.Preparer {
	return rm.prep
}

// Resetter is a derived store that a reindex rebuilds. The indexer is always one;
// outbox consumers that keep their own tables register themselves with AddResetter.
type Resetter interface {
	ResetIndexes(ctx context.Context) error
	ResetRepo(ctx context.Context, did string) error
}

func (rm *RepoManager) AddResetter(r Resetter) {
	rm.resetters = append(rm.resetters, r)
}

type userLock struct {
	lk    sync.Mutex
	count int
}

func (rm *RepoManager) lockUser(ctx context.Context, did string) func() {
	_, span := tracer.Start(ctx, "userLock")
	defer span.End()

	rm.lklk.Lock()

	ulk, ok := rm.userLocks[did]
	if !ok {
		ulk = &userLock{}
		rm.userLocks[did] = ulk
	}

	ulk.count++

	rm.lklk.Unlock()

	ulk.lk.Lock()

	return func() {
		rm.lklk.Lock()

		ulk.lk.Unlock()
		ulk.count--

		if ulk.count == 0 {
			delete(rm.userLocks, did)
		}
		rm.lklk.Unlock()
	}
}

// ProcessWrites commits a batch of prepared writes for one repo. Blobs referenced by the
// batch are promoted first; the repository commit, the read-model updates and the outbox
// event then land in a single transaction.
func (rm *RepoManager) ProcessWrites(ctx context.Context, did string, writes []repo.PreparedWrite) (*events.IndexEvent, error) {
	ctx, span := tracer.Start(ctx, "ProcessWrites")
	defer span.End()
	span.SetAttributes(attribute.String("did", did), attribute.Int("writes", len(writes)))

	unlock := rm.lockUser(ctx, did)
	defer unlock()

	return rm.processWrites(ctx, did, writes)
}

// processWrites requires the repo lock.
func (rm *RepoManager) processWrites(ctx context.Context, did string, writes []repo.PreparedWrite) (*events.IndexEvent, error) {
	start := time.Now()

	var refs []repo.BlobRef
	if rm.blobs != nil {
		for _, w := range writes {
			if d := repo.Data(w); d != nil {
				refs = append(refs, d.Blobs...)
			}
		}
		if err := rm.blobs.PromoteRefs(ctx, refs); err != nil {
			return nil, err
		}
	}

	var evt *events.IndexEvent
	var err error
	for attempt := 0; ; attempt++ {
		evt, err = rm.commit(ctx, did, writes, refs)
		if !errors.Is(err, repostore.ErrConcurrentCommit) || attempt >= rm.config.CommitRetries {
			break
		}
		commitRetries.Inc()
		rm.log.Warn("repo head moved during commit, retrying", "did", did, "attempt", attempt+1)
	}
	if err != nil {
		commitsFailed.Inc()
		return nil, err
	}

	rm.outbox.Notify()
	commitDuration.Observe(time.Since(start).Seconds())
	return evt, nil
}

func (rm *RepoManager) commit(ctx context.Context, did string, writes []repo.PreparedWrite, refs []repo.BlobRef) (*events.IndexEvent, error) {
	now := rm.now().UTC()
	var evt *events.IndexEvent
	err := rm.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(refs) > 0 {
			if err := rm.blobs.CheckRefs(ctx, tx, refs); err != nil {
				return err
			}
		}
		ref, err := rm.store.ApplyWrites(ctx, tx, did, writes, now)
		if err != nil {
			return err
		}
		evt, err = rm.ix.IndexWrites(ctx, tx, ref, writes, now)
		return err
	})
	return evt, err
}

// CreateRecord prepares and commits a single create. An empty rkey gets a fresh TID.
func (rm *RepoManager) CreateRecord(ctx context.Context, did, collection, rkey string, record map[string]any) (string, cid.Cid, error) {
	ctx, span := tracer.Start(ctx, "CreateRecord")
	defer span.End()

	w, err := rm.prep.PrepareCreate(ctx, did, collection, rkey, record)
	if err != nil {
		return "", cid.Undef, err
	}
	if _, err := rm.ProcessWrites(ctx, did, []repo.PreparedWrite{w}); err != nil {
		return "", cid.Undef, err
	}
	return w.Uri(), w.Cid, nil
}

// PutRecord creates the record at rkey, or replaces it if one exists.
func (rm *RepoManager) PutRecord(ctx context.Context, did, collection, rkey string, record map[string]any) (string, cid.Cid, error) {
	ctx, span := tracer.Start(ctx, "PutRecord")
	defer span.End()

	unlock := rm.lockUser(ctx, did)
	defer unlock()

	cur, err := rm.store.GetRecordCid(ctx, repo.RecordKey{Did: did, Collection: collection, Rkey: rkey})
	if err != nil {
		return "", cid.Undef, err
	}

	action := repo.ActionCreate
	if cur != nil {
		action = repo.ActionUpdate
	}
	w, err := rm.prep.Prepare(ctx, action, did, collection, rkey, record)
	if err != nil {
		return "", cid.Undef, err
	}
	if _, err := rm.processWrites(ctx, did, []repo.PreparedWrite{w}); err != nil {
		return "", cid.Undef, err
	}
	return w.Key().Uri(), repo.Data(w).Cid, nil
}

func (rm *RepoManager) DeleteRecord(ctx context.Context, did, collection, rkey string) error {
	ctx, span := tracer.Start(ctx, "DeleteRecord")
	defer span.End()

	w, err := rm.prep.PrepareDelete(did, collection, rkey)
	if err != nil {
		return err
	}
	_, err = rm.ProcessWrites(ctx, did, []repo.PreparedWrite{w})
	return err
}

// WriteOp is an unprepared write, as submitted in a batch.
type WriteOp struct {
	Action     repo.Action
	Collection string
	Rkey       string
	Record     map[string]any
}

// BatchWrite prepares every op and commits them as one batch. Any invalid op fails the
// whole batch before anything is written.
func (rm *RepoManager) BatchWrite(ctx context.Context, did string, ops []WriteOp) (*events.IndexEvent, error) {
	ctx, span := tracer.Start(ctx, "BatchWrite")
	defer span.End()

	writes := make([]repo.PreparedWrite, 0, len(ops))
	for i, op := range ops {
		w, err := rm.prep.Prepare(ctx, op.Action, did, op.Collection, op.Rkey, op.Record)
		if err != nil {
			return nil, fmt.Errorf("write %d: %w", i, err)
		}
		writes = append(writes, w)
	}
	return rm.ProcessWrites(ctx, did, writes)
}

// Reindex rebuilds every derived table from repository history, then delivers the
// replayed events so asynchronous consumers catch up.
func (rm *RepoManager) Reindex(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Reindex")
	defer span.End()

	for _, r := range rm.resetters {
		if err := r.ResetIndexes(ctx); err != nil {
			return fmt.Errorf("resetting indexes: %w", err)
		}
	}

	dids, err := rm.store.ListRepos(ctx)
	if err != nil {
		return err
	}

	limiter := rm.limiter()
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(max(rm.config.ReindexConcurrency, 1))
	for _, did := range dids {
		eg.Go(func() error {
			return rm.replayRepo(ectx, did, limiter)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	return rm.finishReindex(ctx, len(dids))
}

// ReindexRepo rebuilds the derived rows of a single repo.
func (rm *RepoManager) ReindexRepo(ctx context.Context, did string) error {
	ctx, span := tracer.Start(ctx, "ReindexRepo")
	defer span.End()

	for _, r := range rm.resetters {
		if err := r.ResetRepo(ctx, did); err != nil {
			return fmt.Errorf("resetting %s: %w", did, err)
		}
	}
	if err := rm.replayRepo(ctx, did, rm.limiter()); err != nil {
		return err
	}
	return rm.finishReindex(ctx, 1)
}

func (rm *RepoManager) limiter() *rate.Limiter {
	if rm.config.ReindexRate <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rm.config.ReindexRate), 1)
}

func (rm *RepoManager) finishReindex(ctx context.Context, repos int) error {
	if err := rm.ix.RestoreTakedowns(ctx); err != nil {
		return fmt.Errorf("restoring takedowns: %w", err)
	}
	if err := rm.outbox.ProcessAll(ctx); err != nil {
		return fmt.Errorf("delivering replayed events: %w", err)
	}
	rm.log.Info("reindex complete", "repos", repos)
	return nil
}

// replayRepo feeds a repo's write log through the indexer in commit order, one
// transaction per commit, stamped with the original commit time.
func (rm *RepoManager) replayRepo(ctx context.Context, did string, limiter *rate.Limiter) error {
	unlock := rm.lockUser(ctx, did)
	defer unlock()

	log, err := rm.store.GetWriteLog(ctx, did, "", "")
	if err != nil {
		return fmt.Errorf("loading write log for %s: %w", did, err)
	}
	for _, cl := range log {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		err := rm.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			_, err := rm.ix.IndexWrites(ctx, tx, &cl.Commit, cl.Writes, cl.Commit.Time)
			return err
		})
		if err != nil {
			return fmt.Errorf("replaying commit %s of %s: %w", cl.Commit.Cid, did, err)
		}
		commitsReplayed.Inc()
	}
	rm.log.Debug("replayed repo", "did", did, "commits", len(log))
	return nil
}
