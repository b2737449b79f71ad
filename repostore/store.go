// Package repostore is the system of record: a per-repo, append-only commit log with a
// content-addressed block store and the authoritative map of current record keys.
//
// The Merkle tree and commit signing of a full repository are out of scope. Commits
// here are DAG-CBOR objects listing the operations they apply, chained by prev.
package repostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/cirrus/models"
	"github.com/bluesky-social/cirrus/repo"
	"github.com/bluesky-social/cirrus/xrpcerr"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/multiformats/go-multihash"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("repostore")

// ErrConcurrentCommit means another writer advanced the repo head first. The
// transaction is rolled back and the write may be retried.
var ErrConcurrentCommit = errors.New("repo head moved during commit")

const commitVersion = 3

type CommitRef struct {
	Did  string
	Cid  cid.Cid
	Rev  string
	Prev *cid.Cid
	Time time.Time
}

type Commit struct {
	ID        uint64 `gorm:"primaryKey"`
	Did       string `gorm:"not null;index"`
	Cid       string `gorm:"not null;uniqueIndex"`
	Prev      *string
	Rev       string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Commit) TableName() string { return "repo_commits" }

type CommitOp struct {
	ID         uint64 `gorm:"primaryKey"`
	CommitID   uint64 `gorm:"not null;index"`
	Idx        int    `gorm:"not null"`
	Action     string `gorm:"not null"`
	Collection string `gorm:"not null"`
	Rkey       string `gorm:"not null"`
	Cid        *string
}

func (CommitOp) TableName() string { return "repo_commit_ops" }

type Block struct {
	Cid  string `gorm:"primaryKey"`
	Data []byte `gorm:"not null"`
}

func (Block) TableName() string { return "repo_blocks" }

// Entry is the current cid for each live record key.
type Entry struct {
	Did        string `gorm:"primaryKey"`
	Collection string `gorm:"primaryKey"`
	Rkey       string `gorm:"primaryKey"`
	Cid        string `gorm:"not null"`
}

func (Entry) TableName() string { return "repo_entries" }

// CommitLog is one commit and its writes, rebuilt for replay.
type CommitLog struct {
	Commit CommitRef
	Writes []repo.PreparedWrite
}

type Store struct {
	db    *gorm.DB
	prep  *repo.Preparer
	clock *syntax.TIDClock
	log   *slog.Logger
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Commit{}, &CommitOp{}, &Block{}, &Entry{})
}

func NewStore(db *gorm.DB, prep *repo.Preparer) *Store {
	clk := syntax.NewTIDClock(0)
	return &Store{
		db:    db,
		prep:  prep,
		clock: &clk,
		log:   slog.Default().With("system", "repostore"),
	}
}

// GetHead returns nil when the repo has never been written.
func (s *Store) GetHead(ctx context.Context, did string) (*CommitRef, error) {
	ctx, span := tracer.Start(ctx, "GetHead")
	defer span.End()

	return getHead(s.db.WithContext(ctx), did)
}

func getHead(db *gorm.DB, did string) (*CommitRef, error) {
	var r models.Repo
	if err := db.Limit(1).Find(&r, "did = ?", did).Error; err != nil {
		return nil, err
	}
	if r.Did == "" {
		return nil, nil
	}

	var c Commit
	if err := db.First(&c, "cid = ?", r.Head).Error; err != nil {
		return nil, fmt.Errorf("loading head commit for %s: %w", did, err)
	}
	return commitRef(&c)
}

func commitRef(c *Commit) (*CommitRef, error) {
	cc, err := cid.Decode(c.Cid)
	if err != nil {
		return nil, err
	}
	ref := &CommitRef{
		Did:  c.Did,
		Cid:  cc,
		Rev:  c.Rev,
		Time: c.CreatedAt,
	}
	if c.Prev != nil {
		pc, err := cid.Decode(*c.Prev)
		if err != nil {
			return nil, err
		}
		ref.Prev = &pc
	}
	return ref, nil
}

// ApplyWrites appends one commit for writes within tx. Creates on an occupied key fail
// with AlreadyExists, updates and deletes on a missing key with NotFound. Writes are
// applied in order, so a batch may delete and then re-create the same key.
func (s *Store) ApplyWrites(ctx context.Context, tx *gorm.DB, did string, writes []repo.PreparedWrite, now time.Time) (*CommitRef, error) {
	ctx, span := tracer.Start(ctx, "ApplyWrites")
	defer span.End()
	span.SetAttributes(attribute.String("did", did), attribute.Int("writes", len(writes)))

	if len(writes) == 0 {
		return nil, xrpcerr.Validation("no writes to apply")
	}

	tx = tx.WithContext(ctx)

	prev, err := getHead(tx, did)
	if err != nil {
		return nil, err
	}

	ap := &applier{tx: tx, did: did}
	for _, w := range writes {
		if w.Key().Did != did {
			return nil, xrpcerr.Validation("write for %s does not belong to repo %s", w.Key().Uri(), did)
		}
		if err := w.Accept(ap); err != nil {
			return nil, err
		}
	}

	rev := s.clock.Next().String()
	obj := map[string]any{
		"did":     did,
		"version": int64(commitVersion),
		"rev":     rev,
		"ops":     ap.commitOps,
	}
	if prev != nil {
		obj["prev"] = prev.Cid
	}
	nd, err := cbornode.WrapObject(obj, multihash.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("encoding commit: %w", err)
	}
	if err := putBlock(tx, nd.Cid(), nd.RawData()); err != nil {
		return nil, err
	}

	commit := &Commit{
		Did:       did,
		Cid:       nd.Cid().String(),
		Rev:       rev,
		CreatedAt: now,
	}
	if prev != nil {
		p := prev.Cid.String()
		commit.Prev = &p
	}
	if err := tx.Create(commit).Error; err != nil {
		return nil, fmt.Errorf("appending commit: %w", err)
	}
	for i := range ap.ops {
		ap.ops[i].CommitID = commit.ID
	}
	if err := tx.Create(&ap.ops).Error; err != nil {
		return nil, fmt.Errorf("appending commit ops: %w", err)
	}

	if prev == nil {
		err := tx.Create(&models.Repo{
			Did:       did,
			Head:      commit.Cid,
			Rev:       rev,
			CreatedAt: now,
			UpdatedAt: now,
		}).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrConcurrentCommit
		}
		if err != nil {
			return nil, err
		}
	} else {
		res := tx.Model(&models.Repo{}).
			Where("did = ? AND head = ?", did, prev.Cid.String()).
			Updates(map[string]any{
				"head":       commit.Cid,
				"rev":        rev,
				"updated_at": now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, ErrConcurrentCommit
		}
	}

	commitsApplied.Inc()
	return commitRef(commit)
}

type applier struct {
	tx        *gorm.DB
	did       string
	ops       []CommitOp
	commitOps []any
}

func (a *applier) entry(k repo.RecordKey) (*Entry, error) {
	var e Entry
	if err := a.tx.Limit(1).Find(&e, "did = ? AND collection = ? AND rkey = ?", k.Did, k.Collection, k.Rkey).Error; err != nil {
		return nil, err
	}
	if e.Did == "" {
		return nil, nil
	}
	return &e, nil
}

func (a *applier) record(action repo.Action, k repo.RecordKey, c *cid.Cid) {
	op := CommitOp{
		Idx:        len(a.ops),
		Action:     string(action),
		Collection: k.Collection,
		Rkey:       k.Rkey,
	}
	cop := map[string]any{
		"action": string(action),
		"path":   k.Path(),
	}
	if c != nil {
		s := c.String()
		op.Cid = &s
		cop["cid"] = *c
	}
	a.ops = append(a.ops, op)
	a.commitOps = append(a.commitOps, cop)
	writesApplied.WithLabelValues(string(action)).Inc()
}

func (a *applier) VisitCreate(w *repo.PreparedCreate) error {
	cur, err := a.entry(w.RecordKey)
	if err != nil {
		return err
	}
	if cur != nil {
		return xrpcerr.AlreadyExists("Record already exists: %s", w.Uri())
	}
	if err := putBlock(a.tx, w.Cid, w.Bytes); err != nil {
		return err
	}
	if err := a.tx.Create(&Entry{Did: w.Did, Collection: w.Collection, Rkey: w.Rkey, Cid: w.Cid.String()}).Error; err != nil {
		return err
	}
	a.record(repo.ActionCreate, w.RecordKey, &w.Cid)
	return nil
}

func (a *applier) VisitUpdate(w *repo.PreparedUpdate) error {
	cur, err := a.entry(w.RecordKey)
	if err != nil {
		return err
	}
	if cur == nil {
		return xrpcerr.NotFound("Could not locate record: %s", w.Uri())
	}
	if err := putBlock(a.tx, w.Cid, w.Bytes); err != nil {
		return err
	}
	if err := a.tx.Model(&Entry{}).
		Where("did = ? AND collection = ? AND rkey = ?", w.Did, w.Collection, w.Rkey).
		Update("cid", w.Cid.String()).Error; err != nil {
		return err
	}
	a.record(repo.ActionUpdate, w.RecordKey, &w.Cid)
	return nil
}

func (a *applier) VisitDelete(w *repo.PreparedDelete) error {
	cur, err := a.entry(w.RecordKey)
	if err != nil {
		return err
	}
	if cur == nil {
		return xrpcerr.NotFound("Could not locate record: %s", w.Uri())
	}
	if err := a.tx.Where("did = ? AND collection = ? AND rkey = ?", w.Did, w.Collection, w.Rkey).Delete(&Entry{}).Error; err != nil {
		return err
	}
	a.record(repo.ActionDelete, w.RecordKey, nil)
	return nil
}

func putBlock(tx *gorm.DB, c cid.Cid, data []byte) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Block{Cid: c.String(), Data: data}).Error
}

// GetRecordBytes returns the stored DAG-CBOR bytes for a record cid.
func (s *Store) GetRecordBytes(ctx context.Context, c cid.Cid) ([]byte, error) {
	var b Block
	if err := s.db.WithContext(ctx).Limit(1).Find(&b, "cid = ?", c.String()).Error; err != nil {
		return nil, err
	}
	if b.Cid == "" {
		return nil, xrpcerr.NotFound("Could not find block: %s", c)
	}
	return b.Data, nil
}

// GetRecordCid returns the current cid at a key, or nil if the key is empty.
func (s *Store) GetRecordCid(ctx context.Context, k repo.RecordKey) (*cid.Cid, error) {
	a := &applier{tx: s.db.WithContext(ctx)}
	e, err := a.entry(k)
	if err != nil || e == nil {
		return nil, err
	}
	c, err := cid.Decode(e.Cid)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListRepos(ctx context.Context) ([]string, error) {
	var dids []string
	if err := s.db.WithContext(ctx).Model(&models.Repo{}).Order("did ASC").Pluck("did", &dids).Error; err != nil {
		return nil, err
	}
	return dids, nil
}

// GetWriteLog returns the commits of a repo in commit order, each with its writes
// rebuilt from stored blocks. since is exclusive and until inclusive; empty values mean
// the start of history and the current head.
func (s *Store) GetWriteLog(ctx context.Context, did string, since, until string) ([]*CommitLog, error) {
	ctx, span := tracer.Start(ctx, "GetWriteLog")
	defer span.End()
	span.SetAttributes(attribute.String("did", did))

	db := s.db.WithContext(ctx)
	q := db.Where("did = ?", did)
	if since != "" {
		id, err := s.commitID(db, did, since)
		if err != nil {
			return nil, err
		}
		q = q.Where("id > ?", id)
	}
	if until != "" {
		id, err := s.commitID(db, did, until)
		if err != nil {
			return nil, err
		}
		q = q.Where("id <= ?", id)
	}

	var commits []Commit
	if err := q.Order("id ASC").Find(&commits).Error; err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, nil
	}

	ids := make([]uint64, len(commits))
	for i := range commits {
		ids[i] = commits[i].ID
	}
	var ops []CommitOp
	if err := db.Where("commit_id IN ?", ids).Order("commit_id ASC, idx ASC").Find(&ops).Error; err != nil {
		return nil, err
	}

	var blockCids []string
	for _, op := range ops {
		if op.Cid != nil {
			blockCids = append(blockCids, *op.Cid)
		}
	}
	blocks := make(map[string][]byte, len(blockCids))
	if len(blockCids) > 0 {
		var bs []Block
		if err := db.Where("cid IN ?", blockCids).Find(&bs).Error; err != nil {
			return nil, err
		}
		for _, b := range bs {
			blocks[b.Cid] = b.Data
		}
	}

	byCommit := make(map[uint64][]CommitOp, len(commits))
	for _, op := range ops {
		byCommit[op.CommitID] = append(byCommit[op.CommitID], op)
	}

	out := make([]*CommitLog, 0, len(commits))
	for i := range commits {
		ref, err := commitRef(&commits[i])
		if err != nil {
			return nil, err
		}
		cl := &CommitLog{Commit: *ref}
		for _, op := range byCommit[commits[i].ID] {
			var raw []byte
			if op.Cid != nil {
				b, ok := blocks[*op.Cid]
				if !ok {
					return nil, fmt.Errorf("missing block %s for %s/%s", *op.Cid, op.Collection, op.Rkey)
				}
				raw = b
			}
			w, err := s.prep.PrepareFromCBOR(ctx, repo.Action(op.Action), did, op.Collection, op.Rkey, raw)
			if err != nil {
				return nil, fmt.Errorf("rebuilding %s op on %s/%s: %w", op.Action, op.Collection, op.Rkey, err)
			}
			cl.Writes = append(cl.Writes, w)
		}
		out = append(out, cl)
	}

	return out, nil
}

func (s *Store) commitID(db *gorm.DB, did, commitCid string) (uint64, error) {
	var c Commit
	if err := db.Limit(1).Find(&c, "did = ? AND cid = ?", did, commitCid).Error; err != nil {
		return 0, err
	}
	if c.ID == 0 {
		return 0, xrpcerr.NotFound("Could not find commit %s in %s", commitCid, did)
	}
	return c.ID, nil
}
