package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/cirrus/events"
	"github.com/bluesky-social/cirrus/models"
	"github.com/bluesky-social/cirrus/repo"
	"github.com/bluesky-social/cirrus/repostore"
	"github.com/bluesky-social/cirrus/xrpcerr"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("indexer")

// IndexedRecord is what a projector sees for a created or updated record.
type IndexedRecord struct {
	repo.RecordKey
	Cid       string
	Record    map[string]any
	IndexedAt time.Time
}

// Projector maintains the read-model table for one collection. Both methods run inside
// the indexing transaction and must tolerate being replayed.
type Projector interface {
	Insert(ctx context.Context, tx *gorm.DB, rec *IndexedRecord) error
	Delete(ctx context.Context, tx *gorm.DB, uri string) error
}

type Indexer struct {
	db     *gorm.DB
	outbox *events.Outbox
	log    *slog.Logger

	projectors map[string]Projector
}

func NewIndexer(db *gorm.DB, outbox *events.Outbox) *Indexer {
	ix := &Indexer{
		db:         db,
		outbox:     outbox,
		log:        slog.Default().With("system", "indexer"),
		projectors: make(map[string]Projector),
	}
	for col, p := range defaultProjectors() {
		ix.RegisterProjector(col, p)
	}
	return ix
}

// RegisterProjector replaces the projector for a collection. Not safe to call once
// writes are flowing.
func (ix *Indexer) RegisterProjector(collection string, p Projector) {
	ix.projectors[collection] = p
}

// IndexWrites applies a committed batch to the read-model tables and enqueues the
// matching event, all within tx. Live writes and replay both come through here.
func (ix *Indexer) IndexWrites(ctx context.Context, tx *gorm.DB, commit *repostore.CommitRef, writes []repo.PreparedWrite, observedAt time.Time) (*events.IndexEvent, error) {
	ctx, span := tracer.Start(ctx, "IndexWrites")
	defer span.End()
	span.SetAttributes(attribute.String("did", commit.Did), attribute.Int("writes", len(writes)))

	start := time.Now()
	defer func() {
		indexDuration.Observe(time.Since(start).Seconds())
	}()

	wi := &writeIndexer{
		ix:  ix,
		ctx: ctx,
		tx:  tx.WithContext(ctx),
		now: observedAt,
	}
	for _, w := range writes {
		if err := w.Accept(wi); err != nil {
			return nil, err
		}
		recordsIndexed.WithLabelValues(string(w.Action())).Inc()
	}

	evt := &events.IndexEvent{
		Did:        commit.Did,
		Commit:     commit.Cid.String(),
		Rev:        commit.Rev,
		Ops:        wi.ops,
		ObservedAt: observedAt,
	}
	if err := ix.outbox.Enqueue(ctx, wi.tx, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

type writeIndexer struct {
	ix  *Indexer
	ctx context.Context
	tx  *gorm.DB
	now time.Time

	ops []events.Op
}

func (wi *writeIndexer) current(uri string) (*models.Record, error) {
	var rec models.Record
	if err := wi.tx.Limit(1).Find(&rec, "uri = ?", uri).Error; err != nil {
		return nil, err
	}
	if rec.Uri == "" {
		return nil, nil
	}
	return &rec, nil
}

func (wi *writeIndexer) VisitCreate(w *repo.PreparedCreate) error {
	uri := w.Uri()
	cur, err := wi.current(uri)
	if err != nil {
		return err
	}
	if cur != nil {
		return xrpcerr.AlreadyExists("Record already exists: %s", uri)
	}

	body, err := json.Marshal(w.Record)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", uri, err)
	}
	row := &models.Record{
		Uri:        uri,
		Cid:        w.Cid.String(),
		Did:        w.Did,
		Collection: w.Collection,
		Rkey:       w.Rkey,
		Json:       string(body),
		IndexedAt:  wi.now,
	}
	if err := wi.tx.Create(row).Error; err != nil {
		return fmt.Errorf("inserting record %s: %w", uri, err)
	}
	if err := wi.project(w.RecordKey, &w.RecordData); err != nil {
		return err
	}
	if err := wi.linkBlobs(w.RecordKey, w.Blobs); err != nil {
		return err
	}

	wi.ops = append(wi.ops, events.Op{
		Action:     string(repo.ActionCreate),
		Collection: w.Collection,
		Rkey:       w.Rkey,
		Cid:        row.Cid,
		Record:     body,
	})
	return nil
}

func (wi *writeIndexer) VisitUpdate(w *repo.PreparedUpdate) error {
	uri := w.Uri()
	cur, err := wi.current(uri)
	if err != nil {
		return err
	}
	if cur == nil {
		return xrpcerr.NotFound("Could not locate record: %s", uri)
	}

	body, err := json.Marshal(w.Record)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", uri, err)
	}
	// takedown_id is left alone: a takedown on the record survives edits
	if err := wi.tx.Model(&models.Record{}).Where("uri = ?", uri).Updates(map[string]any{
		"cid":        w.Cid.String(),
		"json":       string(body),
		"indexed_at": wi.now,
	}).Error; err != nil {
		return fmt.Errorf("updating record %s: %w", uri, err)
	}
	if err := wi.unproject(w.RecordKey); err != nil {
		return err
	}
	if err := wi.project(w.RecordKey, &w.RecordData); err != nil {
		return err
	}
	if err := wi.unlinkBlobs(uri); err != nil {
		return err
	}
	if err := wi.linkBlobs(w.RecordKey, w.Blobs); err != nil {
		return err
	}

	wi.ops = append(wi.ops, events.Op{
		Action:     string(repo.ActionUpdate),
		Collection: w.Collection,
		Rkey:       w.Rkey,
		Cid:        w.Cid.String(),
		Record:     body,
	})
	return nil
}

func (wi *writeIndexer) VisitDelete(w *repo.PreparedDelete) error {
	uri := w.Uri()
	cur, err := wi.current(uri)
	if err != nil {
		return err
	}
	if cur == nil {
		return xrpcerr.NotFound("Could not locate record: %s", uri)
	}

	if err := wi.tx.Where("uri = ?", uri).Delete(&models.Record{}).Error; err != nil {
		return fmt.Errorf("deleting record %s: %w", uri, err)
	}
	if err := wi.unproject(w.RecordKey); err != nil {
		return err
	}
	if err := wi.unlinkBlobs(uri); err != nil {
		return err
	}

	// consumers need the old payload to find what the record pointed at
	wi.ops = append(wi.ops, events.Op{
		Action:     string(repo.ActionDelete),
		Collection: w.Collection,
		Rkey:       w.Rkey,
		Record:     json.RawMessage(cur.Json),
	})
	return nil
}

func (wi *writeIndexer) project(k repo.RecordKey, rd *repo.RecordData) error {
	p, ok := wi.ix.projectors[k.Collection]
	if !ok {
		return nil
	}
	err := p.Insert(wi.ctx, wi.tx, &IndexedRecord{
		RecordKey: k,
		Cid:       rd.Cid.String(),
		Record:    rd.Record,
		IndexedAt: wi.now,
	})
	if err != nil {
		return fmt.Errorf("projecting %s: %w", k.Uri(), err)
	}
	return nil
}

func (wi *writeIndexer) unproject(k repo.RecordKey) error {
	p, ok := wi.ix.projectors[k.Collection]
	if !ok {
		return nil
	}
	if err := p.Delete(wi.ctx, wi.tx, k.Uri()); err != nil {
		return fmt.Errorf("removing projection of %s: %w", k.Uri(), err)
	}
	return nil
}

func (wi *writeIndexer) linkBlobs(k repo.RecordKey, refs []repo.BlobRef) error {
	if len(refs) == 0 {
		return nil
	}
	rows := make([]models.RecordBlob, 0, len(refs))
	for _, ref := range refs {
		rows = append(rows, models.RecordBlob{
			BlobCid:   ref.Cid.String(),
			RecordUri: k.Uri(),
			Did:       k.Did,
		})
	}
	return wi.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (wi *writeIndexer) unlinkBlobs(uri string) error {
	return wi.tx.Where("record_uri = ?", uri).Delete(&models.RecordBlob{}).Error
}

// ResetIndexes empties every derived table ahead of a reindex. Repos, moderation
// history, blobs and the repository itself are untouched.
func (ix *Indexer) ResetIndexes(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "ResetIndexes")
	defer span.End()

	return ix.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range models.IndexedModels() {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m).Error; err != nil {
				return fmt.Errorf("clearing %T: %w", m, err)
			}
		}
		ix.log.Info("cleared derived tables")
		return nil
	})
}

// RestoreTakedowns re-applies live record takedowns after a reindex. A takedown only
// carries over when the record still has the cid the action was logged against, or the
// action named no cid.
func (ix *Indexer) RestoreTakedowns(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "RestoreTakedowns")
	defer span.End()

	var actions []models.ModerationAction
	err := ix.db.WithContext(ctx).
		Where("action = ? AND subject_type = ? AND reversed_at IS NULL", models.ModerationActionTakedown, models.SubjectTypeRecord).
		Order("id ASC").
		Find(&actions).Error
	if err != nil {
		return err
	}

	var errs []error
	for _, act := range actions {
		if act.SubjectUri == nil {
			continue
		}
		q := ix.db.WithContext(ctx).Model(&models.Record{}).
			Where("uri = ? AND takedown_id IS NULL", *act.SubjectUri)
		if act.SubjectCid != nil {
			q = q.Where("cid = ?", *act.SubjectCid)
		}
		if err := q.Update("takedown_id", act.ID).Error; err != nil {
			errs = append(errs, fmt.Errorf("restoring takedown %d: %w", act.ID, err))
		}
	}
	return errors.Join(errs...)
}

// ResetRepo empties the derived rows owned by one repo ahead of replaying it. Aggregates
// on its posts are kept; they are recounted as the replayed events are delivered.
func (ix *Indexer) ResetRepo(ctx context.Context, did string) error {
	ctx, span := tracer.Start(ctx, "ResetRepo")
	defer span.End()

	return ix.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("did = ?", did).Delete(&models.Record{}).Error; err != nil {
			return err
		}
		if err := tx.Where("did = ?", did).Delete(&models.RecordBlob{}).Error; err != nil {
			return err
		}
		for _, m := range []any{&models.Profile{}, &models.Post{}, &models.Follow{}, &models.Like{}, &models.Repost{}} {
			if err := tx.Where("creator = ?", did).Delete(m).Error; err != nil {
				return fmt.Errorf("clearing %T for %s: %w", m, did, err)
			}
		}
		return nil
	})
}
