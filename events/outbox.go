package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bluesky-social/cirrus/events/schedulers/parallel"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("events")

var ErrDuplicateConsumer = errors.New("consumer already subscribed")

// Op is one record operation within a committed batch. Record holds the normalized
// record JSON for creates and updates.
type Op struct {
	Action     string          `json:"action"`
	Collection string          `json:"collection"`
	Rkey       string          `json:"rkey"`
	Cid        string          `json:"cid,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
}

func (op *Op) Uri(did string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, op.Collection, op.Rkey)
}

func (op *Op) DecodeRecord(out any) error {
	if len(op.Record) == 0 {
		return fmt.Errorf("op %s on %s/%s carries no record", op.Action, op.Collection, op.Rkey)
	}
	return json.Unmarshal(op.Record, out)
}

// IndexEvent records that Ops were committed to a repo. Seq is assigned on enqueue and
// increases monotonically across all repos.
type IndexEvent struct {
	Seq        uint64
	Did        string
	Commit     string
	Rev        string
	Ops        []Op
	ObservedAt time.Time
}

type OutboxEvent struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement"`
	Did        string    `gorm:"not null;index"`
	Commit     string    `gorm:"not null"`
	Rev        string    `gorm:"not null"`
	Ops        string    `gorm:"not null"`
	ObservedAt time.Time `gorm:"not null"`
	CreatedAt  time.Time `gorm:"index"`
}

// OutboxCursor is the last sequence number a consumer has handled for a repo.
type OutboxCursor struct {
	Consumer  string `gorm:"primaryKey"`
	Did       string `gorm:"primaryKey"`
	Seq       uint64 `gorm:"not null"`
	UpdatedAt time.Time
}

func (row *OutboxEvent) toEvent() (*IndexEvent, error) {
	evt := &IndexEvent{
		Seq:        row.Seq,
		Did:        row.Did,
		Commit:     row.Commit,
		Rev:        row.Rev,
		ObservedAt: row.ObservedAt,
	}
	if err := json.Unmarshal([]byte(row.Ops), &evt.Ops); err != nil {
		return nil, fmt.Errorf("decoding ops for event %d: %w", row.Seq, err)
	}
	return evt, nil
}

// Consumer handles events at least once. Implementations must be idempotent.
type Consumer interface {
	HandleEvent(ctx context.Context, evt *IndexEvent) error
}

type ConsumerFunc func(ctx context.Context, evt *IndexEvent) error

func (f ConsumerFunc) HandleEvent(ctx context.Context, evt *IndexEvent) error {
	return f(ctx, evt)
}

type OutboxConfig struct {
	// Concurrency is the number of repos delivered in parallel per consumer.
	Concurrency int
	// BatchSize is the number of events loaded per page.
	BatchSize int
	// PollInterval is how often Run drains when not notified.
	PollInterval time.Duration
}

func DefaultOutboxConfig() *OutboxConfig {
	return &OutboxConfig{
		Concurrency:  8,
		BatchSize:    500,
		PollInterval: time.Second,
	}
}

type Outbox struct {
	db     *gorm.DB
	config OutboxConfig
	log    *slog.Logger

	lk        sync.RWMutex
	consumers map[string]Consumer

	drainLocks *xsync.MapOf[string, *sync.Mutex]

	notify chan struct{}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&OutboxEvent{}, &OutboxCursor{})
}

func NewOutbox(db *gorm.DB, config *OutboxConfig) *Outbox {
	if config == nil {
		config = DefaultOutboxConfig()
	}
	return &Outbox{
		db:         db,
		config:     *config,
		log:        slog.Default().With("system", "outbox"),
		consumers:  make(map[string]Consumer),
		drainLocks: xsync.NewMapOf[string, *sync.Mutex](),
		notify:     make(chan struct{}, 1),
	}
}

// Enqueue persists evt using tx, so the event commits or rolls back with the writes it
// describes. evt.Seq is set from the inserted row.
func (o *Outbox) Enqueue(ctx context.Context, tx *gorm.DB, evt *IndexEvent) error {
	ops, err := json.Marshal(evt.Ops)
	if err != nil {
		return fmt.Errorf("encoding event ops: %w", err)
	}
	row := &OutboxEvent{
		Did:        evt.Did,
		Commit:     evt.Commit,
		Rev:        evt.Rev,
		Ops:        string(ops),
		ObservedAt: evt.ObservedAt,
	}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("enqueueing event: %w", err)
	}
	evt.Seq = row.Seq
	eventsEnqueued.Inc()
	return nil
}

func (o *Outbox) Subscribe(name string, c Consumer) error {
	o.lk.Lock()
	defer o.lk.Unlock()
	if _, ok := o.consumers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConsumer, name)
	}
	o.consumers[name] = c
	return nil
}

func (o *Outbox) consumerNames() []string {
	o.lk.RLock()
	defer o.lk.RUnlock()
	names := make([]string, 0, len(o.consumers))
	for n := range o.consumers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Notify wakes Run without waiting for the next poll.
func (o *Outbox) Notify() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// ProcessAll delivers every pending event to every consumer. Events for one repo are
// delivered in sequence order; a failed delivery stops that repo's stream for this pass
// and the event stays pending. Safe to call concurrently.
func (o *Outbox) ProcessAll(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "ProcessAll")
	defer span.End()

	start := time.Now()
	defer func() {
		drainDuration.Observe(time.Since(start).Seconds())
	}()

	var errs []error
	for _, name := range o.consumerNames() {
		o.lk.RLock()
		c := o.consumers[name]
		o.lk.RUnlock()

		if err := o.processConsumer(ctx, name, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Outbox) processConsumer(ctx context.Context, name string, c Consumer) error {
	ctx, span := tracer.Start(ctx, "processConsumer")
	defer span.End()
	span.SetAttributes(attribute.String("consumer", name))

	mu, _ := o.drainLocks.LoadOrStore(name, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()

	sched := parallel.NewScheduler(o.config.Concurrency, "outbox-"+name, func(ctx context.Context, did string, evt *IndexEvent) error {
		if err := c.HandleEvent(ctx, evt); err != nil {
			deliveryFailures.WithLabelValues(name).Inc()
			return fmt.Errorf("consumer %s failed on event %d: %w", name, evt.Seq, err)
		}
		if err := o.advance(ctx, name, did, evt.Seq); err != nil {
			return err
		}
		eventsDelivered.WithLabelValues(name).Inc()
		return nil
	})
	defer sched.Shutdown()

	blocked := make(map[string]error)
	var after uint64
	for {
		rows, err := o.pendingPage(ctx, name, after, o.config.BatchSize)
		if err != nil {
			return fmt.Errorf("loading pending events for %s: %w", name, err)
		}
		if len(rows) == 0 {
			break
		}

		for i := range rows {
			after = rows[i].Seq
			if _, ok := blocked[rows[i].Did]; ok {
				continue
			}
			evt, err := rows[i].toEvent()
			if err != nil {
				blocked[rows[i].Did] = err
				continue
			}
			if err := sched.AddWork(ctx, evt.Did, evt); err != nil {
				return err
			}
		}

		for did, err := range sched.Wait() {
			blocked[did] = err
		}

		if len(rows) < o.config.BatchSize {
			break
		}
	}

	if len(blocked) == 0 {
		return nil
	}
	dids := make([]string, 0, len(blocked))
	for did := range blocked {
		dids = append(dids, did)
	}
	sort.Strings(dids)
	errs := make([]error, 0, len(dids))
	for _, did := range dids {
		o.log.Warn("delivery stalled for repo", "consumer", name, "did", did, "err", blocked[did])
		errs = append(errs, blocked[did])
	}
	return errors.Join(errs...)
}

func (o *Outbox) pendingQuery(ctx context.Context, name string) *gorm.DB {
	return o.db.WithContext(ctx).
		Table("outbox_events AS e").
		Joins("LEFT JOIN outbox_cursors c ON c.did = e.did AND c.consumer = ?", name).
		Where("(c.seq IS NULL OR e.seq > c.seq)")
}

func (o *Outbox) pendingPage(ctx context.Context, name string, after uint64, limit int) ([]OutboxEvent, error) {
	var rows []OutboxEvent
	err := o.pendingQuery(ctx, name).
		Select("e.*").
		Where("e.seq > ?", after).
		Order("e.seq ASC").
		Limit(limit).
		Scan(&rows).Error
	return rows, err
}

// advance moves a cursor forward, never backward.
func (o *Outbox) advance(ctx context.Context, name, did string, seq uint64) error {
	return o.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "consumer"}, {Name: "did"}},
		DoUpdates: clause.AssignmentColumns([]string{"seq", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "outbox_cursors.seq < excluded.seq"},
		}},
	}).Create(&OutboxCursor{
		Consumer:  name,
		Did:       did,
		Seq:       seq,
		UpdatedAt: time.Now(),
	}).Error
}

// Pending counts events not yet handled by the named consumer.
func (o *Outbox) Pending(ctx context.Context, name string) (int64, error) {
	var n int64
	err := o.pendingQuery(ctx, name).Count(&n).Error
	return n, err
}

// Prune deletes events created before the cutoff that every subscribed consumer has
// handled.
func (o *Outbox) Prune(ctx context.Context, before time.Time) (int64, error) {
	names := o.consumerNames()

	q := o.db.WithContext(ctx).Where("created_at < ?", before)
	if len(names) > 0 {
		q = q.Where(
			"(SELECT COUNT(*) FROM outbox_cursors c WHERE c.did = outbox_events.did AND c.seq >= outbox_events.seq AND c.consumer IN ?) = ?",
			names, len(names),
		)
	}
	res := q.Delete(&OutboxEvent{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		o.log.Info("pruned delivered events", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// Run drains the outbox on every poll interval or Notify until ctx is done.
func (o *Outbox) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-o.notify:
		}

		if err := o.ProcessAll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.log.Error("outbox drain incomplete", "err", err)
		}
	}
}
