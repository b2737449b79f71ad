package parallel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bluesky-social/cirrus/events/schedulers"

	"github.com/prometheus/client_golang/prometheus"
)

// Scheduler runs work on a fixed number of workers. Items for the same repo run one
// at a time in the order they were added; different repos run in parallel. Once an item
// fails, the remaining items queued for that repo are skipped until Wait returns.
type Scheduler[T any] struct {
	maxConcurrency int

	do func(context.Context, string, T) error

	feeder chan *consumerTask[T]
	out    chan struct{}

	lk     sync.Mutex
	active map[string][]*consumerTask[T]
	failed map[string]error

	pending sync.WaitGroup

	ident string

	// metrics
	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsFailed    prometheus.Counter
	itemsSkipped   prometheus.Counter
	workersActive  prometheus.Gauge

	log *slog.Logger
}

func NewScheduler[T any](maxC int, ident string, do func(context.Context, string, T) error) *Scheduler[T] {
	if maxC < 1 {
		maxC = 1
	}
	p := &Scheduler[T]{
		maxConcurrency: maxC,

		do: do,

		feeder: make(chan *consumerTask[T]),
		active: make(map[string][]*consumerTask[T]),
		failed: make(map[string]error),
		out:    make(chan struct{}),

		ident: ident,

		itemsAdded:     schedulers.WorkItemsAdded.WithLabelValues(ident, "parallel"),
		itemsProcessed: schedulers.WorkItemsProcessed.WithLabelValues(ident, "parallel"),
		itemsFailed:    schedulers.WorkItemsFailed.WithLabelValues(ident, "parallel"),
		itemsSkipped:   schedulers.WorkItemsSkipped.WithLabelValues(ident, "parallel"),
		workersActive:  schedulers.WorkersActive.WithLabelValues(ident, "parallel"),

		log: slog.Default().With("system", "parallel-scheduler", "pool", ident),
	}

	for i := 0; i < maxC; i++ {
		go p.worker()
	}

	p.workersActive.Add(float64(maxC))

	return p
}

func (p *Scheduler[T]) Shutdown() {
	p.log.Debug("shutting down parallel scheduler")

	for i := 0; i < p.maxConcurrency; i++ {
		p.feeder <- &consumerTask[T]{
			control: "stop",
		}
	}

	close(p.feeder)

	for i := 0; i < p.maxConcurrency; i++ {
		<-p.out
	}

	p.workersActive.Sub(float64(p.maxConcurrency))
}

type consumerTask[T any] struct {
	ctx     context.Context
	repo    string
	val     T
	control string
}

func (p *Scheduler[T]) AddWork(ctx context.Context, repo string, val T) error {
	p.itemsAdded.Inc()
	p.pending.Add(1)
	t := &consumerTask[T]{
		ctx:  ctx,
		repo: repo,
		val:  val,
	}
	p.lk.Lock()

	a, ok := p.active[repo]
	if ok {
		p.active[repo] = append(a, t)
		p.lk.Unlock()
		return nil
	}

	p.active[repo] = []*consumerTask[T]{}
	p.lk.Unlock()

	select {
	case p.feeder <- t:
		return nil
	case <-ctx.Done():
		p.lk.Lock()
		rem := p.active[repo]
		delete(p.active, repo)
		p.lk.Unlock()
		p.pending.Add(-1 - len(rem))
		return ctx.Err()
	}
}

// Wait blocks until every added item has run or been skipped, then returns the first
// error per repo and clears the failure state.
func (p *Scheduler[T]) Wait() map[string]error {
	p.pending.Wait()

	p.lk.Lock()
	defer p.lk.Unlock()
	failed := p.failed
	p.failed = make(map[string]error)
	return failed
}

func (p *Scheduler[T]) worker() {
	for work := range p.feeder {
		for work != nil {
			if work.control == "stop" {
				p.out <- struct{}{}
				return
			}

			p.lk.Lock()
			_, skip := p.failed[work.repo]
			p.lk.Unlock()

			if skip {
				p.itemsSkipped.Inc()
			} else if err := p.do(work.ctx, work.repo, work.val); err != nil {
				p.itemsFailed.Inc()
				p.log.Warn("work item failed", "repo", work.repo, "err", err)
				p.lk.Lock()
				p.failed[work.repo] = err
				p.lk.Unlock()
			} else {
				p.itemsProcessed.Inc()
			}
			p.pending.Done()

			p.lk.Lock()
			rem, ok := p.active[work.repo]
			if !ok {
				p.log.Error("should always have an 'active' entry if a worker is processing a job")
			}

			if len(rem) == 0 {
				delete(p.active, work.repo)
				work = nil
			} else {
				work = rem[0]
				p.active[work.repo] = rem[1:]
			}
			p.lk.Unlock()
		}
	}
}
