package runengine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/google/uuid"
)

// Pool delivers queued runs to a bounded number of concurrently
// advancing workers. Admission additionally enforces
// workspace-concurrency = 1 (spec.md §4.H): a workspace with a
// non-terminal run already in flight is not admitted again until that
// run reaches a terminal state.
type Pool struct {
	orchestrator *Orchestrator
	repo         *RunRepository
	sem          *semaphore.Weighted
	queue        chan uuid.UUID
	logger       *zap.Logger
}

// NewPool builds a Pool with workers concurrent workers and a queue
// buffer of four times that size.
func NewPool(orchestrator *Orchestrator, repo *RunRepository, workers int, logger *zap.Logger) *Pool {
	return &Pool{
		orchestrator: orchestrator,
		repo:         repo,
		sem:          semaphore.NewWeighted(int64(workers)),
		queue:        make(chan uuid.UUID, workers*4),
		logger:       logger,
	}
}

// Enqueue submits a run for processing. It does not block on
// admission; workspace-concurrency is checked when the worker
// actually picks the run up.
func (p *Pool) Enqueue(runID uuid.UUID) {
	p.queue <- runID
}

// Run drains the queue until ctx is cancelled, advancing at most the
// pool's configured number of runs concurrently.
func (p *Pool) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-p.queue:
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return
			}
			go func() {
				defer p.sem.Release(1)
				p.advance(ctx, runID)
			}()
		}
	}
}

func (p *Pool) advance(ctx context.Context, runID uuid.UUID) {
	r, err := p.repo.GetByID(ctx, runID)
	if err != nil {
		p.logger.Error("runengine: failed to load run for processing", zap.String("run_id", runID.String()), zap.Error(err))
		return
	}

	active, err := p.repo.ActiveCount(ctx, r.WorkspaceID)
	if err != nil {
		p.logger.Error("runengine: failed to check workspace concurrency", zap.Error(err))
		return
	}
	if active > 1 {
		// Another non-terminal run already occupies the workspace's
		// single concurrency slot; requeue for a later pass.
		time.AfterFunc(time.Second, func() { p.Enqueue(runID) })
		return
	}

	if err := p.orchestrator.Advance(ctx, r); err != nil {
		p.logger.Error("runengine: run advance failed", zap.String("run_id", runID.String()), zap.Error(err))
	}
}

// RunReaper sweeps stale non-terminal runs on an interval and moves
// them to error(STALE) — the engine never attempts to resume an
// in-flight stage, since the external device-cloud jobs have their
// own lifecycle already running (spec.md §4.H).
func (p *Pool) RunReaper(ctx context.Context, interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.reapOnce(ctx, grace)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapOnce(ctx, grace)
		}
	}
}

func (p *Pool) reapOnce(ctx context.Context, grace time.Duration) {
	stale, err := p.repo.ListStale(ctx, grace)
	if err != nil {
		p.logger.Error("runengine: failed to list stale runs", zap.Error(err))
		return
	}

	for _, r := range stale {
		from := r.Status
		if err := r.Fail(ErrorStale, "run exceeded the stale-run grace window"); err != nil {
			continue
		}
		if err := p.repo.Transition(ctx, r, from); err != nil {
			p.logger.Warn("runengine: failed to mark stale run", zap.String("run_id", r.ID.String()), zap.Error(err))
		}
	}
	if len(stale) > 0 {
		p.logger.Info("runengine: reaped stale runs", zap.Int("count", len(stale)))
	}
}
