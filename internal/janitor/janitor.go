// Package janitor implements background cleanup of expired scan sessions and
// their staging repositories. It runs independently from the request path so
// lifecycle concerns (periodic reaping, orphan reconciliation) stay isolated
// from transport logic.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/medvault/medvault/internal/domain"
)

// Registry is the registry surface a cleanup cycle needs: purge reapable
// sessions, and probe repository existence during the orphan sweep.
type Registry interface {
	// CleanupExpiredSessions deletes registry state for sessions past their
	// grace window and returns the staging repo ids needing physical removal.
	CleanupExpiredSessions(ctx context.Context) ([]domain.RepoID, error)
	// HasRepository reports whether a registry row exists for the id.
	HasRepository(ctx context.Context, id domain.RepoID) (bool, error)
}

// Storage is the physical side: enumerate staging repos on disk and remove
// them. Satisfied by *gitx.Store.
type Storage interface {
	ListStaging() ([]domain.RepoID, error)
	Delete(id domain.RepoID) error
}

// Config holds tunables for the Janitor.
type Config struct {
	Interval time.Duration // how often a cycle begins
	Logger   *slog.Logger  // optional logger (defaults to slog.Default())
}

// Metrics accumulates counters (in-memory) for operational insight.
type Metrics struct {
	mu                  sync.Mutex
	Cycles              uint64
	Reaped              uint64
	Orphans             uint64
	CycleLastDurationMS int64
}

// MetricsView is a read-only snapshot safe to copy.
type MetricsView struct {
	Cycles              uint64
	Reaped              uint64
	Orphans             uint64
	CycleLastDurationMS int64
}

func (m *Metrics) addReaped(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.Reaped += uint64(n)
	m.mu.Unlock()
}

func (m *Metrics) addOrphans(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.Orphans += uint64(n)
	m.mu.Unlock()
}

func (m *Metrics) recordCycle(d time.Duration) {
	m.mu.Lock()
	m.Cycles++
	m.CycleLastDurationMS = d.Milliseconds()
	m.mu.Unlock()
}

// Janitor encapsulates the background staging-lifecycle loop.
type Janitor struct {
	registry Registry
	storage  Storage
	cfg      Config
	metrics  *Metrics

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs but does not start a Janitor.
func New(registry Registry, storage Storage, cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Janitor{
		registry: registry,
		storage:  storage,
		cfg:      cfg,
		metrics:  &Metrics{},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the janitor loop in a new goroutine.
func (j *Janitor) Start(ctx context.Context) {
	if j.ticker != nil {
		return
	} // already started
	j.ticker = time.NewTicker(j.cfg.Interval)
	go j.loop(ctx)
}

// Stop signals the loop to exit and waits for completion.
func (j *Janitor) Stop() {
	j.once.Do(func() { close(j.stopCh) })
	<-j.doneCh
}

// MetricsSnapshot returns a copy of current metrics.
func (j *Janitor) MetricsSnapshot() MetricsView {
	j.metrics.mu.Lock()
	defer j.metrics.mu.Unlock()
	return MetricsView{
		Cycles:              j.metrics.Cycles,
		Reaped:              j.metrics.Reaped,
		Orphans:             j.metrics.Orphans,
		CycleLastDurationMS: j.metrics.CycleLastDurationMS,
	}
}

func (j *Janitor) loop(ctx context.Context) {
	log := j.cfg.Logger.With("domain", "janitor")
	defer func() {
		if j.ticker != nil {
			j.ticker.Stop()
		}
		close(j.doneCh)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("janitor stop", "reason", "context_cancel")
			return
		case <-j.stopCh:
			log.Info("janitor stop", "reason", "stop_signal")
			return
		case <-j.ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle performs one full reap + orphan reconciliation cycle. Registry
// rows are purged first; storage removal follows, so a crash in between
// leaves only an orphaned directory for the next sweep, never a registry row
// pointing at missing storage.
func (j *Janitor) runCycle(ctx context.Context) {
	start := time.Now()
	log := j.cfg.Logger.With("domain", "janitor", "action", "cycle")

	reaped := j.reapSessions(ctx, log)
	orphans, err := j.reconcileOrphans(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("reconcile", "error", err)
	}

	j.metrics.addReaped(reaped)
	j.metrics.addOrphans(orphans)
	j.metrics.recordCycle(time.Since(start))
	log.Info("cycle complete", "reaped", reaped, "orphans", orphans, "ms", time.Since(start).Milliseconds())
}

func (j *Janitor) reapSessions(ctx context.Context, log *slog.Logger) int {
	ids, err := j.registry.CleanupExpiredSessions(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("purge sessions", "error", err)
		}
		return 0
	}
	reaped := 0
	for _, id := range ids {
		// Only the staging namespace is ever reaped, whatever the registry
		// returned.
		if !id.IsStaging() {
			log.Error("refusing to reap non-staging repo", "repo", id.String())
			continue
		}
		if err := j.storage.Delete(id); err != nil {
			log.Error("delete staging storage", "repo", id.String(), "error", err)
			continue
		}
		reaped++
	}
	return reaped
}

// reconcileOrphans removes staging directories whose registry row is gone,
// the debris a crash between registry purge and storage deletion leaves.
func (j *Janitor) reconcileOrphans(ctx context.Context) (int, error) {
	onDisk, err := j.storage.ListStaging()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range onDisk {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		exists, err := j.registry.HasRepository(ctx, id)
		if err != nil {
			return removed, err
		}
		if exists {
			continue
		}
		if err := j.storage.Delete(id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
