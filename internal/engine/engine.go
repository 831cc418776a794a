// Package engine drives the relay: the dispatch loop claims and delivers
// ready messages, the report loop pushes outcomes to tenant sinks, and the
// cleanup loop enforces retention. The Engine is also the command surface
// for submission, listing, deletion, suspension and run-now.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaypost/relaypost/internal/attachcache"
	"github.com/relaypost/relaypost/internal/attachment"
	"github.com/relaypost/relaypost/internal/config"
	"github.com/relaypost/relaypost/internal/ratelimit"
	"github.com/relaypost/relaypost/internal/report"
	"github.com/relaypost/relaypost/internal/repository"
	"github.com/relaypost/relaypost/internal/retry"
	"github.com/relaypost/relaypost/internal/smtppool"
)

// ErrNotRunning is returned by commands that need the loops alive.
var ErrNotRunning = errors.New("engine not running")

// Deps carries the engine's collaborators.
type Deps struct {
	Store    repository.Store
	Limiter  *ratelimit.Limiter
	Resolver *attachment.Resolver
	Pool     *smtppool.Pool
	Sink     *report.Sink
	Schedule *retry.Schedule
	Cache    *attachcache.Cache
	Logger   *slog.Logger
}

// Engine owns the three loops and their signalling primitives.
type Engine struct {
	store    repository.Store
	limiter  *ratelimit.Limiter
	resolver *attachment.Resolver
	pool     *smtppool.Pool
	sink     *report.Sink
	schedule *retry.Schedule
	cache    *attachcache.Cache
	cfg      config.EngineConfig
	reportBatch int
	logger   *slog.Logger

	// now is the engine clock in unix seconds. Tests pin it.
	now func() int64

	active atomic.Bool

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	dispatchWake chan struct{}
	reportWake   chan struct{}
	cleanupWake  chan struct{}

	// scopeMu guards reportScope, the tenant filter a run-now command
	// pins onto the next report cycle.
	scopeMu     sync.Mutex
	reportScope *string
}

// New wires an engine. It does not start the loops.
func New(deps Deps, cfg config.EngineConfig, reportBatch int) *Engine {
	e := &Engine{
		store:       deps.Store,
		limiter:     deps.Limiter,
		resolver:    deps.Resolver,
		pool:        deps.Pool,
		sink:        deps.Sink,
		schedule:    deps.Schedule,
		cache:       deps.Cache,
		cfg:         cfg,
		reportBatch: reportBatch,
		logger:      deps.Logger,
		now:         func() int64 { return time.Now().Unix() },

		dispatchWake: make(chan struct{}, 1),
		reportWake:   make(chan struct{}, 1),
		cleanupWake:  make(chan struct{}, 1),
	}
	e.active.Store(cfg.StartActive)
	return e
}

// Start launches the dispatch, report and cleanup loops.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stop = make(chan struct{})

	e.wg.Add(3)
	go e.dispatchLoop(e.stop)
	go e.reportLoop(e.stop)
	go e.cleanupLoop(e.stop)
	e.logger.Info("engine started",
		"dispatch_interval", e.cfg.DispatchInterval,
		"report_interval", e.cfg.ReportInterval,
		"active", e.active.Load())
}

// Stop shuts the loops down, waiting up to the shutdown grace period for
// in-flight work to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine stopped")
	case <-time.After(e.cfg.ShutdownGrace):
		e.logger.Warn("engine stop timed out, abandoning in-flight work",
			"grace", e.cfg.ShutdownGrace)
	}
}

// Running reports whether the loops are live.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Active reports whether dispatch is globally enabled.
func (e *Engine) Active() bool { return e.active.Load() }

// Pause disables dispatch without stopping the loops. Report and cleanup
// keep running.
func (e *Engine) Pause() { e.active.Store(false) }

// Resume re-enables dispatch and wakes the loop.
func (e *Engine) Resume() {
	e.active.Store(true)
	e.wakeDispatch()
}

// Submit validates and enqueues a batch, then wakes the dispatch loop.
// Messages without a creation instant are stamped with the submission
// time, which also seeds deferred_ts and the FIFO tie-break.
func (e *Engine) Submit(ctx context.Context, batch []*repository.Message) ([]string, []repository.Rejection, error) {
	now := e.now()
	for _, m := range batch {
		if m.CreatedTS == 0 {
			m.CreatedTS = now
		}
	}
	accepted, rejected, err := e.store.InsertMessages(ctx, batch)
	if err != nil {
		return nil, nil, err
	}
	if len(accepted) > 0 {
		e.wakeDispatch()
	}
	return accepted, rejected, nil
}

// ListMessages returns queued messages, optionally scoped to a tenant and
// to non-terminal rows.
func (e *Engine) ListMessages(ctx context.Context, tenantID *string, activeOnly bool) ([]*repository.Message, error) {
	return e.store.ListMessages(ctx, tenantID, activeOnly)
}

// DeleteMessages removes queued messages by client id within the tenant
// scope.
func (e *Engine) DeleteMessages(ctx context.Context, tenantID *string, ids []string) (int, []string, error) {
	return e.store.DeleteMessages(ctx, tenantID, ids)
}

// Suspend halts dispatch for a tenant, or for one of its batches. Without
// a batch the whole tenant is suspended; suspending a batch while the
// tenant is fully suspended is a no-op.
func (e *Engine) Suspend(ctx context.Context, tenantID string, batch *string) error {
	tenant, err := e.store.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	value := repository.SuspendAll
	if batch != nil {
		if tenant.SuspendedBatches == repository.SuspendAll {
			return nil
		}
		set := tenant.SuspendedSet()
		set[*batch] = true
		value = joinBatches(set)
	}
	return e.store.SetSuspendedBatches(ctx, tenantID, value)
}

// Activate resumes dispatch for a tenant or one of its batches. Without a
// batch the suspension set is cleared entirely. Activating a single batch
// while the tenant is fully suspended is a conflict; the caller must
// activate the tenant first.
func (e *Engine) Activate(ctx context.Context, tenantID string, batch *string) error {
	tenant, err := e.store.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	value := ""
	if batch != nil {
		if tenant.SuspendedBatches == repository.SuspendAll {
			return fmt.Errorf("tenant %s fully suspended: %w", tenantID, repository.ErrConflict)
		}
		set := tenant.SuspendedSet()
		delete(set, *batch)
		value = joinBatches(set)
	}
	if err := e.store.SetSuspendedBatches(ctx, tenantID, value); err != nil {
		return err
	}
	e.wakeDispatch()
	return nil
}

// RunNow wakes the dispatch and report loops ahead of their tick. With a
// tenant, the next report cycle is restricted to that tenant's messages;
// dispatch always considers the whole queue.
func (e *Engine) RunNow(tenantID *string) error {
	if !e.Running() {
		return ErrNotRunning
	}
	if tenantID != nil {
		e.logger.Debug("run-now requested", "tenant", *tenantID)
		e.scopeReport(tenantID)
	}
	e.wakeDispatch()
	e.wakeReport()
	return nil
}

// scopeReport pins the tenant filter for the next report cycle. A later
// run-now overwrites an unconsumed scope.
func (e *Engine) scopeReport(tenantID *string) {
	e.scopeMu.Lock()
	e.reportScope = tenantID
	e.scopeMu.Unlock()
}

// takeReportScope consumes the pinned tenant filter, if any.
func (e *Engine) takeReportScope() *string {
	e.scopeMu.Lock()
	defer e.scopeMu.Unlock()
	scope := e.reportScope
	e.reportScope = nil
	return scope
}

func (e *Engine) wakeDispatch() { signal(e.dispatchWake) }
func (e *Engine) wakeReport()   { signal(e.reportWake) }
func (e *Engine) wakeCleanup()  { signal(e.cleanupWake) }

// signal sets a level-triggered wake flag; a pending wake is never queued
// twice.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// waitOrWake sleeps until the interval elapses, a wake arrives or stop
// closes. It reports false when the loop should exit.
func waitOrWake(stop <-chan struct{}, wake <-chan struct{}, interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}

func joinBatches(set map[string]bool) string {
	codes := make([]string, 0, len(set))
	for code := range set {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return strings.Join(codes, ",")
}
