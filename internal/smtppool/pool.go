// Package smtppool maintains authenticated SMTP sessions per account and
// leases them to dispatch workers. Sessions are reused until they fail a
// liveness probe or sit idle past their TTL.
package smtppool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/relaypost/relaypost/internal/compose"
	"github.com/relaypost/relaypost/internal/metrics"
	"github.com/relaypost/relaypost/internal/repository"
)

// ErrClosed is returned by Lease after the pool has been shut down.
var ErrClosed = errors.New("smtp pool closed")

// Session is one authenticated SMTP connection.
type Session interface {
	// Send runs a full MAIL/RCPT/DATA transaction.
	Send(ctx context.Context, env compose.Envelope, raw []byte) error
	// Ping probes liveness, typically via NOOP.
	Ping() error
	Close() error
}

// Dialer opens new sessions. The production implementation lives in
// dialer.go; tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, account *repository.Account) (Session, error)
}

// Pool hands out session leases with bounded concurrency per account.
type Pool struct {
	dialer        Dialer
	maxPerAccount int64
	defaultTTL    time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu       sync.Mutex
	accounts map[string]*accountPool
	closed   bool

	stopReaper chan struct{}
	reaperDone chan struct{}
}

type accountPool struct {
	id  string
	sem *semaphore.Weighted
	ttl time.Duration

	mu   sync.Mutex
	idle []idleSession
}

type idleSession struct {
	session  Session
	lastUsed time.Time
}

// New builds a pool and starts its idle reaper.
func New(dialer Dialer, maxPerAccount int, defaultTTL time.Duration, logger *slog.Logger) *Pool {
	if maxPerAccount < 1 {
		maxPerAccount = 1
	}
	p := &Pool{
		dialer:        dialer,
		maxPerAccount: int64(maxPerAccount),
		defaultTTL:    defaultTTL,
		logger:        logger,
		now:           time.Now,
		accounts:      make(map[string]*accountPool),
		stopReaper:    make(chan struct{}),
		reaperDone:    make(chan struct{}),
	}
	go p.reap()
	return p
}

// Lease returns a live session for the account, reusing an idle one when
// its liveness probe passes. Lease blocks while the account is at its
// concurrency cap; ctx cancellation aborts the wait.
func (p *Pool) Lease(ctx context.Context, account *repository.Account) (*Lease, error) {
	ap, err := p.accountPool(account)
	if err != nil {
		return nil, err
	}
	if err := ap.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	for {
		session, expired, ok := ap.popIdle(p.now())
		if !ok {
			break
		}
		// Sessions past the idle TTL are stale even when the server
		// still answers NOOP; the reaper only runs every 30 seconds.
		if expired || session.Ping() != nil {
			p.discard(ap.id, session)
			continue
		}
		return &Lease{pool: p, ap: ap, session: session}, nil
	}

	session, err := p.dialer.Dial(ctx, account)
	if err != nil {
		ap.sem.Release(1)
		return nil, err
	}
	metrics.PoolSessions.WithLabelValues(ap.id).Inc()
	return &Lease{pool: p, ap: ap, session: session}, nil
}

// Close shuts the pool down and closes every idle session. Leased sessions
// are closed by their holders on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pools := make([]*accountPool, 0, len(p.accounts))
	for _, ap := range p.accounts {
		pools = append(pools, ap)
	}
	p.mu.Unlock()

	close(p.stopReaper)
	<-p.reaperDone

	for _, ap := range pools {
		ap.mu.Lock()
		idle := ap.idle
		ap.idle = nil
		ap.mu.Unlock()
		for _, s := range idle {
			p.discard(ap.id, s.session)
		}
	}
}

func (p *Pool) accountPool(account *repository.Account) (*accountPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	ap, ok := p.accounts[account.ID]
	if !ok {
		ttl := p.defaultTTL
		if account.SessionTTL != nil && *account.SessionTTL > 0 {
			ttl = time.Duration(*account.SessionTTL) * time.Second
		}
		ap = &accountPool{
			id:  account.ID,
			sem: semaphore.NewWeighted(p.maxPerAccount),
			ttl: ttl,
		}
		p.accounts[account.ID] = ap
	}
	return ap, nil
}

func (ap *accountPool) popIdle(now time.Time) (session Session, expired, ok bool) {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	n := len(ap.idle)
	if n == 0 {
		return nil, false, false
	}
	s := ap.idle[n-1]
	ap.idle = ap.idle[:n-1]
	return s.session, now.Sub(s.lastUsed) > ap.ttl, true
}

func (p *Pool) discard(accountID string, session Session) {
	if err := session.Close(); err != nil {
		p.logger.Debug("session close failed", "account", accountID, "error", err)
	}
	metrics.PoolSessions.WithLabelValues(accountID).Dec()
}

// reap closes sessions idle past their account TTL.
func (p *Pool) reap() {
	defer close(p.reaperDone)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	pools := make([]*accountPool, 0, len(p.accounts))
	for _, ap := range p.accounts {
		pools = append(pools, ap)
	}
	p.mu.Unlock()

	now := p.now()
	for _, ap := range pools {
		var stale []Session
		ap.mu.Lock()
		kept := ap.idle[:0]
		for _, s := range ap.idle {
			if now.Sub(s.lastUsed) > ap.ttl {
				stale = append(stale, s.session)
			} else {
				kept = append(kept, s)
			}
		}
		ap.idle = kept
		ap.mu.Unlock()
		for _, s := range stale {
			p.discard(ap.id, s)
		}
	}
}

// Lease is a held session. Exactly one Release call ends the lease.
type Lease struct {
	pool     *Pool
	ap       *accountPool
	session  Session
	released bool
}

// Send runs one SMTP transaction on the leased session.
func (l *Lease) Send(ctx context.Context, env compose.Envelope, raw []byte) error {
	return l.session.Send(ctx, env, raw)
}

// Release returns the session to the pool. An unhealthy release closes
// the session instead of parking it.
func (l *Lease) Release(healthy bool) {
	if l.released {
		return
	}
	l.released = true

	if healthy && !l.pool.isClosed() {
		l.ap.mu.Lock()
		l.ap.idle = append(l.ap.idle, idleSession{session: l.session, lastUsed: l.pool.now()})
		l.ap.mu.Unlock()
	} else {
		l.pool.discard(l.ap.id, l.session)
	}
	l.ap.sem.Release(1)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
