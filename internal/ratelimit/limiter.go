// Package ratelimit decides whether an SMTP account may send now, based on
// the persisted send log. The limiter never writes: the dispatch loop
// appends to the send log only after the SMTP server accepts DATA, so a
// failed transaction never consumes quota.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaypost/relaypost/internal/repository"
)

// Window widths in seconds, narrowest first.
const (
	WindowMinute = 60
	WindowHour   = 3600
	WindowDay    = 86400
)

// Verdict is the admission result for one send.
type Verdict int

const (
	// Admit allows the send immediately.
	Admit Verdict = iota
	// Defer postpones the message until Decision.NextTry.
	Defer
	// Reject makes the message a terminal rate-limit error, per the
	// account's over-limit policy.
	Reject
)

// Decision carries the verdict and, for Defer, the earliest instant at
// which the most binding window has capacity again.
type Decision struct {
	Verdict Verdict
	NextTry int64
}

// Limiter answers admission checks against the send log. Admitted sends
// that have not yet landed in the log are tracked as in-flight
// reservations so concurrent workers cannot run past a limit together.
type Limiter struct {
	store repository.Store

	mu       sync.Mutex
	inflight map[string]int
}

// New creates a limiter over the given store.
func New(store repository.Store) *Limiter {
	return &Limiter{store: store, inflight: make(map[string]int)}
}

type window struct {
	width int64
	limit *int
}

func windows(account *repository.Account) []window {
	return []window{
		{WindowMinute, account.LimitPerMinute},
		{WindowHour, account.LimitPerHour},
		{WindowDay, account.LimitPerDay},
	}
}

// Check evaluates every configured window for the account at the given
// instant. A window with limit L admits while the count of send-log
// entries in (now-width, now] plus in-flight reservations is strictly
// below L; the first violated window defers to one window-width past its
// oldest entry. With several windows violated, the latest of those
// instants wins. An account with no configured limits admits
// unconditionally.
func (l *Limiter) Check(ctx context.Context, account *repository.Account, now int64) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decide(ctx, account, now)
}

// Reserve is Check plus, on Admit, one reservation slot held for the
// account until Release. The slot counts toward every window, standing in
// for the send-log row the caller will write once the server accepts.
func (l *Limiter) Reserve(ctx context.Context, account *repository.Account, now int64) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	decision, err := l.decide(ctx, account, now)
	if err != nil {
		return Decision{}, err
	}
	if decision.Verdict == Admit {
		l.inflight[account.ID]++
	}
	return decision, nil
}

// Release drops one reservation slot for the account. Callers release
// after the send-log row is written, or as soon as the send is abandoned.
func (l *Limiter) Release(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := l.inflight[accountID]; n > 1 {
		l.inflight[accountID] = n - 1
	} else {
		delete(l.inflight, accountID)
	}
}

// decide runs the window evaluation. Caller holds l.mu.
func (l *Limiter) decide(ctx context.Context, account *repository.Account, now int64) (Decision, error) {
	if account.Unlimited() {
		return Decision{Verdict: Admit}, nil
	}

	held := l.inflight[account.ID]
	var nextTry int64
	for _, w := range windows(account) {
		if w.limit == nil || *w.limit <= 0 {
			continue
		}
		since := now - w.width
		count, err := l.store.CountSendLogSince(ctx, account.ID, since)
		if err != nil {
			return Decision{}, fmt.Errorf("count window %ds: %w", w.width, err)
		}
		if count+held < *w.limit {
			continue
		}
		oldest, ok, err := l.store.OldestSendLogSince(ctx, account.ID, since)
		if err != nil {
			return Decision{}, fmt.Errorf("oldest in window %ds: %w", w.width, err)
		}
		candidate := now + w.width
		if ok {
			candidate = oldest + w.width
		}
		if candidate > nextTry {
			nextTry = candidate
		}
	}

	if nextTry == 0 {
		return Decision{Verdict: Admit}, nil
	}
	if account.OverLimit == repository.PolicyReject {
		return Decision{Verdict: Reject, NextTry: nextTry}, nil
	}
	return Decision{Verdict: Defer, NextTry: nextTry}, nil
}

// HasCapacity reports whether the account admits at least one send now.
// Used by the dispatch loop to build the claim quota map; reject-policy
// accounts always claim so their messages can be terminally refused.
func (l *Limiter) HasCapacity(ctx context.Context, account *repository.Account, now int64) (bool, error) {
	if account.OverLimit == repository.PolicyReject {
		return true, nil
	}
	decision, err := l.Check(ctx, account, now)
	if err != nil {
		return false, err
	}
	return decision.Verdict == Admit, nil
}
