package smtppool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/relaypost/relaypost/internal/compose"
	"github.com/relaypost/relaypost/internal/repository"
)

type fakeSession struct {
	mu     sync.Mutex
	sent   int
	pings  int
	closed bool

	pingErr error
	sendErr error
}

func (s *fakeSession) Send(context.Context, compose.Envelope, []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent++
	return nil
}

func (s *fakeSession) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return s.pingErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dialErr  error
}

func (d *fakeDialer) Dial(_ context.Context, _ *repository.Account) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	s := &fakeSession{}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func testAccount() *repository.Account {
	return &repository.Account{ID: "acc", Host: "smtp.example.com", Port: 587}
}

func testPool(t *testing.T, d Dialer, maxPerAccount int) *Pool {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	p := New(d, maxPerAccount, 5*time.Minute, logger)
	t.Cleanup(p.Close)
	return p
}

func TestLeaseReusesHealthySession(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, d, 2)
	ctx := context.Background()
	acc := testAccount()

	lease, err := p.Lease(ctx, acc)
	if err != nil {
		t.Fatal(err)
	}
	lease.Release(true)

	lease, err = p.Lease(ctx, acc)
	if err != nil {
		t.Fatal(err)
	}
	lease.Release(true)

	if d.dialed() != 1 {
		t.Errorf("dialed %d sessions, want 1", d.dialed())
	}
	if d.sessions[0].pings != 1 {
		t.Errorf("pings = %d, want 1 probe before reuse", d.sessions[0].pings)
	}
}

func TestLeaseDiscardsDeadIdleSession(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, d, 2)
	ctx := context.Background()
	acc := testAccount()

	lease, err := p.Lease(ctx, acc)
	if err != nil {
		t.Fatal(err)
	}
	lease.Release(true)
	d.sessions[0].pingErr = errors.New("connection lost")

	lease, err = p.Lease(ctx, acc)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(true)

	if !d.sessions[0].isClosed() {
		t.Error("dead session left open")
	}
	if d.dialed() != 2 {
		t.Errorf("dialed %d sessions, want replacement dial", d.dialed())
	}
}

func TestLeaseDiscardsExpiredIdleSession(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, d, 2)
	ctx := context.Background()
	acc := testAccount()

	lease, err := p.Lease(ctx, acc)
	if err != nil {
		t.Fatal(err)
	}
	lease.Release(true)

	// Between reaper ticks the session ages past its TTL. It would still
	// answer NOOP, but a lease must not reuse it.
	base := time.Now()
	p.now = func() time.Time { return base.Add(6 * time.Minute) }

	lease, err = p.Lease(ctx, acc)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(true)

	if !d.sessions[0].isClosed() {
		t.Error("expired session left open")
	}
	if d.sessions[0].pings != 0 {
		t.Errorf("pings = %d, expired session probed instead of discarded", d.sessions[0].pings)
	}
	if d.dialed() != 2 {
		t.Errorf("dialed %d sessions, want a fresh one", d.dialed())
	}
}

func TestUnhealthyReleaseClosesSession(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, d, 2)
	acc := testAccount()

	lease, err := p.Lease(context.Background(), acc)
	if err != nil {
		t.Fatal(err)
	}
	lease.Release(false)

	if !d.sessions[0].isClosed() {
		t.Error("unhealthy session not closed")
	}

	lease, err = p.Lease(context.Background(), acc)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(true)
	if d.dialed() != 2 {
		t.Errorf("dialed %d, want fresh session after unhealthy release", d.dialed())
	}
}

func TestLeaseBlocksAtAccountCap(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, d, 1)
	acc := testAccount()

	lease, err := p.Lease(context.Background(), acc)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Lease(ctx, acc); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second lease err = %v, want deadline", err)
	}

	lease.Release(true)
	lease, err = p.Lease(context.Background(), acc)
	if err != nil {
		t.Fatalf("lease after release: %v", err)
	}
	lease.Release(true)
}

func TestDialErrorReleasesSlot(t *testing.T) {
	d := &fakeDialer{dialErr: errors.New("connection refused")}
	p := testPool(t, d, 1)
	acc := testAccount()

	if _, err := p.Lease(context.Background(), acc); err == nil {
		t.Fatal("lease succeeded despite dial failure")
	}
	// The slot must be free for the next attempt.
	d.mu.Lock()
	d.dialErr = nil
	d.mu.Unlock()
	lease, err := p.Lease(context.Background(), acc)
	if err != nil {
		t.Fatalf("lease after failed dial: %v", err)
	}
	lease.Release(true)
}

func TestReapClosesIdleSessions(t *testing.T) {
	d := &fakeDialer{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	p := New(d, 2, time.Minute, logger)
	defer p.Close()
	acc := testAccount()

	lease, err := p.Lease(context.Background(), acc)
	if err != nil {
		t.Fatal(err)
	}
	lease.Release(true)

	base := time.Now()
	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	p.reapOnce()

	if !d.sessions[0].isClosed() {
		t.Error("idle session survived past its TTL")
	}
}

func TestSessionTTLOverride(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, d, 2)
	ttl := 30
	acc := testAccount()
	acc.SessionTTL = &ttl

	ap, err := p.accountPool(acc)
	if err != nil {
		t.Fatal(err)
	}
	if ap.ttl != 30*time.Second {
		t.Errorf("ttl = %v, want account override", ap.ttl)
	}
}

func TestCloseRejectsNewLeases(t *testing.T) {
	d := &fakeDialer{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	p := New(d, 2, time.Minute, logger)
	acc := testAccount()

	lease, err := p.Lease(context.Background(), acc)
	if err != nil {
		t.Fatal(err)
	}
	lease.Release(true)
	p.Close()

	if _, err := p.Lease(context.Background(), acc); !errors.Is(err, ErrClosed) {
		t.Errorf("lease after close: err = %v, want ErrClosed", err)
	}
	if !d.sessions[0].isClosed() {
		t.Error("idle session not closed on shutdown")
	}
}
