package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/relaypost/relaypost/internal/attachment"
	"github.com/relaypost/relaypost/internal/compose"
	"github.com/relaypost/relaypost/internal/config"
	"github.com/relaypost/relaypost/internal/ratelimit"
	"github.com/relaypost/relaypost/internal/report"
	"github.com/relaypost/relaypost/internal/repository"
	"github.com/relaypost/relaypost/internal/retry"
	"github.com/relaypost/relaypost/internal/smtppool"
)

// scriptSession replays a scripted sequence of send outcomes. Once the
// script runs out every send succeeds.
type scriptSession struct {
	mu   sync.Mutex
	errs []error
	sent []compose.Envelope
}

func (s *scriptSession) Send(_ context.Context, env compose.Envelope, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *scriptSession) Ping() error  { return nil }
func (s *scriptSession) Close() error { return nil }

func (s *scriptSession) sends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type scriptDialer struct{ session *scriptSession }

func (d *scriptDialer) Dial(context.Context, *repository.Account) (smtppool.Session, error) {
	return d.session, nil
}

type harness struct {
	store   *repository.MemoryStore
	engine  *Engine
	session *scriptSession
	sem     *semaphore.Weighted
	clock   int64
}

func newHarness(t *testing.T, sinkURL string) *harness {
	return newHarnessWorkers(t, sinkURL, 1)
}

// newHarnessWorkers builds a harness with the given per-account worker
// count so tests can exercise concurrent sends on one account.
func newHarnessWorkers(t *testing.T, sinkURL string, perAccount int) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := repository.NewMemoryStore()
	session := &scriptSession{}
	pool := smtppool.New(&scriptDialer{session: session}, perAccount, time.Minute, logger)
	t.Cleanup(pool.Close)

	schedule := retry.NewSchedule([]time.Duration{
		time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 2 * time.Hour,
	}, 5)
	schedule.Seed(42)

	cfg := config.EngineConfig{
		StartActive:       true,
		DispatchInterval:  10 * time.Millisecond,
		ReportInterval:    10 * time.Millisecond,
		CleanupInterval:   10 * time.Millisecond,
		DispatchBatchSize: 1000,
		AccountBatchSize:  50,
		MaxConcurrent:     8,
		MaxPerAccount:     perAccount,
		MaxRetries:        5,
		RetentionWindow:   7 * 24 * time.Hour,
		ShutdownGrace:     time.Second,
	}
	e := New(Deps{
		Store:    store,
		Limiter:  ratelimit.New(store),
		Resolver: attachment.NewResolver(nil, "", time.Second, 4, logger),
		Pool:     pool,
		Sink:     report.NewSink(config.ReportConfig{SinkURL: sinkURL, Timeout: time.Second}),
		Schedule: schedule,
		Cache:    nil,
		Logger:   logger,
	}, cfg, 500)

	h := &harness{store: store, engine: e, session: session, sem: semaphore.NewWeighted(8), clock: 1000}
	e.now = func() int64 { return atomic.LoadInt64(&h.clock) }
	return h
}

func (h *harness) setClock(ts int64) { atomic.StoreInt64(&h.clock, ts) }

func (h *harness) dispatch(t *testing.T) bool {
	t.Helper()
	processed, err := h.engine.dispatchOnce(context.Background(), h.sem)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return processed
}

func (h *harness) message(t *testing.T, id string) *repository.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), nil, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if m.ID == id {
			return m
		}
	}
	t.Fatalf("message %s not in store", id)
	return nil
}

func queued(id, account string, createdTS int64) *repository.Message {
	return &repository.Message{
		ID:         id,
		AccountID:  account,
		Priority:   repository.PriorityMedium,
		CreatedTS:  createdTS,
		DeferredTS: createdTS,
		Payload: repository.Payload{
			From:    "a@x",
			To:      []string{"b@y"},
			Subject: "hi",
			Body:    "ok",
		},
	}
}

func mustUpsertAccount(t *testing.T, store *repository.MemoryStore, acc *repository.Account) {
	t.Helper()
	if err := store.UpsertAccount(context.Background(), acc); err != nil {
		t.Fatal(err)
	}
}

func mustSubmit(t *testing.T, e *Engine, msgs ...*repository.Message) {
	t.Helper()
	accepted, rejected, err := e.Submit(context.Background(), msgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(rejected) != 0 || len(accepted) != len(msgs) {
		t.Fatalf("submit: accepted=%v rejected=%v", accepted, rejected)
	}
}

type sinkCapture struct {
	mu   sync.Mutex
	docs []map[string][]report.Entry
}

func captureSink(t *testing.T, status int) (*httptest.Server, *sinkCapture) {
	t.Helper()
	rec := &sinkCapture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		var doc map[string][]report.Entry
		if err := json.Unmarshal(body, &doc); err != nil {
			t.Errorf("decode report: %v", err)
		}
		rec.mu.Lock()
		rec.docs = append(rec.docs, doc)
		rec.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestHappyPath(t *testing.T) {
	srv, rec := captureSink(t, http.StatusOK)
	h := newHarness(t, srv.URL)
	mustUpsertAccount(t, h.store, &repository.Account{ID: "A", Host: "smtp.example.com", Port: 587})

	mustSubmit(t, h.engine, queued("M1", "A", 1000))
	h.setClock(1001)
	if !h.dispatch(t) {
		t.Fatal("dispatch processed nothing")
	}

	m := h.message(t, "M1")
	if m.SentTS == nil || *m.SentTS != 1001 {
		t.Fatalf("sent_ts = %v, want 1001", m.SentTS)
	}
	if m.RetryCount != 0 {
		t.Errorf("retry_count = %d", m.RetryCount)
	}
	count, err := h.store.CountSendLogSince(context.Background(), "A", 0)
	if err != nil || count != 1 {
		t.Errorf("send log rows = %d, err %v", count, err)
	}

	if _, err := h.engine.reportOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.docs) != 1 {
		t.Fatalf("sink received %d documents", len(rec.docs))
	}
	entries := rec.docs[0]["delivery_report"]
	if len(entries) != 1 || entries[0].ID != "M1" || entries[0].SentTS == nil || *entries[0].SentTS != 1001 {
		t.Errorf("report entries = %+v", entries)
	}
	if h.message(t, "M1").ReportedTS == nil {
		t.Error("reported_ts not set after acknowledgement")
	}
}

func TestTransientThenSuccess(t *testing.T) {
	h := newHarness(t, "")
	mustUpsertAccount(t, h.store, &repository.Account{ID: "A", Host: "smtp.example.com", Port: 587})
	h.session.errs = []error{&smtp.SMTPError{Code: 451, Message: "try again later"}}

	mustSubmit(t, h.engine, queued("M1", "A", 1000))
	h.setClock(1001)
	h.dispatch(t)

	m := h.message(t, "M1")
	if m.Terminal() {
		t.Fatal("transient failure made the message terminal")
	}
	if m.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", m.RetryCount)
	}
	if m.LastError == nil || !strings.Contains(*m.LastError, "451") {
		t.Errorf("last_error = %v", m.LastError)
	}
	lo, hi := int64(1001+48), int64(1001+72)
	if m.DeferredTS < lo || m.DeferredTS > hi {
		t.Errorf("deferred_ts = %d, want within [%d, %d]", m.DeferredTS, lo, hi)
	}

	h.setClock(m.DeferredTS + 1)
	h.dispatch(t)
	m = h.message(t, "M1")
	if m.SentTS == nil {
		t.Fatal("second attempt did not send")
	}
	if m.RetryCount != 1 {
		t.Errorf("retry_count = %d after success, want history preserved", m.RetryCount)
	}
	count, _ := h.store.CountSendLogSince(context.Background(), "A", 0)
	if count != 1 {
		t.Errorf("send log rows = %d, want 1", count)
	}
}

func TestPermanentFailure(t *testing.T) {
	srv, rec := captureSink(t, http.StatusOK)
	h := newHarness(t, srv.URL)
	mustUpsertAccount(t, h.store, &repository.Account{ID: "A", Host: "smtp.example.com", Port: 587})
	h.session.errs = []error{&smtp.SMTPError{Code: 550, Message: "no such user"}}

	mustSubmit(t, h.engine, queued("M1", "A", 1000))
	h.setClock(1001)
	h.dispatch(t)

	m := h.message(t, "M1")
	if m.ErrorTS == nil || *m.ErrorTS != 1001 {
		t.Fatalf("error_ts = %v, want 1001", m.ErrorTS)
	}
	if m.LastError == nil || !strings.Contains(*m.LastError, "550") {
		t.Errorf("last_error = %v, want the 550 text", m.LastError)
	}
	count, _ := h.store.CountSendLogSince(context.Background(), "A", 0)
	if count != 0 {
		t.Errorf("send log rows = %d for a failed delivery", count)
	}

	if _, err := h.engine.reportOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	entries := rec.docs[0]["delivery_report"]
	if entries[0].ErrorTS == nil || entries[0].Error == nil || entries[0].SentTS != nil {
		t.Errorf("report entry = %+v, want error subset only", entries[0])
	}
}

func TestRateLimitDefer(t *testing.T) {
	h := newHarness(t, "")
	limit := 2
	mustUpsertAccount(t, h.store, &repository.Account{
		ID: "A", Host: "smtp.example.com", Port: 587,
		LimitPerMinute: &limit, OverLimit: repository.PolicyDefer,
	})

	mustSubmit(t, h.engine,
		queued("M1", "A", 1000),
		queued("M2", "A", 1000),
		queued("M3", "A", 1000),
	)
	h.dispatch(t)

	if h.message(t, "M1").SentTS == nil || h.message(t, "M2").SentTS == nil {
		t.Fatal("first two messages not sent")
	}
	m3 := h.message(t, "M3")
	if m3.Terminal() {
		t.Fatal("rate-limited message became terminal")
	}
	if m3.DeferredTS != 1060 {
		t.Errorf("deferred_ts = %d, want earliest capacity moment 1060", m3.DeferredTS)
	}
	if m3.DeferredReason == nil || *m3.DeferredReason != "rate_limited" {
		t.Errorf("deferred_reason = %v", m3.DeferredReason)
	}

	h.setClock(1061)
	h.dispatch(t)
	if h.message(t, "M3").SentTS == nil {
		t.Fatal("deferred message not sent once capacity returned")
	}
}

func TestRateLimitHoldsUnderConcurrentWorkers(t *testing.T) {
	h := newHarnessWorkers(t, "", 4)
	ctx := context.Background()
	limit := 2
	mustUpsertAccount(t, h.store, &repository.Account{
		ID: "A", Host: "smtp.example.com", Port: 587,
		LimitPerMinute: &limit, OverLimit: repository.PolicyDefer,
	})

	mustSubmit(t, h.engine,
		queued("M1", "A", 1000),
		queued("M2", "A", 1000),
		queued("M3", "A", 1000),
		queued("M4", "A", 1000),
	)
	h.dispatch(t)

	var sent, deferred int
	for _, id := range []string{"M1", "M2", "M3", "M4"} {
		m := h.message(t, id)
		switch {
		case m.SentTS != nil:
			sent++
		case !m.Terminal():
			deferred++
			if m.DeferredTS != 1060 {
				t.Errorf("%s deferred_ts = %d, want 1060", id, m.DeferredTS)
			}
			if m.DeferredReason == nil || *m.DeferredReason != "rate_limited" {
				t.Errorf("%s deferred_reason = %v", id, m.DeferredReason)
			}
		default:
			t.Errorf("%s became terminal", id)
		}
	}
	if sent != 2 || deferred != 2 {
		t.Fatalf("sent = %d, deferred = %d, want 2 and 2", sent, deferred)
	}
	count, err := h.store.CountSendLogSince(ctx, "A", 940)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("send log rows in window = %d, want exactly the limit", count)
	}
}

func TestRateLimitReject(t *testing.T) {
	h := newHarness(t, "")
	limit := 1
	mustUpsertAccount(t, h.store, &repository.Account{
		ID: "A", Host: "smtp.example.com", Port: 587,
		LimitPerMinute: &limit, OverLimit: repository.PolicyReject,
	})

	mustSubmit(t, h.engine, queued("M1", "A", 1000), queued("M2", "A", 1000))
	h.dispatch(t)

	if h.message(t, "M1").SentTS == nil {
		t.Fatal("first message not sent")
	}
	m2 := h.message(t, "M2")
	if m2.ErrorTS == nil {
		t.Fatal("over-limit message not terminally refused under reject policy")
	}
	if m2.LastError == nil || *m2.LastError != "rate_limited" {
		t.Errorf("last_error = %v", m2.LastError)
	}
}

func TestBatchSuspension(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	mustUpsertAccount(t, h.store, &repository.Account{ID: "A", Host: "smtp.example.com", Port: 587})
	if err := h.store.UpsertTenant(ctx, &repository.Tenant{ID: "T", Name: "T", Active: true}); err != nil {
		t.Fatal(err)
	}

	tenant := "T"
	batch := "NL-01"
	inBatch := queued("M10", "A", 1000)
	inBatch.TenantID = &tenant
	inBatch.BatchCode = &batch
	inBatch2 := queued("M11", "A", 1000)
	inBatch2.TenantID = &tenant
	inBatch2.BatchCode = &batch
	plain := queued("M20", "A", 1000)
	plain.TenantID = &tenant
	mustSubmit(t, h.engine, inBatch, inBatch2, plain)

	if err := h.engine.Suspend(ctx, "T", &batch); err != nil {
		t.Fatal(err)
	}
	h.setClock(1001)
	h.dispatch(t)

	if h.message(t, "M20").SentTS == nil {
		t.Fatal("unbatched message blocked by batch suspension")
	}
	for _, id := range []string{"M10", "M11"} {
		if m := h.message(t, id); m.Terminal() {
			t.Fatalf("%s dispatched while its batch was suspended", id)
		}
	}

	if err := h.engine.Activate(ctx, "T", &batch); err != nil {
		t.Fatal(err)
	}
	h.setClock(1002)
	h.dispatch(t)
	for _, id := range []string{"M10", "M11"} {
		if h.message(t, id).SentTS == nil {
			t.Fatalf("%s not sent after batch activation", id)
		}
	}
}

func TestActivateBatchUnderFullSuspension(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	if err := h.store.UpsertTenant(ctx, &repository.Tenant{ID: "T", Name: "T", Active: true}); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.Suspend(ctx, "T", nil); err != nil {
		t.Fatal(err)
	}
	batch := "NL-01"
	// Suspending one more batch under full suspension changes nothing.
	if err := h.engine.Suspend(ctx, "T", &batch); err != nil {
		t.Fatal(err)
	}
	tenant, _ := h.store.GetTenant(ctx, "T")
	if tenant.SuspendedBatches != repository.SuspendAll {
		t.Errorf("suspended_batches = %q, want sentinel", tenant.SuspendedBatches)
	}

	err := h.engine.Activate(ctx, "T", &batch)
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("activate batch under full suspension: err = %v, want conflict", err)
	}

	// Clearing the whole suspension first makes batch operations legal.
	if err := h.engine.Activate(ctx, "T", nil); err != nil {
		t.Fatal(err)
	}
	tenant, _ = h.store.GetTenant(ctx, "T")
	if tenant.SuspendedBatches != "" {
		t.Errorf("suspended_batches = %q after full activation", tenant.SuspendedBatches)
	}
}

func TestDuplicateSubmit(t *testing.T) {
	h := newHarness(t, "")
	mustUpsertAccount(t, h.store, &repository.Account{ID: "A", Host: "smtp.example.com", Port: 587})

	accepted, rejected, err := h.engine.Submit(context.Background(), []*repository.Message{
		queued("M1", "A", 1000),
		queued("M1", "A", 1000),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(accepted) != 1 {
		t.Errorf("accepted = %v, want one", accepted)
	}
	if len(rejected) != 1 || rejected[0].ID != "M1" || rejected[0].Reason != repository.ReasonDuplicate {
		t.Errorf("rejected = %+v", rejected)
	}
}

func TestSubmitStampsCreationInstant(t *testing.T) {
	h := newHarness(t, "")
	mustUpsertAccount(t, h.store, &repository.Account{ID: "A", Host: "smtp.example.com", Port: 587})

	// Control-plane submissions arrive without timestamps.
	mustSubmit(t, h.engine, queued("M1", "A", 0))

	m := h.message(t, "M1")
	if m.CreatedTS != 1000 {
		t.Errorf("created_ts = %d, want the submission instant 1000", m.CreatedTS)
	}
	if m.DeferredTS != 1000 {
		t.Errorf("deferred_ts = %d, want seeded from created_ts", m.DeferredTS)
	}

	// A caller-provided creation instant is preserved.
	mustSubmit(t, h.engine, queued("M2", "A", 900))
	if got := h.message(t, "M2").CreatedTS; got != 900 {
		t.Errorf("created_ts = %d, want caller value 900", got)
	}
}

func TestAttachmentFailureIsTransient(t *testing.T) {
	h := newHarness(t, "")
	mustUpsertAccount(t, h.store, &repository.Account{ID: "A", Host: "smtp.example.com", Port: 587})

	m := queued("M1", "A", 1000)
	m.Payload.Attachments = []repository.AttachmentRef{
		{Filename: "bad.bin", StoragePath: "base64:%%%not-base64%%%"},
	}
	mustSubmit(t, h.engine, m)
	h.setClock(1001)
	h.dispatch(t)

	got := h.message(t, "M1")
	if got.Terminal() {
		t.Fatal("attachment failure made the message terminal on first attempt")
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
	if h.session.sends() != 0 {
		t.Error("SMTP transaction attempted despite unresolved attachments")
	}
}

func TestReportFailureIsolatedPerTenant(t *testing.T) {
	okSrv, okRec := captureSink(t, http.StatusOK)
	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(failSrv.Close)

	h := newHarness(t, "")
	ctx := context.Background()
	mustUpsertAccount(t, h.store, &repository.Account{ID: "A", Host: "smtp.example.com", Port: 587})
	for id, base := range map[string]string{"good": okSrv.URL, "bad": failSrv.URL} {
		err := h.store.UpsertTenant(ctx, &repository.Tenant{
			ID: id, Name: id, Active: true, BaseURL: base, SyncPath: "/sync",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	good, bad := "good", "bad"
	m1 := queued("M1", "A", 1000)
	m1.TenantID = &good
	m2 := queued("M2", "A", 1000)
	m2.TenantID = &bad
	mustSubmit(t, h.engine, m1, m2)
	h.setClock(1001)
	h.dispatch(t)

	acked, err := h.engine.reportOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if acked != 1 {
		t.Errorf("acked = %d, want only the healthy tenant's batch", acked)
	}
	if h.message(t, "M1").ReportedTS == nil {
		t.Error("healthy tenant's message not acknowledged")
	}
	if h.message(t, "M2").ReportedTS != nil {
		t.Error("failing tenant's message acknowledged")
	}
	okRec.mu.Lock()
	defer okRec.mu.Unlock()
	if len(okRec.docs) != 1 {
		t.Errorf("healthy sink received %d documents", len(okRec.docs))
	}
}

func TestRunNowTenantScopesNextReportCycle(t *testing.T) {
	srv, rec := captureSink(t, http.StatusOK)
	h := newHarness(t, "")
	ctx := context.Background()
	mustUpsertAccount(t, h.store, &repository.Account{ID: "A", Host: "smtp.example.com", Port: 587})
	for _, id := range []string{"T1", "T2"} {
		err := h.store.UpsertTenant(ctx, &repository.Tenant{
			ID: id, Name: id, Active: true, BaseURL: srv.URL, SyncPath: "/sync",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	t1, t2 := "T1", "T2"
	m1 := queued("M1", "A", 1000)
	m1.TenantID = &t1
	m2 := queued("M2", "A", 1000)
	m2.TenantID = &t2
	mustSubmit(t, h.engine, m1, m2)
	for _, m := range []*repository.Message{m1, m2} {
		if err := h.store.MarkSent(ctx, m.PK, 1001); err != nil {
			t.Fatal(err)
		}
	}

	h.engine.scopeReport(&t1)
	acked, err := h.engine.reportOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if acked != 1 {
		t.Fatalf("acked = %d, want only the scoped tenant's batch", acked)
	}
	if h.message(t, "M1").ReportedTS == nil {
		t.Error("scoped tenant's message not acknowledged")
	}
	if h.message(t, "M2").ReportedTS != nil {
		t.Error("out-of-scope message acknowledged in a scoped cycle")
	}

	// The scope is consumed; the next cycle covers everyone again.
	if acked, err = h.engine.reportOnce(ctx); err != nil || acked != 1 {
		t.Fatalf("follow-up cycle acked = %d, err = %v", acked, err)
	}
	if h.message(t, "M2").ReportedTS == nil {
		t.Error("remaining tenant not reported once the scope cleared")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.docs) != 2 {
		t.Errorf("sink received %d documents, want one per cycle", len(rec.docs))
	}
}

func TestCleanupRetention(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	mustUpsertAccount(t, h.store, &repository.Account{ID: "A", Host: "smtp.example.com", Port: 587})
	short := int64(3600)
	if err := h.store.UpsertTenant(ctx, &repository.Tenant{
		ID: "fast", Name: "fast", Active: true, RetentionSeconds: &short,
	}); err != nil {
		t.Fatal(err)
	}

	fast := "fast"
	m1 := queued("global", "A", 1000)
	m2 := queued("scoped", "A", 1000)
	m2.TenantID = &fast
	mustSubmit(t, h.engine, m1, m2)

	for _, m := range []*repository.Message{m1, m2} {
		if err := h.store.MarkSent(ctx, m.PK, 1000); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.store.MarkReported(ctx, []uuid.UUID{m1.PK, m2.PK}, 1000); err != nil {
		t.Fatal(err)
	}
	if err := h.store.AppendSendLog(ctx, "A", 1000); err != nil {
		t.Fatal(err)
	}

	// Two hours later only the short-retention tenant's row is purged.
	h.setClock(1000 + 7200)
	if err := h.engine.cleanupOnce(ctx); err != nil {
		t.Fatal(err)
	}
	h.message(t, "global") // still present; message() fails the test otherwise
	msgs, _ := h.store.ListMessages(ctx, &fast, false)
	if len(msgs) != 0 {
		t.Error("override-retention message survived its window")
	}

	// Past the default window everything goes, send log included.
	h.setClock(1000 + 8*24*3600)
	if err := h.engine.cleanupOnce(ctx); err != nil {
		t.Fatal(err)
	}
	msgs, _ = h.store.ListMessages(ctx, nil, false)
	if len(msgs) != 0 {
		t.Errorf("%d messages survived the default retention window", len(msgs))
	}
	count, _ := h.store.CountSendLogSince(ctx, "A", 0)
	if count != 0 {
		t.Errorf("send log rows = %d after truncation", count)
	}
}

func TestPauseStopsDispatch(t *testing.T) {
	h := newHarness(t, "")
	mustUpsertAccount(t, h.store, &repository.Account{ID: "A", Host: "smtp.example.com", Port: 587})
	mustSubmit(t, h.engine, queued("M1", "A", 1000))

	h.engine.Pause()
	h.setClock(1001)
	if h.dispatch(t) {
		t.Fatal("paused engine processed messages")
	}
	h.engine.Resume()
	if !h.dispatch(t) {
		t.Fatal("resumed engine processed nothing")
	}
}

func TestStartStop(t *testing.T) {
	srv, _ := captureSink(t, http.StatusOK)
	h := newHarness(t, srv.URL)
	mustUpsertAccount(t, h.store, &repository.Account{ID: "A", Host: "smtp.example.com", Port: 587})

	h.engine.Start()
	if !h.engine.Running() {
		t.Fatal("engine not running after Start")
	}
	if err := h.engine.RunNow(nil); err != nil {
		t.Fatal(err)
	}
	h.engine.Stop()
	if h.engine.Running() {
		t.Fatal("engine still running after Stop")
	}
	if err := h.engine.RunNow(nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("run-now on stopped engine: err = %v", err)
	}
}
