// Package report pushes delivery reports to tenant sinks. Each completed
// message produces one entry; entries are batched per tenant and posted
// as a single JSON document.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/relaypost/relaypost/internal/config"
	"github.com/relaypost/relaypost/internal/metrics"
	"github.com/relaypost/relaypost/internal/repository"
)

// ErrNoSink is returned when neither the tenant nor the global
// configuration provides a report URL.
var ErrNoSink = errors.New("no report sink configured")

// Entry is one delivery report. Exactly one event subset is populated:
// sent, error, deferred or bounce.
type Entry struct {
	ID       string  `json:"id"`
	PK       string  `json:"pk"`
	TenantID *string `json:"tenant_id"`

	SentTS *int64 `json:"sent_ts,omitempty"`

	ErrorTS *int64  `json:"error_ts,omitempty"`
	Error   *string `json:"error,omitempty"`

	DeferredTS     *int64  `json:"deferred_ts,omitempty"`
	DeferredReason *string `json:"deferred_reason,omitempty"`

	BounceTS     *int64  `json:"bounce_ts,omitempty"`
	BounceType   *string `json:"bounce_type,omitempty"`
	BounceCode   *string `json:"bounce_code,omitempty"`
	BounceReason *string `json:"bounce_reason,omitempty"`
}

// document is the wire envelope around a report batch.
type document struct {
	DeliveryReport []Entry `json:"delivery_report"`
}

// FromMessage builds the report entry for a terminal message. Bounce
// information wins over the plain sent event when both are present.
func FromMessage(m *repository.Message) Entry {
	e := Entry{
		ID:       m.ID,
		PK:       m.PK.String(),
		TenantID: m.TenantID,
	}
	switch {
	case m.BounceTS != nil:
		e.BounceTS = m.BounceTS
		e.BounceType = m.BounceType
		e.BounceCode = m.BounceCode
		e.BounceReason = m.BounceReason
	case m.ErrorTS != nil:
		e.ErrorTS = m.ErrorTS
		e.Error = m.LastError
	case m.SentTS != nil:
		e.SentTS = m.SentTS
	default:
		e.DeferredTS = &m.DeferredTS
		e.DeferredReason = m.DeferredReason
	}
	return e
}

// Sink posts report batches over HTTP. Messages without a tenant fall
// back to the globally configured sink.
type Sink struct {
	client       *http.Client
	fallbackURL  string
	fallbackAuth repository.Auth
}

// NewSink builds a sink client from the global report configuration.
func NewSink(cfg config.ReportConfig) *Sink {
	auth := repository.Auth{Method: "none"}
	if cfg.BearerToken != "" {
		auth = repository.Auth{Method: "bearer", Token: cfg.BearerToken}
	} else if cfg.BasicUser != "" {
		auth = repository.Auth{Method: "basic", User: cfg.BasicUser, Password: cfg.BasicPass}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sink{
		client:       &http.Client{Timeout: timeout},
		fallbackURL:  cfg.SinkURL,
		fallbackAuth: auth,
	}
}

// Push posts one batch to the tenant's sink, or to the global sink when
// tenant is nil. Any 2xx response acknowledges the whole batch.
func (s *Sink) Push(ctx context.Context, tenant *repository.Tenant, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	url := s.fallbackURL
	auth := s.fallbackAuth
	if tenant != nil && tenant.SyncURL() != "" {
		url = tenant.SyncURL()
		auth = tenant.Auth()
	}
	if url == "" {
		return ErrNoSink
	}

	body, err := json.Marshal(document{DeliveryReport: entries})
	if err != nil {
		return fmt.Errorf("encode delivery report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch auth.Method {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.SetBasicAuth(auth.User, auth.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ReportsPosted.WithLabelValues("error").Inc()
		return fmt.Errorf("post delivery report: %w", err)
	}
	defer resp.Body.Close()
	// The response body may hold a summary; it is advisory only.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ReportsPosted.WithLabelValues("error").Inc()
		return fmt.Errorf("report sink %s returned %d", url, resp.StatusCode)
	}
	metrics.ReportsPosted.WithLabelValues("ok").Inc()
	metrics.ReportedMessages.Add(float64(len(entries)))
	return nil
}
