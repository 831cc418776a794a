// Package retry classifies SMTP delivery outcomes and computes the
// jittered backoff schedule for transient failures.
package retry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
)

// Kind is the delivery outcome class.
type Kind int

const (
	Success Kind = iota
	Transient
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the classified result of one send attempt.
type Outcome struct {
	Kind   Kind
	Reason string
}

// Classify maps a send error to an outcome. A nil error is Success.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Success}
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return classifyCode(smtpErr.Code, err.Error())
	}

	// TLS negotiation and certificate problems do not heal on retry.
	var (
		recordErr  tls.RecordHeaderError
		certErr    x509.CertificateInvalidError
		unknownErr x509.UnknownAuthorityError
		hostErr    x509.HostnameError
	)
	if errors.As(err, &recordErr) || errors.As(err, &certErr) ||
		errors.As(err, &unknownErr) || errors.As(err, &hostErr) {
		return Outcome{Kind: Permanent, Reason: "tls: " + err.Error()}
	}

	// Connect, IO and timeout errors are retried.
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return Outcome{Kind: Transient, Reason: err.Error()}
	}

	// Unrecognized transport errors are treated as transient so a flaky
	// session cannot terminally fail a message on its own.
	return Outcome{Kind: Transient, Reason: err.Error()}
}

// classifyCode maps an SMTP reply code: 4xx retries, 5xx is terminal.
// 535 is terminal and flags the account credentials in the reason text.
func classifyCode(code int, text string) Outcome {
	switch {
	case code >= 200 && code < 300:
		return Outcome{Kind: Success}
	case code >= 400 && code < 500:
		return Outcome{Kind: Transient, Reason: text}
	case code == 535:
		return Outcome{Kind: Permanent, Reason: "authentication failed, account needs attention: " + text}
	case code >= 500 && code < 600:
		return Outcome{Kind: Permanent, Reason: text}
	default:
		return Outcome{Kind: Transient, Reason: text}
	}
}

// MaxRetriesReason is recorded when a transient failure exhausts the
// retry budget.
const MaxRetriesReason = "max retries exceeded"

// Schedule computes deferred timestamps for transient retries. Delays are
// indexed by retry count; counts past the end reuse the last delay. Jitter
// spreads retries by ±20% around each delay.
type Schedule struct {
	delays     []time.Duration
	maxRetries int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSchedule builds a schedule from the configured delay sequence.
func NewSchedule(delays []time.Duration, maxRetries int) *Schedule {
	return &Schedule{
		delays:     delays,
		maxRetries: maxRetries,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed fixes the jitter source. Tests use it for reproducible output.
func (s *Schedule) Seed(seed int64) {
	s.mu.Lock()
	s.rng = rand.New(rand.NewSource(seed))
	s.mu.Unlock()
}

// MaxRetries returns the retry budget.
func (s *Schedule) MaxRetries() int { return s.maxRetries }

// Next returns the next deferred timestamp for a message that has already
// failed retryCount times. It returns ok=false when the budget is spent.
func (s *Schedule) Next(retryCount int, now int64) (next int64, ok bool) {
	if retryCount >= s.maxRetries || len(s.delays) == 0 {
		return 0, false
	}
	idx := retryCount
	if idx >= len(s.delays) {
		idx = len(s.delays) - 1
	}
	base := s.delays[idx].Seconds()

	s.mu.Lock()
	factor := 0.8 + 0.4*s.rng.Float64()
	s.mu.Unlock()

	delay := int64(base * factor)
	if delay < 1 {
		delay = 1
	}
	return now + delay, true
}
