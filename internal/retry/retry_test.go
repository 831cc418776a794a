package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil is success", nil, Success},
		{"smtp 250", &smtp.SMTPError{Code: 250, Message: "ok"}, Success},
		{"smtp 421", &smtp.SMTPError{Code: 421, Message: "try later"}, Transient},
		{"smtp 450", &smtp.SMTPError{Code: 450, Message: "mailbox busy"}, Transient},
		{"smtp 452", &smtp.SMTPError{Code: 452, Message: "too many recipients"}, Transient},
		{"smtp 500", &smtp.SMTPError{Code: 500, Message: "syntax"}, Permanent},
		{"smtp 550", &smtp.SMTPError{Code: 550, Message: "no such user"}, Permanent},
		{"smtp 554", &smtp.SMTPError{Code: 554, Message: "rejected"}, Permanent},
		{"auth 535", &smtp.SMTPError{Code: 535, Message: "bad credentials"}, Permanent},
		{"wrapped smtp error", errors.Join(errors.New("send"), &smtp.SMTPError{Code: 550}), Permanent},
		{"net timeout", timeoutErr{}, Transient},
		{"dns failure", &net.DNSError{Err: "no such host", IsNotFound: true}, Transient},
		{"deadline", context.DeadlineExceeded, Transient},
		{"unknown error", errors.New("connection reset by peer"), Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.want {
				t.Errorf("Classify(%v).Kind = %v, want %v", tt.err, got.Kind, tt.want)
			}
			// A 2xx reply classifies as Success with no reason to carry.
			if tt.err != nil && got.Kind != Success && got.Reason == "" {
				t.Error("failure classified without a reason")
			}
		})
	}
}

func TestClassifyAuthFlagsAccount(t *testing.T) {
	got := Classify(&smtp.SMTPError{Code: 535, Message: "5.7.8 authentication failed"})
	if got.Kind != Permanent {
		t.Fatalf("kind = %v, want Permanent", got.Kind)
	}
	if !strings.Contains(got.Reason, "account needs attention") {
		t.Errorf("reason = %q, missing account flag", got.Reason)
	}
}

func TestScheduleWithinJitterBounds(t *testing.T) {
	delays := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 2 * time.Hour}
	s := NewSchedule(delays, 5)
	s.Seed(1)

	now := int64(10_000)
	for count, base := range []int64{60, 300, 900, 3600, 7200} {
		next, ok := s.Next(count, now)
		if !ok {
			t.Fatalf("retry %d refused within budget", count)
		}
		delay := next - now
		lo, hi := base*8/10, base*12/10
		if delay < lo || delay > hi {
			t.Errorf("retry %d: delay %d outside [%d, %d]", count, delay, lo, hi)
		}
	}
}

func TestScheduleBudgetExhausted(t *testing.T) {
	s := NewSchedule([]time.Duration{time.Minute}, 5)
	if _, ok := s.Next(5, 0); ok {
		t.Error("retry allowed past the budget")
	}
	if _, ok := s.Next(99, 0); ok {
		t.Error("retry allowed far past the budget")
	}
}

func TestScheduleReusesLastDelay(t *testing.T) {
	s := NewSchedule([]time.Duration{time.Minute, time.Hour}, 10)
	s.Seed(7)
	next, ok := s.Next(9, 0)
	if !ok {
		t.Fatal("retry 9 refused with budget 10")
	}
	if next < 3600*8/10 || next > 3600*12/10 {
		t.Errorf("delay %d not drawn from the last configured step", next)
	}
}
