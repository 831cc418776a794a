// Package repository provides durable persistence for queued messages,
// SMTP accounts, tenants and the send log. Two implementations exist: a
// PostgreSQL adapter used in production and an in-memory adapter with a
// serialized writer used by tests and embedded deployments.
package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on constraint violations and invalid
	// state transitions.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable is returned when the backing store cannot be
	// reached. Loop callers sleep and retry on the next tick.
	ErrUnavailable = errors.New("storage unavailable")
)

// Rejection reasons produced by InsertMessages.
const (
	ReasonDuplicate      = "duplicate"
	ReasonMissingID      = "missing id"
	ReasonMissingFrom    = "missing from"
	ReasonMissingTo      = "missing to"
	ReasonMissingSubject = "missing subject"
	ReasonMissingBody    = "missing body"
	ReasonUnknownAccount = "account not found"
)

// Store is the storage adapter consumed by the engine. All mutating
// operations are idempotent with respect to repeated application for the
// same (message, target state).
type Store interface {
	// InsertMessages validates and persists a batch. Messages with an id
	// already present in their tenant scope are rejected as duplicates;
	// missing payload fields or an unknown account reject the message
	// with the matching reason. Priority defaults to medium and
	// deferred_ts to the submission instant when absent.
	InsertMessages(ctx context.Context, batch []*Message) (accepted []string, rejected []Rejection, err error)

	// ClaimReady atomically selects up to limit non-terminal messages with
	// deferred_ts <= now whose account has positive quota and whose tenant
	// or batch is not suspended, ordered by (priority, deferred_ts,
	// created_ts). Claimed rows are shielded from concurrent claimers
	// until their outcome is written.
	ClaimReady(ctx context.Context, now int64, quotas map[string]int, limit int) ([]*Message, error)

	// MarkSent records a successful delivery. A message already in a
	// terminal state keeps its original timestamps.
	MarkSent(ctx context.Context, pk uuid.UUID, ts int64) error

	// MarkError records a failure. With nextDeferred set the message
	// returns to pending at that instant with the given retry count;
	// with nextDeferred nil the error is terminal.
	MarkError(ctx context.Context, pk uuid.UUID, ts int64, errText string, nextDeferred *int64, retryCount int) error

	// Defer reschedules a non-terminal message without counting a retry,
	// recording why (e.g. "rate_limited"). The write replaces the claim
	// lease; callers only pass instants later than the claim, keeping the
	// visible schedule monotonic.
	Defer(ctx context.Context, pk uuid.UUID, ts int64, reason string) error

	// ListTerminalUnreported returns terminal messages whose state has not
	// been acknowledged by a report sink, oldest first.
	ListTerminalUnreported(ctx context.Context, limit int, tenantID *string) ([]*Message, error)

	// MarkReported stamps reported_ts on the given messages. Replays are
	// no-ops.
	MarkReported(ctx context.Context, pks []uuid.UUID, ts int64) error

	// DeleteReportedBefore purges messages reported before the cutoff.
	DeleteReportedBefore(ctx context.Context, ts int64) (int64, error)

	ListMessages(ctx context.Context, tenantID *string, activeOnly bool) ([]*Message, error)
	DeleteMessages(ctx context.Context, tenantID *string, ids []string) (removed int, notFound []string, err error)
	CountPending(ctx context.Context, tenantID *string, batchCode *string) (int, error)

	// AppendSendLog records a successful delivery for rate limiting. The
	// send log is the sole source of truth for the limiter.
	AppendSendLog(ctx context.Context, accountID string, ts int64) error
	CountSendLogSince(ctx context.Context, accountID string, since int64) (int, error)
	// OldestSendLogSince returns the earliest delivery timestamp in
	// (since, now] for the account; ok is false when the window is empty.
	OldestSendLogSince(ctx context.Context, accountID string, since int64) (ts int64, ok bool, err error)
	DeleteSendLogBefore(ctx context.Context, ts int64) (int64, error)

	UpsertAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	DeleteAccount(ctx context.Context, id string) error

	UpsertTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListTenants(ctx context.Context, activeOnly bool) ([]*Tenant, error)
	DeleteTenant(ctx context.Context, id string) error

	// SetSuspendedBatches replaces the tenant's suspension value ("" for
	// none, the SuspendAll sentinel, or a comma-separated code list).
	SetSuspendedBatches(ctx context.Context, tenantID, value string) error
}

// validateForInsert applies the submission-time payload checks shared by
// both store implementations. Account existence is checked separately.
func validateForInsert(m *Message) string {
	switch {
	case m.ID == "":
		return ReasonMissingID
	case m.Payload.From == "":
		return ReasonMissingFrom
	case len(m.Payload.To) == 0:
		return ReasonMissingTo
	case m.Payload.Subject == "":
		return ReasonMissingSubject
	case m.Payload.Body == "":
		return ReasonMissingBody
	}
	return ""
}
