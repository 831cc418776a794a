package repository

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Priority classes for queued messages. Lower values dispatch first.
const (
	PriorityImmediate = 0
	PriorityHigh      = 1
	PriorityMedium    = 2
	PriorityLow       = 3
)

// PriorityLabels maps priority integers to their wire labels.
var PriorityLabels = map[int]string{
	PriorityImmediate: "immediate",
	PriorityHigh:      "high",
	PriorityMedium:    "medium",
	PriorityLow:       "low",
}

// SuspendAll is the sentinel stored in Tenant.SuspendedBatches when every
// batch of the tenant is suspended.
const SuspendAll = "*"

// TLS modes for SMTP accounts.
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "implicit"
)

// Over-limit policies for rate-limited accounts.
const (
	PolicyDefer  = "defer"
	PolicyReject = "reject"
)

// Auth describes outbound authentication for tenant endpoints or
// per-attachment overrides. Method is one of "none", "bearer", "basic".
type Auth struct {
	Method   string `json:"method"`
	Token    string `json:"token,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

// AttachmentRef describes one attachment of a queued message. StoragePath is
// interpreted according to FetchMode: a base64 literal, a filesystem path, an
// HTTP URL, or an opaque parameter posted to the tenant's attachment endpoint.
type AttachmentRef struct {
	Filename    string `json:"filename"`
	StoragePath string `json:"storage_path"`
	FetchMode   string `json:"fetch_mode,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
	ContentMD5  string `json:"content_md5,omitempty"`
	Auth        *Auth  `json:"auth,omitempty"`
}

// Payload is the body of a queued message, persisted as JSONB.
type Payload struct {
	From        string            `json:"from"`
	To          []string          `json:"to"`
	Cc          []string          `json:"cc,omitempty"`
	Bcc         []string          `json:"bcc,omitempty"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	ReturnPath  string            `json:"return_path,omitempty"`
	Attachments []AttachmentRef   `json:"attachments,omitempty"`
}

// Value implements driver.Valuer for JSONB storage.
func (p Payload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner for JSONB storage.
func (p *Payload) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	case nil:
		*p = Payload{}
		return nil
	default:
		return fmt.Errorf("unsupported payload source type %T", src)
	}
}

// Message is one element of the delivery queue.
type Message struct {
	PK             uuid.UUID `db:"pk"`
	ID             string    `db:"id"`
	TenantID       *string   `db:"tenant_id"`
	AccountID      string    `db:"account_id"`
	Priority       int       `db:"priority"`
	BatchCode      *string   `db:"batch_code"`
	Payload        Payload   `db:"payload"`
	DeferredTS     int64     `db:"deferred_ts"`
	DeferredReason *string   `db:"deferred_reason"`
	RetryCount     int       `db:"retry_count"`
	LastError      *string   `db:"last_error"`
	CreatedTS      int64     `db:"created_ts"`
	SentTS         *int64    `db:"sent_ts"`
	ErrorTS        *int64    `db:"error_ts"`
	BounceTS       *int64    `db:"bounce_ts"`
	BounceType     *string   `db:"bounce_type"`
	BounceCode     *string   `db:"bounce_code"`
	BounceReason   *string   `db:"bounce_reason"`
	ReportedTS     *int64    `db:"reported_ts"`
}

// Terminal reports whether the message has reached a terminal state.
func (m *Message) Terminal() bool {
	return m.SentTS != nil || m.ErrorTS != nil
}

// Account is an SMTP submission endpoint with credentials and rate limits.
// The password blob is encrypted by an external collaborator; the engine
// hands it to a credential decoder before connecting.
type Account struct {
	ID             string  `db:"id"`
	TenantID       *string `db:"tenant_id"`
	Host           string  `db:"host"`
	Port           int     `db:"port"`
	TLSMode        string  `db:"tls_mode"`
	Username       string  `db:"username"`
	Password       string  `db:"password"`
	LimitPerMinute *int    `db:"limit_per_minute"`
	LimitPerHour   *int    `db:"limit_per_hour"`
	LimitPerDay    *int    `db:"limit_per_day"`
	OverLimit      string  `db:"over_limit"`
	BatchSize      *int    `db:"batch_size"`
	SessionTTL     *int    `db:"session_ttl"`
}

// Unlimited reports whether the account has no configured rate limits.
func (a *Account) Unlimited() bool {
	return a.LimitPerMinute == nil && a.LimitPerHour == nil && a.LimitPerDay == nil
}

// Tenant is an isolation boundary and report routing target.
// SuspendedBatches holds a comma-separated list of suspended batch codes,
// the SuspendAll sentinel, or empty when the tenant is not suspended.
type Tenant struct {
	ID               string  `db:"id"`
	Name             string  `db:"name"`
	BaseURL          string  `db:"base_url"`
	SyncPath         string  `db:"sync_path"`
	AttachmentPath   string  `db:"attachment_path"`
	AuthMethod       string  `db:"auth_method"`
	AuthToken        string  `db:"auth_token"`
	AuthUser         string  `db:"auth_user"`
	AuthPassword     string  `db:"auth_password"`
	Active           bool    `db:"active"`
	SuspendedBatches string  `db:"suspended_batches"`
	RetentionSeconds *int64  `db:"retention_seconds"`
}

// SyncURL returns the tenant's delivery-report sink URL, or "" when the
// tenant has no sink configured.
func (t *Tenant) SyncURL() string {
	if t.BaseURL == "" || t.SyncPath == "" {
		return ""
	}
	return strings.TrimRight(t.BaseURL, "/") + "/" + strings.TrimLeft(t.SyncPath, "/")
}

// AttachmentURL returns the tenant's attachment endpoint URL, or "".
func (t *Tenant) AttachmentURL() string {
	if t.BaseURL == "" || t.AttachmentPath == "" {
		return ""
	}
	return strings.TrimRight(t.BaseURL, "/") + "/" + strings.TrimLeft(t.AttachmentPath, "/")
}

// Auth returns the tenant's outbound authentication descriptor.
func (t *Tenant) Auth() Auth {
	return Auth{
		Method:   t.AuthMethod,
		Token:    t.AuthToken,
		User:     t.AuthUser,
		Password: t.AuthPassword,
	}
}

// SuspendedSet parses SuspendedBatches into a set of batch codes. The
// SuspendAll sentinel is returned as the single element "*".
func (t *Tenant) SuspendedSet() map[string]bool {
	set := make(map[string]bool)
	for _, code := range strings.Split(t.SuspendedBatches, ",") {
		if code = strings.TrimSpace(code); code != "" {
			set[code] = true
		}
	}
	return set
}

// Suspended reports whether a message of the given batch is suspended.
// A nil batch is only suspended when the whole tenant is.
func (t *Tenant) Suspended(batchCode *string) bool {
	if t.SuspendedBatches == "" {
		return false
	}
	set := t.SuspendedSet()
	if set[SuspendAll] {
		return true
	}
	if batchCode == nil {
		return false
	}
	return set[*batchCode]
}

// SendLogEntry records one successful SMTP delivery.
type SendLogEntry struct {
	AccountID string `db:"account_id"`
	TS        int64  `db:"ts"`
}

// Rejection describes a message refused at submission time.
type Rejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}
