package api

import (
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relaypost/relaypost/internal/repository"
)

// StringList accepts either a JSON array of strings or a single
// comma-separated string on the wire.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	var out []string
	for _, part := range strings.Split(joined, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*l = out
	return nil
}

// AuthPayload is an outbound authentication override on the wire.
type AuthPayload struct {
	Method   string `json:"method" validate:"required,oneof=none bearer basic"`
	Token    string `json:"token,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

// AttachmentPayload is one attachment descriptor on the wire.
type AttachmentPayload struct {
	Filename    string       `json:"filename" validate:"required"`
	StoragePath string       `json:"storage_path" validate:"required"`
	FetchMode   string       `json:"fetch_mode,omitempty" validate:"omitempty,oneof=base64 filesystem http_url endpoint"`
	MIMEType    string       `json:"mime_type,omitempty"`
	ContentMD5  string       `json:"content_md5,omitempty"`
	Auth        *AuthPayload `json:"auth,omitempty" validate:"omitempty"`
}

// MessagePayload is one message in a submission request.
type MessagePayload struct {
	ID          string              `json:"id" validate:"required"`
	AccountID   string              `json:"account_id" validate:"required"`
	From        string              `json:"from" validate:"required"`
	To          StringList          `json:"to" validate:"required,min=1"`
	Cc          StringList          `json:"cc,omitempty"`
	Bcc         StringList          `json:"bcc,omitempty"`
	Subject     string              `json:"subject" validate:"required"`
	Body        string              `json:"body" validate:"required"`
	ContentType string              `json:"content_type,omitempty" validate:"omitempty,oneof=plain html"`
	Headers     map[string]string   `json:"headers,omitempty"`
	ReplyTo     string              `json:"reply_to,omitempty"`
	ReturnPath  string              `json:"return_path,omitempty"`
	Priority    *int                `json:"priority,omitempty" validate:"omitempty,min=0,max=3"`
	DeferredTS  *int64              `json:"deferred_ts,omitempty"`
	BatchCode   *string             `json:"batch_code,omitempty"`
	Attachments []AttachmentPayload `json:"attachments,omitempty" validate:"omitempty,dive"`
}

// SubmitRequest is the body of POST /messages.
type SubmitRequest struct {
	TenantID        *string          `json:"tenant_id,omitempty"`
	DefaultPriority *int             `json:"default_priority,omitempty" validate:"omitempty,min=0,max=3"`
	Messages        []MessagePayload `json:"messages" validate:"required,min=1,dive"`
}

// SubmitResponse summarizes a submission.
type SubmitResponse struct {
	Queued   int                    `json:"queued"`
	Rejected []repository.Rejection `json:"rejected"`
}

// toMessage converts a wire payload into a queue row. Priority falls back
// to the request default and then to medium.
func (p *MessagePayload) toMessage(tenantID *string, defaultPriority *int) *repository.Message {
	priority := repository.PriorityMedium
	if defaultPriority != nil {
		priority = *defaultPriority
	}
	if p.Priority != nil {
		priority = *p.Priority
	}

	var deferred int64
	if p.DeferredTS != nil {
		deferred = *p.DeferredTS
	}

	payload := repository.Payload{
		From:        p.From,
		To:          p.To,
		Cc:          p.Cc,
		Bcc:         p.Bcc,
		Subject:     p.Subject,
		Body:        p.Body,
		ContentType: p.ContentType,
		Headers:     p.Headers,
		ReplyTo:     p.ReplyTo,
		ReturnPath:  p.ReturnPath,
	}
	for _, a := range p.Attachments {
		ref := repository.AttachmentRef{
			Filename:    a.Filename,
			StoragePath: a.StoragePath,
			FetchMode:   a.FetchMode,
			MIMEType:    a.MIMEType,
			ContentMD5:  a.ContentMD5,
		}
		if a.Auth != nil {
			ref.Auth = &repository.Auth{
				Method:   a.Auth.Method,
				Token:    a.Auth.Token,
				User:     a.Auth.User,
				Password: a.Auth.Password,
			}
		}
		payload.Attachments = append(payload.Attachments, ref)
	}

	return &repository.Message{
		PK:         uuid.New(),
		ID:         p.ID,
		TenantID:   tenantID,
		AccountID:  p.AccountID,
		Priority:   priority,
		BatchCode:  p.BatchCode,
		Payload:    payload,
		DeferredTS: deferred,
	}
}

// MessageResponse is a queue row as returned by GET /messages.
type MessageResponse struct {
	PK             uuid.UUID `json:"pk"`
	ID             string    `json:"id"`
	TenantID       *string   `json:"tenant_id,omitempty"`
	AccountID      string    `json:"account_id"`
	Priority       int       `json:"priority"`
	PriorityLabel  string    `json:"priority_label"`
	BatchCode      *string   `json:"batch_code,omitempty"`
	From           string    `json:"from"`
	To             []string  `json:"to"`
	Subject        string    `json:"subject"`
	DeferredTS     int64     `json:"deferred_ts"`
	DeferredReason *string   `json:"deferred_reason,omitempty"`
	RetryCount     int       `json:"retry_count"`
	LastError      *string   `json:"last_error,omitempty"`
	CreatedTS      int64     `json:"created_ts"`
	SentTS         *int64    `json:"sent_ts,omitempty"`
	ErrorTS        *int64    `json:"error_ts,omitempty"`
	BounceTS       *int64    `json:"bounce_ts,omitempty"`
	ReportedTS     *int64    `json:"reported_ts,omitempty"`
}

// ToMessageResponse converts a queue row to its response DTO.
func ToMessageResponse(m *repository.Message) MessageResponse {
	return MessageResponse{
		PK:             m.PK,
		ID:             m.ID,
		TenantID:       m.TenantID,
		AccountID:      m.AccountID,
		Priority:       m.Priority,
		PriorityLabel:  repository.PriorityLabels[m.Priority],
		BatchCode:      m.BatchCode,
		From:           m.Payload.From,
		To:             m.Payload.To,
		Subject:        m.Payload.Subject,
		DeferredTS:     m.DeferredTS,
		DeferredReason: m.DeferredReason,
		RetryCount:     m.RetryCount,
		LastError:      m.LastError,
		CreatedTS:      m.CreatedTS,
		SentTS:         m.SentTS,
		ErrorTS:        m.ErrorTS,
		BounceTS:       m.BounceTS,
		ReportedTS:     m.ReportedTS,
	}
}

// DeleteMessagesRequest is the body of DELETE /messages.
type DeleteMessagesRequest struct {
	TenantID *string  `json:"tenant_id,omitempty"`
	IDs      []string `json:"ids" validate:"required,min=1"`
}

// DeleteMessagesResponse summarizes a deletion.
type DeleteMessagesResponse struct {
	Removed  int      `json:"removed"`
	NotFound []string `json:"not_found"`
}

// AccountRequest is the body of PUT /accounts/{id}.
type AccountRequest struct {
	TenantID       *string `json:"tenant_id,omitempty"`
	Host           string  `json:"host" validate:"required"`
	Port           int     `json:"port" validate:"required,min=1,max=65535"`
	TLSMode        string  `json:"tls_mode,omitempty" validate:"omitempty,oneof=none starttls implicit"`
	Username       string  `json:"username,omitempty"`
	Password       string  `json:"password,omitempty"`
	LimitPerMinute *int    `json:"limit_per_minute,omitempty" validate:"omitempty,min=1"`
	LimitPerHour   *int    `json:"limit_per_hour,omitempty" validate:"omitempty,min=1"`
	LimitPerDay    *int    `json:"limit_per_day,omitempty" validate:"omitempty,min=1"`
	OverLimit      string  `json:"over_limit,omitempty" validate:"omitempty,oneof=defer reject"`
	BatchSize      *int    `json:"batch_size,omitempty" validate:"omitempty,min=1"`
	SessionTTL     *int    `json:"session_ttl,omitempty" validate:"omitempty,min=1"`
}

// AccountResponse is an account row with credentials withheld.
type AccountResponse struct {
	ID             string  `json:"id"`
	TenantID       *string `json:"tenant_id,omitempty"`
	Host           string  `json:"host"`
	Port           int     `json:"port"`
	TLSMode        string  `json:"tls_mode"`
	Username       string  `json:"username,omitempty"`
	LimitPerMinute *int    `json:"limit_per_minute,omitempty"`
	LimitPerHour   *int    `json:"limit_per_hour,omitempty"`
	LimitPerDay    *int    `json:"limit_per_day,omitempty"`
	OverLimit      string  `json:"over_limit"`
	BatchSize      *int    `json:"batch_size,omitempty"`
	SessionTTL     *int    `json:"session_ttl,omitempty"`
}

// ToAccountResponse converts an account row to its response DTO.
func ToAccountResponse(a *repository.Account) AccountResponse {
	return AccountResponse{
		ID:             a.ID,
		TenantID:       a.TenantID,
		Host:           a.Host,
		Port:           a.Port,
		TLSMode:        a.TLSMode,
		Username:       a.Username,
		LimitPerMinute: a.LimitPerMinute,
		LimitPerHour:   a.LimitPerHour,
		LimitPerDay:    a.LimitPerDay,
		OverLimit:      a.OverLimit,
		BatchSize:      a.BatchSize,
		SessionTTL:     a.SessionTTL,
	}
}

// TenantRequest is the body of PUT /tenants/{id}.
type TenantRequest struct {
	Name             string `json:"name" validate:"required"`
	BaseURL          string `json:"base_url,omitempty" validate:"omitempty,url"`
	SyncPath         string `json:"sync_path,omitempty"`
	AttachmentPath   string `json:"attachment_path,omitempty"`
	AuthMethod       string `json:"auth_method,omitempty" validate:"omitempty,oneof=none bearer basic"`
	AuthToken        string `json:"auth_token,omitempty"`
	AuthUser         string `json:"auth_user,omitempty"`
	AuthPassword     string `json:"auth_password,omitempty"`
	Active           *bool  `json:"active,omitempty"`
	RetentionSeconds *int64 `json:"retention_seconds,omitempty" validate:"omitempty,min=1"`
}

// TenantResponse is a tenant row with sink credentials withheld.
type TenantResponse struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	BaseURL          string   `json:"base_url,omitempty"`
	SyncPath         string   `json:"sync_path,omitempty"`
	AttachmentPath   string   `json:"attachment_path,omitempty"`
	AuthMethod       string   `json:"auth_method,omitempty"`
	Active           bool     `json:"active"`
	SuspendedBatches []string `json:"suspended_batches"`
	RetentionSeconds *int64   `json:"retention_seconds,omitempty"`
}

// ToTenantResponse converts a tenant row to its response DTO.
func ToTenantResponse(t *repository.Tenant) TenantResponse {
	return TenantResponse{
		ID:               t.ID,
		Name:             t.Name,
		BaseURL:          t.BaseURL,
		SyncPath:         t.SyncPath,
		AttachmentPath:   t.AttachmentPath,
		AuthMethod:       t.AuthMethod,
		Active:           t.Active,
		SuspendedBatches: suspendedList(t),
		RetentionSeconds: t.RetentionSeconds,
	}
}

func suspendedList(t *repository.Tenant) []string {
	set := t.SuspendedSet()
	out := make([]string, 0, len(set))
	for code := range set {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// SuspendRequest is the body of the suspend and activate commands. A nil
// batch applies the command to the whole tenant.
type SuspendRequest struct {
	TenantID string  `json:"tenant_id" validate:"required"`
	Batch    *string `json:"batch,omitempty"`
}

// SuspensionSnapshot reports the suspension state after a command.
type SuspensionSnapshot struct {
	TenantID         string   `json:"tenant_id"`
	SuspendedBatches []string `json:"suspended_batches"`
	PendingMessages  int      `json:"pending_messages"`
}

// RunNowRequest is the body of the run-now command.
type RunNowRequest struct {
	TenantID *string `json:"tenant_id,omitempty"`
}

// EngineStatus reports the scheduler state.
type EngineStatus struct {
	Running bool `json:"running"`
	Active  bool `json:"active"`
	Pending int  `json:"pending_messages"`
}
