package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an embedded Store implementation. A single mutex
// serializes writers, which satisfies the claim-atomicity contract
// without row locks. Used by tests and single-process deployments that
// do not need durability.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*Message
	accounts map[string]*Account
	tenants  map[string]*Tenant
	sendLog  []SendLogEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[uuid.UUID]*Message),
		accounts: make(map[string]*Account),
		tenants:  make(map[string]*Tenant),
	}
}

func scopeKey(tenantID *string, id string) string {
	if tenantID == nil {
		return "\x00" + id
	}
	return *tenantID + "\x00" + id
}

func (s *MemoryStore) findByScope(tenantID *string, id string) *Message {
	key := scopeKey(tenantID, id)
	for _, m := range s.messages {
		if scopeKey(m.TenantID, m.ID) == key {
			return m
		}
	}
	return nil
}

// InsertMessages validates and stores a batch, rejecting duplicates
// within each message's tenant scope.
func (s *MemoryStore) InsertMessages(ctx context.Context, batch []*Message) ([]string, []Rejection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var accepted []string
	var rejected []Rejection
	for _, m := range batch {
		if reason := validateForInsert(m); reason != "" {
			rejected = append(rejected, Rejection{ID: m.ID, Reason: reason})
			continue
		}
		if _, ok := s.accounts[m.AccountID]; !ok {
			rejected = append(rejected, Rejection{ID: m.ID, Reason: ReasonUnknownAccount})
			continue
		}
		if s.findByScope(m.TenantID, m.ID) != nil {
			rejected = append(rejected, Rejection{ID: m.ID, Reason: ReasonDuplicate})
			continue
		}
		clone := *m
		if clone.PK == uuid.Nil {
			clone.PK = uuid.New()
			m.PK = clone.PK
		}
		if clone.Priority < PriorityImmediate || clone.Priority > PriorityLow {
			clone.Priority = PriorityMedium
		}
		if clone.DeferredTS == 0 {
			clone.DeferredTS = clone.CreatedTS
		}
		s.messages[clone.PK] = &clone
		accepted = append(accepted, clone.ID)
	}
	return accepted, rejected, nil
}

// ClaimReady selects dispatchable messages under the store mutex and
// leases them forward, mirroring the Postgres adapter.
func (s *MemoryStore) ClaimReady(ctx context.Context, now int64, quotas map[string]int, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	var ready []*Message
	for _, m := range s.messages {
		if m.Terminal() || m.DeferredTS > now {
			continue
		}
		if quotas[m.AccountID] <= 0 {
			continue
		}
		if m.TenantID != nil {
			t, ok := s.tenants[*m.TenantID]
			if !ok || !t.Active || t.Suspended(m.BatchCode) {
				continue
			}
		}
		ready = append(ready, m)
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.DeferredTS != b.DeferredTS {
			return a.DeferredTS < b.DeferredTS
		}
		if a.CreatedTS != b.CreatedTS {
			return a.CreatedTS < b.CreatedTS
		}
		return a.ID < b.ID
	})

	remaining := make(map[string]int, len(quotas))
	for id, quota := range quotas {
		remaining[id] = quota
	}
	lease := now + int64(claimLease.Seconds())
	var claimed []*Message
	for _, m := range ready {
		if len(claimed) >= limit {
			break
		}
		if remaining[m.AccountID] <= 0 {
			continue
		}
		remaining[m.AccountID]--
		m.DeferredTS = lease
		clone := *m
		claimed = append(claimed, &clone)
	}
	return claimed, nil
}

func (s *MemoryStore) MarkSent(ctx context.Context, pk uuid.UUID, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[pk]
	if !ok || m.Terminal() {
		return nil
	}
	m.SentTS = &ts
	m.LastError = nil
	m.DeferredReason = nil
	return nil
}

func (s *MemoryStore) MarkError(ctx context.Context, pk uuid.UUID, ts int64, errText string, nextDeferred *int64, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[pk]
	if !ok || m.Terminal() {
		return nil
	}
	m.RetryCount = retryCount
	m.LastError = &errText
	if nextDeferred != nil {
		m.DeferredTS = *nextDeferred
		reason := "retry"
		m.DeferredReason = &reason
		return nil
	}
	m.ErrorTS = &ts
	return nil
}

func (s *MemoryStore) Defer(ctx context.Context, pk uuid.UUID, ts int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[pk]
	if !ok || m.Terminal() {
		return nil
	}
	m.DeferredTS = ts
	m.DeferredReason = &reason
	return nil
}

func (s *MemoryStore) ListTerminalUnreported(ctx context.Context, limit int, tenantID *string) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Message
	for _, m := range s.messages {
		if m.ReportedTS != nil {
			continue
		}
		if m.SentTS == nil && m.ErrorTS == nil && m.BounceTS == nil {
			continue
		}
		if tenantID != nil && (m.TenantID == nil || *m.TenantID != *tenantID) {
			continue
		}
		clone := *m
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return terminalTS(out[i]) < terminalTS(out[j])
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func terminalTS(m *Message) int64 {
	switch {
	case m.SentTS != nil:
		return *m.SentTS
	case m.ErrorTS != nil:
		return *m.ErrorTS
	case m.BounceTS != nil:
		return *m.BounceTS
	}
	return 0
}

func (s *MemoryStore) MarkReported(ctx context.Context, pks []uuid.UUID, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pk := range pks {
		if m, ok := s.messages[pk]; ok && m.ReportedTS == nil {
			stamp := ts
			m.ReportedTS = &stamp
		}
	}
	return nil
}

func (s *MemoryStore) DeleteReportedBefore(ctx context.Context, ts int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for pk, m := range s.messages {
		if m.ReportedTS != nil && *m.ReportedTS < ts {
			delete(s.messages, pk)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, tenantID *string, activeOnly bool) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Message
	for _, m := range s.messages {
		if tenantID != nil && (m.TenantID == nil || *m.TenantID != *tenantID) {
			continue
		}
		if activeOnly && m.Terminal() {
			continue
		}
		clone := *m
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.DeferredTS != b.DeferredTS {
			return a.DeferredTS < b.DeferredTS
		}
		return a.CreatedTS < b.CreatedTS
	})
	return out, nil
}

func (s *MemoryStore) DeleteMessages(ctx context.Context, tenantID *string, ids []string) (int, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	var notFound []string
	for _, id := range ids {
		found := false
		for pk, m := range s.messages {
			if m.ID == id && scopeKey(m.TenantID, m.ID) == scopeKey(tenantID, id) {
				delete(s.messages, pk)
				found = true
				break
			}
		}
		if found {
			removed++
		} else {
			notFound = append(notFound, id)
		}
	}
	return removed, notFound, nil
}

func (s *MemoryStore) CountPending(ctx context.Context, tenantID *string, batchCode *string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, m := range s.messages {
		if m.Terminal() {
			continue
		}
		if tenantID != nil && (m.TenantID == nil || *m.TenantID != *tenantID) {
			continue
		}
		if batchCode != nil && (m.BatchCode == nil || *m.BatchCode != *batchCode) {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) AppendSendLog(ctx context.Context, accountID string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendLog = append(s.sendLog, SendLogEntry{AccountID: accountID, TS: ts})
	return nil
}

func (s *MemoryStore) CountSendLogSince(ctx context.Context, accountID string, since int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, entry := range s.sendLog {
		if entry.AccountID == accountID && entry.TS > since {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) OldestSendLogSince(ctx context.Context, accountID string, since int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest int64
	found := false
	for _, entry := range s.sendLog {
		if entry.AccountID != accountID || entry.TS <= since {
			continue
		}
		if !found || entry.TS < oldest {
			oldest = entry.TS
			found = true
		}
	}
	return oldest, found, nil
}

func (s *MemoryStore) DeleteSendLogBefore(ctx context.Context, ts int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.sendLog[:0]
	var removed int64
	for _, entry := range s.sendLog {
		if entry.TS < ts {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	s.sendLog = kept
	return removed, nil
}

func (s *MemoryStore) UpsertAccount(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *a
	if clone.TLSMode == "" {
		clone.TLSMode = TLSNone
	}
	if clone.OverLimit == "" {
		clone.OverLimit = PolicyDefer
	}
	s.accounts[a.ID] = &clone
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (s *MemoryStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		clone := *a
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(s.accounts, id)
	return nil
}

func (s *MemoryStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *t
	if clone.AuthMethod == "" {
		clone.AuthMethod = "none"
	}
	if existing, ok := s.tenants[t.ID]; ok {
		clone.SuspendedBatches = existing.SuspendedBatches
	}
	s.tenants[t.ID] = &clone
	return nil
}

func (s *MemoryStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *t
	return &clone, nil
}

func (s *MemoryStore) ListTenants(ctx context.Context, activeOnly bool) ([]*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Tenant
	for _, t := range s.tenants {
		if activeOnly && !t.Active {
			continue
		}
		clone := *t
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteTenant(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[id]; !ok {
		return ErrNotFound
	}
	delete(s.tenants, id)
	return nil
}

func (s *MemoryStore) SetSuspendedBatches(ctx context.Context, tenantID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return ErrNotFound
	}
	t.SuspendedBatches = strings.TrimSpace(value)
	return nil
}
