package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const messageColumns = `
	pk, id, tenant_id, account_id, priority, batch_code, payload,
	deferred_ts, deferred_reason, retry_count, last_error, created_ts,
	sent_ts, error_ts, bounce_ts, bounce_type, bounce_code, bounce_reason,
	reported_ts`

// InsertMessages validates and persists a submission batch. Duplicate
// detection and insertion run inside one transaction so a concurrent
// submit of the same id cannot slip both rows in.
func (s *PostgresStore) InsertMessages(ctx context.Context, batch []*Message) ([]string, []Rejection, error) {
	var accepted []string
	var rejected []Rejection

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, m := range batch {
			if reason := validateForInsert(m); reason != "" {
				rejected = append(rejected, Rejection{ID: m.ID, Reason: reason})
				continue
			}
			var exists bool
			err := tx.GetContext(ctx, &exists,
				`SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, m.AccountID)
			if err != nil {
				return wrapDBErr("check account", err)
			}
			if !exists {
				rejected = append(rejected, Rejection{ID: m.ID, Reason: ReasonUnknownAccount})
				continue
			}
			if m.PK == uuid.Nil {
				m.PK = uuid.New()
			}
			if m.Priority < PriorityImmediate || m.Priority > PriorityLow {
				m.Priority = PriorityMedium
			}
			if m.DeferredTS == 0 {
				m.DeferredTS = m.CreatedTS
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO messages (
					pk, id, tenant_id, account_id, priority, batch_code,
					payload, deferred_ts, retry_count, created_ts
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)
				ON CONFLICT (id, COALESCE(tenant_id, '')) DO NOTHING`,
				m.PK, m.ID, m.TenantID, m.AccountID, m.Priority, m.BatchCode,
				m.Payload, m.DeferredTS, m.CreatedTS)
			if err != nil {
				return wrapDBErr("insert message", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				rejected = append(rejected, Rejection{ID: m.ID, Reason: ReasonDuplicate})
				continue
			}
			accepted = append(accepted, m.ID)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return accepted, rejected, nil
}

// ClaimReady selects dispatchable messages under row locks and bumps their
// deferred_ts by the claim lease so no other claimer sees them before an
// outcome lands. The bump keeps deferred_ts monotonic: a claimed row always
// had deferred_ts <= now.
func (s *PostgresStore) ClaimReady(ctx context.Context, now int64, quotas map[string]int, limit int) ([]*Message, error) {
	if limit <= 0 || len(quotas) == 0 {
		return nil, nil
	}
	accountIDs := make([]string, 0, len(quotas))
	for id, quota := range quotas {
		if quota > 0 {
			accountIDs = append(accountIDs, id)
		}
	}
	if len(accountIDs) == 0 {
		return nil, nil
	}

	var claimed []*Message
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(`
			SELECT `+qualify("m", messageColumns)+`
			FROM messages m
			LEFT JOIN tenants t ON m.tenant_id = t.id
			WHERE m.sent_ts IS NULL
			  AND m.error_ts IS NULL
			  AND m.deferred_ts <= ?
			  AND m.account_id IN (?)
			  AND (m.tenant_id IS NULL OR (
				t.active
				AND (
					COALESCE(t.suspended_batches, '') = ''
					OR (
						t.suspended_batches != '*'
						AND (
							m.batch_code IS NULL
							OR POSITION(',' || m.batch_code || ',' IN ',' || t.suspended_batches || ',') = 0
						)
					)
				)
			  ))
			ORDER BY m.priority ASC, m.deferred_ts ASC, m.created_ts ASC
			LIMIT ?
			FOR UPDATE OF m SKIP LOCKED`,
			now, accountIDs, limit)
		if err != nil {
			return fmt.Errorf("build claim query: %w", err)
		}
		query = tx.Rebind(query)

		var candidates []*Message
		if err := sqlx.SelectContext(ctx, tx, &candidates, query, args...); err != nil {
			return wrapDBErr("claim ready", err)
		}

		remaining := make(map[string]int, len(quotas))
		for id, quota := range quotas {
			remaining[id] = quota
		}
		var pks []uuid.UUID
		for _, m := range candidates {
			if remaining[m.AccountID] <= 0 {
				continue
			}
			remaining[m.AccountID]--
			claimed = append(claimed, m)
			pks = append(pks, m.PK)
		}
		if len(pks) == 0 {
			return nil
		}

		lease := now + int64(claimLease.Seconds())
		query, args, err = sqlx.In(
			`UPDATE messages SET deferred_ts = ? WHERE pk IN (?)`, lease, pks)
		if err != nil {
			return fmt.Errorf("build lease query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return wrapDBErr("lease claimed rows", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkSent records a successful delivery. Re-applying for an already
// terminal message leaves the original timestamps untouched.
func (s *PostgresStore) MarkSent(ctx context.Context, pk uuid.UUID, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET sent_ts = $2, last_error = NULL, deferred_reason = NULL
		WHERE pk = $1 AND sent_ts IS NULL AND error_ts IS NULL`,
		pk, ts)
	return wrapDBErr("mark sent", err)
}

// MarkError records a failure, either rescheduling the message or making
// the error terminal when nextDeferred is nil.
func (s *PostgresStore) MarkError(ctx context.Context, pk uuid.UUID, ts int64, errText string, nextDeferred *int64, retryCount int) error {
	var err error
	if nextDeferred != nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE messages
			SET deferred_ts = $2,
			    deferred_reason = 'retry',
			    retry_count = $3,
			    last_error = $4
			WHERE pk = $1 AND sent_ts IS NULL AND error_ts IS NULL`,
			pk, *nextDeferred, retryCount, errText)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE messages
			SET error_ts = $2, retry_count = $3, last_error = $4
			WHERE pk = $1 AND sent_ts IS NULL AND error_ts IS NULL`,
			pk, ts, retryCount, errText)
	}
	return wrapDBErr("mark error", err)
}

// Defer reschedules a pending message without consuming a retry. The
// write replaces the claim lease set by ClaimReady; callers only pass
// instants later than the claim.
func (s *PostgresStore) Defer(ctx context.Context, pk uuid.UUID, ts int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET deferred_ts = $2, deferred_reason = $3
		WHERE pk = $1 AND sent_ts IS NULL AND error_ts IS NULL`,
		pk, ts, reason)
	return wrapDBErr("defer message", err)
}

// ListTerminalUnreported returns terminal messages awaiting acknowledgement.
func (s *PostgresStore) ListTerminalUnreported(ctx context.Context, limit int, tenantID *string) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE reported_ts IS NULL
		  AND (sent_ts IS NOT NULL OR error_ts IS NOT NULL OR bounce_ts IS NOT NULL)`
	args := []any{}
	if tenantID != nil {
		query += ` AND tenant_id = $1`
		args = append(args, *tenantID)
	}
	query += fmt.Sprintf(` ORDER BY COALESCE(sent_ts, error_ts, bounce_ts) ASC LIMIT %d`, limit)

	var messages []*Message
	if err := s.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, wrapDBErr("list unreported", err)
	}
	return messages, nil
}

// MarkReported stamps reported_ts; replays for already reported rows are
// no-ops.
func (s *PostgresStore) MarkReported(ctx context.Context, pks []uuid.UUID, ts int64) error {
	if len(pks) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE messages SET reported_ts = ? WHERE pk IN (?) AND reported_ts IS NULL`,
		ts, pks)
	if err != nil {
		return fmt.Errorf("build report query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return wrapDBErr("mark reported", err)
}

// DeleteReportedBefore purges acknowledged messages past retention.
func (s *PostgresStore) DeleteReportedBefore(ctx context.Context, ts int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE reported_ts IS NOT NULL AND reported_ts < $1`, ts)
	if err != nil {
		return 0, wrapDBErr("delete reported", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListMessages returns queue contents, optionally restricted to a tenant
// and to messages not yet in a terminal state.
func (s *PostgresStore) ListMessages(ctx context.Context, tenantID *string, activeOnly bool) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE 1=1`
	args := []any{}
	idx := 1
	if tenantID != nil {
		query += fmt.Sprintf(` AND tenant_id = $%d`, idx)
		args = append(args, *tenantID)
		idx++
	}
	if activeOnly {
		query += ` AND sent_ts IS NULL AND error_ts IS NULL`
	}
	query += ` ORDER BY priority ASC, deferred_ts ASC, created_ts ASC`

	var messages []*Message
	if err := s.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, wrapDBErr("list messages", err)
	}
	return messages, nil
}

// DeleteMessages removes messages by client id within a tenant scope.
func (s *PostgresStore) DeleteMessages(ctx context.Context, tenantID *string, ids []string) (int, []string, error) {
	removed := 0
	var notFound []string
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range ids {
			var res sql.Result
			var err error
			if tenantID != nil {
				res, err = tx.ExecContext(ctx,
					`DELETE FROM messages WHERE id = $1 AND tenant_id = $2`, id, *tenantID)
			} else {
				res, err = tx.ExecContext(ctx,
					`DELETE FROM messages WHERE id = $1 AND tenant_id IS NULL`, id)
			}
			if err != nil {
				return wrapDBErr("delete message", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				notFound = append(notFound, id)
			} else {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return removed, notFound, nil
}

// CountPending counts non-terminal messages for a tenant, optionally
// restricted to one batch code.
func (s *PostgresStore) CountPending(ctx context.Context, tenantID *string, batchCode *string) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE sent_ts IS NULL AND error_ts IS NULL`
	args := []any{}
	idx := 1
	if tenantID != nil {
		query += fmt.Sprintf(` AND tenant_id = $%d`, idx)
		args = append(args, *tenantID)
		idx++
	}
	if batchCode != nil {
		query += fmt.Sprintf(` AND batch_code = $%d`, idx)
		args = append(args, *batchCode)
	}
	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, wrapDBErr("count pending", err)
	}
	return count, nil
}

// AppendSendLog records one successful delivery for the rate limiter.
func (s *PostgresStore) AppendSendLog(ctx context.Context, accountID string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO send_log (account_id, ts) VALUES ($1, $2)`, accountID, ts)
	return wrapDBErr("append send log", err)
}

// CountSendLogSince counts deliveries for an account in (since, now].
func (s *PostgresStore) CountSendLogSince(ctx context.Context, accountID string, since int64) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM send_log WHERE account_id = $1 AND ts > $2`,
		accountID, since)
	if err != nil {
		return 0, wrapDBErr("count send log", err)
	}
	return count, nil
}

// OldestSendLogSince returns the earliest delivery after the cutoff.
func (s *PostgresStore) OldestSendLogSince(ctx context.Context, accountID string, since int64) (int64, bool, error) {
	var ts sql.NullInt64
	err := s.db.GetContext(ctx, &ts,
		`SELECT MIN(ts) FROM send_log WHERE account_id = $1 AND ts > $2`,
		accountID, since)
	if err != nil {
		return 0, false, wrapDBErr("oldest send log", err)
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

// DeleteSendLogBefore truncates send-log history past the widest window.
func (s *PostgresStore) DeleteSendLogBefore(ctx context.Context, ts int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM send_log WHERE ts < $1`, ts)
	if err != nil {
		return 0, wrapDBErr("delete send log", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// qualify prefixes each column in a comma-separated list with an alias.
func qualify(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
