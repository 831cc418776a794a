package repository

import (
	"context"
	"database/sql"
	"errors"
)

const accountColumns = `
	id, tenant_id, host, port, tls_mode, username, password,
	limit_per_minute, limit_per_hour, limit_per_day, over_limit,
	batch_size, session_ttl`

// UpsertAccount inserts or replaces an SMTP account row.
func (s *PostgresStore) UpsertAccount(ctx context.Context, a *Account) error {
	if a.TLSMode == "" {
		a.TLSMode = TLSNone
	}
	if a.OverLimit == "" {
		a.OverLimit = PolicyDefer
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, tenant_id, host, port, tls_mode, username, password,
			limit_per_minute, limit_per_hour, limit_per_day, over_limit,
			batch_size, session_ttl
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			host = excluded.host,
			port = excluded.port,
			tls_mode = excluded.tls_mode,
			username = excluded.username,
			password = excluded.password,
			limit_per_minute = excluded.limit_per_minute,
			limit_per_hour = excluded.limit_per_hour,
			limit_per_day = excluded.limit_per_day,
			over_limit = excluded.over_limit,
			batch_size = excluded.batch_size,
			session_ttl = excluded.session_ttl`,
		a.ID, a.TenantID, a.Host, a.Port, a.TLSMode, a.Username, a.Password,
		a.LimitPerMinute, a.LimitPerHour, a.LimitPerDay, a.OverLimit,
		a.BatchSize, a.SessionTTL)
	return wrapDBErr("upsert account", err)
}

// GetAccount fetches one account by id.
func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := s.db.GetContext(ctx, &a,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapDBErr("get account", err)
	}
	return &a, nil
}

// ListAccounts returns all configured accounts.
func (s *PostgresStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	var accounts []*Account
	err := s.db.SelectContext(ctx, &accounts,
		`SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, wrapDBErr("list accounts", err)
	}
	return accounts, nil
}

// DeleteAccount removes an account by id.
func (s *PostgresStore) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return wrapDBErr("delete account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
