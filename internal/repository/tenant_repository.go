package repository

import (
	"context"
	"database/sql"
	"errors"
)

const tenantColumns = `
	id, name, base_url, sync_path, attachment_path, auth_method,
	auth_token, auth_user, auth_password, active, suspended_batches,
	retention_seconds`

// UpsertTenant inserts or replaces a tenant row. Suspension state is
// preserved across updates; use SetSuspendedBatches to change it.
func (s *PostgresStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	if t.AuthMethod == "" {
		t.AuthMethod = "none"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (
			id, name, base_url, sync_path, attachment_path, auth_method,
			auth_token, auth_user, auth_password, active,
			suspended_batches, retention_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			base_url = excluded.base_url,
			sync_path = excluded.sync_path,
			attachment_path = excluded.attachment_path,
			auth_method = excluded.auth_method,
			auth_token = excluded.auth_token,
			auth_user = excluded.auth_user,
			auth_password = excluded.auth_password,
			active = excluded.active,
			retention_seconds = excluded.retention_seconds`,
		t.ID, t.Name, t.BaseURL, t.SyncPath, t.AttachmentPath, t.AuthMethod,
		t.AuthToken, t.AuthUser, t.AuthPassword, t.Active,
		t.SuspendedBatches, t.RetentionSeconds)
	return wrapDBErr("upsert tenant", err)
}

// GetTenant fetches one tenant by id.
func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.db.GetContext(ctx, &t,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapDBErr("get tenant", err)
	}
	return &t, nil
}

// ListTenants returns tenants, optionally only active ones.
func (s *PostgresStore) ListTenants(ctx context.Context, activeOnly bool) ([]*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY id`

	var tenants []*Tenant
	if err := s.db.SelectContext(ctx, &tenants, query); err != nil {
		return nil, wrapDBErr("list tenants", err)
	}
	return tenants, nil
}

// DeleteTenant removes a tenant by id.
func (s *PostgresStore) DeleteTenant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return wrapDBErr("delete tenant", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSuspendedBatches replaces a tenant's suspension value.
func (s *PostgresStore) SetSuspendedBatches(ctx context.Context, tenantID, value string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET suspended_batches = $2 WHERE id = $1`, tenantID, value)
	if err != nil {
		return wrapDBErr("set suspended batches", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
