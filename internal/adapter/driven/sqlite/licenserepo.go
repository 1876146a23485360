package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/licensegate/internal/domain/model"
	"github.com/ericfisherdev/licensegate/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.LicenseStore = (*LicenseRepo)(nil)

// LicenseRepo is the SQLite implementation of the LicenseStore port. Times are
// stored as epoch seconds; a NULL expires_at means the license never expires.
type LicenseRepo struct {
	db *DB
}

// NewLicenseRepo creates a new LicenseRepo backed by the given DB.
func NewLicenseRepo(db *DB) *LicenseRepo {
	return &LicenseRepo{db: db}
}

// Upsert inserts or replaces the license stored under l.Key. A stored
// revocation survives the replace.
func (r *LicenseRepo) Upsert(ctx context.Context, l model.License) error {
	const query = `
		INSERT INTO licenses (license_key, plugin_id, owner_name, issued_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(license_key) DO UPDATE SET
			plugin_id  = excluded.plugin_id,
			owner_name = excluded.owner_name,
			issued_at  = excluded.issued_at,
			expires_at = excluded.expires_at,
			revoked    = MAX(licenses.revoked, excluded.revoked)`

	_, err := r.db.Writer.ExecContext(ctx, query,
		l.Key,
		l.PluginID,
		l.Owner,
		l.IssuedAt.Unix(),
		nullableEpoch(l.ExpiresAt),
		l.Revoked,
	)
	if err != nil {
		return fmt.Errorf("upsert license: %w", err)
	}
	return nil
}

// Find returns the license stored under key, or (nil, nil) if none exists.
func (r *LicenseRepo) Find(ctx context.Context, key string) (*model.License, error) {
	const query = `
		SELECT license_key, plugin_id, owner_name, issued_at, expires_at, revoked
		FROM licenses WHERE license_key = ?`

	var (
		l         model.License
		issuedAt  int64
		expiresAt sql.NullInt64
	)
	err := r.db.Reader.QueryRowContext(ctx, query, key).Scan(
		&l.Key, &l.PluginID, &l.Owner, &issuedAt, &expiresAt, &l.Revoked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find license: %w", err)
	}

	l.IssuedAt = time.Unix(issuedAt, 0).UTC()
	if expiresAt.Valid {
		exp := time.Unix(expiresAt.Int64, 0).UTC()
		l.ExpiresAt = &exp
	}
	return &l, nil
}

// Revoke marks the license revoked. It reports true only when the row existed
// and was not already revoked.
func (r *LicenseRepo) Revoke(ctx context.Context, key string) (bool, error) {
	const query = `UPDATE licenses SET revoked = 1 WHERE license_key = ? AND revoked = 0`

	result, err := r.db.Writer.ExecContext(ctx, query, key)
	if err != nil {
		return false, fmt.Errorf("revoke license: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke license rows affected: %w", err)
	}
	return n > 0, nil
}

func nullableEpoch(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
