package netsql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/ericfisherdev/licensegate/internal/domain/model"
	"github.com/ericfisherdev/licensegate/internal/domain/port/driven"
)

//go:embed migrations
var migrationsFS embed.FS

// Compile-time interface satisfaction check.
var _ driven.LicenseStore = (*Store)(nil)

// Store is a LicenseStore on a MySQL or PostgreSQL server.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to dsn, verifies the connection, and migrates the schema.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(dialect.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}

	if err := runMigrations(db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, dialect: dialect}, nil
}

func runMigrations(db *sql.DB, dialect Dialect) error {
	source, err := iofs.New(migrationsFS, dialect.migrationsDir)
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	target, err := dialect.migrateDriver(db)
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, dialect.Name, target)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate licenses schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces the license stored under l.Key, keeping a stored
// revocation.
func (s *Store) Upsert(ctx context.Context, l model.License) error {
	var expiresAt sql.NullInt64
	if l.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: l.ExpiresAt.Unix(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.dialect.upsertQuery,
		l.Key, l.PluginID, l.Owner, l.IssuedAt.Unix(), expiresAt, l.Revoked,
	)
	if err != nil {
		return fmt.Errorf("upsert license: %w", err)
	}
	return nil
}

// Find returns the license stored under key, or (nil, nil) if none exists.
func (s *Store) Find(ctx context.Context, key string) (*model.License, error) {
	var (
		l         model.License
		issuedAt  int64
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.findQuery, key).Scan(
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

// Revoke marks the license revoked, reporting whether it transitioned.
func (s *Store) Revoke(ctx context.Context, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.dialect.revokeQuery, key)
	if err != nil {
		return false, fmt.Errorf("revoke license: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke license rows affected: %w", err)
	}
	return n > 0, nil
}
