// Package netsql implements the license store on a networked SQL server,
// either MySQL/MariaDB or PostgreSQL.
package netsql

import (
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/ericfisherdev/licensegate/internal/domain/model"
)

// Dialect holds the driver name, statements, and migration wiring for one SQL
// server flavor. Every dialect's upsert keeps a stored revocation.
type Dialect struct {
	Name          string
	driverName    string
	migrationsDir string
	upsertQuery   string
	findQuery     string
	revokeQuery   string
	migrateDriver func(*sql.DB) (database.Driver, error)
}

// MySQL targets MySQL 5.7+ and MariaDB.
var MySQL = Dialect{
	Name:          "mysql",
	driverName:    "mysql",
	migrationsDir: "migrations/mysql",
	upsertQuery: `
		INSERT INTO licenses (license_key, plugin_id, owner_name, issued_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			plugin_id  = VALUES(plugin_id),
			owner_name = VALUES(owner_name),
			issued_at  = VALUES(issued_at),
			expires_at = VALUES(expires_at),
			revoked    = GREATEST(revoked, VALUES(revoked))`,
	findQuery: `
		SELECT license_key, plugin_id, owner_name, issued_at, expires_at, revoked
		FROM licenses WHERE license_key = ?`,
	revokeQuery: `UPDATE licenses SET revoked = TRUE WHERE license_key = ? AND revoked = FALSE`,
	migrateDriver: func(db *sql.DB) (database.Driver, error) {
		return migratemysql.WithInstance(db, &migratemysql.Config{})
	},
}

// Postgres targets PostgreSQL 9.5+.
var Postgres = Dialect{
	Name:          "postgres",
	driverName:    "postgres",
	migrationsDir: "migrations/postgres",
	upsertQuery: `
		INSERT INTO licenses (license_key, plugin_id, owner_name, issued_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (license_key) DO UPDATE SET
			plugin_id  = EXCLUDED.plugin_id,
			owner_name = EXCLUDED.owner_name,
			issued_at  = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			revoked    = licenses.revoked OR EXCLUDED.revoked`,
	findQuery: `
		SELECT license_key, plugin_id, owner_name, issued_at, expires_at, revoked
		FROM licenses WHERE license_key = $1`,
	revokeQuery: `UPDATE licenses SET revoked = TRUE WHERE license_key = $1 AND revoked = FALSE`,
	migrateDriver: func(db *sql.DB) (database.Driver, error) {
		return migratepostgres.WithInstance(db, &migratepostgres.Config{})
	},
}

// DialectFor returns the dialect for a networked storage type.
func DialectFor(storage model.StorageType) (Dialect, error) {
	switch storage {
	case model.StorageMySQL:
		return MySQL, nil
	case model.StoragePostgres:
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("storage type %s is not a networked SQL backend", storage)
	}
}
