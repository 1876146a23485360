package driven

import (
	"context"

	"github.com/ericfisherdev/licensegate/internal/domain/model"
)

// LicenseStore defines the driven port for durable license persistence. It is
// the local source of truth, keyed by license key.
//
// Implementations must make Upsert atomic per key and must never clear the
// Revoked flag of a stored record: an Upsert carrying Revoked=false for a key
// that is already revoked keeps it revoked.
type LicenseStore interface {
	// Upsert inserts the license or replaces the stored record with the same key.
	Upsert(ctx context.Context, license model.License) error

	// Find returns the license stored under key, or nil, nil if there is none.
	Find(ctx context.Context, key string) (*model.License, error)

	// Revoke marks the license revoked. It returns true only when it changed the
	// flag from false to true; revoking a missing or already revoked license
	// returns false, nil.
	Revoke(ctx context.Context, key string) (bool, error)
}
