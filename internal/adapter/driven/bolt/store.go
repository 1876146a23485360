// Package bolt implements the license store on an embedded bbolt key/value
// file. Records are CBOR-encoded under their license key.
package bolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	"github.com/ericfisherdev/licensegate/internal/domain/model"
	"github.com/ericfisherdev/licensegate/internal/domain/port/driven"
)

var bucketLicenses = []byte("licenses")

// Compile-time interface satisfaction check.
var _ driven.LicenseStore = (*Store)(nil)

// record is the stored form of a license. The key is the bucket key.
type record struct {
	PluginID  string `cbor:"1,keyasint"`
	Owner     string `cbor:"2,keyasint,omitempty"`
	IssuedAt  int64  `cbor:"3,keyasint"`
	ExpiresAt *int64 `cbor:"4,keyasint,omitempty"`
	Revoked   bool   `cbor:"5,keyasint,omitempty"`
}

// Store is a LicenseStore backed by a bbolt database file.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database at path, creating parent directories as
// needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLicenses)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert stores l under its key. A stored revocation survives the write.
func (s *Store) Upsert(ctx context.Context, l model.License) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLicenses)

		rec := toRecord(l)
		if existing, err := decode(b.Get([]byte(l.Key))); err != nil {
			return err
		} else if existing != nil && existing.Revoked {
			rec.Revoked = true
		}

		data, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal license record: %w", err)
		}
		return b.Put([]byte(l.Key), data)
	})
	if err != nil {
		return fmt.Errorf("upsert license: %w", err)
	}
	return nil
}

// Find returns the license stored under key, or (nil, nil) if none exists.
func (s *Store) Find(ctx context.Context, key string) (*model.License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var found *model.License
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := decode(tx.Bucket(bucketLicenses).Get([]byte(key)))
		if err != nil || rec == nil {
			return err
		}
		l := rec.toModel(key)
		found = &l
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find license: %w", err)
	}
	return found, nil
}

// Revoke marks the license revoked, reporting whether it transitioned.
func (s *Store) Revoke(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var changed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLicenses)
		rec, err := decode(b.Get([]byte(key)))
		if err != nil || rec == nil || rec.Revoked {
			return err
		}

		rec.Revoked = true
		data, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal license record: %w", err)
		}
		changed = true
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return false, fmt.Errorf("revoke license: %w", err)
	}
	return changed, nil
}

func decode(data []byte) (*record, error) {
	if data == nil {
		return nil, nil
	}
	var rec record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal license record: %w", err)
	}
	return &rec, nil
}

func toRecord(l model.License) record {
	rec := record{
		PluginID: l.PluginID,
		Owner:    l.Owner,
		IssuedAt: l.IssuedAt.Unix(),
		Revoked:  l.Revoked,
	}
	if l.ExpiresAt != nil {
		exp := l.ExpiresAt.Unix()
		rec.ExpiresAt = &exp
	}
	return rec
}

func (r record) toModel(key string) model.License {
	l := model.License{
		Key:      key,
		PluginID: r.PluginID,
		Owner:    r.Owner,
		IssuedAt: time.Unix(r.IssuedAt, 0).UTC(),
		Revoked:  r.Revoked,
	}
	if r.ExpiresAt != nil {
		exp := time.Unix(*r.ExpiresAt, 0).UTC()
		l.ExpiresAt = &exp
	}
	return l
}
