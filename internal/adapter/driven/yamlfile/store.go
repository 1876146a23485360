// Package yamlfile implements the license store as a single YAML document
// held in memory and rewritten atomically on every change.
package yamlfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"github.com/ericfisherdev/licensegate/internal/domain/model"
	"github.com/ericfisherdev/licensegate/internal/domain/port/driven"
)

// neverExpires is the stored expiresAt for non-expiring licenses.
const neverExpires int64 = -1

// Compile-time interface satisfaction check.
var _ driven.LicenseStore = (*Store)(nil)

type document struct {
	Licenses map[string]entry `yaml:"licenses"`
}

type entry struct {
	PluginID  *string `yaml:"pluginId"`
	Owner     *string `yaml:"owner"`
	IssuedAt  *int64  `yaml:"issuedAt"`
	ExpiresAt *int64  `yaml:"expiresAt"`
	Revoked   bool    `yaml:"revoked"`
}

// Store is a LicenseStore persisted to a YAML file. The directory holding the
// file is created on the first write.
type Store struct {
	path string
	now  func() time.Time

	mu       sync.RWMutex
	licenses map[string]model.License
}

// Open loads the licenses in path. A missing file yields an empty store.
func Open(path string) (*Store, error) {
	s := &Store{
		path:     path,
		now:      time.Now,
		licenses: make(map[string]model.License),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Upsert stores l under its key and rewrites the file. A stored revocation
// survives the write.
func (s *Store) Upsert(ctx context.Context, l model.License) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.licenses[l.Key]; ok && existing.Revoked {
		l.Revoked = true
	}
	if err := s.commit(l); err != nil {
		return fmt.Errorf("upsert license: %w", err)
	}
	return nil
}

// Find returns the license stored under key, or (nil, nil) if none exists.
func (s *Store) Find(ctx context.Context, key string) (*model.License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.licenses[key]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

// Revoke marks the license revoked, reporting whether it transitioned.
func (s *Store) Revoke(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.licenses[key]
	if !ok || l.Revoked {
		return false, nil
	}

	l.Revoked = true
	if err := s.commit(l); err != nil {
		return false, fmt.Errorf("revoke license: %w", err)
	}
	return true, nil
}

// commit writes the current licenses plus l to disk and, only on success,
// applies l in memory. Callers hold s.mu.
func (s *Store) commit(l model.License) error {
	next := maps.Clone(s.licenses)
	next[l.Key] = l

	if err := s.save(next); err != nil {
		return err
	}
	s.licenses = next
	return nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}

	now := s.now().UTC().Truncate(time.Second)
	for key, e := range doc.Licenses {
		s.licenses[key] = e.toModel(key, now)
	}
	return nil
}

func (s *Store) save(licenses map[string]model.License) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	doc := document{Licenses: make(map[string]entry, len(licenses))}
	for key, l := range licenses {
		doc.Licenses[key] = fromModel(l)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode licenses: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode licenses: %w", err)
	}

	if err := atomic.WriteFile(s.path, &buf); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

func fromModel(l model.License) entry {
	issued := l.IssuedAt.Unix()
	expires := neverExpires
	if l.ExpiresAt != nil {
		expires = l.ExpiresAt.Unix()
	}
	return entry{
		PluginID:  &l.PluginID,
		Owner:     &l.Owner,
		IssuedAt:  &issued,
		ExpiresAt: &expires,
		Revoked:   l.Revoked,
	}
}

// toModel fills absent fields the way hand-edited files expect: unknown
// plugin and owner, issued now, never expiring.
func (e entry) toModel(key string, now time.Time) model.License {
	l := model.License{
		Key:      key,
		PluginID: "unknown",
		Owner:    "unknown",
		IssuedAt: now,
		Revoked:  e.Revoked,
	}
	if e.PluginID != nil {
		l.PluginID = *e.PluginID
	}
	if e.Owner != nil {
		l.Owner = *e.Owner
	}
	if e.IssuedAt != nil {
		l.IssuedAt = time.Unix(*e.IssuedAt, 0).UTC()
	}
	if e.ExpiresAt != nil && *e.ExpiresAt >= 0 {
		exp := time.Unix(*e.ExpiresAt, 0).UTC()
		l.ExpiresAt = &exp
	}
	return l
}
