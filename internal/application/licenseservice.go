// Package application contains use-case orchestration services.
package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ericfisherdev/licensegate/internal/domain/model"
	"github.com/ericfisherdev/licensegate/internal/domain/port/driven"
	"github.com/ericfisherdev/licensegate/internal/domain/signing"
)

// LicenseService issues, validates, revokes, and looks up plugin licenses. It
// reconciles the local LicenseStore with the optional panel according to the
// operating mode fixed at construction.
//
// Issue and Revoke are serialized; Validate and Get run concurrently and may
// write panel records into the store.
type LicenseService struct {
	mu     sync.Mutex // Serializes Issue and Revoke.
	store  driven.LicenseStore
	signer *signing.Signer
	mode   model.Mode
	panel  driven.PanelClient
	remote bool // True when a panel is configured and mode is not LOCAL.
	now    func() time.Time
	logger *slog.Logger
}

// ServiceOption configures optional LicenseService behavior.
type ServiceOption func(*LicenseService)

// WithClock overrides the time source used for issuance and expiry checks.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *LicenseService) {
		s.now = now
	}
}

// NewLicenseService creates a LicenseService. panel may be nil when no panel
// is configured; the service then resolves everything from the store
// regardless of mode.
func NewLicenseService(
	store driven.LicenseStore,
	signer *signing.Signer,
	mode model.Mode,
	panel driven.PanelClient,
	logger *slog.Logger,
	opts ...ServiceOption,
) *LicenseService {
	s := &LicenseService{
		store:  store,
		signer: signer,
		mode:   mode,
		panel:  panel,
		remote: panel != nil && mode != model.ModeLocal,
		now:    time.Now,
		logger: logger,
	}
	if s.panel == nil {
		s.panel = driven.DisabledPanel{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode returns the operating mode.
func (s *LicenseService) Mode() model.Mode {
	return s.mode
}

// RemoteEnabled reports whether the service consults the panel.
func (s *LicenseService) RemoteEnabled() bool {
	return s.remote
}

// Issue creates a license for pluginID. The locally generated license is
// always written to the store first. When the panel is consulted and issues
// its own license, that license replaces the local one in the store and is
// returned instead. validDays <= 0 produces a license that never expires.
//
// A failed local write is logged and the license is still returned.
func (s *LicenseService) Issue(ctx context.Context, pluginID, owner string, validDays int) model.License {
	s.mu.Lock()
	defer s.mu.Unlock()

	pluginID = model.NormalizePluginID(pluginID)
	now := s.now().UTC().Truncate(time.Second)

	var expiresAt *time.Time
	if validDays > 0 {
		exp := now.AddDate(0, 0, validDays)
		expiresAt = &exp
	}

	local := model.License{
		Key:       s.signer.Generate(pluginID),
		PluginID:  pluginID,
		Owner:     owner,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}

	if err := s.store.Upsert(ctx, local); err != nil {
		s.logger.Error("failed to persist issued license",
			"plugin_id", pluginID, "key", redactKey(local.Key), "error", err)
	}

	if !s.remote {
		s.logger.Info("license issued", "plugin_id", pluginID, "key", redactKey(local.Key), "source", "local")
		return local
	}

	issued, err := s.panel.Issue(ctx, pluginID, owner, validDays)
	if err != nil || issued == nil {
		s.logger.Warn("panel issue unavailable, returning local license",
			"plugin_id", pluginID, "key", redactKey(local.Key), "error", err)
		return local
	}

	remote := s.cache(ctx, *issued)
	s.logger.Info("license issued", "plugin_id", pluginID, "key", redactKey(remote.Key), "source", "panel")
	return remote
}

// Validate reports whether key is a valid license for pluginID. Keys that fail
// signature verification are rejected before any store or panel access.
func (s *LicenseService) Validate(ctx context.Context, pluginID, key string) model.ValidationResult {
	result, _ := s.ValidateRecord(ctx, pluginID, key)
	return result
}

// ValidateRecord is Validate that also returns the record the result was
// derived from: the panel's record when the panel answered with one,
// otherwise the local record. The record is nil when none was consulted.
func (s *LicenseService) ValidateRecord(ctx context.Context, pluginID, key string) (model.ValidationResult, *model.License) {
	pluginID = model.NormalizePluginID(pluginID)

	if !s.signer.Verify(pluginID, key) {
		return model.ResultSignatureInvalid, nil
	}

	if !s.remote {
		return s.validateLocal(ctx, pluginID, key)
	}

	remote, err := s.panel.Validate(ctx, pluginID, key)
	if err != nil || remote.Result == model.ResultRemoteError {
		if s.mode == model.ModeHybrid {
			s.logger.Warn("panel validate unavailable, falling back to local store",
				"plugin_id", pluginID, "key", redactKey(key), "error", err)
			return s.validateLocal(ctx, pluginID, key)
		}
		s.logger.Warn("panel validate unavailable",
			"plugin_id", pluginID, "key", redactKey(key), "error", err)
		return model.ResultRemoteError, nil
	}

	if remote.License == nil {
		return remote.Result, nil
	}
	cached := s.cache(ctx, *remote.License)
	return remote.Result, &cached
}

// Revoke revokes key. The local store is always revoked first. The return
// value depends on the mode: the local outcome in LOCAL mode or without a
// panel, the panel outcome in REMOTE mode, and either outcome in HYBRID mode.
func (s *LicenseService) Revoke(ctx context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	localRevoked, err := s.store.Revoke(ctx, key)
	if err != nil {
		s.logger.Error("failed to revoke license locally", "key", redactKey(key), "error", err)
		localRevoked = false
	}

	if !s.remote {
		return localRevoked
	}

	remoteRevoked, err := s.panel.Revoke(ctx, key)
	if err != nil {
		s.logger.Warn("panel revoke unavailable", "key", redactKey(key), "error", err)
		remoteRevoked = false
	}

	if s.mode == model.ModeRemote {
		return remoteRevoked
	}
	return localRevoked || remoteRevoked
}

// Get returns the license stored under key, or nil if none is known. When the
// panel is consulted its copy wins and is cached locally; in REMOTE mode a
// panel failure returns nil without consulting the store.
func (s *LicenseService) Get(ctx context.Context, key string) *model.License {
	if s.remote {
		license, err := s.panel.Get(ctx, key)
		if err == nil && license != nil {
			cached := s.cache(ctx, *license)
			return &cached
		}
		if s.mode == model.ModeRemote {
			s.logger.Warn("panel get unavailable", "key", redactKey(key), "error", err)
			return nil
		}
	}

	return s.find(ctx, key)
}

// validateLocal resolves a validation purely from the store. The check order
// is fixed: not found, wrong plugin, revoked, expired, valid.
func (s *LicenseService) validateLocal(ctx context.Context, pluginID, key string) (model.ValidationResult, *model.License) {
	license := s.find(ctx, key)
	switch {
	case license == nil:
		return model.ResultNotFound, nil
	case !license.IsFor(pluginID):
		return model.ResultWrongPlugin, license
	case license.Revoked:
		return model.ResultRevoked, license
	case license.IsExpired(s.now()):
		return model.ResultExpired, license
	default:
		return model.ResultValid, license
	}
}

// find reads key from the store, treating store failures as absence.
func (s *LicenseService) find(ctx context.Context, key string) *model.License {
	license, err := s.store.Find(ctx, key)
	if err != nil {
		s.logger.Error("failed to read license", "key", redactKey(key), "error", err)
		return nil
	}
	return license
}

// cache normalizes a panel record and writes it to the store. Write failures
// are logged; the normalized record is returned either way.
func (s *LicenseService) cache(ctx context.Context, license model.License) model.License {
	license = license.Normalized()
	if err := s.store.Upsert(ctx, license); err != nil {
		s.logger.Error("failed to cache panel license", "key", redactKey(license.Key), "error", err)
	}
	return license
}

// redactKey shortens a license key for logging. Keys are bearer tokens.
func redactKey(key string) string {
	const visible = 6
	if len(key) <= visible {
		return "***"
	}
	return key[:visible] + "***"
}
