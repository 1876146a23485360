package model

import (
	"strings"
	"time"
)

// License represents one issued plugin license. Key and PluginID are fixed at
// issuance; only Revoked ever changes afterwards, and only from false to true.
type License struct {
	Key       string
	PluginID  string // Always normalized; see NormalizePluginID.
	Owner     string
	IssuedAt  time.Time
	ExpiresAt *time.Time // nil means the license never expires.
	Revoked   bool
}

// IsExpired reports whether the license has an expiration that lies before now.
func (l License) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// IsFor reports whether the license was issued for pluginID. The comparison
// normalizes both sides, so "Shop " and "shop" are the same plugin.
func (l License) IsFor(pluginID string) bool {
	return strings.EqualFold(NormalizePluginID(l.PluginID), NormalizePluginID(pluginID))
}

// Normalized returns a copy of l with its PluginID normalized.
func (l License) Normalized() License {
	l.PluginID = NormalizePluginID(l.PluginID)
	return l
}

// NormalizePluginID trims surrounding whitespace and lower-cases a plugin identifier.
func NormalizePluginID(pluginID string) string {
	return strings.ToLower(strings.TrimSpace(pluginID))
}

// RemoteValidation is the panel's answer to a validate request. License is nil
// when the panel did not include a record.
type RemoteValidation struct {
	Result  ValidationResult
	License *License
}
