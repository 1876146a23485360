// Package wire defines the JSON payloads exchanged with a license panel. The
// HTTP API served by licensegate speaks the same protocol, so one node can act
// as another node's panel.
package wire

import (
	"strings"
	"time"

	"github.com/ericfisherdev/licensegate/internal/domain/model"
)

// neverExpires is the expiresAt value for licenses without an expiration.
const neverExpires int64 = -1

// License is the wire form of a license record. Times are epoch seconds.
// Pointer fields distinguish an absent value from zero when decoding.
type License struct {
	Key       string `json:"key"`
	PluginID  string `json:"pluginId"`
	Owner     string `json:"owner"`
	IssuedAt  *int64 `json:"issuedAt,omitempty"`
	ExpiresAt *int64 `json:"expiresAt,omitempty"`
	Revoked   bool   `json:"revoked"`
}

// FromModel converts a domain license to its wire form.
func FromModel(l model.License) *License {
	issued := l.IssuedAt.Unix()
	expires := neverExpires
	if l.ExpiresAt != nil {
		expires = l.ExpiresAt.Unix()
	}
	return &License{
		Key:       l.Key,
		PluginID:  l.PluginID,
		Owner:     l.Owner,
		IssuedAt:  &issued,
		ExpiresAt: &expires,
		Revoked:   l.Revoked,
	}
}

// ToModel converts a wire record to a domain license. It returns nil when the
// record lacks a key or plugin id. A missing issuedAt defaults to now; a
// missing or negative expiresAt means the license never expires.
func (w *License) ToModel(now time.Time) *model.License {
	if w == nil || strings.TrimSpace(w.Key) == "" || strings.TrimSpace(w.PluginID) == "" {
		return nil
	}

	issuedAt := now.UTC().Truncate(time.Second)
	if w.IssuedAt != nil {
		issuedAt = time.Unix(*w.IssuedAt, 0).UTC()
	}

	var expiresAt *time.Time
	if w.ExpiresAt != nil && *w.ExpiresAt >= 0 {
		exp := time.Unix(*w.ExpiresAt, 0).UTC()
		expiresAt = &exp
	}

	return &model.License{
		Key:       w.Key,
		PluginID:  w.PluginID,
		Owner:     w.Owner,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Revoked:   w.Revoked,
	}
}

// ValidateRequest is the body of a validate call.
type ValidateRequest struct {
	PluginID string `json:"pluginId" validate:"required,max=64"`
	Key      string `json:"key" validate:"required,max=128"`
	ServerID string `json:"serverId,omitempty"`
}

// ValidateResponse carries the validation result code and, optionally, the
// record the result was derived from.
type ValidateResponse struct {
	Result  string   `json:"result"`
	License *License `json:"license,omitempty"`
}

// IssueRequest is the body of an issue call. ValidDays <= 0 requests a
// non-expiring license.
type IssueRequest struct {
	PluginID  string `json:"pluginId" validate:"required,max=64"`
	Owner     string `json:"owner" validate:"max=128"`
	ValidDays int    `json:"validDays"`
	ServerID  string `json:"serverId,omitempty"`
}

// KeyRequest is the body of revoke and get calls.
type KeyRequest struct {
	Key      string `json:"key" validate:"required,max=128"`
	ServerID string `json:"serverId,omitempty"`
}

// LicenseResponse wraps a single license record for issue and get.
type LicenseResponse struct {
	License *License `json:"license"`
}

// RevokeResponse reports whether a revoke call revoked anything.
type RevokeResponse struct {
	Success bool `json:"success"`
}
