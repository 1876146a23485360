package driven

import (
	"context"
	"errors"
	"fmt"

	"github.com/ericfisherdev/licensegate/internal/domain/model"
)

// ErrPanelUnavailable is wrapped by every PanelClient error. Timeouts, non-2xx
// responses, malformed bodies, and canceled requests are not distinguished.
var ErrPanelUnavailable = errors.New("license panel unavailable")

// PanelClient defines the driven port for the optional central licensing
// authority. It offers the same verbs as the local service over the network.
type PanelClient interface {
	// Validate asks the panel whether key is valid for pluginID. The returned
	// RemoteValidation may carry the panel's copy of the license.
	Validate(ctx context.Context, pluginID, key string) (model.RemoteValidation, error)

	// Issue asks the panel to issue a license. A nil license with a nil error
	// means the panel answered without a usable record.
	Issue(ctx context.Context, pluginID, owner string, validDays int) (*model.License, error)

	// Revoke asks the panel to revoke key and reports whether it did.
	Revoke(ctx context.Context, key string) (bool, error)

	// Get fetches the panel's copy of the license, or nil if it has none.
	Get(ctx context.Context, key string) (*model.License, error)
}

// Compile-time interface satisfaction check.
var _ PanelClient = DisabledPanel{}

// DisabledPanel is the PanelClient used when no panel is configured. Every
// call fails with ErrPanelUnavailable.
type DisabledPanel struct{}

var errPanelDisabled = fmt.Errorf("panel not configured: %w", ErrPanelUnavailable)

// Validate always reports the panel as unavailable.
func (DisabledPanel) Validate(context.Context, string, string) (model.RemoteValidation, error) {
	return model.RemoteValidation{Result: model.ResultRemoteError}, errPanelDisabled
}

// Issue always reports the panel as unavailable.
func (DisabledPanel) Issue(context.Context, string, string, int) (*model.License, error) {
	return nil, errPanelDisabled
}

// Revoke always reports the panel as unavailable.
func (DisabledPanel) Revoke(context.Context, string) (bool, error) {
	return false, errPanelDisabled
}

// Get always reports the panel as unavailable.
func (DisabledPanel) Get(context.Context, string) (*model.License, error) {
	return nil, errPanelDisabled
}
