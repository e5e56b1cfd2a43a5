// Package settings holds the device settings bag: the flat record of
// identity, cloud credentials and local-surface switches that the rest of
// the library reads and, through internal/config transactions, mutates.
//
// Hosts pre-populate the static part (model, OEM, API credentials) via
// provider.ConfigStore.LoadDefaults; the mutable part is overlaid from the
// persisted settings blob.
package settings

import (
	"time"

	"github.com/weavekit/weave-core/auth"
)

// MinSecretSize is the minimum length of the device secret used for
// access-token MACs.
const MinSecretSize = 32

// Settings is the complete device configuration record.
type Settings struct {
	// Device identity.
	DeviceID        string
	Name            string
	Description     string
	Location        string
	FirmwareVersion string

	// OEM and model identity, fixed by the host.
	OEMName   string
	ModelName string
	ModelID   string // five-character model manifest id

	// Cloud service credentials, fixed by the host.
	APIKey               string
	ClientID             string
	ClientSecret         string
	ServiceURL           string
	OAuthURL             string
	NotificationEndpoint string // websocket pull channel; empty disables push

	// Cloud registration state.
	CloudID      string
	RobotAccount string
	RefreshToken string

	// Local surface switches.
	LocalDiscoveryEnabled    bool
	LocalPairingEnabled      bool
	LocalAccessEnabled       bool
	LocalAnonymousAccessRole auth.Role // none, viewer or user

	// WiFi bootstrap state.
	LastConfiguredSSID string

	// Auth state.
	Secret               []byte // at least MinSecretSize random bytes
	RootClientTokenOwner auth.RootClientTokenOwner

	// Cloud polling cadence. Zero means the library default.
	PollingPeriod time.Duration
}

// Default returns the settings every device starts from before host
// defaults and the persisted blob are applied.
func Default() Settings {
	return Settings{
		Name:                     "Weave device",
		ServiceURL:               "https://www.googleapis.com/clouddevices/v1/",
		OAuthURL:                 "https://accounts.google.com/o/oauth2/",
		LocalDiscoveryEnabled:    true,
		LocalPairingEnabled:      true,
		LocalAccessEnabled:       true,
		LocalAnonymousAccessRole: auth.RoleViewer,
	}
}
