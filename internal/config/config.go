// Package config manages the mutable device settings: defaults from the
// host, an overlay from the persisted settings blob, and transactional
// updates that persist before fanning out change callbacks.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/weavekit/weave-core/auth"
	"github.com/weavekit/weave-core/provider"
	"github.com/weavekit/weave-core/settings"
)

// persistedSettings is the subset of Settings written to the config store.
// Host-fixed fields (model, OEM, cloud credentials) never persist; they are
// reloaded from defaults on every start.
type persistedSettings struct {
	DeviceID                 string `json:"device_id,omitempty"`
	Name                     string `json:"name,omitempty"`
	Description              string `json:"description,omitempty"`
	Location                 string `json:"location,omitempty"`
	CloudID                  string `json:"cloud_id,omitempty"`
	RobotAccount             string `json:"robot_account,omitempty"`
	RefreshToken             string `json:"refresh_token,omitempty"`
	LastConfiguredSSID       string `json:"last_configured_ssid,omitempty"`
	LocalDiscoveryEnabled    *bool  `json:"local_discovery_enabled,omitempty"`
	LocalPairingEnabled      *bool  `json:"local_pairing_enabled,omitempty"`
	LocalAccessEnabled       *bool  `json:"local_access_enabled,omitempty"`
	LocalAnonymousAccessRole string `json:"local_anonymous_access_role,omitempty"`
	Secret                   string `json:"secret,omitempty"`
	RootClientTokenOwner     string `json:"root_client_token_owner,omitempty"`
}

// Config owns the device settings. All mutation goes through a
// Transaction; reads return copies.
type Config struct {
	mu        sync.Mutex
	store     provider.ConfigStore // nil means nothing persists
	settings  settings.Settings
	callbacks []func(settings.Settings)
}

// New creates a Config over the given store. The store may be nil, in
// which case settings live only in memory.
func New(store provider.ConfigStore) *Config {
	return &Config{store: store, settings: settings.Default()}
}

// Load applies host defaults and the persisted settings overlay. A missing
// or empty blob is not an error; a malformed one is.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.settings = settings.Default()
	if c.store != nil {
		c.store.LoadDefaults(&c.settings)
	}
	if c.settings.ModelID != "" && len(c.settings.ModelID) != 5 {
		panic(fmt.Sprintf("config: model id %q must be five characters", c.settings.ModelID))
	}

	if c.store != nil {
		if blob := c.store.LoadSettings(provider.SettingsBlobName); blob != "" {
			if err := c.applyPersisted(blob); err != nil {
				return err
			}
		}
	}

	if c.settings.DeviceID == "" {
		c.settings.DeviceID = uuid.NewString()
		c.persistLocked()
	}
	return nil
}

func (c *Config) applyPersisted(blob string) error {
	var p persistedSettings
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return fmt.Errorf("config: parsing settings blob: %w", err)
	}
	s := &c.settings
	if p.DeviceID != "" {
		s.DeviceID = p.DeviceID
	}
	if p.Name != "" {
		s.Name = p.Name
	}
	if p.Description != "" {
		s.Description = p.Description
	}
	if p.Location != "" {
		s.Location = p.Location
	}
	s.CloudID = p.CloudID
	s.RobotAccount = p.RobotAccount
	s.RefreshToken = p.RefreshToken
	s.LastConfiguredSSID = p.LastConfiguredSSID
	if p.LocalDiscoveryEnabled != nil {
		s.LocalDiscoveryEnabled = *p.LocalDiscoveryEnabled
	}
	if p.LocalPairingEnabled != nil {
		s.LocalPairingEnabled = *p.LocalPairingEnabled
	}
	if p.LocalAccessEnabled != nil {
		s.LocalAccessEnabled = *p.LocalAccessEnabled
	}
	if p.LocalAnonymousAccessRole != "" {
		role, err := auth.ParseRole(p.LocalAnonymousAccessRole)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		s.LocalAnonymousAccessRole = role
	}
	if p.Secret != "" {
		secret, err := base64.StdEncoding.DecodeString(p.Secret)
		if err != nil {
			return fmt.Errorf("config: decoding secret: %w", err)
		}
		s.Secret = secret
	}
	if p.RootClientTokenOwner != "" {
		owner, err := auth.ParseRootClientTokenOwner(p.RootClientTokenOwner)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		s.RootClientTokenOwner = owner
	}
	return nil
}

// GetSettings returns a copy of the current settings.
func (c *Config) GetSettings() settings.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copySettings(c.settings)
}

// AddOnChangedCallback registers a settings observer. It fires immediately
// with the current settings, then after every committed transaction.
func (c *Config) AddOnChangedCallback(callback func(settings.Settings)) {
	c.mu.Lock()
	c.callbacks = append(c.callbacks, callback)
	snapshot := copySettings(c.settings)
	c.mu.Unlock()
	callback(snapshot)
}

func (c *Config) persistLocked() {
	if c.store == nil {
		return
	}
	s := c.settings
	p := persistedSettings{
		DeviceID:                 s.DeviceID,
		Name:                     s.Name,
		Description:              s.Description,
		Location:                 s.Location,
		CloudID:                  s.CloudID,
		RobotAccount:             s.RobotAccount,
		RefreshToken:             s.RefreshToken,
		LastConfiguredSSID:       s.LastConfiguredSSID,
		LocalDiscoveryEnabled:    &s.LocalDiscoveryEnabled,
		LocalPairingEnabled:      &s.LocalPairingEnabled,
		LocalAccessEnabled:       &s.LocalAccessEnabled,
		LocalAnonymousAccessRole: s.LocalAnonymousAccessRole.String(),
		RootClientTokenOwner:     s.RootClientTokenOwner.String(),
	}
	if len(s.Secret) > 0 {
		p.Secret = base64.StdEncoding.EncodeToString(s.Secret)
	}
	blob, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("config: marshalling settings: %v", err))
	}
	c.store.SaveSettings(provider.SettingsBlobName, string(blob))
}

func copySettings(s settings.Settings) settings.Settings {
	out := s
	if s.Secret != nil {
		out.Secret = append([]byte{}, s.Secret...)
	}
	return out
}

// Transaction batches settings mutations. Commit persists the new record,
// then fires change callbacks. An abandoned transaction changes nothing.
type Transaction struct {
	cfg      *Config
	settings settings.Settings
	dirty    bool
	done     bool
}

// Begin opens a transaction over the current settings.
func (c *Config) Begin() *Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Transaction{cfg: c, settings: copySettings(c.settings)}
}

// SetName updates the device name.
func (t *Transaction) SetName(name string) { t.settings.Name = name; t.dirty = true }

// SetDescription updates the device description.
func (t *Transaction) SetDescription(d string) { t.settings.Description = d; t.dirty = true }

// SetLocation updates the device location.
func (t *Transaction) SetLocation(l string) { t.settings.Location = l; t.dirty = true }

// SetLocalAnonymousAccessRole updates the role granted to unauthenticated
// local callers.
func (t *Transaction) SetLocalAnonymousAccessRole(role auth.Role) {
	t.settings.LocalAnonymousAccessRole = role
	t.dirty = true
}

// SetLocalDiscoveryEnabled toggles mDNS announcement.
func (t *Transaction) SetLocalDiscoveryEnabled(enabled bool) {
	t.settings.LocalDiscoveryEnabled = enabled
	t.dirty = true
}

// SetLocalPairingEnabled toggles local pairing.
func (t *Transaction) SetLocalPairingEnabled(enabled bool) {
	t.settings.LocalPairingEnabled = enabled
	t.dirty = true
}

// SetCloudID records the cloud device id assigned at registration.
func (t *Transaction) SetCloudID(id string) { t.settings.CloudID = id; t.dirty = true }

// SetRobotAccount records the cloud robot account email.
func (t *Transaction) SetRobotAccount(email string) {
	t.settings.RobotAccount = email
	t.dirty = true
}

// SetRefreshToken records the OAuth refresh token.
func (t *Transaction) SetRefreshToken(token string) {
	t.settings.RefreshToken = token
	t.dirty = true
}

// SetLastConfiguredSSID records the most recently joined network.
func (t *Transaction) SetLastConfiguredSSID(ssid string) {
	t.settings.LastConfiguredSSID = ssid
	t.dirty = true
}

// SetSecret replaces the device secret and the root client token owner in
// one step, invalidating every outstanding access token.
func (t *Transaction) SetSecret(secret []byte, owner auth.RootClientTokenOwner) {
	t.settings.Secret = append([]byte{}, secret...)
	t.settings.RootClientTokenOwner = owner
	t.dirty = true
}

// SetRootClientTokenOwner updates the recorded token ownership.
func (t *Transaction) SetRootClientTokenOwner(owner auth.RootClientTokenOwner) {
	t.settings.RootClientTokenOwner = owner
	t.dirty = true
}

// Commit persists the settings and fires change callbacks. Committing a
// transaction with no mutations is a no-op.
func (t *Transaction) Commit() {
	if t.done {
		panic("config: transaction committed twice")
	}
	t.done = true
	if !t.dirty {
		return
	}
	c := t.cfg
	c.mu.Lock()
	c.settings = t.settings
	c.persistLocked()
	callbacks := append([]func(settings.Settings){}, c.callbacks...)
	snapshot := copySettings(c.settings)
	c.mu.Unlock()
	for _, cb := range callbacks {
		cb(snapshot)
	}
}
