// Package weave is the device-side entry point: Create wires the host's
// providers into a Device that joins a cloud fleet, serves the local
// privet surface, and exposes the component/trait/command model.
package weave

import (
	"errors"

	"github.com/weavekit/weave-core/auth"
	"github.com/weavekit/weave-core/internal/access"
	"github.com/weavekit/weave-core/internal/base"
	"github.com/weavekit/weave-core/internal/cloud"
	"github.com/weavekit/weave-core/internal/component"
	"github.com/weavekit/weave-core/internal/config"
	"github.com/weavekit/weave-core/internal/privet"
	"github.com/weavekit/weave-core/provider"
	"github.com/weavekit/weave-core/settings"
)

// Re-exported model types, so hosts only deal with this package.
type (
	// Command is a live command instance owned by the device queue.
	Command = component.Command
	// CommandState is the lifecycle state of a Command.
	CommandState = component.State
	// GcdState is the observable cloud link state.
	GcdState = cloud.GcdState
)

// Command lifecycle states.
const (
	CommandQueued     = component.StateQueued
	CommandInProgress = component.StateInProgress
	CommandPaused     = component.StatePaused
	CommandError      = component.StateError
	CommandDone       = component.StateDone
	CommandCancelled  = component.StateCancelled
	CommandAborted    = component.StateAborted
	CommandExpired    = component.StateExpired
)

// Cloud link states.
const (
	GcdUnconfigured       = cloud.GcdUnconfigured
	GcdConnecting         = cloud.GcdConnecting
	GcdConnected          = cloud.GcdConnected
	GcdUnrecoverableError = cloud.GcdUnrecoverableError
)

// Logger is the logging interface consumed by the library. It matches
// both logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Providers bundles the host capabilities handed to Create. ConfigStore,
// TaskRunner and HTTPClient are required; the rest degrade gracefully
// when nil.
type Providers struct {
	ConfigStore provider.ConfigStore
	TaskRunner  provider.TaskRunner
	HTTPClient  provider.HTTPClient
	Network     provider.Network
	DNSSD       provider.DNSServiceDiscovery
	HTTPServer  provider.HTTPServer
	Wifi        provider.Wifi
	Bluetooth   provider.Bluetooth
	Logger      Logger
}

// Device is the assembled library instance.
type Device struct {
	cfg           *config.Config
	components    *component.Manager
	registration  *cloud.DeviceRegistrationInfo
	revocation    *access.RevocationManager
	authManager   *privet.AuthManager
	accessHandler *access.APIHandler
	baseHandler   *base.APIHandler
	local         *privet.Manager
	localUp       bool
}

// Create loads the device configuration and assembles every subsystem the
// supplied providers allow: the component model and base handler always;
// revocation, auth and the local surface only with an HTTP server; WiFi
// bootstrapping only with WiFi and network providers.
func Create(p Providers) (*Device, error) {
	if p.ConfigStore == nil || p.TaskRunner == nil || p.HTTPClient == nil {
		return nil, errors.New("weave: config store, task runner and http client are required")
	}
	if p.DNSSD != nil && p.HTTPServer == nil {
		return nil, errors.New("weave: dns-sd requires an http server")
	}

	d := &Device{}
	d.cfg = config.New(p.ConfigStore)
	if err := d.cfg.Load(); err != nil {
		return nil, err
	}
	d.components = component.NewManager(p.TaskRunner)

	if p.HTTPServer != nil {
		d.revocation = access.NewRevocationManager(p.ConfigStore, p.TaskRunner.Clock())
		d.authManager = privet.New(d.cfg, d.revocation,
			p.HTTPServer.HTTPSCertificateFingerprint(), p.TaskRunner.Clock())
		handler, err := access.NewAPIHandler(d.components, d.revocation)
		if err != nil {
			return nil, err
		}
		d.accessHandler = handler
	}

	d.registration = cloud.NewDeviceRegistrationInfo(
		d.cfg, d.components, p.TaskRunner, p.HTTPClient, p.Network, p.Logger)

	baseHandler, err := base.NewAPIHandler(d.components, d.cfg)
	if err != nil {
		return nil, err
	}
	d.baseHandler = baseHandler

	d.registration.Start()

	if p.HTTPServer != nil {
		var logger privet.Logger
		if p.Logger != nil {
			logger = p.Logger
		}
		d.local = privet.NewManager(p.TaskRunner, d.cfg,
			p.Network, p.DNSSD, p.HTTPServer, p.Wifi, logger)
		d.registration.AddGcdStateChangedCallback(func(state GcdState) {
			d.local.SetCloudConnected(state == GcdConnected)
		})
		d.cfg.AddOnChangedCallback(func(s settings.Settings) {
			d.setLocalEnabled(s.LocalAccessEnabled)
		})
	}
	return d, nil
}

func (d *Device) setLocalEnabled(enabled bool) {
	if d.local == nil || enabled == d.localUp {
		return
	}
	d.localUp = enabled
	if enabled {
		d.local.Start()
	} else {
		d.local.Stop()
	}
}

// GetSettings returns a copy of the current device settings.
func (d *Device) GetSettings() settings.Settings {
	return d.cfg.GetSettings()
}

// AddSettingsChangedCallback registers a settings observer; it fires
// immediately with the current settings.
func (d *Device) AddSettingsChangedCallback(callback func(settings.Settings)) {
	d.cfg.AddOnChangedCallback(callback)
}

// AddTraitDefinitionsFromJSON merges trait definitions from JSON. A
// conflicting redefinition is a programming error and panics.
func (d *Device) AddTraitDefinitionsFromJSON(data string) {
	if err := d.components.LoadTraitsJSON(data); err != nil {
		panic(err)
	}
}

// AddTraitDefinitions merges trait definitions.
func (d *Device) AddTraitDefinitions(dict map[string]any) {
	if err := d.components.LoadTraits(dict); err != nil {
		panic(err)
	}
}

// GetTraits returns a deep copy of the trait registry.
func (d *Device) GetTraits() map[string]any {
	return d.components.GetTraits()
}

// AddTraitDefsChangedCallback registers a trait registry observer.
func (d *Device) AddTraitDefsChangedCallback(callback func()) {
	d.components.AddTraitDefChangedCallback(callback)
}

// AddComponent adds a top-level component declaring the given traits.
func (d *Device) AddComponent(name string, traits []string) error {
	return d.components.AddComponent("", name, traits)
}

// RemoveComponent removes a top-level component.
func (d *Device) RemoveComponent(name string) error {
	return d.components.RemoveComponent("", name)
}

// AddComponentTreeChangedCallback registers a tree observer.
func (d *Device) AddComponentTreeChangedCallback(callback func()) {
	d.components.AddComponentTreeChangedCallback(callback)
}

// GetComponents returns a deep copy of the component tree.
func (d *Device) GetComponents() map[string]any {
	return d.components.GetComponents()
}

// GetComponentsForUserRole returns the component tree filtered to what
// the given role may read.
func (d *Device) GetComponentsForUserRole(role auth.Role) map[string]any {
	return d.components.GetComponentsForUserRole(role)
}

// SetStateProperties merges per-trait state onto a component.
func (d *Device) SetStateProperties(componentPath string, props map[string]any) error {
	return d.components.SetStateProperties(componentPath, props)
}

// SetStatePropertiesJSON is SetStateProperties over raw JSON.
func (d *Device) SetStatePropertiesJSON(componentPath, data string) error {
	return d.components.SetStatePropertiesJSON(componentPath, data)
}

// SetStateProperty sets one "trait.property" value on a component.
func (d *Device) SetStateProperty(componentPath, name string, value any) error {
	return d.components.SetStateProperty(componentPath, name, value)
}

// GetStateProperty reads one "trait.property" value from a component.
func (d *Device) GetStateProperty(componentPath, name string) (any, error) {
	return d.components.GetStateProperty(componentPath, name)
}

// AddStateChangedCallback registers a state observer.
func (d *Device) AddStateChangedCallback(callback func()) {
	d.components.AddStateChangedCallback(callback)
}

// AddCommandHandler registers a handler for (component, commandName);
// both empty installs the default handler.
func (d *Device) AddCommandHandler(componentPath, commandName string, handler func(*Command)) {
	d.components.AddCommandHandler(componentPath, commandName, handler)
}

// AddCommand submits a locally originated command with owner privileges
// and returns its id.
func (d *Device) AddCommand(cmd map[string]any) (string, error) {
	instance, id, err := d.components.ParseCommandInstance(cmd, component.OriginLocal, auth.RoleOwner)
	if err != nil {
		return id, err
	}
	d.components.AddCommand(instance)
	return id, nil
}

// FindCommand returns the live command with the given id, or nil.
func (d *Device) FindCommand(id string) *Command {
	return d.components.FindCommand(id)
}

// AddCommandAddedCallback registers a queue observer; existing commands
// are replayed.
func (d *Device) AddCommandAddedCallback(callback func(*Command)) {
	d.components.AddCommandAddedCallback(callback)
}

// AddCommandRemovedCallback registers a removal observer.
func (d *Device) AddCommandRemovedCallback(callback func(*Command)) {
	d.components.AddCommandRemovedCallback(callback)
}

// Register enrolls the device with a cloud registration ticket; the
// assigned cloud id arrives in the done callback.
func (d *Device) Register(ticket string, done func(cloudID string, err error)) {
	d.registration.RegisterDevice(ticket, done)
}

// GetGcdState returns the cloud link state.
func (d *Device) GetGcdState() GcdState {
	return d.registration.GetGcdState()
}

// AddGcdStateChangedCallback registers a cloud link observer; it fires
// immediately with the current state.
func (d *Device) AddGcdStateChangedCallback(callback func(GcdState)) {
	d.registration.AddGcdStateChangedCallback(callback)
}
