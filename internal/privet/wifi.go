package privet

import (
	"fmt"
	"sync"
	"time"

	"github.com/weavekit/weave-core/internal/config"
	"github.com/weavekit/weave-core/provider"
)

// Bootstrap timing policy. A device that loses connectivity holds off for
// reconnectWait before opening its provisioning AP, then keeps the AP up
// for apWindow before retrying station mode, cycling until it reconnects.
const (
	reconnectWait = time.Minute
	apWindow      = 5 * time.Minute
)

type bootstrapState int

const (
	stateMonitoring bootstrapState = iota
	stateWaitingToBootstrap
	stateBootstrapping
)

// WifiBootstrapManager toggles the device between station mode and a local
// soft-AP provisioning mode based on observed connectivity.
type WifiBootstrapManager struct {
	mu      sync.Mutex
	runner  provider.TaskRunner
	clock   provider.Clock
	wifi    provider.Wifi
	network provider.Network
	cfg     *config.Config
	logger  Logger

	state bootstrapState
	// generation invalidates timers scheduled for an abandoned state; a
	// fired timer whose generation is stale does nothing.
	generation uint64
	started    bool
}

// NewWifiBootstrapManager wires the bootstrap policy over the given
// providers. Call Start to begin observing connectivity.
func NewWifiBootstrapManager(runner provider.TaskRunner, wifi provider.Wifi,
	network provider.Network, cfg *config.Config, logger Logger) *WifiBootstrapManager {
	if logger == nil {
		logger = noopLogger{}
	}
	return &WifiBootstrapManager{
		runner:  runner,
		clock:   runner.Clock(),
		wifi:    wifi,
		network: network,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start subscribes to connectivity changes and applies the initial
// policy: a never-provisioned offline device opens its AP immediately,
// a previously provisioned one first waits out reconnectWait.
func (m *WifiBootstrapManager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.network.AddConnectionChangedCallback(m.onConnectivityChange)

	if m.network.ConnectionState() == provider.NetworkConnected {
		m.switchTo(stateMonitoring)
		return
	}
	if m.cfg.GetSettings().LastConfiguredSSID == "" {
		m.switchTo(stateBootstrapping)
		return
	}
	m.switchTo(stateWaitingToBootstrap)
}

// Stop tears the AP down if it is up and stops reacting to connectivity.
func (m *WifiBootstrapManager) Stop() {
	m.mu.Lock()
	m.generation++
	wasBootstrapping := m.state == stateBootstrapping
	m.state = stateMonitoring
	m.started = false
	m.mu.Unlock()
	if wasBootstrapping {
		m.wifi.StopAccessPoint()
	}
}

// Connect joins the given network in station mode. On success the SSID is
// recorded as last_configured_ssid.
func (m *WifiBootstrapManager) Connect(ssid, passphrase string, done func(error)) {
	m.wifi.Connect(ssid, passphrase, func(err error) {
		if err == nil {
			tx := m.cfg.Begin()
			tx.SetLastConfiguredSSID(ssid)
			tx.Commit()
		}
		if done != nil {
			done(err)
		}
	})
}

func (m *WifiBootstrapManager) onConnectivityChange() {
	online := m.network.ConnectionState() == provider.NetworkConnected

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	state := m.state
	m.mu.Unlock()

	switch {
	case online && state == stateBootstrapping:
		m.logger.Info("network restored, stopping provisioning access point")
		m.wifi.StopAccessPoint()
		m.switchTo(stateMonitoring)
	case online:
		m.switchTo(stateMonitoring)
	case state == stateMonitoring:
		m.logger.Info("network lost, waiting before provisioning access point",
			"wait", reconnectWait)
		m.switchTo(stateWaitingToBootstrap)
	}
}

// switchTo enters the new state and schedules its exit timer.
func (m *WifiBootstrapManager) switchTo(state bootstrapState) {
	m.mu.Lock()
	m.generation++
	generation := m.generation
	m.state = state
	m.mu.Unlock()

	switch state {
	case stateMonitoring:
		// Nothing scheduled; connectivity callbacks drive the exit.
	case stateWaitingToBootstrap:
		m.runner.PostDelayedTask(func() {
			if !m.inState(generation, stateWaitingToBootstrap) {
				return
			}
			if m.network.ConnectionState() == provider.NetworkConnected {
				m.switchTo(stateMonitoring)
				return
			}
			m.switchTo(stateBootstrapping)
		}, reconnectWait)
	case stateBootstrapping:
		ssid := m.apSSID()
		m.logger.Info("starting provisioning access point", "ssid", ssid)
		m.wifi.StartAccessPoint(ssid)
		// With a previously configured network to fall back to, the AP
		// only stays up for the provisioning window.
		if m.cfg.GetSettings().LastConfiguredSSID != "" {
			m.runner.PostDelayedTask(func() {
				if !m.inState(generation, stateBootstrapping) {
					return
				}
				m.logger.Info("provisioning window elapsed, retrying station mode")
				m.wifi.StopAccessPoint()
				m.switchTo(stateWaitingToBootstrap)
			}, apWindow)
		}
	}
}

func (m *WifiBootstrapManager) inState(generation uint64, state bootstrapState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == generation && m.state == state
}

// apSSID derives the provisioning network name from the device identity.
// The trailing "prv" marks the AP as a provisioning network.
func (m *WifiBootstrapManager) apSSID() string {
	s := m.cfg.GetSettings()
	name := s.Name
	if len(name) > 20 {
		name = name[:20]
	}
	return fmt.Sprintf("%s.%sprv", name, s.ModelID)
}
