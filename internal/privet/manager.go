package privet

import (
	"github.com/weavekit/weave-core/internal/config"
	"github.com/weavekit/weave-core/provider"
)

// Manager is the privet entry point: it owns the DNS-SD publisher and the
// WiFi bootstrap state machine and starts them together.
type Manager struct {
	publisher *Publisher
	bootstrap *WifiBootstrapManager
}

// NewManager assembles the local surface over the optional providers.
// A nil dnssd disables announcement; a nil wifi disables bootstrapping.
func NewManager(runner provider.TaskRunner, cfg *config.Config,
	network provider.Network, dnssd provider.DNSServiceDiscovery,
	httpServer provider.HTTPServer, wifi provider.Wifi, logger Logger) *Manager {
	m := &Manager{}
	if dnssd != nil && httpServer != nil {
		m.publisher = NewPublisher(dnssd, httpServer, cfg, wifi != nil, logger)
	}
	if wifi != nil && network != nil {
		m.bootstrap = NewWifiBootstrapManager(runner, wifi, network, cfg, logger)
	}
	return m
}

// Start brings the local surface up.
func (m *Manager) Start() {
	if m.publisher != nil {
		m.publisher.Start()
	}
	if m.bootstrap != nil {
		m.bootstrap.Start()
	}
}

// Stop tears the local surface down.
func (m *Manager) Stop() {
	if m.publisher != nil {
		m.publisher.Stop()
	}
	if m.bootstrap != nil {
		m.bootstrap.Stop()
	}
}

// SetCloudConnected forwards cloud connectivity into the announcement
// flags.
func (m *Manager) SetCloudConnected(connected bool) {
	if m.publisher != nil {
		m.publisher.SetCloudConnected(connected)
	}
}

// Bootstrap returns the WiFi bootstrap manager, or nil without WiFi.
func (m *Manager) Bootstrap() *WifiBootstrapManager {
	return m.bootstrap
}
