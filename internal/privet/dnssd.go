package privet

import (
	"fmt"
	"sync"

	"github.com/weavekit/weave-core/internal/config"
	"github.com/weavekit/weave-core/provider"
	"github.com/weavekit/weave-core/settings"
)

// serviceType is the mDNS service the device announces on the local
// network; clients browse for it to find the privet HTTP surface.
const serviceType = "_privet._tcp"

// txtVersion is the TXT record schema version.
const txtVersion = 3

// Publisher announces the device over DNS-SD, refreshing the TXT record
// whenever settings or cloud connectivity change.
type Publisher struct {
	mu         sync.Mutex
	dnssd      provider.DNSServiceDiscovery
	httpServer provider.HTTPServer
	cfg        *config.Config
	logger     Logger

	hasWifi        bool
	cloudConnected bool
	published      bool
	started        bool
}

// NewPublisher creates a publisher over the given providers. hasWifi
// selects the announced capability flags.
func NewPublisher(dnssd provider.DNSServiceDiscovery, httpServer provider.HTTPServer,
	cfg *config.Config, hasWifi bool, logger Logger) *Publisher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Publisher{
		dnssd:      dnssd,
		httpServer: httpServer,
		cfg:        cfg,
		hasWifi:    hasWifi,
		logger:     logger,
	}
}

// Start publishes the service and re-publishes on settings changes.
func (p *Publisher) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	// The config callback fires immediately, producing the initial
	// announcement.
	p.cfg.AddOnChangedCallback(func(settings.Settings) { p.publish() })
}

// Stop withdraws the announcement.
func (p *Publisher) Stop() {
	p.mu.Lock()
	p.started = false
	published := p.published
	p.published = false
	p.mu.Unlock()
	if published {
		p.dnssd.StopPublishing(serviceType)
	}
}

// SetCloudConnected records cloud connectivity and refreshes the flags in
// the TXT record.
func (p *Publisher) SetCloudConnected(connected bool) {
	p.mu.Lock()
	changed := p.cloudConnected != connected
	p.cloudConnected = connected
	p.mu.Unlock()
	if changed {
		p.publish()
	}
}

func (p *Publisher) publish() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	s := p.cfg.GetSettings()
	if !s.LocalDiscoveryEnabled {
		published := p.published
		p.published = false
		p.mu.Unlock()
		if published {
			p.logger.Info("local discovery disabled, withdrawing announcement")
			p.dnssd.StopPublishing(serviceType)
		}
		return
	}
	txt := p.txtRecordLocked(s)
	p.published = true
	p.mu.Unlock()

	p.logger.Debug("publishing service", "type", serviceType, "txt", txt)
	p.dnssd.PublishService(serviceType, p.httpServer.HTTPPort(), txt)
}

func (p *Publisher) txtRecordLocked(s settings.Settings) []string {
	txt := []string{
		fmt.Sprintf("txtvers=%d", txtVersion),
		"ty=" + s.Name,
		"mmid=" + s.ModelID,
		"services=_base",
		"id=" + s.DeviceID,
		"flags=" + p.flagsLocked(),
	}
	if s.CloudID != "" {
		txt = append(txt, "gcd_id="+s.CloudID)
	}
	return txt
}

// flagsLocked encodes the provisioning state as the two-letter TXT flag:
// "CB" for devices without WiFi, "DB" while bootstrapping or not yet
// cloud-connected, "BB" once fully provisioned.
func (p *Publisher) flagsLocked() string {
	switch {
	case !p.hasWifi:
		return "CB"
	case p.cloudConnected:
		return "BB"
	default:
		return "DB"
	}
}
