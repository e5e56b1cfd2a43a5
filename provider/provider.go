// Package provider declares the host capabilities the library depends on.
//
// The core never owns platform I/O: the embedding process hands in an
// implementation of each interface at Create time. Any of the optional
// capabilities (DNS-SD, HTTP server, WiFi, Bluetooth) may be nil, which
// disables the subsystems built on them. Test doubles for every interface
// live in provider/providertest.
package provider

import (
	"io"
	"time"

	"github.com/weavekit/weave-core/settings"
)

// Clock supplies the current time. Pluggable so tests can pin Now.
type Clock interface {
	Now() time.Time
}

// TaskRunner schedules closures onto the host event loop.
//
// All core callbacks execute on this runner. Tasks posted with equal delay
// run in FIFO order.
type TaskRunner interface {
	// PostDelayedTask runs task after at least delay has elapsed.
	PostDelayedTask(task func(), delay time.Duration)
	// Clock returns the time source the runner schedules against.
	Clock() Clock
}

// ConfigStore persists named opaque settings blobs and supplies the static
// device defaults.
type ConfigStore interface {
	// LoadDefaults fills in the host-fixed settings (model, OEM, cloud
	// credentials). Returns false if no defaults are available.
	LoadDefaults(s *settings.Settings) bool
	// LoadSettings returns the persisted blob stored under name, or ""
	// if nothing has been saved yet.
	LoadSettings(name string) string
	// SaveSettings durably replaces the blob stored under name.
	SaveSettings(name, value string)
}

// Blob names used with ConfigStore.
const (
	SettingsBlobName   = "settings"
	RevocationBlobName = "revocation_list"
)

// HTTPResponse is a completed HTTP exchange as seen by the core.
type HTTPResponse interface {
	StatusCode() int
	ContentType() string
	Data() string
}

// HTTPClient issues outbound HTTP requests. The callback is invoked on the
// task runner with either a response or a transport error.
type HTTPClient interface {
	SendRequest(method, url string, headers map[string]string, data string,
		callback func(HTTPResponse, error))
}

// ServerRequest is an inbound request on the local HTTP surface.
type ServerRequest interface {
	Path() string
	Method() string
	Data() string
	Header(name string) string
	// SendReply completes the request with the given status, body and
	// content type.
	SendReply(status int, data, mimeType string)
}

// HTTPServer is the local HTTP/HTTPS surface the host exposes for the
// privet protocol.
type HTTPServer interface {
	HTTPPort() uint16
	HTTPSPort() uint16
	HTTPSCertificateFingerprint() []byte
	// AddRequestHandler routes requests whose path starts with pathPrefix
	// to handler.
	AddRequestHandler(pathPrefix string, handler func(ServerRequest))
	// AddOnStateChangedCallback fires whenever the server starts or stops
	// listening; it also fires on registration when the server is already
	// listening.
	AddOnStateChangedCallback(callback func(HTTPServer))
}

// NetworkState describes the host's uplink connectivity.
type NetworkState int

// Network connectivity states.
const (
	NetworkOffline NetworkState = iota
	NetworkConnecting
	NetworkConnected
)

// String returns a readable name for the state.
func (s NetworkState) String() string {
	switch s {
	case NetworkOffline:
		return "offline"
	case NetworkConnecting:
		return "connecting"
	default:
		return "connected"
	}
}

// Network reports uplink connectivity and opens raw sockets for push
// transports that bypass HTTP.
type Network interface {
	ConnectionState() NetworkState
	// AddConnectionChangedCallback fires on the task runner whenever
	// ConnectionState may have changed.
	AddConnectionChangedCallback(callback func())
	// OpenSSLSocket establishes a TLS stream to host:port and hands it to
	// the callback, or reports a dial error.
	OpenSSLSocket(host string, port uint16, callback func(io.ReadWriteCloser, error))
}

// DNSServiceDiscovery publishes mDNS service records on the local network.
type DNSServiceDiscovery interface {
	// PublishService announces serviceType on port with the given TXT
	// records, replacing any previous announcement of the same type.
	PublishService(serviceType string, port uint16, txt []string)
	StopPublishing(serviceType string)
}

// Wifi controls the station and access-point radios used during
// bootstrapping.
type Wifi interface {
	// Connect joins the given network in station mode and reports the
	// outcome on the task runner.
	Connect(ssid, passphrase string, callback func(error))
	StartAccessPoint(ssid string)
	StopAccessPoint()
}

// Bluetooth marks the presence of a Bluetooth radio. The capability is
// currently presence-only.
type Bluetooth interface{}
