package main

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/weavekit/weave-core/internal/infrastructure/logging"
	"github.com/weavekit/weave-core/internal/infrastructure/runner"
	"github.com/weavekit/weave-core/provider"
)

// hostHTTPClient implements provider.HTTPClient over net/http. Requests
// run on their own goroutines; callbacks are posted back onto the task
// runner.
type hostHTTPClient struct {
	tasks  *runner.Runner
	client *http.Client
}

func newHostHTTPClient(tasks *runner.Runner) *hostHTTPClient {
	return &hostHTTPClient{
		tasks: tasks,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type hostHTTPResponse struct {
	status      int
	contentType string
	data        string
}

func (r hostHTTPResponse) StatusCode() int     { return r.status }
func (r hostHTTPResponse) ContentType() string { return r.contentType }
func (r hostHTTPResponse) Data() string        { return r.data }

func (c *hostHTTPClient) SendRequest(method, url string, headers map[string]string,
	data string, callback func(provider.HTTPResponse, error)) {
	go func() {
		deliver := func(resp provider.HTTPResponse, err error) {
			c.tasks.PostDelayedTask(func() { callback(resp, err) }, 0)
		}
		req, err := http.NewRequest(method, url, strings.NewReader(data))
		if err != nil {
			deliver(nil, err)
			return
		}
		for name, value := range headers {
			req.Header.Set(name, value)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			deliver(nil, err)
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			deliver(nil, err)
			return
		}
		deliver(hostHTTPResponse{
			status:      resp.StatusCode,
			contentType: resp.Header.Get("Content-Type"),
			data:        string(body),
		}, nil)
	}()
}

// hostNetwork implements provider.Network by probing outbound
// connectivity. With forceOffline set it always reports offline, which
// drives the library into WiFi bootstrapping.
const connectivityProbeInterval = 10 * time.Second

type hostNetwork struct {
	tasks        *runner.Runner
	logger       *logging.Logger
	forceOffline bool

	state     provider.NetworkState
	callbacks []func()
}

func newHostNetwork(tasks *runner.Runner, forceOffline bool, logger *logging.Logger) *hostNetwork {
	state := provider.NetworkOffline
	if !forceOffline {
		state = probeConnectivity()
	}
	return &hostNetwork{
		tasks:        tasks,
		logger:       logger,
		forceOffline: forceOffline,
		state:        state,
	}
}

func probeConnectivity() provider.NetworkState {
	conn, err := net.DialTimeout("udp", "8.8.8.8:53", 2*time.Second)
	if err != nil {
		return provider.NetworkOffline
	}
	conn.Close()
	return provider.NetworkConnected
}

// Start begins periodic connectivity probing.
func (n *hostNetwork) Start(ctx context.Context) {
	if n.forceOffline {
		return
	}
	go func() {
		ticker := time.NewTicker(connectivityProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			state := probeConnectivity()
			n.tasks.PostDelayedTask(func() { n.setState(state) }, 0)
		}
	}()
}

func (n *hostNetwork) setState(state provider.NetworkState) {
	if state == n.state {
		return
	}
	n.logger.Info("connectivity changed", "state", state)
	n.state = state
	for _, cb := range n.callbacks {
		cb()
	}
}

func (n *hostNetwork) ConnectionState() provider.NetworkState {
	return n.state
}

func (n *hostNetwork) AddConnectionChangedCallback(callback func()) {
	n.callbacks = append(n.callbacks, callback)
}

func (n *hostNetwork) OpenSSLSocket(host string, port uint16,
	callback func(io.ReadWriteCloser, error)) {
	go func() {
		conn, err := tls.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))), nil)
		n.tasks.PostDelayedTask(func() {
			if err != nil {
				callback(nil, err)
				return
			}
			callback(conn, nil)
		}, 0)
	}()
}

// loggingDNSSD is a stand-in mDNS responder: it logs announcements
// instead of putting them on the wire. Replace with an Avahi or mdns
// binding on platforms that have one.
type loggingDNSSD struct {
	logger *logging.Logger
}

func newLoggingDNSSD(logger *logging.Logger) *loggingDNSSD {
	return &loggingDNSSD{logger: logger}
}

func (d *loggingDNSSD) PublishService(serviceType string, port uint16, txt []string) {
	d.logger.Info("publishing service", "type", serviceType, "port", port, "txt", txt)
}

func (d *loggingDNSSD) StopPublishing(serviceType string) {
	d.logger.Info("withdrawing service", "type", serviceType)
}

// loggingWifi is a stand-in WiFi controller: it logs radio operations
// instead of driving wpa_supplicant/hostapd.
type loggingWifi struct {
	logger *logging.Logger
}

func newLoggingWifi(logger *logging.Logger) *loggingWifi {
	return &loggingWifi{logger: logger}
}

func (w *loggingWifi) Connect(ssid, passphrase string, callback func(error)) {
	w.logger.Info("joining network", "ssid", ssid)
	callback(nil)
}

func (w *loggingWifi) StartAccessPoint(ssid string) {
	w.logger.Info("starting access point", "ssid", ssid)
}

func (w *loggingWifi) StopAccessPoint() {
	w.logger.Info("stopping access point")
}
