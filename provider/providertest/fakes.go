// Package providertest supplies in-memory implementations of every
// provider interface for use in tests.
//
// The centrepiece is FakeTaskRunner: a deterministic single-threaded event
// loop over a virtual clock. Tests post work, call Run, and the runner
// executes tasks in (due time, posting order), advancing the clock to each
// task's due time, until the queue drains or Break is called.
package providertest

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/weavekit/weave-core/provider"
	"github.com/weavekit/weave-core/settings"
)

// FakeClock is a settable time source.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock pinned to an arbitrary fixed start time.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Unix(1400000000, 0).UTC()}
}

// Now returns the current virtual time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// SetNow pins the clock to t.
func (c *FakeClock) SetNow(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scheduledTask struct {
	due  time.Time
	seq  uint64
	task func()
}

// FakeTaskRunner is a deterministic task runner over a FakeClock.
type FakeTaskRunner struct {
	mu      sync.Mutex
	clock   *FakeClock
	queue   []scheduledTask
	seq     uint64
	stopped bool
}

// NewFakeTaskRunner returns a runner with its own virtual clock.
func NewFakeTaskRunner() *FakeTaskRunner {
	return &FakeTaskRunner{clock: NewFakeClock()}
}

// Clock returns the runner's virtual clock.
func (r *FakeTaskRunner) Clock() provider.Clock { return r.clock }

// FakeClock returns the virtual clock with its mutation methods.
func (r *FakeTaskRunner) FakeClock() *FakeClock { return r.clock }

// PostDelayedTask queues task to run once the virtual clock reaches
// now+delay.
func (r *FakeTaskRunner) PostDelayedTask(task func(), delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.queue = append(r.queue, scheduledTask{
		due:  r.clock.Now().Add(delay),
		seq:  r.seq,
		task: task,
	})
}

// Pending reports how many tasks are queued.
func (r *FakeTaskRunner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Break makes the current Run call return after the task in flight.
func (r *FakeTaskRunner) Break() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

// Run executes queued tasks in due order, advancing the virtual clock to
// each task's due time, until the queue drains or Break is called.
func (r *FakeTaskRunner) Run() {
	r.mu.Lock()
	r.stopped = false
	r.mu.Unlock()
	for {
		r.mu.Lock()
		if r.stopped || len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		sort.SliceStable(r.queue, func(i, j int) bool {
			if !r.queue[i].due.Equal(r.queue[j].due) {
				return r.queue[i].due.Before(r.queue[j].due)
			}
			return r.queue[i].seq < r.queue[j].seq
		})
		next := r.queue[0]
		r.queue = r.queue[1:]
		if next.due.After(r.clock.Now()) {
			r.clock.SetNow(next.due)
		}
		r.mu.Unlock()
		next.task()
	}
}

// RunFor executes queued tasks due within d of the current virtual time,
// then advances the clock to exactly now+d.
func (r *FakeTaskRunner) RunFor(d time.Duration) {
	deadline := r.clock.Now().Add(d)
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			break
		}
		sort.SliceStable(r.queue, func(i, j int) bool {
			if !r.queue[i].due.Equal(r.queue[j].due) {
				return r.queue[i].due.Before(r.queue[j].due)
			}
			return r.queue[i].seq < r.queue[j].seq
		})
		next := r.queue[0]
		if next.due.After(deadline) {
			r.mu.Unlock()
			break
		}
		r.queue = r.queue[1:]
		if next.due.After(r.clock.Now()) {
			r.clock.SetNow(next.due)
		}
		r.mu.Unlock()
		next.task()
	}
	if deadline.After(r.clock.Now()) {
		r.clock.SetNow(deadline)
	}
}

// MemConfigStore is an in-memory ConfigStore.
type MemConfigStore struct {
	mu sync.Mutex
	// Defaults, when non-nil, is applied by LoadDefaults.
	Defaults *settings.Settings
	blobs    map[string]string
}

// NewMemConfigStore returns an empty store.
func NewMemConfigStore() *MemConfigStore {
	return &MemConfigStore{blobs: make(map[string]string)}
}

// LoadDefaults copies Defaults into s when set.
func (m *MemConfigStore) LoadDefaults(s *settings.Settings) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Defaults == nil {
		return false
	}
	*s = *m.Defaults
	return true
}

// LoadSettings returns the blob stored under name.
func (m *MemConfigStore) LoadSettings(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blobs[name]
}

// SaveSettings stores value under name.
func (m *MemConfigStore) SaveSettings(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = value
}

// SetBlob pre-seeds a persisted blob, as if a previous run had saved it.
func (m *MemConfigStore) SetBlob(name, value string) {
	m.SaveSettings(name, value)
}

// Blob returns the currently stored blob under name.
func (m *MemConfigStore) Blob(name string) string {
	return m.LoadSettings(name)
}

// HTTPExchange is one scripted request/response pair for FakeHTTPClient.
type HTTPExchange struct {
	Method      string
	URL         string
	Status      int
	ContentType string
	Body        string
	Err         error
}

// RecordedRequest is a request the FakeHTTPClient has seen.
type RecordedRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Data    string
}

type fakeHTTPResponse struct {
	status      int
	contentType string
	data        string
}

func (r fakeHTTPResponse) StatusCode() int     { return r.status }
func (r fakeHTTPResponse) ContentType() string { return r.contentType }
func (r fakeHTTPResponse) Data() string        { return r.data }

// FakeHTTPClient answers requests from a scripted queue of exchanges.
// Callbacks are invoked synchronously; tests drive everything from one
// goroutine.
type FakeHTTPClient struct {
	mu       sync.Mutex
	script   []HTTPExchange
	Requests []RecordedRequest
}

// NewFakeHTTPClient returns a client with an empty script. Unscripted
// requests fail with a transport error.
func NewFakeHTTPClient() *FakeHTTPClient {
	return &FakeHTTPClient{}
}

// Expect appends an exchange to the script. Requests are matched against
// the script in order by method and URL.
func (c *FakeHTTPClient) Expect(e HTTPExchange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.ContentType == "" {
		e.ContentType = "application/json; charset=utf-8"
	}
	if e.Status == 0 {
		e.Status = 200
	}
	c.script = append(c.script, e)
}

// SendRequest matches the request against the next scripted exchange for
// its method and URL.
func (c *FakeHTTPClient) SendRequest(method, url string, headers map[string]string,
	data string, callback func(provider.HTTPResponse, error)) {
	c.mu.Lock()
	c.Requests = append(c.Requests, RecordedRequest{
		Method:  method,
		URL:     url,
		Headers: headers,
		Data:    data,
	})
	var match *HTTPExchange
	for i := range c.script {
		if c.script[i].Method == method && c.script[i].URL == url {
			found := c.script[i]
			match = &found
			c.script = append(c.script[:i], c.script[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if match == nil {
		callback(nil, fmt.Errorf("providertest: unexpected request %s %s", method, url))
		return
	}
	if match.Err != nil {
		callback(nil, match.Err)
		return
	}
	callback(fakeHTTPResponse{
		status:      match.Status,
		contentType: match.ContentType,
		data:        match.Body,
	}, nil)
}

// FakeNetwork reports a settable connection state.
type FakeNetwork struct {
	mu        sync.Mutex
	runner    *FakeTaskRunner
	state     provider.NetworkState
	callbacks []func()
}

// NewFakeNetwork returns a network in the given initial state. Change
// callbacks are posted onto runner.
func NewFakeNetwork(runner *FakeTaskRunner, state provider.NetworkState) *FakeNetwork {
	return &FakeNetwork{runner: runner, state: state}
}

// ConnectionState returns the current state.
func (n *FakeNetwork) ConnectionState() provider.NetworkState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// AddConnectionChangedCallback registers a change observer.
func (n *FakeNetwork) AddConnectionChangedCallback(callback func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks = append(n.callbacks, callback)
}

// SetConnectionState changes the state immediately and posts the change
// callbacks onto the runner after delay.
func (n *FakeNetwork) SetConnectionState(state provider.NetworkState, delay time.Duration) {
	n.mu.Lock()
	n.state = state
	callbacks := append([]func(){}, n.callbacks...)
	n.mu.Unlock()
	for _, cb := range callbacks {
		n.runner.PostDelayedTask(cb, delay)
	}
}

// OpenSSLSocket always fails; the fakes carry no raw socket transport.
func (n *FakeNetwork) OpenSSLSocket(host string, port uint16,
	callback func(io.ReadWriteCloser, error)) {
	callback(nil, errors.New("providertest: ssl sockets not supported"))
}

// APEvent is one access-point start or stop observed by FakeWifi.
type APEvent struct {
	SSID string // empty for stop events
	At   time.Time
}

// FakeWifi records access-point activity against the runner's clock.
type FakeWifi struct {
	mu     sync.Mutex
	runner *FakeTaskRunner

	Starts []APEvent
	Stops  []APEvent

	// OnStartAccessPoint and OnStopAccessPoint, when set, run after the
	// event is recorded.
	OnStartAccessPoint func(ssid string)
	OnStopAccessPoint  func()
}

// NewFakeWifi returns a wifi fake stamping events with runner's clock.
func NewFakeWifi(runner *FakeTaskRunner) *FakeWifi {
	return &FakeWifi{runner: runner}
}

// Connect reports success on the runner.
func (w *FakeWifi) Connect(ssid, passphrase string, callback func(error)) {
	w.runner.PostDelayedTask(func() { callback(nil) }, 0)
}

// StartAccessPoint records the start event.
func (w *FakeWifi) StartAccessPoint(ssid string) {
	w.mu.Lock()
	w.Starts = append(w.Starts, APEvent{SSID: ssid, At: w.runner.Clock().Now()})
	hook := w.OnStartAccessPoint
	w.mu.Unlock()
	if hook != nil {
		hook(ssid)
	}
}

// StopAccessPoint records the stop event.
func (w *FakeWifi) StopAccessPoint() {
	w.mu.Lock()
	w.Stops = append(w.Stops, APEvent{At: w.runner.Clock().Now()})
	hook := w.OnStopAccessPoint
	w.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Publication is a service announcement captured by FakeDNSSD.
type Publication struct {
	Port uint16
	TXT  []string
}

// FakeDNSSD records mDNS announcements.
type FakeDNSSD struct {
	mu sync.Mutex
	// Current holds the latest announcement per service type.
	Current map[string]Publication
	// History holds every announcement in order.
	History []Publication
	Stopped []string
}

// NewFakeDNSSD returns an empty recorder.
func NewFakeDNSSD() *FakeDNSSD {
	return &FakeDNSSD{Current: make(map[string]Publication)}
}

// PublishService records the announcement.
func (d *FakeDNSSD) PublishService(serviceType string, port uint16, txt []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pub := Publication{Port: port, TXT: append([]string{}, txt...)}
	d.Current[serviceType] = pub
	d.History = append(d.History, pub)
}

// StopPublishing records the withdrawal.
func (d *FakeDNSSD) StopPublishing(serviceType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.Current, serviceType)
	d.Stopped = append(d.Stopped, serviceType)
}

// FakeHTTPServer exposes fixed ports and records request handlers.
type FakeHTTPServer struct {
	mu          sync.Mutex
	HTTP        uint16
	HTTPS       uint16
	Fingerprint []byte
	handlers    map[string]func(provider.ServerRequest)
	callbacks   []func(provider.HTTPServer)
}

// NewFakeHTTPServer returns a server reporting the given ports.
func NewFakeHTTPServer(httpPort, httpsPort uint16) *FakeHTTPServer {
	return &FakeHTTPServer{
		HTTP:        httpPort,
		HTTPS:       httpsPort,
		Fingerprint: []byte{1, 2, 3},
		handlers:    make(map[string]func(provider.ServerRequest)),
	}
}

// HTTPPort returns the plain-text port.
func (s *FakeHTTPServer) HTTPPort() uint16 { return s.HTTP }

// HTTPSPort returns the TLS port.
func (s *FakeHTTPServer) HTTPSPort() uint16 { return s.HTTPS }

// HTTPSCertificateFingerprint returns the configured fingerprint.
func (s *FakeHTTPServer) HTTPSCertificateFingerprint() []byte { return s.Fingerprint }

// AddRequestHandler records the handler under its prefix.
func (s *FakeHTTPServer) AddRequestHandler(pathPrefix string, handler func(provider.ServerRequest)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[pathPrefix] = handler
}

// AddOnStateChangedCallback registers a state observer.
func (s *FakeHTTPServer) AddOnStateChangedCallback(callback func(provider.HTTPServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, callback)
}

// NotifyStateChanged fires all registered state observers.
func (s *FakeHTTPServer) NotifyStateChanged() {
	s.mu.Lock()
	callbacks := append([]func(provider.HTTPServer){}, s.callbacks...)
	s.mu.Unlock()
	for _, cb := range callbacks {
		cb(s)
	}
}

// FakeBluetooth marks Bluetooth as present.
type FakeBluetooth struct{}
