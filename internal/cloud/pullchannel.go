package cloud

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/weavekit/weave-core/provider"
)

// PullChannel keeps a websocket open to the notification endpoint; any
// message on it means new commands are waiting, short-circuiting the next
// poll. Losing the channel is harmless — polling still runs — so the
// channel reconnects quietly with backoff.
type PullChannel struct {
	mu       sync.Mutex
	endpoint string
	runner   provider.TaskRunner
	onNotify func()
	logger   Logger

	conn    *websocket.Conn
	stopped bool
}

// NewPullChannel creates a channel to endpoint. onNotify is posted onto
// the task runner for every received message.
func NewPullChannel(endpoint string, runner provider.TaskRunner, onNotify func(),
	logger Logger) *PullChannel {
	if logger == nil {
		logger = noopLogger{}
	}
	return &PullChannel{
		endpoint: endpoint,
		runner:   runner,
		onNotify: onNotify,
		logger:   logger,
	}
}

// Start connects in the background and keeps the channel alive until
// Stop.
func (p *PullChannel) Start() {
	go p.run()
}

// Stop closes the channel.
func (p *PullChannel) Stop() {
	p.mu.Lock()
	p.stopped = true
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (p *PullChannel) run() {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 5 * time.Minute
	retry.MaxElapsedTime = 0

	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		conn, _, err := websocket.DefaultDialer.Dial(p.endpoint, nil)
		if err != nil {
			delay := retry.NextBackOff()
			p.logger.Warn("notification channel dial failed", "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.conn = conn
		p.mu.Unlock()
		p.logger.Info("notification channel connected", "endpoint", p.endpoint)
		retry.Reset()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				p.logger.Warn("notification channel closed", "error", err)
				break
			}
			p.runner.PostDelayedTask(p.onNotify, 0)
		}
		conn.Close()
	}
}
