// Package mqttbus bridges the device onto a local MQTT broker: state
// changes made by the host are published for other local systems, and
// commands posted to the command topic are injected into the device.
//
// The bus is entirely optional; the daemon runs without a broker.
package mqttbus

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/weavekit/weave-core/internal/infrastructure/config"
)

// Topic layout. Commands arrive as JSON command payloads; state changes
// go out per component.
const (
	topicStatus   = "weave/system/status"
	topicCommands = "weave/commands"
	topicStateFmt = "weave/state/%s"
)

// Connection constants.
const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAliveInterval = 60 * time.Second
	tlsMinVersion     = tls.VersionTLS12
	maxCommandPayload = 1 << 20 // 1MB
)

// Logger is the logging interface used by the bus.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// CommandSink receives command payloads read off the command topic.
type CommandSink func(payload map[string]any) error

// Bus is a connected MQTT bridge.
type Bus struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	logger Logger
}

// Connect establishes the broker connection, announces the device as
// online (with a matching last-will for unexpected disconnects) and
// starts forwarding command payloads to sink.
func Connect(cfg config.MQTTConfig, sink CommandSink, logger Logger) (*Bus, error) {
	opts := buildClientOptions(cfg)
	will := fmt.Sprintf(`{"status":"offline","client_id":"%s"}`, cfg.Broker.ClientID)
	opts.SetWill(topicStatus, will, 1, true)

	b := &Bus{cfg: cfg, logger: logger}
	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker.Host)
		online := fmt.Sprintf(`{"status":"online","client_id":"%s"}`, cfg.Broker.ClientID)
		client.Publish(topicStatus, 1, true, online)
		// Re-subscribe on every (re)connect; the session is clean.
		token := client.Subscribe(topicCommands, byte(cfg.QoS), func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleCommand(msg.Payload(), sink)
		})
		if token.WaitTimeout(connectTimeout) && token.Error() != nil {
			logger.Error("mqtt subscribe failed", "topic", topicCommands, "error", token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqttbus: connect timeout after %v", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqttbus: connecting: %w", err)
	}
	return b, nil
}

func (b *Bus) handleCommand(payload []byte, sink CommandSink) {
	if len(payload) > maxCommandPayload {
		b.logger.Warn("dropping oversized command payload", "size", len(payload))
		return
	}
	var command map[string]any
	if err := json.Unmarshal(payload, &command); err != nil {
		b.logger.Warn("dropping malformed command payload", "error", err)
		return
	}
	if err := sink(command); err != nil {
		b.logger.Warn("command rejected", "error", err)
	}
}

// PublishStateChange publishes the changed properties of one component.
func (b *Bus) PublishStateChange(component string, props map[string]any) error {
	payload, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("mqttbus: encoding state: %w", err)
	}
	topic := fmt.Sprintf(topicStateFmt, component)
	token := b.client.Publish(topic, byte(b.cfg.QoS), true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqttbus: publish timeout after %v", publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttbus: publishing: %w", err)
	}
	return nil
}

// Close announces a graceful shutdown and disconnects.
func (b *Bus) Close() {
	offline := fmt.Sprintf(`{"status":"offline","client_id":"%s","reason":"shutdown"}`,
		b.cfg.Broker.ClientID)
	token := b.client.Publish(topicStatus, 1, true, offline)
	token.WaitTimeout(publishTimeout)
	b.client.Disconnect(disconnectQuiesce)
}

// buildClientOptions creates paho MQTT options from the daemon config.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAliveInterval)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	return opts
}
