package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/opticlab/discovery-core/internal/infrastructure/config"
	"github.com/opticlab/discovery-core/internal/infrastructure/logging"
	"github.com/opticlab/discovery-core/internal/laser"
)

// Connection constants.
const (
	// connectTimeout is the maximum time to wait for initial connection.
	connectTimeout = 10 * time.Second

	// publishTimeout is the maximum time to wait for publish acknowledgment.
	publishTimeout = 5 * time.Second

	// disconnectQuiesce is the time to wait for pending operations on
	// disconnect, in milliseconds.
	disconnectQuiesce = 1000

	// keepAlive is the keepalive interval for the connection.
	keepAlive = 60 * time.Second
)

// Telemetry errors.
var (
	ErrConnectionFailed = errors.New("telemetry: connection failed")
	ErrPublishFailed    = errors.New("telemetry: publish failed")
	ErrNotConnected     = errors.New("telemetry: not connected")
)

// Publisher pushes instrument snapshots to an MQTT broker. It satisfies
// the control package's StatusPublisher interface.
type Publisher struct {
	client pahomqtt.Client
	cfg    config.TelemetryConfig
	logger *logging.Logger

	onlineTopic string
	statusTopic string
}

// Connect establishes a connection to the MQTT broker.
//
// It configures a Last Will so the broker flips the online topic to "0"
// if the daemon disappears without a graceful disconnect, and publishes
// "1" once connected. Auto-reconnect is enabled; publishes while
// disconnected fail with ErrNotConnected and are retried naturally on
// the next poll.
//
// Parameters:
//   - cfg: Telemetry configuration (broker URL, credentials, topics)
//   - serial: Instrument serial number, used in topic paths
//   - logger: Structured logger
//
// Returns:
//   - *Publisher: Connected publisher
//   - error: If the initial connection fails within timeout
func Connect(cfg config.TelemetryConfig, serial string, logger *logging.Logger) (*Publisher, error) {
	p := &Publisher{
		cfg:         cfg,
		logger:      logger.With("component", "telemetry"),
		onlineTopic: fmt.Sprintf("%s/%s/online", cfg.TopicPrefix, serial),
		statusTopic: fmt.Sprintf("%s/%s/status", cfg.TopicPrefix, serial),
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(p.onlineTopic, "0", byte(cfg.QoS), true)
	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		// Reassert liveness on every (re)connect.
		client.Publish(p.onlineTopic, byte(cfg.QoS), true, "1")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.logger.Warn("broker connection lost", "error", err)
	})

	p.client = pahomqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	p.logger.Info("connected to broker", "broker", cfg.Broker, "status_topic", p.statusTopic)
	return p, nil
}

// PublishStatus publishes one snapshot, retained, to the status topic.
func (p *Publisher) PublishStatus(ctx context.Context, st laser.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.client.IsConnected() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %w", ErrPublishFailed, err)
	}

	token := p.client.Publish(p.statusTopic, byte(p.cfg.QoS), true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close marks the instrument offline and disconnects gracefully.
func (p *Publisher) Close() error {
	if p.client.IsConnected() {
		token := p.client.Publish(p.onlineTopic, byte(p.cfg.QoS), true, "0")
		token.WaitTimeout(publishTimeout)
	}
	p.client.Disconnect(disconnectQuiesce)
	p.logger.Info("disconnected from broker")
	return nil
}
