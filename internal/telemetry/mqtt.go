package telemetry

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Brownie44l1/segcam/internal/config"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTT publishes reports to a broker topic.
type MQTT struct {
	client mqtt.Client
	topic  string
	qos    byte
	log    *slog.Logger
}

// DialMQTT connects to the configured broker. The client reconnects on its
// own after the first successful connection.
func DialMQTT(cfg config.MQTTConfig, runID string, logger *slog.Logger) (*MQTT, error) {
	broker := brokerURL(cfg.Broker)
	clientID := cfg.ClientID + "-" + runID[:8]

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("mqtt connection established", "broker", broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	logger.Info("connecting to mqtt broker", "broker", broker)

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return &MQTT{client: client, topic: cfg.Topic, qos: cfg.QoS, log: logger}, nil
}

func (m *MQTT) Publish(payload []byte) error {
	if !m.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt not connected")
	}
	token := m.client.Publish(m.topic, m.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	m.log.Debug("stats published", "topic", m.topic, "size", len(payload))
	return nil
}

func (m *MQTT) Close() error {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
		m.log.Info("mqtt disconnected")
	}
	return nil
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
