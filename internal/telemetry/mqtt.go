package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/rjboer/heimdallclient/internal/logging"
)

// MQTTConfig configures the optional MQTT publisher.
type MQTTConfig struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	// Interval throttles publications; zero publishes every update.
	Interval time.Duration
}

// MaxPowerPayload is the JSON body published to <prefix>/spectrum/max_power.
type MaxPowerPayload struct {
	Timestamp   int64     `json:"timestamp"`
	CPIIndex    uint32    `json:"cpiIndex"`
	RFCenterMHz float64   `json:"rfCenterMHz"`
	MaxPowerDBm []float64 `json:"maxPowerDBm"`
}

type publishFunc func(topic string, payload []byte) error

// MQTTReporter publishes per-channel peak powers to an MQTT broker.
type MQTTReporter struct {
	client  mqtt.Client
	publish publishFunc
	topic   string
	every   time.Duration
	logger  logging.Logger
	last    time.Time
}

// NewMQTTReporter connects to the broker and returns a reporter.
func NewMQTTReporter(cfg MQTTConfig, logger logging.Logger) (*MQTTReporter, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With(logging.Field{Key: "subsystem", Value: "mqtt"})

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID("heimdall_" + uuid.NewString())
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("connected to broker", logging.Field{Key: "broker", Value: cfg.Broker})
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("connection lost", logging.Field{Key: "error", Value: err})
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}

	qos := cfg.QoS
	publish := func(topic string, payload []byte) error {
		token := client.Publish(topic, qos, false, payload)
		if !token.WaitTimeout(5 * time.Second) {
			return errors.New("mqtt: publish timed out")
		}
		return token.Error()
	}
	r := newMQTTReporter(cfg, publish, logger)
	r.client = client
	return r, nil
}

func newMQTTReporter(cfg MQTTConfig, publish publishFunc, logger logging.Logger) *MQTTReporter {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "heimdall"
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &MQTTReporter{
		publish: publish,
		topic:   prefix + "/spectrum/max_power",
		every:   cfg.Interval,
		logger:  logger,
	}
}

// Topic is the topic updates are published to.
func (r *MQTTReporter) Topic() string { return r.topic }

// Report publishes the update's peak powers unless throttled.
func (r *MQTTReporter) Report(u SpectrumUpdate) {
	if r.every > 0 && !r.last.IsZero() && u.Timestamp.Sub(r.last) < r.every {
		return
	}
	r.last = u.Timestamp

	payload, err := json.Marshal(MaxPowerPayload{
		Timestamp:   u.Timestamp.Unix(),
		CPIIndex:    u.CPIIndex,
		RFCenterMHz: u.RFCenterMHz,
		MaxPowerDBm: u.MaxPowers(),
	})
	if err != nil {
		r.logger.Error("encode payload", logging.Field{Key: "error", Value: err})
		return
	}
	if err := r.publish(r.topic, payload); err != nil {
		r.logger.Warn("publish failed", logging.Field{Key: "topic", Value: r.topic}, logging.Field{Key: "error", Value: err})
	}
}

// Close disconnects from the broker.
func (r *MQTTReporter) Close() {
	if r.client != nil {
		r.client.Disconnect(250)
	}
}
