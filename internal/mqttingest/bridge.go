// Package mqttingest bridges raw scale readings published over MQTT into
// the same ingestion path the HTTP endpoint uses. It exists for sensors on
// flaky workshop Wi-Fi where MQTT's buffering beats raw HTTP posts.
package mqttingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"craftscale/scale-server/internal/model"
)

const (
	connectTimeout = 5 * time.Second
	ingestTimeout  = 2 * time.Second
)

// IngestFunc applies one raw reading. It matches the app's shared ingest
// path; the bridge discards the computed reading and calibration.
type IngestFunc func(context.Context, model.RawReading) (model.Reading, model.Calibration, error)

// Bridge subscribes to a raw-reading topic and forwards each payload.
type Bridge struct {
	brokerURL string
	topic     string
	logger    *slog.Logger
	ingest    IngestFunc
	client    mqtt.Client
}

// New constructs a bridge; Start connects it.
func New(brokerURL, topic string, logger *slog.Logger, ingest IngestFunc) *Bridge {
	return &Bridge{brokerURL: brokerURL, topic: topic, logger: logger, ingest: ingest}
}

// Start connects to the broker and subscribes. Reconnection is delegated to
// the paho client; missed readings are simply superseded by the next one.
func (b *Bridge) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.brokerURL).
		SetClientID(fmt.Sprintf("craftscale-server-%d", time.Now().UnixNano())).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(false)

	opts.OnConnect = func(c mqtt.Client) {
		if token := c.Subscribe(b.topic, 0, b.handleMessage); token.Wait() && token.Error() != nil {
			b.logger.Error("mqtt subscribe failed", "topic", b.topic, "error", token.Error())
			return
		}
		b.logger.Info("mqtt bridge subscribed", "topic", b.topic)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", "error", err)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}

	b.client = client
	b.logger.Info("mqtt bridge connected", "broker", b.brokerURL)
	return nil
}

// Stop disconnects from the broker.
func (b *Bridge) Stop() {
	if b.client == nil {
		return
	}
	b.client.Disconnect(250)
	b.logger.Info("mqtt bridge stopped")
}

func (b *Bridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var payload struct {
		RawValue  *float64 `json:"rawValue"`
		Timestamp string   `json:"timestamp"`
	}
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil || payload.RawValue == nil {
		b.logger.Warn("mqtt payload rejected", "topic", msg.Topic(), "error", err)
		return
	}

	var ts time.Time
	if payload.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, payload.Timestamp); err == nil {
			ts = parsed
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	if _, _, err := b.ingest(ctx, model.RawReading{RawValue: *payload.RawValue, Timestamp: ts}); err != nil {
		b.logger.Error("mqtt reading dropped", "topic", msg.Topic(), "error", err)
	}
}
