// Package mqttingest receives device position reports over MQTT and feeds
// them through the ingest service.
package mqttingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/control-room/internal/config"
	"github.com/ukydev/control-room/internal/ingest"
	"github.com/ukydev/control-room/internal/metrics"
	"github.com/ukydev/control-room/internal/models"
)

const (
	connectTimeout = 10 * time.Second
	ingestTimeout  = 5 * time.Second
)

// ErrTenantMismatch is returned when a payload names another tenant than
// its topic.
var ErrTenantMismatch = errors.New("payload tenant does not match topic")

// Ingester is the part of ingest.Service used here.
type Ingester interface {
	Ingest(ctx context.Context, source ingest.Source, in models.PositionInput) (models.PositionRecord, error)
	IngestBatch(ctx context.Context, source ingest.Source, inputs []models.PositionInput) ([]models.PositionRecord, error)
}

// Subscriber consumes fleet/{tenant}/positions topics.
type Subscriber struct {
	client   mqtt.Client
	topic    string
	qos      byte
	ingester Ingester
	logger   *log.Entry
}

// NewSubscriber creates a subscriber connected to the configured broker.
// Subscriptions are restored after every reconnect.
func NewSubscriber(cfg config.MQTTConfig, ingester Ingester) *Subscriber {
	s := &Subscriber{
		topic:    cfg.Topic,
		qos:      cfg.QoS,
		ingester: ingester,
		logger:   log.WithFields(log.Fields{"component": "mqtt-ingest", "broker": cfg.Broker}),
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.WithError(err).Warn("mqtt connection lost")
		})
	s.client = mqtt.NewClient(opts)
	return s
}

// Start connects to the broker.
func (s *Subscriber) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		s.logger.Warn("mqtt broker not reachable yet, retrying in background")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (s *Subscriber) onConnect(c mqtt.Client) {
	token := c.Subscribe(s.topic, s.qos, s.HandleMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		s.logger.WithError(err).WithField("topic", s.topic).Error("mqtt subscribe failed")
		return
	}
	s.logger.WithField("topic", s.topic).Info("subscribed to device positions")
}

// Stop unsubscribes and disconnects.
func (s *Subscriber) Stop() {
	if s.client.IsConnected() {
		s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
	}
	s.client.Disconnect(250)
}

// TenantFromTopic extracts the tenant of fleet/{tenant}/positions.
func TenantFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "fleet" || parts[2] != "positions" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// HandleMessage ingests one MQTT message. The payload is a position, an
// array of positions or {"positions": [...]}.
func (s *Subscriber) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	logger := s.logger.WithField("topic", msg.Topic())
	tenantID, ok := TenantFromTopic(msg.Topic())
	if !ok {
		logger.Warn("ignoring message on unexpected topic")
		return
	}

	inputs, batch, err := decodePayload(msg.Payload())
	if err != nil {
		metrics.RecordIngestError("validation")
		logger.WithError(err).Warn("invalid mqtt payload")
		return
	}
	for i := range inputs {
		if err := resolveTenant(&inputs[i], tenantID); err != nil {
			metrics.RecordIngestError("validation")
			logger.WithError(err).WithField("payload_tenant_id", inputs[i].TenantID).Warn("rejecting mqtt position")
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()
	if batch {
		_, err = s.ingester.IngestBatch(ctx, ingest.SourceMQTT, inputs)
	} else {
		_, err = s.ingester.Ingest(ctx, ingest.SourceMQTT, inputs[0])
	}
	if err != nil {
		logger.WithError(err).Warn("mqtt position not ingested")
	}
}

func decodePayload(payload []byte) ([]models.PositionInput, bool, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, false, errors.New("empty payload")
	}
	if trimmed[0] == '[' {
		var inputs []models.PositionInput
		if err := json.Unmarshal(trimmed, &inputs); err != nil {
			return nil, false, err
		}
		return inputs, true, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, false, err
	}
	if _, ok := fields["positions"]; ok {
		var body models.BatchInput
		if err := json.Unmarshal(trimmed, &body); err != nil {
			return nil, false, err
		}
		return body.Positions, true, nil
	}
	var in models.PositionInput
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return nil, false, err
	}
	return []models.PositionInput{in}, false, nil
}

func resolveTenant(in *models.PositionInput, topicTenant string) error {
	switch in.TenantID {
	case "":
		in.TenantID = topicTenant
		return nil
	case topicTenant:
		return nil
	default:
		return ErrTenantMismatch
	}
}
