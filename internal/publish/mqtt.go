// Package publish sends zone statistics to an MQTT broker as they are computed.
package publish

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/felixriese/thermal-image-processing/internal/logging"
	"github.com/felixriese/thermal-image-processing/internal/output"
	"github.com/felixriese/thermal-image-processing/internal/types"
)

type Config struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
}

// Payload is the JSON body of one statistics message.
type Payload struct {
	Source     string   `json:"source"`
	Zone       string   `json:"zone"`
	FrameIndex int      `json:"frame_index"`
	Timestamp  string   `json:"timestamp,omitempty"`
	Count      int      `json:"count"`
	Mean       *float64 `json:"mean"`
	Min        *float64 `json:"min"`
	Max        *float64 `json:"max"`
	Median     *float64 `json:"median"`
	Std        *float64 `json:"std"`
	Status     string   `json:"status"`
}

func NewPayload(stat types.ZoneStat) Payload {
	p := Payload{
		Source:     stat.Source,
		Zone:       stat.Zone,
		FrameIndex: stat.FrameIndex,
		Timestamp:  output.FormatTimestamp(stat.Timestamp),
		Count:      stat.Count,
		Status:     stat.Status(),
	}
	if !stat.NoData {
		p.Mean, p.Min, p.Max = ptr(stat.Mean), ptr(stat.Min), ptr(stat.Max)
		p.Median, p.Std = ptr(stat.Median), ptr(stat.Std)
	}
	return p
}

func ptr(v float64) *float64 { return &v }

// Topic builds <base>/<zone>, with MQTT wildcard characters replaced.
func Topic(base, zone string) string {
	zone = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(zone)
	return strings.TrimSuffix(base, "/") + "/" + zone
}

// MQTTPublisher publishes one message per zone statistic.
type MQTTPublisher struct {
	cfg    Config
	client mqtt.Client
	logger *zap.Logger

	mu        sync.Mutex
	published uint64
	errors    uint64
}

func NewMQTTPublisher(cfg Config, logger *zap.Logger) *MQTTPublisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "tir-" + uuid.NewString()
	}
	return &MQTTPublisher{cfg: cfg, logger: logging.OrNop(logger).With(zap.String("broker", cfg.Broker))}
}

func (p *MQTTPublisher) Connect() error {
	broker := p.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost, will auto-reconnect", zap.Error(err))
	}

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.logger.Info("mqtt connection established", zap.String("client_id", p.cfg.ClientID))
	return nil
}

func (p *MQTTPublisher) Publish(stat types.ZoneStat) error {
	if p.client == nil || !p.client.IsConnected() {
		p.countError()
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := json.Marshal(NewPayload(stat))
	if err != nil {
		p.countError()
		return fmt.Errorf("marshal zone stat: %w", err)
	}
	token := p.client.Publish(Topic(p.cfg.Topic, stat.Zone), p.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		p.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("publish failed: %w", err)
	}
	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	return nil
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// Stats returns the number of published messages and failures.
func (p *MQTTPublisher) Stats() (published, errors uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.errors
}

func (p *MQTTPublisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

func (p *MQTTPublisher) Name() string { return "mqtt" }
