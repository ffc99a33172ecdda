package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/blendchat/internal/config"
)

// StatsSource supplies the worker-side values the sensors report. The
// CLI adapts its worker and backend health check to it.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// DefaultModel returns the model used when a request names none.
	DefaultModel() string
	// BackendReady reports whether the last Ollama probe succeeded.
	BackendReady() bool
}

// Publisher owns the broker connection. It publishes discovery configs
// on every (re-)connect and pushes sensor states on a timer.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	usage      *DailyUsage
	stats      StatsSource
	logger     *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher without connecting. Call [Publisher.Start].
func New(cfg config.MQTTConfig, instanceID string, usage *DailyUsage, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if usage == nil {
		usage = NewDailyUsage(nil)
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = time.Minute
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		usage:      usage,
		stats:      stats,
		logger:     logger,
	}
}

// Start connects and runs the publish loop until ctx is cancelled.
// autopaho keeps reconnecting in the background, so a broker that is
// down at startup is logged rather than returned.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "broker", p.cfg.Broker, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "blendchat-" + p.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" || brokerURL.Scheme == "wss" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt broker not reachable yet, retrying in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop marks the device offline and disconnects. ctx bounds both. Call
// it before cancelling the context given to Start: a cancelled
// connection closes cleanly without sending the will message.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx ends.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

func (p *Publisher) baseTopic() string {
	return "blendchat/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entity string
	config SensorConfig
}

// sensor fills in the fields every definition shares.
func (p *Publisher) sensor(entity, name string, c SensorConfig) sensorDef {
	c.Name = name
	c.HasEntityName = true
	c.UniqueID = p.instanceID + "_" + entity
	c.StateTopic = p.stateTopic(entity)
	c.AvailabilityTopic = p.availabilityTopic()
	c.Device = p.device
	return sensorDef{entity: entity, config: c}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	return []sensorDef{
		p.sensor("uptime", "Uptime", SensorConfig{Icon: "mdi:clock-outline", EntityCategory: "diagnostic"}),
		p.sensor("version", "Version", SensorConfig{Icon: "mdi:tag", EntityCategory: "diagnostic"}),
		p.sensor("backend", "Ollama", SensorConfig{Icon: "mdi:server-network"}),
		p.sensor("default_model", "Default Model", SensorConfig{Icon: "mdi:brain", EntityCategory: "diagnostic"}),
		p.sensor("last_model", "Last Model", SensorConfig{Icon: "mdi:brain"}),
		p.sensor("requests_today", "Requests Today", SensorConfig{
			Icon: "mdi:chat-processing", StateClass: "total_increasing",
		}),
		p.sensor("failures_today", "Failures Today", SensorConfig{
			Icon: "mdi:alert-circle-outline", StateClass: "total_increasing",
		}),
		p.sensor("tokens_today", "Tokens Today", SensorConfig{
			Icon: "mdi:counter", StateClass: "total_increasing", UnitOfMeasurement: "tokens",
		}),
		p.sensor("last_request", "Last Request", SensorConfig{
			Icon: "mdi:clock-check", DeviceClass: "timestamp",
		}),
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
			continue
		}
		p.logger.Debug("mqtt discovery published", "entity", s.entity, "topic", topic)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// states renders every sensor value.
func (p *Publisher) states() map[string]string {
	u := p.usage.Snapshot()
	out := map[string]string{
		"requests_today": strconv.FormatInt(u.Requests, 10),
		"failures_today": strconv.FormatInt(u.Failures, 10),
		"tokens_today":   strconv.FormatInt(u.PromptTokens+u.ResponseTokens, 10),
		"last_model":     u.LastModel,
		// Home Assistant treats "unknown" as no value for timestamp sensors.
		"last_request": "unknown",
	}
	if !u.LastRequest.IsZero() {
		out["last_request"] = u.LastRequest.Format(time.RFC3339)
	}
	if out["last_model"] == "" {
		out["last_model"] = "none"
	}
	if p.stats != nil {
		out["uptime"] = p.stats.Uptime().Truncate(time.Second).String()
		out["version"] = p.stats.Version()
		out["default_model"] = p.stats.DefaultModel()
		out["backend"] = "offline"
		if p.stats.BackendReady() {
			out["backend"] = "online"
		}
	}
	return out
}

func (p *Publisher) publishStates(ctx context.Context) {
	cm := p.conn()
	if cm == nil {
		return
	}
	states := p.states()
	for entity, value := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
