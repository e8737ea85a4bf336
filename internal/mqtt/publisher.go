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

	"github.com/nugget/clima/internal/config"
)

// StatsSource provides the values behind the status sensors.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	DefaultModel() string
	ActiveSessions() int
	TurnsHandled() int64
}

// sensor is one Home Assistant entity: its discovery shape and how to
// read its current value.
type sensor struct {
	entity     string
	name       string
	icon       string
	class      string // state_class
	unit       string
	diagnostic bool
	value      func(*Publisher) string
}

var sensors = []sensor{
	{entity: "uptime", name: "Uptime", icon: "mdi:clock-outline", diagnostic: true,
		value: func(p *Publisher) string { return p.stats.Uptime().Truncate(time.Second).String() }},
	{entity: "version", name: "Version", icon: "mdi:tag", diagnostic: true,
		value: func(p *Publisher) string { return p.stats.Version() }},
	{entity: "active_sessions", name: "Active Sessions", icon: "mdi:chat-processing", class: "measurement",
		value: func(p *Publisher) string { return strconv.Itoa(p.stats.ActiveSessions()) }},
	{entity: "turns_handled", name: "Turns Handled", icon: "mdi:weather-partly-rainy", class: "total_increasing",
		value: func(p *Publisher) string { return strconv.FormatInt(p.stats.TurnsHandled(), 10) }},
	{entity: "tokens_today", name: "Tokens Today", icon: "mdi:counter", class: "total_increasing", unit: "tokens",
		value: func(p *Publisher) string {
			in, out, _ := p.tokens.Snapshot()
			return strconv.FormatInt(in+out, 10)
		}},
	{entity: "default_model", name: "Default Model", icon: "mdi:brain", diagnostic: true,
		value: func(p *Publisher) string { return p.stats.DefaultModel() }},
}

// Publisher keeps a broker connection, announces the sensors through
// Home Assistant discovery and pushes their states on an interval.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	tokens     *DailyTokens
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	mu   sync.Mutex
	sent map[string]string // last published value per entity
}

// New creates a Publisher. Nothing connects until Start.
func New(cfg config.MQTTConfig, instanceID string, tokens *DailyTokens, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		tokens:     tokens,
		stats:      stats,
		logger:     logger.With("component", "mqtt"),
		sent:       make(map[string]string),
	}
}

// Start connects and publishes until ctx ends, then marks the device
// offline. A broker that is down at startup does not fail Start;
// autopaho keeps retrying.
func (p *Publisher) Start(ctx context.Context) error {
	broker, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("mqtt broker url: %w", err)
	}

	cc := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{broker},
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
			p.logger.Info("connected to broker", "broker", p.cfg.Broker)
			p.announce(ctx, cm)
			p.resetSent()
			p.publishStates(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("broker connection failed", "broker", p.cfg.Broker, "error", err)
		},
		ClientConfig: paho.ClientConfig{ClientID: "clima-" + p.cfg.DeviceName},
	}
	if broker.Scheme == "mqtts" || broker.Scheme == "ssl" {
		cc.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, cc)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return p.Stop(stopCtx)
		case <-tick.C:
			p.publishStates(ctx, cm)
		}
	}
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publish(ctx, cm, p.availabilityTopic(), "offline", 1)
	if err := cm.Disconnect(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	return nil
}

func (p *Publisher) baseTopic() string         { return "clima/" + p.cfg.DeviceName }
func (p *Publisher) availabilityTopic() string { return p.baseTopic() + "/availability" }

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(entity string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// discovery is the retained config payload for s.
func (p *Publisher) discovery(s sensor) SensorConfig {
	c := SensorConfig{
		Name:              s.name,
		ObjectID:          s.entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + s.entity,
		StateTopic:        p.stateTopic(s.entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              s.icon,
		StateClass:        s.class,
		UnitOfMeasurement: s.unit,
	}
	if s.diagnostic {
		c.EntityCategory = "diagnostic"
	}
	return c
}

// announce publishes discovery for every sensor, then "online".
func (p *Publisher) announce(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range sensors {
		payload, err := json.Marshal(p.discovery(s))
		if err != nil {
			p.logger.Error("encode discovery payload", "entity", s.entity, "error", err)
			continue
		}
		p.publish(ctx, cm, p.discoveryTopic(s.entity), string(payload), 1)
	}
	p.publish(ctx, cm, p.availabilityTopic(), "online", 1)
}

// states reads every sensor value.
func (p *Publisher) states() map[string]string {
	out := make(map[string]string, len(sensors))
	for _, s := range sensors {
		out[s.entity] = s.value(p)
	}
	return out
}

// changed returns the states that differ from what was last published
// and records them as sent.
func (p *Publisher) changed() map[string]string {
	cur := p.states()
	p.mu.Lock()
	defer p.mu.Unlock()
	for entity, v := range cur {
		if p.sent[entity] == v {
			delete(cur, entity)
			continue
		}
		p.sent[entity] = v
	}
	return cur
}

// forget makes the next tick resend entity.
func (p *Publisher) forget(entity string) {
	p.mu.Lock()
	delete(p.sent, entity)
	p.mu.Unlock()
}

func (p *Publisher) resetSent() {
	p.mu.Lock()
	clear(p.sent)
	p.mu.Unlock()
}

func (p *Publisher) publishStates(ctx context.Context, cm *autopaho.ConnectionManager) {
	updates := p.changed()
	for entity, v := range updates {
		if err := p.publish(ctx, cm, p.stateTopic(entity), v, 0); err != nil {
			p.forget(entity)
		}
	}
	p.logger.Log(ctx, config.LevelTrace, "sensor states published", "changed", len(updates))
}

func (p *Publisher) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic, payload string, qos byte) error {
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(payload),
		QoS:     qos,
		Retain:  true,
	})
	if err != nil {
		p.logger.Debug("publish failed", "topic", topic, "error", err)
	}
	return err
}
