package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/hms-mqtt-publish/internal/config"
	"github.com/resident-x/hms-mqtt-publish/internal/domain"
	"github.com/resident-x/hms-mqtt-publish/internal/pubsub"
	"github.com/resident-x/hms-mqtt-publish/internal/telemetry"
)

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	DiscoveryPrefix      string
	BaseTopic            string
	Aliases              map[string]string
	RediscoveryInterval  time.Duration
	ListenToBirthMessage bool
	DeviceManufacturer   string
	DeviceModel          string
	SwVersion            string
}

// ConfigFrom converts the home_assistant config section.
func ConfigFrom(c config.HomeAssistantConfig, version string) Config {
	return Config{
		DiscoveryPrefix:      c.DiscoveryPrefix,
		BaseTopic:            c.BaseTopic,
		Aliases:              c.Aliases(),
		RediscoveryInterval:  time.Duration(c.RediscoveryInterval) * time.Hour,
		ListenToBirthMessage: c.ListenToBirthMessage,
		DeviceManufacturer:   c.DeviceManufacturer,
		DeviceModel:          c.DeviceModel,
		SwVersion:            version,
	}
}

// BirthTopic returns the topic Home Assistant announces its status on.
func (c Config) BirthTopic() string {
	return c.DiscoveryPrefix + "/status"
}

// Publisher is the Home Assistant sink. It announces every metric through
// MQTT discovery once and then publishes plain state values.
type Publisher struct {
	client pubsub.Client
	config Config
	layout *LayoutConfig
	logger zerolog.Logger
	now    func() time.Time

	mu            sync.Mutex
	discovered    map[string]bool // discovery topics already announced
	lastDiscovery time.Time
}

var _ domain.MetricPublisher = (*Publisher)(nil)

// New creates the Home Assistant sink on client.
func New(client pubsub.Client, cfg Config) (*Publisher, error) {
	layout, err := LoadLayout()
	if err != nil {
		return nil, fmt.Errorf("failed to load layout config: %w", err)
	}

	p := &Publisher{
		client:     client,
		config:     cfg,
		layout:     layout,
		logger:     log.With().Str("component", "homeassistant").Logger(),
		now:        time.Now,
		discovered: make(map[string]bool),
	}

	if cfg.ListenToBirthMessage {
		if err := client.Subscribe(cfg.BirthTopic()); err != nil {
			return nil, fmt.Errorf("subscribe to Home Assistant birth messages: %w", err)
		}
	}

	return p, nil
}

// Name implements domain.MetricPublisher.
func (p *Publisher) Name() string { return "home_assistant" }

// Publish announces undiscovered sensors of data, then publishes their states.
func (p *Publisher) Publish(ctx context.Context, data *domain.RealData) error {
	if data == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.handleBirthMessages()
	if p.shouldRediscover() {
		p.resetDiscovery("rediscovery interval elapsed")
	}

	device := telemetry.DeviceName(data.DTUSerial, p.config.Aliases)

	var errs []error
	for _, m := range telemetry.Metrics(data) {
		sensor, ok := p.layout.Sensor(m)
		if !ok {
			continue
		}

		if err := p.discover(ctx, data.DTUSerial, device, m, sensor); err != nil {
			errs = append(errs, err)
			continue
		}

		payload := stateValue(m)
		if err := p.client.Publish(ctx, StateTopic(p.config.BaseTopic, device, m), false, []byte(payload)); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// discover publishes the retained discovery config of a metric unless it
// was announced since the last reset.
func (p *Publisher) discover(ctx context.Context, serial, device string, m telemetry.Metric, sensor SensorConfig) error {
	topic := DiscoveryTopic(p.config.DiscoveryPrefix, serial, m)
	if p.discovered[topic] {
		return nil
	}

	payload, err := json.Marshal(p.createDiscoveryMessage(serial, device, m, sensor))
	if err != nil {
		return fmt.Errorf("failed to marshal discovery message: %w", err)
	}

	if err := p.client.Publish(ctx, topic, true, payload); err != nil {
		return err
	}

	if len(p.discovered) == 0 {
		p.lastDiscovery = p.now()
	}
	p.discovered[topic] = true

	p.logger.Debug().Str("topic", topic).Str("sensor", sensor.Name).Msg("Published discovery config")
	return nil
}

// stateValue renders the state of a metric. The device clock becomes an
// ISO 8601 timestamp.
func stateValue(m telemetry.Metric) string {
	if m.Field == telemetry.FieldLocalTime {
		return time.Unix(int64(m.Value), 0).UTC().Format(time.RFC3339)
	}
	return telemetry.FormatValue(m.Value)
}

// handleBirthMessages drains pending inbound messages; an "online" on the
// birth topic means Home Assistant restarted and lost its entities.
func (p *Publisher) handleBirthMessages() {
	for {
		select {
		case msg := <-p.client.Inbound():
			if msg.Topic == p.config.BirthTopic() && string(msg.Payload) == pubsub.StatusOnline {
				p.resetDiscovery("Home Assistant came online")
			}
		default:
			return
		}
	}
}

func (p *Publisher) shouldRediscover() bool {
	if p.config.RediscoveryInterval <= 0 || len(p.discovered) == 0 {
		return false
	}
	return p.now().Sub(p.lastDiscovery) >= p.config.RediscoveryInterval
}

func (p *Publisher) resetDiscovery(reason string) {
	if len(p.discovered) == 0 {
		return
	}
	p.logger.Info().Str("reason", reason).Int("sensors", len(p.discovered)).Msg("Republishing discovery configs")
	p.discovered = make(map[string]bool)
}

// DiscoveredCount returns the number of sensors announced since the last reset.
func (p *Publisher) DiscoveredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.discovered)
}

// Close implements domain.MetricPublisher.
func (p *Publisher) Close() error {
	return p.client.Close()
}
