// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/resident-x/hms-mqtt-publish/internal/pubsub"
	"github.com/resident-x/hms-mqtt-publish/internal/telemetry"
)

//go:embed layouts/hms_sensors.yaml
var hmsSensorsYAML []byte

// SensorConfig represents a sensor configuration from the layouts YAML.
type SensorConfig struct {
	Name              string `yaml:"name"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Category          string `yaml:"category"`
	Icon              string `yaml:"icon,omitempty"`
}

// LayoutConfig represents the full layout configuration for Home Assistant sensors.
type LayoutConfig struct {
	Version     string                  `yaml:"version"`
	Description string                  `yaml:"description"`
	Sensors     map[string]SensorConfig `yaml:"sensors"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	ObjectID            string     `json:"object_id"`
	StateTopic          string     `json:"state_topic"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// LoadLayout parses the embedded sensor layout.
func LoadLayout() (*LayoutConfig, error) {
	return parseLayout(hmsSensorsYAML)
}

func parseLayout(data []byte) (*LayoutConfig, error) {
	var layout LayoutConfig
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Home Assistant sensors config: %w", err)
	}
	if len(layout.Sensors) == 0 {
		return nil, fmt.Errorf("sensor layout %q defines no sensors", layout.Version)
	}

	log.Debug().
		Str("version", layout.Version).
		Int("sensor_count", len(layout.Sensors)).
		Msg("Home Assistant layout configuration loaded from YAML")

	return &layout, nil
}

// layoutKey returns the layout entry name of a metric, e.g. "port.voltage".
func layoutKey(m telemetry.Metric) string {
	switch m.Group {
	case telemetry.GroupInverter:
		return "inverter." + string(m.Field)
	case telemetry.GroupPort:
		return "port." + string(m.Field)
	default:
		return "dtu." + string(m.Field)
	}
}

// Sensor returns the layout entry of a metric.
func (l *LayoutConfig) Sensor(m telemetry.Metric) (SensorConfig, bool) {
	sensor, ok := l.Sensors[layoutKey(m)]
	if !ok {
		return SensorConfig{}, false
	}
	sensor.Name = strings.ReplaceAll(sensor.Name, "{id}", m.ID)
	return sensor, true
}

// nodeID returns the discovery node of a DTU, e.g. "hms_sn123".
func nodeID(serial string) string {
	return sanitizeID("hms_" + serial)
}

// objectID returns the discovery object of one metric of a DTU.
func objectID(serial string, m telemetry.Metric) string {
	return sanitizeID(nodeID(serial) + "_" + strings.ReplaceAll(m.Path(), "/", "_"))
}

// sanitizeID keeps the characters Home Assistant accepts in discovery ids.
func sanitizeID(id string) string {
	var sb strings.Builder
	sb.Grow(len(id))
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

// DiscoveryTopic returns "<prefix>/sensor/<node_id>/<object_id>/config".
func DiscoveryTopic(prefix, serial string, m telemetry.Metric) string {
	return fmt.Sprintf("%s/sensor/%s/%s/config", prefix, nodeID(serial), objectID(serial, m))
}

// StateTopic returns "<base>/<device>/<metric path>/state".
func StateTopic(base, device string, m telemetry.Metric) string {
	return fmt.Sprintf("%s/%s/%s/state", base, device, m.Path())
}

// createDiscoveryMessage creates a discovery message for a specific sensor.
func (p *Publisher) createDiscoveryMessage(serial, device string, m telemetry.Metric, sensor SensorConfig) DiscoveryMessage {
	// Determine entity category based on sensor category
	var entityCategory string
	if sensor.Category == "diagnostic" {
		entityCategory = "diagnostic"
	}

	return DiscoveryMessage{
		Name:              sensor.Name,
		UniqueID:          objectID(serial, m),
		ObjectID:          objectID(serial, m),
		StateTopic:        StateTopic(p.config.BaseTopic, device, m),
		DeviceClass:       sensor.DeviceClass,
		UnitOfMeasurement: sensor.UnitOfMeasurement,
		StateClass:        sensor.StateClass,
		Icon:              sensor.Icon,
		EntityCategory:    entityCategory,
		Device: DeviceInfo{
			Identifiers:  []string{nodeID(serial)},
			Name:         "HMS " + device,
			Manufacturer: p.config.DeviceManufacturer,
			Model:        p.config.DeviceModel,
			SwVersion:    p.config.SwVersion,
		},
		AvailabilityTopic:   p.client.StatusTopic(),
		PayloadAvailable:    pubsub.StatusOnline,
		PayloadNotAvailable: pubsub.StatusOffline,
	}
}
