// Package config provides configuration management for the hms-mqtt-publish application.
package config

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
	_ "time/tzdata" // timezone lookups in minimal containers

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Defaults shared by all MQTT sections.
const (
	DefaultBaseTopic       = "hms800wt2"
	DefaultMQTTPort        = 1883
	DefaultMQTTTLSPort     = 8883
	DefaultUpdateInterval  = 30500
	DefaultDiscoveryPrefix = "homeassistant"
	clientIDPrefix         = "hms-mqtt-"
	clientIDAlphabet       = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel       string   `mapstructure:"log_level"`
	InverterHosts  []string `mapstructure:"inverter_hosts"`
	UpdateInterval int      `mapstructure:"update_interval"` // milliseconds
	Fake           bool     `mapstructure:"fake"`
	TimeZone       string   `mapstructure:"timezone"`
	StrictFrames   bool     `mapstructure:"strict_frames"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// Sinks
	MQTT          MQTTConfig          `mapstructure:"mqtt"`
	SimpleMQTT    MQTTConfig          `mapstructure:"simple_mqtt"`
	HomeAssistant HomeAssistantConfig `mapstructure:"home_assistant"`
}

// MQTTConfig describes one broker connection.
type MQTTConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	TLS           bool          `mapstructure:"tls"`
	BaseTopic     string        `mapstructure:"base_topic"`
	ClientID      string        `mapstructure:"client_id"`
	SerialAliases []SerialAlias `mapstructure:"serial_aliases"`
}

// SerialAlias replaces a DTU serial with a friendly name in topics.
type SerialAlias struct {
	Serial string `mapstructure:"serial"`
	Alias  string `mapstructure:"alias"`
}

// HomeAssistantConfig extends a broker connection with discovery settings.
type HomeAssistantConfig struct {
	MQTTConfig           `mapstructure:",squash"`
	DiscoveryPrefix      string `mapstructure:"discovery_prefix"`
	RediscoveryInterval  int    `mapstructure:"rediscovery_interval_hours"`
	ListenToBirthMessage bool   `mapstructure:"listen_to_birth_message"`
	DeviceManufacturer   string `mapstructure:"device_manufacturer"`
	DeviceModel          string `mapstructure:"device_model"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:       "info",
		UpdateInterval: DefaultUpdateInterval,
		TimeZone:       "Local",
	}

	// Default API settings
	cfg.API.Enabled = false
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	cfg.MQTT.BaseTopic = DefaultBaseTopic
	cfg.SimpleMQTT.BaseTopic = DefaultBaseTopic
	cfg.HomeAssistant.BaseTopic = DefaultBaseTopic

	// Default Home Assistant discovery settings
	cfg.HomeAssistant.DiscoveryPrefix = DefaultDiscoveryPrefix
	cfg.HomeAssistant.RediscoveryInterval = 24
	cfg.HomeAssistant.ListenToBirthMessage = true
	cfg.HomeAssistant.DeviceManufacturer = "Hoymiles"
	cfg.HomeAssistant.DeviceModel = "HMS-800W-2T"

	return cfg
}

// sinkSections lists the config keys of the MQTT sinks.
var sinkSections = []string{"mqtt", "simple_mqtt", "home_assistant"}

// Load reads the configuration from a YAML or TOML file and environment
// variables prefixed with HMS.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided. The format follows the
	// file extension.
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
		log.Warn().Msg("No configuration file found, using defaults")
	}

	// A sink section without an explicit enabled flag is enabled by its presence
	for _, section := range sinkSections {
		if v.IsSet(section+".host") && !v.IsSet(section+".enabled") {
			v.SetDefault(section+".enabled", true)
		}
	}

	v.SetEnvPrefix("HMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.applyDefaults()

	return cfg, nil
}

// bindEnv registers keys so they can be set from the environment alone.
func bindEnv(v *viper.Viper) {
	keys := []string{"log_level", "inverter_hosts", "update_interval", "fake", "timezone", "strict_frames",
		"api.enabled", "api.host", "api.port"}
	for _, section := range sinkSections {
		for _, key := range []string{"enabled", "host", "port", "username", "password", "tls", "base_topic", "client_id"} {
			keys = append(keys, section+"."+key)
		}
	}

	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

func (c *Config) applyDefaults() {
	for _, m := range []*MQTTConfig{&c.MQTT, &c.SimpleMQTT, &c.HomeAssistant.MQTTConfig} {
		if m.BaseTopic == "" {
			m.BaseTopic = DefaultBaseTopic
		}
		if m.ClientID == "" {
			m.ClientID = GenerateClientID()
		}
	}
	if c.HomeAssistant.DiscoveryPrefix == "" {
		c.HomeAssistant.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
}

// Validate reports every configuration problem found.
func (c *Config) Validate() error {
	var errs []error

	if len(c.InverterHosts) == 0 {
		errs = append(errs, errors.New("inverter_hosts must contain at least one host"))
	}
	for i, host := range c.InverterHosts {
		if strings.TrimSpace(host) == "" {
			errs = append(errs, fmt.Errorf("inverter_hosts[%d] is empty", i))
		}
	}
	if c.UpdateInterval <= 0 {
		errs = append(errs, fmt.Errorf("update_interval must be positive, got %d", c.UpdateInterval))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		errs = append(errs, fmt.Errorf("api.port out of range: %d", c.API.Port))
	}

	sections := map[string]*MQTTConfig{
		"mqtt":           &c.MQTT,
		"simple_mqtt":    &c.SimpleMQTT,
		"home_assistant": &c.HomeAssistant.MQTTConfig,
	}
	for _, name := range sinkSections {
		if err := sections[name].validate(name); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *MQTTConfig) validate(section string) error {
	if !m.Enabled {
		return nil
	}

	var errs []error
	if m.Host == "" {
		errs = append(errs, fmt.Errorf("%s.host is required when the sink is enabled", section))
	}
	if m.Port < 0 || m.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s.port out of range: %d", section, m.Port))
	}

	seen := make(map[string]bool, len(m.SerialAliases))
	for _, a := range m.SerialAliases {
		if a.Serial == "" {
			errs = append(errs, fmt.Errorf("%s.serial_aliases contains an entry without serial", section))
			continue
		}
		if seen[a.Serial] {
			errs = append(errs, fmt.Errorf("%s.serial_aliases has duplicate serial %q", section, a.Serial))
		}
		seen[a.Serial] = true
	}

	return errors.Join(errs...)
}

// BrokerPort returns the configured port or the default for the transport.
func (m MQTTConfig) BrokerPort() int {
	if m.Port > 0 {
		return m.Port
	}
	if m.TLS {
		return DefaultMQTTTLSPort
	}
	return DefaultMQTTPort
}

// Aliases returns the serial aliases as a lookup map.
func (m MQTTConfig) Aliases() map[string]string {
	aliases := make(map[string]string, len(m.SerialAliases))
	for _, a := range m.SerialAliases {
		aliases[a.Serial] = a.Alias
	}
	return aliases
}

// Interval returns the poll cadence.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.UpdateInterval) * time.Millisecond
}

// Location resolves the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" || strings.EqualFold(c.TimeZone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// GenerateClientID returns "hms-mqtt-" followed by five random alphanumerics.
func GenerateClientID() string {
	var sb strings.Builder
	sb.WriteString(clientIDPrefix)
	for i := 0; i < 5; i++ {
		sb.WriteByte(clientIDAlphabet[rand.IntN(len(clientIDAlphabet))]) //nolint:gosec // not a secret
	}
	return sb.String()
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("hms-mqtt-publish Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Strs("inverter_hosts", c.InverterHosts).Msg("Inverter Hosts")
	logger.Info().Int("update_interval_ms", c.UpdateInterval).Msg("Update Interval")
	logger.Info().Bool("fake", c.Fake).Msg("Fake Inverters")
	logger.Info().Str("timezone", c.TimeZone).Msg("Timezone")
	logger.Info().Bool("strict_frames", c.StrictFrames).Msg("Strict Frames")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	c.MQTT.print(logger.Info(), "MQTT")
	c.SimpleMQTT.print(logger.Info(), "Simple MQTT")
	c.HomeAssistant.print(logger.Info().
		Str("discovery_prefix", c.HomeAssistant.DiscoveryPrefix).
		Int("rediscovery_interval_hours", c.HomeAssistant.RediscoveryInterval).
		Bool("listen_to_birth_message", c.HomeAssistant.ListenToBirthMessage), "Home Assistant")

	logger.Info().Msg("-----------------------------")
}

func (m MQTTConfig) print(event *zerolog.Event, name string) {
	event.Bool("enabled", m.Enabled)
	if m.Enabled {
		event.
			Str("host", m.Host).
			Int("port", m.BrokerPort()).
			Bool("tls", m.TLS).
			Str("base_topic", m.BaseTopic).
			Str("client_id", m.ClientID).
			Int("serial_aliases", len(m.SerialAliases))
	}
	event.Msg(name)
}
