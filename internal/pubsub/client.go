// Package pubsub provides the MQTT transport and the metric sinks built on it.
package pubsub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/hms-mqtt-publish/internal/config"
)

// Payloads of the bridge status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

const (
	inboundBuffer  = 16
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	keepAlive      = 5 * time.Second
)

// ErrNotConnected is returned when publishing before Connect succeeded.
var ErrNotConnected = errors.New("mqtt client not connected")

// Message is an inbound message received on a subscription.
type Message struct {
	Topic   string
	Payload []byte
}

// Client is the broker connection used by the sinks.
type Client interface {
	// Publish sends payload to topic with QoS 0
	Publish(ctx context.Context, topic string, retained bool, payload []byte) error

	// Subscribe delivers messages on topic to Inbound
	Subscribe(topic string) error

	// Inbound returns the channel of received messages
	Inbound() <-chan Message

	// StatusTopic returns the topic carrying the bridge availability
	StatusTopic() string

	// Close announces offline and disconnects
	Close() error
}

// MQTTClient implements Client on top of paho.
type MQTTClient struct {
	cfg           config.MQTTConfig
	client        mqtt.Client
	clientFactory func(opts *mqtt.ClientOptions) mqtt.Client
	statusTopic   string
	inbound       chan Message
	subscriptions map[string]bool
	injected      bool
	connected     atomic.Bool
	mutex         sync.Mutex
	logger        zerolog.Logger
}

var _ Client = (*MQTTClient)(nil)

// NewMQTTClient creates a client for one broker section.
func NewMQTTClient(cfg config.MQTTConfig) *MQTTClient {
	return &MQTTClient{
		cfg:           cfg,
		clientFactory: mqtt.NewClient,
		statusTopic:   cfg.BaseTopic + "/status",
		inbound:       make(chan Message, inboundBuffer),
		subscriptions: make(map[string]bool),
		logger: log.With().
			Str("component", "mqtt").
			Str("broker", cfg.Host).
			Str("client_id", cfg.ClientID).
			Logger(),
	}
}

// NewMQTTClientWithClient creates a client around an existing paho client (for testing).
func NewMQTTClientWithClient(cfg config.MQTTConfig, client mqtt.Client) *MQTTClient {
	c := NewMQTTClient(cfg)
	c.clientFactory = func(*mqtt.ClientOptions) mqtt.Client { return client }
	c.injected = true
	return c
}

// BrokerURL returns the paho broker URL of a config section.
func BrokerURL(cfg config.MQTTConfig) string {
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.BrokerPort())
}

func (c *MQTTClient) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(BrokerURL(c.cfg)).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWriteTimeout(publishTimeout).
		SetKeepAlive(keepAlive).
		SetCleanSession(true).
		SetWill(c.statusTopic, StatusOffline, 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if c.cfg.TLS {
		// system roots
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}) //nolint:gosec // server name from broker URL
	}

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	return opts
}

// Connect establishes the broker connection and announces the bridge online.
func (c *MQTTClient) Connect(ctx context.Context) error {
	c.mutex.Lock()
	if c.client == nil {
		c.client = c.clientFactory(c.options())
	}
	client := c.client
	c.mutex.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	token := client.Connect()
	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", BrokerURL(c.cfg), connectCtx.Err())
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker %s: %w", BrokerURL(c.cfg), err)
		}
	}

	// paho runs the connect handler asynchronously; injected clients never do
	if c.injected {
		c.onConnect(client)
	}
	c.connected.Store(true)

	return nil
}

// onConnect runs after every (re)connection.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.logger.Info().Msg("MQTT connection established")

	// birth message, counterpart of the last will
	client.Publish(c.statusTopic, 1, true, StatusOnline)

	c.mutex.Lock()
	topics := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	c.mutex.Unlock()

	for _, topic := range topics {
		if err := c.subscribe(client, topic); err != nil {
			c.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to restore subscription")
		}
	}
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// IsConnected reports whether the broker connection is up.
func (c *MQTTClient) IsConnected() bool {
	return c.connected.Load()
}

// StatusTopic returns "<base_topic>/status".
func (c *MQTTClient) StatusTopic() string {
	return c.statusTopic
}

// Inbound returns the channel of messages received on subscriptions.
func (c *MQTTClient) Inbound() <-chan Message {
	return c.inbound
}

// Subscribe registers topic and delivers its messages to Inbound. The
// subscription is restored after reconnects.
func (c *MQTTClient) Subscribe(topic string) error {
	c.mutex.Lock()
	c.subscriptions[topic] = true
	client := c.client
	c.mutex.Unlock()

	if client == nil || !c.connected.Load() {
		return nil
	}
	return c.subscribe(client, topic)
}

func (c *MQTTClient) subscribe(client mqtt.Client, topic string) error {
	token := client.Subscribe(topic, 0, c.handleMessage)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	c.logger.Debug().Str("topic", topic).Msg("Subscribed")
	return nil
}

func (c *MQTTClient) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	m := Message{Topic: msg.Topic(), Payload: append([]byte(nil), msg.Payload()...)}

	select {
	case c.inbound <- m:
	default:
		c.logger.Warn().Str("topic", m.Topic).Msg("Inbound queue full, dropping message")
	}
}

// Publish sends payload to topic with QoS 0.
func (c *MQTTClient) Publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	c.mutex.Lock()
	client := c.client
	c.mutex.Unlock()

	if client == nil || !c.connected.Load() {
		return ErrNotConnected
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	token := client.Publish(topic, 0, retained, payload)
	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish to %s: %w", topic, publishCtx.Err())
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish message to %s: %w", topic, err)
		}
	}

	return nil
}

// Close announces the bridge offline and disconnects.
func (c *MQTTClient) Close() error {
	c.mutex.Lock()
	client := c.client
	c.mutex.Unlock()

	if client == nil || !c.connected.Swap(false) {
		return nil
	}

	token := client.Publish(c.statusTopic, 1, true, StatusOffline)
	token.WaitTimeout(time.Second)
	client.Disconnect(250)

	c.logger.Info().Msg("MQTT connection closed")
	return nil
}
