// Package mqtttest provides an embedded MQTT broker and a recording
// subscriber for integration tests.
package mqtttest

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"
)

// Message is a message seen by a Subscriber.
type Message struct {
	Topic    string
	Payload  string
	Retained bool
}

// Broker is an in-process MQTT broker listening on a loopback port.
type Broker struct {
	Server *mqttserver.Server
	Host   string
	Port   int
}

// StartBroker starts a broker that accepts every client. It is closed when
// the test ends.
func StartBroker(t testing.TB) *Broker {
	t.Helper()

	// Find available port
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	server := mqttserver.New(&mqttserver.Options{InlineClient: true})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))

	tcp := listeners.NewTCP(listeners.Config{
		ID:      fmt.Sprintf("t%d", port),
		Address: fmt.Sprintf("127.0.0.1:%d", port),
	})
	require.NoError(t, server.AddListener(tcp), "Failed to add TCP listener to MQTT broker")

	go func() {
		if err := server.Serve(); err != nil {
			t.Logf("MQTT broker error: %v", err)
		}
	}()

	// Give broker time to start
	time.Sleep(100 * time.Millisecond)

	t.Cleanup(func() { _ = server.Close() })

	return &Broker{Server: server, Host: "127.0.0.1", Port: port}
}

// URL returns the paho broker URL.
func (b *Broker) URL() string {
	return fmt.Sprintf("tcp://%s:%d", b.Host, b.Port)
}

// Subscriber records every message published on a topic filter.
type Subscriber struct {
	client   mqtt.Client
	mu       sync.Mutex
	messages []Message
	notify   chan struct{}
}

// Subscribe connects a recording client to the broker.
func (b *Broker) Subscribe(t testing.TB, filter string) *Subscriber {
	t.Helper()

	s := &Subscriber{notify: make(chan struct{}, 1)}

	opts := mqtt.NewClientOptions().
		AddBroker(b.URL()).
		SetClientID(fmt.Sprintf("test-subscriber-%d", time.Now().UnixNano())).
		SetConnectTimeout(5 * time.Second)

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second), "Failed to connect MQTT subscriber")
	require.NoError(t, token.Error(), "MQTT subscriber connection error")

	token = s.client.Subscribe(filter, 0, func(_ mqtt.Client, msg mqtt.Message) {
		s.mu.Lock()
		s.messages = append(s.messages, Message{Topic: msg.Topic(), Payload: string(msg.Payload()), Retained: msg.Retained()})
		s.mu.Unlock()

		select {
		case s.notify <- struct{}{}:
		default:
		}
	})
	require.True(t, token.WaitTimeout(5*time.Second), "Failed to subscribe to MQTT topic")
	require.NoError(t, token.Error(), "MQTT subscribe error")

	t.Cleanup(func() { s.client.Disconnect(100) })

	return s
}

// Publish sends a message from the subscriber's own connection.
func (s *Subscriber) Publish(t testing.TB, topic string, retained bool, payload string) {
	t.Helper()
	token := s.client.Publish(topic, 0, retained, payload)
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
}

// Messages returns a copy of the messages received so far.
func (s *Subscriber) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Latest returns the last payload received per topic.
func (s *Subscriber) Latest() map[string]string {
	latest := make(map[string]string)
	for _, m := range s.Messages() {
		latest[m.Topic] = m.Payload
	}
	return latest
}

// WaitFor blocks until cond holds for the received messages or timeout
// expires, and reports whether it held.
func (s *Subscriber) WaitFor(timeout time.Duration, cond func(latest map[string]string) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if cond(s.Latest()) {
			return true
		}
		select {
		case <-s.notify:
		case <-deadline.C:
			return cond(s.Latest())
		}
	}
}
