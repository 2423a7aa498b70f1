package pubsub

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/mock"
)

// mockClient is a testify mock of the paho client.
type mockClient struct {
	mock.Mock
}

func (m *mockClient) IsConnected() bool      { return m.Called().Bool(0) }
func (m *mockClient) IsConnectionOpen() bool { return m.Called().Bool(0) }

func (m *mockClient) Connect() mqtt.Token {
	return m.Called().Get(0).(mqtt.Token)
}

func (m *mockClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

func (m *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return m.Called(topic, qos, retained, payload).Get(0).(mqtt.Token)
}

func (m *mockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return m.Called(topic, qos, callback).Get(0).(mqtt.Token)
}

func (m *mockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return m.Called(filters, callback).Get(0).(mqtt.Token)
}

func (m *mockClient) Unsubscribe(topics ...string) mqtt.Token {
	return m.Called(topics).Get(0).(mqtt.Token)
}

func (m *mockClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	m.Called(topic, callback)
}

func (m *mockClient) OptionsReader() mqtt.ClientOptionsReader {
	return m.Called().Get(0).(mqtt.ClientOptionsReader)
}

// doneToken is a token that has already completed.
type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// pendingToken never completes.
type pendingToken struct{}

func (pendingToken) Wait() bool                     { return false }
func (pendingToken) WaitTimeout(time.Duration) bool { return false }
func (pendingToken) Done() <-chan struct{}          { return make(chan struct{}) }
func (pendingToken) Error() error                   { return nil }

// mockMessage is a received paho message.
type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 0 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}

// recordingClient captures publishes in memory.
type recordingClient struct {
	mu        sync.Mutex
	published []published
	failTopic map[string]error
	inbound   chan Message
	subs      []string
	closed    bool
}

type published struct {
	Topic    string
	Retained bool
	Payload  string
}

func newRecordingClient() *recordingClient {
	return &recordingClient{failTopic: map[string]error{}, inbound: make(chan Message, 8)}
}

func (c *recordingClient) Publish(_ context.Context, topic string, retained bool, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.failTopic[topic]; ok {
		return err
	}
	c.published = append(c.published, published{Topic: topic, Retained: retained, Payload: string(payload)})
	return nil
}

func (c *recordingClient) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, topic)
	return nil
}

func (c *recordingClient) Inbound() <-chan Message { return c.inbound }
func (c *recordingClient) StatusTopic() string     { return "test/status" }

func (c *recordingClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingClient) payloads() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.published))
	for _, p := range c.published {
		out[p.Topic] = p.Payload
	}
	return out
}
