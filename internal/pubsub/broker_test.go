package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/hms-mqtt-publish/internal/config"
	"github.com/resident-x/hms-mqtt-publish/internal/mqtttest"
)

func brokerClient(t *testing.T, broker *mqtttest.Broker) *MQTTClient {
	t.Helper()

	c := NewMQTTClient(config.MQTTConfig{
		Enabled:   true,
		Host:      broker.Host,
		Port:      broker.Port,
		BaseTopic: "solar",
		ClientID:  config.GenerateClientID(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	return c
}

func TestMetricsPublisherWithBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping broker test in short mode")
	}

	broker := mqtttest.StartBroker(t)
	sub := broker.Subscribe(t, "solar/#")

	client := brokerClient(t, broker)
	p := NewMetricsPublisher(client, "solar", nil)
	require.NoError(t, p.Publish(context.Background(), sampleRecord()))

	ok := sub.WaitFor(5*time.Second, func(latest map[string]string) bool {
		return len(latest) >= 1+3+3+2*5
	})
	require.True(t, ok, "expected all metric topics, got %v", sub.Latest())

	latest := sub.Latest()
	assert.Equal(t, StatusOnline, latest["solar/status"])
	assert.Equal(t, "123.4", latest["solar/dtu/SN123/current_power"])
	assert.Equal(t, "5.12", latest["solar/dtu/SN123/port/1/curr"])

	require.NoError(t, p.Close())
	ok = sub.WaitFor(5*time.Second, func(latest map[string]string) bool {
		return latest["solar/status"] == StatusOffline
	})
	assert.True(t, ok, "expected offline status after close")
}

func TestMQTTClientInboundWithBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping broker test in short mode")
	}

	broker := mqtttest.StartBroker(t)
	client := brokerClient(t, broker)
	defer client.Close()

	require.NoError(t, client.Subscribe("homeassistant/status"))

	other := broker.Subscribe(t, "unused/#")
	other.Publish(t, "homeassistant/status", false, "online")

	select {
	case msg := <-client.Inbound():
		assert.Equal(t, "homeassistant/status", msg.Topic)
		assert.Equal(t, "online", string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound message received")
	}
}

func TestRetainedMetricsReachLateSubscribers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping broker test in short mode")
	}

	broker := mqtttest.StartBroker(t)
	client := brokerClient(t, broker)
	defer client.Close()

	p := NewSimplePublisher(client, "flat", time.UTC)
	require.NoError(t, p.Publish(context.Background(), sampleRecord()))

	sub := broker.Subscribe(t, "flat/SN123/current_power")
	ok := sub.WaitFor(5*time.Second, func(latest map[string]string) bool {
		return latest["flat/SN123/current_power"] == "123.4"
	})
	assert.True(t, ok)
	require.NotEmpty(t, sub.Messages())
	assert.True(t, sub.Messages()[0].Retained)
}
