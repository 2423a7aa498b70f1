package pubsub

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/resident-x/hms-mqtt-publish/internal/domain"
	"github.com/resident-x/hms-mqtt-publish/internal/telemetry"
)

// NoopPublisher implements a publisher that does nothing.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-op publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Name implements domain.MetricPublisher.
func (p *NoopPublisher) Name() string { return "noop" }

// Publish implements domain.MetricPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ *domain.RealData) error { return nil }

// Close implements domain.MetricPublisher.
func (p *NoopPublisher) Close() error { return nil }

// MetricsPublisher publishes every metric of a record to its hierarchical
// topic "<base>/dtu/<device>/...".
type MetricsPublisher struct {
	client  Client
	base    string
	aliases map[string]string
}

var _ domain.MetricPublisher = (*MetricsPublisher)(nil)

// NewMetricsPublisher creates the generic MQTT sink.
func NewMetricsPublisher(client Client, baseTopic string, aliases map[string]string) *MetricsPublisher {
	return &MetricsPublisher{client: client, base: baseTopic, aliases: aliases}
}

// Name implements domain.MetricPublisher.
func (p *MetricsPublisher) Name() string { return "mqtt" }

// Publish sends all metric topics of data as retained messages.
func (p *MetricsPublisher) Publish(ctx context.Context, data *domain.RealData) error {
	if data == nil {
		return nil
	}

	topics := telemetry.Project(data, p.base, p.aliases)
	payloads := make(map[string]string, len(topics))
	for topic, value := range topics {
		payloads[topic] = telemetry.FormatValue(value)
	}

	return publishAll(ctx, p.client, payloads, p.Name())
}

// Close implements domain.MetricPublisher.
func (p *MetricsPublisher) Close() error {
	return p.client.Close()
}

// SimplePublisher publishes records to the flat topic layout
// "<base>/<serial>/inverter_<n>/..." with a formatted device clock.
type SimplePublisher struct {
	client Client
	base   string
	loc    *time.Location
}

var _ domain.MetricPublisher = (*SimplePublisher)(nil)

// NewSimplePublisher creates the flat-topic MQTT sink.
func NewSimplePublisher(client Client, baseTopic string, loc *time.Location) *SimplePublisher {
	return &SimplePublisher{client: client, base: baseTopic, loc: loc}
}

// Name implements domain.MetricPublisher.
func (p *SimplePublisher) Name() string { return "simple_mqtt" }

// Publish sends all flat topics of data as retained messages.
func (p *SimplePublisher) Publish(ctx context.Context, data *domain.RealData) error {
	if data == nil {
		return nil
	}
	return publishAll(ctx, p.client, telemetry.ProjectFlat(data, p.base, p.loc), p.Name())
}

// Close implements domain.MetricPublisher.
func (p *SimplePublisher) Close() error {
	return p.client.Close()
}

// publishAll sends payloads in topic order. A failed topic does not stop the
// remaining ones; all failures are returned joined.
func publishAll(ctx context.Context, client Client, payloads map[string]string, sink string) error {
	var errs []error
	for _, topic := range slices.Sorted(maps.Keys(payloads)) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := client.Publish(ctx, topic, true, []byte(payloads[topic])); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		log.Debug().
			Str("component", "pubsub").
			Str("sink", sink).
			Int("failed", len(errs)).
			Int("topics", len(payloads)).
			Msg("Publishing metrics incomplete")
		return errors.Join(errs...)
	}

	log.Trace().Str("sink", sink).Int("topics", len(payloads)).Msg("Published metrics")
	return nil
}
