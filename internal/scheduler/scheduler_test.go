package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/hms-mqtt-publish/internal/domain"
	"github.com/resident-x/hms-mqtt-publish/internal/inverter"
	"github.com/resident-x/hms-mqtt-publish/internal/protocol"
)

// scriptedInverter returns the queued results in order, then repeats the last.
type scriptedInverter struct {
	host    string
	mu      sync.Mutex
	results []error
	polls   int
	state   domain.DeviceState
}

func (i *scriptedInverter) Host() string { return i.host }

func (i *scriptedInverter) State() domain.DeviceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *scriptedInverter) Poll(context.Context) (*domain.RealData, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var err error
	if len(i.results) > 0 {
		idx := min(i.polls, len(i.results)-1)
		err = i.results[idx]
	}
	i.polls++

	if err != nil {
		return nil, err
	}
	return &domain.RealData{DTUSerial: "SN-" + i.host, PVCurrentPower: 100}, nil
}

func (i *scriptedInverter) pollCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.polls
}

// recordingSink stores the records handed to it.
type recordingSink struct {
	name    string
	mu      sync.Mutex
	records []*domain.RealData
	err     error
	closed  bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, data *domain.RealData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, data)
	return s.err
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func newScheduler(t *testing.T, inverters []inverter.Inverter, sinks []domain.MetricPublisher) *PollScheduler {
	t.Helper()
	s, err := NewPollScheduler(inverters, sinks, nil, nil, Config{Interval: 20 * time.Millisecond})
	require.NoError(t, err)
	return s
}

func TestNewPollSchedulerValidation(t *testing.T) {
	_, err := NewPollScheduler(nil, nil, nil, nil, Config{})
	require.Error(t, err)

	_, err = NewPollScheduler([]inverter.Inverter{&scriptedInverter{host: ""}}, nil, nil, nil, Config{Interval: time.Second})
	require.Error(t, err)
}

func TestNewPollSchedulerRegistersHosts(t *testing.T) {
	registry := domain.NewDeviceRegistry()
	_, err := NewPollScheduler(
		[]inverter.Inverter{&scriptedInverter{host: "b"}, &scriptedInverter{host: "a"}},
		nil, registry, nil, Config{Interval: time.Second})
	require.NoError(t, err)

	all := registry.GetAllInverters()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Host)
	assert.Equal(t, domain.DeviceStateUnknown, all[0].State)
}

func TestPollOnceSuccess(t *testing.T) {
	inv := &scriptedInverter{host: "dtu1"}
	sinkA := &recordingSink{name: "a"}
	sinkB := &recordingSink{name: "b"}
	s := newScheduler(t, []inverter.Inverter{inv}, []domain.MetricPublisher{sinkA, sinkB})

	s.PollOnce(context.Background())

	assert.Equal(t, 1, sinkA.count())
	assert.Equal(t, 1, sinkB.count())
	assert.Equal(t, "SN-dtu1", sinkA.records[0].DTUSerial)

	info, ok := s.Registry().GetInverter("dtu1")
	require.True(t, ok)
	assert.Equal(t, domain.DeviceStateOnline, info.State)
	assert.Equal(t, "SN-dtu1", info.Serial)

	m := s.Metrics()
	assert.InDelta(t, 1, testutil.ToFloat64(m.polls.WithLabelValues("dtu1", ResultSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.deviceOnline.WithLabelValues("dtu1")), 0)

	stats := s.GetStats()
	assert.Equal(t, int64(1), stats.Cycles)
	assert.Equal(t, int64(1), stats.Polls)
	assert.Equal(t, int64(2), stats.Published)
	assert.Equal(t, []string{"a", "b"}, stats.Sinks)
	assert.False(t, stats.LastCycle.IsZero())
}

func TestPollOnceFailureSkipsSinks(t *testing.T) {
	inv := &scriptedInverter{host: "dtu1", results: []error{errors.New("connection refused")}}
	sink := &recordingSink{name: "a"}
	s := newScheduler(t, []inverter.Inverter{inv}, []domain.MetricPublisher{sink})

	s.PollOnce(context.Background())
	s.PollOnce(context.Background())

	assert.Zero(t, sink.count())

	info, ok := s.Registry().GetInverter("dtu1")
	require.True(t, ok)
	assert.Equal(t, domain.DeviceStateOffline, info.State)
	assert.Equal(t, 2, info.ConsecutiveFailures)

	m := s.Metrics()
	assert.InDelta(t, 2, testutil.ToFloat64(m.polls.WithLabelValues("dtu1", ResultFailure)), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.deviceOnline.WithLabelValues("dtu1")), 0)
	assert.Equal(t, int64(2), s.GetStats().PollFailures)
}

func TestPollOnceEncodeErrorKeepsState(t *testing.T) {
	encodeErr := fmt.Errorf("%w: %w", protocol.ErrEncode, protocol.ErrFrameTooLarge)
	inv := &scriptedInverter{host: "dtu1", results: []error{encodeErr}, state: domain.DeviceStateOnline}
	s := newScheduler(t, []inverter.Inverter{inv}, nil)

	s.PollOnce(context.Background())

	info, ok := s.Registry().GetInverter("dtu1")
	require.True(t, ok)
	assert.Equal(t, domain.DeviceStateOnline, info.State)
	assert.InDelta(t, 1, testutil.ToFloat64(s.Metrics().polls.WithLabelValues("dtu1", ResultEncodeError)), 0)
}

func TestSinkErrorsAreIsolated(t *testing.T) {
	inv := &scriptedInverter{host: "dtu1"}
	broken := &recordingSink{name: "broken", err: errors.New("broker down")}
	healthy := &recordingSink{name: "healthy"}
	s := newScheduler(t, []inverter.Inverter{inv}, []domain.MetricPublisher{broken, healthy})

	s.PollOnce(context.Background())

	assert.Equal(t, 1, healthy.count())
	assert.InDelta(t, 1, testutil.ToFloat64(s.Metrics().publishErrors.WithLabelValues("broken")), 0)
	assert.Equal(t, int64(1), s.GetStats().PublishErrors)
	assert.Equal(t, int64(1), s.GetStats().Published)
}

func TestPollOnceIsSequentialAcrossDevices(t *testing.T) {
	down := &scriptedInverter{host: "down", results: []error{errors.New("timeout")}}
	up := &scriptedInverter{host: "up"}
	sink := &recordingSink{name: "a"}
	s := newScheduler(t, []inverter.Inverter{down, up}, []domain.MetricPublisher{sink})

	s.PollOnce(context.Background())

	assert.Equal(t, 1, down.pollCount())
	assert.Equal(t, 1, up.pollCount())
	require.Equal(t, 1, sink.count())
	assert.Equal(t, "SN-up", sink.records[0].DTUSerial)
}

func TestPollOnceCancelled(t *testing.T) {
	inv := &scriptedInverter{host: "dtu1"}
	s := newScheduler(t, []inverter.Inverter{inv}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.PollOnce(ctx)

	assert.Zero(t, inv.pollCount())
}

func TestFakeInverterRecordedOnline(t *testing.T) {
	sink := &recordingSink{name: "a"}
	s := newScheduler(t, []inverter.Inverter{inverter.NewFakeInverter("fake", "FAKE1")}, []domain.MetricPublisher{sink})

	s.PollOnce(context.Background())

	info, ok := s.Registry().GetInverter("fake")
	require.True(t, ok)
	assert.Equal(t, domain.DeviceStateOnline, info.State)
	assert.Equal(t, "FAKE1", sink.records[0].DTUSerial)
}

func TestStartStop(t *testing.T) {
	inv := &scriptedInverter{host: "dtu1"}
	sink := &recordingSink{name: "a"}
	s := newScheduler(t, []inverter.Inverter{inv}, []domain.MetricPublisher{sink})

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	// immediate first cycle plus ticks
	require.Eventually(t, func() bool { return sink.count() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.Stop(), ErrNotRunning)

	stopped := inv.pollCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, inv.pollCount())

	// restartable
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return inv.pollCount() > stopped }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestStartStopsOnContextCancel(t *testing.T) {
	inv := &scriptedInverter{host: "dtu1"}
	s := newScheduler(t, []inverter.Inverter{inv}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return inv.pollCount() >= 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, s.Stop())
}

func TestClose(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	s := newScheduler(t, nil, []domain.MetricPublisher{a, b})

	require.NoError(t, s.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestMetricsRegistryGathers(t *testing.T) {
	m := NewMetrics()
	m.observePoll("dtu1", ResultSuccess, 0.1)
	m.publishFailed("mqtt")

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range []string{"hms_polls_total", "hms_poll_duration_seconds", "hms_device_online", "hms_publish_errors_total"} {
		assert.True(t, names[name], name)
	}
}
