// Package scheduler provides the poll loop that moves telemetry from the
// inverters to the sinks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/hms-mqtt-publish/internal/domain"
	"github.com/resident-x/hms-mqtt-publish/internal/inverter"
)

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler is already running")

// ErrNotRunning is returned by Stop on a stopped scheduler.
var ErrNotRunning = errors.New("scheduler is not running")

// Config holds configuration for the poll scheduler.
type Config struct {
	Interval time.Duration
}

// PollScheduler polls every inverter in turn and hands each record to all
// sinks. Polls never overlap.
type PollScheduler struct {
	inverters []inverter.Inverter
	sinks     []domain.MetricPublisher
	registry  domain.Registry
	metrics   *Metrics
	interval  time.Duration
	logger    zerolog.Logger

	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mutex     sync.Mutex

	cycles        atomic.Int64
	polls         atomic.Int64
	pollFailures  atomic.Int64
	published     atomic.Int64
	publishErrors atomic.Int64
	lastCycle     atomic.Int64 // unix nanos
}

// NewPollScheduler creates a scheduler and registers every inverter host.
func NewPollScheduler(
	inverters []inverter.Inverter,
	sinks []domain.MetricPublisher,
	registry domain.Registry,
	metrics *Metrics,
	cfg Config,
) (*PollScheduler, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.Interval)
	}
	if registry == nil {
		registry = domain.NewDeviceRegistry()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	for _, inv := range inverters {
		if err := registry.RegisterInverter(inv.Host()); err != nil {
			return nil, err
		}
	}

	return &PollScheduler{
		inverters: inverters,
		sinks:     sinks,
		registry:  registry,
		metrics:   metrics,
		interval:  cfg.Interval,
		logger:    log.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Start runs one poll cycle immediately and then one per interval until
// Stop is called or ctx is done.
func (s *PollScheduler) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isRunning {
		return ErrAlreadyRunning
	}

	s.stopChan = make(chan struct{})
	s.isRunning = true

	s.wg.Add(1)
	go s.pollLoop(ctx, s.stopChan)

	s.logger.Info().
		Dur("interval", s.interval).
		Int("inverters", len(s.inverters)).
		Int("sinks", len(s.sinks)).
		Msg("Poll scheduler started")

	return nil
}

// Stop shuts down the poll loop and waits for a running cycle to finish.
func (s *PollScheduler) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.isRunning {
		return ErrNotRunning
	}

	close(s.stopChan)
	s.wg.Wait()
	s.isRunning = false

	s.logger.Info().Msg("Poll scheduler stopped")
	return nil
}

// IsRunning reports whether the poll loop is active.
func (s *PollScheduler) IsRunning() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.isRunning
}

func (s *PollScheduler) pollLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.PollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.PollOnce(ctx)
		}
	}
}

// PollOnce polls every inverter sequentially and publishes the records.
func (s *PollScheduler) PollOnce(ctx context.Context) {
	for _, inv := range s.inverters {
		if ctx.Err() != nil {
			return
		}
		s.pollInverter(ctx, inv)
	}

	s.cycles.Add(1)
	s.lastCycle.Store(time.Now().UnixNano())
}

func (s *PollScheduler) pollInverter(ctx context.Context, inv inverter.Inverter) {
	host := inv.Host()
	start := time.Now()

	data, err := inv.Poll(ctx)
	s.polls.Add(1)

	result := ResultSuccess
	state := domain.DeviceStateOnline
	serial := ""
	switch {
	case inverter.IsEncodeError(err):
		result = ResultEncodeError
		state = inv.State()
	case err != nil:
		result = ResultFailure
		state = domain.DeviceStateOffline
	default:
		serial = data.DTUSerial
	}

	s.metrics.observePoll(host, result, time.Since(start).Seconds())
	if regErr := s.registry.RecordAttempt(host, state, serial); regErr != nil {
		s.logger.Warn().Err(regErr).Str("host", host).Msg("Failed to record poll attempt")
	}

	if err != nil {
		s.pollFailures.Add(1)
		return
	}

	s.publish(ctx, host, data)
}

// publish hands data to every sink; a failing sink does not affect the others.
func (s *PollScheduler) publish(ctx context.Context, host string, data *domain.RealData) {
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, data); err != nil {
			s.publishErrors.Add(1)
			s.metrics.publishFailed(sink.Name())
			s.logger.Warn().
				Err(err).
				Str("sink", sink.Name()).
				Str("host", host).
				Msg("Failed to publish record")
			continue
		}
		s.published.Add(1)
	}
}

// Metrics returns the Prometheus collectors of the scheduler.
func (s *PollScheduler) Metrics() *Metrics {
	return s.metrics
}

// Registry returns the device registry updated after every poll.
func (s *PollScheduler) Registry() domain.Registry {
	return s.registry
}

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	IsRunning     bool      `json:"is_running"`
	Interval      string    `json:"interval"`
	Inverters     int       `json:"inverters"`
	Sinks         []string  `json:"sinks"`
	Cycles        int64     `json:"cycles"`
	Polls         int64     `json:"polls"`
	PollFailures  int64     `json:"poll_failures"`
	Published     int64     `json:"published"`
	PublishErrors int64     `json:"publish_errors"`
	LastCycle     time.Time `json:"last_cycle,omitzero"`
}

// GetStats returns current scheduler counters.
func (s *PollScheduler) GetStats() Stats {
	sinks := make([]string, 0, len(s.sinks))
	for _, sink := range s.sinks {
		sinks = append(sinks, sink.Name())
	}

	stats := Stats{
		IsRunning:     s.IsRunning(),
		Interval:      s.interval.String(),
		Inverters:     len(s.inverters),
		Sinks:         sinks,
		Cycles:        s.cycles.Load(),
		Polls:         s.polls.Load(),
		PollFailures:  s.pollFailures.Load(),
		Published:     s.published.Load(),
		PublishErrors: s.publishErrors.Load(),
	}
	if last := s.lastCycle.Load(); last != 0 {
		stats.LastCycle = time.Unix(0, last)
	}
	return stats
}

// Close closes every sink.
func (s *PollScheduler) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}
