// Package inverter provides polling clients for Hoymiles HMS DTUs.
package inverter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/hms-mqtt-publish/internal/domain"
	"github.com/resident-x/hms-mqtt-publish/internal/protocol"
)

// Inverter is a pollable telemetry source.
type Inverter interface {
	// Host identifies the device
	Host() string

	// Poll performs one request/response cycle. A nil record is always
	// accompanied by an error.
	Poll(ctx context.Context) (*domain.RealData, error)

	// State returns the last known reachability
	State() domain.DeviceState
}

// Exchanger performs one framed request/response exchange.
type Exchanger interface {
	Exchange(ctx context.Context, frame []byte) ([]byte, error)
}

// Config holds the client options of an HMS inverter.
type Config struct {
	// StrictFrames enables magic, length and checksum validation of responses
	StrictFrames bool
}

// HMSInverter polls real-time data from an HMS DTU.
type HMSInverter struct {
	host     string
	exchange Exchanger
	strict   bool
	sequence uint16
	tracker  *StateTracker
	logger   zerolog.Logger
	mutex    sync.Mutex
}

var _ Inverter = (*HMSInverter)(nil)

// NewHMSInverter creates a client for host using the given transport.
func NewHMSInverter(host string, exchange Exchanger, cfg Config) *HMSInverter {
	logger := log.With().Str("component", "inverter").Str("host", host).Logger()

	return &HMSInverter{
		host:     host,
		exchange: exchange,
		strict:   cfg.StrictFrames,
		tracker:  NewStateTracker(logger),
		logger:   logger,
	}
}

// Host returns the device host.
func (i *HMSInverter) Host() string {
	return i.host
}

// State returns the last known reachability of the device.
func (i *HMSInverter) State() domain.DeviceState {
	return i.tracker.State()
}

// Poll requests one real-time data record.
func (i *HMSInverter) Poll(ctx context.Context) (*domain.RealData, error) {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	i.sequence++

	frame, err := protocol.EncodeRealDataRequest(protocol.RealDataRequest{}, i.sequence)
	if err != nil {
		i.logger.Error().Err(err).Msg("Failed to encode request")
		return nil, err
	}

	resp, err := i.exchange.Exchange(ctx, frame)
	if err != nil {
		i.logger.Debug().Err(err).Uint16("sequence", i.sequence).Msg("Exchange failed")
		i.tracker.Failed()
		return nil, err
	}

	_, payload, err := protocol.ParseResponse(resp, i.strict)
	if err != nil {
		return nil, i.decodeFailed(resp, err)
	}

	data, err := protocol.DecodeRealData(payload)
	if err != nil {
		return nil, i.decodeFailed(resp, err)
	}

	i.tracker.Succeeded()
	return data, nil
}

func (i *HMSInverter) decodeFailed(resp []byte, err error) error {
	i.logger.Debug().
		Err(err).
		Str("response", protocol.FormatFrameHex(resp)).
		Msg("Failed to decode response")
	i.tracker.Failed()
	return fmt.Errorf("response from %s: %w", i.host, err)
}

// IsEncodeError reports whether err is a request construction failure
// rather than a device or network problem.
func IsEncodeError(err error) bool {
	return errors.Is(err, protocol.ErrEncode)
}
