package inverter

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/resident-x/hms-mqtt-publish/internal/domain"
)

// StateTracker records the last known reachability of one device and logs
// transitions only.
type StateTracker struct {
	state  domain.DeviceState
	logger zerolog.Logger
	mutex  sync.RWMutex
}

// NewStateTracker creates a tracker in the Unknown state.
func NewStateTracker(logger zerolog.Logger) *StateTracker {
	return &StateTracker{
		state:  domain.DeviceStateUnknown,
		logger: logger,
	}
}

// Set stores a new state and reports whether it differs from the previous one.
func (t *StateTracker) Set(state domain.DeviceState) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.state == state {
		return false
	}

	previous := t.state
	t.state = state
	t.logger.Info().
		Str("previous", previous.String()).
		Msgf("Inverter is %s", state)

	return true
}

// Succeeded marks an attempt that produced a decoded record.
func (t *StateTracker) Succeeded() bool {
	return t.Set(domain.DeviceStateOnline)
}

// Failed marks an attempt that ended in any transport or decode error.
func (t *StateTracker) Failed() bool {
	return t.Set(domain.DeviceStateOffline)
}

// State returns the current state.
func (t *StateTracker) State() domain.DeviceState {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.state
}
