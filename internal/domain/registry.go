// Package domain provides core domain implementations.
package domain

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DeviceRegistry implements the Registry interface.
type DeviceRegistry struct {
	inverters map[string]*InverterInfo
	mutex     sync.RWMutex
	now       func() time.Time
}

// NewDeviceRegistry creates a new device registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		inverters: make(map[string]*InverterInfo),
		now:       time.Now,
	}
}

// RegisterInverter adds an inverter host to the registry.
func (r *DeviceRegistry) RegisterInverter(host string) error {
	if host == "" {
		return fmt.Errorf("inverter host cannot be empty")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.inverters[host]; !exists {
		r.inverters[host] = &InverterInfo{
			Host:  host,
			State: DeviceStateUnknown,
		}
	}

	return nil
}

// RecordAttempt stores the outcome of one poll attempt.
func (r *DeviceRegistry) RecordAttempt(host string, state DeviceState, serial string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	inverter, exists := r.inverters[host]
	if !exists {
		return fmt.Errorf("inverter %s not found", host)
	}

	now := r.now()
	inverter.State = state
	inverter.LastAttempt = now
	inverter.Polls++

	switch state {
	case DeviceStateOnline:
		inverter.LastContact = now
		inverter.ConsecutiveFailures = 0
		if serial != "" {
			inverter.Serial = serial
		}
	case DeviceStateOffline:
		inverter.ConsecutiveFailures++
		inverter.Failures++
	}

	return nil
}

// GetInverter retrieves a copy of the information about an inverter.
func (r *DeviceRegistry) GetInverter(host string) (*InverterInfo, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	inverter, exists := r.inverters[host]
	if !exists {
		return nil, false
	}

	info := *inverter
	return &info, true
}

// GetAllInverters returns copies of all inverters sorted by host.
func (r *DeviceRegistry) GetAllInverters() []*InverterInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	inverters := make([]*InverterInfo, 0, len(r.inverters))
	for _, inverter := range r.inverters {
		info := *inverter
		inverters = append(inverters, &info)
	}

	sort.Slice(inverters, func(i, j int) bool {
		return inverters[i].Host < inverters[j].Host
	})

	return inverters
}
