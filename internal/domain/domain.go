// Package domain provides core domain models and interfaces for the hms-mqtt-publish application.
package domain

import (
	"context"
	"time"
)

// DeviceState is the last known reachability of a DTU.
type DeviceState int

const (
	DeviceStateUnknown DeviceState = iota
	DeviceStateOnline
	DeviceStateOffline
)

// String returns the string representation of the device state.
func (s DeviceState) String() string {
	switch s {
	case DeviceStateOnline:
		return "Online"
	case DeviceStateOffline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state for JSON APIs.
func (s DeviceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RealData is one decoded real-time telemetry snapshot of a DTU.
//
// All numeric fields are the raw fixed-point integers sent by the device.
// Scaling to engineering units happens in the telemetry package.
type RealData struct {
	DTUSerial      string          `json:"dtu_sn"`
	Time           int32           `json:"time"`
	DeviceNub      int32           `json:"device_nub,omitempty"`
	PVNub          int32           `json:"pv_nub,omitempty"`
	PackageNub     int32           `json:"package_nub,omitempty"`
	PVCurrentPower int32           `json:"pv_current_power"`
	PVDailyYield   int32           `json:"pv_daily_yield"`
	InverterState  []InverterState `json:"inverter_state,omitempty"`
	PortState      []PortState     `json:"port_state,omitempty"`
}

// InverterState holds the grid side readings of one micro-inverter.
type InverterState struct {
	InvID          int64 `json:"inv_id"`
	PortID         int32 `json:"port_id,omitempty"`
	GridVoltage    int32 `json:"grid_voltage"`
	GridFreq       int32 `json:"grid_freq"`
	PVCurrentPower int32 `json:"pv_current_power,omitempty"`
	Temperature    int32 `json:"temperature"`
	WarningNumber  int32 `json:"warning_number,omitempty"`
	CRCChecksum    int32 `json:"crc_checksum,omitempty"`
	LinkStatus     int32 `json:"link_status,omitempty"`
}

// PortState holds the readings of one DC input port.
type PortState struct {
	PVSerial      int64 `json:"pv_sn,omitempty"`
	PVPort        int32 `json:"pv_port"`
	PVVol         int32 `json:"pv_vol"`
	PVCur         int32 `json:"pv_cur"`
	PVPower       int32 `json:"pv_power"`
	PVEnergyTotal int32 `json:"pv_energy_total"`
	PVDailyYield  int32 `json:"pv_daily_yield"`
	PVErrorCode   int32 `json:"pv_error_code,omitempty"`
}

// MetricPublisher defines the interface of a telemetry sink.
type MetricPublisher interface {
	// Name identifies the sink in logs and metrics
	Name() string

	// Publish hands one decoded record to the sink
	Publish(ctx context.Context, data *RealData) error

	// Close terminates the connection of the sink
	Close() error
}

// Registry keeps track of polled devices.
type Registry interface {
	// RegisterInverter adds an inverter host to the registry
	RegisterInverter(host string) error

	// RecordAttempt stores the outcome of one poll attempt
	RecordAttempt(host string, state DeviceState, serial string) error

	// GetInverter retrieves information about an inverter
	GetInverter(host string) (*InverterInfo, bool)

	// GetAllInverters returns information about all inverters
	GetAllInverters() []*InverterInfo
}

// InverterInfo contains information about a polled inverter.
type InverterInfo struct {
	Host                string      `json:"host"`
	Serial              string      `json:"serial,omitempty"`
	State               DeviceState `json:"state"`
	LastAttempt         time.Time   `json:"last_attempt"`
	LastContact         time.Time   `json:"last_contact"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Polls               int64       `json:"polls"`
	Failures            int64       `json:"failures"`
}
