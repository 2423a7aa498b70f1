package inverter

import (
	"context"

	"github.com/resident-x/hms-mqtt-publish/internal/domain"
)

// FakeInverter answers every poll with an otherwise empty record carrying
// only its serial. Its state never leaves Unknown.
type FakeInverter struct {
	host   string
	serial string
}

var _ Inverter = (*FakeInverter)(nil)

// NewFakeInverter creates a fake inverter for host reporting serial.
func NewFakeInverter(host, serial string) *FakeInverter {
	return &FakeInverter{host: host, serial: serial}
}

// Host returns the configured host.
func (f *FakeInverter) Host() string {
	return f.host
}

// Poll returns a record with the configured serial.
func (f *FakeInverter) Poll(context.Context) (*domain.RealData, error) {
	return &domain.RealData{DTUSerial: f.serial}, nil
}

// State always reports Unknown.
func (f *FakeInverter) State() domain.DeviceState {
	return domain.DeviceStateUnknown
}
