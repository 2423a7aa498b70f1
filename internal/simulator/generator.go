package simulator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/resident-x/hms-mqtt-publish/internal/domain"
	"github.com/resident-x/hms-mqtt-publish/internal/protocol"
)

// StaticGenerator always answers with a copy of the same record.
func StaticGenerator(data *domain.RealData) Generator {
	return func(protocol.Header) *domain.RealData {
		cp := *data
		cp.InverterState = append([]domain.InverterState(nil), data.InverterState...)
		cp.PortState = append([]domain.PortState(nil), data.PortState...)
		return &cp
	}
}

// SolarGenerator simulates an HMS-800W-2T style device: one micro-inverter
// with two DC ports whose output follows a daylight curve.
type SolarGenerator struct {
	Serial      string
	InverterID  int64
	PeakPowerW  float64
	Now         func() time.Time
	rand        *rand.Rand
	energyTotal [2]int32
	mutex       sync.Mutex
}

// NewSolarGenerator creates a generator for the given DTU serial.
func NewSolarGenerator(serial string, seed int64) *SolarGenerator {
	return &SolarGenerator{
		Serial:      serial,
		InverterID:  116491234567,
		PeakPowerW:  800,
		Now:         time.Now,
		rand:        rand.New(rand.NewSource(seed)), //nolint:gosec // simulated telemetry
		energyTotal: [2]int32{1250000, 1248000},
	}
}

// Generate implements Generator.
func (g *SolarGenerator) Generate(protocol.Header) *domain.RealData {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := g.Now()
	hour := float64(now.Hour()) + float64(now.Minute())/60

	// daylight between 6:00 and 20:00
	daylight := math.Max(0, math.Sin((hour-6)/14*math.Pi))
	jitter := 1 + (g.rand.Float64()-0.5)*0.05

	portPower := g.PeakPowerW / 2 * daylight * jitter
	dailyYield := int32(g.PeakPowerW / 2 * 14 / math.Pi * (1 - math.Cos(math.Min(math.Max(hour-6, 0), 14)/14*math.Pi)) / 2)

	data := &domain.RealData{
		DTUSerial:  g.Serial,
		Time:       int32(now.Unix()),
		DeviceNub:  1,
		PVNub:      2,
		PackageNub: 1,
	}

	var total int32
	for i := range g.energyTotal {
		voltage := 30 + 8*daylight + g.rand.Float64()
		power := portPower * (1 + float64(i)*0.02)
		current := power / voltage

		g.energyTotal[i] += int32(power / 3600 * 30)
		total += int32(power * 10)

		data.PortState = append(data.PortState, domain.PortState{
			PVSerial:      g.InverterID,
			PVPort:        int32(i + 1),
			PVVol:         int32(voltage * 10),
			PVCur:         int32(current * 100),
			PVPower:       int32(power * 10),
			PVEnergyTotal: g.energyTotal[i],
			PVDailyYield:  dailyYield,
		})
	}

	data.PVCurrentPower = total
	data.PVDailyYield = 2 * dailyYield
	data.InverterState = []domain.InverterState{{
		InvID:          g.InverterID,
		GridVoltage:    int32((230 + g.rand.Float64()*4) * 10),
		GridFreq:       int32((50 + (g.rand.Float64()-0.5)*0.1) * 100),
		PVCurrentPower: total,
		Temperature:    int32((15 + 25*daylight) * 10),
		LinkStatus:     1,
	}}

	return data
}
