// Package telemetry projects decoded DTU records into named, scaled metrics.
package telemetry

import (
	"strconv"
	"time"

	"github.com/resident-x/hms-mqtt-publish/internal/domain"
)

// Field names a metric leaf.
type Field string

// Metric fields as they appear in topic paths.
const (
	FieldLocalTime    Field = "inverter_local_time"
	FieldCurrentPower Field = "current_power"
	FieldDailyYield   Field = "daily_yield"
	FieldGridVoltage  Field = "grid_voltage"
	FieldGridFreq     Field = "grid_freq"
	FieldTemperature  Field = "temperature"
	FieldVoltage      Field = "voltage"
	FieldCurrent      Field = "curr"
	FieldPower        Field = "power"
	FieldEnergy       Field = "energy"
)

// Scales maps each field to the divisor turning its raw integer into
// engineering units.
var Scales = map[Field]float64{
	FieldLocalTime:    1,
	FieldCurrentPower: 10,
	FieldDailyYield:   1,
	FieldGridVoltage:  10,
	FieldGridFreq:     100,
	FieldTemperature:  10,
	FieldVoltage:      10,
	FieldCurrent:      100,
	FieldPower:        10,
	FieldEnergy:       1,
}

// LocalTimeLayout formats the device clock for human-readable sinks.
const LocalTimeLayout = "2006-01-02 15:04:05.000000"

// Scale converts a raw value of field into engineering units.
func Scale(field Field, raw int64) float64 {
	divisor, ok := Scales[field]
	if !ok || divisor == 0 {
		return float64(raw)
	}
	return float64(raw) / divisor
}

// Group tells which part of a record a metric belongs to.
type Group int

const (
	GroupDTU Group = iota
	GroupInverter
	GroupPort
)

// Metric is one scaled value of a record.
type Metric struct {
	Group Group
	// ID is the inverter id or port number; empty for DTU metrics
	ID    string
	Field Field
	Value float64
}

// Path returns the topic path of the metric relative to the device topic.
func (m Metric) Path() string {
	switch m.Group {
	case GroupInverter:
		return "inverter/" + m.ID + "/" + string(m.Field)
	case GroupPort:
		return "port/" + m.ID + "/" + string(m.Field)
	default:
		return string(m.Field)
	}
}

// Metrics flattens a record into scaled metrics in record order.
func Metrics(data *domain.RealData) []Metric {
	if data == nil {
		return nil
	}

	metrics := make([]Metric, 0, 3+3*len(data.InverterState)+5*len(data.PortState))
	metrics = append(metrics,
		metric(GroupDTU, "", FieldLocalTime, int64(data.Time)),
		metric(GroupDTU, "", FieldCurrentPower, int64(data.PVCurrentPower)),
		metric(GroupDTU, "", FieldDailyYield, int64(data.PVDailyYield)),
	)

	for _, inv := range data.InverterState {
		id := strconv.FormatInt(inv.InvID, 10)
		metrics = append(metrics,
			metric(GroupInverter, id, FieldGridVoltage, int64(inv.GridVoltage)),
			metric(GroupInverter, id, FieldGridFreq, int64(inv.GridFreq)),
			metric(GroupInverter, id, FieldTemperature, int64(inv.Temperature)),
		)
	}

	for _, port := range data.PortState {
		id := strconv.FormatInt(int64(port.PVPort), 10)
		metrics = append(metrics, portMetrics(id, port)...)
	}

	return metrics
}

func metric(group Group, id string, field Field, raw int64) Metric {
	return Metric{Group: group, ID: id, Field: field, Value: Scale(field, raw)}
}

func portMetrics(id string, port domain.PortState) []Metric {
	return []Metric{
		metric(GroupPort, id, FieldVoltage, int64(port.PVVol)),
		metric(GroupPort, id, FieldCurrent, int64(port.PVCur)),
		metric(GroupPort, id, FieldPower, int64(port.PVPower)),
		metric(GroupPort, id, FieldEnergy, int64(port.PVEnergyTotal)),
		metric(GroupPort, id, FieldDailyYield, int64(port.PVDailyYield)),
	}
}

// DeviceName returns the alias of serial, or serial itself when it has none.
func DeviceName(serial string, aliases map[string]string) string {
	if alias, ok := aliases[serial]; ok && alias != "" {
		return alias
	}
	return serial
}

// DeviceTopic returns "[prefix/]dtu/<name>".
func DeviceTopic(prefix, name string) string {
	if prefix == "" {
		return "dtu/" + name
	}
	return prefix + "/dtu/" + name
}

// Project maps a record to full metric topics and scaled values.
func Project(data *domain.RealData, prefix string, aliases map[string]string) map[string]float64 {
	if data == nil {
		return map[string]float64{}
	}

	base := DeviceTopic(prefix, DeviceName(data.DTUSerial, aliases))
	metrics := Metrics(data)

	topics := make(map[string]float64, len(metrics))
	for _, m := range metrics {
		topics[base+"/"+m.Path()] = m.Value
	}
	return topics
}

// ProjectFlat maps a record to the flat topic layout of the simple sink.
// Inverters are numbered by their position in the record.
func ProjectFlat(data *domain.RealData, base string, loc *time.Location) map[string]string {
	topics := map[string]string{}
	if data == nil {
		return topics
	}

	device := base + "/" + data.DTUSerial
	topics[device+"/"+string(FieldLocalTime)] = FormatLocalTime(data.Time, loc)
	topics[device+"/"+string(FieldCurrentPower)] = FormatValue(Scale(FieldCurrentPower, int64(data.PVCurrentPower)))
	topics[device+"/"+string(FieldDailyYield)] = FormatValue(Scale(FieldDailyYield, int64(data.PVDailyYield)))

	for idx, inv := range data.InverterState {
		prefix := device + "/inverter_" + strconv.Itoa(idx) + "/"
		topics[prefix+string(FieldGridVoltage)] = FormatValue(Scale(FieldGridVoltage, int64(inv.GridVoltage)))
		topics[prefix+string(FieldGridFreq)] = FormatValue(Scale(FieldGridFreq, int64(inv.GridFreq)))
		topics[prefix+string(FieldTemperature)] = FormatValue(Scale(FieldTemperature, int64(inv.Temperature)))
	}

	for _, port := range data.PortState {
		prefix := device + "/port_" + strconv.FormatInt(int64(port.PVPort), 10) + "/"
		for _, m := range portMetrics("", port) {
			topics[prefix+string(m.Field)] = FormatValue(m.Value)
		}
	}

	return topics
}

// FormatLocalTime renders device epoch seconds in loc.
func FormatLocalTime(epoch int32, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return time.Unix(int64(epoch), 0).In(loc).Format(LocalTimeLayout)
}

// FormatValue renders a metric value with the shortest exact representation.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
