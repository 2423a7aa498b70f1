package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/resident-x/hms-mqtt-publish/internal/domain"
)

// Field numbers of the real-time data messages.
const (
	reqYmdHms  protowire.Number = 1
	reqCp      protowire.Number = 2
	reqErrCode protowire.Number = 3
	reqOffset  protowire.Number = 4
	reqTime    protowire.Number = 5

	hmsDtuSn          protowire.Number = 1
	hmsTime           protowire.Number = 2
	hmsDeviceNub      protowire.Number = 3
	hmsPvNub          protowire.Number = 4
	hmsPackageNub     protowire.Number = 5
	hmsInverterState  protowire.Number = 9
	hmsPortState      protowire.Number = 11
	hmsPvCurrentPower protowire.Number = 12
	hmsPvDailyYield   protowire.Number = 13

	invID             protowire.Number = 1
	invPortID         protowire.Number = 2
	invGridVoltage    protowire.Number = 3
	invGridFreq       protowire.Number = 4
	invPvCurrentPower protowire.Number = 5
	invTemperature    protowire.Number = 9
	invWarningNumber  protowire.Number = 10
	invCrcChecksum    protowire.Number = 11
	invLinkStatus     protowire.Number = 12

	portPvSn          protowire.Number = 1
	portPvPort        protowire.Number = 2
	portPvVol         protowire.Number = 3
	portPvCur         protowire.Number = 4
	portPvPower       protowire.Number = 5
	portPvEnergyTotal protowire.Number = 6
	portPvDailyYield  protowire.Number = 7
	portPvErrorCode   protowire.Number = 8
)

// RealDataRequest is the body of a "read real-time data" request.
// The DTU answers the zero value, which encodes to no bytes at all.
type RealDataRequest struct {
	YmdHms  string
	Cp      int32
	ErrCode int32
	Offset  int32
	Time    int32
}

// Marshal serializes the request. Zero fields are omitted.
func (r RealDataRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, reqYmdHms, r.YmdHms)
	b = appendInt32(b, reqCp, r.Cp)
	b = appendInt32(b, reqErrCode, r.ErrCode)
	b = appendInt32(b, reqOffset, r.Offset)
	b = appendInt32(b, reqTime, r.Time)
	return b
}

// DecodeRealData parses an HMSStateResponse payload.
func DecodeRealData(payload []byte) (*domain.RealData, error) {
	data := &domain.RealData{}

	err := walkFields(payload, "HMSStateResponse", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == hmsDtuSn && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			data.DTUSerial = v
			return n, nil
		case num == hmsInverterState && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			inv, err := decodeInverterState(v)
			if err != nil {
				return 0, err
			}
			data.InverterState = append(data.InverterState, inv)
			return n, nil
		case num == hmsPortState && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			port, err := decodePortState(v)
			if err != nil {
				return 0, err
			}
			data.PortState = append(data.PortState, port)
			return n, nil
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case hmsTime:
				data.Time = int32(v)
			case hmsDeviceNub:
				data.DeviceNub = int32(v)
			case hmsPvNub:
				data.PVNub = int32(v)
			case hmsPackageNub:
				data.PackageNub = int32(v)
			case hmsPvCurrentPower:
				data.PVCurrentPower = int32(v)
			case hmsPvDailyYield:
				data.PVDailyYield = int32(v)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}

	return data, nil
}

func decodeInverterState(payload []byte) (domain.InverterState, error) {
	var inv domain.InverterState

	err := walkFields(payload, "InverterState", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case invID:
			inv.InvID = int64(v)
		case invPortID:
			inv.PortID = int32(v)
		case invGridVoltage:
			inv.GridVoltage = int32(v)
		case invGridFreq:
			inv.GridFreq = int32(v)
		case invPvCurrentPower:
			inv.PVCurrentPower = int32(v)
		case invTemperature:
			inv.Temperature = int32(v)
		case invWarningNumber:
			inv.WarningNumber = int32(v)
		case invCrcChecksum:
			inv.CRCChecksum = int32(v)
		case invLinkStatus:
			inv.LinkStatus = int32(v)
		}
		return n, nil
	})

	return inv, err
}

func decodePortState(payload []byte) (domain.PortState, error) {
	var port domain.PortState

	err := walkFields(payload, "PortState", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case portPvSn:
			port.PVSerial = int64(v)
		case portPvPort:
			port.PVPort = int32(v)
		case portPvVol:
			port.PVVol = int32(v)
		case portPvCur:
			port.PVCur = int32(v)
		case portPvPower:
			port.PVPower = int32(v)
		case portPvEnergyTotal:
			port.PVEnergyTotal = int32(v)
		case portPvDailyYield:
			port.PVDailyYield = int32(v)
		case portPvErrorCode:
			port.PVErrorCode = int32(v)
		}
		return n, nil
	})

	return port, err
}

// fieldFunc consumes the value of one field and returns the number of bytes
// read, or a negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walkFields(b []byte, message string, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &DecodeError{Reason: message + ": bad tag", Err: protowire.ParseError(n)}
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return &DecodeError{
				Reason: fmt.Sprintf("%s: bad value for field %d", message, num),
				Err:    protowire.ParseError(n),
			}
		}
		b = b[n:]
	}
	return nil
}

// MarshalRealData serializes a record as an HMSStateResponse payload.
func MarshalRealData(data *domain.RealData) []byte {
	if data == nil {
		return nil
	}

	var b []byte
	b = appendString(b, hmsDtuSn, data.DTUSerial)
	b = appendInt32(b, hmsTime, data.Time)
	b = appendInt32(b, hmsDeviceNub, data.DeviceNub)
	b = appendInt32(b, hmsPvNub, data.PVNub)
	b = appendInt32(b, hmsPackageNub, data.PackageNub)

	for _, inv := range data.InverterState {
		var m []byte
		m = appendInt64(m, invID, inv.InvID)
		m = appendInt32(m, invPortID, inv.PortID)
		m = appendInt32(m, invGridVoltage, inv.GridVoltage)
		m = appendInt32(m, invGridFreq, inv.GridFreq)
		m = appendInt32(m, invPvCurrentPower, inv.PVCurrentPower)
		m = appendInt32(m, invTemperature, inv.Temperature)
		m = appendInt32(m, invWarningNumber, inv.WarningNumber)
		m = appendInt32(m, invCrcChecksum, inv.CRCChecksum)
		m = appendInt32(m, invLinkStatus, inv.LinkStatus)
		b = appendMessage(b, hmsInverterState, m)
	}

	for _, port := range data.PortState {
		var m []byte
		m = appendInt64(m, portPvSn, port.PVSerial)
		m = appendInt32(m, portPvPort, port.PVPort)
		m = appendInt32(m, portPvVol, port.PVVol)
		m = appendInt32(m, portPvCur, port.PVCur)
		m = appendInt32(m, portPvPower, port.PVPower)
		m = appendInt32(m, portPvEnergyTotal, port.PVEnergyTotal)
		m = appendInt32(m, portPvDailyYield, port.PVDailyYield)
		m = appendInt32(m, portPvErrorCode, port.PVErrorCode)
		b = appendMessage(b, hmsPortState, m)
	}

	b = appendInt32(b, hmsPvCurrentPower, data.PVCurrentPower)
	b = appendInt32(b, hmsPvDailyYield, data.PVDailyYield)

	return b
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	// negative values are sign-extended to 64 bits on the wire
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendMessage always writes the field so empty repeated entries survive.
func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}
