package sim

import (
	"encoding/binary"
	"math"
)

// Measurement encoders mirror the decoders in package gatt.

// encodeHeartRate uses the 8-bit format unless bpm does not fit.
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
func encodeHeartRate(bpm int) []byte {
	if bpm > 0xFF {
		return binary.LittleEndian.AppendUint16([]byte{0x01}, uint16(bpm))
	}
	if bpm < 0 {
		bpm = 0
	}
	return []byte{0x00, byte(bpm)}
}

// encodeCyclingPower includes crank revolution data (flag 0x20).
// See: https://www.bluetooth.com/specifications/specs/cycling-power-service-1-1/
func encodeCyclingPower(watts int, crankRevs, crankEventTime uint16) []byte {
	buf := make([]byte, 0, 8)
	buf = binary.LittleEndian.AppendUint16(buf, 0x0020)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(int16(watts)))
	buf = binary.LittleEndian.AppendUint16(buf, crankRevs)
	buf = binary.LittleEndian.AppendUint16(buf, crankEventTime)
	return buf
}

// encodeCSC carries crank data only (flag 0x02).
// See: https://www.bluetooth.com/specifications/specs/cycling-speed-and-cadence-service-1-0/
func encodeCSC(crankRevs, crankEventTime uint16) []byte {
	buf := []byte{0x02}
	buf = binary.LittleEndian.AppendUint16(buf, crankRevs)
	buf = binary.LittleEndian.AppendUint16(buf, crankEventTime)
	return buf
}

// encodeIndoorBikeData sends speed (present while flag bit 0 is clear),
// instantaneous cadence and instantaneous power.
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
func encodeIndoorBikeData(speedKmh, cadenceRpm float64, watts int) []byte {
	buf := make([]byte, 0, 8)
	buf = binary.LittleEndian.AppendUint16(buf, 0x0044)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(math.Round(speedKmh*100)))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(math.Round(cadenceRpm*2)))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(int16(watts)))
	return buf
}

// encodeTemperature writes °C as an IEEE-11073 32-bit FLOAT with two
// decimals.
// See: https://www.bluetooth.com/specifications/specs/health-thermometer-service-1-0/
func encodeTemperature(celsius float64) []byte {
	var exponent int8 = -2
	mantissa := int32(math.Round(celsius * 100))
	raw := uint32(mantissa)&0x00FFFFFF | uint32(uint8(exponent))<<24
	return binary.LittleEndian.AppendUint32([]byte{0x00}, raw)
}
