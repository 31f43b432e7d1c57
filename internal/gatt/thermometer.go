package gatt

import "math"

// IEEE-11073 32-bit FLOAT reserved mantissas (exponent 0).
const (
	sfloatNaN      = 0x007FFFFF
	sfloatNRes     = 0x00800000
	sfloatPosInf   = 0x007FFFFE
	sfloatNegInf   = 0x00800002
	sfloatReserved = 0x00800001
)

const thermoFlagFahrenheit = 0x01

// Temperature is a decoded Temperature Measurement (0x2A1C), always in Celsius.
type Temperature struct {
	Flags   uint8
	Celsius float64
}

// DecodeHealthThermometer decodes a Temperature Measurement indication. The
// optional timestamp and temperature type fields are ignored.
// See: https://www.bluetooth.com/specifications/specs/health-thermometer-service-1-0/
func DecodeHealthThermometer(buf []byte) (Temperature, error) {
	if len(buf) < 5 {
		return Temperature{}, parseErrorf("temperature data too short: %d bytes", len(buf))
	}

	r := newReader(buf, "temperature data")
	flags := r.u8("flags")
	value, err := decodeFloat32(r.u32("temperature"))
	if err != nil {
		return Temperature{}, err
	}
	if flags&thermoFlagFahrenheit != 0 {
		value = (value - 32) * 5 / 9
	}
	return Temperature{Flags: flags, Celsius: value}, nil
}

// decodeFloat32 converts an IEEE-11073 FLOAT: 24-bit signed mantissa in the
// low bytes, 8-bit signed base-10 exponent in the high byte.
func decodeFloat32(raw uint32) (float64, error) {
	mantissa := raw & 0x00FFFFFF
	exponent := int8(raw >> 24)

	if exponent == 0 {
		switch mantissa {
		case sfloatNaN, sfloatNRes, sfloatPosInf, sfloatNegInf, sfloatReserved:
			return 0, parseErrorf("temperature is a special value 0x%06X", mantissa)
		}
	}

	m := int32(mantissa<<8) >> 8
	if exponent < 0 {
		return float64(m) / math.Pow10(-int(exponent)), nil
	}
	return float64(m) * math.Pow10(int(exponent)), nil
}
