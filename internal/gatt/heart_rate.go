package gatt

// HeartRate is a decoded Heart Rate Measurement (0x2A37).
type HeartRate struct {
	Flags uint8
	BPM   uint16
}

// DecodeHeartRate decodes a Heart Rate Measurement notification. Flag bit 0
// selects a UINT8 or UINT16 value.
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
func DecodeHeartRate(buf []byte) (HeartRate, error) {
	if len(buf) < 2 {
		return HeartRate{}, parseErrorf("heart rate data too short: %d bytes", len(buf))
	}

	out := HeartRate{Flags: buf[0]}
	if out.Flags&0x01 != 0 {
		if len(buf) < 3 {
			return HeartRate{}, parseErrorf("heart rate UINT16 data too short: %d bytes", len(buf))
		}
		out.BPM = uint16(buf[1]) | uint16(buf[2])<<8
	} else {
		out.BPM = uint16(buf[1])
	}
	return out, nil
}
