package gatt

// Cycling Power Measurement flag bits that shift the crank revolution fields.
const (
	cpFlagPedalPowerBalance = 1 << 0
	cpFlagAccumulatedTorque = 1 << 2
	cpFlagWheelRevolution   = 1 << 4
	cpFlagCrankRevolution   = 1 << 5
)

// CrankRevolutions is the cumulative crank counter shared by the Cycling
// Power and CSC measurements. LastEventTime is in 1/1024 s.
type CrankRevolutions struct {
	Cumulative    uint16
	LastEventTime uint16
}

// CyclingPower is a decoded Cycling Power Measurement (0x2A63). Crank is nil
// when the crank revolution data flag is unset or the crank fields are cut
// short, in which case the payload carries no cadence information.
type CyclingPower struct {
	Flags uint16
	Power int16
	Crank *CrankRevolutions
}

// DecodeCyclingPower decodes a Cycling Power Measurement notification. Only
// a payload without the power field is an error.
// See: https://www.bluetooth.com/specifications/specs/cycling-power-service-1-1/
func DecodeCyclingPower(buf []byte) (CyclingPower, error) {
	if len(buf) < 4 {
		return CyclingPower{}, parseErrorf("cycling power data too short: %d bytes", len(buf))
	}

	r := newReader(buf, "cycling power data")
	out := CyclingPower{
		Flags: r.u16("flags"),
		Power: r.s16("instantaneous power"),
	}
	if out.Flags&cpFlagCrankRevolution == 0 {
		return out, nil
	}

	if out.Flags&cpFlagPedalPowerBalance != 0 {
		r.skip(1, "pedal power balance")
	}
	if out.Flags&cpFlagAccumulatedTorque != 0 {
		r.skip(2, "accumulated torque")
	}
	if out.Flags&cpFlagWheelRevolution != 0 {
		r.skip(6, "wheel revolution data")
	}
	crank := CrankRevolutions{
		Cumulative:    r.u16("cumulative crank revolutions"),
		LastEventTime: r.u16("last crank event time"),
	}
	if r.err != nil {
		return out, nil
	}
	out.Crank = &crank
	return out, nil
}
