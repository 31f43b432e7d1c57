package gatt

import "sync"

// WheelRevolutions is the cumulative wheel counter from a CSC measurement.
// LastEventTime is in 1/1024 s.
type WheelRevolutions struct {
	Cumulative    uint32
	LastEventTime uint16
}

// CSCMeasurement is a decoded CSC Measurement (0x2A5B).
type CSCMeasurement struct {
	Flags uint8
	Wheel *WheelRevolutions
	Crank *CrankRevolutions
}

// DecodeCSC decodes a Cycling Speed and Cadence measurement notification.
// See: https://www.bluetooth.com/specifications/specs/cycling-speed-and-cadence-service-1-0/
func DecodeCSC(buf []byte) (CSCMeasurement, error) {
	if len(buf) < 1 {
		return CSCMeasurement{}, parseErrorf("CSC data too short: %d bytes", len(buf))
	}

	r := newReader(buf, "CSC data")
	out := CSCMeasurement{Flags: r.u8("flags")}
	if out.Flags&0x01 != 0 {
		wheel := WheelRevolutions{
			Cumulative:    r.u32("cumulative wheel revolutions"),
			LastEventTime: r.u16("last wheel event time"),
		}
		out.Wheel = &wheel
	}
	if out.Flags&0x02 != 0 {
		crank := CrankRevolutions{
			Cumulative:    r.u16("cumulative crank revolutions"),
			LastEventTime: r.u16("last crank event time"),
		}
		out.Crank = &crank
	}
	if r.err != nil {
		return CSCMeasurement{}, r.err
	}
	return out, nil
}

// MaxCadenceRPM bounds what CadenceCalculator accepts as a plausible reading.
const MaxCadenceRPM = 300

// CadenceCalculator derives rpm from consecutive cumulative crank readings.
// One calculator per sensor; it is safe for concurrent use.
type CadenceCalculator struct {
	mu      sync.Mutex
	last    CrankRevolutions
	hasLast bool
}

// Update feeds the next crank reading. ok is false for the first reading, when
// no time has passed, or when the result is implausible.
func (c *CadenceCalculator) Update(crank CrankRevolutions) (rpm float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasLast {
		c.last = crank
		c.hasLast = true
		return 0, false
	}

	// uint16 subtraction handles counter rollover.
	revs := crank.Cumulative - c.last.Cumulative
	ticks := crank.LastEventTime - c.last.LastEventTime
	c.last = crank

	if ticks == 0 {
		return 0, false
	}
	rpm = float64(revs) * 60.0 * 1024.0 / float64(ticks)
	if rpm < 0 || rpm > MaxCadenceRPM {
		return 0, false
	}
	return rpm, true
}

// Reset forgets the previous reading, e.g. after a reconnect.
func (c *CadenceCalculator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasLast = false
}
