package gatt

import "fmt"

// FTMS Control Point op codes.
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
const (
	OpRequestControl      byte = 0x00
	OpReset               byte = 0x01
	OpSetTargetResistance byte = 0x04
	OpSetTargetPower      byte = 0x05
	OpStartOrResume       byte = 0x07
	OpStopOrPause         byte = 0x08
	OpResponseCode        byte = 0x80
)

// FTMS Control Point result codes.
const (
	ResultSuccess             byte = 0x01
	ResultOpCodeNotSupported  byte = 0x02
	ResultInvalidParameter    byte = 0x03
	ResultOperationFailed     byte = 0x04
	ResultControlNotPermitted byte = 0x05
)

// Target power bounds accepted by EncodeSetTargetPower.
const (
	MinTargetPowerWatts = 0
	MaxTargetPowerWatts = 2000
)

func EncodeRequestControl() []byte { return []byte{OpRequestControl} }

func EncodeStartOrResume() []byte { return []byte{OpStartOrResume} }

func EncodeReset() []byte { return []byte{OpReset} }

// EncodeStopOrPause builds a stop (param 0x01) or pause (0x02) command.
func EncodeStopOrPause(pause bool) []byte {
	if pause {
		return []byte{OpStopOrPause, 0x02}
	}
	return []byte{OpStopOrPause, 0x01}
}

// EncodeSetTargetPower builds the ERG command, clamping to the supported range.
// Power is SINT16 LE watts.
func EncodeSetTargetPower(watts int) []byte {
	if watts < MinTargetPowerWatts {
		watts = MinTargetPowerWatts
	}
	if watts > MaxTargetPowerWatts {
		watts = MaxTargetPowerWatts
	}
	p := int16(watts)
	return []byte{OpSetTargetPower, byte(p), byte(uint16(p) >> 8)}
}

// DecodeTargetPower extracts the watts from a Set Target Power command. Used by
// the simulated trainer.
func DecodeTargetPower(buf []byte) (int, error) {
	if len(buf) < 3 || buf[0] != OpSetTargetPower {
		return 0, parseErrorf("not a set target power command: %v", buf)
	}
	return int(int16(uint16(buf[1]) | uint16(buf[2])<<8)), nil
}

// ControlPointResponse is an indication on the control point:
// [0x80, request op code, result code, ...].
type ControlPointResponse struct {
	RequestOpCode byte
	ResultCode    byte
}

func DecodeControlPointResponse(buf []byte) (ControlPointResponse, error) {
	if len(buf) < 3 {
		return ControlPointResponse{}, parseErrorf("control point response too short: %v", buf)
	}
	if buf[0] != OpResponseCode {
		return ControlPointResponse{}, parseErrorf("unexpected control point op code 0x%02X", buf[0])
	}
	return ControlPointResponse{RequestOpCode: buf[1], ResultCode: buf[2]}, nil
}

// EncodeControlPointResponse is the inverse of DecodeControlPointResponse.
func EncodeControlPointResponse(requestOpCode, resultCode byte) []byte {
	return []byte{OpResponseCode, requestOpCode, resultCode}
}

func (r ControlPointResponse) Success() bool {
	return r.ResultCode == ResultSuccess
}

func (r ControlPointResponse) String() string {
	return fmt.Sprintf("%s -> %s", OpCodeName(r.RequestOpCode), ResultName(r.ResultCode))
}

func OpCodeName(op byte) string {
	switch op {
	case OpRequestControl:
		return "Request Control"
	case OpReset:
		return "Reset"
	case OpSetTargetResistance:
		return "Set Target Resistance"
	case OpSetTargetPower:
		return "Set Target Power"
	case OpStartOrResume:
		return "Start/Resume"
	case OpStopOrPause:
		return "Stop/Pause"
	default:
		return fmt.Sprintf("OpCode 0x%02X", op)
	}
}

func ResultName(code byte) string {
	switch code {
	case ResultSuccess:
		return "Success"
	case ResultOpCodeNotSupported:
		return "Op Code Not Supported"
	case ResultInvalidParameter:
		return "Invalid Parameter"
	case ResultOperationFailed:
		return "Operation Failed"
	case ResultControlNotPermitted:
		return "Control Not Permitted"
	default:
		return fmt.Sprintf("Result 0x%02X", code)
	}
}
