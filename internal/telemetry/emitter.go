package telemetry

import (
	"context"
	"errors"
)

// ErrConnection marks a failed emitter connect or disconnect. The device is
// reported disconnected; the test keeps running.
var ErrConnection = errors.New("device connection error")

// DeviceType is the role a device plays in the test. One emitter per role.
type DeviceType string

const (
	DeviceHeartRate    DeviceType = "heart_rate"
	DevicePower        DeviceType = "power"
	DeviceTrainer      DeviceType = "trainer"
	DeviceCadence      DeviceType = "cadence"
	DeviceThermometer  DeviceType = "thermometer"
	DeviceMuscleOxygen DeviceType = "muscle_oxygen"
	DeviceMetabolic    DeviceType = "metabolic"
)

// Emitter is a push source of partial updates. BLE sensors, simulated
// devices and any other transport all look the same to the hub.
type Emitter interface {
	Name() string
	Connect(ctx context.Context) error
	// OnUpdate sets the callback for updates. It is called before Connect.
	OnUpdate(fn func(Partial))
	Disconnect(ctx context.Context) error
}
