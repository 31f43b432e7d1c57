package trainerctl

import (
	"context"
	"fmt"
	"sync"

	"github.com/lachart/steptest/internal/bt"
	"github.com/lachart/steptest/internal/gatt"
	"github.com/sirupsen/logrus"
)

// FTMS controls a Fitness Machine Service trainer through its control point.
// The device is looked up by address on every call, so it survives
// reconnects.
type FTMS struct {
	manager bt.BTManagerInterface
	address string
	logger  logrus.FieldLogger

	mu           sync.Mutex
	controlled   bool
	indicationOn bool
	lastTarget   int
}

var _ Controller = (*FTMS)(nil)

func NewFTMS(manager bt.BTManagerInterface, address string, logger logrus.FieldLogger) *FTMS {
	if manager == nil {
		panic("FTMS: manager cannot be nil")
	}
	if logger == nil {
		panic("FTMS: logger cannot be nil")
	}
	return &FTMS{
		manager: manager,
		address: bt.NormalizeAddress(address),
		logger:  logger.WithFields(logrus.Fields{"component": "FTMS", "address": address}),
	}
}

func (f *FTMS) device() (bt.BTDevice, error) {
	d := f.manager.GetBTDeviceByAddressString(f.address)
	if d == nil || !d.IsConnected() {
		return nil, fmt.Errorf("%w: trainer %s not connected", ErrCommand, f.address)
	}
	return d, nil
}

// Status is Disconnected without a live connection, Controlled after a
// successful RequestControl, Ready otherwise.
func (f *FTMS) Status() Status {
	d := f.manager.GetBTDeviceByAddressString(f.address)
	if d == nil || !d.IsConnected() {
		f.mu.Lock()
		f.controlled = false
		f.indicationOn = false
		f.mu.Unlock()
		return StatusDisconnected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.controlled {
		return StatusControlled
	}
	return StatusReady
}

// RequestControl subscribes to control point indications (best effort) and
// sends the Request Control op code.
func (f *FTMS) RequestControl(ctx context.Context) error {
	d, err := f.device()
	if err != nil {
		return err
	}

	f.mu.Lock()
	needIndications := !f.indicationOn
	f.mu.Unlock()
	if needIndications {
		err := d.EnableNotifications(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, f.handleResponse)
		if err != nil {
			// Control still works without confirmations on stacks that refuse.
			f.logger.Warnf("Control point indications unavailable: %v", err)
		} else {
			f.mu.Lock()
			f.indicationOn = true
			f.mu.Unlock()
		}
	}

	if err := f.write(ctx, d, gatt.EncodeRequestControl()); err != nil {
		return err
	}
	f.mu.Lock()
	f.controlled = true
	f.mu.Unlock()
	f.logger.Infof("Trainer control acquired")
	return nil
}

func (f *FTMS) Start(ctx context.Context) error {
	d, err := f.device()
	if err != nil {
		return err
	}
	return f.write(ctx, d, gatt.EncodeStartOrResume())
}

func (f *FTMS) SetErgWatts(ctx context.Context, watts int) error {
	d, err := f.device()
	if err != nil {
		return err
	}
	if err := f.write(ctx, d, gatt.EncodeSetTargetPower(watts)); err != nil {
		return err
	}
	f.mu.Lock()
	f.lastTarget = watts
	f.mu.Unlock()
	f.logger.Infof("Target power set to %d W", watts)
	return nil
}

// LastTarget is the last target power the trainer accepted a write for.
func (f *FTMS) LastTarget() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTarget
}

func (f *FTMS) write(ctx context.Context, d bt.BTDevice, data []byte) error {
	op := gatt.OpCodeName(data[0])
	err := callWithContext(ctx, func() error {
		return d.WriteCharacteristic(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, data)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCommand, op, err)
	}
	return nil
}

func (f *FTMS) handleResponse(buf []byte) {
	resp, err := gatt.DecodeControlPointResponse(buf)
	if err != nil {
		f.logger.Warnf("Control point: %v", err)
		return
	}
	f.logger.Debugf("Control point: %s", resp)
	if resp.Success() {
		return
	}
	f.logger.Warnf("Trainer rejected %s", resp)
	if resp.RequestOpCode == gatt.OpRequestControl && resp.ResultCode == gatt.ResultControlNotPermitted {
		f.mu.Lock()
		f.controlled = false
		f.mu.Unlock()
	}
}
