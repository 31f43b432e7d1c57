package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/lachart/steptest/internal/bt"
	"github.com/lachart/steptest/internal/bt/sim"
	"github.com/lachart/steptest/internal/config"
	"github.com/lachart/steptest/internal/console"
	"github.com/lachart/steptest/internal/engine"
	"github.com/lachart/steptest/internal/go_func_utils"
	"github.com/lachart/steptest/internal/logging"
	"github.com/lachart/steptest/internal/protocol"
	"github.com/lachart/steptest/internal/scheduler"
	"github.com/lachart/steptest/internal/session"
	"github.com/lachart/steptest/internal/telemetry"
	"github.com/lachart/steptest/internal/trainerctl"
	"github.com/rivo/tview"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"tinygo.org/x/bluetooth"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := mainErr(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mainErr(args []string) error {
	cfg, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, logCloser, err := logging.New(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Level:      cfg.Log.Level,
	})
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer logCloser.Close()

	store, err := session.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open session database: %w", err)
	}
	defer store.Close()

	switch {
	case cfg.List:
		return listSessions(os.Stdout, store)
	case cfg.Report != "":
		return printReport(os.Stdout, store, cfg.Report)
	}

	p, err := cfg.LoadProtocol()
	if err != nil {
		return fmt.Errorf("load protocol: %w", err)
	}
	if err := run(cfg, p, store, logger); err != nil {
		logger.Errorf("Exiting: %v", err)
		return err
	}
	return nil
}

func listSessions(w io.Writer, store *session.Store) error {
	sessions, err := store.List(context.Background())
	if err != nil {
		return err
	}
	session.WriteList(w, sessions)
	return nil
}

func printReport(w io.Writer, store *session.Store, id string) error {
	s, err := store.Load(context.Background(), id)
	if err != nil {
		return err
	}
	return session.WriteReport(w, s)
}

func run(cfg config.Config, p protocol.Protocol, store *session.Store, logger *logrus.Logger) error {
	var manager bt.BTManagerInterface
	addresses := cfg.Devices.Addresses()
	if cfg.Simulate {
		manager = sim.NewManager(logger, cfg.Sim.HTTPPort)
		for dt, addr := range simAddresses() {
			if _, ok := addresses[dt]; !ok {
				addresses[dt] = addr
			}
		}
		if cfg.Sim.HTTPPort > 0 {
			logger.Infof("Simulated devices control page on http://127.0.0.1:%d/", cfg.Sim.HTTPPort)
		}
	} else {
		manager = bt.NewBTManager(bluetooth.DefaultAdapter, logger, cfg.ScanTimeout)
		rememberedAddresses(store, addresses, logger)
	}
	if err := manager.Enable(); err != nil {
		return fmt.Errorf("enable BLE stack: %w", err)
	}
	defer manager.Shutdown()

	hub := telemetry.NewHub(scheduler.RealClock(), logger)
	hub.SetHRSmoothing(cfg.HRSmoothing)
	for _, dt := range []telemetry.DeviceType{
		telemetry.DeviceHeartRate,
		telemetry.DeviceTrainer,
		telemetry.DevicePower,
		telemetry.DeviceCadence,
		telemetry.DeviceThermometer,
	} {
		if addr, ok := addresses[dt]; ok {
			hub.RegisterAdapter(dt, telemetry.NewBLEEmitter(manager, dt, addr, logger))
		}
	}
	if cfg.Simulate {
		registerSynthetic(hub, logger)
	}

	var trainer trainerctl.Controller = trainerctl.None{}
	if addr, ok := addresses[telemetry.DeviceTrainer]; ok {
		trainer = trainerctl.WithRetry(trainerctl.NewFTMS(manager, addr, logger), trainerctl.RetryPolicy{
			Timeout:  cfg.Trainer.CommandTimeout,
			Attempts: cfg.Trainer.Retries,
			Backoff:  cfg.Trainer.RetryBackoff,
		}, logger)
	} else {
		logger.Warn("No trainer configured, target power must be set by hand")
	}

	var source engine.Telemetry = hub
	if cfg.RecordSmoothedHR {
		source = telemetry.SmoothedSource{Hub: hub}
	}
	eng := engine.New(p, source, trainer, store, engine.Options{
		CountdownSeconds:     cfg.CountdownSeconds,
		ErgGraceDelay:        cfg.ErgGraceDelay,
		LactateWorkPowerOnly: cfg.LactateWorkPowerOnly,
	}, logger)

	model := console.NewModel(eng, hub, trainer, logger)
	logger.AddHook(console.NewLogHook(model, logger.GetLevel()))
	controller := console.NewController(eng, model, logger)
	view := console.NewView(tview.NewApplication(), model, controller, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go_func_utils.SafeGo(logger, func() {
		connectDevices(ctx, hub, store, addresses, logger)
	})

	logger.Infof("Protocol loaded: %d steps", len(p.Steps))
	runErr := view.Run()
	cancel()

	// A test still in progress is kept as a completed session.
	switch eng.State().Mode {
	case engine.ModeRunning, engine.ModePaused:
		if err := eng.Stop(); err != nil {
			logger.Warnf("Stop test: %v", err)
		}
	}
	view.Shutdown()
	model.Shutdown()
	eng.Shutdown()

	disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer disconnectCancel()
	if err := hub.DisconnectAll(disconnectCtx); err != nil {
		logger.Warnf("Disconnect devices: %v", err)
	}
	return runErr
}

// simAddresses maps every BLE device type to its simulated device. The
// trainer doubles as the power meter.
func simAddresses() map[telemetry.DeviceType]string {
	return map[telemetry.DeviceType]string{
		telemetry.DeviceHeartRate:   sim.AddressHeartRate,
		telemetry.DeviceTrainer:     sim.AddressTrainer,
		telemetry.DevicePower:       sim.AddressTrainer,
		telemetry.DeviceCadence:     sim.AddressCadence,
		telemetry.DeviceThermometer: sim.AddressThermometer,
	}
}

// registerSynthetic adds muscle oxygen and metabolic sources that follow the
// measured power.
func registerSynthetic(hub *telemetry.Hub, logger logrus.FieldLogger) {
	power := func() float64 {
		v, _ := hub.Snapshot().Get(telemetry.MetricPower)
		return v
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	hub.RegisterAdapter(telemetry.DeviceMuscleOxygen,
		telemetry.NewSyntheticEmitter("Simulated NIRS", time.Second, telemetry.MuscleOxygenModel(power, rng), logger))
	hub.RegisterAdapter(telemetry.DeviceMetabolic,
		telemetry.NewSyntheticEmitter("Simulated metabolic cart", time.Second,
			telemetry.MetabolicModel(power, rand.New(rand.NewSource(rng.Int63()))), logger))
}

// rememberedAddresses fills device types without a configured address from
// the devices used last time.
func rememberedAddresses(store *session.Store, addresses map[telemetry.DeviceType]string, logger logrus.FieldLogger) {
	prefs, err := store.PreferredDevices(context.Background())
	if err != nil {
		logger.Warnf("Load preferred devices: %v", err)
		return
	}
	for dt, pref := range prefs {
		if _, ok := addresses[dt]; ok || pref.Address == "" {
			continue
		}
		addresses[dt] = pref.Address
		logger.Infof("Using remembered %s device %s (%s)", dt, pref.Name, pref.Address)
	}
}

// connectDevices connects every registered device and remembers the ones
// that connected.
func connectDevices(ctx context.Context, hub *telemetry.Hub, store *session.Store, addresses map[telemetry.DeviceType]string, logger logrus.FieldLogger) {
	if err := hub.ConnectAll(ctx); err != nil {
		logger.Warnf("Some devices did not connect: %v", err)
	}
	for _, d := range hub.Devices() {
		addr, ok := addresses[d.Type]
		if !ok || d.State != telemetry.StateConnected {
			continue
		}
		err := store.SetPreferredDevice(ctx, session.DevicePreference{
			DeviceType: d.Type,
			Address:    addr,
			Name:       d.Name,
			UpdatedAt:  time.Now(),
		})
		if err != nil {
			logger.Warnf("Remember %s device: %v", d.Type, err)
		}
	}
}
