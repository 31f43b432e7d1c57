package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lachart/steptest/internal/protocol"
	"github.com/lachart/steptest/internal/telemetry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned by Load and Validate for unusable settings.
var ErrInvalidConfig = errors.New("invalid configuration")

const EnvPrefix = "STEPTEST"

type TrainerConfig struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	Retries        int           `mapstructure:"retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Level      string `mapstructure:"level"`
}

type SimConfig struct {
	HTTPPort int `mapstructure:"http_port"`
}

// DevicesConfig holds the BLE address per device type. Empty means use the
// remembered device, if any.
type DevicesConfig struct {
	HeartRate   string `mapstructure:"heart_rate"`
	Power       string `mapstructure:"power"`
	Trainer     string `mapstructure:"trainer"`
	Thermometer string `mapstructure:"thermometer"`
	Cadence     string `mapstructure:"cadence"`
}

// Addresses maps the configured addresses to device types, skipping empty
// ones.
func (d DevicesConfig) Addresses() map[telemetry.DeviceType]string {
	out := make(map[telemetry.DeviceType]string)
	for dt, addr := range map[telemetry.DeviceType]string{
		telemetry.DeviceHeartRate:   d.HeartRate,
		telemetry.DevicePower:       d.Power,
		telemetry.DeviceTrainer:     d.Trainer,
		telemetry.DeviceThermometer: d.Thermometer,
		telemetry.DeviceCadence:     d.Cadence,
	} {
		if addr != "" {
			out[dt] = addr
		}
	}
	return out
}

type Config struct {
	ConfigFile       string          `mapstructure:"config"`
	Protocol         protocol.Params `mapstructure:"protocol"`
	Preset           string          `mapstructure:"preset"`
	PresetsFile      string          `mapstructure:"presets_file"`
	CountdownSeconds int             `mapstructure:"countdown_seconds"`
	ErgGraceDelay    time.Duration   `mapstructure:"erg_grace_delay"`
	Trainer          TrainerConfig   `mapstructure:"trainer"`
	Log              LogConfig       `mapstructure:"log"`
	DBPath           string          `mapstructure:"db_path"`
	Simulate         bool            `mapstructure:"simulate"`
	Sim              SimConfig       `mapstructure:"sim"`
	Devices          DevicesConfig   `mapstructure:"devices"`
	ScanTimeout      time.Duration   `mapstructure:"scan_timeout"`
	RecordSmoothedHR bool            `mapstructure:"record_smoothed_hr"`
	// LactateWorkPowerOnly leaves recovery seconds out of lactate power.
	LactateWorkPowerOnly bool    `mapstructure:"lactate_work_power_only"`
	HRSmoothing          float64 `mapstructure:"hr_smoothing"`

	// Command selection, flags only.
	Report string `mapstructure:"report"`
	List   bool   `mapstructure:"list"`
}

var defaults = map[string]any{
	"protocol.work_duration":     180,
	"protocol.recovery_duration": 30,
	"protocol.start_power":       100,
	"protocol.power_increment":   25,
	"protocol.max_steps":         8,
	"preset":                     "",
	"presets_file":               "configs/presets.yaml",
	"countdown_seconds":          3,
	"erg_grace_delay":            time.Second,
	"trainer.command_timeout":    2 * time.Second,
	"trainer.retries":            3,
	"trainer.retry_backoff":      200 * time.Millisecond,
	"log.file":                   "steptest.log",
	"log.max_size_mb":            10,
	"log.max_backups":            3,
	"log.max_age_days":           28,
	"log.level":                  "info",
	"db_path":                    "steptest.db",
	"simulate":                   false,
	"sim.http_port":              8080,
	"devices.heart_rate":         "",
	"devices.power":              "",
	"devices.trainer":            "",
	"devices.thermometer":        "",
	"devices.cadence":            "",
	"scan_timeout":               10 * time.Second,
	"record_smoothed_hr":         false,
	"lactate_work_power_only":    false,
	"hr_smoothing":               telemetry.DefaultHRSmoothing,
	"report":                     "",
	"list":                       false,
}

// flagKeys binds each flag to its viper key.
var flagKeys = map[string]string{
	"config":            "config",
	"preset":            "preset",
	"presets-file":      "presets_file",
	"work-duration":     "protocol.work_duration",
	"recovery-duration": "protocol.recovery_duration",
	"start-power":       "protocol.start_power",
	"power-increment":   "protocol.power_increment",
	"max-steps":         "protocol.max_steps",
	"countdown":         "countdown_seconds",
	"db":                "db_path",
	"simulate":          "simulate",
	"sim-port":          "sim.http_port",
	"log-file":          "log.file",
	"log-level":         "log.level",
	"hr":                "devices.heart_rate",
	"power":             "devices.power",
	"trainer":           "devices.trainer",
	"thermometer":       "devices.thermometer",
	"cadence":           "devices.cadence",
	"scan-timeout":      "scan_timeout",
	"report":            "report",
	"list":              "list",
}

// NewFlagSet declares the command line flags.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "YAML config file")
	fs.String("preset", "", "protocol preset name from the presets file")
	fs.String("presets-file", defaults["presets_file"].(string), "protocol presets file")
	fs.Int("work-duration", defaults["protocol.work_duration"].(int), "work interval length in seconds")
	fs.Int("recovery-duration", defaults["protocol.recovery_duration"].(int), "recovery length in seconds")
	fs.Int("start-power", defaults["protocol.start_power"].(int), "first step power in watts")
	fs.Int("power-increment", defaults["protocol.power_increment"].(int), "power increase per step in watts")
	fs.Int("max-steps", defaults["protocol.max_steps"].(int), "number of steps")
	fs.Int("countdown", defaults["countdown_seconds"].(int), "countdown before each work interval in seconds")
	fs.String("db", defaults["db_path"].(string), "session database path")
	fs.Bool("simulate", false, "use simulated devices")
	fs.Int("sim-port", defaults["sim.http_port"].(int), "simulated devices control page port, 0 disables it")
	fs.String("log-file", defaults["log.file"].(string), "log file path")
	fs.String("log-level", defaults["log.level"].(string), "log level")
	fs.String("hr", "", "heart rate monitor address")
	fs.String("power", "", "power meter address")
	fs.String("trainer", "", "FTMS trainer address")
	fs.String("thermometer", "", "core temperature sensor address")
	fs.String("cadence", "", "cadence sensor address")
	fs.Duration("scan-timeout", defaults["scan_timeout"].(time.Duration), "BLE scan timeout")
	fs.String("report", "", "print the report of a stored session and exit")
	fs.Bool("list", false, "list stored sessions and exit")
	return fs
}

// Load parses args and merges flags, STEPTEST_* environment variables, the
// optional config file and defaults, in that order of precedence.
func Load(args []string) (Config, error) {
	fs := NewFlagSet("steptest")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return FromFlags(fs)
}

// FromFlags builds the configuration from an already parsed flag set.
func FromFlags(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	if c.Preset == "" {
		if err := c.Protocol.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	check(c.CountdownSeconds >= 1, "countdown_seconds must be >= 1, got %d", c.CountdownSeconds)
	check(c.ErgGraceDelay >= 0, "erg_grace_delay must be >= 0, got %s", c.ErgGraceDelay)
	check(c.Trainer.CommandTimeout > 0, "trainer.command_timeout must be > 0, got %s", c.Trainer.CommandTimeout)
	check(c.Trainer.Retries >= 1, "trainer.retries must be >= 1, got %d", c.Trainer.Retries)
	check(c.Trainer.RetryBackoff >= 0, "trainer.retry_backoff must be >= 0, got %s", c.Trainer.RetryBackoff)
	check(c.Sim.HTTPPort >= 0 && c.Sim.HTTPPort <= 65535, "sim.http_port out of range: %d", c.Sim.HTTPPort)
	check(c.ScanTimeout > 0, "scan_timeout must be > 0, got %s", c.ScanTimeout)
	check(c.HRSmoothing > 0 && c.HRSmoothing <= 1, "hr_smoothing must be in (0, 1], got %v", c.HRSmoothing)
	check(c.DBPath != "", "db_path is required")
	check(c.Log.MaxSizeMB > 0, "log.max_size_mb must be > 0, got %d", c.Log.MaxSizeMB)
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// LoadProtocol returns the configured preset, or a protocol generated from
// the protocol parameters when no preset is named.
func (c Config) LoadProtocol() (protocol.Protocol, error) {
	if c.Preset == "" {
		return protocol.New(c.Protocol)
	}
	presets, err := protocol.LoadPresets(c.PresetsFile)
	if err != nil {
		return protocol.Protocol{}, err
	}
	p, ok := protocol.FindPreset(presets, c.Preset)
	if !ok {
		return protocol.Protocol{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidConfig, c.Preset)
	}
	return p.Protocol()
}
