// Package config loads the controller configuration from YAML.  Every field has
// a default matching the reference hardware (DRV8323RS gate driver,
// LTC1408-12 ADC, resolver angle sensing, SBUS receiver); a config file only
// needs to mention what differs.
package config

import (
	"fmt"
	"io/ioutil"
	"math"
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

const (
	ModulationSine  = "sine"
	ModulationSVPWM = "svpwm"
)

type Config struct {
	// Control-loop cadence.  One full read-filter-regulate-write cycle runs
	// per sample.
	SampleRateHz   float64 `yaml:"sample_rate_hz"`
	PWMFrequencyHz float64 `yaml:"pwm_frequency_hz"`

	BusVoltage float64 `yaml:"bus_voltage"`
	PolePairs  int     `yaml:"pole_pairs"`
	// q-axis current commanded at full throttle, in amps.
	MaxCurrent float64 `yaml:"max_current"`

	// "sine" runs inverse-Clarke with per-phase clamping; "svpwm" feeds the
	// stationary-frame vector to the space-vector modulator.
	Modulation string `yaml:"modulation"`
	// Largest usable fraction of the bus voltage for the SVPWM reference.
	MaxModulation float64 `yaml:"max_modulation"`

	DAxis PID `yaml:"d_axis"`
	QAxis PID `yaml:"q_axis"`

	Calibration Calibration `yaml:"calibration"`
	Filters     Filters     `yaml:"filters"`
	Channels    Channels    `yaml:"channels"`

	Radio    Radio    `yaml:"radio"`
	Driver   Driver   `yaml:"driver"`
	ADC      ADC      `yaml:"adc"`
	PWMStage PWMStage `yaml:"pwm_stage"`
	Supply   Supply   `yaml:"supply"`
	Sounds   Sounds   `yaml:"sounds"`

	Telemetry Telemetry `yaml:"telemetry"`

	// Print a telemetry line every this many control cycles (0 disables).
	TelemetryEvery int `yaml:"telemetry_every"`
}

type PID struct {
	Kp float64 `yaml:"kp"`
	Ki float64 `yaml:"ki"`
	Kd float64 `yaml:"kd"`
	// Symmetric clamp on the integrated error; 0 means unclamped.
	IntegratorLimit float64 `yaml:"integrator_limit"`
}

type Calibration struct {
	PID PID `yaml:"pid"`
	// Phase current the calibration PID regulates to while holding each test
	// vector, in amps.
	CurrentReference float64 `yaml:"current_reference"`
	// Control cycles per test vector, and how many of those to discard while
	// the rotor settles.
	SamplesPerVector int `yaml:"samples_per_vector"`
	SettleSamples    int `yaml:"settle_samples"`
	// Upper bound on the calibration duty cycle.
	MaxDuty float64 `yaml:"max_duty"`
	// Reject the calibration if the two offset estimates disagree by more
	// than this many radians.
	MaxDisagreement float64 `yaml:"max_disagreement"`
}

type Filters struct {
	AngleCutoffHz float64 `yaml:"angle_cutoff_hz"`
	AngleQ        float64 `yaml:"angle_q"`
	// "median", "average" or "none".
	CurrentKind   string `yaml:"current_kind"`
	CurrentWindow int    `yaml:"current_window"`
}

type Channels struct {
	Count int `yaml:"count"`

	ResolverSin int `yaml:"resolver_sin"`
	ResolverCos int `yaml:"resolver_cos"`
	// Resolver signal = (volts - bias) * scale.
	ResolverBias  float64 `yaml:"resolver_bias"`
	ResolverScale float64 `yaml:"resolver_scale"`

	// Current-sense channels.  CurrentC may be -1, in which case phase C is
	// reconstructed from a+b+c = 0.
	CurrentA int `yaml:"current_a"`
	CurrentB int `yaml:"current_b"`
	CurrentC int `yaml:"current_c"`
	// Amps = (volts - bias) * gain.
	CurrentBias float64 `yaml:"current_bias"`
	CurrentGain float64 `yaml:"current_gain"`
}

type Radio struct {
	Device string `yaml:"device"`
	// Zero-based SBUS channel indices.
	ThrottleChannel int `yaml:"throttle_channel"`
	ArmChannel      int `yaml:"arm_channel"`
	// Raw channel range mapped linearly to throttle [0, 1].
	RawMin uint16 `yaml:"raw_min"`
	RawMax uint16 `yaml:"raw_max"`
	// The motor is armed while the arm channel reads above this value.
	ArmThreshold uint16 `yaml:"arm_threshold"`
	// Disarm if no valid frame arrives for this long.
	FailsafeTimeoutMs int `yaml:"failsafe_timeout_ms"`
	// Optional knob channel that scales the current-loop Kp between 0.5x
	// and 2x its configured value; -1 disables tuning.
	TuneChannel int `yaml:"tune_channel"`
}

type Driver struct {
	SPIDevice      string `yaml:"spi_device"`
	SPIFrequencyHz int64  `yaml:"spi_frequency_hz"`
	EnablePin      string `yaml:"enable_pin"`
	// Number of register reads in the start-up bus health check.
	CheckReads int `yaml:"check_reads"`
	// nFAULT line.
	FaultChip string `yaml:"fault_chip"`
	FaultLine int    `yaml:"fault_line"`
}

type ADC struct {
	SPIDevice      string `yaml:"spi_device"`
	SPIFrequencyHz int64  `yaml:"spi_frequency_hz"`
	ConvPin        string `yaml:"conv_pin"`
}

type PWMStage struct {
	I2CDevice string `yaml:"i2c_device"`
	Address   int    `yaml:"address"`
	// Loader command (and arguments) used to flash the co-processor; empty
	// skips flashing.
	FlashCommand []string `yaml:"flash_command"`
}

// Supply is the optional INA219 on the motor supply.
type Supply struct {
	I2CDevice string `yaml:"i2c_device"`
	// 0 means no sensor fitted.
	Address    int     `yaml:"address"`
	ShuntOhms  float64 `yaml:"shunt_ohms"`
	MaxCurrent float64 `yaml:"max_current"`
}

// Telemetry publishes loop snapshots as JSON.  Both outputs are off when
// their address is empty.
type Telemetry struct {
	IntervalMs int `yaml:"interval_ms"`
	// MQTT broker URL, e.g. tcp://localhost:1883.
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	// Listen address for the websocket endpoint, e.g. :8080.
	Listen string `yaml:"listen"`
}

type Sounds struct {
	Armed string `yaml:"armed"`
	Fault string `yaml:"fault"`
}

// Default returns the configuration for the reference hardware.
func Default() Config {
	return Config{
		SampleRateHz:   17000,
		PWMFrequencyHz: 45000,
		BusVoltage:     24,
		PolePairs:      7,
		MaxCurrent:     20,
		Modulation:     ModulationSine,
		MaxModulation:  0.95,

		// Kp = L·ωc and Ki = R·ωc for the reference motor (2.56µH, 9.6mΩ)
		// with a 10krad/s current-loop bandwidth.
		DAxis: PID{Kp: 0.0256, Ki: 96, IntegratorLimit: 0.125},
		QAxis: PID{Kp: 0.0256, Ki: 96, IntegratorLimit: 0.125},

		Calibration: Calibration{
			PID:              PID{Kp: 0.0002, Ki: 2, IntegratorLimit: 0.05},
			CurrentReference: 2,
			SamplesPerVector: 4000,
			SettleSamples:    3000,
			MaxDuty:          0.2,
			MaxDisagreement:  0.35,
		},
		Filters: Filters{
			AngleCutoffHz: 850,
			AngleQ:        1 / math.Sqrt2,
			CurrentKind:   "median",
			CurrentWindow: 5,
		},
		Channels: Channels{
			Count:         6,
			ResolverSin:   0,
			ResolverCos:   1,
			ResolverBias:  1.24,
			ResolverScale: 0.5,
			CurrentA:      2,
			CurrentB:      3,
			CurrentC:      4,
			CurrentBias:   1.25,
			// 2mΩ shunt with the CSA at 10V/V.
			CurrentGain: 50,
		},
		Radio: Radio{
			Device:            "/dev/ttyAMA0",
			ThrottleChannel:   2,
			ArmChannel:        4,
			RawMin:            172,
			RawMax:            1811,
			ArmThreshold:      1400,
			FailsafeTimeoutMs: 500,
			TuneChannel:       -1,
		},
		Driver: Driver{
			SPIDevice:      "/dev/spidev0.0",
			SPIFrequencyHz: 5000000,
			EnablePin:      "GPIO6",
			CheckReads:     10000,
			FaultChip:      "gpiochip0",
			FaultLine:      5,
		},
		ADC: ADC{
			SPIDevice:      "/dev/spidev0.1",
			SPIFrequencyHz: 5000000,
			ConvPin:        "GPIO25",
		},
		PWMStage: PWMStage{
			I2CDevice: "/dev/i2c-1",
			Address:   0x42,
		},
		Supply: Supply{
			I2CDevice:  "/dev/i2c-1",
			Address:    0x41,
			ShuntOhms:  0.005,
			MaxCurrent: 40,
		},
		Sounds: Sounds{
			Armed: "/sounds/armed.wav",
			Fault: "/sounds/fault.wav",
		},
		Telemetry: Telemetry{
			IntervalMs: 100,
			Topic:      "foc/telemetry",
			ClientID:   "foc-controller",
		},
		TelemetryEvery: 17000,
	}
}

// Load returns the defaults overlaid with the YAML file at path.  A missing
// file is not an error; the defaults are used as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		fmt.Printf("CFG: %s not found, using defaults\n", path)
		return cfg, cfg.Validate()
	} else if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config %s", path)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config %s", path)
	}
	return cfg, cfg.Validate()
}

// WriteInUse records the effective configuration, for post-mortem debugging.
func (c Config) WriteInUse(path string) error {
	data, err := yaml.Marshal(&c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	return errors.Wrapf(ioutil.WriteFile(path, data, 0666), "failed to write %s", path)
}

// SamplePeriod returns the control-loop period in seconds.
func (c Config) SamplePeriod() float64 {
	return 1 / c.SampleRateHz
}

// Validate checks the constraints the control loop relies on.
func (c Config) Validate() error {
	switch {
	case !(c.SampleRateHz > 0):
		return errors.Errorf("sample_rate_hz must be positive, got %v", c.SampleRateHz)
	case !(c.BusVoltage > 0):
		return errors.Errorf("bus_voltage must be positive, got %v", c.BusVoltage)
	case c.PolePairs < 1:
		return errors.Errorf("pole_pairs must be at least 1, got %d", c.PolePairs)
	case c.MaxCurrent < 0:
		return errors.Errorf("max_current must not be negative, got %v", c.MaxCurrent)
	case c.Modulation != ModulationSine && c.Modulation != ModulationSVPWM:
		return errors.Errorf("modulation must be %q or %q, got %q", ModulationSine, ModulationSVPWM, c.Modulation)
	case !(c.MaxModulation > 0 && c.MaxModulation < 1):
		return errors.Errorf("max_modulation must be in (0, 1), got %v", c.MaxModulation)
	case c.Calibration.SamplesPerVector < 1:
		return errors.Errorf("calibration.samples_per_vector must be at least 1, got %d", c.Calibration.SamplesPerVector)
	case c.Calibration.SettleSamples < 0 || c.Calibration.SettleSamples >= c.Calibration.SamplesPerVector:
		return errors.Errorf("calibration.settle_samples must be in [0, %d), got %d",
			c.Calibration.SamplesPerVector, c.Calibration.SettleSamples)
	case !(c.Calibration.MaxDuty > 0 && c.Calibration.MaxDuty <= 1):
		return errors.Errorf("calibration.max_duty must be in (0, 1], got %v", c.Calibration.MaxDuty)
	case c.Radio.RawMax <= c.Radio.RawMin:
		return errors.Errorf("radio.raw_max (%d) must exceed radio.raw_min (%d)", c.Radio.RawMax, c.Radio.RawMin)
	case c.Radio.ThrottleChannel < 0 || c.Radio.ThrottleChannel >= 16 || c.Radio.ArmChannel < 0 || c.Radio.ArmChannel >= 16:
		return errors.Errorf("radio channels must be in [0, 16), got throttle %d arm %d", c.Radio.ThrottleChannel, c.Radio.ArmChannel)
	case c.Radio.TuneChannel < -1 || c.Radio.TuneChannel >= 16:
		return errors.Errorf("radio.tune_channel must be -1 or in [0, 16), got %d", c.Radio.TuneChannel)
	case c.Supply.Address != 0 && !(c.Supply.ShuntOhms > 0 && c.Supply.MaxCurrent > 0):
		return errors.Errorf("supply.shunt_ohms (%v) and supply.max_current (%v) must be positive",
			c.Supply.ShuntOhms, c.Supply.MaxCurrent)
	case (c.Telemetry.Broker != "" || c.Telemetry.Listen != "") && c.Telemetry.IntervalMs <= 0:
		return errors.Errorf("telemetry.interval_ms must be positive, got %d", c.Telemetry.IntervalMs)
	case c.Telemetry.Broker != "" && c.Telemetry.Topic == "":
		return errors.New("telemetry.topic is required with a broker")
	}

	ch := c.Channels
	for name, idx := range map[string]int{
		"resolver_sin": ch.ResolverSin,
		"resolver_cos": ch.ResolverCos,
		"current_a":    ch.CurrentA,
		"current_b":    ch.CurrentB,
	} {
		if idx < 0 || idx >= ch.Count {
			return errors.Errorf("channels.%s = %d outside [0, %d)", name, idx, ch.Count)
		}
	}
	if ch.CurrentC >= ch.Count {
		return errors.Errorf("channels.current_c = %d outside [-1, %d)", ch.CurrentC, ch.Count)
	}
	return nil
}
