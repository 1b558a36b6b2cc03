package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/rjboer/iqcal/internal/calib"
	"github.com/rjboer/iqcal/internal/logging"
	"github.com/rjboer/iqcal/internal/sdr"
)

const envPrefix = "IQCAL_"

type cliConfig struct {
	args       string
	start      float64
	stop       float64
	step       float64
	txOffset   float64
	sampleRate float64
	clockRate  float64
	rxAntenna  string
	txAntenna  string
	lnaGain    float64
	tiaGain    float64
	pgaGain    float64
	padGain    float64
	dcPolicy   string

	mode         string
	settle       time.Duration
	baseline     int
	verify       int
	minAmplitude float64
	saveRX       bool
	saveTX       bool
	onFailure    string
	imageReject  bool

	dumpDir     string
	dumpPattern string

	logLevel  string
	logFormat string
	logFile   string

	webAddr      string
	historyLimit int

	commitHost     string
	commitUser     string
	commitPassword string
	commitKey      string
	commitDevice   string
}

type persistentConfig struct {
	Args       string  `yaml:"args"`
	Start      float64 `yaml:"start_hz"`
	Stop       float64 `yaml:"stop_hz"`
	Step       float64 `yaml:"step_hz"`
	TXOffset   float64 `yaml:"tx_offset_hz"`
	SampleRate float64 `yaml:"sample_rate"`
	ClockRate  float64 `yaml:"clock_rate"`
	RXAntenna  string  `yaml:"rx_antenna"`
	TXAntenna  string  `yaml:"tx_antenna"`
	LNAGain    float64 `yaml:"lna_gain"`
	TIAGain    float64 `yaml:"tia_gain"`
	PGAGain    float64 `yaml:"pga_gain"`
	PADGain    float64 `yaml:"pad_gain"`
	DCPolicy   string  `yaml:"dc_policy"`

	Mode           string  `yaml:"mode"`
	SettleDelay    string  `yaml:"settle_delay"`
	Baseline       int     `yaml:"baseline_captures"`
	Verify         int     `yaml:"verify_captures"`
	MinAmplitude   float64 `yaml:"min_amplitude"`
	SaveRX         bool    `yaml:"save_rx"`
	SaveTX         bool    `yaml:"save_tx"`
	OnFailure      string  `yaml:"on_failure"`
	ImageRejection bool    `yaml:"image_rejection"`

	DumpDir     string `yaml:"dump_dir,omitempty"`
	DumpPattern string `yaml:"dump_pattern,omitempty"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file,omitempty"`

	WebAddr      string `yaml:"web_addr,omitempty"`
	HistoryLimit int    `yaml:"history_limit"`

	Commit commitConfig `yaml:"commit,omitempty"`
}

// commitConfig mirrors sdr.SSHConfig without the password, which is only
// read from the environment.
type commitConfig struct {
	Host    string `yaml:"host,omitempty"`
	User    string `yaml:"user,omitempty"`
	KeyPath string `yaml:"key_path,omitempty"`
	Device  string `yaml:"device,omitempty"`
}

func defaultPersistentConfig() persistentConfig {
	return persistentConfig{
		Args:           "driver=sim",
		Start:          10e6,
		Stop:           1e9,
		Step:           1e6,
		TXOffset:       1e3,
		SampleRate:     625e3,
		ClockRate:      40e6,
		RXAntenna:      "LB2",
		TXAntenna:      "BAND2",
		PADGain:        -30,
		DCPolicy:       "manual",
		Mode:           "calibrate",
		SettleDelay:    "5s",
		Baseline:       50,
		Verify:         10,
		MinAmplitude:   1e-3,
		SaveRX:         true,
		OnFailure:      "abort",
		ImageRejection: true,
		LogLevel:       "info",
		LogFormat:      "text",
		HistoryLimit:   1000,
	}
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults persistentConfig) (cliConfig, error) {
	defSettle, err := time.ParseDuration(defaults.SettleDelay)
	if err != nil {
		return cliConfig{}, fmt.Errorf("settle_delay %q: %w", defaults.SettleDelay, err)
	}

	cfg := cliConfig{}
	fs := pflag.NewFlagSet("iqcal", pflag.ContinueOnError)
	fs.StringVar(&cfg.args, "args", envString(lookup, "ARGS", defaults.Args), "Device arguments, e.g. driver=sim,noise=0.001")
	fs.Float64Var(&cfg.start, "start", envFloat(lookup, "START", defaults.Start), "First calibration frequency in Hz")
	fs.Float64Var(&cfg.stop, "stop", envFloat(lookup, "STOP", defaults.Stop), "Last calibration frequency in Hz")
	fs.Float64Var(&cfg.step, "step", envFloat(lookup, "STEP", defaults.Step), "Sweep step in Hz")
	fs.Float64Var(&cfg.txOffset, "offset", envFloat(lookup, "OFFSET", defaults.TXOffset), "TX LO offset above RX LO in Hz")
	fs.Float64Var(&cfg.sampleRate, "rate", envFloat(lookup, "RATE", defaults.SampleRate), "Sample rate in S/s")
	fs.Float64Var(&cfg.clockRate, "clock", envFloat(lookup, "CLOCK", defaults.ClockRate), "Master clock rate in Hz")
	fs.StringVar(&cfg.rxAntenna, "rx-antenna", envString(lookup, "RX_ANTENNA", defaults.RXAntenna), "RX antenna")
	fs.StringVar(&cfg.txAntenna, "tx-antenna", envString(lookup, "TX_ANTENNA", defaults.TXAntenna), "TX antenna")
	fs.Float64Var(&cfg.lnaGain, "lna", envFloat(lookup, "LNA", defaults.LNAGain), "RX LNA gain (dB)")
	fs.Float64Var(&cfg.tiaGain, "tia", envFloat(lookup, "TIA", defaults.TIAGain), "RX TIA gain (dB)")
	fs.Float64Var(&cfg.pgaGain, "pga", envFloat(lookup, "PGA", defaults.PGAGain), "RX PGA gain (dB)")
	fs.Float64Var(&cfg.padGain, "pad", envFloat(lookup, "PAD", defaults.PADGain), "TX PAD gain (dB)")
	fs.StringVar(&cfg.dcPolicy, "dc-policy", envString(lookup, "DC_POLICY", defaults.DCPolicy), "DC offset policy (manual|device-auto)")

	fs.StringVar(&cfg.mode, "mode", envString(lookup, "MODE", defaults.Mode), "Point mode (calibrate|envelope-test)")
	fs.DurationVar(&cfg.settle, "settle", envDuration(lookup, "SETTLE", defSettle), "Wait after enabling the stimulus")
	fs.IntVar(&cfg.baseline, "baseline", envInt(lookup, "BASELINE", defaults.Baseline), "Captures before estimating")
	fs.IntVar(&cfg.verify, "verify", envInt(lookup, "VERIFY", defaults.Verify), "Captures after correcting")
	fs.Float64Var(&cfg.minAmplitude, "min-amplitude", envFloat(lookup, "MIN_AMPLITUDE", defaults.MinAmplitude), "Smallest usable tone amplitude")
	fs.BoolVar(&cfg.saveRX, "save-rx", envBool(lookup, "SAVE_RX", defaults.SaveRX), "Commit RX corrections to the device")
	fs.BoolVar(&cfg.saveTX, "save-tx", envBool(lookup, "SAVE_TX", defaults.SaveTX), "Commit TX corrections (not estimated)")
	fs.StringVar(&cfg.onFailure, "on-failure", envString(lookup, "ON_FAILURE", defaults.OnFailure), "Sweep failure policy (abort|continue)")
	fs.BoolVar(&cfg.imageReject, "image-rejection", envBool(lookup, "IMAGE_REJECTION", defaults.ImageRejection), "Measure image rejection per point")

	fs.StringVar(&cfg.dumpDir, "dump-dir", envString(lookup, "DUMP_DIR", defaults.DumpDir), "Directory for raw capture dumps (empty disables)")
	fs.StringVar(&cfg.dumpPattern, "dump-pattern", envString(lookup, "DUMP_PATTERN", defaults.DumpPattern), "strftime pattern for dump file names")

	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "LOG_LEVEL", defaults.LogLevel), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "LOG_FORMAT", defaults.LogFormat), "Log format (text|json|logfmt)")
	fs.StringVar(&cfg.logFile, "log-file", envString(lookup, "LOG_FILE", defaults.LogFile), "Rotated log file (empty logs to stderr)")

	fs.StringVar(&cfg.webAddr, "web-addr", envString(lookup, "WEB_ADDR", defaults.WebAddr), "Optional telemetry listen address (e.g. :8080)")
	fs.IntVar(&cfg.historyLimit, "history-limit", envInt(lookup, "HISTORY_LIMIT", defaults.HistoryLimit), "Points kept in telemetry history")

	fs.StringVar(&cfg.commitHost, "commit-host", envString(lookup, "COMMIT_HOST", defaults.Commit.Host), "Commit corrections to IIO sysfs on this SSH host")
	fs.StringVar(&cfg.commitUser, "commit-user", envString(lookup, "COMMIT_USER", defaults.Commit.User), "SSH user for sysfs commit")
	fs.StringVar(&cfg.commitKey, "commit-key", envString(lookup, "COMMIT_KEY", defaults.Commit.KeyPath), "SSH private key for sysfs commit")
	fs.StringVar(&cfg.commitDevice, "commit-device", envString(lookup, "COMMIT_DEVICE", defaults.Commit.Device), "IIO device directory for sysfs commit")
	cfg.commitPassword = envString(lookup, "COMMIT_PASSWORD", "")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	if fs.NArg() > 0 {
		return cliConfig{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return cfg, nil
}

// sessionConfig builds the radio session settings.
func (c cliConfig) sessionConfig() (sdr.SessionConfig, error) {
	policy, err := sdr.ParseDCPolicy(c.dcPolicy)
	if err != nil {
		return sdr.SessionConfig{}, err
	}
	sc := sdr.SessionConfig{
		Args:       c.args,
		ClockRate:  c.clockRate,
		SampleRate: c.sampleRate,
		RXAntenna:  c.rxAntenna,
		TXAntenna:  c.txAntenna,
		Gains:      sdr.Gains{LNA: c.lnaGain, PGA: c.pgaGain, TIA: c.tiaGain, PAD: c.padGain},
		DCPolicy:   policy,
	}
	if c.commitHost != "" {
		sc.Commit = &sdr.SSHConfig{
			Host:     c.commitHost,
			User:     c.commitUser,
			Password: c.commitPassword,
			KeyPath:  c.commitKey,
			Device:   c.commitDevice,
		}
	}
	return sc, nil
}

// calibConfig builds the per-point protocol settings.
func (c cliConfig) calibConfig() (calib.Config, error) {
	mode, err := calib.ParseMode(c.mode)
	if err != nil {
		return calib.Config{}, err
	}
	switch {
	case c.txOffset == 0 || math.IsNaN(c.txOffset) || math.IsInf(c.txOffset, 0):
		return calib.Config{}, fmt.Errorf("tx offset must be a finite non-zero frequency, got %g", c.txOffset)
	case c.baseline <= 0:
		return calib.Config{}, fmt.Errorf("baseline captures must be positive, got %d", c.baseline)
	case c.verify <= 0:
		return calib.Config{}, fmt.Errorf("verify captures must be positive, got %d", c.verify)
	case c.settle < 0:
		return calib.Config{}, fmt.Errorf("settle delay must not be negative, got %s", c.settle)
	case !(c.minAmplitude > 0):
		return calib.Config{}, fmt.Errorf("min amplitude must be positive, got %g", c.minAmplitude)
	}
	return calib.Config{
		TXOffset:              c.txOffset,
		ReferenceCycles:       100,
		SettleDelay:           c.settle,
		BaselineCaptures:      c.baseline,
		VerifyCaptures:        c.verify,
		MinAmplitude:          c.minAmplitude,
		SaveRX:                c.saveRX,
		SaveTX:                c.saveTX,
		Mode:                  mode,
		MeasureImageRejection: c.imageReject,
	}, nil
}

// resolvedConfig holds every setting derived from a validated cliConfig.
type resolvedConfig struct {
	level   logging.Level
	format  logging.Format
	session sdr.SessionConfig
	calib   calib.Config
	policy  calib.FailurePolicy
}

// resolve validates the whole command line before anything is persisted
// or opened.
func (c cliConfig) resolve() (resolvedConfig, error) {
	var r resolvedConfig
	var err error
	if r.level, r.format, err = c.loggerSettings(); err != nil {
		return r, fmt.Errorf("logging: %w", err)
	}
	if r.session, err = c.sessionConfig(); err != nil {
		return r, fmt.Errorf("session: %w", err)
	}
	if r.calib, err = c.calibConfig(); err != nil {
		return r, fmt.Errorf("calibration: %w", err)
	}
	if r.policy, err = calib.ParseFailurePolicy(c.onFailure); err != nil {
		return r, err
	}
	if _, err = calib.Frequencies(c.start, c.stop, c.step); err != nil {
		return r, err
	}
	return r, nil
}

func (c cliConfig) loggerSettings() (logging.Level, logging.Format, error) {
	level, err := logging.ParseLevel(c.logLevel)
	if err != nil {
		return 0, 0, err
	}
	format, err := logging.ParseFormat(c.logFormat)
	if err != nil {
		return 0, 0, err
	}
	return level, format, nil
}

func persistentFromCLI(cfg cliConfig) persistentConfig {
	return persistentConfig{
		Args:           cfg.args,
		Start:          cfg.start,
		Stop:           cfg.stop,
		Step:           cfg.step,
		TXOffset:       cfg.txOffset,
		SampleRate:     cfg.sampleRate,
		ClockRate:      cfg.clockRate,
		RXAntenna:      cfg.rxAntenna,
		TXAntenna:      cfg.txAntenna,
		LNAGain:        cfg.lnaGain,
		TIAGain:        cfg.tiaGain,
		PGAGain:        cfg.pgaGain,
		PADGain:        cfg.padGain,
		DCPolicy:       cfg.dcPolicy,
		Mode:           cfg.mode,
		SettleDelay:    cfg.settle.String(),
		Baseline:       cfg.baseline,
		Verify:         cfg.verify,
		MinAmplitude:   cfg.minAmplitude,
		SaveRX:         cfg.saveRX,
		SaveTX:         cfg.saveTX,
		OnFailure:      cfg.onFailure,
		ImageRejection: cfg.imageReject,
		DumpDir:        cfg.dumpDir,
		DumpPattern:    cfg.dumpPattern,
		LogLevel:       cfg.logLevel,
		LogFormat:      cfg.logFormat,
		LogFile:        cfg.logFile,
		WebAddr:        cfg.webAddr,
		HistoryLimit:   cfg.historyLimit,
		Commit: commitConfig{
			Host:    cfg.commitHost,
			User:    cfg.commitUser,
			KeyPath: cfg.commitKey,
			Device:  cfg.commitDevice,
		},
	}
}

func loadOrCreateConfig(path string) (persistentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := defaultPersistentConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return persistentConfig{}, saveErr
			}
			return cfg, nil
		}
		return persistentConfig{}, err
	}

	cfg := defaultPersistentConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return persistentConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(path string, cfg persistentConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(envPrefix + key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(envPrefix + key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(envPrefix + key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(envPrefix + key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(envPrefix + key); ok {
		return val
	}
	return def
}
