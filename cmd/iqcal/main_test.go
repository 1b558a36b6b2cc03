package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rjboer/iqcal/internal/calib"
	"github.com/rjboer/iqcal/internal/sdr"
)

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(nil, mapLookup(nil), defaultPersistentConfig())
	require.NoError(t, err)
	assert.Equal(t, "driver=sim", cfg.args)
	assert.Equal(t, 10e6, cfg.start)
	assert.Equal(t, 1e9, cfg.stop)
	assert.Equal(t, 1e6, cfg.step)
	assert.Equal(t, 1e3, cfg.txOffset)
	assert.Equal(t, 625e3, cfg.sampleRate)
	assert.Equal(t, 40e6, cfg.clockRate)
	assert.Equal(t, -30.0, cfg.padGain)
	assert.Equal(t, 5*time.Second, cfg.settle)
}

func TestParseConfigPrecedence(t *testing.T) {
	defaults := defaultPersistentConfig()
	defaults.SampleRate = 1e6
	env := map[string]string{
		"IQCAL_RATE":    "2000000",
		"IQCAL_START":   "20000000",
		"IQCAL_SETTLE":  "250ms",
		"IQCAL_SAVE_RX": "false",
	}
	cfg, err := parseConfig([]string{"--start", "30e6", "--dc-policy", "device-auto"}, mapLookup(env), defaults)
	require.NoError(t, err)
	assert.Equal(t, 2e6, cfg.sampleRate, "env beats file")
	assert.Equal(t, 30e6, cfg.start, "flag beats env")
	assert.Equal(t, 250*time.Millisecond, cfg.settle)
	assert.False(t, cfg.saveRX)

	sc, err := cfg.sessionConfig()
	require.NoError(t, err)
	assert.Equal(t, sdr.DCDeviceAuto, sc.DCPolicy)
	assert.Nil(t, sc.Commit)
}

func TestParseConfigRejectsStrayArguments(t *testing.T) {
	_, err := parseConfig([]string{"extra"}, mapLookup(nil), defaultPersistentConfig())
	assert.Error(t, err)
}

func TestCommitConfigTakesPasswordFromEnv(t *testing.T) {
	env := map[string]string{"IQCAL_COMMIT_PASSWORD": "analog"}
	cfg, err := parseConfig([]string{"--commit-host", "192.168.2.1"}, mapLookup(env), defaultPersistentConfig())
	require.NoError(t, err)
	sc, err := cfg.sessionConfig()
	require.NoError(t, err)
	require.NotNil(t, sc.Commit)
	assert.Equal(t, "192.168.2.1", sc.Commit.Host)
	assert.Equal(t, "analog", sc.Commit.Password)

	data, err := yaml.Marshal(persistentFromCLI(cfg))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "analog")
}

func TestCalibConfigFromCLI(t *testing.T) {
	cfg, err := parseConfig([]string{"--mode", "envelope-test", "--baseline", "3"}, mapLookup(nil), defaultPersistentConfig())
	require.NoError(t, err)
	cc, err := cfg.calibConfig()
	require.NoError(t, err)
	assert.Equal(t, calib.ModeEnvelopeTest, cc.Mode)
	assert.Equal(t, 3, cc.BaselineCaptures)
	assert.Equal(t, 100, cc.ReferenceCycles)
}

func TestLoadOrCreateConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iqcal.yaml")
	cfg, err := loadOrCreateConfig(path)
	require.NoError(t, err)
	assert.Equal(t, defaultPersistentConfig(), cfg)
	_, err = os.Stat(path)
	require.NoError(t, err)

	cfg.Stop = 2e9
	cfg.Commit.Host = "radio"
	require.NoError(t, saveConfig(path, cfg))
	loaded, err := loadOrCreateConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadConfigRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iqcal.yaml")
	require.NoError(t, os.WriteFile(path, []byte("start_hz: [not a number"), 0o644))
	_, err := loadOrCreateConfig(path)
	assert.Error(t, err)
}

func runEnv(t *testing.T, extra map[string]string) map[string]string {
	t.Helper()
	env := map[string]string{
		"IQCAL_CONFIG":   filepath.Join(t.TempDir(), "iqcal.yaml"),
		"IQCAL_SETTLE":   "0s",
		"IQCAL_BASELINE": "1",
		"IQCAL_VERIFY":   "1",
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

func TestRunSweepsSimulator(t *testing.T) {
	var stderr bytes.Buffer
	dumps := filepath.Join(t.TempDir(), "dumps")
	args := []string{"--start", "1e6", "--stop", "2e6", "--step", "1e6", "--dump-dir", dumps, "--log-format", "logfmt"}
	code := run(args, mapLookup(runEnv(t, nil)), &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stderr.String(), "calibration point")

	entries, err := os.ReadDir(dumps)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestRunExitsOnDeviceOpenFailure(t *testing.T) {
	var stderr bytes.Buffer
	code := run([]string{"--args", "driver=nonesuch"}, mapLookup(runEnv(t, nil)), &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "open device")
}

func TestRunExitsOnFirstFailedPoint(t *testing.T) {
	var stderr bytes.Buffer
	args := []string{"--args", "driver=sim,fail_read_after=1", "--start", "1e6", "--stop", "3e6", "--step", "1e6"}
	code := run(args, mapLookup(runEnv(t, nil)), &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "sweep failed")
}

func TestRunRejectsBadFlags(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 2, run([]string{"--no-such-flag"}, mapLookup(runEnv(t, nil)), &stderr))
	assert.Equal(t, 2, run([]string{"--dc-policy", "sometimes"}, mapLookup(runEnv(t, nil)), &stderr))
}

func TestRunRejectsUnusableValues(t *testing.T) {
	for name, args := range map[string][]string{
		"nan start":       {"--start", "NaN"},
		"inf stop":        {"--stop", "inf"},
		"tiny step":       {"--step", "1e-9"},
		"zero baseline":   {"--baseline", "0"},
		"negative verify": {"--verify", "-1"},
		"zero offset":     {"--offset", "0"},
		"bad log level":   {"--log-level", "loud"},
		"bad on-failure":  {"--on-failure", "retry"},
		"bad mode":        {"--mode", "guess"},
	} {
		t.Run(name, func(t *testing.T) {
			var stderr bytes.Buffer
			code := -1
			require.NotPanics(t, func() { code = run(args, mapLookup(runEnv(t, nil)), &stderr) })
			assert.Equal(t, 2, code)
			assert.Contains(t, stderr.String(), "invalid config")
		})
	}
}

func TestRunDoesNotPersistRejectedSettings(t *testing.T) {
	env := runEnv(t, nil)
	path := env["IQCAL_CONFIG"]
	_, err := loadOrCreateConfig(path)
	require.NoError(t, err)

	var stderr bytes.Buffer
	require.Equal(t, 2, run([]string{"--dc-policy", "bogus", "--baseline", "0"}, mapLookup(env), &stderr))

	saved, err := loadOrCreateConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "manual", saved.DCPolicy)
	assert.Equal(t, 50, saved.Baseline)

	stderr.Reset()
	args := []string{"--start", "1e6", "--stop", "1e6"}
	assert.Equal(t, 0, run(args, mapLookup(env), &stderr), stderr.String())
}
