// Command iqcal sweeps a transceiver across a frequency range and
// calibrates receive I/Q imbalance and DC offset at each point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/rjboer/iqcal/internal/calib"
	"github.com/rjboer/iqcal/internal/diag"
	"github.com/rjboer/iqcal/internal/logging"
	"github.com/rjboer/iqcal/internal/sdr"
	"github.com/rjboer/iqcal/internal/telemetry"
)

const defaultConfigPath = "iqcal.yaml"

func main() {
	os.Exit(run(os.Args[1:], os.LookupEnv, os.Stderr))
}

// run executes one sweep and returns the process exit code.
func run(args []string, lookup func(string) (string, bool), stderr io.Writer) int {
	configPath := envString(lookup, "CONFIG", defaultConfigPath)
	persistentCfg, err := loadOrCreateConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	cfg, err := parseConfig(args, lookup, persistentCfg)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "parse config: %v\n", err)
		return 2
	}
	resolved, err := cfg.resolve()
	if err != nil {
		fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}
	if err := saveConfig(configPath, persistentFromCLI(cfg)); err != nil {
		fmt.Fprintf(stderr, "save config: %v\n", err)
		return 1
	}

	out := stderr
	if cfg.logFile != "" {
		rotating := logging.NewRotatingFile(cfg.logFile)
		defer rotating.Close()
		out = rotating
	}
	logger := logging.New(resolved.level, resolved.format, out)
	logging.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reporters := telemetry.MultiReporter{telemetry.NewStdoutReporter(logger)}
	if cfg.webAddr != "" {
		hub := telemetry.NewHub(cfg.historyLimit, logger)
		if err := telemetry.NewWebServer(cfg.webAddr, hub, logger).Start(ctx); err != nil {
			logger.Error("telemetry server", logging.F("error", err))
			return 1
		}
		reporters = append(reporters, hub)
	}

	session, err := sdr.Open(resolved.session, logger)
	if err != nil {
		logger.Error("open device", logging.F("args", cfg.args), logging.F("error", err))
		return 1
	}
	defer session.Close()

	controller, err := calib.NewController(session, reporters, logger, resolved.calib)
	if err != nil {
		logger.Error("build controller", logging.F("error", err))
		return 1
	}
	if cfg.dumpDir != "" {
		recorder, err := diag.NewRecorder(cfg.dumpDir, cfg.dumpPattern, logger)
		if err != nil {
			logger.Error("capture dumps", logging.F("error", err))
			return 1
		}
		controller.SetDumper(recorder)
	}

	results, err := controller.Sweep(ctx, cfg.start, cfg.stop, cfg.step, resolved.policy)
	if err != nil {
		logger.Error("sweep failed", logging.F("points", len(results)), logging.F("error", err))
		return 1
	}
	return 0
}
