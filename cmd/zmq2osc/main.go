package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openephys-tools/zmq2osc/internal/ingest"
	"github.com/openephys-tools/zmq2osc/internal/pipeline"
	"github.com/openephys-tools/zmq2osc/internal/transmit"
	"github.com/openephys-tools/zmq2osc/pkg/bus"
	"github.com/openephys-tools/zmq2osc/pkg/config"
	"github.com/openephys-tools/zmq2osc/pkg/logger"
	"github.com/openephys-tools/zmq2osc/pkg/metrics"
	"github.com/openephys-tools/zmq2osc/pkg/observer"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "zmq2osc",
		Short: "zmq2osc - Open Ephys ZMQ to OSC relay",
		Long: `zmq2osc subscribes to an Open Ephys ZMQ data stream, downsamples and
batches the continuous channel data, and relays it as OSC messages over UDP
for audio and visualization tools.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("zmq2osc v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var initPath string
	initCmd := &cobra.Command{
		Use:   "config-init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Save(initPath, config.Default()); err != nil {
				return err
			}
			fmt.Printf("wrote default configuration to %s\n", initPath)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&initPath, "output", "o", "zmq2osc.yaml", "Path for the generated configuration file")
	root.AddCommand(initCmd)

	var configFile, logLevel string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay pipeline",
		Long: `Run the relay pipeline until interrupted. Configuration comes from the
YAML file, overridable per setting through ZMQ2OSC_* environment variables.

Example:
  zmq2osc run --config zmq2osc.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(configFile, logLevel)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file (defaults apply when omitted)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runRelay(configFile, logLevel string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Observability.LogLevel = logLevel
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: cfg.Observability.LogEncoding,
	}); err != nil {
		return fmt.Errorf("logger initialization failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Get()
	log.Info("starting zmq2osc",
		zap.String("version", version),
		zap.String("config", cfg.String()))

	if cfg.Observability.MetricsAddr != "" {
		metrics.Serve(cfg.Observability.MetricsAddr, log)
	}

	d := bus.New(log)
	defer d.Close()

	logObs := observer.NewLogObserver(d, log)
	defer logObs.Close()

	if cfg.Observability.StatsFile != "" {
		sink, err := observer.NewFileSink(cfg.Observability.StatsFile, d, log)
		if err != nil {
			return err
		}
		defer func() { _ = sink.Close() }()
	}

	source := ingest.NewSource(cfg.Ingest, d, log)
	sender := transmit.NewSender(cfg.Transmit, d, log)
	coord := pipeline.NewCoordinator(cfg, d, source, sender, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		return err
	}

	reporter := observer.NewReporter(func() pipeline.Snapshot {
		return coord.Counters().Snapshot()
	}, d, cfg.Observability.StatsInterval, log).WithIngest(func() observer.IngestStats {
		received, missed, skipped := source.Stats()
		return observer.IngestStats{
			MessagesReceived: received,
			MessagesMissed:   missed,
			MessagesSkipped:  skipped,
			SampleRate:       source.SampleRate(),
		}
	})
	reporter.Start(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutdown signal received", zap.String("signal", s.String()))

	reporter.Stop()
	if err := coord.Stop(); err != nil {
		return err
	}

	final := coord.Counters().Snapshot()
	log.Info("relay finished",
		zap.Uint64("raw_samples_accepted", final.RawSamplesAccepted),
		zap.Uint64("payloads_sent", final.PayloadsSent),
		zap.Float64("batching_efficiency", final.BatchingEfficiency))
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}
