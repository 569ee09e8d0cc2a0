package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/config"
	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/gpu"
	"codeberg.org/mutker/telemetryd/internal/host"
	"codeberg.org/mutker/telemetryd/internal/logger"
	"codeberg.org/mutker/telemetryd/internal/metrics"
	"codeberg.org/mutker/telemetryd/internal/pid"
	"codeberg.org/mutker/telemetryd/internal/pipeline"
	"codeberg.org/mutker/telemetryd/internal/telemetry"
	"codeberg.org/mutker/telemetryd/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"k8s.io/utils/clock"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(level, logger.IsService())
	logger.Debug().Str("file", cfg.ConfigFile).Msg("Config loaded")

	if err := run(cfg); err != nil {
		var appErr errors.Error
		if errors.As(err, &appErr) {
			logger.ErrorWithCode(appErr).Msg("telemetryd failed")
		} else {
			logger.Error().Err(err).Msg("telemetryd failed")
		}
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	pidPath := pid.Path(cfg.PIDFile)
	if err := pid.Write(pidPath); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(pidPath); err != nil {
			logger.Warn().Err(err).Msg("failed to remove PID file")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	clk := clock.RealClock{}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(registry)

	collector, err := telemetry.NewCollector(cfg.CollectorConfig(), clk)
	if err != nil {
		return err
	}

	batchCfg, err := cfg.BatchConfig()
	if err != nil {
		return err
	}
	batcher, err := batch.NewBatcher(batchCfg, clk, logger.WithComponent("batch"))
	if err != nil {
		return err
	}

	targets, closeTargets, err := openTargets(cfg)
	if err != nil {
		return err
	}
	defer closeTargets()

	sources := openSources(cfg, collector, clk)
	defer func() {
		for _, src := range sources {
			if err := src.Close(); err != nil {
				logger.Warn().Err(err).Str("source", src.Name()).Msg("failed to close source")
			}
		}
	}()

	p, err := pipeline.New(cfg.PipelineConfig(), collector, batcher, targets, pipeline.Options{
		Sources:  sources,
		Recorder: recorder,
		Clock:    clk,
		Logger:   logger.WithComponent("pipeline"),
	})
	if err != nil {
		return err
	}

	if mc := cfg.MetricsConfig(); mc.Enabled {
		go func() {
			if err := metrics.Serve(ctx, mc, registry, logger.WithComponent("metrics")); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	if err := p.Run(ctx); err != nil {
		return err
	}

	for _, d := range p.Deliverers() {
		logger.Info().
			Str("target", d.Name()).
			Uint64("delivered", d.Delivered()).
			Uint64("dropped", d.Dropped()).
			Int("buffered", d.Buffered()).
			Msg("Target summary")
	}
	logger.Info().Msg("Exiting...")
	return nil
}

func openTargets(cfg *config.Config) ([]pipeline.Target, func(), error) {
	var opened []*transport.Transport
	closeAll := func() {
		for _, t := range opened {
			if err := t.Close(); err != nil {
				logger.Warn().Err(err).Str("target", t.Name()).Msg("failed to close transport")
			}
		}
	}

	targets := make([]pipeline.Target, 0, len(cfg.Targets))
	for _, tc := range cfg.TransportConfigs() {
		t, err := transport.New(tc, logger.WithComponent("transport").With("target", tc.Name))
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		opened = append(opened, t)
		targets = append(targets, pipeline.Target{
			Name:       tc.Name,
			Sender:     t,
			Resilience: cfg.ResilienceConfig(),
		})
		logger.Info().Str("target", tc.Name).Str("kind", string(tc.Kind)).Msg("Target configured")
	}

	return targets, closeAll, nil
}

// openSources starts the enabled samplers. A source that cannot start is
// reported as a diagnostic and left out.
func openSources(cfg *config.Config, collector *telemetry.Collector, clk clock.PassiveClock) []telemetry.Source {
	seq := &telemetry.Sequencer{}
	var sources []telemetry.Source

	disabled := func(name string, err error) {
		logger.Warn().Err(err).Str("source", name).Msg("Source disabled")
		collector.RecordDiagnostic(telemetry.DiagnosticEntry{
			Level:     telemetry.LevelWarning,
			Timestamp: clk.Now().UTC(),
			Component: name,
			Message:   err.Error(),
		}.WithCode(pipeline.CodeSourceFailed))
	}

	if hc := cfg.HostConfig(); hc.Enabled {
		s, err := host.New(hc, seq, clk, logger.WithComponent("host"))
		if err != nil {
			disabled("host", err)
		} else {
			sources = append(sources, s)
		}
	}

	if gc := cfg.GPUConfig(); gc.Enabled {
		s, err := gpu.New(gc, seq, clk, logger.WithComponent("gpu"))
		if err != nil {
			disabled("gpu", err)
		} else {
			logger.Info().Int("devices", s.Devices()).Msg("GPU sampling enabled")
			sources = append(sources, s)
		}
	}

	return sources
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
