package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"osclog/internal/config"
	"osclog/internal/logging"
	"osclog/internal/metrics"
	"osclog/internal/supervisor"
)

func newRecordCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record OSC messages until interrupted",
		Long: `Listen on every configured UDP port, keep messages whose address is an
active signal, and append them to one CSV log per port under the save
directory. Stop with Ctrl-C (SIGINT) or SIGTERM; buffered messages are
written before exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return record(ctx, logger, cfg)
		},
	}

	f := cmd.Flags()
	f.String("config", "", "config file ({\"version\": 1, \"config\": {...}})")
	f.IntSlice("ports", nil, "UDP ports to listen on (e.g. 8001,8002)")
	f.StringSlice("signals", nil, "signals to record: names (eeg, elements/is_good), /<port>/<name> addresses, or patterns (default: built-in catalog)")
	f.String("signals-file", "", "file with one signal per line, reloaded on change")
	f.String("save-dir", config.DefaultSaveDir, "directory for the CSV logs")
	f.String("host", config.DefaultHost, "address to bind")
	f.Int("buffer-size", config.DefaultBufferSize, "shared buffer capacity in messages")
	f.Int("batch-size", config.DefaultBatchSize, "rows per log write")
	f.Bool("compress", false, "zstd-compress each log on shutdown")
	f.Bool("no-probe", false, "skip the loopback self-test after binding")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. localhost:9464)")
	f.Duration("grace", config.DefaultGracePeriod, "shutdown grace period")
	f.Duration("stats-interval", config.DefaultStatsInterval, "throughput statistics interval")
	return cmd
}

// loadConfig builds the configuration from defaults, the optional config
// file and any flags that were set explicitly, then validates it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	f := cmd.Flags()

	if path, _ := f.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if f.Changed("ports") {
		cfg.Ports, _ = f.GetIntSlice("ports")
	}
	if f.Changed("signals") {
		cfg.Signals, _ = f.GetStringSlice("signals")
	}
	if f.Changed("signals-file") {
		cfg.SignalsFile, _ = f.GetString("signals-file")
	}
	if f.Changed("save-dir") {
		cfg.SaveDir, _ = f.GetString("save-dir")
	}
	if f.Changed("host") {
		cfg.Host, _ = f.GetString("host")
	}
	if f.Changed("buffer-size") {
		cfg.BufferSize, _ = f.GetInt("buffer-size")
	}
	if f.Changed("batch-size") {
		cfg.BatchSize, _ = f.GetInt("batch-size")
	}
	if f.Changed("compress") {
		cfg.Compress, _ = f.GetBool("compress")
	}
	if f.Changed("no-probe") {
		noProbe, _ := f.GetBool("no-probe")
		cfg.Probe = !noProbe
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = f.GetString("metrics-addr")
	}
	if f.Changed("grace") {
		d, _ := f.GetDuration("grace")
		cfg.GracePeriod = d.String()
	}
	if f.Changed("stats-interval") {
		d, _ := f.GetDuration("stats-interval")
		cfg.StatsInterval = d.String()
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// record runs the pipeline until ctx is cancelled, then drains and stops.
func record(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	logger = logging.Default(logger)
	scfg, err := supervisor.FromConfig(cfg)
	if err != nil {
		return err
	}
	scfg.Logger = logger

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
		scfg.Metrics = m
	}

	sup, err := supervisor.New(scfg)
	if err != nil {
		return err
	}
	if err := sup.Start(ctx); err != nil {
		_ = sup.Stop()
		return fmt.Errorf("start ingestion: %w", err)
	}

	metricsDone := make(chan struct{})
	if m != nil {
		go func() {
			defer close(metricsDone)
			if err := m.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	} else {
		close(metricsDone)
	}

	logger.Info("recording, press Ctrl-C to stop",
		"run_id", sup.RunID().String(),
		"ports", sup.Ports(),
		"patterns", sup.Registry().Patterns(),
		"save_dir", cfg.SaveDir)
	<-ctx.Done()

	err = sup.Stop()
	<-metricsDone
	for _, port := range sup.Ports() {
		if st, ok := sup.WriterStats(port); ok {
			logger.Info("port summary", "port", port, "rows", st.RowsWritten, "rows_lost", st.RowsLost, "log", sup.LogPath(port))
		}
	}
	return err
}
