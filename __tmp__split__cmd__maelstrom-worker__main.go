// Command maelstrom-worker runs the per-machine execution agent. The
// process re-executes itself into a private user and PID namespace before
// doing anything else, so every job process it ever spawns dies with it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/maelstrom/pkg/config"
	"github.com/cuemby/maelstrom/pkg/executor"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/metrics"
	"github.com/cuemby/maelstrom/pkg/worker"
)

var version = "dev"

func main() {
	// Container-init mode must be dispatched before any CLI handling: the
	// init process is this same binary cloned into a job's namespaces.
	if len(os.Args) > 1 && os.Args[1] == executor.InitArg {
		executor.InitMain()
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
}

var rootCmd = &cobra.Command{
	Use:           "maelstrom-worker",
	Short:         "Maelstrom worker: executes jobs in containers",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWorker(cmd.Flags())
		if err != nil {
			return err
		}
		if printConfig, _ := cmd.Flags().GetBool("print-config"); printConfig {
			return config.Print(cfg)
		}

		// Everything below runs twice: once in the launching process,
		// which only re-execs and waits, and once isolated.
		reexeced, exitCode, err := worker.EnsureIsolated()
		if err != nil {
			return err
		}
		if reexeced {
			os.Exit(exitCode)
		}
		return run(cfg)
	},
}

func init() {
	flags := rootCmd.Flags()
	defaults := config.DefaultWorker()
	flags.String("broker", "", "Broker address (host:port)")
	flags.Uint16("slots", defaults.Slots, "Number of jobs to run concurrently (1-1000)")
	flags.String("cache-root", defaults.CacheRoot, "Directory for the artifact cache")
	flags.String("cache-bytes-used-target", defaults.CacheBytesUsedTarget.String(), "Target size of the artifact cache (e.g. 10GB)")
	flags.String("inline-limit", defaults.InlineLimit.String(), "Maximum bytes of stdout/stderr to capture per stream")
	flags.String("metrics-listen", defaults.MetricsListen, "Address to serve /metrics and health endpoints on")
	flags.String("log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Output logs in JSON format")
	flags.String("config-file", "", "TOML configuration file")
	flags.Bool("print-config", false, "Print the resolved configuration and exit")
}

func run(cfg config.Worker) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	metrics.SetVersion(version)

	w, err := worker.New(worker.Config{
		BrokerAddr:           cfg.Broker,
		Slots:                cfg.Slots,
		CacheRoot:            cfg.CacheRoot,
		CacheBytesUsedTarget: int64(cfg.CacheBytesUsedTarget),
		InlineLimit:          int64(cfg.InlineLimit),
	})
	if err != nil {
		return err
	}
	defer w.Close()

	go serveMetrics(cfg.MetricsListen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Logger.Info().Str("signal", s.String()).Msg("worker: shutting down")
		cancel()
	}()

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Logger.Warn().Err(err).Str("addr", addr).Msg("worker: metrics server stopped")
	}
}


