// Command maelstrom-broker runs the central job broker: the scheduler, the
// job registries, and the artifact registry, served over one TCP listener.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/maelstrom/pkg/artifact"
	"github.com/cuemby/maelstrom/pkg/broker"
	"github.com/cuemby/maelstrom/pkg/config"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/metrics"
	"github.com/cuemby/maelstrom/pkg/scheduler"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
}

var rootCmd = &cobra.Command{
	Use:           "maelstrom-broker",
	Short:         "Maelstrom job broker",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadBroker(cmd.Flags())
		if err != nil {
			return err
		}
		if printConfig, _ := cmd.Flags().GetBool("print-config"); printConfig {
			return config.Print(cfg)
		}
		return run(cfg)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.String("listen", config.DefaultBroker().Listen, "Address to accept client, worker, and fetcher connections on")
	flags.String("metrics-listen", config.DefaultBroker().MetricsListen, "Address to serve /metrics and health endpoints on")
	flags.String("artifact-root", config.DefaultBroker().ArtifactRoot, "Directory artifact blobs are stored under")
	flags.String("log-level", config.DefaultBroker().LogLevel, "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Output logs in JSON format")
	flags.String("config-file", "", "TOML configuration file")
	flags.Bool("print-config", false, "Print the resolved configuration and exit")
}

func run(cfg config.Broker) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	metrics.SetVersion(version)

	if err := os.MkdirAll(cfg.ArtifactRoot, 0o755); err != nil {
		return fmt.Errorf("creating artifact root: %w", err)
	}
	registry := artifact.New(cfg.ArtifactRoot)
	sched := scheduler.New(registry)
	sched.Start()
	defer sched.Stop()
	metrics.RegisterComponent("scheduler", true, "running")

	b := broker.New(sched, registry)
	if err := b.Start(cfg.Listen); err != nil {
		return err
	}
	defer b.Stop()
	metrics.RegisterComponent("listener", true, "accepting connections")

	go serveMetrics(cfg.MetricsListen)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Logger.Info().Str("signal", s.String()).Msg("broker: shutting down")
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Logger.Warn().Err(err).Str("addr", addr).Msg("broker: metrics server stopped")
	}
}
