// Command probe runs the FiberMesh probe agent: collects network vitals on
// a fixed interval and pushes them to a regional relay or the central
// gateway, buffering and failing over when delivery is impossible
// (spec.md §4.1).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Nathan0299/FiberStack-Lite/pkg/config"
	"github.com/Nathan0299/FiberStack-Lite/pkg/logging"
	"github.com/Nathan0299/FiberStack-Lite/pkg/probe"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "probe",
		Short: "FiberMesh probe agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config overlay")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "probe:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, SampleRate: cfg.LogSampleRate})

	if err := cfg.RequireProbeIdentity(); err != nil {
		return err
	}
	if cfg.AuthToken == "" {
		return fmt.Errorf("probe: AUTH_TOKEN unset")
	}

	bearerFn := func() (string, error) { return cfg.AuthToken, nil }
	senderCfg := probe.DefaultSenderConfig()
	if cfg.RequestTimeoutS > 0 {
		senderCfg.RequestTimeout = time.Duration(cfg.RequestTimeoutS) * time.Second
	}
	if cfg.MaxRetries > 0 {
		senderCfg.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryBackoffBase > 0 {
		senderCfg.BackoffBase = cfg.RetryBackoffBase
	}
	sender := probe.NewSender(senderCfg, bearerFn)

	targets := buildTargets(cfg)
	failoverCtl := probe.NewFailover(targets, sender, probe.DefaultFailoverConfig())

	collector := &probe.Collector{
		NodeID:     cfg.NodeID,
		Country:    cfg.Country,
		Region:     cfg.Region,
		TargetHost: cfg.ProbeTarget,
	}

	agentCfg := probe.DefaultAgentConfig()
	if cfg.IntervalS > 0 {
		agentCfg.Interval = time.Duration(cfg.IntervalS) * time.Second
	}
	if cfg.MaxBuffer > 0 {
		agentCfg.BufferCap = cfg.MaxBuffer
	}
	agent := probe.NewAgent(collector, failoverCtl, agentCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	agent.Run(ctx)
	return nil
}

// buildTargets ranks the regional relay ahead of the central gateway,
// matching spec.md §4.1 step 5's "probes fall back to central directly"
// language: regional is priority 0, central is the fallback at priority 1.
func buildTargets(cfg *config.Config) []probe.Target {
	var targets []probe.Target
	if cfg.RegionalEndpoint != "" {
		targets = append(targets, probe.Target{Name: "regional", BaseURL: cfg.RegionalEndpoint, Priority: 0})
	}
	if cfg.APIEndpoint != "" {
		priority := 1
		if cfg.RegionalEndpoint == "" {
			priority = 0
		}
		targets = append(targets, probe.Target{Name: "central", BaseURL: cfg.APIEndpoint, Priority: priority})
	}
	return targets
}
