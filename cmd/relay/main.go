// Command relay runs a regional federation relay: a gateway-shaped front
// door that accepts local probe traffic into a durable buffer and forwards
// it to the central gateway, degrading gracefully when central is
// unreachable (spec.md §4.3).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Nathan0299/FiberStack-Lite/pkg/audit"
	"github.com/Nathan0299/FiberStack-Lite/pkg/config"
	"github.com/Nathan0299/FiberStack-Lite/pkg/federation"
	"github.com/Nathan0299/FiberStack-Lite/pkg/gateway"
	"github.com/Nathan0299/FiberStack-Lite/pkg/idempotency"
	"github.com/Nathan0299/FiberStack-Lite/pkg/logging"
	"github.com/Nathan0299/FiberStack-Lite/pkg/observability"
	"github.com/Nathan0299/FiberStack-Lite/pkg/queue"
	"github.com/Nathan0299/FiberStack-Lite/pkg/ratelimit"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "relay",
		Short: "FiberMesh regional federation relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config overlay")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, SampleRate: cfg.LogSampleRate})

	authPub, err := cfg.DecodeAuthPublicKey()
	if err != nil {
		return fmt.Errorf("relay requires JWT_PUBLIC_KEY to validate local probe tokens: %w", err)
	}

	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{cfg.QueueURL},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("relay: connect regional etcd at %s: %w", cfg.QueueURL, err)
	}
	defer etcdClient.Close()

	buffer := queue.NewEtcdQueue(etcdClient)
	dlq := queue.NewEtcdDLQ(etcdClient)
	idemIdx := idempotency.NewEtcdIndex(etcdClient)
	auditLog := audit.NewEtcdLog(etcdClient)
	rlBackend := ratelimit.NewEtcdBackend(etcdClient)
	metrics := observability.New()

	startedAt := time.Now()
	fedCfg := federation.DefaultConfig(cfg.APIEndpoint)
	forwarder := federation.NewForwarder(buffer, dlq, fedCfg, metrics, func() (string, error) {
		if cfg.AuthToken == "" {
			return "", fmt.Errorf("relay: AUTH_TOKEN unset")
		}
		return cfg.AuthToken, nil
	})

	opts := gateway.DefaultOptions()
	opts.IdempotencyTTL = cfg.IdempotencyTTL
	opts.DegradeOnDLQDepth = cfg.DegradeOnDLQDepth
	if cfg.RateLimitGlobalMax > 0 {
		opts.GlobalRate = cfg.RateLimitGlobalMax
		opts.GlobalBurst = cfg.RateLimitGlobalMax
	}
	// Enforce spec.md §4.3's DEGRADED_FULL row: once the regional buffer
	// crosses its high-water mark the relay stops accepting new samples
	// (503) but keeps draining what it already has.
	opts.AcceptGate = forwarder.AcceptsWrites
	// Report the forwarder's live state machine instead of the central
	// gateway's fixed {"role":"central"} default.
	opts.FederationStatus = func() map[string]any {
		return map[string]any{
			"role":       "relay",
			"source":     "forwarder",
			"state":      forwarder.State().String(),
			"started_at": startedAt,
		}
	}
	// A relay has no database of its own (spec.md §8 I-Central-Writer:
	// only the ETL/central tier writes samples), so its GET /metrics read
	// path is unavailable; callers should query the central gateway. A
	// relay also has no Authority in-process (only its public key), so
	// token revocation is not enforceable here — see cmd/gateway, which
	// checks it centrally.
	front := gateway.NewServer(buffer, dlq, idemIdx, auditLog, rlBackend, metrics, authPub, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: front.PrometheusHandler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger.Error().Err(err).Msg("prometheus listener stopped")
		}
	}()
	defer metricsSrv.Close()

	go forwarder.Start(ctx)
	go func() {
		if err := front.ListenAndServe(cfg.ListenAddr); err != nil {
			logging.Logger.Error().Err(err).Msg("relay front door stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Logger.Info().Msg("shutdown signal received")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	return front.GracefulShutdown(shutCtx)
}
