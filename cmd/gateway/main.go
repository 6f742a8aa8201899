// Command gateway runs the FiberMesh ingestion gateway: the HTTP front
// door that authenticates, validates, and enqueues probe/relay traffic
// (spec.md §4.2).
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Nathan0299/FiberStack-Lite/pkg/audit"
	"github.com/Nathan0299/FiberStack-Lite/pkg/auth"
	"github.com/Nathan0299/FiberStack-Lite/pkg/config"
	"github.com/Nathan0299/FiberStack-Lite/pkg/gateway"
	"github.com/Nathan0299/FiberStack-Lite/pkg/idempotency"
	"github.com/Nathan0299/FiberStack-Lite/pkg/logging"
	"github.com/Nathan0299/FiberStack-Lite/pkg/observability"
	"github.com/Nathan0299/FiberStack-Lite/pkg/queue"
	"github.com/Nathan0299/FiberStack-Lite/pkg/ratelimit"
	"github.com/Nathan0299/FiberStack-Lite/pkg/storage"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "FiberMesh ingestion gateway",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config overlay")
	root.AddCommand(serveCmd(), issueTokenCmd(), genSeedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, SampleRate: cfg.LogSampleRate})

	seed, err := cfg.DecodeFederationSeed()
	if err != nil {
		return fmt.Errorf("gateway requires FEDERATION_SECRET (base64 ed25519 seed): %w", err)
	}
	authority, err := auth.NewAuthorityFromSeed(seed)
	if err != nil {
		return err
	}

	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{cfg.QueueURL},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("gateway: connect etcd at %s: %w", cfg.QueueURL, err)
	}
	defer etcdClient.Close()

	q := queue.NewEtcdQueue(etcdClient)
	dlq := queue.NewEtcdDLQ(etcdClient)
	idemIdx := idempotency.NewEtcdIndex(etcdClient)
	auditLog := audit.NewEtcdLog(etcdClient)
	rlBackend := ratelimit.NewEtcdBackend(etcdClient)
	metrics := observability.New()

	// The central gateway is the only gateway tier with a database: it
	// reads samples for GET /metrics and writes node-registry rows, while
	// samples themselves are written by the ETL. A relay leaves its Store
	// nil (see cmd/relay).
	store, err := storage.Open(cfg.DBURL)
	if err != nil {
		return fmt.Errorf("gateway: open storage: %w", err)
	}
	defer store.Close()

	opts := gateway.DefaultOptions()
	opts.IdempotencyTTL = cfg.IdempotencyTTL
	opts.DegradeOnDLQDepth = cfg.DegradeOnDLQDepth
	// The central gateway holds the issuing Authority in-process, so it can
	// enforce revocation (spec.md §3 "revocable tokens") on the serving
	// path; a relay only ever receives the authority's public key and has
	// no revocation set to consult.
	opts.IsRevoked = authority.IsRevoked
	if cfg.RateLimitIngestRate > 0 {
		opts.IngestRate = cfg.RateLimitIngestRate
	}
	if cfg.RateLimitIngestBurst > 0 {
		opts.IngestBurst = cfg.RateLimitIngestBurst
	}
	if cfg.RateLimitGlobalMax > 0 {
		opts.GlobalRate = cfg.RateLimitGlobalMax
		opts.GlobalBurst = cfg.RateLimitGlobalMax
	}

	srv := gateway.NewServer(q, dlq, idemIdx, auditLog, rlBackend, metrics, authority.PublicKey(), store, opts)

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: srv.PrometheusHandler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger.Error().Err(err).Msg("prometheus listener stopped")
		}
	}()
	defer metricsSrv.Close()

	go func() {
		if err := srv.ListenAndServe(cfg.ListenAddr); err != nil {
			logging.Logger.Error().Err(err).Msg("gateway server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Logger.Info().Msg("shutdown signal received")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	return srv.GracefulShutdown(shutCtx)
}

// issueTokenCmd mints a bearer token for a probe or relay subject, the
// operator-facing counterpart to the central authority spec.md §3
// describes: "central issues scoped, revocable tokens."
func issueTokenCmd() *cobra.Command {
	var subject, region string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a signed bearer token for a probe or relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			seed, err := cfg.DecodeFederationSeed()
			if err != nil {
				return err
			}
			authority, err := auth.NewAuthorityFromSeed(seed)
			if err != nil {
				return err
			}
			tok := authority.Issue(subject, region, ttl)
			bearer, err := auth.EncodeBearer(tok)
			if err != nil {
				return err
			}
			fmt.Println(bearer)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "probe or relay identity")
	cmd.Flags().StringVar(&region, "region", "", "region claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token validity window")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// genSeedCmd prints a fresh base64 Ed25519 seed for FEDERATION_SECRET, so
// operators don't have to hand-generate one.
func genSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-seed",
		Short: "Generate a new FEDERATION_SECRET seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed := make([]byte, 32)
			if _, err := rand.Read(seed); err != nil {
				return err
			}
			fmt.Println(base64.StdEncoding.EncodeToString(seed))
			return nil
		},
	}
}
