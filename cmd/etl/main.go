// Command etl drains the durable queue and persists samples to storage,
// maintaining the node registry, conflict log, and dead-letter queue
// (spec.md §4.4).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Nathan0299/FiberStack-Lite/pkg/config"
	"github.com/Nathan0299/FiberStack-Lite/pkg/etl"
	"github.com/Nathan0299/FiberStack-Lite/pkg/logging"
	"github.com/Nathan0299/FiberStack-Lite/pkg/observability"
	"github.com/Nathan0299/FiberStack-Lite/pkg/queue"
	"github.com/Nathan0299/FiberStack-Lite/pkg/storage"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "etl",
		Short: "FiberMesh ETL consumer",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config overlay")
	root.AddCommand(runCmd(), requeueDLQCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "etl:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run ETL workers draining the queue into storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers(workers)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "number of parallel ETL workers (spec.md §4.4 'Multiple workers may run')")
	return cmd
}

func runWorkers(workerCount int) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, SampleRate: cfg.LogSampleRate})

	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{cfg.QueueURL},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("etl: connect etcd at %s: %w", cfg.QueueURL, err)
	}
	defer etcdClient.Close()

	store, err := storage.Open(cfg.DBURL)
	if err != nil {
		return fmt.Errorf("etl: open storage: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(context.Background()); err != nil {
		return err
	}

	q := queue.NewEtcdQueue(etcdClient)
	dlq := queue.NewEtcdDLQ(etcdClient)
	metrics := observability.New()
	workerCfg := etl.DefaultWorkerConfig()
	if cfg.BatchSize > 0 {
		workerCfg.BatchSize = cfg.BatchSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		w := etl.NewWorker(fmt.Sprintf("worker-%d", i), q, dlq, store, metrics, workerCfg, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Logger.Info().Msg("shutdown signal received")
	cancel()
	wg.Wait()
	return nil
}

func requeueDLQCmd() *cobra.Command {
	var batchSize int
	var delayMS int
	cmd := &cobra.Command{
		Use:   "requeue-dlq",
		Short: "Replay dead-lettered samples back into storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, SampleRate: cfg.LogSampleRate})

			etcdClient, err := clientv3.New(clientv3.Config{
				Endpoints:   []string{cfg.QueueURL},
				DialTimeout: 5 * time.Second,
			})
			if err != nil {
				return err
			}
			defer etcdClient.Close()

			store, err := storage.Open(cfg.DBURL)
			if err != nil {
				return err
			}
			defer store.Close()

			dlq := queue.NewEtcdDLQ(etcdClient)
			replayer := etl.NewReplayer(dlq, store, observability.New())
			result, err := replayer.ReplayAll(context.Background(), batchSize, time.Duration(delayMS)*time.Millisecond)
			if err != nil {
				return err
			}
			fmt.Printf("replayed=%d quarantined=%d conflicts=%d\n", result.Replayed, result.Quarantined, result.Conflicts)
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "items to drain per DLQ batch")
	cmd.Flags().IntVar(&delayMS, "delay-ms", 100, "delay between batches")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the storage schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			store, err := storage.Open(cfg.DBURL)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Migrate(context.Background())
		},
	}
}
