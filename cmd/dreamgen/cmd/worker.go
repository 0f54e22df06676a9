package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	workerConcurrency int
	workerID          string
)

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a standalone worker pool",
	Long: `Run only the worker pool. Workers claim pending jobs from the configured
store, which must be shared with the API server (sqlite file or PostgreSQL).`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "number of concurrent jobs (default from config)")
	workerCmd.Flags().StringVar(&workerID, "id", "", "worker id prefix (default from config or hostname)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd.Context(), "worker")
	if err != nil {
		return err
	}
	if workerConcurrency > 0 {
		rt.cfg.Worker.Concurrency = workerConcurrency
	}
	if workerID != "" {
		rt.cfg.Worker.ID = workerID
	}
	if rt.cfg.Store.Type == "memory" {
		rt.logger.Warn("Standalone worker with a memory store will never see jobs from the API server")
	}

	ctx, cancel := rt.shutdown.Context(context.Background())
	defer cancel()

	pool, err := rt.newPool(ctx)
	if err != nil {
		return err
	}
	rt.startPool(ctx, pool)

	rt.shutdown.Wait(cmd.Context())
	return rt.shutdown.Shutdown()
}
