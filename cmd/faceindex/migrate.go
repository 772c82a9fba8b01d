package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"FACEINDEX/app"
	"FACEINDEX/config"
	"FACEINDEX/engine"
)

var (
	migrateSource     string
	migrateTarget     string
	migrateBatchSize  int
	migrateMaxBatches int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move faces from the legacy source into a collection",
	Long: `migrate runs batches until the legacy source is exhausted, resuming from
the last saved checkpoint. Interrupt it at any time and run it again to
continue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger := app.NewLogger(cfg.Log, os.Stderr)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		progress, err := a.Engine.Migrator.Run(ctx, engine.RunRequest{
			SourceRef:          migrateSource,
			TargetCollectionID: migrateTarget,
			BatchSize:          migrateBatchSize,
			MaxBatches:         migrateMaxBatches,
			OnBatch: func(res *engine.MigrateResult) {
				fmt.Fprintf(out, "batch: migrated=%d failed=%d total=%d\n",
					res.Migrated, res.Failed, res.Progress.RecordsMigrated)
				for _, f := range res.Failures {
					fmt.Fprintf(out, "  %s: %s (%s)\n", f.Ref, f.Message, f.Code)
				}
			},
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "migrated %d, failed %d, batches %d, done %t\n",
			progress.RecordsMigrated, progress.RecordsFailed, progress.Batches, progress.Done)
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateSource, "source", "", "legacy source reference (key prefix or source collection)")
	migrateCmd.Flags().StringVar(&migrateTarget, "target", "", "target collection (default collection when empty)")
	migrateCmd.Flags().IntVar(&migrateBatchSize, "batch-size", 0, "records per batch (engine default when zero)")
	migrateCmd.Flags().IntVar(&migrateMaxBatches, "max-batches", 0, "stop after this many batches (0 runs to the end)")
	_ = migrateCmd.MarkFlagRequired("source")
}
