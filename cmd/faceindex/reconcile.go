package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"FACEINDEX/app"
	"FACEINDEX/config"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Recompute every collection's face count",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), cfg, app.NewLogger(cfg.Log, os.Stderr))
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Engine.Collections.ReconcileCounts(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "checked %d, corrected %d, failed %d\n", res.Checked, res.Corrected, res.Failed)
		return nil
	},
}
