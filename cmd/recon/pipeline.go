package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/recon-engine/ingest"
	"github.com/warp/recon-engine/recon"
)

func newIngestCommand(cmdCtx *commandContext) *cobra.Command {
	var configPath string
	var batchDate string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load, normalize and align two sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ingest.LoadJobConfig(configPath)
			if err != nil {
				return err
			}

			store, err := cmdCtx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			engine := ingest.NewEngine(store, cmdCtx.logger)

			if batchDate != "" {
				date, err := time.Parse("2006-01-02", batchDate)
				if err != nil {
					return fmt.Errorf("invalid batch date %q: %w", batchDate, err)
				}
				_, err = engine.RunForDate(cmd.Context(), cfg, date)
				return err
			}

			_, err = engine.Run(cmd.Context(), cfg)
			return err
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Job configuration file (yaml)")
	cmd.MarkFlagRequired("config")
	cmd.Flags().StringVar(&batchDate, "batch-date", "", "Batch date (YYYY-MM-DD, default: today)")
	return cmd
}

func newDiffCommand(cmdCtx *commandContext) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Compare the aligned records of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := cmdCtx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			engine := recon.NewDiffEngine(store, cmdCtx.logger)
			_, err = engine.Run(cmd.Context(), recon.RunID(runID))
			return err
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Run id (default: latest completed run)")
	return cmd
}

func newAttributeCommand(cmdCtx *commandContext) *cobra.Command {
	var assignedBy string

	cmd := &cobra.Command{
		Use:   "attribute",
		Short: "Classify unattributed differences",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := cmdCtx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			engine := recon.NewAttributionEngine(store, cmdCtx.logger)
			if assignedBy != "" {
				engine.AssignedBy = assignedBy
			}
			_, err = engine.Run(cmd.Context())
			return err
		},
	}

	cmd.Flags().StringVar(&assignedBy, "assigned-by", "", "Assignor recorded on attributions (default: RULES_ENGINE_V1)")
	return cmd
}
