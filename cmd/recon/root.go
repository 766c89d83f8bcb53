package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/recon-engine/store/sqlite"
)

// commandContext carries the dependencies shared by all subcommands.
type commandContext struct {
	dbFlag       string
	logLevelFlag string
	logJSONFlag  bool

	logger *logrus.Logger
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "recon",
		Short:         "Financial reconciliation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is fine; explicit env vars still apply.
			_ = godotenv.Load()
			return ctx.setupLogger()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.dbFlag, "db", "", "SQLite database path (default: recon.db)")
	rootCmd.PersistentFlags().StringVar(&ctx.logLevelFlag, "log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&ctx.logJSONFlag, "log-json", false, "Emit JSON logs")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newIngestCommand(ctx))
	rootCmd.AddCommand(newDiffCommand(ctx))
	rootCmd.AddCommand(newAttributeCommand(ctx))

	return rootCmd
}

func (c *commandContext) setupLogger() error {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(c.logLevelFlag)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.logLevelFlag, err)
	}
	log.SetLevel(level)

	if c.logJSONFlag {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	c.logger = log
	return nil
}

// dbPath resolves the database path: flag, then environment, then default.
func (c *commandContext) dbPath() string {
	if c.dbFlag != "" {
		return c.dbFlag
	}
	if env := os.Getenv("RECON_DB_PATH"); env != "" {
		return env
	}
	return "recon.db"
}

func (c *commandContext) openStore() (*sqlite.Store, error) {
	store, err := sqlite.New(c.dbPath())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}
