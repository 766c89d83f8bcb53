/*
main.go - Application entry point

PURPOSE:
  Entry point for the reconciliation engine CLI. Every stage of the
  pipeline and the API server are subcommands of one binary so
  deployments ship a single artifact.

SUBCOMMANDS:
  serve      Run the HTTP API server
  ingest     Load, normalize and align two sources for a batch date
  diff       Compare the aligned records of a run
  attribute  Classify unattributed differences

COMMON FLAGS:
  --db         SQLite database path (default: recon.db, or RECON_DB_PATH)
  --log-level  Logging level (default: info)
  --log-json   Emit JSON logs instead of text

ENVIRONMENT:
  A local .env file is loaded at startup when present. Recognized:
    RECON_DB_PATH  Database path (flag wins)
    PORT           HTTP port for serve (flag wins)

EXAMPLES:
  # Full pipeline for one batch
  ./recon ingest --config ./config/job_fx_trades.yaml
  ./recon diff
  ./recon attribute

  # Serve the review workbench API
  ./recon serve --port 8080 --db ./data/recon.db

SEE ALSO:
  - root.go: Command wiring and shared dependencies
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
