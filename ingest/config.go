/*
Package ingest loads two source extracts, normalizes them against a shared
canonical schema and aligns them into record pairs ready for comparison.

PURPOSE:
  Everything upstream of the differ: job configuration, source fetching,
  field mapping, normalization rules and the outer-join alignment that
  pairs records from the two systems by their shared business key.

JOB CONFIGURATION:
  A job is described by a YAML file. Each source carries its own field
  mapping (source column -> canonical field); normalization rules are
  global to the job so both sides converge on the same shape:

    job_name: fx_trades_daily
    join_key: transaction_id
    source_a:
      name: TRADING_SYSTEM
      type: csv
      connection:
        path: ./data/source_a.csv
      mapping:
        TradeRef: transaction_id
        TradeAmount: amount
    source_b:
      name: SETTLEMENT_SYSTEM
      type: sql
      connection:
        driver: sqlite3
        dsn: ./data/settlement.db
        query: SELECT * FROM trades WHERE trade_date = '${BATCH_DATE}'
      mapping:
        txn_id: transaction_id
        settled_amount: amount
    normalization_rules:
      uppercase_strings: true
      date_format: "2006-01-02"
      date_fields: [trade_date, settlement_date]

SEE ALSO:
  - ingest/source.go:    Source fetchers (csv, sql)
  - ingest/engine.go:    Run lifecycle and alignment
  - recon/pipeline.go:   The downstream diff and attribution stages
*/
package ingest

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// SourceConfig describes one side of a reconciliation job.
type SourceConfig struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"`
	Connection ConnectionConfig  `yaml:"connection"`
	Mapping    map[string]string `yaml:"mapping"`
}

// ConnectionConfig holds source-type-specific connection settings. Only
// the fields relevant to the source type are read.
type ConnectionConfig struct {
	Path   string `yaml:"path"`   // csv
	Driver string `yaml:"driver"` // sql
	DSN    string `yaml:"dsn"`    // sql
	Query  string `yaml:"query"`  // sql
}

// NormalizationRules are applied to both sides after mapping.
type NormalizationRules struct {
	UppercaseStrings bool     `yaml:"uppercase_strings"`
	DateFormat       string   `yaml:"date_format"`
	DateFields       []string `yaml:"date_fields"`
}

// JobConfig is the full description of a reconciliation job.
type JobConfig struct {
	JobName            string             `yaml:"job_name"`
	JoinKey            string             `yaml:"join_key"`
	SourceA            SourceConfig       `yaml:"source_a"`
	SourceB            SourceConfig       `yaml:"source_b"`
	NormalizationRules NormalizationRules `yaml:"normalization_rules"`
}

// LoadJobConfig reads and validates a job configuration file.
func LoadJobConfig(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job config: %w", err)
	}

	var cfg JobConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse job config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural requirements of a job configuration.
func (c *JobConfig) Validate() error {
	if c.JobName == "" {
		return fmt.Errorf("job config: job_name is required")
	}
	if c.JoinKey == "" {
		return fmt.Errorf("job config: join_key is required")
	}
	for _, side := range []struct {
		label string
		src   SourceConfig
	}{
		{"source_a", c.SourceA},
		{"source_b", c.SourceB},
	} {
		if side.src.Name == "" {
			return fmt.Errorf("job config: %s.name is required", side.label)
		}
		if len(side.src.Mapping) == 0 {
			return fmt.Errorf("job config: %s.mapping is required", side.label)
		}
		joinMapped := false
		for _, canonical := range side.src.Mapping {
			if canonical == c.JoinKey {
				joinMapped = true
				break
			}
		}
		if !joinMapped {
			return fmt.Errorf("job config: %s.mapping does not map any column to join key %q", side.label, c.JoinKey)
		}
		switch side.src.Type {
		case "csv":
			if side.src.Connection.Path == "" {
				return fmt.Errorf("job config: %s.connection.path is required for csv sources", side.label)
			}
		case "sql":
			if side.src.Connection.Driver == "" || side.src.Connection.DSN == "" || side.src.Connection.Query == "" {
				return fmt.Errorf("job config: %s.connection needs driver, dsn and query for sql sources", side.label)
			}
		default:
			return fmt.Errorf("job config: unsupported source type %q for %s", side.src.Type, side.label)
		}
	}
	return nil
}
