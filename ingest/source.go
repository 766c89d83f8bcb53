package ingest

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Row is one raw source row keyed by source column name. Values keep
// their fetched representation; normalization canonicalizes them.
type Row map[string]any

// fetchSource dispatches to the fetcher for the configured source type.
// batchDate substitutes ${BATCH_DATE} in sql queries.
func fetchSource(ctx context.Context, src SourceConfig, batchDate time.Time) ([]Row, error) {
	switch src.Type {
	case "csv":
		return fetchCSV(src.Connection.Path)
	case "sql":
		return fetchSQL(ctx, src.Connection, batchDate)
	default:
		return nil, fmt.Errorf("unsupported source type: %s", src.Type)
	}
}

func fetchCSV(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv source: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	var rows []Row
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row: %w", err)
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(fields) {
				row[col] = fields[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func fetchSQL(ctx context.Context, conn ConnectionConfig, batchDate time.Time) ([]Row, error) {
	db, err := sql.Open(conn.Driver, conn.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql source: %w", err)
	}
	defer db.Close()

	query := strings.ReplaceAll(conn.Query, "${BATCH_DATE}", batchDate.Format("2006-01-02"))

	dbRows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sql source: %w", err)
	}
	defer dbRows.Close()

	cols, err := dbRows.Columns()
	if err != nil {
		return nil, err
	}

	var rows []Row
	for dbRows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := dbRows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan sql row: %w", err)
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			switch v := values[i].(type) {
			case nil:
				// absent fields are simply omitted
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, dbRows.Err()
}
