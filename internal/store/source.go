// Package store loads application records into the Sender's set (CSV or
// Postgres) and encodes them into the felts a SenderDB insert expects.
// Dumping and loading SenderDB state lives in internal/sender (persist.go).
// Grounded on the teacher's internal/db package (Database interface,
// CSVDatabase, PostgresDatabase), generalized from a fixed two-column
// key/value shape into arbitrary named columns selected by config.
package store

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	_ "github.com/lib/pq"
)

// Source enumerates records in stable order, mirroring the teacher's
// internal/db.Database.List.
type Source interface {
	// List returns up to size records starting at start. An empty slice
	// with a nil error signals end of data.
	List(start, size int) ([]map[string]string, error)
}

// CSVSource reads an entire CSV file into memory, keyed by its header row,
// generalizing the teacher's CSVDatabase (which hardcoded a two-column
// key/value shape) to arbitrary named columns.
type CSVSource struct {
	header []string
	rows   []map[string]string
}

// NewCSVSource reads path, whose first row must be a header naming every
// column referenced by config (the item's key fields and, in labeled mode,
// its label field).
func NewCSVSource(path string) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", path, err)
	}
	if len(records) == 0 {
		return &CSVSource{}, nil
	}

	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return &CSVSource{header: header, rows: rows}, nil
}

// List implements Source.
func (s *CSVSource) List(start, size int) ([]map[string]string, error) {
	if start < 0 || start >= len(s.rows) {
		return nil, nil
	}
	end := min(start+size, len(s.rows))
	return s.rows[start:end], nil
}

// PostgresSource streams rows of one table, generalizing the teacher's
// PostgresDatabase (which used reflection to pull a config struct apart)
// with a plain field list passed explicitly by the caller.
type PostgresSource struct {
	db      *sql.DB
	table   string
	columns []string
}

// NewPostgresSource opens a connection and loads columns's values from
// table (columns also determines SELECT order/selection).
func NewPostgresSource(host string, port int, user, password, dbname, table string, columns []string) (*PostgresSource, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=require",
		host, port, user, password, dbname)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: opening postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pinging postgres: %w", err)
	}
	return &PostgresSource{db: db, table: table, columns: columns}, nil
}

// List implements Source via LIMIT/OFFSET pagination.
func (s *PostgresSource) List(start, size int) ([]map[string]string, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT $1 OFFSET $2",
		strings.Join(s.columns, ", "), s.table, s.columns[0])
	rows, err := s.db.Query(query, size, start)
	if err != nil {
		return nil, fmt.Errorf("store: querying %s: %w", s.table, err)
	}
	defer rows.Close()

	var out []map[string]string
	for rows.Next() {
		values := make([]interface{}, len(s.columns))
		ptrs := make([]interface{}, len(s.columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("store: scanning row: %w", err)
		}
		row := make(map[string]string, len(s.columns))
		for i, col := range s.columns {
			if values[i] != nil {
				row[col] = fmt.Sprintf("%v", values[i])
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating rows: %w", err)
	}
	return out, nil
}

// Close releases the underlying connection.
func (s *PostgresSource) Close() error { return s.db.Close() }
