// Package duckdb stores per-run conversion diagnostics in DuckDB.
// Each run gets one row in runs; records dropped under the lenient policy are
// appended to skipped_records so they can be queried after the fact.
package duckdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb"
)

// Store manages a DuckDB connection for run reports.
type Store struct {
	db *sql.DB
}

// Open opens or creates a DuckDB database at the given path.
// Use an empty string for an in-memory database.
func Open(path string) (*Store, error) {
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create report directory: %w", err)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ensureSchema creates tables if they don't exist.
func (s *Store) ensureSchema() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		run_id BIGINT PRIMARY KEY,
		started TIMESTAMP,
		finished TIMESTAMP,
		input VARCHAR,
		input_size BIGINT,
		input_mtime TIMESTAMP,
		reference VARCHAR,
		assembly VARCHAR,
		policy VARCHAR,
		records BIGINT,
		variants BIGINT,
		filtered BIGINT,
		skipped BIGINT
	)`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS skipped_records (
		run_id BIGINT,
		accession VARCHAR,
		variation_id VARCHAR,
		kind VARCHAR,
		message VARCHAR,
		byte_offset BIGINT
	)`)
	return err
}
