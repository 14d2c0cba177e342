package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	goduckdb "github.com/marcboeker/go-duckdb"

	"github.com/inodb/clinvar2vcf/internal/failure"
	"github.com/inodb/clinvar2vcf/internal/pipeline"
)

// Run is one row of the runs table.
type Run struct {
	ID        int64
	Input     string
	Reference string
	Assembly  string
	Policy    string
	Records   int64
	Variants  int64
	Filtered  int64
	Skipped   int64
}

// SkippedRecord is one row of the skipped_records table.
type SkippedRecord struct {
	RunID       int64
	Accession   string
	VariationID string
	Kind        string
	Message     string
	Offset      int64
}

// KindCount is the number of skipped records of one kind.
type KindCount struct {
	Kind  string
	Count int64
}

// WriteReport stores the run summary and every skipped record, returning the
// new run's ID. Skipped records are batch-inserted with the Appender API.
func (s *Store) WriteReport(info RunInfo, sum *pipeline.Summary, report *failure.Report) (int64, error) {
	ctx := context.Background()

	var runID int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(run_id), 0) + 1 FROM runs").Scan(&runID); err != nil {
		return 0, fmt.Errorf("allocate run id: %w", err)
	}

	var skipped []*failure.RecordError
	if report != nil {
		skipped = report.Skipped()
	}
	if sum == nil {
		sum = &pipeline.Summary{}
	}

	if _, err := s.db.ExecContext(ctx, `INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, info.Started, info.Finished,
		info.Input.Path, info.Input.Size, info.Input.ModTime,
		info.Reference, info.Assembly, sum.Policy.String(),
		int64(sum.Records), int64(sum.Variants), int64(sum.Filtered), int64(len(skipped)),
	); err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}

	if len(skipped) == 0 {
		return runID, nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("get connection: %w", err)
	}
	defer conn.Close()

	var appender *goduckdb.Appender
	if err := conn.Raw(func(driverConn any) error {
		var err error
		appender, err = goduckdb.NewAppenderFromConn(driverConn.(driver.Conn), "", "skipped_records")
		return err
	}); err != nil {
		return 0, fmt.Errorf("create appender: %w", err)
	}
	defer appender.Close()

	for _, e := range skipped {
		msg := ""
		if e.Err != nil {
			msg = e.Err.Error()
		}
		if err := appender.AppendRow(runID, e.Accession, e.VariationID, e.Kind.String(), msg, e.Offset); err != nil {
			return 0, fmt.Errorf("append skipped record: %w", err)
		}
	}

	if err := appender.Flush(); err != nil {
		return 0, fmt.Errorf("flush skipped records: %w", err)
	}
	return runID, nil
}

// Runs returns all stored runs, oldest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query(`SELECT
		run_id, input, reference, assembly, policy,
		records, variants, filtered, skipped
		FROM runs ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(
			&r.ID, &r.Input, &r.Reference, &r.Assembly, &r.Policy,
			&r.Records, &r.Variants, &r.Filtered, &r.Skipped,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// SkippedRecords returns the records skipped in run runID, in input order.
func (s *Store) SkippedRecords(runID int64) ([]SkippedRecord, error) {
	rows, err := s.db.Query(`SELECT
		run_id, accession, variation_id, kind, message, byte_offset
		FROM skipped_records
		WHERE run_id=?
		ORDER BY byte_offset`, runID)
	if err != nil {
		return nil, fmt.Errorf("query skipped records: %w", err)
	}
	defer rows.Close()

	var out []SkippedRecord
	for rows.Next() {
		var r SkippedRecord
		if err := rows.Scan(&r.RunID, &r.Accession, &r.VariationID, &r.Kind, &r.Message, &r.Offset); err != nil {
			return nil, fmt.Errorf("scan skipped record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate skipped records: %w", err)
	}
	return out, nil
}

// SkippedByKind tallies skipped records per kind across all runs, or for a
// single run when runID is positive.
func (s *Store) SkippedByKind(runID int64) ([]KindCount, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if runID > 0 {
		rows, err = s.db.Query(`SELECT kind, COUNT(*) FROM skipped_records
			WHERE run_id=? GROUP BY kind ORDER BY kind`, runID)
	} else {
		rows, err = s.db.Query(`SELECT kind, COUNT(*) FROM skipped_records
			GROUP BY kind ORDER BY kind`)
	}
	if err != nil {
		return nil, fmt.Errorf("query skipped kinds: %w", err)
	}
	defer rows.Close()

	var out []KindCount
	for rows.Next() {
		var kc KindCount
		if err := rows.Scan(&kc.Kind, &kc.Count); err != nil {
			return nil, fmt.Errorf("scan kind count: %w", err)
		}
		out = append(out, kc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kind counts: %w", err)
	}
	return out, nil
}
