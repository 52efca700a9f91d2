package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/conformance/internal/eventlog"
	"github.com/roach88/conformance/internal/testinfo"
)

const testColumns = `id, test_name, display_name, owner, config, created, status, result, exposed`

// GetTest returns the record of test id, or testinfo.ErrNotFound.
func (s *Store) GetTest(ctx context.Context, id string) (testinfo.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+testColumns+` FROM tests WHERE id = ?`, id)
	rec, err := scanTest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return testinfo.Record{}, testinfo.ErrNotFound
	}
	if err != nil {
		return testinfo.Record{}, fmt.Errorf("get test: %w", err)
	}
	return rec, nil
}

// ListTests returns every record, oldest first.
// Ties on created are broken by id so the order is stable.
func (s *Store) ListTests(ctx context.Context) ([]testinfo.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+testColumns+`
		FROM tests
		ORDER BY created ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query tests: %w", err)
	}
	defer rows.Close()

	records := []testinfo.Record{}
	for rows.Next() {
		rec, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tests: %w", err)
	}
	return records, nil
}

// Events returns the audit trail of testID in sequence order.
//
// Returns an empty slice (not nil) if the test logged nothing.
func (s *Store) Events(ctx context.Context, testID string) ([]eventlog.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT test_id, seq, src, time, block_id, args
		FROM events
		WHERE test_id = ?
		ORDER BY seq ASC
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	entries := []eventlog.Entry{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return entries, nil
}

// Canonical renders the stored trail of testID like eventlog.Memory does,
// so a persisted run can be compared with a golden file.
func (s *Store) Canonical(ctx context.Context, testID string) ([]byte, error) {
	entries, err := s.Events(ctx, testID)
	if err != nil {
		return nil, err
	}
	return eventlog.CanonicalTrail(testID, entries)
}

// CountEvents returns how many entries testID has logged.
func (s *Store) CountEvents(ctx context.Context, testID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE test_id = ?`, testID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTest(row scanner) (testinfo.Record, error) {
	var (
		rec                         testinfo.Record
		configJSON, created         string
		status, result, exposedJSON string
	)
	if err := row.Scan(&rec.ID, &rec.TestName, &rec.DisplayName, &rec.Owner, &configJSON, &created, &status, &result, &exposedJSON); err != nil {
		return testinfo.Record{}, err
	}

	var err error
	if rec.Config, err = unmarshalObject(configJSON); err != nil {
		return testinfo.Record{}, fmt.Errorf("test %s config: %w", rec.ID, err)
	}
	if rec.Exposed, err = unmarshalStrings(exposedJSON); err != nil {
		return testinfo.Record{}, fmt.Errorf("test %s exposed: %w", rec.ID, err)
	}
	if rec.Created, err = parseTime(created); err != nil {
		return testinfo.Record{}, fmt.Errorf("test %s: %w", rec.ID, err)
	}
	rec.Status = testinfo.Status(status)
	rec.Result = testinfo.Result(result)
	return rec, nil
}

func scanEvent(row scanner) (eventlog.Entry, error) {
	var (
		e            eventlog.Entry
		ts, argsJSON string
	)
	if err := row.Scan(&e.TestID, &e.Seq, &e.Source, &ts, &e.BlockID, &argsJSON); err != nil {
		return eventlog.Entry{}, fmt.Errorf("scan event: %w", err)
	}

	var err error
	if e.Time, err = parseTime(ts); err != nil {
		return eventlog.Entry{}, fmt.Errorf("event %s/%d: %w", e.TestID, e.Seq, err)
	}
	if e.Args, err = unmarshalObject(argsJSON); err != nil {
		return eventlog.Entry{}, fmt.Errorf("event %s/%d: %w", e.TestID, e.Seq, err)
	}
	if e.Args == nil {
		e.Args = map[string]any{}
	}
	return e, nil
}
