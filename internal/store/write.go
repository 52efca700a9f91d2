package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/conformance/internal/eventlog"
	"github.com/roach88/conformance/internal/testinfo"
)

// CreateTest inserts a test record. Empty status and result default to
// CREATED and UNKNOWN.
func (s *Store) CreateTest(ctx context.Context, rec testinfo.Record) error {
	if rec.Status == "" {
		rec.Status = testinfo.StatusCreated
	}
	if rec.Result == "" {
		rec.Result = testinfo.ResultUnknown
	}
	configJSON, err := marshalObject(rec.Config)
	if err != nil {
		return fmt.Errorf("create test: %w", err)
	}
	exposedJSON, err := marshalStrings(rec.Exposed)
	if err != nil {
		return fmt.Errorf("create test: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tests
		(id, test_name, display_name, owner, config, created, status, result, exposed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.TestName,
		rec.DisplayName,
		rec.Owner,
		configJSON,
		formatTime(rec.Created),
		string(rec.Status),
		string(rec.Result),
		exposedJSON,
	)
	if err != nil {
		return fmt.Errorf("create test: %w", err)
	}
	return nil
}

// UpdateTestStatus records the test's current status.
func (s *Store) UpdateTestStatus(ctx context.Context, id string, status testinfo.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tests SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update test status: %w", err)
	}
	return requireRow(res, "update test status")
}

// UpdateTestResult records the verdict. A verdict already set is kept:
// the update only applies while the stored result is UNKNOWN.
func (s *Store) UpdateTestResult(ctx context.Context, id string, result testinfo.Result) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tests SET result = ?
		WHERE id = ? AND result = ?
	`, string(result), id, string(testinfo.ResultUnknown))
	if err != nil {
		return fmt.Errorf("update test result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update test result: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	// Either the result was already set or the test does not exist.
	if _, err := s.GetTest(ctx, id); err != nil {
		return err
	}
	return nil
}

// UpdateTestConfig records the configuration the test was started with.
func (s *Store) UpdateTestConfig(ctx context.Context, id string, config map[string]any) error {
	configJSON, err := marshalObject(config)
	if err != nil {
		return fmt.Errorf("update test config: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tests SET config = ? WHERE id = ?`, configJSON, id)
	if err != nil {
		return fmt.Errorf("update test config: %w", err)
	}
	return requireRow(res, "update test config")
}

// UpdateTestExposed replaces the test's exposed values.
func (s *Store) UpdateTestExposed(ctx context.Context, id string, exposed map[string]string) error {
	exposedJSON, err := marshalStrings(exposed)
	if err != nil {
		return fmt.Errorf("update exposed values: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tests SET exposed = ? WHERE id = ?`, exposedJSON, id)
	if err != nil {
		return fmt.Errorf("update exposed values: %w", err)
	}
	return requireRow(res, "update exposed values")
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, testinfo.ErrNotFound)
	}
	return nil
}

// Append inserts an audit entry.
// Uses ON CONFLICT(test_id, seq) DO NOTHING for idempotency - an entry
// written twice is stored once.
//
// Args are serialized to canonical JSON.
//
// Note: The test referenced by TestID must exist (foreign key constraint).
func (s *Store) Append(ctx context.Context, e eventlog.Entry) error {
	argsJSON, err := marshalObject(e.Args)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(test_id, seq, src, time, block_id, args)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(test_id, seq) DO NOTHING
	`,
		e.TestID,
		e.Seq,
		e.Source,
		formatTime(e.Time),
		e.BlockID,
		argsJSON,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// DeleteTest removes a test and its audit trail in one transaction.
func (s *Store) DeleteTest(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete test: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE test_id = ?`, id); err != nil {
		return fmt.Errorf("delete test: events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete test: %w", err)
	}
	if err := requireRow(res, "delete test"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete test: commit: %w", err)
	}
	return nil
}
