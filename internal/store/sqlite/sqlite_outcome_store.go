package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"github.com/RezaEskandarii/fibfire/types"
	"time"
)

const insertOutcomeQuery = `INSERT INTO job_outcomes (setting_id, success, error, created_at) VALUES (?, ?, ?, ?)`

type SQLiteOutcomeStore struct {
	db *sql.DB
}

func NewSQLiteOutcomeStore(db *sql.DB) *SQLiteOutcomeStore {
	return &SQLiteOutcomeStore{db: db}
}

func (r *SQLiteOutcomeStore) RecordOutcome(ctx context.Context, outcome types.JobOutcome) (int64, error) {
	res, err := r.db.ExecContext(ctx, insertOutcomeQuery, outcomeArgs(outcome)...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert job outcome: %w", err)
	}
	return res.LastInsertId()
}

func (r *SQLiteOutcomeStore) RecordOutcomes(ctx context.Context, outcomes []types.JobOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertOutcomeQuery)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, outcome := range outcomes {
		if _, err := stmt.ExecContext(ctx, outcomeArgs(outcome)...); err != nil {
			return fmt.Errorf("failed to insert job outcome for setting %d: %w", outcome.SettingID, err)
		}
	}

	return tx.Commit()
}

func (r *SQLiteOutcomeStore) RecentOutcomes(ctx context.Context, settingID int64, limit int) ([]types.JobOutcome, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, setting_id, success, COALESCE(error, ''), created_at
		FROM job_outcomes
		WHERE setting_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, settingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []types.JobOutcome
	for rows.Next() {
		var (
			o         types.JobOutcome
			createdAt int64
		)
		if err := rows.Scan(&o.ID, &o.SettingID, &o.Success, &o.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scan job outcome: %w", err)
		}
		o.CreatedAt = fromNanos(createdAt)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func outcomeArgs(o types.JobOutcome) []any {
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var errMsg sql.NullString
	if o.Error != "" {
		errMsg = sql.NullString{String: o.Error, Valid: true}
	}
	return []any{o.SettingID, o.Success, errMsg, nanos(createdAt)}
}
