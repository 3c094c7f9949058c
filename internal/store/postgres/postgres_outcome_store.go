package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"github.com/RezaEskandarii/fibfire/internal/backoff"
	"github.com/RezaEskandarii/fibfire/types"
	"time"
)

const insertOutcomeQuery = `
	INSERT INTO fibfire_schema.job_outcomes (setting_id, success, error, created_at)
	VALUES ($1, $2, $3, $4)
	RETURNING id
`

// offsetHoursQuery is the in-database form of backoff.ComputeOffsetHours.
// The running bool_and over the most recent outcomes stays true only while
// every row so far is a failure, so counting the true rows gives the failure
// seed. The recursive fib CTE carries greatest(a, b) alongside the sum.
// sqlmock only matches the text; the integration-tagged tests run it against
// a live Postgres and compare with backoff.ComputeOffsetHours.
var offsetHoursQuery = fmt.Sprintf(`
	WITH RECURSIVE recent AS (
		SELECT success,
		       row_number() OVER (ORDER BY created_at DESC, id DESC) AS rn
		FROM fibfire_schema.job_outcomes
		WHERE setting_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT %[1]d
	),
	streak AS (
		SELECT bool_and(NOT success) OVER (ORDER BY rn ROWS BETWEEN UNBOUNDED PRECEDING AND CURRENT ROW) AS all_failed
		FROM recent
	),
	seed AS (
		SELECT COUNT(*) FILTER (WHERE all_failed) AS n FROM streak
	),
	fib (i, a, b) AS (
		SELECT 0, 0, 1
		UNION ALL
		SELECT i + 1, greatest(a, b), a + b FROM fib WHERE i < %[1]d
	)
	SELECT fib.a FROM fib JOIN seed ON fib.i = seed.n
`, backoff.MaxFailureSeed)

type PostgresOutcomeStore struct {
	db *sql.DB
}

func NewPostgresOutcomeStore(db *sql.DB) *PostgresOutcomeStore {
	return &PostgresOutcomeStore{db: db}
}

func (r *PostgresOutcomeStore) RecordOutcome(ctx context.Context, outcome types.JobOutcome) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, insertOutcomeQuery, outcomeArgs(outcome)...).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert job outcome: %w", err)
	}
	return id, nil
}

func (r *PostgresOutcomeStore) RecordOutcomes(ctx context.Context, outcomes []types.JobOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, outcome := range outcomes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fibfire_schema.job_outcomes (setting_id, success, error, created_at)
			VALUES ($1, $2, $3, $4)
		`, outcomeArgs(outcome)...); err != nil {
			return fmt.Errorf("failed to insert job outcome for setting %d: %w", outcome.SettingID, err)
		}
	}

	return tx.Commit()
}

func (r *PostgresOutcomeStore) RecentOutcomes(ctx context.Context, settingID int64, limit int) ([]types.JobOutcome, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, setting_id, success, COALESCE(error, ''), created_at
		FROM fibfire_schema.job_outcomes
		WHERE setting_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, settingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []types.JobOutcome
	for rows.Next() {
		var o types.JobOutcome
		if err := rows.Scan(&o.ID, &o.SettingID, &o.Success, &o.Error, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// OffsetHours computes the backoff offset for a setting without loading its history.
func (r *PostgresOutcomeStore) OffsetHours(ctx context.Context, settingID int64) (int, error) {
	var hours int
	if err := r.db.QueryRowContext(ctx, offsetHoursQuery, settingID).Scan(&hours); err != nil {
		return 0, fmt.Errorf("compute offset hours: %w", err)
	}
	return hours, nil
}

func outcomeArgs(o types.JobOutcome) []any {
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var errMsg sql.NullString
	if o.Error != "" {
		errMsg = sql.NullString{String: o.Error, Valid: true}
	}
	return []any{o.SettingID, o.Success, errMsg, createdAt}
}
