package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/fibfire/internal/state"
	"github.com/RezaEskandarii/fibfire/internal/store"
	"github.com/RezaEskandarii/fibfire/types"
	"time"

	"github.com/lib/pq"
)

const settingColumns = `id, name, payload, status, last_error,
		       locked_by, locked_at, created_at,
		       last_run_at, next_run_at, is_active, expression`

type PostgresSettingStore struct {
	db *sql.DB
}

func NewPostgresSettingStore(db *sql.DB) *PostgresSettingStore {
	return &PostgresSettingStore{db: db}
}

func (r *PostgresSettingStore) AddOrUpdate(ctx context.Context, name string, expression string, nextRunAt time.Time, args ...any) (int64, error) {

	query := `
		INSERT INTO fibfire_schema.settings (name, next_run_at, payload, expression, created_at, updated_at, status)
		VALUES ($1, $2, $3, $4, now(), now(), $5)
		ON CONFLICT (name) DO UPDATE SET
			next_run_at = $2,
			payload = $3,
			updated_at = now(),
			expression = $4
		RETURNING id
	`

	payloadJSON, err := json.Marshal(args)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var settingID int64
	err = r.db.QueryRowContext(ctx, query, name, nextRunAt, payloadJSON, expression, state.StatusQueued).Scan(&settingID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert or update setting: %w", err)
	}

	return settingID, nil
}

func (r *PostgresSettingStore) GetByID(ctx context.Context, settingID int64) (*types.Setting, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+settingColumns+` FROM fibfire_schema.settings WHERE id = $1`, settingID)

	setting, err := scanSetting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSettingNotFound
	}
	if err != nil {
		return nil, err
	}
	return setting, nil
}

func (r *PostgresSettingStore) FetchDueSettings(ctx context.Context, page int, pageSize int) (*types.PaginationResult[types.Setting], error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	// Settings left in 'processing' longer than the TTL belong to a crashed
	// instance and are picked up again.
	where := fmt.Sprintf(`
		is_active = TRUE
		AND next_run_at <= now()
		AND (
			status = ANY($1)
			OR (status = 'processing' AND locked_at < now() - interval '%d minutes')
		)
	`, int(store.ProcessingLockTTL.Minutes()))

	statuses := pq.Array(schedulableStatuses())

	countQuery := `SELECT COUNT(*) FROM fibfire_schema.settings WHERE ` + where
	selectQuery := `SELECT ` + settingColumns + `
		FROM fibfire_schema.settings
		WHERE ` + where + ` ORDER BY next_run_at ASC LIMIT $2 OFFSET $3`

	var totalItems int
	if err := r.db.QueryRowContext(ctx, countQuery, statuses).Scan(&totalItems); err != nil {
		return nil, err
	}

	settings, err := r.querySettings(ctx, selectQuery, statuses, pageSize, offset)
	if err != nil {
		return nil, err
	}

	return types.NewPaginationResult(settings, totalItems, page, pageSize), nil
}

func (r *PostgresSettingStore) GetAll(ctx context.Context, page int, pageSize int, status state.JobStatus) (*types.PaginationResult[types.Setting], error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	var args []interface{}
	where := "TRUE"

	argIndex := 1
	if status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, status)
		argIndex++
	}

	countQuery := `SELECT COUNT(*) FROM fibfire_schema.settings WHERE ` + where
	selectQuery := fmt.Sprintf(`
		SELECT %s
		FROM fibfire_schema.settings
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, settingColumns, where, argIndex, argIndex+1)

	var totalItems int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalItems); err != nil {
		return nil, err
	}

	args = append(args, pageSize, offset)
	settings, err := r.querySettings(ctx, selectQuery, args...)
	if err != nil {
		return nil, err
	}

	return types.NewPaginationResult(settings, totalItems, page, pageSize), nil
}

func (r *PostgresSettingStore) CountAllGroupedByStatus(ctx context.Context) (map[state.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) AS count
		FROM fibfire_schema.settings
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[state.JobStatus]int)
	for rows.Next() {
		var status state.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, status := range state.AllStatuses {
		if _, ok := result[status]; !ok {
			result[status] = 0
		}
	}

	return result, nil
}

func (r *PostgresSettingStore) Complete(ctx context.Context, settingID int64, lockedBy string, status state.JobStatus, errMsg string, lastRunAt, nextRunAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE fibfire_schema.settings
		SET status = $1,
		    last_error = NULLIF($2, ''),
		    last_run_at = $3,
		    next_run_at = $4,
		    locked_at = NULL,
		    locked_by = NULL,
		    updated_at = now()
		WHERE id = $5
		  AND locked_by = $6
		  AND status = $7
	`, status, errMsg, lastRunAt, nextRunAt, settingID, lockedBy, state.StatusProcessing)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r *PostgresSettingStore) LockSetting(ctx context.Context, settingID int64, lockedBy string) (bool, error) {

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE fibfire_schema.settings
		SET locked_at = NOW(),
		    locked_by = $1,
		    status = $2
		WHERE id = $3
		  AND ((status IN ($4, $5, $6, $7) AND next_run_at <= now())
		       OR (status = $2 AND locked_at < now() - interval '%d minutes'))
	`, int(store.ProcessingLockTTL.Minutes())),
		lockedBy, state.StatusProcessing, settingID,
		state.StatusQueued, state.StatusRetrying, state.StatusSucceeded, state.StatusFailed)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r *PostgresSettingStore) Activate(ctx context.Context, settingID int64) error {
	return r.executeChangeActivateQuery(ctx, settingID, true)
}

func (r *PostgresSettingStore) DeActivate(ctx context.Context, settingID int64) error {
	return r.executeChangeActivateQuery(ctx, settingID, false)
}

func (r *PostgresSettingStore) executeChangeActivateQuery(ctx context.Context, settingID int64, isActive bool) error {
	query := `
	UPDATE fibfire_schema.settings
	SET is_active = $1
	WHERE id = $2;
	`
	_, err := r.db.ExecContext(ctx, query, isActive, settingID)
	return err
}

func (r *PostgresSettingStore) Close() error {
	return r.db.Close()
}

func (r *PostgresSettingStore) querySettings(ctx context.Context, query string, args ...any) ([]types.Setting, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []types.Setting
	for rows.Next() {
		setting, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings = append(settings, *setting)
	}
	return settings, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSetting(row rowScanner) (*types.Setting, error) {
	var s types.Setting
	err := row.Scan(
		&s.ID, &s.Name, &s.Payload, &s.Status, &s.LastError,
		&s.LockedBy, &s.LockedAt, &s.CreatedAt,
		&s.LastRunAt, &s.NextRunAt, &s.IsActive, &s.Expression,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func schedulableStatuses() []string {
	var statuses []string
	for _, status := range state.AllStatuses {
		if status.IsSchedulable() {
			statuses = append(statuses, status.String())
		}
	}
	return statuses
}
