package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/fibfire/internal/state"
	"github.com/RezaEskandarii/fibfire/internal/store"
	"github.com/RezaEskandarii/fibfire/types"
	"strings"
	"time"
)

const settingColumns = `id, name, payload, status, last_error,
	locked_by, locked_at, created_at,
	last_run_at, next_run_at, is_active, expression`

// SQLiteSettingStore keeps settings in a local SQLite database for single-node deployments.
type SQLiteSettingStore struct {
	db *sql.DB
}

func NewSQLiteSettingStore(db *sql.DB) *SQLiteSettingStore {
	return &SQLiteSettingStore{db: db}
}

func (r *SQLiteSettingStore) AddOrUpdate(ctx context.Context, name string, expression string, nextRunAt time.Time, args ...any) (int64, error) {
	payloadJSON, err := json.Marshal(args)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := nanos(time.Now())
	var settingID int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO settings (name, next_run_at, payload, expression, created_at, updated_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			next_run_at = excluded.next_run_at,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			expression = excluded.expression
		RETURNING id
	`, name, nanos(nextRunAt), string(payloadJSON), expression, now, now, state.StatusQueued.String()).Scan(&settingID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert or update setting: %w", err)
	}
	return settingID, nil
}

func (r *SQLiteSettingStore) GetByID(ctx context.Context, settingID int64) (*types.Setting, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+settingColumns+` FROM settings WHERE id = ?`, settingID)

	setting, err := scanSetting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSettingNotFound
	}
	if err != nil {
		return nil, err
	}
	return setting, nil
}

func (r *SQLiteSettingStore) FetchDueSettings(ctx context.Context, page int, pageSize int) (*types.PaginationResult[types.Setting], error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	statuses := schedulableStatuses()
	now := time.Now()
	where := `is_active = 1
		AND next_run_at <= ?
		AND (status IN (` + placeholders(len(statuses)) + `)
		     OR (status = ? AND locked_at < ?))`

	args := []any{nanos(now)}
	args = append(args, statuses...)
	args = append(args, nanos(now), state.StatusProcessing.String(), nanos(now.Add(-store.ProcessingLockTTL)))

	var totalItems int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM settings WHERE `+where, args...).Scan(&totalItems); err != nil {
		return nil, err
	}

	settings, err := r.querySettings(ctx, `SELECT `+settingColumns+` FROM settings WHERE `+where+
		` ORDER BY next_run_at ASC LIMIT ? OFFSET ?`, append(args, pageSize, offset)...)
	if err != nil {
		return nil, err
	}

	return types.NewPaginationResult(settings, totalItems, page, pageSize), nil
}

func (r *SQLiteSettingStore) GetAll(ctx context.Context, page int, pageSize int, status state.JobStatus) (*types.PaginationResult[types.Setting], error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	where := "1 = 1"
	var args []any
	if status != "" {
		where += " AND status = ?"
		args = append(args, status.String())
	}

	var totalItems int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM settings WHERE `+where, args...).Scan(&totalItems); err != nil {
		return nil, err
	}

	settings, err := r.querySettings(ctx, `SELECT `+settingColumns+` FROM settings WHERE `+where+
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, append(args, pageSize, offset)...)
	if err != nil {
		return nil, err
	}

	return types.NewPaginationResult(settings, totalItems, page, pageSize), nil
}

func (r *SQLiteSettingStore) CountAllGroupedByStatus(ctx context.Context) (map[state.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM settings GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[state.JobStatus]int)
	for _, status := range state.AllStatuses {
		result[status] = 0
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[state.JobStatus(status)] = count
	}
	return result, rows.Err()
}

func (r *SQLiteSettingStore) Complete(ctx context.Context, settingID int64, lockedBy string, status state.JobStatus, errMsg string, lastRunAt, nextRunAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE settings
		SET status = ?, last_error = NULLIF(?, ''), last_run_at = ?, next_run_at = ?,
		    locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ? AND locked_by = ? AND status = ?
	`, status.String(), errMsg, nanos(lastRunAt), nanos(nextRunAt), nanos(time.Now()),
		settingID, lockedBy, state.StatusProcessing.String())
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r *SQLiteSettingStore) LockSetting(ctx context.Context, settingID int64, lockedBy string) (bool, error) {
	statuses := schedulableStatuses()
	now := time.Now()

	args := []any{nanos(now), lockedBy, state.StatusProcessing.String(), settingID}
	args = append(args, statuses...)
	args = append(args, state.StatusProcessing.String(), nanos(now.Add(-store.ProcessingLockTTL)))

	res, err := r.db.ExecContext(ctx, `
		UPDATE settings
		SET locked_at = ?, locked_by = ?, status = ?
		WHERE id = ?
		  AND ((status IN (`+placeholders(len(statuses))+`) AND next_run_at <= ?)
		       OR (status = ? AND locked_at < ?))
	`, args...)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r *SQLiteSettingStore) Activate(ctx context.Context, settingID int64) error {
	return r.setActive(ctx, settingID, true)
}

func (r *SQLiteSettingStore) DeActivate(ctx context.Context, settingID int64) error {
	return r.setActive(ctx, settingID, false)
}

func (r *SQLiteSettingStore) setActive(ctx context.Context, settingID int64, isActive bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE settings SET is_active = ? WHERE id = ?`, isActive, settingID)
	return err
}

func (r *SQLiteSettingStore) Close() error {
	return r.db.Close()
}

func (r *SQLiteSettingStore) querySettings(ctx context.Context, query string, args ...any) ([]types.Setting, error) {
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
	var (
		s                    types.Setting
		payload, status      string
		lockedBy             sql.NullString
		lockedAt, lastRunAt  sql.NullInt64
		createdAt, nextRunAt int64
	)
	err := row.Scan(
		&s.ID, &s.Name, &payload, &status, &s.LastError,
		&lockedBy, &lockedAt, &createdAt,
		&lastRunAt, &nextRunAt, &s.IsActive, &s.Expression,
	)
	if err != nil {
		return nil, err
	}

	s.Payload = json.RawMessage(payload)
	s.Status = state.JobStatus(status)
	if lockedBy.Valid {
		s.LockedBy = &lockedBy.String
	}
	s.LockedAt = nullableTime(lockedAt)
	s.CreatedAt = fromNanos(createdAt)
	s.LastRunAt = nullableTime(lastRunAt)
	s.NextRunAt = fromNanos(nextRunAt)
	return &s, nil
}

func schedulableStatuses() []any {
	var statuses []any
	for _, status := range state.AllStatuses {
		if status.IsSchedulable() {
			statuses = append(statuses, status.String())
		}
	}
	return statuses
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
