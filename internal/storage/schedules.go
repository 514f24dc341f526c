package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/t77yq/chansync/internal/model"
)

const scheduleColumns = `id, owner_id, channel_id, cron_expression, active, last_run_at, next_run_at,
	run_count, max_runs, settings, created_at, updated_at`

// CreateSchedule implements ScheduleStore.CreateSchedule
func (s *SQLite) CreateSchedule(ctx context.Context, schedule *model.Schedule) error {
	settings, err := marshalJSON(schedule.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID,
		schedule.OwnerID,
		schedule.ChannelID,
		schedule.CronExpression,
		schedule.Active,
		nullTime(schedule.LastRunAt),
		nullTime(schedule.NextRunAt),
		schedule.RunCount,
		nullInt(schedule.MaxRuns),
		settings,
		schedule.CreatedAt.UTC(),
		schedule.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// GetSchedule implements ScheduleStore.GetSchedule
func (s *SQLite) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("schedule", id)
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return schedule, nil
}

// UpdateSchedule implements ScheduleStore.UpdateSchedule. The write only
// applies while run_count still equals schedule.RunCount.
func (s *SQLite) UpdateSchedule(ctx context.Context, schedule *model.Schedule) error {
	settings, err := marshalJSON(schedule.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule settings: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET
			cron_expression = ?,
			active = ?,
			next_run_at = ?,
			max_runs = ?,
			settings = ?,
			updated_at = ?
		WHERE id = ? AND run_count = ?`,
		schedule.CronExpression,
		schedule.Active,
		nullTime(schedule.NextRunAt),
		nullInt(schedule.MaxRuns),
		settings,
		schedule.UpdatedAt.UTC(),
		schedule.ID,
		schedule.RunCount,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM schedules WHERE id = ?`, schedule.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("schedule", schedule.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to check schedule: %w", err)
	}
	return ErrStaleSchedule
}

// DeleteSchedule implements ScheduleStore.DeleteSchedule
func (s *SQLite) DeleteSchedule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return checkAffected(result, "schedule", id)
}

// ListActiveSchedules implements ScheduleStore.ListActiveSchedules
func (s *SQLite) ListActiveSchedules(ctx context.Context) ([]*model.Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE active = 1 ORDER BY created_at`)
}

// ListSchedulesByOwner implements ScheduleStore.ListSchedulesByOwner
func (s *SQLite) ListSchedulesByOwner(ctx context.Context, ownerID string) ([]*model.Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE owner_id = ? ORDER BY created_at`, ownerID)
}

// SetScheduleActive implements ScheduleStore.SetScheduleActive
func (s *SQLite) SetScheduleActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET active = ?, updated_at = ? WHERE id = ?`,
		active, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set schedule active: %w", err)
	}
	return checkAffected(result, "schedule", id)
}

// RecordScheduleRun implements ScheduleStore.RecordScheduleRun
func (s *SQLite) RecordScheduleRun(ctx context.Context, run ScheduleRun) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET
			run_count = run_count + 1,
			last_run_at = ?,
			next_run_at = ?,
			active = active AND ?,
			updated_at = ?
		WHERE id = ? AND run_count = ?`,
		run.RanAt.UTC(),
		nullTime(run.NextRunAt),
		run.Active,
		run.RanAt.UTC(),
		run.ScheduleID,
		run.ExpectedRunCount,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record schedule run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLite) querySchedules(ctx context.Context, query string, args ...any) ([]*model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*model.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return schedules, nil
}

func scanSchedule(row scanner) (*model.Schedule, error) {
	var schedule model.Schedule
	var lastRunAt, nextRunAt sql.NullTime
	var maxRuns sql.NullInt64
	var settings sql.NullString

	err := row.Scan(
		&schedule.ID,
		&schedule.OwnerID,
		&schedule.ChannelID,
		&schedule.CronExpression,
		&schedule.Active,
		&lastRunAt,
		&nextRunAt,
		&schedule.RunCount,
		&maxRuns,
		&settings,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	schedule.LastRunAt = timePtr(lastRunAt)
	schedule.NextRunAt = timePtr(nextRunAt)
	if maxRuns.Valid {
		n := int(maxRuns.Int64)
		schedule.MaxRuns = &n
	}
	if settings.Valid && settings.String != "" && settings.String != "null" {
		if err := json.Unmarshal([]byte(settings.String), &schedule.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schedule settings: %w", err)
		}
	}
	schedule.CreatedAt = schedule.CreatedAt.UTC()
	schedule.UpdatedAt = schedule.UpdatedAt.UTC()

	return &schedule, nil
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
