package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/chansync/internal/model"
)

// RunRecord is the persisted outcome of one sync job execution
type RunRecord struct {
	ID          string             `json:"id"`
	JobID       string             `json:"job_id"`
	ScheduleID  string             `json:"schedule_id,omitempty"`
	OwnerID     string             `json:"owner_id"`
	ChannelID   string             `json:"channel_id"`
	Trigger     model.JobTrigger   `json:"trigger"`
	Status      model.SyncStatus   `json:"status"`
	Kind        model.ErrorKind    `json:"kind,omitempty"`
	Error       string             `json:"error,omitempty"`
	Summary     *model.SyncSummary `json:"summary,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Duration    time.Duration      `json:"duration,omitempty"`
}

// RunFilter narrows ListRuns and CountRuns. Zero fields are ignored.
type RunFilter struct {
	ScheduleID string
	ChannelID  string
	OwnerID    string
	Status     model.SyncStatus
	Offset     int
	Limit      int
}

const runColumns = `id, job_id, schedule_id, owner_id, channel_id, trigger, status, kind, error,
	summary, started_at, completed_at, duration`

// StoreRun implements RunHistoryStore.StoreRun
func (s *SQLite) StoreRun(ctx context.Context, run *RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (
			id, job_id, schedule_id, owner_id, channel_id, trigger, status, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.JobID,
		sql.NullString{String: run.ScheduleID, Valid: run.ScheduleID != ""},
		run.OwnerID,
		run.ChannelID,
		run.Trigger,
		run.Status,
		run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

// UpdateRun implements RunHistoryStore.UpdateRun
func (s *SQLite) UpdateRun(ctx context.Context, run *RunRecord) error {
	var summary sql.NullString
	if run.Summary != nil {
		var err error
		if summary, err = marshalJSON(run.Summary); err != nil {
			return fmt.Errorf("failed to marshal run summary: %w", err)
		}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs SET
			status = ?,
			kind = ?,
			error = ?,
			summary = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		run.Status,
		sql.NullString{String: string(run.Kind), Valid: run.Kind != ""},
		sql.NullString{String: run.Error, Valid: run.Error != ""},
		summary,
		nullTime(run.CompletedAt),
		sql.NullInt64{Int64: int64(run.Duration), Valid: run.Duration != 0},
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return checkAffected(result, "run", run.ID)
}

// GetRun implements RunHistoryStore.GetRun
func (s *SQLite) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("run", id)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns implements RunHistoryStore.ListRuns
func (s *SQLite) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	where, args := filter.where()
	query := `SELECT ` + runColumns + ` FROM sync_runs` + where + ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// CountRuns implements RunHistoryStore.CountRuns
func (s *SQLite) CountRuns(ctx context.Context, filter RunFilter) (int, error) {
	where, args := filter.where()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_runs`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

// DeleteRunsBefore implements RunHistoryStore.DeleteRunsBefore
func (s *SQLite) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old run records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

func (f RunFilter) where() (string, []any) {
	var conds []string
	var args []any
	add := func(column, value string) {
		if value != "" {
			conds = append(conds, column+" = ?")
			args = append(args, value)
		}
	}
	add("schedule_id", f.ScheduleID)
	add("channel_id", f.ChannelID)
	add("owner_id", f.OwnerID)
	add("status", string(f.Status))

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanRun(row scanner) (*RunRecord, error) {
	var run RunRecord
	var scheduleID, kind, errorStr, summary sql.NullString
	var completedAt sql.NullTime
	var durationNanos sql.NullInt64

	err := row.Scan(
		&run.ID,
		&run.JobID,
		&scheduleID,
		&run.OwnerID,
		&run.ChannelID,
		&run.Trigger,
		&run.Status,
		&kind,
		&errorStr,
		&summary,
		&run.StartedAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		return nil, err
	}

	run.ScheduleID = scheduleID.String
	run.Kind = model.ErrorKind(kind.String)
	run.Error = errorStr.String
	if summary.Valid && summary.String != "" {
		run.Summary = &model.SyncSummary{}
		if err := json.Unmarshal([]byte(summary.String), run.Summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run summary: %w", err)
		}
	}
	run.StartedAt = run.StartedAt.UTC()
	run.CompletedAt = timePtr(completedAt)
	if durationNanos.Valid {
		run.Duration = time.Duration(durationNanos.Int64)
	}

	return &run, nil
}
