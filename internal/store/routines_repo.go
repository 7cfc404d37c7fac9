package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"agentcrew/internal/core"
)

const routineColumns = `r.id, r.user_id, r.agent_id, r.name, r.type, r.frequency, r.status, r.config,
	r.last_run_at, r.next_run_at, r.created_at, r.updated_at`

func (s *Store) CreateRoutine(ctx context.Context, routine *core.Routine) error {
	if _, err := s.GetAgent(ctx, routine.UserID, routine.AgentID); err != nil {
		return fmt.Errorf("routine owner: %w", err)
	}
	now := s.now()
	routine.CreatedAt = now
	routine.UpdatedAt = now
	if routine.Status == "" {
		routine.Status = core.RoutineStatusActive
	}
	cfg, err := encodeJSON(routine.Config)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO routines (id, user_id, agent_id, name, type, frequency, status, config, last_run_at, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nullableID(routine.ID), routine.UserID, routine.AgentID, routine.Name, routine.Type, routine.Frequency,
		routine.Status, cfg, nullableTime(routine.LastRunAt), nullableTime(routine.NextRunAt),
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert routine: %w", err)
	}
	if routine.ID == 0 {
		if routine.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("routine id: %w", err)
		}
	}
	return nil
}

// UpdateRoutine writes the editable routine fields, including next_run_at so
// callers can reschedule or pause.
func (s *Store) UpdateRoutine(ctx context.Context, routine *core.Routine) error {
	routine.UpdatedAt = s.now()
	cfg, err := encodeJSON(routine.Config)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE routines
		SET name = ?, type = ?, frequency = ?, status = ?, config = ?, next_run_at = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, routine.Name, routine.Type, routine.Frequency, routine.Status, cfg, nullableTime(routine.NextRunAt),
		formatTime(routine.UpdatedAt), routine.ID, routine.UserID)
	if err != nil {
		return fmt.Errorf("update routine: %w", err)
	}
	return checkAffected(res, "routine", routine.ID)
}

func (s *Store) DeleteRoutine(ctx context.Context, userID string, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM routines WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete routine: %w", err)
	}
	return checkAffected(res, "routine", id)
}

func (s *Store) GetRoutine(ctx context.Context, userID string, id int64) (*core.Routine, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+routineColumns+` FROM routines r WHERE r.id = ? AND r.user_id = ?`, id, userID)
	routine, err := scanRoutine(row)
	if err != nil {
		return nil, notFound(err, "routine", id)
	}
	return routine, nil
}

func (s *Store) ListRoutines(ctx context.Context, userID string, filter core.RoutineFilter) ([]*core.Routine, error) {
	where := []string{"r.user_id = ?"}
	args := []any{userID}
	if filter.AgentID != nil {
		where = append(where, "r.agent_id = ?")
		args = append(args, *filter.AgentID)
	}
	if filter.Status != nil {
		where = append(where, "r.status = ?")
		args = append(args, *filter.Status)
	}
	return s.queryRoutines(ctx, `SELECT `+routineColumns+` FROM routines r WHERE `+strings.Join(where, " AND ")+` ORDER BY r.id`, args...)
}

// ListDueRoutines returns active non-manual routines of active agents whose
// next run is due, plus those that have never run nor been scheduled.
func (s *Store) ListDueRoutines(ctx context.Context, now time.Time, limit int) ([]*core.Routine, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRoutines(ctx, `
		SELECT `+routineColumns+`
		FROM routines r
		JOIN agents a ON a.id = r.agent_id
		WHERE r.status = ? AND r.frequency != ? AND a.status = ?
			AND (r.next_run_at <= ? OR (r.next_run_at IS NULL AND r.last_run_at IS NULL))
		ORDER BY COALESCE(r.next_run_at, r.created_at), r.id
		LIMIT ?
	`, core.RoutineStatusActive, core.FrequencyManual, core.AgentStatusActive, formatTime(now), limit)
}

func (s *Store) UpdateRoutineRunTimes(ctx context.Context, userID string, id int64, lastRunAt time.Time, nextRunAt *time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE routines
		SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, formatTime(lastRunAt), nullableTime(nextRunAt), formatTime(s.now()), id, userID)
	if err != nil {
		return fmt.Errorf("update routine run times: %w", err)
	}
	return checkAffected(res, "routine", id)
}

func (s *Store) queryRoutines(ctx context.Context, query string, args ...any) ([]*core.Routine, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query routines: %w", err)
	}
	defer rows.Close()
	var routines []*core.Routine
	for rows.Next() {
		routine, err := scanRoutine(rows)
		if err != nil {
			return nil, err
		}
		routines = append(routines, routine)
	}
	return routines, rows.Err()
}

func scanRoutine(row scanner) (*core.Routine, error) {
	var (
		r         core.Routine
		typ       string
		freq      string
		status    string
		cfg       string
		lastRun   sql.NullString
		nextRun   sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.AgentID, &r.Name, &typ, &freq, &status, &cfg,
		&lastRun, &nextRun, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Type = core.RoutineType(typ)
	r.Frequency = core.Frequency(freq)
	r.Status = core.RoutineStatus(status)
	if err := decodeJSON(cfg, &r.Config); err != nil {
		return nil, fmt.Errorf("routine %d config: %w", r.ID, err)
	}
	r.LastRunAt = parseNullTime(lastRun)
	r.NextRunAt = parseNullTime(nextRun)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}
