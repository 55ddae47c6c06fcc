package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/supercheck-io/supercheck-sub010/internal/api"
	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/reconciler"
	"github.com/supercheck-io/supercheck-sub010/internal/scheduler"
)

// Store implements scheduler.Store and reconciler.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Bootstrap applies the idempotent schema. Safe to call on every start.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	return nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateMonitor inserts a new monitor row.
func (s *Store) CreateMonitor(ctx context.Context, m *domain.Monitor) error {
	check, alerts, err := marshalMonitorConfigs(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, queryInsertMonitor,
		m.ID,
		m.OrgID,
		m.ProjectID,
		m.Name,
		string(m.Type),
		m.Target,
		check,
		m.FrequencyMinutes,
		string(m.Status),
		alerts,
		m.CreatedAt,
		m.UpdatedAt,
	)
	return err
}

// MonitorByID returns the monitor, scoped to the owning org.
// Returns domain.ErrNotFound when no such row exists for the org.
func (s *Store) MonitorByID(ctx context.Context, orgID, id uuid.UUID) (*domain.Monitor, error) {
	m, err := scanMonitor(s.db.QueryRowContext(ctx, queryMonitorByID, id, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("monitor %s: %w", id, domain.ErrNotFound)
	}
	return m, err
}

// ListMonitors returns the org's monitors, newest first. A zero projectID
// matches all projects.
func (s *Store) ListMonitors(ctx context.Context, orgID, projectID uuid.UUID, limit, offset int) ([]domain.Monitor, error) {
	rows, err := s.db.QueryContext(ctx, queryListMonitors, orgID, uuidOrNull(projectID), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

func (s *Store) CountMonitors(ctx context.Context, orgID uuid.UUID) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, queryCountMonitors, orgID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateMonitor rewrites the monitor's definition fields. Status and the
// schedule handle are owned by UpdateMonitorSchedule and left untouched.
// Returns domain.ErrNotFound when no such row exists for the org.
func (s *Store) UpdateMonitor(ctx context.Context, m *domain.Monitor) error {
	check, alerts, err := marshalMonitorConfigs(m)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, queryUpdateMonitor,
		m.ID,
		m.OrgID,
		m.Name,
		string(m.Type),
		m.Target,
		check,
		m.FrequencyMinutes,
		alerts,
		m.UpdatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("monitor %s: %w", m.ID, domain.ErrNotFound)
	}
	return nil
}

// UpdateMonitorSchedule persists the outcome of a scheduling transition:
// the monitor's status together with the queue registration handle (nil
// when unregistered).
func (s *Store) UpdateMonitorSchedule(ctx context.Context, id uuid.UUID, status domain.MonitorStatus, handle *string) error {
	result, err := s.db.ExecContext(ctx, queryUpdateMonitorSchedule, id, string(status), nullString(handle))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("monitor %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// DeleteMonitor removes the monitor row, scoped to the owning org.
// Returns domain.ErrNotFound when no such row exists for the org.
func (s *Store) DeleteMonitor(ctx context.Context, orgID, id uuid.UUID) error {
	var deletedID uuid.UUID
	err := s.db.QueryRowContext(ctx, queryDeleteMonitor, id, orgID).Scan(&deletedID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("monitor %s: %w", id, domain.ErrNotFound)
	}
	return err
}

// CreateRun inserts a new run row. Runs are born running; cancel_requested,
// completed_at and duration only change through the lifecycle methods below.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.execInsertRun(ctx, queryInsertRun, run)
	return err
}

// AdoptRun inserts a run row for a queue entry observed without one. The
// insert is keyed on queue_job_id, so replayed events and concurrent
// reconcilers collapse to a single row; adopted reports whether this call
// created it.
func (s *Store) AdoptRun(ctx context.Context, run *domain.Run) (bool, error) {
	result, err := s.execInsertRun(ctx, queryAdoptRun, run)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) execInsertRun(ctx context.Context, query string, run *domain.Run) (sql.Result, error) {
	metadata, err := json.Marshal(run.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal run metadata: %w", err)
	}
	return s.db.ExecContext(ctx, query,
		run.ID,
		nullUUID(run.JobID),
		run.OrgID,
		run.ProjectID,
		string(run.Status),
		string(run.Trigger),
		string(run.Kind),
		run.Location,
		metadata,
		run.Note,
		run.QueueJobID,
		run.StartedAt,
		run.CreatedAt,
	)
}

// RunByID returns the run. Returns domain.ErrNotFound when no row exists.
func (s *Store) RunByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, queryRunByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return run, err
}

// RunByQueueJobID returns the run owning the given queue entry.
// Returns domain.ErrNotFound when no row exists.
func (s *Store) RunByQueueJobID(ctx context.Context, queueJobID string) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, queryRunByQueueJobID, queueJobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", queueJobID, domain.ErrNotFound)
	}
	return run, err
}

// RunOwnedBy returns the run, scoped to the owning org.
// Returns domain.ErrNotFound when no row exists or the org does not own it.
func (s *Store) RunOwnedBy(ctx context.Context, orgID, id uuid.UUID) (*domain.Run, error) {
	run, err := s.RunByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.OrgID != orgID {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return run, nil
}

// FinishRun moves the run to a terminal status, stamping completed_at and
// the duration. The update is guarded on status, so only the first terminal
// writer wins; applied reports whether this call was it. Returns
// domain.ErrNotFound when no row exists at all.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, completedAt time.Time, note string) (bool, error) {
	result, err := s.db.ExecContext(ctx, queryFinishRun, id, string(status), completedAt, note)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	// Either the run does not exist or it is already terminal. Distinguish
	// by checking whether the row is there.
	var current string
	err = s.db.QueryRowContext(ctx, queryRunStatus, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// MarkCancelRequested flags a still-running run for cooperative cancellation.
// A run that already reached a terminal status is left untouched without
// error. Returns domain.ErrNotFound when no row exists.
func (s *Store) MarkCancelRequested(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, queryMarkCancelRequested, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, queryRunStatus, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return err
}

// DeleteRun removes the run row. Deleting an absent row is not an error;
// the method exists to roll back admission when the enqueue leg fails.
func (s *Store) DeleteRun(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, queryDeleteRun, id)
	return err
}

// RunningRunsBefore returns runs still marked running that started before
// the cutoff, oldest first, limited to limit rows.
func (s *Store) RunningRunsBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, queryRunningRunsBefore, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *run)
	}
	return result, rows.Err()
}

// ListRuns returns the org's runs, newest first. A zero projectID matches
// all projects and an empty status matches all statuses.
func (s *Store) ListRuns(ctx context.Context, orgID, projectID uuid.UUID, status domain.RunStatus, limit, offset int) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, queryListRuns,
		orgID, uuidOrNull(projectID), stringOrNull(string(status)), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *run)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMonitor(row rowScanner) (*domain.Monitor, error) {
	var (
		m            domain.Monitor
		monitorType  string
		status       string
		check        []byte
		alerts       []byte
		scheduledJob sql.NullString
	)
	err := row.Scan(
		&m.ID,
		&m.OrgID,
		&m.ProjectID,
		&m.Name,
		&monitorType,
		&m.Target,
		&check,
		&m.FrequencyMinutes,
		&status,
		&alerts,
		&scheduledJob,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Type = domain.MonitorType(monitorType)
	m.Status = domain.MonitorStatus(status)
	if len(check) > 0 {
		if err := json.Unmarshal(check, &m.Check); err != nil {
			return nil, fmt.Errorf("monitor %s: decode check config: %w", m.ID, err)
		}
	}
	if len(alerts) > 0 {
		if err := json.Unmarshal(alerts, &m.Alerts); err != nil {
			return nil, fmt.Errorf("monitor %s: decode alert config: %w", m.ID, err)
		}
	}
	if scheduledJob.Valid {
		handle := scheduledJob.String
		m.ScheduledJobID = &handle
	}
	return &m, nil
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var (
		run         domain.Run
		jobID       uuid.NullUUID
		status      string
		trigger     string
		kind        string
		metadata    []byte
		completedAt sql.NullTime
		durationMs  int64
	)
	err := row.Scan(
		&run.ID,
		&jobID,
		&run.OrgID,
		&run.ProjectID,
		&status,
		&trigger,
		&kind,
		&run.Location,
		&metadata,
		&run.Note,
		&run.QueueJobID,
		&run.CancelRequested,
		&run.StartedAt,
		&completedAt,
		&durationMs,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	run.Trigger = domain.RunTrigger(trigger)
	run.Kind = domain.TaskKind(kind)
	if jobID.Valid {
		id := jobID.UUID
		run.JobID = &id
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.Duration = time.Duration(durationMs) * time.Millisecond
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &run.Metadata); err != nil {
			return nil, fmt.Errorf("run %s: decode metadata: %w", run.ID, err)
		}
	}
	return &run, nil
}

func marshalMonitorConfigs(m *domain.Monitor) (check, alerts []byte, err error) {
	check, err = json.Marshal(m.Check)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal check config: %w", err)
	}
	alerts, err = json.Marshal(m.Alerts)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal alert config: %w", err)
	}
	return check, alerts, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// uuidOrNull turns the zero uuid into a SQL NULL so optional uuid filters
// can collapse into a single query.
func uuidOrNull(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

func stringOrNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Compile-time interface assertions
var (
	_ scheduler.Store  = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
	_ api.Store        = (*Store)(nil)
)
