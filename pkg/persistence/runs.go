package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Run statuses stored in workflow_runs.status.
const (
	RunStatusRunning = "RUNNING"
	RunStatusSuccess = "SUCCESS"
	RunStatusFailed  = "FAILED"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("run not found")

// WorkflowRun is one execution of a workflow plan.
type WorkflowRun struct {
	ID         string
	PlanID     string
	Status     string
	Output     string
	Error      string
	FailedStep string
	StartedAt  time.Time
	FinishedAt time.Time
}

// SagaRun is one execution of a saga, including which steps were
// compensated after a failure.
type SagaRun struct {
	ID          string
	SagaID      string
	Success     bool
	Output      string
	Error       string
	Compensated []string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// RunEvent is one recorded lifecycle event belonging to a run.
type RunEvent struct {
	RunID     string
	EventType string
	StepID    string
	Attempt   int
	Error     string
	TS        time.Time
}

// UpsertWorkflowRun inserts or updates a workflow run record.
func (s *Store) UpsertWorkflowRun(run *WorkflowRun) error {
	query := `
		INSERT INTO workflow_runs (id, plan_id, status, output, error, failed_step, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			failed_step = excluded.failed_step,
			finished_at = excluded.finished_at
	`
	_, err := s.db.Exec(query,
		run.ID, run.PlanID, run.Status, nullString(run.Output), nullString(run.Error),
		nullString(run.FailedStep), run.StartedAt, nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert workflow run %s: %w", run.ID, err)
	}
	return nil
}

// GetWorkflowRun loads one workflow run by ID.
func (s *Store) GetWorkflowRun(id string) (*WorkflowRun, error) {
	query := `
		SELECT id, plan_id, status, output, error, failed_step, started_at, finished_at
		FROM workflow_runs WHERE id = ?
	`
	var run WorkflowRun
	var output, errMsg, failedStep sql.NullString
	var finishedAt sql.NullTime
	err := s.db.QueryRow(query, id).Scan(
		&run.ID, &run.PlanID, &run.Status, &output, &errMsg, &failedStep,
		&run.StartedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run %s: %w", id, err)
	}
	run.Output = output.String
	run.Error = errMsg.String
	run.FailedStep = failedStep.String
	run.FinishedAt = finishedAt.Time
	return &run, nil
}

// ListWorkflowRuns returns runs for a plan, newest first. An empty status
// matches all statuses.
func (s *Store) ListWorkflowRuns(planID, status string) ([]*WorkflowRun, error) {
	query := `
		SELECT id, plan_id, status, output, error, failed_step, started_at, finished_at
		FROM workflow_runs WHERE plan_id = ?
	`
	args := []any{planID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY started_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs for plan %s: %w", planID, err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*WorkflowRun
	for rows.Next() {
		var run WorkflowRun
		var output, errMsg, failedStep sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(
			&run.ID, &run.PlanID, &run.Status, &output, &errMsg, &failedStep,
			&run.StartedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		run.Output = output.String
		run.Error = errMsg.String
		run.FailedStep = failedStep.String
		run.FinishedAt = finishedAt.Time
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflow runs: %w", err)
	}
	return runs, nil
}

// UpsertSagaRun inserts or updates a saga run record. The compensated
// step list is stored as a JSON array.
func (s *Store) UpsertSagaRun(run *SagaRun) error {
	compensated, err := json.Marshal(run.Compensated)
	if err != nil {
		return fmt.Errorf("failed to marshal compensated steps for saga run %s: %w", run.ID, err)
	}
	query := `
		INSERT INTO saga_runs (id, saga_id, success, output, error, compensated, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			success = excluded.success,
			output = excluded.output,
			error = excluded.error,
			compensated = excluded.compensated,
			finished_at = excluded.finished_at
	`
	_, err = s.db.Exec(query,
		run.ID, run.SagaID, run.Success, nullString(run.Output), nullString(run.Error),
		string(compensated), run.StartedAt, nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert saga run %s: %w", run.ID, err)
	}
	return nil
}

// GetSagaRun loads one saga run by ID.
func (s *Store) GetSagaRun(id string) (*SagaRun, error) {
	query := `
		SELECT id, saga_id, success, output, error, compensated, started_at, finished_at
		FROM saga_runs WHERE id = ?
	`
	var run SagaRun
	var output, errMsg, compensated sql.NullString
	var finishedAt sql.NullTime
	err := s.db.QueryRow(query, id).Scan(
		&run.ID, &run.SagaID, &run.Success, &output, &errMsg, &compensated,
		&run.StartedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("saga run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get saga run %s: %w", id, err)
	}
	run.Output = output.String
	run.Error = errMsg.String
	run.FinishedAt = finishedAt.Time
	if compensated.Valid && compensated.String != "" {
		if err := json.Unmarshal([]byte(compensated.String), &run.Compensated); err != nil {
			return nil, fmt.Errorf("failed to unmarshal compensated steps for saga run %s: %w", id, err)
		}
	}
	return &run, nil
}

// AppendRunEvent records one lifecycle event for a run.
func (s *Store) AppendRunEvent(event *RunEvent) error {
	query := `
		INSERT INTO run_events (run_id, event_type, step_id, attempt, error, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		event.RunID, event.EventType, nullString(event.StepID), event.Attempt,
		nullString(event.Error), event.TS,
	)
	if err != nil {
		return fmt.Errorf("failed to append event for run %s: %w", event.RunID, err)
	}
	return nil
}

// GetRunEvents returns the recorded events for a run in insertion order.
func (s *Store) GetRunEvents(runID string) ([]*RunEvent, error) {
	query := `
		SELECT run_id, event_type, step_id, attempt, error, ts
		FROM run_events WHERE run_id = ? ORDER BY id ASC
	`
	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*RunEvent
	for rows.Next() {
		var event RunEvent
		var stepID, errMsg sql.NullString
		if err := rows.Scan(&event.RunID, &event.EventType, &stepID, &event.Attempt, &errMsg, &event.TS); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		event.StepID = stepID.String
		event.Error = errMsg.String
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run events: %w", err)
	}
	return events, nil
}

// PruneRunEvents deletes events older than the cutoff and reports how
// many were removed.
func (s *Store) PruneRunEvents(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM run_events WHERE ts < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune run events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned run events: %w", err)
	}
	return n, nil
}

// Summary returns per-status workflow run counts for quick reporting.
func (s *Store) Summary() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM workflow_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize workflow runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summary := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan run summary: %w", err)
		}
		summary[strings.ToUpper(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run summary: %w", err)
	}
	return summary, nil
}
