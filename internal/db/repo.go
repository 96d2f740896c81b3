package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinic-intake/pkg"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = pkg.ErrNotFound

// Repository wraps all database operations for the intake engine.
// A single postgres database backs every table.
type Repository struct {
	DB *sql.DB
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle.
func NewRepository(db *sql.DB) *Repository { return &Repository{DB: db} }

// CommitTurn applies one turn's writes in a single transaction: session row,
// checkpoint, message pair, idempotency record, and any escalation or job
// created on this turn. Either everything lands or nothing does.
func (r *Repository) CommitTurn(ctx context.Context, w *pkg.TurnWrite) error {
	stateJSON, err := json.Marshal(w.State)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning turn transaction: %w", err)
	}
	defer tx.Rollback()

	if w.CreateSession {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (thread_id, status) VALUES ($1, $2)`,
			w.ThreadID, string(w.State.Status),
		); err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status=$2, updated_at=NOW() WHERE thread_id=$1`,
			w.ThreadID, string(w.State.Status),
		); err != nil {
			return fmt.Errorf("updating session status: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_state (thread_id, state_json) VALUES ($1, $2)
         ON CONFLICT (thread_id) DO UPDATE SET state_json=EXCLUDED.state_json, updated_at=NOW()`,
		w.ThreadID, stateJSON,
	); err != nil {
		return fmt.Errorf("upserting checkpoint: %w", err)
	}

	if w.UserMessage != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (thread_id, role, text) VALUES ($1, $2, $3)`,
			w.ThreadID, string(pkg.RoleUser), w.UserMessage,
		); err != nil {
			return fmt.Errorf("inserting user message: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (thread_id, role, text) VALUES ($1, $2, $3)`,
		w.ThreadID, string(pkg.RoleAssistant), w.AssistantMessage,
	); err != nil {
		return fmt.Errorf("inserting assistant message: %w", err)
	}

	if w.IdemKey != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency (thread_id, key, request_hash, response_json)
             VALUES ($1, $2, $3, $4)`,
			w.ThreadID, w.IdemKey, w.IdemHash, w.IdemResponse,
		); err != nil {
			return fmt.Errorf("inserting idempotency record: %w", err)
		}
	}

	if w.Escalation != nil {
		payload, err := json.Marshal(w.Escalation.Payload)
		if err != nil {
			return fmt.Errorf("marshaling escalation payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO escalations (esc_id, thread_id, kind, payload_json)
             VALUES ($1, $2, $3, $4)`,
			w.Escalation.EscID, w.ThreadID, string(w.Escalation.Kind), payload,
		); err != nil {
			return fmt.Errorf("inserting escalation: %w", err)
		}
	}

	if w.Job != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (job_id, thread_id, kind, status) VALUES ($1, $2, $3, $4)`,
			w.Job.JobID, w.ThreadID, w.Job.Kind, string(pkg.JobQueued),
		); err != nil {
			return fmt.Errorf("inserting job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing turn: %w", err)
	}
	return nil
}

// Checkpoint loads the serialized session snapshot for a thread.
func (r *Repository) Checkpoint(ctx context.Context, threadID string) (*pkg.Session, time.Time, error) {
	var raw []byte
	var updatedAt time.Time
	err := r.DB.QueryRowContext(ctx,
		`SELECT state_json, updated_at FROM session_state WHERE thread_id=$1`,
		threadID,
	).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	var s pkg.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, time.Time{}, fmt.Errorf("decoding checkpoint for %s: %w", threadID, err)
	}
	return &s, updatedAt, nil
}

// Idempotent looks up a stored turn response by (thread, client key).
func (r *Repository) Idempotent(ctx context.Context, threadID, key string) (string, []byte, error) {
	var hash string
	var response []byte
	err := r.DB.QueryRowContext(ctx,
		`SELECT request_hash, response_json FROM idempotency WHERE thread_id=$1 AND key=$2`,
		threadID, key,
	).Scan(&hash, &response)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	return hash, response, nil
}

// Messages returns the full transcript for a thread in insertion order.
func (r *Repository) Messages(ctx context.Context, threadID string) ([]pkg.Message, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, thread_id, role, text, created_at
         FROM messages WHERE thread_id=$1 ORDER BY id ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pkg.Message
	for rows.Next() {
		var m pkg.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// StoredIdentityByName returns the on-file identity record for a patient, or
// ErrNotFound. The patients table stands in for an EHR feed.
func (r *Repository) StoredIdentityByName(ctx context.Context, name string) (*pkg.Identity, error) {
	var raw []byte
	err := r.DB.QueryRowContext(ctx,
		`SELECT data_json FROM patients WHERE LOWER(TRIM(name)) = LOWER(TRIM($1))`,
		name,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var data struct {
		Identity pkg.Identity `json:"identity"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decoding patient record for %q: %w", name, err)
	}
	return &data.Identity, nil
}

func scanEscalations(rows *sql.Rows) ([]pkg.Escalation, error) {
	defer rows.Close()
	var out []pkg.Escalation
	for rows.Next() {
		var e pkg.Escalation
		var payload []byte
		if err := rows.Scan(&e.EscID, &e.ThreadID, &e.Kind, &payload, &e.Resolved, &e.NurseNote, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			e.Payload = map[string]interface{}{"error": "invalid_payload_json"}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListPendingEscalations returns unresolved escalations, newest first.
func (r *Repository) ListPendingEscalations(ctx context.Context) ([]pkg.Escalation, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT esc_id, thread_id, kind, payload_json, resolved, nurse_note, created_at
         FROM escalations WHERE resolved = FALSE ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	return scanEscalations(rows)
}

// EscalationsForThread returns all escalations for a thread, newest first.
func (r *Repository) EscalationsForThread(ctx context.Context, threadID string) ([]pkg.Escalation, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT esc_id, thread_id, kind, payload_json, resolved, nurse_note, created_at
         FROM escalations WHERE thread_id=$1 ORDER BY created_at DESC`, threadID)
	if err != nil {
		return nil, err
	}
	return scanEscalations(rows)
}

// ResolveEscalation marks an escalation resolved with a nurse note.
// Resolving an already-resolved escalation is a no-op success; an unknown
// esc_id is ErrNotFound. Resolution never re-enters the intake state machine.
func (r *Repository) ResolveEscalation(ctx context.Context, escID, note string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE escalations SET resolved=TRUE, nurse_note=$2 WHERE esc_id=$1 AND resolved=FALSE`,
		escID, note)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := r.DB.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escalations WHERE esc_id=$1)`, escID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// LatestReport returns the newest report for a thread, or ErrNotFound.
func (r *Repository) LatestReport(ctx context.Context, threadID string) (*pkg.Report, error) {
	var rep pkg.Report
	err := r.DB.QueryRowContext(ctx,
		`SELECT report_id, thread_id, risk_level, visit_type, report_text, created_at
         FROM reports WHERE thread_id=$1 ORDER BY created_at DESC, report_id DESC LIMIT 1`,
		threadID,
	).Scan(&rep.ReportID, &rep.ThreadID, &rep.RiskLevel, &rep.VisitType, &rep.ReportText, &rep.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

// Job returns a job row by id, or ErrNotFound.
func (r *Repository) Job(ctx context.Context, jobID string) (*pkg.Job, error) {
	var j pkg.Job
	err := r.DB.QueryRowContext(ctx,
		`SELECT job_id, thread_id, kind, status, error, created_at, updated_at
         FROM jobs WHERE job_id=$1`, jobID,
	).Scan(&j.JobID, &j.ThreadID, &j.Kind, &j.Status, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ClaimQueuedJob atomically claims the oldest queued job, moving it to
// running. Returns nil when no job is queued. SKIP LOCKED keeps concurrent
// workers from claiming the same row.
func (r *Repository) ClaimQueuedJob(ctx context.Context) (*pkg.Job, error) {
	var j pkg.Job
	err := r.DB.QueryRowContext(ctx,
		`UPDATE jobs SET status=$1, updated_at=NOW()
         WHERE job_id = (
             SELECT job_id FROM jobs WHERE status=$2
             ORDER BY created_at ASC LIMIT 1
             FOR UPDATE SKIP LOCKED
         )
         RETURNING job_id, thread_id, kind, status, error, created_at, updated_at`,
		string(pkg.JobRunning), string(pkg.JobQueued),
	).Scan(&j.JobID, &j.ThreadID, &j.Kind, &j.Status, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return &j, nil
}

// CompleteReportJob persists the generated report, marks the job done and
// advances the checkpoint, all in one transaction. The job status guard
// ensures only the claiming worker can complete it.
func (r *Repository) CompleteReportJob(ctx context.Context, jobID string, rep *pkg.Report, state *pkg.Session) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning completion transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status=$2, updated_at=NOW() WHERE job_id=$1 AND status=$3`,
		jobID, string(pkg.JobDone), string(pkg.JobRunning))
	if err != nil {
		return fmt.Errorf("marking job done: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("job %s is not running: %w", jobID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reports (report_id, thread_id, risk_level, visit_type, report_text)
         VALUES ($1, $2, $3, $4, $5)`,
		rep.ReportID, rep.ThreadID, rep.RiskLevel, rep.VisitType, rep.ReportText,
	); err != nil {
		return fmt.Errorf("inserting report: %w", err)
	}

	// The checkpoint advance only applies while the session is still an
	// active report-phase session. If it escalated (or otherwise moved on)
	// since the job was enqueued, the report still lands but the checkpoint
	// is left alone.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_state (thread_id, state_json) VALUES ($1, $2)
         ON CONFLICT (thread_id) DO UPDATE SET state_json=EXCLUDED.state_json, updated_at=NOW()
         WHERE session_state.state_json->>'current_phase' = 'report'
           AND session_state.state_json->>'status' = 'active'`,
		rep.ThreadID, stateJSON,
	); err != nil {
		return fmt.Errorf("upserting checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status=$2, updated_at=NOW() WHERE thread_id=$1 AND status='active'`,
		rep.ThreadID, string(state.Status),
	); err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing completion: %w", err)
	}
	return nil
}

// FailJob marks a running job failed with a non-empty error message.
func (r *Repository) FailJob(ctx context.Context, jobID, errMsg string) error {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	_, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET status=$2, error=$3, updated_at=NOW() WHERE job_id=$1 AND status=$4`,
		jobID, string(pkg.JobFailed), errMsg, string(pkg.JobRunning))
	return err
}

// FailStuckJobs force-fails jobs that have been running since before the
// cutoff. This is the liveness timeout for workers that died mid-job.
func (r *Repository) FailStuckJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET status=$1, error='liveness timeout exceeded', updated_at=NOW()
         WHERE status=$2 AND updated_at < $3`,
		string(pkg.JobFailed), string(pkg.JobRunning), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CaseView assembles the clinician view of a thread: transcript, latest
// checkpoint, latest report and escalation history. The thread must exist.
func (r *Repository) CaseView(ctx context.Context, threadID string) (*pkg.CaseView, error) {
	state, updatedAt, err := r.Checkpoint(ctx, threadID)
	if err != nil {
		return nil, err
	}
	msgs, err := r.Messages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	escs, err := r.EscalationsForThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	view := &pkg.CaseView{
		ThreadID:     threadID,
		Messages:     msgs,
		State:        state,
		StateUpdated: &updatedAt,
		Escalations:  escs,
	}
	rep, err := r.LatestReport(ctx, threadID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	view.LatestReport = rep
	return view, nil
}
