package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"clinic-intake/internal/llm"
	"clinic-intake/pkg"
)

// JobStore abstracts the job-queue operations the report worker needs.
// ClaimQueuedJob must hand a given job to at most one worker.
type JobStore interface {
	ClaimQueuedJob(ctx context.Context) (*pkg.Job, error)
	CompleteReportJob(ctx context.Context, jobID string, rep *pkg.Report, state *pkg.Session) error
	FailJob(ctx context.Context, jobID, errMsg string) error
	FailStuckJobs(ctx context.Context, cutoff time.Time) (int64, error)
	Checkpoint(ctx context.Context, threadID string) (*pkg.Session, time.Time, error)
}

// ReportWorker executes report jobs off the synchronous turn path. The note
// is generated from already-structured session fields only; a failed or
// timed-out call marks the job failed — never silently dropped, never
// retried by the worker itself.
type ReportWorker struct {
	store      JobStore
	llm        llm.Client
	poll       time.Duration
	timeout    time.Duration
	maxRunning time.Duration
	logger     *slog.Logger
	newID      func() string
	locks      *ThreadLocks
}

// NewReportWorker creates a worker. If pollInterval is <= 0, it defaults to
// one second.
func NewReportWorker(store JobStore, client llm.Client, pollInterval time.Duration) *ReportWorker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &ReportWorker{
		store:      store,
		llm:        client,
		poll:       pollInterval,
		timeout:    60 * time.Second,
		maxRunning: 5 * time.Minute,
		logger:     slog.Default(),
		newID:      uuid.NewString,
		locks:      NewThreadLocks(),
	}
}

// UseLocks shares the engine's per-thread lock set with this worker so a
// job completion never interleaves with a turn for the same thread.
func (w *ReportWorker) UseLocks(locks *ThreadLocks) {
	if locks != nil {
		w.locks = locks
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *ReportWorker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		w.reap(ctx)

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// reap enforces the liveness timeout: jobs running longer than maxRunning
// are force-failed so a dead worker cannot strand them.
func (w *ReportWorker) reap(ctx context.Context) {
	n, err := w.store.FailStuckJobs(ctx, time.Now().Add(-w.maxRunning))
	if err != nil {
		w.logger.Error("reaping stuck jobs failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Warn("force-failed stuck jobs", "count", n)
	}
}

// RunOnce claims and processes a single report job.
// Returns true if a job was processed (regardless of success/failure).
func (w *ReportWorker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimQueuedJob(ctx)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job_failed", "job_id", job.JobID, "thread_id", job.ThreadID, "error", err)
		if failErr := w.store.FailJob(ctx, job.JobID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.JobID, "error", failErr)
		}
		return true, nil
	}

	w.logger.Info("job_done", "job_id", job.JobID, "thread_id", job.ThreadID)
	return true, nil
}

func (w *ReportWorker) processJob(ctx context.Context, job *pkg.Job) error {
	// Session mutations for a thread are serialized: the checkpoint is read
	// and advanced under the same lock the turn path holds, so a turn can
	// never commit a snapshot taken before this job completed. Turns for the
	// thread wait until the job settles; during the report phase they only
	// produce a wait reply anyway.
	lock := w.locks.Get(job.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	state, _, err := w.store.Checkpoint(ctx, job.ThreadID)
	if err != nil {
		return fmt.Errorf("loading checkpoint for %s: %w", job.ThreadID, err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"identity":        state.Identity,
		"chief_complaint": state.ChiefComplaint,
		"opqrst":          state.OPQRST,
		"allergies":       state.Allergies,
		"medications":     state.Medications,
		"pmh":             state.PMH,
		"recent_results":  state.RecentResults,
		"triage":          state.Triage,
	})
	if err != nil {
		return fmt.Errorf("marshaling report payload: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	text, err := w.llm.GenerateReport(cctx, reportSystem, string(payload))
	if err != nil {
		return fmt.Errorf("report generation: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("report generation returned empty text")
	}

	riskLevel := state.Triage.RiskLevel
	if riskLevel == "" {
		riskLevel = "low"
	}
	visitType := state.Triage.VisitType
	if visitType == "" {
		visitType = "routine"
	}
	rep := &pkg.Report{
		ReportID:   w.newID(),
		ThreadID:   job.ThreadID,
		RiskLevel:  riskLevel,
		VisitType:  visitType,
		ReportText: strings.TrimSpace(text),
	}

	state.Phase = pkg.PhaseDone
	state.Status = pkg.StatusDone

	if err := w.store.CompleteReportJob(ctx, job.JobID, rep, state); err != nil {
		return fmt.Errorf("completing job %s: %w", job.JobID, err)
	}
	return nil
}
