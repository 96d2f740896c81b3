package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"clinic-intake/pkg"
)

var (
	// ErrNotFound mirrors the store sentinel for callers of this package.
	ErrNotFound = pkg.ErrNotFound
	// ErrSessionNotFound is returned for a thread id with no session.
	ErrSessionNotFound = errors.New("unknown thread_id")
	// ErrIdempotencyConflict is returned when a client key is reused with a
	// different message. The conflicting turn is never executed.
	ErrIdempotencyConflict = errors.New("client key reused for a different message")
	// ErrEmptyMessage and ErrMessageTooLong reject invalid turn input.
	ErrEmptyMessage   = errors.New("message cannot be empty")
	ErrMessageTooLong = errors.New("message too long")
)

// maxMessageLen bounds a single inbound turn message.
const maxMessageLen = 1200

// JobKindReport is the only job kind the engine enqueues.
const JobKindReport = "report"

// Store is the durable persistence surface the engine depends on. All
// methods must be safe for concurrent use; CommitTurn must be atomic.
type Store interface {
	Checkpoint(ctx context.Context, threadID string) (*pkg.Session, time.Time, error)
	Idempotent(ctx context.Context, threadID, key string) (hash string, response []byte, err error)
	StoredIdentityByName(ctx context.Context, name string) (*pkg.Identity, error)
	CommitTurn(ctx context.Context, w *pkg.TurnWrite) error
}

// EscalationNotifier receives a best-effort signal after an escalation has
// been durably committed.
type EscalationNotifier interface {
	EscalationCreated(ctx context.Context, threadID string) error
}

// Engine drives the intake state machine. One turn runs: idempotency guard,
// triage gate, the active phase node, then a single atomic persistence of
// the result. Turns for the same thread are serialized; different threads
// run independently.
type Engine struct {
	store    Store
	adapter  *Adapter
	rules    *TriageRules
	notifier EscalationNotifier
	logger   *slog.Logger
	newID    func() string
	locks    *ThreadLocks
}

// NewEngine constructs an Engine.
func NewEngine(store Store, adapter *Adapter, rules *TriageRules, logger *slog.Logger) *Engine {
	if rules == nil {
		rules = DefaultTriageRules()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		adapter: adapter,
		rules:   rules,
		logger:  logger,
		newID:   uuid.NewString,
		locks:   NewThreadLocks(),
	}
}

// SetNotifier attaches an optional escalation notifier.
func (e *Engine) SetNotifier(n EscalationNotifier) { e.notifier = n }

// Locks exposes the per-thread lock set so the report worker can serialize
// its checkpoint writes with the turn path.
func (e *Engine) Locks() *ThreadLocks { return e.locks }

func newSession(threadID string, mode pkg.Mode) *pkg.Session {
	return &pkg.Session{
		ThreadID:     threadID,
		Phase:        pkg.PhaseIdentity,
		Status:       pkg.StatusActive,
		Mode:         mode,
		IdentityStep: pkg.IdentityCollect,
		ClinicalStep: pkg.StepAllergies,
		Triage: pkg.Triage{
			RiskLevel:  "low",
			VisitType:  "routine",
			Confidence: "low",
			RedFlags:   []string{},
		},
	}
}

// StartSession creates a new session, persists the greeting turn and returns
// the thread id with the first assistant message.
func (e *Engine) StartSession(ctx context.Context, mode string) (*pkg.ChatResponse, error) {
	m := pkg.ModeClinic
	if strings.EqualFold(strings.TrimSpace(mode), string(pkg.ModeED)) {
		m = pkg.ModeED
	}
	threadID := e.newID()
	s := newSession(threadID, m)

	err := e.store.CommitTurn(ctx, &pkg.TurnWrite{
		ThreadID:         threadID,
		CreateSession:    true,
		State:            s,
		AssistantMessage: greetingMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}
	e.logger.Info("session_started", "thread_id", threadID, "mode", string(m))
	return &pkg.ChatResponse{
		ThreadID: threadID,
		Reply:    greetingMessage,
		Phase:    s.Phase,
		Status:   s.Status,
	}, nil
}

func requestHash(threadID, message string) string {
	h := sha256.Sum256([]byte(threadID + "\x00" + message))
	return hex.EncodeToString(h[:])
}

// ProcessTurn handles one inbound message: duplicate turns replay the stored
// response, the triage gate runs before any phase logic, and the resulting
// state lands in the checkpoint store atomically with the idempotency record
// before the reply is returned.
func (e *Engine) ProcessTurn(ctx context.Context, threadID, message, clientKey string) (*pkg.ChatResponse, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if len(message) > maxMessageLen {
		return nil, ErrMessageTooLong
	}

	hash := requestHash(threadID, message)

	lock := e.locks.Get(threadID)
	lock.Lock()
	defer lock.Unlock()

	if clientKey != "" {
		storedHash, storedResp, err := e.store.Idempotent(ctx, threadID, clientKey)
		switch {
		case err == nil:
			if storedHash != hash {
				return nil, ErrIdempotencyConflict
			}
			var resp pkg.ChatResponse
			if err := json.Unmarshal(storedResp, &resp); err != nil {
				return nil, fmt.Errorf("decoding stored response: %w", err)
			}
			e.logger.Info("turn_replayed", "thread_id", threadID, "client_key", clientKey)
			return &resp, nil
		case errors.Is(err, ErrNotFound):
			// first time we see this key
		default:
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	s, _, err := e.store.Checkpoint(ctx, threadID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	start := time.Now()
	res, err := e.routeTurn(ctx, s, message)
	if err != nil {
		return nil, err
	}

	var job *pkg.JobWrite
	if res.enqueueReport {
		job = &pkg.JobWrite{JobID: e.newID(), Kind: JobKindReport}
	}

	resp := &pkg.ChatResponse{
		Reply:  res.reply,
		Phase:  s.Phase,
		Status: s.Status,
	}
	if job != nil {
		resp.JobID = job.JobID
	}
	respJSON, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}

	err = e.store.CommitTurn(ctx, &pkg.TurnWrite{
		ThreadID:         threadID,
		State:            s,
		UserMessage:      message,
		AssistantMessage: res.reply,
		IdemKey:          clientKey,
		IdemHash:         hash,
		IdemResponse:     respJSON,
		Escalation:       res.escalation,
		Job:              job,
	})
	if err != nil {
		// The turn is indistinguishable from never having happened; an
		// idempotent retry will reproduce the same inputs.
		return nil, fmt.Errorf("persisting turn: %w", err)
	}

	if res.escalation != nil && e.notifier != nil {
		if nerr := e.notifier.EscalationCreated(ctx, threadID); nerr != nil {
			e.logger.Warn("escalation notify failed", "thread_id", threadID, "error", nerr)
		}
	}

	e.logger.Info("turn_done",
		"thread_id", threadID,
		"phase", string(s.Phase),
		"status", string(s.Status),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// routeTurn applies the triage gate and then the active phase node. The
// gate runs strictly first on every turn: no model-backed reasoning can see
// a message before the deterministic risk check does.
func (e *Engine) routeTurn(ctx context.Context, s *pkg.Session, message string) (nodeResult, error) {
	// Escalated sessions never re-enter phase routing.
	if s.Status == pkg.StatusEscalated {
		return nodeResult{reply: escalationMessage}, nil
	}
	if s.Phase == pkg.PhaseDone {
		return nodeResult{reply: doneReply}, nil
	}

	flags := e.rules.DetectRedFlags(
		message,
		s.ChiefComplaint,
		s.OPQRST.Onset, s.OPQRST.Provocation, s.OPQRST.Quality,
		s.OPQRST.Radiation, s.OPQRST.Severity, s.OPQRST.Timing,
	)
	if len(flags) > 0 {
		s.Triage = pkg.Triage{
			EmergencyFlag: true,
			RiskLevel:     "high",
			VisitType:     "emergency",
			RedFlags:      flags,
			Confidence:    "high",
			Rationale:     "Red-flag phrase detected.",
		}
		s.Status = pkg.StatusEscalated // phase stays frozen for audit
		e.logger.Warn("escalation_created",
			"thread_id", s.ThreadID, "kind", string(pkg.EscalationEmergency), "red_flags", flags)
		return nodeResult{
			reply: escalationMessage,
			escalation: &pkg.EscalationWrite{
				EscID:   e.newID(),
				Kind:    pkg.EscalationEmergency,
				Payload: map[string]interface{}{"triage": s.Triage},
			},
		}, nil
	}

	switch s.Phase {
	case pkg.PhaseIdentity:
		return e.identityNode(ctx, s, message)
	case pkg.PhaseSubjective:
		return e.subjectiveNode(ctx, s, message)
	case pkg.PhaseMedications:
		return e.medicationsNode(ctx, s, message)
	case pkg.PhaseConfirm:
		return e.confirmNode(s, message), nil
	case pkg.PhaseReport:
		return nodeResult{reply: reportWaitReply}, nil
	default:
		return nodeResult{}, fmt.Errorf("unknown phase %q", s.Phase)
	}
}
