package pkg

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Phase is a named stage of the intake state machine.  Transitions between
// phases are decided only by the workflow engine; model output never picks
// the next phase.
type Phase string

const (
	PhaseIdentity    Phase = "identity"
	PhaseSubjective  Phase = "subjective"
	PhaseMedications Phase = "medications"
	PhaseConfirm     Phase = "confirm"
	PhaseReport      Phase = "report"
	PhaseDone        Phase = "done"
)

// Status is the session lifecycle state.  An escalated session keeps its
// pre-escalation phase for audit but never re-enters normal routing.
type Status string

const (
	StatusActive    Status = "active"
	StatusEscalated Status = "escalated"
	StatusDone      Status = "done"
)

// Mode selects the intake flavour chosen at session start.  ED mode adds a
// one-shot safety clarifier and a disposition suggestion.
type Mode string

const (
	ModeClinic Mode = "clinic"
	ModeED     Mode = "ed"
)

// IdentityStep tracks where the identity phase is: still collecting fields,
// or waiting for the patient to confirm (or keep/update) what was captured.
type IdentityStep string

const (
	IdentityCollect IdentityStep = "collect"
	IdentityReview  IdentityStep = "review"
)

// ClinicalStep orders the sub-questions inside the medications phase.
type ClinicalStep string

const (
	StepAllergies ClinicalStep = "allergies"
	StepMeds      ClinicalStep = "meds"
	StepPMH       ClinicalStep = "pmh"
	StepResults   ClinicalStep = "results"
	StepDone      ClinicalStep = "done"
)

// Identity holds the administrative fields collected during the identity
// phase.  Fields stay empty strings until filled.
type Identity struct {
	Name    string `json:"name"`
	DOB     string `json:"dob"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// OPQRST is the structured symptom record: onset, provocation, quality,
// radiation, severity, timing.  Each dimension is optional until filled.
type OPQRST struct {
	Onset       string `json:"onset"`
	Provocation string `json:"provocation"`
	Quality     string `json:"quality"`
	Radiation   string `json:"radiation"`
	Severity    string `json:"severity"`
	Timing      string `json:"timing"`
}

// Medication is a single entry of the medication list.  Dose, frequency and
// last-taken are never invented; they stay empty unless the patient said so.
type Medication struct {
	Name      string `json:"name"`
	Dose      string `json:"dose"`
	Freq      string `json:"freq"`
	LastTaken string `json:"last_taken"`
}

// Triage is the deterministic disposition suggestion attached to a session.
// It is not a diagnosis.
type Triage struct {
	EmergencyFlag bool     `json:"emergency_flag"`
	RiskLevel     string   `json:"risk_level"`
	VisitType     string   `json:"visit_type"`
	RedFlags      []string `json:"red_flags"`
	Confidence    string   `json:"confidence"`
	Rationale     string   `json:"rationale"`
}

// Session is the full structured intake state for one thread.  It is
// serialized as the checkpoint row and is the sole source of truth when a
// thread resumes after a restart.
type Session struct {
	ThreadID string `json:"thread_id"`
	Phase    Phase  `json:"current_phase"`
	Status   Status `json:"status"`
	Mode     Mode   `json:"mode"`

	Identity         Identity     `json:"identity"`
	IdentityStep     IdentityStep `json:"identity_step"`
	StoredIdentity   *Identity    `json:"stored_identity,omitempty"`
	IdentityAttempts int          `json:"identity_attempts"`

	ChiefComplaint     string `json:"chief_complaint"`
	OPQRST             OPQRST `json:"opqrst"`
	SubjectiveComplete bool   `json:"subjective_complete"`
	TriageAttempts     int    `json:"triage_attempts"`

	ClinicalStep  ClinicalStep `json:"clinical_step"`
	Allergies     []string     `json:"allergies"`
	Medications   []Medication `json:"medications"`
	PMH           []string     `json:"pmh"`
	RecentResults []string     `json:"recent_results"`

	Triage Triage `json:"triage"`

	// Correction is set while the session is re-entering an earlier phase
	// from the confirmation edit path. It tags incoming values as
	// user-initiated corrections so merges may overwrite stable fields.
	Correction bool `json:"correction,omitempty"`
}

// MessageRole describes who authored a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is an immutable audit record of one chat line, strictly ordered
// by insertion within a thread.
type Message struct {
	ID        int64       `json:"id"`
	ThreadID  string      `json:"thread_id"`
	Role      MessageRole `json:"role"`
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"created_at"`
}

// EscalationKind distinguishes emergency escalations raised by the triage
// gate from identity discrepancies queued for nurse review.
type EscalationKind string

const (
	EscalationEmergency      EscalationKind = "emergency"
	EscalationIdentityReview EscalationKind = "identity_review"
)

// Escalation routes a session to human review.  Only a clinician-resolve
// action mutates it; it is never deleted.
type Escalation struct {
	EscID     string                 `json:"esc_id"`
	ThreadID  string                 `json:"thread_id"`
	Kind      EscalationKind         `json:"kind"`
	Payload   map[string]interface{} `json:"payload"`
	Resolved  bool                   `json:"resolved"`
	NurseNote string                 `json:"nurse_note"`
	CreatedAt time.Time              `json:"created_at"`
}

// Report is the clinician-facing note produced by a report job.  Immutable
// once written; the latest row per thread is authoritative.
type Report struct {
	ReportID   string    `json:"report_id"`
	ThreadID   string    `json:"thread_id"`
	RiskLevel  string    `json:"risk_level"`
	VisitType  string    `json:"visit_type"`
	ReportText string    `json:"report_text"`
	CreatedAt  time.Time `json:"created_at"`
}

// JobStatus moves strictly forward: queued -> running -> done|failed.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job tracks one asynchronous unit of work (report generation).
type Job struct {
	JobID     string    `json:"job_id"`
	ThreadID  string    `json:"thread_id"`
	Kind      string    `json:"kind"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	ThreadID    string `json:"thread_id"`
	Message     string `json:"message"`
	ClientMsgID string `json:"client_msg_id"`
}

// ChatResponse is returned from /start and /chat.  ThreadID is only set on
// /start.  The serialized form of this struct is what the idempotency guard
// stores and replays byte-for-byte.
type ChatResponse struct {
	ThreadID string `json:"thread_id,omitempty"`
	Reply    string `json:"reply"`
	Phase    Phase  `json:"phase"`
	Status   Status `json:"status"`
	JobID    string `json:"job_id,omitempty"`
}

// TurnWrite bundles every row written at the end of one turn: the
// checkpoint, the message pair, the idempotency record and any escalation or
// job created on this turn. The store must apply it atomically — a crash
// must never leave an executed turn without its idempotency record.
type TurnWrite struct {
	ThreadID         string
	CreateSession    bool
	State            *Session
	UserMessage      string // empty on the greeting turn
	AssistantMessage string

	IdemKey      string // empty => no idempotency record for this turn
	IdemHash     string
	IdemResponse []byte

	Escalation *EscalationWrite
	Job        *JobWrite
}

// EscalationWrite is a pending escalation insert inside a TurnWrite.
type EscalationWrite struct {
	EscID   string
	Kind    EscalationKind
	Payload map[string]interface{}
}

// JobWrite is a pending job insert inside a TurnWrite.
type JobWrite struct {
	JobID string
	Kind  string
}

// CaseView is the full clinician view of one thread: transcript, latest
// checkpoint snapshot, latest report (if any) and escalation history.
type CaseView struct {
	ThreadID     string       `json:"thread_id"`
	Messages     []Message    `json:"messages"`
	State        *Session     `json:"state,omitempty"`
	StateUpdated *time.Time   `json:"state_updated_at,omitempty"`
	LatestReport *Report      `json:"latest_report,omitempty"`
	Escalations  []Escalation `json:"escalations"`
}
