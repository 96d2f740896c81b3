package core

// nodes.go contains the phase node bodies. Each node consumes the current
// session plus the latest user message, mutates the session through the
// merge rules, and returns the assistant reply. Shared contract: ask exactly
// one clarifying question per turn when required information is missing;
// never advance with incomplete required fields.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"clinic-intake/pkg"
)

// nodeResult carries a node's side effects back to the engine. The engine —
// not the node — owns persistence, so escalations and jobs surface here as
// pending writes.
type nodeResult struct {
	reply         string
	escalation    *pkg.EscalationWrite
	enqueueReport bool
}

var identityQuestions = map[string]string{
	"name":    "What's your full name?",
	"dob":     "What's your date of birth? (MM/DD/YYYY)",
	"phone":   "What's the best phone number to reach you?",
	"address": "What's your current address?",
}

func identitySummary(id pkg.Identity) string {
	dash := func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "—"
		}
		return s
	}
	return fmt.Sprintf("Name: %s, DOB: %s, Phone: %s, Address: %s",
		dash(id.Name), dash(id.DOB), dash(id.Phone), dash(id.Address))
}

func (e *Engine) identityNode(ctx context.Context, s *pkg.Session, user string) (nodeResult, error) {
	if s.IdentityStep == pkg.IdentityReview {
		return e.identityReview(s, user), nil
	}

	det := ExtractIdentity(user)
	merged, _ := MergeIdentity(s.Identity, det, s.Correction)
	s.Identity = merged
	s.IdentityAttempts++

	missing := missingIdentityFields(s.Identity)
	if len(missing) > 0 {
		return nodeResult{reply: identityQuestions[missing[0]]}, nil
	}

	stored, err := e.store.StoredIdentityByName(ctx, s.Identity.Name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nodeResult{}, fmt.Errorf("looking up stored identity: %w", err)
	}
	s.IdentityStep = pkg.IdentityReview
	if stored != nil {
		s.StoredIdentity = stored
		reply := "I found stored info on file:\n- " + identitySummary(*stored) +
			"\n\nYou provided:\n- " + identitySummary(s.Identity) +
			"\n\nShould I keep the stored info, or update it with what you provided? (keep/update)"
		return nodeResult{reply: reply}, nil
	}
	s.StoredIdentity = nil
	reply := "Got it. I have: " + identitySummary(s.Identity) + ". Is this correct? (yes/no)"
	return nodeResult{reply: reply}, nil
}

func (e *Engine) identityReview(s *pkg.Session, user string) nodeResult {
	t := normalizeText(user)

	if s.StoredIdentity != nil {
		switch {
		case strings.HasPrefix(t, "keep"):
			s.Identity = *s.StoredIdentity
			s.StoredIdentity = nil
			e.advanceToSubjective(s)
			return nodeResult{reply: "Thanks — I'll keep what's on file. " + chiefComplaintQuestion}
		case strings.HasPrefix(t, "update"):
			esc := &pkg.EscalationWrite{
				EscID: e.newID(),
				Kind:  pkg.EscalationIdentityReview,
				Payload: map[string]interface{}{
					"stored_identity": *s.StoredIdentity,
					"new_identity":    s.Identity,
				},
			}
			s.StoredIdentity = nil
			e.advanceToSubjective(s)
			return nodeResult{
				reply:      "Okay — I'll use what you provided (a nurse may review). " + chiefComplaintQuestion,
				escalation: esc,
			}
		default:
			return nodeResult{reply: "Please reply 'keep' or 'update'."}
		}
	}

	switch {
	case IsYes(user):
		e.advanceToSubjective(s)
		return nodeResult{reply: "Thanks. " + chiefComplaintQuestion}
	case IsNo(user):
		s.Identity = pkg.Identity{}
		s.IdentityStep = pkg.IdentityCollect
		s.IdentityAttempts = 0
		return nodeResult{reply: "Okay — what's your full name?"}
	default:
		return nodeResult{reply: "Just to confirm — is that correct? (yes/no)"}
	}
}

func (e *Engine) advanceToSubjective(s *pkg.Session) {
	s.Phase = pkg.PhaseSubjective
	s.IdentityStep = pkg.IdentityCollect
	s.Correction = false
}

// missingOPQRSTQuestion picks the single most useful follow-up when
// extraction is inconclusive.
func missingOPQRSTQuestion(s *pkg.Session) string {
	if strings.TrimSpace(s.ChiefComplaint) == "" {
		return chiefComplaintQuestion
	}
	if strings.TrimSpace(s.OPQRST.Severity) == "" {
		return "How severe is it from 0-10?"
	}
	if strings.TrimSpace(s.OPQRST.Onset) == "" && strings.TrimSpace(s.OPQRST.Timing) == "" {
		return "When did it start?"
	}
	return subjectiveFallbackQuestion
}

func (e *Engine) subjectiveNode(ctx context.Context, s *pkg.Session, user string) (nodeResult, error) {
	if strings.TrimSpace(s.ChiefComplaint) == "" &&
		(strings.TrimSpace(user) == "" || IsAck(user) || IsYes(user) || IsNo(user)) {
		return nodeResult{reply: chiefComplaintQuestion}, nil
	}

	current, err := json.Marshal(map[string]interface{}{
		"chief_complaint": s.ChiefComplaint,
		"opqrst":          s.OPQRST,
	})
	if err != nil {
		return nodeResult{}, err
	}
	prompt := "CURRENT_STATE=" + string(current) + "\nNEW_USER_MESSAGE=" + user

	data, err := e.adapter.ExtractJSON(ctx, "subjective", subjectiveExtractSystem, prompt, ValidateSubjective)
	if err != nil {
		// Extraction exhausted its retry; ask for one missing dimension.
		return nodeResult{reply: missingOPQRSTQuestion(s)}, nil
	}
	out, err := ParseSubjective(data)
	if err != nil {
		return nodeResult{}, err
	}

	if out.ChiefComplaint != "" && (strings.TrimSpace(s.ChiefComplaint) == "" || s.Correction) {
		s.ChiefComplaint = out.ChiefComplaint
	}
	merged, _ := MergeOPQRST(s.OPQRST, out.OPQRST, s.Correction)
	s.OPQRST = merged

	if out.IsComplete && subjectiveComplete(s.ChiefComplaint, s.OPQRST) {
		// ED mode: one targeted safety clarifier, asked at most once.
		if s.Mode == pkg.ModeED && s.TriageAttempts < 1 && needsEDFollowup(s.ChiefComplaint) {
			s.TriageAttempts++
			s.SubjectiveComplete = false
			return nodeResult{reply: edClarifierQuestion}, nil
		}
		s.Triage = computeDisposition(s.Mode, s.ChiefComplaint, s.OPQRST)
		s.SubjectiveComplete = true
		s.Correction = false
		s.Phase = pkg.PhaseMedications
		if s.ClinicalStep == "" || s.ClinicalStep == pkg.StepDone {
			s.ClinicalStep = pkg.StepAllergies
		}
		return nodeResult{reply: stepQuestion(s.ClinicalStep)}, nil
	}

	s.SubjectiveComplete = false
	reply := out.Reply
	if reply == "" {
		reply = missingOPQRSTQuestion(s)
	}
	return nodeResult{reply: reply}, nil
}

func stepQuestion(step pkg.ClinicalStep) string {
	switch step {
	case pkg.StepMeds:
		return medsQuestion
	case pkg.StepPMH:
		return pmhQuestion
	case pkg.StepResults:
		return resultsQuestion
	default:
		return allergiesQuestion
	}
}

func (e *Engine) medicationsNode(ctx context.Context, s *pkg.Session, user string) (nodeResult, error) {
	if s.ClinicalStep == "" {
		s.ClinicalStep = pkg.StepAllergies
	}
	if strings.TrimSpace(user) == "" || IsAck(user) {
		return nodeResult{reply: stepQuestion(s.ClinicalStep)}, nil
	}

	switch s.ClinicalStep {
	case pkg.StepAllergies:
		s.Allergies = ExtractAllergiesSimple(user)
		s.ClinicalStep = pkg.StepMeds
		return nodeResult{reply: medsQuestion}, nil

	case pkg.StepMeds:
		if IsExplicitNoMeds(user) {
			s.Medications = []pkg.Medication{}
			s.ClinicalStep = pkg.StepPMH
			return nodeResult{reply: pmhQuestion}, nil
		}
		meds, reply := e.extractMedications(ctx, user)
		if len(meds) == 0 {
			return nodeResult{reply: reply}, nil
		}
		s.Medications = meds
		s.ClinicalStep = pkg.StepPMH
		return nodeResult{reply: pmhQuestion}, nil

	case pkg.StepPMH:
		s.PMH = ExtractListSimple(user)
		s.ClinicalStep = pkg.StepResults
		return nodeResult{reply: resultsQuestion}, nil

	case pkg.StepResults:
		s.RecentResults = ExtractListSimple(user)
		s.ClinicalStep = pkg.StepDone
		s.Correction = false
		s.Phase = pkg.PhaseConfirm
		return nodeResult{reply: confirmSummary(s) + "\n\n" + confirmPrompt}, nil
	}

	s.ClinicalStep = pkg.StepAllergies
	return nodeResult{reply: allergiesQuestion}, nil
}

// extractMedications normalizes a messy medication answer. The adapter may
// structure it, but entries it cannot anchor in the user's own words are
// dropped; on fallback the plain list splitter provides names only.
func (e *Engine) extractMedications(ctx context.Context, user string) ([]pkg.Medication, string) {
	data, err := e.adapter.ExtractJSON(ctx, "medications", medsExtractSystem,
		"NEW_USER_MESSAGE="+user, ValidateMeds)
	if err == nil {
		out, perr := ParseMeds(data)
		if perr == nil {
			lower := strings.ToLower(user)
			meds := make([]pkg.Medication, 0, len(out.Medications))
			for _, m := range out.Medications {
				if strings.Contains(lower, strings.ToLower(m.Name)) {
					meds = append(meds, m)
				}
			}
			if len(meds) > 0 {
				return meds, ""
			}
			if out.Reply != "" {
				return nil, out.Reply
			}
			return nil, medsFallbackQuestion
		}
	}

	names := ExtractListSimple(user)
	meds := make([]pkg.Medication, 0, len(names))
	for _, n := range names {
		meds = append(meds, pkg.Medication{Name: n})
	}
	if len(meds) == 0 {
		return nil, medsFallbackQuestion
	}
	return meds, ""
}

func fmtList(xs []string) string {
	if len(xs) == 0 {
		return "None"
	}
	return strings.Join(xs, ", ")
}

func fmtMeds(ms []pkg.Medication) string {
	if len(ms) == 0 {
		return "None"
	}
	parts := make([]string, 0, len(ms))
	for _, m := range ms {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			name = "Unknown"
		}
		s := name
		if m.Dose != "" {
			s += " " + m.Dose
		}
		if m.Freq != "" {
			s += " (" + m.Freq + ")"
		}
		if m.LastTaken != "" {
			s += ", last: " + m.LastTaken
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "; ")
}

func confirmSummary(s *pkg.Session) string {
	dash := func(v string) string {
		if strings.TrimSpace(v) == "" {
			return "—"
		}
		return v
	}
	var b strings.Builder
	b.WriteString("Here's what I captured:\n\n")
	b.WriteString("Identity\n")
	fmt.Fprintf(&b, "- Name: %s\n", dash(s.Identity.Name))
	fmt.Fprintf(&b, "- DOB: %s\n", dash(s.Identity.DOB))
	fmt.Fprintf(&b, "- Phone: %s\n", dash(s.Identity.Phone))
	fmt.Fprintf(&b, "- Address: %s\n\n", dash(s.Identity.Address))
	b.WriteString("Symptoms\n")
	fmt.Fprintf(&b, "- Chief complaint: %s\n", dash(s.ChiefComplaint))
	fmt.Fprintf(&b, "- Onset: %s\n", dash(s.OPQRST.Onset))
	fmt.Fprintf(&b, "- Provocation: %s\n", dash(s.OPQRST.Provocation))
	fmt.Fprintf(&b, "- Quality: %s\n", dash(s.OPQRST.Quality))
	fmt.Fprintf(&b, "- Radiation: %s\n", dash(s.OPQRST.Radiation))
	fmt.Fprintf(&b, "- Severity: %s\n", dash(s.OPQRST.Severity))
	fmt.Fprintf(&b, "- Timing: %s\n\n", dash(s.OPQRST.Timing))
	b.WriteString("History\n")
	fmt.Fprintf(&b, "- Allergies: %s\n", fmtList(s.Allergies))
	fmt.Fprintf(&b, "- Medications: %s\n", fmtMeds(s.Medications))
	fmt.Fprintf(&b, "- PMH: %s\n", fmtList(s.PMH))
	fmt.Fprintf(&b, "- Recent results: %s\n", fmtList(s.RecentResults))
	if s.Triage.VisitType != "" {
		b.WriteString("\nTriage\n")
		fmt.Fprintf(&b, "- Risk: %s\n", dash(s.Triage.RiskLevel))
		fmt.Fprintf(&b, "- Visit type: %s", dash(s.Triage.VisitType))
	}
	return b.String()
}

var (
	historyKeywords = []string{"allerg", "med", "medicine", "medication", "pmh", "history", "surgery", "test", "lab", "imaging"}
	symptomKeywords = []string{"pain", "symptom", "onset", "severity", "timing", "radiat", "quality", "provocation", "complaint"}
	idKeywords      = []string{"name", "phone", "address", "birth", "dob"}
)

func (e *Engine) confirmNode(s *pkg.Session, user string) nodeResult {
	t := normalizeText(user)

	if IsYes(user) || t == "confirm" {
		s.Phase = pkg.PhaseReport
		s.Status = pkg.StatusActive
		return nodeResult{reply: reportPendingReply, enqueueReport: true}
	}

	// Edit sub-path: route back to the phase the patient wants to change,
	// without resetting any other fields. Correction mode lets the target
	// node's merge overwrite stable values.
	if containsAny(t, historyKeywords) {
		s.Phase = pkg.PhaseMedications
		s.ClinicalStep = pkg.StepAllergies
		s.Correction = true
		return nodeResult{reply: "Sure — what would you like to update in your medical history?"}
	}
	if containsAny(t, symptomKeywords) {
		s.Phase = pkg.PhaseSubjective
		s.SubjectiveComplete = false
		s.Correction = true
		return nodeResult{reply: "Sure — what would you like to change about your symptoms?"}
	}
	if containsAny(t, idKeywords) {
		s.Phase = pkg.PhaseIdentity
		s.IdentityStep = pkg.IdentityCollect
		s.IdentityAttempts = 0
		s.Correction = true
		return nodeResult{reply: "Sure — what should I update in your identity details?"}
	}

	if IsNo(user) {
		return nodeResult{reply: "Sure — what would you like to change (symptoms, history, or identity)?"}
	}

	// A bare acknowledgement ("ok", "okay") counts as confirmation. Checked
	// after the edit routing so "ok but my meds are wrong" still edits.
	if IsAck(user) {
		s.Phase = pkg.PhaseReport
		s.Status = pkg.StatusActive
		return nodeResult{reply: reportPendingReply, enqueueReport: true}
	}
	return nodeResult{reply: confirmPrompt}
}
