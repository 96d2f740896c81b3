package core

// schema.go defines the JSON contracts for the structured-extraction calls,
// their strict validation, and the merge rules that fold validated output
// into session state. A field holding a stable non-empty value is never
// overwritten unless the update is an explicit user correction.

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"clinic-intake/pkg"
)

// maxFieldLen caps any single extracted string so malformed model output
// cannot flood the checkpoint.
const maxFieldLen = 600

// SubjectiveResult is the expected shape of the subjective extraction call.
type SubjectiveResult struct {
	ChiefComplaint string     `json:"chief_complaint"`
	OPQRST         pkg.OPQRST `json:"opqrst"`
	IsComplete     bool       `json:"is_complete"`
	Reply          string     `json:"reply"`
}

// MedsResult is the expected shape of the medication extraction call.
type MedsResult struct {
	Medications []pkg.Medication `json:"medications"`
	Reply       string           `json:"reply"`
}

func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func clamp(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxFieldLen {
		s = s[:maxFieldLen]
	}
	return s
}

// ParseSubjective validates and normalizes a subjective extraction payload.
func ParseSubjective(data []byte) (*SubjectiveResult, error) {
	var r SubjectiveResult
	if err := decodeStrict(data, &r); err != nil {
		return nil, err
	}
	r.ChiefComplaint = clamp(r.ChiefComplaint)
	r.Reply = clamp(r.Reply)
	r.OPQRST = pkg.OPQRST{
		Onset:       clamp(r.OPQRST.Onset),
		Provocation: clamp(r.OPQRST.Provocation),
		Quality:     clamp(r.OPQRST.Quality),
		Radiation:   clamp(r.OPQRST.Radiation),
		Severity:    clamp(r.OPQRST.Severity),
		Timing:      clamp(r.OPQRST.Timing),
	}
	return &r, nil
}

// ValidateSubjective is the schema check handed to the extraction adapter.
func ValidateSubjective(data []byte) error {
	_, err := ParseSubjective(data)
	return err
}

// ParseMeds validates and normalizes a medication extraction payload.
// Entries with no medication name are dropped rather than invented.
func ParseMeds(data []byte) (*MedsResult, error) {
	var r MedsResult
	if err := decodeStrict(data, &r); err != nil {
		return nil, err
	}
	meds := r.Medications[:0]
	for _, m := range r.Medications {
		m.Name = clamp(m.Name)
		m.Dose = clamp(m.Dose)
		m.Freq = clamp(m.Freq)
		m.LastTaken = clamp(m.LastTaken)
		if m.Name == "" {
			continue
		}
		meds = append(meds, m)
	}
	r.Medications = meds
	r.Reply = clamp(r.Reply)
	return &r, nil
}

// ValidateMeds is the schema check handed to the extraction adapter.
func ValidateMeds(data []byte) error {
	_, err := ParseMeds(data)
	return err
}

// mergeField keeps cur unless it is empty or the update is a correction.
// A differing incoming value that is discarded is recorded as a conflict.
func mergeField(cur, inc, name string, correction bool, conflicts *[]string) string {
	inc = strings.TrimSpace(inc)
	if inc == "" {
		return cur
	}
	if strings.TrimSpace(cur) == "" || correction {
		return inc
	}
	if !strings.EqualFold(strings.TrimSpace(cur), inc) {
		*conflicts = append(*conflicts, name)
	}
	return cur
}

// MergeIdentity folds incoming identity fields into the current record.
func MergeIdentity(cur, inc pkg.Identity, correction bool) (pkg.Identity, []string) {
	var conflicts []string
	out := pkg.Identity{
		Name:    mergeField(cur.Name, inc.Name, "name", correction, &conflicts),
		DOB:     mergeField(cur.DOB, inc.DOB, "dob", correction, &conflicts),
		Phone:   mergeField(cur.Phone, inc.Phone, "phone", correction, &conflicts),
		Address: mergeField(cur.Address, inc.Address, "address", correction, &conflicts),
	}
	if out.Phone != "" {
		out.Phone = NormalizePhone(out.Phone)
	}
	return out, conflicts
}

// MergeOPQRST folds incoming symptom dimensions into the current record.
func MergeOPQRST(cur, inc pkg.OPQRST, correction bool) (pkg.OPQRST, []string) {
	var conflicts []string
	out := pkg.OPQRST{
		Onset:       mergeField(cur.Onset, inc.Onset, "onset", correction, &conflicts),
		Provocation: mergeField(cur.Provocation, inc.Provocation, "provocation", correction, &conflicts),
		Quality:     mergeField(cur.Quality, inc.Quality, "quality", correction, &conflicts),
		Radiation:   mergeField(cur.Radiation, inc.Radiation, "radiation", correction, &conflicts),
		Severity:    mergeField(cur.Severity, inc.Severity, "severity", correction, &conflicts),
		Timing:      mergeField(cur.Timing, inc.Timing, "timing", correction, &conflicts),
	}
	return out, conflicts
}

// missingIdentityFields lists required identity fields still empty, in the
// order they should be asked for.
func missingIdentityFields(id pkg.Identity) []string {
	var missing []string
	if strings.TrimSpace(id.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(id.DOB) == "" {
		missing = append(missing, "dob")
	}
	if strings.TrimSpace(id.Phone) == "" {
		missing = append(missing, "phone")
	}
	if strings.TrimSpace(id.Address) == "" {
		missing = append(missing, "address")
	}
	return missing
}

// subjectiveComplete is the deterministic completeness policy: chief
// complaint + severity + (onset or timing). The extractor's own is_complete
// claim is accepted only when this holds.
func subjectiveComplete(cc string, op pkg.OPQRST) bool {
	if strings.TrimSpace(cc) == "" || strings.TrimSpace(op.Severity) == "" {
		return false
	}
	return strings.TrimSpace(op.Onset) != "" || strings.TrimSpace(op.Timing) != ""
}
