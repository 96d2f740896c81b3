package core

// triage.go is the deterministic safety layer: the red-flag gate that runs
// before any phase logic on every turn, plus the non-diagnostic disposition
// suggestion used in ED mode. The rule set is configuration, not code —
// defaults ship embedded and can be replaced with a YAML file.

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"clinic-intake/pkg"
)

// TriageRules is the configurable red-flag rule set. Matching is biased
// toward safety: a phrase match counts unless a nearby negation or
// historical marker clearly rules it out.
type TriageRules struct {
	Phrases    []string `yaml:"phrases"`
	Negations  []string `yaml:"negations"`
	Historical []string `yaml:"historical"`
	Window     int      `yaml:"window"`
}

// DefaultTriageRules returns the built-in rule set.
func DefaultTriageRules() *TriageRules {
	return &TriageRules{
		Phrases: []string{
			"chest pain",
			"can't breathe",
			"shortness of breath",
			"fainting",
			"passed out",
			"severe bleeding",
			"stroke",
			"weakness on one side",
			"anaphylaxis",
			"seizure",
		},
		Negations:  []string{"no", "not", "denies", "deny", "without", "never"},
		Historical: []string{"history of", "previously", "years ago", "year ago", "months ago", "month ago", "last year", "in the past"},
		Window:     5,
	}
}

// LoadTriageRules reads a YAML rule file. Fields left empty in the file fall
// back to the built-in defaults.
func LoadTriageRules(path string) (*TriageRules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading triage rules: %w", err)
	}
	rules := &TriageRules{}
	if err := yaml.Unmarshal(raw, rules); err != nil {
		return nil, fmt.Errorf("parsing triage rules: %w", err)
	}
	defaults := DefaultTriageRules()
	if len(rules.Phrases) == 0 {
		rules.Phrases = defaults.Phrases
	}
	if len(rules.Negations) == 0 {
		rules.Negations = defaults.Negations
	}
	if len(rules.Historical) == 0 {
		rules.Historical = defaults.Historical
	}
	if rules.Window <= 0 {
		rules.Window = defaults.Window
	}
	return rules, nil
}

// DetectRedFlags scans the concatenated text parts for red-flag phrases.
// Returned flags are the matched phrases in rule order.
func (r *TriageRules) DetectRedFlags(parts ...string) []string {
	blob := normalizeText(strings.Join(parts, " "))
	if blob == "" {
		return nil
	}
	toks := strings.Fields(blob)

	var flags []string
	for _, phrase := range r.Phrases {
		if r.phraseMatches(toks, phrase) {
			flags = append(flags, phrase)
		}
	}
	return flags
}

func (r *TriageRules) phraseMatches(toks []string, phrase string) bool {
	pToks := strings.Fields(normalizeText(phrase))
	n := len(pToks)
	if n == 0 {
		return false
	}

	for i := 0; i+n <= len(toks); i++ {
		if !equalTokens(toks[i:i+n], pToks) {
			continue
		}
		lo := i - r.Window
		if lo < 0 {
			lo = 0
		}
		hi := i + n + r.Window
		if hi > len(toks) {
			hi = len(toks)
		}
		left := toks[lo:i]
		neighborhood := strings.Join(toks[lo:hi], " ")

		if r.negated(left, neighborhood, pToks[0]) {
			return false
		}
		for _, h := range r.Historical {
			if strings.Contains(neighborhood, h) {
				return false
			}
		}
		return true
	}
	return false
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (r *TriageRules) negated(left []string, neighborhood, firstTok string) bool {
	for _, neg := range r.Negations {
		for _, w := range left {
			if w == neg {
				return true
			}
		}
		if strings.Contains(neighborhood, neg+" "+firstTok) {
			return true
		}
	}
	return false
}

var severityNumRE = regexp.MustCompile(`\b(\d{1,2})\b`)

// severityScore maps the free-text severity dimension onto 0-10, or -1 when
// it cannot be read with confidence.
func severityScore(op pkg.OPQRST) int {
	s := strings.ToLower(op.Severity)
	if m := severityNumRE.FindStringSubmatch(s); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 0 && n <= 10 {
			return n
		}
	}
	if strings.Contains(s, "severe") || strings.Contains(s, "worst") {
		return 9
	}
	if strings.Contains(s, "moderate") {
		return 5
	}
	if strings.Contains(s, "mild") {
		return 2
	}
	return -1
}

func containsAny(t string, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}

// needsEDFollowup reports whether an ED-mode intake should ask the one-shot
// safety clarifier before accepting the subjective record as complete.
// Intentionally lightweight: the red-flag gate still catches emergencies the
// patient does not acknowledge here.
func needsEDFollowup(cc string) bool {
	t := strings.ToLower(cc)

	chest := containsAny(t, []string{"chest pain", "chest tight", "chest pressure", "pressure in chest"})
	breathing := containsAny(t, []string{"shortness of breath", "sob", "difficulty breathing"})
	neuro := containsAny(t, []string{"weakness", "numbness", "slurred speech", "face droop", "confusion"})
	faint := containsAny(t, []string{"faint", "passed out", "syncope"})

	// Breathing/neuro/syncope wording is the red-flag gate's territory.
	if breathing || neuro || faint {
		return false
	}
	return chest
}

// computeDisposition produces the low-level visit-type suggestion stored on
// the session. It is not a diagnosis and is only meaningful in ED mode.
func computeDisposition(mode pkg.Mode, cc string, op pkg.OPQRST) pkg.Triage {
	base := pkg.Triage{
		EmergencyFlag: false,
		RiskLevel:     "low",
		VisitType:     "routine",
		Confidence:    "medium",
		Rationale:     "No emergency red flags detected in the intake.",
		RedFlags:      []string{},
	}
	if mode != pkg.ModeED {
		return base
	}

	t := strings.ToLower(cc)
	sev := severityScore(op)
	concerning := containsAny(t, []string{
		"chest", "short of breath", "difficulty breathing", "faint", "passed out",
		"severe", "worst headache", "blood", "bleeding", "vision", "confusion",
	})

	switch {
	case sev >= 7 || concerning:
		base.RiskLevel = "medium"
		base.VisitType = "urgent_care_today"
		base.Rationale = "Symptoms sound significant (or severity is high). Recommend evaluation today. No emergency keywords detected."
	case sev >= 0 && sev <= 3:
		base.VisitType = "clinic_24_72h"
		base.Rationale = "Symptoms appear lower severity with no emergency keywords. Recommend clinic follow-up within 24-72 hours if symptoms persist."
	default:
		base.VisitType = "clinic_24_72h"
		base.Confidence = "low"
		base.Rationale = "Severity unclear. Recommend clinic follow-up within 24-72 hours unless symptoms worsen."
	}
	return base
}
