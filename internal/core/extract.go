package core

// extract.go holds the deterministic extractors: pure functions over
// normalized text. Each returns either a confident value or a zero value —
// ambiguity is surfaced to the calling node, never resolved by guessing.

import (
	"regexp"
	"strings"

	"clinic-intake/pkg"
)

var ackPhrases = []string{
	"ok", "okay", "k", "sure", "alright", "fine", "done", "got it",
	"sounds good", "thanks", "thank you",
}

var yesPhrases = []string{
	"yes", "y", "yeah", "yep", "correct", "right", "sounds right",
	"that's right", "confirm", "looks good",
}

var noPhrases = []string{
	"no", "n", "nope", "nah", "not really", "not sure",
}

var (
	punctRE  = regexp.MustCompile(`[.!?:;,()\[\]{}]+`)
	spacesRE = regexp.MustCompile(`\s+`)
)

// normalizeText lowercases, strips punctuation and collapses whitespace.
func normalizeText(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.ReplaceAll(t, "’", "'")
	t = punctRE.ReplaceAllString(t, " ")
	return strings.TrimSpace(spacesRE.ReplaceAllString(t, " "))
}

func matchesPhrase(t string, phrases []string) bool {
	for _, p := range phrases {
		if t == p || strings.HasPrefix(t, p+" ") {
			return true
		}
	}
	return false
}

// IsYes reports whether the text is a confident affirmation.
func IsYes(text string) bool { return matchesPhrase(normalizeText(text), yesPhrases) }

// IsNo reports whether the text is a confident negation.
func IsNo(text string) bool { return matchesPhrase(normalizeText(text), noPhrases) }

// IsAck reports whether the text is a bare acknowledgement with no content.
func IsAck(text string) bool { return matchesPhrase(normalizeText(text), ackPhrases) }

var nonDigitRE = regexp.MustCompile(`\D+`)

// NormalizePhone strips everything but digits.
func NormalizePhone(s string) string {
	return nonDigitRE.ReplaceAllString(s, "")
}

var (
	dobMDYRE   = regexp.MustCompile(`\b(\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4})\b`)
	dobYMDRE   = regexp.MustCompile(`\b(\d{4}[/\-]\d{1,2}[/\-]\d{1,2})\b`)
	phoneRE    = regexp.MustCompile(`(\+?\d[\d\-\s()]{6,}\d)`)
	nameWordRE = regexp.MustCompile(`^[A-Za-z\-']+$`)
)

var addressMarkers = []string{
	" st", " street", " ave", " avenue", " rd", " road", " blvd",
	" lane", " ln", " dr", " drive",
}

// ExtractIdentity pulls identity fields out of free text using conservative
// patterns. Fields it cannot place with confidence stay empty.
func ExtractIdentity(text string) pkg.Identity {
	t := strings.TrimSpace(text)
	var out pkg.Identity

	if m := dobMDYRE.FindStringSubmatch(t); m != nil {
		out.DOB = m[1]
	} else if m := dobYMDRE.FindStringSubmatch(t); m != nil {
		out.DOB = m[1]
	}

	if m := phoneRE.FindStringSubmatch(t); m != nil {
		out.Phone = m[1]
	}

	lower := strings.ToLower(t)
	for _, marker := range addressMarkers {
		if strings.Contains(lower, marker) {
			out.Address = t
			break
		}
	}

	// A short run of plain words with nothing else claimed is likely a name.
	words := strings.Fields(t)
	if (len(words) == 2 || len(words) == 3) && out.Address == "" && out.Phone == "" {
		allWords := true
		for _, w := range words {
			if !nameWordRE.MatchString(w) {
				allWords = false
				break
			}
		}
		if allWords {
			out.Name = t
		}
	}

	return out
}

var listSplitRE = regexp.MustCompile(`,|;|\n|\band\b`)

func splitDedup(text string) []string {
	parts := listSplitRE.Split(text, -1)
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key := strings.ToLower(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// ExtractAllergiesSimple parses a free-text allergy answer into a list.
// Explicit "none" style answers return an empty (but non-nil) list.
func ExtractAllergiesSimple(text string) []string {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return nil
	}
	for _, none := range []string{"no allergies", "none", "nka"} {
		if strings.Contains(t, none) {
			return []string{}
		}
	}
	return splitDedup(text)
}

// ExtractListSimple splits comma/line-delimited text into a trimmed,
// deduplicated list. Explicit "none" answers return an empty list.
func ExtractListSimple(text string) []string {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return nil
	}
	if t == "none" || t == "no" || t == "na" || strings.HasPrefix(t, "no ") {
		return []string{}
	}
	return splitDedup(text)
}

// IsExplicitNoMeds matches the handful of phrasings treated as an explicit
// empty medication list.
func IsExplicitNoMeds(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	switch t {
	case "none", "no", "no meds", "not taking anything":
		return true
	}
	return false
}
