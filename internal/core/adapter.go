package core

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"clinic-intake/internal/llm"
)

// ErrFallback signals that extraction failed twice and the calling node must
// fall back to a deterministic clarifying question. Raw malformed output
// never propagates past this boundary into session state.
var ErrFallback = errors.New("deterministic fallback required")

// Adapter wraps the external structured-extraction call. Contract: call
// once, validate against the schema, retry exactly once with a stricter
// instruction on any failure (validation, call error or timeout — all
// treated identically), then give up with ErrFallback.
type Adapter struct {
	llm     llm.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewAdapter creates an Adapter. If timeout is <= 0, it defaults to 20s.
func NewAdapter(client llm.Client, timeout time.Duration, logger *slog.Logger) *Adapter {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{llm: client, timeout: timeout, logger: logger}
}

// ExtractJSON runs one extraction step and returns a validated JSON payload.
func (a *Adapter) ExtractJSON(ctx context.Context, node, system, prompt string, validate func([]byte) error) ([]byte, error) {
	start := time.Now()

	out, err := a.attempt(ctx, system, prompt, validate)
	repairUsed := false
	if err != nil {
		repairUsed = true
		out, err = a.attempt(ctx, system, repairPrompt(prompt, err), validate)
	}

	a.logger.Info("llm_step",
		"node", node,
		"latency_ms", time.Since(start).Milliseconds(),
		"repair_used", repairUsed,
		"fallback_used", err != nil,
	)
	if err != nil {
		a.logger.Warn("extraction fell back", "node", node, "error", err)
		return nil, ErrFallback
	}
	return out, nil
}

func (a *Adapter) attempt(ctx context.Context, system, prompt string, validate func([]byte) error) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.llm.Extract(cctx, system, prompt)
	if err != nil {
		return nil, err
	}
	cleaned := extractJSONValue(raw)
	if cleaned == "" {
		return nil, errors.New("no JSON value in response")
	}
	if err := validate([]byte(cleaned)); err != nil {
		return nil, err
	}
	return []byte(cleaned), nil
}

func repairPrompt(original string, cause error) string {
	return original +
		"\n\nReturn ONLY valid JSON. No markdown. No extra keys." +
		"\nPrevious attempt failed validation: " + cause.Error()
}

// extractJSONValue pulls the first valid JSON object or array out of model
// text, tolerating markdown fences and prose around it.
func extractJSONValue(raw string) string {
	raw = strings.ReplaceAll(raw, "```json", "")
	raw = strings.ReplaceAll(raw, "```", "")
	raw = strings.TrimSpace(raw)

	for i := 0; i < len(raw); i++ {
		if raw[i] != '{' && raw[i] != '[' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(raw[i:]))
		var v json.RawMessage
		if err := dec.Decode(&v); err == nil {
			return strings.TrimSpace(string(v))
		}
	}
	return ""
}
