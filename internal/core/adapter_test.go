package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeLLM returns canned responses in order, then repeats the last one.
type fakeLLM struct {
	responses []string
	errs      []error
	calls     int
	delay     time.Duration
}

func (f *fakeLLM) step(ctx context.Context) (string, error) {
	i := f.calls
	f.calls++
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.responses[i], err
}

func (f *fakeLLM) Extract(ctx context.Context, system, prompt string) (string, error) {
	return f.step(ctx)
}

func (f *fakeLLM) GenerateReport(ctx context.Context, system, prompt string) (string, error) {
	return f.step(ctx)
}

func validAnything(data []byte) error { return nil }

func TestExtractJSONFirstTry(t *testing.T) {
	f := &fakeLLM{responses: []string{`{"ok":true}`}}
	a := NewAdapter(f, time.Second, nil)

	out, err := a.ExtractJSON(context.Background(), "test", "sys", "prompt", validAnything)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if string(out) != `{"ok":true}` {
		t.Errorf("out = %s", out)
	}
	if f.calls != 1 {
		t.Errorf("calls = %d, want 1", f.calls)
	}
}

func TestExtractJSONStripsFences(t *testing.T) {
	f := &fakeLLM{responses: []string{"Sure! Here you go:\n```json\n{\"ok\":true}\n```"}}
	a := NewAdapter(f, time.Second, nil)

	out, err := a.ExtractJSON(context.Background(), "test", "sys", "prompt", validAnything)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if string(out) != `{"ok":true}` {
		t.Errorf("out = %s", out)
	}
}

func TestExtractJSONRepairRetry(t *testing.T) {
	f := &fakeLLM{responses: []string{"this is not json", `{"ok":true}`}}
	a := NewAdapter(f, time.Second, nil)

	out, err := a.ExtractJSON(context.Background(), "test", "sys", "prompt", validAnything)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if string(out) != `{"ok":true}` {
		t.Errorf("out = %s", out)
	}
	if f.calls != 2 {
		t.Errorf("calls = %d, want exactly one retry", f.calls)
	}
}

func TestExtractJSONValidationFailureRetries(t *testing.T) {
	f := &fakeLLM{responses: []string{`{"bad":1}`, `{"good":1}`}}
	a := NewAdapter(f, time.Second, nil)

	validate := func(data []byte) error {
		if string(data) == `{"good":1}` {
			return nil
		}
		return errors.New("wrong shape")
	}
	out, err := a.ExtractJSON(context.Background(), "test", "sys", "prompt", validate)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if string(out) != `{"good":1}` {
		t.Errorf("out = %s", out)
	}
}

func TestExtractJSONFallbackAfterTwoFailures(t *testing.T) {
	f := &fakeLLM{responses: []string{"garbage", "more garbage"}}
	a := NewAdapter(f, time.Second, nil)

	_, err := a.ExtractJSON(context.Background(), "test", "sys", "prompt", validAnything)
	if !errors.Is(err, ErrFallback) {
		t.Fatalf("err = %v, want ErrFallback", err)
	}
	if f.calls != 2 {
		t.Errorf("calls = %d, want 2 (no third attempt)", f.calls)
	}
}

func TestExtractJSONCallErrorRetries(t *testing.T) {
	f := &fakeLLM{
		responses: []string{"", `{"ok":true}`},
		errs:      []error{errors.New("rate limited"), nil},
	}
	a := NewAdapter(f, time.Second, nil)

	out, err := a.ExtractJSON(context.Background(), "test", "sys", "prompt", validAnything)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if string(out) != `{"ok":true}` {
		t.Errorf("out = %s", out)
	}
}

func TestExtractJSONTimeout(t *testing.T) {
	f := &fakeLLM{responses: []string{`{"ok":true}`}, delay: 200 * time.Millisecond}
	a := NewAdapter(f, 20*time.Millisecond, nil)

	_, err := a.ExtractJSON(context.Background(), "test", "sys", "prompt", validAnything)
	if !errors.Is(err, ErrFallback) {
		t.Fatalf("err = %v, want ErrFallback on timeout", err)
	}
}

func TestExtractJSONValue(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"prefix text {\"a\":1} suffix", `{"a":1}`},
		{"```json\n[1,2]\n```", `[1,2]`},
		{"no json here", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := extractJSONValue(c.in); got != c.want {
			t.Errorf("extractJSONValue(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
