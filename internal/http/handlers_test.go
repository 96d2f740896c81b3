package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"clinic-intake/internal/core"
	"clinic-intake/pkg"
)

type fakeEngine struct {
	startResp *pkg.ChatResponse
	startErr  error
	turnResp  *pkg.ChatResponse
	turnErr   error

	lastThreadID string
	lastMessage  string
	lastKey      string
}

func (f *fakeEngine) StartSession(ctx context.Context, mode string) (*pkg.ChatResponse, error) {
	return f.startResp, f.startErr
}

func (f *fakeEngine) ProcessTurn(ctx context.Context, threadID, message, clientKey string) (*pkg.ChatResponse, error) {
	f.lastThreadID, f.lastMessage, f.lastKey = threadID, message, clientKey
	return f.turnResp, f.turnErr
}

type fakeReadStore struct {
	report      *pkg.Report
	reportErr   error
	escalations []pkg.Escalation
	resolveErr  error
	resolved    []string
	notes       []string
	caseView    *pkg.CaseView
	caseErr     error
	job         *pkg.Job
	jobErr      error
}

func (f *fakeReadStore) LatestReport(ctx context.Context, threadID string) (*pkg.Report, error) {
	return f.report, f.reportErr
}

func (f *fakeReadStore) ListPendingEscalations(ctx context.Context) ([]pkg.Escalation, error) {
	return f.escalations, nil
}

func (f *fakeReadStore) ResolveEscalation(ctx context.Context, escID, note string) error {
	if f.resolveErr != nil {
		return f.resolveErr
	}
	f.resolved = append(f.resolved, escID)
	f.notes = append(f.notes, note)
	return nil
}

func (f *fakeReadStore) CaseView(ctx context.Context, threadID string) (*pkg.CaseView, error) {
	return f.caseView, f.caseErr
}

func (f *fakeReadStore) Job(ctx context.Context, jobID string) (*pkg.Job, error) {
	return f.job, f.jobErr
}

type fakeListener struct {
	ch chan string
}

func (f *fakeListener) Listen(ctx context.Context) (<-chan string, error) {
	return f.ch, nil
}

const testToken = "test-token"

func newTestServer(engine *fakeEngine, store *fakeReadStore, listener EscalationListener) *httptest.Server {
	s := NewServer(engine, store, listener, testToken, nil)
	return httptest.NewServer(s.Router())
}

func postJSON(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func getWithToken(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("X-Clinician-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestStartEndpoint(t *testing.T) {
	engine := &fakeEngine{startResp: &pkg.ChatResponse{
		ThreadID: "t-1", Reply: "hello", Phase: pkg.PhaseIdentity, Status: pkg.StatusActive,
	}}
	ts := newTestServer(engine, &fakeReadStore{}, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/start", `{"mode":"ed"}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out pkg.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.ThreadID != "t-1" || out.Reply != "hello" {
		t.Errorf("out = %+v", out)
	}

	// An empty body is allowed and means clinic mode.
	resp = postJSON(t, ts.URL+"/start", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("empty body status = %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/start", "{bad json", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad json status = %d", resp.StatusCode)
	}
}

func TestChatEndpoint(t *testing.T) {
	engine := &fakeEngine{turnResp: &pkg.ChatResponse{
		Reply: "ok", Phase: pkg.PhaseIdentity, Status: pkg.StatusActive,
	}}
	ts := newTestServer(engine, &fakeReadStore{}, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/chat", `{"thread_id":"t-1","message":"Jane Doe","client_msg_id":"m-1"}`, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if engine.lastThreadID != "t-1" || engine.lastMessage != "Jane Doe" || engine.lastKey != "m-1" {
		t.Errorf("engine got %q %q %q", engine.lastThreadID, engine.lastMessage, engine.lastKey)
	}

	// Missing required fields are rejected before the engine runs.
	resp = postJSON(t, ts.URL+"/chat", `{"message":"hi"}`, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing fields status = %d", resp.StatusCode)
	}
}

func TestChatErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{core.ErrEmptyMessage, http.StatusBadRequest},
		{core.ErrMessageTooLong, http.StatusBadRequest},
		{core.ErrSessionNotFound, http.StatusNotFound},
		{core.ErrIdempotencyConflict, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, c := range cases {
		engine := &fakeEngine{turnErr: c.err}
		ts := newTestServer(engine, &fakeReadStore{}, nil)

		resp := postJSON(t, ts.URL+"/chat", `{"thread_id":"t-1","message":"x","client_msg_id":"m-1"}`, nil)
		resp.Body.Close()
		ts.Close()
		if resp.StatusCode != c.want {
			t.Errorf("err %v: status = %d, want %d", c.err, resp.StatusCode, c.want)
		}
	}
}

func TestReportEndpoint(t *testing.T) {
	store := &fakeReadStore{report: &pkg.Report{ReportID: "r-1", ThreadID: "t-1", ReportText: "note"}}
	ts := newTestServer(&fakeEngine{}, store, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/report/t-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Latest *pkg.Report `json:"latest"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Latest == nil || out.Latest.ReportID != "r-1" {
		t.Errorf("out = %+v", out)
	}
}

func TestReportNotFound(t *testing.T) {
	store := &fakeReadStore{reportErr: pkg.ErrNotFound}
	ts := newTestServer(&fakeEngine{}, store, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/report/t-1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestJobEndpoint(t *testing.T) {
	store := &fakeReadStore{job: &pkg.Job{JobID: "j-1", Status: pkg.JobDone}}
	ts := newTestServer(&fakeEngine{}, store, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/jobs/j-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out pkg.Job
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.JobID != "j-1" || out.Status != pkg.JobDone {
		t.Errorf("out = %+v", out)
	}

	store.job, store.jobErr = nil, pkg.ErrNotFound
	resp, err = http.Get(ts.URL + "/jobs/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestClinicianAuth(t *testing.T) {
	ts := newTestServer(&fakeEngine{}, &fakeReadStore{}, nil)
	defer ts.Close()

	resp := getWithToken(t, ts.URL+"/clinician/pending", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	resp = getWithToken(t, ts.URL+"/clinician/pending", "wrong")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", resp.StatusCode)
	}

	resp = getWithToken(t, ts.URL+"/clinician/pending", testToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", resp.StatusCode)
	}
}

func TestClinicianAuthDisabledWhenTokenEmpty(t *testing.T) {
	s := NewServer(&fakeEngine{}, &fakeReadStore{}, nil, "", nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	// An unset token locks the clinician surface rather than opening it.
	resp := getWithToken(t, ts.URL+"/clinician/pending", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestPendingReturnsEmptyArray(t *testing.T) {
	ts := newTestServer(&fakeEngine{}, &fakeReadStore{}, nil)
	defer ts.Close()

	resp := getWithToken(t, ts.URL+"/clinician/pending", testToken)
	defer resp.Body.Close()
	var out []pkg.Escalation
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out == nil {
		t.Error("expected [], not null")
	}
}

func TestResolveEndpoint(t *testing.T) {
	store := &fakeReadStore{}
	ts := newTestServer(&fakeEngine{}, store, nil)
	defer ts.Close()

	headers := map[string]string{"X-Clinician-Token": testToken}

	resp := postJSON(t, ts.URL+"/clinician/resolve", `{"esc_id":"e-1","nurse_note":"spoke to patient"}`, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(store.resolved) != 1 || store.resolved[0] != "e-1" || store.notes[0] != "spoke to patient" {
		t.Errorf("resolved = %v notes = %v", store.resolved, store.notes)
	}

	// Missing note falls back to a default.
	resp = postJSON(t, ts.URL+"/clinician/resolve", `{"esc_id":"e-2"}`, headers)
	resp.Body.Close()
	if store.notes[1] != "Resolved" {
		t.Errorf("default note = %q", store.notes[1])
	}

	resp = postJSON(t, ts.URL+"/clinician/resolve", `{}`, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing esc_id: status = %d", resp.StatusCode)
	}

	store.resolveErr = pkg.ErrNotFound
	resp = postJSON(t, ts.URL+"/clinician/resolve", `{"esc_id":"nope"}`, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown esc: status = %d", resp.StatusCode)
	}
}

func TestCaseEndpoint(t *testing.T) {
	store := &fakeReadStore{caseView: &pkg.CaseView{
		ThreadID:    "t-1",
		Messages:    []pkg.Message{{ID: 1, Role: pkg.RoleAssistant, Text: "hi"}},
		Escalations: []pkg.Escalation{},
	}}
	ts := newTestServer(&fakeEngine{}, store, nil)
	defer ts.Close()

	resp := getWithToken(t, ts.URL+"/clinician/case/t-1", testToken)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out pkg.CaseView
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.ThreadID != "t-1" || len(out.Messages) != 1 {
		t.Errorf("out = %+v", out)
	}
}

func TestPendingStream(t *testing.T) {
	listener := &fakeListener{ch: make(chan string, 1)}
	listener.ch <- "t-42"
	ts := newTestServer(&fakeEngine{}, &fakeReadStore{}, listener)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/clinician/pending/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Clinician-Token", testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	event := string(buf[:n])
	if !strings.HasPrefix(event, "data: ") || !strings.Contains(event, `"thread_id":"t-42"`) {
		t.Errorf("event = %q", event)
	}
	close(listener.ch)
}

func TestPendingStreamUnavailableWithoutListener(t *testing.T) {
	ts := newTestServer(&fakeEngine{}, &fakeReadStore{}, nil)
	defer ts.Close()

	resp := getWithToken(t, ts.URL+"/clinician/pending/stream", testToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
