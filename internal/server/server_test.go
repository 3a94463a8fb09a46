package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/rlm/internal/config"
	"github.com/michaelbrown/rlm/internal/llm"
	"github.com/michaelbrown/rlm/internal/sandbox"
	"github.com/michaelbrown/rlm/internal/storage"
	"github.com/michaelbrown/rlm/internal/storage/sqlite"
	"github.com/michaelbrown/rlm/internal/tools"
)

type testEnv struct {
	srv      *httptest.Server
	manager  *sandbox.Manager
	hub      *EventHub
	recorder *storage.Recorder
}

func newTestEnv(t *testing.T, store storage.Store) *testEnv {
	t.Helper()

	hub := NewEventHub()
	observers := sandbox.Observers{hub}
	var recorder *storage.Recorder
	if store != nil {
		recorder = storage.NewRecorder(store, nil)
		observers = append(observers, recorder)
	}
	echo := llm.CompleterFunc(func(_ context.Context, req llm.CompletionRequest) (string, error) {
		return "sub:" + req.Prompt, nil
	})
	m := sandbox.NewManager(
		sandbox.WithScratchRoot(t.TempDir()),
		sandbox.WithCompleters(sandbox.StaticCompleters{"fake": echo}),
		sandbox.WithObserver(observers),
	)

	cfg := &config.Config{Sandbox: sandbox.DefaultConfig()}
	s := New(cfg, m, store, hub, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Shutdown(context.Background())
		if recorder != nil {
			recorder.Close()
		}
	})
	return &testEnv{srv: ts, manager: m, hub: hub, recorder: recorder}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func (e *testEnv) createSession(t *testing.T, body any) string {
	t.Helper()
	resp, data := e.do(t, http.MethodPost, "/api/sessions", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d: %s", resp.StatusCode, data)
	}
	var info sandbox.SessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatal(err)
	}
	return info.ID
}

func (e *testEnv) execute(t *testing.T, id, code string) tools.Result {
	t.Helper()
	resp, data := e.do(t, http.MethodPost, "/api/sessions/"+id+"/execute", map[string]any{"code": code})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute: status %d: %s", resp.StatusCode, data)
	}
	var res tools.Result
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatal(err)
	}
	return res
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	id := env.createSession(t, map[string]any{"context": "The quick brown fox"})

	res := env.execute(t, id, "print(len(context))")
	if res.Status != "success" || res.Stdout != "19\n" {
		t.Errorf("unexpected result: %+v", res)
	}

	env.execute(t, id, "x = 41")
	resp, data := env.do(t, http.MethodGet, "/api/sessions/"+id+"/variables", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("variables: status %d", resp.StatusCode)
	}
	var vars map[string]any
	if err := json.Unmarshal(data, &vars); err != nil {
		t.Fatal(err)
	}
	if vars["x"] != 41.0 {
		t.Errorf("x = %v, want 41", vars["x"])
	}

	resp, _ = env.do(t, http.MethodPost, "/api/sessions/"+id+"/reset", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("reset: status %d", resp.StatusCode)
	}
	res = env.execute(t, id, "print(x)")
	if res.Error == nil || res.Error.Kind != "UndefinedSymbol" {
		t.Errorf("expected UndefinedSymbol after reset, got %+v", res)
	}

	resp, data = env.do(t, http.MethodGet, "/api/sessions", nil)
	var list []sandbox.SessionInfo
	json.Unmarshal(data, &list)
	if resp.StatusCode != http.StatusOK || len(list) != 1 || list[0].ID != id {
		t.Errorf("list: status %d, sessions %+v", resp.StatusCode, list)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: status %d", resp.StatusCode)
	}

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/sessions/" + id},
		{http.MethodPost, "/api/sessions/" + id + "/execute"},
		{http.MethodPost, "/api/sessions/" + id + "/reset"},
		{http.MethodDelete, "/api/sessions/" + id},
	} {
		resp, _ := env.do(t, tc.method, tc.path, map[string]any{"code": "print(1)"})
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s after close: status %d, want 404", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestCreateSessionConfig(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		config map[string]any
		want   int
	}{
		{"defaults", nil, http.StatusCreated},
		{"overrides", map[string]any{"code_timeout": "5s", "truncate_output_chars": 100}, http.StatusCreated},
		{"negative truncation", map[string]any{"truncate_output_chars": -1}, http.StatusBadRequest},
		{"bad duration", map[string]any{"code_timeout": "soon"}, http.StatusBadRequest},
		{"unknown sub model", map[string]any{"sub_model": "nope"}, http.StatusBadRequest},
		{"bad grounding mode", map[string]any{"grounding_mode": "sometimes"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := map[string]any{"context": "ctx"}
			if tt.config != nil {
				body["config"] = tt.config
			}
			resp, data := env.do(t, http.MethodPost, "/api/sessions", body)
			if resp.StatusCode != tt.want {
				t.Errorf("status %d, want %d: %s", resp.StatusCode, tt.want, data)
			}
		})
	}
}

func TestExecuteDelegation(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t, map[string]any{
		"context": map[string]any{"items": []string{"a", "b"}},
		"config":  map[string]any{"sub_model": "fake"},
	})

	res := env.execute(t, id, `print(llm_query("hi " .. #context.items))`)
	if res.Stdout != "sub:hi 2\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestVariablesNonFinite(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t, map[string]any{"context": "ctx"})
	env.execute(t, id, "x = 0/0\ny = 2")

	resp, data := env.do(t, http.MethodGet, "/api/sessions/"+id+"/variables", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("variables: status %d: %s", resp.StatusCode, data)
	}
	var vars map[string]any
	if err := json.Unmarshal(data, &vars); err != nil {
		t.Fatalf("decoding %q: %v", data, err)
	}
	if vars["x"] != "nan" || vars["y"] != 2.0 {
		t.Errorf("vars = %v", vars)
	}
}

func TestExecuteRequiresCode(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t, map[string]any{"context": "ctx"})

	resp, _ := env.do(t, http.MethodPost, "/api/sessions/"+id+"/execute", map[string]any{"code": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
}

func TestHistoryFromStore(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	env := newTestEnv(t, store)
	id := env.createSession(t, map[string]any{"context": "ctx"})
	env.execute(t, id, "print('one')")
	env.execute(t, id, "error('two')")
	env.recorder.Flush()

	resp, data := env.do(t, http.MethodGet, "/api/sessions/"+id+"/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: status %d: %s", resp.StatusCode, data)
	}
	var execs []storage.ExecutionRecord
	if err := json.Unmarshal(data, &execs); err != nil {
		t.Fatal(err)
	}
	if len(execs) != 2 {
		t.Fatalf("got %d executions, want 2", len(execs))
	}
	if execs[0].Stdout != "one\n" || execs[1].Status != "error" {
		t.Errorf("unexpected history: %+v", execs)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/sessions/does-not-exist/history", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown history: status %d, want 404", resp.StatusCode)
	}
}

func TestGround(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := "Q3 revenue grew 45% year over year."

	resp, data := env.do(t, http.MethodPost, "/api/ground", map[string]any{
		"info":      "Revenue grew 45% [1], margins fell [2].",
		"grounding": map[string]string{"1": "revenue grew 45%", "2": "margins fell"},
		"context":   ctx,
		"mode":      "drop",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("drop: status %d: %s", resp.StatusCode, data)
	}
	var dropped struct {
		Grounding map[string]string `json:"grounding"`
		Dropped   []string          `json:"dropped"`
	}
	json.Unmarshal(data, &dropped)
	if len(dropped.Grounding) != 1 || len(dropped.Dropped) != 1 || dropped.Dropped[0] != "2" {
		t.Errorf("unexpected drop result: %s", data)
	}

	id := env.createSession(t, map[string]any{"context": ctx})
	resp, data = env.do(t, http.MethodPost, "/api/ground", map[string]any{
		"response":   "```json\n{\"info\": \"It grew [1].\", \"grounding\": {\"1\": \"grew 46%\"}}\n```",
		"session_id": id,
		"mode":       "reject",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("reject: status %d: %s", resp.StatusCode, data)
	}
	if !strings.Contains(string(data), "GroundingMismatch") {
		t.Errorf("reject body = %s", data)
	}
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t, map[string]any{"context": "ctx"})

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/sessions/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	env.execute(t, id, "print('hi')")
	env.do(t, http.MethodDelete, "/api/sessions/"+id, nil)

	var got []sandbox.EventType
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var e sandbox.Event
		if err := conn.ReadJSON(&e); err != nil {
			break
		}
		got = append(got, e.Type)
	}

	want := []sandbox.EventType{
		sandbox.EventSnippetSubmitted,
		sandbox.EventSnippetCompleted,
		sandbox.EventSessionClosed,
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEventsUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, http.MethodGet, "/api/sessions/missing/events", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d, want 404", resp.StatusCode)
	}
}

func TestEventHub(t *testing.T) {
	hub := NewEventHub()
	a, cancelA := hub.Subscribe("s1")
	_, cancelB := hub.Subscribe("s1")

	hub.OnEvent(sandbox.Event{Type: sandbox.EventSessionReset, SessionID: "s1"})
	hub.OnEvent(sandbox.Event{Type: sandbox.EventSessionReset, SessionID: "s2"})

	if e := <-a; e.Type != sandbox.EventSessionReset {
		t.Errorf("got %s", e.Type)
	}
	select {
	case e := <-a:
		t.Errorf("unexpected event for other session: %+v", e)
	default:
	}

	if n := hub.Subscribers("s1"); n != 2 {
		t.Errorf("subscribers = %d, want 2", n)
	}
	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Error("channel should be closed after cancel")
	}
	hub.CloseAll()
	cancelB()
	if n := hub.Subscribers("s1"); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
}
