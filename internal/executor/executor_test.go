package executor_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/internal/cache"
	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/executor"
	"github.com/voxrelay/voxrelay/internal/gate"
	"github.com/voxrelay/voxrelay/internal/sink"
)

// fakeSession implements [executor.Session] for tests.
type fakeSession struct {
	id   string
	conn string

	mu     sync.Mutex
	pushes []map[string]any
}

func (s *fakeSession) SessionID() string    { return s.id }
func (s *fakeSession) ConnectionID() string { return s.conn }

func (s *fakeSession) ContextSnapshot() map[string]any {
	return map[string]any{"session_id": s.id}
}

func (s *fakeSession) History(limit int) []map[string]any {
	items := []map[string]any{
		{"kind": "user_message", "content": "book a table"},
		{"kind": "assistant_message", "content": "which day?"},
	}
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *fakeSession) PushBrowser(payload map[string]any) {
	s.mu.Lock()
	s.pushes = append(s.pushes, payload)
	s.mu.Unlock()
}

func (s *fakeSession) NudgeAgent(string, string) {}

// sinkSpy records sink writes.
type sinkSpy struct {
	mu    sync.Mutex
	kinds []sink.Kind
}

func (r *sinkSpy) Record(kind sink.Kind, _ map[string]any) {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
}

func (r *sinkSpy) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.kinds)
}

// fakeAnalytics implements [executor.AnalyticsReader].
type fakeAnalytics struct {
	stats []map[string]any
	err   error
}

func (a *fakeAnalytics) SessionStats(context.Context, string, int) ([]map[string]any, error) {
	return a.stats, a.err
}

// testExec bundles an executor with its collaborators.
type testExec struct {
	exec     *executor.Executor
	registry *gate.Registry
	waiters  *gate.Waiters
	store    *cache.Cache
	records  *sinkSpy
	sess     *fakeSession
}

func newTestExec(t *testing.T, tools config.ToolsConfig, callbacks config.CallbacksConfig, analytics executor.AnalyticsReader) *testExec {
	t.Helper()

	if tools.DispatchTimeout == 0 {
		tools.DispatchTimeout = 5 * time.Second
	}
	te := &testExec{
		registry: gate.NewRegistry(time.Minute),
		waiters:  gate.NewWaiters(time.Minute),
		store:    cache.New(cache.Config{}),
		records:  &sinkSpy{},
		sess:     &fakeSession{id: "s1", conn: "c1"},
	}
	te.exec = executor.New(executor.Config{
		Tools:     tools,
		Callbacks: callbacks,
		Registry:  te.registry,
		Waiters:   te.waiters,
		Store:     te.store,
		Recorder:  te.records,
		Analytics: analytics,
	})
	return te
}

func parseOutput(t *testing.T, out string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("output %q is not JSON: %v", out, err)
	}
	return m
}

// ── Webhook dispatch ──────────────────────────────────────────────────────────

func TestExecute_DedicatedWebhookSpreadsArgs(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"acknowledged":true}`))
	}))
	defer srv.Close()

	te := newTestExec(t,
		config.ToolsConfig{Webhooks: map[string]string{"send_email": srv.URL}},
		config.CallbacksConfig{BaseURL: "http://127.0.0.1:9099"},
		nil,
	)

	out := te.exec.Execute(context.Background(), executor.FunctionCall{
		CallID:    "call_1",
		Name:      "send_email",
		Arguments: `{"to":"ada@example.com","subject":"hi"}`,
	}, te.sess)

	if body := parseOutput(t, out); body["acknowledged"] != true {
		t.Errorf("output = %v; want the webhook response passed through", body)
	}

	// Dedicated webhooks receive the args spread at top level.
	if got["to"] != "ada@example.com" || got["subject"] != "hi" {
		t.Errorf("request body = %v; args not spread", got)
	}
	if _, ok := got["function"]; ok {
		t.Error("dedicated webhook body carries a function field")
	}
	if got["connection_id"] != "c1" || got["session_id"] != "s1" {
		t.Errorf("identity fields = %v", got)
	}
	if got["callback_url"] != "http://127.0.0.1:9099/tool-progress" {
		t.Errorf("callback_url = %v", got["callback_url"])
	}

	toolCallID, _ := got["tool_call_id"].(string)
	if !strings.HasPrefix(toolCallID, "tc_") {
		t.Fatalf("tool_call_id = %q", toolCallID)
	}
	slot, ok := te.registry.Slot(toolCallID)
	if !ok || slot.FunctionName != "send_email" || slot.SessionID != "s1" {
		t.Errorf("slot = %+v, %v; want a registered callback slot", slot, ok)
	}

	pending := te.store.PendingTools("s1")
	if len(pending) != 1 || pending[0].Status != "DISPATCHED" {
		t.Errorf("pending tools = %+v", pending)
	}
}

func TestExecute_DispatcherWebhookNestsArgs(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	te := newTestExec(t,
		config.ToolsConfig{DefaultWebhook: srv.URL},
		config.CallbacksConfig{},
		nil,
	)

	te.exec.Execute(context.Background(), executor.FunctionCall{
		Name:      "book_table",
		Arguments: `{"people":4}`,
	}, te.sess)

	if got["function"] != "book_table" {
		t.Errorf("function = %v", got["function"])
	}
	args, _ := got["args"].(map[string]any)
	if args["people"] != float64(4) {
		t.Errorf("args = %v; want nested people=4", got["args"])
	}
	if _, ok := got["callback_url"]; ok {
		t.Error("callback_url present without a configured base URL")
	}
}

func TestExecute_NoWebhookConfigured(t *testing.T) {
	t.Parallel()

	te := newTestExec(t, config.ToolsConfig{}, config.CallbacksConfig{}, nil)
	out := te.exec.Execute(context.Background(), executor.FunctionCall{Name: "mystery"}, te.sess)

	body := parseOutput(t, out)
	if body["success"] != false || body["error"] != "NO_WEBHOOK_CONFIGURED" {
		t.Errorf("output = %v", body)
	}
}

func TestExecute_DispatchFailureReleases(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	te := newTestExec(t,
		config.ToolsConfig{Webhooks: map[string]string{"send_email": srv.URL}},
		config.CallbacksConfig{BaseURL: "http://localhost:9099"},
		nil,
	)

	out := te.exec.Execute(context.Background(), executor.FunctionCall{Name: "send_email"}, te.sess)

	body := parseOutput(t, out)
	if body["success"] != false || body["error"] != "DISPATCH_FAILED" {
		t.Fatalf("output = %v", body)
	}
	if _, slots := te.registry.Counts(); slots != 0 {
		t.Error("callback slot survived dispatch failure")
	}
	if pending := te.store.PendingTools("s1"); len(pending) != 0 {
		t.Errorf("pending tools = %+v; want released", pending)
	}
	if te.records.count() != 1 {
		t.Errorf("records = %d; want one failure record", te.records.count())
	}
}

func TestExecute_EmptyResponseNormalised(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	te := newTestExec(t,
		config.ToolsConfig{DefaultWebhook: srv.URL},
		config.CallbacksConfig{},
		nil,
	)

	out := te.exec.Execute(context.Background(), executor.FunctionCall{Name: "fire_and_forget"}, te.sess)
	if body := parseOutput(t, out); body["success"] != true {
		t.Errorf("output = %v; want normalised success", body)
	}
}

func TestExecute_InvalidArguments(t *testing.T) {
	t.Parallel()

	te := newTestExec(t, config.ToolsConfig{}, config.CallbacksConfig{}, nil)
	out := te.exec.Execute(context.Background(), executor.FunctionCall{
		Name:      "send_email",
		Arguments: `{"broken"`,
	}, te.sess)

	if body := parseOutput(t, out); body["error"] != "INVALID_ARGUMENTS" {
		t.Errorf("output = %v", body)
	}
}

func TestExecute_RejectedCallbackURLDropsCallback(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	// BaseURL host is not on the allowlist: the tool call proceeds without a
	// callback URL instead of failing.
	te := newTestExec(t,
		config.ToolsConfig{DefaultWebhook: srv.URL},
		config.CallbacksConfig{BaseURL: "https://attacker.example.org", Allowlist: []string{"relay.example.com"}},
		nil,
	)

	out := te.exec.Execute(context.Background(), executor.FunctionCall{Name: "send_email"}, te.sess)
	if body := parseOutput(t, out); body["success"] != true {
		t.Fatalf("output = %v; tool call must proceed", body)
	}
	if _, ok := got["callback_url"]; ok {
		t.Error("rejected callback URL still sent to the webhook")
	}
	if _, slots := te.registry.Counts(); slots != 0 {
		t.Error("callback slot registered despite rejected URL")
	}
}

func TestExecute_RemembersQueryResult(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"query_id":"q1","result":{"visits":12}}`))
	}))
	defer srv.Close()

	te := newTestExec(t,
		config.ToolsConfig{DefaultWebhook: srv.URL},
		config.CallbacksConfig{},
		nil,
	)

	te.exec.Execute(context.Background(), executor.FunctionCall{Name: "query_visits"}, te.sess)

	// The follow-up analytics question answers from the cached result.
	out := te.exec.Execute(context.Background(), executor.FunctionCall{Name: executor.ToolQueryAnalytics}, te.sess)
	body := parseOutput(t, out)
	if body["success"] != true || body["source"] != "cache" {
		t.Errorf("output = %v; want cache-sourced result", body)
	}
}

// ── Local tools ───────────────────────────────────────────────────────────────

func TestConfirmPending_ResolvesSoleWaiter(t *testing.T) {
	t.Parallel()

	te := newTestExec(t, config.ToolsConfig{}, config.CallbacksConfig{}, nil)
	te.store.TrackPendingTool("s1", cache.PendingTool{ToolCallID: "tc_9", FunctionName: "send_email"})
	ch, err := te.waiters.Create("tc_9", "s1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The model omits the id; the session's only suspended waiter is used.
	out := te.exec.Execute(context.Background(), executor.FunctionCall{
		Name:      executor.ToolConfirmPending,
		Arguments: `{"confirmed":true}`,
	}, te.sess)

	body := parseOutput(t, out)
	if body["success"] != true || body["tool_call_id"] != "tc_9" {
		t.Fatalf("output = %v", body)
	}

	select {
	case res := <-ch:
		if !res.Continue {
			t.Errorf("resolution = %+v; want confirm", res)
		}
	default:
		t.Fatal("waiter not resolved")
	}
}

func TestConfirmPending_Decline(t *testing.T) {
	t.Parallel()

	te := newTestExec(t, config.ToolsConfig{}, config.CallbacksConfig{}, nil)
	ch, _ := te.waiters.Create("tc_9", "s1")

	out := te.exec.Execute(context.Background(), executor.FunctionCall{
		Name:      executor.ToolConfirmPending,
		Arguments: `{"tool_call_id":"tc_9","confirmed":false,"reason":"wrong recipient"}`,
	}, te.sess)

	if body := parseOutput(t, out); body["success"] != true || body["confirmed"] != false {
		t.Fatalf("output = %v", body)
	}
	res := <-ch
	if !res.Cancel || res.Reason != "wrong recipient" {
		t.Errorf("resolution = %+v", res)
	}
}

func TestConfirmPending_NothingPending(t *testing.T) {
	t.Parallel()

	te := newTestExec(t, config.ToolsConfig{}, config.CallbacksConfig{}, nil)
	out := te.exec.Execute(context.Background(), executor.FunctionCall{
		Name:      executor.ToolConfirmPending,
		Arguments: `{"confirmed":true}`,
	}, te.sess)

	body := parseOutput(t, out)
	if body["success"] != false || body["message"] != "no pending action" {
		t.Errorf("output = %v", body)
	}
}

func TestSessionContext(t *testing.T) {
	t.Parallel()

	te := newTestExec(t, config.ToolsConfig{}, config.CallbacksConfig{}, nil)
	te.store.SetContext("s1", "customer", "acme", false)
	te.store.TrackPendingTool("s1", cache.PendingTool{ToolCallID: "tc_1", FunctionName: "send_email", Status: "DISPATCHED"})

	out := te.exec.Execute(context.Background(), executor.FunctionCall{Name: executor.ToolSessionContext}, te.sess)
	body := parseOutput(t, out)
	if body["success"] != true {
		t.Fatalf("output = %v", body)
	}
	ctxMap, _ := body["context"].(map[string]any)
	if ctxMap["customer"] != "acme" {
		t.Errorf("context = %v", body["context"])
	}
	tools, _ := body["pending_tools"].([]any)
	if len(tools) != 1 {
		t.Errorf("pending_tools = %v", body["pending_tools"])
	}
}

func TestQueryHistory(t *testing.T) {
	t.Parallel()

	te := newTestExec(t, config.ToolsConfig{}, config.CallbacksConfig{}, nil)
	te.store.TrackPendingTool("s1", cache.PendingTool{ToolCallID: "tc_1", FunctionName: "send_email"})
	te.store.ResolvePendingTool("s1", "tc_1", "COMPLETED")

	out := te.exec.Execute(context.Background(), executor.FunctionCall{
		Name:      executor.ToolQueryHistory,
		Arguments: `{"limit":1}`,
	}, te.sess)

	body := parseOutput(t, out)
	items, _ := body["items"].([]any)
	if len(items) != 1 {
		t.Errorf("items = %v; want limit applied", body["items"])
	}
	tools, _ := body["recent_tools"].([]any)
	if len(tools) != 1 {
		t.Errorf("recent_tools = %v", body["recent_tools"])
	}
}

func TestQueryAnalytics_FallsBackToStore(t *testing.T) {
	t.Parallel()

	analytics := &fakeAnalytics{stats: []map[string]any{{"tool_call_id": "tc_1", "status": "success"}}}
	te := newTestExec(t, config.ToolsConfig{}, config.CallbacksConfig{}, analytics)

	out := te.exec.Execute(context.Background(), executor.FunctionCall{Name: executor.ToolQueryAnalytics}, te.sess)
	body := parseOutput(t, out)
	if body["success"] != true || body["source"] != "store" {
		t.Errorf("output = %v", body)
	}
}

func TestQueryAnalytics_Unavailable(t *testing.T) {
	t.Parallel()

	te := newTestExec(t, config.ToolsConfig{}, config.CallbacksConfig{}, nil)
	out := te.exec.Execute(context.Background(), executor.FunctionCall{Name: executor.ToolQueryAnalytics}, te.sess)
	if body := parseOutput(t, out); body["success"] != false {
		t.Errorf("output = %v", body)
	}
}

func TestNewToolCallID(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := executor.NewToolCallID()
		if !strings.HasPrefix(id, "tc_") {
			t.Fatalf("id = %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
