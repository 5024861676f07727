package gate_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/internal/cache"
	"github.com/voxrelay/voxrelay/internal/gate"
	"github.com/voxrelay/voxrelay/internal/ratelimit"
	"github.com/voxrelay/voxrelay/internal/sink"
)

// notifierSpy records browser pushes and agent nudges.
type notifierSpy struct {
	mu     sync.Mutex
	pushes []map[string]any
	nudges []string
}

func (n *notifierSpy) PushBrowser(payload map[string]any) {
	n.mu.Lock()
	n.pushes = append(n.pushes, payload)
	n.mu.Unlock()
}

func (n *notifierSpy) NudgeAgent(status, _ string) {
	n.mu.Lock()
	n.nudges = append(n.nudges, status)
	n.mu.Unlock()
}

func (n *notifierSpy) pushCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pushes)
}

func (n *notifierSpy) nudgeList() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.nudges...)
}

func (n *notifierSpy) lastPush() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pushes) == 0 {
		return nil
	}
	return n.pushes[len(n.pushes)-1]
}

// recordSpy records sink kinds.
type recordSpy struct {
	mu    sync.Mutex
	kinds []sink.Kind
}

func (r *recordSpy) Record(kind sink.Kind, _ map[string]any) {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
}

func (r *recordSpy) has(kind sink.Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (r *recordSpy) list() []sink.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sink.Kind{}, r.kinds...)
}

// testGate bundles one handler with its collaborators and an httptest server.
type testGate struct {
	srv      *httptest.Server
	verifier *gate.Verifier
	registry *gate.Registry
	waiters  *gate.Waiters
	store    *cache.Cache
	records  *recordSpy
}

type gateOptions struct {
	secret       string
	rateLimit    int
	gate2Timeout time.Duration
}

func newTestGate(t *testing.T, opts gateOptions) *testGate {
	t.Helper()

	if opts.rateLimit == 0 {
		opts.rateLimit = 1000
	}
	if opts.gate2Timeout == 0 {
		opts.gate2Timeout = time.Minute
	}

	tg := &testGate{
		verifier: gate.NewVerifier(opts.secret),
		registry: gate.NewRegistry(time.Minute),
		waiters:  gate.NewWaiters(opts.gate2Timeout),
		store:    cache.New(cache.Config{}),
		records:  &recordSpy{},
	}

	h := gate.NewHandler(gate.HandlerConfig{
		Limiter:      ratelimit.New(opts.rateLimit, time.Minute),
		Verifier:     tg.verifier,
		Idem:         gate.NewIdempotency(time.Minute),
		Registry:     tg.registry,
		Waiters:      tg.waiters,
		Store:        tg.store,
		Recorder:     tg.records,
		SessionCount: func() int { return 2 },
	})

	mux := http.NewServeMux()
	h.Register(mux)
	tg.srv = httptest.NewServer(mux)
	t.Cleanup(tg.srv.Close)
	return tg
}

// post sends a signed POST when the verifier carries a secret.
func (tg *testGate) post(t *testing.T, path, body string) (int, []byte) {
	t.Helper()

	status, data, err := tg.tryPost(path, body)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return status, data
}

// tryPost is the goroutine-safe variant of post: no testing.T calls.
func (tg *testGate) tryPost(path, body string) (int, []byte, error) {
	req, err := http.NewRequest(http.MethodPost, tg.srv.URL+path, bytes.NewReader([]byte(body)))
	if err != nil {
		return 0, nil, err
	}
	if tg.verifier.Enabled() {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(gate.HeaderTimestamp, ts)
		req.Header.Set(gate.HeaderSignature, tg.verifier.Sign(ts, []byte(body)))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func (tg *testGate) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()

	resp, err := http.Get(tg.srv.URL + path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, body
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ── /tool-progress ────────────────────────────────────────────────────────────

func TestToolProgress_Gate1NotifiesAndContinues(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{})
	spy := &notifierSpy{}
	tg.registry.RegisterSlot(gate.CallbackSlot{
		ToolCallID: "tc_1", SessionID: "s1", FunctionName: "send_email", Notifier: spy,
	})
	tg.store.TrackPendingTool("s1", cache.PendingTool{ToolCallID: "tc_1", FunctionName: "send_email"})

	status, data := tg.post(t, "/tool-progress", `{"tool_call_id":"tc_1","status":"PREPARING"}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d; body %s", status, data)
	}
	body := decode(t, data)
	if body["continue"] != true || body["cancel"] != false {
		t.Errorf("body = %v; want continue without cancel", body)
	}

	if spy.pushCount() != 1 {
		t.Fatalf("pushes = %d; want 1", spy.pushCount())
	}
	push := spy.lastPush()
	if push["gate"] != 1 || push["status"] != gate.StatusPreparing {
		t.Errorf("push = %v", push)
	}

	pending := tg.store.PendingTools("s1")
	if len(pending) != 1 || pending[0].Status != gate.StatusPreparing {
		t.Errorf("pending tools = %+v", pending)
	}
}

func TestToolProgress_DuplicateRepliesFromCache(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{})
	spy := &notifierSpy{}
	tg.registry.RegisterSlot(gate.CallbackSlot{ToolCallID: "tc_1", SessionID: "s1", Notifier: spy})

	payload := `{"tool_call_id":"tc_1","status":"PREPARING"}`
	_, first := tg.post(t, "/tool-progress", payload)
	_, second := tg.post(t, "/tool-progress", payload)

	if !bytes.Equal(first, second) {
		t.Errorf("duplicate response differs: %s vs %s", first, second)
	}
	if spy.pushCount() != 1 {
		t.Errorf("pushes = %d; duplicate re-ran side effects", spy.pushCount())
	}
}

func TestToolProgress_CancelShortCircuitsGate1(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{})
	tg.registry.RequestCancel("tc_1", "changed my mind", "s1")

	_, data := tg.post(t, "/tool-progress", `{"tool_call_id":"tc_1","status":"PREPARING"}`)
	body := decode(t, data)
	if body["continue"] != false || body["cancel"] != true || body["reason"] != "changed my mind" {
		t.Errorf("body = %v; want cancel short-circuit", body)
	}
	if _, ok := tg.registry.PeekCancel("tc_1"); ok {
		t.Error("cancel request not consumed")
	}
}

func TestToolProgress_NonCancellableParksCancel(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{})
	tg.registry.RequestCancel("tc_1", "too late", "s1")

	_, data := tg.post(t, "/tool-progress",
		`{"tool_call_id":"tc_1","status":"PREPARING","cancellable":false}`)
	body := decode(t, data)
	if body["continue"] != true {
		t.Errorf("body = %v; non-cancellable gate must continue", body)
	}
	if _, ok := tg.registry.PeekCancel("tc_1"); !ok {
		t.Error("cancel request consumed by a non-cancellable gate")
	}
}

func TestToolProgress_Gate2ConfirmResumes(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{})

	type result struct {
		status int
		data   []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, data, err := tg.tryPost("/tool-progress",
			`{"tool_call_id":"tc_1","status":"READY_TO_SEND"}`)
		done <- result{status, data, err}
	}()

	waitUntil(t, func() bool { return tg.waiters.Has("tc_1") })
	status, data := tg.post(t, "/tool-confirm", `{"tool_call_id":"tc_1"}`)
	if status != http.StatusOK {
		t.Fatalf("confirm status = %d; body %s", status, data)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("gate 2 request: %v", res.err)
	}
	if res.status != http.StatusOK {
		t.Fatalf("gate 2 status = %d", res.status)
	}
	body := decode(t, res.data)
	if body["continue"] != true || body["cancel"] != false {
		t.Errorf("gate 2 body = %v; want continue", body)
	}
}

func TestToolProgress_Gate2CancelResumes(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{})

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		_, data, err := tg.tryPost("/tool-progress",
			`{"tool_call_id":"tc_1","status":"READY_TO_SEND"}`)
		done <- result{data, err}
	}()

	waitUntil(t, func() bool { return tg.waiters.Has("tc_1") })
	tg.post(t, "/tool-cancel", `{"tool_call_id":"tc_1","reason":"nope"}`)

	res := <-done
	if res.err != nil {
		t.Fatalf("gate 2 request: %v", res.err)
	}
	body := decode(t, res.data)
	if body["continue"] != false || body["cancel"] != true || body["reason"] != "nope" {
		t.Errorf("gate 2 body = %v; want cancel with reason", body)
	}
}

func TestToolProgress_Gate2TimesOut(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{gate2Timeout: 50 * time.Millisecond})

	_, data := tg.post(t, "/tool-progress",
		`{"tool_call_id":"tc_1","status":"READY_TO_SEND"}`)
	body := decode(t, data)
	if body["cancel"] != true || body["reason"] != gate.ReasonTimeout {
		t.Errorf("body = %v; want timeout cancel", body)
	}
}

func TestToolProgress_Gate2TimeoutNotifiesUser(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{gate2Timeout: 50 * time.Millisecond})
	spy := &notifierSpy{}
	tg.registry.RegisterSlot(gate.CallbackSlot{ToolCallID: "tc_1", SessionID: "s1", Notifier: spy})
	tg.store.TrackPendingTool("s1", cache.PendingTool{ToolCallID: "tc_1"})

	_, data := tg.post(t, "/tool-progress",
		`{"tool_call_id":"tc_1","status":"READY_TO_SEND"}`)
	if body := decode(t, data); body["reason"] != gate.ReasonTimeout {
		t.Fatalf("body = %v; want timeout cancel", body)
	}

	// The user must hear about the expiry, not sit in silence until the
	// workflow's eventual CANCELLED callback.
	if spy.pushCount() != 2 {
		t.Fatalf("pushes = %d; want confirmation prompt plus timeout notice", spy.pushCount())
	}
	if push := spy.lastPush(); push["status"] != gate.StatusTimeout {
		t.Errorf("last push = %v; want %s", push, gate.StatusTimeout)
	}
	nudges := spy.nudgeList()
	if len(nudges) != 2 || nudges[1] != gate.StatusTimeout {
		t.Errorf("nudges = %v; want READY_TO_SEND then TIMEOUT", nudges)
	}

	pending := tg.store.PendingTools("s1")
	if len(pending) != 1 || pending[0].Status != gate.StatusTimeout {
		t.Errorf("pending tools = %+v; want one TIMEOUT entry", pending)
	}
}

func TestToolProgress_Gate2DuplicateInFlightConflicts(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{})
	spy := &notifierSpy{}
	tg.registry.RegisterSlot(gate.CallbackSlot{ToolCallID: "tc_1", SessionID: "s1", Notifier: spy})

	go tg.tryPost("/tool-progress", `{"tool_call_id":"tc_1","status":"READY_TO_SEND"}`)
	waitUntil(t, func() bool { return tg.waiters.Has("tc_1") })

	// Not byte-identical to the first request, so the idempotency cache does
	// not catch it; the waiter registry must.
	status, data := tg.post(t, "/tool-progress",
		`{"tool_call_id":"tc_1","status":"READY_TO_SEND","message":"again"}`)
	if status != http.StatusConflict {
		t.Fatalf("status = %d; want 409", status)
	}
	body := decode(t, data)
	if body["cancel"] != true {
		t.Errorf("body = %v", body)
	}

	// The duplicate must not ask the user to confirm a second time.
	if spy.pushCount() != 1 {
		t.Errorf("pushes = %d; duplicate re-fired the confirmation prompt", spy.pushCount())
	}
	if nudges := spy.nudgeList(); len(nudges) != 1 {
		t.Errorf("nudges = %v; duplicate re-nudged the agent", nudges)
	}

	// Release the suspended first request.
	tg.waiters.Resolve("tc_1", gate.Confirmed())
}

func TestToolProgress_Gate3ReleasesAndRecords(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{})
	spy := &notifierSpy{}
	tg.registry.RegisterSlot(gate.CallbackSlot{
		ToolCallID: "tc_1", SessionID: "s1", FunctionName: "send_email", Notifier: spy,
	})
	tg.registry.RequestCancel("tc_1", "stale", "s1")
	tg.store.TrackPendingTool("s1", cache.PendingTool{ToolCallID: "tc_1"})

	_, data := tg.post(t, "/tool-progress",
		`{"tool_call_id":"tc_1","status":"COMPLETED","result":{"id":42},"voice_response":"Done!","execution_time_ms":120}`)
	body := decode(t, data)
	if body["received"] != true || body["status"] != "acknowledged" {
		t.Errorf("body = %v", body)
	}

	if _, ok := tg.registry.Slot("tc_1"); ok {
		t.Error("slot survived completion")
	}
	if _, ok := tg.registry.PeekCancel("tc_1"); ok {
		t.Error("stale cancel request survived completion")
	}
	if len(tg.store.PendingTools("s1")) != 0 {
		t.Error("pending tool survived completion")
	}
	if !tg.records.has(sink.KindToolExecution) || !tg.records.has(sink.KindAudit) {
		t.Errorf("records = %v; want tool execution and audit", tg.records.list())
	}
	if push := spy.lastPush(); push["voice_response"] != "Done!" {
		t.Errorf("push = %v", push)
	}
}

func TestToolProgress_MissingIDRejected(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{})
	status, _ := tg.post(t, "/tool-progress", `{"status":"PREPARING"}`)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d; want 400", status)
	}

	status, _ = tg.post(t, "/tool-progress", `not json`)
	if status != http.StatusBadRequest {
		t.Errorf("non-JSON status = %d; want 400", status)
	}
}

// ── Authentication and rate limiting ──────────────────────────────────────────

func TestToolProgress_SignedRequestAccepted(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{secret: "shh"})
	status, _ := tg.post(t, "/tool-progress", `{"tool_call_id":"tc_1","status":"PREPARING"}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d; want 200", status)
	}
}

func TestToolProgress_BadSignatureRejected(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{secret: "shh"})
	body := `{"tool_call_id":"tc_1","status":"PREPARING"}`

	req, _ := http.NewRequest(http.MethodPost, tg.srv.URL+"/tool-progress", bytes.NewReader([]byte(body)))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(gate.HeaderTimestamp, ts)
	req.Header.Set(gate.HeaderSignature, tg.verifier.Sign(ts, []byte(body+"tampered")))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d; want 401", resp.StatusCode)
	}
}

func TestToolProgress_StaleTimestampRejected(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{secret: "shh"})
	body := `{"tool_call_id":"tc_1","status":"PREPARING"}`

	req, _ := http.NewRequest(http.MethodPost, tg.srv.URL+"/tool-progress", bytes.NewReader([]byte(body)))
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	req.Header.Set(gate.HeaderTimestamp, ts)
	req.Header.Set(gate.HeaderSignature, tg.verifier.Sign(ts, []byte(body)))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d; want 401", resp.StatusCode)
	}
}

func TestToolProgress_RateLimited(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{rateLimit: 1})
	tg.post(t, "/tool-progress", `{"tool_call_id":"tc_1","status":"PREPARING"}`)

	req, _ := http.NewRequest(http.MethodPost, tg.srv.URL+"/tool-progress",
		bytes.NewReader([]byte(`{"tool_call_id":"tc_2","status":"PREPARING"}`)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d; want 429", resp.StatusCode)
	}
	if resp.Header.Get("X-RateLimit-Limit") != "1" {
		t.Errorf("X-RateLimit-Limit = %q", resp.Header.Get("X-RateLimit-Limit"))
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", resp.Header.Get("X-RateLimit-Remaining"))
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["retry_after_ms"]; !ok {
		t.Errorf("body = %v; missing retry_after_ms", body)
	}
}

// ── /tool-cancel, /tool-confirm, /tool-status, /health ────────────────────────

func TestToolCancel_ParksWhenNoWaiter(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{})
	status, data := tg.post(t, "/tool-cancel", `{"tool_call_id":"tc_1"}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body := decode(t, data); body["success"] != true {
		t.Errorf("body = %v", body)
	}

	cr, ok := tg.registry.PeekCancel("tc_1")
	if !ok || cr.Reason != "User cancelled" {
		t.Errorf("parked cancel = %+v, %v; want default reason", cr, ok)
	}
}

func TestToolConfirm_WithoutWaiterNotFound(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{})
	status, data := tg.post(t, "/tool-confirm", `{"tool_call_id":"tc_missing"}`)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d; body %s", status, data)
	}
}

func TestToolStatus(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{})
	tg.registry.RequestCancel("tc_1", "why", "s1")
	tg.registry.RegisterSlot(gate.CallbackSlot{ToolCallID: "tc_1", SessionID: "s1"})

	status, body := tg.get(t, "/tool-status/tc_1")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["cancelled"] != true || body["cancel_reason"] != "why" || body["has_callback"] != true {
		t.Errorf("body = %v", body)
	}

	_, body = tg.get(t, "/tool-status/tc_other")
	if body["cancelled"] != false || body["has_callback"] != false {
		t.Errorf("body for unknown id = %v", body)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	tg := newTestGate(t, gateOptions{})
	tg.registry.RegisterSlot(gate.CallbackSlot{ToolCallID: "tc_1", SessionID: "s1"})
	tg.registry.RequestCancel("tc_2", "x", "s1")

	status, body := tg.get(t, "/health")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["connections"] != float64(2) {
		t.Errorf("connections = %v; want 2", body["connections"])
	}
	if body["active_callbacks"] != float64(1) || body["pending_cancellations"] != float64(1) {
		t.Errorf("counters = %v", body)
	}
}
