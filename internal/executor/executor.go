// Package executor routes model function calls to workflow webhooks and
// resolves the relay's local voice tools.
//
// Remote tools are resolved by map lookup on the function name: a dedicated
// webhook wins, the dispatcher webhook catches the rest, and a function with
// neither fails fast. Local tools never touch the network; they answer from
// the session cache and the gate registries. Both paths feed the same
// function_call_output emission back in the relay session.
package executor

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxrelay/voxrelay/internal/cache"
	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/gate"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/sink"
)

// maxWebhookResponse bounds how much of a workflow response is read.
const maxWebhookResponse = 1 << 20 // 1 MiB

// Session is the per-connection surface the executor works against.
// The relay session implements it.
type Session interface {
	gate.Notifier

	SessionID() string
	ConnectionID() string

	// ContextSnapshot returns the conversation context sent along with
	// webhook requests.
	ContextSnapshot() map[string]any

	// History returns up to limit recent conversation items, oldest first.
	History(limit int) []map[string]any
}

// FunctionCall is one completed function call from the model.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments string
}

// Recorder is the narrow sink surface the executor records through.
type Recorder interface {
	Record(kind sink.Kind, payload map[string]any)
}

// AnalyticsReader answers query_user_analytics from the durable store.
type AnalyticsReader interface {
	SessionStats(ctx context.Context, sessionID string, limit int) ([]map[string]any, error)
}

// Executor dispatches function calls. One executor serves all sessions.
type Executor struct {
	tools     config.ToolsConfig
	callbacks config.CallbacksConfig

	registry  *gate.Registry
	waiters   *gate.Waiters
	store     *cache.Cache
	recorder  Recorder
	analytics AnalyticsReader
	metrics   *observe.Metrics

	client *http.Client
}

// Config wires an [Executor]. Recorder, Analytics, and Metrics may be nil.
type Config struct {
	Tools     config.ToolsConfig
	Callbacks config.CallbacksConfig
	Registry  *gate.Registry
	Waiters   *gate.Waiters
	Store     *cache.Cache
	Recorder  Recorder
	Analytics AnalyticsReader
	Metrics   *observe.Metrics

	// HTTPClient overrides the webhook client; used in tests.
	HTTPClient *http.Client
}

// New creates an [Executor].
func New(cfg Config) *Executor {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Tools.DispatchTimeout}
	}
	return &Executor{
		tools:     cfg.Tools,
		callbacks: cfg.Callbacks,
		registry:  cfg.Registry,
		waiters:   cfg.Waiters,
		store:     cfg.Store,
		recorder:  cfg.Recorder,
		analytics: cfg.Analytics,
		metrics:   cfg.Metrics,
		client:    client,
	}
}

// Execute resolves the function call and returns the JSON output string the
// session sends back to the model as a function_call_output. Execute never
// returns an empty string: failures become {"success":false,...} payloads so
// the model can apologise instead of stalling.
func (e *Executor) Execute(ctx context.Context, call FunctionCall, sess Session) string {
	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			slog.Warn("unparseable function arguments",
				"function", call.Name, "err", err)
			return errorOutput("INVALID_ARGUMENTS", "The arguments could not be parsed.")
		}
	}

	if out, handled := e.executeLocal(ctx, call.Name, args, sess); handled {
		e.countCall(ctx, call.Name, "local")
		return out
	}
	return e.executeWebhook(ctx, call.Name, args, sess)
}

// executeWebhook runs the remote dispatch path.
func (e *Executor) executeWebhook(ctx context.Context, name string, args map[string]any, sess Session) string {
	webhookURL, dedicated := e.tools.Webhooks[name]
	if !dedicated {
		webhookURL = e.tools.DefaultWebhook
	}
	if webhookURL == "" {
		slog.Warn("no webhook configured for function", "function", name)
		e.countCall(ctx, name, "no_webhook")
		return errorOutput("NO_WEBHOOK_CONFIGURED",
			fmt.Sprintf("No workflow is configured for %s.", name))
	}

	toolCallID := NewToolCallID()
	e.store.TrackPendingTool(sess.SessionID(), cache.PendingTool{
		ToolCallID:   toolCallID,
		FunctionName: name,
		Status:       "DISPATCHED",
	})

	callbackURL := e.resolveCallbackURL(toolCallID, name, sess)

	body := e.buildRequestBody(name, args, toolCallID, callbackURL, dedicated, sess)
	payload, err := json.Marshal(body)
	if err != nil {
		e.releaseAfterFailure(sess.SessionID(), toolCallID)
		return errorOutput("ENCODING_FAILED", "The request could not be encoded.")
	}

	start := time.Now()
	respBody, err := e.post(ctx, webhookURL, payload)
	if e.metrics != nil {
		e.metrics.ToolDispatchDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("tool", name)))
	}
	if err != nil {
		slog.Warn("webhook dispatch failed",
			"function", name, "tool_call_id", toolCallID, "err", err)
		e.releaseAfterFailure(sess.SessionID(), toolCallID)
		e.countCall(ctx, name, "dispatch_error")
		if e.recorder != nil {
			e.recorder.Record(sink.KindToolExecution, map[string]any{
				"tool_call_id":  toolCallID,
				"function_name": name,
				"session_id":    sess.SessionID(),
				"status":        "dispatch_failed",
				"error":         err.Error(),
				"timestamp":     time.Now().UnixMilli(),
			})
		}
		return errorOutput("DISPATCH_FAILED",
			"The workflow did not accept the request. Please try again.")
	}

	e.countCall(ctx, name, "dispatched")
	e.rememberQueryResult(sess.SessionID(), respBody)

	// The workflow's immediate response goes straight back to the model;
	// gated workflows acknowledge here and continue via /tool-progress.
	return string(respBody)
}

// resolveCallbackURL forms and validates the gate callback URL. An invalid
// URL drops the callback rather than the tool call; the workflow then runs
// ungated.
func (e *Executor) resolveCallbackURL(toolCallID, name string, sess Session) string {
	if e.callbacks.BaseURL == "" {
		return ""
	}
	callbackURL := e.callbacks.BaseURL + "/tool-progress"
	if err := ValidateCallbackURL(callbackURL, e.callbacks.Allowlist); err != nil {
		slog.Warn("callback url rejected, dispatching without callback",
			"url", callbackURL, "err", err)
		return ""
	}
	e.registry.RegisterSlot(gate.CallbackSlot{
		ToolCallID:   toolCallID,
		ConnectionID: sess.ConnectionID(),
		SessionID:    sess.SessionID(),
		FunctionName: name,
		Notifier:     sess,
	})
	return callbackURL
}

// buildRequestBody assembles the webhook payload. Dedicated webhooks receive
// the args spread at top level; the dispatcher receives them nested so it can
// route on the function name.
func (e *Executor) buildRequestBody(name string, args map[string]any, toolCallID, callbackURL string, dedicated bool, sess Session) map[string]any {
	body := map[string]any{
		"connection_id": sess.ConnectionID(),
		"session_id":    sess.SessionID(),
		"tool_call_id":  toolCallID,
		"timestamp":     time.Now().UnixMilli(),
		"context":       sess.ContextSnapshot(),
	}
	if callbackURL != "" {
		body["callback_url"] = callbackURL
	}
	if dedicated {
		for k, v := range args {
			if _, reserved := body[k]; !reserved {
				body[k] = v
			}
		}
	} else {
		body["function"] = name
		body["args"] = args
	}
	return body
}

// post sends the payload and returns the response body for 2xx statuses.
func (e *Executor) post(ctx context.Context, url string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.tools.DispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	if len(data) == 0 || !json.Valid(data) {
		// Some workflows 200 with an empty or non-JSON body; normalise.
		return []byte(`{"success":true}`), nil
	}
	return data, nil
}

// releaseAfterFailure undoes slot and pending-tool tracking after a dispatch
// failure.
func (e *Executor) releaseAfterFailure(sessionID, toolCallID string) {
	e.registry.ReleaseSlot(toolCallID)
	e.store.ResolvePendingTool(sessionID, toolCallID, "FAILED")
}

// rememberQueryResult caches the parsed webhook response when it carries a
// query_id or result so query follow-ups can answer from cache.
func (e *Executor) rememberQueryResult(sessionID string, respBody []byte) {
	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return
	}
	if parsed["query_id"] != nil || parsed["result"] != nil {
		e.store.SetLastQueryResult(sessionID, parsed)
	}
}

func (e *Executor) countCall(ctx context.Context, name, status string) {
	if e.metrics == nil {
		return
	}
	e.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", name),
		attribute.String("status", status),
	))
}

// NewToolCallID generates a relay tool-call id: "tc_" + unix-ms + "_" + nine
// random alphanumerics.
func NewToolCallID() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	var buf [9]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// fall back to the timestamp alone.
		return fmt.Sprintf("tc_%d_fallback0", time.Now().UnixMilli())
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return fmt.Sprintf("tc_%d_%s", time.Now().UnixMilli(), buf[:])
}

// errorOutput builds the {"success":false,...} payload returned to the model
// on any executor failure.
func errorOutput(code, message string) string {
	out, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   code,
		"message": message,
	})
	return string(out)
}
