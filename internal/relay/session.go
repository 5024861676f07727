// Package relay implements the per-connection core: one session owns a
// browser WebSocket and an upstream model WebSocket, forwards frames both
// ways, intercepts function-call events into the executor, and tears both
// peers down together.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxrelay/voxrelay/internal/egress"
	"github.com/voxrelay/voxrelay/internal/executor"
	"github.com/voxrelay/voxrelay/internal/gate"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/sink"
	"github.com/voxrelay/voxrelay/internal/upstream"

	scache "github.com/voxrelay/voxrelay/internal/cache"
)

// keepaliveInterval is how often the browser peer is pinged.
const keepaliveInterval = 30 * time.Second

// pingTimeout bounds one keepalive round trip.
const pingTimeout = 10 * time.Second

// contextSnapshotItems is how many recent conversation items ride along in
// webhook context snapshots.
const contextSnapshotItems = 5

// State is the lifecycle position of one session.
type State int

// Session states. FAILED is terminal like CLOSED but marks upstream loss.
const (
	StateEstablishing State = iota
	StateReady
	StateDraining
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEstablishing:
		return "establishing"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Recorder is the narrow sink surface sessions record through.
type Recorder interface {
	Record(kind sink.Kind, payload map[string]any)
}

// Session brokers one browser conversation. It implements
// [executor.Session] and [gate.Notifier].
type Session struct {
	id      string
	browser *websocket.Conn
	manager *upstream.Manager
	exec    *executor.Executor

	registry *gate.Registry
	waiters  *gate.Waiters
	store    *scache.Cache
	recorder Recorder
	metrics  *observe.Metrics
	tts      *egress.TTSClient

	convo *Context
	audio *AudioMonitor

	model   string
	botID   string
	botName string

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards state, queue, and the upstream handle. Never held across a
	// socket write.
	mu       sync.Mutex
	state    State
	queue    [][]byte
	upstream *upstream.Conn

	browserWriteMu  sync.Mutex
	upstreamWriteMu sync.Mutex

	closeOnce sync.Once
	startedAt time.Time
}

// SessionConfig wires a [Session].
type SessionConfig struct {
	ID       string
	Browser  *websocket.Conn
	Manager  *upstream.Manager
	Executor *executor.Executor
	Registry *gate.Registry
	Waiters  *gate.Waiters
	Store    *scache.Cache
	Recorder Recorder
	Metrics  *observe.Metrics
	TTS      *egress.TTSClient

	// Model overrides the upstream default model for this session.
	Model string

	// BotID and BotName come from the registry lookup, when available.
	BotID   string
	BotName string

	// AudioLossThreshold marks the session unhealthy above this loss ratio.
	AudioLossThreshold float64
}

// NewSession creates a session in the ESTABLISHING state. The session context
// is live from construction, so a shutdown racing [Session.Run] is safe.
func NewSession(cfg SessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ctx:       ctx,
		cancel:    cancel,
		id:        cfg.ID,
		browser:   cfg.Browser,
		manager:   cfg.Manager,
		exec:      cfg.Executor,
		registry:  cfg.Registry,
		waiters:   cfg.Waiters,
		store:     cfg.Store,
		recorder:  cfg.Recorder,
		metrics:   cfg.Metrics,
		tts:       cfg.TTS,
		model:     cfg.Model,
		botID:     cfg.BotID,
		botName:   cfg.BotName,
		convo:     NewContext(),
		audio:     NewAudioMonitor(cfg.ID, cfg.AudioLossThreshold),
		state:     StateEstablishing,
		startedAt: time.Now(),
	}
}

// SessionID returns the session id. Connection and session ids coincide:
// one browser socket is one session.
func (s *Session) SessionID() string { return s.id }

// ConnectionID returns the connection id.
func (s *Session) ConnectionID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the session until either peer closes. Browser frames that
// arrive while the upstream is still being acquired are queued and flushed
// in arrival order once the handshake completes.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()
	defer s.shutdown("context done", false)

	go s.browserReadLoop()

	up, err := s.manager.Acquire(s.ctx, s.model)
	if err != nil {
		slog.Error("upstream acquire failed",
			"session_id", s.id, "err", err)
		s.shutdown("upstream unavailable", true)
		return err
	}

	s.mu.Lock()
	s.upstream = up
	s.mu.Unlock()
	s.flushQueue()

	slog.Info("session ready",
		"session_id", s.id,
		"bot_id", s.botID,
	)

	go s.pingLoop()
	s.upstreamReadLoop()
	return nil
}

// flushQueue drains queued browser frames in FIFO order, then flips the
// session to READY. Frames arriving mid-flush land in the queue and are
// drained by the next pass, so order is preserved with no gaps.
func (s *Session) flushQueue() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.state = StateReady
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, frame := range batch {
			if err := s.writeUpstream(websocket.MessageText, frame); err != nil {
				slog.Warn("queued frame flush failed",
					"session_id", s.id, "err", err)
				return
			}
		}
	}
}

// ── Browser → upstream ────────────────────────────────────────────────────────

func (s *Session) browserReadLoop() {
	for {
		typ, data, err := s.browser.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				slog.Info("browser closed", "session_id", s.id)
			}
			s.shutdown("browser closed", false)
			return
		}
		s.onBrowserFrame(typ, data)
	}
}

// onBrowserFrame routes one browser frame: queued while ESTABLISHING,
// forwarded while READY, dropped after.
func (s *Session) onBrowserFrame(typ websocket.MessageType, data []byte) {
	if evt := upstream.ParseEvent(data); evt != nil && strings.Contains(evt.Type, "audio") {
		s.audio.RecordSent()
	}

	s.mu.Lock()
	switch s.state {
	case StateEstablishing:
		s.queue = append(s.queue, data)
		s.mu.Unlock()
		return
	case StateReady:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return
	}

	if err := s.writeUpstream(typ, data); err != nil {
		slog.Warn("upstream forward failed", "session_id", s.id, "err", err)
		s.shutdown("upstream write failed", true)
	}
}

// ── Upstream → browser ────────────────────────────────────────────────────────

func (s *Session) upstreamReadLoop() {
	for {
		s.mu.Lock()
		up := s.upstream
		s.mu.Unlock()
		if up == nil {
			return
		}

		typ, data, err := up.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				slog.Warn("upstream closed", "session_id", s.id, "err", err)
				s.shutdown("upstream closed", true)
			}
			return
		}

		if evt := upstream.ParseEvent(data); evt != nil {
			s.intercept(evt)
		}
		if err := s.writeBrowser(typ, data); err != nil {
			s.shutdown("browser write failed", false)
			return
		}
	}
}

// intercept inspects one upstream event. Frames are forwarded regardless;
// interception only adds side effects.
func (s *Session) intercept(evt *upstream.ServerEvent) {
	switch evt.Type {
	case upstream.EventFunctionCallDone:
		s.convo.AddToolCall(evt.CallID, evt.Name, evt.Arguments)
		go s.dispatchFunctionCall(executor.FunctionCall{
			CallID:    evt.CallID,
			Name:      evt.Name,
			Arguments: evt.Arguments,
		})

	case upstream.EventInputTranscriptDone:
		if evt.Transcript == "" {
			return
		}
		s.convo.AddUserMessage(evt.Transcript)
		if s.recorder != nil {
			s.recorder.Record(sink.KindPendingLog, map[string]any{
				"session_id": s.id,
				"speaker":    "user",
				"text":       evt.Transcript,
				"timestamp":  time.Now().UnixMilli(),
			})
		}

	case upstream.EventAudioTranscriptDone:
		if evt.Transcript == "" {
			return
		}
		s.convo.AddAssistantMessage(evt.Transcript)
		s.tts.Push(s.ctx, s.id, evt.Transcript)

	case upstream.EventError:
		msg := "unknown error"
		if evt.Error != nil {
			msg = evt.Error.Message
		}
		slog.Warn("upstream error event", "session_id", s.id, "err", msg)
	}

	if strings.Contains(evt.Type, "audio") {
		s.audio.RecordReceived()
	}
}

// dispatchFunctionCall runs one tool call to completion and returns the
// output to the model. A closing session lets in-flight dispatches settle:
// the dispatch context survives session cancellation up to the executor's
// own timeout.
func (s *Session) dispatchFunctionCall(call executor.FunctionCall) {
	ctx := context.WithoutCancel(s.ctx)

	out := s.exec.Execute(ctx, call, s)
	s.convo.AddToolResult(call.CallID, call.Name, out)

	if err := s.sendFunctionOutput(ctx, call.CallID, out); err != nil {
		slog.Warn("function output delivery failed",
			"session_id", s.id, "call_id", call.CallID, "err", err)
	}
}

// sendFunctionOutput returns a tool result to the model and triggers the
// next response.
func (s *Session) sendFunctionOutput(ctx context.Context, callID, output string) error {
	s.mu.Lock()
	up := s.upstream
	st := s.state
	s.mu.Unlock()
	if up == nil || st != StateReady {
		return context.Canceled
	}

	s.upstreamWriteMu.Lock()
	defer s.upstreamWriteMu.Unlock()
	if err := up.WriteJSON(ctx, upstream.NewFunctionCallOutput(callID, output)); err != nil {
		return err
	}
	return up.WriteJSON(ctx, upstream.NewResponseCreate())
}

// ── Notifier (gate side effects) ──────────────────────────────────────────────

// PushBrowser sends a JSON notification frame to the browser. Best-effort.
func (s *Session) PushBrowser(payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.writeBrowser(websocket.MessageText, data); err != nil {
		slog.Debug("browser push skipped", "session_id", s.id, "err", err)
	}
}

// NudgeAgent sends an instructions override so the model verbalises a gate
// state change. Skipped with a log line when the upstream is not open.
func (s *Session) NudgeAgent(status, message string) {
	s.mu.Lock()
	up := s.upstream
	st := s.state
	s.mu.Unlock()
	if up == nil || st != StateReady {
		slog.Debug("agent nudge skipped, upstream not open",
			"session_id", s.id, "status", status)
		return
	}

	s.upstreamWriteMu.Lock()
	defer s.upstreamWriteMu.Unlock()
	nudge := upstream.NewNudge(nudgeInstructions(status, message))
	if err := up.WriteJSON(s.ctx, nudge); err != nil {
		slog.Debug("agent nudge failed",
			"session_id", s.id, "status", status, "err", err)
	}
}

// ── Executor surface ──────────────────────────────────────────────────────────

// ContextSnapshot returns the conversation summary attached to webhook
// requests.
func (s *Session) ContextSnapshot() map[string]any {
	counters := s.convo.Counters()
	snap := map[string]any{
		"session_id":         s.id,
		"user_messages":      counters.UserMessages,
		"assistant_messages": counters.AssistantMessages,
		"tool_calls":         counters.ToolCalls,
		"duration_ms":        counters.Duration.Milliseconds(),
		"recent":             itemMaps(s.convo.Recent(contextSnapshotItems)),
	}
	if s.botID != "" {
		snap["bot_id"] = s.botID
		snap["bot_name"] = s.botName
	}
	return snap
}

// History returns up to limit recent conversation items, oldest first.
func (s *Session) History(limit int) []map[string]any {
	return itemMaps(s.convo.Recent(limit))
}

func itemMaps(items []Item) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		m := map[string]any{
			"kind":      it.Kind,
			"timestamp": it.At.UnixMilli(),
		}
		if it.Content != "" {
			m["content"] = it.Content
		}
		if it.ToolCallID != "" {
			m["tool_call_id"] = it.ToolCallID
		}
		if it.Function != "" {
			m["function"] = it.Function
		}
		if it.Result != "" {
			m["result"] = it.Result
		}
		out = append(out, m)
	}
	return out
}

// ── Socket writes ─────────────────────────────────────────────────────────────

func (s *Session) writeBrowser(typ websocket.MessageType, data []byte) error {
	s.browserWriteMu.Lock()
	defer s.browserWriteMu.Unlock()
	return s.browser.Write(s.ctx, typ, data)
}

func (s *Session) writeUpstream(typ websocket.MessageType, data []byte) error {
	s.mu.Lock()
	up := s.upstream
	s.mu.Unlock()
	if up == nil {
		return context.Canceled
	}
	s.upstreamWriteMu.Lock()
	defer s.upstreamWriteMu.Unlock()
	return up.Write(s.ctx, typ, data)
}

// ── Keepalive ─────────────────────────────────────────────────────────────────

func (s *Session) pingLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, pingTimeout)
			err := s.browser.Ping(ctx)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					slog.Info("browser ping failed", "session_id", s.id, "err", err)
					s.shutdown("ping failed", false)
				}
				return
			}
		}
	}
}

// ── Teardown ──────────────────────────────────────────────────────────────────

// shutdown tears the session down exactly once: resolve this session's
// suspended confirmations, clear its registry entries, close both peers, and
// write the final audit record. upstreamFailed selects the browser close
// code: internal error when the upstream died, normal closure otherwise.
func (s *Session) shutdown(reason string, upstreamFailed bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDraining
		up := s.upstream
		s.mu.Unlock()

		if n := s.waiters.ResolveSession(s.id, "session_closed"); n > 0 {
			slog.Info("resolved suspended confirmations on close",
				"session_id", s.id, "count", n)
		}
		s.registry.ClearSession(s.id)

		s.cancel()
		if up != nil {
			up.Close(websocket.StatusNormalClosure, "session closed")
		}
		if upstreamFailed {
			s.browser.Close(websocket.StatusInternalError, "upstream unavailable")
		} else {
			s.browser.Close(websocket.StatusNormalClosure, "session closed")
		}

		final := StateClosed
		if upstreamFailed {
			final = StateFailed
		}
		s.mu.Lock()
		s.state = final
		s.mu.Unlock()

		s.writeFinalAudit(reason)
		s.store.Destroy(s.id)

		slog.Info("session closed",
			"session_id", s.id,
			"reason", reason,
			"state", final.String(),
			"duration", time.Since(s.startedAt),
		)
	})
}

// writeFinalAudit records the session analytics summary, including audio
// quality, through the fire-and-forget sink.
func (s *Session) writeFinalAudit(reason string) {
	health := s.audio.Health()
	if s.metrics != nil {
		s.metrics.AudioPacketLoss.Record(context.Background(), health.PacketLossRate)
	}
	if s.recorder == nil {
		return
	}
	counters := s.convo.Counters()
	payload := map[string]any{
		"session_id":         s.id,
		"reason":             reason,
		"duration_ms":        time.Since(s.startedAt).Milliseconds(),
		"user_messages":      counters.UserMessages,
		"assistant_messages": counters.AssistantMessages,
		"tool_calls":         counters.ToolCalls,
		"tool_results":       counters.ToolResults,
		"audio":              health,
		"timestamp":          time.Now().UnixMilli(),
	}
	if s.botID != "" {
		payload["bot_id"] = s.botID
		payload["bot_name"] = s.botName
	}
	s.recorder.Record(sink.KindSessionAnalytics, payload)
}
