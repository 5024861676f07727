package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/voxrelay/voxrelay/internal/gate"
)

// Local voice tools resolved in-process, never via webhook.
const (
	ToolConfirmPending = "confirm_pending_action"
	ToolSessionContext = "get_session_context"
	ToolQueryHistory   = "query_conversation_history"
	ToolQueryAnalytics = "query_user_analytics"
)

// defaultHistoryLimit bounds query_conversation_history when the model does
// not ask for a specific count.
const defaultHistoryLimit = 10

// executeLocal resolves the local tools. handled is false when the function
// is not a local tool and the webhook path should run.
func (e *Executor) executeLocal(ctx context.Context, name string, args map[string]any, sess Session) (out string, handled bool) {
	switch name {
	case ToolConfirmPending:
		return e.confirmPending(args, sess), true
	case ToolSessionContext:
		return e.sessionContext(sess), true
	case ToolQueryHistory:
		return e.queryHistory(args, sess), true
	case ToolQueryAnalytics:
		return e.queryAnalytics(ctx, args, sess), true
	}
	return "", false
}

// confirmPending is the in-band voice path into the Gate-2 wait registry:
// the model calls it when the user answers the confirmation question.
func (e *Executor) confirmPending(args map[string]any, sess Session) string {
	toolCallID, _ := args["tool_call_id"].(string)
	confirmed, _ := args["confirmed"].(bool)
	reason, _ := args["reason"].(string)

	if toolCallID == "" {
		// The model may omit the id; fall back to the session's only
		// suspended confirmation when unambiguous.
		toolCallID = e.soleSessionWaiter(sess.SessionID())
	}
	if toolCallID == "" || !e.waiters.Has(toolCallID) {
		return localOutput(map[string]any{
			"success":        false,
			"message":        "no pending action",
			"voice_response": "There's nothing waiting for confirmation right now.",
		})
	}

	var res gate.Resolution
	voice := "Okay, going ahead with it now."
	if confirmed {
		res = gate.Confirmed()
	} else {
		if reason == "" {
			reason = "User cancelled"
		}
		res = gate.Cancelled(reason)
		voice = "Alright, I've cancelled that."
	}

	if !e.waiters.Resolve(toolCallID, res) {
		return localOutput(map[string]any{
			"success":        false,
			"message":        "no pending action",
			"voice_response": "That action was already resolved.",
		})
	}
	slog.Info("voice confirmation resolved gate 2 waiter",
		"tool_call_id", toolCallID, "confirmed", confirmed)
	return localOutput(map[string]any{
		"success":        true,
		"tool_call_id":   toolCallID,
		"confirmed":      confirmed,
		"voice_response": voice,
	})
}

// soleSessionWaiter returns the tool call id of the session's single pending
// READY_TO_SEND tool, or "" when zero or ambiguous.
func (e *Executor) soleSessionWaiter(sessionID string) string {
	sole := ""
	for _, pt := range e.store.PendingTools(sessionID) {
		if !e.waiters.Has(pt.ToolCallID) {
			continue
		}
		if sole != "" {
			return ""
		}
		sole = pt.ToolCallID
	}
	return sole
}

// sessionContext returns the session's context map and in-flight tools.
func (e *Executor) sessionContext(sess Session) string {
	pending := e.store.PendingTools(sess.SessionID())
	tools := make([]map[string]any, 0, len(pending))
	for _, pt := range pending {
		tools = append(tools, map[string]any{
			"tool_call_id": pt.ToolCallID,
			"function":     pt.FunctionName,
			"status":       pt.Status,
		})
	}
	return localOutput(map[string]any{
		"success":       true,
		"context":       e.store.Context(sess.SessionID()),
		"pending_tools": tools,
	})
}

// queryHistory returns recent conversation items and completed tools.
func (e *Executor) queryHistory(args map[string]any, sess Session) string {
	limit := defaultHistoryLimit
	if n, ok := args["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}

	recent := e.store.RecentTools(sess.SessionID())
	tools := make([]map[string]any, 0, len(recent))
	for _, rt := range recent {
		tools = append(tools, map[string]any{
			"tool_call_id": rt.ToolCallID,
			"function":     rt.FunctionName,
			"status":       rt.Status,
			"duration_ms":  rt.DurationMS,
		})
	}

	return localOutput(map[string]any{
		"success":      true,
		"items":        sess.History(limit),
		"recent_tools": tools,
	})
}

// queryAnalytics answers from the last cached query result first, then from
// the durable store.
func (e *Executor) queryAnalytics(ctx context.Context, args map[string]any, sess Session) string {
	if last, ok := e.store.LastQueryResult(sess.SessionID()); ok {
		return localOutput(map[string]any{
			"success": true,
			"source":  "cache",
			"result":  last,
		})
	}
	if e.analytics == nil {
		return localOutput(map[string]any{
			"success":        false,
			"message":        "analytics unavailable",
			"voice_response": "I can't look that up right now.",
		})
	}

	limit := defaultHistoryLimit
	if n, ok := args["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}
	stats, err := e.analytics.SessionStats(ctx, sess.SessionID(), limit)
	if err != nil {
		slog.Warn("analytics query failed",
			"session_id", sess.SessionID(), "err", err)
		return localOutput(map[string]any{
			"success":        false,
			"message":        "analytics query failed",
			"voice_response": "I couldn't retrieve those numbers, sorry.",
		})
	}
	return localOutput(map[string]any{
		"success": true,
		"source":  "store",
		"result":  stats,
	})
}

// localOutput marshals a local tool result.
func localOutput(v map[string]any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(out)
}
