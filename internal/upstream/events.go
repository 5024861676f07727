package upstream

import "encoding/json"

// Server event types the relay inspects while forwarding. Everything else is
// passed through opaque.
const (
	EventSessionCreated         = "session.created"
	EventFunctionCallDone       = "response.function_call_arguments.done"
	EventAudioTranscriptDone    = "response.audio_transcript.done"
	EventInputTranscriptDone    = "conversation.item.input_audio_transcription.completed"
	EventResponseAudioDelta     = "response.audio.delta"
	EventInputAudioBufferAppend = "input_audio_buffer.append"
	EventSessionUpdate          = "session.update"
	EventConversationItemCreate = "conversation.item.create"
	EventResponseCreate         = "response.create"
	EventError                  = "error"
)

// ServerEvent is the partial decode of an upstream frame: just enough fields
// to route interception. Unknown fields are ignored and never re-encoded —
// the original bytes are what gets forwarded.
type ServerEvent struct {
	Type string `json:"type"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the nested error object of an upstream error event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ParseEvent decodes the routing fields of an upstream frame. A nil return
// means the frame is not JSON or carries no type; forward it untouched.
func ParseEvent(data []byte) *ServerEvent {
	var evt ServerEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.Type == "" {
		return nil
	}
	return &evt
}

// ── Outgoing messages ─────────────────────────────────────────────────────────

// SessionUpdate configures the upstream session mid-flight.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

// SessionParams is the payload of a session.update event. Only non-zero
// fields are sent.
type SessionParams struct {
	Instructions string           `json:"instructions,omitempty"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
}

// ToolDefinition declares one function tool to the model.
type ToolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// FunctionCallOutput returns a tool result to the model.
type FunctionCallOutput struct {
	Type string             `json:"type"`
	Item FunctionOutputItem `json:"item"`
}

// FunctionOutputItem is the conversation item carrying a tool result.
type FunctionOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// NewFunctionCallOutput builds the conversation.item.create event that
// answers the model's function call.
func NewFunctionCallOutput(callID, output string) FunctionCallOutput {
	return FunctionCallOutput{
		Type: EventConversationItemCreate,
		Item: FunctionOutputItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

// ResponseCreate triggers the next model response, optionally with an
// instructions override for this single turn.
type ResponseCreate struct {
	Type     string          `json:"type"`
	Response *ResponseParams `json:"response,omitempty"`
}

// ResponseParams carries per-response overrides.
type ResponseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

// NewResponseCreate builds a plain response.create trigger.
func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: EventResponseCreate}
}

// NewNudge builds a response.create event that makes the model verbalise a
// state change without waiting for further user input.
func NewNudge(instructions string) ResponseCreate {
	return ResponseCreate{
		Type:     EventResponseCreate,
		Response: &ResponseParams{Instructions: instructions},
	}
}
