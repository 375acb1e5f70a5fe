// Package loop drives the analysis conversation: it repeatedly calls the
// reasoning service, interprets content blocks, and either pauses the
// session for client-side tool execution, finishes it with an answer, or
// terminates it with an error. The pause genuinely crosses a request
// boundary, so all loop state lives in the session store, not on the stack.
package loop

import "github.com/quarrylabs/quarry/pkg/tools"

// Stream event types. Exactly one of answer/error precedes the terminal
// done event for a given analysis; done always closes the stream.
const (
	EventSession          = "session"
	EventThinking         = "thinking"
	EventExtendedThinking = "extended_thinking"
	EventToolCall         = "tool_call"
	EventAnswer           = "answer"
	EventError            = "error"
	EventDone             = "done"
)

// Event is the discriminated stream event sent to the client. Only the
// fields for its Type are populated.
type Event struct {
	Type string `json:"type"`

	// EventSession
	SessionID string `json:"sessionId,omitempty"`

	// EventThinking / EventExtendedThinking
	Text string `json:"text,omitempty"`

	// EventToolCall
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// EventAnswer
	Result *tools.Answer `json:"result,omitempty"`

	// EventError
	Message string `json:"message,omitempty"`
}

// Sink receives orchestrator events in emission order. Implementations frame
// them onto a transport (SSE) or collect them in tests.
type Sink interface {
	Send(Event) error
}

// SessionEvent announces the session id as the first event of a new stream.
func SessionEvent(id string) Event {
	return Event{Type: EventSession, SessionID: id}
}

// ThinkingEvent carries user-facing narration.
func ThinkingEvent(text string) Event {
	return Event{Type: EventThinking, Text: text}
}

// ExtendedThinkingEvent carries internal-reasoning text.
func ExtendedThinkingEvent(text string) Event {
	return Event{Type: EventExtendedThinking, Text: text}
}

// ToolCallEvent asks the client to execute a prepared tool call.
func ToolCallEvent(call *tools.ClientCall) Event {
	return Event{Type: EventToolCall, ID: call.ToolID, Name: call.Name, Input: call.Input}
}

// AnswerEvent carries the terminal answer.
func AnswerEvent(result tools.Answer) Event {
	return Event{Type: EventAnswer, Result: &result}
}

// ErrorEvent carries a terminal error message.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

// DoneEvent closes the stream.
func DoneEvent() Event {
	return Event{Type: EventDone}
}
