package reason

import "context"

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Block types returned by a reasoning service
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Block is one typed content block within a conversation turn. Exactly the
// fields for its Type are populated; the rest stay zero.
type Block struct {
	Type string `json:"type"`

	// BlockText and BlockThinking
	Text string `json:"text,omitempty"`

	// BlockThinking only: provider-issued signature that must be replayed
	// verbatim when the block is sent back in a later turn.
	Signature string `json:"signature,omitempty"`

	// BlockToolUse
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// BlockToolResult
	ToolUseID string `json:"toolUseId,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
}

// TextBlock builds a plain text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ThinkingBlock builds an internal-reasoning block.
func ThinkingBlock(text, signature string) Block {
	return Block{Type: BlockThinking, Text: text, Signature: signature}
}

// ToolUseBlock builds a tool invocation block.
func ToolUseBlock(id, name string, input map[string]any) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool result block answering a prior tool use.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one role-tagged turn in a conversation transcript.
type Message struct {
	Role   string  `json:"role"`
	Blocks []Block `json:"blocks"`
}

// ToolDef describes one tool offered to the reasoning service. InputSchema is
// a JSON Schema object ({"type":"object","properties":...,"required":...}).
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is a single reasoning-service call.
type Request struct {
	Model          string
	System         string
	Messages       []Message
	Tools          []ToolDef
	MaxTokens      int
	ThinkingBudget int // thinking token budget; 0 disables the thinking channel
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Response is the reasoning service's answer: an ordered list of typed
// content blocks plus a stop reason.
type Response struct {
	Blocks     []Block
	StopReason string
	Usage      Usage
}

// Provider is a reasoning-service client. Implementations are constructed
// explicitly and injected; there is no package-level default client.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}
