// Package llm defines the completion-service boundary and its provider
// implementations.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// StopReason classifies why a completion ended its turn. Every response
// carries exactly one.
type StopReason string

const (
	// StopToolCalls means the model requested one or more tool calls.
	StopToolCalls StopReason = "tool_calls"
	// StopCompleted means the model produced a final answer.
	StopCompleted StopReason = "completed"
	// StopLength means the output was truncated at the token limit.
	StopLength StopReason = "length"
	// StopRefused means the model or provider declined to answer.
	StopRefused StopReason = "refused"
)

// Part is a sealed interface for the typed pieces of a message.
type Part interface {
	isPart()
}

// TextPart is plain text content.
type TextPart struct {
	Text string
}

// ToolCallPart is a tool invocation requested by the model. ID correlates
// the request with its ToolResultPart.
type ToolCallPart struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolResultPart carries the outcome of one tool call back to the model.
type ToolResultPart struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

func (TextPart) isPart()       {}
func (ToolCallPart) isPart()   {}
func (ToolResultPart) isPart() {}

var (
	_ Part = TextPart{}
	_ Part = ToolCallPart{}
	_ Part = ToolResultPart{}
)

// Message is one entry in a conversation.
type Message struct {
	Role  Role
	Parts []Part
}

// SystemMessage returns a system message with text content.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{TextPart{Text: text}}}
}

// UserMessage returns a user message with text content.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart{Text: text}}}
}

// AssistantMessage returns an assistant message with text content.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{TextPart{Text: text}}}
}

// ToolResultMessage wraps tool results in a single tool-role message.
func ToolResultMessage(results ...ToolResultPart) Message {
	parts := make([]Part, len(results))
	for i, r := range results {
		parts[i] = r
	}
	return Message{Role: RoleTool, Parts: parts}
}

// Text concatenates all text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			out += t.Text
		}
	}
	return out
}

// ToolCalls returns the tool-call parts in order.
func (m Message) ToolCalls() []ToolCallPart {
	var calls []ToolCallPart
	for _, p := range m.Parts {
		if tc, ok := p.(ToolCallPart); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// ToolResults returns the tool-result parts in order.
func (m Message) ToolResults() []ToolResultPart {
	var results []ToolResultPart
	for _, p := range m.Parts {
		if tr, ok := p.(ToolResultPart); ok {
			results = append(results, tr)
		}
	}
	return results
}

// ToolDefinition describes a tool to the model. Parameters is a JSON
// schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one completion call.
type Request struct {
	Model     string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// Response is the provider-neutral completion result.
type Response struct {
	Model   string
	Message Message
	Stop    StopReason

	InputTokens  int
	OutputTokens int
}

// NormalizeStop fixes up the stop reason reported by a provider. A
// response carrying tool calls is a tool-call turn whatever the provider
// said; a tool-call reason without any calls, or an empty reason, becomes
// completed.
func NormalizeStop(resp *Response) {
	if len(resp.Message.ToolCalls()) > 0 {
		resp.Stop = StopToolCalls
		return
	}
	switch resp.Stop {
	case StopLength, StopRefused, StopCompleted:
	default:
		resp.Stop = StopCompleted
	}
}
