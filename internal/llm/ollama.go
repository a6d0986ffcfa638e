package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/pennywise/internal/httpkit"
)

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		// Large local models with tools need time.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *ollamaOptions   `json:"options,omitempty"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama returns an object, not a string
	} `json:"function"`
}

type ollamaResponse struct {
	Model      string        `json:"model"`
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason"`

	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

// Send performs one non-streaming chat call.
func (c *OllamaClient) Send(ctx context.Context, req Request) (*Response, error) {
	body := ollamaRequest{
		Model:    req.Model,
		Messages: convertToOllama(req.Messages),
		Tools:    convertToolsToOllama(req.Tools),
	}
	if req.MaxTokens > 0 {
		body.Options = &ollamaOptions{NumPredict: req.MaxTokens}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return nil, fmt.Errorf("ollama API error %d: %s", httpResp.StatusCode, errBody)
	}

	var or ollamaResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&or); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	resp := convertFromOllama(&or)
	c.logger.Debug("response received",
		"model", resp.Model,
		"stop", resp.Stop,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls()),
	)
	return resp, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

func convertToOllama(messages []Message) []ollamaMessage {
	var out []ollamaMessage
	for _, msg := range messages {
		switch msg.Role {
		case RoleTool:
			// One Ollama message per result.
			for _, r := range msg.ToolResults() {
				out = append(out, ollamaMessage{Role: "tool", Content: r.Content, ToolName: r.Name})
			}
		default:
			om := ollamaMessage{Role: string(msg.Role), Content: msg.Text()}
			for _, tc := range msg.ToolCalls() {
				var call ollamaToolCall
				call.Function.Name = tc.Name
				call.Function.Arguments = tc.Arguments
				om.ToolCalls = append(om.ToolCalls, call)
			}
			out = append(out, om)
		}
	}
	return out
}

// convertToolsToOllama renders definitions in the OpenAI function format
// Ollama expects.
func convertToolsToOllama(tools []ToolDefinition) []map[string]any {
	if len(tools) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

func convertFromOllama(or *ollamaResponse) *Response {
	msg := Message{Role: RoleAssistant}
	content := or.Message.Content
	calls := or.Message.ToolCalls

	// Many local models write the tool call into the content instead of
	// the native tool_calls field.
	if len(calls) == 0 && content != "" {
		if parsed := parseTextToolCalls(content); len(parsed) > 0 {
			calls = parsed
			content = ""
		}
	}

	if content != "" {
		msg.Parts = append(msg.Parts, TextPart{Text: content})
	}
	// Ollama does not assign call IDs.
	for i, tc := range calls {
		msg.Parts = append(msg.Parts, ToolCallPart{
			ID:        fmt.Sprintf("call_%d_%s", i, tc.Function.Name),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	stop := StopCompleted
	if or.DoneReason == "length" {
		stop = StopLength
	}

	resp := &Response{
		Model:        or.Model,
		Message:      msg,
		Stop:         stop,
		InputTokens:  or.PromptEvalCount,
		OutputTokens: or.EvalCount,
	}
	NormalizeStop(resp)
	return resp
}

// parseTextToolCalls extracts tool calls written into content text. It
// handles a raw JSON object {"name": ..., "arguments": {...}}, an array of
// those, and either form wrapped in <tool_call> tags.
func parseTextToolCalls(content string) []ollamaToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	toCalls := func(in []textCall) []ollamaToolCall {
		out := make([]ollamaToolCall, 0, len(in))
		for _, c := range in {
			if c.Name == "" {
				return nil
			}
			var tc ollamaToolCall
			tc.Function.Name = c.Name
			tc.Function.Arguments = c.Arguments
			out = append(out, tc)
		}
		return out
	}

	var many []textCall
	if err := json.Unmarshal([]byte(content), &many); err == nil && len(many) > 0 {
		return toCalls(many)
	}

	var single textCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return toCalls([]textCall{single})
	}
	return nil
}
