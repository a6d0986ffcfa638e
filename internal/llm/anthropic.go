package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/pennywise/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"

	defaultMaxTokens = 4096
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Long prompts can take a while before headers arrive.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:   apiKey,
		endpoint: anthropicAPIURL,
		logger:   logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			// Deadlines come from the request context.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Send performs one Messages API call.
func (c *AnthropicClient) Send(ctx context.Context, req Request) (*Response, error) {
	msgs, system := convertToAnthropic(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(msgs),
		"tools", len(req.Tools),
		"system_len", len(system),
	)

	body := anthropicRequest{
		Model:     req.Model,
		Messages:  msgs,
		System:    system,
		MaxTokens: maxTokens,
		Tools:     convertToolsToAnthropic(req.Tools),
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpResp, err := c.post(ctx, jsonData)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		c.logger.Error("API error", "status", httpResp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("anthropic API error %d: %s", httpResp.StatusCode, errBody)
	}

	var ar anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	resp := convertFromAnthropic(&ar)

	c.logger.Debug("response received",
		"model", resp.Model,
		"stop", resp.Stop,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls()),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", resp.Message.Text())

	return resp, nil
}

// Ping sends a one-token request to verify the API key works. Anthropic
// has no dedicated health endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	jsonData, err := json.Marshal(anthropicRequest{
		Model:     "claude-haiku-4-5",
		Messages:  []anthropicMessage{{Role: "user", Content: []anthropicContent{{Type: "text", Text: "ping"}}}},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := c.post(ctx, jsonData)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 4096)

	if httpResp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from Anthropic API: %d", httpResp.StatusCode)
	}
	return nil
}

func (c *AnthropicClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// convertToAnthropic converts messages to Anthropic format. System
// messages are lifted into the separate system prompt and tool results
// become tool_result blocks on a user turn. Consecutive messages with the
// same Anthropic role are merged since the API requires alternation.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	appendBlocks := func(role string, blocks []anthropicContent) {
		if len(blocks) == 0 {
			return
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, blocks...)
			return
		}
		result = append(result, anthropicMessage{Role: role, Content: blocks})
	}

	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if text := msg.Text(); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}

		var blocks []anthropicContent
		for _, p := range msg.Parts {
			switch v := p.(type) {
			case TextPart:
				if v.Text != "" {
					blocks = append(blocks, anthropicContent{Type: "text", Text: v.Text})
				}
			case ToolCallPart:
				args := v.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    v.ID,
					Name:  v.Name,
					Input: args,
				})
			case ToolResultPart:
				blocks = append(blocks, anthropicContent{
					Type:      "tool_result",
					ToolUseID: v.CallID,
					Content:   v.Content,
					IsError:   v.IsError,
				})
			}
		}

		role := "user"
		if msg.Role == RoleAssistant {
			role = "assistant"
		}
		appendBlocks(role, blocks)
	}

	return result, strings.Join(systemParts, "\n\n")
}

func convertToolsToAnthropic(tools []ToolDefinition) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		params := any(t.Parameters)
		if t.Parameters == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: params,
		})
	}
	return result
}

func convertFromAnthropic(ar *anthropicResponse) *Response {
	msg := Message{Role: RoleAssistant}
	for _, block := range ar.Content {
		switch block.Type {
		case "text":
			msg.Parts = append(msg.Parts, TextPart{Text: block.Text})
		case "tool_use":
			args, ok := block.Input.(map[string]any)
			if !ok {
				args = map[string]any{}
			}
			msg.Parts = append(msg.Parts, ToolCallPart{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}

	resp := &Response{
		Model:        ar.Model,
		Message:      msg,
		Stop:         anthropicStop(ar.StopReason),
		InputTokens:  ar.Usage.InputTokens,
		OutputTokens: ar.Usage.OutputTokens,
	}
	NormalizeStop(resp)
	return resp
}

func anthropicStop(reason string) StopReason {
	switch reason {
	case "tool_use":
		return StopToolCalls
	case "max_tokens":
		return StopLength
	case "refusal":
		return StopRefused
	default:
		// end_turn, stop_sequence, pause_turn
		return StopCompleted
	}
}
