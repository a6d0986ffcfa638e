package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// generator is the slice of the genai Models service the client uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient is a client for the Google Gemini API.
type GeminiClient struct {
	models generator
	logger *slog.Logger
}

// NewGeminiClient creates a Gemini client for the given API key.
func NewGeminiClient(ctx context.Context, apiKey string, logger *slog.Logger) (*GeminiClient, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return newGeminiClient(gc.Models, logger), nil
}

func newGeminiClient(models generator, logger *slog.Logger) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiClient{models: models, logger: logger.With("provider", "gemini")}
}

// Send performs one GenerateContent call.
func (c *GeminiClient) Send(ctx context.Context, req Request) (*Response, error) {
	contents, system := convertToGemini(req.Messages)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
		Tools:           convertToolsToGemini(req.Tools),
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"contents", len(contents),
		"tools", len(req.Tools),
	)

	gr, err := c.models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	resp, err := convertFromGemini(gr, req.Model)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("response received",
		"model", resp.Model,
		"stop", resp.Stop,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls()),
	)
	return resp, nil
}

// Ping issues a one-token request.
func (c *GeminiClient) Ping(ctx context.Context) error {
	_, err := c.models.GenerateContent(ctx, "gemini-2.5-flash",
		[]*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: "ping"}}}},
		&genai.GenerateContentConfig{MaxOutputTokens: 1},
	)
	if err != nil {
		return fmt.Errorf("gemini: %w", err)
	}
	return nil
}

func convertToGemini(messages []Message) ([]*genai.Content, string) {
	var systemParts []string
	var contents []*genai.Content

	for _, msg := range messages {
		var parts []*genai.Part
		for _, p := range msg.Parts {
			switch v := p.(type) {
			case TextPart:
				if v.Text != "" {
					parts = append(parts, &genai.Part{Text: v.Text})
				}
			case ToolCallPart:
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   v.ID,
					Name: v.Name,
					Args: v.Arguments,
				}})
			case ToolResultPart:
				key := "output"
				if v.IsError {
					key = "error"
				}
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       v.CallID,
					Name:     v.Name,
					Response: map[string]any{key: v.Content},
				}})
			}
		}

		switch msg.Role {
		case RoleSystem:
			if text := msg.Text(); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		case RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: parts})
		}
	}
	return contents, strings.Join(systemParts, "\n\n")
}

func convertToolsToGemini(tools []ToolDefinition) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		decls[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
		}
		if t.Parameters != nil {
			decls[i].ParametersJsonSchema = t.Parameters
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func convertFromGemini(gr *genai.GenerateContentResponse, model string) (*Response, error) {
	resp := &Response{Model: model, Message: Message{Role: RoleAssistant}}
	if gr.ModelVersion != "" {
		resp.Model = gr.ModelVersion
	}
	if u := gr.UsageMetadata; u != nil {
		resp.InputTokens = int(u.PromptTokenCount)
		resp.OutputTokens = int(u.CandidatesTokenCount)
	}

	if len(gr.Candidates) == 0 {
		// A blocked prompt comes back with feedback and no candidates.
		if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
			resp.Stop = StopRefused
			return resp, nil
		}
		return nil, fmt.Errorf("gemini: no candidates in response")
	}

	cand := gr.Candidates[0]
	if cand.Content != nil {
		for i, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				id := part.FunctionCall.ID
				if id == "" {
					id = fmt.Sprintf("call_%d_%s", i, part.FunctionCall.Name)
				}
				resp.Message.Parts = append(resp.Message.Parts, ToolCallPart{
					ID:        id,
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				})
			case part.Text != "" && !part.Thought:
				resp.Message.Parts = append(resp.Message.Parts, TextPart{Text: part.Text})
			}
		}
	}

	resp.Stop = geminiStop(cand.FinishReason)
	NormalizeStop(resp)
	return resp, nil
}

func geminiStop(reason genai.FinishReason) StopReason {
	switch reason {
	case genai.FinishReasonMaxTokens:
		return StopLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation,
		genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent,
		genai.FinishReasonSPII, genai.FinishReasonImageSafety:
		return StopRefused
	default:
		return StopCompleted
	}
}
