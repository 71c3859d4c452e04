package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/antinomyhq/forge-sub003/internal/chat"
	"github.com/antinomyhq/forge-sub003/internal/logging"
)

// GeminiClient is the Gemini backend. It shares the replay Transport with the
// OpenAI client by injecting an *http.Client into the SDK.
type GeminiClient struct {
	client *genai.Client

	mu    sync.Mutex
	model string
}

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	APIKey    string
	Model     string
	Transport http.RoundTripper
}

// NewGeminiClient creates a client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Transport != nil {
		cc.HTTPClient = &http.Client{Transport: cfg.Transport}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: cfg.Model}, nil
}

// Model returns the active model.
func (c *GeminiClient) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SetModel switches the active model.
func (c *GeminiClient) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// Chat runs one streaming completion.
func (c *GeminiClient) Chat(ctx context.Context, req Request, deltas DeltaFunc) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.Model()
	}

	contents := encodeContents(req.Messages)
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	logging.API("[gemini] chat: model=%s contents=%d tools=%d", model, len(contents), len(req.Tools))

	out := &Response{FinishReason: FinishOther}
	var content, reasoning strings.Builder

	for resp, err := range c.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return nil, err
		}

		if resp.UsageMetadata != nil {
			out.Usage = Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
				CachedTokens:     int(resp.UsageMetadata.CachedContentTokenCount),
			}
		}

		for _, cand := range resp.Candidates {
			if cand.Content != nil {
				for _, part := range cand.Content.Parts {
					switch {
					case part.FunctionCall != nil:
						args, err := json.Marshal(part.FunctionCall.Args)
						if err != nil {
							args = []byte("{}")
						}
						callID := part.FunctionCall.ID
						if callID == "" {
							callID = fmt.Sprintf("call_%d", len(out.ToolCalls))
						}
						out.ToolCalls = append(out.ToolCalls, chat.ToolCall{
							CallID:    callID,
							Name:      part.FunctionCall.Name,
							Arguments: string(args),
						})
					case part.Thought && part.Text != "":
						reasoning.WriteString(part.Text)
						if deltas != nil {
							deltas(Delta{Reasoning: part.Text})
						}
					case part.Text != "":
						content.WriteString(part.Text)
						if deltas != nil {
							deltas(Delta{Text: part.Text})
						}
					}
				}
			}
			switch cand.FinishReason {
			case genai.FinishReasonStop:
				out.FinishReason = FinishStop
			case genai.FinishReasonMaxTokens:
				out.FinishReason = FinishLength
			}
		}
	}

	out.Content = content.String()
	out.Reasoning = reasoning.String()
	if len(out.ToolCalls) > 0 {
		out.FinishReason = FinishToolCalls
	}
	return out, nil
}

// encodeContents maps the history onto Gemini contents. Tool results become
// function responses; attachment messages become inline image parts.
func encodeContents(messages []chat.Message) []*genai.Content {
	var out []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case chat.RoleSystem:
			// System text outside the system instruction travels as a user
			// turn; Gemini has no mid-conversation system role.
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))

		case chat.RoleUser:
			if m.Attachment != nil {
				raw, err := base64.StdEncoding.DecodeString(m.Attachment.Base64)
				if err != nil {
					logging.APIWarn("[gemini] dropping undecodable attachment: %v", err)
					continue
				}
				out = append(out, &genai.Content{
					Role:  genai.RoleUser,
					Parts: []*genai.Part{genai.NewPartFromBytes(raw, m.Attachment.MimeType)},
				})
				continue
			}
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))

		case chat.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]any{}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.CallID,
					Name: tc.Name,
					Args: args,
				}})
			}
			if len(parts) == 0 {
				continue
			}
			out = append(out, &genai.Content{Role: genai.RoleModel, Parts: parts})

		case chat.RoleTool:
			if m.ToolResult == nil {
				continue
			}
			payload := map[string]any{"output": m.ToolResult.Text()}
			if m.ToolResult.IsError {
				payload = map[string]any{"error": m.ToolResult.Text()}
			}
			out = append(out, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolResult.CallID,
					Name:     m.ToolResult.Name,
					Response: payload,
				}}},
			})
		}
	}
	return out
}
