package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antinomyhq/forge-sub003/internal/chat"
	"github.com/antinomyhq/forge-sub003/internal/logging"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient speaks the chat-completions streaming protocol. It also covers
// every OpenAI-compatible endpoint (set BaseURL).
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	mu    sync.Mutex
	model string
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration
	Transport http.RoundTripper
}

// NewOpenAIClient creates a client. Transport may be nil for direct traffic.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &OpenAIClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: cfg.Transport,
		},
	}
}

// Model returns the active model.
func (c *OpenAIClient) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SetModel switches the active model.
func (c *OpenAIClient) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// Wire types for the chat-completions endpoint.

type oaiRequest struct {
	Model         string            `json:"model"`
	Messages      []oaiMessage      `json:"messages"`
	Tools         []oaiTool         `json:"tools,omitempty"`
	Stream        bool              `json:"stream"`
	StreamOptions *oaiStreamOptions `json:"stream_options,omitempty"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    any           `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type oaiToolCall struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Index    *int            `json:"index,omitempty"`
	Function oaiToolCallFunc `json:"function"`
}

type oaiToolCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string        `json:"content"`
			ReasoningContent string        `json:"reasoning_content"`
			ToolCalls        []oaiToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		TotalTokens         int `json:"total_tokens"`
		PromptTokensDetails *struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

// Chat runs one streaming completion.
func (c *OpenAIClient) Chat(ctx context.Context, req Request, deltas DeltaFunc) (*Response, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	model := req.Model
	if model == "" {
		model = c.Model()
	}

	body := oaiRequest{
		Model:         model,
		Messages:      c.encodeMessages(req),
		Tools:         encodeTools(req.Tools),
		Stream:        true,
		StreamOptions: &oaiStreamOptions{IncludeUsage: true},
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	logging.API("[openai] chat: model=%s messages=%d tools=%d", model, len(body.Messages), len(body.Tools))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	return c.consumeStream(resp.Body, deltas)
}

// consumeStream reads the SSE body line by line, forwarding text deltas and
// accumulating tool call fragments by stream index.
func (c *OpenAIClient) consumeStream(body io.Reader, deltas DeltaFunc) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	out := &Response{FinishReason: FinishOther}
	var content, reasoning strings.Builder

	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	calls := make(map[int]*partialCall)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logging.APIWarn("[openai] skipping malformed stream chunk: %v", err)
			continue
		}

		if chunk.Usage != nil {
			out.Usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
			if chunk.Usage.PromptTokensDetails != nil {
				out.Usage.CachedTokens = chunk.Usage.PromptTokensDetails.CachedTokens
			}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if deltas != nil {
					deltas(Delta{Text: choice.Delta.Content})
				}
			}
			if choice.Delta.ReasoningContent != "" {
				reasoning.WriteString(choice.Delta.ReasoningContent)
				if deltas != nil {
					deltas(Delta{Reasoning: choice.Delta.ReasoningContent})
				}
			}
			for i, tc := range choice.Delta.ToolCalls {
				idx := i
				if tc.Index != nil {
					idx = *tc.Index
				}
				pc := calls[idx]
				if pc == nil {
					pc = &partialCall{}
					calls[idx] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args.WriteString(tc.Function.Arguments)
			}
			switch choice.FinishReason {
			case "":
			case "stop":
				out.FinishReason = FinishStop
			case "tool_calls", "function_call":
				out.FinishReason = FinishToolCalls
			case "length":
				out.FinishReason = FinishLength
			default:
				out.FinishReason = FinishOther
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading stream: %w", err)
	}

	out.Content = content.String()
	out.Reasoning = reasoning.String()

	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		pc := calls[idx]
		out.ToolCalls = append(out.ToolCalls, chat.ToolCall{
			CallID:    pc.id,
			Name:      pc.name,
			Arguments: pc.args.String(),
		})
	}
	if len(out.ToolCalls) > 0 && out.FinishReason == FinishStop {
		out.FinishReason = FinishToolCalls
	}

	return out, nil
}

// encodeMessages maps the internal history onto the wire format. Tool results
// reach this layer text-only; images were rewritten into attachment messages
// beforehand.
func (c *OpenAIClient) encodeMessages(req Request) []oaiMessage {
	msgs := make([]oaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, oaiMessage{Role: "system", Content: req.System})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case chat.RoleSystem:
			msgs = append(msgs, oaiMessage{Role: "system", Content: m.Content})

		case chat.RoleUser:
			if m.Attachment != nil {
				msgs = append(msgs, oaiMessage{Role: "user", Content: []oaiContentPart{
					{Type: "image_url", ImageURL: &oaiImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", m.Attachment.MimeType, m.Attachment.Base64),
					}},
				}})
				continue
			}
			msgs = append(msgs, oaiMessage{Role: "user", Content: m.Content})

		case chat.RoleAssistant:
			out := oaiMessage{Role: "assistant"}
			if m.Content != "" {
				out.Content = m.Content
			}
			for _, tc := range m.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, oaiToolCall{
					ID:   tc.CallID,
					Type: "function",
					Function: oaiToolCallFunc{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			msgs = append(msgs, out)

		case chat.RoleTool:
			if m.ToolResult == nil {
				continue
			}
			text := m.ToolResult.Text()
			if text == "" {
				text = "(no output)"
			}
			msgs = append(msgs, oaiMessage{
				Role:       "tool",
				ToolCallID: m.ToolResult.CallID,
				Content:    text,
			})
		}
	}
	return msgs
}

func encodeTools(tools []ToolDefinition) []oaiTool {
	out := make([]oaiTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, oaiTool{
			Type: "function",
			Function: oaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}
