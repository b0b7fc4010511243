// Package llmclient is a small HTTP/JSON client for the harness's one LLM collaborator: a
// local OpenAI-compatible chat-completion and tokenize endpoint.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"terrarium-annotator/pkg/errs"
	"terrarium-annotator/pkg/logx"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation the model requested.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON, parsed by the caller.
}

// Message is one chat turn.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolDefinition describes one tool offered to the model, with its parameters as a JSON schema.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON schema object.
}

// ChatRequest is a completion request against the configured agent URL.
type ChatRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float32
}

// ChatResponse is the model's reply: text content and/or tool calls.
type ChatResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Usage reports token accounting the server returned, when present.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Client is the interface consumed by the rest of the harness; RetryableClient wraps a Client.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	Tokenize(ctx context.Context, text string) ([]int, error)
}

// HTTPClient talks to a local OpenAI-compatible server over plain HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *logx.Logger
}

// NewHTTPClient builds a client against baseURL (e.g. "http://localhost:8080") with the given
// request timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logx.NewLogger("llmclient"),
	}
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Function wireToolCallFnArg `json:"function"`
}

type wireToolCallFnArg struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type wireChatRequest struct {
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature"`
}

type wireChatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat performs one chat-completion request.
func (c *HTTPClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	wireReq := wireChatRequest{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		wm := wireMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID: tc.ID, Type: "function",
				Function: wireToolCallFnArg{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		wireReq.Messages = append(wireReq.Messages, wm)
	}
	for _, t := range req.Tools {
		wireReq.Tools = append(wireReq.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name: t.Name, Description: t.Description, Parameters: t.Parameters,
			},
		})
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return ChatResponse{}, errs.New(errs.TypeBadRequest, "marshaling chat request failed", err)
	}

	var wireResp wireChatResponse
	if err := c.post(ctx, "/v1/chat/completions", body, &wireResp); err != nil {
		return ChatResponse{}, err
	}
	if len(wireResp.Choices) == 0 {
		return ChatResponse{}, errs.New(errs.TypeProtocol, "chat response carried no choices", nil)
	}

	choice := wireResp.Choices[0]
	resp := ChatResponse{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     wireResp.Usage.PromptTokens,
			CompletionTokens: wireResp.Usage.CompletionTokens,
			TotalTokens:      wireResp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments,
		})
	}
	return resp, nil
}

type wireTokenizeRequest struct {
	Text string `json:"text"`
}

type wireTokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

// Tokenize requests the server's exact tokenization of text, used by the token counter's
// primary path.
func (c *HTTPClient) Tokenize(ctx context.Context, text string) ([]int, error) {
	body, err := json.Marshal(wireTokenizeRequest{Text: text})
	if err != nil {
		return nil, errs.New(errs.TypeBadRequest, "marshaling tokenize request failed", err)
	}
	var wireResp wireTokenizeResponse
	if err := c.post(ctx, "/tokenize", body, &wireResp); err != nil {
		return nil, err
	}
	return wireResp.Tokens, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body []byte, out any) error {
	requestID := uuid.New().String()

	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errs.New(errs.TypeBadRequest, fmt.Sprintf("building request to %s failed", path), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)

	c.logger.Debug("request %s: POST %s", requestID, path)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return errs.New(errs.TypeTransient, fmt.Sprintf("request %s to %s failed", requestID, path), err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return errs.New(errs.TypeTransient, fmt.Sprintf("reading response from %s failed", path), err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return classifyHTTPStatus(httpResp.StatusCode, path, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return errs.New(errs.TypeProtocol, fmt.Sprintf("parsing response from %s failed", path), err)
	}
	return nil
}

// classifyHTTPStatus maps a non-200 response to the harness's error taxonomy.
func classifyHTTPStatus(status int, path string, body []byte) error {
	msg := fmt.Sprintf("%s returned status %d: %s", path, status, truncate(string(body), 500))
	switch {
	case status == http.StatusTooManyRequests:
		return errs.NewWithStatus(errs.TypeRateLimit, msg, nil, status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.NewWithStatus(errs.TypeAuth, msg, nil, status)
	case status >= 400 && status < 500:
		return errs.NewWithStatus(errs.TypeBadRequest, msg, nil, status)
	case status >= 500:
		return errs.NewWithStatus(errs.TypeTransient, msg, nil, status)
	default:
		return errs.NewWithStatus(errs.TypeUnknown, msg, nil, status)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}
