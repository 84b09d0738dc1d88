// Package llm is a chat-completions client for Azure OpenAI and other
// OpenAI-compatible endpoints. It supports structured JSON output, tool
// definitions and image content parts; the agent nodes are its only
// consumers.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrBadRequest marks an HTTP 400 from the service, typically an image
// attachment the deployment rejects. The runner retries once with text-only
// content on this error.
var ErrBadRequest = errors.New("llm: bad request")

// Message is one chat message. Content is a plain string or []ContentBlock
// for multimodal messages.
type Message struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ContentBlock is a typed part of a multimodal message.
type ContentBlock struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL holds a URL or data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// Text builds a plain text message.
func Text(role, content string) Message {
	return Message{Role: role, Content: content}
}

// TextWithImage builds a user-style message carrying text plus one base64
// PNG attachment.
func TextWithImage(role, text, pngBase64 string) Message {
	return Message{Role: role, Content: []ContentBlock{
		{Type: "text", Text: text},
		{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/png;base64," + pngBase64}},
	}}
}

// ToolMessage builds a tool-result message answering callID.
func ToolMessage(callID, content string) Message {
	return Message{Role: "tool", ToolCallID: callID, Content: content}
}

// StripImages returns a copy of msgs with image blocks dropped and block
// content flattened back to plain strings. Used for the one text-only retry
// after an image rejection.
func StripImages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		blocks, ok := m.Content.([]ContentBlock)
		if !ok {
			continue
		}
		text := ""
		for _, b := range blocks {
			if b.Type == "text" {
				if text != "" {
					text += "\n"
				}
				text += b.Text
			}
		}
		out[i].Content = text
	}
	return out
}

// Tool declares one callable function.
type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Function describes a tool's name and JSON-schema parameters.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the name and JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ResponseFormat requests structured output.
type ResponseFormat struct {
	Type       string      `json:"type"` // "json_schema"
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

// JSONSchema names the expected output shape.
type JSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

// Request is one chat completion call.
type Request struct {
	Messages       []Message
	Tools          []Tool
	ResponseFormat *ResponseFormat
	Temperature    *float64
	MaxTokens      int
}

// Usage is the token accounting of one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the parsed completion.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Chatter is the client surface the agent nodes depend on; tests inject
// scripted implementations.
type Chatter interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// Client talks to one deployment. With APIVersion set it uses the Azure URL
// and api-key header; otherwise the standard /chat/completions path with a
// bearer token.
type Client struct {
	Endpoint   string // base URL, no trailing slash
	APIKey     string
	Deployment string // Azure deployment or model name
	APIVersion string // empty for non-Azure endpoints
	HTTPClient *http.Client
}

var _ Chatter = (*Client)(nil)

// New builds a client with a 120s default timeout (vision calls are slow).
func New(endpoint, apiKey, deployment, apiVersion string) *Client {
	return &Client{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		Deployment: deployment,
		APIVersion: apiVersion,
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type wireRequest struct {
	Model          string          `json:"model,omitempty"`
	Messages       []Message       `json:"messages"`
	Tools          []Tool          `json:"tools,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Chat sends one completion request.
func (c *Client) Chat(ctx context.Context, req Request) (*Response, error) {
	body := wireRequest{
		Messages:       req.Messages,
		Tools:          req.Tools,
		ResponseFormat: req.ResponseFormat,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
	}
	if c.APIVersion == "" {
		body.Model = c.Deployment
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIVersion != "" {
		httpReq.Header.Set("api-key", c.APIKey)
	} else if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusBadRequest {
			return nil, fmt.Errorf("%w: %s", ErrBadRequest, raw)
		}
		return nil, fmt.Errorf("llm: status %d: %s", resp.StatusCode, raw)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, errors.New("llm: response has no choices")
	}

	choice := wire.Choices[0]
	return &Response{
		Content:   choice.Message.Content,
		ToolCalls: choice.Message.ToolCalls,
		Usage:     wire.Usage,
	}, nil
}

func (c *Client) requestURL() string {
	if c.APIVersion != "" {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			c.Endpoint, url.PathEscape(c.Deployment), url.QueryEscape(c.APIVersion))
	}
	return c.Endpoint + "/chat/completions"
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}
