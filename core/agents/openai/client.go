// Package openai is an agents.Agent backed by any OpenAI compatible
// chat-completions endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/koscakluka/ema-vtuber/core/agents"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"

	defaultMaxToolRounds = 5
	// DefaultMaxMemory is the number of messages kept per conversation.
	DefaultMaxMemory = 40
)

type Client struct {
	apiKey        string
	baseURL       string
	model         string
	systemPrompt  string
	tools         []Tool
	maxToolRounds int
	maxMemory     int
	httpClient    *http.Client

	memoryMu sync.Mutex
	memory   map[string][]message
}

var _ agents.Memory = (*Client)(nil)

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithSystemPrompt(prompt string) Option {
	return func(c *Client) { c.systemPrompt = prompt }
}

// WithTools adds tools the model may call. Repeating the option appends.
func WithTools(tools ...Tool) Option {
	return func(c *Client) { c.tools = append(c.tools, tools...) }
}

func WithMaxToolRounds(rounds int) Option {
	return func(c *Client) {
		if rounds > 0 {
			c.maxToolRounds = rounds
		}
	}
}

// WithMaxMemory caps how many messages each conversation keeps. Older
// messages are dropped first.
func WithMaxMemory(messages int) Option {
	return func(c *Client) {
		if messages > 0 {
			c.maxMemory = messages
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func New(apiKey, model string, opts ...Option) *Client {
	c := &Client{
		apiKey:        apiKey,
		baseURL:       DefaultBaseURL,
		model:         model,
		maxToolRounds: defaultMaxToolRounds,
		maxMemory:     DefaultMaxMemory,
		memory:        map[string][]message{},
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResetMemory forgets every conversation.
func (c *Client) ResetMemory() {
	c.memoryMu.Lock()
	defer c.memoryMu.Unlock()
	clear(c.memory)
}

func (c *Client) Forget(conversation string) {
	c.memoryMu.Lock()
	defer c.memoryMu.Unlock()
	delete(c.memory, conversation)
}

// HandleInterrupt drops the response remembered for the interrupted request
// and keeps only what was heard, followed by the interruption marker.
func (c *Client) HandleInterrupt(conversation, heard string) {
	c.memoryMu.Lock()
	defer c.memoryMu.Unlock()

	memory := c.memory[conversation]
	if n := len(memory); n > 0 && memory[n-1].Role == messageRoleAssistant && len(memory[n-1].ToolCalls) == 0 {
		memory = memory[:n-1]
	}
	if heard != "" {
		memory = append(memory, message{Role: messageRoleAssistant, Content: heard})
	}
	memory = append(memory, message{Role: messageRoleSystem, Content: agents.InterruptedMarker})
	c.memory[conversation] = c.trim(memory)
}

func (c *Client) remember(conversation string, messages ...message) {
	c.memoryMu.Lock()
	defer c.memoryMu.Unlock()
	c.memory[conversation] = c.trim(append(c.memory[conversation], messages...))
}

// trim keeps the newest maxMemory messages. The kept history always starts at
// a user message so no tool result loses the call it answers.
func (c *Client) trim(memory []message) []message {
	if len(memory) <= c.maxMemory {
		return memory
	}
	memory = memory[len(memory)-c.maxMemory:]
	for len(memory) > 0 && memory[0].Role != messageRoleUser {
		memory = memory[1:]
	}
	return append([]message(nil), memory...)
}

func (c *Client) conversation(key string, next ...message) []message {
	c.memoryMu.Lock()
	defer c.memoryMu.Unlock()

	memory := c.memory[key]
	messages := make([]message, 0, len(memory)+len(next)+1)
	if c.systemPrompt != "" {
		messages = append(messages, message{Role: messageRoleSystem, Content: c.systemPrompt})
	}
	messages = append(messages, memory...)
	return append(messages, next...)
}

type requestBody struct {
	Model      string    `json:"model"`
	Messages   []message `json:"messages"`
	Stream     bool      `json:"stream"`
	ToolChoice *string   `json:"tool_choice,omitempty"`
	Tools      []Tool    `json:"tools,omitempty"`
}

type completionResponseBody struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends a single non-streaming request outside the remembered
// conversation and returns the answer text.
func (c *Client) Complete(ctx context.Context, systemPrompt, prompt string) (string, error) {
	ctx, span := tracer.Start(ctx, "prompt llm")
	defer span.End()
	span.SetAttributes(attribute.String("request.model", c.model))

	messages := []message{}
	if systemPrompt != "" {
		messages = append(messages, message{Role: messageRoleSystem, Content: systemPrompt})
	}
	messages = append(messages, message{Role: messageRoleUser, Content: prompt})

	resp, err := c.post(ctx, requestBody{Model: c.model, Messages: messages})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer resp.Body.Close()

	var responseBody completionResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&responseBody); err != nil {
		err = fmt.Errorf("error unmarshalling response: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if len(responseBody.Choices) == 0 {
		err := fmt.Errorf("response has no choices")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return responseBody.Choices[0].Message.Content, nil
}

func (c *Client) post(ctx context.Context, body requestBody) (*http.Response, error) {
	requestBodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshalling JSON: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("non-OK HTTP status: %s: %s", resp.Status, strings.TrimSpace(string(errorBody)))
	}
	return resp, nil
}
