package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/koscakluka/ema-vtuber/core/agents"
	"github.com/koscakluka/ema-vtuber/core/channel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	endMessage  = "[DONE]"
	chunkPrefix = "data:"

	toolStatusRunning   = "running"
	toolStatusCompleted = "completed"
	toolStatusError     = "error"
)

type streamingResponseBody struct {
	Choices []struct {
		Delta struct {
			Role      string     `json:"role,omitempty"`
			Content   string     `json:"content,omitempty"`
			ToolCalls []toolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

// Chat streams the answer to input sentence by sentence. The user message and
// whatever text was produced, complete or not, are added to the memory of
// input.Conversation once the iteration ends.
func (c *Client) Chat(ctx context.Context, input agents.BatchInput) agents.Stream {
	return func(yield func(agents.Chunk, error) bool) {
		ctx, span := tracer.Start(ctx, "prompt llm stream")
		defer span.End()
		span.SetAttributes(attribute.String("request.model", c.model), attribute.String("request.conversation", input.Conversation))

		userMessage := toUserMessage(input)
		var produced strings.Builder
		var toolMessages []message
		defer func() {
			messages := append([]message{userMessage}, toolMessages...)
			if produced.Len() > 0 {
				messages = append(messages, message{Role: messageRoleAssistant, Content: produced.String()})
			}
			c.remember(input.Conversation, messages...)
		}()

		for round := 0; ; round++ {
			calls, ok := c.streamRound(ctx, span, c.conversation(input.Conversation, append([]message{userMessage}, toolMessages...)...), &produced, yield)
			if !ok || len(calls) == 0 {
				return
			}
			if round+1 >= c.maxToolRounds {
				err := fmt.Errorf("tool call limit of %d rounds reached", c.maxToolRounds)
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				yield(nil, err)
				return
			}

			assistant := message{Role: messageRoleAssistant, Content: "", ToolCalls: calls}
			toolMessages = append(toolMessages, assistant)
			for _, call := range calls {
				response, ok := c.callTool(ctx, call, yield)
				if !ok {
					return
				}
				toolMessages = append(toolMessages, message{
					Role:       messageRoleTool,
					Content:    response,
					ToolCallID: call.ID,
				})
			}
		}
	}
}

// streamRound sends one request and yields its sentences. It returns the tool
// calls requested by the model and whether the iteration may continue.
func (c *Client) streamRound(
	ctx context.Context,
	span trace.Span,
	messages []message,
	produced *strings.Builder,
	yield func(agents.Chunk, error) bool,
) ([]toolCall, bool) {
	body := requestBody{Model: c.model, Messages: messages, Stream: true}
	if len(c.tools) > 0 {
		auto := "auto"
		body.Tools = c.tools
		body.ToolChoice = &auto
	}

	span.AddEvent("request started")
	resp, err := c.post(ctx, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		yield(nil, err)
		return nil, false
	}
	defer resp.Body.Close()

	emit := func(sentence string) bool {
		if sentence == "" {
			return true
		}
		produced.WriteString(sentence)
		return yield(agents.SentenceChunk{Display: agents.DisplayText{Text: sentence}}, nil)
	}

	var splitter agents.SentenceSplitter
	var calls []toolCall
	firstChunk := true
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		chunk := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), chunkPrefix))
		if len(chunk) == 0 {
			continue
		}
		if chunk == endMessage {
			break
		}
		if firstChunk {
			span.AddEvent("received first chunk")
			firstChunk = false
		}

		var responseBody streamingResponseBody
		if err := json.Unmarshal([]byte(chunk), &responseBody); err != nil {
			err = fmt.Errorf("error unmarshalling JSON: %w", err)
			span.RecordError(err)
			if !yield(nil, err) {
				return nil, false
			}
			continue
		}
		if len(responseBody.Choices) == 0 {
			continue
		}

		delta := responseBody.Choices[0].Delta
		calls = mergeToolCallDeltas(calls, delta.ToolCalls)
		for _, sentence := range splitter.Push(delta.Content) {
			if !emit(sentence) {
				return nil, false
			}
		}
	}

	if err := scanner.Err(); err != nil {
		err = fmt.Errorf("error reading streamed response: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if emit(splitter.Flush()) {
			yield(nil, err)
		}
		return nil, false
	}
	if !emit(splitter.Flush()) {
		return nil, false
	}

	toolNames := make([]string, 0, len(calls))
	for _, call := range calls {
		toolNames = append(toolNames, call.Function.Name)
	}
	span.SetAttributes(attribute.StringSlice("response.tool_calls", toolNames))
	return calls, true
}

func (c *Client) callTool(ctx context.Context, call toolCall, yield func(agents.Chunk, error) bool) (string, bool) {
	ctx, span := tracer.Start(ctx, "execute tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", call.Function.Name))

	if !yield(toolStatus(call, toolStatusRunning, call.Function.Arguments), nil) {
		return "", false
	}

	var response string
	err := fmt.Errorf("tool not found: %s", call.Function.Name)
	for _, tool := range c.tools {
		if tool.Name() == call.Function.Name {
			response, err = tool.Execute(ctx, call.Function.Arguments)
			break
		}
	}

	if err != nil {
		err = fmt.Errorf("failed to execute tool %q: %w", call.Function.Name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnContext(ctx, "tool call failed", "tool", call.Function.Name, "error", err)
		response = "Error: " + err.Error()
		return response, yield(toolStatus(call, toolStatusError, err.Error()), nil)
	}
	return response, yield(toolStatus(call, toolStatusCompleted, response), nil)
}

func toolStatus(call toolCall, status, content string) agents.ToolStatusChunk {
	return agents.ToolStatusChunk{Payload: map[string]any{
		"type":      string(channel.TypeToolCallStatus),
		"tool_id":   call.ID,
		"tool_name": call.Function.Name,
		"status":    status,
		"content":   content,
	}}
}
