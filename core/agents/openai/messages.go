package openai

import (
	"fmt"

	"github.com/koscakluka/ema-vtuber/core/agents"
)

type message struct {
	Role       messageRole `json:"role"`
	Content    any         `json:"content"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall  `json:"tool_calls,omitempty"`
}

type messageRole string

const (
	messageRoleSystem    messageRole = "system"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
	messageRoleTool      messageRole = "tool"
)

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type toolCall struct {
	Index    int              `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function toolCallFunction `json:"function"`
}

type toolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// toUserMessage turns a batch into a user message. Plain text is sent as a
// string, images switch the content to a list of parts.
func toUserMessage(input agents.BatchInput) message {
	text := input.Text()
	if len(input.Images) == 0 {
		return message{Role: messageRoleUser, Content: text}
	}

	parts := []contentPart{{Type: "text", Text: text}}
	for _, image := range input.Images {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: imageDataURL(image), Detail: "auto"},
		})
	}
	return message{Role: messageRoleUser, Content: parts}
}

func imageDataURL(image agents.Image) string {
	if image.MimeType == "" || hasScheme(image.Data) {
		return image.Data
	}
	return fmt.Sprintf("data:%s;base64,%s", image.MimeType, image.Data)
}

func hasScheme(data string) bool {
	for _, prefix := range []string{"data:", "http://", "https://"} {
		if len(data) >= len(prefix) && data[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// mergeToolCallDeltas folds streamed tool call fragments into complete calls,
// keyed by their index.
func mergeToolCallDeltas(calls []toolCall, deltas []toolCall) []toolCall {
	for _, delta := range deltas {
		idx := -1
		for i, call := range calls {
			if call.Index == delta.Index {
				idx = i
				break
			}
		}
		if idx == -1 {
			calls = append(calls, toolCall{Index: delta.Index, Type: "function"})
			idx = len(calls) - 1
		}

		if delta.ID != "" {
			calls[idx].ID = delta.ID
		}
		if delta.Type != "" {
			calls[idx].Type = delta.Type
		}
		if delta.Function.Name != "" {
			calls[idx].Function.Name += delta.Function.Name
		}
		calls[idx].Function.Arguments += delta.Function.Arguments
	}
	return calls
}
