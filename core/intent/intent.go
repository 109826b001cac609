// Package intent classifies a user utterance before it reaches the agent, so
// that structured commands can be answered without a full chat turn.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type Kind string

const (
	KindChat    Kind = "chat"
	KindCommand Kind = "command"
	KindImprove Kind = "improve"
	KindUnknown Kind = "unknown"
)

type Intent struct {
	Kind   Kind   `json:"intent" jsonschema:"enum=chat,enum=command,enum=improve,enum=unknown"`
	Action string `json:"action,omitempty" jsonschema:"description=Machine readable action name"`
	Index  *int   `json:"index,omitempty" jsonschema:"minimum=0"`
	Msg    string `json:"msg,omitempty" jsonschema:"description=What the character says to the user"`
}

// Chat is the intent every failed classification falls back to.
func Chat() Intent { return Intent{Kind: KindChat} }

// Actionable reports whether the turn should be answered from the intent
// instead of the agent.
func (i Intent) Actionable() bool {
	return (i.Kind == KindCommand || i.Kind == KindImprove) && strings.TrimSpace(i.Msg) != ""
}

// CommandPayload is the data sent to the client for a command intent.
func (i Intent) CommandPayload() map[string]any {
	payload := map[string]any{"intent": i.Kind, "className": "card-block"}
	if i.Action != "" {
		payload["action"] = i.Action
	}
	if i.Index != nil {
		payload["index"] = *i.Index
	}
	if i.Msg != "" {
		payload["msg"] = i.Msg
	}
	return payload
}

type Classifier interface {
	Classify(ctx context.Context, text string) (Intent, error)
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSON decodes the JSON object in text. A fenced code block wins over
// the surrounding prose; without one the whole text must be JSON.
func ExtractJSON(text string) (any, error) {
	raw := strings.TrimSpace(text)
	if match := fencedJSON.FindStringSubmatch(text); match != nil {
		raw = match[1]
	}

	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("no JSON found in model answer: %w", err)
	}
	return decoded, nil
}
