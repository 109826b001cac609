package openai

import (
	"context"
	"encoding/json"
	"fmt"
)

type ParameterBase struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Tool is a function the model may call while answering.
type Tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`

	execute func(ctx context.Context, arguments string) (string, error)
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  toolParameters `json:"parameters"`
}

type toolParameters struct {
	Type       string                   `json:"type"`
	Properties map[string]ParameterBase `json:"properties"`
	Required   []string                 `json:"required,omitempty"`
}

// NewTool declares a tool whose arguments are decoded into T before fn runs.
// Every parameter is marked required.
func NewTool[T any](name, description string, parameters map[string]ParameterBase, fn func(ctx context.Context, arguments T) (string, error)) Tool {
	required := make([]string, 0, len(parameters))
	for parameter := range parameters {
		required = append(required, parameter)
	}

	return Tool{
		Type: "function",
		Function: toolFunction{
			Name:        name,
			Description: description,
			Parameters: toolParameters{
				Type:       "object",
				Properties: parameters,
				Required:   required,
			},
		},
		execute: func(ctx context.Context, arguments string) (string, error) {
			var args T
			if arguments != "" {
				if err := json.Unmarshal([]byte(arguments), &args); err != nil {
					return "", fmt.Errorf("failed to decode arguments: %w", err)
				}
			}
			return fn(ctx, args)
		},
	}
}

func (t Tool) Name() string { return t.Function.Name }

func (t Tool) Execute(ctx context.Context, arguments string) (string, error) {
	if t.execute == nil {
		return "", fmt.Errorf("tool %q has no implementation", t.Function.Name)
	}
	return t.execute(ctx, arguments)
}
