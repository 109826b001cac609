package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	schemagen "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const scopeName = "github.com/koscakluka/ema-vtuber/core/intent"

var (
	tracer = otel.Tracer(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

const (
	placeholderSchema   = "<schema>"
	placeholderContext  = "<context>"
	placeholderQuestion = "<question>"

	DefaultUserTemplate = "<question>"

	schemaResource = "intent.schema.json"
)

// Prompter answers a single prompt without conversation memory.
type Prompter interface {
	Complete(ctx context.Context, systemPrompt, prompt string) (string, error)
}

// LLMClassifier asks a language model for the intent and validates the answer
// against the Intent JSON schema.
type LLMClassifier struct {
	prompter       Prompter
	systemTemplate string
	userTemplate   string
	context        string

	schemaJSON string
	schema     *jsonschema.Schema
}

type ClassifierOption func(*LLMClassifier)

// WithUserTemplate replaces the user prompt; <question> is substituted.
func WithUserTemplate(template string) ClassifierOption {
	return func(c *LLMClassifier) {
		if template != "" {
			c.userTemplate = template
		}
	}
}

// WithContext sets the text substituted for <context>, e.g. a catalogue the
// model can pick from.
func WithContext(context string) ClassifierOption {
	return func(c *LLMClassifier) { c.context = context }
}

// NewLLMClassifier builds a classifier. systemTemplate may reference <schema>
// and <context>.
func NewLLMClassifier(prompter Prompter, systemTemplate string, opts ...ClassifierOption) (*LLMClassifier, error) {
	if prompter == nil {
		return nil, fmt.Errorf("intent classifier needs a prompter")
	}

	reflector := schemagen.Reflector{DoNotReference: true, Anonymous: true, AllowAdditionalProperties: true}
	schemaJSON, err := json.Marshal(reflector.Reflect(&Intent{}))
	if err != nil {
		return nil, fmt.Errorf("failed to generate intent schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add intent schema: %w", err)
	}
	schema, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile intent schema: %w", err)
	}

	c := &LLMClassifier{
		prompter:       prompter,
		systemTemplate: systemTemplate,
		userTemplate:   DefaultUserTemplate,
		schemaJSON:     string(schemaJSON),
		schema:         schema,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Classify never fails the turn: prompt, extraction and validation errors are
// logged and reported as a chat intent.
func (c *LLMClassifier) Classify(ctx context.Context, text string) (Intent, error) {
	ctx, span := tracer.Start(ctx, "classify intent")
	defer span.End()

	intent, err := c.classify(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnContext(ctx, "intent classification failed, proceeding as chat", "error", err)
		return Chat(), nil
	}

	span.SetAttributes(attribute.String("intent.kind", string(intent.Kind)))
	return intent, nil
}

func (c *LLMClassifier) classify(ctx context.Context, text string) (Intent, error) {
	systemPrompt := strings.NewReplacer(
		placeholderSchema, c.schemaJSON,
		placeholderContext, c.context,
	).Replace(c.systemTemplate)
	prompt := strings.ReplaceAll(c.userTemplate, placeholderQuestion, text)

	answer, err := c.prompter.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return Intent{}, fmt.Errorf("failed to prompt for intent: %w", err)
	}

	decoded, err := ExtractJSON(answer)
	if err != nil {
		return Intent{}, err
	}
	if err := c.schema.Validate(decoded); err != nil {
		return Intent{}, fmt.Errorf("intent does not match schema: %w", err)
	}

	raw, err := json.Marshal(decoded)
	if err != nil {
		return Intent{}, fmt.Errorf("failed to re-encode intent: %w", err)
	}
	var intent Intent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return Intent{}, fmt.Errorf("failed to decode intent: %w", err)
	}
	return intent, nil
}
