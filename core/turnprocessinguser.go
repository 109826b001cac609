package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/koscakluka/ema-vtuber/core/agents"
	"github.com/koscakluka/ema-vtuber/core/channel"
	"github.com/koscakluka/ema-vtuber/core/history"
	"github.com/koscakluka/ema-vtuber/core/intent"
	"github.com/koscakluka/ema-vtuber/core/speech"
	"github.com/koscakluka/ema-vtuber/core/wakeword"
	"go.opentelemetry.io/otel/attribute"
)

const (
	greetingTrigger    = "start"
	timeGreetingMarker = "{time_greeting}"
	humanInputSource   = "input"
)

func (o *Orchestrator) isGreeting(req TurnRequest) bool {
	return req.Metadata.MessageType() == agents.MessageTypeTextInput &&
		!req.Input.IsAudio() &&
		req.Input.Text == greetingTrigger
}

// timeGreeting picks the greeting for the hour of now.
func timeGreeting(now time.Time) string {
	switch hour := now.Hour(); {
	case hour >= 5 && hour < 12:
		return "上午好"
	case hour >= 12 && hour < 18:
		return "下午好"
	default:
		return "晚上好"
	}
}

func (o *Orchestrator) greet(ctx context.Context, t *turn) error {
	t.setState(ctx, stateGreeting)
	t.outcome = outcomeGreeted

	if err := t.sendStartSignals(ctx); err != nil {
		return err
	}

	welcome := strings.ReplaceAll(o.welcomeSpeech, timeGreetingMarker, timeGreeting(o.now()))
	if strings.TrimSpace(welcome) != "" {
		t.speech.Speak(ctx, speech.Utterance{Text: welcome, Display: o.display(welcome)})
	}

	return o.finalize(ctx, t)
}

// gate resolves the input to text and checks it for a wake word.
func (o *Orchestrator) gate(ctx context.Context, t *turn) (string, bool, error) {
	t.setState(ctx, stateGating)
	ctx, span := tracer.Start(ctx, "gate input")
	defer span.End()

	if err := t.sendStartSignals(ctx); err != nil {
		return "", false, spanError(span, err)
	}

	detectCtx := ctx
	if t.req.Input.IsAudio() && o.timeouts.asr > 0 {
		var cancel context.CancelFunc
		detectCtx, cancel = context.WithTimeout(ctx, o.timeouts.asr)
		defer cancel()
	}

	awake, text, err := wakeword.Detect(detectCtx, t.req.Input, o.asr, o.wakeWords, t.ch)
	if err != nil {
		return "", false, spanError(span, err)
	}

	span.SetAttributes(attribute.Bool("turn.awake", awake))
	if !awake {
		t.log.InfoContext(ctx, "no wake word in input, ignoring", "text", text)
	}
	return text, awake, nil
}

// dispatch hands the text to the agent. handled reports that the intent
// stage already answered the turn.
func (o *Orchestrator) dispatch(ctx context.Context, t *turn, text string) (stream agents.Stream, handled bool, err error) {
	t.setState(ctx, stateDispatching)
	ctx, span := tracer.Start(ctx, "dispatch")
	defer span.End()

	if o.classifier != nil && o.answerIntent(ctx, t, text) {
		span.SetAttributes(attribute.Bool("turn.answered_from_intent", true))
		return nil, true, nil
	}

	if o.agent == nil {
		return nil, false, spanError(span, ErrNoAgent)
	}

	batch := agents.BatchInput{
		Conversation: t.req.ClientUID,
		Texts:        []agents.TextData{{Source: humanInputSource, Content: text, FromName: o.character.HumanName}},
		Images:       t.req.Images,
		Metadata:     t.req.Metadata,
	}

	if t.historyEnabled(o) && !t.req.Metadata.SkipHistory() {
		if err := o.record(ctx, t, history.RoleHuman, text); err != nil {
			return nil, false, spanError(span, err)
		}
	}

	agentCtx, stopAgent := context.WithCancel(ctx)
	t.stopAgent = stopAgent
	return o.agent.Chat(agentCtx, batch), false, nil
}

// answerIntent speaks the classifier's message for commands and improvement
// requests. Commands are sent to the client once the message was spoken.
func (o *Orchestrator) answerIntent(ctx context.Context, t *turn, text string) bool {
	detected, err := o.classifier.Classify(ctx, text)
	if err != nil {
		t.log.WarnContext(ctx, "intent classification failed, continuing as chat", "error", err)
		return false
	}
	if !detected.Actionable() {
		return false
	}

	t.log.InfoContext(ctx, "answering from intent", "intent", string(detected.Kind), "action", detected.Action)
	utterance := speech.Utterance{Text: detected.Msg, Display: o.display(detected.Msg)}
	if detected.Kind == intent.KindCommand {
		utterance.OnComplete = func(ctx context.Context) error {
			command, err := channel.NewCommand(detected.CommandPayload())
			if err != nil {
				return err
			}
			return channel.SendJSON(ctx, t.ch, command)
		}
	}
	t.speech.Speak(ctx, utterance)
	return true
}

func (o *Orchestrator) display(text string) channel.DisplayText {
	return channel.DisplayText{Text: text, Name: o.character.CharacterName, Avatar: o.character.Avatar}
}

func (o *Orchestrator) record(ctx context.Context, t *turn, role history.Role, content string) error {
	entry := history.Entry{
		ConversationID: o.character.ConfUID,
		HistoryID:      t.req.HistoryUID,
		Role:           role,
		Content:        content,
	}
	switch role {
	case history.RoleHuman:
		entry.Name = o.character.HumanName
	case history.RoleAI:
		entry.Name = o.character.CharacterName
		entry.Avatar = o.character.Avatar
	}

	if err := o.history.Append(ctx, entry.Stamp(o.now())); err != nil {
		return fmt.Errorf("failed to store %s message: %w", role, err)
	}
	return nil
}
