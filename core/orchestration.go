// Package orchestration drives one unit of user input through wake word
// gating, the agent and speech synthesis, writing ordered events to the
// client.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koscakluka/ema-vtuber/core/agents"
	"github.com/koscakluka/ema-vtuber/core/channel"
	"github.com/koscakluka/ema-vtuber/core/history"
	"github.com/koscakluka/ema-vtuber/core/intent"
	"github.com/koscakluka/ema-vtuber/core/speech"
	"github.com/koscakluka/ema-vtuber/core/speechtotext"
	"github.com/koscakluka/ema-vtuber/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrTurnCancelled = errors.New("turn cancelled")
	ErrTurnFailed    = errors.New("turn failed")
	ErrNoAgent       = errors.New("no agent configured")
)

const endSignalTimeout = 5 * time.Second

type Orchestrator struct {
	agent      agents.Agent
	asr        speechtotext.Transcriber
	tts        texttospeech.Synthesizer
	history    history.Recorder
	translator Translator
	playback   PlaybackTracker
	classifier intent.Classifier

	character     Character
	welcomeSpeech string
	wakeWords     []string
	timeouts      timeouts
	speechOptions []speech.Option

	now func() time.Time
}

func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		timeouts: timeouts{playback: DefaultPlaybackTimeout},
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// TurnRequest is one unit of user input. An empty HistoryUID disables history
// for the turn, an empty SessionMarker is replaced by a random one.
type TurnRequest struct {
	ClientUID     string
	HistoryUID    string
	Input         agents.UserInput
	Images        []agents.Image
	Metadata      agents.Metadata
	SessionMarker string
}

// ProcessTurn runs one turn to completion and returns the text the agent
// produced. Every turn that sent a start signal sends exactly one end signal,
// whatever the outcome.
//
// A cancelled ctx yields an error matching both ErrTurnCancelled and the
// context error. Infrastructure failures yield ErrTurnFailed. Errors from the
// agent stream are reported to the client and do not fail the turn.
func (o *Orchestrator) ProcessTurn(ctx context.Context, ch channel.Channel, req TurnRequest) (response string, err error) {
	if req.SessionMarker == "" {
		req.SessionMarker = randomSessionMarker()
	}

	ctx, span := tracer.Start(ctx, "process turn")
	defer span.End()

	t := o.newTurn(ctx, ch, req, span)
	span.SetAttributes(
		attribute.String("turn.id", t.id),
		attribute.String("turn.client_uid", req.ClientUID),
		attribute.Bool("turn.audio_input", req.Input.IsAudio()),
	)
	started := time.Now()

	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("turn panicked: %v", recovered)
		}

		t.stopAgent()
		err = o.closeTurn(ctx, t, err)
		response = t.text.String()

		turnsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(t.outcome))))
		turnDuration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(attribute.String("outcome", string(t.outcome))))
	}()

	return o.runTurn(ctx, t)
}

func (o *Orchestrator) runTurn(ctx context.Context, t *turn) (string, error) {
	if o.isGreeting(t.req) {
		return "", o.greet(ctx, t)
	}

	text, awake, err := o.gate(ctx, t)
	if err != nil {
		return "", err
	}
	if !awake {
		t.outcome = outcomeRejected
		return "", o.finalize(ctx, t)
	}

	stream, handled, err := o.dispatch(ctx, t, text)
	if err != nil {
		return "", err
	}
	if handled {
		t.outcome = outcomeIntent
		return "", o.finalize(ctx, t)
	}

	if err := o.stream(ctx, t, stream); err != nil {
		return t.text.String(), err
	}
	if err := o.finalize(ctx, t); err != nil {
		return t.text.String(), err
	}
	return t.text.String(), nil
}

// closeTurn classifies err, releases the speech tasks and makes sure the end
// signal went out. Only the cancellation of ctx itself counts as a cancelled
// turn; a stage timeout fails it.
func (o *Orchestrator) closeTurn(ctx context.Context, t *turn, err error) error {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), endSignalTimeout)
	defer cancel()

	switch {
	case err == nil:
		t.setState(ctx, stateIdle)
		t.speech.Cleanup("turn completed")

	case ctx.Err() != nil:
		t.setState(ctx, stateCancelled)
		t.outcome = outcomeCancelled
		t.log.InfoContext(ctx, "turn cancelled", "error", err)
		t.speech.Cleanup("turn cancelled")
		err = fmt.Errorf("%w: %w", ErrTurnCancelled, err)

	default:
		t.setState(ctx, stateFailed)
		t.outcome = outcomeFailed
		t.log.ErrorContext(ctx, "turn failed", "error", err)
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, err.Error())
		t.speech.Cleanup("turn failed")

		if sendErr := channel.SendJSON(detached, t.ch, channel.NewError("Conversation error: "+err.Error())); sendErr != nil {
			t.log.WarnContext(ctx, "failed to report turn failure to client", "error", sendErr)
		}
		err = fmt.Errorf("%w: %w", ErrTurnFailed, err)
	}

	if t.started && !t.ended {
		if endErr := t.sendEndSignals(detached); endErr != nil {
			endErr = fmt.Errorf("failed to send end signal: %w", endErr)
			t.span.RecordError(endErr)
			t.log.WarnContext(ctx, "end signal not delivered", "error", endErr)
			if err == nil {
				err = fmt.Errorf("%w: %w", ErrTurnFailed, endErr)
				t.outcome = outcomeFailed
			}
		}
	}

	return err
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
