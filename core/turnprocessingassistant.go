package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/koscakluka/ema-vtuber/core/agents"
	"github.com/koscakluka/ema-vtuber/core/channel"
	"github.com/koscakluka/ema-vtuber/core/history"
	"github.com/koscakluka/ema-vtuber/core/speech"
	"go.opentelemetry.io/otel/attribute"
)

// stream consumes the agent output in order. Errors from the agent end the
// stream but not the turn; the text produced so far is kept.
func (o *Orchestrator) stream(ctx context.Context, t *turn, stream agents.Stream) error {
	t.setState(ctx, stateStreaming)
	ctx, span := tracer.Start(ctx, "stream agent output")
	defer span.End()

	chunks, stop := pullChunks(ctx, stream)
	defer func() {
		t.stopAgent()
		stop()
	}()

	var timer *time.Timer
	var timeout <-chan time.Time
	if o.timeouts.chunk > 0 {
		timer = time.NewTimer(o.timeouts.chunk)
		defer timer.Stop()
		timeout = timer.C
	}

	chunkCount := 0
	var streamErr error
loop:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timeout:
			streamErr = fmt.Errorf("no agent output within %s", o.timeouts.chunk)
			break loop

		case next, ok := <-chunks:
			if !ok {
				break loop
			}
			if next.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				streamErr = next.err
				break loop
			}

			chunkCount++
			if err := o.handleChunk(ctx, t, next.chunk); err != nil {
				return spanError(span, err)
			}

			if timer != nil {
				timer.Reset(o.timeouts.chunk)
			}
		}
	}
	span.SetAttributes(attribute.Int("agent.chunks", chunkCount))

	if streamErr != nil {
		spanError(span, streamErr)
		t.log.ErrorContext(ctx, "agent stream ended with an error", "error", streamErr, "response_length", t.text.Len())
		if err := channel.SendJSON(ctx, t.ch, channel.NewError("Error processing agent response: "+streamErr.Error())); err != nil {
			return spanError(span, err)
		}
	}
	return nil
}

func (o *Orchestrator) handleChunk(ctx context.Context, t *turn, chunk agents.Chunk) error {
	switch c := chunk.(type) {
	case agents.ToolStatusChunk:
		return channel.SendJSON(ctx, t.ch, channel.NewToolCallStatus(c.Payload, o.character.CharacterName))

	case agents.SentenceChunk:
		display := c.Display
		display.Name, display.Avatar = o.character.CharacterName, o.character.Avatar

		t.speech.Speak(ctx, speech.Utterance{
			Text:    o.translate(ctx, t, c.SpokenText()),
			Display: display,
			Actions: c.Actions,
		})
		t.text.WriteString(display.Text)

	case agents.AudioChunk:
		display := c.Display
		display.Name, display.Avatar = o.character.CharacterName, o.character.Avatar

		t.speech.SpeakPrerendered(ctx, speech.Prerendered{
			Audio:       c.Audio,
			Volumes:     c.Volumes,
			SliceLength: c.SliceLength,
			Display:     display,
			Actions:     c.Actions,
		})
		t.text.WriteString(c.Transcript)

	case agents.UnknownChunk:
		t.log.WarnContext(ctx, "dropping unknown agent output", "value_type", fmt.Sprintf("%T", c.Value))

	default:
		t.log.WarnContext(ctx, "dropping unknown agent output", "value_type", fmt.Sprintf("%T", chunk))
	}
	return nil
}

// translate falls back to the original text when translation fails.
func (o *Orchestrator) translate(ctx context.Context, t *turn, text string) string {
	if o.translator == nil || strings.TrimSpace(text) == "" {
		return text
	}

	translated, err := o.translator.Translate(ctx, text)
	if err != nil {
		t.log.WarnContext(ctx, "translation failed, speaking original text", "error", err)
		return text
	}
	return translated
}

// finalize waits for all speech, tells the client synthesis is done, waits
// for playback and closes the turn on the client.
func (o *Orchestrator) finalize(ctx context.Context, t *turn) error {
	t.setState(ctx, stateFinalizing)
	ctx, span := tracer.Start(ctx, "finalize turn")
	defer span.End()

	spoken, err := t.speech.AwaitAll(ctx)
	if err != nil {
		return spanError(span, fmt.Errorf("failed to deliver speech: %w", err))
	}
	span.SetAttributes(attribute.Int("turn.utterances", spoken))

	if spoken > 0 {
		if err := channel.SendJSON(ctx, t.ch, channel.NewBackendSynthComplete()); err != nil {
			return spanError(span, err)
		}
		if err := o.awaitPlayback(ctx, t); err != nil {
			return spanError(span, err)
		}
	}

	if err := t.sendEndSignals(ctx); err != nil {
		return spanError(span, fmt.Errorf("failed to send end signal: %w", err))
	}

	if response := t.text.String(); response != "" && t.historyEnabled(o) {
		if err := o.record(ctx, t, history.RoleAI, response); err != nil {
			return spanError(span, err)
		}
	}
	return nil
}

// awaitPlayback only fails when ctx ends; a client that never acknowledges
// playback delays the end signal by at most the playback timeout.
func (o *Orchestrator) awaitPlayback(ctx context.Context, t *turn) error {
	if o.playback == nil {
		return nil
	}

	waitCtx := ctx
	if o.timeouts.playback > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, o.timeouts.playback)
		defer cancel()
	}

	err := o.playback.AwaitPlaybackComplete(waitCtx, t.req.ClientUID)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		t.log.WarnContext(ctx, "client did not confirm playback in time", "timeout", o.timeouts.playback)
		return nil
	default:
		t.log.WarnContext(ctx, "waiting for playback failed", "error", err)
		return nil
	}
}
