package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-vtuber/core/channel"
	"github.com/koscakluka/ema-vtuber/core/speech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type turnState string

const (
	stateIdle        turnState = "idle"
	stateGreeting    turnState = "greeting"
	stateGating      turnState = "gating"
	stateDispatching turnState = "dispatching"
	stateStreaming   turnState = "streaming"
	stateFinalizing  turnState = "finalizing"
	stateCancelled   turnState = "cancelled"
	stateFailed      turnState = "failed"
)

type turnOutcome string

const (
	outcomeCompleted turnOutcome = "completed"
	outcomeGreeted   turnOutcome = "greeted"
	outcomeRejected  turnOutcome = "rejected"
	outcomeIntent    turnOutcome = "intent"
	outcomeCancelled turnOutcome = "cancelled"
	outcomeFailed    turnOutcome = "failed"
)

// turn is owned by the goroutine running ProcessTurn. Speech tasks only touch
// it through the task manager.
type turn struct {
	id     string
	req    TurnRequest
	ch     channel.Channel
	speech *speech.TaskManager
	span   trace.Span
	log    *slog.Logger

	state   turnState
	outcome turnOutcome
	text    strings.Builder

	// stopAgent cancels the context the agent stream runs on.
	stopAgent context.CancelFunc

	started bool
	ended   bool
}

func (o *Orchestrator) newTurn(ctx context.Context, ch channel.Channel, req TurnRequest, span trace.Span) *turn {
	id := uuid.NewString()
	log := logger.With("client_uid", req.ClientUID, "session", req.SessionMarker, "turn_id", id)

	speechOpts := append([]speech.Option{speech.WithTaskTimeout(o.timeouts.synthesis)}, o.speechOptions...)
	speechOpts = append(speechOpts, speech.WithCancelCallback(func(reason string) {
		log.DebugContext(ctx, "speech tasks released", "reason", reason)
	}))

	return &turn{
		id:      id,
		req:     req,
		ch:      ch,
		speech:  speech.NewTaskManager(o.tts, ch, speechOpts...),
		span:    span,
		log:     log,
		state:   stateIdle,
		outcome: outcomeCompleted,

		stopAgent: func() {},
	}
}

func (t *turn) setState(ctx context.Context, state turnState) {
	if t.state == state {
		return
	}
	t.log.DebugContext(ctx, "turn state changed", "state", string(state), "previous_state", string(t.state))
	t.span.AddEvent("state "+string(state), trace.WithAttributes(attribute.String("turn.previous_state", string(t.state))))
	t.state = state
}

// sendStartSignals marks the turn as started once the first signal is out.
func (t *turn) sendStartSignals(ctx context.Context) error {
	if t.started {
		return nil
	}

	if err := channel.SendJSON(ctx, t.ch, channel.NewControl(channel.ControlConversationChainStart)); err != nil {
		return fmt.Errorf("failed to send start signal: %w", err)
	}
	t.started = true

	if err := channel.SendJSON(ctx, t.ch, channel.NewFullText("Thinking...")); err != nil {
		return fmt.Errorf("failed to send start signal: %w", err)
	}
	return nil
}

// sendEndSignals is attempted at most once per turn, failed or not.
func (t *turn) sendEndSignals(ctx context.Context) error {
	if t.ended {
		return nil
	}
	t.ended = true

	if err := channel.SendJSON(ctx, t.ch, channel.NewForceNewMessage()); err != nil {
		return err
	}
	return channel.SendJSON(ctx, t.ch, channel.NewControl(channel.ControlConversationChainEnd))
}

func (t *turn) historyEnabled(o *Orchestrator) bool {
	return o.history != nil && t.req.HistoryUID != ""
}
