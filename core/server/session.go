package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	orchestration "github.com/koscakluka/ema-vtuber/core"
	"github.com/koscakluka/ema-vtuber/core/agents"
	"github.com/koscakluka/ema-vtuber/core/audio"
	"github.com/koscakluka/ema-vtuber/core/channel"
	"github.com/koscakluka/ema-vtuber/core/history"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type session struct {
	uid        string
	historyUID string
	server     *Server
	conn       *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	// micAudio is only touched by the read loop.
	micAudio []float32

	turnMu     sync.Mutex
	turnCancel context.CancelFunc
	turnDone   chan struct{}
	// response is what the last finished turn got from the agent.
	response string
}

func newSession(ctx context.Context, server *Server, conn *websocket.Conn, uid string) *session {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &session{
		uid:        uid,
		historyUID: history.NewUID(),
		server:     server,
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Send implements channel.Channel. Writes are serialized because turns and
// the read loop share the connection.
func (s *session) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(s.server.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to write to client: %w", err)
	}
	return nil
}

func (s *session) run() {
	defer s.close()

	log := logger.With("client_uid", s.uid)
	log.InfoContext(s.ctx, "client connected", "history_uid", s.historyUID)

	if err := channel.SendJSON(s.ctx, s, channel.NewFullText("Connection established")); err != nil {
		log.WarnContext(s.ctx, "failed to greet client", "error", err)
		return
	}
	if err := channel.SendJSON(s.ctx, s, channel.NewHistoryCreated(s.historyUID)); err != nil {
		log.WarnContext(s.ctx, "failed to announce history", "error", err)
		return
	}

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WarnContext(s.ctx, "client connection lost", "error", err)
			} else {
				log.InfoContext(s.ctx, "client disconnected")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.WarnContext(s.ctx, "ignoring malformed client message", "error", err)
			continue
		}
		s.handle(msg)
	}
}

func (s *session) handle(msg inboundMessage) {
	switch msg.Type {
	case messageTextInput:
		metadata := msg.Metadata
		if metadata.MessageType() == "" {
			metadata = metadata.With("msg_type", agents.MessageTypeTextInput)
		}
		s.startTurn(agents.TextInput(msg.Text), msg.Images, metadata)

	case messageMicAudioData:
		s.micAudio = append(s.micAudio, msg.Audio...)

	case messageMicAudioEnd:
		pcm := audio.Float32ToLinear16(s.micAudio)
		s.micAudio = nil
		s.startTurn(agents.AudioInput(pcm, audio.GetDefaultEncodingInfo()), msg.Images, msg.Metadata)

	case messageInterrupt:
		s.interrupt(msg.Text)

	case messagePlaybackComplete:
		s.server.playback.Complete(s.uid)

	case messageHeartbeat:
		if err := channel.SendJSON(s.ctx, s, heartbeatAck{Type: "heartbeat-ack"}); err != nil {
			logger.WarnContext(s.ctx, "failed to acknowledge heartbeat", "client_uid", s.uid, "error", err)
		}

	default:
		logger.DebugContext(s.ctx, "ignoring unknown client message", "client_uid", s.uid, "type", msg.Type)
	}
}

// startTurn cancels the running turn, waits for it and starts a new one.
func (s *session) startTurn(input agents.UserInput, images []agents.Image, metadata agents.Metadata) {
	s.stopTurn()
	if s.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})

	s.turnMu.Lock()
	s.turnCancel, s.turnDone = cancel, done
	s.response = ""
	s.turnMu.Unlock()

	s.server.playback.Reset(s.uid)
	req := orchestration.TurnRequest{
		ClientUID:  s.uid,
		HistoryUID: s.historyUID,
		Input:      input,
		Images:     images,
		Metadata:   metadata,
	}

	go func() {
		defer close(done)
		defer cancel()

		ctx, span := tracer.Start(ctx, "client turn", trace.WithAttributes(attribute.String("client_uid", s.uid)))
		defer span.End()

		started := time.Now()
		response, err := s.server.processor.ProcessTurn(ctx, s, req)

		s.turnMu.Lock()
		s.response = response
		s.turnMu.Unlock()

		outcome := "completed"
		switch {
		case errors.Is(err, orchestration.ErrTurnCancelled):
			outcome = "cancelled"
		case err != nil:
			outcome = "failed"
			logger.ErrorContext(ctx, "turn failed", "client_uid", s.uid, "error", err)
		}
		s.server.metrics.turns.WithLabelValues(outcome).Inc()
		s.server.metrics.turnDuration.Observe(time.Since(started).Seconds())
	}()
}

// stopTurn cancels the running turn and waits until it has cleaned up. It
// reports whether a turn was running.
func (s *session) stopTurn() bool {
	s.turnMu.Lock()
	cancel, done := s.turnCancel, s.turnDone
	s.turnCancel, s.turnDone = nil, nil
	s.turnMu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

// interrupt stops the running turn and records what the user actually heard
// of the response, in history and in the agent's memory.
func (s *session) interrupt(heard string) {
	if !s.stopTurn() {
		return
	}

	s.turnMu.Lock()
	responded := s.response != ""
	s.turnMu.Unlock()
	// A turn stopped before the agent answered left no response to correct.
	if responded && s.server.memory != nil {
		s.server.memory.HandleInterrupt(s.uid, heard)
	}
	s.recordInterruption(heard)

	if err := channel.SendJSON(s.ctx, s, channel.NewControl(channel.ControlInterrupted)); err != nil {
		logger.WarnContext(s.ctx, "failed to confirm interruption", "client_uid", s.uid, "error", err)
	}
}

func (s *session) recordInterruption(heard string) {
	recorder := s.server.history
	if recorder == nil || s.historyUID == "" {
		return
	}

	character := s.server.character
	var entries []history.Entry
	if heard != "" {
		entries = append(entries, history.Entry{
			ConversationID: character.ConfUID,
			HistoryID:      s.historyUID,
			Role:           history.RoleAI,
			Content:        heard,
			Name:           character.CharacterName,
			Avatar:         character.Avatar,
		})
	}
	entries = append(entries, history.Entry{
		ConversationID: character.ConfUID,
		HistoryID:      s.historyUID,
		Role:           history.RoleSystem,
		Content:        agents.InterruptedMarker,
	})

	for _, entry := range entries {
		if err := recorder.Append(s.ctx, entry.Stamp(time.Now())); err != nil {
			logger.ErrorContext(s.ctx, "failed to record interruption", "client_uid", s.uid, "role", string(entry.Role), "error", err)
			return
		}
	}
}

// close cancels the running turn and the connection. Safe to call more than
// once.
func (s *session) close() {
	s.cancel()
	s.stopTurn()
	_ = s.conn.Close()
}
