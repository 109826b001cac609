package server

import (
	"github.com/koscakluka/ema-vtuber/core/agents"
)

const (
	messageTextInput        = "text-input"
	messageMicAudioData     = "mic-audio-data"
	messageMicAudioEnd      = "mic-audio-end"
	messageInterrupt        = "interrupt-signal"
	messagePlaybackComplete = "frontend-playback-complete"
	messageHeartbeat        = "heartbeat"
)

// inboundMessage is the union of everything a client sends.
type inboundMessage struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Audio    []float32       `json:"audio"`
	Images   []agents.Image  `json:"images"`
	Metadata agents.Metadata `json:"metadata"`
}

type heartbeatAck struct {
	Type string `json:"type"`
}
