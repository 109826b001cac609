package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestNewToolCallStatusDoesNotMutateInput(t *testing.T) {
	payload := map[string]any{"type": "tool_call_status", "foo": "bar"}

	status := NewToolCallStatus(payload, "Mao")

	if _, ok := payload["name"]; ok {
		t.Fatalf("expected input payload to stay untouched, got %v", payload)
	}
	if status["name"] != "Mao" || status["foo"] != "bar" || status["type"] != "tool_call_status" {
		t.Fatalf("unexpected status payload: %v", status)
	}
	if len(status) != 3 {
		t.Fatalf("expected exactly three fields, got %v", status)
	}
}

func TestNewToolCallStatusOnlyAddsName(t *testing.T) {
	status := NewToolCallStatus(map[string]any{"foo": "bar"}, "Mao")

	if _, ok := status["type"]; ok {
		t.Fatalf("expected no type to be added, got %v", status)
	}
	if len(status) != 2 || status["foo"] != "bar" || status["name"] != "Mao" {
		t.Fatalf("unexpected status payload: %v", status)
	}
}

func TestNewAudioEncodesPayload(t *testing.T) {
	msg := NewAudio([]byte("wav"), []float64{0.5}, 20, DisplayText{Text: "hi", Name: "Mao"}, nil)

	encoded, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal audio: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("failed to unmarshal audio: %v", err)
	}
	if decoded["audio"] != base64.StdEncoding.EncodeToString([]byte("wav")) {
		t.Fatalf("unexpected audio field: %v", decoded["audio"])
	}
	if decoded["actions"] != nil {
		t.Fatalf("expected null actions, got %v", decoded["actions"])
	}
	if decoded["forwarded"] != false {
		t.Fatalf("expected forwarded=false, got %v", decoded["forwarded"])
	}
}

func TestNewAudioWithoutSpeechSendsNull(t *testing.T) {
	encoded, _ := json.Marshal(NewAudio(nil, nil, 20, DisplayText{Text: "..."}, nil))

	var decoded map[string]any
	_ = json.Unmarshal(encoded, &decoded)
	if v, ok := decoded["audio"]; !ok || v != nil {
		t.Fatalf("expected audio to be null, got %v (present=%t)", v, ok)
	}
	if volumes, ok := decoded["volumes"].([]any); !ok || len(volumes) != 0 {
		t.Fatalf("expected empty volumes array, got %v", decoded["volumes"])
	}
}

func TestNewCommandDoubleEncodesData(t *testing.T) {
	cmd, err := NewCommand(map[string]any{"action": "open_course", "index": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(cmd.Data), &data); err != nil {
		t.Fatalf("expected data to hold JSON, got %q", cmd.Data)
	}
	if data["action"] != "open_course" {
		t.Fatalf("unexpected command data: %v", data)
	}
}

func TestSendJSONWrapsTransportErrors(t *testing.T) {
	sendErr := errors.New("socket closed")
	ch := Func(func(context.Context, []byte) error { return sendErr })

	err := SendJSON(context.Background(), ch, NewBackendSynthComplete())
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected wrapped send error, got %v", err)
	}
}
