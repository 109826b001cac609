// Package channeltest provides an in-memory channel.Channel for tests.
package channeltest

import (
	"context"
	"encoding/json"
	"sync"
)

// Recorder stores every payload sent to it. FailOn makes Send fail for events
// of the given type.
type Recorder struct {
	mu       sync.Mutex
	payloads [][]byte
	failOn   map[string]error
	onSend   func(event map[string]any)
}

func NewRecorder() *Recorder {
	return &Recorder{failOn: map[string]error{}}
}

func (r *Recorder) Send(_ context.Context, payload []byte) error {
	event := decode(payload)
	eventType, _ := event["type"].(string)

	r.mu.Lock()
	if err, ok := r.failOn[eventType]; ok {
		r.mu.Unlock()
		return err
	}
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
	onSend := r.onSend
	r.mu.Unlock()

	if onSend != nil {
		onSend(event)
	}
	return nil
}

func (r *Recorder) FailOn(eventType string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn[eventType] = err
}

// OnSend registers a hook invoked after each recorded event.
func (r *Recorder) OnSend(hook func(event map[string]any)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSend = hook
}

func (r *Recorder) Events() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := make([]map[string]any, 0, len(r.payloads))
	for _, payload := range r.payloads {
		events = append(events, decode(payload))
	}
	return events
}

func (r *Recorder) Types() []string {
	var types []string
	for _, event := range r.Events() {
		t, _ := event["type"].(string)
		types = append(types, t)
	}
	return types
}

// Count returns how many events of eventType were recorded. For control events
// the control text can be matched as well, e.g. Count("control",
// "conversation-chain-end").
func (r *Recorder) Count(eventType string, text ...string) int {
	count := 0
	for _, event := range r.Events() {
		if event["type"] != eventType {
			continue
		}
		if len(text) > 0 && event["text"] != text[0] {
			continue
		}
		count++
	}
	return count
}

// Filter returns recorded events of eventType in send order.
func (r *Recorder) Filter(eventType string) []map[string]any {
	var filtered []map[string]any
	for _, event := range r.Events() {
		if event["type"] == eventType {
			filtered = append(filtered, event)
		}
	}
	return filtered
}

func decode(payload []byte) map[string]any {
	event := map[string]any{}
	_ = json.Unmarshal(payload, &event)
	return event
}
