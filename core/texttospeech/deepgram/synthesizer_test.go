package deepgram

import (
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newSpeakServer emulates the speak endpoint: it answers a Speak + Flush pair
// with the given binary frames followed by Flushed.
func newSpeakServer(t *testing.T, frames [][]byte, gotQuery chan<- string) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if gotQuery != nil {
			gotQuery <- r.URL.RawQuery
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var speak websocketMessage
		if err := conn.ReadJSON(&speak); err != nil || speak.Type != "Speak" {
			return
		}
		var flush websocketMessage
		if err := conn.ReadJSON(&flush); err != nil || flush.Type != "Flush" {
			return
		}

		for _, frame := range frames {
			_ = conn.WriteMessage(websocket.BinaryMessage, frame)
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Flushed","sequence_id":0}`))

		var closing websocketMessage
		_ = conn.ReadJSON(&closing)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSynthesizeCollectsFramesUntilFlushed(t *testing.T) {
	queries := make(chan string, 1)
	server := newSpeakServer(t, [][]byte{{1, 0, 2, 0}, {3, 0}}, queries)

	synth, err := New("test-key", WithURL(wsURL(server)), WithVoice("aura-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	speech, err := synth.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if size := binary.LittleEndian.Uint32(speech.Audio[40:44]); size != 6 {
		t.Fatalf("expected 6 bytes of pcm, got %d", size)
	}
	if len(speech.Volumes) == 0 {
		t.Fatal("expected volumes")
	}

	select {
	case query := <-queries:
		for _, want := range []string{"model=aura-test", "encoding=linear16", "container=none", "sample_rate=16000"} {
			if !strings.Contains(query, want) {
				t.Fatalf("expected %q in query %q", want, query)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("server never saw the request")
	}
}

func TestSynthesizeStopsOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// never answers
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	synth, err := New("test-key", WithURL(wsURL(server)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = synth.Synthesize(ctx, "hello")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv(apiKeyEnv, "")
	if _, err := New(""); err == nil {
		t.Fatal("expected missing key error")
	}
}
