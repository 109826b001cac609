package orchestration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koscakluka/ema-vtuber/core/agents"
	"github.com/koscakluka/ema-vtuber/core/audio"
	"github.com/koscakluka/ema-vtuber/core/channel"
	"github.com/koscakluka/ema-vtuber/core/channel/channeltest"
	"github.com/koscakluka/ema-vtuber/core/history"
	"github.com/koscakluka/ema-vtuber/core/texttospeech"
)

// scriptedAgent replays chunks; a nil chunk with a non-nil err yields the
// error. block makes the stream wait for ctx after the script.
type scriptedAgent struct {
	script []scriptStep
	block  bool
	panics any

	calls  atomic.Int32
	inputs []agents.BatchInput
	mu     sync.Mutex
}

type scriptStep struct {
	chunk agents.Chunk
	err   error
}

func sentence(text string) scriptStep {
	return scriptStep{chunk: agents.SentenceChunk{Display: agents.DisplayText{Text: text}}}
}

func (a *scriptedAgent) Chat(ctx context.Context, input agents.BatchInput) agents.Stream {
	a.calls.Add(1)
	a.mu.Lock()
	a.inputs = append(a.inputs, input)
	a.mu.Unlock()

	return func(yield func(agents.Chunk, error) bool) {
		for _, step := range a.script {
			if !yield(step.chunk, step.err) {
				return
			}
		}
		if a.panics != nil {
			panic(a.panics)
		}
		if a.block {
			<-ctx.Done()
			yield(nil, ctx.Err())
		}
	}
}

type stubSynthesizer struct {
	mu     sync.Mutex
	calls  []string
	delays map[string]time.Duration
}

func newStubSynthesizer() *stubSynthesizer {
	return &stubSynthesizer{delays: map[string]time.Duration{}}
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, text string) (texttospeech.Speech, error) {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	delay := s.delays[text]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return texttospeech.Speech{}, ctx.Err()
		}
	}
	return texttospeech.Speech{Audio: []byte("wav:" + text), Volumes: []float64{1}, SliceLength: 20 * time.Millisecond}, nil
}

func (s *stubSynthesizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubTranscriber struct{ text string }

func (s stubTranscriber) Transcribe(context.Context, []byte, audio.EncodingInfo) (string, error) {
	return s.text, nil
}

func displayTexts(rec *channeltest.Recorder) []string {
	var texts []string
	for _, event := range rec.Filter(string(channel.TypeAudio)) {
		display, _ := event["display_text"].(map[string]any)
		text, _ := display["text"].(string)
		texts = append(texts, text)
	}
	return texts
}


func assertSignalPair(t *testing.T, rec *channeltest.Recorder) {
	t.Helper()

	if got := rec.Count("control", channel.ControlConversationChainStart); got != 1 {
		t.Fatalf("expected one start signal, got %d (%v)", got, rec.Types())
	}
	if got := rec.Count("control", channel.ControlConversationChainEnd); got != 1 {
		t.Fatalf("expected one end signal, got %d (%v)", got, rec.Types())
	}
	if got := rec.Count(string(channel.TypeForceNewMessage)); got != 1 {
		t.Fatalf("expected one force-new-message, got %d", got)
	}
}

var testCharacter = Character{ConfUID: "mao_pro", CharacterName: "Mao", HumanName: "Human", Avatar: "mao.png"}

func newTestOrchestrator(agent agents.Agent, synth texttospeech.Synthesizer, recorder history.Recorder, opts ...OrchestratorOption) *Orchestrator {
	base := []OrchestratorOption{
		WithAgent(agent),
		WithSynthesizer(synth),
		WithHistory(recorder),
		WithCharacter(testCharacter),
	}
	return NewOrchestrator(append(base, opts...)...)
}

func textTurn(text string) TurnRequest {
	return TurnRequest{ClientUID: "client-1", HistoryUID: "history-1", Input: agents.TextInput(text)}
}

func TestRejectedInputSendsSignalPairWithoutHistory(t *testing.T) {
	agent := &scriptedAgent{script: []scriptStep{sentence("Hello.")}}
	recorder := history.NewMemoryRecorder()
	rec := channeltest.NewRecorder()
	o := newTestOrchestrator(agent, newStubSynthesizer(), recorder, WithWakeWords("Mao"))

	response, err := o.ProcessTurn(context.Background(), rec, textTurn("good morning"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if response != "" {
		t.Fatalf("expected empty response, got %q", response)
	}
	assertSignalPair(t, rec)
	if agent.calls.Load() != 0 {
		t.Fatal("agent must not be called for rejected input")
	}
	if entries := recorder.All(); len(entries) != 0 {
		t.Fatalf("expected no history, got %v", entries)
	}
	if rec.Count(string(channel.TypeBackendSynthComplete)) != 0 {
		t.Fatal("expected no synth-complete without speech")
	}
}

func TestWakeWordMatchIsCaseInsensitive(t *testing.T) {
	agent := &scriptedAgent{script: []scriptStep{sentence("Hi!")}}
	rec := channeltest.NewRecorder()
	o := newTestOrchestrator(agent, newStubSynthesizer(), history.NewMemoryRecorder(), WithWakeWords("mao"))

	response, err := o.ProcessTurn(context.Background(), rec, textTurn("Hey MAO, how are you"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if response != "Hi!" {
		t.Fatalf("expected agent response, got %q", response)
	}
}

func TestCompletedTurnEventSequence(t *testing.T) {
	agent := &scriptedAgent{script: []scriptStep{sentence("Hello there. "), sentence("How are you?")}}
	recorder := history.NewMemoryRecorder()
	rec := channeltest.NewRecorder()
	o := newTestOrchestrator(agent, newStubSynthesizer(), recorder)

	response, err := o.ProcessTurn(context.Background(), rec, textTurn("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if response != "Hello there. How are you?" {
		t.Fatalf("unexpected response %q", response)
	}
	want := []string{"control", "full-text", "audio", "audio", "backend-synth-complete", "force-new-message", "control"}
	if got := rec.Types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, got)
	}

	audioEvent := rec.Filter("audio")[0]
	display := audioEvent["display_text"].(map[string]any)
	if display["name"] != "Mao" || display["avatar"] != "mao.png" {
		t.Fatalf("expected character on display text, got %v", display)
	}

	entries := recorder.All()
	if len(entries) != 2 {
		t.Fatalf("expected human and ai entries, got %v", entries)
	}
	if entries[0].Role != history.RoleHuman || entries[0].Content != "hi" || entries[0].Name != "Human" {
		t.Fatalf("unexpected human entry %+v", entries[0])
	}
	if entries[1].Role != history.RoleAI || entries[1].Content != response || entries[1].Avatar != "mao.png" {
		t.Fatalf("unexpected ai entry %+v", entries[1])
	}

	input := agent.inputs[0]
	if len(input.Texts) != 1 || input.Texts[0].Source != "input" || input.Texts[0].FromName != "Human" {
		t.Fatalf("unexpected batch input %+v", input)
	}
}

func TestAgentStreamErrorKeepsPartialResponse(t *testing.T) {
	agent := &scriptedAgent{script: []scriptStep{
		sentence("First. "),
		sentence("Second."),
		{err: errors.New("upstream reset")},
		sentence("Never."),
	}}
	recorder := history.NewMemoryRecorder()
	rec := channeltest.NewRecorder()
	o := newTestOrchestrator(agent, newStubSynthesizer(), recorder)

	response, err := o.ProcessTurn(context.Background(), rec, textTurn("hi"))
	if err != nil {
		t.Fatalf("stream errors must not fail the turn, got %v", err)
	}

	if response != "First. Second." {
		t.Fatalf("expected partial response, got %q", response)
	}
	errorsSent := rec.Filter("error")
	if len(errorsSent) != 1 || errorsSent[0]["message"] != "Error processing agent response: upstream reset" {
		t.Fatalf("unexpected error events %v", errorsSent)
	}
	assertSignalPair(t, rec)

	entries := recorder.All()
	if last := entries[len(entries)-1]; last.Role != history.RoleAI || last.Content != "First. Second." {
		t.Fatalf("expected partial ai entry, got %+v", last)
	}
}

func TestAgentPanicIsReportedAsStreamError(t *testing.T) {
	agent := &scriptedAgent{script: []scriptStep{sentence("Almost.")}, panics: "nil map"}
	rec := channeltest.NewRecorder()
	o := newTestOrchestrator(agent, newStubSynthesizer(), history.NewMemoryRecorder())

	response, err := o.ProcessTurn(context.Background(), rec, textTurn("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if response != "Almost." {
		t.Fatalf("unexpected response %q", response)
	}
	errorsSent := rec.Filter("error")
	if len(errorsSent) != 1 || !strings.Contains(errorsSent[0]["message"].(string), "panicked: nil map") {
		t.Fatalf("expected panic to be reported, got %v", errorsSent)
	}
	assertSignalPair(t, rec)
}

func TestChunkTimeoutEndsStream(t *testing.T) {
	agent := &scriptedAgent{script: []scriptStep{sentence("Hold on.")}, block: true}
	rec := channeltest.NewRecorder()
	o := newTestOrchestrator(agent, newStubSynthesizer(), history.NewMemoryRecorder(), WithChunkTimeout(50*time.Millisecond))

	response, err := o.ProcessTurn(context.Background(), rec, textTurn("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if response != "Hold on." {
		t.Fatalf("unexpected response %q", response)
	}
	if rec.Count("error") != 1 {
		t.Fatalf("expected timeout error event, got %v", rec.Types())
	}
	assertSignalPair(t, rec)
}

func TestAudioFollowsSentenceOrder(t *testing.T) {
	synth := newStubSynthesizer()
	synth.delays["One."] = 80 * time.Millisecond
	synth.delays["Two."] = 5 * time.Millisecond
	agent := &scriptedAgent{script: []scriptStep{sentence("One."), sentence("Two."), sentence("Three.")}}
	rec := channeltest.NewRecorder()
	o := newTestOrchestrator(agent, synth, history.NewMemoryRecorder())

	if _, err := o.ProcessTurn(context.Background(), rec, textTurn("count")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := strings.Join(displayTexts(rec), " "); got != "One. Two. Three." {
		t.Fatalf("expected audio in sentence order, got %q", got)
	}
}

func TestToolStatusIsRelayedWithSpeakerName(t *testing.T) {
	payload := map[string]any{"type": "tool_call_status", "foo": "bar"}
	agent := &scriptedAgent{script: []scriptStep{{chunk: agents.ToolStatusChunk{Payload: payload}}}}
	synth := newStubSynthesizer()
	rec := channeltest.NewRecorder()
	o := newTestOrchestrator(agent, synth, history.NewMemoryRecorder())

	response, err := o.ProcessTurn(context.Background(), rec, textTurn("search"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	statuses := rec.Filter("tool_call_status")
	if len(statuses) != 1 {
		t.Fatalf("expected one tool status, got %v", rec.Types())
	}
	if statuses[0]["foo"] != "bar" || statuses[0]["name"] != "Mao" {
		t.Fatalf("unexpected tool status %v", statuses[0])
	}
	if _, ok := payload["name"]; ok {
		t.Fatal("agent payload must not be modified")
	}
	if synth.callCount() != 0 || response != "" {
		t.Fatalf("tool status must not be spoken, got %d calls and response %q", synth.callCount(), response)
	}
}

func TestPrerenderedAudioIsSentAsIs(t *testing.T) {
	agent := &scriptedAgent{script: []scriptStep{
		sentence("Listen. "),
		{chunk: agents.AudioChunk{Audio: []byte("RIFF"), Volumes: []float64{0.5}, SliceLength: 40 * time.Millisecond, Display: agents.DisplayText{Text: "La la"}, Transcript: "La la"}},
	}}
	synth := newStubSynthesizer()
	rec := channeltest.NewRecorder()
	o := newTestOrchestrator(agent, synth, history.NewMemoryRecorder())

	response, err := o.ProcessTurn(context.Background(), rec, textTurn("sing"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if response != "Listen. La la" {
		t.Fatalf("unexpected response %q", response)
	}
	if synth.callCount() != 1 {
		t.Fatalf("expected only the sentence to be synthesized, got %d calls", synth.callCount())
	}
	audioEvents := rec.Filter("audio")
	if len(audioEvents) != 2 || audioEvents[1]["slice_length"] != float64(40) {
		t.Fatalf("unexpected audio events %v", audioEvents)
	}
}

func TestSkipHistoryOnlySuppressesHumanEntry(t *testing.T) {
	agent := &scriptedAgent{script: []scriptStep{sentence("Noted.")}}
	recorder := history.NewMemoryRecorder()
	o := newTestOrchestrator(agent, newStubSynthesizer(), recorder)

	req := textTurn("remember this")
	req.Metadata = agents.Metadata{}.With("skip_history", true)
	if _, err := o.ProcessTurn(context.Background(), channeltest.NewRecorder(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries := recorder.All()
	if len(entries) != 1 || entries[0].Role != history.RoleAI || entries[0].Content != "Noted." {
		t.Fatalf("expected only the ai entry, got %+v", entries)
	}
}

func TestEmptyHistoryUIDDisablesHistory(t *testing.T) {
	agent := &scriptedAgent{script: []scriptStep{sentence("Hi.")}}
	recorder := history.NewMemoryRecorder()
	o := newTestOrchestrator(agent, newStubSynthesizer(), recorder)

	req := textTurn("hi")
	req.HistoryUID = ""
	if _, err := o.ProcessTurn(context.Background(), channeltest.NewRecorder(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entries := recorder.All(); len(entries) != 0 {
		t.Fatalf("expected no history, got %v", entries)
	}
}

func TestCancellationMidStreamSendsEndSignalOnce(t *testing.T) {
	agent := &scriptedAgent{script: []scriptStep{sentence("Let me think.")}, block: true}
	recorder := history.NewMemoryRecorder()
	rec := channeltest.NewRecorder()
	o := newTestOrchestrator(agent, newStubSynthesizer(), recorder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.OnSend(func(event map[string]any) {
		if event["type"] == "audio" {
			cancel()
		}
	})

	response, err := o.ProcessTurn(ctx, rec, textTurn("think hard"))
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrTurnCancelled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}

	if response != "Let me think." {
		t.Fatalf("expected partial response, got %q", response)
	}
	assertSignalPair(t, rec)
	if rec.Count("error") != 0 {
		t.Fatal("cancellation must not be reported as an error event")
	}
	for _, entry := range recorder.All() {
		if entry.Role == history.RoleAI {
			t.Fatalf("cancelled turn must not record an ai entry, got %+v", entry)
		}
	}
}

func TestCancellationStopsSynthesis(t *testing.T) {
	synth := newStubSynthesizer()
	synth.delays["Slow one."] = time.Minute
	agent := &scriptedAgent{script: []scriptStep{sentence("Slow one.")}, block: true}
	rec := channeltest.NewRecorder()
	o := newTestOrchestrator(agent, synth, history.NewMemoryRecorder())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for synth.callCount() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	started := time.Now()
	_, err := o.ProcessTurn(ctx, rec, textTurn("go"))
	if !errors.Is(err, ErrTurnCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("cancellation took %s", elapsed)
	}
	if rec.Count("audio") != 0 {
		t.Fatal("no audio may be sent after cancellation")
	}
	assertSignalPair(t, rec)
}

func TestChannelFailureFailsTurnAndStillSendsEndSignal(t *testing.T) {
	agent := &scriptedAgent{script: []scriptStep{sentence("Hello.")}}
	rec := channeltest.NewRecorder()
	rec.FailOn("audio", errors.New("socket closed"))
	o := newTestOrchestrator(agent, newStubSynthesizer(), history.NewMemoryRecorder())

	_, err := o.ProcessTurn(context.Background(), rec, textTurn("hi"))
	if !errors.Is(err, ErrTurnFailed) {
		t.Fatalf("expected failed turn, got %v", err)
	}

	errorsSent := rec.Filter("error")
	if len(errorsSent) != 1 || !strings.HasPrefix(errorsSent[0]["message"].(string), "Conversation error: ") {
		t.Fatalf("expected conversation error event, got %v", errorsSent)
	}
	assertSignalPair(t, rec)
}

func TestStartSignalFailureSendsNoEndSignal(t *testing.T) {
	agent := &scriptedAgent{}
	rec := channeltest.NewRecorder()
	rec.FailOn("control", errors.New("socket closed"))
	o := newTestOrchestrator(agent, newStubSynthesizer(), history.NewMemoryRecorder())

	_, err := o.ProcessTurn(context.Background(), rec, textTurn("hi"))
	if !errors.Is(err, ErrTurnFailed) {
		t.Fatalf("expected failed turn, got %v", err)
	}
	if rec.Count("force-new-message") != 0 {
		t.Fatal("a turn that never started must not send end signals")
	}
}

func TestMissingAgentFailsTurn(t *testing.T) {
	rec := channeltest.NewRecorder()
	o := NewOrchestrator(WithSynthesizer(newStubSynthesizer()))

	_, err := o.ProcessTurn(context.Background(), rec, textTurn("hi"))
	if !errors.Is(err, ErrNoAgent) || !errors.Is(err, ErrTurnFailed) {
		t.Fatalf("expected missing agent error, got %v", err)
	}
	assertSignalPair(t, rec)
}

type failingRecorder struct{}

func (failingRecorder) Append(context.Context, history.Entry) error {
	return errors.New("disk full")
}

func TestHistoryFailureFailsTurn(t *testing.T) {
	agent := &scriptedAgent{script: []scriptStep{sentence("Hi.")}}
	rec := channeltest.NewRecorder()
	o := newTestOrchestrator(agent, newStubSynthesizer(), failingRecorder{})

	_, err := o.ProcessTurn(context.Background(), rec, textTurn("hi"))
	if !errors.Is(err, ErrTurnFailed) || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected history failure, got %v", err)
	}
	if agent.calls.Load() != 0 {
		t.Fatal("agent must not be called when the human entry cannot be stored")
	}
	assertSignalPair(t, rec)
}

func TestAudioInputIsTranscribedBeforeDispatch(t *testing.T) {
	agent := &scriptedAgent{script: []scriptStep{sentence("Sure.")}}
	recorder := history.NewMemoryRecorder()
	rec := channeltest.NewRecorder()
	o := newTestOrchestrator(agent, newStubSynthesizer(), recorder, WithTranscriber(stubTranscriber{text: "open the window"}))

	req := TurnRequest{ClientUID: "client-1", HistoryUID: "history-1", Input: agents.AudioInput([]byte{0, 1}, audio.GetDefaultEncodingInfo())}
	if _, err := o.ProcessTurn(context.Background(), rec, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Count("user-input-transcription", "open the window") != 1 {
		t.Fatalf("expected transcription event, got %v", rec.Types())
	}
	if got := agent.inputs[0].Text(); got != "open the window" {
		t.Fatalf("expected transcript to reach the agent, got %q", got)
	}
	if entries := recorder.All(); entries[0].Content != "open the window" {
		t.Fatalf("expected transcript in history, got %+v", entries[0])
	}
}

type blockingTranscriber struct{}

func (blockingTranscriber) Transcribe(ctx context.Context, _ []byte, _ audio.EncodingInfo) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestASRTimeoutFailsTurn(t *testing.T) {
	agent := &scriptedAgent{script: []scriptStep{sentence("Never.")}}
	rec := channeltest.NewRecorder()
	o := newTestOrchestrator(agent, newStubSynthesizer(), history.NewMemoryRecorder(),
		WithTranscriber(blockingTranscriber{}),
		WithASRTimeout(20*time.Millisecond),
	)

	req := TurnRequest{ClientUID: "client-1", HistoryUID: "history-1", Input: agents.AudioInput([]byte{0, 1}, audio.GetDefaultEncodingInfo())}
	_, err := o.ProcessTurn(context.Background(), rec, req)
	if !errors.Is(err, ErrTurnFailed) || errors.Is(err, ErrTurnCancelled) {
		t.Fatalf("expected a failed turn, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the timeout to be kept in the error chain, got %v", err)
	}

	errorsSent := rec.Filter("error")
	if len(errorsSent) != 1 || !strings.HasPrefix(errorsSent[0]["message"].(string), "Conversation error: ") {
		t.Fatalf("expected one conversation error event, got %v", errorsSent)
	}
	if agent.calls.Load() != 0 {
		t.Fatal("agent must not be called without a transcript")
	}
	assertSignalPair(t, rec)
}

// exitRecordingAgent streams one sentence, waits for cancellation and then
// takes a moment to wrap up, like an agent saving its memory.
type exitRecordingAgent struct {
	conversation string
	exited       atomic.Bool
}

func (a *exitRecordingAgent) Chat(ctx context.Context, input agents.BatchInput) agents.Stream {
	a.conversation = input.Conversation
	return func(yield func(agents.Chunk, error) bool) {
		defer func() {
			time.Sleep(20 * time.Millisecond)
			a.exited.Store(true)
		}()
		if !yield(agents.SentenceChunk{Display: agents.DisplayText{Text: "Once upon a time."}}, nil) {
			return
		}
		<-ctx.Done()
	}
}

func TestAgentStreamHasReturnedWhenTurnEnds(t *testing.T) {
	agent := &exitRecordingAgent{}
	rec := channeltest.NewRecorder()
	o := newTestOrchestrator(agent, newStubSynthesizer(), history.NewMemoryRecorder())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.OnSend(func(event map[string]any) {
		if event["type"] == "audio" {
			cancel()
		}
	})

	if _, err := o.ProcessTurn(ctx, rec, textTurn("tell me a story")); !errors.Is(err, ErrTurnCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if !agent.exited.Load() {
		t.Fatal("turn returned before the agent stream did")
	}
	if agent.conversation != "client-1" {
		t.Fatalf("expected the client UID as conversation key, got %q", agent.conversation)
	}
}
