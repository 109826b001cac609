// Package speech turns the sentences of one turn into audio events. Sentences
// are synthesized concurrently but reach the client in the order they were
// queued.
package speech

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koscakluka/ema-vtuber/core/channel"
	"github.com/koscakluka/ema-vtuber/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

// Utterance is one sentence to speak. OnComplete, when set, runs right after
// the utterance's audio event was sent.
type Utterance struct {
	Text       string
	Display    channel.DisplayText
	Actions    *channel.Actions
	OnComplete func(ctx context.Context) error
}

// Prerendered is speech that needs no synthesis.
type Prerendered struct {
	Audio       []byte
	Volumes     []float64
	SliceLength time.Duration
	Display     channel.DisplayText
	Actions     *channel.Actions
}

type result struct {
	ctx        context.Context
	release    context.CancelFunc
	payload    channel.Audio
	onComplete func(ctx context.Context) error
	skip       bool
}

// TaskManager owns the synthesis tasks of a single turn.
type TaskManager struct {
	synth texttospeech.Synthesizer
	ch    channel.Channel
	opts  options
	sem   *semaphore.Weighted
	// queue holds a slot for every task not yet emitted.
	queue *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	nextSeq  uint64
	nextEmit uint64
	ready    map[uint64]result
	inFlight int
	awaited  int
	firstErr error
	idle     chan struct{}

	emitMu sync.Mutex

	closed  atomic.Bool
	workers sync.WaitGroup
}

func NewTaskManager(synth texttospeech.Synthesizer, ch channel.Channel, opts ...Option) *TaskManager {
	o := options{
		maxConcurrency: DefaultMaxConcurrency,
		maxQueued:      DefaultMaxQueued,
		drainTimeout:   DefaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &TaskManager{
		synth:  synth,
		ch:     ch,
		opts:   o,
		sem:    semaphore.NewWeighted(o.maxConcurrency),
		queue:  semaphore.NewWeighted(o.maxQueued),
		ctx:    ctx,
		cancel: cancel,
		ready:  map[uint64]result{},
		idle:   idle,
	}
}

// Speak queues u. It only blocks while the queue is full.
func (m *TaskManager) Speak(ctx context.Context, u Utterance) {
	taskCtx, release, seq, ok := m.enqueue(ctx)
	if !ok {
		logger.WarnContext(ctx, "speech task not queued, dropping utterance", "text", u.Text)
		return
	}

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()

		res := result{ctx: taskCtx, release: release, onComplete: u.OnComplete}
		res.payload, res.skip = m.synthesize(taskCtx, u)
		m.deliver(seq, res)
	}()
}

// SpeakPrerendered queues already rendered speech behind everything queued so
// far.
func (m *TaskManager) SpeakPrerendered(ctx context.Context, p Prerendered) {
	taskCtx, release, seq, ok := m.enqueue(ctx)
	if !ok {
		logger.WarnContext(ctx, "speech task not queued, dropping prerendered audio")
		return
	}

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()

		synthesisTasks.Add(taskCtx, 1, metric.WithAttributes(attribute.String("result", "prerendered")))
		m.deliver(seq, result{
			ctx:     taskCtx,
			release: release,
			payload: channel.NewAudio(p.Audio, p.Volumes, p.SliceLength.Milliseconds(), p.Display, p.Actions),
		})
	}()
}

// enqueue reserves a queue slot and the next sequence number. It fails once
// the manager is closed or ctx is done while waiting for a slot.
func (m *TaskManager) enqueue(ctx context.Context) (context.Context, context.CancelFunc, uint64, bool) {
	if m.closed.Load() {
		return nil, nil, 0, false
	}

	taskCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	release := func() { stop(); cancel() }

	if err := m.queue.Acquire(taskCtx, 1); err != nil {
		release()
		return nil, nil, 0, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		m.queue.Release(1)
		release()
		return nil, nil, 0, false
	}

	seq := m.nextSeq
	m.nextSeq++
	m.awaited++
	if m.inFlight == 0 {
		m.idle = make(chan struct{})
	}
	m.inFlight++

	return taskCtx, func() { release(); m.queue.Release(1) }, seq, true
}

// synthesize renders u. Failures degrade to a silent payload so the text still
// reaches the client. The second result reports a task that must not be
// emitted.
func (m *TaskManager) synthesize(ctx context.Context, u Utterance) (channel.Audio, bool) {
	silent := channel.NewAudio(nil, nil, texttospeech.DefaultSliceLength.Milliseconds(), u.Display, u.Actions)
	if strings.TrimSpace(u.Text) == "" {
		synthesisTasks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "silent")))
		return silent, false
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		synthesisTasks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "cancelled")))
		return channel.Audio{}, true
	}
	defer m.sem.Release(1)

	ctx, span := tracer.Start(ctx, "synthesize speech")
	defer span.End()
	span.SetAttributes(attribute.Int("tts.text_length", len(u.Text)))

	if m.opts.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.taskTimeout)
		defer cancel()
	}

	speech, err := m.synthesizeSafely(ctx, u.Text)
	if err != nil {
		if m.closed.Load() {
			synthesisTasks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "cancelled")))
			return channel.Audio{}, true
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnContext(ctx, "speech synthesis failed, sending text only", "text", u.Text, "error", err)
		synthesisTasks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
		return silent, false
	}

	synthesisTasks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
	sliceLength := speech.SliceLength
	if sliceLength <= 0 {
		sliceLength = texttospeech.DefaultSliceLength
	}
	return channel.NewAudio(speech.Audio, speech.Volumes, sliceLength.Milliseconds(), u.Display, u.Actions), false
}

func (m *TaskManager) synthesizeSafely(ctx context.Context, text string) (speech texttospeech.Speech, err error) {
	if m.synth == nil {
		return texttospeech.Speech{}, fmt.Errorf("no synthesizer configured")
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("synthesizer panicked: %v", recovered)
		}
	}()
	return m.synth.Synthesize(ctx, text)
}

// deliver stores res and emits every result that is next in line.
func (m *TaskManager) deliver(seq uint64, res result) {
	m.mu.Lock()
	m.ready[seq] = res
	m.mu.Unlock()

	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	for {
		m.mu.Lock()
		next, ok := m.ready[m.nextEmit]
		if !ok {
			m.mu.Unlock()
			return
		}
		delete(m.ready, m.nextEmit)
		m.nextEmit++
		m.mu.Unlock()

		err := m.emit(next)
		next.release()

		m.mu.Lock()
		if err != nil && m.firstErr == nil {
			m.firstErr = err
		}
		m.inFlight--
		if m.inFlight == 0 {
			close(m.idle)
		}
		m.mu.Unlock()
	}
}

func (m *TaskManager) emit(res result) error {
	if res.skip || m.closed.Load() {
		return nil
	}

	if err := channel.SendJSON(res.ctx, m.ch, res.payload); err != nil {
		logger.ErrorContext(res.ctx, "failed to send audio", "error", err)
		return err
	}

	if res.onComplete != nil {
		if err := res.onComplete(res.ctx); err != nil {
			err = fmt.Errorf("utterance completion hook failed: %w", err)
			logger.ErrorContext(res.ctx, "utterance completion hook failed", "error", err)
			return err
		}
	}
	return nil
}

// AwaitAll blocks until every queued utterance was emitted or skipped. It
// returns how many utterances were queued since the previous call and the
// first emission error among them.
func (m *TaskManager) AwaitAll(ctx context.Context) (int, error) {
	for {
		m.mu.Lock()
		if m.inFlight == 0 {
			count, err := m.awaited, m.firstErr
			m.awaited, m.firstErr = 0, nil
			m.mu.Unlock()
			return count, err
		}
		idle := m.idle
		m.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (m *TaskManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// Cleanup cancels all synthesis and stops emission. Only the first call has
// any effect; it waits up to the drain timeout for running tasks to exit.
func (m *TaskManager) Cleanup(reason string) {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.opts.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.Warn("speech tasks did not exit before the drain timeout", "timeout", m.opts.drainTimeout, "reason", reason)
	}

	if m.opts.onCancel != nil {
		m.opts.onCancel(reason)
	}
}

// IsClosed reports whether Cleanup was called.
func (m *TaskManager) IsClosed() bool { return m.closed.Load() }
