package orchestration

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/koscakluka/ema-vtuber/core/agents"
)

type workerRun func(context.Context) error

func panicSafeNamedWorker(name string, run func(context.Context) error) workerRun {
	return func(ctx context.Context) (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("%s worker panicked: %v", name, recovered)
			}
		}()

		if err = run(ctx); err != nil {
			return fmt.Errorf("%s worker failed: %w", name, err)
		}

		return nil
	}
}

type pulledChunk struct {
	chunk agents.Chunk
	err   error
}

// agentStopTimeout bounds how long a stopped stream may take to return.
const agentStopTimeout = 2 * time.Second

// pullChunks ranges over stream on its own goroutine so the caller can select
// on the next chunk. The channel is closed when the stream ends, after its
// first error, or after stop is called. A panic in the stream is delivered as
// an error.
//
// stop waits, up to agentStopTimeout, for the stream to return so that
// whatever the agent does on exit has happened when the turn ends. Cancel the
// stream's context first.
func pullChunks(ctx context.Context, stream agents.Stream) (<-chan pulledChunk, func()) {
	out := make(chan pulledChunk)
	done := make(chan struct{})
	finished := make(chan struct{})
	release := sync.OnceFunc(func() { close(done) })
	stop := func() {
		release()
		select {
		case <-finished:
		case <-time.After(agentStopTimeout):
			logger.WarnContext(ctx, "agent stream did not stop in time")
		}
	}

	send := func(next pulledChunk) bool {
		select {
		case out <- next:
			return true
		case <-done:
			return false
		}
	}

	go func() {
		defer close(finished)
		defer close(out)

		err := panicSafeNamedWorker("agent stream", func(context.Context) error {
			if stream == nil {
				return nil
			}
			for chunk, err := range stream {
				if !send(pulledChunk{chunk: chunk, err: err}) || err != nil {
					return nil
				}
			}
			return nil
		})(ctx)
		if err != nil {
			send(pulledChunk{err: err})
		}
	}()

	return out, stop
}

var sessionMarkers = []string{"🐱", "🦊", "🐼", "🐧", "🦉", "🐙", "🦋", "🐳", "🌸", "🍀", "⭐", "🌙"}

func randomSessionMarker() string {
	return sessionMarkers[rand.IntN(len(sessionMarkers))]
}
