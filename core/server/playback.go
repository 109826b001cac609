package server

import (
	"context"
	"sync"
)

// PlaybackTracker records frontend-playback-complete acknowledgements per
// client. One acknowledgement satisfies one wait.
type PlaybackTracker struct {
	mu      sync.Mutex
	pending map[string]chan struct{}
}

func NewPlaybackTracker() *PlaybackTracker {
	return &PlaybackTracker{pending: map[string]chan struct{}{}}
}

func (p *PlaybackTracker) acks(clientUID string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.pending[clientUID]
	if !ok {
		ch = make(chan struct{}, 1)
		p.pending[clientUID] = ch
	}
	return ch
}

// Complete records that the client finished playing the current turn.
func (p *PlaybackTracker) Complete(clientUID string) {
	select {
	case p.acks(clientUID) <- struct{}{}:
	default:
	}
}

func (p *PlaybackTracker) AwaitPlaybackComplete(ctx context.Context, clientUID string) error {
	select {
	case <-p.acks(clientUID):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset drops an acknowledgement left over from an earlier turn.
func (p *PlaybackTracker) Reset(clientUID string) {
	select {
	case <-p.acks(clientUID):
	default:
	}
}

// Forget releases the state of a disconnected client.
func (p *PlaybackTracker) Forget(clientUID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, clientUID)
}
