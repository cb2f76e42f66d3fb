package model

import (
	"context"
	"sync"
)

// ScriptProvider replays pre-programmed frame sequences, one per Stream
// call in FIFO order. Used by tests and local development.
type ScriptProvider struct {
	mu       sync.Mutex
	scripts  [][]Frame
	requests []Request
}

var _ Provider = (*ScriptProvider)(nil)

// NewScriptProvider creates an empty script provider.
func NewScriptProvider() *ScriptProvider {
	return &ScriptProvider{}
}

// Enqueue adds one scripted stream.
func (p *ScriptProvider) Enqueue(frames ...Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, frames)
}

// Requests returns the recorded requests in call order.
func (p *ScriptProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Stream replays the next scripted sequence. When no script remains, it
// yields a bare done frame.
func (p *ScriptProvider) Stream(ctx context.Context, req Request) (<-chan Frame, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var frames []Frame
	if len(p.scripts) > 0 {
		frames = p.scripts[0]
		p.scripts = p.scripts[1:]
	} else {
		frames = []Frame{{Type: FrameDone}}
	}
	p.mu.Unlock()

	out := make(chan Frame)
	go func() {
		defer close(out)
		for _, frame := range frames {
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
