package tts

import (
	"context"
	"errors"
	"sync"
)

// ErrHalted is returned by Render when Halt interrupted the sentence.
var ErrHalted = errors.New("render halted")

// Options carries voice parameters passed to a renderer.
type Options struct {
	Voice  string
	Rate   int     // words per minute
	Volume float64 // 0..1
}

// Renderer is the playback primitive: Render blocks until the sentence has
// been spoken or Halt stops it.
type Renderer interface {
	Render(ctx context.Context, sentence string) error
	Halt()
}

// halter tracks the cancel func of the in-progress render so Halt can stop it
// from another goroutine.
type halter struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	halted bool
}

func (h *halter) begin(ctx context.Context) (context.Context, func() bool) {
	rctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.halted = false
	h.mu.Unlock()
	return rctx, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.cancel = nil
		cancel()
		return h.halted
	}
}

func (h *halter) Halt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.halted = true
		h.cancel()
	}
}
