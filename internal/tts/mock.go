package tts

import (
	"context"
	"strings"
	"time"
)

type mockRenderer struct {
	halter
	perWord time.Duration
}

// NewMockRenderer simulates speech by sleeping for the time the sentence
// would take at opts.Rate words per minute.
func NewMockRenderer(opts Options) Renderer {
	rate := opts.Rate
	if rate <= 0 {
		rate = 200
	}
	return &mockRenderer{perWord: time.Minute / time.Duration(rate)}
}

func (m *mockRenderer) Render(ctx context.Context, sentence string) error {
	rctx, done := m.begin(ctx)
	words := len(strings.Fields(sentence))
	timer := time.NewTimer(time.Duration(words) * m.perWord)
	defer timer.Stop()

	var err error
	select {
	case <-rctx.Done():
		err = rctx.Err()
	case <-timer.C:
	}
	if done() {
		return ErrHalted
	}
	return err
}
