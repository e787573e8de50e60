package speech

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// gatedRenderer blocks in Render until released. With ignoreHalt it models a
// renderer that cannot be interrupted mid-sentence by Halt or cancellation.
type gatedRenderer struct {
	mu         sync.Mutex
	ignoreHalt bool
	failOn     string
	cur        chan struct{}
	rendered   []string
	halts      int

	started chan string
	release chan struct{}
}

func newGatedRenderer() *gatedRenderer {
	return &gatedRenderer{
		started: make(chan string, 16),
		release: make(chan struct{}, 16),
	}
}

func (r *gatedRenderer) Render(ctx context.Context, sentence string) error {
	halt := make(chan struct{})
	r.mu.Lock()
	r.cur = halt
	r.mu.Unlock()
	r.started <- sentence

	if sentence == r.failOn {
		return errors.New("speaker unplugged")
	}
	cancelled := ctx.Done()
	if r.ignoreHalt {
		cancelled = nil
	}
	select {
	case <-r.release:
		r.mu.Lock()
		r.cur = nil
		r.rendered = append(r.rendered, sentence)
		r.mu.Unlock()
		return nil
	case <-halt:
		return tts.ErrHalted
	case <-cancelled:
		return ctx.Err()
	}
}

func (r *gatedRenderer) Halt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halts++
	if r.ignoreHalt || r.cur == nil {
		return
	}
	close(r.cur)
	r.cur = nil
}

func (r *gatedRenderer) spoken() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rendered...)
}

func expectStarted(t *testing.T, r *gatedRenderer, want string) {
	t.Helper()
	select {
	case got := <-r.started:
		if got != want {
			t.Fatalf("expected render of %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for render of %q", want)
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("playback task did not exit")
	}
}

func TestRequestStopWhenIdle(t *testing.T) {
	c := NewCoordinator(newGatedRenderer(), 0, newLogger())
	if c.RequestStop() {
		t.Fatalf("expected no-op stop while idle")
	}
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func TestSpeakRunsToCompletion(t *testing.T) {
	r := newGatedRenderer()
	c := NewCoordinator(r, time.Millisecond, newLogger())

	done := c.Speak(context.Background(), "Hi there! How can I help you today?")
	expectStarted(t, r, "Hi there!")
	if c.State() != Speaking {
		t.Fatalf("expected speaking, got %s", c.State())
	}
	r.release <- struct{}{}
	expectStarted(t, r, "How can I help you today?")
	r.release <- struct{}{}
	waitDone(t, done)

	if c.State() != Idle {
		t.Fatalf("expected idle after completion, got %s", c.State())
	}
	want := []string{"Hi there!", "How can I help you today?"}
	if got := r.spoken(); !reflect.DeepEqual(got, want) {
		t.Fatalf("spoken=%v want %v", got, want)
	}
}

func TestStopTakesEffectAtCheckpoint(t *testing.T) {
	r := newGatedRenderer()
	r.ignoreHalt = true
	c := NewCoordinator(r, 0, newLogger())

	done := c.Speak(context.Background(), "One. Two. Three.")
	expectStarted(t, r, "One.")

	if !c.RequestStop() {
		t.Fatalf("expected stop to take effect while speaking")
	}
	if c.State() != Stopping {
		t.Fatalf("expected stopping, got %s", c.State())
	}

	r.release <- struct{}{}
	waitDone(t, done)

	if c.State() != Idle {
		t.Fatalf("expected idle after checkpoint, got %s", c.State())
	}
	if got := r.spoken(); !reflect.DeepEqual(got, []string{"One."}) {
		t.Fatalf("expected only the in-flight sentence, got %v", got)
	}
}

func TestStopHaltsRenderer(t *testing.T) {
	r := newGatedRenderer()
	c := NewCoordinator(r, 0, newLogger())

	done := c.Speak(context.Background(), "A long sentence. Another one.")
	expectStarted(t, r, "A long sentence.")
	if !c.RequestStop() {
		t.Fatalf("expected stop")
	}
	waitDone(t, done)
	if len(r.spoken()) != 0 {
		t.Fatalf("halted sentence must not count as spoken: %v", r.spoken())
	}
	if c.RequestStop() {
		t.Fatalf("second stop must be a no-op")
	}
}

func TestSpeakWaitsForPreviousTask(t *testing.T) {
	r := newGatedRenderer()
	r.ignoreHalt = true
	c := NewCoordinator(r, 0, newLogger())

	first := c.Speak(context.Background(), "First one. Still first.")
	expectStarted(t, r, "First one.")

	second := c.Speak(context.Background(), "Second.")
	select {
	case s := <-r.started:
		t.Fatalf("new task rendered %q before previous task exited", s)
	case <-time.After(50 * time.Millisecond):
	}

	r.release <- struct{}{}
	waitDone(t, first)
	expectStarted(t, r, "Second.")
	if c.State() != Speaking {
		t.Fatalf("previous task exit must not clear the new task's state, got %s", c.State())
	}

	r.release <- struct{}{}
	waitDone(t, second)
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}
	want := []string{"First one.", "Second."}
	if got := r.spoken(); !reflect.DeepEqual(got, want) {
		t.Fatalf("spoken=%v want %v", got, want)
	}
}

func TestSupersededWaitingTaskKeepsHandoffChain(t *testing.T) {
	r := newGatedRenderer()
	r.ignoreHalt = true
	c := NewCoordinator(r, 0, newLogger())

	first := c.Speak(context.Background(), "First.")
	expectStarted(t, r, "First.")
	second := c.Speak(context.Background(), "Second.")
	third := c.Speak(context.Background(), "Third.")

	// The second task is stopped while still waiting; it must not release
	// the third task before the first one has left Render.
	select {
	case <-second:
		t.Fatalf("stopped waiting task exited while first task still rendering")
	case s := <-r.started:
		t.Fatalf("%q rendered while first task still inside Render", s)
	case <-time.After(50 * time.Millisecond):
	}
	if c.State() != Speaking {
		t.Fatalf("expected speaking while first task renders, got %s", c.State())
	}

	r.release <- struct{}{}
	waitDone(t, first)
	waitDone(t, second)
	expectStarted(t, r, "Third.")
	r.release <- struct{}{}
	waitDone(t, third)

	want := []string{"First.", "Third."}
	if got := r.spoken(); !reflect.DeepEqual(got, want) {
		t.Fatalf("spoken=%v want %v", got, want)
	}
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func TestStopBetweenQuickTurnsKeepsState(t *testing.T) {
	r := newGatedRenderer()
	r.ignoreHalt = true
	c := NewCoordinator(r, 0, newLogger())

	greeting := c.Speak(context.Background(), "Hello there.")
	expectStarted(t, r, "Hello there.")
	c.RequestStop()
	c.Speak(context.Background(), "Reply one.")
	c.RequestStop()
	last := c.Speak(context.Background(), "Reply two.")

	if c.State() == Idle {
		t.Fatalf("state must not be idle while the greeting is still rendering")
	}
	select {
	case s := <-r.started:
		t.Fatalf("%q rendered while greeting still inside Render", s)
	case <-time.After(50 * time.Millisecond):
	}
	if !c.RequestStop() {
		t.Fatalf("expected RequestStop to report active playback")
	}

	r.release <- struct{}{}
	waitDone(t, greeting)
	waitDone(t, last)
	if got := r.spoken(); !reflect.DeepEqual(got, []string{"Hello there."}) {
		t.Fatalf("spoken=%v", got)
	}
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func TestPlaybackFailureReturnsToIdle(t *testing.T) {
	r := newGatedRenderer()
	r.failOn = "Broken."
	c := NewCoordinator(r, 0, newLogger())

	done := c.Speak(context.Background(), "Broken. Never spoken.")
	expectStarted(t, r, "Broken.")
	waitDone(t, done)
	if c.State() != Idle {
		t.Fatalf("expected idle after failure, got %s", c.State())
	}

	done = c.Speak(context.Background(), "Works.")
	expectStarted(t, r, "Works.")
	r.release <- struct{}{}
	waitDone(t, done)
}

func TestStopCancelsRenderStartedAfterCheckpoint(t *testing.T) {
	r := newGatedRenderer()
	c := NewCoordinator(r, 0, newLogger())

	done := c.Speak(context.Background(), "One. Two.")
	expectStarted(t, r, "One.")
	// Halt arrives while no sentence is registered with the renderer
	r.mu.Lock()
	r.cur = nil
	r.mu.Unlock()
	if !c.RequestStop() {
		t.Fatalf("expected stop")
	}
	waitDone(t, done)
	if len(r.spoken()) != 0 {
		t.Fatalf("cancelled render must not count as spoken: %v", r.spoken())
	}
}

func TestContextCancelEndsPlayback(t *testing.T) {
	r := newGatedRenderer()
	c := NewCoordinator(r, 0, newLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := c.Speak(ctx, "Hello. World.")
	expectStarted(t, r, "Hello.")
	cancel()
	waitDone(t, done)
	c.Wait()
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func TestSplitSentences(t *testing.T) {
	cases := map[string][]string{
		"Hi there! How can I help you today?": {"Hi there!", "How can I help you today?"},
		"No punctuation":                      {"No punctuation"},
		"Wait... what?  Really.\nYes":         {"Wait...", "what?", "Really.", "Yes"},
		"Version 1.2 is out.":                 {"Version 1.2 is out."},
		"   ":                                 nil,
		"Done.":                               {"Done."},
	}
	for in, want := range cases {
		if got := SplitSentences(in); !reflect.DeepEqual(got, want) {
			t.Fatalf("SplitSentences(%q)=%q want %q", in, got, want)
		}
	}
}
