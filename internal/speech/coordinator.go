// Package speech serializes spoken replies. A Coordinator owns the
// speaking/stop-requested state shared between the dispatch loop and the
// playback goroutines it spawns.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-relay/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// State is the coordinator's playback state.
type State int

const (
	Idle State = iota
	Speaking
	Stopping
)

func (s State) String() string {
	switch s {
	case Speaking:
		return "speaking"
	case Stopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Coordinator runs at most one playback task at a time. Starting a new
// utterance stops the previous one and waits for it to exit before rendering.
// Cancellation is cooperative: a task checks its stop flag before every
// sentence, so a sentence already being rendered is cut only as far as the
// renderer's Halt allows.
type Coordinator struct {
	renderer tts.Renderer
	pause    time.Duration
	logger   *slog.Logger

	mu            sync.Mutex
	speaking      bool
	stopRequested bool
	active        *task
	wg            sync.WaitGroup

	chunks metric.Int64Counter
	stops  metric.Int64Counter
}

// task is one utterance. Its context is cancelled on stop so a render that
// begins after the last checkpoint is still cut short.
type task struct {
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func (t *task) stop() {
	if !t.stopped {
		t.stopped = true
		t.cancel()
	}
}

// NewCoordinator creates a coordinator rendering through r with pause between
// sentences.
func NewCoordinator(r tts.Renderer, pause time.Duration, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		renderer: r,
		pause:    pause,
		logger:   logger.With(slog.String("component", "speech")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-relay/speech")
	var err error
	if c.chunks, err = meter.Int64Counter("relay.speech.chunks", metric.WithDescription("Sentences rendered")); err != nil {
		c.logger.Warn("failed to create chunk counter", slogError(err))
	}
	if c.stops, err = meter.Int64Counter("relay.speech.stops", metric.WithDescription("Playback stop requests that took effect")); err != nil {
		c.logger.Warn("failed to create stop counter", slogError(err))
	}
	return c
}

// Speak stops any in-flight utterance and starts a playback task for text.
// The returned channel is closed when the task exits.
func (c *Coordinator) Speak(ctx context.Context, text string) <-chan struct{} {
	tctx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	prev := c.active
	if prev != nil {
		prev.stop()
		c.renderer.Halt()
	}
	c.active = t
	c.speaking = true
	c.stopRequested = false
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(tctx, t, prev, text)
	return t.done
}

// RequestStop asks the active task to stop. It reports false when nothing
// was being spoken.
func (c *Coordinator) RequestStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.speaking || c.active == nil {
		return false
	}
	c.stopRequested = true
	c.active.stop()
	c.renderer.Halt()
	if c.stops != nil {
		c.stops.Add(context.Background(), 1)
	}
	return true
}

// State reports the current playback state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.speaking:
		return Idle
	case c.stopRequested:
		return Stopping
	default:
		return Speaking
	}
}

// Wait blocks until every playback task has exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context, t *task, prev *task, text string) {
	defer c.wg.Done()
	defer c.finish(t)
	defer t.cancel()

	// The predecessor must exit even when this task is already stopped, so
	// the exit signals form a chain and no two renders overlap.
	if prev != nil {
		<-prev.done
	}

	for _, sentence := range SplitSentences(text) {
		if c.shouldStop(t) {
			return
		}
		if err := c.renderer.Render(ctx, sentence); err != nil {
			if errors.Is(err, tts.ErrHalted) || ctx.Err() != nil {
				return
			}
			c.logger.Warn("playback failed", slogError(err))
			return
		}
		if c.chunks != nil {
			c.chunks.Add(ctx, 1)
		}
		if c.pause > 0 {
			timer := time.NewTimer(c.pause)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}
}

func (c *Coordinator) shouldStop(t *task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return t.stopped
}

func (c *Coordinator) finish(t *task) {
	c.mu.Lock()
	if c.active == t {
		c.active = nil
		c.speaking = false
		c.stopRequested = false
	}
	c.mu.Unlock()
	close(t.done)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
