package tts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
)

func TestMockRendererCompletes(t *testing.T) {
	r := NewMockRenderer(Options{Rate: 60000}) // 1ms per word
	start := time.Now()
	if err := r.Render(context.Background(), "one two three"); err != nil {
		t.Fatalf("render: %v", err)
	}
	if time.Since(start) < 3*time.Millisecond {
		t.Fatalf("render returned before simulated duration")
	}
}

func TestMockRendererHalt(t *testing.T) {
	r := NewMockRenderer(Options{Rate: 1}) // one minute per word
	errs := make(chan error, 1)
	go func() { errs <- r.Render(context.Background(), "long sentence") }()

	time.Sleep(20 * time.Millisecond)
	r.Halt()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrHalted) {
			t.Fatalf("expected ErrHalted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("halt did not stop render")
	}
}

func TestHaltWithoutRenderIsNoop(t *testing.T) {
	r := NewMockRenderer(Options{Rate: 60000})
	r.Halt()
	if err := r.Render(context.Background(), "still fine"); err != nil {
		t.Fatalf("halt before render must not poison the next render: %v", err)
	}
}

func TestMockRendererContextCancel(t *testing.T) {
	r := NewMockRenderer(Options{Rate: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := r.Render(ctx, "word"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestExecRendererHalt(t *testing.T) {
	r, err := NewExecRenderer("sleep 5", Options{Rate: 200})
	if err != nil {
		t.Fatalf("new exec renderer: %v", err)
	}
	errs := make(chan error, 1)
	go func() { errs <- r.Render(context.Background(), "hello") }()

	time.Sleep(50 * time.Millisecond)
	r.Halt()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrHalted) {
			t.Fatalf("expected ErrHalted, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("halt did not kill tts command")
	}
}

func TestExecRendererFailure(t *testing.T) {
	r, err := NewExecRenderer("false", Options{})
	if err != nil {
		t.Fatalf("new exec renderer: %v", err)
	}
	if err := r.Render(context.Background(), "hello"); err == nil || errors.Is(err, ErrHalted) {
		t.Fatalf("expected command failure, got %v", err)
	}
}

func TestNewRejectsEmptyCommand(t *testing.T) {
	if _, err := New(config.TTSConfig{Mode: "exec"}); err == nil {
		t.Fatalf("expected error for empty command")
	}
	if _, err := New(config.TTSConfig{Mode: "radio"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
