package tts

import (
	"fmt"

	"github.com/loqalabs/loqa-relay/internal/config"
)

// New builds the renderer selected by cfg.Mode.
func New(cfg config.TTSConfig) (Renderer, error) {
	opts := Options{Voice: cfg.Voice, Rate: cfg.Rate, Volume: cfg.Volume}
	switch cfg.Mode {
	case "", "mock":
		return NewMockRenderer(opts), nil
	case "exec":
		return NewExecRenderer(cfg.Command, opts)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}
