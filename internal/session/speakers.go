package session

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-relay/internal/speech"
	"github.com/loqalabs/loqa-relay/internal/tts"
)

// SpeakerFactory hands a session its Speaker along with a release func run
// when the session's loop exits.
type SpeakerFactory func(sessionID string) (Speaker, func(), error)

// SharedSpeakers gives every session the same Speaker, so utterances from
// different clients preempt each other.
func SharedSpeakers(s Speaker) SpeakerFactory {
	return func(string) (Speaker, func(), error) {
		return s, func() {}, nil
	}
}

// PerSessionSpeakers builds a coordinator and renderer for each session.
// Playback still in flight is stopped when the session ends.
func PerSessionSpeakers(newRenderer func() (tts.Renderer, error), pause time.Duration, logger *slog.Logger) SpeakerFactory {
	return func(sessionID string) (Speaker, func(), error) {
		r, err := newRenderer()
		if err != nil {
			return nil, nil, err
		}
		c := speech.NewCoordinator(r, pause, logger.With(slog.String("session_id", sessionID)))
		return c, func() { c.RequestStop() }, nil
	}
}
