package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execRenderer struct {
	halter
	cmd  []string
	opts Options
	mu   sync.Mutex
}

type execRequest struct {
	Text   string  `json:"text"`
	Voice  string  `json:"voice,omitempty"`
	Rate   int     `json:"rate"`
	Volume float64 `json:"volume"`
}

// NewExecRenderer speaks each sentence by running command and writing a JSON
// request to its stdin. The command is expected to exit once playback ends.
func NewExecRenderer(command string, opts Options) (Renderer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execRenderer{cmd: args, opts: opts}, nil
}

func (e *execRenderer) Render(ctx context.Context, sentence string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:   sentence,
		Voice:  e.opts.Voice,
		Rate:   e.opts.Rate,
		Volume: e.opts.Volume,
	})
	if err != nil {
		return err
	}

	rctx, done := e.begin(ctx)
	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(rctx, base, args...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err = cmd.Run()
	if done() {
		return ErrHalted
	}
	if err != nil {
		return fmt.Errorf("tts exec command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}
