package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/conversation"
	"github.com/loqalabs/loqa-relay/internal/llm"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// dispatcher is the single writer of one session's history.
type dispatcher struct {
	m         *Manager
	id        string
	transport Transport
	speaker   Speaker
	limiter   *rate.Limiter
	log       *slog.Logger
}

func newLimiter(cfg config.SessionConfig) *rate.Limiter {
	if cfg.InboundRate <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := cfg.InboundBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.InboundRate), burst)
}

func (d *dispatcher) run(ctx context.Context) error {
	if err := d.greet(ctx); err != nil {
		return err
	}
	for {
		msg, err := d.transport.Receive(ctx)
		if err != nil {
			return err
		}
		if msg == d.m.cfg.InterruptToken {
			d.interrupt(ctx)
			continue
		}
		// Over-limit content is dropped so the loop never blocks ahead of
		// an interrupt token.
		if !d.limiter.Allow() {
			d.log.Warn("dropping content message over inbound rate", slog.Int("length", len(msg)))
			continue
		}
		if err := d.turn(ctx, msg); err != nil {
			return err
		}
	}
}

func (d *dispatcher) greet(ctx context.Context) error {
	greeting := d.m.cfg.Greeting
	if err := d.transport.Send(ctx, greeting); err != nil {
		return err
	}
	if err := d.m.store.Append(d.id, conversation.RoleAssistant, greeting); err != nil {
		d.log.Error("failed to record greeting", slogError(err))
	}
	d.m.emit(ctx, protocol.SessionEvent{SessionID: d.id, Type: protocol.EventAssistantTurn, Text: greeting})
	d.speaker.Speak(ctx, greeting)
	return nil
}

func (d *dispatcher) interrupt(ctx context.Context) {
	if !d.speaker.RequestStop() {
		d.log.Debug("interrupt ignored, nothing playing")
		return
	}
	if err := d.m.store.MarkInterrupted(d.id); err != nil {
		d.log.Error("failed to mark interruption", slogError(err))
		return
	}
	if d.m.interrupts != nil {
		d.m.interrupts.Add(ctx, 1)
	}
	d.m.emit(ctx, protocol.SessionEvent{SessionID: d.id, Type: protocol.EventInterrupted, Interrupted: true})
}

// turn handles one content message. Only transport errors are returned.
func (d *dispatcher) turn(ctx context.Context, text string) error {
	spanCtx, span := d.m.tracer.Start(ctx, "relay.turn", trace.WithAttributes(attribute.String("session.id", d.id)))
	defer span.End()

	if err := d.m.store.Append(d.id, conversation.RoleUser, text); err != nil {
		d.log.Error("dropping turn", slogError(err))
		return nil
	}
	if d.m.turns != nil {
		d.m.turns.Add(spanCtx, 1)
	}
	d.m.emit(spanCtx, protocol.SessionEvent{SessionID: d.id, Type: protocol.EventUserTurn, Text: text})

	d.speaker.RequestStop()

	interrupted, err := d.m.store.TakeInterrupted(d.id)
	if err != nil {
		d.log.Error("dropping turn", slogError(err))
		return nil
	}
	prompt, err := d.m.store.Snapshot(d.id)
	if err != nil {
		d.log.Error("dropping turn", slogError(err))
		return nil
	}
	if interrupted {
		prompt[0].Content += InterruptionNote(text)
	}
	span.SetAttributes(attribute.Bool("turn.interrupted", interrupted), attribute.Int("turn.history", len(prompt)))

	start := time.Now()
	reply, err := d.generate(spanCtx, prompt)
	latency := time.Since(start)
	if d.m.latency != nil {
		d.m.latency.Record(spanCtx, float64(latency.Milliseconds()), metric.WithAttributes(attribute.Bool("ok", err == nil)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if d.m.backendFailures != nil {
			d.m.backendFailures.Add(spanCtx, 1)
		}
		d.log.Warn("generation failed, sending fallback", slogError(err), slog.Duration("latency", latency))
		d.m.emit(spanCtx, protocol.SessionEvent{
			SessionID: d.id,
			Type:      protocol.EventBackendFailure,
			Error:     err.Error(),
			LatencyMS: latency.Milliseconds(),
		})
		return d.reply(ctx, d.m.cfg.FallbackReply)
	}

	if d.m.llmCfg.Humanize {
		reply = llm.Humanize(reply)
	}
	if err := d.m.store.Append(d.id, conversation.RoleAssistant, reply); err != nil {
		d.log.Error("failed to record reply", slogError(err))
	}
	d.m.emit(spanCtx, protocol.SessionEvent{
		SessionID:   d.id,
		Type:        protocol.EventAssistantTurn,
		Text:        reply,
		Interrupted: interrupted,
		LatencyMS:   latency.Milliseconds(),
	})
	return d.reply(ctx, reply)
}

func (d *dispatcher) generate(ctx context.Context, prompt []conversation.Message) (string, error) {
	req := llm.OptionsFromConfig(d.m.llmCfg)
	req.SessionID = d.id
	req.Messages = prompt

	if d.m.llmCfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(d.m.llmCfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	reply, err := llm.Complete(ctx, d.m.gen, req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBackendFailure, err)
	}
	return reply, nil
}

func (d *dispatcher) reply(ctx context.Context, text string) error {
	if err := d.transport.Send(ctx, text); err != nil {
		if errors.Is(err, ErrTransportClosed) {
			return err
		}
		return fmt.Errorf("send reply: %w", err)
	}
	d.speaker.Speak(ctx, text)
	return nil
}

// InterruptionNote is appended to the system directive of the prompt that
// follows a cut-off reply.
func InterruptionNote(userMessage string) string {
	return "\nNote: Your previous response was interrupted. The user has now said: '" +
		userMessage + "'. Respond appropriately as if in a phone call."
}
