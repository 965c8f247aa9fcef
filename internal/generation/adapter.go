package generation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/codrawer/pkg/models"
)

// Observer receives adapter outcomes. Implementations must not block.
type Observer interface {
	ObserveGeneration(backend string, elapsed time.Duration, points int, err error)
}

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	Backend       Backend
	Timeout       time.Duration
	ContextPoints int
	Agent         Persona
	Logger        *slog.Logger
	Tracer        trace.Tracer
	Observer      Observer
}

// Adapter wraps a backend with a hard timeout, tracing and metrics.
type Adapter struct {
	backend       Backend
	timeout       time.Duration
	contextPoints int
	agent         Persona
	logger        *slog.Logger
	tracer        trace.Tracer
	observer      Observer
}

// NewAdapter creates an adapter.
func NewAdapter(cfg AdapterConfig) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("codrawer/generation")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Adapter{
		backend:       cfg.Backend,
		timeout:       cfg.Timeout,
		contextPoints: cfg.ContextPoints,
		agent:         cfg.Agent,
		logger:        cfg.Logger.With("component", "generation", "backend", cfg.Backend.Name()),
		tracer:        cfg.Tracer,
		observer:      cfg.Observer,
	}
}

// Backend returns the wrapped backend's name.
func (a *Adapter) Backend() string {
	return a.backend.Name()
}

// Generate starts one generation for t. The returned channel yields the
// backend's chunks and is closed when the stream ends. A backend failure or
// the hard timeout ends the stream with a chunk whose Err is set; the timeout
// holds even when the backend ignores cancellation. The stream is one-shot.
func (a *Adapter) Generate(ctx context.Context, t *models.Trigger) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		callCtx, span := a.tracer.Start(callCtx, "generation.generate", trace.WithAttributes(
			attribute.String("backend", a.backend.Name()),
			attribute.String("session", t.SessionID),
			attribute.String("trigger.kind", string(t.Kind)),
			attribute.String("trigger.mode", string(t.Mode)),
		))
		defer span.End()

		deadline := time.NewTimer(a.timeout)
		defer deadline.Stop()

		points := 0
		finish := func(err error) {
			elapsed := time.Since(start)
			span.SetAttributes(attribute.Int("points", points))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			if a.observer != nil {
				a.observer.ObserveGeneration(a.backend.Name(), elapsed, points, err)
			}
		}
		send := func(c Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			finish(err)
			send(Chunk{Err: err})
		}

		req := NewRequest(t, a.contextPoints)
		req.Agent = a.agent
		src := a.backend.Generate(callCtx, req)
		for {
			select {
			case c, ok := <-src:
				if !ok {
					finish(nil)
					return
				}
				if c.Err != nil {
					fail(a.wrap(c.Err))
					return
				}
				if c.Intent == nil {
					points++
				}
				if !send(c) {
					finish(ctx.Err())
					return
				}
			case <-deadline.C:
				a.logger.Warn("generation timed out", "session", t.SessionID, "timeout", a.timeout)
				fail(ErrTimeout)
				return
			case <-ctx.Done():
				fail(ctx.Err())
				return
			}
		}
	}()
	return out
}

func (a *Adapter) wrap(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Backend: a.backend.Name(), Err: err}
}
