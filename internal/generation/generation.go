// Package generation turns triggers into ghost ink by calling a generative
// backend and exposing its output as a finite stream of points.
package generation

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/haasonsaas/codrawer/pkg/models"
)

var (
	// ErrTimeout is returned when a generation exceeds its hard timeout.
	ErrTimeout = errors.New("generation timed out")
	// ErrNoStrokes is returned when a backend answered without any usable
	// stroke while claiming to respond.
	ErrNoStrokes = errors.New("generation produced no strokes")
)

// BackendError wraps a failure reported by a backend.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Intent is the optional commentary a backend attaches to its ink.
type Intent struct {
	Plan      string
	Say       string
	StyleTags []string
}

// Chunk is one element of a generation stream. A chunk carries an intent,
// a point, or a terminal error.
type Chunk struct {
	Intent *Intent
	// NewStroke marks Point as the first point of a new stroke.
	NewStroke bool
	Point     models.Point
	Err       error
}

// Backend produces ink for a request. Generate must return immediately; the
// returned channel is closed when the backend is done.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req *Request) <-chan Chunk
}

// Request is everything a backend is told about one trigger.
type Request struct {
	SessionID string
	Kind      models.TriggerKind
	Mode      models.Mode
	Text      string
	Anchor    models.XY
	LastPoint models.Point
	Brush     string
	Color     string
	// Stroke is the triggering stroke, downsampled.
	Stroke []models.Point
	// Recent holds the completed-stroke context, downsampled, oldest first.
	Recent [][]models.Point
	Memory models.Memory
	Agent  Persona
}

// NewRequest builds a backend request from t, keeping at most maxPoints
// points per stroke.
func NewRequest(t *models.Trigger, maxPoints int) *Request {
	req := &Request{
		SessionID: t.SessionID,
		Kind:      t.Kind,
		Mode:      t.Mode,
		Text:      t.Text,
		Anchor:    t.Anchor,
		LastPoint: models.Point{X: t.Anchor.X, Y: t.Anchor.Y, P: 0.6},
		Memory:    t.Memory.Clone(),
	}
	if req.Mode == "" {
		req.Mode = models.ModeAuto
	}
	if t.Stroke != nil {
		req.Brush = t.Stroke.Brush
		req.Color = t.Stroke.Color
		req.Stroke = Downsample(t.Stroke.Points, maxPoints)
		if n := len(t.Stroke.Points); n > 0 {
			last := t.Stroke.Points[n-1]
			req.LastPoint = models.Point{X: last.X, Y: last.Y, P: last.P}
		}
	}
	for _, s := range t.Recent {
		if s == nil || len(s.Points) == 0 {
			continue
		}
		req.Recent = append(req.Recent, Downsample(s.Points, maxPoints))
	}
	return req
}

// Downsample returns at most max evenly spaced points of pts, always keeping
// the first and last point. The result never aliases pts.
func Downsample(pts []models.Point, max int) []models.Point {
	n := len(pts)
	if max <= 0 || n <= max {
		return append([]models.Point(nil), pts...)
	}
	if max == 1 {
		return []models.Point{pts[n-1]}
	}
	out := make([]models.Point, max)
	for i := 0; i < max; i++ {
		idx := int(math.Round(float64(i) * float64(n-1) / float64(max-1)))
		out[i] = pts[idx]
	}
	return out
}

// stream runs fn on its own goroutine and exposes what it emits. emit
// reports false once ctx is done; fn should return then.
func stream(ctx context.Context, fn func(ctx context.Context, emit func(Chunk) bool) error) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		emit := func(c Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if err := fn(ctx, emit); err != nil {
			emit(Chunk{Err: err})
		}
	}()
	return out
}

// emitStrokes sends strokes point by point, marking stroke boundaries.
func emitStrokes(emit func(Chunk) bool, strokes [][]models.Point) bool {
	for _, s := range strokes {
		for i, p := range s {
			if !emit(Chunk{NewStroke: i == 0, Point: p}) {
				return false
			}
		}
	}
	return true
}
