// Package ghost turns a generation stream into ai_stroke frames.
package ghost

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/codrawer/internal/generation"
	"github.com/haasonsaas/codrawer/internal/protocol"
	"github.com/haasonsaas/codrawer/pkg/models"
)

// DefaultBatchPoints bounds the points in one ai_stroke_pts frame.
const DefaultBatchPoints = 12

// Broadcaster delivers a frame to every connection of a session.
type Broadcaster interface {
	BroadcastAll(data []byte)
}

// Summary describes what one Emit call sent.
type Summary struct {
	Strokes int
	Points  int
	Frames  int
	Intent  bool
	// Plan is the announced plan, empty when no ai_intent was sent.
	Plan string
}

// Emitter renders generation output as ghost strokes.
type Emitter struct {
	batch  int
	newID  func() string
	quiet  bool
	logger *slog.Logger
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithIDFunc overrides stroke id generation. The function must return ids
// in the reserved namespace.
func WithIDFunc(fn func() string) Option {
	return func(e *Emitter) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithSay controls whether backend messages are sent as ai_say frames.
func WithSay(enabled bool) Option {
	return func(e *Emitter) {
		e.quiet = !enabled
	}
}

// WithLogger sets the emitter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEmitter creates an emitter sending at most batch points per frame.
func NewEmitter(batch int, opts ...Option) *Emitter {
	if batch <= 0 {
		batch = DefaultBatchPoints
	}
	e := &Emitter{batch: batch, newID: NewStrokeID, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "ghost")
	return e
}

// NewStrokeID returns a fresh ai_ stroke id.
func NewStrokeID() string {
	return protocol.AIStrokePrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// Emit consumes chunks until the stream ends and then broadcasts the result.
// Output is held back until the stream completes, so a failed or timed-out
// generation broadcasts nothing and returns the stream's error.
func (e *Emitter) Emit(ctx context.Context, b Broadcaster, t *models.Trigger, chunks <-chan generation.Chunk) (Summary, error) {
	var (
		intent  *generation.Intent
		strokes [][]models.Point
	)
	for done := false; !done; {
		select {
		case c, ok := <-chunks:
			switch {
			case !ok:
				done = true
			case c.Err != nil:
				return Summary{}, c.Err
			case c.Intent != nil:
				intent = c.Intent
			case c.NewStroke || len(strokes) == 0:
				strokes = append(strokes, []models.Point{c.Point})
			default:
				last := len(strokes) - 1
				strokes[last] = append(strokes[last], c.Point)
			}
		case <-ctx.Done():
			return Summary{}, ctx.Err()
		}
	}

	frames, sum, err := e.render(t, intent, strokes)
	if err != nil {
		return Summary{}, err
	}
	for _, f := range frames {
		b.BroadcastAll(f)
	}
	if sum.Strokes > 0 || sum.Intent {
		e.logger.Debug("ghost ink emitted", "session", t.SessionID, "strokes", sum.Strokes, "points", sum.Points)
	}
	return sum, nil
}

func (e *Emitter) render(t *models.Trigger, intent *generation.Intent, strokes [][]models.Point) ([][]byte, Summary, error) {
	var (
		frames [][]byte
		sum    Summary
	)
	add := func(v any) error {
		data, err := protocol.Encode(v)
		if err != nil {
			return err
		}
		frames = append(frames, data)
		return nil
	}

	if intent != nil && intent.Plan != "" {
		msg := protocol.AIIntent{T: protocol.TypeAIIntent, Plan: intent.Plan, Mode: string(models.ModeAuto)}
		if t.Mode != "" {
			msg.Mode = string(t.Mode)
		}
		if t.Kind == models.TriggerPrompt {
			msg.PromptText = t.Text
			msg.AnchorXY = &[2]float64{t.Anchor.X, t.Anchor.Y}
		}
		if err := add(msg); err != nil {
			return nil, Summary{}, err
		}
		sum.Intent = true
		sum.Plan = intent.Plan
	}
	if intent != nil && intent.Say != "" && !e.quiet {
		if err := add(protocol.AISay{T: protocol.TypeAISay, Text: intent.Say}); err != nil {
			return nil, Summary{}, err
		}
	}

	for _, pts := range strokes {
		if len(pts) == 0 {
			continue
		}
		id := e.newID()
		if !protocol.IsReservedID(id) {
			return nil, Summary{}, fmt.Errorf("ghost: stroke id %q outside reserved namespace", id)
		}
		if err := add(protocol.NewAIStrokeBegin(id)); err != nil {
			return nil, Summary{}, err
		}
		for start := 0; start < len(pts); start += e.batch {
			end := min(start+e.batch, len(pts))
			if err := add(protocol.NewAIStrokePts(id, pts[start:end])); err != nil {
				return nil, Summary{}, err
			}
		}
		if err := add(protocol.NewAIStrokeEnd(id)); err != nil {
			return nil, Summary{}, err
		}
		sum.Strokes++
		sum.Points += len(pts)
	}
	sum.Frames = len(frames)
	return frames, sum, nil
}
