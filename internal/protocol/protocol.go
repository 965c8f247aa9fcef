// Package protocol defines the JSON frames exchanged with ink clients and
// the validation applied to every inbound frame.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/haasonsaas/codrawer/pkg/models"
)

// Frame types carried in the "t" field.
const (
	TypeHello       = "hello"
	TypeStrokeBegin = "stroke_begin"
	TypeStrokePts   = "stroke_pts"
	TypeStrokeEnd   = "stroke_end"
	TypeCursor      = "cursor"
	TypePrompt      = "prompt"

	TypeAIStrokeBegin = "ai_stroke_begin"
	TypeAIStrokePts   = "ai_stroke_pts"
	TypeAIStrokeEnd   = "ai_stroke_end"
	TypeAIIntent      = "ai_intent"
	TypeAISay         = "ai_say"
)

const (
	// AIStrokePrefix is the id namespace reserved for ghost strokes.
	AIStrokePrefix = "ai_"
	// GhostBrush is the brush hint attached to every ghost stroke.
	GhostBrush = "ghost"
)

var (
	// ErrUnknownType is returned for frames whose "t" is not an inbound type.
	ErrUnknownType = errors.New("unknown frame type")
	// ErrMalformed is returned for frames that are not valid JSON or fail
	// their schema.
	ErrMalformed = errors.New("malformed frame")
)

// IsReservedID reports whether id lies in the ghost stroke namespace.
func IsReservedID(id string) bool {
	return strings.HasPrefix(id, AIStrokePrefix)
}

// Clamp01 limits v to [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// ClampPoint clamps coordinates and pressure of p, leaving the timestamp.
func ClampPoint(p models.Point) models.Point {
	p.X = Clamp01(p.X)
	p.Y = Clamp01(p.Y)
	p.P = Clamp01(p.P)
	return p
}

// Point is a user point encoded as [x,y,p,t].
type Point models.Point

// MarshalJSON encodes the point as a four element array.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]any{p.X, p.Y, p.P, p.T})
}

// UnmarshalJSON accepts [x,y,p] or [x,y,p,t].
func (p *Point) UnmarshalJSON(data []byte) error {
	var vals []float64
	if err := json.Unmarshal(data, &vals); err != nil {
		return err
	}
	if len(vals) < 3 || len(vals) > 4 {
		return fmt.Errorf("point has %d components", len(vals))
	}
	p.X, p.Y, p.P = vals[0], vals[1], vals[2]
	p.T = 0
	if len(vals) == 4 {
		p.T = int64(math.Round(vals[3]))
	}
	return nil
}

// AIPoint is a ghost point encoded as [x,y,p].
type AIPoint models.Point

// MarshalJSON encodes the point as a three element array.
func (p AIPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float64{p.X, p.Y, p.P})
}

// UnmarshalJSON accepts [x,y,p].
func (p *AIPoint) UnmarshalJSON(data []byte) error {
	var vals []float64
	if err := json.Unmarshal(data, &vals); err != nil {
		return err
	}
	if len(vals) != 3 {
		return fmt.Errorf("ai point has %d components", len(vals))
	}
	p.X, p.Y, p.P = vals[0], vals[1], vals[2]
	return nil
}

// Hello is sent once to a connection after it joins a session.
type Hello struct {
	T       string `json:"t"`
	Session string `json:"session"`
}

// StrokeBegin opens a user stroke.
type StrokeBegin struct {
	T     string  `json:"t"`
	ID    string  `json:"id"`
	Layer string  `json:"layer"`
	Brush string  `json:"brush"`
	Color string  `json:"color,omitempty"`
	TS    float64 `json:"ts"`
}

// StrokePts appends points to an open user stroke.
type StrokePts struct {
	T   string  `json:"t"`
	ID  string  `json:"id"`
	Pts []Point `json:"pts"`
}

// StrokeEnd closes a user stroke.
type StrokeEnd struct {
	T  string  `json:"t"`
	ID string  `json:"id"`
	TS float64 `json:"ts"`
}

// Cursor is an advisory pointer position.
type Cursor struct {
	T   string  `json:"t"`
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	TS  float64 `json:"ts"`
	Who string  `json:"who,omitempty"`
}

// Prompt asks for generation with explicit text. It is never broadcast.
type Prompt struct {
	T    string   `json:"t"`
	Text string   `json:"text"`
	Mode string   `json:"mode,omitempty"`
	X    *float64 `json:"x,omitempty"`
	Y    *float64 `json:"y,omitempty"`
	TS   float64  `json:"ts,omitempty"`
}

// AIStrokeBegin opens a ghost stroke.
type AIStrokeBegin struct {
	T     string `json:"t"`
	ID    string `json:"id"`
	Layer string `json:"layer"`
	Brush string `json:"brush"`
}

// AIStrokePts carries one batch of ghost points.
type AIStrokePts struct {
	T   string    `json:"t"`
	ID  string    `json:"id"`
	Pts []AIPoint `json:"pts"`
}

// AIStrokeEnd closes a ghost stroke.
type AIStrokeEnd struct {
	T  string `json:"t"`
	ID string `json:"id"`
}

// AIIntent announces what the backend plans to draw.
type AIIntent struct {
	T          string      `json:"t"`
	Plan       string      `json:"plan"`
	Mode       string      `json:"mode"`
	PromptText string      `json:"prompt_text,omitempty"`
	AnchorXY   *[2]float64 `json:"anchor_xy,omitempty"`
}

// AISay carries a short message from the backend to the session.
type AISay struct {
	T    string `json:"t"`
	Text string `json:"text"`
}

// NewHello builds the greeting for a session.
func NewHello(session string) Hello {
	return Hello{T: TypeHello, Session: session}
}

// NewAIStrokeBegin builds the opening frame of a ghost stroke.
func NewAIStrokeBegin(id string) AIStrokeBegin {
	return AIStrokeBegin{T: TypeAIStrokeBegin, ID: id, Layer: string(models.LayerAI), Brush: GhostBrush}
}

// NewAIStrokePts builds a batch frame from model points.
func NewAIStrokePts(id string, pts []models.Point) AIStrokePts {
	out := make([]AIPoint, len(pts))
	for i, p := range pts {
		out[i] = AIPoint(ClampPoint(models.Point{X: p.X, Y: p.Y, P: p.P}))
	}
	return AIStrokePts{T: TypeAIStrokePts, ID: id, Pts: out}
}

// NewAIStrokeEnd builds the closing frame of a ghost stroke.
func NewAIStrokeEnd(id string) AIStrokeEnd {
	return AIStrokeEnd{T: TypeAIStrokeEnd, ID: id}
}

// Encode marshals an outbound frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
