// Package models defines the ink, stroke and trigger types shared by the
// router, the scheduler and the generation backends.
package models

import (
	"strings"
	"time"
)

// Layer identifies which namespace a stroke belongs to.
type Layer string

const (
	// LayerUser holds strokes created by connected clients.
	LayerUser Layer = "user"
	// LayerAI holds ghost strokes authored by the server.
	LayerAI Layer = "ai"
)

// Point is a normalized ink sample. T is a millisecond timestamp and is
// zero for AI points.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	P float64 `json:"p"`
	T int64   `json:"t,omitempty"`
}

// XY is an anchor position in normalized canvas coordinates.
type XY struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is one ordered run of points on a layer.
type Stroke struct {
	ID     string  `json:"id"`
	Layer  Layer   `json:"layer"`
	Brush  string  `json:"brush,omitempty"`
	Color  string  `json:"color,omitempty"`
	Points []Point `json:"points"`
	Closed bool    `json:"closed"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Stroke) Clone() *Stroke {
	if s == nil {
		return nil
	}
	out := *s
	out.Points = append([]Point(nil), s.Points...)
	return &out
}

// TriggerKind distinguishes the sources that can start a generation cycle.
type TriggerKind string

const (
	// TriggerContinue continues from the last completed user stroke.
	TriggerContinue TriggerKind = "continue"
	// TriggerPrompt carries an explicit free-text instruction.
	TriggerPrompt TriggerKind = "prompt"
	// TriggerPause continues an open stroke whose author stopped moving.
	TriggerPause TriggerKind = "pause"
)

// Mode selects how the generation backend should respond.
type Mode string

const (
	ModeAuto        Mode = "auto"
	ModeDraw        Mode = "draw"
	ModeHandwriting Mode = "handwriting"
)

// AnchorSource records where a trigger's anchor came from.
type AnchorSource string

const (
	AnchorExplicit AnchorSource = "explicit"
	AnchorCursor   AnchorSource = "cursor"
	AnchorCentroid AnchorSource = "centroid"
	AnchorStroke   AnchorSource = "stroke"
	AnchorCenter   AnchorSource = "center"
)

// Trigger is the payload of one generation request. It only lives inside a
// session's scheduler and is replaced, never queued, by a newer trigger.
type Trigger struct {
	SessionID    string       `json:"session_id"`
	Kind         TriggerKind  `json:"kind"`
	Mode         Mode         `json:"mode"`
	Text         string       `json:"text,omitempty"`
	Anchor       XY           `json:"anchor"`
	AnchorSource AnchorSource `json:"anchor_source"`
	Stroke       *Stroke      `json:"stroke,omitempty"`
	Recent       []*Stroke    `json:"recent,omitempty"`
	Memory       Memory       `json:"memory"`
	// Initiative marks a prompt the agent started on its own.
	Initiative bool      `json:"initiative,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MemorySize bounds each list of a session's conversational memory.
const MemorySize = 8

// Memory is what a session remembers of its conversation with the agent:
// the latest prompt texts and the plans the agent announced, oldest first.
type Memory struct {
	RecentPrompts []string `json:"recent_prompts"`
	RecentPlans   []string `json:"recent_ai_plans"`
}

// Clone returns a copy that shares no slices with m.
func (m Memory) Clone() Memory {
	return Memory{
		RecentPrompts: append([]string(nil), m.RecentPrompts...),
		RecentPlans:   append([]string(nil), m.RecentPlans...),
	}
}

// Remember appends v to list and keeps its newest MemorySize entries. Blank
// values are ignored.
func Remember(list []string, v string) []string {
	if strings.TrimSpace(v) == "" {
		return list
	}
	list = append(list, v)
	if len(list) > MemorySize {
		list = append([]string(nil), list[len(list)-MemorySize:]...)
	}
	return list
}

// Centroid returns the mean position of every point in strokes, or the
// canvas center when there are none.
func Centroid(strokes []*Stroke) XY {
	var sx, sy float64
	n := 0
	for _, s := range strokes {
		if s == nil {
			continue
		}
		for _, p := range s.Points {
			sx += p.X
			sy += p.Y
			n++
		}
	}
	if n == 0 {
		return XY{X: 0.5, Y: 0.5}
	}
	return XY{X: sx / float64(n), Y: sy / float64(n)}
}
