package generation

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/haasonsaas/codrawer/internal/protocol"
	"github.com/haasonsaas/codrawer/pkg/models"
)

// ToolName is the function every model backend is forced to call.
const ToolName = "emit_ai_strokes"

const toolDescription = "Emit AI layer strokes as arrays of points [x,y,p], plus optional plan text."

const (
	maxOutputStrokes     = 6
	maxOutputPoints      = 160
	defaultPointPressure = 0.6
	recentContextStrokes = 8
	recentContextPoints  = 96
)

// toolSchema is the JSON schema of the tool arguments.
const toolSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "plan": {
      "type": "string",
      "description": "One short sentence describing what you will draw and why."
    },
    "say": {
      "type": "string",
      "description": "Optional short message to the user (friendly, concise)."
    },
    "style_tags": {
      "type": "array",
      "items": { "type": "string" },
      "description": "Optional tags like: hatch, outline, sparkle, arrow, label, mascot."
    },
    "should_respond": {
      "type": "boolean",
      "description": "If false, emit no strokes (e.g., user is still drawing)."
    },
    "strokes": {
      "type": "array",
      "description": "List of strokes; each stroke is a list of [x,y,p] points.",
      "items": {
        "type": "array",
        "items": {
          "type": "array",
          "minItems": 3,
          "maxItems": 3,
          "items": { "type": "number" }
        }
      }
    }
  },
  "required": ["strokes", "should_respond"]
}`

// systemPrompt instructs the model how to draw ghost ink.
const systemPrompt = `You are Codrawer: a co-creative drawing agent with a consistent personality.
You generate AI 'ghost ink' vector strokes for a co-drawing app.
Return ONLY by calling the tool emit_ai_strokes.

Goal: add a small, intelligent, aesthetically pleasing continuation or enhancement
that fits the user's recent strokes. Think: completing a shape, adding a clean
contour, adding a small hatch/shadow, or a tasteful flourish. Avoid random doodles.

Co-creative policy:
- Do not just mirror the last stroke; consider the whole recent scene.
- Sometimes augment; sometimes weave; sometimes add a small complementary doodle.
- Be polite: if the user is actively drawing, set should_respond=false.
- Keep your ink subtle; leave space; avoid covering the user's work.

If prompt.mode == 'handwriting', you must handwrite the prompt.text in neat English
handwriting as stroke paths (not printed fonts). Use 1-3 strokes per character where
reasonable. Layout: left-to-right, baseline-aligned, consistent x-height.
Place the text near prompt.anchor_xy if provided; otherwise near last_point.
Keep it small and legible (roughly 0.06-0.10 normalized height per line).

Hard rules:
- Coordinates are normalized to [0,1].
- Pressure p in [0,1].
- Keep within bounds.
- Output MUST be smooth: few strokes (1-4) with moderate points (20-120 per stroke).
- Do NOT output giant circles unless the user is clearly drawing a circle.
- Do NOT erase.
- Prefer clean curves and simple geometry.`

// jsonModeSuffix is appended for backends without forced tool calls.
const jsonModeSuffix = `

Respond with a single JSON object matching this schema instead of calling a tool:
` + toolSchema

func toolSchemaMap() map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(toolSchema), &m); err != nil {
		panic(fmt.Sprintf("generation: invalid tool schema: %v", err))
	}
	return m
}

type contextStroke struct {
	Pts [][3]float64 `json:"pts"`
}

type userContext struct {
	Agent struct {
		Name        string  `json:"name"`
		Personality string  `json:"personality"`
		Creativity  float64 `json:"creativity"`
		Chattiness  float64 `json:"chattiness"`
	} `json:"agent"`
	LastPoint struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
		P float64 `json:"p"`
	} `json:"last_point"`
	RecentUserStrokes []contextStroke `json:"recent_user_strokes"`
	Memory            struct {
		RecentPrompts []string `json:"recent_prompts"`
		RecentAIPlans []string `json:"recent_ai_plans"`
	} `json:"memory"`
	Prompt struct {
		Text     *string     `json:"text"`
		Mode     string      `json:"mode"`
		AnchorXY *[2]float64 `json:"anchor_xy"`
	} `json:"prompt"`
	Stroke struct {
		Brush  string       `json:"brush,omitempty"`
		Color  string       `json:"color,omitempty"`
		Points [][3]float64 `json:"points"`
	} `json:"stroke"`
	Constraints struct {
		Coords             string `json:"coords"`
		Pressure           string `json:"pressure"`
		MaxStrokes         int    `json:"max_strokes"`
		MaxPointsPerStroke int    `json:"max_points_per_stroke"`
		PreferSmooth       bool   `json:"prefer_smooth"`
	} `json:"constraints"`
}

// userMessage renders the compact JSON context sent as the user turn.
func userMessage(req *Request) (string, error) {
	var uc userContext
	uc.Agent.Name = req.Agent.Name
	uc.Agent.Personality = req.Agent.Personality
	uc.Agent.Creativity = quantize(req.Agent.Creativity)
	uc.Agent.Chattiness = quantize(req.Agent.Chattiness)
	uc.LastPoint.X = quantize(req.LastPoint.X)
	uc.LastPoint.Y = quantize(req.LastPoint.Y)
	uc.LastPoint.P = quantize(req.LastPoint.P)

	recent := req.Recent
	if len(recent) > recentContextStrokes {
		recent = recent[len(recent)-recentContextStrokes:]
	}
	uc.RecentUserStrokes = make([]contextStroke, 0, len(recent))
	for _, s := range recent {
		if len(s) > recentContextPoints {
			s = s[:recentContextPoints]
		}
		uc.RecentUserStrokes = append(uc.RecentUserStrokes, contextStroke{Pts: quantizePoints(s)})
	}

	uc.Memory.RecentPrompts = lastN(req.Memory.RecentPrompts, models.MemorySize)
	uc.Memory.RecentAIPlans = lastN(req.Memory.RecentPlans, models.MemorySize)

	uc.Prompt.Mode = string(req.Mode)
	if req.Kind == models.TriggerPrompt {
		text := req.Text
		uc.Prompt.Text = &text
		uc.Prompt.AnchorXY = &[2]float64{quantize(req.Anchor.X), quantize(req.Anchor.Y)}
	}

	uc.Stroke.Brush = req.Brush
	uc.Stroke.Color = req.Color
	uc.Stroke.Points = quantizePoints(req.Stroke)

	uc.Constraints.Coords = "normalized [0,1]"
	uc.Constraints.Pressure = "normalized [0,1]"
	uc.Constraints.MaxStrokes = maxOutputStrokes
	uc.Constraints.MaxPointsPerStroke = maxOutputPoints
	uc.Constraints.PreferSmooth = true

	data, err := json.Marshal(uc)
	if err != nil {
		return "", fmt.Errorf("encode context: %w", err)
	}
	return string(data), nil
}

// lastN returns the newest n entries of list, never nil.
func lastN(list []string, n int) []string {
	if len(list) > n {
		list = list[len(list)-n:]
	}
	return append([]string{}, list...)
}

func quantize(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func quantizePoints(pts []models.Point) [][3]float64 {
	out := make([][3]float64, len(pts))
	for i, p := range pts {
		out[i] = [3]float64{quantize(p.X), quantize(p.Y), quantize(p.P)}
	}
	return out
}

// toolOutput is the parsed tool call.
type toolOutput struct {
	Intent        *Intent
	ShouldRespond bool
	Strokes       [][]models.Point
}

// parseToolArgs parses tool arguments tolerantly: malformed points are
// skipped, missing pressure defaults to 0.6 and every value is clamped.
func parseToolArgs(args string) (*toolOutput, error) {
	args = stripCodeFence(args)
	var raw map[string]any
	if err := json.Unmarshal([]byte(args), &raw); err != nil {
		return nil, fmt.Errorf("parse tool arguments: %w", err)
	}

	out := &toolOutput{ShouldRespond: true}
	plan, _ := raw["plan"].(string)
	say, _ := raw["say"].(string)
	plan, say = strings.TrimSpace(plan), strings.TrimSpace(say)
	var tags []string
	if list, ok := raw["style_tags"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				tags = append(tags, s)
			}
		}
	}
	if plan != "" || say != "" {
		out.Intent = &Intent{Plan: plan, Say: say, StyleTags: tags}
	}
	if respond, ok := raw["should_respond"].(bool); ok && !respond {
		out.ShouldRespond = false
		return out, nil
	}

	strokes, _ := raw["strokes"].([]any)
	for _, s := range strokes {
		pts, ok := s.([]any)
		if !ok {
			continue
		}
		var stroke []models.Point
		for _, p := range pts {
			vals, ok := p.([]any)
			if !ok || len(vals) < 2 {
				continue
			}
			x, okx := vals[0].(float64)
			y, oky := vals[1].(float64)
			if !okx || !oky {
				continue
			}
			pressure := defaultPointPressure
			if len(vals) >= 3 {
				if v, ok := vals[2].(float64); ok {
					pressure = v
				}
			}
			stroke = append(stroke, models.Point{X: protocol.Clamp01(x), Y: protocol.Clamp01(y), P: protocol.Clamp01(pressure)})
		}
		if len(stroke) > 0 {
			out.Strokes = append(out.Strokes, Downsample(stroke, maxOutputPoints))
		}
		if len(out.Strokes) == maxOutputStrokes {
			break
		}
	}
	if len(out.Strokes) == 0 {
		return nil, ErrNoStrokes
	}
	return out, nil
}

// emitToolOutput streams a parsed tool call.
func emitToolOutput(emit func(Chunk) bool, out *toolOutput) bool {
	if out.Intent != nil && !emit(Chunk{Intent: out.Intent}) {
		return false
	}
	if !out.ShouldRespond {
		return true
	}
	return emitStrokes(emit, out.Strokes)
}

// stripCodeFence removes a surrounding markdown code fence, which JSON-mode
// models sometimes add.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
