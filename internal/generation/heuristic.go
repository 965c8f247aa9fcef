package generation

import (
	"context"
	"math"

	"github.com/haasonsaas/codrawer/internal/protocol"
	"github.com/haasonsaas/codrawer/pkg/models"
)

const (
	heuristicMaxInput   = 160
	heuristicSmoothing  = 3
	heuristicEchoOffset = 0.006
	heuristicPressure   = 0.55
	heuristicClosedDist = 0.03
	heuristicEllipseN   = 72
	heuristicFlourishL  = 0.06
	heuristicBend       = 0.02
	heuristicFlourishN  = 28
)

// Heuristic draws deterministic ghost ink without any model: a smoothed echo
// of the last stroke plus either a tapered flourish or, for a closed loop, a
// clean ellipse.
type Heuristic struct{}

// NewHeuristic creates the heuristic backend.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Name implements Backend.
func (h *Heuristic) Name() string {
	return "heuristic"
}

// Generate implements Backend.
func (h *Heuristic) Generate(ctx context.Context, req *Request) <-chan Chunk {
	return stream(ctx, func(ctx context.Context, emit func(Chunk) bool) error {
		emitStrokes(emit, HeuristicStrokes(req.Stroke, req.LastPoint))
		return nil
	})
}

// HeuristicStrokes computes the heuristic strokes for a stroke ending at last.
func HeuristicStrokes(stroke []models.Point, last models.Point) [][]models.Point {
	if len(stroke) < 2 {
		x, y := last.X, last.Y
		return [][]models.Point{{
			clampPt(x, y, last.P),
			clampPt(x+0.02, y, 0.4),
			clampPt(x+0.04, y+0.01, 0.2),
		}}
	}

	sm := smooth(Downsample(stroke, heuristicMaxInput), heuristicSmoothing)

	a, b := sm[len(sm)-2], sm[len(sm)-1]
	dx, dy := b.X-a.X, b.Y-a.Y
	mag := math.Hypot(dx, dy)
	if mag == 0 {
		mag = 1
	}
	ux, uy := dx/mag, dy/mag
	px, py := -uy, ux

	echo := make([]models.Point, len(sm))
	for i, p := range sm {
		echo[i] = clampPt(p.X+px*heuristicEchoOffset, p.Y+py*heuristicEchoOffset, heuristicPressure*p.P)
	}

	first := sm[0]
	if math.Hypot(first.X-b.X, first.Y-b.Y) < heuristicClosedDist {
		return [][]models.Point{ellipse(sm), echo}
	}

	flourish := make([]models.Point, 0, heuristicFlourishN)
	for i := 1; i <= heuristicFlourishN; i++ {
		t := float64(i) / heuristicFlourishN
		bend := heuristicBend * t * (1 - t)
		flourish = append(flourish, clampPt(
			b.X+ux*heuristicFlourishL*t+px*bend,
			b.Y+uy*heuristicFlourishL*t+py*bend,
			heuristicPressure*(1-0.8*t),
		))
	}
	return [][]models.Point{echo, flourish}
}

// smooth applies a centered moving average of radius w.
func smooth(pts []models.Point, w int) []models.Point {
	out := make([]models.Point, len(pts))
	for i := range pts {
		var x, y, p float64
		n := 0
		for j := max(0, i-w); j < min(len(pts), i+w+1); j++ {
			x += pts[j].X
			y += pts[j].Y
			p += pts[j].P
			n++
		}
		out[i] = models.Point{X: x / float64(n), Y: y / float64(n), P: p / float64(n)}
	}
	return out
}

// ellipse fits an axis-aligned ellipse to the bounding box of pts.
func ellipse(pts []models.Point) []models.Point {
	minX, maxX, minY, maxY := pts[0].X, pts[0].X, pts[0].Y, pts[0].Y
	for _, p := range pts[1:] {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	cx, cy := (minX+maxX)/2, (minY+maxY)/2
	rx := math.Max(0.01, (maxX-minX)/2)
	ry := math.Max(0.01, (maxY-minY)/2)

	out := make([]models.Point, 0, heuristicEllipseN+1)
	for i := 0; i <= heuristicEllipseN; i++ {
		t := 2 * math.Pi * float64(i) / heuristicEllipseN
		out = append(out, clampPt(cx+rx*math.Cos(t), cy+ry*math.Sin(t), heuristicPressure))
	}
	return out
}

func clampPt(x, y, p float64) models.Point {
	return protocol.ClampPoint(models.Point{X: x, Y: y, P: p})
}
