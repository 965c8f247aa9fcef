package protocol

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/haasonsaas/codrawer/pkg/models"
	"pgregory.net/rapid"
)

func TestDecode_ValidFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		typ  string
	}{
		{"stroke_begin", `{"t":"stroke_begin","id":"u_1","layer":"user","brush":"pen","ts":1000}`, TypeStrokeBegin},
		{"stroke_begin with color", `{"t":"stroke_begin","id":"u_1","layer":"user","brush":"pen","color":"#fff","ts":1000}`, TypeStrokeBegin},
		{"stroke_pts", `{"t":"stroke_pts","id":"u_1","pts":[[0.1,0.1,0.5,1010],[0.2,0.2,0.5]]}`, TypeStrokePts},
		{"stroke_end", `{"t":"stroke_end","id":"u_1","ts":1020}`, TypeStrokeEnd},
		{"cursor", `{"t":"cursor","x":0.3,"y":0.4,"ts":5,"who":"pen"}`, TypeCursor},
		{"prompt", `{"t":"prompt","text":"a cat","mode":"handwriting","x":0.2,"y":0.3}`, TypePrompt},
		{"prompt without mode", `{"t":"prompt","text":"a cat"}`, TypePrompt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if f.Type != tt.typ {
				t.Errorf("Type = %q, want %q", f.Type, tt.typ)
			}
			if string(f.Raw) != tt.raw {
				t.Errorf("Raw not preserved")
			}
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{"t":`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"missing t", `{"id":"x"}`, ErrMalformed},
		{"unknown type", `{"t":"erase","id":"x"}`, ErrUnknownType},
		{"server type from client", `{"t":"ai_stroke_begin","id":"ai_1"}`, ErrUnknownType},
		{"begin missing ts", `{"t":"stroke_begin","id":"u_1","layer":"user","brush":"pen"}`, ErrMalformed},
		{"begin empty id", `{"t":"stroke_begin","id":"","layer":"user","brush":"pen","ts":1}`, ErrMalformed},
		{"pts not array", `{"t":"stroke_pts","id":"u_1","pts":{}}`, ErrMalformed},
		{"pts short point", `{"t":"stroke_pts","id":"u_1","pts":[[0.1,0.2]]}`, ErrMalformed},
		{"pts string coordinate", `{"t":"stroke_pts","id":"u_1","pts":[["a",0.2,0.3]]}`, ErrMalformed},
		{"cursor missing y", `{"t":"cursor","x":0.1,"ts":1}`, ErrMalformed},
		{"prompt bad mode", `{"t":"prompt","text":"hi","mode":"erase"}`, ErrMalformed},
		{"prompt empty text", `{"t":"prompt","text":""}`, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecode_StrokePtsTimestamps(t *testing.T) {
	f, err := Decode([]byte(`{"t":"stroke_pts","id":"u_1","pts":[[0.1,0.2,0.3,1010.4],[2,-1,0.5]]}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	pts := f.StrokePts.Pts
	if len(pts) != 2 {
		t.Fatalf("len(pts) = %d, want 2", len(pts))
	}
	if pts[0].T != 1010 {
		t.Errorf("pts[0].T = %d, want 1010", pts[0].T)
	}
	if pts[1].T != 0 {
		t.Errorf("pts[1].T = %d, want 0", pts[1].T)
	}
	// Decoding does not clamp; the router does.
	if pts[1].X != 2 || pts[1].Y != -1 {
		t.Errorf("pts[1] = %+v", pts[1])
	}
}

func TestClamp01(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.25, 0.25},
		{1, 1},
		{7, 1},
		{math.NaN(), 0},
		{math.Inf(1), 1},
		{math.Inf(-1), 0},
	}
	for _, tt := range tests {
		if got := Clamp01(tt.in); got != tt.want {
			t.Errorf("Clamp01(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestClampPoint_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := models.Point{
			X: rapid.Float64().Draw(rt, "x"),
			Y: rapid.Float64().Draw(rt, "y"),
			P: rapid.Float64().Draw(rt, "p"),
			T: rapid.Int64().Draw(rt, "t"),
		}
		got := ClampPoint(p)
		for _, v := range []float64{got.X, got.Y, got.P} {
			if v < 0 || v > 1 || math.IsNaN(v) {
				rt.Fatalf("component %v outside [0,1] for %+v", v, p)
			}
		}
		if got.T != p.T {
			rt.Fatalf("timestamp changed: %d -> %d", p.T, got.T)
		}
		if p.X >= 0 && p.X <= 1 && got.X != p.X {
			rt.Fatalf("in-range x changed: %v -> %v", p.X, got.X)
		}
	})
}

func TestIsReservedID(t *testing.T) {
	if !IsReservedID("ai_0123456789") {
		t.Error("ai_ prefix should be reserved")
	}
	if IsReservedID("u_1") || IsReservedID("AI_1") || IsReservedID("a") {
		t.Error("non ai_ ids should not be reserved")
	}
}

func TestPoint_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(Point{X: 0.1, Y: 0.2, P: 0.5, T: 1010})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `[0.1,0.2,0.5,1010]` {
		t.Errorf("Marshal = %s", data)
	}

	data, err = json.Marshal(AIPoint{X: 0.1, Y: 0.2, P: 0.5, T: 99})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `[0.1,0.2,0.5]` {
		t.Errorf("Marshal AI point = %s", data)
	}
}

func TestOutboundFrames(t *testing.T) {
	begin, err := Encode(NewAIStrokeBegin("ai_abc"))
	if err != nil {
		t.Fatal(err)
	}
	if string(begin) != `{"t":"ai_stroke_begin","id":"ai_abc","layer":"ai","brush":"ghost"}` {
		t.Errorf("begin = %s", begin)
	}

	pts, err := Encode(NewAIStrokePts("ai_abc", []models.Point{{X: 1.5, Y: 0.5, P: -1, T: 7}}))
	if err != nil {
		t.Fatal(err)
	}
	if string(pts) != `{"t":"ai_stroke_pts","id":"ai_abc","pts":[[1,0.5,0]]}` {
		t.Errorf("pts = %s", pts)
	}

	end, err := Encode(NewAIStrokeEnd("ai_abc"))
	if err != nil {
		t.Fatal(err)
	}
	if string(end) != `{"t":"ai_stroke_end","id":"ai_abc"}` {
		t.Errorf("end = %s", end)
	}

	hello, err := Encode(NewHello("room"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(hello), `"session":"room"`) {
		t.Errorf("hello = %s", hello)
	}
}
