package ghost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/codrawer/internal/generation"
	"github.com/haasonsaas/codrawer/internal/protocol"
	"github.com/haasonsaas/codrawer/pkg/models"
)

type captureBroadcaster struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (c *captureBroadcaster) BroadcastAll(data []byte) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, m)
}

func (c *captureBroadcaster) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i], _ = f["t"].(string)
	}
	return out
}

func chunks(items ...generation.Chunk) <-chan generation.Chunk {
	ch := make(chan generation.Chunk, len(items))
	for _, c := range items {
		ch <- c
	}
	close(ch)
	return ch
}

func strokeChunks(n int) []generation.Chunk {
	out := make([]generation.Chunk, n)
	for i := range out {
		out[i] = generation.Chunk{NewStroke: i == 0, Point: models.Point{X: float64(i) / float64(n), Y: 0.5, P: 0.5}}
	}
	return out
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("ai_%010d", n)
	}
}

func TestEmitBatchesPoints(t *testing.T) {
	b := &captureBroadcaster{}
	e := NewEmitter(12, WithIDFunc(sequentialIDs()))
	trig := &models.Trigger{SessionID: "room", Kind: models.TriggerContinue}

	sum, err := e.Emit(context.Background(), b, trig, chunks(strokeChunks(30)...))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if sum.Strokes != 1 || sum.Points != 30 || sum.Frames != 5 {
		t.Fatalf("summary = %+v", sum)
	}
	want := []string{"ai_stroke_begin", "ai_stroke_pts", "ai_stroke_pts", "ai_stroke_pts", "ai_stroke_end"}
	if got := b.types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("frames = %v, want %v", got, want)
	}

	begin := b.frames[0]
	if begin["layer"] != "ai" || begin["brush"] != protocol.GhostBrush || begin["id"] != "ai_0000000001" {
		t.Errorf("begin = %v", begin)
	}
	var sizes []int
	for _, f := range b.frames[1:4] {
		pts := f["pts"].([]any)
		sizes = append(sizes, len(pts))
		for _, p := range pts {
			if len(p.([]any)) != 3 {
				t.Fatalf("ghost point %v must be [x,y,p]", p)
			}
		}
	}
	if fmt.Sprint(sizes) != "[12 12 6]" {
		t.Errorf("batch sizes = %v", sizes)
	}
	if end := b.frames[4]; len(end) != 2 || end["id"] != "ai_0000000001" {
		t.Errorf("end = %v", end)
	}
}

func TestEmitMultipleStrokesAndIntent(t *testing.T) {
	b := &captureBroadcaster{}
	e := NewEmitter(0)
	trig := &models.Trigger{
		SessionID: "room",
		Kind:      models.TriggerPrompt,
		Mode:      models.ModeHandwriting,
		Text:      "hi",
		Anchor:    models.XY{X: 0.25, Y: 0.75},
	}
	items := []generation.Chunk{{Intent: &generation.Intent{Plan: "write hi", Say: "hello"}}}
	items = append(items, strokeChunks(3)...)
	items = append(items, strokeChunks(4)...)

	sum, err := e.Emit(context.Background(), b, trig, chunks(items...))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if sum.Strokes != 2 || sum.Points != 7 || !sum.Intent || sum.Plan != "write hi" {
		t.Fatalf("summary = %+v", sum)
	}
	types := b.types()
	if types[0] != "ai_intent" || types[1] != "ai_say" {
		t.Fatalf("frames = %v", types)
	}
	intent := b.frames[0]
	if intent["plan"] != "write hi" || intent["mode"] != "handwriting" || intent["prompt_text"] != "hi" {
		t.Errorf("intent = %v", intent)
	}
	ids := map[string]bool{}
	for _, f := range b.frames {
		if id, ok := f["id"].(string); ok {
			if !protocol.IsReservedID(id) || len(id) != len("ai_")+10 {
				t.Errorf("id %q not a reserved ghost id", id)
			}
			ids[id] = true
		}
	}
	if len(ids) != 2 {
		t.Errorf("distinct ids = %d, want 2", len(ids))
	}
}

func TestEmitWithoutSay(t *testing.T) {
	b := &captureBroadcaster{}
	e := NewEmitter(0, WithSay(false))
	items := append([]generation.Chunk{{Intent: &generation.Intent{Plan: "hatch", Say: "hi there"}}}, strokeChunks(2)...)

	if _, err := e.Emit(context.Background(), b, &models.Trigger{}, chunks(items...)); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	for _, typ := range b.types() {
		if typ == "ai_say" {
			t.Fatalf("frames = %v, want no ai_say", b.types())
		}
	}
	if types := b.types(); types[0] != "ai_intent" {
		t.Errorf("frames = %v, want the intent first", types)
	}
}

func TestEmitFailureEmitsNothing(t *testing.T) {
	b := &captureBroadcaster{}
	e := NewEmitter(12)
	items := append(strokeChunks(20), generation.Chunk{Err: generation.ErrTimeout})

	_, err := e.Emit(context.Background(), b, &models.Trigger{}, chunks(items...))
	if !errors.Is(err, generation.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if n := len(b.types()); n != 0 {
		t.Fatalf("broadcast %d frames after failure, want 0", n)
	}
}

func TestEmitEmptyStream(t *testing.T) {
	b := &captureBroadcaster{}
	sum, err := NewEmitter(12).Emit(context.Background(), b, &models.Trigger{}, chunks())
	if err != nil || sum != (Summary{}) {
		t.Fatalf("sum = %+v err = %v", sum, err)
	}
	if len(b.types()) != 0 {
		t.Fatal("empty stream must not broadcast")
	}
}

func TestEmitContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	open := make(chan generation.Chunk)
	_, err := NewEmitter(12).Emit(ctx, &captureBroadcaster{}, &models.Trigger{}, open)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestEmitRejectsForeignIDs(t *testing.T) {
	e := NewEmitter(12, WithIDFunc(func() string { return "user_1" }))
	_, err := e.Emit(context.Background(), &captureBroadcaster{}, &models.Trigger{}, chunks(strokeChunks(2)...))
	if err == nil {
		t.Fatal("expected error for id outside the ghost namespace")
	}
}

func TestNewStrokeID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewStrokeID()
		if !strings.HasPrefix(id, "ai_") || len(id) != 13 {
			t.Fatalf("bad id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
