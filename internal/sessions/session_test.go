package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/codrawer/internal/debounce"
	"github.com/haasonsaas/codrawer/internal/protocol"
	"github.com/haasonsaas/codrawer/internal/ratelimit"
	"github.com/haasonsaas/codrawer/internal/scheduler"
	"github.com/haasonsaas/codrawer/pkg/models"
	"pgregory.net/rapid"
)

type fakeConn struct {
	id string

	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	failSend bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend || c.closed {
		return errors.New("send buffer full")
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var env struct {
			T string `json:"t"`
		}
		_ = json.Unmarshal(f, &env)
		out = append(out, env.T)
	}
	return out
}

func (c *fakeConn) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

type harness struct {
	reg  *Registry
	runs chan *models.Trigger
	hold chan struct{}
}

func newHarness(t *testing.T, timing debounce.Config, hold bool) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	gate := ratelimit.NewGate[*models.Trigger](0)
	go func() { _ = gate.Run(ctx) }()

	h := &harness{runs: make(chan *models.Trigger, 16)}
	if hold {
		h.hold = make(chan struct{})
	}
	h.reg = NewRegistry(ctx, RegistryConfig{
		Session: Config{RecentStrokes: 3, MaxStrokePoints: 5, ContextPoints: 256},
		Gate:    gate,
		Timing:  scheduler.NewTimingSource(timing),
		Run: func(ctx context.Context, s *Session, trig *models.Trigger) error {
			h.runs <- trig
			if h.hold != nil {
				select {
				case <-h.hold:
				case <-ctx.Done():
				}
			}
			return nil
		},
	})
	t.Cleanup(func() {
		h.reg.Close()
		cancel()
	})
	return h
}

func (h *harness) join(t *testing.T, session string, ids ...string) (*Session, []*fakeConn) {
	t.Helper()
	var s *Session
	conns := make([]*fakeConn, len(ids))
	for i, id := range ids {
		conns[i] = newFakeConn(id)
		var err error
		s, err = h.reg.Join(conns[i], session)
		if err != nil {
			t.Fatalf("Join(%s) error = %v", id, err)
		}
	}
	return s, conns
}

func (h *harness) nextRun(t *testing.T) *models.Trigger {
	t.Helper()
	select {
	case trig := <-h.runs:
		return trig
	case <-time.After(2 * time.Second):
		t.Fatal("no generation ran")
		return nil
	}
}

func fastTiming() debounce.Config {
	return debounce.Config{Debounce: 10 * time.Millisecond, RequeueDebounce: 5 * time.Millisecond}
}

func mustHandle(t *testing.T, s *Session, c Conn, raw string) {
	t.Helper()
	if err := s.Handle(c, []byte(raw)); err != nil {
		t.Fatalf("Handle(%s) error = %v", raw, err)
	}
}

func TestRegistry_JoinSendsHello(t *testing.T) {
	h := newHarness(t, fastTiming(), false)
	s, conns := h.join(t, "room", "a", "b")

	for _, c := range conns {
		types := c.types()
		if len(types) != 1 || types[0] != protocol.TypeHello {
			t.Errorf("%s frames = %v, want [hello]", c.id, types)
		}
	}
	if !strings.Contains(string(conns[0].last()), `"session":"room"`) {
		t.Errorf("hello = %s", conns[0].last())
	}
	if s.ConnCount() != 2 {
		t.Errorf("ConnCount() = %d, want 2", s.ConnCount())
	}
	if h.reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", h.reg.Len())
	}
}

func TestSession_BroadcastExcludesSender(t *testing.T) {
	h := newHarness(t, fastTiming(), false)
	s, conns := h.join(t, "room", "a", "b", "c")
	a, b, c := conns[0], conns[1], conns[2]

	mustHandle(t, s, a, `{"t":"stroke_begin","id":"u_1","layer":"user","brush":"pen","ts":1000}`)
	mustHandle(t, s, a, `{"t":"stroke_pts","id":"u_1","pts":[[0.1,0.1,0.5,1010]]}`)
	mustHandle(t, s, a, `{"t":"cursor","x":0.2,"y":0.3,"ts":1011}`)

	want := []string{"hello", "stroke_begin", "stroke_pts", "cursor"}
	for _, peer := range []*fakeConn{b, c} {
		if got := peer.types(); fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("%s received %v, want %v", peer.id, got, want)
		}
	}
	if got := a.types(); len(got) != 1 {
		t.Errorf("sender received %v, want only hello", got)
	}
}

func TestSession_StrokePtsClampedBeforeForwarding(t *testing.T) {
	h := newHarness(t, fastTiming(), false)
	s, conns := h.join(t, "room", "a", "b")

	mustHandle(t, s, conns[0], `{"t":"stroke_begin","id":"u_1","layer":"user","brush":"pen","ts":1}`)
	mustHandle(t, s, conns[0], `{"t":"stroke_pts","id":"u_1","pts":[[-0.5,1.5,2,10],[0.25,0.5,0.75,11]]}`)

	var got protocol.StrokePts
	if err := json.Unmarshal(conns[1].last(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Pts) != 2 {
		t.Fatalf("forwarded %d points, want 2", len(got.Pts))
	}
	if p := got.Pts[0]; p.X != 0 || p.Y != 1 || p.P != 1 || p.T != 10 {
		t.Errorf("pts[0] = %+v, want clamped (0,1,1,10)", p)
	}
	if p := got.Pts[1]; p.X != 0.25 || p.Y != 0.5 || p.P != 0.75 {
		t.Errorf("pts[1] = %+v, want unchanged", p)
	}
}

func TestSession_Rejections(t *testing.T) {
	h := newHarness(t, fastTiming(), false)
	s, conns := h.join(t, "room", "a", "b")
	a := conns[0]

	mustHandle(t, s, a, `{"t":"stroke_begin","id":"u_1","layer":"user","brush":"pen","ts":1}`)
	mustHandle(t, s, a, `{"t":"stroke_begin","id":"u_done","layer":"user","brush":"pen","ts":1}`)
	mustHandle(t, s, a, `{"t":"stroke_end","id":"u_done","ts":2}`)

	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"ai layer", `{"t":"stroke_begin","id":"u_2","layer":"ai","brush":"pen","ts":1}`, ErrLayerForbidden},
		{"reserved id", `{"t":"stroke_begin","id":"ai_0123456789","layer":"user","brush":"pen","ts":1}`, ErrReservedID},
		{"already open", `{"t":"stroke_begin","id":"u_1","layer":"user","brush":"pen","ts":1}`, ErrStrokeOpen},
		{"pts unknown", `{"t":"stroke_pts","id":"u_x","pts":[[0.1,0.1,0.1]]}`, ErrStrokeNotOpen},
		{"pts closed", `{"t":"stroke_pts","id":"u_done","pts":[[0.1,0.1,0.1]]}`, ErrStrokeNotOpen},
		{"end unknown", `{"t":"stroke_end","id":"u_x","ts":3}`, ErrStrokeNotOpen},
		{"end twice", `{"t":"stroke_end","id":"u_done","ts":3}`, ErrStrokeNotOpen},
		{"malformed", `{"t":"stroke_end"}`, protocol.ErrMalformed},
		{"unknown", `{"t":"wipe"}`, protocol.ErrUnknownType},
	}

	before := len(conns[1].types())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Handle(a, []byte(tt.raw)); !errors.Is(err, tt.want) {
				t.Errorf("Handle() error = %v, want %v", err, tt.want)
			}
		})
	}
	if after := len(conns[1].types()); after != before {
		t.Errorf("rejected frames were forwarded: %d -> %d", before, after)
	}
}

func TestSession_StrokeEndTriggersContinuation(t *testing.T) {
	h := newHarness(t, fastTiming(), false)
	s, conns := h.join(t, "room", "a", "b")
	a := conns[0]

	mustHandle(t, s, a, `{"t":"stroke_begin","id":"u_1","layer":"user","brush":"pen","color":"#111","ts":1000}`)
	mustHandle(t, s, a, `{"t":"stroke_pts","id":"u_1","pts":[[0.1,0.1,0.5,1010],[0.3,0.4,0.5,1015]]}`)
	mustHandle(t, s, a, `{"t":"stroke_end","id":"u_1","ts":1020}`)

	trig := h.nextRun(t)
	if trig.Kind != models.TriggerContinue || trig.Mode != models.ModeAuto {
		t.Errorf("trigger = %+v", trig)
	}
	if trig.Stroke == nil || trig.Stroke.ID != "u_1" || !trig.Stroke.Closed || trig.Stroke.Color != "#111" {
		t.Fatalf("trigger stroke = %+v", trig.Stroke)
	}
	if trig.Anchor != (models.XY{X: 0.3, Y: 0.4}) || trig.AnchorSource != models.AnchorStroke {
		t.Errorf("anchor = %+v (%s), want last point", trig.Anchor, trig.AnchorSource)
	}
	if len(trig.Recent) != 1 {
		t.Errorf("recent = %d strokes, want 1", len(trig.Recent))
	}
}

func TestSession_RecentContextBounded(t *testing.T) {
	h := newHarness(t, debounce.Config{Debounce: time.Hour}, false)
	s, conns := h.join(t, "room", "a")

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("u_%d", i)
		mustHandle(t, s, conns[0], fmt.Sprintf(`{"t":"stroke_begin","id":%q,"layer":"user","brush":"pen","ts":1}`, id))
		mustHandle(t, s, conns[0], fmt.Sprintf(`{"t":"stroke_pts","id":%q,"pts":[[0.1,0.1,0.1],[0.2,0.2,0.2],[0.3,0.3,0.3],[0.4,0.4,0.4],[0.5,0.5,0.5],[0.6,0.6,0.6],[0.7,0.7,0.7]]}`, id))
		mustHandle(t, s, conns[0], fmt.Sprintf(`{"t":"stroke_end","id":%q,"ts":2}`, id))
	}

	recent := s.Recent()
	if len(recent) != 3 {
		t.Fatalf("len(recent) = %d, want 3", len(recent))
	}
	if recent[0].ID != "u_2" || recent[2].ID != "u_4" {
		t.Errorf("recent = %s..%s, want oldest evicted", recent[0].ID, recent[2].ID)
	}
	if n := len(recent[0].Points); n != 5 {
		t.Errorf("retained %d points, want max_stroke_points 5", n)
	}
}

func TestSession_PromptAnchorsAndNoBroadcast(t *testing.T) {
	h := newHarness(t, fastTiming(), false)
	s, conns := h.join(t, "room", "a", "b")
	a, b := conns[0], conns[1]

	mustHandle(t, s, a, `{"t":"prompt","text":"a cat"}`)
	trig := h.nextRun(t)
	if trig.AnchorSource != models.AnchorCentroid || trig.Anchor != (models.XY{X: 0.5, Y: 0.5}) {
		t.Errorf("empty session anchor = %+v (%s), want centroid", trig.Anchor, trig.AnchorSource)
	}
	if trig.Mode != models.ModeDraw || trig.Text != "a cat" {
		t.Errorf("trigger = %+v", trig)
	}

	mustHandle(t, s, b, `{"t":"cursor","x":0.7,"y":0.2,"ts":5}`)
	mustHandle(t, s, a, `{"t":"prompt","text":"hello","mode":"handwriting"}`)
	trig = h.nextRun(t)
	if trig.AnchorSource != models.AnchorCursor || trig.Anchor != (models.XY{X: 0.7, Y: 0.2}) {
		t.Errorf("anchor = %+v (%s), want cursor", trig.Anchor, trig.AnchorSource)
	}
	if trig.Mode != models.ModeHandwriting {
		t.Errorf("mode = %s, want handwriting", trig.Mode)
	}

	mustHandle(t, s, a, `{"t":"prompt","text":"sun","x":1.4,"y":0.1}`)
	trig = h.nextRun(t)
	if trig.AnchorSource != models.AnchorExplicit || trig.Anchor != (models.XY{X: 1, Y: 0.1}) {
		t.Errorf("anchor = %+v (%s), want explicit clamped", trig.Anchor, trig.AnchorSource)
	}

	for _, typ := range b.types() {
		if typ == protocol.TypePrompt {
			t.Error("prompt was broadcast to a peer")
		}
	}
}

func TestSession_MicroPauseTrigger(t *testing.T) {
	timing := fastTiming()
	timing.MicroPause = 30 * time.Millisecond
	h := newHarness(t, timing, false)
	s, conns := h.join(t, "room", "a")

	mustHandle(t, s, conns[0], `{"t":"stroke_begin","id":"u_1","layer":"user","brush":"pen","ts":1}`)
	mustHandle(t, s, conns[0], `{"t":"stroke_pts","id":"u_1","pts":[[0.1,0.1,0.5,2],[0.2,0.3,0.5,3]]}`)

	trig := h.nextRun(t)
	if trig.Kind != models.TriggerPause {
		t.Fatalf("kind = %s, want pause", trig.Kind)
	}
	if trig.Stroke == nil || trig.Stroke.Closed || len(trig.Stroke.Points) != 2 {
		t.Errorf("pause trigger stroke = %+v", trig.Stroke)
	}
}

func TestSession_MicroPauseDisabledByDefault(t *testing.T) {
	h := newHarness(t, fastTiming(), false)
	s, conns := h.join(t, "room", "a")

	mustHandle(t, s, conns[0], `{"t":"stroke_begin","id":"u_1","layer":"user","brush":"pen","ts":1}`)
	mustHandle(t, s, conns[0], `{"t":"stroke_pts","id":"u_1","pts":[[0.1,0.1,0.5,2]]}`)

	select {
	case trig := <-h.runs:
		t.Fatalf("unexpected generation for open stroke: %+v", trig)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestSession_StrokeEndCancelsMicroPause(t *testing.T) {
	timing := fastTiming()
	timing.MicroPause = 40 * time.Millisecond
	h := newHarness(t, timing, false)
	s, conns := h.join(t, "room", "a")

	mustHandle(t, s, conns[0], `{"t":"stroke_begin","id":"u_1","layer":"user","brush":"pen","ts":1}`)
	mustHandle(t, s, conns[0], `{"t":"stroke_pts","id":"u_1","pts":[[0.1,0.1,0.5,2]]}`)
	if n := s.pauses.PendingCount(); n != 1 {
		t.Fatalf("pending pauses = %d, want 1", n)
	}
	mustHandle(t, s, conns[0], `{"t":"stroke_end","id":"u_1","ts":3}`)
	if n := s.pauses.PendingCount(); n != 0 {
		t.Fatalf("pending pauses = %d after stroke_end, want 0", n)
	}

	if trig := h.nextRun(t); trig.Kind != models.TriggerContinue {
		t.Fatalf("kind = %s, want continue", trig.Kind)
	}
	select {
	case trig := <-h.runs:
		t.Fatalf("unexpected generation after stroke_end: %+v", trig)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_LastLeaveDropsPendingPauses(t *testing.T) {
	timing := fastTiming()
	timing.MicroPause = time.Hour
	h := newHarness(t, timing, false)
	s, conns := h.join(t, "room", "a", "b")

	mustHandle(t, s, conns[0], `{"t":"stroke_begin","id":"u_1","layer":"user","ts":1}`)
	mustHandle(t, s, conns[0], `{"t":"stroke_pts","id":"u_1","pts":[[0.1,0.1,0.5,2]]}`)

	s.detach(conns[1])
	if n := s.pauses.PendingCount(); n != 1 {
		t.Fatalf("pending pauses = %d with a connection left, want 1", n)
	}
	s.detach(conns[0])
	if n := s.pauses.PendingCount(); n != 0 {
		t.Fatalf("pending pauses = %d after the last leave, want 0", n)
	}
}

func TestSession_MemoryCarriedOnTriggers(t *testing.T) {
	h := newHarness(t, fastTiming(), false)
	s, conns := h.join(t, "room", "a")

	mustHandle(t, s, conns[0], `{"t":"prompt","text":"a cat"}`)
	trig := h.nextRun(t)
	if len(trig.Memory.RecentPrompts) != 0 {
		t.Errorf("first prompt memory = %v, want empty", trig.Memory.RecentPrompts)
	}
	s.RecordPlan("draw whiskers")
	s.RecordPlan("")

	mustHandle(t, s, conns[0], `{"t":"prompt","text":"a hat"}`)
	trig = h.nextRun(t)
	if got := trig.Memory.RecentPrompts; len(got) != 1 || got[0] != "a cat" {
		t.Errorf("recent prompts = %v, want [a cat]", got)
	}
	if got := trig.Memory.RecentPlans; len(got) != 1 || got[0] != "draw whiskers" {
		t.Errorf("recent plans = %v, want [draw whiskers]", got)
	}

	mustHandle(t, s, conns[0], `{"t":"stroke_begin","id":"u_1","layer":"user","ts":1}`)
	mustHandle(t, s, conns[0], `{"t":"stroke_pts","id":"u_1","pts":[[0.1,0.1,0.5,2]]}`)
	mustHandle(t, s, conns[0], `{"t":"stroke_end","id":"u_1","ts":3}`)
	trig = h.nextRun(t)
	if got := trig.Memory.RecentPrompts; len(got) != 2 || got[1] != "a hat" {
		t.Errorf("continue trigger prompts = %v, want [a cat a hat]", got)
	}
}

func TestSession_MemoryBounded(t *testing.T) {
	h := newHarness(t, debounce.Config{Debounce: time.Hour}, false)
	s, conns := h.join(t, "room", "a")

	for i := 0; i < models.MemorySize+4; i++ {
		mustHandle(t, s, conns[0], fmt.Sprintf(`{"t":"prompt","text":"p%d"}`, i))
		s.RecordPlan(fmt.Sprintf("plan %d", i))
	}
	mem := s.Memory()
	if len(mem.RecentPrompts) != models.MemorySize || len(mem.RecentPlans) != models.MemorySize {
		t.Fatalf("memory sizes = %d, %d; want %d", len(mem.RecentPrompts), len(mem.RecentPlans), models.MemorySize)
	}
	if mem.RecentPrompts[0] != "p4" || mem.RecentPlans[models.MemorySize-1] != "plan 11" {
		t.Errorf("memory = %+v, want the newest entries", mem)
	}
}

func initiativeTiming(idle, minInterval time.Duration) debounce.Config {
	timing := fastTiming()
	timing.InitiativeIdle = idle
	timing.InitiativeMinInterval = minInterval
	timing.InitiativeProbability = 1
	timing.InitiativePrompt = "doodle something"
	return timing
}

func TestSession_InitiativeAfterIdle(t *testing.T) {
	h := newHarness(t, initiativeTiming(40*time.Millisecond, time.Hour), false)
	joined := time.Now()
	s, conns := h.join(t, "room", "a")
	mustHandle(t, s, conns[0], `{"t":"cursor","x":0.2,"y":0.8,"ts":1}`)

	trig := h.nextRun(t)
	if since := time.Since(joined); since < 40*time.Millisecond {
		t.Errorf("initiative after %v, want at least the idle period", since)
	}
	if !trig.Initiative || trig.Kind != models.TriggerPrompt || trig.Mode != models.ModeDraw {
		t.Fatalf("trigger = %+v, want an initiative draw prompt", trig)
	}
	if trig.Text != "doodle something" {
		t.Errorf("text = %q", trig.Text)
	}
	if trig.AnchorSource != models.AnchorCursor || trig.Anchor != (models.XY{X: 0.2, Y: 0.8}) {
		t.Errorf("anchor = %+v (%s), want the cursor", trig.Anchor, trig.AnchorSource)
	}

	select {
	case trig := <-h.runs:
		t.Fatalf("second initiative inside the min interval: %+v", trig)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSession_InitiativeRepeatsAfterMinInterval(t *testing.T) {
	h := newHarness(t, initiativeTiming(20*time.Millisecond, 60*time.Millisecond), false)
	h.join(t, "room", "a")

	first := h.nextRun(t)
	second := h.nextRun(t)
	if !first.Initiative || !second.Initiative {
		t.Fatalf("triggers = %+v, %+v", first, second)
	}
	if first.AnchorSource != models.AnchorCenter || first.Anchor != (models.XY{X: 0.5, Y: 0.5}) {
		t.Errorf("anchor = %+v (%s), want the canvas center", first.Anchor, first.AnchorSource)
	}
	if gap := second.CreatedAt.Sub(first.CreatedAt); gap < 60*time.Millisecond {
		t.Errorf("initiatives %v apart, want at least the min interval", gap)
	}
}

func TestSession_InitiativeWaitsForQuiet(t *testing.T) {
	h := newHarness(t, initiativeTiming(60*time.Millisecond, time.Hour), false)
	s, conns := h.join(t, "room", "a")

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		mustHandle(t, s, conns[0], `{"t":"cursor","x":0.5,"y":0.5,"ts":1}`)
		select {
		case trig := <-h.runs:
			t.Fatalf("initiative while the user is active: %+v", trig)
		case <-time.After(15 * time.Millisecond):
		}
	}
	if trig := h.nextRun(t); !trig.Initiative {
		t.Errorf("trigger = %+v, want initiative once quiet", trig)
	}
}

func TestSession_InitiativeDisabledByDefault(t *testing.T) {
	h := newHarness(t, fastTiming(), false)
	s, _ := h.join(t, "room", "a")

	select {
	case trig := <-h.runs:
		t.Fatalf("unexpected generation: %+v", trig)
	case <-time.After(80 * time.Millisecond):
	}
	if n := s.idle.PendingCount(); n != 0 {
		t.Errorf("pending idle timers = %d, want 0", n)
	}
}

func TestSession_InitiativeZeroProbability(t *testing.T) {
	timing := initiativeTiming(10*time.Millisecond, 0)
	timing.InitiativeProbability = 0
	h := newHarness(t, timing, false)
	h.join(t, "room", "a")

	select {
	case trig := <-h.runs:
		t.Fatalf("initiative with zero probability: %+v", trig)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestSession_SlowConnectionDropped(t *testing.T) {
	h := newHarness(t, fastTiming(), false)
	s, conns := h.join(t, "room", "a", "b")

	conns[1].mu.Lock()
	conns[1].failSend = true
	conns[1].mu.Unlock()

	mustHandle(t, s, conns[0], `{"t":"cursor","x":0.2,"y":0.3,"ts":1}`)
	if s.ConnCount() != 1 {
		t.Errorf("ConnCount() = %d, want slow connection removed", s.ConnCount())
	}
	conns[1].mu.Lock()
	closed := conns[1].closed
	conns[1].mu.Unlock()
	if !closed {
		t.Error("slow connection should be closed")
	}
}

func TestSession_BroadcastAllIncludesEveryone(t *testing.T) {
	h := newHarness(t, fastTiming(), false)
	s, conns := h.join(t, "room", "a", "b")

	s.BroadcastAll([]byte(`{"t":"ai_stroke_end","id":"ai_x"}`))
	for _, c := range conns {
		if got := c.types(); got[len(got)-1] != protocol.TypeAIStrokeEnd {
			t.Errorf("%s frames = %v", c.id, got)
		}
	}
}

func TestRegistry_DestroyOnLastLeaveWhenIdle(t *testing.T) {
	h := newHarness(t, fastTiming(), false)
	s, conns := h.join(t, "room", "a", "b")

	h.reg.Leave(conns[0], s)
	if _, ok := h.reg.Get("room"); !ok {
		t.Fatal("session destroyed while a connection remains")
	}
	h.reg.Leave(conns[1], s)
	if _, ok := h.reg.Get("room"); ok {
		t.Fatal("idle session with no connections should be destroyed")
	}
	select {
	case <-s.Scheduler().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler not stopped")
	}

	s2, _ := h.join(t, "room", "c")
	if s2 == s {
		t.Error("rejoin should create a fresh session")
	}
}

func TestRegistry_DeferredDestroyWhileInFlight(t *testing.T) {
	h := newHarness(t, fastTiming(), true)
	s, conns := h.join(t, "room", "a")

	mustHandle(t, s, conns[0], `{"t":"prompt","text":"tree"}`)
	h.nextRun(t)

	h.reg.Leave(conns[0], s)
	if _, ok := h.reg.Get("room"); !ok {
		t.Fatal("session destroyed while generation in flight")
	}

	close(h.hold)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.reg.Get("room"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session not destroyed after scheduler went idle")
}

func TestRegistry_ClosedRejectsJoin(t *testing.T) {
	h := newHarness(t, fastTiming(), false)
	h.reg.Close()
	if _, err := h.reg.Join(newFakeConn("a"), "room"); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Join() after Close error = %v", err)
	}
}

// No client frame sequence ever opens a stroke in the ghost namespace or
// forwards a stroke_begin with a reserved id.
func TestSession_LayerDisjointness(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		reg := NewRegistry(context.Background(), RegistryConfig{
			Session: DefaultConfig(),
			Gate:    nopGate{},
			Timing:  scheduler.NewTimingSource(debounce.Config{Debounce: time.Hour}),
			Run:     func(context.Context, *Session, *models.Trigger) error { return nil },
		})
		defer reg.Close()

		sender, peer := newFakeConn("a"), newFakeConn("b")
		s, err := reg.Join(sender, "room")
		if err != nil {
			rt.Fatal(err)
		}
		if _, err := reg.Join(peer, "room"); err != nil {
			rt.Fatal(err)
		}

		ids := []string{"u_1", "u_2", "ai_1", "ai_0123456789", "ai_", "x"}
		layers := []string{"user", "ai", "ghost"}
		n := rapid.IntRange(1, 40).Draw(rt, "frames")
		for i := 0; i < n; i++ {
			id := rapid.SampledFrom(ids).Draw(rt, "id")
			var raw string
			switch rapid.IntRange(0, 2).Draw(rt, "kind") {
			case 0:
				layer := rapid.SampledFrom(layers).Draw(rt, "layer")
				raw = fmt.Sprintf(`{"t":"stroke_begin","id":%q,"layer":%q,"brush":"pen","ts":1}`, id, layer)
			case 1:
				raw = fmt.Sprintf(`{"t":"stroke_pts","id":%q,"pts":[[0.5,0.5,0.5,2]]}`, id)
			default:
				raw = fmt.Sprintf(`{"t":"stroke_end","id":%q,"ts":3}`, id)
			}
			_ = s.Handle(sender, []byte(raw))
		}

		s.mu.Lock()
		for id, st := range s.open {
			if protocol.IsReservedID(id) || st.Layer != models.LayerUser {
				rt.Fatalf("open stroke %q on layer %s", id, st.Layer)
			}
		}
		for _, st := range s.recent {
			if protocol.IsReservedID(st.ID) {
				rt.Fatalf("recent stroke %q in reserved namespace", st.ID)
			}
		}
		s.mu.Unlock()

		peer.mu.Lock()
		defer peer.mu.Unlock()
		for _, f := range peer.frames {
			var msg struct {
				T  string `json:"t"`
				ID string `json:"id"`
			}
			_ = json.Unmarshal(f, &msg)
			if strings.HasPrefix(msg.T, "stroke_") && protocol.IsReservedID(msg.ID) {
				rt.Fatalf("forwarded %s with reserved id %q", msg.T, msg.ID)
			}
		}
	})
}

type nopGate struct{}

func (nopGate) Request(context.Context, string, *models.Trigger, chan<- scheduler.Ticket) (scheduler.Ticket, bool, error) {
	return scheduler.Ticket{}, false, nil
}
func (nopGate) Replace(scheduler.Ticket, *models.Trigger) bool { return false }
func (nopGate) Cancel(scheduler.Ticket)                        {}
