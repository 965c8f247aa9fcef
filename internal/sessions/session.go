// Package sessions tracks collaboration sessions and routes ink frames
// between the connections that share one.
package sessions

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/haasonsaas/codrawer/internal/debounce"
	"github.com/haasonsaas/codrawer/internal/protocol"
	"github.com/haasonsaas/codrawer/internal/scheduler"
	"github.com/haasonsaas/codrawer/pkg/models"
)

var (
	// ErrStrokeOpen is returned for stroke_begin on an id that is open.
	ErrStrokeOpen = errors.New("stroke already open")
	// ErrStrokeNotOpen is returned for stroke_pts or stroke_end on an id
	// that is unknown or closed.
	ErrStrokeNotOpen = errors.New("stroke not open")
	// ErrReservedID is returned when a client uses the ghost id namespace.
	ErrReservedID = errors.New("stroke id is reserved")
	// ErrLayerForbidden is returned when a client opens a non-user stroke.
	ErrLayerForbidden = errors.New("layer not allowed from clients")
)

// Conn is one transport connection. Send must not block; it returns an
// error when the connection cannot accept more frames.
type Conn interface {
	ID() string
	Send(data []byte) error
	Close()
}

// Observer receives router events. Implementations must not block.
type Observer interface {
	scheduler.Observer
	ObserveSessions(n int)
	ObserveFrame(frameType string, err error)
}

// Config holds per-session limits.
type Config struct {
	// RecentStrokes bounds the completed-stroke context.
	RecentStrokes int `yaml:"recent_strokes"`
	// MaxStrokePoints bounds how many points of one stroke are retained.
	MaxStrokePoints int `yaml:"max_stroke_points"`
	// ContextPoints bounds the points per stroke handed to generation.
	ContextPoints int `yaml:"context_points"`
}

// DefaultConfig returns the default session limits.
func DefaultConfig() Config {
	return Config{
		RecentStrokes:   8,
		MaxStrokePoints: 4096,
		ContextPoints:   256,
	}
}

// pauseMark is queued on the micro-pause debouncer, keyed by stroke id.
type pauseMark struct {
	stroke string
}

// idleMark is queued on the initiative debouncer on every user action.
type idleMark struct{}

const idleKey = "idle"

// Session is one collaboration room.
type Session struct {
	id     string
	cfg    Config
	timing *scheduler.TimingSource
	logger *slog.Logger
	obs    Observer

	sched  *scheduler.Scheduler
	pauses *debounce.Debouncer[pauseMark]
	idle   *debounce.Debouncer[idleMark]

	mu             sync.Mutex
	conns          map[string]Conn
	open           map[string]*models.Stroke
	recent         []*models.Stroke
	cursor         *models.XY
	memory         models.Memory
	lastInitiative time.Time
	closed         bool
}

func newSession(id string, cfg Config, timing *scheduler.TimingSource, logger *slog.Logger, obs Observer) *Session {
	s := &Session{
		id:     id,
		cfg:    cfg,
		timing: timing,
		logger: logger.With("session", id),
		obs:    obs,
		conns:  make(map[string]Conn),
		open:   make(map[string]*models.Stroke),
	}
	s.pauses = debounce.NewDebouncer(
		debounce.WithBuildKey(func(m *pauseMark) string { return m.stroke }),
		debounce.WithMaxItems[pauseMark](1),
		debounce.WithDelayFunc[pauseMark](func() time.Duration { return timing.Load().MicroPause }),
		debounce.WithOnFlush(func(id string, _ []*pauseMark) { s.microPause(id) }),
	)
	s.idle = debounce.NewDebouncer(
		debounce.WithBuildKey(func(*idleMark) string { return idleKey }),
		debounce.WithMaxItems[idleMark](1),
		debounce.WithDelayFunc[idleMark](func() time.Duration { return timing.Load().InitiativeIdle }),
		debounce.WithOnFlush(func(string, []*idleMark) { s.initiative() }),
	)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Scheduler returns the session's trigger scheduler.
func (s *Session) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// ConnCount returns the number of attached connections.
func (s *Session) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Recent returns a copy of the completed-stroke context, oldest first.
func (s *Session) Recent() []*models.Stroke {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentLocked()
}

// Memory returns a copy of the session's recent prompts and plans.
func (s *Session) Memory() models.Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory.Clone()
}

// RecordPlan remembers a plan the agent announced. Blank plans are ignored.
func (s *Session) RecordPlan(plan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory.RecentPlans = models.Remember(s.memory.RecentPlans, plan)
}

func (s *Session) recentLocked() []*models.Stroke {
	out := make([]*models.Stroke, len(s.recent))
	for i, st := range s.recent {
		out[i] = st.Clone()
	}
	return out
}

// Handle applies one inbound frame from c. The returned error wraps a
// protocol or router sentinel; the frame has been dropped when it is set.
func (s *Session) Handle(c Conn, raw []byte) error {
	f, err := protocol.Decode(raw)
	if err != nil {
		s.observeFrame("invalid", err)
		return err
	}

	var trig *models.Trigger
	switch f.Type {
	case protocol.TypeStrokeBegin:
		err = s.strokeBegin(c, f)
	case protocol.TypeStrokePts:
		err = s.strokePts(c, f)
	case protocol.TypeStrokeEnd:
		trig, err = s.strokeEnd(c, f)
	case protocol.TypeCursor:
		s.cursorMoved(c, f)
	case protocol.TypePrompt:
		trig = s.prompt(f)
	}
	s.observeFrame(f.Type, err)
	if err != nil {
		return fmt.Errorf("%s: %w", f.Type, err)
	}
	if trig != nil && s.sched != nil {
		s.sched.Submit(trig)
	}
	s.noteActivity(f)
	return nil
}

// noteActivity restarts the quiet periods a handled frame interrupts. It
// runs without the session lock, since a zero delay flushes synchronously.
func (s *Session) noteActivity(f *protocol.Frame) {
	cfg := s.timing.Load()
	if f.Type == protocol.TypeStrokePts && cfg.MicroPause > 0 {
		s.pauses.Enqueue(&pauseMark{stroke: f.StrokePts.ID})
	}
	if cfg.InitiativeIdle > 0 {
		s.idle.Enqueue(&idleMark{})
	}
}

func (s *Session) observeFrame(typ string, err error) {
	if s.obs != nil {
		s.obs.ObserveFrame(typ, err)
	}
}

func (s *Session) strokeBegin(c Conn, f *protocol.Frame) error {
	msg := f.StrokeBegin
	if msg.Layer != string(models.LayerUser) {
		return fmt.Errorf("%w: %q", ErrLayerForbidden, msg.Layer)
	}
	if protocol.IsReservedID(msg.ID) {
		return fmt.Errorf("%w: %q", ErrReservedID, msg.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[msg.ID]; ok {
		return fmt.Errorf("%w: %q", ErrStrokeOpen, msg.ID)
	}
	s.open[msg.ID] = &models.Stroke{
		ID:    msg.ID,
		Layer: models.LayerUser,
		Brush: msg.Brush,
		Color: msg.Color,
	}
	s.broadcastLocked(c, f.Raw)
	return nil
}

func (s *Session) strokePts(c Conn, f *protocol.Frame) error {
	msg := f.StrokePts
	for i := range msg.Pts {
		msg.Pts[i] = protocol.Point(protocol.ClampPoint(models.Point(msg.Pts[i])))
	}
	out, err := protocol.Encode(protocol.StrokePts{T: protocol.TypeStrokePts, ID: msg.ID, Pts: msg.Pts})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.open[msg.ID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrStrokeNotOpen, msg.ID)
	}
	room := s.cfg.MaxStrokePoints - len(st.Points)
	for i := 0; i < len(msg.Pts) && (s.cfg.MaxStrokePoints <= 0 || i < room); i++ {
		st.Points = append(st.Points, models.Point(msg.Pts[i]))
	}
	s.broadcastLocked(c, out)
	return nil
}

func (s *Session) strokeEnd(c Conn, f *protocol.Frame) (*models.Trigger, error) {
	msg := f.StrokeEnd

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.open[msg.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStrokeNotOpen, msg.ID)
	}
	delete(s.open, msg.ID)
	s.pauses.Drop(msg.ID)
	st.Closed = true
	s.recent = append(s.recent, st)
	if n := s.cfg.RecentStrokes; n > 0 && len(s.recent) > n {
		s.recent = append([]*models.Stroke(nil), s.recent[len(s.recent)-n:]...)
	}
	s.broadcastLocked(c, f.Raw)

	return s.continueTriggerLocked(models.TriggerContinue, st), nil
}

func (s *Session) cursorMoved(c Conn, f *protocol.Frame) {
	msg := f.Cursor

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = &models.XY{X: protocol.Clamp01(msg.X), Y: protocol.Clamp01(msg.Y)}
	s.broadcastLocked(c, f.Raw)
}

func (s *Session) prompt(f *protocol.Frame) *models.Trigger {
	msg := f.Prompt
	mode := models.ModeDraw
	if msg.Mode != "" {
		mode = models.Mode(msg.Mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t := &models.Trigger{
		SessionID: s.id,
		Kind:      models.TriggerPrompt,
		Mode:      mode,
		Text:      msg.Text,
		Recent:    s.recentLocked(),
		Memory:    s.memory.Clone(),
		CreatedAt: time.Now(),
	}
	s.memory.RecentPrompts = models.Remember(s.memory.RecentPrompts, msg.Text)
	switch {
	case msg.X != nil && msg.Y != nil:
		t.Anchor = models.XY{X: protocol.Clamp01(*msg.X), Y: protocol.Clamp01(*msg.Y)}
		t.AnchorSource = models.AnchorExplicit
	case s.cursor != nil:
		t.Anchor = *s.cursor
		t.AnchorSource = models.AnchorCursor
	default:
		t.Anchor = models.Centroid(s.recent)
		t.AnchorSource = models.AnchorCentroid
	}
	if n := len(s.recent); n > 0 {
		t.Stroke = s.recent[n-1].Clone()
	}
	return t
}

// continueTriggerLocked builds an implicit trigger continuing from st.
func (s *Session) continueTriggerLocked(kind models.TriggerKind, st *models.Stroke) *models.Trigger {
	t := &models.Trigger{
		SessionID: s.id,
		Kind:      kind,
		Mode:      models.ModeAuto,
		Stroke:    st.Clone(),
		Recent:    s.recentLocked(),
		Memory:    s.memory.Clone(),
		CreatedAt: time.Now(),
	}
	if n := len(st.Points); n > 0 {
		last := st.Points[n-1]
		t.Anchor = models.XY{X: last.X, Y: last.Y}
		t.AnchorSource = models.AnchorStroke
	} else {
		t.Anchor = models.Centroid(s.recent)
		t.AnchorSource = models.AnchorCentroid
	}
	return t
}

// microPause continues an open stroke whose points stopped arriving.
func (s *Session) microPause(id string) {
	s.mu.Lock()
	st, ok := s.open[id]
	if !ok || len(st.Points) == 0 || s.closed {
		s.mu.Unlock()
		return
	}
	t := s.continueTriggerLocked(models.TriggerPause, st)
	s.mu.Unlock()

	s.logger.Debug("micro-pause trigger", "stroke", id, "points", len(t.Stroke.Points))
	if s.sched != nil {
		s.sched.Submit(t)
	}
}

// initiative runs once the session has been quiet for InitiativeIdle. It
// submits an unprompted drawing when none ran within InitiativeMinInterval,
// then re-arms itself while connections remain.
func (s *Session) initiative() {
	cfg := s.timing.Load()
	if cfg.InitiativeIdle <= 0 {
		return
	}

	s.mu.Lock()
	if s.closed || len(s.conns) == 0 {
		s.mu.Unlock()
		return
	}
	var t *models.Trigger
	now := time.Now()
	if now.Sub(s.lastInitiative) >= cfg.InitiativeMinInterval && rand.Float64() < cfg.InitiativeProbability {
		s.lastInitiative = now
		t = s.initiativeTriggerLocked(cfg.InitiativePrompt, now)
	}
	s.mu.Unlock()

	if t != nil {
		s.logger.Debug("initiative trigger", "anchor", t.AnchorSource)
		if s.sched != nil {
			s.sched.Submit(t)
		}
	}
	s.idle.Enqueue(&idleMark{})
}

// initiativeTriggerLocked builds the prompt the agent gives itself, anchored
// at the last cursor or the canvas center.
func (s *Session) initiativeTriggerLocked(text string, now time.Time) *models.Trigger {
	if text == "" {
		text = debounce.DefaultInitiativePrompt
	}
	t := &models.Trigger{
		SessionID:    s.id,
		Kind:         models.TriggerPrompt,
		Mode:         models.ModeDraw,
		Text:         text,
		Anchor:       models.XY{X: 0.5, Y: 0.5},
		AnchorSource: models.AnchorCenter,
		Recent:       s.recentLocked(),
		Memory:       s.memory.Clone(),
		Initiative:   true,
		CreatedAt:    now,
	}
	if s.cursor != nil {
		t.Anchor = *s.cursor
		t.AnchorSource = models.AnchorCursor
	}
	if n := len(s.recent); n > 0 {
		t.Stroke = s.recent[n-1].Clone()
	}
	return t
}

// broadcastLocked sends data to every connection except from.
func (s *Session) broadcastLocked(from Conn, data []byte) {
	for id, c := range s.conns {
		if from != nil && id == from.ID() {
			continue
		}
		s.sendLocked(c, data)
	}
}

func (s *Session) sendLocked(c Conn, data []byte) {
	if err := c.Send(data); err != nil {
		s.logger.Warn("dropping slow connection", "conn", c.ID(), "error", err)
		delete(s.conns, c.ID())
		c.Close()
	}
}

// BroadcastAll sends data to every connection in the session.
func (s *Session) BroadcastAll(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastLocked(nil, data)
}

// attach registers c and greets it before any other frame can reach it. A
// join counts as activity for the initiative idle period.
func (s *Session) attach(c Conn) error {
	hello, err := protocol.Encode(protocol.NewHello(s.id))
	if err != nil {
		return err
	}

	s.mu.Lock()
	if err := c.Send(hello); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("send hello: %w", err)
	}
	s.conns[c.ID()] = c
	s.mu.Unlock()

	if s.timing.Load().InitiativeIdle > 0 {
		s.idle.Enqueue(&idleMark{})
	}
	return nil
}

// detach removes c and returns the remaining connection count. When the
// last connection leaves, pending micro-pause and initiative timers are
// cancelled.
func (s *Session) detach(c Conn) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.ID())
	if len(s.conns) == 0 {
		s.pauses.DropAll()
		s.idle.DropAll()
	}
	return len(s.conns)
}

// shutdown stops all timers and the scheduler. It does not wait.
func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.pauses.Stop()
	s.idle.Stop()
	s.mu.Unlock()
	if s.sched != nil {
		s.sched.Stop()
	}
}
