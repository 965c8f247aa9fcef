package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/haasonsaas/codrawer/internal/debounce"
	"github.com/haasonsaas/codrawer/internal/scheduler"
	"github.com/haasonsaas/codrawer/pkg/models"
)

// ErrRegistryClosed is returned by Join after Close.
var ErrRegistryClosed = errors.New("session registry closed")

// Runner performs one admitted generation for a session.
type Runner func(ctx context.Context, s *Session, t *models.Trigger) error

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Session  Config
	Gate     scheduler.Gate
	Run      Runner
	Timing   *scheduler.TimingSource
	Logger   *slog.Logger
	Observer Observer
}

// Registry maps session ids to live sessions. Lock order is registry, then
// session.
type Registry struct {
	ctx    context.Context
	cfg    RegistryConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates a registry whose schedulers run under ctx.
func NewRegistry(ctx context.Context, cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timing == nil {
		cfg.Timing = scheduler.NewTimingSource(debounce.DefaultConfig())
	}
	return &Registry{
		ctx:      ctx,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "sessions"),
		sessions: make(map[string]*Session),
	}
}

// Join resolves or creates the session for sessionID, registers c and sends
// it the hello frame.
func (r *Registry) Join(c Conn, sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}

	s, ok := r.sessions[sessionID]
	if !ok {
		s = r.createLocked(sessionID)
	}
	if err := s.attach(c); err != nil {
		if !ok {
			r.destroyLocked(s)
		}
		return nil, err
	}
	r.logger.Debug("connection joined", "session", sessionID, "conn", c.ID())
	return s, nil
}

// Leave detaches c from s. The session is destroyed once it has no
// connections and its scheduler is idle; otherwise destruction waits until
// the scheduler reports idle.
func (r *Registry) Leave(c Conn, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := s.detach(c)
	r.logger.Debug("connection left", "session", s.id, "conn", c.ID(), "remaining", remaining)
	if remaining == 0 && s.sched.Idle() && r.sessions[s.id] == s {
		r.destroyLocked(s)
	}
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops every session. Joins after Close fail.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, s := range r.sessions {
		r.destroyLocked(s)
	}
}

func (r *Registry) createLocked(id string) *Session {
	s := newSession(id, r.cfg.Session, r.cfg.Timing, r.logger, r.cfg.Observer)
	var obs scheduler.Observer
	if r.cfg.Observer != nil {
		obs = r.cfg.Observer
	}
	s.sched = scheduler.New(scheduler.Config{
		SessionID: id,
		Gate:      r.cfg.Gate,
		Run: func(ctx context.Context, t *models.Trigger) error {
			return r.cfg.Run(ctx, s, t)
		},
		Timing:   r.cfg.Timing,
		Logger:   r.cfg.Logger,
		Observer: obs,
		OnIdle:   func() { r.reap(s) },
	})
	s.sched.Start(r.ctx)
	r.sessions[id] = s
	r.observeSessionsLocked()
	r.logger.Info("session created", "session", id)
	return s
}

// reap runs on the scheduler goroutine when it returns to idle.
func (r *Registry) reap(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.id] != s {
		return
	}
	if s.ConnCount() == 0 && s.sched.Idle() {
		r.destroyLocked(s)
	}
}

func (r *Registry) destroyLocked(s *Session) {
	s.shutdown()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
		r.observeSessionsLocked()
		r.logger.Info("session destroyed", "session", s.id)
	}
}

func (r *Registry) observeSessionsLocked() {
	if r.cfg.Observer != nil {
		r.cfg.Observer.ObserveSessions(len(r.sessions))
	}
}
