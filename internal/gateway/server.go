// Package gateway serves the ink router over HTTP and WebSocket and wires the
// session registry to the rate gate, the generation adapter and the ghost
// emitter.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/codrawer/internal/config"
	"github.com/haasonsaas/codrawer/internal/discovery"
	"github.com/haasonsaas/codrawer/internal/generation"
	"github.com/haasonsaas/codrawer/internal/ghost"
	"github.com/haasonsaas/codrawer/internal/observability"
	"github.com/haasonsaas/codrawer/internal/ratelimit"
	"github.com/haasonsaas/codrawer/internal/scheduler"
	"github.com/haasonsaas/codrawer/internal/sessions"
	"github.com/haasonsaas/codrawer/pkg/models"
)

// Options configures a Server.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	// Levels is adjusted when a reloaded config changes logging.level.
	Levels  *slog.LevelVar
	Metrics *observability.Metrics
	Tracer  trace.Tracer
	// Backend overrides the backend built from Config.Generation.
	Backend generation.Backend
}

// Server is the ink router.
type Server struct {
	config  *config.Config
	logger  *slog.Logger
	levels  *slog.LevelVar
	metrics *observability.Metrics

	gate     *ratelimit.Gate[*models.Trigger]
	timing   *scheduler.TimingSource
	registry *sessions.Registry
	adapter  *generation.Adapter
	emitter  *ghost.Emitter
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conns      map[*wsConn]struct{}
	httpServer *http.Server
	advertiser *discovery.Advertiser
	handlers   sync.WaitGroup
	startOnce  sync.Once
}

// New builds a server from opts. Nothing runs until Serve or Start.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = generation.New(cfg.Generation, logger)
		if err != nil {
			return nil, fmt.Errorf("generation backend: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		logger:  logger.With("component", "gateway"),
		levels:  opts.Levels,
		metrics: metrics,
		timing:  scheduler.NewTimingSource(cfg.Scheduler),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*wsConn]struct{}),
	}
	s.gate = ratelimit.NewGate[*models.Trigger](cfg.Gate.MinModelInterval,
		ratelimit.WithGateLogger(logger),
		ratelimit.WithGateObserver(metrics.Gate()),
	)
	s.adapter = generation.NewAdapter(generation.AdapterConfig{
		Backend:       backend,
		Timeout:       cfg.Generation.Timeout,
		ContextPoints: cfg.Session.ContextPoints,
		Agent:         cfg.Generation.Agent,
		Logger:        logger,
		Tracer:        opts.Tracer,
		Observer:      metrics,
	})
	s.emitter = ghost.NewEmitter(cfg.Generation.EmitBatchPoints,
		ghost.WithLogger(logger),
		ghost.WithSay(cfg.Generation.Agent.Chattiness > 0),
	)
	s.registry = sessions.NewRegistry(ctx, sessions.RegistryConfig{
		Session:  cfg.Session,
		Gate:     s.gate,
		Run:      s.generate,
		Timing:   s.timing,
		Logger:   logger,
		Observer: metrics,
	})
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Registry returns the session registry.
func (s *Server) Registry() *sessions.Registry {
	return s.registry
}

// Backend returns the name of the generation backend in use.
func (s *Server) Backend() string {
	return s.adapter.Backend()
}

// ApplyConfig applies the tunables of cfg that are safe to change while
// running: the gate interval, the scheduler delays and the log level.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.gate.SetInterval(cfg.Gate.MinModelInterval)
	s.timing.Store(cfg.Scheduler)
	if s.levels != nil {
		s.levels.Set(observability.LogLevelFromString(cfg.Logging.Level))
	}
	s.logger.Info("live settings applied",
		"min_model_interval", cfg.Gate.MinModelInterval,
		"debounce", cfg.Scheduler.Debounce,
		"requeue_debounce", cfg.Scheduler.RequeueDebounce,
		"micro_pause", cfg.Scheduler.MicroPause,
		"initiative_idle", cfg.Scheduler.InitiativeIdle,
		"log_level", cfg.Logging.Level,
	)
}

// generate runs one admitted trigger through the adapter and the emitter.
// Nothing is broadcast unless the whole generation succeeds.
func (s *Server) generate(ctx context.Context, sess *sessions.Session, t *models.Trigger) error {
	chunks := s.adapter.Generate(ctx, t)
	sum, err := s.emitter.Emit(ctx, sess, t, chunks)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("session %s: %w", sess.ID(), err)
	}
	sess.RecordPlan(sum.Plan)
	s.logger.Info("generation finished",
		"session", sess.ID(),
		"kind", t.Kind,
		"strokes", sum.Strokes,
		"points", sum.Points,
		"frames", sum.Frames,
	)
	return nil
}
