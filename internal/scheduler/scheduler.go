// Package scheduler turns bursts of drawing activity into single generation
// requests. One Scheduler runs per session.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/codrawer/internal/debounce"
	"github.com/haasonsaas/codrawer/internal/ratelimit"
	"github.com/haasonsaas/codrawer/pkg/models"
)

// State is the scheduler's position in its cycle.
type State int32

const (
	Idle State = iota
	Debouncing
	WaitingForSlot
	InFlight
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Debouncing:
		return "debouncing"
	case WaitingForSlot:
		return "waiting_for_slot"
	case InFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Ticket is a gate admission carrying a trigger.
type Ticket = ratelimit.Ticket[*models.Trigger]

// Gate is the admission control the scheduler requests slots from.
type Gate interface {
	Request(ctx context.Context, sessionID string, t *models.Trigger, grants chan<- Ticket) (Ticket, bool, error)
	Replace(waiting Ticket, t *models.Trigger) bool
	Cancel(waiting Ticket)
}

// Runner performs one admitted generation. It must return once the
// generation has finished or failed.
type Runner func(ctx context.Context, t *models.Trigger) error

// Observer receives scheduler events. Implementations must not block.
type Observer interface {
	ObserveTransition(from, to string)
	ObserveCoalesced()
	ObserveCycle(elapsed time.Duration, err error)
}

// TimingSource holds debounce delays that may change while schedulers run.
type TimingSource struct {
	p atomic.Pointer[debounce.Config]
}

// NewTimingSource creates a source holding cfg.
func NewTimingSource(cfg debounce.Config) *TimingSource {
	s := &TimingSource{}
	s.Store(cfg)
	return s
}

// Load returns the current delays.
func (s *TimingSource) Load() debounce.Config {
	if s == nil {
		return debounce.DefaultConfig()
	}
	if cfg := s.p.Load(); cfg != nil {
		return *cfg
	}
	return debounce.DefaultConfig()
}

// Store replaces the delays. Running schedulers pick them up on their next
// timer start.
func (s *TimingSource) Store(cfg debounce.Config) {
	s.p.Store(&cfg)
}

// Config configures a Scheduler.
type Config struct {
	SessionID string
	Gate      Gate
	Run       Runner
	Timing    *TimingSource
	Logger    *slog.Logger
	Observer  Observer

	// OnIdle is called from the scheduler goroutine whenever the scheduler
	// returns to Idle with nothing pending.
	OnIdle func()
}

// Scheduler is the per-session trigger state machine. Submit may be called
// from any goroutine; everything else happens on the scheduler goroutine.
type Scheduler struct {
	id       string
	gate     Gate
	run      Runner
	timing   *TimingSource
	logger   *slog.Logger
	observer Observer
	onIdle   func()

	state    atomic.Int32
	slot     debounce.Slot[*models.Trigger]
	lastCall atomic.Int64
	requests atomic.Uint64

	wake    chan struct{}
	grants  chan Ticket
	results chan error

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a scheduler. Call Start to run it.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		id:       cfg.SessionID,
		gate:     cfg.Gate,
		run:      cfg.Run,
		timing:   cfg.Timing,
		logger:   logger.With("component", "scheduler", "session", cfg.SessionID),
		observer: cfg.Observer,
		onIdle:   cfg.OnIdle,
		wake:     make(chan struct{}, 1),
		grants:   make(chan Ticket, 1),
		results:  make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the scheduler goroutine. Subsequent calls do nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.loop(ctx)
	})
}

// Stop cancels the scheduler and its in-flight generation. It does not wait;
// use Done for that.
func (s *Scheduler) Stop() {
	s.startOnce.Do(func() {
		close(s.done)
	})
	if s.cancel != nil {
		s.cancel()
	}
}

// Done is closed once the scheduler goroutine has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Submit offers a trigger. It overwrites any trigger that has not yet been
// admitted.
func (s *Scheduler) Submit(t *models.Trigger) {
	if t == nil {
		return
	}
	if s.slot.Put(t) && s.observer != nil {
		s.observer.ObserveCoalesced()
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// State returns the current state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Idle reports whether the scheduler is idle with no trigger pending.
func (s *Scheduler) Idle() bool {
	return s.State() == Idle && !s.slot.Pending()
}

// LastCall returns when the last successful generation was admitted.
func (s *Scheduler) LastCall() time.Time {
	ns := s.lastCall.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Requests returns how many admission requests were sent to the gate.
func (s *Scheduler) Requests() uint64 {
	return s.requests.Load()
}

func (s *Scheduler) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.logger.Debug("scheduler transition", "from", from.String(), "to", to.String())
	if s.observer != nil {
		s.observer.ObserveTransition(from.String(), to.String())
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var (
		timerC  <-chan time.Time
		started time.Time
		granted time.Time
		waiting Ticket
		queued  bool
	)

	arm := func(requeue bool) {
		s.setState(Debouncing)
		timer.Reset(debounce.Resolve(s.timing.Load(), requeue))
		timerC = timer.C
	}

	toIdle := func() {
		s.setState(Idle)
		// A trigger may have landed between the last check and the state
		// change; its wake signal is still queued and will re-arm the timer.
		if !s.slot.Pending() && s.onIdle != nil {
			s.onIdle()
		}
	}

	launch := func(tk Ticket) {
		waiting, queued = Ticket{}, false
		if t, ok := s.slot.Take(); ok {
			tk.Payload = t
		}
		s.setState(InFlight)
		started = time.Now()
		granted = tk.Granted
		s.logger.Info("generation admitted", "kind", tk.Payload.Kind, "waited_ms", tk.Waited().Milliseconds())
		go func(t *models.Trigger) {
			s.results <- s.run(ctx, t)
		}(tk.Payload)
	}

	for {
		select {
		case <-ctx.Done():
			if queued {
				s.gate.Cancel(waiting)
			}
			return

		case <-s.wake:
			switch s.State() {
			case Idle, Debouncing:
				if s.slot.Pending() {
					arm(false)
				}
			case WaitingForSlot:
				if t, ok := s.slot.Peek(); ok {
					s.gate.Replace(waiting, t)
				}
			case InFlight:
				// Held in the slot for the next cycle.
			}

		case <-timerC:
			timerC = nil
			t, ok := s.slot.Take()
			if !ok {
				toIdle()
				continue
			}
			s.requests.Add(1)
			tk, ok, err := s.gate.Request(ctx, s.id, t, s.grants)
			if err != nil {
				s.logger.Warn("admission request failed", "error", err)
				toIdle()
				continue
			}
			if ok {
				launch(tk)
			} else {
				waiting, queued = tk, true
				s.setState(WaitingForSlot)
			}

		case tk := <-s.grants:
			if s.State() != WaitingForSlot || tk.ID != waiting.ID {
				s.logger.Warn("unexpected grant", "state", s.State().String(), "ticket", tk.ID)
				continue
			}
			launch(tk)

		case err := <-s.results:
			elapsed := time.Since(started)
			if s.observer != nil {
				s.observer.ObserveCycle(elapsed, err)
			}
			if err != nil {
				s.logger.Warn("generation failed", "error", err, "elapsed_ms", elapsed.Milliseconds())
			} else {
				s.lastCall.Store(granted.UnixNano())
				s.logger.Debug("generation finished", "elapsed_ms", elapsed.Milliseconds())
			}
			if s.slot.Pending() {
				arm(true)
			} else {
				toIdle()
			}
		}
	}
}
