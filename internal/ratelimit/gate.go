package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrGateClosed is returned when the gate's owner goroutine has exited.
var ErrGateClosed = errors.New("rate gate closed")

// grantRetry is how long the head of the queue waits before its grant is
// offered again to a receiver that was not ready.
const grantRetry = 10 * time.Millisecond

// Ticket is one admission, or one queued request awaiting admission. ID
// identifies the request to Replace and Cancel.
type Ticket[T any] struct {
	ID        uint64
	SessionID string
	Payload   T
	Requested time.Time
	Granted   time.Time
}

// Waited returns the time spent between request and grant.
func (t Ticket[T]) Waited() time.Duration {
	if t.Granted.IsZero() {
		return 0
	}
	return t.Granted.Sub(t.Requested)
}

// GateStats is a snapshot of gate state.
type GateStats struct {
	Waiting   int
	Granted   uint64
	Coalesced uint64
	Interval  time.Duration
	LastGrant time.Time
}

// GateObserver receives gate events. Implementations must not block.
type GateObserver interface {
	ObserveGrant(wait time.Duration)
	ObserveWaiting(n int)
	ObserveCoalesced()
}

// GateOption configures a Gate.
type GateOption func(*gateOptions)

type gateOptions struct {
	logger   *slog.Logger
	observer GateObserver
}

// WithGateLogger sets the gate's logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(o *gateOptions) {
		o.logger = logger
	}
}

// WithGateObserver attaches an observer for grants and queue depth.
func WithGateObserver(obs GateObserver) GateOption {
	return func(o *gateOptions) {
		o.observer = obs
	}
}

type gateRequest[T any] struct {
	sessionID string
	payload   T
	grants    chan<- Ticket[T]
	reply     chan gateReply[T]
}

type gateReply[T any] struct {
	ticket  Ticket[T]
	granted bool
}

type gateReplace[T any] struct {
	ticket  Ticket[T]
	payload T
	reply   chan bool
}

type waiter[T any] struct {
	ticket   Ticket[T]
	grants   chan<- Ticket[T]
	deferred bool
}

// Gate admits at most one call per interval across every session. It never
// rejects: requests wait in arrival order, and a session holds at most one
// waiting request. All state is owned by the goroutine running Run; other
// goroutines reach it only through channels.
type Gate[T any] struct {
	requests  chan gateRequest[T]
	replaces  chan gateReplace[T]
	cancels   chan Ticket[T]
	intervals chan time.Duration
	stats     chan chan GateStats
	done      chan struct{}
	closeOnce sync.Once

	initial  time.Duration
	logger   *slog.Logger
	observer GateObserver
}

// NewGate creates a gate with the given minimum interval between grants.
// Call Run to start it.
func NewGate[T any](interval time.Duration, opts ...GateOption) *Gate[T] {
	o := gateOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if interval < 0 {
		interval = 0
	}
	return &Gate[T]{
		requests:  make(chan gateRequest[T]),
		replaces:  make(chan gateReplace[T]),
		cancels:   make(chan Ticket[T]),
		intervals: make(chan time.Duration),
		stats:     make(chan chan GateStats),
		done:      make(chan struct{}),
		initial:   interval,
		logger:    o.logger.With("component", "rate_gate"),
		observer:  o.observer,
	}
}

// Request asks for a slot on behalf of sessionID. When the gate is free the
// ticket is granted immediately and returned with granted=true. Otherwise the
// request is queued and the grant is later sent, without blocking, on grants,
// which should have capacity for one ticket. A grant the receiver cannot take
// stays at the head of the queue and is offered again. A repeat request from
// the same session and grants channel replaces the waiting payload and keeps
// its place; a request from a new grants channel takes over the place under
// a new ticket ID.
func (g *Gate[T]) Request(ctx context.Context, sessionID string, payload T, grants chan<- Ticket[T]) (Ticket[T], bool, error) {
	req := gateRequest[T]{
		sessionID: sessionID,
		payload:   payload,
		grants:    grants,
		reply:     make(chan gateReply[T], 1),
	}
	select {
	case g.requests <- req:
	case <-g.done:
		return Ticket[T]{}, false, ErrGateClosed
	case <-ctx.Done():
		return Ticket[T]{}, false, ctx.Err()
	}
	rep := <-req.reply
	return rep.ticket, rep.granted, nil
}

// Replace swaps the payload of the waiting request identified by t. It
// reports false when that request is no longer waiting, for example because
// its grant is already on the way. Replace never enqueues.
func (g *Gate[T]) Replace(t Ticket[T], payload T) bool {
	rep := gateReplace[T]{ticket: t, payload: payload, reply: make(chan bool, 1)}
	select {
	case g.replaces <- rep:
	case <-g.done:
		return false
	}
	return <-rep.reply
}

// Cancel drops the waiting request identified by t, if it is still queued.
// Requests from other requesters for the same session are left alone.
func (g *Gate[T]) Cancel(t Ticket[T]) {
	select {
	case g.cancels <- t:
	case <-g.done:
	}
}

// SetInterval changes the minimum interval between grants.
func (g *Gate[T]) SetInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	select {
	case g.intervals <- d:
	case <-g.done:
	}
}

// Stats returns a snapshot of the gate. A stopped gate returns zero stats.
func (g *Gate[T]) Stats() GateStats {
	ch := make(chan GateStats, 1)
	select {
	case g.stats <- ch:
	case <-g.done:
		return GateStats{}
	}
	return <-ch
}

// Done is closed when Run returns.
func (g *Gate[T]) Done() <-chan struct{} {
	return g.done
}

// Run owns the gate state until ctx is cancelled.
func (g *Gate[T]) Run(ctx context.Context) error {
	defer g.closeOnce.Do(func() { close(g.done) })

	var (
		interval  = g.initial
		queue     []*waiter[T]
		index     = make(map[string]*waiter[T])
		lastGrant time.Time
		retryAt   time.Time
		nextID    uint64
		granted   uint64
		coalesced uint64
	)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	due := func(now time.Time) time.Duration {
		if lastGrant.IsZero() {
			return 0
		}
		return lastGrant.Add(interval).Sub(now)
	}

	commit := func(t Ticket[T]) {
		lastGrant = t.Granted
		granted++
		if g.observer != nil {
			g.observer.ObserveGrant(t.Waited())
		}
	}

	removeAt := func(i int) {
		delete(index, queue[i].ticket.SessionID)
		queue = append(queue[:i], queue[i+1:]...)
		if g.observer != nil {
			g.observer.ObserveWaiting(len(queue))
		}
	}

	for {
		var timerC <-chan time.Time
		if len(queue) > 0 {
			now := time.Now()
			wait := max(due(now), retryAt.Sub(now))
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-g.requests:
			now := time.Now()
			if w, ok := index[req.sessionID]; ok {
				w.ticket.Payload = req.payload
				if w.grants != req.grants {
					nextID++
					w.ticket.ID = nextID
					w.grants = req.grants
					w.deferred = false
					g.logger.Debug("admission taken over", "session", req.sessionID, "ticket", w.ticket.ID)
				} else {
					coalesced++
					if g.observer != nil {
						g.observer.ObserveCoalesced()
					}
				}
				req.reply <- gateReply[T]{ticket: w.ticket}
				continue
			}
			nextID++
			w := &waiter[T]{
				ticket: Ticket[T]{ID: nextID, SessionID: req.sessionID, Payload: req.payload, Requested: now},
				grants: req.grants,
			}
			if len(queue) == 0 && due(now) <= 0 {
				t := w.ticket
				t.Granted = now
				commit(t)
				req.reply <- gateReply[T]{ticket: t, granted: true}
				continue
			}
			queue = append(queue, w)
			index[req.sessionID] = w
			if g.observer != nil {
				g.observer.ObserveWaiting(len(queue))
			}
			g.logger.Debug("admission queued", "session", req.sessionID, "waiting", len(queue))
			req.reply <- gateReply[T]{ticket: w.ticket}

		case rep := <-g.replaces:
			w, ok := index[rep.ticket.SessionID]
			ok = ok && w.ticket.ID == rep.ticket.ID
			if ok {
				w.ticket.Payload = rep.payload
				coalesced++
				if g.observer != nil {
					g.observer.ObserveCoalesced()
				}
			}
			rep.reply <- ok

		case t := <-g.cancels:
			for i, w := range queue {
				if w.ticket.ID == t.ID {
					if i == 0 {
						retryAt = time.Time{}
					}
					removeAt(i)
					break
				}
			}

		case d := <-g.intervals:
			interval = d

		case ch := <-g.stats:
			ch <- GateStats{
				Waiting:   len(queue),
				Granted:   granted,
				Coalesced: coalesced,
				Interval:  interval,
				LastGrant: lastGrant,
			}

		case <-timerC:
			now := time.Now()
			if len(queue) == 0 || due(now) > 0 || now.Before(retryAt) {
				continue
			}
			w := queue[0]
			if w.grants == nil {
				removeAt(0)
				g.logger.Warn("admission dropped: no grants channel", "session", w.ticket.SessionID)
				continue
			}
			t := w.ticket
			t.Granted = now
			select {
			case w.grants <- t:
				removeAt(0)
				commit(t)
				retryAt = time.Time{}
			default:
				retryAt = now.Add(grantRetry)
				if !w.deferred {
					w.deferred = true
					g.logger.Warn("grant deferred: receiver not ready", "session", t.SessionID, "ticket", t.ID)
				}
			}
		}
	}
}
