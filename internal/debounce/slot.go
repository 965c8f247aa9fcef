// Package debounce provides single-slot coalescing, keyed quiet-period
// flushing and debounce delay resolution for trigger scheduling.
package debounce

import (
	"sync"
	"time"
)

// Config holds the debounce delays of a trigger scheduler.
type Config struct {
	// Debounce is the quiet period before a fresh trigger is admitted.
	Debounce time.Duration `yaml:"debounce"`

	// RequeueDebounce is the shorter quiet period used when a trigger was
	// queued while a generation was in flight.
	RequeueDebounce time.Duration `yaml:"requeue_debounce"`

	// MicroPause starts a trigger when an open stroke stops receiving
	// points for this long. Zero disables it.
	MicroPause time.Duration `yaml:"micro_pause"`

	// InitiativeIdle starts an unprompted drawing once every connection of a
	// session has been quiet for this long. Zero disables it.
	InitiativeIdle time.Duration `yaml:"initiative_idle"`
	// InitiativeMinInterval is the minimum gap between two unprompted
	// drawings of one session.
	InitiativeMinInterval time.Duration `yaml:"initiative_min_interval"`
	// InitiativeProbability is the chance that an idle check draws.
	InitiativeProbability float64 `yaml:"initiative_probability"`
	// InitiativePrompt is the instruction sent with an unprompted drawing.
	InitiativePrompt string `yaml:"initiative_prompt"`
}

// DefaultConfig returns the default debounce delays.
func DefaultConfig() Config {
	return Config{
		Debounce:        250 * time.Millisecond,
		RequeueDebounce: 100 * time.Millisecond,

		InitiativeMinInterval: 20 * time.Second,
		InitiativeProbability: 1,
		InitiativePrompt:      DefaultInitiativePrompt,
	}
}

// DefaultInitiativePrompt invites a small addition to the scene.
const DefaultInitiativePrompt = "Add one small, tasteful touch that complements the drawing so far."

// Resolve returns the requeue delay for a requeued trigger and the base
// delay otherwise. Zero means no quiet period; negative values resolve to 0.
func Resolve(cfg Config, requeue bool) time.Duration {
	d := cfg.Debounce
	if requeue {
		d = cfg.RequeueDebounce
	}
	return max(d, 0)
}

// Slot holds at most one pending value. A newer value overwrites the older
// one instead of queuing behind it.
type Slot[T any] struct {
	mu       sync.Mutex
	val      T
	full     bool
	replaced uint64
}

// Put stores v, reporting whether it replaced a pending value.
func (s *Slot[T]) Put(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasFull := s.full
	s.val = v
	s.full = true
	if wasFull {
		s.replaced++
	}
	return wasFull
}

// Take removes and returns the pending value.
func (s *Slot[T]) Take() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if !s.full {
		return zero, false
	}
	v := s.val
	s.val = zero
	s.full = false
	return v, true
}

// Peek returns the pending value without removing it.
func (s *Slot[T]) Peek() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val, s.full
}

// Pending reports whether a value is waiting.
func (s *Slot[T]) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.full
}

// Clear drops any pending value.
func (s *Slot[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	s.val = zero
	s.full = false
}

// Replaced returns how many values were overwritten before being taken.
func (s *Slot[T]) Replaced() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}
