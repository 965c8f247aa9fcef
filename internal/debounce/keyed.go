package debounce

import (
	"sync"
	"time"
)

type keyedBuffer[T any] struct {
	items []*T
	timer *time.Timer
	// seq identifies the armed timer; a timer whose seq no longer matches
	// was superseded while it waited for the lock.
	seq uint64
}

// Debouncer batches items by key and flushes a key once it has been quiet
// for the debounce delay. Every Enqueue restarts its key's timer.
type Debouncer[T any] struct {
	mu      sync.Mutex
	buffers map[string]*keyedBuffer[T]
	seq     uint64
	stopped bool

	delay    func() time.Duration
	maxItems int
	buildKey func(item *T) string
	onFlush  func(key string, items []*T)
}

// DebouncerOption configures a Debouncer.
type DebouncerOption[T any] func(*Debouncer[T])

// WithDelay sets a fixed debounce delay.
func WithDelay[T any](d time.Duration) DebouncerOption[T] {
	return func(db *Debouncer[T]) {
		db.delay = func() time.Duration { return d }
	}
}

// WithDelayFunc reads the debounce delay on every Enqueue, so it can change
// while the debouncer runs.
func WithDelayFunc[T any](fn func() time.Duration) DebouncerOption[T] {
	return func(db *Debouncer[T]) {
		db.delay = fn
	}
}

// WithBuildKey sets the function that groups items.
func WithBuildKey[T any](fn func(item *T) string) DebouncerOption[T] {
	return func(db *Debouncer[T]) {
		db.buildKey = fn
	}
}

// WithMaxItems keeps only the newest n items per key. Zero keeps all.
func WithMaxItems[T any](n int) DebouncerOption[T] {
	return func(db *Debouncer[T]) {
		db.maxItems = max(n, 0)
	}
}

// WithOnFlush sets the callback invoked with a key's items. It runs without
// the debouncer lock held, on the timer goroutine or the caller of FlushKey.
func WithOnFlush[T any](fn func(key string, items []*T)) DebouncerOption[T] {
	return func(db *Debouncer[T]) {
		db.onFlush = fn
	}
}

// NewDebouncer creates a Debouncer with the given options.
func NewDebouncer[T any](opts ...DebouncerOption[T]) *Debouncer[T] {
	db := &Debouncer[T]{
		buffers: make(map[string]*keyedBuffer[T]),
	}
	for _, opt := range opts {
		opt(db)
	}
	if db.delay == nil {
		db.delay = func() time.Duration { return 0 }
	}
	if db.buildKey == nil {
		db.buildKey = func(*T) string { return "default" }
	}
	if db.onFlush == nil {
		db.onFlush = func(string, []*T) {}
	}
	return db
}

// Enqueue adds item to its key's buffer and restarts the key's timer. With a
// non-positive delay or an empty key the buffer and item flush immediately.
func (db *Debouncer[T]) Enqueue(item *T) {
	key := db.buildKey(item)
	d := db.delay()

	db.mu.Lock()
	if db.stopped {
		db.mu.Unlock()
		return
	}

	if d <= 0 || key == "" {
		var items []*T
		if buf, ok := db.buffers[key]; ok {
			items = db.removeLocked(key, buf)
		}
		db.mu.Unlock()
		db.onFlush(key, append(items, item))
		return
	}

	buf, ok := db.buffers[key]
	if !ok {
		buf = &keyedBuffer[T]{}
		db.buffers[key] = buf
	}
	buf.items = append(buf.items, item)
	if db.maxItems > 0 && len(buf.items) > db.maxItems {
		buf.items = append([]*T(nil), buf.items[len(buf.items)-db.maxItems:]...)
	}
	if buf.timer != nil {
		buf.timer.Stop()
	}
	db.seq++
	seq := db.seq
	buf.seq = seq
	buf.timer = time.AfterFunc(d, func() { db.fire(key, seq) })
	db.mu.Unlock()
}

func (db *Debouncer[T]) fire(key string, seq uint64) {
	db.mu.Lock()
	buf, ok := db.buffers[key]
	if !ok || db.stopped || buf.seq != seq {
		db.mu.Unlock()
		return
	}
	items := db.removeLocked(key, buf)
	db.mu.Unlock()
	db.onFlush(key, items)
}

// FlushKey flushes key's pending items now.
func (db *Debouncer[T]) FlushKey(key string) {
	db.mu.Lock()
	buf, ok := db.buffers[key]
	if !ok || db.stopped {
		db.mu.Unlock()
		return
	}
	items := db.removeLocked(key, buf)
	db.mu.Unlock()
	db.onFlush(key, items)
}

// Drop discards key's pending items without flushing them. It reports
// whether anything was pending.
func (db *Debouncer[T]) Drop(key string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	buf, ok := db.buffers[key]
	if ok {
		db.removeLocked(key, buf)
	}
	return ok
}

// DropAll discards every pending key. The debouncer stays usable.
func (db *Debouncer[T]) DropAll() {
	db.mu.Lock()
	defer db.mu.Unlock()
	for key, buf := range db.buffers {
		db.removeLocked(key, buf)
	}
}

// Stop discards every pending key and ignores later Enqueues.
func (db *Debouncer[T]) Stop() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.stopped = true
	for key, buf := range db.buffers {
		db.removeLocked(key, buf)
	}
}

// PendingCount returns the number of keys with pending items.
func (db *Debouncer[T]) PendingCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.buffers)
}

// PendingItems returns the total number of pending items across all keys.
func (db *Debouncer[T]) PendingItems() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, buf := range db.buffers {
		n += len(buf.items)
	}
	return n
}

func (db *Debouncer[T]) removeLocked(key string, buf *keyedBuffer[T]) []*T {
	delete(db.buffers, key)
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	items := buf.items
	buf.items = nil
	return items
}
