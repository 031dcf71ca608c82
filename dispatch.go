package treez

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Handler is called with every tree received by a Dispatcher.
// The entry is owned by the handler.
type Handler func(entry Entry)

type handlerEntry struct {
	handler Handler
	id      uint64
	async   bool
}

// Dispatcher reads a Subscription and fans every tree out to registered
// handlers, synchronously or on a bounded worker pool.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Dispatcher struct {
	handlers       []handlerEntry
	sub            *Subscription
	panicHook      func(handlerID uint64, r interface{})
	workers        *workerPool
	logger         zerolog.Logger
	handlersLock   sync.RWMutex
	nextID         atomic.Uint64
	droppedEntries atomic.Uint64
	missedEntries  atomic.Uint64
}

// NewDispatcher creates a dispatcher reading sub.
func NewDispatcher(sub *Subscription) *Dispatcher {
	return &Dispatcher{
		handlers: make([]handlerEntry, 0),
		sub:      sub,
		logger:   zerolog.Nop(),
	}
}

// WithLogger returns the dispatcher after setting its logger.
func (d *Dispatcher) WithLogger(logger zerolog.Logger) *Dispatcher {
	d.logger = logger.With().Str("component", "treez.dispatcher").Logger()
	return d
}

// OnEntry registers a synchronous handler.
func (d *Dispatcher) OnEntry(handler Handler) uint64 {
	return d.registerHandler(handler, false)
}

// OnEntryAsync registers an asynchronous handler.
func (d *Dispatcher) OnEntryAsync(handler Handler) uint64 {
	return d.registerHandler(handler, true)
}

func (d *Dispatcher) registerHandler(handler Handler, async bool) uint64 {
	if handler == nil {
		return 0
	}

	id := d.nextID.Add(1)

	d.handlersLock.Lock()
	defer d.handlersLock.Unlock()

	d.handlers = append(d.handlers, handlerEntry{
		id:      id,
		handler: handler,
		async:   async,
	})

	return id
}

// RemoveHandler removes a handler by ID.
func (d *Dispatcher) RemoveHandler(id uint64) {
	d.handlersLock.Lock()
	defer d.handlersLock.Unlock()

	// Preserve order
	for i, h := range d.handlers {
		if h.id == id {
			copy(d.handlers[i:], d.handlers[i+1:])
			d.handlers = d.handlers[:len(d.handlers)-1]
			return
		}
	}
}

// HasHandlers reports whether any handler is registered.
func (d *Dispatcher) HasHandlers() bool {
	d.handlersLock.RLock()
	defer d.handlersLock.RUnlock()
	return len(d.handlers) > 0
}

// SetPanicHook sets a function to be called when a handler panics.
func (d *Dispatcher) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	d.handlersLock.Lock()
	defer d.handlersLock.Unlock()
	d.panicHook = hook
}

// EnableWorkerPool creates a bounded worker pool for async handlers.
// Without one, every async call gets its own goroutine.
func (d *Dispatcher) EnableWorkerPool(workers, queueSize int) error {
	d.handlersLock.Lock()
	defer d.handlersLock.Unlock()

	if d.workers != nil {
		return errors.New("worker pool already enabled")
	}
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	d.workers = &workerPool{
		tasks:   make(chan func(), queueSize),
		stop:    make(chan struct{}),
		dropped: &d.droppedEntries,
	}

	d.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.workers.run()
	}

	return nil
}

// Run dispatches trees until ctx is done or the subscription is closed.
// Lagging is counted and logged, not fatal. Returns nil on close and the
// context error on cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		entry, err := d.sub.Recv(ctx)
		if err == nil {
			d.Dispatch(entry)
			continue
		}

		var lagged *LaggedError
		switch {
		case errors.As(err, &lagged):
			d.missedEntries.Add(lagged.Missed)
			d.logger.Warn().Uint64("missed", lagged.Missed).Msg("dispatcher lagged behind")
		case errors.Is(err, ErrClosed):
			return nil
		default:
			return err
		}
	}
}

// Dispatch calls all registered handlers with a tree.
func (d *Dispatcher) Dispatch(entry Entry) {
	d.handlersLock.RLock()
	if len(d.handlers) == 0 {
		d.handlersLock.RUnlock()
		return
	}

	handlers := make([]handlerEntry, len(d.handlers))
	copy(handlers, d.handlers)
	hook := d.panicHook
	workers := d.workers
	d.handlersLock.RUnlock()

	for i, h := range handlers {
		// Every handler owns its tree; the last one can take the original.
		e := entry
		if i < len(handlers)-1 {
			e = entry.Clone()
		}
		if h.async {
			h := h
			if workers != nil {
				workers.submit(func() {
					safeCall(h, e, hook)
				})
			} else {
				go safeCall(h, e, hook)
			}
		} else {
			safeCall(h, e, hook)
		}
	}
}

func safeCall(entry handlerEntry, e Entry, hook func(uint64, interface{})) {
	defer func() {
		if r := recover(); r != nil {
			if hook != nil {
				hook(entry.id, r)
			}
		}
	}()
	entry.handler(e)
}

// DroppedEntries returns the number of async calls dropped due to a full worker queue.
func (d *Dispatcher) DroppedEntries() uint64 {
	return d.droppedEntries.Load()
}

// MissedEntries returns the number of trees missed because the dispatcher lagged.
func (d *Dispatcher) MissedEntries() uint64 {
	return d.missedEntries.Load()
}

// Close unsubscribes, removes all handlers and waits for in-flight async tasks.
func (d *Dispatcher) Close() {
	d.sub.Close()

	// Stop new handler executions
	d.handlersLock.Lock()
	d.handlers = nil
	workers := d.workers
	d.workers = nil
	d.handlersLock.Unlock()

	// Wait for in-flight async tasks
	if workers != nil {
		workers.shutdown()
	}
}

// workerPool manages a fixed number of workers for processing async handlers.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks   chan func()
	stop    chan struct{}
	dropped *atomic.Uint64
	wg      sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			return
		}
	}
}

// submit queues task, counting it as dropped when the queue is full or the
// pool is shutting down.
func (w *workerPool) submit(task func()) {
	select {
	case <-w.stop:
		w.dropped.Add(1)
		return
	default:
	}
	select {
	case w.tasks <- task:
	default:
		w.dropped.Add(1)
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
