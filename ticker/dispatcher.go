package ticker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kite_clickhouse/middleware"
	"kite_clickhouse/models"
	"kite_clickhouse/ws"
)

// Handler signatures, one per event kind. Zero or more handlers may be
// registered per kind; they run in registration order on the dispatch
// goroutine, decoupled from the read loop by the event queue.
type (
	TickHandler        func(ticks []models.Tick)
	ConnectHandler     func()
	CloseHandler       func(reason ws.CloseReason, err error)
	ErrorHandler       func(err error)
	ReconnectHandler   func(attempt int, delay time.Duration)
	NoReconnectHandler func(attempt int)
	OrderUpdateHandler func(order models.OrderUpdate)
)

type eventKind int

const (
	eventTick eventKind = iota
	eventConnect
	eventClose
	eventError
	eventReconnect
	eventNoReconnect
	eventOrderUpdate
)

type event struct {
	kind    eventKind
	ticks   []models.Tick
	reason  ws.CloseReason
	err     error
	attempt int
	delay   time.Duration
	order   models.OrderUpdate
}

// dispatcher routes events to registered handlers. One goroutine drains the
// queue so a slow handler can never starve the read loop's failure
// detection; a panicking handler is recovered and reported to the error
// handlers.
type dispatcher struct {
	logger   *zap.SugaredLogger
	queue    *eventQueue
	done     chan struct{}
	invoking atomic.Bool

	mu          sync.RWMutex
	tick        []TickHandler
	connect     []ConnectHandler
	closeH      []CloseHandler
	errH        []ErrorHandler
	reconnect   []ReconnectHandler
	noReconnect []NoReconnectHandler
	orderUpdate []OrderUpdateHandler
}

func newDispatcher(queueSize int, logger *zap.SugaredLogger) *dispatcher {
	return &dispatcher{
		logger: logger,
		queue:  newEventQueue(queueSize),
		done:   make(chan struct{}),
	}
}

func (d *dispatcher) start() {
	go d.run()
}

// stop discards queued events; the closed queue guarantees no further
// handler is dispatched. When no handler is mid-flight it also waits for
// the dispatch goroutine to exit. A handler may itself trigger stop (an
// error handler reacting to an auth failure, say), and waiting there would
// be waiting for ourselves, so the in-flight handler is left to finish on
// its own.
func (d *dispatcher) stop() {
	d.queue.close()
	if d.invoking.Load() {
		return
	}
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		ev, ok := d.queue.pop()
		if !ok {
			return
		}
		d.invoke(ev)
	}
}

func (d *dispatcher) invoke(ev event) {
	d.invoking.Store(true)
	defer d.invoking.Store(false)

	d.mu.RLock()
	var fns []func()
	switch ev.kind {
	case eventTick:
		for _, h := range d.tick {
			h := h
			fns = append(fns, func() { h(ev.ticks) })
		}
	case eventConnect:
		for _, h := range d.connect {
			fns = append(fns, h)
		}
	case eventClose:
		for _, h := range d.closeH {
			h := h
			fns = append(fns, func() { h(ev.reason, ev.err) })
		}
	case eventError:
		for _, h := range d.errH {
			h := h
			fns = append(fns, func() { h(ev.err) })
		}
	case eventReconnect:
		for _, h := range d.reconnect {
			h := h
			fns = append(fns, func() { h(ev.attempt, ev.delay) })
		}
	case eventNoReconnect:
		for _, h := range d.noReconnect {
			h := h
			fns = append(fns, func() { h(ev.attempt) })
		}
	case eventOrderUpdate:
		for _, h := range d.orderUpdate {
			h := h
			fns = append(fns, func() { h(ev.order) })
		}
	}
	d.mu.RUnlock()

	for _, fn := range fns {
		middleware.Recover(d.logger, d.handlerPanicked, fn)
	}
}

// handlerPanicked reports a recovered handler panic to the error handlers,
// inline on the dispatch goroutine so ordering is preserved and the queue
// cannot deadlock on itself.
func (d *dispatcher) handlerPanicked(err error) {
	d.mu.RLock()
	handlers := make([]ErrorHandler, len(d.errH))
	copy(handlers, d.errH)
	d.mu.RUnlock()

	wrapped := fmt.Errorf("event handler panicked: %w", err)
	for _, h := range handlers {
		h := h
		middleware.Recover(d.logger, nil, func() { h(wrapped) })
	}
}

func (d *dispatcher) emitTicks(ticks []models.Tick) {
	d.queue.push(event{kind: eventTick, ticks: ticks})
}

func (d *dispatcher) emitConnect() {
	d.queue.push(event{kind: eventConnect})
}

func (d *dispatcher) emitClose(reason ws.CloseReason, err error) {
	d.queue.push(event{kind: eventClose, reason: reason, err: err})
}

func (d *dispatcher) emitError(err error) {
	d.queue.push(event{kind: eventError, err: err})
}

func (d *dispatcher) emitReconnect(attempt int, delay time.Duration) {
	d.queue.push(event{kind: eventReconnect, attempt: attempt, delay: delay})
}

func (d *dispatcher) emitNoReconnect(attempt int) {
	d.queue.push(event{kind: eventNoReconnect, attempt: attempt})
}

func (d *dispatcher) emitOrderUpdate(order models.OrderUpdate) {
	d.queue.push(event{kind: eventOrderUpdate, order: order})
}
