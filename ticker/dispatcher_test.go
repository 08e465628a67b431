package ticker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kite_clickhouse/models"
	"kite_clickhouse/ws"
)

// collector records callbacks safely across goroutines.
type collector struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (c *collector) add(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *collector) addErr(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *collector) errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatcherRegistrationOrder(t *testing.T) {
	d := newDispatcher(16, nil)
	c := &collector{}

	d.tick = append(d.tick, func([]models.Tick) { c.add("first") })
	d.tick = append(d.tick, func([]models.Tick) { c.add("second") })

	d.start()
	defer d.stop()

	d.emitTicks([]models.Tick{{InstrumentToken: 1}})

	waitFor(t, func() bool { return len(c.snapshot()) == 2 })
	assert.Equal(t, []string{"first", "second"}, c.snapshot())
}

func TestDispatcherEventOrderPreserved(t *testing.T) {
	d := newDispatcher(16, nil)
	c := &collector{}

	d.connect = append(d.connect, func() { c.add("connect") })
	d.tick = append(d.tick, func([]models.Tick) { c.add("tick") })
	d.closeH = append(d.closeH, func(ws.CloseReason, error) { c.add("close") })

	d.start()
	defer d.stop()

	d.emitConnect()
	d.emitTicks([]models.Tick{{InstrumentToken: 1}})
	d.emitClose(ws.ReasonError, errors.New("boom"))

	waitFor(t, func() bool { return len(c.snapshot()) == 3 })
	assert.Equal(t, []string{"connect", "tick", "close"}, c.snapshot())
}

func TestDispatcherRecoversHandlerPanic(t *testing.T) {
	d := newDispatcher(16, nil)
	c := &collector{}

	d.tick = append(d.tick, func([]models.Tick) { panic("handler bug") })
	d.tick = append(d.tick, func([]models.Tick) { c.add("survivor") })
	d.errH = append(d.errH, func(err error) { c.addErr(err) })

	d.start()
	defer d.stop()

	d.emitTicks([]models.Tick{{InstrumentToken: 1}})
	d.emitTicks([]models.Tick{{InstrumentToken: 2}})

	waitFor(t, func() bool { return len(c.snapshot()) == 2 })

	errs := c.errors()
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Error(), "handler panicked")
}

func TestDispatcherStopPreventsFurtherEvents(t *testing.T) {
	d := newDispatcher(16, nil)
	c := &collector{}

	d.connect = append(d.connect, func() { c.add("connect") })

	d.start()
	d.emitConnect()
	waitFor(t, func() bool { return len(c.snapshot()) == 1 })

	d.stop()
	d.emitConnect()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"connect"}, c.snapshot())
}
