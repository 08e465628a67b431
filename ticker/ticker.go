// Package ticker is the caller-facing streaming client. It owns the
// subscription registry and the reconnection state machine, creating a
// fresh ws.Session per (re)connect and replaying subscriptions into it.
package ticker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"kite_clickhouse/metrics"
	"kite_clickhouse/models"
	"kite_clickhouse/parser"
	"kite_clickhouse/utils"
	"kite_clickhouse/ws"
)

// State is the connection lifecycle state. Closed is terminal and reached
// only through Stop or an exhausted retry ceiling.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// ErrTickerClosed is returned by API calls after Stop.
var ErrTickerClosed = errors.New("ticker: client is closed")

// ErrRetriesExhausted is the terminal error emitted when the configured
// reconnect ceiling is exceeded.
var ErrRetriesExhausted = errors.New("ticker: maximum reconnect attempts exceeded")

// ConfigurationError marks an invalid argument rejected synchronously at
// the API boundary. It never triggers reconnection.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "ticker: invalid argument: " + e.Reason
}

// Config holds client parameters. Zero values take the defaults below.
type Config struct {
	// Endpoint and credentials. The access token comes from the external
	// session/login component; this client never refreshes it.
	URL         string
	APIKey      string
	AccessToken string

	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	LivenessMultiple int

	// Reconnection policy.
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMultiplier  float64
	ReconnectJitter      float64
	ReconnectMaxAttempts int // 0 means retry forever

	// DefaultMode is applied by Subscribe for tokens without a mode.
	DefaultMode models.Mode

	// Divisors overrides the per-segment price divisor table.
	Divisors models.DivisorTable

	EventQueueSize  int
	FrameBufferSize int
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = "wss://ws.kite.trade"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 7 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.LivenessMultiple <= 0 {
		c.LivenessMultiple = 3
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 2 * time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 60 * time.Second
	}
	if c.ReconnectMultiplier <= 0 {
		c.ReconnectMultiplier = 2.0
	}
	if c.DefaultMode == "" {
		c.DefaultMode = models.ModeQuote
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = 1024
	}
}

// Ticker is the streaming client.
type Ticker struct {
	cfg        Config
	logger     *zap.SugaredLogger
	decoder    *parser.Decoder
	registry   *registry
	dispatcher *dispatcher

	mu      sync.Mutex // guards session, lifecycle flags
	session *ws.Session
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	runDone chan struct{}

	stateMu sync.RWMutex
	state   State
}

// New builds a client. logger may be nil.
func New(cfg Config, logger *zap.SugaredLogger) (*Ticker, error) {
	cfg.applyDefaults()
	if cfg.APIKey == "" || cfg.AccessToken == "" {
		return nil, &ConfigurationError{Reason: "api key and access token are required"}
	}
	if !cfg.DefaultMode.Valid() {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown mode %q", cfg.DefaultMode)}
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, &ConfigurationError{Reason: "invalid endpoint URL: " + err.Error()}
	}
	if logger == nil {
		logger = utils.NopLogger()
	}

	return &Ticker{
		cfg:        cfg,
		logger:     logger,
		decoder:    parser.NewDecoder(cfg.Divisors),
		registry:   newRegistry(),
		dispatcher: newDispatcher(cfg.EventQueueSize, logger),
		state:      StateDisconnected,
	}, nil
}

// Connect starts the connection loop. It returns immediately; the connect
// event fires once the handshake succeeds. Calling Connect on a running
// client is a no-op.
func (t *Ticker) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ErrTickerClosed
	}
	if t.started {
		return nil
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.runDone = make(chan struct{})

	t.dispatcher.start()
	go t.run()
	return nil
}

// Stop shuts the client down: the current session is closed cleanly and
// any in-flight backoff wait or handshake is canceled. No new event is
// dispatched after Stop returns; a handler already executing finishes,
// which makes Stop safe to call from inside a handler. Stop is safe to
// call from any state, repeatedly.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	sess := t.session
	cancel := t.cancel
	started := t.started
	t.mu.Unlock()

	// Refuse further events first: push becomes a no-op, so the run loop
	// can never sit blocked on a full queue while Stop waits for it below.
	t.dispatcher.queue.close()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		sess.Close()
	}
	if started {
		<-t.runDone
		t.dispatcher.stop()
	}
	t.setState(StateClosed)
}

// State returns the current connection state.
func (t *Ticker) State() State {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.state
}

func (t *Ticker) setState(s State) {
	t.stateMu.Lock()
	t.state = s
	t.stateMu.Unlock()
	metrics.SetConnectionState(int(s))
}

// Handler registration. Each call appends; handlers run in registration
// order.

func (t *Ticker) OnTick(h TickHandler) {
	t.dispatcher.mu.Lock()
	t.dispatcher.tick = append(t.dispatcher.tick, h)
	t.dispatcher.mu.Unlock()
}

func (t *Ticker) OnConnect(h ConnectHandler) {
	t.dispatcher.mu.Lock()
	t.dispatcher.connect = append(t.dispatcher.connect, h)
	t.dispatcher.mu.Unlock()
}

func (t *Ticker) OnClose(h CloseHandler) {
	t.dispatcher.mu.Lock()
	t.dispatcher.closeH = append(t.dispatcher.closeH, h)
	t.dispatcher.mu.Unlock()
}

func (t *Ticker) OnError(h ErrorHandler) {
	t.dispatcher.mu.Lock()
	t.dispatcher.errH = append(t.dispatcher.errH, h)
	t.dispatcher.mu.Unlock()
}

func (t *Ticker) OnReconnect(h ReconnectHandler) {
	t.dispatcher.mu.Lock()
	t.dispatcher.reconnect = append(t.dispatcher.reconnect, h)
	t.dispatcher.mu.Unlock()
}

func (t *Ticker) OnNoReconnect(h NoReconnectHandler) {
	t.dispatcher.mu.Lock()
	t.dispatcher.noReconnect = append(t.dispatcher.noReconnect, h)
	t.dispatcher.mu.Unlock()
}

func (t *Ticker) OnOrderUpdate(h OrderUpdateHandler) {
	t.dispatcher.mu.Lock()
	t.dispatcher.orderUpdate = append(t.dispatcher.orderUpdate, h)
	t.dispatcher.mu.Unlock()
}

// Subscribe adds tokens at the default mode. The registry is updated even
// when no session is connected; the next connect replays it.
func (t *Ticker) Subscribe(tokens []uint32) error {
	if err := t.checkTokens(tokens); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrTickerClosed
	}

	t.registry.subscribe(tokens, t.cfg.DefaultMode)
	metrics.SetSubscriptions(t.registry.size())

	return t.sendLocked(func() ([]byte, error) { return parser.EncodeSubscribe(tokens) })
}

// Unsubscribe removes tokens from the registry and, when connected, tells
// the server.
func (t *Ticker) Unsubscribe(tokens []uint32) error {
	if err := t.checkTokens(tokens); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrTickerClosed
	}

	t.registry.unsubscribe(tokens)
	metrics.SetSubscriptions(t.registry.size())

	return t.sendLocked(func() ([]byte, error) { return parser.EncodeUnsubscribe(tokens) })
}

// SetMode upserts the mode for tokens, subscribing implicitly if new.
func (t *Ticker) SetMode(mode models.Mode, tokens []uint32) error {
	if !mode.Valid() {
		return &ConfigurationError{Reason: fmt.Sprintf("unknown mode %q", mode)}
	}
	if err := t.checkTokens(tokens); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrTickerClosed
	}

	t.registry.setMode(mode, tokens)
	metrics.SetSubscriptions(t.registry.size())

	return t.sendLocked(func() ([]byte, error) { return parser.EncodeSetMode(mode, tokens) })
}

// Subscriptions returns the current token→mode mapping.
func (t *Ticker) Subscriptions() map[uint32]models.Mode {
	return t.registry.snapshot()
}

// DroppedTickBatches reports how many tick batches the dispatcher has shed
// under backpressure.
func (t *Ticker) DroppedTickBatches() int64 {
	return t.dispatcher.queue.droppedBatches()
}

func (t *Ticker) checkTokens(tokens []uint32) error {
	if len(tokens) == 0 {
		return &ConfigurationError{Reason: "no instrument tokens given"}
	}
	return nil
}

// sendLocked sends a control frame on the current session, if any. Callers
// hold t.mu, which is the same lock the run loop takes to swap sessions, so
// a mutation during a reconnect gap is recorded and replayed rather than
// racing a dying connection. Requires t.mu.
func (t *Ticker) sendLocked(encode func() ([]byte, error)) error {
	if t.session == nil {
		return nil
	}
	msg, err := encode()
	if err != nil {
		return err
	}
	if err := t.session.Send(msg); err != nil {
		// The registry already holds the intent; the session is about to
		// die and the next one replays it.
		t.logger.Warnw("control frame send failed", "error", err)
		return err
	}
	return nil
}

// endpoint builds the handshake URL with credentials in the query string.
func (t *Ticker) endpoint() string {
	u, _ := url.Parse(t.cfg.URL)
	q := u.Query()
	q.Set("api_key", t.cfg.APIKey)
	q.Set("access_token", t.cfg.AccessToken)
	u.RawQuery = q.Encode()
	return u.String()
}

// run is the reconnection state machine. One iteration per session.
func (t *Ticker) run() {
	defer close(t.runDone)

	bo := utils.NewExponentialBackoff(
		t.cfg.ReconnectBaseDelay,
		t.cfg.ReconnectMaxDelay,
		t.cfg.ReconnectMultiplier,
		t.cfg.ReconnectJitter,
	)
	attempt := 0

	for {
		t.setState(StateConnecting)

		dialCtx, cancelDial := context.WithTimeout(t.ctx, t.cfg.ConnectTimeout)
		sess, err := ws.Dial(dialCtx, ws.Config{
			URL:              t.endpoint(),
			HandshakeTimeout: t.cfg.ConnectTimeout,
			WriteTimeout:     t.cfg.WriteTimeout,
			PingInterval:     t.cfg.PingInterval,
			LivenessMultiple: t.cfg.LivenessMultiple,
			FrameBufferSize:  t.cfg.FrameBufferSize,
		}, t.logger)
		cancelDial()

		if err != nil {
			if t.ctx.Err() != nil {
				t.setState(StateClosed)
				return
			}
			// An expired token surfaces here as ErrAuthenticationFailed;
			// it is retried like any transport failure but callers can
			// errors.Is it and Stop to re-authenticate.
			t.dispatcher.emitError(err)
			t.logger.Warnw("connect failed", "error", err)
			if !t.waitBackoff(bo, &attempt) {
				return
			}
			continue
		}

		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			sess.Close()
			t.setState(StateClosed)
			return
		}
		t.session = sess
		t.mu.Unlock()

		t.setState(StateConnected)
		attempt = 0
		bo.Reset()
		t.dispatcher.emitConnect()
		t.replaySubscriptions(sess)

		t.pumpFrames(sess)

		t.mu.Lock()
		t.session = nil
		t.mu.Unlock()

		if t.ctx.Err() != nil {
			// Stop owns the shutdown path; no close event fires after it.
			t.setState(StateClosed)
			return
		}

		reason, cause := sess.Reason(), sess.Err()
		t.dispatcher.emitClose(reason, cause)
		t.logger.Infow("session ended", "reason", reason.String(), "error", cause)

		if reason == ws.ReasonClean {
			t.setState(StateDisconnected)
			return
		}

		if !t.waitBackoff(bo, &attempt) {
			return
		}
	}
}

// waitBackoff counts an attempt, enforces the retry ceiling, and sleeps the
// next backoff interval. Returns false when the loop must exit: the ceiling
// was exceeded (terminal error emitted) or Stop canceled the wait.
func (t *Ticker) waitBackoff(bo *backoff.ExponentialBackOff, attempt *int) bool {
	*attempt++

	if t.cfg.ReconnectMaxAttempts > 0 && *attempt > t.cfg.ReconnectMaxAttempts {
		t.logger.Errorw("giving up reconnecting", "attempts", *attempt-1)
		t.dispatcher.emitError(ErrRetriesExhausted)
		t.dispatcher.emitNoReconnect(*attempt - 1)
		t.setState(StateClosed)
		return false
	}

	// The policy randomizes after capping, so jitter can push the interval
	// past MaxInterval; the configured maximum is a hard bound.
	delay := bo.NextBackOff()
	if delay > t.cfg.ReconnectMaxDelay {
		delay = t.cfg.ReconnectMaxDelay
	}
	t.setState(StateReconnecting)
	metrics.IncrementReconnects()
	t.dispatcher.emitReconnect(*attempt, delay)
	t.logger.Infow("reconnecting", "attempt", *attempt, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-t.ctx.Done():
		t.setState(StateClosed)
		return false
	case <-timer.C:
		return true
	}
}

// replaySubscriptions pushes the registry into a fresh session: one
// subscribe for every token, then one mode message per mode group.
func (t *Ticker) replaySubscriptions(sess *ws.Session) {
	grouped := t.registry.byMode()
	if len(grouped) == 0 {
		return
	}

	var all []uint32
	for _, tokens := range grouped {
		all = append(all, tokens...)
	}

	msg, err := parser.EncodeSubscribe(all)
	if err == nil {
		err = sess.Send(msg)
	}
	if err != nil {
		t.logger.Warnw("subscription replay failed", "error", err)
		return
	}

	for _, mode := range []models.Mode{models.ModeLTP, models.ModeQuote, models.ModeFull} {
		tokens := grouped[mode]
		if len(tokens) == 0 {
			continue
		}
		msg, err := parser.EncodeSetMode(mode, tokens)
		if err == nil {
			err = sess.Send(msg)
		}
		if err != nil {
			t.logger.Warnw("mode replay failed", "mode", mode, "error", err)
			return
		}
	}

	t.logger.Infow("subscriptions replayed", "tokens", len(all))
}

// pumpFrames drains the session's frame channel until it closes, decoding
// and emitting as it goes. Runs on the controller goroutine, so all events
// of one session reach the dispatcher in receive order.
func (t *Ticker) pumpFrames(sess *ws.Session) {
	for frame := range sess.Frames() {
		if frame.Binary {
			start := time.Now()
			ticks, err := t.decoder.DecodeFrame(frame.Data)
			metrics.RecordDecodeDuration(time.Since(start))

			if err != nil {
				// Protocol errors are recovered locally: report, keep the
				// good packets, keep reading.
				metrics.IncrementParseErrors()
				t.dispatcher.emitError(err)
			}
			if len(ticks) > 0 {
				metrics.AddTicksDecoded(len(ticks))
				t.dispatcher.emitTicks(ticks)
			}
			continue
		}

		in, err := parser.ParseTextMessage(frame.Data)
		if err != nil {
			metrics.IncrementParseErrors()
			t.dispatcher.emitError(err)
			continue
		}
		switch in.Kind {
		case parser.KindOrderUpdate:
			t.dispatcher.emitOrderUpdate(*in.Order)
		case parser.KindError:
			t.dispatcher.emitError(fmt.Errorf("server error: %s", in.Text))
		case parser.KindMessage:
			t.logger.Infow("server message", "text", in.Text)
		}
	}
}
