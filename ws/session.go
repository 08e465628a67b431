// Package ws owns one physical WebSocket connection to the streaming
// endpoint: handshake, read loop, heartbeat watchdog, and close-reason
// classification. A Session is single-use; reconnection creates a new one.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kite_clickhouse/metrics"
	"kite_clickhouse/utils"
)

// CloseReason classifies why a session ended. The distinction drives the
// reconnection decision: only a caller-initiated close is clean.
type CloseReason int

const (
	ReasonClean CloseReason = iota
	ReasonError
	ReasonTimeout
)

func (r CloseReason) String() string {
	switch r {
	case ReasonClean:
		return "clean"
	case ReasonTimeout:
		return "heartbeat timeout"
	default:
		return "error"
	}
}

// ErrAuthenticationFailed marks a handshake rejected by the server,
// typically an expired access token. Callers may stop retrying and
// re-authenticate instead of backing off forever.
var ErrAuthenticationFailed = errors.New("websocket handshake rejected: authentication failed")

// Frame is one raw WebSocket frame with its arrival time.
type Frame struct {
	Binary     bool
	Data       []byte
	ReceivedAt time.Time
}

// Config holds per-session connection parameters.
type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	// LivenessMultiple * PingInterval without any inbound frame or pong
	// declares the connection dead. Some transports drop connections
	// without a close frame; this is the only way to notice.
	LivenessMultiple int
	FrameBufferSize  int
}

// Session is one live connection. Frames() is closed exactly once, after
// the read loop exits; Reason() and Err() are valid from then on.
type Session struct {
	cfg    Config
	logger *zap.SugaredLogger
	conn   *websocket.Conn

	frames chan Frame
	done   chan struct{}

	writeMu sync.Mutex

	mu        sync.Mutex
	lastAlive time.Time
	reason    CloseReason
	err       error
	ended     bool
}

// Dial performs the WebSocket handshake and starts the read and heartbeat
// loops. A 401/403 handshake response returns ErrAuthenticationFailed.
func Dial(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Session, error) {
	if logger == nil {
		logger = utils.NopLogger()
	}
	if cfg.FrameBufferSize <= 0 {
		cfg.FrameBufferSize = 256
	}
	if cfg.LivenessMultiple <= 0 {
		cfg.LivenessMultiple = 3
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrAuthenticationFailed, resp.Status)
		}
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}

	s := &Session{
		cfg:       cfg,
		logger:    logger,
		conn:      conn,
		frames:    make(chan Frame, cfg.FrameBufferSize),
		done:      make(chan struct{}),
		lastAlive: time.Now(),
	}

	conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		s.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	go s.readLoop()
	go s.heartbeatLoop()

	logger.Debugw("websocket connected", "url", cfg.URL)
	return s, nil
}

// Frames returns the inbound frame channel. It is closed when the session
// ends; no frame is ever delivered after that.
func (s *Session) Frames() <-chan Frame {
	return s.frames
}

// Send writes one text frame. Writes are serialized across goroutines.
func (s *Session) Send(data []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("session ended (%s)", s.Reason())
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close terminates the session cleanly: a close frame is sent and the
// Reason is ReasonClean, so the controller will not reconnect.
func (s *Session) Close() {
	if s.markEnded(ReasonClean, nil) {
		s.writeMu.Lock()
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		s.conn.Close()
	}
}

// Reason reports how the session ended. Valid once Frames() is closed.
func (s *Session) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err returns the terminating error, nil for a clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// touch refreshes the liveness clock. Any inbound traffic counts.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastAlive = time.Now()
	s.mu.Unlock()
}

// markEnded records the first termination cause and closes done.
// Returns true for the caller that won the race.
func (s *Session) markEnded(reason CloseReason, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.ended = true
	s.reason = reason
	s.err = err
	close(s.done)
	return true
}

func (s *Session) readLoop() {
	defer close(s.frames)

	for {
		msgType, data, err := s.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-s.done:
				// Termination already classified (Close or watchdog).
			default:
				s.markEnded(ReasonError, err)
				s.conn.Close()
			}
			return
		}

		s.touch()

		frame := Frame{
			Binary:     msgType == websocket.BinaryMessage,
			Data:       data,
			ReceivedAt: receivedAt,
		}

		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	timeout := time.Duration(s.cfg.LivenessMultiple) * s.cfg.PingInterval

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(s.cfg.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debugw("ping write failed", "error", err)
			}

			s.mu.Lock()
			stale := time.Since(s.lastAlive) > timeout
			s.mu.Unlock()

			if stale {
				s.logger.Warnw("no liveness signal, terminating connection",
					"timeout", timeout,
				)
				metrics.IncrementHeartbeatTimeouts()
				if s.markEnded(ReasonTimeout, fmt.Errorf("no pong within %v", timeout)) {
					s.conn.Close()
				}
				return
			}
		}
	}
}
