// Package transport owns the single live WebSocket connection to the
// messaging backend. It connects using gobwas/ws, reconnects with exponential
// backoff when the connection drops, and hands every inbound event to a
// dispatch table in the order it was received.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/protocol"
)

// ErrNotConnected is returned by Publish while no connection is open.
var ErrNotConnected = errors.New("transport: not connected")

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config holds transport tuning parameters.
type Config struct {
	URL               string        // ws://host:port/ws
	DialTimeout       time.Duration // timeout for the WebSocket handshake
	WriteTimeout      time.Duration // deadline for a single frame write
	HeartbeatInterval time.Duration // ping interval; 0 disables the heartbeat
	HeartbeatTimeout  time.Duration // extra silence tolerated after a missed pong
	ReconnectWait     time.Duration // wait before the first reconnect attempt
	MaxReconnectWait  time.Duration // cap for the exponential backoff
	MaxReconnects     int           // max consecutive failed attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:5000/ws",
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		ReconnectWait:     500 * time.Millisecond,
		MaxReconnectWait:  30 * time.Second,
		MaxReconnects:     -1, // infinite reconnects
	}
}

// Session is one logical connection to the backend across any number of
// physical reconnects. Handlers registered with On survive reconnects.
type Session struct {
	config     Config
	dispatcher *Dispatcher

	mu   sync.RWMutex
	conn *connection

	state         atomic.Int32
	onStateChange func(State)

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Session.
type Option func(*Session)

// WithStateHandler registers a callback for every lifecycle state change. It
// is invoked from the session's connection goroutine.
func WithStateHandler(fn func(State)) Option {
	return func(s *Session) {
		s.onStateChange = fn
	}
}

// New creates a Session. No connection is made until Start is called.
func New(config Config, opts ...Option) *Session {
	s := &Session{
		config:     config,
		dispatcher: NewDispatcher(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// On registers the handler for an event name. Only one handler per name is
// kept; registering again replaces the previous one. The connect and
// disconnect pseudo-events (protocol.TypeConnect, protocol.TypeDisconnect)
// are delivered through the same table; the disconnect payload is the error
// that ended the connection, or nil.
func (s *Session) On(event string, handler Handler) {
	s.dispatcher.Register(event, handler)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Start begins connecting in the background and keeps the connection alive
// until ctx is cancelled, Close is called, or MaxReconnects consecutive
// attempts have failed. It returns immediately.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(ctx)
		s.wg.Add(1)
		go s.run()
	})
}

// Close disconnects, stops reconnecting, and tears down the handler table.
// It is safe to call multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.RLock()
		c := s.conn
		s.mu.RUnlock()
		if c != nil {
			err = c.close()
		}
		s.wg.Wait()
		s.dispatcher.Reset()
	})
	return err
}

// Publish encodes payload under event and writes it as one text frame. It
// does not wait for any acknowledgement.
func (s *Session) Publish(event string, payload interface{}) error {
	data, err := protocol.NewClientMessage(event, payload)
	if err != nil {
		metrics.Publishes.WithLabelValues(event, "error").Inc()
		return err
	}

	s.mu.RLock()
	c := s.conn
	s.mu.RUnlock()

	if c == nil {
		metrics.Publishes.WithLabelValues(event, "error").Inc()
		return ErrNotConnected
	}

	if err := c.writeText(data); err != nil {
		metrics.Publishes.WithLabelValues(event, "error").Inc()
		return fmt.Errorf("transport: publish %s: %w", event, err)
	}
	metrics.Publishes.WithLabelValues(event, "ok").Inc()
	return nil
}

// run is the connection supervisor: dial, serve until the connection drops,
// back off, repeat.
func (s *Session) run() {
	defer s.wg.Done()
	defer s.setState(StateDisconnected)

	failures := 0
	for {
		s.setState(StateConnecting)
		c, err := s.dial()
		if err == nil {
			failures = 0
			s.serve(c)
		} else {
			failures++
			log.Printf("[transport] connect to %s failed (attempt %d): %v", s.config.URL, failures, err)
		}

		if s.ctx.Err() != nil {
			return
		}
		if s.config.MaxReconnects >= 0 && failures > s.config.MaxReconnects {
			log.Printf("[transport] giving up after %d failed attempts", failures)
			return
		}

		wait := backoff(s.config, failures)
		s.setState(StateDisconnected)
		log.Printf("[transport] reconnecting in %s", wait)
		metrics.Reconnects.Inc()

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// backoff returns the wait before reconnect attempt n (n >= 0). It doubles
// from ReconnectWait and is capped at MaxReconnectWait.
func backoff(config Config, n int) time.Duration {
	wait := config.ReconnectWait
	if wait <= 0 {
		wait = time.Second
	}
	for i := 1; i < n; i++ {
		wait *= 2
		if config.MaxReconnectWait > 0 && wait >= config.MaxReconnectWait {
			return config.MaxReconnectWait
		}
	}
	if config.MaxReconnectWait > 0 && wait > config.MaxReconnectWait {
		return config.MaxReconnectWait
	}
	return wait
}

func (s *Session) dial() (*connection, error) {
	ctx := s.ctx
	if s.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.DialTimeout)
		defer cancel()
	}

	conn, br, _, err := ws.Dial(ctx, s.config.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return newConnection(conn, br, s.config.WriteTimeout), nil
}

// serve runs one physical connection to completion. The connect pseudo-event
// is emitted before the first inbound frame is read and the disconnect
// pseudo-event after the last, so handlers observe a consistent order.
func (s *Session) serve(c *connection) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()

	s.setState(StateConnected)
	log.Printf("[transport] connected to %s", s.config.URL)
	s.dispatcher.Emit(protocol.TypeConnect, nil)

	stop := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		s.heartbeat(c, stop)
	}()

	err := s.readLoop(c)

	close(stop)
	<-hbDone

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	c.close()

	if s.ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		log.Printf("[transport] connection lost: %v", err)
	} else {
		log.Printf("[transport] disconnected")
	}
	s.setState(StateDisconnected)
	s.dispatcher.Emit(protocol.TypeDisconnect, err)
}

// readLoop reads text frames until the connection fails and dispatches each
// one synchronously, preserving arrival order.
func (s *Session) readLoop(c *connection) error {
	for {
		data, err := c.readText()
		if err != nil {
			return err
		}
		s.dispatcher.Dispatch(data)
	}
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	metrics.ConnectionState.Set(float64(st))
	if prev != st && s.onStateChange != nil {
		s.onStateChange(st)
	}
}
