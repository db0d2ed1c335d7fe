// Package engine is the client-side synchronization engine. It owns the
// conversation ledger, presence, typing and unread state for one
// authenticated user and keeps them consistent with the event stream from
// the messaging backend.
//
// All state is mutated on a single event loop goroutine (Run). Inbound
// events, user actions, timer fires and completions of blocking work are
// posted onto that loop as closures and run one at a time in FIFO order, so
// none of the state types need locks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whisper/chatsync/internal/ledger"
	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/notify"
	"github.com/whisper/chatsync/internal/presence"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/ratelimit"
	"github.com/whisper/chatsync/internal/transport"
	"github.com/whisper/chatsync/internal/typing"
	"github.com/whisper/chatsync/internal/upload"
)

var (
	// ErrClosed is returned by actions issued after Close.
	ErrClosed = errors.New("engine: closed")

	// ErrNotRunning is returned by synchronous actions issued before Run.
	ErrNotRunning = errors.New("engine: not running")

	// ErrNoUploader is returned by attachment actions when no uploader is
	// configured.
	ErrNoUploader = errors.New("engine: no uploader configured")
)

// Transport is the connection the engine publishes to and receives events
// from. *transport.Session implements it.
type Transport interface {
	On(event string, handler transport.Handler)
	Publish(event string, payload interface{}) error
	Start(ctx context.Context)
	Close() error
}

// RosterFetcher loads the user directory. *presence.RosterClient implements it.
type RosterFetcher interface {
	Fetch(ctx context.Context) ([]protocol.Account, error)
}

// Uploader stores attachments. *upload.Uploader implements it.
type Uploader interface {
	Upload(ctx context.Context, file upload.File) (string, error)
	UploadPath(ctx context.Context, path string) (string, error)
}

// StatusStore mirrors the client status for companion processes.
// *session.Store implements it.
type StatusStore interface {
	Register(ctx context.Context, username string) error
	UpdateStatus(ctx context.Context, username string, status string) error
	SetUnread(ctx context.Context, username string, unread int) error
}

// Config holds engine settings.
type Config struct {
	Username         string         // local user, required
	Room             string         // shared room joined on connect
	TypingTimeout    time.Duration  // local typing inactivity window
	ReadReceiptDelay time.Duration  // delay before marking an activated thread read
	MessageRule      ratelimit.Rule // optional outbound message throttle per conversation
	UploadRule       ratelimit.Rule // optional attachment throttle
}

// DefaultConfig returns sensible defaults. Username must still be set.
// Both throttles are disabled.
func DefaultConfig() Config {
	return Config{
		Room:             protocol.DefaultRoom,
		TypingTimeout:    typing.DefaultTimeout,
		ReadReceiptDelay: 100 * time.Millisecond,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithRoster sets the directory source loaded once when Run starts.
func WithRoster(r RosterFetcher) Option {
	return func(e *Engine) { e.roster = r }
}

// WithUploader enables attachments.
func WithUploader(u Uploader) Option {
	return func(e *Engine) { e.uploader = u }
}

// WithNotifier sets where notification cues go.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithStatusStore mirrors connection status and unread totals into store.
func WithStatusStore(store StatusStore) Option {
	return func(e *Engine) { e.status = store }
}

// WithClock replaces the timer source used for typing and read-marking.
func WithClock(c typing.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithNow replaces the wall clock used to timestamp local entries.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithObserver registers a callback for every state change. It runs on the
// engine loop and must not call back into the engine synchronously.
func WithObserver(fn func(Update)) Option {
	return func(e *Engine) { e.observer = fn }
}

// Engine is the synchronization engine for one user session.
type Engine struct {
	config   Config
	tr       Transport
	roster   RosterFetcher
	uploader Uploader
	notifier notify.Notifier
	status   StatusStore
	clock    typing.Clock
	now      func() time.Time
	observer func(Update)
	limiter  *ratelimit.Limiter

	q        *queue
	statusCh chan func(context.Context) error
	stop     chan struct{}
	done     chan struct{}
	running  atomic.Bool
	stopOnce sync.Once

	// Loop-owned state.
	state      transport.State
	ledger     *ledger.Ledger
	presence   *presence.Tracker
	typing     *typing.Coordinator
	active     Conversation
	readTimer  typing.Timer
	readGen    uint64
	lastUnread int
}

// New creates an Engine for config.Username on top of tr and registers the
// inbound event table on it. Nothing happens until Run is called.
func New(config Config, tr Transport, opts ...Option) (*Engine, error) {
	if config.Username == "" {
		return nil, fmt.Errorf("engine: username is required")
	}
	if tr == nil {
		return nil, fmt.Errorf("engine: transport is required")
	}
	if config.Room == "" {
		config.Room = protocol.DefaultRoom
	}

	e := &Engine{
		config:   config,
		tr:       tr,
		notifier: notify.Nop{},
		clock:    typing.RealClock(),
		now:      time.Now,
		limiter:  ratelimit.NewLimiter(),
		q:        newQueue(),
		statusCh: make(chan func(context.Context) error, 32),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.state = transport.StateDisconnected
	e.ledger = ledger.New(config.Username, nil)
	e.presence = presence.NewTracker()
	e.typing = typing.NewCoordinator(config.TypingTimeout, e.clock, e.post, e.publishTyping)
	e.registerHandlers()
	return e, nil
}

// Username returns the local user.
func (e *Engine) Username() string {
	return e.config.Username
}

// Run starts the transport, loads the roster, and processes posted work until
// ctx is cancelled or Close is called. All state is discarded when it
// returns. Synchronous actions and queries (Send, MarkThreadRead, Snapshot
// and friends) need a running loop; before Run they return ErrNotRunning or
// the zero value.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: already running")
	}
	defer close(e.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if e.status != nil {
		go e.statusWriter(ctx)
		e.recordStatus(func(ctx context.Context) error {
			return e.status.Register(ctx, e.config.Username)
		})
	}
	if e.roster != nil {
		go e.loadRoster(ctx)
	}
	e.tr.Start(ctx)
	log.Printf("[engine] running as %s", e.config.Username)

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case <-e.stop:
			break loop
		case <-e.q.wake:
			for _, fn := range e.q.take() {
				fn()
			}
		}
	}

	e.q.close()
	e.shutdown()
	return err
}

// Close stops the loop, tears down the transport and discards all session
// state. It is safe to call multiple times.
func (e *Engine) Close() error {
	var err error
	e.stopOnce.Do(func() {
		close(e.stop)
		err = e.tr.Close()
		if e.running.Load() {
			<-e.done
		} else {
			e.q.close()
			e.shutdown()
		}
		e.notifier.Close()
	})
	return err
}

// shutdown discards every piece of session state.
func (e *Engine) shutdown() {
	e.typing.Close()
	e.cancelReadTimer()
	e.state = transport.StateDisconnected
	e.ledger = ledger.New(e.config.Username, nil)
	e.presence = presence.NewTracker()
	e.active = Conversation{}
	e.limiter.Reset()
	e.lastUnread = 0
	metrics.UnreadMessages.Set(0)
	log.Printf("[engine] session state discarded for %s", e.config.Username)
}

// post schedules fn on the loop. Work posted after Close is dropped.
func (e *Engine) post(fn func()) {
	e.q.push(fn)
}

// call runs fn on the loop and waits for it. It returns ErrNotRunning before
// Run has started and ErrClosed if the engine stopped before fn ran.
func (e *Engine) call(fn func()) error {
	if !e.running.Load() {
		select {
		case <-e.stop:
			return ErrClosed
		default:
			return ErrNotRunning
		}
	}
	ran := make(chan struct{})
	if !e.q.push(func() { fn(); close(ran) }) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-e.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

func (e *Engine) emit(u Update) {
	if e.observer != nil {
		e.observer(u)
	}
}

func (e *Engine) loadRoster(ctx context.Context) {
	accounts, err := e.roster.Fetch(ctx)
	e.post(func() {
		if err != nil {
			log.Printf("[engine] roster fetch failed, directory left empty: %v", err)
			e.presence.SetAccounts(nil)
		} else {
			e.presence.SetAccounts(accounts)
			log.Printf("[engine] roster loaded: %d accounts", len(e.presence.Accounts()))
		}
		e.emit(Update{Kind: UpdatePresence})
	})
}

// recordStatus queues a status write. Writes happen in order on a separate
// goroutine; when the queue is full the write is dropped.
func (e *Engine) recordStatus(fn func(context.Context) error) {
	if e.status == nil {
		return
	}
	select {
	case e.statusCh <- fn:
	default:
		log.Printf("[engine] status queue full, dropping update")
	}
}

func (e *Engine) statusWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.statusCh:
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := fn(wctx); err != nil {
				log.Printf("[engine] status write failed: %v", err)
			}
			cancel()
		}
	}
}
