package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/whisper/chatsync/internal/notify"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/transport"
	"github.com/whisper/chatsync/internal/typing"
	"github.com/whisper/chatsync/internal/upload"
)

type published struct {
	event   string
	payload interface{}
}

// fakeTransport records publishes and lets tests inject inbound events
// through the registered handler table.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]transport.Handler
	pub      []published
	started  bool
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]transport.Handler)}
}

func (f *fakeTransport) On(event string, h transport.Handler) {
	f.mu.Lock()
	f.handlers[event] = h
	f.mu.Unlock()
}

func (f *fakeTransport) Publish(event string, payload interface{}) error {
	f.mu.Lock()
	f.pub = append(f.pub, published{event, payload})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Start(context.Context) {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.handlers = make(map[string]transport.Handler)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) emit(event string, msg interface{}) {
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

// dispatch decodes a raw frame the way the transport does and delivers it.
func (f *fakeTransport) dispatch(t *testing.T, frame string) {
	t.Helper()
	event, msg, err := protocol.ParseServerEvent([]byte(frame))
	if err != nil {
		t.Fatalf("frame rejected: %v", err)
	}
	f.emit(event, msg)
}

func (f *fakeTransport) published(event string) []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []interface{}
	for _, p := range f.pub {
		if p.event == event {
			out = append(out, p.payload)
		}
	}
	return out
}

// fakeClock records scheduled callbacks so tests can fire them by hand.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	f func()
}

func (t *fakeTimer) Stop() bool { return true }

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) typing.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// fire runs timer i, stopped or not, modelling a fire that raced with Stop.
func (c *fakeClock) fire(i int) {
	c.mu.Lock()
	t := c.timers[i]
	c.mu.Unlock()
	t.f()
}

type fakeRoster struct {
	accounts []protocol.Account
	err      error
}

func (r fakeRoster) Fetch(context.Context) ([]protocol.Account, error) {
	return r.accounts, r.err
}

type fakeNotifier struct {
	mu   sync.Mutex
	cues []notify.Cue
}

func (n *fakeNotifier) Notify(c notify.Cue) error {
	n.mu.Lock()
	n.cues = append(n.cues, c)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) Close() {}

func (n *fakeNotifier) all() []notify.Cue {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Cue(nil), n.cues...)
}

// gatedUploader blocks every upload until release is closed.
type gatedUploader struct {
	release chan struct{}
	ref     string
}

func (u *gatedUploader) Upload(ctx context.Context, _ upload.File) (string, error) {
	select {
	case <-u.release:
		return u.ref, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (u *gatedUploader) UploadPath(ctx context.Context, _ string) (string, error) {
	return u.Upload(ctx, upload.File{})
}

type statusCall struct {
	op     string
	status string
	unread int
}

type fakeStatusStore struct {
	mu    sync.Mutex
	calls []statusCall
}

func (s *fakeStatusStore) Register(context.Context, string) error {
	s.record(statusCall{op: "register"})
	return nil
}

func (s *fakeStatusStore) UpdateStatus(_ context.Context, _ string, status string) error {
	s.record(statusCall{op: "status", status: status})
	return nil
}

func (s *fakeStatusStore) SetUnread(_ context.Context, _ string, unread int) error {
	s.record(statusCall{op: "unread", unread: unread})
	return nil
}

func (s *fakeStatusStore) record(c statusCall) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
}

func (s *fakeStatusStore) has(want statusCall) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c == want {
			return true
		}
	}
	return false
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	eng   *Engine
	tr    *fakeTransport
	clock *fakeClock
}

// newHarness starts an engine for "bob" on DefaultConfig, adjusted by tweak
// when given.
func newHarness(t *testing.T, tweak func(*Config), opts ...Option) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Username = "bob"
	if tweak != nil {
		tweak(&cfg)
	}

	tr := newFakeTransport()
	clock := &fakeClock{}
	opts = append([]Option{WithClock(clock), WithNow(func() time.Time { return testNow })}, opts...)
	eng, err := New(cfg, tr, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.Run(ctx)
	}()
	t.Cleanup(func() {
		eng.Close()
		cancel()
		<-done
	})

	waitFor(t, eng.running.Load)
	h := &harness{eng: eng, tr: tr, clock: clock}
	h.sync()
	return h
}

// sync waits until everything posted so far has run.
func (h *harness) sync() Snapshot {
	return h.eng.Snapshot()
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
	t.Fatal("condition not met before deadline")
}
