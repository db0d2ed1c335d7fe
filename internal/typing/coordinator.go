// Package typing implements the debounced typing indicator. Locally, each
// conversation scope runs a two-state machine (idle, typing) that publishes a
// start signal on the first keystroke and a stop signal after a quiet period
// or on send. Remotely, it tracks who is reported as typing to the local user.
//
// A Coordinator is not safe for concurrent use. Timer callbacks never touch
// state directly; they are handed to the post function supplied by the
// owner, which runs them on the owner's event loop.
package typing

import (
	"sort"
	"time"

	"github.com/whisper/chatsync/internal/protocol"
)

// DefaultTimeout is the inactivity window after which a stop is published.
const DefaultTimeout = 1000 * time.Millisecond

// Scope identifies a conversation target: either a room or a counterpart.
type Scope struct {
	Room string
	To   string
}

// RoomScope returns the scope for a room.
func RoomScope(room string) Scope {
	return Scope{Room: room}
}

// PrivateScope returns the scope for a one-to-one conversation.
func PrivateScope(counterpart string) Scope {
	return Scope{To: counterpart}
}

// Message builds the typing payload for the scope.
func (s Scope) Message(isTyping bool) protocol.TypingMsg {
	return protocol.TypingMsg{Room: s.Room, To: s.To, IsTyping: isTyping}
}

// Timer is the subset of *time.Timer the coordinator needs.
type Timer interface {
	Stop() bool
}

// Clock schedules timer callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock returns a Clock backed by time.AfterFunc.
func RealClock() Clock {
	return realClock{}
}

// scopeState is the local machine for one scope. gen identifies the pending
// timer so that a fire which lost the race against a reset is ignored.
type scopeState struct {
	typing bool
	timer  Timer
	gen    uint64
}

// Coordinator owns local typing state per scope and the remote typer sets.
type Coordinator struct {
	timeout time.Duration
	clock   Clock
	post    func(func())
	publish func(protocol.TypingMsg)

	scopes        map[Scope]*scopeState
	roomTypers    []string
	privateTypers map[string]bool
}

// NewCoordinator creates a Coordinator. publish is called with every typing
// signal to send; post must run the given function on the owner's loop.
func NewCoordinator(timeout time.Duration, clock Clock, post func(func()), publish func(protocol.TypingMsg)) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Coordinator{
		timeout:       timeout,
		clock:         clock,
		post:          post,
		publish:       publish,
		scopes:        make(map[Scope]*scopeState),
		privateTypers: make(map[string]bool),
	}
}

// Keystroke records local input in scope. The first keystroke after idle
// publishes a start; every keystroke restarts the inactivity timer.
func (c *Coordinator) Keystroke(scope Scope) {
	st, ok := c.scopes[scope]
	if !ok {
		st = &scopeState{}
		c.scopes[scope] = st
	}

	if !st.typing {
		st.typing = true
		c.publish(scope.Message(true))
	}

	if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = c.clock.AfterFunc(c.timeout, func() {
		c.post(func() { c.expire(scope, gen) })
	})
}

// Sent ends typing in scope immediately, publishing a stop if a start was
// published.
func (c *Coordinator) Sent(scope Scope) {
	st, ok := c.scopes[scope]
	if !ok {
		return
	}
	c.stop(scope, st)
}

// IsTyping reports whether the local user is currently typing in scope.
func (c *Coordinator) IsTyping(scope Scope) bool {
	st, ok := c.scopes[scope]
	return ok && st.typing
}

func (c *Coordinator) expire(scope Scope, gen uint64) {
	st, ok := c.scopes[scope]
	if !ok || st.gen != gen {
		return
	}
	c.stop(scope, st)
}

func (c *Coordinator) stop(scope Scope, st *scopeState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++
	if !st.typing {
		return
	}
	st.typing = false
	c.publish(scope.Message(false))
}

// Close stops every pending timer without publishing.
func (c *Coordinator) Close() {
	for _, st := range c.scopes {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.gen++
	}
}

// SetRoomTyper applies a remote room typing signal.
func (c *Coordinator) SetRoomTyper(username string, isTyping bool) {
	idx := -1
	for i, name := range c.roomTypers {
		if name == username {
			idx = i
			break
		}
	}
	switch {
	case isTyping && idx < 0:
		c.roomTypers = append(c.roomTypers, username)
	case !isTyping && idx >= 0:
		c.roomTypers = append(c.roomTypers[:idx], c.roomTypers[idx+1:]...)
	}
}

// SetPrivateTyper applies a remote private typing signal.
func (c *Coordinator) SetPrivateTyper(from string, isTyping bool) {
	if isTyping {
		c.privateTypers[from] = true
	} else {
		delete(c.privateTypers, from)
	}
}

// RoomTypers returns who is typing in the room, in the order they started.
func (c *Coordinator) RoomTypers() []string {
	return append([]string(nil), c.roomTypers...)
}

// PrivateTypers returns the counterparts currently typing, sorted.
func (c *Coordinator) PrivateTypers() []string {
	names := make([]string, 0, len(c.privateTypers))
	for name := range c.privateTypers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsCounterpartTyping reports whether from is typing to the local user.
func (c *Coordinator) IsCounterpartTyping(from string) bool {
	return c.privateTypers[from]
}
