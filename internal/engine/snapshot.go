package engine

import (
	"github.com/whisper/chatsync/internal/ledger"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/transport"
)

// UpdateKind says which part of the state changed.
type UpdateKind int

const (
	UpdateState UpdateKind = iota
	UpdateRoom
	UpdatePrivate
	UpdateReceipt
	UpdateTyping
	UpdatePresence
	UpdateActive
	UpdateError
)

// Update is passed to the observer after every state change.
type Update struct {
	Kind         UpdateKind
	Conversation Conversation
	State        transport.State
	From         string
	Text         string
	Err          error
}

// Snapshot is a copy of the engine state at one point of the loop.
type Snapshot struct {
	Username      string
	State         transport.State
	Active        Conversation
	Room          []ledger.RoomMessage
	Threads       map[string][]ledger.PrivateMessage
	Unread        map[string]int
	TotalUnread   int
	Accounts      []protocol.Account
	Online        []string
	RoomTypers    []string
	PrivateTypers []string
}

// IsOnline reports whether username was online when the snapshot was taken.
func (s Snapshot) IsOnline(username string) bool {
	for _, name := range s.Online {
		if name == username {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current state. After Close it returns an
// empty snapshot.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{Username: e.config.Username, Threads: map[string][]ledger.PrivateMessage{}, Unread: map[string]int{}}
	e.call(func() {
		snap.State = e.state
		snap.Active = e.active
		snap.Room = e.ledger.Room()
		for _, name := range e.ledger.Counterparts() {
			snap.Threads[name] = e.ledger.Thread(name)
		}
		snap.Unread = e.ledger.UnreadCounts()
		snap.TotalUnread = e.ledger.TotalUnread()
		snap.Accounts = e.presence.Accounts()
		snap.Online = e.presence.Online()
		snap.RoomTypers = e.typing.RoomTypers()
		snap.PrivateTypers = e.typing.PrivateTypers()
	})
	return snap
}

// UnreadCount returns the number of unread messages from counterpart.
func (e *Engine) UnreadCount(counterpart string) int {
	var n int
	e.call(func() { n = e.ledger.UnreadCount(counterpart) })
	return n
}

// IsOnline reports whether username currently holds a connection.
func (e *Engine) IsOnline(username string) bool {
	var ok bool
	e.call(func() { ok = e.presence.IsOnline(username) })
	return ok
}
