// Package ledger holds the local conversation state: the ordered shared-room
// sequence and one ordered thread per private counterpart, each private
// message carrying its read flag.
//
// A Ledger is not safe for concurrent use. It is owned by the engine's event
// loop and only mutated from there.
package ledger

import (
	"sort"
	"time"

	"github.com/whisper/chatsync/internal/protocol"
)

// SystemSender is the sender name of locally synthesized notices.
const SystemSender = "System"

// RoomMessage is one entry of the shared room.
type RoomMessage struct {
	ID        string
	Content   string
	Sender    string
	AvatarRef string
	CreatedAt time.Time
	IsSystem  bool
}

// PrivateMessage is one entry of a private thread. The counterpart is the
// key of the thread that holds it.
type PrivateMessage struct {
	ID        string
	From      string
	Content   string
	Timestamp time.Time
	Read      bool
}

// Ledger is the conversation store for one session.
type Ledger struct {
	local   string
	ids     *IDGenerator
	room    []RoomMessage
	seeded  bool
	threads map[string][]PrivateMessage
}

// New creates an empty ledger for localUser.
func New(localUser string, ids *IDGenerator) *Ledger {
	if ids == nil {
		ids = NewIDGenerator()
	}
	return &Ledger{
		local:   localUser,
		ids:     ids,
		threads: make(map[string][]PrivateMessage),
	}
}

// FromWire converts a server room message.
func FromWire(m protocol.RoomMessage) RoomMessage {
	return RoomMessage{
		ID:        string(m.ID),
		Content:   m.Content,
		Sender:    m.Sender.Username,
		AvatarRef: m.Sender.AvatarRef,
		CreatedAt: m.CreatedAt.Time,
		IsSystem:  m.IsSystem,
	}
}

// ApplyRoomSnapshot replaces the shared-room sequence wholesale.
func (l *Ledger) ApplyRoomSnapshot(msgs []RoomMessage) {
	l.room = append(make([]RoomMessage, 0, len(msgs)), msgs...)
	l.seeded = true
}

// Seeded reports whether a room snapshot has been applied.
func (l *Ledger) Seeded() bool {
	return l.seeded
}

// AppendRoomMessage appends m to the tail of the shared room. No
// deduplication is performed.
func (l *Ledger) AppendRoomMessage(m RoomMessage) {
	l.room = append(l.room, m)
}

// AppendSystemNotice synthesizes a system message and appends it.
func (l *Ledger) AppendSystemNotice(text string, at time.Time) RoomMessage {
	m := RoomMessage{
		ID:        l.ids.Next(),
		Content:   text,
		Sender:    SystemSender,
		CreatedAt: at,
		IsSystem:  true,
	}
	l.room = append(l.room, m)
	return m
}

// AddOutgoingPrivate appends an optimistic copy of a message the local user
// sent to counterpart. The server does not echo private messages back to the
// sender, so this is the only copy the ledger will ever hold.
func (l *Ledger) AddOutgoingPrivate(counterpart, content string, at time.Time) PrivateMessage {
	m := PrivateMessage{
		ID:        l.ids.Next(),
		From:      l.local,
		Content:   content,
		Timestamp: at,
	}
	l.threads[counterpart] = append(l.threads[counterpart], m)
	return m
}

// ReceivePrivateMessage appends an inbound message to the thread of from.
func (l *Ledger) ReceivePrivateMessage(from, content string, at time.Time) PrivateMessage {
	m := PrivateMessage{
		ID:        l.ids.Next(),
		From:      from,
		Content:   content,
		Timestamp: at,
	}
	l.threads[from] = append(l.threads[from], m)
	return m
}

// Room returns a copy of the shared-room sequence in display order.
func (l *Ledger) Room() []RoomMessage {
	return append([]RoomMessage(nil), l.room...)
}

// Thread returns a copy of the thread with counterpart, or nil if none exists.
func (l *Ledger) Thread(counterpart string) []PrivateMessage {
	t, ok := l.threads[counterpart]
	if !ok {
		return nil
	}
	return append([]PrivateMessage(nil), t...)
}

// Counterparts returns the keys of every thread, sorted.
func (l *Ledger) Counterparts() []string {
	names := make([]string, 0, len(l.threads))
	for name := range l.threads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
