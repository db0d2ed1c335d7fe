package engine

import "github.com/whisper/chatsync/internal/typing"

// Conversation identifies where outbound messages go: the shared room when
// Counterpart is empty, otherwise the private thread with Counterpart.
type Conversation struct {
	Counterpart string
}

// Room returns the shared-room conversation.
func Room() Conversation {
	return Conversation{}
}

// Private returns the conversation with counterpart.
func Private(counterpart string) Conversation {
	return Conversation{Counterpart: counterpart}
}

// IsPrivate reports whether c is a one-to-one conversation.
func (c Conversation) IsPrivate() bool {
	return c.Counterpart != ""
}

func (c Conversation) String() string {
	if c.IsPrivate() {
		return "@" + c.Counterpart
	}
	return "room"
}

func (c Conversation) scope(room string) typing.Scope {
	if c.IsPrivate() {
		return typing.PrivateScope(c.Counterpart)
	}
	return typing.RoomScope(room)
}

// limitKey identifies the conversation for outbound rate limiting.
func (c Conversation) limitKey() string {
	return c.String()
}
