// Package protocol defines the event names and payload structures exchanged
// with the messaging backend. Every event travels as one WebSocket text frame
// holding a JSON envelope with a type discriminator and a data payload.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server event names.
const (
	TypeJoin           = "join"
	TypeSendMessage    = "sendMessage"
	TypeTyping         = "typing"
	TypePrivateMessage = "privateMessage"
	TypeMessageRead    = "messageRead"
)

// Server -> Client event names. privateMessage and messageRead travel in both
// directions with different payloads.
const (
	TypeRecentMessages = "recentMessages"
	TypeNewMessage     = "newMessage"
	TypeUserJoined     = "userJoined"
	TypeUserLeft       = "userLeft"
	TypeUserTyping     = "userTyping"
	TypePrivateTyping  = "privateTyping"
	TypeUpdateUserList = "updateUserList"
)

// Transport lifecycle pseudo-events. They never appear on the wire; the
// transport session raises them when the connection opens or drops.
const (
	TypeConnect    = "connect"
	TypeDisconnect = "disconnect"
)

// DefaultRoom is the shared room every connected user participates in.
const DefaultRoom = "general"

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the frame wrapper. Data is kept raw so that decoding into the
// concrete payload can be deferred until the type is known.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON rejects frames without a type discriminator.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var partial struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	e.Data = partial.Data
	return nil
}

// ---------------------------------------------------------------------------
// Shared structures
// ---------------------------------------------------------------------------

// Account is one entry of the user directory.
type Account struct {
	Username  string `json:"username"`
	AvatarRef string `json:"avatar,omitempty"`
}

// Sender identifies the author of a room message.
type Sender struct {
	Username  string `json:"username"`
	AvatarRef string `json:"avatar,omitempty"`
}

// ID is a server-assigned message identifier. It decodes from a JSON string
// or number; a number keeps its literal text.
type ID string

// UnmarshalJSON implements json.Unmarshaler. Values that are neither a
// string nor a number decode as the empty ID.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*id = ""
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*id = ID(n.String())
	}
	return nil
}

// RoomMessage is a shared-room message as delivered by the server.
type RoomMessage struct {
	ID        ID     `json:"_id"`
	Content   string `json:"content"`
	Sender    Sender `json:"sender"`
	CreatedAt Time   `json:"createdAt"`
	IsSystem  bool   `json:"isSystem,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// JoinMsg announces the local identity right after the connection opens.
type JoinMsg struct {
	Username string `json:"username"`
	Room     string `json:"room,omitempty"`
}

// SendMessageMsg publishes content to the shared room.
type SendMessageMsg struct {
	Content string `json:"content"`
	Room    string `json:"room"`
}

// TypingMsg is scoped either to a room or to a counterpart; exactly one of
// Room and To is set.
type TypingMsg struct {
	Room     string `json:"room,omitempty"`
	To       string `json:"to,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// OutboundPrivateMsg sends a one-to-one message.
type OutboundPrivateMsg struct {
	To        string `json:"to"`
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

// MessageReadMsg is a read-receipt. The same shape is used inbound and
// outbound: From has read the messages sent to them by To.
type MessageReadMsg struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// NoticeMsg carries the human-readable text of a join/leave notice.
type NoticeMsg struct {
	Message string `json:"message"`
}

// UserTypingMsg relays room typing state.
type UserTypingMsg struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// PrivateTypingMsg relays a counterpart's typing state.
type PrivateTypingMsg struct {
	From     string `json:"from"`
	IsTyping bool   `json:"isTyping"`
}

// InboundPrivateMsg is a one-to-one message relayed by the server.
type InboundPrivateMsg struct {
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp Time   `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerEvent decodes a raw frame into its event name and typed payload.
// The payload types are: []RoomMessage, RoomMessage, NoticeMsg, UserTypingMsg,
// PrivateTypingMsg, []string, InboundPrivateMsg and MessageReadMsg. Unknown
// event names are reported with their name so callers can log and skip them.
func ParseServerEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRecentMessages:
		var m []RoomMessage
		err = decodeData(env.Data, &m)
		msg = m
	case TypeNewMessage:
		var m RoomMessage
		err = decodeData(env.Data, &m)
		msg = m
	case TypeUserJoined, TypeUserLeft:
		var m NoticeMsg
		err = decodeData(env.Data, &m)
		msg = m
	case TypeUserTyping:
		var m UserTypingMsg
		err = decodeData(env.Data, &m)
		msg = m
	case TypePrivateTyping:
		var m PrivateTypingMsg
		err = decodeData(env.Data, &m)
		msg = m
	case TypeUpdateUserList:
		msg, err = decodeUserList(env.Data)
	case TypePrivateMessage:
		var m InboundPrivateMsg
		err = decodeData(env.Data, &m)
		msg = m
	case TypeMessageRead:
		var m MessageReadMsg
		err = decodeData(env.Data, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// decodeData treats an absent payload as the zero value.
func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// decodeUserList keeps the non-empty string entries of a JSON array.
// Anything else in the list is not a username and is skipped.
func decodeUserList(raw json.RawMessage) ([]string, error) {
	var entries []json.RawMessage
	if err := decodeData(raw, &entries); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		var name string
		if err := json.Unmarshal(e, &name); err != nil || name == "" {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// NewClientMessage wraps payload in an envelope for msgType and returns the
// encoded frame.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	out, err := json.Marshal(Envelope{Type: msgType, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client message: %w", err)
	}
	return out, nil
}
