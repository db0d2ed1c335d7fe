// Package notify emits best-effort cues when a message from someone else
// arrives. Delivery failures are logged by the caller and otherwise ignored.
package notify

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Cue kinds.
const (
	KindRoom    = "room"
	KindPrivate = "private"
)

// Cue describes one inbound message worth notifying about.
type Cue struct {
	Kind    string    `json:"kind"`
	From    string    `json:"from"`
	Preview string    `json:"preview"`
	At      time.Time `json:"at"`
}

// previewLimit bounds the number of runes of message content carried in a cue.
const previewLimit = 80

// NewCue builds a cue, truncating content to a short preview.
func NewCue(kind, from, content string, at time.Time) Cue {
	r := []rune(content)
	if len(r) > previewLimit {
		content = string(r[:previewLimit]) + "…"
	}
	return Cue{Kind: kind, From: from, Preview: content, At: at}
}

// Encode returns the JSON form of the cue.
func (c Cue) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Notifier delivers cues. Implementations must not block for long.
type Notifier interface {
	Notify(cue Cue) error
	Close()
}

// Nop discards every cue.
type Nop struct{}

func (Nop) Notify(Cue) error { return nil }
func (Nop) Close()           {}

// Bell writes the terminal bell character for every cue.
type Bell struct {
	mu sync.Mutex
	w  io.Writer
}

// NewBell creates a Bell writing to w.
func NewBell(w io.Writer) *Bell {
	return &Bell{w: w}
}

func (b *Bell) Notify(Cue) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.w.Write([]byte{'\a'})
	return err
}

func (b *Bell) Close() {}

// Multi fans a cue out to several notifiers and returns the first error.
type Multi []Notifier

func (m Multi) Notify(cue Cue) error {
	var first error
	for _, n := range m {
		if err := n.Notify(cue); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() {
	for _, n := range m {
		n.Close()
	}
}
