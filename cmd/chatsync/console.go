package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/whisper/chatsync/internal/engine"
	"github.com/whisper/chatsync/internal/upload"
)

// client is the part of the engine the console drives.
type client interface {
	Send(text string) error
	SetActiveConversation(conv engine.Conversation)
	SendAttachmentPath(ctx context.Context, path string) <-chan error
	Snapshot() engine.Snapshot
}

// console serializes everything written to the terminal.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// observe renders engine updates. It runs on the engine loop and only writes.
func (c *console) observe(u engine.Update) {
	switch u.Kind {
	case engine.UpdateState:
		c.printf("* %s", u.State)
	case engine.UpdateRoom:
		if u.From != "" {
			c.printf("[room] %s: %s", u.From, u.Text)
		}
	case engine.UpdatePrivate:
		c.printf("[%s] %s: %s", u.Conversation, u.From, u.Text)
	case engine.UpdateReceipt:
		c.printf("* %s read %s", u.From, u.Conversation)
	case engine.UpdateError:
		c.printf("! %s", userText(u.Err))
	}
}

// exec runs one input line and reports whether the user asked to quit.
func (c *console) exec(ctx context.Context, cl client, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := cl.Send(line); err != nil {
			c.printf("! %s", userText(err))
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit":
		return true
	case "/room":
		cl.SetActiveConversation(engine.Room())
		c.printf("* talking in the room")
	case "/pm":
		if arg == "" {
			c.printf("! usage: /pm <user>")
			return false
		}
		cl.SetActiveConversation(engine.Private(arg))
		c.printf("* talking to @%s", arg)
	case "/upload":
		if arg == "" {
			c.printf("! usage: /upload <path>")
			return false
		}
		done := cl.SendAttachmentPath(ctx, arg)
		go func() {
			if err := <-done; err != nil {
				c.printf("! %s", userText(err))
				return
			}
			c.printf("* sent %s", arg)
		}()
	case "/who":
		snap := cl.Snapshot()
		c.printf("* online (%d): %s", len(snap.Online), strings.Join(snap.Online, ", "))
	case "/unread":
		snap := cl.Snapshot()
		if snap.TotalUnread == 0 {
			c.printf("* no unread messages")
			return false
		}
		names := make([]string, 0, len(snap.Unread))
		for name := range snap.Unread {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c.printf("* @%s: %d unread", name, snap.Unread[name])
		}
	case "/help":
		c.printf("* /pm <user>, /room, /upload <path>, /who, /unread, /quit")
	default:
		c.printf("! unknown command %s (try /help)", cmd)
	}
	return false
}

// userText prefers the user-facing text of upload failures.
func userText(err error) string {
	var uerr *upload.Error
	if errors.As(err, &uerr) {
		return uerr.UserMessage()
	}
	return err.Error()
}
