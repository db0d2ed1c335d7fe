package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/whisper/chatsync/internal/ledger"
	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/ratelimit"
	"github.com/whisper/chatsync/internal/upload"
)

// Send sends text to the active conversation.
func (e *Engine) Send(text string) error {
	var err error
	if cerr := e.call(func() { err = e.send(e.active, text, e.config.MessageRule) }); cerr != nil {
		return cerr
	}
	return err
}

// SendTo sends text to conv regardless of which conversation is active.
func (e *Engine) SendTo(conv Conversation, text string) error {
	var err error
	if cerr := e.call(func() { err = e.send(conv, text, e.config.MessageRule) }); cerr != nil {
		return cerr
	}
	return err
}

// send validates content, applies rule, and publishes. Private messages are
// appended to the thread before publishing; room messages only appear once
// the server broadcasts them back. Local typing in conv ends either way.
func (e *Engine) send(conv Conversation, text string, rule ratelimit.Rule) error {
	content, err := ledger.NormalizeContent(text)
	if err != nil {
		return err
	}
	if err := e.limiter.Check(conv.limitKey(), rule); err != nil {
		return err
	}

	if conv.IsPrivate() {
		m := e.ledger.AddOutgoingPrivate(conv.Counterpart, content, e.now())
		e.emit(Update{Kind: UpdatePrivate, Conversation: conv, From: m.From, Text: m.Content})
		err = e.publish(protocol.TypePrivateMessage, protocol.OutboundPrivateMsg{
			To:        conv.Counterpart,
			Message:   content,
			MessageID: m.ID,
		})
	} else {
		err = e.publish(protocol.TypeSendMessage, protocol.SendMessageMsg{Content: content, Room: e.config.Room})
	}

	e.typing.Sent(conv.scope(e.config.Room))
	return err
}

// Keystroke records local input in the active conversation.
func (e *Engine) Keystroke() {
	e.post(func() { e.typing.Keystroke(e.active.scope(e.config.Room)) })
}

// SetActiveConversation switches the conversation shown to the user. When a
// private thread is activated its unread messages are marked read after
// ReadReceiptDelay, unless the user switches away first. Pending typing
// timers of the previous conversation keep running against it.
func (e *Engine) SetActiveConversation(conv Conversation) {
	e.post(func() {
		if e.active == conv {
			return
		}
		e.cancelReadTimer()
		e.active = conv
		if conv.IsPrivate() {
			e.scheduleMarkRead(conv.Counterpart)
		}
		e.emit(Update{Kind: UpdateActive, Conversation: conv})
	})
}

// MarkThreadRead marks every unread message from counterpart as read and
// sends a read-receipt. It reports whether a receipt was sent.
func (e *Engine) MarkThreadRead(counterpart string) bool {
	var sent bool
	e.call(func() { sent = e.markThreadRead(counterpart) })
	return sent
}

func (e *Engine) markThreadRead(counterpart string) bool {
	if e.ledger.UnreadCount(counterpart) == 0 {
		return false
	}
	e.publish(protocol.TypeMessageRead, protocol.MessageReadMsg{From: e.config.Username, To: counterpart})
	e.ledger.MarkThreadRead(counterpart)
	e.unreadChanged()
	e.emit(Update{Kind: UpdateReceipt, Conversation: Private(counterpart), From: e.config.Username})
	return true
}

func (e *Engine) scheduleMarkRead(counterpart string) {
	e.cancelReadTimer()
	if e.config.ReadReceiptDelay <= 0 {
		e.markThreadRead(counterpart)
		return
	}
	e.readGen++
	gen := e.readGen
	e.readTimer = e.clock.AfterFunc(e.config.ReadReceiptDelay, func() {
		e.post(func() {
			if gen != e.readGen || e.active != Private(counterpart) {
				return
			}
			e.readTimer = nil
			e.markThreadRead(counterpart)
		})
	})
}

func (e *Engine) cancelReadTimer() {
	if e.readTimer != nil {
		e.readTimer.Stop()
		e.readTimer = nil
	}
	e.readGen++
}

// SendAttachment uploads file and, on success, sends the returned reference
// to the conversation that was active when the call was made. The returned
// channel yields the outcome once; upload failures are *upload.Error.
func (e *Engine) SendAttachment(ctx context.Context, file upload.File) <-chan error {
	return e.sendAttachment(ctx, file.Name, func(ctx context.Context) (string, error) {
		return e.uploader.Upload(ctx, file)
	})
}

// SendAttachmentPath is SendAttachment for a file on disk.
func (e *Engine) SendAttachmentPath(ctx context.Context, path string) <-chan error {
	return e.sendAttachment(ctx, path, func(ctx context.Context) (string, error) {
		return e.uploader.UploadPath(ctx, path)
	})
}

func (e *Engine) sendAttachment(ctx context.Context, name string, do func(context.Context) (string, error)) <-chan error {
	result := make(chan error, 1)
	if e.uploader == nil {
		result <- ErrNoUploader
		return result
	}

	var (
		target Conversation
		err    error
	)
	if cerr := e.call(func() {
		target = e.active
		err = e.limiter.Check("upload", e.config.UploadRule)
	}); cerr != nil {
		result <- cerr
		return result
	}
	if err != nil {
		result <- err
		return result
	}

	go func() {
		ref, err := do(ctx)
		if err != nil {
			log.Printf("[engine] attachment %s not sent: %v", name, err)
			e.post(func() { e.emit(Update{Kind: UpdateError, Conversation: target, Err: err}) })
			result <- err
			return
		}
		// The file is already stored; its reference is not throttled again.
		var sendErr error
		if cerr := e.call(func() { sendErr = e.send(target, ref, ratelimit.Rule{}) }); cerr != nil {
			sendErr = cerr
		}
		result <- sendErr
	}()
	return result
}

// publish sends an event and logs failures. The returned error is for
// callers that surface it to the user.
func (e *Engine) publish(event string, payload interface{}) error {
	if err := e.tr.Publish(event, payload); err != nil {
		log.Printf("[engine] publish %s: %v", event, err)
		return fmt.Errorf("engine: publish %s: %w", event, err)
	}
	return nil
}

func (e *Engine) publishTyping(msg protocol.TypingMsg) {
	e.publish(protocol.TypeTyping, msg)
}

// unreadChanged refreshes the unread gauge and the mirrored total.
func (e *Engine) unreadChanged() {
	total := e.ledger.TotalUnread()
	metrics.UnreadMessages.Set(float64(total))
	if total == e.lastUnread {
		return
	}
	e.lastUnread = total
	e.recordStatus(func(ctx context.Context) error {
		return e.status.SetUnread(ctx, e.config.Username, total)
	})
}
