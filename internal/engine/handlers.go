package engine

import (
	"context"
	"log"

	"github.com/whisper/chatsync/internal/ledger"
	"github.com/whisper/chatsync/internal/notify"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/transport"
)

// registerHandlers installs one loop-posting handler per inbound event. The
// table lives on the transport session, so reconnects reuse it.
func (e *Engine) registerHandlers() {
	handlers := map[string]func(interface{}){
		protocol.TypeConnect:        e.handleConnect,
		protocol.TypeDisconnect:     e.handleDisconnect,
		protocol.TypeRecentMessages: e.handleRecentMessages,
		protocol.TypeNewMessage:     e.handleNewMessage,
		protocol.TypeUserJoined:     e.handleNotice,
		protocol.TypeUserLeft:       e.handleNotice,
		protocol.TypeUserTyping:     e.handleUserTyping,
		protocol.TypePrivateTyping:  e.handlePrivateTyping,
		protocol.TypeUpdateUserList: e.handleUserList,
		protocol.TypePrivateMessage: e.handlePrivateMessage,
		protocol.TypeMessageRead:    e.handleMessageRead,
	}
	for event, h := range handlers {
		h := h
		e.tr.On(event, func(msg interface{}) {
			e.post(func() { h(msg) })
		})
	}
}

// ObserveState feeds a transport lifecycle state into the engine. Pass it to
// transport.WithStateHandler so Connecting is visible between attempts.
func (e *Engine) ObserveState(st transport.State) {
	e.post(func() { e.setState(st) })
}

func (e *Engine) setState(st transport.State) {
	if e.state == st {
		return
	}
	e.state = st
	e.recordStatus(func(ctx context.Context) error {
		return e.status.UpdateStatus(ctx, e.config.Username, st.String())
	})
	e.emit(Update{Kind: UpdateState, State: st})
}

func (e *Engine) handleConnect(interface{}) {
	e.setState(transport.StateConnected)
	e.publish(protocol.TypeJoin, protocol.JoinMsg{Username: e.config.Username, Room: e.config.Room})
}

func (e *Engine) handleDisconnect(msg interface{}) {
	if err, ok := msg.(error); ok && err != nil {
		log.Printf("[engine] disconnected: %v", err)
	}
	e.setState(transport.StateDisconnected)
}

func (e *Engine) handleRecentMessages(msg interface{}) {
	wire, ok := msg.([]protocol.RoomMessage)
	if !ok {
		unexpected(protocol.TypeRecentMessages, msg)
		return
	}
	if e.ledger.Seeded() {
		log.Printf("[engine] ignoring repeated recentMessages (%d messages)", len(wire))
		return
	}
	msgs := make([]ledger.RoomMessage, 0, len(wire))
	for _, m := range wire {
		msgs = append(msgs, ledger.FromWire(m))
	}
	e.ledger.ApplyRoomSnapshot(msgs)
	e.emit(Update{Kind: UpdateRoom})
}

func (e *Engine) handleNewMessage(msg interface{}) {
	m, ok := msg.(protocol.RoomMessage)
	if !ok {
		unexpected(protocol.TypeNewMessage, msg)
		return
	}
	rm := ledger.FromWire(m)
	if rm.CreatedAt.IsZero() {
		rm.CreatedAt = e.now()
	}
	e.ledger.AppendRoomMessage(rm)

	if !rm.IsSystem && rm.Sender != e.config.Username {
		e.notify(notify.NewCue(notify.KindRoom, rm.Sender, rm.Content, rm.CreatedAt))
	}
	e.emit(Update{Kind: UpdateRoom, From: rm.Sender, Text: rm.Content})
}

func (e *Engine) handleNotice(msg interface{}) {
	m, ok := msg.(protocol.NoticeMsg)
	if !ok {
		unexpected("notice", msg)
		return
	}
	notice := e.ledger.AppendSystemNotice(m.Message, e.now())
	e.emit(Update{Kind: UpdateRoom, From: notice.Sender, Text: notice.Content})
}

func (e *Engine) handleUserTyping(msg interface{}) {
	m, ok := msg.(protocol.UserTypingMsg)
	if !ok {
		unexpected(protocol.TypeUserTyping, msg)
		return
	}
	if m.Username == "" || m.Username == e.config.Username {
		return
	}
	e.typing.SetRoomTyper(m.Username, m.IsTyping)
	e.emit(Update{Kind: UpdateTyping, From: m.Username})
}

func (e *Engine) handlePrivateTyping(msg interface{}) {
	m, ok := msg.(protocol.PrivateTypingMsg)
	if !ok {
		unexpected(protocol.TypePrivateTyping, msg)
		return
	}
	if m.From == "" {
		return
	}
	e.typing.SetPrivateTyper(m.From, m.IsTyping)
	e.emit(Update{Kind: UpdateTyping, Conversation: Private(m.From), From: m.From})
}

func (e *Engine) handleUserList(msg interface{}) {
	names, ok := msg.([]string)
	if !ok {
		unexpected(protocol.TypeUpdateUserList, msg)
		return
	}
	e.presence.ReplaceOnline(names)
	e.emit(Update{Kind: UpdatePresence})
}

func (e *Engine) handlePrivateMessage(msg interface{}) {
	m, ok := msg.(protocol.InboundPrivateMsg)
	if !ok {
		unexpected(protocol.TypePrivateMessage, msg)
		return
	}
	if m.From == "" {
		log.Printf("[engine] dropping private message without sender")
		return
	}
	at := m.Timestamp.Time
	if at.IsZero() {
		at = e.now()
	}
	e.ledger.ReceivePrivateMessage(m.From, m.Message, at)
	e.unreadChanged()

	if m.From != e.config.Username {
		e.notify(notify.NewCue(notify.KindPrivate, m.From, m.Message, at))
	}
	if e.active == Private(m.From) {
		e.scheduleMarkRead(m.From)
	}
	e.emit(Update{Kind: UpdatePrivate, Conversation: Private(m.From), From: m.From, Text: m.Message})
}

func (e *Engine) handleMessageRead(msg interface{}) {
	m, ok := msg.(protocol.MessageReadMsg)
	if !ok {
		unexpected(protocol.TypeMessageRead, msg)
		return
	}
	if n := e.ledger.ApplyReadReceipt(m.From, m.To); n > 0 {
		e.emit(Update{Kind: UpdateReceipt, Conversation: Private(m.From), From: m.From})
	}
}

func (e *Engine) notify(cue notify.Cue) {
	if err := e.notifier.Notify(cue); err != nil {
		log.Printf("[engine] notify: %v", err)
	}
}

func unexpected(event string, msg interface{}) {
	log.Printf("[engine] unexpected %s payload %T", event, msg)
}
