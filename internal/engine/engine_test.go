package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whisper/chatsync/internal/ledger"
	"github.com/whisper/chatsync/internal/notify"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/ratelimit"
	"github.com/whisper/chatsync/internal/transport"
	"github.com/whisper/chatsync/internal/upload"
)

func roomMsg(id, sender, content string) protocol.RoomMessage {
	return protocol.RoomMessage{
		ID:        protocol.ID(id),
		Content:   content,
		Sender:    protocol.Sender{Username: sender},
		CreatedAt: protocol.NewTime(testNow),
	}
}

func privateMsg(from, text string) protocol.InboundPrivateMsg {
	return protocol.InboundPrivateMsg{From: from, Message: text, Timestamp: protocol.NewTime(testNow)}
}

func TestNew_RequiresUsername(t *testing.T) {
	if _, err := New(DefaultConfig(), newFakeTransport()); err == nil {
		t.Fatal("expected error for missing username")
	}
}

func TestCallsBeforeRunDoNotBlock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Username = "bob"
	eng, err := New(cfg, newFakeTransport())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- eng.SendTo(Private("alice"), "hi") }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrNotRunning) {
			t.Errorf("got %v, want ErrNotRunning", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendTo blocked before Run")
	}

	if snap := eng.Snapshot(); len(snap.Threads) != 0 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if eng.MarkThreadRead("alice") || eng.UnreadCount("alice") != 0 || eng.IsOnline("alice") {
		t.Error("queries before Run should return zero values")
	}

	eng.Close()
	if err := eng.Send("hi"); !errors.Is(err, ErrClosed) {
		t.Errorf("after Close: got %v, want ErrClosed", err)
	}
}

func TestConnectPublishesJoin(t *testing.T) {
	h := newHarness(t, nil)

	h.tr.emit(protocol.TypeConnect, nil)
	snap := h.sync()

	if snap.State != transport.StateConnected {
		t.Fatalf("state: got %s, want connected", snap.State)
	}
	joins := h.tr.published(protocol.TypeJoin)
	if len(joins) != 1 {
		t.Fatalf("expected 1 join, got %d", len(joins))
	}
	if got := joins[0].(protocol.JoinMsg); got.Username != "bob" || got.Room != protocol.DefaultRoom {
		t.Errorf("unexpected join payload: %+v", got)
	}

	h.tr.emit(protocol.TypeDisconnect, errors.New("reset"))
	if snap := h.sync(); snap.State != transport.StateDisconnected {
		t.Errorf("state after disconnect: got %s", snap.State)
	}

	h.eng.ObserveState(transport.StateConnecting)
	if snap := h.sync(); snap.State != transport.StateConnecting {
		t.Errorf("observed state: got %s", snap.State)
	}
}

func TestRoomOrderEqualsArrival(t *testing.T) {
	h := newHarness(t, nil)

	const n = 50
	for i := 0; i < n; i++ {
		// Ids repeat on purpose: appends are never deduplicated.
		h.tr.emit(protocol.TypeNewMessage, roomMsg(fmt.Sprintf("m%d", i%10), "alice", fmt.Sprintf("msg %d", i)))
	}
	room := h.sync().Room

	if len(room) != n {
		t.Fatalf("room length: got %d, want %d", len(room), n)
	}
	for i, m := range room {
		if want := fmt.Sprintf("msg %d", i); m.Content != want {
			t.Fatalf("room[%d]: got %q, want %q", i, m.Content, want)
		}
	}
}

func TestLooseNewMessageShapesAreAppended(t *testing.T) {
	h := newHarness(t, nil)

	h.tr.dispatch(t, `{"type":"newMessage","data":{"_id":"m1","content":"one","sender":{"username":"alice"},"createdAt":"2024-05-01T10:00:00Z"}}`)
	h.tr.dispatch(t, `{"type":"newMessage","data":{"_id":"m2","content":"two","sender":{"username":"alice"},"createdAt":"2024-05-01 12:00:00"}}`)
	h.tr.dispatch(t, `{"type":"newMessage","data":{"_id":17,"content":"three","sender":{"username":"alice"},"createdAt":"whenever"}}`)

	room := h.sync().Room
	if len(room) != 3 {
		t.Fatalf("room length: got %d, want 3", len(room))
	}
	if room[2].ID != "17" {
		t.Errorf("numeric id: got %q", room[2].ID)
	}
	if !room[2].CreatedAt.Equal(testNow) {
		t.Errorf("unreadable createdAt should fall back to now, got %v", room[2].CreatedAt)
	}
}

func TestRecentMessagesSeedsOnce(t *testing.T) {
	h := newHarness(t, nil)

	h.tr.emit(protocol.TypeRecentMessages, []protocol.RoomMessage{roomMsg("1", "alice", "a"), roomMsg("2", "carol", "b")})
	h.tr.emit(protocol.TypeNewMessage, roomMsg("3", "alice", "c"))
	h.tr.emit(protocol.TypeRecentMessages, []protocol.RoomMessage{roomMsg("9", "alice", "stale")})
	room := h.sync().Room

	if len(room) != 3 {
		t.Fatalf("room length: got %d, want 3", len(room))
	}
	if room[0].ID != "1" || room[2].ID != "3" {
		t.Errorf("unexpected room: %+v", room)
	}
}

func TestUserJoinedTwiceProducesDistinctNotices(t *testing.T) {
	h := newHarness(t, nil)

	h.tr.emit(protocol.TypeUserJoined, protocol.NoticeMsg{Message: "alice joined the chat"})
	h.tr.emit(protocol.TypeUserJoined, protocol.NoticeMsg{Message: "carol joined the chat"})
	room := h.sync().Room

	if len(room) != 2 {
		t.Fatalf("room length: got %d, want 2", len(room))
	}
	if !room[0].IsSystem || !room[1].IsSystem {
		t.Error("notices must be system messages")
	}
	if room[0].ID == room[1].ID {
		t.Errorf("notice ids collide: %q", room[0].ID)
	}
	if room[0].Content != "alice joined the chat" || room[1].Content != "carol joined the chat" {
		t.Errorf("notices out of order: %+v", room)
	}
}

func TestPresenceAndInboundPrivateScenario(t *testing.T) {
	h := newHarness(t, nil, WithRoster(fakeRoster{accounts: []protocol.Account{{Username: "alice"}}}))

	waitFor(t, func() bool { return len(h.sync().Accounts) == 1 })

	h.tr.emit(protocol.TypeUpdateUserList, []string{"alice"})
	h.sync()
	if !h.eng.IsOnline("alice") {
		t.Fatal("alice should be online")
	}

	h.tr.emit(protocol.TypePrivateMessage, privateMsg("alice", "hi"))
	snap := h.sync()

	thread := snap.Threads["alice"]
	if len(thread) != 1 {
		t.Fatalf("thread length: got %d, want 1", len(thread))
	}
	if m := thread[0]; m.From != "alice" || m.Content != "hi" || m.Read || !m.Timestamp.Equal(testNow) {
		t.Errorf("unexpected entry: %+v", m)
	}
	if got := h.eng.UnreadCount("alice"); got != 1 {
		t.Errorf("unread: got %d, want 1", got)
	}
}

func TestRosterFailureLeavesEmptyDirectory(t *testing.T) {
	h := newHarness(t, nil, WithRoster(fakeRoster{err: errors.New("boom")}))

	h.tr.emit(protocol.TypeUpdateUserList, []string{"alice"})
	snap := h.sync()

	if len(snap.Accounts) != 0 {
		t.Errorf("directory should be empty, got %+v", snap.Accounts)
	}
	if !snap.IsOnline("alice") {
		t.Error("presence must still work without a directory")
	}
}

func TestSendPrivateIsOptimistic(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.eng.SendTo(Private("alice"), "  hello  "); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	thread := h.sync().Threads["alice"]

	if len(thread) != 1 {
		t.Fatalf("thread length: got %d, want 1", len(thread))
	}
	m := thread[0]
	if m.From != "bob" || m.Content != "hello" || m.Read {
		t.Errorf("unexpected entry: %+v", m)
	}

	pubs := h.tr.published(protocol.TypePrivateMessage)
	if len(pubs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pubs))
	}
	if got := pubs[0].(protocol.OutboundPrivateMsg); got.To != "alice" || got.Message != "hello" || got.MessageID != m.ID {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestSendRoomHasNoLocalEcho(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.eng.Send("hello room"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if room := h.sync().Room; len(room) != 0 {
		t.Fatalf("room should stay empty until the server broadcasts, got %+v", room)
	}
	pubs := h.tr.published(protocol.TypeSendMessage)
	if len(pubs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pubs))
	}
	if got := pubs[0].(protocol.SendMessageMsg); got.Content != "hello room" || got.Room != protocol.DefaultRoom {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestSendRejectsEmptyContent(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.eng.SendTo(Private("alice"), "   "); !errors.Is(err, ledger.ErrEmptyContent) {
		t.Fatalf("got %v, want ErrEmptyContent", err)
	}
	if len(h.tr.published(protocol.TypePrivateMessage)) != 0 {
		t.Error("nothing should be published")
	}
	if len(h.sync().Threads["alice"]) != 0 {
		t.Error("nothing should be appended")
	}
}

func TestSendIsRateLimited(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MessageRule = ratelimit.Rule{Key: "msg:", Limit: 2, Window: time.Hour}
	})

	for i := 0; i < 2; i++ {
		if err := h.eng.Send("hi"); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := h.eng.Send("hi"); !errors.Is(err, ratelimit.ErrLimited) {
		t.Fatalf("got %v, want ErrLimited", err)
	}
	if err := h.eng.SendTo(Private("alice"), "hi"); err != nil {
		t.Fatalf("other conversations are limited separately: %v", err)
	}
}

func TestDefaultConfigDoesNotThrottle(t *testing.T) {
	h := newHarness(t, nil)

	const n = 12
	for i := 0; i < n; i++ {
		if err := h.eng.SendTo(Private("alice"), "hello"); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if got := len(h.sync().Threads["alice"]); got != n {
		t.Errorf("thread length: got %d, want %d", got, n)
	}
	if got := len(h.tr.published(protocol.TypePrivateMessage)); got != n {
		t.Errorf("publishes: got %d, want %d", got, n)
	}
}

func TestAttachmentReferenceIsNotThrottled(t *testing.T) {
	up := &gatedUploader{release: make(chan struct{}), ref: "/uploads/cat.png"}
	close(up.release)
	h := newHarness(t, func(c *Config) {
		c.MessageRule = ratelimit.Rule{Key: "msg:", Limit: 1, Window: time.Hour}
	}, WithUploader(up))

	h.eng.SetActiveConversation(Private("alice"))
	if err := h.eng.Send("first"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := <-h.eng.SendAttachmentPath(context.Background(), "/tmp/cat.png"); err != nil {
		t.Fatalf("SendAttachmentPath: %v", err)
	}

	thread := h.sync().Threads["alice"]
	if len(thread) != 2 || thread[1].Content != "/uploads/cat.png" {
		t.Fatalf("attachment reference missing: %+v", thread)
	}
}

func TestMarkThreadReadClearsUnread(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ReadReceiptDelay = time.Hour })

	for i := 0; i < 3; i++ {
		h.tr.emit(protocol.TypePrivateMessage, privateMsg("alice", fmt.Sprintf("m%d", i)))
	}
	h.eng.SetActiveConversation(Private("alice"))
	if got := h.eng.UnreadCount("alice"); got != 3 {
		t.Fatalf("unread before: got %d, want 3", got)
	}

	if !h.eng.MarkThreadRead("alice") {
		t.Fatal("expected a receipt to be sent")
	}
	if got := h.eng.UnreadCount("alice"); got != 0 {
		t.Fatalf("unread after: got %d, want 0", got)
	}
	if h.eng.MarkThreadRead("alice") {
		t.Error("second mark must not send another receipt")
	}
	if got := h.eng.UnreadCount("alice"); got != 0 {
		t.Errorf("unread went to %d", got)
	}

	receipts := h.tr.published(protocol.TypeMessageRead)
	if len(receipts) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(receipts))
	}
	if got := receipts[0].(protocol.MessageReadMsg); got.From != "bob" || got.To != "alice" {
		t.Errorf("unexpected receipt: %+v", got)
	}
}

func TestActivationMarksReadAfterDelay(t *testing.T) {
	h := newHarness(t, nil)

	h.tr.emit(protocol.TypePrivateMessage, privateMsg("alice", "hi"))
	h.eng.SetActiveConversation(Private("alice"))
	snap := h.sync()

	if snap.Unread["alice"] != 1 {
		t.Fatalf("unread must not change before the delay, got %d", snap.Unread["alice"])
	}
	if snap.Active != Private("alice") {
		t.Fatalf("active: got %v", snap.Active)
	}

	h.clock.fire(h.clock.count() - 1)
	if snap := h.sync(); snap.TotalUnread != 0 {
		t.Fatalf("unread after delay: got %d, want 0", snap.TotalUnread)
	}
	if len(h.tr.published(protocol.TypeMessageRead)) != 1 {
		t.Error("expected one receipt")
	}
}

func TestSwitchingAwayCancelsPendingMarkRead(t *testing.T) {
	h := newHarness(t, nil)

	h.tr.emit(protocol.TypePrivateMessage, privateMsg("alice", "hi"))
	h.eng.SetActiveConversation(Private("alice"))
	h.sync()
	pending := h.clock.count() - 1

	h.eng.SetActiveConversation(Room())
	h.sync()
	h.clock.fire(pending)

	if snap := h.sync(); snap.Unread["alice"] != 1 {
		t.Fatalf("unread: got %d, want 1", snap.Unread["alice"])
	}
	if len(h.tr.published(protocol.TypeMessageRead)) != 0 {
		t.Error("no receipt should be sent after switching away")
	}
}

func TestInboundMessageInActiveThreadIsMarkedRead(t *testing.T) {
	h := newHarness(t, nil)

	h.eng.SetActiveConversation(Private("alice"))
	h.sync()
	h.tr.emit(protocol.TypePrivateMessage, privateMsg("alice", "hi"))
	h.sync()

	h.clock.fire(h.clock.count() - 1)
	if snap := h.sync(); snap.TotalUnread != 0 {
		t.Fatalf("unread: got %d, want 0", snap.TotalUnread)
	}
}

func TestReadReceiptIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	h.eng.SendTo(Private("alice"), "one")
	h.eng.SendTo(Private("alice"), "two")
	h.tr.emit(protocol.TypePrivateMessage, privateMsg("alice", "unrelated"))

	receipt := protocol.MessageReadMsg{From: "alice", To: "bob"}
	h.tr.emit(protocol.TypeMessageRead, receipt)
	first := h.sync().Threads["alice"]
	h.tr.emit(protocol.TypeMessageRead, receipt)
	second := h.sync().Threads["alice"]

	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("thread lengths: %d, %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("entry %d changed on second receipt: %+v -> %+v", i, first[i], second[i])
		}
	}
	if !first[0].Read || !first[1].Read {
		t.Error("sent messages should be read")
	}
	if first[2].Read {
		t.Error("a receipt from alice must not mark her own message read")
	}
}

func TestReadReceiptForSomeoneElseIsIgnored(t *testing.T) {
	h := newHarness(t, nil)

	h.eng.SendTo(Private("alice"), "one")
	h.tr.emit(protocol.TypeMessageRead, protocol.MessageReadMsg{From: "alice", To: "carol"})

	if thread := h.sync().Threads["alice"]; thread[0].Read {
		t.Error("receipt addressed to carol must not apply")
	}
}

func TestTypingStopsOnceAfterInactivity(t *testing.T) {
	h := newHarness(t, nil)

	h.eng.Keystroke()
	h.eng.Keystroke()
	h.sync()

	h.clock.fire(h.clock.count() - 1)
	h.sync()

	sigs := h.tr.published(protocol.TypeTyping)
	if len(sigs) != 2 {
		t.Fatalf("expected start and stop, got %d signals", len(sigs))
	}
	start, stop := sigs[0].(protocol.TypingMsg), sigs[1].(protocol.TypingMsg)
	if !start.IsTyping || start.Room != protocol.DefaultRoom {
		t.Errorf("unexpected start: %+v", start)
	}
	if stop.IsTyping || stop.Room != protocol.DefaultRoom {
		t.Errorf("unexpected stop: %+v", stop)
	}
}

func TestSendEndsTyping(t *testing.T) {
	h := newHarness(t, nil)

	h.eng.SetActiveConversation(Private("alice"))
	h.eng.Keystroke()
	if err := h.eng.Send("hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	sigs := h.tr.published(protocol.TypeTyping)
	if len(sigs) != 2 {
		t.Fatalf("expected start and stop, got %d", len(sigs))
	}
	if stop := sigs[1].(protocol.TypingMsg); stop.IsTyping || stop.To != "alice" {
		t.Errorf("unexpected stop: %+v", stop)
	}
}

func TestRemoteTyping(t *testing.T) {
	h := newHarness(t, nil)

	h.tr.emit(protocol.TypeUserTyping, protocol.UserTypingMsg{Username: "alice", IsTyping: true})
	h.tr.emit(protocol.TypeUserTyping, protocol.UserTypingMsg{Username: "bob", IsTyping: true})
	h.tr.emit(protocol.TypePrivateTyping, protocol.PrivateTypingMsg{From: "carol", IsTyping: true})
	snap := h.sync()

	if len(snap.RoomTypers) != 1 || snap.RoomTypers[0] != "alice" {
		t.Errorf("room typers: %v", snap.RoomTypers)
	}
	if len(snap.PrivateTypers) != 1 || snap.PrivateTypers[0] != "carol" {
		t.Errorf("private typers: %v", snap.PrivateTypers)
	}

	h.tr.emit(protocol.TypeUserTyping, protocol.UserTypingMsg{Username: "alice", IsTyping: false})
	if snap := h.sync(); len(snap.RoomTypers) != 0 {
		t.Errorf("alice should have stopped: %v", snap.RoomTypers)
	}
}

func TestOversizedAttachmentNeverPublishes(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"fileUrl":"/uploads/x"}`))
	}))
	defer srv.Close()

	cfg := upload.DefaultConfig()
	cfg.BaseURL = srv.URL
	h := newHarness(t, nil, WithUploader(upload.New(cfg, nil)))
	h.eng.SetActiveConversation(Private("alice"))

	const size = 11 << 20
	err := <-h.eng.SendAttachment(context.Background(), upload.File{Name: "big.bin", Size: size, Body: bytes.NewReader(make([]byte, size))})

	var uerr *upload.Error
	if !errors.As(err, &uerr) || uerr.Reason != upload.ReasonTooLarge {
		t.Fatalf("got %v, want too_large", err)
	}
	if hits.Load() != 0 {
		t.Error("request must not reach the server")
	}
	if n := len(h.tr.published(protocol.TypePrivateMessage)); n != 0 {
		t.Errorf("expected no publish, got %d", n)
	}
	if len(h.sync().Threads["alice"]) != 0 {
		t.Error("nothing should be appended")
	}
}

func TestAttachmentGoesToConversationActiveAtStart(t *testing.T) {
	up := &gatedUploader{release: make(chan struct{}), ref: "/uploads/cat.png"}
	h := newHarness(t, nil, WithUploader(up))

	h.eng.SetActiveConversation(Private("alice"))
	result := h.eng.SendAttachmentPath(context.Background(), "/tmp/cat.png")

	h.eng.SetActiveConversation(Room())
	h.sync()
	close(up.release)

	if err := <-result; err != nil {
		t.Fatalf("SendAttachmentPath: %v", err)
	}
	pubs := h.tr.published(protocol.TypePrivateMessage)
	if len(pubs) != 1 {
		t.Fatalf("expected 1 private publish, got %d", len(pubs))
	}
	if got := pubs[0].(protocol.OutboundPrivateMsg); got.To != "alice" || got.Message != "/uploads/cat.png" {
		t.Errorf("unexpected payload: %+v", got)
	}
	if n := len(h.tr.published(protocol.TypeSendMessage)); n != 0 {
		t.Errorf("room must not receive the attachment, got %d", n)
	}
}

func TestAttachmentWithoutUploader(t *testing.T) {
	h := newHarness(t, nil)
	if err := <-h.eng.SendAttachmentPath(context.Background(), "x"); !errors.Is(err, ErrNoUploader) {
		t.Fatalf("got %v, want ErrNoUploader", err)
	}
}

func TestNotifiesOnlyForOthers(t *testing.T) {
	n := &fakeNotifier{}
	h := newHarness(t, nil, WithNotifier(n))

	h.tr.emit(protocol.TypeNewMessage, roomMsg("1", "alice", "hello"))
	h.tr.emit(protocol.TypeNewMessage, roomMsg("2", "bob", "mine"))
	h.tr.emit(protocol.TypeUserJoined, protocol.NoticeMsg{Message: "carol joined"})
	h.tr.emit(protocol.TypePrivateMessage, privateMsg("alice", "psst"))
	h.sync()

	cues := n.all()
	if len(cues) != 2 {
		t.Fatalf("expected 2 cues, got %+v", cues)
	}
	if cues[0].Kind != notify.KindRoom || cues[1].Kind != notify.KindPrivate || cues[1].From != "alice" {
		t.Errorf("unexpected cues: %+v", cues)
	}
}

func TestStatusStoreMirrorsState(t *testing.T) {
	store := &fakeStatusStore{}
	h := newHarness(t, nil, WithStatusStore(store))

	h.tr.emit(protocol.TypeConnect, nil)
	h.tr.emit(protocol.TypePrivateMessage, privateMsg("alice", "hi"))
	h.sync()

	waitFor(t, func() bool {
		return store.has(statusCall{op: "register"}) &&
			store.has(statusCall{op: "status", status: "connected"}) &&
			store.has(statusCall{op: "unread", unread: 1})
	})
}

func TestCloseDiscardsState(t *testing.T) {
	h := newHarness(t, nil)

	h.tr.emit(protocol.TypePrivateMessage, privateMsg("alice", "hi"))
	h.tr.emit(protocol.TypeNewMessage, roomMsg("1", "alice", "hello"))
	h.sync()

	if err := h.eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := h.eng.Send("hi"); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close: got %v, want ErrClosed", err)
	}
	snap := h.eng.Snapshot()
	if len(snap.Room) != 0 || len(snap.Threads) != 0 || snap.TotalUnread != 0 {
		t.Errorf("state should be empty after Close: %+v", snap)
	}
	if !h.tr.closed {
		t.Error("transport should be closed")
	}
}
