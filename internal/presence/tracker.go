package presence

import (
	"sort"

	"github.com/whisper/chatsync/internal/protocol"
)

// Tracker holds the directory and the online set. It is not safe for
// concurrent use; the engine loop owns it.
type Tracker struct {
	accounts []protocol.Account
	byName   map[string]protocol.Account
	online   map[string]struct{}
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byName: make(map[string]protocol.Account),
		online: make(map[string]struct{}),
	}
}

// SetAccounts installs the directory. Entries with an empty username are
// ignored; later duplicates of a username are dropped.
func (t *Tracker) SetAccounts(accounts []protocol.Account) {
	t.accounts = make([]protocol.Account, 0, len(accounts))
	t.byName = make(map[string]protocol.Account, len(accounts))
	for _, a := range accounts {
		if a.Username == "" {
			continue
		}
		if _, dup := t.byName[a.Username]; dup {
			continue
		}
		t.byName[a.Username] = a
		t.accounts = append(t.accounts, a)
	}
}

// Accounts returns a copy of the directory in fetch order.
func (t *Tracker) Accounts() []protocol.Account {
	return append([]protocol.Account(nil), t.accounts...)
}

// Account looks up a directory entry.
func (t *Tracker) Account(username string) (protocol.Account, bool) {
	a, ok := t.byName[username]
	return a, ok
}

// ReplaceOnline replaces the online set with usernames. Empty names are
// skipped.
func (t *Tracker) ReplaceOnline(usernames []string) {
	t.online = make(map[string]struct{}, len(usernames))
	for _, name := range usernames {
		if name == "" {
			continue
		}
		t.online[name] = struct{}{}
	}
}

// IsOnline reports whether username is in the online set.
func (t *Tracker) IsOnline(username string) bool {
	_, ok := t.online[username]
	return ok
}

// Online returns the online set, sorted.
func (t *Tracker) Online() []string {
	names := make([]string, 0, len(t.online))
	for name := range t.online {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnlineCount returns the size of the online set.
func (t *Tracker) OnlineCount() int {
	return len(t.online)
}
