package ledger

// UnreadCount returns the number of messages from counterpart that the local
// user has not read yet.
func (l *Ledger) UnreadCount(counterpart string) int {
	n := 0
	for _, m := range l.threads[counterpart] {
		if m.From == counterpart && !m.Read {
			n++
		}
	}
	return n
}

// UnreadCounts returns the non-zero unread counts keyed by counterpart.
func (l *Ledger) UnreadCounts() map[string]int {
	counts := make(map[string]int)
	for counterpart := range l.threads {
		if n := l.UnreadCount(counterpart); n > 0 {
			counts[counterpart] = n
		}
	}
	return counts
}

// TotalUnread sums the unread counts of every thread.
func (l *Ledger) TotalUnread() int {
	total := 0
	for counterpart := range l.threads {
		total += l.UnreadCount(counterpart)
	}
	return total
}

// MarkThreadRead flips every unread message from counterpart to read. It
// returns true if anything changed, meaning a read-receipt should be sent.
func (l *Ledger) MarkThreadRead(counterpart string) bool {
	thread := l.threads[counterpart]
	changed := false
	for i := range thread {
		if thread[i].From == counterpart && !thread[i].Read {
			thread[i].Read = true
			changed = true
		}
	}
	return changed
}

// ApplyReadReceipt handles a receipt relayed by the server: reader has read
// what the local user sent them. Receipts addressed to someone else are
// ignored. It returns the number of messages that changed state.
func (l *Ledger) ApplyReadReceipt(reader, addressee string) int {
	if addressee != l.local {
		return 0
	}
	thread := l.threads[reader]
	n := 0
	for i := range thread {
		if thread[i].From == l.local && !thread[i].Read {
			thread[i].Read = true
			n++
		}
	}
	return n
}
