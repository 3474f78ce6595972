// Package session implements the client-session table: exactly-once
// deduplication of client requests across committed and uncommitted
// state, per spec.md §4.5.
package session

import (
	"container/heap"
	"sync"

	"kimberlite.dev/core/kernel"
)

// ClientID identifies a session. IDs are minted by RegisterClient and
// never reused, so a client that crashes and resets its own request
// counter cannot collide with its prior session's committed entries.
type ClientID uint64

// CommittedEntry is a cached reply for a (ClientID, RequestNumber) pair
// that has committed. check_duplicate serves these verbatim; it never
// consults the uncommitted table.
type CommittedEntry struct {
	RequestNumber   uint64
	CommittedOp     uint64
	ReplyOp         uint64
	Effects         []kernel.Effect
	CommitTimestamp int64
}

// UncommittedEntry tracks a request this replica has prepared but not
// yet committed. It never serves a cached reply.
type UncommittedEntry struct {
	RequestNumber uint64
	PreparingOp   uint64
}

// Table is the per-replica client-session state. It is not
// safe to share across replicas; each VSR replica owns one.
type Table struct {
	mu sync.Mutex

	maxSessions  int
	nextClientID uint64

	committed   map[ClientID]CommittedEntry
	uncommitted map[ClientID]UncommittedEntry

	evict  evictionHeap
	seq    map[ClientID]uint64 // generation counter, invalidates stale heap entries
	seqCtr uint64
}

// New builds an empty session table that evicts committed entries once
// more than maxSessions are held.
func New(maxSessions int) *Table {
	return &Table{
		maxSessions: maxSessions,
		committed:   make(map[ClientID]CommittedEntry),
		uncommitted: make(map[ClientID]UncommittedEntry),
		seq:         make(map[ClientID]uint64),
	}
}

// RegisterClient mints a fresh session id. Prior sessions, even under
// the same external identity, are never reused.
func (t *Table) RegisterClient() ClientID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextClientID++
	return ClientID(t.nextClientID)
}

// CheckDuplicate returns the cached committed entry for (clientID,
// requestNumber), if one exists. Uncommitted entries are never
// consulted: a client that retries while its request is still
// preparing gets no reply until commit.
func (t *Table) CheckDuplicate(clientID ClientID, requestNumber uint64) (CommittedEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.committed[clientID]
	if !ok || entry.RequestNumber != requestNumber {
		return CommittedEntry{}, false
	}
	return entry, true
}

// RecordUncommitted inserts a preparing request. requestNumber must
// exceed the client's committed request number, if any; a replay of an
// already-committed or already-preparing request number is rejected.
func (t *Table) RecordUncommitted(clientID ClientID, requestNumber, preparingOp uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if committed, ok := t.committed[clientID]; ok && requestNumber <= committed.RequestNumber {
		return serr(ErrCodeStaleRequest, "request_number does not exceed committed request_number")
	}
	// ClientID 0 is never minted by RegisterClient; internal commands
	// prepared without a client share it and are not deduplicated.
	if preparing, ok := t.uncommitted[clientID]; ok && clientID != 0 && requestNumber <= preparing.RequestNumber {
		return serr(ErrCodeStaleRequest, "request_number is already preparing")
	}
	t.uncommitted[clientID] = UncommittedEntry{RequestNumber: requestNumber, PreparingOp: preparingOp}
	return nil
}

// CommitRequest moves a request from uncommitted to committed, caching
// its reply effects. If the committed table now exceeds maxSessions,
// the entry with the oldest CommitTimestamp is evicted — deterministic
// given identical commit histories, since eviction depends only on
// timestamps already agreed by consensus.
func (t *Table) CommitRequest(clientID ClientID, requestNumber, committedOp, replyOp uint64, effects []kernel.Effect, commitTS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.uncommitted, clientID)

	entry := CommittedEntry{
		RequestNumber:   requestNumber,
		CommittedOp:     committedOp,
		ReplyOp:         replyOp,
		Effects:         effects,
		CommitTimestamp: commitTS,
	}
	t.committed[clientID] = entry

	t.seqCtr++
	t.seq[clientID] = t.seqCtr
	heap.Push(&t.evict, evictItem{clientID: clientID, commitTS: commitTS, seq: t.seqCtr})

	t.evictUntilWithinBudget()
}

// evictUntilWithinBudget pops the globally oldest-commit-timestamp
// entry until the committed table fits maxSessions, skipping heap items
// whose sequence number no longer matches the live entry (i.e. the
// client committed again since that item was pushed, making it stale).
func (t *Table) evictUntilWithinBudget() {
	if t.maxSessions <= 0 {
		return
	}
	for len(t.committed) > t.maxSessions && t.evict.Len() > 0 {
		item := heap.Pop(&t.evict).(evictItem)
		if t.seq[item.clientID] != item.seq {
			continue // stale: a newer commit for this client superseded it
		}
		delete(t.committed, item.clientID)
		delete(t.seq, item.clientID)
	}
}

// DiscardUncommitted clears the uncommitted table. Called on a new
// primary at view-change installation; the committed table survives
// untouched.
func (t *Table) DiscardUncommitted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uncommitted = make(map[ClientID]UncommittedEntry)
}

// CommittedCount reports the current size of the committed table.
func (t *Table) CommittedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.committed)
}
