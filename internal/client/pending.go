package client

import (
	"sync"
	"time"
)

type opKind uint8

const (
	kindRead opKind = iota
	kindWrite
)

func (k opKind) String() string {
	if k == kindWrite {
		return "write"
	}
	return "read"
}

// operation is one logical read or write. It owns the table entries it reserved.
type operation struct {
	seq      uint64
	kind     opKind
	deadline time.Time
	ids      []uint16 // request order

	// notify gets a token each time one of our entries is filled.
	notify chan struct{}
}

func newOperation(seq uint64, kind opKind, deadline time.Time) *operation {
	return &operation{
		seq:      seq,
		kind:     kind,
		deadline: deadline,
		notify:   make(chan struct{}, 1),
	}
}

type entry struct {
	op         *operation
	filled     bool
	content    []byte
	checksumOK bool
}

// pendingTable maps request id -> awaited response.
// Reads and writes share it, so one id space covers both.
//
// Invariant: an entry is either unfilled or holds the exact content of its
// response; a filled entry is never overwritten.
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint16]*entry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint16]*entry)}
}

// reserve adds an unfilled entry for id owned by op.
// It returns false if id is already live.
func (t *pendingTable) reserve(op *operation, id uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, live := t.entries[id]; live {
		return false
	}
	t.entries[id] = &entry{op: op}
	op.ids = append(op.ids, id)
	return true
}

// fill stores a response. Unknown ids and already filled entries are ignored.
func (t *pendingTable) fill(id uint16, content []byte, checksumOK bool) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.filled {
		t.mu.Unlock()
		return false
	}
	e.filled = true
	e.content = content
	e.checksumOK = checksumOK
	op := e.op
	t.mu.Unlock()

	select {
	case op.notify <- struct{}{}:
	default:
	}
	return true
}

// collect returns the contents of op's entries in request order once all are
// filled; otherwise it returns the ids still missing.
func (t *pendingTable) collect(op *operation) (contents [][]byte, checksumOK bool, missing []uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	checksumOK = true
	contents = make([][]byte, 0, len(op.ids))
	for _, id := range op.ids {
		e, ok := t.entries[id]
		if !ok || e.op != op || !e.filled {
			missing = append(missing, id)
			continue
		}
		contents = append(contents, e.content)
		checksumOK = checksumOK && e.checksumOK
	}
	if len(missing) > 0 {
		return nil, false, missing
	}
	return contents, checksumOK, nil
}

// release drops every entry owned by op.
func (t *pendingTable) release(op *operation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range op.ids {
		if e, ok := t.entries[id]; ok && e.op == op {
			delete(t.entries, id)
		}
	}
}

// sweepStale drops entries of kind whose owning operation is past its deadline.
// Live operations of any kind are left alone.
func (t *pendingTable) sweepStale(kind opKind, now time.Time) []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped []uint16
	for id, e := range t.entries {
		if e.op.kind == kind && now.After(e.op.deadline) {
			delete(t.entries, id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *pendingTable) has(id uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}
