package gateway

import (
	"encoding/json"
	"sync"
	"time"
)

// result is the completion of one pending request.
type result struct {
	payload json.RawMessage
	err     error
}

// pending is one in-flight request. ch has capacity 1 and receives exactly
// one value, sent by whoever removed the entry from the table.
type pending struct {
	id       string
	method   string
	deadline time.Time
	ch       chan result
}

// requestTable maps correlation ids to pending requests for one socket.
// Once drained it rejects new entries.
type requestTable struct {
	mu      sync.Mutex
	entries map[string]*pending
	closed  bool
	err     error
}

func newRequestTable() *requestTable {
	return &requestTable{entries: make(map[string]*pending)}
}

// add registers a pending request. It returns the table's drain error if the
// table has already been drained.
func (t *requestTable) add(id, method string, deadline time.Time) (*pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, t.err
	}
	p := &pending{id: id, method: method, deadline: deadline, ch: make(chan result, 1)}
	t.entries[id] = p
	return p, nil
}

// take removes and returns the entry for id. The caller owns its completion.
func (t *requestTable) take(id string) (*pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return p, ok
}

// drain rejects every entry with err and closes the table. Only the first
// call has any effect; it returns the number of rejected requests.
func (t *requestTable) drain(err error) int {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	t.closed = true
	t.err = err
	entries := t.entries
	t.entries = make(map[string]*pending)
	t.mu.Unlock()

	for _, p := range entries {
		p.ch <- result{err: err}
	}
	return len(entries)
}

func (t *requestTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// complete delivers r to p. Only the goroutine that removed p from the table
// may call it.
func (p *pending) complete(r result) {
	p.ch <- r
}
