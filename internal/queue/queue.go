// Package queue buffers and processes incoming log frames per client.
// Each client gets a double-buffered queue drained by its own
// processor, so one client's backlog never reorders or delays another
// client's lines.
package queue

import (
	"sync"

	"github.com/loghaven/loghaven/internal/protocol"
)

// Queue is a double-buffered frame queue. Producers push into the
// backlog while the processor drains the dispatch side; SwitchContext
// swaps the two between rounds.
type Queue struct {
	mu       sync.Mutex
	backlog  []protocol.RawRequest
	dispatch []protocol.RawRequest
}

func NewQueue() *Queue {
	return &Queue{}
}

// Push appends a frame to the backlog.
func (q *Queue) Push(raw protocol.RawRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backlog = append(q.backlog, raw)
}

// Pull removes and returns the oldest frame on the dispatch side.
func (q *Queue) Pull() (protocol.RawRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.dispatch) == 0 {
		return protocol.RawRequest{}, false
	}
	raw := q.dispatch[0]
	q.dispatch = q.dispatch[1:]
	return raw, true
}

// SwitchContext moves the backlog to the dispatch side. Any frames
// still on the dispatch side keep their position ahead of the backlog.
func (q *Queue) SwitchContext() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.dispatch) == 0 {
		q.dispatch, q.backlog = q.backlog, q.dispatch[:0]
		return
	}
	q.dispatch = append(q.dispatch, q.backlog...)
	q.backlog = q.backlog[:0]
}

// Size returns the total number of buffered frames.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog) + len(q.dispatch)
}

// BacklogEmpty reports whether no new frames arrived since the last
// switch.
func (q *Queue) BacklogEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog) == 0
}
