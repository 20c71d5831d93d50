package queue

import (
	"testing"

	"github.com/loghaven/loghaven/internal/protocol"
)

func TestQueuePushPullOrder(t *testing.T) {
	q := NewQueue()
	for _, msg := range []string{"a", "b", "c"} {
		q.Push(protocol.RawRequest{Data: []byte(msg)})
	}
	if _, ok := q.Pull(); ok {
		t.Fatal("pull returned a frame before switch")
	}

	q.SwitchContext()
	for _, want := range []string{"a", "b", "c"} {
		raw, ok := q.Pull()
		if !ok {
			t.Fatalf("frame %q missing", want)
		}
		if string(raw.Data) != want {
			t.Errorf("expected %q, got %q", want, raw.Data)
		}
	}
	if _, ok := q.Pull(); ok {
		t.Error("pull returned a frame from an empty queue")
	}
}

func TestQueueSwitchPreservesDispatchOrder(t *testing.T) {
	q := NewQueue()
	q.Push(protocol.RawRequest{Data: []byte("a")})
	q.SwitchContext()
	q.Push(protocol.RawRequest{Data: []byte("b")})
	q.SwitchContext()

	for _, want := range []string{"a", "b"} {
		raw, ok := q.Pull()
		if !ok || string(raw.Data) != want {
			t.Fatalf("expected %q, got %q (ok=%v)", want, raw.Data, ok)
		}
	}
}

func TestQueueSizeAndBacklog(t *testing.T) {
	q := NewQueue()
	if !q.BacklogEmpty() || q.Size() != 0 {
		t.Error("fresh queue not empty")
	}
	q.Push(protocol.RawRequest{})
	q.Push(protocol.RawRequest{})
	if q.BacklogEmpty() || q.Size() != 2 {
		t.Error("backlog not tracked")
	}
	q.SwitchContext()
	if !q.BacklogEmpty() {
		t.Error("backlog not cleared by switch")
	}
	if q.Size() != 2 {
		t.Error("switch lost frames")
	}
}
