package exchange

import "testing"

func TestChangeQueueDedupesPending(t *testing.T) {
	q := NewChangeQueue()
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("a")

	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	first, ok := q.Dequeue()
	if !ok || first != "a" {
		t.Fatalf("Dequeue() = %v, %v; want a, true", first, ok)
	}
	second, ok := q.Dequeue()
	if !ok || second != "b" {
		t.Fatalf("Dequeue() = %v, %v; want b, true", second, ok)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestChangeQueueReenqueueAfterDequeue(t *testing.T) {
	q := NewChangeQueue()
	q.Enqueue("a")
	q.Dequeue()
	q.Enqueue("a")
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
}

func TestChangeQueuePeekDoesNotRemove(t *testing.T) {
	q := NewChangeQueue()
	q.Enqueue("a")
	head, ok := q.Peek()
	if !ok || head != "a" {
		t.Fatalf("Peek() = %v, %v; want a, true", head, ok)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() after Peek = %d, want 1", q.Len())
	}
}
