package router

import (
	"sync"
	"testing"
	"time"
)

func TestQueue_PushPop(t *testing.T) {
	q := NewQueue[int](10, 0)

	for i := 0; i < 5; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) returned false", i)
		}
	}

	if q.Len() != 5 {
		t.Errorf("Len() = %d, want 5", q.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := q.TryPop()
		if !ok {
			t.Fatalf("TryPop() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("popped %d, want %d", val, i)
		}
	}

	if _, ok := q.TryPop(); ok {
		t.Error("TryPop() on empty queue returned true")
	}
}

func TestQueue_GrowsWhenFull(t *testing.T) {
	q := NewQueue[int](4, 0)

	for i := 0; i < 4; i++ {
		q.Push(i)
	}
	if q.Cap() != 4 {
		t.Errorf("Cap() = %d, want 4 before overflow", q.Cap())
	}

	q.Push(4)
	if q.Cap() != 8 {
		t.Errorf("Cap() = %d, want 8 after overflow", q.Cap())
	}

	for i := 5; i < 100; i++ {
		q.Push(i)
	}

	stats := q.Stats()
	if stats.Len != 100 {
		t.Errorf("Len = %d, want 100", stats.Len)
	}
	if stats.Grows != 5 {
		t.Errorf("Grows = %d, want 5 (4→8→16→32→64→128)", stats.Grows)
	}

	for i := 0; i < 100; i++ {
		val, _ := q.TryPop()
		if val != i {
			t.Fatalf("popped %d, want %d", val, i)
		}
	}
}

func TestQueue_Limit(t *testing.T) {
	q := NewQueue[int](2, 3)

	for i := 0; i < 3; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) returned false below limit", i)
		}
	}
	if q.Push(3) {
		t.Error("Push beyond limit returned true")
	}

	stats := q.Stats()
	if stats.Cap != 3 || stats.Dropped != 1 || stats.Len != 3 {
		t.Errorf("stats at limit: %+v", stats)
	}
}

func TestQueue_BlockingPop(t *testing.T) {
	q := NewQueue[int](10, 0)

	received := make(chan int, 1)
	go func() {
		if val, ok := q.Pop(); ok {
			received <- val
		}
	}()

	// Give receiver time to start waiting
	time.Sleep(10 * time.Millisecond)
	q.Push(42)

	select {
	case val := <-received:
		if val != 42 {
			t.Errorf("popped %d, want 42", val)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked Pop")
	}
}

func TestQueue_CloseDrainsThenStops(t *testing.T) {
	q := NewQueue[int](10, 0)
	q.Push(1)
	q.Push(2)
	q.Close()

	if q.Push(3) {
		t.Error("Push after Close returned true")
	}

	for _, want := range []int{1, 2} {
		val, ok := q.Pop()
		if !ok || val != want {
			t.Errorf("Pop() = %d, %v, want %d, true", val, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop() on closed empty queue returned true")
	}
}

func TestQueue_CloseUnblocksPop(t *testing.T) {
	q := NewQueue[int](10, 0)

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Pop should return false after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Pop")
	}
}

func TestQueue_Drain(t *testing.T) {
	q := NewQueue[int](10, 0)
	for i := 0; i < 7; i++ {
		q.Push(i)
	}

	batch := q.Drain(5)
	if len(batch) != 5 || batch[0] != 0 || batch[4] != 4 {
		t.Errorf("Drain(5) = %v", batch)
	}

	rest := q.Drain(0)
	if len(rest) != 2 || rest[0] != 5 || rest[1] != 6 {
		t.Errorf("Drain(0) = %v", rest)
	}

	if q.Drain(10) != nil {
		t.Error("Drain on empty queue should return nil")
	}
}

func TestQueue_WrapAroundGrow(t *testing.T) {
	q := NewQueue[int](4, 0)

	q.Push(1)
	q.Push(2)
	q.Push(3)
	q.TryPop()
	q.TryPop()

	// Wraps, then overflows while wrapped
	q.Push(4)
	q.Push(5)
	q.Push(6)
	q.Push(7)
	q.Push(8)

	for _, want := range []int{3, 4, 5, 6, 7, 8} {
		got, ok := q.TryPop()
		if !ok {
			t.Fatalf("TryPop failed, expected %d", want)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
}

func TestQueue_Concurrent(t *testing.T) {
	q := NewQueue[int](10, 0)
	const numItems = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numItems; i++ {
			q.Push(i)
		}
	}()

	received := make([]int, 0, numItems)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numItems; i++ {
			if val, ok := q.Pop(); ok {
				received = append(received, val)
			}
		}
	}()

	wg.Wait()

	if len(received) != numItems {
		t.Fatalf("received %d items, want %d", len(received), numItems)
	}
	// Single producer, single consumer: order is preserved
	for i, val := range received {
		if val != i {
			t.Fatalf("item %d = %d, out of order", i, val)
		}
	}

	stats := q.Stats()
	if stats.Pushed != numItems || stats.Popped != numItems {
		t.Errorf("stats: %+v", stats)
	}
}

func TestNewQueue_MinCapacity(t *testing.T) {
	if c := NewQueue[int](0, 0).Cap(); c != 1 {
		t.Errorf("Cap() = %d, want 1 for initial capacity 0", c)
	}
	if c := NewQueue[int](-5, 0).Cap(); c != 1 {
		t.Errorf("Cap() = %d, want 1 for negative initial capacity", c)
	}
	if c := NewQueue[int](100, 10).Cap(); c != 10 {
		t.Errorf("Cap() = %d, want limit 10", c)
	}
}
