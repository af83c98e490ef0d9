package proxy

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueue_FastPathUnderConcurrency(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 2, MaxWaiting: 4, MaxWait: time.Second})

	r1, err := q.Acquire(context.Background(), PriorityInteractive)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	r2, err := q.Acquire(context.Background(), PriorityInteractive)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	r1()
	r2()
}

func TestQueue_RejectsWhenFull(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 1, MaxWaiting: 1, MaxWait: time.Second})

	release, err := q.Acquire(context.Background(), PriorityInteractive)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	// One waiter fits; the second at the same priority is rejected.
	waitErr := make(chan error, 1)
	go func() {
		r, err := q.Acquire(context.Background(), PriorityInteractive)
		if r != nil {
			defer r()
		}
		waitErr <- err
	}()

	waitFor(t, func() bool { return q.Depth(PriorityInteractive) == 1 })

	if _, err := q.Acquire(context.Background(), PriorityInteractive); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	release()
	if err := <-waitErr; err != nil {
		t.Errorf("queued waiter should have been granted, got %v", err)
	}
}

func TestQueue_MaxWaitTimeout(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 1, MaxWaiting: 4, MaxWait: 20 * time.Millisecond})

	release, err := q.Acquire(context.Background(), PriorityInteractive)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	start := time.Now()
	_, err = q.Acquire(context.Background(), PriorityInteractive)
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull after max wait, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("waiter gave up before the max wait elapsed")
	}
	if q.Depth(PriorityInteractive) != 0 {
		t.Errorf("timed-out waiter should be removed, depth %d", q.Depth(PriorityInteractive))
	}
}

func TestQueue_ContextCancel(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 1, MaxWaiting: 4, MaxWait: time.Second})

	release, err := q.Acquire(context.Background(), PriorityInteractive)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if _, err := q.Acquire(ctx, PriorityInteractive); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if q.Depth(PriorityInteractive) != 0 {
		t.Errorf("cancelled waiter should be removed, depth %d", q.Depth(PriorityInteractive))
	}
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 1, MaxWaiting: 4, MaxWait: time.Second})

	release, err := q.Acquire(context.Background(), PriorityInteractive)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	granted := make(chan int, 2)

	go func() {
		r, err := q.Acquire(context.Background(), PriorityBatch)
		if err == nil {
			granted <- PriorityBatch
			r()
		}
	}()
	waitFor(t, func() bool { return q.Depth(PriorityBatch) == 1 })

	go func() {
		r, err := q.Acquire(context.Background(), PriorityInteractive)
		if err == nil {
			granted <- PriorityInteractive
			r()
		}
	}()
	waitFor(t, func() bool { return q.Depth(PriorityInteractive) == 1 })

	// The freed slot goes to the interactive waiter even though the batch
	// waiter queued first.
	release()

	if first := <-granted; first != PriorityInteractive {
		t.Errorf("expected interactive to be granted first, got %s", PriorityLabel(first))
	}
	if second := <-granted; second != PriorityBatch {
		t.Errorf("expected batch to be granted second, got %s", PriorityLabel(second))
	}
}

func TestQueue_SlotHandoffKeepsConcurrency(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 1, MaxWaiting: 4, MaxWait: time.Second})

	r1, err := q.Acquire(context.Background(), PriorityInteractive)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan func(), 1)
	go func() {
		r, err := q.Acquire(context.Background(), PriorityInteractive)
		if err != nil {
			t.Errorf("waiter acquire: %v", err)
			return
		}
		got <- r
	}()
	waitFor(t, func() bool { return q.Depth(PriorityInteractive) == 1 })

	r1()
	r2 := <-got

	// The handed-off slot is still occupied; a fresh acquire must queue.
	done := make(chan struct{})
	go func() {
		r, err := q.Acquire(context.Background(), PriorityInteractive)
		if err == nil {
			r()
		}
		close(done)
	}()
	waitFor(t, func() bool { return q.Depth(PriorityInteractive) == 1 })

	r2()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("third acquire never completed after release")
	}
}

func TestQueue_UnknownPriorityTreatedAsBatch(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 1, MaxWaiting: 1, MaxWait: time.Second})

	release, err := q.Acquire(context.Background(), 99)
	if err != nil {
		t.Fatalf("acquire with out-of-range priority: %v", err)
	}
	release()
}

func TestPriorityLabel(t *testing.T) {
	cases := []struct {
		p    int
		want string
	}{
		{PriorityProbe, "probe"},
		{PriorityInteractive, "interactive"},
		{PriorityBatch, "batch"},
		{-1, "unknown"},
		{7, "unknown"},
	}
	for _, c := range cases {
		if got := PriorityLabel(c.p); got != c.want {
			t.Errorf("PriorityLabel(%d) = %q, want %q", c.p, got, c.want)
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}
