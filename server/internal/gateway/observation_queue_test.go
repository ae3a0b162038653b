package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestObservationQueue_KeepsArrivalOrder(t *testing.T) {
	var seen []string
	var mu sync.Mutex

	handler := func(ctx context.Context, msg *ClientMessage) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg.Handles...)
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	q := NewObservationQueue(handler, nil)
	defer q.Close()

	for _, handles := range [][]string{{"a", "b"}, {"b", "c"}, {"d"}} {
		if err := q.Submit(&ClientMessage{Type: EventTypeObserve, Handles: handles}); err != nil {
			t.Fatalf("Failed to submit observation: %v", err)
		}
	}
	// 串行处理：等到这一轮完成时，之前的都已处理
	if err := q.SubmitWait(context.Background(), &ClientMessage{Type: EventTypeObserve}); err != nil {
		t.Fatalf("SubmitWait failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "b", "c", "d"}
	if len(seen) != len(want) {
		t.Fatalf("Expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("Observation order mismatch at %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestObservationQueue_RejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, msg *ClientMessage) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	q := newObservationQueue(handler, nil, 2, time.Second)
	defer q.Close()
	defer close(release)

	rejected := 0
	for i := 0; i < 10; i++ {
		err := q.Submit(&ClientMessage{Type: EventTypeObserve, Handles: []string{"x"}})
		if errors.Is(err, ErrQueueFull) {
			rejected++
		} else if err != nil {
			t.Fatalf("Unexpected submit error: %v", err)
		}
	}
	// 一轮在处理中，两轮在排队，其余被拒
	if rejected < 7 {
		t.Errorf("Expected at least 7 rejected observations, got %d", rejected)
	}
	if stats := q.Stats(); stats.Rejected != int64(rejected) || stats.Capacity != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestObservationQueue_FailuresDoNotStopProcessing(t *testing.T) {
	handler := func(ctx context.Context, msg *ClientMessage) error {
		if msg.EventID == "bad" {
			return errors.New("capture not started")
		}
		return nil
	}

	q := NewObservationQueue(handler, nil)
	defer q.Close()

	_ = q.Submit(&ClientMessage{EventID: "1"})
	if err := q.SubmitWait(context.Background(), &ClientMessage{EventID: "bad"}); err == nil {
		t.Fatal("Expected handler error to be returned")
	}
	if err := q.SubmitWait(context.Background(), &ClientMessage{EventID: "3"}); err != nil {
		t.Fatalf("Queue should keep processing after a failure: %v", err)
	}

	stats := q.Stats()
	if stats.Processed != 3 || stats.Failed != 1 {
		t.Errorf("Expected 3 processed and 1 failed, got %+v", stats)
	}
}

func TestObservationQueue_SubmitWaitHonoursContext(t *testing.T) {
	handler := func(ctx context.Context, msg *ClientMessage) error {
		<-ctx.Done()
		return ctx.Err()
	}

	q := newObservationQueue(handler, nil, 4, 20*time.Second)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := q.SubmitWait(ctx, &ClientMessage{EventID: "slow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func TestObservationQueue_HandlerTimeout(t *testing.T) {
	handler := func(ctx context.Context, msg *ClientMessage) error {
		<-ctx.Done()
		return ctx.Err()
	}

	q := newObservationQueue(handler, nil, 4, 20*time.Millisecond)
	defer q.Close()

	err := q.SubmitWait(context.Background(), &ClientMessage{EventID: "slow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected handler timeout, got %v", err)
	}
}

func TestObservationQueue_SubmitAfterClose(t *testing.T) {
	q := NewObservationQueue(func(context.Context, *ClientMessage) error { return nil }, nil)
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := q.Submit(&ClientMessage{EventID: "late"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Expected ErrQueueClosed, got %v", err)
	}
	// 重复关闭无副作用
	if err := q.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}
}

func BenchmarkObservationQueue_Submit(b *testing.B) {
	q := NewObservationQueue(func(context.Context, *ClientMessage) error { return nil }, nil)
	defer q.Close()

	msg := &ClientMessage{Type: EventTypeObserve, Handles: []string{"x", "y"}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = q.Submit(msg)
	}
}
