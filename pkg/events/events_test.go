package events

import (
	"sync"
	"testing"
)

func TestOnReceivesEveryEmit(t *testing.T) {
	e := NewEmitter()

	var got []any
	e.On(TaskStarted, func(ev Event) {
		got = append(got, ev.Payload)
	})

	e.Emit(TaskStarted, 1)
	e.Emit(TaskStarted, 2)

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected payloads [1 2], got %v", got)
	}
}

func TestOnceFiresOnly1Time(t *testing.T) {
	e := NewEmitter()

	count := 0
	e.Once(TaskCompleted, func(Event) { count++ })

	e.Emit(TaskCompleted, nil)
	e.Emit(TaskCompleted, nil)

	if count != 1 {
		t.Fatalf("once handler fired %d times", count)
	}
	if n := e.ListenerCount(TaskCompleted); n != 0 {
		t.Fatalf("expected 0 listeners after once fired, got %d", n)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	e := NewEmitter()

	count := 0
	off := e.On(TaskFailed, func(Event) { count++ })

	e.Emit(TaskFailed, nil)
	off()
	off()
	e.Emit(TaskFailed, nil)

	if count != 1 {
		t.Fatalf("expected 1 call, got %d", count)
	}
}

func TestHandlersRunInSubscriptionOrder(t *testing.T) {
	e := NewEmitter()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		e.On(Progress, func(Event) { order = append(order, i) })
	}

	e.Emit(Progress, nil)

	for i, v := range order {
		if v != i {
			t.Fatalf("handlers ran out of order: %v", order)
		}
	}
}

func TestConcurrentEmitAndSubscribe(t *testing.T) {
	e := NewEmitter()

	var mu sync.Mutex
	seen := 0
	e.On(StepCompleted, func(Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.Emit(StepCompleted, nil)
		}()
		go func() {
			defer wg.Done()
			off := e.On(StepStarted, func(Event) {})
			off()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if seen != 10 {
		t.Fatalf("expected 10 emits observed, got %d", seen)
	}
}
