package eventbus

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitRunsSyncHandlersInline(t *testing.T) {
	b := New()
	var got Event
	b.On(func(e Event) error {
		got = e
		return nil
	})
	b.Emit(NewEvent(Event{Type: TypeAllowed, User: "u1"}))
	if got.Type != TypeAllowed || got.User != "u1" {
		t.Fatalf("handler saw %+v", got)
	}
	if got.ID == "" {
		t.Fatal("NewEvent should stamp an ID")
	}
}

func TestEmitOneHandlerPanicDoesNotStopOthers(t *testing.T) {
	b := New()
	var secondRan int32
	b.On(func(Event) error { panic("boom") })
	b.On(func(Event) error {
		atomic.StoreInt32(&secondRan, 1)
		return nil
	})
	b.Emit(NewEvent(Event{Type: TypeBlocked}))
	if atomic.LoadInt32(&secondRan) != 1 {
		t.Fatal("second handler should still run after the first panics")
	}
}

func TestEmitOneHandlerErrorDoesNotStopOthers(t *testing.T) {
	b := New()
	var secondRan int32
	b.On(func(Event) error { return errors.New("fail") })
	b.On(func(Event) error {
		atomic.StoreInt32(&secondRan, 1)
		return nil
	})
	b.Emit(NewEvent(Event{Type: TypeBlocked}))
	if atomic.LoadInt32(&secondRan) != 1 {
		t.Fatal("second handler should still run after the first errors")
	}
}

func TestEmitAwaitsAsyncHandlersAsGroup(t *testing.T) {
	b := New()
	var ran int32
	b.OnAsync(func(Event) error {
		time.Sleep(20 * time.Millisecond)
		atomic.StoreInt32(&ran, 1)
		return nil
	})
	b.Emit(NewEvent(Event{Type: TypeAllowed}))
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("Emit should block until async handlers finish")
	}
}

func TestOffRemovesHandler(t *testing.T) {
	b := New()
	var calls int32
	tok := b.On(func(Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	b.Emit(NewEvent(Event{Type: TypeAllowed}))
	b.Off(tok)
	b.Emit(NewEvent(Event{Type: TypeAllowed}))
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1 (handler removed before second emit)", calls)
	}
}

func TestClearRemovesAllHandlers(t *testing.T) {
	b := New()
	var calls int32
	b.On(func(Event) error { atomic.AddInt32(&calls, 1); return nil })
	b.OnAsync(func(Event) error { atomic.AddInt32(&calls, 1); return nil })
	b.Clear()
	b.Emit(NewEvent(Event{Type: TypeAllowed}))
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("calls = %d, want 0 after Clear", calls)
	}
}
