package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAfterFires(t *testing.T) {
	w := New()
	defer w.Stop()

	var fired int32
	w.After(10*time.Millisecond, func(Handle) {
		atomic.StoreInt32(&fired, 1)
	})

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("timer did not fire")
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	w := New()
	defer w.Stop()

	var fired int32
	h := w.After(20*time.Millisecond, func(Handle) {
		atomic.StoreInt32(&fired, 1)
	})
	w.Cancel(h)

	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("cancelled timer fired")
	}
}

func TestEveryRepeats(t *testing.T) {
	w := New()
	defer w.Stop()

	var count int32
	h := w.Every(10*time.Millisecond, func(Handle) {
		atomic.AddInt32(&count, 1)
	})
	time.Sleep(55 * time.Millisecond)
	w.Cancel(h)

	if atomic.LoadInt32(&count) < 3 {
		t.Fatalf("expected repeated firings, got %d", count)
	}
}
