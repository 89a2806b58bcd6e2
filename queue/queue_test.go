package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/LuminPulse-AI/chatsync/internal/metrics"
)

func TestQueueOrdering(t *testing.T) {
	q := New()

	var mu sync.Mutex
	var got []int
	running := 0

	const n = 50
	for i := 0; i < n; i++ {
		i := i
		q.Enqueue(func(context.Context) error {
			mu.Lock()
			running++
			if running != 1 {
				t.Errorf("action %d overlapped with another action", i)
			}
			mu.Unlock()

			time.Sleep(100 * time.Microsecond)

			mu.Lock()
			got = append(got, i)
			running--
			mu.Unlock()
			return nil
		})
	}
	q.Wait()

	if len(got) != n {
		t.Fatalf("expected %d actions, got %d", n, len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("action at index %d ran as %d; order %v", i, v, got)
		}
	}
}

func TestQueueConcurrentEnqueuersKeepArrivalOrder(t *testing.T) {
	q := New()

	var mu sync.Mutex
	var arrival, executed []int

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Arrival order is whatever order the enqueuers win the lock in.
			mu.Lock()
			arrival = append(arrival, i)
			q.Enqueue(func(context.Context) error {
				mu.Lock()
				executed = append(executed, i)
				mu.Unlock()
				return nil
			})
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	q.Wait()

	if len(executed) != len(arrival) {
		t.Fatalf("executed %d of %d", len(executed), len(arrival))
	}
	for i := range arrival {
		if arrival[i] != executed[i] {
			t.Fatalf("arrival %v != executed %v", arrival, executed)
		}
	}
}

func TestQueueResilience(t *testing.T) {
	q := New()
	var got []string

	q.Enqueue(func(context.Context) error { got = append(got, "a1"); return nil })
	q.Enqueue(func(context.Context) error { got = append(got, "a2"); return errors.New("boom") })
	q.Enqueue(func(context.Context) error { got = append(got, "a3"); panic("kaboom") })
	q.Enqueue(func(context.Context) error { got = append(got, "a4"); return nil })
	q.Wait()

	want := []string{"a1", "a2", "a3", "a4"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestQueuePosition(t *testing.T) {
	q := New()
	release := make(chan struct{})
	started := make(chan struct{})

	if pos := q.Enqueue(func(context.Context) error {
		close(started)
		<-release
		return nil
	}); pos != 1 {
		t.Fatalf("first position = %d, want 1", pos)
	}
	<-started

	if pos := q.Enqueue(func(context.Context) error { return nil }); pos != 2 {
		t.Fatalf("second position = %d, want 2", pos)
	}
	if pos := q.Enqueue(func(context.Context) error { return nil }); pos != 3 {
		t.Fatalf("third position = %d, want 3", pos)
	}
	if n := q.Len(); n != 3 {
		t.Fatalf("Len() = %d, want 3", n)
	}

	close(release)
	q.Wait()

	if n := q.Len(); n != 0 {
		t.Fatalf("Len() after drain = %d, want 0", n)
	}
	if pos := q.Enqueue(func(context.Context) error { return nil }); pos != 1 {
		t.Fatalf("position after idle = %d, want 1", pos)
	}
	q.Wait()
}

func TestDo(t *testing.T) {
	q := New()
	ctx := context.Background()

	t.Run("returns value", func(t *testing.T) {
		v, err := Do(ctx, q, func(context.Context) (int, error) { return 42, nil })
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != 42 {
			t.Fatalf("expected 42, got %d", v)
		}
	})

	t.Run("returns error", func(t *testing.T) {
		sentinel := errors.New("nope")
		_, err := Do(ctx, q, func(context.Context) (int, error) { return 0, sentinel })
		if !errors.Is(err, sentinel) {
			t.Fatalf("expected sentinel, got %v", err)
		}
	})

	t.Run("panic becomes error", func(t *testing.T) {
		err := Run(ctx, q, func(context.Context) error { panic("bad") })
		if err == nil {
			t.Fatal("expected error from panicking action")
		}
		// The queue must still be usable.
		if err := Run(ctx, q, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("queue stalled after panic: %v", err)
		}
	})

	t.Run("cancelled wait still runs action", func(t *testing.T) {
		release := make(chan struct{})
		q.Enqueue(func(context.Context) error { <-release; return nil })

		cctx, cancel := context.WithCancel(ctx)
		ran := make(chan struct{})
		errCh := make(chan error, 1)
		go func() {
			errCh <- Run(cctx, q, func(context.Context) error { close(ran); return nil })
		}()
		cancel()
		if err := <-errCh; !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		close(release)
		select {
		case <-ran:
		case <-time.After(time.Second):
			t.Fatal("abandoned action never ran")
		}
		q.Wait()
	})
}

func TestQueueDepthGaugeNeverNegative(t *testing.T) {
	base := testutil.ToFloat64(metrics.QueueDepth)
	q := New()

	stop := make(chan struct{})
	low := make(chan float64, 1)
	go func() {
		lowest := base
		for {
			select {
			case <-stop:
				low <- lowest
				return
			default:
			}
			if v := testutil.ToFloat64(metrics.QueueDepth); v < lowest {
				lowest = v
			}
		}
	}()

	for i := 0; i < 500; i++ {
		q.Enqueue(func(context.Context) error { return nil })
		if i%50 == 0 {
			q.Wait()
		}
	}
	q.Wait()
	close(stop)

	if m := <-low; m < base {
		t.Fatalf("queue depth dropped to %v below %v", m, base)
	}
	if got := testutil.ToFloat64(metrics.QueueDepth); got != base {
		t.Fatalf("queue depth after drain = %v, want %v", got, base)
	}
}
