package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/supa-kit/supa-go/internal/errs"
)

func TestWithLockExclusion(t *testing.T) {
	m := NewManager()
	var counter int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = WithLock(context.Background(), m, "session", -1, func(context.Context) (struct{}, error) {
				cur := atomic.AddInt32(&counter, 1)
				if cur != 1 {
					t.Errorf("expected exclusive access, got concurrent count %d", cur)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&counter, -1)
				return struct{}{}, nil
			})
		}()
	}
	wg.Wait()
}

func TestWithLockTimeoutZeroFailsFast(t *testing.T) {
	m := NewManager()
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = WithLock(context.Background(), m, "n", -1, func(context.Context) (struct{}, error) {
			close(started)
			<-release
			return struct{}{}, nil
		})
	}()
	<-started

	_, err := WithLock(context.Background(), m, "n", 0, func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	var timeoutErr *errs.LockAcquireTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected LockAcquireTimeoutError, got %v", err)
	}
	close(release)
}

func TestWithLockReentrantEnqueuesInstead(t *testing.T) {
	m := NewManager()
	var order []int
	var mu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(1)

	_, err := WithLock(context.Background(), m, "n", -1, func(ctx context.Context) (struct{}, error) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()

		// Nested acquisition from the same logical operation: must enqueue
		// rather than deadlock, and must not run until this critical
		// section exits.
		go func() {
			defer wg.Done()
			_, _ = WithLock(ctx, m, "n", -1, func(context.Context) (struct{}, error) {
				mu.Lock()
				order = append(order, 2)
				mu.Unlock()
				return struct{}{}, nil
			})
		}()
		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[2] != 2 {
		t.Fatalf("unexpected order: %v", order)
	}
}
