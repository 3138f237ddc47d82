package sessionctx

import (
	"context"
	"sync"
	"testing"
)

func TestCurrent_Default(t *testing.T) {
	if got := Current(context.Background()); got != "default" {
		t.Errorf("Current on bare context = %q, want %q", got, "default")
	}
}

func TestCurrent_Fallback(t *testing.T) {
	SetFallback("boot")
	defer SetFallback("")

	if got := Current(context.Background()); got != "boot" {
		t.Errorf("Current = %q, want fallback %q", got, "boot")
	}

	// A context value always wins over the fallback.
	ctx := With(context.Background(), "chat-1")
	if got := Current(ctx); got != "chat-1" {
		t.Errorf("Current = %q, want context value %q", got, "chat-1")
	}
}

func TestRunWith_Nested(t *testing.T) {
	err := RunWith(context.Background(), "outer", func(ctx context.Context) error {
		if got := Current(ctx); got != "outer" {
			t.Errorf("outer scope: got %q", got)
		}
		_ = RunWith(ctx, "inner", func(ctx context.Context) error {
			if got := Current(ctx); got != "inner" {
				t.Errorf("inner scope: got %q", got)
			}
			return nil
		})
		// Inner scope must not leak into the enclosing one.
		if got := Current(ctx); got != "outer" {
			t.Errorf("after inner scope: got %q", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunWith: %v", err)
	}
}

func TestRunWith_ConcurrentIsolation(t *testing.T) {
	const iterations = 200

	var wg sync.WaitGroup
	start := make(chan struct{})
	run := func(id string) {
		defer wg.Done()
		<-start
		for i := 0; i < iterations; i++ {
			_ = RunWith(context.Background(), id, func(ctx context.Context) error {
				done := make(chan struct{})
				// Continuations on other goroutines still observe their own id.
				go func() {
					defer close(done)
					if got := Current(ctx); got != id {
						t.Errorf("session %q observed %q", id, got)
					}
				}()
				<-done
				return nil
			})
		}
	}

	wg.Add(2)
	go run("session-a")
	go run("session-b")
	close(start)
	wg.Wait()
}
