package asyncio

import (
	"testing"
	"time"
)

func TestAcquireOrSkipIdempotentCollisionReturnsImmediately(t *testing.T) {
	s := newSharedState()

	if !s.acquireOrSkip("p", true) {
		t.Fatal("first acquireOrSkip on a free path should acquire")
	}

	done := make(chan bool, 1)
	go func() {
		done <- s.acquireOrSkip("p", true)
	}()

	select {
	case acquired := <-done:
		if acquired {
			t.Error("colliding idempotent acquireOrSkip acquired the path, want skip (false)")
		}
	case <-time.After(pathRetryInterval / 2):
		t.Fatal("idempotent collision did not return promptly; it appears to be busy-waiting")
	}

	s.release("p")
}

func TestAcquireOrSkipNonIdempotentCollisionBlocksUntilReleased(t *testing.T) {
	s := newSharedState()

	if !s.acquireOrSkip("p", false) {
		t.Fatal("first acquireOrSkip on a free path should acquire")
	}

	done := make(chan bool, 1)
	go func() {
		done <- s.acquireOrSkip("p", false)
	}()

	select {
	case <-done:
		t.Fatal("non-idempotent acquireOrSkip returned before the path was released")
	case <-time.After(50 * time.Millisecond):
	}

	s.release("p")

	select {
	case acquired := <-done:
		if !acquired {
			t.Error("non-idempotent acquireOrSkip should eventually acquire, not skip")
		}
	case <-time.After(pathRetryInterval + time.Second):
		t.Fatal("non-idempotent acquireOrSkip never acquired after release")
	}

	s.release("p")
}
