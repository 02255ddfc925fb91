package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSpeechHandleCompleteOnce(t *testing.T) {
	h := NewSpeechHandle("s1", true)
	calls := 0
	if err := h.OnComplete(func(error) { calls++ }); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	h.Complete(boom)
	h.Complete(nil)

	if calls != 1 {
		t.Fatalf("callback calls = %d", calls)
	}
	if !errors.Is(h.Err(), boom) {
		t.Fatalf("Err = %v", h.Err())
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestSpeechHandleLateCallbackRunsImmediately(t *testing.T) {
	h := NewSpeechHandle("s2", false)
	h.Complete(nil)
	ran := false
	if err := h.OnComplete(func(err error) { ran = err == nil }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("callback did not run")
	}
}

func TestSpeechHandleSecondCallbackRejected(t *testing.T) {
	h := NewSpeechHandle("s3", false)
	if err := h.OnComplete(func(error) {}); err != nil {
		t.Fatal(err)
	}
	if err := h.OnComplete(func(error) {}); !errors.Is(err, ErrCallbackRegistered) {
		t.Fatalf("got %v", err)
	}
}

func TestSpeechHandleWait(t *testing.T) {
	h := NewSpeechHandle("s4", true)
	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Complete(nil)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	pending := NewSpeechHandle("s5", true)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	if err := pending.Wait(ctx2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait on pending = %v", err)
	}
}
