package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestChannel_FIFO(t *testing.T) {
	c := NewChannel()
	for i := 0; i < 100; i++ {
		c.Push(Event{Event: "content_block:delta", Data: map[string]any{"i": i}})
	}
	if c.Len() != 100 {
		t.Fatalf("Len = %d, want 100", c.Len())
	}
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		ev, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ev.Data["i"] != i {
			t.Fatalf("event %d out of order: got %v", i, ev.Data["i"])
		}
	}
}

func TestChannel_NextBlocksUntilPush(t *testing.T) {
	c := NewChannel()
	got := make(chan Event, 1)
	go func() {
		ev, err := c.Next(context.Background())
		if err == nil {
			got <- ev
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before any push")
	case <-time.After(30 * time.Millisecond):
	}

	c.Push(Event{Event: "prompt:submit"})
	select {
	case ev := <-got:
		if ev.Event != "prompt:submit" {
			t.Fatalf("unexpected event %q", ev.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake on push")
	}
}

func TestChannel_NextHonoursContext(t *testing.T) {
	c := NewChannel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestChannel_CloseDrainsThenErrClosed(t *testing.T) {
	c := NewChannel()
	c.Push(Event{Event: "a"})
	c.Push(Event{Event: "b"})
	c.Close()
	c.Close()

	if c.Push(Event{Event: "late"}) {
		t.Fatal("push after close should be dropped")
	}
	ctx := context.Background()
	for _, want := range []string{"a", "b"} {
		ev, err := c.Next(ctx)
		if err != nil || ev.Event != want {
			t.Fatalf("Next = %q, %v; want %q", ev.Event, err, want)
		}
	}
	if _, err := c.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestChannel_CloseWakesWaiter(t *testing.T) {
	c := NewChannel()
	done := make(chan error, 1)
	go func() {
		_, err := c.Next(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	c.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake waiter")
	}
}

func TestChannel_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	c := NewChannel()
	const producers = 4
	const each = 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				c.Push(Event{Event: "x", Data: map[string]any{"p": p, "i": i}})
			}
		}(p)
	}
	wg.Wait()

	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for n := 0; n < producers*each; n++ {
		ev, err := c.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		p, i := ev.Data["p"].(int), ev.Data["i"].(int)
		if i != last[p]+1 {
			t.Fatalf("producer %d: got %d after %d", p, i, last[p])
		}
		last[p] = i
	}
}
