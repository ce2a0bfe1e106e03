package ringbuf

import (
	"sync"
	"testing"
	"time"

	"intent-trader/internal/model"
)

func streamBar(instrument string, ts int64) model.StreamBar {
	return model.StreamBar{
		Instrument: instrument,
		Source:     "test",
		Bar:        model.RawBar{TS: ts, Open: "1", High: "1", Low: "1", Close: "1", Volume: "1"},
	}
}

func TestRing_BasicPushPop(t *testing.T) {
	r := New(4)

	if !r.Push(streamBar("A", 1)) {
		t.Fatal("push A should succeed")
	}
	if !r.Push(streamBar("B", 2)) {
		t.Fatal("push B should succeed")
	}
	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}

	got, ok := r.Pop()
	if !ok || got.Instrument != "A" {
		t.Fatalf("expected A, got %v ok=%v", got.Instrument, ok)
	}
	got, ok = r.Pop()
	if !ok || got.Instrument != "B" {
		t.Fatalf("expected B, got %v ok=%v", got.Instrument, ok)
	}
	if _, ok = r.Pop(); ok {
		t.Fatal("pop from empty should return false")
	}
}

func TestRing_Overflow(t *testing.T) {
	r := New(2)

	r.Push(streamBar("1", 1))
	r.Push(streamBar("2", 2))

	if r.Push(streamBar("3", 3)) {
		t.Fatal("push to full buffer should return false")
	}
	if r.Overflow() != 1 {
		t.Fatalf("expected overflow=1, got %d", r.Overflow())
	}
}

func TestRing_Wraparound(t *testing.T) {
	r := New(4)

	for round := 0; round < 5; round++ {
		for i := 0; i < 4; i++ {
			if !r.Push(streamBar("X", int64(round*10+i))) {
				t.Fatalf("round %d push %d failed", round, i)
			}
		}
		for i := 0; i < 4; i++ {
			b, ok := r.Pop()
			if !ok {
				t.Fatalf("round %d pop %d failed", round, i)
			}
			if b.Bar.TS != int64(round*10+i) {
				t.Fatalf("round %d pop %d: expected ts=%d, got %d", round, i, round*10+i, b.Bar.TS)
			}
		}
	}
}

func TestRing_SPSC_Concurrent(t *testing.T) {
	const count = 100_000
	r := New(1024)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < count; i++ {
			for !r.Push(streamBar("X", int64(i))) {
				// spin-wait (busy loop for test only)
			}
		}
	}()

	received := make([]int64, 0, count)
	go func() {
		defer wg.Done()
		for len(received) < count {
			b, ok := r.Pop()
			if ok {
				received = append(received, b.Bar.TS)
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("SPSC test timed out")
	}

	for i, v := range received {
		if v != int64(i) {
			t.Fatalf("at index %d: expected %d, got %d", i, i, v)
		}
	}
}

func TestRing_NextPow2(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {7, 8}, {8, 8}, {9, 16}, {1023, 1024},
	}
	for _, tc := range cases {
		if got := nextPow2(tc.in); got != tc.want {
			t.Errorf("nextPow2(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
