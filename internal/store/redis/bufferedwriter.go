package redis

import (
	"context"
	"log/slog"
	"sync"

	"intent-trader/internal/model"
)

type pendingBar struct {
	source string
	bar    model.Bar
}

// BufferedStore wraps a Store with a circuit breaker. While the circuit
// is open, bar writes are buffered locally and replayed when the
// circuit closes, so a Redis outage costs cache freshness, not data.
type BufferedStore struct {
	store *Store
	cb    *CircuitBreaker
	ctx   context.Context

	mu     sync.Mutex
	buffer []pendingBar
	maxBuf int

	OnBuffer func()          // called when a write is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered writes
}

// NewBufferedStore wraps store. maxBufferSize bounds the local buffer;
// when full, the oldest buffered write is dropped.
func NewBufferedStore(ctx context.Context, store *Store, cb *CircuitBreaker, maxBufferSize int) *BufferedStore {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bs := &BufferedStore{
		store:  store,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]pendingBar, 0, 256),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bs.flush()
		}
	}

	return bs
}

// WriteBar writes through the circuit breaker, buffering when open.
func (bs *BufferedStore) WriteBar(source string, bar model.Bar) error {
	err := bs.cb.Execute(func() error {
		return bs.store.WriteBar(bs.ctx, source, bar)
	})
	if err == ErrCircuitOpen {
		bs.bufferBar(source, bar)
		return nil // buffered, not lost
	}
	return err
}

func (bs *BufferedStore) bufferBar(source string, bar model.Bar) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if len(bs.buffer) >= bs.maxBuf {
		bs.buffer = bs.buffer[1:]
	}
	bs.buffer = append(bs.buffer, pendingBar{source: source, bar: bar})

	if bs.OnBuffer != nil {
		bs.OnBuffer()
	}
}

// flush replays all buffered writes through the underlying store.
func (bs *BufferedStore) flush() {
	bs.mu.Lock()
	if len(bs.buffer) == 0 {
		bs.mu.Unlock()
		return
	}
	toFlush := bs.buffer
	bs.buffer = make([]pendingBar, 0, 256)
	bs.mu.Unlock()

	for _, pb := range toFlush {
		if err := bs.store.WriteBar(bs.ctx, pb.source, pb.bar); err != nil {
			slog.Warn("buffered replay failed", "instrument", pb.bar.Instrument, "err", err)
		}
	}

	slog.Info("flushed buffered writes", "count", len(toFlush))
	if bs.OnFlush != nil {
		bs.OnFlush(len(toFlush))
	}
}

// PendingCount returns the number of buffered writes awaiting flush.
func (bs *BufferedStore) PendingCount() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.buffer)
}

// Underlying returns the wrapped store for direct access.
func (bs *BufferedStore) Underlying() *Store {
	return bs.store
}
