package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"intent-trader/internal/model"

	"github.com/shopspring/decimal"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func testOrder(id, key string, state model.OrderState) model.Order {
	now := time.Now()
	return model.Order{
		ID:             id,
		SignalID:       "sig-" + id,
		Backend:        "paper",
		Account:        "acct",
		Instrument:     "BTC_USDT",
		Side:           model.DirectionBuy,
		Qty:            decimal.RequireFromString("1.5"),
		IdempotencyKey: key,
		State:          state,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func mustAppend(t *testing.T, l *Ledger, o model.Order, prev, next model.OrderState, reason string) {
	t.Helper()
	o.State = next
	err := l.Append(context.Background(), model.ExecutionRecord{
		OrderID: o.ID, PrevState: prev, NewState: next, Reason: reason,
	}, o)
	if err != nil {
		t.Fatalf("Append %s -> %s: %v", prev, next, err)
	}
}

func TestAppend_SeqAndSnapshot(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	o := testOrder("ord-1", "key-1", model.OrderPending)

	mustAppend(t, l, o, "", model.OrderPending, "created")
	mustAppend(t, l, o, model.OrderPending, model.OrderSubmitted, "accepted")
	mustAppend(t, l, o, model.OrderSubmitted, model.OrderFilled, "filled")

	recs, err := l.Records(ctx, "ord-1")
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.Seq != int64(i+1) {
			t.Errorf("record %d: seq = %d, want %d", i, rec.Seq, i+1)
		}
	}
	if recs[2].NewState != model.OrderFilled || recs[2].PrevState != model.OrderSubmitted {
		t.Errorf("last record wrong: %+v", recs[2])
	}

	got, err := l.CurrentState(ctx, "ord-1")
	if err != nil {
		t.Fatalf("CurrentState: %v", err)
	}
	if got.State != model.OrderFilled {
		t.Errorf("snapshot state = %s, want FILLED", got.State)
	}
	if !got.Qty.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("qty roundtrip = %s, want 1.5", got.Qty)
	}
}

func TestAppend_SeqIsPerOrder(t *testing.T) {
	l := openTest(t)
	a := testOrder("ord-a", "key-a", model.OrderPending)
	b := testOrder("ord-b", "key-b", model.OrderPending)

	mustAppend(t, l, a, "", model.OrderPending, "")
	mustAppend(t, l, b, "", model.OrderPending, "")
	mustAppend(t, l, b, model.OrderPending, model.OrderSubmitted, "")

	recs, _ := l.Records(context.Background(), "ord-b")
	if len(recs) != 2 || recs[0].Seq != 1 || recs[1].Seq != 2 {
		t.Errorf("ord-b sequence not independent: %+v", recs)
	}
}

func TestCurrentState_NotFound(t *testing.T) {
	l := openTest(t)
	_, err := l.CurrentState(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindByIdempotencyKey(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	o := testOrder("ord-1", "the-key", model.OrderPending)
	mustAppend(t, l, o, "", model.OrderPending, "")

	got, found, err := l.FindByIdempotencyKey(ctx, "the-key")
	if err != nil || !found {
		t.Fatalf("expected hit, found=%v err=%v", found, err)
	}
	if got.ID != "ord-1" {
		t.Errorf("found wrong order %s", got.ID)
	}

	_, found, err = l.FindByIdempotencyKey(ctx, "other-key")
	if err != nil {
		t.Fatalf("miss must not error: %v", err)
	}
	if found {
		t.Error("expected miss")
	}
}

func TestNonTerminal(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	pend := testOrder("ord-p", "k1", model.OrderPending)
	pend.CreatedAt = time.UnixMilli(1000)
	pend.UpdatedAt = pend.CreatedAt
	sub := testOrder("ord-s", "k2", model.OrderPending)
	sub.CreatedAt = time.UnixMilli(2000)
	sub.UpdatedAt = sub.CreatedAt
	done := testOrder("ord-d", "k3", model.OrderPending)
	done.CreatedAt = time.UnixMilli(3000)
	done.UpdatedAt = done.CreatedAt

	mustAppend(t, l, pend, "", model.OrderPending, "")
	mustAppend(t, l, sub, "", model.OrderPending, "")
	mustAppend(t, l, sub, model.OrderPending, model.OrderSubmitted, "")
	mustAppend(t, l, done, "", model.OrderPending, "")
	mustAppend(t, l, done, model.OrderPending, model.OrderRejected, "")

	open, err := l.NonTerminal(ctx)
	if err != nil {
		t.Fatalf("NonTerminal: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open orders, got %d", len(open))
	}
	// Oldest first.
	if open[0].ID != "ord-p" || open[1].ID != "ord-s" {
		t.Errorf("ordering wrong: %s, %s", open[0].ID, open[1].ID)
	}
}

func TestAppend_RecordsSurviveSnapshotOverwrite(t *testing.T) {
	// The snapshot is a cache; the record log is the source of truth
	// and must keep every transition.
	l := openTest(t)
	o := testOrder("ord-1", "key-1", model.OrderPending)

	states := []model.OrderState{
		model.OrderPending, model.OrderSubmitted,
		model.OrderPartiallyFilled, model.OrderFilled,
	}
	prev := model.OrderState("")
	for _, st := range states {
		mustAppend(t, l, o, prev, st, "")
		prev = st
	}

	recs, _ := l.Records(context.Background(), "ord-1")
	if len(recs) != len(states) {
		t.Fatalf("record log lost transitions: %d != %d", len(recs), len(states))
	}
	for i, rec := range recs {
		if rec.NewState != states[i] {
			t.Errorf("record %d: %s, want %s", i, rec.NewState, states[i])
		}
	}
}
