package backend

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"intent-trader/internal/model"

	"github.com/shopspring/decimal"
)

// PaperClient simulates order execution without real backend calls.
// Fills are deterministic: each order fills at its limit price (or the
// signal price for market orders) adjusted by a fixed slippage, spread
// over a configurable number of status polls so callers exercise the
// PARTIALLY_FILLED path.
type PaperClient struct {
	mu       sync.Mutex
	orders   map[string]*paperOrder
	orderSeq int64

	slippageBps int64 // simulated slippage in basis points
	fillPolls   int   // polls until fully filled, min 1
	marks       map[string]decimal.Decimal

	// RejectNext, when set, rejects the next Submit with this reason.
	// Used to script rejection scenarios.
	RejectNext string
}

type paperOrder struct {
	order model.Order
	price decimal.Decimal
	polls int
}

// NewPaperClient creates a paper execution client. fillPolls controls
// how many Status calls an order takes to fill completely.
func NewPaperClient(slippageBps int64, fillPolls int) *PaperClient {
	if fillPolls < 1 {
		fillPolls = 1
	}
	return &PaperClient{
		orders:      make(map[string]*paperOrder),
		slippageBps: slippageBps,
		fillPolls:   fillPolls,
		marks:       make(map[string]decimal.Decimal),
	}
}

func (p *PaperClient) Name() string { return "paper" }

// SetMark sets the reference price market orders fill at.
func (p *PaperClient) SetMark(instrument string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[instrument] = price
}

// Submit accepts the order immediately. Resubmitting the same
// idempotency key returns the original reference instead of opening a
// second simulated order.
func (p *PaperClient) Submit(ctx context.Context, order model.Order) (model.SubmitAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.RejectNext != "" {
		reason := p.RejectNext
		p.RejectNext = ""
		return model.SubmitAck{}, &Error{
			Backend: "paper", Op: "submit",
			Code: "REJECTED", Msg: reason, Retryable: false,
		}
	}

	for ref, po := range p.orders {
		if po.order.IdempotencyKey == order.IdempotencyKey {
			return model.SubmitAck{BackendRef: ref}, nil
		}
	}

	p.orderSeq++
	ref := "PAPER-" + model.Itoa(int(p.orderSeq))

	price := order.LimitPrice
	if price.IsZero() {
		price = p.marks[order.Instrument]
	}
	if p.slippageBps > 0 && !price.IsZero() {
		slip := price.Mul(decimal.NewFromInt(p.slippageBps)).
			Div(decimal.NewFromInt(10000))
		if order.Side == model.DirectionBuy {
			price = price.Add(slip)
		} else {
			price = price.Sub(slip)
		}
	}

	p.orders[ref] = &paperOrder{order: order, price: price}

	slog.Debug("paper order accepted",
		"ref", ref, "instrument", order.Instrument,
		"side", order.Side, "qty", order.Qty.String())
	return model.SubmitAck{BackendRef: ref}, nil
}

// Status advances the simulated fill by one step per call.
func (p *PaperClient) Status(ctx context.Context, backendRef string) (model.FillState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[backendRef]
	if !ok {
		return model.FillState{}, &Error{
			Backend: "paper", Op: "status",
			Code: "NOT_FOUND", Msg: "unknown order " + backendRef, Retryable: false,
		}
	}
	if po.order.State.Terminal() {
		return p.fillState(po), nil
	}

	po.polls++
	filledFrac := decimal.NewFromInt(int64(po.polls)).
		Div(decimal.NewFromInt(int64(p.fillPolls)))
	if filledFrac.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		po.order.FilledQty = po.order.Qty
		po.order.State = model.OrderFilled
	} else {
		po.order.FilledQty = po.order.Qty.Mul(filledFrac)
		po.order.State = model.OrderPartiallyFilled
	}
	po.order.AvgFillPrice = po.price
	po.order.UpdatedAt = time.Now()
	return p.fillState(po), nil
}

// Cancel stops further fills. Already-filled quantity stays filled.
func (p *PaperClient) Cancel(ctx context.Context, backendRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[backendRef]
	if !ok {
		return &Error{
			Backend: "paper", Op: "cancel",
			Code: "NOT_FOUND", Msg: "unknown order " + backendRef, Retryable: false,
		}
	}
	if po.order.State.Terminal() {
		return ErrAlreadyTerminal
	}
	po.order.State = model.OrderCancelled
	po.order.UpdatedAt = time.Now()
	return nil
}

func (p *PaperClient) fillState(po *paperOrder) model.FillState {
	return model.FillState{
		State:        po.order.State,
		FilledQty:    po.order.FilledQty,
		AvgFillPrice: po.order.AvgFillPrice,
	}
}
