package execution

import (
	"context"
	"fmt"
	"log/slog"

	"intent-trader/internal/backend"
	"intent-trader/internal/events"
	"intent-trader/internal/model"
)

// Reconcile resolves every non-terminal order left in the ledger by a
// previous run. Runs before any new request is accepted: an order we
// lost track of may still be live on its backend.
//
//   - Orders with a backend reference are re-queried and their final (or
//     current) fill state is folded in.
//   - PENDING orders without a reference are re-submitted under their
//     original idempotency key. If the submission had actually landed
//     before the crash, the backend returns the original order.
func (e *Executor) Reconcile(ctx context.Context) error {
	orders, err := e.ledger.NonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if len(orders) == 0 {
		return nil
	}
	slog.Info("reconciling orders", "count", len(orders))

	for _, order := range orders {
		order := order
		if err := e.reconcileOne(ctx, &order); err != nil {
			// Keep going: one unreachable backend must not block the rest.
			slog.Error("reconcile order failed", "order_id", order.ID, "err", err)
			continue
		}
		e.metrics.ReconciledOrders.Inc()
		events.Emit(ctx, e.sinks, events.FromOrder(events.Reconciled, order, string(order.State)))
	}
	return nil
}

func (e *Executor) reconcileOne(ctx context.Context, order *model.Order) error {
	client, ok := e.clients[order.Backend]
	if !ok {
		return e.transition(ctx, order, order.State, model.OrderFailed,
			"backend "+order.Backend+" not configured", order.BackendRef)
	}

	unlock := e.locks.lock(order.Account + "|" + order.Instrument + "|" + order.Backend)
	defer unlock()

	if order.BackendRef == "" {
		// Crashed between ledger append and submission ack. Re-submit
		// with the original key; the backend dedupes if it already holds
		// the order.
		ack, err := client.Submit(ctx, *order)
		if err != nil {
			if backend.Retryable(err) {
				return fmt.Errorf("resubmit: %w", err)
			}
			return e.transition(ctx, order, order.State, model.OrderFailed,
				"reconcile resubmit: "+err.Error(), "")
		}
		order.BackendRef = ack.BackendRef
		if err := e.transition(ctx, order, order.State, model.OrderSubmitted,
			"reconciled: accepted by backend", ack.BackendRef); err != nil {
			return err
		}
	}

	fs, err := client.Status(ctx, order.BackendRef)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	return e.applyFill(ctx, order, fs)
}
