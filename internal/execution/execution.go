// Package execution drives orders through their lifecycle: sizing and
// risk checks, idempotent submission with bounded retries, fill polling,
// cancellation, and startup reconciliation. Every state transition is
// appended to the ledger before the executor acts on it.
package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"intent-trader/internal/backend"
	"intent-trader/internal/events"
	"intent-trader/internal/logger"
	"intent-trader/internal/metrics"
	"intent-trader/internal/model"
)

// AlreadyTerminalError rejects an operation against an order that has
// already reached a terminal state. The ledger is left untouched.
type AlreadyTerminalError struct {
	OrderID string
	State   model.OrderState
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("order %s already terminal in state %s", e.OrderID, e.State)
}

func (e *AlreadyTerminalError) Unwrap() error { return backend.ErrAlreadyTerminal }

// Config configures the executor.
type Config struct {
	Account      string
	Retry        RetryConfig
	PollInterval time.Duration // fill polling cadence
	PollBudget   time.Duration // max time to wait for a terminal fill, 0 = PollInterval*20
	Risk         RiskLimits
	Hours        backend.TradingHours
}

// Executor is the order execution core. One instance serves all
// backends; per-(account, instrument, backend) locks serialize
// submissions for the same exposure while leaving others parallel.
type Executor struct {
	clients map[string]model.ExecutionClient
	ledger  model.Ledger
	metrics *metrics.Metrics
	sinks   []events.Sink
	cfg     Config

	locks keyedMutex

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an executor over the given backend clients.
func New(clients []model.ExecutionClient, ledger model.Ledger, m *metrics.Metrics, sinks []events.Sink, cfg Config) *Executor {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollBudget == 0 {
		cfg.PollBudget = cfg.PollInterval * 20
	}
	byName := make(map[string]model.ExecutionClient, len(clients))
	for _, c := range clients {
		byName[c.Name()] = c
	}
	return &Executor{
		clients: byName,
		ledger:  ledger,
		metrics: m,
		sinks:   sinks,
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IdempotencyKey derives the deterministic key under which at most one
// live order may exist for a signal on a backend.
func IdempotencyKey(signalID, account, backendName, instrument string) string {
	sum := sha256.Sum256([]byte(signalID + "|" + account + "|" + backendName + "|" + instrument))
	return hex.EncodeToString(sum[:16])
}

// Execute turns a signal into an order on the named backend and drives
// it to a state the caller can report: FILLED, PARTIALLY_FILLED (poll
// budget exhausted with fills outstanding), or a terminal failure.
// Re-executing the same signal returns the existing order.
func (e *Executor) Execute(ctx context.Context, sig model.Signal, backendName string) (model.Order, error) {
	client, ok := e.clients[backendName]
	if !ok {
		return model.Order{}, fmt.Errorf("unknown backend %q", backendName)
	}

	qty, err := SizeOrder(sig, e.cfg.Risk)
	if err != nil {
		return model.Order{}, err
	}
	if qty.IsZero() {
		return model.Order{}, &RiskError{Instrument: sig.Instrument, Reason: "sizing policy yields no trade at current price"}
	}

	if !e.cfg.Hours.Open(e.now()) {
		return model.Order{}, &RiskError{
			Instrument: sig.Instrument,
			Reason:     "market closed, next open " + e.cfg.Hours.NextOpen(e.now()).Format(time.RFC3339),
		}
	}

	key := IdempotencyKey(sig.ID, e.cfg.Account, backendName, sig.Instrument)

	// The keyed lock covers dedupe and submission only; fill polling
	// runs unlocked so another order for the same exposure, or a
	// Cancel, is never stuck behind a slow fill.
	unlock := e.locks.lock(e.cfg.Account + "|" + sig.Instrument + "|" + backendName)
	release := func() {
		if unlock != nil {
			unlock()
			unlock = nil
		}
	}
	defer release()

	// Dedupe under the lock: a concurrent duplicate waits here and then
	// finds the first caller's order.
	if existing, found, err := e.ledger.FindByIdempotencyKey(ctx, key); err != nil {
		return model.Order{}, fmt.Errorf("idempotency lookup: %w", err)
	} else if found {
		slog.Info("duplicate execution suppressed",
			append(logger.WithRequest(ctx), "order_id", existing.ID, "state", string(existing.State))...)
		return existing, nil
	}

	now := e.now()
	order := model.Order{
		ID:             "ord-" + key[:16],
		SignalID:       sig.ID,
		Backend:        backendName,
		Account:        e.cfg.Account,
		Instrument:     sig.Instrument,
		Side:           sig.Direction,
		Qty:            qty,
		IdempotencyKey: key,
		State:          model.OrderPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.transition(ctx, &order, "", model.OrderPending, "order created from signal "+sig.ID, ""); err != nil {
		return model.Order{}, err
	}
	e.metrics.OrdersInFlight.Inc()
	defer func() {
		if order.State.Terminal() {
			e.metrics.OrdersInFlight.Dec()
			e.metrics.OrdersTotal.WithLabelValues(backendName, string(order.State)).Inc()
		}
	}()

	if err := e.submit(ctx, client, &order); err != nil {
		return order, err
	}
	release()
	return order, e.poll(ctx, client, &order)
}

// submit drives PENDING → SUBMITTED, retrying retryable backend errors
// under the retry budget. Transport timeouts are retried with the same
// idempotency key, so a submission that actually landed is deduplicated
// by the backend.
func (e *Executor) submit(ctx context.Context, client model.ExecutionClient, order *model.Order) error {
	deadline := e.now().Add(e.cfg.Retry.Budget)

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			e.metrics.SubmitRetries.Inc()
			if err := e.sleep(ctx, e.cfg.Retry.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}

		ack, err := client.Submit(ctx, *order)
		if err == nil {
			order.BackendRef = ack.BackendRef
			if terr := e.transition(ctx, order, order.State, model.OrderSubmitted,
				"accepted by backend", ack.BackendRef); terr != nil {
				return terr
			}
			events.Emit(ctx, e.sinks, events.FromOrder(events.OrderSubmitted, *order, ack.BackendRef))
			return nil
		}

		lastErr = err
		if !backend.Retryable(err) {
			// Terminal backend errors split into two ledger outcomes:
			// a REJECTED decision vs an operational FAILURE.
			var be *backend.Error
			state := model.OrderFailed
			kind := events.OrderFailed
			if errors.As(err, &be) && be.Code != "" && !strings.HasPrefix(be.Code, "HTTP_") {
				state = model.OrderRejected
				kind = events.OrderRejected
			}
			if terr := e.transition(ctx, order, order.State, state, err.Error(), ""); terr != nil {
				return terr
			}
			events.Emit(ctx, e.sinks, events.FromOrder(kind, *order, err.Error()))
			return err
		}
		if attempt >= e.cfg.Retry.MaxRetries || e.now().After(deadline) {
			break
		}
		slog.Warn("submit retry",
			append(logger.WithRequest(ctx), "order_id", order.ID, "attempt", attempt+1, "err", err)...)
	}

	reason := "submission retries exhausted"
	if lastErr != nil {
		reason += ": " + lastErr.Error()
	}
	if terr := e.transition(ctx, order, order.State, model.OrderFailed, reason, ""); terr != nil {
		return terr
	}
	events.Emit(ctx, e.sinks, events.FromOrder(events.OrderFailed, *order, reason))
	return fmt.Errorf("submit %s: %w", order.ID, lastErr)
}

// poll tracks fills until the order is terminal or the poll budget runs
// out. Filled quantity is monotonic: a backend report lower than what
// the ledger already holds is ignored as a stale read.
func (e *Executor) poll(ctx context.Context, client model.ExecutionClient, order *model.Order) error {
	deadline := e.now().Add(e.cfg.PollBudget)

	for !order.State.Terminal() {
		if e.now().After(deadline) {
			slog.Info("poll budget exhausted",
				append(logger.WithRequest(ctx), "order_id", order.ID, "state", string(order.State))...)
			return nil
		}
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			return err
		}

		fs, err := client.Status(ctx, order.BackendRef)
		if err != nil {
			if backend.Retryable(err) {
				continue
			}
			return fmt.Errorf("status %s: %w", order.ID, err)
		}
		if err := e.applyFill(ctx, order, fs); err != nil {
			return err
		}
	}

	switch order.State {
	case model.OrderFilled:
		events.Emit(ctx, e.sinks, events.FromOrder(events.OrderFilled, *order,
			"filled "+order.FilledQty.String()+" @ "+order.AvgFillPrice.String()))
	case model.OrderRejected:
		events.Emit(ctx, e.sinks, events.FromOrder(events.OrderRejected, *order, ""))
	case model.OrderCancelled:
		events.Emit(ctx, e.sinks, events.FromOrder(events.OrderCancelled, *order, ""))
	}
	return nil
}

// applyFill folds one backend fill report into the order, appending a
// ledger record when the state or the filled quantity advanced.
func (e *Executor) applyFill(ctx context.Context, order *model.Order, fs model.FillState) error {
	advanced := fs.FilledQty.GreaterThan(order.FilledQty)
	if advanced {
		order.FilledQty = fs.FilledQty
		order.AvgFillPrice = fs.AvgFillPrice
	}

	next := fs.State
	if next == model.OrderFilled && order.FilledQty.LessThan(order.Qty) {
		// FILLED means the full requested quantity. A backend tag that
		// disagrees with its own numbers is demoted and polled again.
		slog.Warn("backend reported filled below requested quantity",
			append(logger.WithRequest(ctx), "order_id", order.ID,
				"filled", order.FilledQty, "qty", order.Qty)...)
		next = model.OrderPartiallyFilled
	}
	if next == order.State {
		if !advanced {
			return nil // stale or unchanged report
		}
		// Quantity advanced within the same state (more partial fills).
		next = model.OrderPartiallyFilled
	}
	reason := fs.Reason
	if reason == "" {
		reason = "filled " + order.FilledQty.String() + " of " + order.Qty.String()
	}
	return e.transition(ctx, order, order.State, next, reason, order.BackendRef)
}

// Cancel requests cancellation of a live order. Terminal orders return
// AlreadyTerminalError without touching the ledger.
func (e *Executor) Cancel(ctx context.Context, orderID string) (model.Order, error) {
	order, err := e.ledger.CurrentState(ctx, orderID)
	if err != nil {
		return model.Order{}, err
	}
	if order.State.Terminal() {
		return order, &AlreadyTerminalError{OrderID: orderID, State: order.State}
	}

	client, ok := e.clients[order.Backend]
	if !ok {
		return order, fmt.Errorf("unknown backend %q", order.Backend)
	}

	unlock := e.locks.lock(order.Account + "|" + order.Instrument + "|" + order.Backend)
	defer unlock()

	if err := client.Cancel(ctx, order.BackendRef); err != nil {
		if errors.Is(err, backend.ErrAlreadyTerminal) {
			// Lost the race: pull the final state from the backend.
			fs, serr := client.Status(ctx, order.BackendRef)
			if serr != nil {
				return order, fmt.Errorf("cancel %s: %w", orderID, serr)
			}
			if aerr := e.applyFill(ctx, &order, fs); aerr != nil {
				return order, aerr
			}
			return order, &AlreadyTerminalError{OrderID: orderID, State: order.State}
		}
		return order, fmt.Errorf("cancel %s: %w", orderID, err)
	}

	if err := e.transition(ctx, &order, order.State, model.OrderCancelled, "cancelled by request", order.BackendRef); err != nil {
		return order, err
	}
	events.Emit(ctx, e.sinks, events.FromOrder(events.OrderCancelled, order, "cancelled by request"))
	return order, nil
}

// transition appends the state change to the ledger, then applies it to
// the in-memory order. A ledger failure leaves the order unchanged and
// aborts the operation.
func (e *Executor) transition(ctx context.Context, order *model.Order, from, to model.OrderState, reason, backendRef string) error {
	next := *order
	next.State = to
	next.UpdatedAt = e.now()
	if backendRef != "" {
		next.BackendRef = backendRef
	}

	rec := model.ExecutionRecord{
		OrderID:    order.ID,
		TS:         next.UpdatedAt,
		PrevState:  from,
		NewState:   to,
		Reason:     reason,
		BackendRef: next.BackendRef,
	}

	start := e.now()
	if err := e.ledger.Append(ctx, rec, next); err != nil {
		return fmt.Errorf("ledger append %s %s->%s: %w", order.ID, from, to, err)
	}
	e.metrics.LedgerAppendDur.Observe(time.Since(start).Seconds())
	e.metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()

	*order = next
	slog.Debug("order transition",
		append(logger.WithRequest(ctx),
			"order_id", order.ID, "from", string(from), "to", string(to), "reason", reason)...)
	return nil
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*sync.Mutex)
	}
	l, ok := k.m[key]
	if !ok {
		l = &sync.Mutex{}
		k.m[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
