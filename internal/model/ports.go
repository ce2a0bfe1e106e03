package model

import (
	"context"

	"github.com/shopspring/decimal"
)

// ── Port Interfaces ──
// These interfaces decouple the core from concrete collaborators
// (data source clients, backend execution clients, the ledger). Each
// implementation satisfies one or more of these interfaces.

// BarProvider supplies raw bars for an instrument over a trailing range.
// A provider that has no data for part of the range returns what it has;
// the core treats missing ranges as gaps, not errors.
type BarProvider interface {
	// Name returns the source name used to select the schema descriptor.
	Name() string

	// Bars returns up to limit most-recent raw bars for the instrument
	// at the given timeframe (e.g. "1d", "1h").
	Bars(ctx context.Context, instrument, timeframe string, limit int) ([]RawBar, error)
}

// SubmitAck is a backend's acknowledgment of an accepted order.
type SubmitAck struct {
	BackendRef string // backend-confirmed order reference
}

// FillState is a backend's report of an order's fill progress.
type FillState struct {
	State        OrderState // SUBMITTED, PARTIALLY_FILLED, FILLED, REJECTED, CANCELLED
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Reason       string
}

// ExecutionClient is the narrow operation contract the execution core
// requires of a backend (crypto exchange, brokerage). Fill state arrives
// via polling; the core never assumes a synchronous fill.
type ExecutionClient interface {
	// Name returns the backend identifier used in orders and config.
	Name() string

	// Submit places an order. The order's idempotency key must be passed
	// through so a retried submission is recognized as a duplicate.
	Submit(ctx context.Context, order Order) (SubmitAck, error)

	// Status reports current fill state for a backend order reference.
	Status(ctx context.Context, backendRef string) (FillState, error)

	// Cancel requests cancellation. Returns backend.ErrAlreadyTerminal
	// if the order already reached a terminal state.
	Cancel(ctx context.Context, backendRef string) error
}

// Ledger is the durable, append-only record of signals and order state
// transitions. Append never fails silently: a write failure is fatal to
// the triggering operation, since a lost transition risks double-execution.
type Ledger interface {
	// Append writes one transition record and updates the order snapshot
	// in the same transaction.
	Append(ctx context.Context, rec ExecutionRecord, snapshot Order) error

	// CurrentState returns the latest order snapshot.
	CurrentState(ctx context.Context, orderID string) (Order, error)

	// FindByIdempotencyKey returns the order created under the key, if any.
	FindByIdempotencyKey(ctx context.Context, key string) (Order, bool, error)

	// NonTerminal lists orders whose latest record is non-terminal,
	// for the startup reconciliation pass.
	NonTerminal(ctx context.Context) ([]Order, error)

	// Records returns the transition history for an order, oldest first.
	Records(ctx context.Context, orderID string) ([]ExecutionRecord, error)
}
