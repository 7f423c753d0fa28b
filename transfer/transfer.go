package transfer

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/ledger"
)

// =============================================================================
// TYPES
// =============================================================================

// Line is one item of a transfer. Lines are fixed at creation.
type Line struct {
	Position int
	Item     ledger.ItemID
	Qty      decimal.Decimal
}

type Transfer struct {
	ID          string
	Source      ledger.KitchenID
	Destination ledger.KitchenID
	Status      Status
	Lines       []Line

	RequestedBy  string
	RequestedAt  time.Time
	ApprovedBy   string
	ApprovedAt   *time.Time
	DispatchedBy string
	DispatchedAt *time.Time
	ReceivedBy   string
	ReceivedAt   *time.Time
	UpdatedAt    time.Time
}

// Reference is the ledger reference carried by this transfer's entries.
func (t Transfer) Reference() *ledger.Reference {
	return &ledger.Reference{Kind: ledger.RefTransfer, ID: t.ID}
}

// SourceKeys returns the source balance key of every line.
func (t Transfer) SourceKeys() []ledger.BalanceKey {
	keys := make([]ledger.BalanceKey, len(t.Lines))
	for i, l := range t.Lines {
		keys[i] = ledger.BalanceKey{Kitchen: t.Source, Item: l.Item}
	}
	return keys
}

// DestinationKeys returns the destination balance key of every line.
func (t Transfer) DestinationKeys() []ledger.BalanceKey {
	keys := make([]ledger.BalanceKey, len(t.Lines))
	for i, l := range t.Lines {
		keys[i] = ledger.BalanceKey{Kitchen: t.Destination, Item: l.Item}
	}
	return keys
}

// advance stamps the actor and time of a transition and moves the status.
func (t *Transfer) advance(to Status, actor string, at time.Time) {
	ts := at
	switch to {
	case StatusApproved:
		t.ApprovedBy, t.ApprovedAt = actor, &ts
	case StatusDispatched:
		t.DispatchedBy, t.DispatchedAt = actor, &ts
	case StatusReceived:
		t.ReceivedBy, t.ReceivedAt = actor, &ts
	}
	t.Status = to
	t.UpdatedAt = at
}

// Filter selects transfers, newest first. A Kitchen matches either end.
type Filter struct {
	Kitchen ledger.KitchenID
	Status  Status
	Limit   int
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Store reads and creates transfer documents. Transfer returns a NotFound
// error (code TransferNotFound) for unknown ids.
type Store interface {
	CreateTransfer(ctx context.Context, t Transfer) error
	Transfer(ctx context.Context, id string) (Transfer, error)
	Transfers(ctx context.Context, f Filter) ([]Transfer, error)
}

// Tx is the transfer capability of a ledger transaction. LockTransfer reads
// the transfer with a row lock where the store supports one.
type Tx interface {
	LockTransfer(ctx context.Context, id string) (Transfer, error)
	UpdateTransfer(ctx context.Context, t Transfer) error
}

// NotFound is the error stores return for an unknown transfer id.
func NotFound(id string) error {
	return ledger.NotFoundf("TransferNotFound", "transfer %s not found", id)
}
