/*
projection.go - Read side of the balance projection

PURPOSE:
  Balances are a cache of the ledger, owned by the Engine. Projection is the
  read-only view everyone else gets: no method here writes anything, and the
  only write path (Tx.PutBalance) is reachable solely from inside
  Engine.Atomic.

SEE ALSO:
  - engine.go: Verify (locked consistency check)
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

type Projection struct {
	Store Store
}

func NewProjection(store Store) *Projection {
	return &Projection{Store: store}
}

// Get returns the committed balance of a pair. found is false if the pair
// has never moved.
func (p *Projection) Get(ctx context.Context, kitchen KitchenID, item ItemID) (Balance, bool, error) {
	b, found, err := p.Store.Balance(ctx, BalanceKey{Kitchen: kitchen, Item: item})
	if err != nil {
		return Balance{}, false, Internalf(err, "read balance %s/%s", kitchen, item)
	}
	return b, found, nil
}

// OnHand returns the committed on-hand quantity, zero for unknown pairs.
func (p *Projection) OnHand(ctx context.Context, kitchen KitchenID, item ItemID) (decimal.Decimal, error) {
	b, found, err := p.Get(ctx, kitchen, item)
	if err != nil || !found {
		return decimal.Zero, err
	}
	return b.OnHand, nil
}

// List returns every balance of a kitchen.
func (p *Projection) List(ctx context.Context, kitchen KitchenID) ([]Balance, error) {
	bs, err := p.Store.Balances(ctx, kitchen)
	if err != nil {
		return nil, Internalf(err, "list balances of %s", kitchen)
	}
	return bs, nil
}

// Entries returns the ledger history matching filter.
func (p *Projection) Entries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	es, err := p.Store.Entries(ctx, filter)
	if err != nil {
		return nil, Internalf(err, "list entries")
	}
	return es, nil
}
