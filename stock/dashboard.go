package stock

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/ledger"
)

// depletionKinds are the movements that take stock out of a kitchen for
// good or toward another one.
var depletionKinds = []ledger.MovementKind{ledger.KindTransferOut, ledger.KindWastage, ledger.KindConsumption}

// Depletion is the outbound total of one movement kind.
type Depletion struct {
	Qty   decimal.Decimal
	Count int
}

type Dashboard struct {
	KitchensCount   int
	LowStock        []Level
	Depletion7d     decimal.Decimal
	Depletion24h    decimal.Decimal
	DepletionByKind map[ledger.MovementKind]Depletion
	Recent          []ledger.Entry
}

// Dashboard summarizes a kitchen. With an empty kitchen only the kitchen
// count is filled.
func (s *Service) Dashboard(ctx context.Context, kitchen ledger.KitchenID) (Dashboard, error) {
	kitchens, err := s.Catalog.Kitchens(ctx)
	if err != nil {
		return Dashboard{}, ledger.Internalf(err, "list kitchens")
	}
	d := Dashboard{
		KitchensCount:   len(kitchens),
		Depletion7d:     decimal.Zero,
		Depletion24h:    decimal.Zero,
		DepletionByKind: map[ledger.MovementKind]Depletion{},
	}
	if kitchen == "" {
		return d, nil
	}

	if d.LowStock, err = s.LowStock(ctx, kitchen); err != nil {
		return Dashboard{}, err
	}

	now := s.Now()
	week, err := s.Projection.Entries(ctx, ledger.EntryFilter{
		Kitchen: kitchen,
		Kinds:   depletionKinds,
		Since:   now.Add(-7 * 24 * time.Hour),
	})
	if err != nil {
		return Dashboard{}, err
	}
	dayStart := now.Add(-24 * time.Hour)
	for _, e := range week {
		qty := e.QtyDelta.Abs()
		dep := d.DepletionByKind[e.Kind]
		dep.Qty = dep.Qty.Add(qty)
		dep.Count++
		d.DepletionByKind[e.Kind] = dep
		d.Depletion7d = d.Depletion7d.Add(qty)
		if !e.CreatedAt.Before(dayStart) {
			d.Depletion24h = d.Depletion24h.Add(qty)
		}
	}

	if d.Recent, err = s.Projection.Entries(ctx, ledger.EntryFilter{Kitchen: kitchen, Limit: 15}); err != nil {
		return Dashboard{}, err
	}
	return d, nil
}
