/*
Package stock exposes the day-to-day stock operations of a kitchen.

PURPOSE:
  Thin services over ledger.Engine for adjustments, wastage and consumption,
  plus the read models built from the balance projection: stock levels,
  low-stock alerts, ledger history, reconciliation and the dashboard.

WASTAGE:
  Wastage always reduces stock. Callers may send the wasted quantity as a
  positive magnitude or as a negative delta; both are recorded as a negative
  WASTAGE entry.

SEE ALSO:
  - ledger/engine.go: all writes
  - dashboard.go: aggregate statistics
*/
package stock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/audit"
	"github.com/warp/stock-engine/catalog"
	"github.com/warp/stock-engine/ledger"
)

type Service struct {
	Engine     *ledger.Engine
	Projection *ledger.Projection
	Catalog    catalog.Store
	Audit      audit.Sink
	Log        logrus.FieldLogger

	Now   func() time.Time
	NewID func() string
}

func NewService(engine *ledger.Engine, cat catalog.Store, sink audit.Sink, log logrus.FieldLogger) *Service {
	if sink == nil {
		sink = audit.Discard
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		Engine:     engine,
		Projection: ledger.NewProjection(engine.Store),
		Catalog:    cat,
		Audit:      sink,
		Log:        log,
		Now:        func() time.Time { return time.Now().UTC() },
		NewID:      uuid.NewString,
	}
}

// =============================================================================
// WRITES
// =============================================================================

type AdjustInput struct {
	Kitchen        ledger.KitchenID
	Item           ledger.ItemID
	Kind           ledger.MovementKind // ADJUSTMENT (default) or WASTAGE
	QtyDelta       decimal.Decimal
	Reason         string
	IdempotencyKey string
}

// Adjust records a manual correction or wastage.
func (s *Service) Adjust(ctx context.Context, in AdjustInput, actor ledger.Actor) (ledger.Result, error) {
	kind := in.Kind
	if kind == "" {
		kind = ledger.KindAdjustment
	}
	delta := in.QtyDelta
	switch kind {
	case ledger.KindAdjustment:
	case ledger.KindWastage:
		delta = delta.Abs().Neg()
	default:
		return ledger.Result{}, ledger.Validationf("InvalidKind", "adjustment kind must be ADJUSTMENT or WASTAGE, got %q", kind)
	}

	r, err := s.Engine.ApplyMovement(ctx, actor, ledger.Movement{
		Kitchen:        in.Kitchen,
		Item:           in.Item,
		Kind:           kind,
		QtyDelta:       delta,
		Reference:      &ledger.Reference{Kind: ledger.RefAdjustment, ID: s.NewID()},
		Reason:         in.Reason,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return ledger.Result{}, err
	}

	audit.Record(ctx, s.Audit, s.Log, audit.Event{
		ActorID:    actor.ID,
		Action:     audit.ActionStockAdjust,
		EntityType: "KitchenStock",
		EntityID:   r.Entry.Key().String(),
		Metadata: map[string]any{
			"kind":     string(kind),
			"qtyDelta": delta.String(),
			"reason":   in.Reason,
		},
	})
	return r, nil
}

type ConsumeLine struct {
	Item ledger.ItemID
	Qty  decimal.Decimal
}

type ConsumeInput struct {
	Kitchen ledger.KitchenID
	Lines   []ConsumeLine
	Reason  string
}

// Consume records kitchen usage. All lines commit together or none do.
func (s *Service) Consume(ctx context.Context, in ConsumeInput, actor ledger.Actor) ([]ledger.Result, error) {
	if len(in.Lines) == 0 {
		return nil, ledger.Validationf("EmptyLines", "at least one line is required")
	}
	ref := &ledger.Reference{Kind: ledger.RefConsumption, ID: s.NewID()}
	ms := make([]ledger.Movement, len(in.Lines))
	for i, l := range in.Lines {
		if !l.Qty.IsPositive() {
			return nil, ledger.Validationf("InvalidQuantity", "line %d: quantity must be positive, got %s", i+1, l.Qty)
		}
		ms[i] = ledger.Movement{
			Kitchen:   in.Kitchen,
			Item:      l.Item,
			Kind:      ledger.KindConsumption,
			QtyDelta:  l.Qty.Neg(),
			Reference: ref,
			Reason:    in.Reason,
		}
	}

	results, err := s.Engine.ApplyMovements(ctx, actor, ms)
	if err != nil {
		return nil, err
	}

	audit.Record(ctx, s.Audit, s.Log, audit.Event{
		ActorID:    actor.ID,
		Action:     audit.ActionStockConsume,
		EntityType: "StockLedger",
		EntityID:   string(in.Kitchen),
		Metadata:   map[string]any{"lines": len(in.Lines), "reference": ref.ID},
	})
	return results, nil
}

// =============================================================================
// READS
// =============================================================================

// Level is a balance joined with its item.
type Level struct {
	Item    ledger.Item
	Balance ledger.Balance
}

// Low reports whether the level is at or under the item's reorder point.
func (l Level) Low() bool {
	return l.Item.ReorderPoint.IsPositive() && l.Balance.OnHand.LessThanOrEqual(l.Item.ReorderPoint)
}

// Levels returns the stock of active items at a kitchen, ordered by
// category and name. Items that never moved there are omitted.
func (s *Service) Levels(ctx context.Context, kitchen ledger.KitchenID, f catalog.ItemFilter) ([]Level, error) {
	if _, err := s.Catalog.Kitchen(ctx, kitchen); err != nil {
		return nil, err
	}
	active := true
	f.Active = &active
	items, err := s.Catalog.Items(ctx, f)
	if err != nil {
		return nil, ledger.Internalf(err, "list items")
	}
	balances, err := s.Projection.List(ctx, kitchen)
	if err != nil {
		return nil, err
	}
	byItem := make(map[ledger.ItemID]ledger.Balance, len(balances))
	for _, b := range balances {
		byItem[b.Item] = b
	}

	var out []Level
	for _, it := range items {
		if b, ok := byItem[it.ID]; ok {
			out = append(out, Level{Item: it, Balance: b})
		}
	}
	return out, nil
}

// LowStock returns the levels at or under their reorder point.
func (s *Service) LowStock(ctx context.Context, kitchen ledger.KitchenID) ([]Level, error) {
	levels, err := s.Levels(ctx, kitchen, catalog.ItemFilter{})
	if err != nil {
		return nil, err
	}
	var out []Level
	for _, l := range levels {
		if l.Low() {
			out = append(out, l)
		}
	}
	return out, nil
}

// Entries returns ledger history. Limit is capped at 500 and defaults to 100.
func (s *Service) Entries(ctx context.Context, f ledger.EntryFilter) ([]ledger.Entry, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	return s.Projection.Entries(ctx, f)
}

// Verify re-derives a balance from the ledger. A mismatch is returned as an
// Internal error carrying both figures; it means the projection is corrupt.
func (s *Service) Verify(ctx context.Context, kitchen ledger.KitchenID, item ledger.ItemID) (ledger.Check, error) {
	c, err := s.Engine.Verify(ctx, ledger.BalanceKey{Kitchen: kitchen, Item: item})
	if err != nil {
		return ledger.Check{}, err
	}
	if !c.Consistent {
		s.Log.WithFields(logrus.Fields{
			"balance":    c.Key.String(),
			"on_hand":    c.OnHand.String(),
			"ledger_sum": c.LedgerSum.String(),
		}).Error("balance diverged from ledger")
		return c, &ledger.Error{
			Kind:   ledger.KindInternal,
			Code:   "LedgerMismatch",
			Detail: "balance " + c.Key.String() + " is " + c.OnHand.String() + " but ledger sums to " + c.LedgerSum.String(),
		}
	}
	return c, nil
}

// VerifyKitchen checks every balance of a kitchen and returns the
// inconsistent ones.
func (s *Service) VerifyKitchen(ctx context.Context, kitchen ledger.KitchenID) ([]ledger.Check, error) {
	balances, err := s.Projection.List(ctx, kitchen)
	if err != nil {
		return nil, err
	}
	var bad []ledger.Check
	for _, b := range balances {
		c, err := s.Engine.Verify(ctx, b.Key())
		if err != nil {
			return nil, err
		}
		if !c.Consistent {
			bad = append(bad, c)
		}
	}
	return bad, nil
}
