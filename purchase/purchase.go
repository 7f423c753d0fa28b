/*
Package purchase records supplier deliveries.

PURPOSE:
  A purchase order is created already RECEIVED: the goods are at the door.
  The order row, its lines and one PURCHASE movement per line commit in a
  single ledger transaction, so the order and the stock it brought in can
  never disagree. Each line's unit cost feeds the weighted average.

SEE ALSO:
  - ledger/engine.go: Atomic
  - transfer/service.go: same pattern for inter-kitchen moves
*/
package purchase

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/audit"
	"github.com/warp/stock-engine/ledger"
)

type Supplier struct {
	ID        string
	Name      string
	Contact   string
	CreatedAt time.Time
}

type Status string

const StatusReceived Status = "RECEIVED"

type Line struct {
	Position int
	Item     ledger.ItemID
	Qty      decimal.Decimal
	UnitCost decimal.Decimal
}

type Order struct {
	ID        string
	Kitchen   ledger.KitchenID
	Supplier  string
	Status    Status
	Lines     []Line
	CreatedBy string
	CreatedAt time.Time
}

// Total is the order value: sum of qty * unit cost.
func (o Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range o.Lines {
		total = total.Add(l.Qty.Mul(l.UnitCost))
	}
	return total
}

// Filter selects orders of one kitchen, newest first.
type Filter struct {
	Kitchen ledger.KitchenID
	Limit   int
}

// Store persists suppliers and reads orders. Supplier returns a NotFound
// error (SupplierNotFound) for unknown ids.
type Store interface {
	CreateSupplier(ctx context.Context, s Supplier) error
	Supplier(ctx context.Context, id string) (Supplier, error)
	Suppliers(ctx context.Context) ([]Supplier, error)
	Orders(ctx context.Context, f Filter) ([]Order, error)
}

// Tx is the purchase capability of a ledger transaction.
type Tx interface {
	CreateOrder(ctx context.Context, o Order) error
}

func SupplierNotFound(id string) error {
	return ledger.NotFoundf("SupplierNotFound", "supplier %s not found", id)
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Engine *ledger.Engine
	Store  Store
	Audit  audit.Sink
	Log    logrus.FieldLogger

	NewID func() string
}

func NewService(engine *ledger.Engine, store Store, sink audit.Sink, log logrus.FieldLogger) *Service {
	if sink == nil {
		sink = audit.Discard
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{Engine: engine, Store: store, Audit: sink, Log: log, NewID: uuid.NewString}
}

func (s *Service) CreateSupplier(ctx context.Context, name, contact string, actor ledger.Actor) (Supplier, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Supplier{}, ledger.Validationf("MissingName", "supplier name is required")
	}
	sup := Supplier{ID: s.NewID(), Name: name, Contact: strings.TrimSpace(contact), CreatedAt: time.Now().UTC()}
	if err := s.Store.CreateSupplier(ctx, sup); err != nil {
		return Supplier{}, ledger.Internalf(err, "create supplier")
	}
	audit.Record(ctx, s.Audit, s.Log, audit.Event{
		ActorID:    actor.ID,
		Action:     audit.ActionSupplierCreate,
		EntityType: "Supplier",
		EntityID:   sup.ID,
		Metadata:   map[string]any{"name": sup.Name},
	})
	return sup, nil
}

func (s *Service) Suppliers(ctx context.Context) ([]Supplier, error) {
	return s.Store.Suppliers(ctx)
}

type LineInput struct {
	Item     ledger.ItemID
	Qty      decimal.Decimal
	UnitCost decimal.Decimal
}

type Input struct {
	Kitchen  ledger.KitchenID
	Supplier string
	Lines    []LineInput
}

// Receive records a received purchase order and books its lines into stock.
func (s *Service) Receive(ctx context.Context, in Input, actor ledger.Actor) (Order, []ledger.Result, error) {
	if in.Kitchen == "" {
		return Order{}, nil, ledger.Validationf("MissingKitchen", "kitchen is required")
	}
	if len(in.Lines) == 0 {
		return Order{}, nil, ledger.Validationf("EmptyLines", "at least one line is required")
	}
	if in.Supplier != "" {
		if _, err := s.Store.Supplier(ctx, in.Supplier); err != nil {
			return Order{}, nil, err
		}
	}

	o := Order{
		ID:        s.NewID(),
		Kitchen:   in.Kitchen,
		Supplier:  in.Supplier,
		Status:    StatusReceived,
		CreatedBy: actor.ID,
	}
	ref := &ledger.Reference{Kind: ledger.RefPurchaseOrder, ID: o.ID}
	movements := make([]ledger.Movement, len(in.Lines))
	keys := make([]ledger.BalanceKey, len(in.Lines))
	for i, l := range in.Lines {
		if !l.Qty.IsPositive() {
			return Order{}, nil, ledger.Validationf("InvalidQuantity", "line %d: quantity must be positive, got %s", i+1, l.Qty)
		}
		if l.UnitCost.IsNegative() {
			return Order{}, nil, ledger.Validationf("InvalidUnitCost", "line %d: unit cost must not be negative", i+1)
		}
		cost := l.UnitCost
		movements[i] = ledger.Movement{
			Kitchen:   in.Kitchen,
			Item:      l.Item,
			Kind:      ledger.KindPurchase,
			QtyDelta:  l.Qty,
			UnitCost:  &cost,
			Reference: ref,
		}
		if err := movements[i].Validate(); err != nil {
			return Order{}, nil, err
		}
		keys[i] = movements[i].Key()
		o.Lines = append(o.Lines, Line{Position: i + 1, Item: l.Item, Qty: l.Qty, UnitCost: l.UnitCost})
	}

	results, err := s.Engine.Atomic(ctx, actor, ledger.Scope{Balances: keys}, func(ctx context.Context, a *ledger.Applier) error {
		tx, ok := a.Tx().(Tx)
		if !ok {
			return ledger.ErrStoreRequired
		}
		o.CreatedAt = a.Now()
		if err := tx.CreateOrder(ctx, o); err != nil {
			return ledger.Internalf(err, "create purchase order")
		}
		for _, m := range movements {
			if _, err := a.Apply(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Order{}, nil, err
	}

	audit.Record(ctx, s.Audit, s.Log, audit.Event{
		ActorID:    actor.ID,
		Action:     audit.ActionPurchaseReceive,
		EntityType: "PurchaseOrder",
		EntityID:   o.ID,
		Metadata: map[string]any{
			"kitchenId": string(o.Kitchen),
			"lines":     len(o.Lines),
			"total":     o.Total().String(),
		},
	})
	s.Log.WithFields(logrus.Fields{"order": o.ID, "kitchen": o.Kitchen, "lines": len(o.Lines)}).Info("purchase received")
	return o, results, nil
}

func (s *Service) Orders(ctx context.Context, f Filter) ([]Order, error) {
	if f.Kitchen == "" {
		return nil, ledger.Validationf("MissingKitchen", "kitchen is required")
	}
	if f.Limit <= 0 || f.Limit > 50 {
		f.Limit = 50
	}
	return s.Store.Orders(ctx, f)
}
