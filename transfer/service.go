/*
service.go - Transfer workflow on top of the ledger engine

PURPOSE:
  Moves stock between kitchens through the four-state lifecycle in
  machine.go. Each transition is one ledger.Engine.Atomic call: the transfer
  row and every affected balance are locked, the status is re-checked under
  the lock, and the status change commits together with the ledger entries.

CONCURRENCY:
  Two callers racing on the same transition serialize on the transfer's
  resource lock. The loser re-reads the advanced status and fails with
  InvalidTransition; no entry is written twice.

DISPATCH:
  Every line is checked against the locked source balance in line order
  before anything is written. The first short line fails the whole dispatch
  with InsufficientStock naming that item.

RECEIVE COST POLICY:
  TRANSFER_IN entries carry the source kitchen's average cost as read, under
  lock, at receive time. The source balance is part of the receive scope so
  the cost read is consistent with the ledger at that instant.

SEE ALSO:
  - machine.go: states and transitions
  - ledger/engine.go: Atomic
*/
package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/warp/stock-engine/audit"
	"github.com/warp/stock-engine/ledger"
)

var tracer = otel.Tracer("github.com/warp/stock-engine/transfer")

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

// LineInput is one requested line.
type LineInput struct {
	Item ledger.ItemID
	Qty  decimal.Decimal
}

type CreateInput struct {
	Source      ledger.KitchenID
	Destination ledger.KitchenID
	Lines       []LineInput
}

// =============================================================================
// CREATE
// =============================================================================

// Create records a transfer in REQUESTED. It has no ledger effect.
func (s *Service) Create(ctx context.Context, in CreateInput, actor ledger.Actor) (Transfer, error) {
	if actor.ID == "" {
		return Transfer{}, ledger.Validationf("MissingActor", "actor identity is required")
	}
	if err := validateCreate(in); err != nil {
		return Transfer{}, err
	}
	if err := s.checkCatalog(ctx, in); err != nil {
		return Transfer{}, err
	}

	now := s.now()
	t := Transfer{
		ID:          s.newID(),
		Source:      in.Source,
		Destination: in.Destination,
		Status:      StatusRequested,
		RequestedBy: actor.ID,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	for i, l := range in.Lines {
		t.Lines = append(t.Lines, Line{Position: i + 1, Item: l.Item, Qty: l.Qty})
	}
	if err := s.Store.CreateTransfer(ctx, t); err != nil {
		return Transfer{}, ledger.Internalf(err, "create transfer")
	}

	s.record(ctx, actor, audit.ActionTransferCreate, t, map[string]any{
		"fromKitchenId": string(t.Source),
		"toKitchenId":   string(t.Destination),
		"lines":         len(t.Lines),
	})
	return t, nil
}

func validateCreate(in CreateInput) error {
	if in.Source == "" || in.Destination == "" {
		return ledger.Validationf("MissingKitchen", "source and destination kitchens are required")
	}
	if in.Source == in.Destination {
		return ledger.Validationf("SameKitchen", "source and destination must differ")
	}
	if len(in.Lines) == 0 {
		return ledger.Validationf("EmptyLines", "at least one line is required")
	}
	seen := make(map[ledger.ItemID]bool, len(in.Lines))
	for i, l := range in.Lines {
		if l.Item == "" {
			return ledger.Validationf("MissingItem", "line %d: item is required", i+1)
		}
		if !l.Qty.IsPositive() {
			return ledger.Validationf("InvalidQuantity", "line %d: quantity must be positive, got %s", i+1, l.Qty)
		}
		if !l.Qty.Equal(l.Qty.Round(ledger.QuantityPlaces)) {
			return ledger.Validationf("InvalidQuantity", "line %d: quantity %s has more than %d decimal places", i+1, l.Qty, ledger.QuantityPlaces)
		}
		if seen[l.Item] {
			return ledger.Validationf("DuplicateLine", "line %d: item %s appears more than once", i+1, l.Item)
		}
		seen[l.Item] = true
	}
	return nil
}

func (s *Service) checkCatalog(ctx context.Context, in CreateInput) error {
	catalog := s.Engine.Catalog
	if catalog == nil {
		return nil
	}
	for _, k := range []ledger.KitchenID{in.Source, in.Destination} {
		if _, err := catalog.Kitchen(ctx, k); err != nil {
			return err
		}
	}
	for _, l := range in.Lines {
		item, err := catalog.Item(ctx, l.Item)
		if err != nil {
			return err
		}
		if !item.Active {
			return ledger.NotFoundf("ItemNotFound", "item %s is inactive", l.Item)
		}
	}
	return nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Approve moves REQUESTED to APPROVED.
func (s *Service) Approve(ctx context.Context, id string, actor ledger.Actor) (Transfer, error) {
	t, err := s.transition(ctx, id, StatusApproved, actor, nil, nil)
	if err != nil {
		return Transfer{}, err
	}
	s.record(ctx, actor, audit.ActionTransferApprove, t, nil)
	return t, nil
}

// Dispatch moves APPROVED to DISPATCHED and takes every line out of the
// source kitchen. Either all lines move or none.
func (s *Service) Dispatch(ctx context.Context, id string, actor ledger.Actor) (Transfer, error) {
	t, err := s.transition(ctx, id, StatusDispatched, actor, Transfer.SourceKeys, s.dispatchLines)
	if err != nil {
		return Transfer{}, err
	}
	s.record(ctx, actor, audit.ActionTransferDispatch, t, map[string]any{"lines": len(t.Lines)})
	return t, nil
}

// Receive moves DISPATCHED to RECEIVED and books every line into the
// destination kitchen at the source's current average cost.
func (s *Service) Receive(ctx context.Context, id string, actor ledger.Actor) (Transfer, error) {
	scope := func(t Transfer) []ledger.BalanceKey {
		return append(t.DestinationKeys(), t.SourceKeys()...)
	}
	t, err := s.transition(ctx, id, StatusReceived, actor, scope, s.receiveLines)
	if err != nil {
		return Transfer{}, err
	}
	s.record(ctx, actor, audit.ActionTransferReceive, t, map[string]any{"lines": len(t.Lines)})
	return t, nil
}

// transition runs one lifecycle step. balances names the balance keys the
// step locks; apply writes the step's ledger entries.
func (s *Service) transition(
	ctx context.Context,
	id string,
	to Status,
	actor ledger.Actor,
	balances func(Transfer) []ledger.BalanceKey,
	apply func(context.Context, *ledger.Applier, Transfer) error,
) (Transfer, error) {
	ctx, span := tracer.Start(ctx, "transfer."+string(to))
	defer span.End()

	// Lines are immutable, so the scope can be computed from an unlocked
	// read. The status is re-checked under lock below.
	current, err := s.Store.Transfer(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	if err := checkTransition(current, to); err != nil {
		return Transfer{}, err
	}

	scope := ledger.Scope{Resources: []ledger.LockKey{ledger.ResourceLockKey("transfer", id)}}
	if balances != nil {
		scope.Balances = balances(current)
	}

	var updated Transfer
	_, err = s.Engine.Atomic(ctx, actor, scope, func(ctx context.Context, a *ledger.Applier) error {
		tx, ok := a.Tx().(Tx)
		if !ok {
			return ledger.ErrStoreRequired
		}
		t, err := tx.LockTransfer(ctx, id)
		if err != nil {
			return err
		}
		if err := checkTransition(t, to); err != nil {
			return err
		}
		if apply != nil {
			if err := apply(ctx, a, t); err != nil {
				return err
			}
		}
		t.advance(to, actor.ID, a.Now())
		if err := tx.UpdateTransfer(ctx, t); err != nil {
			return ledger.Internalf(err, "update transfer %s", id)
		}
		updated = t
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}

	s.Log.WithFields(logrus.Fields{
		"transfer": id,
		"status":   string(to),
		"actor":    actor.ID,
	}).Info("transfer advanced")
	return updated, nil
}

func (s *Service) dispatchLines(ctx context.Context, a *ledger.Applier, t Transfer) error {
	for _, l := range t.Lines {
		key := ledger.BalanceKey{Kitchen: t.Source, Item: l.Item}
		b, err := a.Balance(key)
		if err != nil {
			return err
		}
		if b.OnHand.LessThan(l.Qty) {
			return ledger.NewInsufficientStock(key, b.OnHand, l.Qty)
		}
	}
	for _, l := range t.Lines {
		_, err := a.Apply(ctx, ledger.Movement{
			Kitchen:   t.Source,
			Item:      l.Item,
			Kind:      ledger.KindTransferOut,
			QtyDelta:  l.Qty.Neg(),
			Reference: t.Reference(),
			Reason:    fmt.Sprintf("transfer to %s", t.Destination),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) receiveLines(ctx context.Context, a *ledger.Applier, t Transfer) error {
	for _, l := range t.Lines {
		src, err := a.Balance(ledger.BalanceKey{Kitchen: t.Source, Item: l.Item})
		if err != nil {
			return err
		}
		cost := src.AvgCost
		_, err = a.Apply(ctx, ledger.Movement{
			Kitchen:   t.Destination,
			Item:      l.Item,
			Kind:      ledger.KindTransferIn,
			QtyDelta:  l.Qty,
			UnitCost:  &cost,
			Reference: t.Reference(),
			Reason:    fmt.Sprintf("transfer from %s", t.Source),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Get(ctx context.Context, id string) (Transfer, error) {
	return s.Store.Transfer(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]Transfer, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, ledger.Validationf("InvalidStatus", "unknown transfer status %q", f.Status)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = 50
	case f.Limit > 100:
		f.Limit = 100
	}
	ts, err := s.Store.Transfers(ctx, f)
	if err != nil {
		return nil, ledger.Internalf(err, "list transfers")
	}
	return ts, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) record(ctx context.Context, actor ledger.Actor, action string, t Transfer, meta map[string]any) {
	audit.Record(ctx, s.Audit, s.Log, audit.Event{
		ActorID:    actor.ID,
		Action:     action,
		EntityType: "Transfer",
		EntityID:   t.ID,
		Metadata:   meta,
	})
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) now() time.Time {
	if s.Engine.Now != nil {
		return s.Engine.Now()
	}
	return time.Now().UTC()
}
