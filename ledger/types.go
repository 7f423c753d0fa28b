/*
Package ledger provides the stock ledger engine.

PURPOSE:
  Every quantity change of every item at every kitchen is recorded here as an
  immutable Entry. The Balance of a (kitchen, item) pair is a cached projection
  of those entries: on-hand quantity plus weighted-average unit cost. The Engine
  is the only component that writes either of them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Item / Kitchen: catalog records the engine validates against
  - Movement: a proposed quantity change (what callers submit)
  - Entry: the immutable fact written for an applied movement
  - Balance: on-hand + average cost for one (kitchen, item) pair
  - Actor / Role: who performs an operation, threaded explicitly

DESIGN PRINCIPLES:
  1. Append-only: entries are never updated or deleted
  2. Precision: quantities and costs are decimal.Decimal
  3. Type safety: KitchenID and ItemID cannot be mixed up
  4. Explicit actor: no ambient "current user"

INVARIANT:
  balance.OnHand == sum(entry.QtyDelta) for every (kitchen, item) pair,
  and balance.OnHand >= 0, after every committed transaction.

SEE ALSO:
  - engine.go: ApplyMovement / ApplyMovements / Atomic
  - store.go: persistence interfaces
  - errors.go: failure taxonomy
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type KitchenID string
type ItemID string
type EntryID string

// QuantityPlaces is the maximum number of fractional digits accepted for a
// quantity. Stores persist quantities with this scale.
const QuantityPlaces = 4

// CostPlaces is the scale average costs are rounded to after blending.
const CostPlaces = 6

// =============================================================================
// CATALOG RECORDS
// =============================================================================

// Item is a stock-keeping unit. UOM is fixed once the item has ledger entries;
// name, category, reorder point and active flag remain editable.
type Item struct {
	ID           ItemID
	Name         string
	Category     string
	UOM          string
	ReorderPoint decimal.Decimal
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type KitchenKind string

const (
	KitchenHub    KitchenKind = "HUB"
	KitchenBranch KitchenKind = "BRANCH"
)

func (k KitchenKind) Valid() bool {
	return k == KitchenHub || k == KitchenBranch
}

// Kitchen is a physical site. Location fields are carried for the attendance
// collaborator and have no effect on stock.
type Kitchen struct {
	ID                   KitchenID
	Name                 string
	Kind                 KitchenKind
	Address              string
	Lat                  *float64
	Lng                  *float64
	GeofenceRadiusMeters int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// =============================================================================
// MOVEMENT KINDS
// =============================================================================

type MovementKind string

const (
	KindPurchase    MovementKind = "PURCHASE"
	KindConsumption MovementKind = "CONSUMPTION"
	KindAdjustment  MovementKind = "ADJUSTMENT"
	KindWastage     MovementKind = "WASTAGE"
	KindTransferOut MovementKind = "TRANSFER_OUT"
	KindTransferIn  MovementKind = "TRANSFER_IN"
)

// MovementKinds lists every kind, in display order.
var MovementKinds = []MovementKind{
	KindPurchase, KindConsumption, KindAdjustment,
	KindWastage, KindTransferOut, KindTransferIn,
}

func (k MovementKind) Valid() bool {
	for _, known := range MovementKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Outbound reports whether the kind always removes stock.
func (k MovementKind) Outbound() bool {
	return k == KindConsumption || k == KindWastage || k == KindTransferOut
}

// checkSign enforces the direction each kind may move stock in.
// ADJUSTMENT is the only kind that may go either way.
func (k MovementKind) checkSign(delta decimal.Decimal) error {
	switch {
	case delta.IsZero():
		return Validationf("ZeroQuantity", "quantity delta must not be zero")
	case k == KindPurchase || k == KindTransferIn:
		if delta.IsNegative() {
			return Validationf("InvalidQuantity", "%s requires a positive quantity, got %s", k, delta)
		}
	case k.Outbound():
		if delta.IsPositive() {
			return Validationf("InvalidQuantity", "%s requires a negative quantity, got %s", k, delta)
		}
	}
	return nil
}

// =============================================================================
// REFERENCES
// =============================================================================

type ReferenceKind string

const (
	RefTransfer      ReferenceKind = "TRANSFER"
	RefPurchaseOrder ReferenceKind = "PURCHASE_ORDER"
	RefAdjustment    ReferenceKind = "STOCK_ADJUSTMENT"
	RefConsumption   ReferenceKind = "CONSUMPTION"
)

// Reference links an entry to the document that caused it.
type Reference struct {
	Kind ReferenceKind
	ID   string
}

// =============================================================================
// BALANCE
// =============================================================================

// BalanceKey identifies one balance row.
type BalanceKey struct {
	Kitchen KitchenID
	Item    ItemID
}

func (k BalanceKey) String() string {
	return fmt.Sprintf("%s/%s", k.Kitchen, k.Item)
}

// Balance is the cached on-hand quantity and average cost of one pair.
// Owned by the Engine; no other component writes it.
type Balance struct {
	Kitchen   KitchenID
	Item      ItemID
	OnHand    decimal.Decimal
	AvgCost   decimal.Decimal
	UpdatedAt time.Time
}

func (b Balance) Key() BalanceKey {
	return BalanceKey{Kitchen: b.Kitchen, Item: b.Item}
}

// Value is the stock value at average cost.
func (b Balance) Value() decimal.Decimal {
	return b.OnHand.Mul(b.AvgCost)
}

// emptyBalance is the state of a pair that has never moved.
func emptyBalance(key BalanceKey) Balance {
	return Balance{Kitchen: key.Kitchen, Item: key.Item, OnHand: decimal.Zero, AvgCost: decimal.Zero}
}

// =============================================================================
// MOVEMENT / ENTRY
// =============================================================================

// Movement is a proposed quantity change submitted to the Engine.
//
// UnitCost is only meaningful for inbound movements; outbound entries always
// record the balance's current average cost.
type Movement struct {
	Kitchen        KitchenID
	Item           ItemID
	Kind           MovementKind
	QtyDelta       decimal.Decimal
	UnitCost       *decimal.Decimal
	Reference      *Reference
	Reason         string
	IdempotencyKey string
}

func (m Movement) Key() BalanceKey {
	return BalanceKey{Kitchen: m.Kitchen, Item: m.Item}
}

// Validate checks the movement without touching any store.
func (m Movement) Validate() error {
	if m.Kitchen == "" {
		return Validationf("MissingKitchen", "kitchen is required")
	}
	if m.Item == "" {
		return Validationf("MissingItem", "item is required")
	}
	if !m.Kind.Valid() {
		return Validationf("InvalidKind", "unknown movement kind %q", m.Kind)
	}
	if err := m.Kind.checkSign(m.QtyDelta); err != nil {
		return err
	}
	if !m.QtyDelta.Equal(m.QtyDelta.Round(QuantityPlaces)) {
		return Validationf("InvalidQuantity", "quantity %s has more than %d decimal places", m.QtyDelta, QuantityPlaces)
	}
	if m.UnitCost != nil {
		if m.UnitCost.IsNegative() {
			return Validationf("InvalidUnitCost", "unit cost must not be negative, got %s", m.UnitCost)
		}
		if m.QtyDelta.IsNegative() {
			return Validationf("InvalidUnitCost", "unit cost only applies to inbound movements")
		}
	}
	if m.Reference != nil && (m.Reference.Kind == "" || m.Reference.ID == "") {
		return Validationf("InvalidReference", "reference requires kind and id")
	}
	return nil
}

// Entry is the immutable record of one applied movement.
type Entry struct {
	ID             EntryID
	Kitchen        KitchenID
	Item           ItemID
	Kind           MovementKind
	QtyDelta       decimal.Decimal
	UnitCost       *decimal.Decimal
	Reference      *Reference
	Reason         string
	IdempotencyKey string
	ActorID        string
	CreatedAt      time.Time
}

func (e Entry) Key() BalanceKey {
	return BalanceKey{Kitchen: e.Kitchen, Item: e.Item}
}

// Result is what one applied movement produced.
type Result struct {
	Entry   Entry
	Balance Balance
}

// =============================================================================
// ACTOR
// =============================================================================

type Role string

const (
	RoleOwner       Role = "OWNER"
	RoleAdmin       Role = "ADMIN"
	RoleManager     Role = "MANAGER"
	RoleStorekeeper Role = "STOREKEEPER"
	RoleHR          Role = "HR"
	RoleEmployee    Role = "EMPLOYEE"
	RoleSystem      Role = "SYSTEM"
)

var roleRank = map[Role]int{
	RoleSystem:      1000,
	RoleOwner:       100,
	RoleAdmin:       90,
	RoleManager:     70,
	RoleStorekeeper: 50,
	RoleHR:          50,
	RoleEmployee:    10,
}

// Rank returns 0 for unknown roles.
func (r Role) Rank() int { return roleRank[r] }

func (r Role) Valid() bool { return r.Rank() > 0 }

// Actor is the identity an operation is performed on behalf of. It is
// authenticated upstream; the engine only stamps it on what it writes.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is used for seeding and background jobs.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// AtLeast reports whether the actor's role ranks at or above min.
func (a Actor) AtLeast(min Role) bool {
	return a.Role.Rank() >= min.Rank()
}
