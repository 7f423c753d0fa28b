/*
Package catalog manages items and kitchens.

PURPOSE:
  The ledger only needs to know that an item or kitchen exists (and that an
  item is active). Everything else about them lives here: names, categories,
  units, reorder points and kitchen locations.

RULES:
  - (name, uom) is unique among items
  - an item's UOM cannot change once it has ledger entries, since every
    quantity already recorded is expressed in it
  - deactivated items stay readable; new movements on them are rejected by
    the engine

SEE ALSO:
  - ledger/store.go: Catalog interface (satisfied by Service)
*/
package catalog

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/audit"
	"github.com/warp/stock-engine/ledger"
)

// ItemFilter selects items. Active nil matches both.
type ItemFilter struct {
	Query    string
	Category string
	Active   *bool
}

// Match reports whether item passes the filter. Query is a case-insensitive
// substring match on the name.
func (f ItemFilter) Match(item ledger.Item) bool {
	if f.Active != nil && item.Active != *f.Active {
		return false
	}
	if f.Category != "" && item.Category != f.Category {
		return false
	}
	if f.Query != "" && !strings.Contains(strings.ToLower(item.Name), strings.ToLower(f.Query)) {
		return false
	}
	return true
}

// SortItems orders items by category, then name.
func SortItems(items []ledger.Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Category != items[j].Category {
			return items[i].Category < items[j].Category
		}
		return items[i].Name < items[j].Name
	})
}

// Store persists the catalog. Item and Kitchen return NotFound errors for
// unknown ids; CreateItem returns a Validation error (DuplicateItem) when the
// (name, uom) pair is taken.
type Store interface {
	CreateItem(ctx context.Context, item ledger.Item) error
	UpdateItem(ctx context.Context, item ledger.Item) error
	Item(ctx context.Context, id ledger.ItemID) (ledger.Item, error)
	Items(ctx context.Context, f ItemFilter) ([]ledger.Item, error)
	ItemHasEntries(ctx context.Context, id ledger.ItemID) (bool, error)

	CreateKitchen(ctx context.Context, k ledger.Kitchen) error
	UpdateKitchen(ctx context.Context, k ledger.Kitchen) error
	Kitchen(ctx context.Context, id ledger.KitchenID) (ledger.Kitchen, error)
	Kitchens(ctx context.Context) ([]ledger.Kitchen, error)
}

// ItemNotFound and KitchenNotFound are the errors stores return for unknown ids.
func ItemNotFound(id ledger.ItemID) error {
	return ledger.NotFoundf("ItemNotFound", "item %s not found", id)
}

func KitchenNotFound(id ledger.KitchenID) error {
	return ledger.NotFoundf("KitchenNotFound", "kitchen %s not found", id)
}

func DuplicateItem(name, uom string) error {
	return ledger.Validationf("DuplicateItem", "an item named %q measured in %s already exists", name, uom)
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store Store
	Audit audit.Sink
	Log   logrus.FieldLogger

	Now   func() time.Time
	NewID func() string
}

func NewService(store Store, sink audit.Sink, log logrus.FieldLogger) *Service {
	if sink == nil {
		sink = audit.Discard
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		Store: store,
		Audit: sink,
		Log:   log,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: uuid.NewString,
	}
}

// Item and Kitchen make Service a ledger.Catalog.
func (s *Service) Item(ctx context.Context, id ledger.ItemID) (ledger.Item, error) {
	return s.Store.Item(ctx, id)
}

func (s *Service) Kitchen(ctx context.Context, id ledger.KitchenID) (ledger.Kitchen, error) {
	return s.Store.Kitchen(ctx, id)
}

// -----------------------------------------------------------------------------
// Items
// -----------------------------------------------------------------------------

type ItemInput struct {
	Name         string
	Category     string
	UOM          string
	ReorderPoint decimal.Decimal
	Active       bool
}

func (in ItemInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return ledger.Validationf("MissingName", "item name is required")
	}
	if strings.TrimSpace(in.UOM) == "" {
		return ledger.Validationf("MissingUOM", "unit of measure is required")
	}
	if in.ReorderPoint.IsNegative() {
		return ledger.Validationf("InvalidReorderPoint", "reorder point must not be negative")
	}
	return nil
}

func (s *Service) CreateItem(ctx context.Context, in ItemInput, actor ledger.Actor) (ledger.Item, error) {
	if err := in.validate(); err != nil {
		return ledger.Item{}, err
	}
	now := s.Now()
	item := ledger.Item{
		ID:           ledger.ItemID(s.NewID()),
		Name:         strings.TrimSpace(in.Name),
		Category:     strings.TrimSpace(in.Category),
		UOM:          strings.TrimSpace(in.UOM),
		ReorderPoint: in.ReorderPoint,
		Active:       in.Active,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Store.CreateItem(ctx, item); err != nil {
		return ledger.Item{}, err
	}
	s.record(ctx, actor, audit.ActionItemCreate, "Item", string(item.ID), map[string]any{
		"name": item.Name, "uom": item.UOM, "category": item.Category,
	})
	return item, nil
}

// ItemPatch carries the editable fields; nil means unchanged.
type ItemPatch struct {
	Name         *string
	Category     *string
	UOM          *string
	ReorderPoint *decimal.Decimal
	Active       *bool
}

func (s *Service) UpdateItem(ctx context.Context, id ledger.ItemID, p ItemPatch, actor ledger.Actor) (ledger.Item, error) {
	item, err := s.Store.Item(ctx, id)
	if err != nil {
		return ledger.Item{}, err
	}
	if p.UOM != nil && *p.UOM != item.UOM {
		used, err := s.Store.ItemHasEntries(ctx, id)
		if err != nil {
			return ledger.Item{}, ledger.Internalf(err, "check entries of item %s", id)
		}
		if used {
			return ledger.Item{}, ledger.Validationf("UOMLocked", "unit of measure of item %s cannot change once stock has moved", id)
		}
		item.UOM = strings.TrimSpace(*p.UOM)
	}
	if p.Name != nil {
		item.Name = strings.TrimSpace(*p.Name)
	}
	if p.Category != nil {
		item.Category = strings.TrimSpace(*p.Category)
	}
	if p.ReorderPoint != nil {
		item.ReorderPoint = *p.ReorderPoint
	}
	if p.Active != nil {
		item.Active = *p.Active
	}
	in := ItemInput{Name: item.Name, UOM: item.UOM, ReorderPoint: item.ReorderPoint}
	if err := in.validate(); err != nil {
		return ledger.Item{}, err
	}
	item.UpdatedAt = s.Now()
	if err := s.Store.UpdateItem(ctx, item); err != nil {
		return ledger.Item{}, err
	}
	s.record(ctx, actor, audit.ActionItemUpdate, "Item", string(item.ID), nil)
	return item, nil
}

func (s *Service) Items(ctx context.Context, f ItemFilter) ([]ledger.Item, error) {
	return s.Store.Items(ctx, f)
}

// GroupItems buckets items by category; uncategorized items go under
// "UNCATEGORIZED".
func GroupItems(items []ledger.Item) map[string][]ledger.Item {
	groups := make(map[string][]ledger.Item)
	for _, it := range items {
		cat := it.Category
		if cat == "" {
			cat = "UNCATEGORIZED"
		}
		groups[cat] = append(groups[cat], it)
	}
	return groups
}

// Categories lists the distinct categories of active items, sorted.
func (s *Service) Categories(ctx context.Context) ([]string, error) {
	active := true
	items, err := s.Store.Items(ctx, ItemFilter{Active: &active})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		if it.Category != "" && !seen[it.Category] {
			seen[it.Category] = true
			out = append(out, it.Category)
		}
	}
	sort.Strings(out)
	return out, nil
}

// -----------------------------------------------------------------------------
// Kitchens
// -----------------------------------------------------------------------------

// DefaultGeofenceRadius is used when a kitchen is created without one.
const DefaultGeofenceRadius = 150

type KitchenInput struct {
	Name                 string
	Kind                 ledger.KitchenKind
	Address              string
	Lat                  *float64
	Lng                  *float64
	GeofenceRadiusMeters int
}

func (s *Service) CreateKitchen(ctx context.Context, in KitchenInput, actor ledger.Actor) (ledger.Kitchen, error) {
	if strings.TrimSpace(in.Name) == "" {
		return ledger.Kitchen{}, ledger.Validationf("MissingName", "kitchen name is required")
	}
	if !in.Kind.Valid() {
		return ledger.Kitchen{}, ledger.Validationf("InvalidKitchenKind", "kitchen kind must be HUB or BRANCH, got %q", in.Kind)
	}
	if in.GeofenceRadiusMeters == 0 {
		in.GeofenceRadiusMeters = DefaultGeofenceRadius
	}
	if err := validateRadius(in.GeofenceRadiusMeters); err != nil {
		return ledger.Kitchen{}, err
	}
	now := s.Now()
	k := ledger.Kitchen{
		ID:                   ledger.KitchenID(s.NewID()),
		Name:                 strings.TrimSpace(in.Name),
		Kind:                 in.Kind,
		Address:              in.Address,
		Lat:                  in.Lat,
		Lng:                  in.Lng,
		GeofenceRadiusMeters: in.GeofenceRadiusMeters,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.Store.CreateKitchen(ctx, k); err != nil {
		return ledger.Kitchen{}, err
	}
	s.record(ctx, actor, audit.ActionKitchenCreate, "Kitchen", string(k.ID), map[string]any{
		"name": k.Name, "kind": string(k.Kind),
	})
	return k, nil
}

// UpdateGeofence sets a kitchen's location. It has no effect on stock.
func (s *Service) UpdateGeofence(ctx context.Context, id ledger.KitchenID, lat, lng float64, radius int, actor ledger.Actor) (ledger.Kitchen, error) {
	if err := validateRadius(radius); err != nil {
		return ledger.Kitchen{}, err
	}
	k, err := s.Store.Kitchen(ctx, id)
	if err != nil {
		return ledger.Kitchen{}, err
	}
	k.Lat, k.Lng, k.GeofenceRadiusMeters = &lat, &lng, radius
	k.UpdatedAt = s.Now()
	if err := s.Store.UpdateKitchen(ctx, k); err != nil {
		return ledger.Kitchen{}, err
	}
	s.record(ctx, actor, audit.ActionKitchenGeofence, "Kitchen", string(id), map[string]any{
		"lat": lat, "lng": lng, "geofenceRadiusMeters": radius,
	})
	return k, nil
}

func validateRadius(r int) error {
	if r < 10 || r > 2000 {
		return ledger.Validationf("InvalidGeofence", "geofence radius must be between 10 and 2000 meters, got %d", r)
	}
	return nil
}

func (s *Service) Kitchens(ctx context.Context) ([]ledger.Kitchen, error) {
	return s.Store.Kitchens(ctx)
}

func (s *Service) record(ctx context.Context, actor ledger.Actor, action, entityType, id string, meta map[string]any) {
	audit.Record(ctx, s.Audit, s.Log, audit.Event{
		ActorID:    actor.ID,
		Action:     action,
		EntityType: entityType,
		EntityID:   id,
		Metadata:   meta,
	})
}
