package memory

import (
	"cmp"
	"context"
	"slices"

	"github.com/warp/stock-engine/catalog"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/purchase"
	"github.com/warp/stock-engine/transfer"
)

// =============================================================================
// CATALOG
// =============================================================================

func (s *Store) CreateItem(_ context.Context, item ledger.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.Name == item.Name && it.UOM == item.UOM {
			return catalog.DuplicateItem(item.Name, item.UOM)
		}
	}
	s.items[item.ID] = item
	return nil
}

func (s *Store) UpdateItem(_ context.Context, item ledger.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return catalog.ItemNotFound(item.ID)
	}
	for _, it := range s.items {
		if it.ID != item.ID && it.Name == item.Name && it.UOM == item.UOM {
			return catalog.DuplicateItem(item.Name, item.UOM)
		}
	}
	s.items[item.ID] = item
	return nil
}

func (s *Store) Item(_ context.Context, id ledger.ItemID) (ledger.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return ledger.Item{}, catalog.ItemNotFound(id)
	}
	return it, nil
}

func (s *Store) Items(_ context.Context, f catalog.ItemFilter) ([]ledger.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Item
	for _, it := range s.items {
		if f.Match(it) {
			out = append(out, it)
		}
	}
	catalog.SortItems(out)
	return out, nil
}

func (s *Store) ItemHasEntries(_ context.Context, id ledger.ItemID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.ContainsFunc(s.entries, func(e ledger.Entry) bool { return e.Item == id }), nil
}

func (s *Store) CreateKitchen(_ context.Context, k ledger.Kitchen) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kitchens[k.ID]; !ok {
		s.kitchenOrder = append(s.kitchenOrder, k.ID)
	}
	s.kitchens[k.ID] = k
	return nil
}

func (s *Store) UpdateKitchen(_ context.Context, k ledger.Kitchen) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kitchens[k.ID]; !ok {
		return catalog.KitchenNotFound(k.ID)
	}
	s.kitchens[k.ID] = k
	return nil
}

func (s *Store) Kitchen(_ context.Context, id ledger.KitchenID) (ledger.Kitchen, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.kitchens[id]
	if !ok {
		return ledger.Kitchen{}, catalog.KitchenNotFound(id)
	}
	return k, nil
}

// Kitchens returns all kitchens ordered by name.
func (s *Store) Kitchens(_ context.Context) ([]ledger.Kitchen, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Kitchen, 0, len(s.kitchenOrder))
	for _, id := range s.kitchenOrder {
		out = append(out, s.kitchens[id])
	}
	slices.SortStableFunc(out, func(a, b ledger.Kitchen) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// =============================================================================
// TRANSFERS
// =============================================================================

func (s *Store) CreateTransfer(_ context.Context, t transfer.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers[t.ID] = cloneTransfer(t)
	s.transferOrder = append(s.transferOrder, t.ID)
	return nil
}

func (s *Store) Transfer(_ context.Context, id string) (transfer.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[id]
	if !ok {
		return transfer.Transfer{}, transfer.NotFound(id)
	}
	return cloneTransfer(t), nil
}

func (s *Store) Transfers(_ context.Context, f transfer.Filter) ([]transfer.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []transfer.Transfer
	for i := len(s.transferOrder) - 1; i >= 0; i-- {
		t := s.transfers[s.transferOrder[i]]
		if f.Kitchen != "" && t.Source != f.Kitchen && t.Destination != f.Kitchen {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, cloneTransfer(t))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func cloneTransfer(t transfer.Transfer) transfer.Transfer {
	t.Lines = slices.Clone(t.Lines)
	return t
}

// =============================================================================
// PURCHASES
// =============================================================================

func (s *Store) CreateSupplier(_ context.Context, sup purchase.Supplier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppliers[sup.ID] = sup
	return nil
}

func (s *Store) Supplier(_ context.Context, id string) (purchase.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sup, ok := s.suppliers[id]
	if !ok {
		return purchase.Supplier{}, purchase.SupplierNotFound(id)
	}
	return sup, nil
}

func (s *Store) Suppliers(_ context.Context) ([]purchase.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]purchase.Supplier, 0, len(s.suppliers))
	for _, sup := range s.suppliers {
		out = append(out, sup)
	}
	slices.SortFunc(out, func(a, b purchase.Supplier) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Store) Orders(_ context.Context, f purchase.Filter) ([]purchase.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []purchase.Order
	for i := len(s.orders) - 1; i >= 0; i-- {
		o := s.orders[i]
		if f.Kitchen != "" && o.Kitchen != f.Kitchen {
			continue
		}
		o.Lines = slices.Clone(o.Lines)
		out = append(out, o)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

var _ catalog.Store = (*Store)(nil)
