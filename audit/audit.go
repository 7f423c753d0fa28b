/*
audit.go - Fire-and-forget audit trail

PURPOSE:
  Every successful mutating operation (movement, transfer transition,
  purchase receipt, catalog change) records one Event. Recording is a side
  effect: it never fails the operation that triggered it and never delays
  its response.

KEY TYPES:
  Sink:      anything that can record an Event
  Store:     persistence for events (store/sqlite, store/mysql, store/memory)
  StoreSink: Sink backed by a Store
  LogSink:   Sink writing events to logrus
  Async:     bounded queue in front of another Sink

FAILURE HANDLING:
  Services call Record, which logs a failing sink at warn level and moves
  on. Async does the same for dropped or failed events. Events are lost if
  the process exits before the queue drains; Close drains it.

SEE ALSO:
  - async.go: queue + worker
*/
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Actions recorded by the services.
const (
	ActionItemCreate       = "ITEM_CREATE"
	ActionItemUpdate       = "ITEM_UPDATE"
	ActionKitchenCreate    = "KITCHEN_CREATE"
	ActionKitchenGeofence  = "KITCHEN_GEOFENCE_UPDATE"
	ActionSupplierCreate   = "SUPPLIER_CREATE"
	ActionStockAdjust      = "STOCK_ADJUST"
	ActionStockConsume     = "STOCK_CONSUMPTION"
	ActionPurchaseReceive  = "PURCHASE_RECEIVE"
	ActionTransferCreate   = "TRANSFER_CREATE"
	ActionTransferApprove  = "TRANSFER_APPROVE"
	ActionTransferDispatch = "TRANSFER_DISPATCH"
	ActionTransferReceive  = "TRANSFER_RECEIVE"
)

type Event struct {
	ID         string
	ActorID    string
	Action     string
	EntityType string
	EntityID   string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// Filter selects events, newest first. Zero values match everything.
type Filter struct {
	ActorID    string
	EntityType string
	EntityID   string
	Action     string
	Limit      int
}

type Sink interface {
	Record(ctx context.Context, e Event) error
}

type Store interface {
	AppendAudit(ctx context.Context, e Event) error
	AuditEvents(ctx context.Context, f Filter) ([]Event, error)
}

// Record sends e to sink. A failure is logged and swallowed.
func Record(ctx context.Context, sink Sink, log logrus.FieldLogger, e Event) {
	if err := sink.Record(ctx, e); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"action":    e.Action,
			"entity_id": e.EntityID,
		}).Warn("audit event not recorded")
	}
}

// =============================================================================
// SINKS
// =============================================================================

// StoreSink persists events through a Store, filling in ID and CreatedAt.
type StoreSink struct {
	Store Store
	Now   func() time.Time
}

func (s *StoreSink) Record(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		if s.Now != nil {
			e.CreatedAt = s.Now()
		} else {
			e.CreatedAt = time.Now().UTC()
		}
	}
	return s.Store.AppendAudit(ctx, e)
}

// LogSink writes events to a logger. Used when no audit table is wanted.
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) Record(_ context.Context, e Event) error {
	s.Log.WithFields(logrus.Fields{
		"actor":       e.ActorID,
		"action":      e.Action,
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
	}).Info("audit")
	return nil
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(context.Context, Event) error { return nil }

// Tee records to every sink in order and returns the first error.
type Tee []Sink

func (t Tee) Record(ctx context.Context, e Event) error {
	var first error
	for _, s := range t {
		if err := s.Record(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
