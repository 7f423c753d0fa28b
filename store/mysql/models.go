package mysql

import (
	"time"

	"github.com/shopspring/decimal"
)

type kitchenRow struct {
	ID                   string    `gorm:"primaryKey;size:64"`
	Name                 string    `gorm:"size:200;not null;index"`
	Kind                 string    `gorm:"size:16;not null"`
	Address              *string   `gorm:"size:500"`
	Lat                  *float64
	Lng                  *float64
	GeofenceRadiusMeters int       `gorm:"column:geofence_radius_m;not null;default:150"`
	CreatedAt            time.Time `gorm:"type:datetime(6);autoCreateTime:false"`
	UpdatedAt            time.Time `gorm:"type:datetime(6);autoUpdateTime:false"`
}

func (kitchenRow) TableName() string { return "kitchens" }

type itemRow struct {
	ID           string          `gorm:"primaryKey;size:64"`
	Name         string          `gorm:"size:200;not null;uniqueIndex:uniq_items_name_uom,priority:1"`
	Category     *string         `gorm:"size:100;index:idx_items_category"`
	UOM          string          `gorm:"column:uom;size:32;not null;uniqueIndex:uniq_items_name_uom,priority:2"`
	ReorderPoint decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	Active       bool            `gorm:"not null;default:true"`
	CreatedAt    time.Time       `gorm:"type:datetime(6);autoCreateTime:false"`
	UpdatedAt    time.Time       `gorm:"type:datetime(6);autoUpdateTime:false"`
}

func (itemRow) TableName() string { return "items" }

type balanceRow struct {
	KitchenID string          `gorm:"primaryKey;size:64"`
	ItemID    string          `gorm:"primaryKey;size:64"`
	OnHand    decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	AvgCost   decimal.Decimal `gorm:"type:decimal(20,6);not null"`
	UpdatedAt time.Time       `gorm:"type:datetime(6);autoUpdateTime:false"`
}

func (balanceRow) TableName() string { return "balances" }

type entryRow struct {
	Seq            uint64           `gorm:"primaryKey;autoIncrement"`
	ID             string           `gorm:"size:64;not null;uniqueIndex:uniq_entries_id"`
	KitchenID      string           `gorm:"size:64;not null;index:idx_entries_pair,priority:1;index:idx_entries_kitchen_time,priority:1"`
	ItemID         string           `gorm:"size:64;not null;index:idx_entries_pair,priority:2"`
	Kind           string           `gorm:"size:32;not null"`
	QtyDelta       decimal.Decimal  `gorm:"type:decimal(20,4);not null"`
	UnitCost       *decimal.Decimal `gorm:"type:decimal(20,6)"`
	RefKind        *string          `gorm:"size:32;index:idx_entries_reference,priority:1"`
	RefID          *string          `gorm:"size:64;index:idx_entries_reference,priority:2"`
	Reason         *string          `gorm:"size:500"`
	IdempotencyKey *string          `gorm:"size:255;uniqueIndex:uniq_entries_idempotency"`
	ActorID        string           `gorm:"size:64;not null"`
	CreatedAt      time.Time        `gorm:"type:datetime(6);autoCreateTime:false;index:idx_entries_kitchen_time,priority:2"`
}

func (entryRow) TableName() string { return "ledger_entries" }

type transferRow struct {
	Seq           uint64     `gorm:"primaryKey;autoIncrement"`
	ID            string     `gorm:"size:64;not null;uniqueIndex:uniq_transfers_id"`
	FromKitchenID string     `gorm:"size:64;not null;index:idx_transfers_from"`
	ToKitchenID   string     `gorm:"size:64;not null;index:idx_transfers_to"`
	Status        string     `gorm:"size:16;not null"`
	RequestedBy   string     `gorm:"size:64;not null"`
	RequestedAt   time.Time  `gorm:"type:datetime(6)"`
	ApprovedBy    *string    `gorm:"size:64"`
	ApprovedAt    *time.Time `gorm:"type:datetime(6)"`
	DispatchedBy  *string    `gorm:"size:64"`
	DispatchedAt  *time.Time `gorm:"type:datetime(6)"`
	ReceivedBy    *string    `gorm:"size:64"`
	ReceivedAt    *time.Time `gorm:"type:datetime(6)"`
	UpdatedAt     time.Time  `gorm:"type:datetime(6);autoUpdateTime:false"`
}

func (transferRow) TableName() string { return "transfers" }

type transferLineRow struct {
	TransferID string          `gorm:"primaryKey;size:64"`
	Position   int             `gorm:"primaryKey;autoIncrement:false"`
	ItemID     string          `gorm:"size:64;not null"`
	Qty        decimal.Decimal `gorm:"type:decimal(20,4);not null"`
}

func (transferLineRow) TableName() string { return "transfer_lines" }

type supplierRow struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Name      string    `gorm:"size:200;not null"`
	Contact   *string   `gorm:"size:200"`
	CreatedAt time.Time `gorm:"type:datetime(6);autoCreateTime:false"`
}

func (supplierRow) TableName() string { return "suppliers" }

type orderRow struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement"`
	ID         string    `gorm:"size:64;not null;uniqueIndex:uniq_purchase_orders_id"`
	KitchenID  string    `gorm:"size:64;not null;index"`
	SupplierID *string   `gorm:"size:64"`
	Status     string    `gorm:"size:16;not null"`
	CreatedBy  string    `gorm:"size:64;not null"`
	CreatedAt  time.Time `gorm:"type:datetime(6);autoCreateTime:false"`
}

func (orderRow) TableName() string { return "purchase_orders" }

type orderLineRow struct {
	OrderID  string          `gorm:"primaryKey;size:64"`
	Position int             `gorm:"primaryKey;autoIncrement:false"`
	ItemID   string          `gorm:"size:64;not null"`
	Qty      decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	UnitCost decimal.Decimal `gorm:"type:decimal(20,6);not null"`
}

func (orderLineRow) TableName() string { return "purchase_order_lines" }

type auditRow struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement"`
	ID         string    `gorm:"size:64;not null;uniqueIndex:uniq_audit_id"`
	ActorID    *string   `gorm:"size:64;index"`
	Action     string    `gorm:"size:64;not null"`
	EntityType string    `gorm:"size:64;not null;index:idx_audit_entity,priority:1"`
	EntityID   *string   `gorm:"size:128;index:idx_audit_entity,priority:2"`
	Metadata   *string   `gorm:"column:metadata_json;type:text"`
	CreatedAt  time.Time `gorm:"type:datetime(6);autoCreateTime:false"`
}

func (auditRow) TableName() string { return "audit_log" }
