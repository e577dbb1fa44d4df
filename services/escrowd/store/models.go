package store

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// EscrowRecord mirrors one ledger escrow. Rank mirrors the status rank so
// writes can be guarded without decoding the status. Amounts are stored as
// base-unit decimal strings.
type EscrowRecord struct {
	ID               uint64          `gorm:"primaryKey;autoIncrement:false"`
	OrderID          string          `gorm:"size:128;index"`
	Buyer            string          `gorm:"size:42;index"`
	Seller           string          `gorm:"size:42;index"`
	DisputeResolver  string          `gorm:"size:42;index"`
	Amount           decimal.Decimal `gorm:"type:varchar(80);not null"`
	PlatformFee      decimal.Decimal `gorm:"type:varchar(80);not null"`
	Status           string          `gorm:"size:16;index"`
	Rank             int             `gorm:"column:status_rank;not null"`
	OpenedAt         time.Time       `gorm:"not null"`
	DeliveryDeadline time.Time       `gorm:"index"`
	DisputeDeadline  time.Time
	ProductHash      string `gorm:"size:66"`
	TrackingInfo     string `gorm:"size:512"`
	SellerConfirmed  bool
	BuyerConfirmed   bool
	DisputeReason    string `gorm:"size:1024"`
	Resolution       string `gorm:"size:32"`
	UpdatedAt        time.Time
}

// TableName pins the table name.
func (EscrowRecord) TableName() string { return "escrows" }

// StagingRecord captures backend order data ahead of escrow creation.
type StagingRecord struct {
	OrderID      string          `gorm:"primaryKey;size:128"`
	Buyer        string          `gorm:"size:42"`
	Seller       string          `gorm:"size:42"`
	Amount       decimal.Decimal `gorm:"type:varchar(80)"`
	ProductHash  string          `gorm:"size:66"`
	DeliveryDays uint32
	EscrowID     uint64 `gorm:"index"`
	UpdatedAt    time.Time
}

// TableName pins the table name.
func (StagingRecord) TableName() string { return "escrow_staging" }

// CursorRecord stores the sequence of the last ledger event applied.
type CursorRecord struct {
	Name      string `gorm:"primaryKey;size:64"`
	Sequence  uint64
	UpdatedAt time.Time
}

// TableName pins the table name.
func (CursorRecord) TableName() string { return "escrow_sync_cursors" }

// AutoMigrate creates or updates the escrow tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EscrowRecord{}, &StagingRecord{}, &CursorRecord{})
}
