// Package store holds the persistent record stores used by escrowd: a gorm
// backed SQL store and a Redis read-through cache layered over any
// escrow.RecordStore.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"marketescrow/native/escrow"
)

const defaultCursor = "ledger"

// SQLStore persists escrow state through gorm. It implements
// escrow.RecordStore and escrow.CursorStore.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the configured driver ("sqlite" or "postgres") and
// migrates the schema.
func Open(driver, dsn string) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an existing gorm handle and migrates the schema.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: nil database")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrapErr(err)
	}
	return wrapErr(sqlDB.PingContext(ctx))
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// PutStagingData upserts backend order data.
func (s *SQLStore) PutStagingData(ctx context.Context, data escrow.StagingData) error {
	row := StagingRecord{
		OrderID:      strings.TrimSpace(data.OrderID),
		Buyer:        addrString(data.Buyer),
		Seller:       addrString(data.Seller),
		Amount:       toDecimal(data.Amount),
		ProductHash:  data.ProductHash.Hex(),
		DeliveryDays: data.DeliveryDays,
		EscrowID:     uint64(data.EscrowID),
		UpdatedAt:    s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"buyer", "seller", "amount", "product_hash", "delivery_days", "updated_at"}),
	}).Create(&row).Error
	return wrapErr(err)
}

// StagingData implements escrow.RecordStore.
func (s *SQLStore) StagingData(ctx context.Context, orderID string) (*escrow.StagingData, error) {
	var row StagingRecord
	err := s.db.WithContext(ctx).Where("order_id = ?", strings.TrimSpace(orderID)).Take(&row).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return &escrow.StagingData{
		OrderID:      row.OrderID,
		Buyer:        common.HexToAddress(row.Buyer),
		Seller:       common.HexToAddress(row.Seller),
		Amount:       row.Amount.BigInt(),
		ProductHash:  common.HexToHash(row.ProductHash),
		DeliveryDays: row.DeliveryDays,
		EscrowID:     escrow.ID(row.EscrowID),
	}, nil
}

// GetEscrow implements escrow.RecordStore.
func (s *SQLStore) GetEscrow(ctx context.Context, id escrow.ID) (*escrow.Escrow, error) {
	var row EscrowRecord
	if err := s.db.WithContext(ctx).Where("id = ?", uint64(id)).Take(&row).Error; err != nil {
		return nil, wrapErr(err)
	}
	return fromRecord(row)
}

// PutEscrowState implements escrow.RecordStore. A write carrying a lower
// status rank than the stored row is ignored.
func (s *SQLStore) PutEscrowState(ctx context.Context, esc *escrow.Escrow) error {
	if esc == nil || esc.ID == 0 {
		return escrow.ErrNotFound
	}
	row := toRecord(esc)
	row.UpdatedAt = s.now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if created.Error != nil {
			return created.Error
		}
		if created.RowsAffected == 0 {
			updated := tx.Model(&EscrowRecord{}).
				Where("id = ? AND status_rank <= ?", row.ID, row.Rank).
				Select("*").
				Updates(&row)
			if updated.Error != nil {
				return updated.Error
			}
			if updated.RowsAffected == 0 {
				return nil
			}
		}
		staging := StagingRecord{
			OrderID:     row.OrderID,
			Buyer:       row.Buyer,
			Seller:      row.Seller,
			Amount:      row.Amount,
			ProductHash: row.ProductHash,
			EscrowID:    row.ID,
			UpdatedAt:   row.UpdatedAt,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&staging).Error; err != nil {
			return err
		}
		return tx.Model(&StagingRecord{}).
			Where("order_id = ? AND escrow_id < ?", row.OrderID, row.ID).
			Update("escrow_id", row.ID).Error
	})
	return wrapErr(err)
}

// UserEscrows implements escrow.RecordStore.
func (s *SQLStore) UserEscrows(ctx context.Context, addr common.Address, role escrow.Role) ([]*escrow.Escrow, error) {
	hex := addrString(addr)
	var clauses []string
	var args []any
	if role&escrow.RoleBuyer != 0 {
		clauses = append(clauses, "buyer = ?")
		args = append(args, hex)
	}
	if role&escrow.RoleSeller != 0 {
		clauses = append(clauses, "seller = ?")
		args = append(args, hex)
	}
	if role&escrow.RoleResolver != 0 {
		clauses = append(clauses, "dispute_resolver = ?")
		args = append(args, hex)
	}
	if len(clauses) == 0 {
		return nil, nil
	}
	var rows []EscrowRecord
	err := s.db.WithContext(ctx).
		Where(strings.Join(clauses, " OR "), args...).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]*escrow.Escrow, 0, len(rows))
	for _, row := range rows {
		esc, err := fromRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	return out, nil
}

// AutoReleaseCandidates lists escrows whose auto-release deadline passed
// before cutoff: PENDING past delivery, DELIVERED past the dispute window.
func (s *SQLStore) AutoReleaseCandidates(ctx context.Context, cutoff time.Time, limit int) ([]escrow.ID, error) {
	var ids []uint64
	cutoff = cutoff.UTC()
	query := s.db.WithContext(ctx).Model(&EscrowRecord{}).
		Where("(status = ? AND delivery_deadline < ?) OR (status = ? AND dispute_deadline < ?)",
			escrow.StatusPending.String(), cutoff, escrow.StatusDelivered.String(), cutoff).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, wrapErr(err)
	}
	out := make([]escrow.ID, len(ids))
	for i, id := range ids {
		out[i] = escrow.ID(id)
	}
	return out, nil
}

// LastEventSequence implements escrow.CursorStore.
func (s *SQLStore) LastEventSequence(ctx context.Context) (uint64, error) {
	var row CursorRecord
	err := s.db.WithContext(ctx).Where("name = ?", defaultCursor).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapErr(err)
	}
	return row.Sequence, nil
}

// UpdateEventSequence implements escrow.CursorStore. The cursor never moves
// backwards.
func (s *SQLStore) UpdateEventSequence(ctx context.Context, seq uint64) error {
	row := CursorRecord{Name: defaultCursor, Sequence: seq, UpdatedAt: s.now().UTC()}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&CursorRecord{}).
			Where("name = ? AND sequence < ?", defaultCursor, seq).
			Updates(map[string]any{"sequence": seq, "updated_at": row.UpdatedAt}).Error
	})
	return wrapErr(err)
}

func toRecord(esc *escrow.Escrow) EscrowRecord {
	row := EscrowRecord{
		ID:               uint64(esc.ID),
		OrderID:          esc.OrderID,
		Buyer:            addrString(esc.Buyer),
		Seller:           addrString(esc.Seller),
		Amount:           toDecimal(esc.Amount),
		PlatformFee:      toDecimal(esc.PlatformFee),
		Status:           esc.Status.String(),
		Rank:             esc.Status.Rank(),
		OpenedAt:         esc.CreatedAt.UTC(),
		DeliveryDeadline: esc.DeliveryDeadline.UTC(),
		DisputeDeadline:  esc.DisputeDeadline.UTC(),
		ProductHash:      esc.ProductHash.Hex(),
		TrackingInfo:     esc.TrackingInfo,
		SellerConfirmed:  esc.SellerConfirmed,
		BuyerConfirmed:   esc.BuyerConfirmed,
		DisputeReason:    esc.DisputeReason,
	}
	if esc.DisputeResolver != (common.Address{}) {
		row.DisputeResolver = addrString(esc.DisputeResolver)
	}
	if esc.Resolution != nil {
		row.Resolution = esc.Resolution.String()
	}
	return row
}

func fromRecord(row EscrowRecord) (*escrow.Escrow, error) {
	status, err := escrow.ParseStatus(row.Status)
	if err != nil {
		return nil, err
	}
	esc := &escrow.Escrow{
		ID:               escrow.ID(row.ID),
		OrderID:          row.OrderID,
		Buyer:            common.HexToAddress(row.Buyer),
		Seller:           common.HexToAddress(row.Seller),
		Amount:           row.Amount.BigInt(),
		PlatformFee:      row.PlatformFee.BigInt(),
		Status:           status,
		CreatedAt:        row.OpenedAt.UTC(),
		DeliveryDeadline: row.DeliveryDeadline.UTC(),
		DisputeDeadline:  row.DisputeDeadline.UTC(),
		ProductHash:      common.HexToHash(row.ProductHash),
		TrackingInfo:     row.TrackingInfo,
		SellerConfirmed:  row.SellerConfirmed,
		BuyerConfirmed:   row.BuyerConfirmed,
		DisputeReason:    row.DisputeReason,
	}
	if row.DisputeResolver != "" {
		esc.DisputeResolver = common.HexToAddress(row.DisputeResolver)
	}
	if row.Resolution != "" {
		decision, err := escrow.ParseDecision(row.Resolution)
		if err != nil {
			return nil, err
		}
		esc.Resolution = &decision
	}
	return esc, nil
}

func addrString(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func toDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

func wrapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return escrow.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", escrow.ErrStoreUnavailable, err)
	}
}
