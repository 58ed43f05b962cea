package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// RecordStatus is the settlement progress of one market trade.
type RecordStatus string

const (
	RecordPending    RecordStatus = "pending"
	RecordRegistered RecordStatus = "registered"
	RecordSettled    RecordStatus = "settled"
	RecordFailed     RecordStatus = "failed"
)

// SettlementRecord is one journal row: a market trade, its ledger-unit
// conversion and how far it got through register/finalize. Ledger integers
// are stored as decimal strings.
type SettlementRecord struct {
	ID                string    `gorm:"primaryKey;size:36"`
	RunID             string    `gorm:"index;size:36;not null"`
	Ledger            string    `gorm:"index;size:128;not null"` // ledger the trade id belongs to
	DeliveryTime      time.Time `gorm:"index;not null"`
	Position          int       `gorm:"not null"`
	BuyerLabel        string    `gorm:"size:64"`
	SellerLabel       string    `gorm:"size:64"`
	Buyer             string    `gorm:"size:42"`
	Seller            string    `gorm:"size:42"`
	QuantityKWh       string
	PricePerKWh       string
	QuantityWh        string
	UnitPrice         string
	TransferFiat      string
	TransferBaseUnits string
	TradeID           uint64       `gorm:"index"`
	Status            RecordStatus `gorm:"index;size:16;not null"`
	Reason            string
	RegisterTx        string `gorm:"size:66"`
	FinalizeTx        string `gorm:"size:66"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TableName pins the table name.
func (SettlementRecord) TableName() string {
	return "settlement_records"
}

// Journal persists settlement records with gorm.
type Journal struct {
	db *gorm.DB
}

// OpenJournal opens (or creates) a sqlite journal at dsn and migrates it.
func OpenJournal(dsn string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return NewJournal(db)
}

// NewJournal wraps an existing gorm connection and migrates the schema.
func NewJournal(db *gorm.DB) (*Journal, error) {
	if err := db.AutoMigrate(&SettlementRecord{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Save inserts or updates a record by ID.
func (j *Journal) Save(ctx context.Context, rec *SettlementRecord) error {
	return j.db.WithContext(ctx).Save(rec).Error
}

// ListRun returns a run's records in settlement order.
func (j *Journal) ListRun(ctx context.Context, runID string) ([]SettlementRecord, error) {
	var records []SettlementRecord
	err := j.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("delivery_time ASC, position ASC").
		Find(&records).Error
	return records, err
}

// Unfinalized returns records of the given ledger whose trade was registered
// but never confirmed as settled, oldest slot first.
func (j *Journal) Unfinalized(ctx context.Context, ledger string) ([]SettlementRecord, error) {
	var records []SettlementRecord
	err := j.db.WithContext(ctx).
		Where("ledger = ? AND status <> ? AND trade_id > 0", ledger, RecordSettled).
		Order("delivery_time ASC, position ASC").
		Find(&records).Error
	return records, err
}

// Close releases the underlying connection.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
