package postgres

import (
	"encoding/json"
	"time"
)

// CandleRecord is one archived candle. The latest revision of a bucket wins.
type CandleRecord struct {
	ID uint `gorm:"primaryKey"`

	Time time.Time `gorm:"not null;uniqueIndex:idx_candle_time"`

	Open  float64 `gorm:"type:numeric;not null"`
	High  float64 `gorm:"type:numeric;not null"`
	Low   float64 `gorm:"type:numeric;not null"`
	Close float64 `gorm:"type:numeric;not null"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// TableName overrides the default table name for GORM.
func (CandleRecord) TableName() string {
	return "candle_record"
}

// OperationRecord is one archived trade operation.
type OperationRecord struct {
	ID uint `gorm:"primaryKey"`

	OperationID string    `gorm:"type:text;not null;uniqueIndex:idx_operation_id"`
	Kind        string    `gorm:"type:varchar(16);not null"`
	Time        time.Time `gorm:"not null;index:idx_operation_time"`
	Price       float64   `gorm:"type:numeric;not null"`

	Profit        *float64 `gorm:"type:numeric"`
	ProfitPct     *float64 `gorm:"type:numeric"`
	HoldingPeriod *float64 `gorm:"type:numeric"`

	// Extra holds extension fields as a JSON object.
	Extra json.RawMessage `gorm:"type:jsonb"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

func (OperationRecord) TableName() string {
	return "operation_record"
}
