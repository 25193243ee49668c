package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"candlestream/internal/live/memorystore"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// archiveBatchSize is the row count per INSERT when archiving a batch.
const archiveBatchSize = 500

var (
	candleUpsert = clause.OnConflict{
		Columns:   []clause.Column{{Name: "time"}},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "updated_at"}),
	}
	operationUpsert = clause.OnConflict{
		Columns:   []clause.Column{{Name: "operation_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"price", "profit", "profit_pct", "holding_period", "extra"}),
	}
)

// RecordCandle upserts c by its bucket time, so revisions of a forming candle
// overwrite the earlier row.
func (p *PostgresClient) RecordCandle(ctx context.Context, c memorystore.Candle) error {
	return p.DB.WithContext(ctx).Clauses(candleUpsert).Create(ToCandleRecord(c)).Error
}

// RecordOperation inserts op. Re-deliveries of the same id replace the
// mutable fields.
func (p *PostgresClient) RecordOperation(ctx context.Context, op memorystore.Operation) error {
	record, err := ToOperationRecord(op)
	if err != nil {
		return err
	}
	return p.DB.WithContext(ctx).Clauses(operationUpsert).Create(record).Error
}

// RecordBatch upserts a whole state in one transaction with multi-row
// inserts. Operations sharing an id collapse to the last one, since one
// statement cannot update the same row twice.
func (p *PostgresClient) RecordBatch(ctx context.Context, candles []memorystore.Candle, ops []memorystore.Operation) error {
	candleRecords := make([]*CandleRecord, 0, len(candles))
	at := make(map[int64]int, len(candles))
	for _, c := range candles {
		if i, ok := at[c.Time]; ok {
			candleRecords[i] = ToCandleRecord(c)
			continue
		}
		at[c.Time] = len(candleRecords)
		candleRecords = append(candleRecords, ToCandleRecord(c))
	}

	opRecords := make([]*OperationRecord, 0, len(ops))
	byID := make(map[string]int, len(ops))
	for _, op := range ops {
		record, err := ToOperationRecord(op)
		if err != nil {
			return err
		}
		if i, ok := byID[op.ID]; ok {
			opRecords[i] = record
			continue
		}
		byID[op.ID] = len(opRecords)
		opRecords = append(opRecords, record)
	}

	return p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(candleRecords) > 0 {
			if err := tx.Clauses(candleUpsert).CreateInBatches(candleRecords, archiveBatchSize).Error; err != nil {
				return fmt.Errorf("archive candles: %w", err)
			}
		}
		if len(opRecords) > 0 {
			if err := tx.Clauses(operationUpsert).CreateInBatches(opRecords, archiveBatchSize).Error; err != nil {
				return fmt.Errorf("archive operations: %w", err)
			}
		}
		return nil
	})
}

// DeleteBefore prunes candles and operations older than before and reports
// how many rows went.
func (p *PostgresClient) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("time < ?", before).Delete(&CandleRecord{})
		if res.Error != nil {
			return res.Error
		}
		removed += res.RowsAffected

		res = tx.Where("time < ?", before).Delete(&OperationRecord{})
		if res.Error != nil {
			return res.Error
		}
		removed += res.RowsAffected
		return nil
	})
	return removed, err
}

// RunRetention deletes rows older than keep every interval until ctx is done.
// A non-positive interval means hourly.
func (p *PostgresClient) RunRetention(ctx context.Context, keep, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	prune := func() {
		cutoff := time.Now().Add(-keep).UTC()
		removed, err := p.DeleteBefore(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("archive retention failed", zap.Error(err))
			}
			return
		}
		if removed > 0 {
			logger.Info("archive pruned", zap.Int64("rows", removed), zap.Time("before", cutoff))
		}
	}

	prune()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// ToCandleRecord converts a Candle into a CandleRecord for DB insertion.
func ToCandleRecord(c memorystore.Candle) *CandleRecord {
	return &CandleRecord{
		Time:  time.UnixMilli(c.Time).UTC(),
		Open:  c.Open,
		High:  c.High,
		Low:   c.Low,
		Close: c.Close,
	}
}

// ToOperationRecord converts an Operation into an OperationRecord, folding
// the extension fields into one JSON object.
func ToOperationRecord(op memorystore.Operation) (*OperationRecord, error) {
	record := &OperationRecord{
		OperationID:   op.ID,
		Kind:          string(op.Kind),
		Time:          time.UnixMilli(op.Time).UTC(),
		Price:         op.Price,
		Profit:        op.Profit,
		ProfitPct:     op.ProfitPct,
		HoldingPeriod: op.HoldingPeriod,
	}
	if len(op.Extra) > 0 {
		extra, err := json.Marshal(op.Extra)
		if err != nil {
			return nil, fmt.Errorf("marshal extension fields of %s: %w", op.ID, err)
		}
		record.Extra = extra
	}
	return record, nil
}
