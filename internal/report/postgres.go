package report

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresRecorder persists trade records to PostgreSQL. Energy and
// monetary values are stored as NUMERIC for exact decimal precision.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *PostgresRecorder {
	return &PostgresRecorder{pool: pool}
}

// EnsureSchema creates the trades table if it does not exist.
func (r *PostgresRecorder) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS trades (
			id            TEXT PRIMARY KEY,
			market_name   TEXT NOT NULL,
			time_slot     TIMESTAMPTZ NOT NULL,
			seller        TEXT NOT NULL,
			buyer         TEXT NOT NULL,
			seller_origin TEXT,
			buyer_origin  TEXT,
			energy        NUMERIC NOT NULL,
			price         NUMERIC NOT NULL,
			fee           NUMERIC NOT NULL,
			rate          NUMERIC NOT NULL,
			balancing     BOOLEAN NOT NULL,
			recorded_at   TIMESTAMPTZ NOT NULL
		)`)
	return err
}

func (r *PostgresRecorder) RecordTrade(ctx context.Context, rec TradeRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO trades (id, market_name, time_slot, seller, buyer, seller_origin, buyer_origin,
		                     energy, price, fee, rate, balancing, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)`,
		rec.ID, rec.MarketName, rec.TimeSlot, rec.Seller, rec.Buyer,
		rec.SellerOrigin, rec.BuyerOrigin,
		rec.Energy.String(), rec.Price.String(), rec.Fee.String(), rec.Rate.String(),
		rec.Balancing, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record trade %s: %w", rec.ID, err)
	}
	return nil
}

func (r *PostgresRecorder) TradesByMarket(ctx context.Context, marketName string) ([]TradeRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, market_name, time_slot, seller, buyer, seller_origin, buyer_origin,
		        energy::TEXT, price::TEXT, fee::TEXT, rate::TEXT, balancing, recorded_at
		 FROM trades WHERE market_name = $1 ORDER BY recorded_at`, marketName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []TradeRecord
	for rows.Next() {
		var rec TradeRecord
		var energyS, priceS, feeS, rateS string
		if err := rows.Scan(&rec.ID, &rec.MarketName, &rec.TimeSlot,
			&rec.Seller, &rec.Buyer, &rec.SellerOrigin, &rec.BuyerOrigin,
			&energyS, &priceS, &feeS, &rateS, &rec.Balancing, &rec.RecordedAt); err != nil {
			return nil, err
		}
		rec.Energy, _ = decimal.NewFromString(energyS)
		rec.Price, _ = decimal.NewFromString(priceS)
		rec.Fee, _ = decimal.NewFromString(feeS)
		rec.Rate, _ = decimal.NewFromString(rateS)
		records = append(records, rec)
	}
	return records, rows.Err()
}
