package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertBars inserts klines, skipping rows that already exist. Returns the
// number of newly inserted rows.
func (db *DB) InsertBars(ctx context.Context, bars []Bar) (int, error) {
	inserted := 0
	for _, b := range bars {
		tag, err := db.Pool.Exec(ctx,
			`INSERT INTO market_data
				(symbol, interval_minutes, open_time_ms, close_time_ms, open, high, low, close, volume)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT ON CONSTRAINT uq_market_data DO NOTHING`,
			b.Symbol, b.IntervalMinutes, b.OpenTimeMS, b.CloseTimeMS,
			b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			return inserted, fmt.Errorf("insert bar %s@%d: %w", b.Symbol, b.OpenTimeMS, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// LatestOpenTime returns the newest stored open_time_ms for a series, or
// ok=false when the series is empty.
func (db *DB) LatestOpenTime(ctx context.Context, symbol string, intervalMinutes int) (int64, bool, error) {
	var ot *int64
	err := db.Pool.QueryRow(ctx,
		`SELECT MAX(open_time_ms) FROM market_data
		 WHERE symbol = $1 AND interval_minutes = $2`,
		symbol, intervalMinutes).Scan(&ot)
	if err != nil {
		return 0, false, err
	}
	if ot == nil {
		return 0, false, nil
	}
	return *ot, true, nil
}

// ExistingOpenTimes returns the stored open times in [fromMS, toMS] ascending.
func (db *DB) ExistingOpenTimes(ctx context.Context, symbol string, intervalMinutes int, fromMS, toMS int64) ([]int64, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT open_time_ms FROM market_data
		 WHERE symbol = $1 AND interval_minutes = $2
		   AND open_time_ms BETWEEN $3 AND $4
		 ORDER BY open_time_ms`,
		symbol, intervalMinutes, fromMS, toMS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var ot int64
		if err := rows.Scan(&ot); err != nil {
			return nil, err
		}
		out = append(out, ot)
	}
	return out, rows.Err()
}

// BarsBefore returns up to limit bars strictly older than beforeMS, ascending.
func (db *DB) BarsBefore(ctx context.Context, symbol string, intervalMinutes int, beforeMS int64, limit int) ([]Bar, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT symbol, interval_minutes, open_time_ms, close_time_ms, open, high, low, close, volume
		 FROM (
			SELECT * FROM market_data
			WHERE symbol = $1 AND interval_minutes = $2 AND open_time_ms < $3
			ORDER BY open_time_ms DESC
			LIMIT $4
		 ) t ORDER BY open_time_ms`,
		symbol, intervalMinutes, beforeMS, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBars(rows)
}

// BarsRange returns bars with open_time_ms in [fromMS, toMS] ascending.
func (db *DB) BarsRange(ctx context.Context, symbol string, intervalMinutes int, fromMS, toMS int64) ([]Bar, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT symbol, interval_minutes, open_time_ms, close_time_ms, open, high, low, close, volume
		 FROM market_data
		 WHERE symbol = $1 AND interval_minutes = $2
		   AND open_time_ms BETWEEN $3 AND $4
		 ORDER BY open_time_ms`,
		symbol, intervalMinutes, fromMS, toMS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBars(rows)
}

func scanBars(rows pgx.Rows) ([]Bar, error) {
	var out []Bar
	for rows.Next() {
		var b Bar
		if err := rows.Scan(&b.Symbol, &b.IntervalMinutes, &b.OpenTimeMS, &b.CloseTimeMS,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpsertCacheRow writes one indicator row, replacing any previous values for
// the same bar.
func (db *DB) UpsertCacheRow(ctx context.Context, r CacheRow) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO market_data_cache
			(symbol, interval_minutes, open_time_ms, close_time_ms, last_price,
			 ema7, ema25, rsi14, atr14, adx14, plus_di14, minus_di14,
			 bb_mid20, bb_upper20, bb_lower20, bb_width20,
			 vol_sma20, vol_ratio, mom10, ret1, ret_std20, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,now())
		 ON CONFLICT ON CONSTRAINT uq_market_data_cache DO UPDATE SET
			close_time_ms = EXCLUDED.close_time_ms,
			last_price = EXCLUDED.last_price,
			ema7 = EXCLUDED.ema7,
			ema25 = EXCLUDED.ema25,
			rsi14 = EXCLUDED.rsi14,
			atr14 = EXCLUDED.atr14,
			adx14 = EXCLUDED.adx14,
			plus_di14 = EXCLUDED.plus_di14,
			minus_di14 = EXCLUDED.minus_di14,
			bb_mid20 = EXCLUDED.bb_mid20,
			bb_upper20 = EXCLUDED.bb_upper20,
			bb_lower20 = EXCLUDED.bb_lower20,
			bb_width20 = EXCLUDED.bb_width20,
			vol_sma20 = EXCLUDED.vol_sma20,
			vol_ratio = EXCLUDED.vol_ratio,
			mom10 = EXCLUDED.mom10,
			ret1 = EXCLUDED.ret1,
			ret_std20 = EXCLUDED.ret_std20,
			updated_at = now()`,
		r.Symbol, r.IntervalMinutes, r.OpenTimeMS, r.CloseTimeMS, r.LastPrice,
		r.EMA7, r.EMA25, r.RSI14, r.ATR14, r.ADX14, r.PlusDI14, r.MinusDI14,
		r.BBMid20, r.BBUpper20, r.BBLower20, r.BBWidth20,
		r.VolSMA20, r.VolRatio, r.Mom10, r.Ret1, r.RetStd20)
	return err
}

// LatestCacheRow returns the newest indicator row for a series, or nil when
// the cache is empty.
func (db *DB) LatestCacheRow(ctx context.Context, symbol string, intervalMinutes int) (*CacheRow, error) {
	var r CacheRow
	err := db.Pool.QueryRow(ctx,
		`SELECT symbol, interval_minutes, open_time_ms, close_time_ms, last_price,
			ema7, ema25, rsi14, atr14, adx14, plus_di14, minus_di14,
			bb_mid20, bb_upper20, bb_lower20, bb_width20,
			vol_sma20, vol_ratio, mom10, ret1, ret_std20
		 FROM market_data_cache
		 WHERE symbol = $1 AND interval_minutes = $2
		 ORDER BY open_time_ms DESC
		 LIMIT 1`,
		symbol, intervalMinutes).Scan(
		&r.Symbol, &r.IntervalMinutes, &r.OpenTimeMS, &r.CloseTimeMS, &r.LastPrice,
		&r.EMA7, &r.EMA25, &r.RSI14, &r.ATR14, &r.ADX14, &r.PlusDI14, &r.MinusDI14,
		&r.BBMid20, &r.BBUpper20, &r.BBLower20, &r.BBWidth20,
		&r.VolSMA20, &r.VolRatio, &r.Mom10, &r.Ret1, &r.RetStd20)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}
