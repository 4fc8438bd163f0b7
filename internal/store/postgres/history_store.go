package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// HistoryStore implements domain.HistoryStore over trading_history.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a HistoryStore.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

const historyColumns = `
	SELECT id, ts, action, side, position_size, leverage, entry_price,
	       exit_price, roe, reason, status, detail
	FROM trading_history`

// Record appends rec. A zero Timestamp is stamped by the database.
func (s *HistoryStore) Record(ctx context.Context, rec domain.TradeRecord) error {
	var detail []byte
	if len(rec.Detail) > 0 {
		raw, err := json.Marshal(rec.Detail)
		if err != nil {
			return fmt.Errorf("postgres: marshal history detail: %w", err)
		}
		detail = raw
	}
	var ts any
	if !rec.Timestamp.IsZero() {
		ts = rec.Timestamp
	}
	side := rec.Side
	if side == "" {
		side = domain.SideNone
	}

	const query = `
		INSERT INTO trading_history (
			ts, action, side, position_size, leverage, entry_price,
			exit_price, roe, reason, status, detail
		) VALUES (COALESCE($1, NOW()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.pool.Exec(ctx, query,
		ts, string(rec.Action), string(side), rec.PositionSize, rec.Leverage,
		rec.EntryPrice, rec.ExitPrice, rec.ROE, rec.Reason, rec.Status, detail,
	)
	if err != nil {
		return fmt.Errorf("postgres: record history %s: %w", rec.Action, err)
	}
	return nil
}

// List returns history rows newest first.
func (s *HistoryStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query, args := listQuery(historyColumns, "ts", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	return scanHistoryRows(rows)
}

// ListBefore returns every row older than before, oldest first.
func (s *HistoryStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, historyColumns+` WHERE ts < $1 ORDER BY ts, id`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history before: %w", err)
	}
	return scanHistoryRows(rows)
}

// DeleteBefore removes rows older than before.
func (s *HistoryStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trading_history WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete history before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanHistoryRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		var r domain.TradeRecord
		var action, side string
		var detail []byte
		err := rows.Scan(
			&r.ID, &r.Timestamp, &action, &side, &r.PositionSize, &r.Leverage,
			&r.EntryPrice, &r.ExitPrice, &r.ROE, &r.Reason, &r.Status, &detail,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan history: %w", err)
		}
		r.Action = domain.TradeRecordAction(action)
		r.Side = domain.Side(side)
		if detail != nil {
			if err := json.Unmarshal(detail, &r.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal history detail: %w", err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: history rows: %w", err)
	}
	return out, nil
}

var _ domain.HistoryStore = (*HistoryStore)(nil)
