// Package sqlite implements ports.PositionStore on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"optionbot/internal/domain"
	"optionbot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the ports.PositionStore interface using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository opens (creating if needed) the database and bootstraps the
// schema.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/optionbot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the session writer and reporting readers.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		kind TEXT NOT NULL,
		signal TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL,
		price REAL NOT NULL DEFAULT 0,
		trigger_price REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		filled_qty INTEGER NOT NULL DEFAULT 0,
		filled_price REAL NOT NULL DEFAULT 0,
		entry_order_id TEXT NOT NULL DEFAULT '',
		placed_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		trade_type TEXT NOT NULL,
		symbol TEXT NOT NULL,
		price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		fill_number INTEGER NOT NULL DEFAULT 1,
		entry_price REAL NOT NULL DEFAULT 0,
		exit_price REAL NOT NULL DEFAULT 0,
		pnl REAL NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		trade_time TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions (
		symbol TEXT PRIMARY KEY,
		open_quantity INTEGER NOT NULL,
		opened_quantity INTEGER NOT NULL,
		closed_quantity INTEGER NOT NULL,
		avg_entry_price REAL NOT NULL,
		avg_exit_price REAL NOT NULL DEFAULT 0,
		last_price REAL NOT NULL DEFAULT 0,
		realized_pnl REAL NOT NULL DEFAULT 0,
		unrealized_pnl REAL NOT NULL DEFAULT 0,
		net_pnl REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS daily_summary (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		summary_date TEXT NOT NULL,
		total_trades INTEGER NOT NULL,
		wins INTEGER NOT NULL,
		losses INTEGER NOT NULL,
		net_pnl REAL NOT NULL,
		max_drawdown REAL NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders (symbol, status);
	CREATE INDEX IF NOT EXISTS idx_trades_time ON trades (trade_time);
	CREATE INDEX IF NOT EXISTS idx_daily_summary_date ON daily_summary (summary_date);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// SaveOrder inserts the initial snapshot of an order.
func (r *Repository) SaveOrder(ctx context.Context, rec *domain.OrderRecord) error {
	const query = `
	INSERT INTO orders (order_id, symbol, side, kind, signal, quantity, price, trigger_price,
	                    status, filled_qty, filled_price, entry_order_id, placed_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		rec.OrderID, rec.Symbol, rec.Side, rec.Kind, rec.Signal, rec.Quantity, rec.Price,
		rec.TriggerPrice, rec.Status, rec.FilledQty, rec.FilledPrice, rec.EntryOrderID,
		rec.PlacedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", rec.OrderID, err)
	}
	r.logger.Debug(ctx, "Order saved", map[string]interface{}{"orderID": rec.OrderID, "symbol": rec.Symbol})
	return nil
}

// UpdateOrder patches status and fill fields of an existing order row.
func (r *Repository) UpdateOrder(ctx context.Context, orderID string, status domain.OrderStatus, filledQty int, filledPrice float64) error {
	const query = `
	UPDATE orders SET status = ?, filled_qty = ?, filled_price = ?, updated_at = ?
	WHERE order_id = ?`

	result, err := r.db.ExecContext(ctx, query, status, filledQty, filledPrice, time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", orderID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for order %s: %w", orderID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("order %s not found for update: %w", orderID, ports.ErrOrderNotFound)
	}
	return nil
}

// SaveTrade appends one entry or exit fill row.
func (r *Repository) SaveTrade(ctx context.Context, rec *domain.TradeRecord) error {
	const query = `
	INSERT INTO trades (order_id, trade_type, symbol, price, quantity, fill_number,
	                    entry_price, exit_price, pnl, reason, trade_time)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		rec.OrderID, rec.Type, rec.Symbol, rec.Price, rec.Quantity, rec.FillNumber,
		rec.EntryPrice, rec.ExitPrice, rec.PnL, rec.Reason, rec.Time)
	if err != nil {
		return fmt.Errorf("failed to insert trade for order %s: %w", rec.OrderID, err)
	}
	r.logger.Debug(ctx, "Trade saved", map[string]interface{}{
		"orderID": rec.OrderID,
		"type":    rec.Type,
		"symbol":  rec.Symbol,
	})
	return nil
}

// UpsertPosition writes the aggregate position keyed by symbol. At most one
// row per symbol: re-entering a symbol later in the session replaces its
// closed row, while the trades table keeps the full history.
func (r *Repository) UpsertPosition(ctx context.Context, pos *domain.AggregatePosition) error {
	const query = `
	INSERT INTO positions (symbol, open_quantity, opened_quantity, closed_quantity,
	                       avg_entry_price, avg_exit_price, last_price,
	                       realized_pnl, unrealized_pnl, net_pnl, status,
	                       created_at, updated_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(symbol) DO UPDATE SET
		open_quantity = excluded.open_quantity,
		opened_quantity = excluded.opened_quantity,
		closed_quantity = excluded.closed_quantity,
		avg_entry_price = excluded.avg_entry_price,
		avg_exit_price = excluded.avg_exit_price,
		last_price = excluded.last_price,
		realized_pnl = excluded.realized_pnl,
		unrealized_pnl = excluded.unrealized_pnl,
		net_pnl = excluded.net_pnl,
		status = excluded.status,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		closed_at = excluded.closed_at`

	var closedAt sql.NullTime
	if !pos.ClosedAt.IsZero() {
		closedAt = sql.NullTime{Time: pos.ClosedAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		pos.Symbol, pos.OpenQuantity, pos.OpenedQuantity, pos.ClosedQuantity,
		pos.AvgEntryPrice, pos.AvgExitPrice, pos.LastPrice,
		pos.RealizedPnL, pos.UnrealizedPnL, pos.NetPnL, pos.Status,
		pos.CreatedAt, pos.UpdatedAt, closedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert position for symbol %s: %w", pos.Symbol, err)
	}
	return nil
}

// FindPosition retrieves the stored aggregate for a symbol, or nil when none
// exists.
func (r *Repository) FindPosition(ctx context.Context, symbol string) (*domain.AggregatePosition, error) {
	const query = `
	SELECT symbol, open_quantity, opened_quantity, closed_quantity,
	       avg_entry_price, avg_exit_price, last_price,
	       realized_pnl, unrealized_pnl, net_pnl, status,
	       created_at, updated_at, closed_at
	FROM positions WHERE symbol = ?`

	pos := &domain.AggregatePosition{}
	var status string
	var closedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, symbol).Scan(
		&pos.Symbol, &pos.OpenQuantity, &pos.OpenedQuantity, &pos.ClosedQuantity,
		&pos.AvgEntryPrice, &pos.AvgExitPrice, &pos.LastPrice,
		&pos.RealizedPnL, &pos.UnrealizedPnL, &pos.NetPnL, &status,
		&pos.CreatedAt, &pos.UpdatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query position for symbol %s: %w", symbol, err)
	}
	pos.Status = domain.PositionStatus(status)
	if closedAt.Valid {
		pos.ClosedAt = closedAt.Time
	}
	return pos, nil
}

// SaveDailySummary appends one session summary row.
func (r *Repository) SaveDailySummary(ctx context.Context, s *domain.DailySummary) error {
	const query = `
	INSERT INTO daily_summary (summary_date, total_trades, wins, losses, net_pnl, max_drawdown)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		s.Date.Format("2006-01-02"), s.TotalTrades, s.Wins, s.Losses, s.NetPnL, s.MaxDrawdown)
	if err != nil {
		return fmt.Errorf("failed to insert daily summary: %w", err)
	}
	return nil
}

// TradesForDay returns the day's trade rows ordered by time.
func (r *Repository) TradesForDay(ctx context.Context, day time.Time) ([]*domain.TradeRecord, error) {
	const query = `
	SELECT order_id, trade_type, symbol, price, quantity, fill_number,
	       entry_price, exit_price, pnl, reason, trade_time
	FROM trades
	WHERE date(trade_time) = ?
	ORDER BY trade_time ASC`

	rows, err := r.db.QueryContext(ctx, query, day.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to query trades for %s: %w", day.Format("2006-01-02"), err)
	}
	defer rows.Close()

	trades := make([]*domain.TradeRecord, 0)
	for rows.Next() {
		rec := &domain.TradeRecord{}
		var tradeType, reason string
		if err := rows.Scan(&rec.OrderID, &tradeType, &rec.Symbol, &rec.Price, &rec.Quantity,
			&rec.FillNumber, &rec.EntryPrice, &rec.ExitPrice, &rec.PnL, &reason, &rec.Time); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		rec.Type = domain.TradeType(tradeType)
		rec.Reason = domain.CloseReason(reason)
		trades = append(trades, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}
