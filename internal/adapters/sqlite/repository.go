package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
	"github.com/BenFisher1984/web-execution-agent/internal/ports"
)

// Repository implements ports.TradeRepository using SQLite. A trade and its
// orders are always written together inside one transaction, so a reader can
// never observe a half-applied lifecycle step.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/execution_agent.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
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

	// SQLite handles concurrency internally, but the Go driver benefits from
	// limiting connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
// NOTE: This is a basic approach. A proper migration tool is recommended for production.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		quantity REAL NOT NULL,
		filled_quantity REAL NOT NULL DEFAULT 0,
		adr REAL NOT NULL DEFAULT 0,
		atr REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		trade_id TEXT NOT NULL REFERENCES trades(id),
		parent_id TEXT NOT NULL DEFAULT '',
		oca_group TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		side TEXT NOT NULL,
		rule TEXT NOT NULL,
		requested_qty REAL NOT NULL,
		filled_qty REAL NOT NULL DEFAULT 0,
		fill_price REAL NOT NULL DEFAULT 0,
		broker_order_id TEXT NOT NULL DEFAULT '',
		client_order_id TEXT NOT NULL DEFAULT '',
		trail_price REAL NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_trade_id ON orders (trade_id);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades (symbol);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
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

// Save writes the whole trade record atomically: the trade row is upserted
// and every order row replaced within one transaction.
func (r *Repository) Save(ctx context.Context, trade *domain.Trade) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for trade %s: %w: %v", trade.ID, ports.ErrStoreConnection, err)
	}
	defer tx.Rollback()

	const upsertTrade = `
	INSERT INTO trades (id, symbol, direction, quantity, filled_quantity, adr, atr, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		quantity = excluded.quantity,
		filled_quantity = excluded.filled_quantity,
		adr = excluded.adr,
		atr = excluded.atr,
		updated_at = excluded.updated_at`

	var adr, atr float64
	if trade.Volatility != nil {
		adr, atr = trade.Volatility.ADR, trade.Volatility.ATR
	}
	if _, err := tx.ExecContext(ctx, upsertTrade,
		trade.ID, trade.Symbol, trade.Direction, trade.Quantity, trade.FilledQuantity,
		adr, atr, trade.CreatedAt, trade.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert trade %s: %w", trade.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE trade_id = ?`, trade.ID); err != nil {
		return fmt.Errorf("failed to clear orders for trade %s: %w", trade.ID, err)
	}

	const insertOrder = `
	INSERT INTO orders (id, trade_id, parent_id, oca_group, kind, status, side, rule,
	                    requested_qty, filled_qty, fill_price, broker_order_id, client_order_id, trail_price, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, o := range trade.Orders() {
		ruleJSON, err := domain.MarshalRule(o.Rule)
		if err != nil {
			return fmt.Errorf("failed to encode rule for order %s: %w", o.ID, err)
		}
		if _, err := tx.ExecContext(ctx, insertOrder,
			o.ID, trade.ID, o.ParentID, o.OCAGroup, o.Kind, o.Status, o.Side, string(ruleJSON),
			o.RequestedQty, o.FilledQty, o.FillPrice, o.BrokerOrderID, o.ClientOrderID, o.TrailPrice, o.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trade %s: %w", trade.ID, err)
	}
	r.logger.Debug(ctx, "Trade saved", map[string]interface{}{"tradeID": trade.ID, "symbol": trade.Symbol})
	return nil
}

// FindByID retrieves a trade with its orders. Returns (nil, nil) when the
// trade does not exist.
func (r *Repository) FindByID(ctx context.Context, id string) (*domain.Trade, error) {
	const query = `
	SELECT id, symbol, direction, quantity, filled_quantity, adr, atr, created_at, updated_at
	FROM trades
	WHERE id = ?`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade %s: %w", id, err)
	}
	trades, err := r.collectTrades(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		r.logger.Debug(ctx, "Trade not found by ID", map[string]interface{}{"tradeID": id})
		return nil, nil
	}
	return trades[0], nil
}

// FindAll retrieves every trade, newest first.
func (r *Repository) FindAll(ctx context.Context) ([]*domain.Trade, error) {
	const query = `
	SELECT id, symbol, direction, quantity, filled_quantity, adr, atr, created_at, updated_at
	FROM trades
	ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query all trades: %w", err)
	}
	return r.collectTrades(ctx, rows)
}

// FindActive retrieves trades that still have at least one order outside a
// terminal status.
func (r *Repository) FindActive(ctx context.Context) ([]*domain.Trade, error) {
	const query = `
	SELECT DISTINCT t.id, t.symbol, t.direction, t.quantity, t.filled_quantity, t.adr, t.atr, t.created_at, t.updated_at
	FROM trades t
	JOIN orders o ON o.trade_id = t.id
	WHERE o.status NOT IN (?, ?, ?)
	ORDER BY t.created_at DESC`

	rows, err := r.db.QueryContext(ctx, query,
		domain.OrderFilled, domain.OrderCancelled, domain.OrderRejected)
	if err != nil {
		return nil, fmt.Errorf("failed to query active trades: %w", err)
	}
	return r.collectTrades(ctx, rows)
}

// collectTrades scans trade rows and attaches each trade's orders.
func (r *Repository) collectTrades(ctx context.Context, rows *sql.Rows) ([]*domain.Trade, error) {
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}

	for _, t := range trades {
		if err := r.loadOrders(ctx, t); err != nil {
			return nil, err
		}
	}
	return trades, nil
}

func (r *Repository) loadOrders(ctx context.Context, trade *domain.Trade) error {
	const query = `
	SELECT id, parent_id, oca_group, kind, status, side, rule,
	       requested_qty, filled_qty, fill_price, broker_order_id, client_order_id, trail_price, updated_at
	FROM orders
	WHERE trade_id = ?
	ORDER BY updated_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, trade.ID)
	if err != nil {
		return fmt.Errorf("failed to query orders for trade %s: %w", trade.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return fmt.Errorf("failed to scan order for trade %s: %w", trade.ID, err)
		}
		if o.Kind == domain.KindEntry {
			trade.EntryOrder = o
		} else {
			trade.ChildOrders = append(trade.ChildOrders, o)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating order rows for trade %s: %w", trade.ID, err)
	}
	if trade.EntryOrder == nil {
		return fmt.Errorf("trade %s has no entry order: %w", trade.ID, ports.ErrQueryFailed)
	}
	return nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var direction string
	var adr, atr float64
	err := s.Scan(
		&t.ID, &t.Symbol, &direction, &t.Quantity, &t.FilledQuantity,
		&adr, &atr, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Direction = domain.Direction(direction)
	if adr != 0 || atr != 0 {
		t.Volatility = &domain.Volatility{ADR: adr, ATR: atr}
	}
	return t, nil
}

func scanOrder(s scanner) (*domain.Order, error) {
	o := &domain.Order{}
	var kind, status, side, ruleJSON string
	err := s.Scan(
		&o.ID, &o.ParentID, &o.OCAGroup, &kind, &status, &side, &ruleJSON,
		&o.RequestedQty, &o.FilledQty, &o.FillPrice, &o.BrokerOrderID, &o.ClientOrderID, &o.TrailPrice, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Kind = domain.OrderKind(kind)
	o.Status = domain.OrderStatus(status)
	o.Side = domain.OrderSide(side)
	rule, err := domain.UnmarshalRule([]byte(ruleJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to decode rule for order %s: %w", o.ID, err)
	}
	o.Rule = rule
	return o, nil
}
