// Package storage keeps an append-friendly SQLite journal of every order
// transition plus a small key/value metadata table.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"adaptive-grid-bot/internal/models"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// Journal is the SQLite order journal for one symbol.
type Journal struct {
	db     *sql.DB
	symbol string
}

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite 只允许一个写连接
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// NewJournal opens the journal at path. ":memory:" works for tests.
func NewJournal(path, symbol string) (*Journal, error) {
	db, err := InitDB(path)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db, symbol: symbol}, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// One row per order, rewritten on every transition.
	createOrdersTableSQL := `
	CREATE TABLE IF NOT EXISTS orders (
		client_order_id TEXT PRIMARY KEY,
		exchange_order_id TEXT,
		trigger_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		filled_qty REAL NOT NULL DEFAULT 0,
		avg_fill_price REAL NOT NULL DEFAULT 0,
		fee REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createOrdersTableSQL); err != nil {
		return err
	}

	// Every status change, for audits.
	createEventsTableSQL := `
	CREATE TABLE IF NOT EXISTS order_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_order_id TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL,
		last_error TEXT,
		at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createEventsTableSQL); err != nil {
		return err
	}

	createBotMetadataTableSQL := `
	CREATE TABLE IF NOT EXISTS bot_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := db.Exec(createBotMetadataTableSQL); err != nil {
		return err
	}
	return nil
}

// RecordOrder upserts the order row and appends a status event.
func (j *Journal) RecordOrder(order models.Order) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin journal transaction: %w", err)
	}
	defer tx.Rollback()

	var previous string
	err = tx.QueryRow(`SELECT status FROM orders WHERE client_order_id = ?`, order.ClientOrderID).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read order %s: %w", order.ClientOrderID, err)
	}

	upsert := `
	INSERT INTO orders (client_order_id, exchange_order_id, trigger_id, symbol, side, price, quantity,
		filled_qty, avg_fill_price, fee, status, retry_count, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(client_order_id) DO UPDATE SET
		exchange_order_id = excluded.exchange_order_id,
		filled_qty = excluded.filled_qty,
		avg_fill_price = excluded.avg_fill_price,
		fee = excluded.fee,
		status = excluded.status,
		retry_count = excluded.retry_count,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at;`
	_, err = tx.Exec(upsert,
		order.ClientOrderID, order.ExchangeOrderID, order.TriggerID, j.symbol, string(order.Side),
		order.Price, order.Quantity, order.FilledQty, order.AvgFillPrice, order.Fee,
		string(order.Status), order.RetryCount, order.LastError,
		order.CreatedAt.UnixMilli(), order.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", order.ClientOrderID, err)
	}

	if previous != string(order.Status) {
		_, err = tx.Exec(`INSERT INTO order_events (client_order_id, status, retry_count, last_error, at) VALUES (?, ?, ?, ?, ?)`,
			order.ClientOrderID, string(order.Status), order.RetryCount, order.LastError, order.UpdatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to append event for order %s: %w", order.ClientOrderID, err)
		}
	}
	return tx.Commit()
}

const orderColumns = `client_order_id, exchange_order_id, trigger_id, side, price, quantity,
	filled_qty, avg_fill_price, fee, status, retry_count, last_error, created_at, updated_at`

// GetActiveOrders retrieves all orders that are not in a terminal state.
func (j *Journal) GetActiveOrders() ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
	WHERE symbol = ? AND status NOT IN ('FILLED', 'CANCELLED', 'FAILED')
	ORDER BY created_at`
	return j.queryOrders(query, j.symbol)
}

// RecentOrders returns up to limit orders, newest first.
func (j *Journal) RecentOrders(limit int) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
	WHERE symbol = ? ORDER BY created_at DESC LIMIT ?`
	return j.queryOrders(query, j.symbol, limit)
}

// StatusHistory lists the statuses an order went through, oldest first.
func (j *Journal) StatusHistory(clientOrderID string) ([]models.OrderStatus, error) {
	rows, err := j.db.Query(`SELECT status FROM order_events WHERE client_order_id = ? ORDER BY id`, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order events: %w", err)
	}
	defer rows.Close()

	var out []models.OrderStatus
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan order event: %w", err)
		}
		out = append(out, models.OrderStatus(s))
	}
	return out, rows.Err()
}

func (j *Journal) queryOrders(query string, args ...interface{}) ([]models.Order, error) {
	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var (
			order                models.Order
			exchangeID, lastErr  sql.NullString
			side, status         string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(
			&order.ClientOrderID, &exchangeID, &order.TriggerID, &side, &order.Price, &order.Quantity,
			&order.FilledQty, &order.AvgFillPrice, &order.Fee, &status, &order.RetryCount, &lastErr,
			&createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		order.ID = order.ClientOrderID
		order.ExchangeOrderID = exchangeID.String
		order.LastError = lastErr.String
		order.Side = models.Side(side)
		order.Status = models.OrderStatus(status)
		order.CreatedAt = time.UnixMilli(createdAt)
		order.UpdatedAt = time.UnixMilli(updatedAt)
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// SetMetadata stores a key/value pair.
func (j *Journal) SetMetadata(key, value string) error {
	_, err := j.db.Exec(`INSERT INTO bot_metadata (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}

// GetMetadata returns ("", nil) for a missing key.
func (j *Journal) GetMetadata(key string) (string, error) {
	var value string
	err := j.db.QueryRow(`SELECT value FROM bot_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read metadata %s: %w", key, err)
	}
	return value, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
