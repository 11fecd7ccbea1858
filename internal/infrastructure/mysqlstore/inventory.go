package mysqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dominv "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
)

const (
	defaultMaxAttempts = 5
	schema             = `
CREATE TABLE IF NOT EXISTS products (
	id         VARCHAR(64) PRIMARY KEY,
	name       VARCHAR(255) NOT NULL,
	price      DECIMAL(10, 2) NOT NULL,
	stock      INT NOT NULL,
	version    BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
	CHECK (stock >= 0)
)`
)

// Inventory stores products in MySQL and guards stock writes with a version column.
type Inventory struct {
	db          *sql.DB
	maxAttempts int
}

var _ dominv.Client = (*Inventory)(nil)

func NewInventory(db *sql.DB) *Inventory {
	return &Inventory{db: db, maxAttempts: defaultMaxAttempts}
}

// Open parses dsn, connects and pings. parseTime is forced on.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: parse dsn: %w", err)
	}
	cfg.ParseTime = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	return db, nil
}

func (i *Inventory) EnsureSchema(ctx context.Context) error {
	if _, err := i.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("mysql inventory: create schema: %w", err)
	}
	return nil
}

func (i *Inventory) GetProduct(ctx context.Context, id string) (*dominv.Product, error) {
	p, _, err := i.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// AdjustStock reads the row, applies delta and writes it back only if the version
// is unchanged. A lost race is retried a few times before ErrConcurrentUpdate.
func (i *Inventory) AdjustStock(ctx context.Context, id string, delta int) error {
	for attempt := 0; attempt < i.maxAttempts; attempt++ {
		p, version, err := i.load(ctx, id)
		if err != nil {
			return err
		}
		next, err := dominv.ApplyDelta(p.Stock, delta)
		if err != nil {
			return err
		}

		res, err := i.db.ExecContext(ctx, `
			UPDATE products SET stock = ?, version = version + 1
			WHERE id = ? AND version = ?`, next, id, version)
		if err != nil {
			return fmt.Errorf("mysql inventory: update %s: %w", id, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mysql inventory: update %s: %w", id, err)
		}
		if rows == 1 {
			return nil
		}
	}
	return fmt.Errorf("mysql inventory: adjust %s: %w", id, dominv.ErrConcurrentUpdate)
}

// Upsert seeds or replaces a product.
func (i *Inventory) Upsert(ctx context.Context, p dominv.Product) error {
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price, stock, version) VALUES (?, ?, ?, ?, 0)
		ON DUPLICATE KEY UPDATE name = VALUES(name), price = VALUES(price),
			stock = VALUES(stock), version = version + 1`,
		p.ID, p.Name, p.Price.StringFixed(2), p.Stock)
	if err != nil {
		return fmt.Errorf("mysql inventory: upsert %s: %w", p.ID, err)
	}
	return nil
}

func (i *Inventory) load(ctx context.Context, id string) (*dominv.Product, int64, error) {
	var (
		p       dominv.Product
		price   string
		version int64
	)
	err := i.db.QueryRowContext(ctx, `
		SELECT id, name, price, stock, version FROM products WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &price, &p.Stock, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, dominv.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("mysql inventory: query %s: %w", id, err)
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, 0, fmt.Errorf("mysql inventory: price of %s: %w", id, err)
	}
	return &p, version, nil
}
