package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fjod/go_cart/claim-service/domain"
	"github.com/fjod/go_cart/claim-service/internal/store"
)

//go:embed sqlite_migrations/*.sql
var sqliteMigrationsFS embed.FS

// SQLiteRepository is a single-node store of record. SQLite has no change
// notification, so the feed is published by this process after each commit
// and only sees writes made through this handle.
type SQLiteRepository struct {
	db   *sql.DB
	feed *store.Fanout
	log  *zap.Logger
	now  func() time.Time
}

func NewSQLiteRepository(dbPath string, log *zap.Logger) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	log.Info("opened sqlite store", zap.String("path", dbPath))
	return &SQLiteRepository{
		db:   db,
		feed: store.NewFanout(),
		log:  log,
		now:  time.Now,
	}, nil
}

func (r *SQLiteRepository) RunMigrations() error {
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{
		MigrationsTable: "claim_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	src, err := iofs.New(sqliteMigrationsFS, "sqlite_migrations")
	if err != nil {
		return fmt.Errorf("could not open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

func sqliteWhere(f store.Filter, args []any) (string, []any) {
	parts := make([]string, 0, len(f))
	for _, c := range f {
		if c.Value == nil {
			parts = append(parts, fmt.Sprintf("%s IS NULL", c.Column))
			continue
		}
		v := c.Value
		if s, ok := v.(domain.CartStatus); ok {
			v = string(s)
		}
		args = append(args, v)
		parts = append(parts, fmt.Sprintf("%s = ?", c.Column))
	}
	if len(parts) == 0 {
		return "1 = 1", args
	}
	return strings.Join(parts, " AND "), args
}

// ConditionalUpdate reads the matching rows and patches them in one
// transaction, then publishes an UPDATE event per changed row.
func (r *SQLiteRepository) ConditionalUpdate(ctx context.Context, u store.Update) (int64, error) {
	if err := u.Validate(); err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	where, args := sqliteWhere(u.Where(), nil)
	before, err := selectCarts(ctx, tx, where, args)
	if err != nil {
		return 0, err
	}
	if len(before) == 0 {
		return 0, nil
	}

	now := r.now().UTC()
	var owner any
	if u.Patch.UserID != nil {
		owner = *u.Patch.UserID
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE shopping_carts SET status = ?, user_id = ?, updated_at = ? WHERE `+where,
		append([]any{string(u.Patch.Status), owner, now.UnixNano()}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("update carts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	for _, old := range before {
		updated := old
		u.Patch.Apply(&updated)
		updated.UpdatedAt = now
		r.feed.Publish(store.Event{Table: store.TableShoppingCarts, Op: store.OpUpdate, Old: &old, New: &updated, At: now})
	}
	return n, nil
}

func (r *SQLiteRepository) Select(ctx context.Context, f store.Filter) ([]domain.Cart, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	where, args := sqliteWhere(f, nil)
	return selectCarts(ctx, r.db, where, args)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func selectCarts(ctx context.Context, q queryer, where string, args []any) ([]domain.Cart, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT cart_id, status, user_id, updated_at FROM shopping_carts WHERE `+where+` ORDER BY cart_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query carts: %w", err)
	}
	defer rows.Close()

	carts := make([]domain.Cart, 0, 1)
	for rows.Next() {
		var cart domain.Cart
		var owner sql.NullString
		var updated int64
		if err := rows.Scan(&cart.CartID, &cart.Status, &owner, &updated); err != nil {
			return nil, fmt.Errorf("scan cart row: %w", err)
		}
		if owner.Valid {
			cart.UserID = &owner.String
		}
		cart.UpdatedAt = time.Unix(0, updated).UTC()
		carts = append(carts, cart)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return carts, nil
}

// Provision inserts an available cart.
func (r *SQLiteRepository) Provision(ctx context.Context, cartID int64) error {
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO shopping_carts (cart_id, updated_at) VALUES (?, ?) ON CONFLICT (cart_id) DO NOTHING`,
		cartID, now.UnixNano())
	if err != nil {
		return fmt.Errorf("insert cart: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrCartExists
	}

	cart := domain.Cart{CartID: cartID, Status: domain.CartStatusNotInUse, UpdatedAt: now}
	r.feed.Publish(store.Event{Table: store.TableShoppingCarts, Op: store.OpInsert, New: &cart, At: now})
	return nil
}

func (r *SQLiteRepository) Subscribe(_ context.Context, table string, f store.Filter, onEvent func(store.Event)) (store.Subscription, error) {
	return r.feed.Add(table, f, onEvent)
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Close() error {
	r.feed.Close()
	return r.db.Close()
}
