package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aaronwang/marketplace/shared/models"
	"github.com/lib/pq"
)

// PostgresOptions configures the connection pool
type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// LockTimeout bounds how long WithProductLock waits for a row lock
	// before reporting ErrContention. Zero waits indefinitely.
	LockTimeout time.Duration
}

// Postgres is the lib/pq backed store
type Postgres struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgres opens and pings a PostgreSQL connection pool
func NewPostgres(connStr string, opts PostgresOptions) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	return &Postgres{db: db, lockTimeout: opts.LockTimeout}, nil
}

// DB exposes the pool for components that own their own tables
func (s *Postgres) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *Postgres) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// classify maps retryable PostgreSQL failures onto ErrContention
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", ErrContention, err)
		}
	}
	return err
}

const productColumns = `id, seller_id, title, sale_mode, price, starting_price, buy_now_price, currency,
	duration_seconds, approved, bid_end_time, closed, closed_at, sold, archived, created_at, updated_at`

func scanProduct(row scanner) (*models.Product, error) {
	p := &models.Product{}
	var (
		mode     string
		seconds  int64
		endTime  sql.NullTime
		closedAt sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.SellerID, &p.Title, &mode, &p.Price, &p.StartingPrice, &p.BuyNowPrice, &p.Currency,
		&seconds, &p.Approved, &endTime, &p.Closed, &closedAt, &p.Sold, &p.Archived, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.SaleMode = models.SaleMode(mode)
	p.Duration = time.Duration(seconds) * time.Second
	if endTime.Valid {
		t := endTime.Time
		p.BidEndTime = &t
	}
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	return p, nil
}

const bidColumns = `id, product_id, bidder_id, amount, currency, status, winner, created_at, updated_at`

func scanBid(row scanner) (*models.Bid, error) {
	b := &models.Bid{}
	var status string
	if err := row.Scan(&b.ID, &b.ProductID, &b.BidderID, &b.Amount, &b.Currency, &status, &b.Winner, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Status = models.BidStatus(status)
	return b, nil
}

func queryBids(ctx context.Context, q querier, query string, args ...interface{}) ([]*models.Bid, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var bids []*models.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func queryIDs(ctx context.Context, q querier, query string, args ...interface{}) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateProduct inserts a product row
func (s *Postgres) CreateProduct(ctx context.Context, p *models.Product) error {
	query := `
		INSERT INTO products (` + productColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.SellerID, p.Title, string(p.SaleMode), p.Price, p.StartingPrice, p.BuyNowPrice, p.Currency,
		int64(p.Duration/time.Second), p.Approved, p.BidEndTime, p.Closed, p.ClosedAt, p.Sold, p.Archived,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

// GetProduct loads a product by id
func (s *Postgres) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// GetBid loads a bid by id
func (s *Postgres) GetBid(ctx context.Context, id string) (*models.Bid, error) {
	b, err := scanBid(s.db.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bid: %w", err)
	}
	return b, nil
}

// ListBids returns the product's bids ranked for display
func (s *Postgres) ListBids(ctx context.Context, productID string) ([]*models.Bid, error) {
	return queryBids(ctx, s.db, `
		SELECT `+bidColumns+` FROM bids
		WHERE product_id = $1
		ORDER BY amount DESC, created_at ASC, id ASC
	`, productID)
}

// ListExpiredAuctions returns overdue open auctions, oldest deadline first
func (s *Postgres) ListExpiredAuctions(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := queryIDs(ctx, s.db, `
		SELECT id FROM products
		WHERE sale_mode = 'auction' AND NOT closed AND bid_end_time <= $1
		ORDER BY bid_end_time ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired auctions: %w", err)
	}
	return ids, nil
}

// ListArchivable returns closed products due for history
func (s *Postgres) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	ids, err := queryIDs(ctx, s.db, `
		SELECT id FROM products
		WHERE closed AND NOT archived AND closed_at <= $1
		ORDER BY closed_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archivable products: %w", err)
	}
	return ids, nil
}

// ArchiveAuction conditionally moves a closed product to history
func (s *Postgres) ArchiveAuction(ctx context.Context, productID string, cutoff time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET archived = TRUE, updated_at = NOW()
		WHERE id = $1 AND closed AND NOT archived AND closed_at <= $2
	`, productID, cutoff)
	if err != nil {
		return false, classify(fmt.Errorf("failed to archive product: %w", err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// WithProductLock runs fn in a transaction holding the product's row lock
func (s *Postgres) WithProductLock(ctx context.Context, productID string, fn func(tx ProductTx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}

	p, err := scanProduct(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return classify(fmt.Errorf("failed to lock product: %w", err))
	}

	if err = fn(&pgProductTx{tx: tx, product: p}); err != nil {
		return classify(err)
	}
	if err = tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

type pgProductTx struct {
	tx      *sql.Tx
	product *models.Product
}

func (t *pgProductTx) Product() *models.Product {
	return t.product
}

func (t *pgProductTx) Bids(ctx context.Context) ([]*models.Bid, error) {
	return queryBids(ctx, t.tx, `
		SELECT `+bidColumns+` FROM bids
		WHERE product_id = $1
		ORDER BY created_at ASC, id ASC
	`, t.product.ID)
}

func (t *pgProductTx) InsertBid(ctx context.Context, b *models.Bid) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO bids (`+bidColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, b.ID, b.ProductID, b.BidderID, b.Amount, b.Currency, string(b.Status), b.Winner, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

func (t *pgProductTx) UpdateBidStatus(ctx context.Context, bidID string, from, to models.BidStatus, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE bids SET status = $3, updated_at = $4
		WHERE id = $1 AND product_id = $5 AND status = $2
	`, bidID, string(from), string(to), at, t.product.ID)
	if err != nil {
		return fmt.Errorf("failed to update bid: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrStaleBid
	}
	return nil
}

func (t *pgProductTx) CloseAuction(ctx context.Context, c Closure) error {
	sold := c.WinnerBidID != ""
	result, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET closed = TRUE, closed_at = $2, sold = $3, updated_at = $2
		WHERE id = $1 AND NOT closed
	`, t.product.ID, c.ClosedAt, sold)
	if err != nil {
		return fmt.Errorf("failed to close product: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAlreadyClosed
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE bids
		SET status = CASE WHEN id = $2 THEN status ELSE 'rejected' END,
		    winner = (id = $2),
		    updated_at = $3
		WHERE product_id = $1
	`, t.product.ID, c.WinnerBidID, c.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to settle bids: %w", err)
	}

	closedAt := c.ClosedAt
	t.product.Closed = true
	t.product.ClosedAt = &closedAt
	t.product.Sold = sold
	t.product.UpdatedAt = closedAt
	return nil
}

func (t *pgProductTx) InsertNotification(ctx context.Context, n *models.Notification) error {
	return insertNotification(ctx, t.tx, n)
}

func (t *pgProductTx) GetOrCreateConversation(ctx context.Context, sellerID, buyerID, productID string) (*models.Conversation, bool, error) {
	return getOrCreateConversation(ctx, t.tx, sellerID, buyerID, productID)
}

var _ Store = (*Postgres)(nil)
