// Package postgres provides the PostgreSQL implementation of the
// subscription.Store interface. Upserts are expressed as
// INSERT ... ON CONFLICT over the unique stripe_subscription_id key; the
// lifecycle flow runs its read-decide-write sequence inside one
// transaction with a row lock so concurrent events for the same id cannot
// both act on a stale watermark.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/commercekit/stripe-webhooks/pkg/subscription"
)

const subscriptionColumns = `subscription_id, stripe_subscription_id, buyer_user_id, offer_id, shop_id,
	current_period_start, current_period_end, subscription_status, payed_at, payed_until,
	canceled_at, cancel_at, event_timestamp, created_at, updated_at`

// SQLSTATE codes mapped to subscription.ErrConflict.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store implements subscription.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Get implements subscription.Store.
func (s *Store) Get(ctx context.Context, stripeSubscriptionID string) (*subscription.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
			FROM subscriptions WHERE stripe_subscription_id = $1`,
		stripeSubscriptionID)

	rec, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get subscription", err)
	}

	return rec, nil
}

// UpsertCheckout implements subscription.Store. The three identity columns
// are overwritten unconditionally on conflict; event_timestamp is only
// written when the row is created here, so a checkout arriving after a
// lifecycle event cannot move the watermark.
func (s *Store) UpsertCheckout(
	ctx context.Context, stripeSubscriptionID, buyerUserID string, offerID, shopID uuid.UUID, eventTimestamp int64,
) (*subscription.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions
				(subscription_id, stripe_subscription_id, buyer_user_id, offer_id, shop_id, event_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (stripe_subscription_id) DO UPDATE SET
				buyer_user_id = EXCLUDED.buyer_user_id,
				offer_id = EXCLUDED.offer_id,
				shop_id = EXCLUDED.shop_id,
				updated_at = now()
			RETURNING `+subscriptionColumns,
		uuid.New(), stripeSubscriptionID, buyerUserID, offerID, shopID, eventTimestamp)

	rec, err := scanSubscription(row)
	if err != nil {
		return nil, wrapErr("upsert checkout session", err)
	}

	return rec, nil
}

// UpsertLifecycle implements subscription.Store. The insert-or-lock-then-
// compare sequence runs in one transaction: a fresh row is created with the
// event's fields, an existing row is locked FOR UPDATE and only updated
// when the stored watermark is strictly older than the incoming event.
func (s *Store) UpsertLifecycle(
	ctx context.Context, stripeSubscriptionID string, upd subscription.LifecycleUpdate,
) (*subscription.Subscription, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, wrapErr("begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Insert first so a fresh id never races another handler into a
	// unique violation. ON CONFLICT DO NOTHING returns no row when the
	// subscription already exists.
	row := tx.QueryRow(ctx,
		`INSERT INTO subscriptions
				(subscription_id, stripe_subscription_id, current_period_start, current_period_end,
				subscription_status, canceled_at, cancel_at, event_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (stripe_subscription_id) DO NOTHING
			RETURNING `+subscriptionColumns,
		uuid.New(), stripeSubscriptionID, upd.CurrentPeriodStart, upd.CurrentPeriodEnd,
		upd.Status, upd.CanceledAt, upd.CancelAt, upd.EventTimestamp)

	rec, err := scanSubscription(row)
	if err == nil {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, false, wrapErr("commit", commitErr)
		}
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, wrapErr("insert lifecycle", err)
	}

	// Row exists: lock it and compare watermarks inside the transaction.
	row = tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
			FROM subscriptions WHERE stripe_subscription_id = $1
			FOR UPDATE`,
		stripeSubscriptionID)

	rec, err = scanSubscription(row)
	if err != nil {
		return nil, false, wrapErr("lock subscription", err)
	}

	if rec.EventTimestamp >= upd.EventTimestamp {
		// Stale or replayed event: skip the guarded fields entirely.
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, false, wrapErr("commit", commitErr)
		}
		return rec, false, nil
	}

	row = tx.QueryRow(ctx,
		`UPDATE subscriptions SET
				current_period_start = $2,
				current_period_end = $3,
				subscription_status = $4,
				canceled_at = $5,
				cancel_at = $6,
				event_timestamp = $7,
				updated_at = now()
			WHERE stripe_subscription_id = $1
			RETURNING `+subscriptionColumns,
		stripeSubscriptionID, upd.CurrentPeriodStart, upd.CurrentPeriodEnd,
		upd.Status, upd.CanceledAt, upd.CancelAt, upd.EventTimestamp)

	rec, err = scanSubscription(row)
	if err != nil {
		return nil, false, wrapErr("update lifecycle", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, wrapErr("commit", err)
	}

	return rec, true, nil
}

// UpsertInvoice implements subscription.Store. The payment window has its
// own update path and never touches the lifecycle watermark.
func (s *Store) UpsertInvoice(
	ctx context.Context, stripeSubscriptionID string, payedAt, payedUntil time.Time,
) (*subscription.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions
				(subscription_id, stripe_subscription_id, payed_at, payed_until)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (stripe_subscription_id) DO UPDATE SET
				payed_at = EXCLUDED.payed_at,
				payed_until = EXCLUDED.payed_until,
				updated_at = now()
			RETURNING `+subscriptionColumns,
		uuid.New(), stripeSubscriptionID, payedAt, payedUntil)

	rec, err := scanSubscription(row)
	if err != nil {
		return nil, wrapErr("upsert invoice", err)
	}

	return rec, nil
}

// PatchBuyer implements subscription.Store.
func (s *Store) PatchBuyer(
	ctx context.Context, stripeSubscriptionID, buyerUserID string,
) (*subscription.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE subscriptions SET
				buyer_user_id = $2,
				updated_at = now()
			WHERE stripe_subscription_id = $1
			RETURNING `+subscriptionColumns,
		stripeSubscriptionID, buyerUserID)

	rec, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("patch buyer", err)
	}

	return rec, nil
}

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var rec subscription.Subscription
	err := row.Scan(
		&rec.SubscriptionID,
		&rec.StripeSubscriptionID,
		&rec.BuyerUserID,
		&rec.OfferID,
		&rec.ShopID,
		&rec.CurrentPeriodStart,
		&rec.CurrentPeriodEnd,
		&rec.Status,
		&rec.PayedAt,
		&rec.PayedUntil,
		&rec.CanceledAt,
		&rec.CancelAt,
		&rec.EventTimestamp,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// wrapErr maps constraint violations to subscription.ErrConflict so the
// transport layer can report them as client-correctable, and wraps
// everything else as-is.
func wrapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgForeignKeyViolation:
			return fmt.Errorf("%s: %w: %s", op, subscription.ErrConflict, pgErr.Message)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
