package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/models"
)

type webhookDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps subscriptions and deliveries in Postgres so the
// retry queue survives restarts.
type PostgresStore struct {
	DB webhookDB
}

func NewPostgresStore(db webhookDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			event TEXT NOT NULL,
			secret TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL REFERENCES webhook_subscriptions(id) ON DELETE CASCADE,
			event TEXT NOT NULL,
			payload JSONB NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			next_retry_at TIMESTAMPTZ NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS webhook_deliveries_due
			ON webhook_deliveries (next_retry_at) WHERE status = 'queued';
	`)
	return err
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_subscriptions (id, name, url, event, secret, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, sub.ID, sub.Name, sub.URL, sub.Event, sub.Secret, sub.Active, sub.CreatedAt, sub.UpdatedAt)
	return err
}

const subscriptionCols = `id, name, url, event, secret, active, created_at, updated_at`

func scanSubscription(row pgx.Row) (Subscription, error) {
	var sub Subscription
	err := row.Scan(&sub.ID, &sub.Name, &sub.URL, &sub.Event, &sub.Secret, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt)
	return sub, err
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	sub, err := scanSubscription(s.DB.QueryRow(ctx,
		`SELECT `+subscriptionCols+` FROM webhook_subscriptions WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, models.NotFound("subscription", id)
	}
	return sub, err
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT `+subscriptionCols+` FROM webhook_subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub Subscription) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE webhook_subscriptions
		SET name=$2, url=$3, event=$4, secret=$5, active=$6, updated_at=$7
		WHERE id=$1
	`, sub.ID, sub.Name, sub.URL, sub.Event, sub.Secret, sub.Active, sub.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.NotFound("subscription", sub.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.NotFound("subscription", id)
	}
	return nil
}

func (s *PostgresStore) SubscriptionsForEvent(ctx context.Context, event string) ([]Subscription, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT `+subscriptionCols+` FROM webhook_subscriptions WHERE active AND event=$1 ORDER BY id`, event)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

const deliveryCols = `id, subscription_id, event, payload, attempt_count, status, next_retry_at, last_error, created_at, updated_at`

func scanDelivery(row pgx.Row) (Delivery, error) {
	var d Delivery
	err := row.Scan(&d.ID, &d.SubscriptionID, &d.Event, &d.Payload, &d.AttemptCount,
		&d.Status, &d.NextRetryAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (s *PostgresStore) CreateDelivery(ctx context.Context, d Delivery) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_deliveries
		(id, subscription_id, event, payload, attempt_count, status, next_retry_at, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, d.ID, d.SubscriptionID, d.Event, d.Payload, d.AttemptCount, d.Status, d.NextRetryAt, d.LastError, d.CreatedAt, d.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateDelivery(ctx context.Context, d Delivery) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE webhook_deliveries
		SET attempt_count=$2, status=$3, next_retry_at=$4, last_error=$5, updated_at=$6
		WHERE id=$1
	`, d.ID, d.AttemptCount, d.Status, d.NextRetryAt, d.LastError, d.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.NotFound("delivery", d.ID)
	}
	return nil
}

// ClaimDue flips due queued deliveries to delivering in one statement;
// SKIP LOCKED keeps concurrent pollers from claiming the same row.
func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 50
	}
	rows, err := s.DB.Query(ctx, `
		UPDATE webhook_deliveries SET status='delivering', updated_at=$2
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status='queued' AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryCols, now, now, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + deliveryCols + ` FROM webhook_deliveries`
	args := []any{limit}
	if subscriptionID != "" {
		q += ` WHERE subscription_id=$2`
		args = append(args, subscriptionID)
	}
	q += ` ORDER BY created_at DESC LIMIT $1`
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RequeueFailed(ctx context.Context, subscriptionID string, now time.Time) (int, error) {
	q := `UPDATE webhook_deliveries SET status='queued', attempt_count=0, last_error='', next_retry_at=$1, updated_at=$1 WHERE status='failed'`
	args := []any{now}
	if subscriptionID != "" {
		q += ` AND subscription_id=$2`
		args = append(args, subscriptionID)
	}
	tag, err := s.DB.Exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Stats(ctx context.Context, subscriptionID string) (Stats, error) {
	q := `
		SELECT
			COUNT(*) FILTER (WHERE status='queued'),
			COUNT(*) FILTER (WHERE status='delivering'),
			COUNT(*) FILTER (WHERE status='succeeded'),
			COUNT(*) FILTER (WHERE status='failed')
		FROM webhook_deliveries`
	st := Stats{SubscriptionID: subscriptionID}
	var row pgx.Row
	if subscriptionID != "" {
		row = s.DB.QueryRow(ctx, q+` WHERE subscription_id=$1`, subscriptionID)
	} else {
		row = s.DB.QueryRow(ctx, q)
	}
	if err := row.Scan(&st.Queued, &st.InFlight, &st.Succeeded, &st.Failed); err != nil {
		return st, err
	}
	return st, nil
}

func (s *PostgresStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_deliveries WHERE status IN ('queued','delivering')`).Scan(&n)
	return n, err
}
