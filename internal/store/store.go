// Package store persists webhook subscriptions and their encrypted signing
// secrets in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"hookrelay/internal/apperrors"
	"hookrelay/internal/matcher"
	"hookrelay/internal/registry"
	"hookrelay/internal/subscription"
	"hookrelay/pkg/secretbox"
)

//go:embed schema.sql
var schema string

// pgUniqueViolation is the PostgreSQL error code for unique constraint violations.
const pgUniqueViolation = "23505"

// Sealer encrypts secrets before they are written.
type Sealer interface {
	Seal(plaintext []byte, ref string) ([]byte, error)
	Open(sealed []byte, ref string) ([]byte, error)
}

var _ Sealer = (*secretbox.Box)(nil)

// DB wraps a database connection and provides subscription operations.
type DB struct {
	conn   *sql.DB
	sealer Sealer
}

// NewDB opens a connection pool using dsn and verifies it with a ping.
func NewDB(dsn string, sealer Sealer) (*DB, error) {
	if sealer == nil {
		return nil, errors.New("secret sealer is required")
	}
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Successfully connected to PostgreSQL database")
	return &DB{conn: conn, sealer: sealer}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		slog.Info("Closing database connection")
		return db.conn.Close()
	}
	return nil
}

// Ping checks connectivity for health checks.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Migrate creates the tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const selectColumns = `id, owner_id, event_type, url, secret_ref, headers, conditions, enabled,
		last_error, last_triggered_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*subscription.Subscription, error) {
	var (
		sub           subscription.Subscription
		headersJSON   []byte
		conditionJSON []byte
		lastError     sql.NullString
		lastTriggered sql.NullTime
	)
	if err := row.Scan(
		&sub.ID,
		&sub.OwnerID,
		&sub.EventType,
		&sub.URL,
		&sub.SecretRef,
		&headersJSON,
		&conditionJSON,
		&sub.Enabled,
		&lastError,
		&lastTriggered,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &sub.Headers); err != nil {
			return nil, fmt.Errorf("subscription %s: invalid headers: %w", sub.ID, err)
		}
	}
	if len(conditionJSON) > 0 {
		var conds matcher.Conditions
		if err := json.Unmarshal(conditionJSON, &conds); err != nil {
			return nil, fmt.Errorf("subscription %s: invalid conditions: %w", sub.ID, err)
		}
		sub.Conditions = conds
	}
	sub.LastError = lastError.String
	if lastTriggered.Valid {
		t := lastTriggered.Time.UTC()
		sub.LastTriggeredAt = &t
	}
	return &sub, nil
}

func encodeJSON(headers map[string]string, conds matcher.Conditions) ([]byte, []byte, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	if conds == nil {
		conds = matcher.Conditions{}
	}
	h, err := json.Marshal(headers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode headers: %w", err)
	}
	c, err := json.Marshal(conds)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode conditions: %w", err)
	}
	return h, c, nil
}

// insertSecret seals secret under a new reference inside tx.
func (db *DB) insertSecret(ctx context.Context, tx *sql.Tx, secret []byte, at time.Time) (string, error) {
	ref := uuid.NewString()
	sealed, err := db.sealer.Seal(secret, ref)
	if err != nil {
		return "", fmt.Errorf("failed to seal secret: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO webhook_secrets (ref, ciphertext, created_at) VALUES ($1, $2, $3)`,
		ref, sealed, at)
	if err != nil {
		return "", fmt.Errorf("failed to store secret: %w", err)
	}
	return ref, nil
}

func revokeSecret(ctx context.Context, tx *sql.Tx, ref string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE webhook_secrets SET revoked_at = $2 WHERE ref = $1 AND revoked_at IS NULL`,
		ref, at)
	if err != nil {
		return fmt.Errorf("failed to revoke secret: %w", err)
	}
	return nil
}

// CreateSubscription stores sub and its sealed secret. sub.SecretRef is set
// on success.
func (db *DB) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	headers, conds, err := encodeJSON(sub.Headers, sub.Conditions)
	if err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ref, err := db.insertSecret(ctx, tx, sub.Secret, sub.CreatedAt)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions
			(id, owner_id, event_type, url, secret_ref, headers, conditions, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, sub.ID, sub.OwnerID, sub.EventType, sub.URL, ref, headers, conds, sub.Enabled, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return apperrors.Conflict("subscription", sub.ID, "already exists")
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	sub.SecretRef = ref

	slog.Debug("Created subscription", "subscription_id", sub.ID, "event_type", sub.EventType)
	return nil
}

// UpdateSubscription writes the mutable fields of sub. With rotateSecret a
// new sealed secret replaces the old one, which is revoked.
func (db *DB) UpdateSubscription(ctx context.Context, sub *subscription.Subscription, rotateSecret bool) error {
	headers, conds, err := encodeJSON(sub.Headers, sub.Conditions)
	if err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ref := sub.SecretRef
	if rotateSecret {
		ref, err = db.insertSecret(ctx, tx, sub.Secret, sub.UpdatedAt)
		if err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET url = $2, secret_ref = $3, headers = $4, conditions = $5, enabled = $6, updated_at = $7
		WHERE id = $1
	`, sub.ID, sub.URL, ref, headers, conds, sub.Enabled, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFound("subscription", sub.ID)
	}

	if rotateSecret && sub.SecretRef != "" {
		if err := revokeSecret(ctx, tx, sub.SecretRef, sub.UpdatedAt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	sub.SecretRef = ref
	return nil
}

// DeleteSubscription removes a subscription and revokes its secret.
func (db *DB) DeleteSubscription(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var ref string
	err = tx.QueryRowContext(ctx,
		`DELETE FROM webhook_subscriptions WHERE id = $1 RETURNING secret_ref`, id).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound("subscription", id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	if err := revokeSecret(ctx, tx, ref, time.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetSubscription returns one subscription without its secret.
func (db *DB) GetSubscription(ctx context.Context, id string) (*subscription.Subscription, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("subscription", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ActiveSubscriptions returns enabled subscriptions for eventType, wildcard
// subscriptions included. Secrets are not resolved.
func (db *DB) ActiveSubscriptions(ctx context.Context, eventType string) ([]*subscription.Subscription, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM webhook_subscriptions
		WHERE enabled = TRUE AND (event_type = $1 OR event_type = $2)
		ORDER BY id
	`, eventType, subscription.Wildcard)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}

// ResolveSecret decrypts the secret stored under ref. Missing, revoked and
// undecryptable references return registry.ErrSecretNotFound; query errors
// are returned as they are.
func (db *DB) ResolveSecret(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, registry.ErrSecretNotFound
	}
	var sealed []byte
	err := db.conn.QueryRowContext(ctx,
		`SELECT ciphertext FROM webhook_secrets WHERE ref = $1 AND revoked_at IS NULL`, ref).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	secret, err := db.sealer.Open(sealed, ref)
	if err != nil {
		// A secret that cannot be opened will not open on retry either.
		return nil, fmt.Errorf("%w: failed to open secret %s: %w", registry.ErrSecretNotFound, ref, err)
	}
	return secret, nil
}

// RecordDeliveryFailure stores the last delivery error on a subscription.
func (db *DB) RecordDeliveryFailure(ctx context.Context, subscriptionID, errText string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET last_error = $2, last_triggered_at = $3
		WHERE id = $1
	`, subscriptionID, errText, at)
	if err != nil {
		return fmt.Errorf("failed to record delivery failure: %w", err)
	}
	slog.Debug("Recorded delivery failure", "subscription_id", subscriptionID)
	return nil
}

// ClearDeliveryError resets the last error after a successful delivery.
func (db *DB) ClearDeliveryError(ctx context.Context, subscriptionID string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET last_error = NULL, last_triggered_at = $2
		WHERE id = $1
	`, subscriptionID, at)
	if err != nil {
		return fmt.Errorf("failed to clear delivery error: %w", err)
	}
	return nil
}
