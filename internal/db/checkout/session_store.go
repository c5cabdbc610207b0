package checkoutdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound signals no row exists for the id.
	ErrNotFound = errors.New("checkout session row not found")
	// ErrVersionConflict signals the row moved past the expected version.
	ErrVersionConflict = errors.New("checkout session row version changed")
	// ErrAlreadyExists signals an insert collided with an existing id.
	ErrAlreadyExists = errors.New("checkout session row already exists")
)

// SessionRow is the persisted shape of a checkout session. The JSON columns
// are kept raw; their structure belongs to the checkout mapping.
type SessionRow struct {
	ID              string
	UserID          string
	State           string
	PaymentStatus   string
	PaymentIntentID string
	OrderID         string
	Metadata        json.RawMessage
	Pricing         json.RawMessage
	Steps           json.RawMessage
	PlanSnapshot    json.RawMessage
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
	CompletedAt     *time.Time
}

// PostgresSessionStore persists checkout sessions in Postgres.
type PostgresSessionStore struct {
	db *sql.DB
}

// NewPostgresSessionStore constructs a store backed by Postgres.
func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

// NewPostgresSessionStoreWithSchema initializes the schema then returns the store.
func NewPostgresSessionStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresSessionStore, error) {
	store := NewPostgresSessionStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the sessions table and its lookup indexes if missing.
// It mirrors migrations/0001 for deployments that do not run cmd/migrate.
func (s *PostgresSessionStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS checkout_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			state TEXT NOT NULL,
			payment_status TEXT NOT NULL,
			payment_intent_id TEXT,
			order_id TEXT,
			metadata JSONB,
			pricing JSONB,
			steps JSONB,
			plan_snapshot JSONB,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS checkout_sessions_payment_intent_idx ON checkout_sessions (payment_intent_id)`,
		`CREATE INDEX IF NOT EXISTS checkout_sessions_expires_at_idx ON checkout_sessions (expires_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Insert writes a new row. A duplicate id returns ErrAlreadyExists.
func (s *PostgresSessionStore) Insert(ctx context.Context, row SessionRow) error {
	if row.ID == "" {
		return fmt.Errorf("session id required")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkout_sessions (
			id, user_id, state, payment_status, payment_intent_id, order_id,
			metadata, pricing, steps, plan_snapshot, version,
			created_at, updated_at, expires_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`,
		row.ID, nullString(row.UserID), row.State, row.PaymentStatus, nullString(row.PaymentIntentID), nullString(row.OrderID),
		nullJSON(row.Metadata), nullJSON(row.Pricing), nullJSON(row.Steps), nullJSON(row.PlanSnapshot), row.Version,
		row.CreatedAt, row.UpdatedAt, row.ExpiresAt, nullTime(row.CompletedAt),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Get loads a row by id. It returns nil, nil when the row does not exist.
func (s *PostgresSessionStore) Get(ctx context.Context, id string) (*SessionRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, state, payment_status, payment_intent_id, order_id,
			metadata, pricing, steps, plan_snapshot, version,
			created_at, updated_at, expires_at, completed_at
		FROM checkout_sessions
		WHERE id = $1`,
		id,
	)

	var (
		out                            SessionRow
		userID, intentID, orderID      sql.NullString
		metadata, pricing, steps, plan []byte
		completedAt                    sql.NullTime
	)
	err := row.Scan(
		&out.ID, &userID, &out.State, &out.PaymentStatus, &intentID, &orderID,
		&metadata, &pricing, &steps, &plan, &out.Version,
		&out.CreatedAt, &out.UpdatedAt, &out.ExpiresAt, &completedAt,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}

	out.UserID = userID.String
	out.PaymentIntentID = intentID.String
	out.OrderID = orderID.String
	out.Metadata = metadata
	out.Pricing = pricing
	out.Steps = steps
	out.PlanSnapshot = plan
	if completedAt.Valid {
		t := completedAt.Time
		out.CompletedAt = &t
	}
	return &out, nil
}

// FindIDByPaymentIntent returns the id of the most recently updated session
// carrying the intent, or "" when none does.
func (s *PostgresSessionStore) FindIDByPaymentIntent(ctx context.Context, intentID string) (string, error) {
	var id string
	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM checkout_sessions
		WHERE payment_intent_id = $1
		ORDER BY updated_at DESC
		LIMIT 1`,
		intentID,
	)
	switch scanErr := row.Scan(&id); scanErr {
	case nil:
		return id, nil
	case sql.ErrNoRows:
		return "", nil
	default:
		return "", scanErr
	}
}

// Update overwrites the mutable columns when the stored version still equals
// expectedVersion. order_id and plan_snapshot are never touched.
func (s *PostgresSessionStore) Update(ctx context.Context, row SessionRow, expectedVersion int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkout_sessions
		SET user_id = $3, state = $4, payment_status = $5, payment_intent_id = $6,
			metadata = $7, pricing = $8, steps = $9, version = $10,
			updated_at = $11, expires_at = $12, completed_at = $13
		WHERE id = $1 AND version = $2`,
		row.ID, expectedVersion,
		nullString(row.UserID), row.State, row.PaymentStatus, nullString(row.PaymentIntentID),
		nullJSON(row.Metadata), nullJSON(row.Pricing), nullJSON(row.Steps), row.Version,
		row.UpdatedAt, row.ExpiresAt, nullTime(row.CompletedAt),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var current int
	check := s.db.QueryRowContext(ctx, `SELECT version FROM checkout_sessions WHERE id = $1`, row.ID)
	switch scanErr := check.Scan(&current); scanErr {
	case nil:
		return fmt.Errorf("%w: expected %d, found %d", ErrVersionConflict, expectedVersion, current)
	case sql.ErrNoRows:
		return ErrNotFound
	default:
		return scanErr
	}
}

// Delete removes the row. Deleting a missing row is not an error.
func (s *PostgresSessionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkout_sessions WHERE id = $1`, id)
	return err
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
