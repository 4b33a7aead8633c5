package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/CoveStays/checkout/internal/config"
	"github.com/CoveStays/checkout/internal/metrics"
)

// PostgresGateway implements Gateway using PostgreSQL. The checkout document
// lives in a JSONB column; state, hold deadline, and revision are mirrored
// into plain columns for indexing and the concurrency check.
type PostgresGateway struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

// NewPostgresGateway creates a new PostgreSQL-backed gateway. m may be nil to
// disable query instrumentation.
func NewPostgresGateway(connectionString string, poolConfig config.PostgresPoolConfig, m *metrics.Metrics) (*PostgresGateway, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// NOTE: db.Close() error is intentionally ignored during initialization cleanup.
		// If connection fails, the Close() error is not actionable and would only obscure
		// the original connection failure. The primary error is returned to the caller.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	g := &PostgresGateway{db: db, metrics: m}
	if err := g.createTables(); err != nil {
		// Same rationale: Close() error during initialization cleanup is not actionable
		_ = db.Close()
		return nil, err
	}
	return g, nil
}

// createTables creates the necessary tables if they don't exist.
func (g *PostgresGateway) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkouts (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			hold_expires_at TIMESTAMP,
			revision BIGINT NOT NULL,
			doc JSONB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS idempotency_keys (
			id TEXT PRIMARY KEY,
			status INTEGER NOT NULL,
			body BYTEA,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			processed_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkouts_state_hold ON checkouts(state, hold_expires_at);
		CREATE INDEX IF NOT EXISTS idx_checkouts_updated ON checkouts(updated_at DESC);
		CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires ON idempotency_keys(expires_at);
		CREATE INDEX IF NOT EXISTS idx_webhook_events_expires ON webhook_events(expires_at);
	`

	_, err := g.db.Exec(schema)
	return err
}

// CreateCheckout stores a new checkout document.
func (g *PostgresGateway) CreateCheckout(ctx context.Context, c Checkout) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "create_checkout", "postgres")()

	c.Revision = 1
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal checkout: %w", err)
	}

	query := `
		INSERT INTO checkouts (id, state, hold_expires_at, revision, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := g.db.ExecContext(ctx, query,
		c.ID, string(c.State), nullTime(c.HoldExpiresAt), c.Revision, doc,
		c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

// GetCheckout retrieves a checkout by id.
func (g *PostgresGateway) GetCheckout(ctx context.Context, id string) (Checkout, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "get_checkout", "postgres")()

	query := `SELECT doc, revision FROM checkouts WHERE id = $1`

	var doc []byte
	var revision int64
	err := g.db.QueryRowContext(ctx, query, id).Scan(&doc, &revision)
	if err == sql.ErrNoRows {
		return Checkout{}, ErrNotFound
	}
	if err != nil {
		return Checkout{}, err
	}
	return unmarshalCheckout(doc, revision)
}

// MutateCheckout applies fn under optimistic concurrency. The commit updates
// the row only when the stored revision still matches the one read.
func (g *PostgresGateway) MutateCheckout(ctx context.Context, id string, fn MutateFunc) (Checkout, error) {
	load := func(ctx context.Context) (Checkout, error) {
		return g.GetCheckout(ctx, id)
	}
	commit := func(ctx context.Context, next Checkout, expected int64) (bool, error) {
		ctx, cancel := withQueryTimeout(ctx)
		defer cancel()
		defer metrics.MeasureDBQuery(g.metrics, "update_checkout", "postgres")()

		doc, err := json.Marshal(next)
		if err != nil {
			return false, fmt.Errorf("marshal checkout: %w", err)
		}

		query := `
			UPDATE checkouts
			SET doc = $2, state = $3, hold_expires_at = $4, revision = $5, updated_at = $6
			WHERE id = $1 AND revision = $7
		`
		result, err := g.db.ExecContext(ctx, query,
			id, doc, string(next.State), nullTime(next.HoldExpiresAt),
			next.Revision, next.UpdatedAt.UTC(), expected)
		if err != nil {
			return false, err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return false, err
		}
		return rows > 0, nil
	}
	return mutateWithRetry(ctx, load, commit, fn)
}

// ListExpiredHolds returns checkouts in the given state whose hold deadline
// passed, oldest deadline first.
func (g *PostgresGateway) ListExpiredHolds(ctx context.Context, state State, before time.Time, limit int) ([]Checkout, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "list_expired_holds", "postgres")()

	query := `
		SELECT doc, revision
		FROM checkouts
		WHERE state = $1 AND hold_expires_at IS NOT NULL AND hold_expires_at < $2
		ORDER BY hold_expires_at ASC
		LIMIT $3
	`
	rows, err := g.db.QueryContext(ctx, query, string(state), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query expired holds: %w", err)
	}
	defer rows.Close()

	var checkouts []Checkout
	for rows.Next() {
		var doc []byte
		var revision int64
		if err := rows.Scan(&doc, &revision); err != nil {
			return nil, fmt.Errorf("scan checkout: %w", err)
		}
		c, err := unmarshalCheckout(doc, revision)
		if err != nil {
			return nil, err
		}
		checkouts = append(checkouts, c)
	}
	return checkouts, rows.Err()
}

// ClaimIdempotencyKey registers a pending claim unless a live record exists.
func (g *PostgresGateway) ClaimIdempotencyKey(ctx context.Context, rec IdempotencyRecord) (IdempotencyRecord, bool, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "claim_idempotency_key", "postgres")()

	// Bounded loop covers the rare race where a record is released between
	// the failed insert and the read of the existing claim.
	for attempt := 0; attempt < 3; attempt++ {
		insert := `
			INSERT INTO idempotency_keys (id, status, body, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`
		result, err := g.db.ExecContext(ctx, insert,
			rec.ID, rec.Status, rec.Body, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC())
		if err != nil {
			return IdempotencyRecord{}, false, err
		}
		if n, err := result.RowsAffected(); err != nil {
			return IdempotencyRecord{}, false, err
		} else if n > 0 {
			return rec, true, nil
		}

		// A record exists. If it expired, take it over in place.
		takeover := `
			UPDATE idempotency_keys
			SET status = $2, body = $3, created_at = $4, expires_at = $5
			WHERE id = $1 AND expires_at < $6
		`
		result, err = g.db.ExecContext(ctx, takeover,
			rec.ID, rec.Status, rec.Body, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(), time.Now().UTC())
		if err != nil {
			return IdempotencyRecord{}, false, err
		}
		if n, err := result.RowsAffected(); err != nil {
			return IdempotencyRecord{}, false, err
		} else if n > 0 {
			return rec, true, nil
		}

		existing, err := g.getIdempotencyRow(ctx, rec.ID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return IdempotencyRecord{}, false, err
		}
		return existing, false, nil
	}
	return IdempotencyRecord{}, false, fmt.Errorf("claim idempotency key %s: %w", rec.ID, ErrConflict)
}

func (g *PostgresGateway) getIdempotencyRow(ctx context.Context, id string) (IdempotencyRecord, error) {
	query := `SELECT id, status, body, created_at, expires_at FROM idempotency_keys WHERE id = $1`

	var rec IdempotencyRecord
	err := g.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.Status, &rec.Body, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	return rec, nil
}

// CompleteIdempotencyKey stores the captured response on a claim.
func (g *PostgresGateway) CompleteIdempotencyKey(ctx context.Context, id string, status int, body []byte) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "complete_idempotency_key", "postgres")()

	query := `UPDATE idempotency_keys SET status = $2, body = $3 WHERE id = $1`
	result, err := g.db.ExecContext(ctx, query, id, status, body)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseIdempotencyKey drops a claim so a later retry re-executes.
func (g *PostgresGateway) ReleaseIdempotencyKey(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "release_idempotency_key", "postgres")()

	_, err := g.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE id = $1`, id)
	return err
}

// GetIdempotencyRecord retrieves a record by id. Expired records are treated
// as absent.
func (g *PostgresGateway) GetIdempotencyRecord(ctx context.Context, id string) (IdempotencyRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "get_idempotency_record", "postgres")()

	query := `
		SELECT id, status, body, created_at, expires_at
		FROM idempotency_keys
		WHERE id = $1 AND expires_at > $2
	`

	var rec IdempotencyRecord
	err := g.db.QueryRowContext(ctx, query, id, time.Now().UTC()).Scan(
		&rec.ID, &rec.Status, &rec.Body, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return IdempotencyRecord{}, ErrNotFound
	}
	if err != nil {
		return IdempotencyRecord{}, err
	}
	return rec, nil
}

// PurgeIdempotencyKeys deletes records that expired before olderThan.
func (g *PostgresGateway) PurgeIdempotencyKeys(ctx context.Context, olderThan time.Time) (int64, error) {
	defer metrics.MeasureDBQuery(g.metrics, "purge_idempotency_keys", "postgres")()

	result, err := g.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return result.RowsAffected()
}

// GetWebhookEvent retrieves a processed-event marker. Expired markers are
// treated as absent.
func (g *PostgresGateway) GetWebhookEvent(ctx context.Context, eventID string) (WebhookEventRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "get_webhook_event", "postgres")()

	query := `
		SELECT id, event_type, processed_at, expires_at
		FROM webhook_events
		WHERE id = $1 AND expires_at > $2
	`

	var rec WebhookEventRecord
	err := g.db.QueryRowContext(ctx, query, eventID, time.Now().UTC()).Scan(
		&rec.ID, &rec.EventType, &rec.ProcessedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return WebhookEventRecord{}, ErrNotFound
	}
	if err != nil {
		return WebhookEventRecord{}, err
	}
	return rec, nil
}

// MarkWebhookProcessed records an event as processed. Marking twice keeps the
// original record.
func (g *PostgresGateway) MarkWebhookProcessed(ctx context.Context, rec WebhookEventRecord) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "mark_webhook_processed", "postgres")()

	query := `
		INSERT INTO webhook_events (id, event_type, processed_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := g.db.ExecContext(ctx, query,
		rec.ID, rec.EventType, rec.ProcessedAt.UTC(), rec.ExpiresAt.UTC())
	return err
}

// PurgeWebhookEvents deletes markers that expired before olderThan.
func (g *PostgresGateway) PurgeWebhookEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	defer metrics.MeasureDBQuery(g.metrics, "purge_webhook_events", "postgres")()

	result, err := g.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE expires_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge webhook events: %w", err)
	}
	return result.RowsAffected()
}

// Ping verifies the database connection.
func (g *PostgresGateway) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return g.db.PingContext(ctx)
}

// Close closes the database connection.
func (g *PostgresGateway) Close() error {
	return g.db.Close()
}

func unmarshalCheckout(doc []byte, revision int64) (Checkout, error) {
	var c Checkout
	if err := json.Unmarshal(doc, &c); err != nil {
		return Checkout{}, fmt.Errorf("unmarshal checkout: %w", err)
	}
	c.Revision = revision
	return c, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
