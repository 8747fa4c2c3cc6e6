package org

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"
)

// PostgresStore persists organizations in PostgreSQL. The whole status record
// lives in one row (dedup set as JSONB) so compare-and-swap stays a single
// atomic UPDATE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed organization store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orgColumns = `id, name, subscription_status, installation_status, github_installation_id,
		billing_watermark, integration_watermark, processed_events, access_decision,
		version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Organization) error {
	processed, err := json.Marshal(o.ProcessedEvents)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO organizations (`+orgColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.Name, string(o.SubscriptionStatus), string(o.InstallationStatus),
		nullableInstallationID(o.GithubInstallationID),
		o.BillingWatermark, o.IntegrationWatermark, processed, string(o.AccessDecision),
		o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Organization, error) {
	return p.scanOrg(p.db.QueryRowContext(ctx, `
		SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id))
}

func (p *PostgresStore) GetByInstallationID(ctx context.Context, installationID int64) (*Organization, error) {
	return p.scanOrg(p.db.QueryRowContext(ctx, `
		SELECT `+orgColumns+` FROM organizations WHERE github_installation_id = $1`, installationID))
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, expectedVersion int64, o *Organization) error {
	processed, err := json.Marshal(o.ProcessedEvents)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE organizations SET
			name = $1, subscription_status = $2, installation_status = $3,
			github_installation_id = $4, billing_watermark = $5, integration_watermark = $6,
			processed_events = $7, access_decision = $8, version = version + 1, updated_at = $9
		WHERE id = $10 AND version = $11`,
		o.Name, string(o.SubscriptionStatus), string(o.InstallationStatus),
		nullableInstallationID(o.GithubInstallationID),
		o.BillingWatermark, o.IntegrationWatermark, processed, string(o.AccessDecision),
		o.UpdatedAt, o.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a concurrent writer from a missing record.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM organizations WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	o.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) scanOrg(row *sql.Row) (*Organization, error) {
	o := &Organization{}
	var (
		sub, inst, decision string
		installationID      sql.NullInt64
		processed           []byte
	)
	err := row.Scan(&o.ID, &o.Name, &sub, &inst, &installationID,
		&o.BillingWatermark, &o.IntegrationWatermark, &processed, &decision,
		&o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.SubscriptionStatus = SubscriptionStatus(sub)
	o.InstallationStatus = InstallationStatus(inst)
	o.AccessDecision = AccessDecision(decision)
	if installationID.Valid {
		o.GithubInstallationID = installationID.Int64
	}
	if len(processed) > 0 {
		_ = json.Unmarshal(processed, &o.ProcessedEvents)
	}
	return o, nil
}

func nullableInstallationID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

// Migrate creates the organizations table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS organizations (
			id                     TEXT PRIMARY KEY,
			name                   TEXT NOT NULL,
			subscription_status    TEXT NOT NULL DEFAULT 'UNCONFIRMED',
			installation_status    TEXT NOT NULL DEFAULT 'NOT_INSTALLED',
			github_installation_id BIGINT,
			billing_watermark      TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
			integration_watermark  TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
			processed_events       JSONB NOT NULL DEFAULT '[]',
			access_decision        TEXT NOT NULL DEFAULT 'DENY',
			version                BIGINT NOT NULL DEFAULT 0,
			created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_orgs_installation
			ON organizations(github_installation_id) WHERE github_installation_id IS NOT NULL;
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
