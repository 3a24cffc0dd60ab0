package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/transam/sogr/internal/db"
	"github.com/transam/sogr/internal/model"
	"github.com/transam/sogr/internal/resilience"
)

// PostgresStore is the Store backed by PostgreSQL. Bulk imports go
// through COPY.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig tunes the pgx pool. Zero fields keep the defaults.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

func (c *PoolConfig) apply(pc *pgxpool.Config) {
	pc.MaxConns, pc.MinConns = 10, 2
	pc.MaxConnLifetime = 30 * time.Minute
	pc.MaxConnIdleTime = 5 * time.Minute
	if c == nil {
		return
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		pc.MinConns = min(c.MinConns, pc.MaxConns)
	}
}

// NewPostgres connects to connString and verifies the connection.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pc, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse dsn")
	}
	poolCfg.apply(pc)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS organizations (
	id         BIGSERIAL PRIMARY KEY,
	short_name TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	policy_id  BIGINT
);

CREATE TABLE IF NOT EXISTS policies (
	id                  BIGSERIAL PRIMARY KEY,
	organization_id     BIGINT NOT NULL UNIQUE REFERENCES organizations(id),
	name                TEXT NOT NULL,
	condition_threshold DOUBLE PRECISION NOT NULL DEFAULT 2.5,
	inflation_rate      NUMERIC(8,5) NOT NULL DEFAULT 0,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS policy_rules (
	policy_id                    BIGINT NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
	asset_subtype_id             BIGINT NOT NULL,
	service_life_calculation     TEXT NOT NULL,
	cost_calculation             TEXT NOT NULL,
	condition_estimation         TEXT NOT NULL,
	rehabilitation_calculation   TEXT NOT NULL DEFAULT '',
	min_service_life_months      INTEGER NOT NULL,
	replacement_cost             BIGINT NOT NULL DEFAULT 0,
	cost_fiscal_year             INTEGER NOT NULL DEFAULT 0,
	rehabilitation_service_month INTEGER NOT NULL DEFAULT 0,
	extended_service_life_months INTEGER NOT NULL DEFAULT 0,
	rehabilitation_cost          BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (policy_id, asset_subtype_id)
);

CREATE TABLE IF NOT EXISTS assets (
	id                            BIGSERIAL PRIMARY KEY,
	object_key                    TEXT NOT NULL UNIQUE,
	organization_id               BIGINT NOT NULL REFERENCES organizations(id),
	asset_type_id                 BIGINT NOT NULL,
	asset_subtype_id              BIGINT NOT NULL,
	class                         TEXT NOT NULL,
	asset_tag                     TEXT NOT NULL,
	external_id                   TEXT NOT NULL DEFAULT '',
	description                   TEXT NOT NULL DEFAULT '',
	manufacture_year              INTEGER NOT NULL,
	purchase_cost                 BIGINT NOT NULL DEFAULT 0,
	purchase_date                 DATE,
	in_service_date               DATE,
	purchased_new                 BOOLEAN NOT NULL DEFAULT true,
	superseded_by_id              BIGINT REFERENCES assets(id),
	expected_useful_life          INTEGER NOT NULL DEFAULT 0,
	reported_condition_type       TEXT NOT NULL DEFAULT 'Unknown',
	reported_condition_rating     DOUBLE PRECISION,
	reported_condition_date       DATE,
	estimated_condition_type      TEXT NOT NULL DEFAULT 'Unknown',
	estimated_condition_rating    DOUBLE PRECISION,
	service_status                TEXT NOT NULL DEFAULT 'U',
	service_status_date           DATE,
	policy_replacement_year       INTEGER,
	scheduled_replacement_year    INTEGER,
	estimated_replacement_year    INTEGER,
	replacement_reason_id         INTEGER,
	in_backlog                    BOOLEAN NOT NULL DEFAULT false,
	policy_rehabilitation_year    INTEGER,
	scheduled_rehabilitation_year INTEGER,
	last_rehabilitation_date      DATE,
	scheduled_disposition_year    INTEGER,
	disposition_date              DATE,
	disposition_type              TEXT NOT NULL DEFAULT '',
	estimated_replacement_cost    BIGINT,
	scheduled_replacement_cost    BIGINT,
	parent_id                     BIGINT REFERENCES assets(id),
	location_comments             TEXT NOT NULL DEFAULT '',
	created_at                    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (organization_id, asset_tag)
);

CREATE INDEX IF NOT EXISTS idx_assets_org ON assets(organization_id);
CREATE INDEX IF NOT EXISTS idx_assets_backlog ON assets(in_backlog) WHERE in_backlog;

CREATE TABLE IF NOT EXISTS asset_events (
	id         BIGSERIAL PRIMARY KEY,
	object_key TEXT NOT NULL UNIQUE,
	asset_id   BIGINT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
	kind       TEXT NOT NULL,
	event_date DATE NOT NULL,
	comments   TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL DEFAULT '',
	payload    JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_asset_events_latest
	ON asset_events(asset_id, kind, event_date DESC, created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS users (
	id       BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	role     TEXT NOT NULL DEFAULT 'viewer'
);

CREATE TABLE IF NOT EXISTS user_organizations (
	user_id         BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	organization_id BIGINT NOT NULL REFERENCES organizations(id),
	PRIMARY KEY (user_id, organization_id)
);

CREATE TABLE IF NOT EXISTS uploads (
	id              TEXT PRIMARY KEY,
	organization_id BIGINT NOT NULL REFERENCES organizations(id),
	filename        TEXT NOT NULL,
	path            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	rows_processed  INTEGER NOT NULL DEFAULT 0,
	rows_failed     INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	created_by      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	asset_key      TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	source         TEXT NOT NULL DEFAULT 'local',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// WithinTx runs fn against a store bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&PostgresStore{pool: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

// --- Assets ---

var assetSelect = "SELECT " + strings.Join(assetColumns, ", ") + " FROM assets"

func (s *PostgresStore) GetAsset(ctx context.Context, objectKey string) (*model.Asset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx, assetSelect+" WHERE object_key = $1", objectKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: asset %s", objectKey)
	}
	return a, eris.Wrapf(err, "postgres: get asset %s", objectKey)
}

func (s *PostgresStore) LockAsset(ctx context.Context, objectKey string) (*model.Asset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx, assetSelect+" WHERE object_key = $1 FOR UPDATE", objectKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: asset %s", objectKey)
	}
	return a, eris.Wrapf(err, "postgres: lock asset %s", objectKey)
}

func (s *PostgresStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	if a.ObjectKey == "" {
		a.ObjectKey = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.ServiceStatus == "" {
		a.Cleanse()
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO assets (object_key, organization_id, asset_type_id, asset_subtype_id, class,
		   asset_tag, external_id, description, manufacture_year, purchase_cost,
		   purchase_date, in_service_date, purchased_new, superseded_by_id,
		   reported_condition_type, estimated_condition_type, service_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 RETURNING id`,
		a.ObjectKey, a.OrganizationID, a.AssetTypeID, a.AssetSubtypeID, string(a.Class),
		a.AssetTag, a.ExternalID, a.Description, a.ManufactureYear, a.PurchaseCost,
		a.PurchaseDate, a.InServiceDate, a.PurchasedNew, a.SupersededByID,
		string(a.ReportedConditionType), string(a.EstimatedConditionType), string(a.ServiceStatus), now, now,
	).Scan(&a.ID)
	return eris.Wrapf(err, "postgres: insert asset %s", a.AssetTag)
}

func (s *PostgresStore) UpdateAsset(ctx context.Context, a *model.Asset) error {
	a.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE assets SET asset_type_id = $1, asset_subtype_id = $2, class = $3, asset_tag = $4,
		   external_id = $5, description = $6, manufacture_year = $7, purchase_cost = $8,
		   purchase_date = $9, in_service_date = $10, purchased_new = $11, updated_at = $12
		 WHERE id = $13`,
		a.AssetTypeID, a.AssetSubtypeID, string(a.Class), a.AssetTag,
		a.ExternalID, a.Description, a.ManufactureYear, a.PurchaseCost,
		a.PurchaseDate, a.InServiceDate, a.PurchasedNew, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update asset %s", a.ObjectKey)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: asset %s", a.ObjectKey)
	}
	return nil
}

func (s *PostgresStore) SaveDerivedState(ctx context.Context, assetID int64, state model.DerivedState) error {
	sets := make([]string, len(derivedColumns))
	for i, c := range derivedColumns {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}
	args := derivedValues(state)
	args = append(args, time.Now().UTC(), assetID)

	sql := fmt.Sprintf("UPDATE assets SET %s, updated_at = $%d WHERE id = $%d",
		strings.Join(sets, ", "), len(derivedColumns)+1, len(derivedColumns)+2)

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: save derived state %d", assetID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: asset %d", assetID)
	}
	return nil
}

// derivedValues returns the DerivedState fields in derivedColumns order.
func derivedValues(d model.DerivedState) []any {
	return []any{
		d.ExpectedUsefulLife,
		string(d.ReportedConditionType), d.ReportedConditionRating, d.ReportedConditionDate,
		string(d.EstimatedConditionType), d.EstimatedConditionRating,
		string(d.ServiceStatus), d.ServiceStatusDate,
		d.PolicyReplacementYear, d.ScheduledReplacementYear, d.EstimatedReplacementYear,
		d.ReplacementReasonID, d.InBacklog,
		d.PolicyRehabilitationYear, d.ScheduledRehabilitationYear, d.LastRehabilitationDate,
		d.ScheduledDispositionYear, d.DispositionDate, string(d.DispositionType),
		d.EstimatedReplacementCost, d.ScheduledReplacementCost,
		d.ParentID, d.LocationComments,
	}
}

func (s *PostgresStore) SetSupersededBy(ctx context.Context, assetID int64, successorID *int64) error {
	if successorID != nil && *successorID == assetID {
		return eris.Wrapf(model.ErrSelfLink, "postgres: asset %d", assetID)
	}
	return s.WithinTx(ctx, func(st Store) error {
		tx := st.(*PostgresStore)
		if successorID != nil {
			var orgID int64
			err := tx.pool.QueryRow(ctx,
				`SELECT organization_id FROM assets WHERE id = $1 FOR UPDATE`, assetID,
			).Scan(&orgID)
			if errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrapf(ErrNotFound, "postgres: asset %d", assetID)
			}
			if err != nil {
				return eris.Wrapf(err, "postgres: lock asset %d", assetID)
			}
			if err := validateSuccessor(ctx, tx, orgID, assetID, *successorID); err != nil {
				return eris.Wrapf(err, "postgres: asset %d superseded by %d", assetID, *successorID)
			}
		}

		tag, err := tx.pool.Exec(ctx,
			`UPDATE assets SET superseded_by_id = $1, updated_at = now() WHERE id = $2`,
			successorID, assetID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: set superseded by %d", assetID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "postgres: asset %d", assetID)
		}
		return nil
	})
}

func (s *PostgresStore) SearchAssets(ctx context.Context, filter AssetFilter) ([]model.Asset, error) {
	sql, args, err := buildAssetSearch(filter, sq.Dollar)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search assets")
	}
	defer rows.Close()

	var out []model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan asset")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: search assets iterate")
}

func (s *PostgresStore) ListAssetKeys(ctx context.Context, organizationID int64) ([]string, error) {
	query := `SELECT object_key FROM assets`
	var args []any
	if organizationID > 0 {
		query += ` WHERE organization_id = $1`
		args = append(args, organizationID)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list asset keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan asset key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "postgres: list asset keys iterate")
}

func (s *PostgresStore) ListAssetLinks(ctx context.Context, organizationID int64) ([]model.Link, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, organization_id, parent_id, superseded_by_id FROM assets WHERE organization_id = $1`,
		organizationID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list asset links")
	}
	defer rows.Close()

	var links []model.Link
	for rows.Next() {
		var l model.Link
		if err := rows.Scan(&l.ID, &l.OrganizationID, &l.ParentID, &l.SupersededByID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan asset link")
		}
		links = append(links, l)
	}
	return links, eris.Wrap(rows.Err(), "postgres: list asset links iterate")
}

var upsertAssetColumns = []string{
	"object_key", "organization_id", "asset_type_id", "asset_subtype_id", "class",
	"asset_tag", "external_id", "description", "manufacture_year", "purchase_cost",
	"purchase_date", "in_service_date", "purchased_new", "created_at", "updated_at",
}

func (s *PostgresStore) UpsertAssets(ctx context.Context, assets []*model.Asset) ([]UpsertedAsset, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(assets))
	for _, a := range assets {
		if a.ObjectKey == "" {
			a.ObjectKey = uuid.New().String()
		}
		rows = append(rows, []any{
			a.ObjectKey, a.OrganizationID, a.AssetTypeID, a.AssetSubtypeID, string(a.Class),
			a.AssetTag, a.ExternalID, a.Description, a.ManufactureYear, a.PurchaseCost,
			a.PurchaseDate, a.InServiceDate, a.PurchasedNew, now, now,
		})
	}

	res, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "assets",
		Columns:      upsertAssetColumns,
		ConflictKeys: []string{"organization_id", "asset_tag"},
		UpdateCols: []string{
			"asset_type_id", "asset_subtype_id", "class", "external_id", "description",
			"manufacture_year", "purchase_cost", "purchase_date", "in_service_date",
			"purchased_new", "updated_at",
		},
		Returning: []string{"object_key", "asset_tag", "(xmax = 0)"},
	}, rows)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert assets")
	}

	out := make([]UpsertedAsset, 0, len(res.Returned))
	for _, r := range res.Returned {
		key, _ := r[0].(string)
		tag, _ := r[1].(string)
		created, _ := r[2].(bool)
		out = append(out, UpsertedAsset{ObjectKey: key, AssetTag: tag, Created: created})
	}
	return out, nil
}

func (s *PostgresStore) CountAssets(ctx context.Context) (AssetCounts, error) {
	var c AssetCounts
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN in_backlog AND disposition_date IS NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN disposition_date IS NOT NULL THEN 1 ELSE 0 END), 0)
		 FROM assets`,
	).Scan(&c.Total, &c.InBacklog, &c.Disposed)
	return c, eris.Wrap(err, "postgres: count assets")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAsset(row scannable) (*model.Asset, error) {
	var a model.Asset
	err := row.Scan(
		&a.ID, &a.ObjectKey, &a.OrganizationID, &a.AssetTypeID, &a.AssetSubtypeID, &a.Class,
		&a.AssetTag, &a.ExternalID, &a.Description, &a.ManufactureYear, &a.PurchaseCost,
		&a.PurchaseDate, &a.InServiceDate, &a.PurchasedNew, &a.SupersededByID,
		&a.ExpectedUsefulLife,
		&a.ReportedConditionType, &a.ReportedConditionRating, &a.ReportedConditionDate,
		&a.EstimatedConditionType, &a.EstimatedConditionRating,
		&a.ServiceStatus, &a.ServiceStatusDate,
		&a.PolicyReplacementYear, &a.ScheduledReplacementYear, &a.EstimatedReplacementYear,
		&a.ReplacementReasonID, &a.InBacklog,
		&a.PolicyRehabilitationYear, &a.ScheduledRehabilitationYear, &a.LastRehabilitationDate,
		&a.ScheduledDispositionYear, &a.DispositionDate, &a.DispositionType,
		&a.EstimatedReplacementCost, &a.ScheduledReplacementCost,
		&a.ParentID, &a.LocationComments,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// --- Events ---

func (s *PostgresStore) LatestEvent(ctx context.Context, assetID int64, kind model.EventKind) (*model.AssetEvent, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM asset_events WHERE asset_id = $1 AND kind = $2
		 ORDER BY `+latestEventOrder+` LIMIT 1`,
		assetID, string(kind),
	))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, eris.Wrapf(err, "postgres: latest %s event for asset %d", kind, assetID)
	}
	return e, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, assetID int64, filter model.EventFilter) ([]model.AssetEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM asset_events WHERE asset_id = $1`
	args := []any{assetID}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		query += ` AND kind = ANY($2)`
		args = append(args, kinds)
	}
	query += ` ORDER BY ` + latestEventOrder
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list events for asset %d", assetID)
	}
	defer rows.Close()

	var events []model.AssetEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if isUndecodable(err) {
			skipUndecodable(err)
			continue
		}
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		events = append(events, *e)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

func (s *PostgresStore) GetEvent(ctx context.Context, objectKey string) (*model.AssetEvent, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM asset_events WHERE object_key = $1`, objectKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: event %s", objectKey)
	}
	return e, eris.Wrapf(err, "postgres: get event %s", objectKey)
}

func (s *PostgresStore) CreateEvent(ctx context.Context, e *model.AssetEvent) error {
	if e.ObjectKey == "" {
		e.ObjectKey = uuid.New().String()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal event payload")
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	err = s.pool.QueryRow(ctx,
		`INSERT INTO asset_events (object_key, asset_id, kind, event_date, comments, created_by, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		e.ObjectKey, e.AssetID, string(e.Kind), e.EventDate, e.Comments, e.CreatedBy, payload, now, now,
	).Scan(&e.ID)
	return eris.Wrapf(err, "postgres: insert event %s", e.ObjectKey)
}

func (s *PostgresStore) UpdateEvent(ctx context.Context, e *model.AssetEvent) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal event payload")
	}
	e.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE asset_events SET event_date = $1, comments = $2, payload = $3, updated_at = $4
		 WHERE object_key = $5 AND asset_id = $6 AND kind = $7`,
		e.EventDate, e.Comments, payload, e.UpdatedAt, e.ObjectKey, e.AssetID, string(e.Kind),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update event %s", e.ObjectKey)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrEventMismatch, "postgres: event %s", e.ObjectKey)
	}
	return nil
}

func (s *PostgresStore) DeleteEvent(ctx context.Context, objectKey string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM asset_events WHERE object_key = $1`, objectKey)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete event %s", objectKey)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: event %s", objectKey)
	}
	return nil
}

var copyEventColumns = []string{
	"object_key", "asset_id", "kind", "event_date", "comments", "created_by", "payload", "created_at", "updated_at",
}

func (s *PostgresStore) InsertEvents(ctx context.Context, events []*model.AssetEvent) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		if e.ObjectKey == "" {
			e.ObjectKey = uuid.New().String()
		}
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal event payload")
		}
		e.CreatedAt, e.UpdatedAt = now, now
		rows = append(rows, []any{
			e.ObjectKey, e.AssetID, string(e.Kind), e.EventDate, e.Comments, e.CreatedBy, payload, now, now,
		})
	}
	n, err := db.CopyFrom(ctx, s.pool, "asset_events", copyEventColumns, rows)
	return n, eris.Wrap(err, "postgres: insert events")
}

func scanEvent(row scannable) (*model.AssetEvent, error) {
	var e model.AssetEvent
	var payload []byte
	if err := row.Scan(&e.ID, &e.ObjectKey, &e.AssetID, &e.Kind, &e.EventDate,
		&e.Comments, &e.CreatedBy, &payload, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, decodePayload(&e, payload)
}

// --- Organizations and policies ---

func (s *PostgresStore) GetOrganization(ctx context.Context, id int64) (*model.Organization, error) {
	var o model.Organization
	err := s.pool.QueryRow(ctx,
		`SELECT id, short_name, name, policy_id FROM organizations WHERE id = $1`, id,
	).Scan(&o.ID, &o.ShortName, &o.Name, &o.PolicyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: organization %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get organization %d", id)
	}
	return &o, nil
}

func (s *PostgresStore) GetOrganizationByShortName(ctx context.Context, shortName string) (*model.Organization, error) {
	var o model.Organization
	err := s.pool.QueryRow(ctx,
		`SELECT id, short_name, name, policy_id FROM organizations WHERE short_name = $1`, shortName,
	).Scan(&o.ID, &o.ShortName, &o.Name, &o.PolicyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: organization %s", shortName)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get organization %s", shortName)
	}
	return &o, nil
}

func (s *PostgresStore) SaveOrganization(ctx context.Context, org *model.Organization) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO organizations (short_name, name, policy_id) VALUES ($1, $2, $3)
		 ON CONFLICT (short_name) DO UPDATE SET name = EXCLUDED.name,
		   policy_id = COALESCE(EXCLUDED.policy_id, organizations.policy_id)
		 RETURNING id, policy_id`,
		org.ShortName, org.Name, org.PolicyID,
	).Scan(&org.ID, &org.PolicyID)
	return eris.Wrapf(err, "postgres: save organization %s", org.ShortName)
}

func (s *PostgresStore) GetPolicy(ctx context.Context, id int64) (*model.Policy, error) {
	p := model.Policy{Rules: map[int64]model.PolicyRule{}}
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, name, condition_threshold, inflation_rate, updated_at
		 FROM policies WHERE id = $1`, id,
	).Scan(&p.ID, &p.OrganizationID, &p.Name, &p.ConditionThreshold, &p.InflationRate, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: policy %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get policy %d", id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT asset_subtype_id, service_life_calculation, cost_calculation, condition_estimation,
		        rehabilitation_calculation, min_service_life_months, replacement_cost, cost_fiscal_year,
		        rehabilitation_service_month, extended_service_life_months, rehabilitation_cost
		 FROM policy_rules WHERE policy_id = $1`, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get policy rules %d", id)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan policy rule")
		}
		p.Rules[r.AssetSubtypeID] = r
	}
	return &p, eris.Wrap(rows.Err(), "postgres: policy rules iterate")
}

func scanRule(row scannable) (model.PolicyRule, error) {
	var r model.PolicyRule
	err := row.Scan(&r.AssetSubtypeID, &r.ServiceLifeCalculation, &r.CostCalculation, &r.ConditionEstimation,
		&r.RehabilitationCalculation, &r.MinServiceLifeMonths, &r.ReplacementCost, &r.CostFiscalYear,
		&r.RehabilitationServiceMonth, &r.ExtendedServiceLifeMonths, &r.RehabilitationCost)
	return r, err
}

// SavePolicy upserts an organization's policy, replaces its rules and makes
// it the organization's configured policy.
func (s *PostgresStore) SavePolicy(ctx context.Context, p *model.Policy) error {
	return s.WithinTx(ctx, func(st Store) error {
		tx := st.(*PostgresStore)
		p.UpdatedAt = time.Now().UTC()
		err := tx.pool.QueryRow(ctx,
			`INSERT INTO policies (organization_id, name, condition_threshold, inflation_rate, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (organization_id) DO UPDATE SET name = EXCLUDED.name,
			   condition_threshold = EXCLUDED.condition_threshold,
			   inflation_rate = EXCLUDED.inflation_rate, updated_at = EXCLUDED.updated_at
			 RETURNING id`,
			p.OrganizationID, p.Name, p.ConditionThreshold, p.InflationRate, p.UpdatedAt,
		).Scan(&p.ID)
		if err != nil {
			return eris.Wrapf(err, "postgres: save policy for organization %d", p.OrganizationID)
		}

		if _, err := tx.pool.Exec(ctx, `DELETE FROM policy_rules WHERE policy_id = $1`, p.ID); err != nil {
			return eris.Wrapf(err, "postgres: clear policy rules %d", p.ID)
		}
		for _, r := range p.Rules {
			if _, err := tx.pool.Exec(ctx,
				`INSERT INTO policy_rules (policy_id, asset_subtype_id, service_life_calculation, cost_calculation,
				   condition_estimation, rehabilitation_calculation, min_service_life_months, replacement_cost,
				   cost_fiscal_year, rehabilitation_service_month, extended_service_life_months, rehabilitation_cost)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				p.ID, r.AssetSubtypeID, string(r.ServiceLifeCalculation), string(r.CostCalculation),
				string(r.ConditionEstimation), string(r.RehabilitationCalculation), r.MinServiceLifeMonths,
				r.ReplacementCost, r.CostFiscalYear, r.RehabilitationServiceMonth,
				r.ExtendedServiceLifeMonths, r.RehabilitationCost,
			); err != nil {
				return eris.Wrapf(err, "postgres: insert policy rule %d/%d", p.ID, r.AssetSubtypeID)
			}
		}

		_, err = tx.pool.Exec(ctx, `UPDATE organizations SET policy_id = $1 WHERE id = $2`, p.ID, p.OrganizationID)
		return eris.Wrapf(err, "postgres: assign policy %d", p.ID)
	})
}

// --- Users ---

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, role FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: user %s", username)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get user %s", username)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT organization_id FROM user_organizations WHERE user_id = $1 ORDER BY organization_id`, u.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get user organizations %s", username)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan user organization")
		}
		u.OrganizationIDs = append(u.OrganizationIDs, id)
	}
	return &u, eris.Wrap(rows.Err(), "postgres: user organizations iterate")
}

func (s *PostgresStore) SaveUser(ctx context.Context, u *model.User) error {
	return s.WithinTx(ctx, func(st Store) error {
		tx := st.(*PostgresStore)
		err := tx.pool.QueryRow(ctx,
			`INSERT INTO users (username, role) VALUES ($1, $2)
			 ON CONFLICT (username) DO UPDATE SET role = EXCLUDED.role RETURNING id`,
			u.Username, string(u.Role),
		).Scan(&u.ID)
		if err != nil {
			return eris.Wrapf(err, "postgres: save user %s", u.Username)
		}
		if _, err := tx.pool.Exec(ctx, `DELETE FROM user_organizations WHERE user_id = $1`, u.ID); err != nil {
			return eris.Wrapf(err, "postgres: clear user organizations %s", u.Username)
		}
		for _, orgID := range u.OrganizationIDs {
			if _, err := tx.pool.Exec(ctx,
				`INSERT INTO user_organizations (user_id, organization_id) VALUES ($1, $2)`, u.ID, orgID,
			); err != nil {
				return eris.Wrapf(err, "postgres: add user %s to organization %d", u.Username, orgID)
			}
		}
		return nil
	})
}

// --- Uploads ---

func (s *PostgresStore) CreateUpload(ctx context.Context, u *model.Upload) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	if u.Status == "" {
		u.Status = model.UploadPending
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO uploads (id, organization_id, filename, path, status, rows_processed, rows_failed, error, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		u.ID, u.OrganizationID, u.Filename, u.Path, string(u.Status), u.RowsProcessed, u.RowsFailed,
		u.Error, u.CreatedBy, now, now,
	)
	return eris.Wrapf(err, "postgres: create upload %s", u.Filename)
}

func (s *PostgresStore) GetUpload(ctx context.Context, id string) (*model.Upload, error) {
	var u model.Upload
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, filename, path, status, rows_processed, rows_failed, error, created_by, created_at, updated_at
		 FROM uploads WHERE id = $1`, id,
	).Scan(&u.ID, &u.OrganizationID, &u.Filename, &u.Path, &u.Status, &u.RowsProcessed, &u.RowsFailed,
		&u.Error, &u.CreatedBy, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: upload %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get upload %s", id)
	}
	return &u, nil
}

func (s *PostgresStore) UpdateUpload(ctx context.Context, u *model.Upload) error {
	u.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE uploads SET status = $1, rows_processed = $2, rows_failed = $3, error = $4, updated_at = $5 WHERE id = $6`,
		string(u.Status), u.RowsProcessed, u.RowsFailed, u.Error, u.UpdatedAt, u.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update upload %s", u.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: upload %s", u.ID)
	}
	return nil
}

// --- Dead letter queue ---

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, asset_key, error, error_type, source, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $3, error_type = $4, source = $5, retry_count = $6,
		   next_retry_at = $8, last_failed_at = $10`,
		entry.ID, entry.AssetKey, entry.Error, entry.ErrorType,
		entry.Source, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, asset_key, error, error_type, source, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.AssetKey, &e.Error, &e.ErrorType,
			&e.Source, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: dlq entry %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}
