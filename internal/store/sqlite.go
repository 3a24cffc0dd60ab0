package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/transam/sogr/internal/model"
	"github.com/transam/sogr/internal/resilience"
)

// sqliteQuerier is satisfied by *sql.DB and *sql.Tx.
type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db   *sql.DB
	q    sqliteQuerier
	inTx bool
}

// sqliteParams apply to every pooled connection.
const sqliteParams = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+sqliteParams)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, q: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS organizations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	short_name TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	policy_id  INTEGER
);

CREATE TABLE IF NOT EXISTS policies (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id     INTEGER NOT NULL UNIQUE REFERENCES organizations(id),
	name                TEXT NOT NULL,
	condition_threshold REAL NOT NULL DEFAULT 2.5,
	inflation_rate      TEXT NOT NULL DEFAULT '0',
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_rules (
	policy_id                    INTEGER NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
	asset_subtype_id             INTEGER NOT NULL,
	service_life_calculation     TEXT NOT NULL,
	cost_calculation             TEXT NOT NULL,
	condition_estimation         TEXT NOT NULL,
	rehabilitation_calculation   TEXT NOT NULL DEFAULT '',
	min_service_life_months      INTEGER NOT NULL,
	replacement_cost             INTEGER NOT NULL DEFAULT 0,
	cost_fiscal_year             INTEGER NOT NULL DEFAULT 0,
	rehabilitation_service_month INTEGER NOT NULL DEFAULT 0,
	extended_service_life_months INTEGER NOT NULL DEFAULT 0,
	rehabilitation_cost          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (policy_id, asset_subtype_id)
);

CREATE TABLE IF NOT EXISTS assets (
	id                            INTEGER PRIMARY KEY AUTOINCREMENT,
	object_key                    TEXT NOT NULL UNIQUE,
	organization_id               INTEGER NOT NULL REFERENCES organizations(id),
	asset_type_id                 INTEGER NOT NULL,
	asset_subtype_id              INTEGER NOT NULL,
	class                         TEXT NOT NULL,
	asset_tag                     TEXT NOT NULL,
	external_id                   TEXT NOT NULL DEFAULT '',
	description                   TEXT NOT NULL DEFAULT '',
	manufacture_year              INTEGER NOT NULL,
	purchase_cost                 INTEGER NOT NULL DEFAULT 0,
	purchase_date                 TEXT,
	in_service_date               TEXT,
	purchased_new                 INTEGER NOT NULL DEFAULT 1,
	superseded_by_id              INTEGER REFERENCES assets(id),
	expected_useful_life          INTEGER NOT NULL DEFAULT 0,
	reported_condition_type       TEXT NOT NULL DEFAULT 'Unknown',
	reported_condition_rating     REAL,
	reported_condition_date       TEXT,
	estimated_condition_type      TEXT NOT NULL DEFAULT 'Unknown',
	estimated_condition_rating    REAL,
	service_status                TEXT NOT NULL DEFAULT 'U',
	service_status_date           TEXT,
	policy_replacement_year       INTEGER,
	scheduled_replacement_year    INTEGER,
	estimated_replacement_year    INTEGER,
	replacement_reason_id         INTEGER,
	in_backlog                    INTEGER NOT NULL DEFAULT 0,
	policy_rehabilitation_year    INTEGER,
	scheduled_rehabilitation_year INTEGER,
	last_rehabilitation_date      TEXT,
	scheduled_disposition_year    INTEGER,
	disposition_date              TEXT,
	disposition_type              TEXT NOT NULL DEFAULT '',
	estimated_replacement_cost    INTEGER,
	scheduled_replacement_cost    INTEGER,
	parent_id                     INTEGER REFERENCES assets(id),
	location_comments             TEXT NOT NULL DEFAULT '',
	created_at                    TEXT NOT NULL,
	updated_at                    TEXT NOT NULL,
	UNIQUE (organization_id, asset_tag)
);

CREATE INDEX IF NOT EXISTS idx_assets_org ON assets(organization_id);

CREATE TABLE IF NOT EXISTS asset_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	object_key TEXT NOT NULL UNIQUE,
	asset_id   INTEGER NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
	kind       TEXT NOT NULL,
	event_date TEXT NOT NULL,
	comments   TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL DEFAULT '',
	payload    TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_asset_events_latest
	ON asset_events(asset_id, kind, event_date DESC, created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS users (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	role     TEXT NOT NULL DEFAULT 'viewer'
);

CREATE TABLE IF NOT EXISTS user_organizations (
	user_id         INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	organization_id INTEGER NOT NULL REFERENCES organizations(id),
	PRIMARY KEY (user_id, organization_id)
);

CREATE TABLE IF NOT EXISTS uploads (
	id              TEXT PRIMARY KEY,
	organization_id INTEGER NOT NULL REFERENCES organizations(id),
	filename        TEXT NOT NULL,
	path            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	rows_processed  INTEGER NOT NULL DEFAULT 0,
	rows_failed     INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	created_by      TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	asset_key      TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	source         TEXT NOT NULL DEFAULT 'local',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	last_failed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}

// WithinTx runs fn inside a transaction. Nested calls join the outer
// transaction.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&SQLiteStore{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// --- Time encoding ---

const (
	dateLayout = "2006-01-02"
	// tsLayout is fixed width so stored timestamps sort lexically.
	tsLayout = "2006-01-02T15:04:05.000000000Z"
)

func dateValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(dateLayout)
}

func tsValue(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseSQLiteTime(v string) (time.Time, error) {
	for _, layout := range []string{tsLayout, dateLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("sqlite: unrecognized time %q", v)
}

// timeScanner scans TEXT timestamps into a time.Time.
type timeScanner struct{ dst *time.Time }

func (s timeScanner) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s.dst = time.Time{}
		return nil
	case time.Time:
		*s.dst = v.UTC()
		return nil
	case string:
		t, err := parseSQLiteTime(v)
		*s.dst = t
		return err
	case []byte:
		t, err := parseSQLiteTime(string(v))
		*s.dst = t
		return err
	}
	return eris.Errorf("sqlite: cannot scan %T into time", src)
}

// dateScanner scans nullable TEXT dates into a *time.Time.
type dateScanner struct{ dst **time.Time }

func (s dateScanner) Scan(src any) error {
	if src == nil {
		*s.dst = nil
		return nil
	}
	var t time.Time
	if err := (timeScanner{dst: &t}).Scan(src); err != nil {
		return err
	}
	*s.dst = &t
	return nil
}

// --- Assets ---

func (s *SQLiteStore) GetAsset(ctx context.Context, objectKey string) (*model.Asset, error) {
	a, err := scanSQLiteAsset(s.q.QueryRowContext(ctx, assetSelect+" WHERE object_key = ?", objectKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: asset %s", objectKey)
	}
	return a, eris.Wrapf(err, "sqlite: get asset %s", objectKey)
}

// LockAsset reads the asset. Write transactions take the database lock on
// begin, so no row lock is needed.
func (s *SQLiteStore) LockAsset(ctx context.Context, objectKey string) (*model.Asset, error) {
	return s.GetAsset(ctx, objectKey)
}

func (s *SQLiteStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	if a.ObjectKey == "" {
		a.ObjectKey = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.ServiceStatus == "" {
		a.Cleanse()
	}

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO assets (object_key, organization_id, asset_type_id, asset_subtype_id, class,
		   asset_tag, external_id, description, manufacture_year, purchase_cost,
		   purchase_date, in_service_date, purchased_new, superseded_by_id,
		   reported_condition_type, estimated_condition_type, service_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ObjectKey, a.OrganizationID, a.AssetTypeID, a.AssetSubtypeID, string(a.Class),
		a.AssetTag, a.ExternalID, a.Description, a.ManufactureYear, a.PurchaseCost,
		dateValue(a.PurchaseDate), dateValue(a.InServiceDate), a.PurchasedNew, a.SupersededByID,
		string(a.ReportedConditionType), string(a.EstimatedConditionType), string(a.ServiceStatus),
		tsValue(now), tsValue(now),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert asset %s", a.AssetTag)
	}
	a.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: asset id")
}

func (s *SQLiteStore) UpdateAsset(ctx context.Context, a *model.Asset) error {
	a.UpdatedAt = time.Now().UTC()
	res, err := s.q.ExecContext(ctx,
		`UPDATE assets SET asset_type_id = ?, asset_subtype_id = ?, class = ?, asset_tag = ?,
		   external_id = ?, description = ?, manufacture_year = ?, purchase_cost = ?,
		   purchase_date = ?, in_service_date = ?, purchased_new = ?, updated_at = ?
		 WHERE id = ?`,
		a.AssetTypeID, a.AssetSubtypeID, string(a.Class), a.AssetTag,
		a.ExternalID, a.Description, a.ManufactureYear, a.PurchaseCost,
		dateValue(a.PurchaseDate), dateValue(a.InServiceDate), a.PurchasedNew, tsValue(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update asset %s", a.ObjectKey)
	}
	return checkRowsAffected(res, "sqlite: asset "+a.ObjectKey)
}

func (s *SQLiteStore) SaveDerivedState(ctx context.Context, assetID int64, state model.DerivedState) error {
	sets := make([]string, len(derivedColumns))
	for i, c := range derivedColumns {
		sets[i] = c + " = ?"
	}
	args := sqliteDerivedValues(state)
	args = append(args, tsValue(time.Now()), assetID)

	res, err := s.q.ExecContext(ctx,
		"UPDATE assets SET "+strings.Join(sets, ", ")+", updated_at = ? WHERE id = ?", args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save derived state %d", assetID)
	}
	return checkRowsAffected(res, fmt.Sprintf("sqlite: asset %d", assetID))
}

// sqliteDerivedValues is derivedValues with dates encoded as TEXT.
func sqliteDerivedValues(d model.DerivedState) []any {
	vals := derivedValues(d)
	for i, v := range vals {
		if t, ok := v.(*time.Time); ok {
			vals[i] = dateValue(t)
		}
	}
	return vals
}

func (s *SQLiteStore) SetSupersededBy(ctx context.Context, assetID int64, successorID *int64) error {
	if successorID != nil && *successorID == assetID {
		return eris.Wrapf(model.ErrSelfLink, "sqlite: asset %d", assetID)
	}
	return s.WithinTx(ctx, func(st Store) error {
		tx := st.(*SQLiteStore)
		if successorID != nil {
			var orgID int64
			err := tx.q.QueryRowContext(ctx, `SELECT organization_id FROM assets WHERE id = ?`, assetID).Scan(&orgID)
			if errors.Is(err, sql.ErrNoRows) {
				return eris.Wrapf(ErrNotFound, "sqlite: asset %d", assetID)
			}
			if err != nil {
				return eris.Wrapf(err, "sqlite: look up asset %d", assetID)
			}
			if err := validateSuccessor(ctx, tx, orgID, assetID, *successorID); err != nil {
				return eris.Wrapf(err, "sqlite: asset %d superseded by %d", assetID, *successorID)
			}
		}

		res, err := tx.q.ExecContext(ctx,
			`UPDATE assets SET superseded_by_id = ?, updated_at = ? WHERE id = ?`,
			successorID, tsValue(time.Now()), assetID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: set superseded by %d", assetID)
		}
		return checkRowsAffected(res, fmt.Sprintf("sqlite: asset %d", assetID))
	})
}

func (s *SQLiteStore) SearchAssets(ctx context.Context, filter AssetFilter) ([]model.Asset, error) {
	query, args, err := buildAssetSearch(filter, sq.Question)
	if err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search assets")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Asset
	for rows.Next() {
		a, err := scanSQLiteAsset(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan asset")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: search assets iterate")
}

func (s *SQLiteStore) ListAssetKeys(ctx context.Context, organizationID int64) ([]string, error) {
	query := `SELECT object_key FROM assets`
	var args []any
	if organizationID > 0 {
		query += ` WHERE organization_id = ?`
		args = append(args, organizationID)
	}
	query += ` ORDER BY id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list asset keys")
	}
	defer rows.Close() //nolint:errcheck

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan asset key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: list asset keys iterate")
}

func (s *SQLiteStore) ListAssetLinks(ctx context.Context, organizationID int64) ([]model.Link, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, organization_id, parent_id, superseded_by_id FROM assets WHERE organization_id = ?`,
		organizationID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list asset links")
	}
	defer rows.Close() //nolint:errcheck

	var links []model.Link
	for rows.Next() {
		var l model.Link
		if err := rows.Scan(&l.ID, &l.OrganizationID, &l.ParentID, &l.SupersededByID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan asset link")
		}
		links = append(links, l)
	}
	return links, eris.Wrap(rows.Err(), "sqlite: list asset links iterate")
}

// UpsertAssets inserts or updates assets keyed by organization and tag.
// Existing assets keep their object key and derived state.
func (s *SQLiteStore) UpsertAssets(ctx context.Context, assets []*model.Asset) ([]UpsertedAsset, error) {
	out := make([]UpsertedAsset, 0, len(assets))
	err := s.WithinTx(ctx, func(st Store) error {
		tx := st.(*SQLiteStore)
		for _, a := range assets {
			var existing string
			err := tx.q.QueryRowContext(ctx,
				`SELECT object_key FROM assets WHERE organization_id = ? AND asset_tag = ?`,
				a.OrganizationID, a.AssetTag,
			).Scan(&existing)

			switch {
			case errors.Is(err, sql.ErrNoRows):
				a.ObjectKey = ""
				if err := tx.CreateAsset(ctx, a); err != nil {
					return err
				}
				out = append(out, UpsertedAsset{ObjectKey: a.ObjectKey, AssetTag: a.AssetTag, Created: true})
			case err != nil:
				return eris.Wrapf(err, "sqlite: look up asset %s", a.AssetTag)
			default:
				_, err := tx.q.ExecContext(ctx,
					`UPDATE assets SET asset_type_id = ?, asset_subtype_id = ?, class = ?, external_id = ?,
					   description = ?, manufacture_year = ?, purchase_cost = ?, purchase_date = ?,
					   in_service_date = ?, purchased_new = ?, updated_at = ?
					 WHERE object_key = ?`,
					a.AssetTypeID, a.AssetSubtypeID, string(a.Class), a.ExternalID,
					a.Description, a.ManufactureYear, a.PurchaseCost, dateValue(a.PurchaseDate),
					dateValue(a.InServiceDate), a.PurchasedNew, tsValue(time.Now()), existing,
				)
				if err != nil {
					return eris.Wrapf(err, "sqlite: update asset %s", a.AssetTag)
				}
				a.ObjectKey = existing
				out = append(out, UpsertedAsset{ObjectKey: existing, AssetTag: a.AssetTag})
			}
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert assets")
	}
	return out, nil
}

func (s *SQLiteStore) CountAssets(ctx context.Context) (AssetCounts, error) {
	var c AssetCounts
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN in_backlog AND disposition_date IS NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN disposition_date IS NOT NULL THEN 1 ELSE 0 END), 0)
		 FROM assets`,
	).Scan(&c.Total, &c.InBacklog, &c.Disposed)
	return c, eris.Wrap(err, "sqlite: count assets")
}

func scanSQLiteAsset(row scannable) (*model.Asset, error) {
	var a model.Asset
	err := row.Scan(
		&a.ID, &a.ObjectKey, &a.OrganizationID, &a.AssetTypeID, &a.AssetSubtypeID, &a.Class,
		&a.AssetTag, &a.ExternalID, &a.Description, &a.ManufactureYear, &a.PurchaseCost,
		dateScanner{&a.PurchaseDate}, dateScanner{&a.InServiceDate}, &a.PurchasedNew, &a.SupersededByID,
		&a.ExpectedUsefulLife,
		&a.ReportedConditionType, &a.ReportedConditionRating, dateScanner{&a.ReportedConditionDate},
		&a.EstimatedConditionType, &a.EstimatedConditionRating,
		&a.ServiceStatus, dateScanner{&a.ServiceStatusDate},
		&a.PolicyReplacementYear, &a.ScheduledReplacementYear, &a.EstimatedReplacementYear,
		&a.ReplacementReasonID, &a.InBacklog,
		&a.PolicyRehabilitationYear, &a.ScheduledRehabilitationYear, dateScanner{&a.LastRehabilitationDate},
		&a.ScheduledDispositionYear, dateScanner{&a.DispositionDate}, &a.DispositionType,
		&a.EstimatedReplacementCost, &a.ScheduledReplacementCost,
		&a.ParentID, &a.LocationComments,
		timeScanner{&a.CreatedAt}, timeScanner{&a.UpdatedAt},
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// --- Events ---

func (s *SQLiteStore) LatestEvent(ctx context.Context, assetID int64, kind model.EventKind) (*model.AssetEvent, error) {
	e, err := scanSQLiteEvent(s.q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM asset_events WHERE asset_id = ? AND kind = ?
		 ORDER BY `+latestEventOrder+` LIMIT 1`,
		assetID, string(kind),
	))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, eris.Wrapf(err, "sqlite: latest %s event for asset %d", kind, assetID)
	}
	return e, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, assetID int64, filter model.EventFilter) ([]model.AssetEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM asset_events WHERE asset_id = ?`
	args := []any{assetID}
	if len(filter.Kinds) > 0 {
		marks := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		query += ` AND kind IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY ` + latestEventOrder
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list events for asset %d", assetID)
	}
	defer rows.Close() //nolint:errcheck

	var events []model.AssetEvent
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
		if isUndecodable(err) {
			skipUndecodable(err)
			continue
		}
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		events = append(events, *e)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

func (s *SQLiteStore) GetEvent(ctx context.Context, objectKey string) (*model.AssetEvent, error) {
	e, err := scanSQLiteEvent(s.q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM asset_events WHERE object_key = ?`, objectKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: event %s", objectKey)
	}
	return e, eris.Wrapf(err, "sqlite: get event %s", objectKey)
}

func (s *SQLiteStore) CreateEvent(ctx context.Context, e *model.AssetEvent) error {
	if e.ObjectKey == "" {
		e.ObjectKey = uuid.New().String()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal event payload")
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO asset_events (object_key, asset_id, kind, event_date, comments, created_by, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ObjectKey, e.AssetID, string(e.Kind), dateValue(&e.EventDate), e.Comments, e.CreatedBy,
		string(payload), tsValue(now), tsValue(now),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert event %s", e.ObjectKey)
	}
	e.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: event id")
}

func (s *SQLiteStore) UpdateEvent(ctx context.Context, e *model.AssetEvent) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal event payload")
	}
	e.UpdatedAt = time.Now().UTC()

	res, err := s.q.ExecContext(ctx,
		`UPDATE asset_events SET event_date = ?, comments = ?, payload = ?, updated_at = ?
		 WHERE object_key = ? AND asset_id = ? AND kind = ?`,
		dateValue(&e.EventDate), e.Comments, string(payload), tsValue(e.UpdatedAt),
		e.ObjectKey, e.AssetID, string(e.Kind),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update event %s", e.ObjectKey)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrEventMismatch, "sqlite: event %s", e.ObjectKey)
	}
	return nil
}

func (s *SQLiteStore) DeleteEvent(ctx context.Context, objectKey string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM asset_events WHERE object_key = ?`, objectKey)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete event %s", objectKey)
	}
	return checkRowsAffected(res, "sqlite: event "+objectKey)
}

func (s *SQLiteStore) InsertEvents(ctx context.Context, events []*model.AssetEvent) (int64, error) {
	var n int64
	err := s.WithinTx(ctx, func(st Store) error {
		for _, e := range events {
			if err := st.CreateEvent(ctx, e); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert events")
	}
	return n, nil
}

func scanSQLiteEvent(row scannable) (*model.AssetEvent, error) {
	var e model.AssetEvent
	var payload string
	if err := row.Scan(&e.ID, &e.ObjectKey, &e.AssetID, &e.Kind, timeScanner{&e.EventDate},
		&e.Comments, &e.CreatedBy, &payload, timeScanner{&e.CreatedAt}, timeScanner{&e.UpdatedAt}); err != nil {
		return nil, err
	}
	return &e, decodePayload(&e, []byte(payload))
}

// --- Organizations and policies ---

func (s *SQLiteStore) getOrganization(ctx context.Context, where string, arg any) (*model.Organization, error) {
	var o model.Organization
	err := s.q.QueryRowContext(ctx,
		`SELECT id, short_name, name, policy_id FROM organizations WHERE `+where+` = ?`, arg,
	).Scan(&o.ID, &o.ShortName, &o.Name, &o.PolicyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: organization %v", arg)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get organization %v", arg)
	}
	return &o, nil
}

func (s *SQLiteStore) GetOrganization(ctx context.Context, id int64) (*model.Organization, error) {
	return s.getOrganization(ctx, "id", id)
}

func (s *SQLiteStore) GetOrganizationByShortName(ctx context.Context, shortName string) (*model.Organization, error) {
	return s.getOrganization(ctx, "short_name", shortName)
}

func (s *SQLiteStore) SaveOrganization(ctx context.Context, org *model.Organization) error {
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO organizations (short_name, name, policy_id) VALUES (?, ?, ?)
		 ON CONFLICT (short_name) DO UPDATE SET name = excluded.name,
		   policy_id = COALESCE(excluded.policy_id, organizations.policy_id)
		 RETURNING id, policy_id`,
		org.ShortName, org.Name, org.PolicyID,
	).Scan(&org.ID, &org.PolicyID)
	return eris.Wrapf(err, "sqlite: save organization %s", org.ShortName)
}

func (s *SQLiteStore) GetPolicy(ctx context.Context, id int64) (*model.Policy, error) {
	p := model.Policy{Rules: map[int64]model.PolicyRule{}}
	err := s.q.QueryRowContext(ctx,
		`SELECT id, organization_id, name, condition_threshold, inflation_rate, updated_at
		 FROM policies WHERE id = ?`, id,
	).Scan(&p.ID, &p.OrganizationID, &p.Name, &p.ConditionThreshold, &p.InflationRate, timeScanner{&p.UpdatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: policy %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get policy %d", id)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT asset_subtype_id, service_life_calculation, cost_calculation, condition_estimation,
		        rehabilitation_calculation, min_service_life_months, replacement_cost, cost_fiscal_year,
		        rehabilitation_service_month, extended_service_life_months, rehabilitation_cost
		 FROM policy_rules WHERE policy_id = ?`, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get policy rules %d", id)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan policy rule")
		}
		p.Rules[r.AssetSubtypeID] = r
	}
	return &p, eris.Wrap(rows.Err(), "sqlite: policy rules iterate")
}

func (s *SQLiteStore) SavePolicy(ctx context.Context, p *model.Policy) error {
	return s.WithinTx(ctx, func(st Store) error {
		tx := st.(*SQLiteStore)
		p.UpdatedAt = time.Now().UTC()
		err := tx.q.QueryRowContext(ctx,
			`INSERT INTO policies (organization_id, name, condition_threshold, inflation_rate, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (organization_id) DO UPDATE SET name = excluded.name,
			   condition_threshold = excluded.condition_threshold,
			   inflation_rate = excluded.inflation_rate, updated_at = excluded.updated_at
			 RETURNING id`,
			p.OrganizationID, p.Name, p.ConditionThreshold, p.InflationRate.String(), tsValue(p.UpdatedAt),
		).Scan(&p.ID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: save policy for organization %d", p.OrganizationID)
		}

		if _, err := tx.q.ExecContext(ctx, `DELETE FROM policy_rules WHERE policy_id = ?`, p.ID); err != nil {
			return eris.Wrapf(err, "sqlite: clear policy rules %d", p.ID)
		}
		for _, r := range p.Rules {
			if _, err := tx.q.ExecContext(ctx,
				`INSERT INTO policy_rules (policy_id, asset_subtype_id, service_life_calculation, cost_calculation,
				   condition_estimation, rehabilitation_calculation, min_service_life_months, replacement_cost,
				   cost_fiscal_year, rehabilitation_service_month, extended_service_life_months, rehabilitation_cost)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				p.ID, r.AssetSubtypeID, string(r.ServiceLifeCalculation), string(r.CostCalculation),
				string(r.ConditionEstimation), string(r.RehabilitationCalculation), r.MinServiceLifeMonths,
				r.ReplacementCost, r.CostFiscalYear, r.RehabilitationServiceMonth,
				r.ExtendedServiceLifeMonths, r.RehabilitationCost,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert policy rule %d/%d", p.ID, r.AssetSubtypeID)
			}
		}

		_, err = tx.q.ExecContext(ctx, `UPDATE organizations SET policy_id = ? WHERE id = ?`, p.ID, p.OrganizationID)
		return eris.Wrapf(err, "sqlite: assign policy %d", p.ID)
	})
}

// --- Users ---

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	err := s.q.QueryRowContext(ctx,
		`SELECT id, username, role FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: user %s", username)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get user %s", username)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT organization_id FROM user_organizations WHERE user_id = ? ORDER BY organization_id`, u.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get user organizations %s", username)
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan user organization")
		}
		u.OrganizationIDs = append(u.OrganizationIDs, id)
	}
	return &u, eris.Wrap(rows.Err(), "sqlite: user organizations iterate")
}

func (s *SQLiteStore) SaveUser(ctx context.Context, u *model.User) error {
	return s.WithinTx(ctx, func(st Store) error {
		tx := st.(*SQLiteStore)
		err := tx.q.QueryRowContext(ctx,
			`INSERT INTO users (username, role) VALUES (?, ?)
			 ON CONFLICT (username) DO UPDATE SET role = excluded.role RETURNING id`,
			u.Username, string(u.Role),
		).Scan(&u.ID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: save user %s", u.Username)
		}
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM user_organizations WHERE user_id = ?`, u.ID); err != nil {
			return eris.Wrapf(err, "sqlite: clear user organizations %s", u.Username)
		}
		for _, orgID := range u.OrganizationIDs {
			if _, err := tx.q.ExecContext(ctx,
				`INSERT INTO user_organizations (user_id, organization_id) VALUES (?, ?)`, u.ID, orgID,
			); err != nil {
				return eris.Wrapf(err, "sqlite: add user %s to organization %d", u.Username, orgID)
			}
		}
		return nil
	})
}

// --- Uploads ---

func (s *SQLiteStore) CreateUpload(ctx context.Context, u *model.Upload) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	if u.Status == "" {
		u.Status = model.UploadPending
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO uploads (id, organization_id, filename, path, status, rows_processed, rows_failed, error, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.OrganizationID, u.Filename, u.Path, string(u.Status), u.RowsProcessed, u.RowsFailed,
		u.Error, u.CreatedBy, tsValue(now), tsValue(now),
	)
	return eris.Wrapf(err, "sqlite: create upload %s", u.Filename)
}

func (s *SQLiteStore) GetUpload(ctx context.Context, id string) (*model.Upload, error) {
	var u model.Upload
	err := s.q.QueryRowContext(ctx,
		`SELECT id, organization_id, filename, path, status, rows_processed, rows_failed, error, created_by, created_at, updated_at
		 FROM uploads WHERE id = ?`, id,
	).Scan(&u.ID, &u.OrganizationID, &u.Filename, &u.Path, &u.Status, &u.RowsProcessed, &u.RowsFailed,
		&u.Error, &u.CreatedBy, timeScanner{&u.CreatedAt}, timeScanner{&u.UpdatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: upload %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get upload %s", id)
	}
	return &u, nil
}

func (s *SQLiteStore) UpdateUpload(ctx context.Context, u *model.Upload) error {
	u.UpdatedAt = time.Now().UTC()
	res, err := s.q.ExecContext(ctx,
		`UPDATE uploads SET status = ?, rows_processed = ?, rows_failed = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(u.Status), u.RowsProcessed, u.RowsFailed, u.Error, tsValue(u.UpdatedAt), u.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update upload %s", u.ID)
	}
	return checkRowsAffected(res, "sqlite: upload "+u.ID)
}

// --- Dead letter queue ---

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, asset_key, error, error_type, source, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, source = excluded.source,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.AssetKey, entry.Error, entry.ErrorType,
		entry.Source, entry.RetryCount, entry.MaxRetries,
		tsValue(entry.NextRetryAt), tsValue(entry.CreatedAt), tsValue(entry.LastFailedAt),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, asset_key, error, error_type, source, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{tsValue(time.Now())}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.AssetKey, &e.Error, &e.ErrorType,
			&e.Source, &e.RetryCount, &e.MaxRetries,
			timeScanner{&e.NextRetryAt}, timeScanner{&e.CreatedAt}, timeScanner{&e.LastFailedAt}); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		tsValue(nextRetryAt), lastErr, tsValue(time.Now()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "sqlite: dlq entry "+id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// checkRowsAffected maps an update that touched no rows to ErrNotFound.
func checkRowsAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrap(ErrNotFound, what)
	}
	return nil
}
