package store

import (
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
)

// assetColumns is the select list shared by both backends; scanAsset and
// scanSQLiteAsset read columns in this order.
var assetColumns = []string{
	"id", "object_key", "organization_id", "asset_type_id", "asset_subtype_id", "class",
	"asset_tag", "external_id", "description", "manufacture_year", "purchase_cost",
	"purchase_date", "in_service_date", "purchased_new", "superseded_by_id",
	"expected_useful_life",
	"reported_condition_type", "reported_condition_rating", "reported_condition_date",
	"estimated_condition_type", "estimated_condition_rating",
	"service_status", "service_status_date",
	"policy_replacement_year", "scheduled_replacement_year", "estimated_replacement_year",
	"replacement_reason_id", "in_backlog",
	"policy_rehabilitation_year", "scheduled_rehabilitation_year", "last_rehabilitation_date",
	"scheduled_disposition_year", "disposition_date", "disposition_type",
	"estimated_replacement_cost", "scheduled_replacement_cost",
	"parent_id", "location_comments",
	"created_at", "updated_at",
}

// derivedColumns are the columns written by SaveDerivedState, in the order
// produced by derivedValues.
var derivedColumns = []string{
	"expected_useful_life",
	"reported_condition_type", "reported_condition_rating", "reported_condition_date",
	"estimated_condition_type", "estimated_condition_rating",
	"service_status", "service_status_date",
	"policy_replacement_year", "scheduled_replacement_year", "estimated_replacement_year",
	"replacement_reason_id", "in_backlog",
	"policy_rehabilitation_year", "scheduled_rehabilitation_year", "last_rehabilitation_date",
	"scheduled_disposition_year", "disposition_date", "disposition_type",
	"estimated_replacement_cost", "scheduled_replacement_cost",
	"parent_id", "location_comments",
}

const eventColumns = `id, object_key, asset_id, kind, event_date, comments, created_by, payload, created_at, updated_at`

// latestEventOrder orders events most recent first; ties on the event date
// go to the most recently recorded event.
const latestEventOrder = `event_date DESC, created_at DESC, id DESC`

var comparisonOps = map[string]string{"<": "<", "=": "=", ">": ">"}

// buildAssetSearch renders an asset search for the given placeholder format.
func buildAssetSearch(f AssetFilter, ph sq.PlaceholderFormat) (string, []any, error) {
	q := sq.Select(assetColumns...).From("assets").PlaceholderFormat(ph)

	if len(f.OrganizationIDs) > 0 {
		q = q.Where(sq.Eq{"organization_id": f.OrganizationIDs})
	}
	if f.AssetTypeID > 0 {
		q = q.Where(sq.Eq{"asset_type_id": f.AssetTypeID})
	}
	if f.AssetSubtypeID > 0 {
		q = q.Where(sq.Eq{"asset_subtype_id": f.AssetSubtypeID})
	}
	if f.Class != "" {
		q = q.Where(sq.Eq{"class": string(f.Class)})
	}
	if f.ReportedCondition != "" {
		q = q.Where(sq.Eq{"reported_condition_type": string(f.ReportedCondition)})
	}
	if f.EstimatedCondition != "" {
		q = q.Where(sq.Eq{"estimated_condition_type": string(f.EstimatedCondition)})
	}
	if f.ServiceStatus != "" {
		q = q.Where(sq.Eq{"service_status": string(f.ServiceStatus)})
	}
	if f.InBacklog != nil {
		q = q.Where(sq.Eq{"in_backlog": *f.InBacklog})
	}
	if f.Disposed != nil {
		if *f.Disposed {
			q = q.Where(sq.NotEq{"disposition_date": nil})
		} else {
			q = q.Where(sq.Eq{"disposition_date": nil})
		}
	}
	if kw := strings.TrimSpace(f.Keyword); kw != "" {
		like := "%" + strings.ToLower(kw) + "%"
		q = q.Where(sq.Or{
			sq.Like{"LOWER(asset_tag)": like},
			sq.Like{"LOWER(external_id)": like},
			sq.Like{"LOWER(description)": like},
		})
	}

	var err error
	if q, err = applyComparison(q, "purchase_cost", f.PurchaseCost); err != nil {
		return "", nil, err
	}
	if q, err = applyComparison(q, "scheduled_replacement_year", f.ScheduledReplacementYear); err != nil {
		return "", nil, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q = q.OrderBy("organization_id", "asset_tag").Limit(uint64(limit))
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return "", nil, eris.Wrap(err, "store: build asset search")
	}
	return sql, args, nil
}

func applyComparison(q sq.SelectBuilder, column string, c *Comparison) (sq.SelectBuilder, error) {
	if c == nil {
		return q, nil
	}
	op, ok := comparisonOps[c.Op]
	if !ok {
		return q, eris.Errorf("store: unsupported comparator %q for %s", c.Op, column)
	}
	return q.Where(sq.Expr(column+" "+op+" ?", c.Value)), nil
}
