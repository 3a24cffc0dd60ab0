package importer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tealeg/xlsx/v2"

	"github.com/transam/sogr/internal/model"
)

// Sheet and column names after folding.
const (
	sheetAssets = "assets"
	sheetEvents = "events"

	colAssetTag       = "asset_tag"
	colClass          = "class"
	colAssetType      = "asset_type_id"
	colAssetSubtype   = "asset_subtype_id"
	colExternalID     = "external_id"
	colDescription    = "description"
	colManufacture    = "manufacture_year"
	colPurchaseCost   = "purchase_cost"
	colPurchaseDate   = "purchase_date"
	colInServiceDate  = "in_service_date"
	colPurchasedNew   = "purchased_new"
	colEventType      = "event_type"
	colEventDate      = "event_date"
	colComments       = "comments"
	colRating         = "assessed_rating"
	colServiceStatus  = "service_status"
	colParentTag      = "parent_tag"
	colDisposition    = "disposition_type"
	colReplaceYear    = "replacement_year"
	colReplaceReason  = "replacement_reason_id"
	colRebuildYear    = "rebuild_year"
	colDisposeYear    = "disposition_year"
	colTotalCost      = "total_cost"
	colExtendedMonths = "extended_life_months"
	colSupersededBy   = "superseded_by_tag"
)

var dateLayouts = []string{"2006-01-02", "01/02/2006", "1/2/2006", "2006/01/02", time.RFC3339}

// RowError reports one spreadsheet row that was skipped.
type RowError struct {
	Sheet  string `json:"sheet"`
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("%s row %d: %s", e.Sheet, e.Row, e.Reason)
}

// parser accumulates the first conversion error of a row.
type parser struct {
	r   row
	err error
}

func (p *parser) fail(column, format string, args ...any) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: %s", column, fmt.Sprintf(format, args...))
	}
}

func (p *parser) str(column string) string { return p.r.get(column) }

func (p *parser) whole(column string) int64 {
	v := p.r.get(column)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64)
	if err != nil || f != float64(int64(f)) {
		p.fail(column, "%q is not a whole number", v)
		return 0
	}
	return int64(f)
}

func (p *parser) optInt(column string) *int {
	if p.r.get(column) == "" {
		return nil
	}
	n := int(p.whole(column))
	return &n
}

func (p *parser) optInt64(column string) *int64 {
	if p.r.get(column) == "" {
		return nil
	}
	n := p.whole(column)
	return &n
}

func (p *parser) optFloat(column string) *float64 {
	v := p.r.get(column)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(column, "%q is not a number", v)
		return nil
	}
	return &f
}

func (p *parser) flag(column string) bool {
	switch normalize(p.r.get(column)) {
	case "", "0", "n", "no", "false":
		return false
	case "1", "y", "yes", "true":
		return true
	default:
		p.fail(column, "%q is not yes or no", p.r.get(column))
		return false
	}
}

// date accepts text dates and Excel serial numbers.
func (p *parser) date(column string) *time.Time {
	v := p.r.get(column)
	if v == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return model.DatePtr(t.Year(), t.Month(), t.Day())
		}
	}
	if serial, err := strconv.ParseFloat(v, 64); err == nil && serial > 0 {
		t := xlsx.TimeFromExcelTime(serial, false)
		return model.DatePtr(t.Year(), t.Month(), t.Day())
	}
	p.fail(column, "%q is not a date", v)
	return nil
}

// parseAsset converts an assets row. The result is validated like a user
// edit.
func parseAsset(r row, organizationID int64) (*model.Asset, error) {
	p := &parser{r: r}
	class, err := model.ParseAssetClass(normalize(p.str(colClass)))
	if err != nil {
		return nil, err
	}

	a := &model.Asset{
		OrganizationID:  organizationID,
		AssetTypeID:     p.whole(colAssetType),
		AssetSubtypeID:  p.whole(colAssetSubtype),
		Class:           class,
		AssetTag:        p.str(colAssetTag),
		ExternalID:      p.str(colExternalID),
		Description:     p.str(colDescription),
		ManufactureYear: int(p.whole(colManufacture)),
		PurchaseCost:    p.whole(colPurchaseCost),
		PurchaseDate:    p.date(colPurchaseDate),
		InServiceDate:   p.date(colInServiceDate),
		PurchasedNew:    p.flag(colPurchasedNew),
	}
	if p.err != nil {
		return nil, p.err
	}
	a.Cleanse()
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// eventRow is an events row before its asset is resolved.
type eventRow struct {
	Number    int
	AssetTag  string
	ParentTag string
	Event     *model.AssetEvent
}

// parseKind accepts full kind names and their short form, e.g.
// "condition" for condition_update.
func parseKind(s string) (model.EventKind, error) {
	s = normalize(s)
	if !strings.HasSuffix(s, "_update") {
		s += "_update"
	}
	return model.ParseEventKind(s)
}

func parseEvent(r row, createdBy string) (*eventRow, error) {
	p := &parser{r: r}
	tag := p.str(colAssetTag)
	if tag == "" {
		return nil, fmt.Errorf("%s is required", colAssetTag)
	}
	kind, err := parseKind(p.str(colEventType))
	if err != nil {
		return nil, err
	}

	ev := &model.AssetEvent{
		Kind:      kind,
		Comments:  p.str(colComments),
		CreatedBy: createdBy,
		Payload: model.EventPayload{
			AssessedRating:      p.optFloat(colRating),
			ServiceStatus:       model.ServiceStatus(strings.ToUpper(p.str(colServiceStatus))),
			DispositionType:     model.DispositionType(strings.ToUpper(p.str(colDisposition))),
			ReplacementYear:     p.optInt(colReplaceYear),
			ReplacementReasonID: p.optInt(colReplaceReason),
			RebuildYear:         p.optInt(colRebuildYear),
			DispositionYear:     p.optInt(colDisposeYear),
			TotalCost:           p.optInt64(colTotalCost),
			ExtendedLifeMonths:  p.optInt(colExtendedMonths),
		},
	}
	if d := p.date(colEventDate); d != nil {
		ev.EventDate = *d
	}
	if p.err != nil {
		return nil, p.err
	}
	return &eventRow{Number: r.Number, AssetTag: tag, ParentTag: p.str(colParentTag), Event: ev}, nil
}
