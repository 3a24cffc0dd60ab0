package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Organization is a tenant owning assets and, optionally, a policy.
type Organization struct {
	ID        int64  `json:"id"`
	ShortName string `json:"short_name"`
	Name      string `json:"name"`
	PolicyID  *int64 `json:"policy_id,omitempty"`
}

// CalculatorKind names a calculator strategy in a policy rule.
type CalculatorKind string

const (
	ServiceLifeAgeOnly         CalculatorKind = "service_life_age_only"
	ServiceLifeConditionOnly   CalculatorKind = "service_life_condition_only"
	ServiceLifeAgeAndCondition CalculatorKind = "service_life_age_and_condition"
	ServiceLifeAgeOrCondition  CalculatorKind = "service_life_age_or_condition"

	ConditionStraightLine CalculatorKind = "straight_line"
	ConditionAgeBased     CalculatorKind = "age_based"

	CostPurchasePrice         CalculatorKind = "purchase_price"
	CostReplacement           CalculatorKind = "replacement_cost"
	CostPurchasePriceInflated CalculatorKind = "purchase_price_inflated"

	RehabilitationYear CalculatorKind = "rehabilitation_year"
)

// DefaultConditionThreshold is the rating below which an asset is considered
// past its useful life when a policy does not set one.
const DefaultConditionThreshold = 2.5

// Policy is an organization's lifecycle policy.
type Policy struct {
	ID                 int64                `json:"id"`
	OrganizationID     int64                `json:"organization_id"`
	Name               string               `json:"name"`
	ConditionThreshold float64              `json:"condition_threshold"`
	InflationRate      decimal.Decimal      `json:"inflation_rate"`
	Rules              map[int64]PolicyRule `json:"rules"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// Threshold returns the condition threshold, falling back to the default.
func (p *Policy) Threshold() float64 {
	if p.ConditionThreshold <= 0 {
		return DefaultConditionThreshold
	}
	return p.ConditionThreshold
}

// PolicyRule holds the lifecycle parameters of one asset subtype.
type PolicyRule struct {
	AssetSubtypeID             int64          `json:"asset_subtype_id" yaml:"asset_subtype_id"`
	ServiceLifeCalculation     CalculatorKind `json:"service_life_calculation" yaml:"service_life_calculation"`
	CostCalculation            CalculatorKind `json:"cost_calculation" yaml:"cost_calculation"`
	ConditionEstimation        CalculatorKind `json:"condition_estimation" yaml:"condition_estimation"`
	RehabilitationCalculation  CalculatorKind `json:"rehabilitation_calculation" yaml:"rehabilitation_calculation"`
	MinServiceLifeMonths       int            `json:"min_service_life_months" yaml:"min_service_life_months"`
	ReplacementCost            int64          `json:"replacement_cost" yaml:"replacement_cost"`
	CostFiscalYear             int            `json:"cost_fiscal_year" yaml:"cost_fiscal_year"`
	RehabilitationServiceMonth int            `json:"rehabilitation_service_month" yaml:"rehabilitation_service_month"`
	ExtendedServiceLifeMonths  int            `json:"extended_service_life_months" yaml:"extended_service_life_months"`
	RehabilitationCost         int64          `json:"rehabilitation_cost" yaml:"rehabilitation_cost"`
}

// Role is a user's permission level within their organizations.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleViewer  Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleViewer:
		return true
	}
	return false
}

// User is an authenticated actor with organization memberships.
type User struct {
	ID              int64   `json:"id"`
	Username        string  `json:"username"`
	Role            Role    `json:"role"`
	OrganizationIDs []int64 `json:"organization_ids"`
}

// UploadStatus is the processing state of an upload.
type UploadStatus string

const (
	UploadPending    UploadStatus = "pending"
	UploadProcessing UploadStatus = "processing"
	UploadComplete   UploadStatus = "complete"
	UploadFailed     UploadStatus = "failed"
)

// Upload records one spreadsheet import.
type Upload struct {
	ID             string       `json:"id"`
	OrganizationID int64        `json:"organization_id"`
	Filename       string       `json:"filename"`
	Path           string       `json:"-"`
	Status         UploadStatus `json:"status"`
	RowsProcessed  int          `json:"rows_processed"`
	RowsFailed     int          `json:"rows_failed"`
	Error          string       `json:"error,omitempty"`
	CreatedBy      string       `json:"created_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}
