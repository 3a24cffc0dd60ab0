package store

import (
	"context"
	"errors"
	"time"

	"github.com/transam/sogr/internal/model"
	"github.com/transam/sogr/internal/resilience"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrEventMismatch is returned when an event update would move the event
	// to another asset or change its kind.
	ErrEventMismatch = errors.New("store: event does not belong to asset")
)

// Comparison is a numeric filter with an operator of "<", "=" or ">".
type Comparison struct {
	Op    string `json:"op"`
	Value int64  `json:"value"`
}

// AssetFilter specifies criteria for searching assets.
type AssetFilter struct {
	OrganizationIDs          []int64             `json:"organization_ids,omitempty"`
	AssetTypeID              int64               `json:"asset_type_id,omitempty"`
	AssetSubtypeID           int64               `json:"asset_subtype_id,omitempty"`
	Class                    model.AssetClass    `json:"class,omitempty"`
	ReportedCondition        model.ConditionType `json:"reported_condition,omitempty"`
	EstimatedCondition       model.ConditionType `json:"estimated_condition,omitempty"`
	ServiceStatus            model.ServiceStatus `json:"service_status,omitempty"`
	InBacklog                *bool               `json:"in_backlog,omitempty"`
	Disposed                 *bool               `json:"disposed,omitempty"`
	Keyword                  string              `json:"keyword,omitempty"`
	PurchaseCost             *Comparison         `json:"purchase_cost,omitempty"`
	ScheduledReplacementYear *Comparison         `json:"scheduled_replacement_year,omitempty"`
	Limit                    int                 `json:"limit,omitempty"`
	Offset                   int                 `json:"offset,omitempty"`
}

// UpsertedAsset reports one asset written by UpsertAssets.
type UpsertedAsset struct {
	ObjectKey string
	AssetTag  string
	Created   bool
}

// AssetCounts summarizes the inventory for monitoring.
type AssetCounts struct {
	Total     int `json:"total"`
	InBacklog int `json:"in_backlog"`
	Disposed  int `json:"disposed"`
}

// Store defines the persistence interface for the SOGR engine.
type Store interface {
	// Assets
	GetAsset(ctx context.Context, objectKey string) (*model.Asset, error)
	LockAsset(ctx context.Context, objectKey string) (*model.Asset, error)
	CreateAsset(ctx context.Context, a *model.Asset) error
	UpdateAsset(ctx context.Context, a *model.Asset) error
	SaveDerivedState(ctx context.Context, assetID int64, state model.DerivedState) error
	SetSupersededBy(ctx context.Context, assetID int64, successorID *int64) error
	SearchAssets(ctx context.Context, filter AssetFilter) ([]model.Asset, error)
	ListAssetKeys(ctx context.Context, organizationID int64) ([]string, error)
	ListAssetLinks(ctx context.Context, organizationID int64) ([]model.Link, error)
	UpsertAssets(ctx context.Context, assets []*model.Asset) ([]UpsertedAsset, error)
	CountAssets(ctx context.Context) (AssetCounts, error)

	// Events
	LatestEvent(ctx context.Context, assetID int64, kind model.EventKind) (*model.AssetEvent, error)
	ListEvents(ctx context.Context, assetID int64, filter model.EventFilter) ([]model.AssetEvent, error)
	GetEvent(ctx context.Context, objectKey string) (*model.AssetEvent, error)
	CreateEvent(ctx context.Context, e *model.AssetEvent) error
	UpdateEvent(ctx context.Context, e *model.AssetEvent) error
	DeleteEvent(ctx context.Context, objectKey string) error
	InsertEvents(ctx context.Context, events []*model.AssetEvent) (int64, error)

	// Organizations and policies
	GetOrganization(ctx context.Context, id int64) (*model.Organization, error)
	GetOrganizationByShortName(ctx context.Context, shortName string) (*model.Organization, error)
	SaveOrganization(ctx context.Context, org *model.Organization) error
	GetPolicy(ctx context.Context, id int64) (*model.Policy, error)
	SavePolicy(ctx context.Context, p *model.Policy) error

	// Users
	GetUser(ctx context.Context, username string) (*model.User, error)
	SaveUser(ctx context.Context, u *model.User) error

	// Uploads
	CreateUpload(ctx context.Context, u *model.Upload) error
	GetUpload(ctx context.Context, id string) (*model.Upload, error)
	UpdateUpload(ctx context.Context, u *model.Upload) error

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	WithinTx(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
