// Package policy resolves the lifecycle policy governing an asset and loads
// policy definitions from YAML files.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transam/sogr/internal/cache"
	"github.com/transam/sogr/internal/model"
	"github.com/transam/sogr/internal/store"
)

// ErrNoPolicyRule is returned when a policy has no rule for a subtype.
var ErrNoPolicyRule = errors.New("policy: no rule for asset subtype")

// NotFoundError reports an organization without a configured policy. It is
// fatal for the recalculation of that organization's assets.
type NotFoundError struct {
	OrganizationID int64
	PolicyID       *int64
}

func (e *NotFoundError) Error() string {
	if e.PolicyID != nil {
		return fmt.Sprintf("policy: organization %d references missing policy %d", e.OrganizationID, *e.PolicyID)
	}
	return fmt.Sprintf("policy: organization %d has no policy", e.OrganizationID)
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Source is the subset of the store the resolver reads from.
type Source interface {
	GetOrganization(ctx context.Context, id int64) (*model.Organization, error)
	GetPolicy(ctx context.Context, id int64) (*model.Policy, error)
}

// Resolver finds an asset's governing policy: asset, then organization,
// then the organization's configured policy. Results are cached per
// organization.
type Resolver struct {
	src   Source
	cache cache.Cache
	ttl   time.Duration
}

// NewResolver creates a Resolver. A nil cache disables caching.
func NewResolver(src Source, c cache.Cache, ttl time.Duration) *Resolver {
	if c == nil {
		c = cache.Nop{}
	}
	return &Resolver{src: src, cache: c, ttl: ttl}
}

// Resolve returns the policy governing the asset.
func (r *Resolver) Resolve(ctx context.Context, a *model.Asset) (*model.Policy, error) {
	return r.ForOrganization(ctx, a.OrganizationID)
}

// ForOrganization returns the organization's configured policy.
func (r *Resolver) ForOrganization(ctx context.Context, organizationID int64) (*model.Policy, error) {
	key := cache.PolicyKey(organizationID)
	if p, ok := r.cached(ctx, key); ok {
		return p, nil
	}

	org, err := r.src.GetOrganization(ctx, organizationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{OrganizationID: organizationID}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "policy: load organization %d", organizationID)
	}
	if org.PolicyID == nil {
		return nil, &NotFoundError{OrganizationID: organizationID}
	}

	p, err := r.src.GetPolicy(ctx, *org.PolicyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{OrganizationID: organizationID, PolicyID: org.PolicyID}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "policy: load policy %d", *org.PolicyID)
	}

	if data, err := json.Marshal(p); err == nil {
		if err := r.cache.Set(ctx, key, data, r.ttl); err != nil {
			zap.L().Warn("policy: cache write failed", zap.Int64("organization", organizationID), zap.Error(err))
		}
	}
	return p, nil
}

func (r *Resolver) cached(ctx context.Context, key string) (*model.Policy, bool) {
	data, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		zap.L().Warn("policy: cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var p model.Policy
	if err := json.Unmarshal(data, &p); err != nil {
		zap.L().Warn("policy: discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &p, true
}

// Invalidate drops the cached policy of each organization.
func (r *Resolver) Invalidate(ctx context.Context, organizationIDs ...int64) error {
	keys := make([]string, len(organizationIDs))
	for i, id := range organizationIDs {
		keys[i] = cache.PolicyKey(id)
	}
	return eris.Wrap(r.cache.Invalidate(ctx, keys...), "policy: invalidate cache")
}

// Rule returns the policy's rule for an asset subtype.
func Rule(p *model.Policy, subtypeID int64) (model.PolicyRule, error) {
	rule, ok := p.Rules[subtypeID]
	if !ok {
		return model.PolicyRule{}, eris.Wrapf(ErrNoPolicyRule, "policy %d subtype %d", p.ID, subtypeID)
	}
	return rule, nil
}
