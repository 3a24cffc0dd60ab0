package policy

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/transam/sogr/internal/calculator"
	"github.com/transam/sogr/internal/model"
)

// File is a YAML policy definition covering one or more organizations.
type File struct {
	Organizations []OrganizationEntry `yaml:"organizations"`
}

// OrganizationEntry declares an organization and, optionally, its policy.
type OrganizationEntry struct {
	ShortName string      `yaml:"short_name"`
	Name      string      `yaml:"name"`
	Policy    *PolicyEntry `yaml:"policy"`
}

// PolicyEntry declares a policy. InflationRate is kept as text so the
// decimal value is exact.
type PolicyEntry struct {
	Name               string             `yaml:"name"`
	ConditionThreshold float64            `yaml:"condition_threshold"`
	InflationRate      string             `yaml:"inflation_rate"`
	Rules              []model.PolicyRule `yaml:"rules"`
}

// ParseFile reads and validates a policy file.
func ParseFile(path string, reg *calculator.Registry) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "policy: read %s", path)
	}
	f, err := Parse(data, reg)
	if err != nil {
		return nil, eris.Wrapf(err, "policy: parse %s", path)
	}
	return f, nil
}

// Parse decodes a policy file and rejects invalid definitions, including
// rules naming calculators the registry does not know.
func Parse(data []byte, reg *calculator.Registry) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "policy: decode yaml")
	}
	if len(f.Organizations) == 0 {
		return nil, eris.New("policy: file declares no organizations")
	}

	seen := make(map[string]bool, len(f.Organizations))
	for _, o := range f.Organizations {
		if o.ShortName == "" {
			return nil, eris.New("policy: organization short_name is required")
		}
		if seen[o.ShortName] {
			return nil, eris.Errorf("policy: organization %s declared twice", o.ShortName)
		}
		seen[o.ShortName] = true
		if o.Policy == nil {
			continue
		}
		if _, err := o.Policy.toModel(reg); err != nil {
			return nil, eris.Wrapf(err, "policy: organization %s", o.ShortName)
		}
	}
	return &f, nil
}

func (s *PolicyEntry) toModel(reg *calculator.Registry) (*model.Policy, error) {
	if s.ConditionThreshold < 0 || s.ConditionThreshold >= model.MaxRating {
		return nil, eris.Errorf("condition_threshold %.2f must be in [0, 5)", s.ConditionThreshold)
	}
	rate := decimal.Zero
	if s.InflationRate != "" {
		var err error
		rate, err = decimal.NewFromString(s.InflationRate)
		if err != nil {
			return nil, eris.Wrapf(err, "inflation_rate %q", s.InflationRate)
		}
		if rate.IsNegative() {
			return nil, eris.Errorf("inflation_rate %s must be >= 0", rate)
		}
	}

	p := &model.Policy{
		Name:               s.Name,
		ConditionThreshold: s.ConditionThreshold,
		InflationRate:      rate,
		Rules:              make(map[int64]model.PolicyRule, len(s.Rules)),
	}
	for _, r := range s.Rules {
		if r.AssetSubtypeID <= 0 {
			return nil, eris.New("rule asset_subtype_id is required")
		}
		if _, dup := p.Rules[r.AssetSubtypeID]; dup {
			return nil, eris.Errorf("subtype %d has more than one rule", r.AssetSubtypeID)
		}
		if r.MinServiceLifeMonths <= 0 {
			return nil, eris.Errorf("subtype %d: min_service_life_months must be > 0", r.AssetSubtypeID)
		}
		if err := reg.ValidateRule(r); err != nil {
			return nil, eris.Wrapf(err, "subtype %d", r.AssetSubtypeID)
		}
		p.Rules[r.AssetSubtypeID] = r
	}
	return p, nil
}

// Writer is the subset of the store the loader writes through.
type Writer interface {
	SaveOrganization(ctx context.Context, org *model.Organization) error
	SavePolicy(ctx context.Context, p *model.Policy) error
}

// LoadResult summarizes a load.
type LoadResult struct {
	Organizations int
	Policies      int
	Rules         int
	// OrganizationIDs lists every organization whose policy was written.
	OrganizationIDs []int64
}

// Loader upserts policy files into the store and drops stale cache entries.
type Loader struct {
	w        Writer
	reg      *calculator.Registry
	resolver *Resolver
}

// NewLoader creates a Loader. resolver may be nil when nothing is cached.
func NewLoader(w Writer, reg *calculator.Registry, resolver *Resolver) *Loader {
	return &Loader{w: w, reg: reg, resolver: resolver}
}

// Load upserts every organization and policy in f.
func (l *Loader) Load(ctx context.Context, f *File) (*LoadResult, error) {
	res := &LoadResult{}
	for _, entry := range f.Organizations {
		org := &model.Organization{ShortName: entry.ShortName, Name: entry.Name}
		if org.Name == "" {
			org.Name = entry.ShortName
		}
		if err := l.w.SaveOrganization(ctx, org); err != nil {
			return res, eris.Wrapf(err, "policy: save organization %s", entry.ShortName)
		}
		res.Organizations++

		if entry.Policy == nil {
			continue
		}
		p, err := entry.Policy.toModel(l.reg)
		if err != nil {
			return res, eris.Wrapf(err, "policy: organization %s", entry.ShortName)
		}
		p.OrganizationID = org.ID
		if p.Name == "" {
			p.Name = entry.ShortName + " policy"
		}
		if err := l.w.SavePolicy(ctx, p); err != nil {
			return res, eris.Wrapf(err, "policy: save policy for %s", entry.ShortName)
		}
		res.Policies++
		res.Rules += len(p.Rules)
		res.OrganizationIDs = append(res.OrganizationIDs, org.ID)

		zap.L().Info("policy: loaded",
			zap.String("organization", entry.ShortName),
			zap.Int64("policy_id", p.ID),
			zap.Int("rules", len(p.Rules)),
		)
	}

	if l.resolver != nil && len(res.OrganizationIDs) > 0 {
		if err := l.resolver.Invalidate(ctx, res.OrganizationIDs...); err != nil {
			return res, err
		}
	}
	return res, nil
}
