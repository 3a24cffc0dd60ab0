// Package authz decides whether a user may view or manage an
// organization's assets. Roles are granted per organization domain.
package authz

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transam/sogr/internal/model"
)

// Objects and actions checked by the API.
const (
	ObjectAsset  = "asset"
	ObjectUpload = "upload"

	ActionView   = "view"
	ActionManage = "manage"
)

const rbacModel = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub, r.dom) && r.obj == p.obj && r.act == p.act
`

// rolePolicies grants each role its object actions in every domain the
// role is held in.
var rolePolicies = [][]string{
	{string(model.RoleAdmin), ObjectAsset, ActionView},
	{string(model.RoleAdmin), ObjectAsset, ActionManage},
	{string(model.RoleAdmin), ObjectUpload, ActionManage},
	{string(model.RoleManager), ObjectAsset, ActionView},
	{string(model.RoleManager), ObjectAsset, ActionManage},
	{string(model.RoleManager), ObjectUpload, ActionManage},
	{string(model.RoleViewer), ObjectAsset, ActionView},
}

// Authorizer enforces role grants with casbin. Users are synced into the
// enforcer lazily whenever their role or memberships change.
type Authorizer struct {
	mu       sync.Mutex
	enforcer *casbin.Enforcer
	synced   map[string]string
}

// New builds an Authorizer with the built-in role model.
func New() (*Authorizer, error) {
	m, err := casbinmodel.NewModelFromString(rbacModel)
	if err != nil {
		return nil, eris.Wrap(err, "authz: parse model")
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, eris.Wrap(err, "authz: create enforcer")
	}
	if _, err := e.AddPolicies(rolePolicies); err != nil {
		return nil, eris.Wrap(err, "authz: add role policies")
	}
	return &Authorizer{enforcer: e, synced: make(map[string]string)}, nil
}

// CanView reports whether u may read the asset.
func (a *Authorizer) CanView(u *model.User, asset *model.Asset) bool {
	return a.allowed(u, asset.OrganizationID, ObjectAsset, ActionView)
}

// CanManage reports whether u may record events on or recalculate the
// asset.
func (a *Authorizer) CanManage(u *model.User, asset *model.Asset) bool {
	return a.allowed(u, asset.OrganizationID, ObjectAsset, ActionManage)
}

// CanUpload reports whether u may import spreadsheets for an organization.
func (a *Authorizer) CanUpload(u *model.User, organizationID int64) bool {
	return a.allowed(u, organizationID, ObjectUpload, ActionManage)
}

// ViewableOrganizations returns the organizations whose assets u may read.
func (a *Authorizer) ViewableOrganizations(u *model.User) []int64 {
	var out []int64
	if u == nil {
		return out
	}
	for _, id := range u.OrganizationIDs {
		if a.allowed(u, id, ObjectAsset, ActionView) {
			out = append(out, id)
		}
	}
	return out
}

func (a *Authorizer) allowed(u *model.User, organizationID int64, obj, act string) bool {
	if u == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.sync(u); err != nil {
		zap.L().Error("authz: sync user", zap.String("user", u.Username), zap.Error(err))
		return false
	}
	ok, err := a.enforcer.Enforce(subject(u), domain(organizationID), obj, act)
	if err != nil {
		zap.L().Error("authz: enforce",
			zap.String("user", u.Username),
			zap.Int64("organization", organizationID),
			zap.Error(err),
		)
		return false
	}
	return ok
}

// sync replaces the user's role assignments when they differ from the last
// synced set.
func (a *Authorizer) sync(u *model.User) error {
	fp := fingerprint(u)
	if a.synced[u.Username] == fp {
		return nil
	}

	sub := subject(u)
	if _, err := a.enforcer.RemoveFilteredGroupingPolicy(0, sub); err != nil {
		return eris.Wrapf(err, "authz: clear roles of %s", u.Username)
	}
	if u.Role.Valid() && len(u.OrganizationIDs) > 0 {
		rules := make([][]string, 0, len(u.OrganizationIDs))
		for _, id := range u.OrganizationIDs {
			rules = append(rules, []string{sub, string(u.Role), domain(id)})
		}
		if _, err := a.enforcer.AddGroupingPolicies(rules); err != nil {
			return eris.Wrapf(err, "authz: grant roles to %s", u.Username)
		}
	}
	a.synced[u.Username] = fp
	return nil
}

func subject(u *model.User) string {
	return "user:" + u.Username
}

func domain(organizationID int64) string {
	return fmt.Sprintf("org:%d", organizationID)
}

func fingerprint(u *model.User) string {
	ids := make([]string, len(u.OrganizationIDs))
	for i, id := range u.OrganizationIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	sort.Strings(ids)
	return string(u.Role) + "|" + strings.Join(ids, ",")
}
