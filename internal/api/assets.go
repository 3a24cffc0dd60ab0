package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transam/sogr/internal/cache"
	"github.com/transam/sogr/internal/model"
	"github.com/transam/sogr/internal/store"
)

const maxPageSize = 500

func (s *Server) searchAssets(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	filter, err := parseAssetFilter(r.URL.Query())
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	viewable := s.authz.ViewableOrganizations(u)
	if len(filter.OrganizationIDs) == 0 {
		filter.OrganizationIDs = viewable
	} else {
		allowed := make(map[int64]bool, len(viewable))
		for _, id := range viewable {
			allowed[id] = true
		}
		for _, id := range filter.OrganizationIDs {
			if !allowed[id] {
				writeMessage(w, http.StatusForbidden, "organization "+strconv.FormatInt(id, 10)+" is not viewable")
				return
			}
		}
	}
	if len(filter.OrganizationIDs) == 0 {
		writeJSON(w, http.StatusOK, []model.Asset{})
		return
	}

	assets, err := s.store.SearchAssets(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// getAsset serves the asset read model through the cache. The engine
// invalidates the entry on every recalculation.
func (s *Server) getAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")

	if body, ok, err := s.cache.Get(ctx, cache.AssetKey(key)); err == nil && ok {
		var a model.Asset
		if err := json.Unmarshal(body, &a); err == nil {
			if !s.authz.CanView(userFrom(ctx), &a) {
				writeMessage(w, http.StatusForbidden, "forbidden")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(body) //nolint:errcheck
			return
		}
	}

	a, ok := s.asset(w, r, false)
	if !ok {
		return
	}
	body, err := json.Marshal(a)
	if err != nil {
		writeError(w, r, eris.Wrap(err, "api: encode asset"))
		return
	}
	if err := s.cache.Set(ctx, cache.AssetKey(key), body, s.cacheTTL); err != nil {
		zap.L().Warn("api: cache asset", zap.String("asset", key), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body) //nolint:errcheck
}

func (s *Server) recalculate(w http.ResponseWriter, r *http.Request) {
	a, ok := s.asset(w, r, true)
	if !ok {
		return
	}
	if err := s.jobs.Enqueue(r.Context(), a.ObjectKey); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"asset":  a.ObjectKey,
	})
}

// asset loads the {key} asset and checks the caller may view it, or manage
// it when manage is set. It writes the error response itself.
func (s *Server) asset(w http.ResponseWriter, r *http.Request, manage bool) (*model.Asset, bool) {
	a, err := s.store.GetAsset(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	u := userFrom(r.Context())
	allowed := s.authz.CanView(u, a)
	if manage {
		allowed = s.authz.CanManage(u, a)
	}
	if !allowed {
		writeMessage(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return a, true
}

func parseAssetFilter(q url.Values) (store.AssetFilter, error) {
	var f store.AssetFilter
	for _, raw := range q["organization_id"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, eris.Errorf("invalid organization_id %q", raw)
		}
		f.OrganizationIDs = append(f.OrganizationIDs, id)
	}

	var err error
	if f.AssetTypeID, err = int64Param(q, "asset_type_id"); err != nil {
		return f, err
	}
	if f.AssetSubtypeID, err = int64Param(q, "asset_subtype_id"); err != nil {
		return f, err
	}
	if v := q.Get("class"); v != "" {
		if f.Class, err = model.ParseAssetClass(v); err != nil {
			return f, eris.Errorf("invalid class %q", v)
		}
	}
	if f.InBacklog, err = boolParam(q, "in_backlog"); err != nil {
		return f, err
	}
	if f.Disposed, err = boolParam(q, "disposed"); err != nil {
		return f, err
	}
	f.ReportedCondition = model.ConditionType(q.Get("reported_condition"))
	f.EstimatedCondition = model.ConditionType(q.Get("estimated_condition"))
	f.ServiceStatus = model.ServiceStatus(q.Get("service_status"))
	f.Keyword = q.Get("keyword")

	limit, err := int64Param(q, "limit")
	if err != nil {
		return f, err
	}
	offset, err := int64Param(q, "offset")
	if err != nil {
		return f, err
	}
	if limit < 0 || offset < 0 {
		return f, eris.New("limit and offset must not be negative")
	}
	f.Limit, f.Offset = int(min(limit, maxPageSize)), int(offset)
	if f.Limit == 0 {
		f.Limit = 100
	}
	return f, nil
}

func int64Param(q url.Values, name string) (int64, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, eris.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

func boolParam(q url.Values, name string) (*bool, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, eris.Errorf("invalid %s %q", name, v)
	}
	return &b, nil
}
