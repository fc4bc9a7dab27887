package mgmt

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/julienschmidt/httprouter"

	"github.com/l8e-harbor/l8e-harbor/internal/auth"
	herrors "github.com/l8e-harbor/l8e-harbor/internal/errors"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

const routeRoleDetail = "harbor-master role required for route management"

func (a *API) handleListRoutes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	routes, err := a.store.List(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}

	pathFilter := r.URL.Query().Get("path")
	backendFilter := r.URL.Query().Get("backend")

	filtered := make([]*model.Route, 0, len(routes))
	for _, route := range routes {
		if pathFilter != "" && !strings.HasPrefix(route.Path, pathFilter) {
			continue
		}
		if backendFilter != "" && !routeHasBackendPrefix(route, backendFilter) {
			continue
		}
		filtered = append(filtered, route)
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": filtered})
}

func routeHasBackendPrefix(route *model.Route, prefix string) bool {
	for _, b := range route.Backends {
		if strings.HasPrefix(b.URL, prefix) {
			return true
		}
	}
	return false
}

func (a *API) handleGetRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	route, err := a.store.Get(r.Context(), id)
	if err != nil {
		if herrors.Is(err, herrors.ErrNotFound) {
			a.writeErr(w, herrors.NotFound("Route '%s' not found", id))
			return
		}
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (a *API) handlePutRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if _, ok := requireHarborMaster(w, r, routeRoleDetail); !ok {
		return
	}

	var route model.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		a.writeErr(w, herrors.Newf(http.StatusBadRequest, "Invalid route document: %v", err))
		return
	}
	route.ID = ps.ByName("id")

	if err := route.Validate(); err != nil {
		a.writeErr(w, err)
		return
	}

	now := time.Now().UTC()
	if existing, err := a.store.Get(r.Context(), route.ID); err == nil {
		route.CreatedAt = existing.CreatedAt
	} else {
		route.CreatedAt = now
	}
	route.UpdatedAt = now

	if _, err := a.store.Put(r.Context(), &route); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &route)
}

func (a *API) handleDeleteRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if _, ok := requireHarborMaster(w, r, routeRoleDetail); !ok {
		return
	}

	id := ps.ByName("id")
	if err := a.store.Delete(r.Context(), id); err != nil {
		if herrors.Is(err, herrors.ErrNotFound) {
			a.writeErr(w, herrors.NotFound("Route '%s' not found", id))
			return
		}
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Route '" + id + "' deleted successfully",
	})
}

// bulkResult is one row of the bulk-apply response.
type bulkResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// handleBulkApply upserts a list of route documents. Ids derive from the
// path; failures are per-item, the call itself returns 200.
func (a *API) handleBulkApply(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireHarborMaster(w, r, routeRoleDetail); !ok {
		return
	}

	var docs []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&docs); err != nil {
		a.writeErr(w, herrors.Newf(http.StatusBadRequest, "Invalid route list: %v", err))
		return
	}

	now := time.Now().UTC()
	results := make([]bulkResult, 0, len(docs))
	for _, doc := range docs {
		var route model.Route
		if err := json.Unmarshal(doc, &route); err != nil {
			results = append(results, bulkResult{Status: "error", Detail: err.Error()})
			continue
		}
		route.ID = routeIDFromPath(route.Path)

		if err := route.Validate(); err != nil {
			results = append(results, bulkResult{ID: route.ID, Status: "error", Detail: err.Error()})
			continue
		}

		if existing, err := a.store.Get(r.Context(), route.ID); err == nil {
			route.CreatedAt = existing.CreatedAt
		} else {
			route.CreatedAt = now
		}
		route.UpdatedAt = now

		created, err := a.store.Put(r.Context(), &route)
		if err != nil {
			results = append(results, bulkResult{ID: route.ID, Status: "error", Detail: err.Error()})
			continue
		}
		status := "updated"
		if created {
			status = "created"
		}
		results = append(results, bulkResult{ID: route.ID, Status: status})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// routeIDFromPath derives a stable id from a route path: slashes become
// underscores, the root path becomes "root".
func routeIDFromPath(path string) string {
	id := strings.Trim(strings.ReplaceAll(path, "/", "_"), "_")
	if id == "" {
		return "root"
	}
	return id
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	routes, err := a.store.List(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}

	exportedBy := ""
	if ac, ok := auth.FromContext(r.Context()); ok {
		exportedBy = ac.Subject
	}

	doc := model.RouteList{
		APIVersion: "harbor.l8e/v1",
		Kind:       "RouteList",
		Metadata: model.ExportMetadata{
			ExportedAt: time.Now().UTC().Format(time.RFC3339),
			ExportedBy: exportedBy,
		},
		Items: routes,
	}

	if r.URL.Query().Get("format") == "yaml" {
		out, err := yaml.Marshal(doc)
		if err != nil {
			a.writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/x-yaml")
		w.WriteHeader(http.StatusOK)
		w.Write(out)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
