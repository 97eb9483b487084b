package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/scmreg/scm-registry-server/internal/registry"
	"github.com/scmreg/scm-registry-server/internal/semver"
	"github.com/scmreg/scm-registry-server/internal/versions"
)

// ReleaseListResponse is the ordered release listing for a package
type ReleaseListResponse struct {
	Scope    string   `json:"scope"`
	Name     string   `json:"name"`
	Releases []string `json:"releases"`
	Latest   string   `json:"latest,omitempty"`
}

// ReleaseResponse is the metadata for a single release
type ReleaseResponse struct {
	Scope       string `json:"scope"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Predecessor string `json:"predecessor,omitempty"`
	Successor   string `json:"successor,omitempty"`
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Routes defines the routes for the registry API with dependency injection
type Routes struct {
	service registry.Service
}

// NewRoutes creates a new Routes instance with the provided service
func NewRoutes(svc registry.Service) *Routes {
	return &Routes{
		service: svc,
	}
}

// Router creates a new router for the registry API
func Router(svc registry.Service) http.Handler {
	routes := NewRoutes(svc)

	r := chi.NewRouter()

	r.Get("/{scope}/{name}", routes.listReleases)
	r.Get("/{scope}/{name}/{version}", routes.getRelease)
	r.Get("/{scope}/{name}/{version}/manifest", routes.getManifest)

	// Publishing is deliberately unimplemented; the registry is read-only.
	r.Put("/{scope}/{name}/{version}", notImplemented)

	return r
}

// listReleases handles GET /v1/{scope}/{name}
func (rr *Routes) listReleases(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	name := chi.URLParam(r, "name")

	releases, err := rr.service.ListReleases(r.Context(), scope, name)
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}

	resp := ReleaseListResponse{
		Scope:    scope,
		Name:     name,
		Releases: releases,
	}
	if len(releases) > 0 {
		resp.Latest = releases[len(releases)-1]
	}
	rr.writeJSONResponse(w, resp)
}

// getRelease handles GET /v1/{scope}/{name}/{version}. A version carrying a
// .zip extension selects the source-archive representation.
func (rr *Routes) getRelease(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	name := chi.URLParam(r, "name")
	rawVersion := chi.URLParam(r, "version")

	if wantsArchive := strings.HasSuffix(rawVersion, registry.ArchiveExtension); wantsArchive {
		rr.getArchive(w, r, scope, name, strings.TrimSuffix(rawVersion, registry.ArchiveExtension))
		return
	}

	version, ok := canonicalVersion(rawVersion)
	if !ok {
		rr.writeErrorResponse(w, "invalid version", http.StatusBadRequest)
		return
	}

	exists, err := rr.service.ReleaseExists(r.Context(), scope, name, version)
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}
	if !exists {
		rr.writeErrorResponse(w, "release not found", http.StatusNotFound)
		return
	}

	predecessor, err := rr.service.ReleaseBefore(r.Context(), scope, name, version)
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}
	successor, err := rr.service.ReleaseAfter(r.Context(), scope, name, version)
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}

	rr.writeJSONResponse(w, ReleaseResponse{
		Scope:       scope,
		Name:        name,
		Version:     version,
		Predecessor: predecessor,
		Successor:   successor,
	})
}

// getArchive streams the release's source archive with its digest header.
func (rr *Routes) getArchive(w http.ResponseWriter, r *http.Request, scope, name, rawVersion string) {
	version, ok := canonicalVersion(rawVersion)
	if !ok {
		rr.writeErrorResponse(w, "invalid version", http.StatusBadRequest)
		return
	}

	archive, err := rr.service.GetSourceArchive(r.Context(), scope, name, version)
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Digest", "sha-256="+archive.Checksum)
	http.ServeFile(w, r, archive.Path)
}

// getManifest handles GET /v1/{scope}/{name}/{version}/manifest
func (rr *Routes) getManifest(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	name := chi.URLParam(r, "name")

	version, ok := canonicalVersion(chi.URLParam(r, "version"))
	if !ok {
		rr.writeErrorResponse(w, "invalid version", http.StatusBadRequest)
		return
	}

	contents, err := rr.service.GetReleaseManifest(r.Context(), scope, name, version)
	if err != nil {
		rr.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(contents)
}

// canonicalVersion normalizes the version path component; clients may send
// prefixed forms like v1.2.3.
func canonicalVersion(raw string) (string, bool) {
	return semver.Classify(raw)
}

func notImplemented(w http.ResponseWriter, _ *http.Request) {
	resp := ErrorResponse{Error: "publishing is not supported by this registry"}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotImplemented)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// writeServiceError maps a registry error kind to a protocol status. Backend
// detail stays in the server log; clients get a generic message.
func (rr *Routes) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		rr.writeErrorResponse(w, "package not found", http.StatusNotFound)
	case errors.Is(err, registry.ErrNoSuchRelease):
		rr.writeErrorResponse(w, "release not found", http.StatusNotFound)
	default:
		slog.Error("registry operation failed", "error", err)
		rr.writeErrorResponse(w, "internal server error", http.StatusInternalServerError)
	}
}

// HealthRouter creates a router for health check endpoints
func HealthRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler)

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	info := versions.GetVersionInfo()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(info); err != nil {
		slog.Error("failed to encode version info", "error", err)
	}
}

// writeJSONResponse writes a JSON response with the given data
func (*Routes) writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes a standardized error response
func (*Routes) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	errorResp := ErrorResponse{
		Error: message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(errorResp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
