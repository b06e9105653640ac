package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"mtx-viewer/internal/pathwatch"
	"mtx-viewer/internal/platform/logger"
	"mtx-viewer/internal/platform/metrics"
	"mtx-viewer/pkg/api"
	"mtx-viewer/pkg/registry"

	"github.com/go-chi/chi/v5"
)

const maxBodySize = 1 << 20

// Routes 返回挂载了所有接口的 chi router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(s.log))
	if s.metrics != nil {
		r.Use(metrics.RequestMiddleware(s.metrics))
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler(s.updateGauges))
	}

	r.Get("/viewers", s.handleListViewers)
	r.Post("/viewers/{transport}/*", s.handleStartViewer)
	r.Delete("/viewers/{transport}/*", s.handleStopViewer)

	r.Get("/paths", s.handleListPaths)
	r.Post("/paths/*", s.handleAddPath)
	r.Delete("/paths/*", s.handleDeletePath)

	r.Get("/ws/events", s.hub.ServeWS)
	return r
}

// -------------------- viewers --------------------

type viewerResponse struct {
	Transport string `json:"transport"`
	Path      string `json:"path"`
}

func (s *Server) handleListViewers(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]string)
	for _, t := range s.Transports() {
		v, _ := s.viewerSet(t)
		names := v.Names()
		if names == nil {
			names = []string{}
		}
		out[t] = names
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStartViewer(w http.ResponseWriter, r *http.Request) {
	v, name, ok := s.viewerTarget(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.startTimeout)
	defer cancel()

	if err := v.start(ctx, name); err != nil {
		if errors.Is(err, registry.ErrSuperseded) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.log.Warn("viewer start failed", "transport", v.Transport(), "path", name, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, viewerResponse{Transport: v.Transport(), Path: name})
}

func (s *Server) handleStopViewer(w http.ResponseWriter, r *http.Request) {
	v, name, ok := s.viewerTarget(w, r)
	if !ok {
		return
	}
	if err := v.Stop(name); err != nil {
		s.log.Warn("viewer stop failed", "transport", v.Transport(), "path", name, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) viewerTarget(w http.ResponseWriter, r *http.Request) (viewerSet, string, bool) {
	transport := chi.URLParam(r, "transport")
	v, ok := s.viewerSet(transport)
	if !ok {
		writeError(w, http.StatusNotFound, "unsupported transport: "+transport)
		return nil, "", false
	}
	name, ok := pathName(w, r)
	if !ok {
		return nil, "", false
	}
	return v, name, true
}

// -------------------- paths --------------------

func (s *Server) handleListPaths(w http.ResponseWriter, r *http.Request) {
	if s.paths == nil {
		writeJSON(w, http.StatusOK, pathwatch.Snapshot{Paths: []pathwatch.PathStatus{}})
		return
	}
	snap := s.paths.Snapshot()
	if snap.Paths == nil {
		snap.Paths = []pathwatch.PathStatus{}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAddPath(w http.ResponseWriter, r *http.Request) {
	name, ok := pathName(w, r)
	if !ok || !s.requireAdmin(w) {
		return
	}
	conf := api.PathConf{}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &conf); err != nil {
			writeError(w, http.StatusBadRequest, "invalid path config: "+err.Error())
			return
		}
	}
	if err := s.admin.AddPath(r.Context(), name, conf); err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.refreshPaths(r.Context())
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (s *Server) handleDeletePath(w http.ResponseWriter, r *http.Request) {
	name, ok := pathName(w, r)
	if !ok || !s.requireAdmin(w) {
		return
	}
	if err := s.admin.DeletePath(r.Context(), name); err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.refreshPaths(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireAdmin(w http.ResponseWriter) bool {
	if s.admin == nil {
		writeError(w, http.StatusServiceUnavailable, "path administration is not configured")
		return false
	}
	return true
}

func (s *Server) refreshPaths(ctx context.Context) {
	if s.paths != nil {
		_ = s.paths.Refresh(ctx)
	}
}

func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	if s.metrics != nil {
		s.metrics.IncAPIErrors()
	}
	var rerr *api.RequestError
	switch {
	case errors.Is(err, api.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "media server rejected the credentials")
	case errors.Is(err, api.ErrNotFound):
		writeError(w, http.StatusNotFound, "path not found")
	case errors.As(err, &rerr):
		writeError(w, http.StatusBadGateway, rerr.Message)
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// -------------------- helpers --------------------

// pathName 取出通配部分作为 path 名称，名称里可以有 "/"
func pathName(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "*")
	name, err := url.PathUnescape(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path name")
		return "", false
	}
	name = strings.Trim(name, "/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "path name required")
		return "", false
	}
	return name, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
