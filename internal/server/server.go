package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/log"

	"github.com/dockgen/dockgen/internal/builder"
	"github.com/dockgen/dockgen/internal/config"
	"github.com/dockgen/dockgen/internal/lint"
	"github.com/dockgen/dockgen/internal/metrics"
	"github.com/dockgen/dockgen/internal/orchestrator"
	"github.com/dockgen/dockgen/internal/queue"
	"github.com/dockgen/dockgen/internal/repoctx"
	"github.com/dockgen/dockgen/internal/template"
)

type API struct {
	cfg     config.Config
	manager *queue.Manager
	images  builder.Images
	metrics *metrics.Metrics
	mux     *http.ServeMux

	// hadolint is nil unless the config names a binary.
	hadolint *lint.Hadolint
}

func New(cfg config.Config, manager *queue.Manager, images builder.Images, m *metrics.Metrics) *API {
	a := &API{cfg: cfg, manager: manager, images: images, metrics: m, mux: http.NewServeMux()}
	if cfg.HadolintBin != "" {
		a.hadolint = lint.NewHadolint(cfg.HadolintBin, nil)
	}
	a.routes()
	return a
}

func (a *API) Handler() http.Handler {
	return a.logRequests(a.mux)
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.Handle("GET /metrics", a.allowlisted(a.metrics.Handler()))
	a.mux.Handle("POST /v1/validate", a.guard(http.HandlerFunc(a.handleValidate)))
	a.mux.Handle("POST /v1/templates", a.guard(http.HandlerFunc(a.handleTemplate)))
	a.mux.Handle("POST /v1/builds", a.guard(http.HandlerFunc(a.handleSubmitBuild)))
	a.mux.Handle("GET /v1/builds", a.guard(http.HandlerFunc(a.handleListBuilds)))
	a.mux.Handle("GET /v1/builds/{id}", a.guard(http.HandlerFunc(a.handleGetBuild)))
	a.mux.Handle("GET /v1/builds/{id}/log", a.guard(http.HandlerFunc(a.handleGetLog)))
	a.mux.Handle("GET /v1/builds/{id}/diagnostics", a.guard(http.HandlerFunc(a.handleGetDiagnostics)))
	a.mux.Handle("GET /v1/images", a.guard(http.HandlerFunc(a.handleListImages)))
	a.mux.Handle("GET /v1/images/{ref...}", a.guard(http.HandlerFunc(a.handleInspectImage)))
	a.mux.Handle("DELETE /v1/images/{ref...}", a.guard(http.HandlerFunc(a.handleRemoveImage)))
}

func (a *API) guard(next http.Handler) http.Handler {
	return a.allowlisted(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.checkToken(r); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (a *API) allowlisted(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.checkAllowlist(r); err != nil {
			writeError(w, http.StatusForbidden, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.G(r.Context()).WithFields(log.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  rec.status,
			"elapsed": time.Since(start).Round(time.Microsecond),
		}).Debug("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) checkToken(r *http.Request) error {
	if strings.TrimSpace(a.cfg.Token) == "" {
		return nil
	}
	if strings.TrimSpace(r.Header.Get(a.cfg.AuthHeader)) != a.cfg.Token {
		return errors.New("invalid token")
	}
	return nil
}

func (a *API) checkAllowlist(r *http.Request) error {
	if !a.cfg.AllowlistEnabled() {
		return nil
	}
	ip, err := remoteIP(r.RemoteAddr)
	if err != nil {
		return err
	}
	for _, allow := range a.cfg.Allowlist {
		if allowEntryMatches(allow, ip) {
			return nil
		}
	}
	return fmt.Errorf("remote ip %s is not allowed", ip.String())
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	docker := a.images != nil && a.images.Available(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "docker": docker})
}

type validateRequest struct {
	Recipe string `json:"recipe"`
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !a.decode(w, r, &req) {
		return
	}
	var res lint.Result
	if a.hadolint != nil {
		res = a.hadolint.ValidateText(r.Context(), req.Recipe)
	} else {
		res = lint.ValidateText(req.Recipe)
	}
	a.metrics.ObserveValidation(res.Valid)
	writeJSON(w, http.StatusOK, res)
}

type templateRequest struct {
	TechStack    []string `json:"techStack"`
	LockfileKind string   `json:"lockfileKind"`
	StartCommand string   `json:"startCommand"`
	BuildCommand string   `json:"buildCommand"`
	MainFile     string   `json:"mainFile"`
}

type templateResponse struct {
	Recipe         string                  `json:"recipe"`
	Template       template.Kind           `json:"template"`
	PackageManager template.PackageManager `json:"packageManager"`
}

func (a *API) handleTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !a.decode(w, r, &req) {
		return
	}
	rc := repoctx.Resolve(&repoctx.Raw{
		TechStack:    req.TechStack,
		LockfileKind: req.LockfileKind,
		StartCommand: req.StartCommand,
		BuildCommand: req.BuildCommand,
		MainFile:     req.MainFile,
	})
	params := rc.TemplateParams()
	choice := template.Choose(params)
	out, err := template.Render(choice, params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, templateResponse{Recipe: out, Template: choice.Kind, PackageManager: choice.Manager})
}

func (a *API) handleSubmitBuild(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if !a.decode(w, r, &req) {
		return
	}
	rec, err := a.manager.Submit(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": rec.ID,
		"state":  string(rec.State),
	})
}

func (a *API) handleListBuilds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.List())
}

func (a *API) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("build not found"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleGetLog(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if _, ok := a.manager.Get(jobID); !ok {
		writeError(w, http.StatusNotFound, errors.New("build not found"))
		return
	}
	lines, _ := strconv.Atoi(r.URL.Query().Get("lines"))
	raw, err := a.manager.ReadBuildLog(jobID, lines)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (a *API) handleGetDiagnostics(w http.ResponseWriter, r *http.Request) {
	report, err := a.manager.Diagnostics(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := a.images.List(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"images": images})
}

func (a *API) handleInspectImage(w http.ResponseWriter, r *http.Request) {
	raw, err := a.images.Inspect(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (a *API) handleRemoveImage(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	if err := a.images.Remove(r.Context(), ref); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": ref})
}

// decode writes the error response itself and reports whether v was filled.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func remoteIP(remoteAddr string) (net.IP, error) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("parse remote addr: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("invalid remote ip: %s", host)
	}
	return ip, nil
}

func allowEntryMatches(entry string, ip net.IP) bool {
	if strings.Contains(entry, "/") {
		_, cidr, err := net.ParseCIDR(entry)
		if err != nil {
			return false
		}
		return cidr.Contains(ip)
	}
	allowed := net.ParseIP(entry)
	if allowed == nil {
		return false
	}
	return allowed.Equal(ip)
}
