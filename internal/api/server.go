// Package api serves the operator surface: status, alert history, employee
// profiles, cooldown control and the Prometheus endpoint.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"insiderwatch/internal/alerts"
	"insiderwatch/internal/config"
	"insiderwatch/internal/engine"
	"insiderwatch/internal/metrics"
	"insiderwatch/internal/model"
)

// Archive is the durable history behind the in-memory stores.
type Archive interface {
	ListAlerts(ctx context.Context, limit int) ([]model.Alert, error)
	ListActivities(ctx context.Context, employeeID string, limit int) ([]model.ActivityEvent, error)
}

type Server struct {
	cfg      *config.Manager
	pipeline *engine.Pipeline
	metrics  *metrics.Store
	alerts   *alerts.Store
	archive  Archive
	prom     *metrics.Collectors
	logger   *slog.Logger
	version  string
}

type Options struct {
	Metrics *metrics.Store
	Alerts  *alerts.Store
	Archive Archive
	Prom    *metrics.Collectors
	Logger  *slog.Logger
	Version string
}

func NewServer(cfg *config.Manager, pipeline *engine.Pipeline, opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewStore(0)
	}
	if opts.Alerts == nil {
		opts.Alerts = alerts.NewStore(0)
	}
	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		metrics:  opts.Metrics,
		alerts:   opts.Alerts,
		archive:  opts.Archive,
		prom:     opts.Prom,
		logger:   opts.Logger,
		version:  opts.Version,
	}
}

type statusResponse struct {
	Status     string                `json:"status"`
	Time       string                `json:"time"`
	Version    string                `json:"version"`
	ConfigPath string                `json:"config_path"`
	Uptime     string                `json:"uptime"`
	Ingest     ingestStatus          `json:"ingest"`
	Window     windowStatus          `json:"window"`
	Cooldown   config.CooldownConfig `json:"cooldown"`
	Suppressed int                   `json:"suppressed"`
	Suspicion  map[string]int        `json:"suspicion"`
	LastTick   *model.TickReport     `json:"last_tick,omitempty"`
	Notify     string                `json:"notify_driver"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
	Processes bool `json:"capture_processes"`
	Media     bool `json:"capture_media"`
}

type windowStatus struct {
	Size     int `json:"size"`
	Capacity int `json:"capacity"`
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Get("/alerts", s.handleAlerts)
	r.Get("/employees", s.handleEmployees)
	r.Get("/employees/{id}", s.handleEmployee)
	r.Get("/employees/{id}/activity", s.handleActivity)
	r.Get("/cooldown", s.handleCooldown)
	r.Post("/cooldown/reset", s.handleCooldownResetAll)
	r.Post("/cooldown/{id}/reset", s.handleCooldownReset)
	r.Get("/config/policy", s.handleGetPolicy)
	r.Post("/config/policy", s.handleSetPolicy)
	r.Post("/admin/tick", s.handleTick)
	r.Post("/admin/clear", s.handleClear)
	r.Post("/admin/reset", s.handleReset)
	r.Method(http.MethodGet, "/metrics", s.prom.Handler())
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Uptime:     time.Since(s.pipeline.Started()).Round(time.Second).String(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
			Processes: cfg.Capture.Processes,
			Media:     cfg.Capture.Media,
		},
		Window:     windowStatus{Size: s.pipeline.Window().Len(), Capacity: s.pipeline.Window().Cap()},
		Cooldown:   cfg.Cooldown,
		Suppressed: len(s.pipeline.Gate().Suppressed()),
		Suspicion:  s.pipeline.Suspicion().Snapshot(),
		Notify:     cfg.Notify.Driver,
	}
	if report, ok := s.pipeline.LastTick(); ok {
		resp.LastTick = &report
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	if r.URL.Query().Get("source") == "store" {
		if s.archive == nil {
			writeError(w, http.StatusNotFound, "storage disabled")
			return
		}
		list, err := s.archive.ListAlerts(r.Context(), limit)
		if err != nil {
			s.internalError(w, "list alerts", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
		return
	}

	var list []model.Alert
	switch {
	case r.URL.Query().Get("employee") != "":
		list = s.alerts.ForEmployee(r.URL.Query().Get("employee"))
	case r.URL.Query().Get("since") != "":
		ts, err := time.Parse(time.RFC3339, r.URL.Query().Get("since"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		list = s.alerts.Since(ts)
	default:
		list = s.alerts.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Server) handleEmployees(w http.ResponseWriter, _ *http.Request) {
	all := s.metrics.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{"employees": all, "count": len(all)})
}

func (s *Server) handleEmployee(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, ok := s.metrics.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown employee")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"employee":  stats,
		"gate":      s.pipeline.Gate().State(id).String(),
		"suspicion": s.pipeline.Suspicion().Count(id),
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "storage disabled")
		return
	}
	id := chi.URLParam(r, "id")
	list, err := s.archive.ListActivities(r.Context(), id, queryInt(r, "limit", 100))
	if err != nil {
		s.internalError(w, "list activities", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"employee_id": id, "activities": list, "count": len(list)})
}

type suppressedEntry struct {
	EmployeeID string    `json:"employee_id"`
	Since      time.Time `json:"since"`
}

func (s *Server) handleCooldown(w http.ResponseWriter, _ *http.Request) {
	suppressed := s.pipeline.Gate().Suppressed()
	list := make([]suppressedEntry, 0, len(suppressed))
	for id, at := range suppressed {
		list = append(list, suppressedEntry{EmployeeID: id, Since: at})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].EmployeeID < list[j].EmployeeID })
	writeJSON(w, http.StatusOK, map[string]any{
		"policy":     s.cfg.Get().Cooldown,
		"suppressed": list,
		"count":      len(list),
	})
}

func (s *Server) handleCooldownReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pipeline.Gate().Reset(id); err != nil {
		s.resetError(w, err)
		return
	}
	if s.logger != nil {
		s.logger.Info("cooldown reset", "employee_id", id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "employee_id": id})
}

func (s *Server) handleCooldownResetAll(w http.ResponseWriter, _ *http.Request) {
	if err := s.pipeline.Gate().ResetAll(); err != nil {
		s.resetError(w, err)
		return
	}
	if s.logger != nil {
		s.logger.Info("cooldown reset for all employees")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) resetError(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrResetDisabled) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.internalError(w, "cooldown reset", err)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"policy": s.cfg.Get().Policy})
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var policy config.PolicyConfig
	if err := json.Unmarshal(body, &policy); err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy json")
		return
	}
	policy.AllowedProcesses = sanitizeNames(policy.AllowedProcesses)
	policy.DeniedProcesses = sanitizeNames(policy.DeniedProcesses)

	next := *s.cfg.Get()
	next.Policy = policy
	if err := s.cfg.Update(&next); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.pipeline.UpdateConfig(&next)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "policy": policy})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	report, err := s.pipeline.Tick(r.Context())
	if errors.Is(err, engine.ErrTickInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "manual tick", err)
		return
	}
	if r.URL.Query().Get("wait") == "true" {
		s.pipeline.Wait()
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.metrics.Clear()
		s.alerts.Clear()
	case "alerts":
		s.alerts.Clear()
	case "employees", "metrics":
		s.metrics.Clear()
	default:
		writeError(w, http.StatusBadRequest, "unknown target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.pipeline.Reset()
	s.metrics.Clear()
	s.alerts.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	if s.logger != nil {
		s.logger.Error("api request failed", "op", op, "err", err)
	}
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func sanitizeNames(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
