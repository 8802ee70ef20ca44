// Package api exposes plugin metadata, job submission and job status over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"plugin-runner/internal/artifacts"
	"plugin-runner/internal/models"
	"plugin-runner/internal/pipeline"
	"plugin-runner/internal/plugin"
	"plugin-runner/internal/ratelimit"
	"plugin-runner/internal/store"
	"plugin-runner/internal/telemetry"
)

// Submitter admits a job and dispatches it.
type Submitter interface {
	Submit(ctx context.Context, jobKind string, parameters []byte) (models.Record, error)
}

// Limiter throttles submissions per tenant.
type Limiter interface {
	Allow(ctx context.Context, tenant string) (ratelimit.Decision, error)
}

// EscalationReader lists job ids whose failure could not be recorded.
type EscalationReader interface {
	PeekEscalations(ctx context.Context, count int64) ([]string, error)
}

const maxBodyBytes = 1 << 20

// Server wires HTTP handlers for the producer API.
type Server struct {
	records     store.Records
	submitter   Submitter
	registry    *plugin.Registry
	artifacts   artifacts.Store
	escalations EscalationReader
	limiter     Limiter
	log         *zap.Logger
}

// New constructs the API server. limiter and escalations may be nil.
func New(records store.Records, submitter Submitter, registry *plugin.Registry, arts artifacts.Store, escalations EscalationReader, limiter Limiter, log *zap.Logger) *Server {
	return &Server{
		records:     records,
		submitter:   submitter,
		registry:    registry,
		artifacts:   arts,
		escalations: escalations,
		limiter:     limiter,
		log:         log.Named("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/plugins", s.handleListPlugins)
	r.Route("/plugins/{name}", func(r chi.Router) {
		r.Get("/", s.handleGetPlugin)
		r.Post("/process/", s.handleProcess)
	})
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/tasks/{id}/artifacts/*", s.handleGetArtifact)
	r.Get("/escalations", s.handleEscalations)
	return r
}

type pluginView struct {
	Name        string                `json:"name"`
	Version     string                `json:"version"`
	Identifier  string                `json:"identifier"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Type        plugin.Type           `json:"type"`
	Tags        []string              `json:"tags"`
	EntryPoints map[string]string     `json:"entry_points"`
	Inputs      []plugin.Field        `json:"inputs"`
	Outputs     []plugin.DataMetadata `json:"data"`
}

func newPluginView(p plugin.Plugin) pluginView {
	v := pluginView{
		Name:        p.Name,
		Version:     p.Version,
		Identifier:  p.Identifier(),
		Title:       p.Title,
		Description: p.Description,
		Type:        p.Type,
		Tags:        p.Tags,
		EntryPoints: map[string]string{"process": fmt.Sprintf("/plugins/%s/process/", p.Name)},
		Inputs:      p.Inputs,
		Outputs:     p.Outputs,
	}
	if v.Tags == nil {
		v.Tags = []string{}
	}
	if v.Inputs == nil {
		v.Inputs = []plugin.Field{}
	}
	if v.Outputs == nil {
		v.Outputs = []plugin.DataMetadata{}
	}
	return v
}

type refView struct {
	models.ArtifactRef
	Href string `json:"href"`
}

type taskView struct {
	ID         string            `json:"id"`
	JobKind    string            `json:"job_kind"`
	Status     models.Status     `json:"status"`
	Log        []models.LogEntry `json:"log_entries"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at"`
	ResultRefs []refView         `json:"result_refs"`
}

func newTaskView(rec models.Record) taskView {
	v := taskView{
		ID:         rec.ID,
		JobKind:    rec.JobKind,
		Status:     rec.Status,
		Log:        rec.Log,
		CreatedAt:  rec.CreatedAt,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		ResultRefs: make([]refView, 0, len(rec.ResultRefs)),
	}
	if v.Log == nil {
		v.Log = []models.LogEntry{}
	}
	for _, ref := range rec.ResultRefs {
		// Storage locations stay internal; clients go through the API.
		ref.URI = ""
		v.ResultRefs = append(v.ResultRefs, refView{ArtifactRef: ref, Href: fmt.Sprintf("/tasks/%s/artifacts/%s", rec.ID, ref.Name)})
	}
	return v
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	all := s.registry.All()
	items := make([]pluginView, 0, len(all))
	for _, p := range all {
		items = append(items, newPluginView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	p, ok := s.registry.Get(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "plugin not found")
		return
	}
	writeJSON(w, http.StatusOK, newPluginView(p))
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	p, ok := s.registry.Get(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "plugin not found")
		return
	}

	params, err := readParams(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if problems := p.Validate(params); problems != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": problems})
		return
	}

	if s.limiter != nil {
		tenant := tenantFromRequest(r)
		d, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			s.log.Error("rate limiter", zap.String("tenant", tenant), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, "parameters are not serializable")
		return
	}

	rec, err := s.submitter.Submit(r.Context(), p.Name, raw)
	switch {
	case errors.Is(err, pipeline.ErrScheduling):
		writeJSON(w, http.StatusServiceUnavailable, newTaskView(rec))
		return
	case err != nil:
		s.log.Error("submit job", zap.String("job_kind", p.Name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create task")
		return
	}

	w.Header().Set("Location", "/tasks/"+rec.ID)
	writeJSON(w, http.StatusSeeOther, newTaskView(rec))
}

// readParams accepts a JSON object or a form-encoded body.
func readParams(w http.ResponseWriter, r *http.Request) (plugin.Params, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return nil, fmt.Errorf("invalid form: %w", err)
		}
		params := plugin.Params{}
		for k, vs := range r.PostForm {
			if len(vs) > 0 {
				params[k] = vs[0]
			}
		}
		return params, nil
	default:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		params, err := plugin.DecodeParams(body)
		if err != nil {
			return nil, errors.New("invalid json")
		}
		return params, nil
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Load(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.log.Error("load task", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load task")
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(rec))
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "*")

	rec, err := s.records.Load(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.log.Error("load task", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load task")
		return
	}
	// Only published results are served; orphans from failed runs are not.
	ref, ok := rec.Ref(name)
	if !ok {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}

	rc, err := s.artifacts.Open(r.Context(), id, name)
	if err != nil {
		s.log.Error("open artifact", zap.String("job_id", id), zap.String("name", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not open artifact")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", ref.MediaType)
	if ref.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(ref.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn("stream artifact", zap.String("job_id", id), zap.String("name", name), zap.Error(err))
	}
}

func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	if s.escalations == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	items, err := s.escalations.PeekEscalations(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read escalations")
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
