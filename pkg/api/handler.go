package api

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/luckiday/dreamgaussian-api/pkg/artifacts"
	"github.com/luckiday/dreamgaussian-api/pkg/auth"
	"github.com/luckiday/dreamgaussian-api/pkg/gateway"
	"github.com/luckiday/dreamgaussian-api/pkg/logging"
	"github.com/luckiday/dreamgaussian-api/pkg/metrics"
	"github.com/luckiday/dreamgaussian-api/pkg/middleware"
	"github.com/luckiday/dreamgaussian-api/pkg/models"
	"github.com/luckiday/dreamgaussian-api/pkg/tracing"
)

const maxBodyBytes = 1 << 20

// HealthChecker reports whether the job store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler serves the generation API and the artifact directories
type Handler struct {
	service  *gateway.Service
	resolver *artifacts.Resolver
	health   HealthChecker
	logger   *logging.Logger
	index    *template.Template
}

// NewHandler creates an API handler
func NewHandler(service *gateway.Service, resolver *artifacts.Resolver, health HealthChecker, logger *logging.Logger) *Handler {
	return &Handler{
		service:  service,
		resolver: resolver,
		health:   health,
		logger:   logger.WithField("component", "api"),
		index:    template.Must(template.New("index").Funcs(indexFuncs).Parse(indexTemplate)),
	}
}

// RouterOptions configures the middleware chain around the routes
type RouterOptions struct {
	Keys        *auth.KeyChecker
	CORSOrigins []string
	Metrics     *metrics.Exporter
	Tracer      *tracing.Provider
}

// NewRouter builds the full HTTP handler
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	r := mux.NewRouter()
	// Artifact names are checked by the resolver, not rewritten by mux
	r.SkipClean(true)

	r.Use(middleware.RequestID)
	if opts.Tracer != nil {
		r.Use(tracing.HTTPMiddleware(opts.Tracer))
	}
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(middleware.AccessLog(h.logger))

	h.RegisterRoutes(r, opts)
	r.NotFoundHandler = http.HandlerFunc(h.notFound)
	return r
}

// RegisterRoutes registers all API routes. Artifact routes go last so
// they never shadow the API.
func (h *Handler) RegisterRoutes(r *mux.Router, opts RouterOptions) {
	requireKey := middleware.RequireAPIKey(opts.Keys, h.logger)

	r.Handle("/generate-3d-object", requireKey(http.HandlerFunc(h.Generate))).Methods(http.MethodPost)
	r.Handle("/task-status/{task_id}", requireKey(http.HandlerFunc(h.TaskStatus))).Methods(http.MethodGet)
	r.Handle("/tasks", requireKey(http.HandlerFunc(h.ListTasks))).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/", h.Index).Methods(http.MethodGet)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := middleware.CORS(origins)
	for _, dir := range h.resolver.Dirs() {
		r.Handle("/"+dir+"/{filename}", cors(h.ServeArtifact(dir))).
			Methods(http.MethodGet, http.MethodHead, http.MethodOptions)
	}
}

// Generate handles POST /generate-3d-object
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	res, err := h.service.Submit(r.Context(), gateway.SubmitRequest{
		Prompt:   req.Prompt,
		SavePath: req.SavePath,
		Variant:  req.Model,
	})
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}

	if res.Existing {
		writeJSON(w, http.StatusOK, SubmitResponse{
			TaskID:     res.TaskID,
			Message:    MessageAlreadyExists,
			ObjectPath: res.ObjectPath,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{TaskID: res.TaskID})
}

func (h *Handler) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *gateway.ValidationError
		unknown    *gateway.UnknownVariantError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: validation.Message})
	case errors.As(err, &unknown):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid model", Details: unknown.Error()})
	default:
		h.logger.Error("Failed to submit job", map[string]interface{}{
			"error":      err.Error(),
			"request_id": middleware.RequestIDFromContext(r.Context()),
		})
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to submit job"})
	}
}

// TaskStatus handles GET /task-status/{task_id}
func (h *Handler) TaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]

	res, err := h.service.Status(r.Context(), taskID)
	if err != nil {
		var nf *gateway.NotFoundError
		if errors.As(err, &nf) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Task not found", TaskID: taskID})
			return
		}
		h.logger.Error("Failed to get task status", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to get task status", TaskID: taskID})
		return
	}

	if res.Sentinel {
		writeJSON(w, http.StatusOK, sentinelStatus())
		return
	}
	writeJSON(w, http.StatusOK, toTaskStatusResponse(res.Job))
}

// ListTasks handles GET /tasks?limit=N&state=S
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	state := models.JobStatus(r.URL.Query().Get("state"))

	jobs, err := h.service.Recent(r.Context(), state, limit)
	if err != nil {
		var validation *gateway.ValidationError
		if errors.As(err, &validation) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: validation.Message})
			return
		}
		h.logger.Error("Failed to list tasks", map[string]interface{}{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to list tasks"})
		return
	}
	for _, job := range jobs {
		if job.Failure != nil {
			job.Failure.Output = ""
		}
	}
	writeJSON(w, http.StatusOK, TasksResponse{Jobs: jobs, Count: len(jobs)})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:   "healthy",
		Store:    "ok",
		Variants: h.service.Variants(),
	}
	code := http.StatusOK
	if err := h.health.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Store = err.Error()
		code = http.StatusServiceUnavailable
	}
	resp.Host = sampleHost()
	writeJSON(w, code, resp)
}

func sampleHost() *HostStatus {
	host := &HostStatus{}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		host.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		host.MemoryPercent = vm.UsedPercent
		host.MemoryFree = vm.Available
	}
	return host
}

// ServeArtifact returns the handler for GET /{dir}/{filename}
func (h *Handler) ServeArtifact(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["filename"]

		full, err := h.resolver.ServePath(dir, name)
		if err != nil {
			h.logger.Warn("Rejected artifact path", map[string]interface{}{
				"dir":        dir,
				"filename":   name,
				"request_id": middleware.RequestIDFromContext(r.Context()),
			})
			h.notFound(w, r)
			return
		}

		f, err := os.Open(full)
		if err != nil {
			h.notFound(w, r)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil || !info.Mode().IsRegular() {
			h.notFound(w, r)
			return
		}

		w.Header().Set("Content-Type", artifacts.ContentType(name))
		http.ServeContent(w, r, name, info.ModTime(), f)
	})
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "404 page not found", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
