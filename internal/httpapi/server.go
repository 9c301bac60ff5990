package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gend/internal/pool"
	"gend/pkg/types"
)

// sessionHeader carries the client's session token. The server mints one
// when the header is absent and echoes it back on the response.
const sessionHeader = "X-Session-Token"

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Generate(ctx context.Context, req types.GenerateRequest, sessionToken string) ([]types.GenerateOutput, error)
	GenerateStream(ctx context.Context, req types.GenerateRequest, sessionToken string, emit func(types.GenerateEvent)) error
	CancelSession(token string) bool
	Status() types.StatusResponse
	Backends() []types.BackendInfo
	AddBackend(req types.AddBackendRequest) (types.BackendInfo, error)
	RemoveBackend(id int)
	SetBackendEnabled(id int, enabled bool) bool
	InterruptAll(ctx context.Context)
	Ready() bool
}

// NewMux builds the router for the generation daemon.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Post("/generate", func(w http.ResponseWriter, r *http.Request) { handleGenerate(svc, w, r) })

	r.Get("/backends", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"backends": svc.Backends()}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	r.Post("/backends", func(w http.ResponseWriter, r *http.Request) {
		var req types.AddBackendRequest
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Address) == "" {
			writeJSONError(w, http.StatusBadRequest, "address is required")
			return
		}
		info, err := svc.AddBackend(req)
		if err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(info)
	})

	r.Delete("/backends/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid backend id")
			return
		}
		svc.RemoveBackend(id)
		w.WriteHeader(http.StatusNoContent)
	})

	r.Patch("/backends/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid backend id")
			return
		}
		var req types.SetEnabledRequest
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if !svc.SetBackendEnabled(id, req.Enabled) {
			writeJSONError(w, http.StatusNotFound, "no such backend")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/interrupt", func(w http.ResponseWriter, r *http.Request) {
		svc.InterruptAll(r.Context())
		w.WriteHeader(http.StatusAccepted)
	})

	r.Post("/sessions/cancel", func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(sessionHeader)
		if token == "" {
			writeJSONError(w, http.StatusBadRequest, "missing "+sessionHeader+" header")
			return
		}
		if !svc.CancelSession(token) {
			writeJSONError(w, http.StatusNotFound, "no such session")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("no running backend"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func handleGenerate(svc Service, w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	token := r.Header.Get(sessionHeader)
	if token == "" {
		token = uuid.NewString()
	}
	w.Header().Set(sessionHeader, token)

	rid := middleware.GetReqID(r.Context())
	start := time.Now()
	logEvent().Str("request_id", rid).Str("model", req.Model).Int("images", req.Images).
		Bool("stream", req.Stream).Msg("generate start")

	// Join server base context with request context so shutdown cancels
	// in-flight work too.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	if req.Stream {
		streamGenerate(svc, w, r, ctx, req, token)
	} else {
		batchGenerate(svc, w, r, ctx, req, token)
	}
	logEvent().Str("request_id", rid).Dur("dur", time.Since(start)).Msg("generate end")
	generationDuration.Observe(time.Since(start).Seconds())
}

func batchGenerate(svc Service, w http.ResponseWriter, r *http.Request, ctx context.Context, req types.GenerateRequest, token string) {
	outs, err := svc.Generate(ctx, req, token)
	if err != nil {
		// Client disconnect or shutdown mid-flight: nothing to report.
		if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			return
		}
		if pool.IsCancelled(err) {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		status := statusForError(err)
		if status == http.StatusTooManyRequests {
			IncrementBackpressure("backend_wait_timeout")
		}
		writeJSONError(w, status, err.Error())
		return
	}
	imagesGenerated.Add(float64(len(outs)))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(types.GenerateResponse{Outputs: outs})
}

func streamGenerate(svc Service, w http.ResponseWriter, r *http.Request, ctx context.Context, req types.GenerateRequest, token string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	enc := json.NewEncoder(w)
	emit := func(ev types.GenerateEvent) {
		if err := enc.Encode(ev); err != nil {
			return
		}
		if ev.Kind == types.EventImage {
			imagesGenerated.Inc()
		}
		if flush != nil {
			flush()
		}
	}
	// The terminal outcome travels inside the stream; the status line is
	// already 200 by the time an error can happen.
	if err := svc.GenerateStream(ctx, req, token, emit); err != nil && pool.IsTimeout(err) {
		IncrementBackpressure("backend_wait_timeout")
	}
}
