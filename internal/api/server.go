// Package api exposes the platform over REST and WebSockets: file upload
// and retrieval, the viewport data service, the auto-detection socket and
// the chat assistant socket.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	jsoniter "github.com/json-iterator/go"

	"github.com/tracelab/backend/internal/agent"
	"github.com/tracelab/backend/internal/binfile"
	"github.com/tracelab/backend/internal/metrics"
	"github.com/tracelab/backend/internal/queue"
	"github.com/tracelab/backend/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultMaxUploadBytes caps multipart uploads at 512 MiB.
const DefaultMaxUploadBytes = 512 << 20

// Server wires the HTTP surface to the store, the parse queue, the reader
// cache and the agents.
type Server struct {
	store    store.Store
	queue    *queue.Client
	readers  *binfile.Cache
	runner   *agent.Runner
	chat     *agent.ChatAgent
	metrics  *metrics.Metrics
	dataDir  string
	password string

	maxUploadBytes int64
	allowedOrigins []string

	// One auto-detection run per file at a time.
	mu         sync.Mutex
	detections map[string]context.CancelFunc
}

// NewServer builds the API server. password gates bulk JSON downloads;
// metrics may be nil.
func NewServer(st store.Store, q *queue.Client, readers *binfile.Cache, runner *agent.Runner, chat *agent.ChatAgent, m *metrics.Metrics, dataDir, password string) *Server {
	return &Server{
		store:          st,
		queue:          q,
		readers:        readers,
		runner:         runner,
		chat:           chat,
		metrics:        m,
		dataDir:        dataDir,
		password:       password,
		maxUploadBytes: DefaultMaxUploadBytes,
		detections:     make(map[string]context.CancelFunc),
	}
}

// SetMaxUploadBytes overrides the multipart upload cap.
func (s *Server) SetMaxUploadBytes(n int64) {
	if n > 0 {
		s.maxUploadBytes = n
	}
}

// SetAllowedOrigins restricts CORS to the given comma-separated origin list.
// Empty, or a list containing "*", keeps the wildcard default.
func (s *Server) SetAllowedOrigins(csv string) {
	var origins []string
	for _, o := range strings.Split(csv, ",") {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			s.allowedOrigins = nil
			return
		}
		origins = append(origins, o)
	}
	s.allowedOrigins = origins
}

// Router assembles all routes with CORS and request logging applied.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware, logMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/files", s.handleUpload).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/files", s.handleListFiles).Methods(http.MethodGet)
	r.HandleFunc("/files", s.handleDeleteFiles).Methods(http.MethodDelete)
	r.HandleFunc("/files/reparse", s.handleReparse).Methods(http.MethodPut, http.MethodOptions)
	r.HandleFunc("/files/descriptions", s.handleUpdateDescriptions).Methods(http.MethodPut, http.MethodOptions)
	r.HandleFunc("/files/jsonfiles", s.handleDownloadJSON).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/files/{id}", s.handleGetFile).Methods(http.MethodGet)
	r.HandleFunc("/files/{id}/viewport", s.handleViewport).Methods(http.MethodGet)

	r.HandleFunc("/ws/auto-detection/{id}", s.handleDetectionSocket)
	r.HandleFunc("/ws/chat/{id}", s.handleChatSocket)

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedOrigins) == 0 {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Expose-Headers",
			"X-Total-Points, X-Returned-Points, X-Full-Resolution, X-Num-Columns, X-X-Min, X-X-Max, X-Channel-Names, X-X-Type, X-X-Format")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.allowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.queue != nil && !s.queue.Healthy(r.Context()) {
		status["status"] = "degraded"
		status["queue"] = "unreachable"
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
