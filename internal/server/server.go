// Package server implements the HTTP surface: ActivityPub federation
// endpoints (actors, inboxes, webfinger) and the authenticated JSON API the
// web and mobile clients use.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stridefed/stride/internal/account"
	"github.com/stridefed/stride/internal/ap"
	"github.com/stridefed/stride/internal/apperr"
	"github.com/stridefed/stride/internal/batch"
	"github.com/stridefed/stride/internal/config"
	"github.com/stridefed/stride/internal/db"
	"github.com/stridefed/stride/internal/heatmap"
	"github.com/stridefed/stride/internal/pipeline"
	"github.com/stridefed/stride/internal/timeline"
)

const (
	activityJSONType = `application/activity+json`
	version          = "1.0.0"
)

// maxConcurrentActivities bounds inbox processing; deliveries beyond the
// limit get a 503 and the peer retries.
const maxConcurrentActivities = 50

// maxUploadBytes bounds a single workout file upload.
const maxUploadBytes = 50 << 20

// Server is the HTTP server.
type Server struct {
	cfg      *config.Config
	store    *db.Store
	urls     ap.URLs
	accounts *account.Service
	pipeline *pipeline.Pipeline
	importer *batch.Importer
	timeline *timeline.Service
	heatmap  *heatmap.Service
	inbox    *ap.Processor
	resolver *ap.Resolver
	client   *ap.Client
	outbox   *ap.Dispatcher
	log      *slog.Logger

	router   *chi.Mux
	inboxSem chan struct{}
}

// Deps collects the wired services the server fronts.
type Deps struct {
	Store    *db.Store
	URLs     ap.URLs
	Accounts *account.Service
	Pipeline *pipeline.Pipeline
	Importer *batch.Importer
	Timeline *timeline.Service
	Heatmap  *heatmap.Service
	Inbox    *ap.Processor
	Resolver *ap.Resolver
	Client   *ap.Client
	Outbox   *ap.Dispatcher
	Log      *slog.Logger
}

// New creates a new Server.
func New(cfg *config.Config, d Deps) *Server {
	s := &Server{
		cfg:      cfg,
		store:    d.Store,
		urls:     d.URLs,
		accounts: d.Accounts,
		pipeline: d.Pipeline,
		importer: d.Importer,
		timeline: d.Timeline,
		heatmap:  d.Heatmap,
		inbox:    d.Inbox,
		resolver: d.Resolver,
		client:   d.Client,
		outbox:   d.Outbox,
		log:      d.Log,
		inboxSem: make(chan struct{}, maxConcurrentActivities),
	}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  60 * time.Second, // uploads can be large
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("starting HTTP server", "addr", addr, "base_url", s.cfg.BaseURL)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	// Discovery.
	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/host-meta", s.handleHostMeta)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfo)
	r.Get("/nodeinfo/{version}", s.handleNodeInfoSchema)

	// ActivityPub.
	r.Get("/users/{username}", s.handleActor)
	r.Get("/users/{username}/followers", s.handleFollowers)
	r.Get("/users/{username}/following", s.handleFollowing)
	r.Get("/users/{username}/outbox", s.handleOutbox)
	r.Post("/users/{username}/inbox", s.handleInbox)
	r.Post("/inbox", s.handleInbox)
	r.Get("/activities/{id}", s.handleActivityObject)
	r.Get("/activities/{id}/track.geojson", s.handleTrackGeoJSON)

	// Public JSON API.
	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)
	r.Get("/api/timeline/public", s.handlePublicTimeline)

	// Authenticated JSON API.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Delete("/api/account", s.handleDeleteAccount)
		r.Get("/api/profile", s.handleProfile)
		r.Patch("/api/profile", s.handleUpdateProfile)

		r.Post("/api/activities", s.handleUpload)
		r.Get("/api/activities", s.handleListActivities)
		r.Get("/api/activities/{id}", s.handleGetActivity)
		r.Patch("/api/activities/{id}", s.handleUpdateActivity)
		r.Delete("/api/activities/{id}", s.handleDeleteActivity)

		r.Get("/api/timeline", s.handleHomeTimeline)

		r.Post("/api/activities/{id}/like", s.handleLike)
		r.Delete("/api/activities/{id}/like", s.handleUnlike)
		r.Get("/api/activities/{id}/comments", s.handleListComments)
		r.Post("/api/activities/{id}/comments", s.handleComment)

		r.Post("/api/follows", s.handleFollowRemote)
		r.Delete("/api/follows", s.handleUnfollowRemote)
		r.Get("/api/follows", s.handleListFollowing)

		r.Get("/api/notifications", s.handleNotifications)
		r.Post("/api/notifications/read", s.handleMarkNotificationsRead)

		r.Get("/api/heatmap", s.handleHeatmap)

		r.Get("/api/privacy-zones", s.handleListZones)
		r.Post("/api/privacy-zones", s.handleCreateZone)
		r.Put("/api/privacy-zones/{id}", s.handleUpdateZone)
		r.Delete("/api/privacy-zones/{id}", s.handleDeleteZone)

		r.Post("/api/import", s.handleBatchImport)
		r.Get("/api/import/{id}", s.handleBatchStatus)

		r.Get("/api/analytics/records", s.handleRecords)
		r.Get("/api/analytics/achievements", s.handleAchievements)
		r.Get("/api/analytics/training-load", s.handleTrainingLoad)
		r.Get("/api/analytics/summaries", s.handleSummaries)
	})

	// Root — basic info page.
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "stride - a federated activity sharing server.\nRunning on %s\n", s.cfg.BaseURL)
	})

	return r
}

// ─── Utility functions ────────────────────────────────────────────────────────

func apResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", activityJSONType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode AP response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Internal details
// never leak: 5xx bodies carry a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusOf(kind)
	msg := err.Error()
	if status >= 500 {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	jsonResponse(w, map[string]string{"error": msg, "kind": kind.String()}, status)
}

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuthFailure, apperr.KindSignatureInvalid,
		apperr.KindStaleRequest, apperr.KindKeyUnavailable:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindParseError, apperr.KindMalformedActor:
		return http.StatusUnprocessableEntity
	case apperr.KindRemoteUnreachable:
		return http.StatusBadGateway
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// corsMiddleware adds CORS headers for fediverse compatibility.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
