package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter wires every route onto a chi router.
func NewRouter(h *Handler, db Pinger, timeout time.Duration) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(RequestLogger(h.log))
	router.Use(middleware.Recoverer)
	if timeout > 0 {
		router.Use(middleware.Timeout(timeout))
	}

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.Ping(r.Context()); err != nil {
				h.log.Warn("health: database unreachable", zap.Error(err))
				h.respond(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		h.respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	router.Post("/projects", h.ProjectCreate)
	router.Route("/projects/{projectID}", func(r chi.Router) {
		r.Get("/", h.ProjectGet)
		r.Post("/members", h.MemberCreate)
		r.Post("/teams", h.TeamCreate)
		r.Get("/releases", h.ReleaseList)
		r.Post("/releases", h.ReleaseCreate)
		r.Get("/dashboard", h.Dashboard)
		r.Get("/nag", h.NagList)
	})

	router.Route("/releases/{releaseID}", func(r chi.Router) {
		r.Get("/", h.ReleaseGet)
		r.Delete("/", h.ReleaseDelete)
		r.Post("/cancel", h.ReleaseCancel)
		r.Post("/deploy", h.ReleaseDeploy)
		r.Post("/archive", h.ReleaseArchive)
		r.Post("/reschedule", h.ReleaseReschedule)
		r.Post("/features", h.FeatureCreate)
		r.Post("/members/{memberID}/ready", h.MemberSetReady)
		r.Post("/sync", h.ReleaseSync)
		r.Get("/activity", h.ActivityList)
	})

	router.Post("/features/{featureID}/ready", h.FeatureSetReady)
	router.Delete("/features/{featureID}", h.FeatureDelete)

	return router
}

// RequestLogger logs one line per request through zap. Health probes are skipped.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("request.method", r.Method),
				zap.String("request.path", r.URL.Path),
				zap.String("request.remote_ip", r.RemoteAddr),
				zap.String("request.request_id", middleware.GetReqID(r.Context())),
				zap.String("request.member_id", r.Header.Get(memberHeader)),
				zap.Int("response.status", status),
				zap.Int("response.response_size", ww.BytesWritten()),
				zap.Duration("response.latency", time.Since(start)),
			}

			switch {
			case status >= 500:
				log.Error("Server error", fields...)
			case status >= 400:
				log.Warn("Client error", fields...)
			default:
				log.Info("Request completed", fields...)
			}
		})
	}
}
