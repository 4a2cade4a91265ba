// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"github.com/theodore-app/go-citation-backend/internal/config"
	"github.com/theodore-app/go-citation-backend/internal/domain"
	"github.com/theodore-app/go-citation-backend/internal/fetch"
	"github.com/theodore-app/go-citation-backend/internal/http/handlers"
	"github.com/theodore-app/go-citation-backend/internal/http/middleware"
	"github.com/theodore-app/go-citation-backend/internal/llm"
	"github.com/theodore-app/go-citation-backend/internal/pipeline"
	"github.com/theodore-app/go-citation-backend/internal/repo"
	"github.com/theodore-app/go-citation-backend/internal/services"
	"github.com/theodore-app/go-citation-backend/internal/zotero"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/text/language"
	"gorm.io/gorm"
)

// urlRepoShim adapts the repository free functions to the services.URLRepo
// interface expected by the StateService. This keeps services decoupled from
// the concrete repo package while reusing existing functions.
type urlRepoShim struct{}

// GetURL proxies repo.GetURL.
func (urlRepoShim) GetURL(ctx context.Context, db *gorm.DB, id uint) (*domain.URL, error) {
	return repo.GetURL(ctx, db, id)
}

// UpdateStatusGuarded proxies repo.UpdateStatusGuarded.
func (urlRepoShim) UpdateStatusGuarded(ctx context.Context, db *gorm.DB, id uint, from, to domain.ProcessingStatus, entry domain.HistoryEntry, bumpAttempts bool) error {
	return repo.UpdateStatusGuarded(ctx, db, id, from, to, entry, bumpAttempts)
}

// ResetURL proxies repo.ResetURL.
func (urlRepoShim) ResetURL(ctx context.Context, db *gorm.DB, id uint) error {
	return repo.ResetURL(ctx, db, id)
}

// SetIntentAndStatus proxies repo.SetIntentAndStatus.
func (urlRepoShim) SetIntentAndStatus(ctx context.Context, db *gorm.DB, id uint, intent domain.UserIntent, status domain.ProcessingStatus, entry *domain.HistoryEntry) error {
	return repo.SetIntentAndStatus(ctx, db, id, intent, status, entry)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and then
// mounts the versioned public API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per user/IP, bypass on replay)
//  9. CORS and Security headers
//
// Gzip is applied last so the batch progress stream can opt out: NDJSON
// lines must reach the client unbuffered.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, store zotero.BibliographicStore, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"Zotero-API-Key", // upstream credential, never logged
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, clientID, scope, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, clientID, scope, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 8) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Client-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "X-Batch-Session-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Client-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "X-Batch-Session-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Compression. The batch stream is excluded: progress lines are flushed
	// per chunk and must not sit in a gzip buffer.
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPaths([]string{joinPath(apiBase, "/batches")}),
	))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// API docs (optional)
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db/store
	fetcher := fetch.NewFetcher(fetch.Config{
		TimeoutSeconds: cfg.Fetch.TimeoutSeconds,
		UserAgent:      cfg.Fetch.UserAgent,
		MaxRedirects:   cfg.Fetch.MaxRedirects,
	})
	var extractor llm.MetadataExtractor
	if cfg.LLM.BaseURL != "" {
		extractor = llm.NewClient(llm.Config{
			BaseURL:        cfg.LLM.BaseURL,
			APIKey:         cfg.LLM.APIKey,
			Model:          cfg.LLM.Model,
			TimeoutSeconds: cfg.LLM.TimeoutSeconds,
			TitleLocale:    language.English,
		}, nil)
	}

	// The pipeline doubles as the capability resolver, so the state machine
	// is built first and pointed at the pipeline afterwards.
	stateSvc := services.NewStateService(db, urlRepoShim{}, nil)
	pipe := pipeline.New(stateSvc, store, fetcher, extractor)
	pipe.MinConfidence = cfg.LLM.MinConfidence
	stateSvc.Caps = pipe

	urlSvc := services.NewURLService(db)
	integritySvc := services.NewIntegrityService(db, store, stateSvc)
	sessions := services.NewSessionManager()
	batchSvc := services.NewBatchService(db, stateSvc, sessions, pipe.Run)
	batchSvc.DefaultConcurrency = cfg.Batch.DefaultConcurrency
	dedupSvc := services.NewDedupService(db, store, stateSvc)

	h := handlers.New(urlSvc, stateSvc, integritySvc, batchSvc, dedupSvc, sessions).
		WithBatchReplay(batchReplayStore{db: db, ttl: cfg.IdempotencyTTL})

	// Public API
	api := groupWithPrefix(r, apiBase)
	{
		// URLs
		api.POST("/urls/import", h.ImportURLs)
		api.GET("/urls", h.ListURLs)
		api.GET("/urls/status", h.StatusOverview)
		api.GET("/urls/:id", h.GetURL)
		api.POST("/urls/:id/transition", h.TransitionURL)
		api.POST("/urls/:id/ignore", h.IgnoreURL)
		api.POST("/urls/:id/unignore", h.UnignoreURL)
		api.POST("/urls/:id/reset", h.ResetURL)
		api.PUT("/urls/:id/intent", h.SetIntent)

		// Integrity
		api.GET("/urls/:id/integrity", h.CheckIntegrity)
		api.POST("/urls/:id/repair", h.RepairIntegrity)
		api.GET("/integrity", h.CheckBulkIntegrity)

		// Batches
		api.POST("/batches", h.CreateBatch)
		api.GET("/batches/:sessionId", h.GetBatch)
		api.POST("/batches/:sessionId/pause", h.PauseBatch)
		api.POST("/batches/:sessionId/resume", h.ResumeBatch)
		api.POST("/batches/:sessionId/cancel", h.CancelBatch)

		// Duplicates
		api.GET("/duplicates", h.FindDuplicates)
		api.POST("/duplicates/resolve", h.ResolveDuplicates)
	}
}

// batchReplayStore backs Idempotency-Key replay for POST /batches with the
// idempotency table. Lookup honors the record TTL; Record is best effort and
// swallows duplicates from concurrent retries.
type batchReplayStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// Lookup implements handlers.BatchReplayStore.
func (s batchReplayStore) Lookup(ctx context.Context, clientID, scope, key string) (string, bool) {
	rec, err := repo.GetIdempotency(ctx, s.db, clientID, scope, key, time.Now().UTC())
	if err != nil || rec == nil {
		return "", false
	}
	return rec.SessionID, true
}

// Record implements handlers.BatchReplayStore.
func (s batchReplayStore) Record(ctx context.Context, clientID, scope, key, sessionID string) {
	_, _ = repo.CreateIdempotency(ctx, s.db, clientID, scope, key, sessionID, http.StatusOK, s.ttl)
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

// joinPath concatenates a base path and a route, treating "/" as root.
func joinPath(base, route string) string {
	if base == "" || base == "/" {
		return route
	}
	return base + route
}
