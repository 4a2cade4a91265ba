// URL HTTP handlers.
//
// This file exposes REST endpoints for URL resources and their state machine:
//   - POST   /urls/import            (extract and register URLs)
//   - GET    /urls                   (list, filtered + paginated, ETag support)
//   - GET    /urls/{id}              (fetch one)
//   - POST   /urls/{id}/transition   (guarded state transition)
//   - POST   /urls/{id}/ignore       (mark ignored)
//   - POST   /urls/{id}/unignore     (restore to not_started)
//   - POST   /urls/{id}/reset        (wipe processing state)
//   - PUT    /urls/{id}/intent       (set user intent)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/theodore-app/go-citation-backend/internal/domain"
	"github.com/theodore-app/go-citation-backend/internal/repo"
	"github.com/theodore-app/go-citation-backend/internal/services"
	"github.com/theodore-app/go-citation-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// URLIntake defines URL registration and retrieval operations consumed by
// HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type URLIntake interface {
	// Import extracts and registers URLs from text or an explicit list.
	Import(ctx context.Context, req services.ImportRequest) (*services.ImportResult, error)
	// Get fetches one URL by id.
	Get(ctx context.Context, id uint) (*domain.URL, error)
	// List returns one page of URLs matching the filter.
	List(ctx context.Context, f repo.URLFilter, page, limit int) (*services.URLPage, error)
	// StatusCounts returns URL counts per processing status.
	StatusCounts(ctx context.Context) (map[domain.ProcessingStatus]int64, error)
}

// StateMachine defines the guarded transition operations on a URL.
type StateMachine interface {
	// Transition attempts a guarded move to target.
	Transition(ctx context.Context, id uint, target domain.ProcessingStatus) (services.TransitionResult, error)
	// Reset returns a URL to not_started with cleared history.
	Reset(ctx context.Context, id uint) error
	// SetUserIntent stores a user override without changing status.
	SetUserIntent(ctx context.Context, id uint, intent domain.UserIntent) error
	// Ignore marks a URL ignored; Unignore restores it.
	Ignore(ctx context.Context, id uint) error
	Unignore(ctx context.Context, id uint) error
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for URLs, batches, integrity, and
// duplicates. It depends on abstract service interfaces to keep transport
// concerns separate from business logic.
type Handlers struct {
	urlSvc       URLIntake
	stateSvc     StateMachine
	integritySvc IntegrityChecker
	batchSvc     BatchRunner
	dedupSvc     Deduper
	sessions     *services.SessionManager
	batchReplay  BatchReplayStore // optional, see WithBatchReplay
}

// New constructs and returns a Handlers instance bound to the given services.
func New(urlSvc URLIntake, stateSvc StateMachine, integritySvc IntegrityChecker, batchSvc BatchRunner, dedupSvc Deduper, sessions *services.SessionManager) *Handlers {
	return &Handlers{
		urlSvc:       urlSvc,
		stateSvc:     stateSvc,
		integritySvc: integritySvc,
		batchSvc:     batchSvc,
		dedupSvc:     dedupSvc,
		sessions:     sessions,
	}
}

// WithBatchReplay enables Idempotency-Key replay on batch creation. Without a
// store, CreateBatch treats every request as a fresh run.
func (h *Handlers) WithBatchReplay(s BatchReplayStore) *Handlers {
	h.batchReplay = s
	return h
}

//
// DTOs
//

// TransitionRequest is the JSON payload for a state transition.
type TransitionRequest struct {
	// TargetState names the processing status to move to.
	TargetState string `json:"targetState" binding:"required" example:"processing_content"`
}

// IntentRequest is the JSON payload for setting a user intent.
type IntentRequest struct {
	// Intent is one of: auto, ignore, priority, manual_only, archive.
	Intent string `json:"intent" binding:"required" example:"priority"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListURLsResponse wraps a page of URLs and pagination information.
type ListURLsResponse struct {
	URLs       []domain.URL `json:"urls"`
	Pagination Pagination   `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// urlID parses the {id} path parameter; on failure it writes a 400 and
// returns false.
func urlID(c *gin.Context) (uint, bool) {
	id, valid := utils.ParseID(c.Param("id"))
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "url id must be a positive integer")
		return 0, false
	}
	return id, true
}

//
// Handlers
//

// ImportURLs godoc
// @ID          importUrls
// @Summary     Import URLs
// @Description Extracts URLs from free text and/or registers an explicit list, skipping ones already known.
// @Tags        URLs
// @Accept      json
// @Produce     json
//
// @Param       body  body  services.ImportRequest  true  "Import payload"
//
// @Success     201  {object}  services.ImportResult
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /urls/import [post]
func (h *Handlers) ImportURLs(c *gin.Context) {
	var req services.ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" && len(req.URLs) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "either text or urls is required")
		return
	}

	result, err := h.urlSvc.Import(c.Request.Context(), req)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeImportFailed, err.Error())
		return
	}
	ok(c, http.StatusCreated, result)
}

// ListURLs godoc
// @ID          listUrls
// @Summary     List URLs (filtered, paginated)
// @Description Returns a page of URLs. Supports weak ETag via If-None-Match and may return 304.
// @Tags        URLs
// @Produce     json
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       status         query   string  false "Filter by processing status"
// @Param       section        query   string  false "Filter by document section"
// @Param       linked         query   bool    false "Filter by item-key presence"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListURLsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /urls [get]
func (h *Handlers) ListURLs(c *gin.Context) {
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)

	filter := repo.URLFilter{Section: c.Query("section")}
	if raw := c.Query("status"); raw != "" {
		status := domain.ProcessingStatus(raw)
		if !status.Valid() {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
		filter.Status = status
	}
	if raw := c.Query("linked"); raw != "" {
		linked := raw == "true" || raw == "1"
		filter.Linked = &linked
	}

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, isConcrete := h.urlSvc.(*services.URLService); isConcrete {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, err := repo.URLsStats(ctx, db)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"urls:%d:%d"`, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	result, err := h.urlSvc.List(ctx, filter, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	ok(c, http.StatusOK, ListURLsResponse{
		URLs: result.URLs,
		Pagination: Pagination{
			Page:       result.Page,
			PageSize:   result.Limit,
			Total:      result.Total,
			TotalPages: result.TotalPages,
			HasNext:    result.Page < result.TotalPages,
		},
	})
}

// GetURL godoc
// @ID          getUrl
// @Summary     Fetch one URL
// @Tags        URLs
// @Produce     json
//
// @Param       id  path  int  true  "URL ID"
//
// @Success     200  {object} domain.URL
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "URL not found"
// @Router      /urls/{id} [get]
func (h *Handlers) GetURL(c *gin.Context) {
	id, valid := urlID(c)
	if !valid {
		return
	}

	u, err := h.urlSvc.Get(c.Request.Context(), id)
	if errors.Is(err, services.ErrURLNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "url not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, u)
}

// TransitionURL godoc
// @ID          transitionUrl
// @Summary     Attempt a state transition
// @Description Moves the URL to the target state when the transition graph and guards allow it. A rejected transition is a 200 with success=false, not an error.
// @Tags        URLs
// @Accept      json
// @Produce     json
//
// @Param       id    path  int  true  "URL ID"
// @Param       body  body  handlers.TransitionRequest  true  "Target state"
//
// @Success     200  {object} services.TransitionResult
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "URL not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /urls/{id}/transition [post]
func (h *Handlers) TransitionURL(c *gin.Context) {
	id, valid := urlID(c)
	if !valid {
		return
	}

	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "targetState required")
		return
	}
	target := domain.ProcessingStatus(req.TargetState)
	if !target.Valid() {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("unknown status %q", req.TargetState))
		return
	}

	result, err := h.stateSvc.Transition(c.Request.Context(), id, target)
	switch {
	case errors.Is(err, services.ErrURLNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "url not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	default:
		ok(c, http.StatusOK, result)
	}
}

// IgnoreURL godoc
// @ID          ignoreUrl
// @Summary     Ignore a URL
// @Description Sets intent to ignore and forces the ignored state from any current state.
// @Tags        URLs
// @Produce     json
//
// @Param       id  path  int  true  "URL ID"
//
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "URL not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /urls/{id}/ignore [post]
func (h *Handlers) IgnoreURL(c *gin.Context) {
	h.simpleStateOp(c, h.stateSvc.Ignore)
}

// UnignoreURL godoc
// @ID          unignoreUrl
// @Summary     Unignore a URL
// @Description Restores intent to auto and returns the URL to not_started.
// @Tags        URLs
// @Produce     json
//
// @Param       id  path  int  true  "URL ID"
//
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "URL not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /urls/{id}/unignore [post]
func (h *Handlers) UnignoreURL(c *gin.Context) {
	h.simpleStateOp(c, h.stateSvc.Unignore)
}

// ResetURL godoc
// @ID          resetUrl
// @Summary     Reset a URL
// @Description Returns the URL to not_started with zero attempts and empty history.
// @Tags        URLs
// @Produce     json
//
// @Param       id  path  int  true  "URL ID"
//
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "URL not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /urls/{id}/reset [post]
func (h *Handlers) ResetURL(c *gin.Context) {
	h.simpleStateOp(c, h.stateSvc.Reset)
}

// simpleStateOp runs a body-less per-URL state operation and maps its
// outcome to 204/404/500.
func (h *Handlers) simpleStateOp(c *gin.Context, op func(context.Context, uint) error) {
	id, valid := urlID(c)
	if !valid {
		return
	}
	err := op(c.Request.Context(), id)
	switch {
	case errors.Is(err, services.ErrURLNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "url not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	default:
		noContent(c)
	}
}

// SetIntent godoc
// @ID          setIntent
// @Summary     Set user intent
// @Description Stores a user override for the URL. The intent gates guard checks; it does not itself change the processing status.
// @Tags        URLs
// @Accept      json
// @Produce     json
//
// @Param       id    path  int  true  "URL ID"
// @Param       body  body  handlers.IntentRequest  true  "Intent payload"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "URL not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /urls/{id}/intent [put]
func (h *Handlers) SetIntent(c *gin.Context) {
	id, valid := urlID(c)
	if !valid {
		return
	}

	var req IntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "intent required")
		return
	}
	intent := domain.UserIntent(req.Intent)
	if !intent.Valid() {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("unknown intent %q", req.Intent))
		return
	}

	err := h.stateSvc.SetUserIntent(c.Request.Context(), id, intent)
	switch {
	case errors.Is(err, services.ErrURLNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "url not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	default:
		noContent(c)
	}
}

// StatusOverview godoc
// @ID          statusOverview
// @Summary     URL counts per processing status
// @Tags        URLs
// @Produce     json
//
// @Success     200  {object} map[string]int64
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /urls/status [get]
func (h *Handlers) StatusOverview(c *gin.Context) {
	counts, err := h.urlSvc.StatusCounts(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, counts)
}
