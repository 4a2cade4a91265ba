// Duplicate HTTP handlers.
//
// This file exposes the deduplication endpoints:
//   - GET   /duplicates           (detect duplicate groups)
//   - POST  /duplicates/resolve   (apply resolutions)
//
// Resolve semantics: the batch is all-or-nothing. Any resolution that fails
// validation against a fresh snapshot is a 400 and nothing is written; any
// resolution that fails while applying is a 500 and the whole batch is
// rolled back; success is a 200 with per-resolution outcomes.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/theodore-app/go-citation-backend/internal/services"
	"github.com/theodore-app/go-citation-backend/internal/urlnorm"
	"github.com/theodore-app/go-citation-backend/internal/utils"
)

// Deduper defines duplicate detection and resolution operations consumed by
// HTTP handlers.
type Deduper interface {
	// FindDuplicateGroups scans for URL groups with colliding canonical forms.
	FindDuplicateGroups(ctx context.Context, opts services.FindOptions) (*services.DuplicateReport, error)
	// ExecuteDeduplicateAll applies a batch of resolutions atomically.
	ExecuteDeduplicateAll(ctx context.Context, resolutions []services.Resolution, normalize *urlnorm.Options) ([]services.ResolutionOutcome, error)
}

// ResolveRequest is the JSON payload for applying duplicate resolutions.
// Normalize must match the options used for the detection pass that produced
// the group ids, so re-validation computes the same groups.
type ResolveRequest struct {
	Resolutions []services.Resolution `json:"resolutions" binding:"required"`
	Normalize   *NormalizeOptions     `json:"normalize,omitempty"`
}

// NormalizeOptions mirrors the URL canonicalization settings on the wire.
type NormalizeOptions struct {
	RemovePath          bool `json:"removePath"`
	RemoveQuery         bool `json:"removeQuery"`
	RemoveFragment      bool `json:"removeFragment"`
	RemoveTrailingSlash bool `json:"removeTrailingSlash"`
	Lowercase           bool `json:"lowercase"`
}

// toOptions translates the wire form; nil means "use the defaults" and an
// explicit all-false payload stays all-false.
func (n *NormalizeOptions) toOptions() *urlnorm.Options {
	if n == nil {
		return nil
	}
	return &urlnorm.Options{
		RemovePath:          n.RemovePath,
		RemoveQuery:         n.RemoveQuery,
		RemoveFragment:      n.RemoveFragment,
		RemoveTrailingSlash: n.RemoveTrailingSlash,
		Lowercase:           n.Lowercase,
	}
}

// ResolveResponse wraps the applied resolution outcomes.
type ResolveResponse struct {
	Resolved []services.ResolutionOutcome `json:"resolved"`
}

// FindDuplicates godoc
// @ID          findDuplicates
// @Summary     Detect duplicate URL groups
// @Description Groups URLs whose canonicalized forms collide, together with the distinct bibliographic items they reference.
// @Tags        Duplicates
// @Produce     json
//
// @Param       sections             query  string  false "Comma-separated section filter"
// @Param       min_group_size       query  int     false "Smallest group reported"  minimum(2) default(2)
// @Param       removePath           query  bool    false "Drop the URL path before grouping"  default(false)
// @Param       removeQuery          query  bool    false "Drop the query string before grouping"  default(true)
// @Param       removeFragment       query  bool    false "Drop the fragment before grouping"  default(true)
// @Param       removeTrailingSlash  query  bool    false "Drop a trailing slash before grouping"  default(true)
// @Param       lowercase            query  bool    false "Lowercase before grouping"  default(true)
//
// @Success     200  {object} services.DuplicateReport
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /duplicates [get]
func (h *Handlers) FindDuplicates(c *gin.Context) {
	opts := services.FindOptions{}
	if raw := c.Query("sections"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				opts.Sections = append(opts.Sections, s)
			}
		}
	}
	// Values below 2 are raised by the service.
	opts.MinGroupSize = utils.AtoiDefault(c.Query("min_group_size"), 0)

	// Each normalization toggle starts from its default and is overridden
	// only when the query names it, so ?lowercase=false is honored without
	// forcing callers to spell out the other four.
	normalize := urlnorm.DefaultOptions()
	normalize.RemovePath = boolQuery(c, "removePath", normalize.RemovePath)
	normalize.RemoveQuery = boolQuery(c, "removeQuery", normalize.RemoveQuery)
	normalize.RemoveFragment = boolQuery(c, "removeFragment", normalize.RemoveFragment)
	normalize.RemoveTrailingSlash = boolQuery(c, "removeTrailingSlash", normalize.RemoveTrailingSlash)
	normalize.Lowercase = boolQuery(c, "lowercase", normalize.Lowercase)
	opts.Normalize = &normalize

	report, err := h.dedupSvc.FindDuplicateGroups(c.Request.Context(), opts)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, report)
}

// ResolveDuplicates godoc
// @ID          resolveDuplicates
// @Summary     Resolve duplicate groups
// @Description Applies the resolutions as one atomic batch: secondaries are relinked to the primary item (byte-identical raw URLs absorbed), redundant items are deleted from the store, and the batch's writes either all land or all roll back.
// @Tags        Duplicates
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.ResolveRequest  true  "Resolutions"
//
// @Success     200  {object} handlers.ResolveResponse
// @Failure     400  {object} handlers.ErrorResponse "Validation failed; nothing applied"
// @Failure     500  {object} handlers.ErrorResponse "A resolution failed and the batch was rolled back"
// @Router      /duplicates/resolve [post]
func (h *Handlers) ResolveDuplicates(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Resolutions) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "resolutions required")
		return
	}

	outcomes, err := h.dedupSvc.ExecuteDeduplicateAll(c.Request.Context(), req.Resolutions, req.Normalize.toOptions())
	switch {
	case isResolutionValidationError(err):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeResolveFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ResolveResponse{Resolved: outcomes})
}

// boolQuery reads a boolean query parameter, keeping def when the parameter
// is absent or unparseable.
func boolQuery(c *gin.Context, name string, def bool) bool {
	raw, present := c.GetQuery(name)
	if !present {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// isResolutionValidationError distinguishes client mistakes (rejected before
// any write) from apply-time failures.
func isResolutionValidationError(err error) bool {
	return errors.Is(err, services.ErrGroupNotFound) ||
		errors.Is(err, services.ErrNotGroupMember) ||
		errors.Is(err, services.ErrNotGroupItem) ||
		errors.Is(err, services.ErrDeletePrimaryItem)
}
