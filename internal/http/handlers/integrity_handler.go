// Integrity HTTP handlers.
//
// This file exposes the consistency-report endpoints:
//   - GET   /urls/{id}/integrity   (single-URL report)
//   - GET   /integrity             (bulk report, filtered + paginated)
//   - POST  /urls/{id}/repair      (apply the suggested repair)
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/theodore-app/go-citation-backend/internal/guards"
	"github.com/theodore-app/go-citation-backend/internal/services"
)

// IntegrityChecker defines the consistency operations consumed by HTTP
// handlers.
type IntegrityChecker interface {
	// Check produces a report for one URL.
	Check(ctx context.Context, id uint) (*services.IntegrityReport, error)
	// CheckBulk produces a filtered, paginated report over all URLs.
	CheckBulk(ctx context.Context, f services.BulkIntegrityFilter, page, limit int) (*services.BulkIntegrityPage, error)
	// Repair applies the suggested repair action and re-checks.
	Repair(ctx context.Context, id uint) (*services.IntegrityReport, error)
}

// CheckIntegrity godoc
// @ID          checkIntegrity
// @Summary     Integrity report for one URL
// @Description Reports state/storage mismatches for the URL, the suggested repair, and a severity classification.
// @Tags        Integrity
// @Produce     json
//
// @Param       id  path  int  true  "URL ID"
//
// @Success     200  {object} services.IntegrityReport
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "URL not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /urls/{id}/integrity [get]
func (h *Handlers) CheckIntegrity(c *gin.Context) {
	id, valid := urlID(c)
	if !valid {
		return
	}

	report, err := h.integritySvc.Check(c.Request.Context(), id)
	switch {
	case errors.Is(err, services.ErrURLNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "url not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeIntegrityFailed, err.Error())
	default:
		ok(c, http.StatusOK, report)
	}
}

// CheckBulkIntegrity godoc
// @ID          checkBulkIntegrity
// @Summary     Bulk integrity report
// @Description Scans all URLs and returns the inconsistent ones, filtered by issue type or severity, paginated (limit capped at 100).
// @Tags        Integrity
// @Produce     json
//
// @Param       issue_type  query  string  false "Filter by issue name"
// @Param       severity    query  string  false "Filter by severity (error|warning)"
// @Param       page        query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size   query  int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} services.BulkIntegrityPage
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /integrity [get]
func (h *Handlers) CheckBulkIntegrity(c *gin.Context) {
	page, pageSize := clampPagination(c)
	filter := services.BulkIntegrityFilter{
		IssueType: guards.Issue(c.Query("issue_type")),
		Severity:  c.Query("severity"),
	}

	result, err := h.integritySvc.CheckBulk(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeIntegrityFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, result)
}

// RepairIntegrity godoc
// @ID          repairIntegrity
// @Summary     Apply the suggested repair to a URL
// @Description Runs the repair action suggested by the integrity check and returns the post-repair report.
// @Tags        Integrity
// @Produce     json
//
// @Param       id  path  int  true  "URL ID"
//
// @Success     200  {object} services.IntegrityReport
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "URL not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /urls/{id}/repair [post]
func (h *Handlers) RepairIntegrity(c *gin.Context) {
	id, valid := urlID(c)
	if !valid {
		return
	}

	report, err := h.integritySvc.Repair(c.Request.Context(), id)
	switch {
	case errors.Is(err, services.ErrURLNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "url not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeIntegrityFailed, err.Error())
	default:
		ok(c, http.StatusOK, report)
	}
}
