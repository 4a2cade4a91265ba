// Batch HTTP handlers.
//
// This file exposes the batch orchestration endpoints:
//   - POST   /batches                 (start a batch; streams NDJSON progress)
//   - GET    /batches/{sessionId}     (session snapshot)
//   - POST   /batches/{sessionId}/pause
//   - POST   /batches/{sessionId}/resume
//   - POST   /batches/{sessionId}/cancel
//
// The create endpoint holds the connection open for the whole run and writes
// one JSON object per line as items complete. Pause, resume, and cancel act
// on the session out-of-band and take effect at the next chunk boundary.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/theodore-app/go-citation-backend/internal/http/middleware"
	"github.com/theodore-app/go-citation-backend/internal/services"
)

// BatchRunner defines batch orchestration operations consumed by HTTP
// handlers.
type BatchRunner interface {
	// ProcessBatch starts a run and returns the session plus its progress
	// stream. The stream is closed after the final session event.
	ProcessBatch(ctx context.Context, urlIDs []uint, opts services.BatchOptions) (*services.Session, <-chan services.ProgressEvent, error)
}

// BatchReplayStore maps a (clientID, scope, Idempotency-Key) tuple to the
// session it originally started, so a client retry of POST /batches
// re-attaches to the running session instead of launching a second one.
type BatchReplayStore interface {
	// Lookup returns the stored session id for the tuple, if any.
	Lookup(ctx context.Context, clientID, scope, key string) (sessionID string, found bool)
	// Record stores the tuple after a new session starts. Best effort: a
	// storage failure must not abort the run it records.
	Record(ctx context.Context, clientID, scope, key, sessionID string)
}

// CreateBatchRequest is the JSON payload for starting a batch.
type CreateBatchRequest struct {
	// URLIDs lists the URLs to process, in order.
	URLIDs []uint `json:"urlIds" binding:"required" example:"1,2,3"`
	// Concurrency is the chunk size; 0 uses the server default.
	Concurrency int `json:"concurrency,omitempty" example:"5"`
}

// CreateBatch godoc
// @ID          createBatch
// @Summary     Start a batch run (NDJSON progress stream)
// @Description Processes the given URLs through the enrichment pipeline with bounded concurrency. The response is application/x-ndjson: one progress event per line, ending with a terminal session event.
// @Tags        Batches
// @Accept      json
// @Produce     json
//
// @Param       body             body    handlers.CreateBatchRequest  true   "Batch payload"
// @Param       Idempotency-Key  header  string                       false  "Retry with the same key re-attaches to the original session instead of starting a new run"
//
// @Success     200  {object} services.ProgressEvent "NDJSON stream of progress events"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /batches [post]
func (h *Handlers) CreateBatch(c *gin.Context) {
	var req CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "urlIds required")
		return
	}

	idemKey, hasKey := middleware.GetIdempotencyKey(c)
	scope := c.FullPath()
	if hasKey && h.batchReplay != nil {
		if sid, found := h.batchReplay.Lookup(c.Request.Context(), middleware.ClientID(c), scope, idemKey); found {
			// A prior request with this key already started a run. Re-attach
			// instead of streaming: the original connection owns the stream.
			c.Header("X-Batch-Session-ID", sid)
			if session, err := h.sessions.Get(sid); err == nil {
				ok(c, http.StatusOK, session.Snapshot())
				return
			}
			// Session already evicted; the id is still the authoritative answer.
			ok(c, http.StatusOK, gin.H{"sessionId": sid, "replayed": true})
			return
		}
	}

	session, events, err := h.batchSvc.ProcessBatch(c.Request.Context(), req.URLIDs, services.BatchOptions{Concurrency: req.Concurrency})
	switch {
	case errors.Is(err, services.ErrEmptyBatch):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "urlIds must not be empty")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeBatchFailed, err.Error())
		return
	}

	if hasKey && h.batchReplay != nil {
		h.batchReplay.Record(c.Request.Context(), middleware.ClientID(c), scope, idemKey, session.ID())
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Batch-Session-ID", session.ID())
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	flusher, canFlush := c.Writer.(http.Flusher)
	clientGone := false

	// The channel must be drained to the end even after the client goes
	// away; the orchestrator owns it and blocks on unbuffered sends. Client
	// disconnect cancels the request context, which cancels the session at
	// the next chunk boundary, after which the channel closes.
	for ev := range events {
		if clientGone {
			continue
		}
		if err := enc.Encode(ev); err != nil {
			clientGone = true
			continue
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// GetBatch godoc
// @ID          getBatch
// @Summary     Fetch a batch session snapshot
// @Tags        Batches
// @Produce     json
//
// @Param       sessionId  path  string  true  "Batch session ID"
//
// @Success     200  {object} services.SessionSnapshot
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Router      /batches/{sessionId} [get]
func (h *Handlers) GetBatch(c *gin.Context) {
	session, err := h.sessions.Get(c.Param("sessionId"))
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "batch session not found")
		return
	}
	ok(c, http.StatusOK, session.Snapshot())
}

// PauseBatch godoc
// @ID          pauseBatch
// @Summary     Pause a batch at the next chunk boundary
// @Tags        Batches
// @Produce     json
//
// @Param       sessionId  path  string  true  "Batch session ID"
//
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Failure     409  {object} handlers.ErrorResponse "Session already finished"
// @Router      /batches/{sessionId}/pause [post]
func (h *Handlers) PauseBatch(c *gin.Context) {
	h.sessionOp(c, func(s *services.Session) error { return s.Pause() })
}

// ResumeBatch godoc
// @ID          resumeBatch
// @Summary     Resume a paused batch
// @Tags        Batches
// @Produce     json
//
// @Param       sessionId  path  string  true  "Batch session ID"
//
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Failure     409  {object} handlers.ErrorResponse "Session already finished"
// @Router      /batches/{sessionId}/resume [post]
func (h *Handlers) ResumeBatch(c *gin.Context) {
	h.sessionOp(c, func(s *services.Session) error { return s.Resume() })
}

// CancelBatch godoc
// @ID          cancelBatch
// @Summary     Cancel a batch at the next chunk boundary
// @Tags        Batches
// @Produce     json
//
// @Param       sessionId  path  string  true  "Batch session ID"
//
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Failure     409  {object} handlers.ErrorResponse "Session already finished"
// @Router      /batches/{sessionId}/cancel [post]
func (h *Handlers) CancelBatch(c *gin.Context) {
	h.sessionOp(c, func(s *services.Session) error { return s.Cancel() })
}

// sessionOp maps a session control call to 204/404/409.
func (h *Handlers) sessionOp(c *gin.Context, op func(*services.Session) error) {
	session, err := h.sessions.Get(c.Param("sessionId"))
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "batch session not found")
		return
	}
	if err := op(session); err != nil {
		fail(c, http.StatusConflict, ErrCodeSessionInactive, err.Error())
		return
	}
	noContent(c)
}
