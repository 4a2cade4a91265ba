package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/theodore-app/go-citation-backend/internal/http/middleware"
	"github.com/theodore-app/go-citation-backend/internal/services"
)

// ---------- flexible batch stub ----------

type stubBatchRunner struct {
	processFn func(context.Context, []uint, services.BatchOptions) (*services.Session, <-chan services.ProgressEvent, error)
}

func (s stubBatchRunner) ProcessBatch(ctx context.Context, urlIDs []uint, opts services.BatchOptions) (*services.Session, <-chan services.ProgressEvent, error) {
	if s.processFn != nil {
		return s.processFn(ctx, urlIDs, opts)
	}
	return nil, nil, services.ErrEmptyBatch
}

func newBatchHandlers(b BatchRunner, sessions *services.SessionManager) *Handlers {
	return New(stubURLSvc{}, stubStateSvc{}, noopIntegrity{}, b, noopDedup{}, sessions)
}

func batchRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.POST("/batches", h.CreateBatch)
	r.GET("/batches/:sessionId", h.GetBatch)
	r.POST("/batches/:sessionId/pause", h.PauseBatch)
	r.POST("/batches/:sessionId/resume", h.ResumeBatch)
	r.POST("/batches/:sessionId/cancel", h.CancelBatch)
	return r
}

// ---------- CreateBatch ----------

func TestCreateBatch_BadJSON_Empty_Internal(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Bad JSON -> 400
	{
		r := batchRouter(newBatchHandlers(stubBatchRunner{}, services.NewSessionManager()))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/batches", bytes.NewBufferString("{bad")))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("bad json -> %d", w.Code)
		}
	}

	// Empty id list -> 400 via ErrEmptyBatch
	{
		svc := stubBatchRunner{
			processFn: func(context.Context, []uint, services.BatchOptions) (*services.Session, <-chan services.ProgressEvent, error) {
				return nil, nil, services.ErrEmptyBatch
			},
		}
		r := batchRouter(newBatchHandlers(svc, services.NewSessionManager()))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/batches", bytes.NewBufferString(`{"urlIds":[]}`)))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("empty batch -> %d body=%s", w.Code, w.Body.String())
		}
	}

	// Other error -> 500
	{
		svc := stubBatchRunner{
			processFn: func(context.Context, []uint, services.BatchOptions) (*services.Session, <-chan services.ProgressEvent, error) {
				return nil, nil, gorm.ErrInvalidField
			},
		}
		r := batchRouter(newBatchHandlers(svc, services.NewSessionManager()))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/batches", bytes.NewBufferString(`{"urlIds":[1,2]}`)))
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("internal -> %d", w.Code)
		}
	}
}

func TestCreateBatch_StreamsNDJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)

	sessions := services.NewSessionManager()
	session := sessions.Create([]uint{1, 2})

	var gotIDs []uint
	var gotOpts services.BatchOptions
	svc := stubBatchRunner{
		processFn: func(ctx context.Context, urlIDs []uint, opts services.BatchOptions) (*services.Session, <-chan services.ProgressEvent, error) {
			gotIDs, gotOpts = urlIDs, opts

			events := make(chan services.ProgressEvent, 4)
			events <- services.ProgressEvent{Type: "session_start", SessionID: session.ID(), Timestamp: time.Now().UTC()}
			events <- services.ProgressEvent{Type: "item", SessionID: session.ID(), URLID: 1, Success: true, Completed: 1}
			events <- services.ProgressEvent{Type: "session_complete", SessionID: session.ID(), Completed: 2}
			close(events)
			return session, events, nil
		},
	}
	r := batchRouter(newBatchHandlers(svc, sessions))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/batches", bytes.NewBufferString(`{"urlIds":[1,2],"concurrency":4}`))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("stream -> %d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type %q", ct)
	}
	if sid := w.Header().Get("X-Batch-Session-ID"); sid != session.ID() {
		t.Fatalf("session header %q want %q", sid, session.ID())
	}
	if len(gotIDs) != 2 || gotIDs[0] != 1 || gotOpts.Concurrency != 4 {
		t.Fatalf("service args mismatch: ids=%v opts=%+v", gotIDs, gotOpts)
	}

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 NDJSON lines, got %d: %q", len(lines), w.Body.String())
	}
	wantTypes := []string{"session_start", "item", "session_complete"}
	for i, line := range lines {
		var ev services.ProgressEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("line %d json: %v", i, err)
		}
		if ev.Type != wantTypes[i] {
			t.Fatalf("line %d type %q want %q", i, ev.Type, wantTypes[i])
		}
		if ev.SessionID != session.ID() {
			t.Fatalf("line %d session id %q", i, ev.SessionID)
		}
	}
}

// ---------- GetBatch ----------

func TestGetBatch_NotFound_and_Snapshot(t *testing.T) {
	gin.SetMode(gin.TestMode)

	sessions := services.NewSessionManager()
	r := batchRouter(newBatchHandlers(stubBatchRunner{}, sessions))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/batches/batch_missing", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing session -> %d", w.Code)
	}

	session := sessions.Create([]uint{5, 6, 7})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/batches/"+session.ID(), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot -> %d body=%s", w.Code, w.Body.String())
	}
	var snap services.SessionSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("json: %v", err)
	}
	if snap.ID != session.ID() || snap.Status != services.SessionRunning || len(snap.URLIDs) != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

// ---------- Pause / Resume / Cancel ----------

func TestBatchSessionOps_204_404_409(t *testing.T) {
	gin.SetMode(gin.TestMode)

	sessions := services.NewSessionManager()
	r := batchRouter(newBatchHandlers(stubBatchRunner{}, sessions))

	post := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		return w
	}

	if w := post("/batches/batch_missing/pause"); w.Code != http.StatusNotFound {
		t.Fatalf("missing pause -> %d", w.Code)
	}

	session := sessions.Create([]uint{1})
	base := "/batches/" + session.ID()

	if w := post(base + "/pause"); w.Code != http.StatusNoContent {
		t.Fatalf("pause -> %d", w.Code)
	}
	if w := post(base + "/resume"); w.Code != http.StatusNoContent {
		t.Fatalf("resume -> %d", w.Code)
	}
	if w := post(base + "/cancel"); w.Code != http.StatusNoContent {
		t.Fatalf("cancel -> %d", w.Code)
	}

	// Pausing a cancelled session is a conflict, not a repeatable no-op.
	w := post(base + "/pause")
	if w.Code != http.StatusConflict {
		t.Fatalf("pause after cancel -> %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Code != ErrCodeSessionInactive {
		t.Fatalf("error code %q", resp.Code)
	}
}

// ---------- Idempotency replay ----------

type stubReplayStore struct {
	lookupFn func(ctx context.Context, clientID, scope, key string) (string, bool)
	recorded [][4]string
}

func (s *stubReplayStore) Lookup(ctx context.Context, clientID, scope, key string) (string, bool) {
	if s.lookupFn != nil {
		return s.lookupFn(ctx, clientID, scope, key)
	}
	return "", false
}

func (s *stubReplayStore) Record(_ context.Context, clientID, scope, key, sessionID string) {
	s.recorded = append(s.recorded, [4]string{clientID, scope, key, sessionID})
}

// replayRouter mirrors production wiring: the validator stashes the key
// before CreateBatch consults the replay store.
func replayRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	r.POST("/batches", h.CreateBatch)
	return r
}

func TestCreateBatch_IdempotentReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Replay of a still-live session returns its snapshot, not a stream.
	{
		sessions := services.NewSessionManager()
		orig := sessions.Create([]uint{1, 2, 3})

		processCalled := false
		svc := stubBatchRunner{
			processFn: func(context.Context, []uint, services.BatchOptions) (*services.Session, <-chan services.ProgressEvent, error) {
				processCalled = true
				return nil, nil, services.ErrEmptyBatch
			},
		}
		store := &stubReplayStore{
			lookupFn: func(_ context.Context, clientID, scope, key string) (string, bool) {
				if clientID != "inst-5" || scope != "/batches" || key != "retry-1" {
					t.Fatalf("lookup tuple: %q %q %q", clientID, scope, key)
				}
				return orig.ID(), true
			},
		}
		h := newBatchHandlers(svc, sessions).WithBatchReplay(store)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/batches", bytes.NewBufferString(`{"urlIds":[1,2,3]}`))
		req.Header.Set("Idempotency-Key", "retry-1")
		req.Header.Set("X-Client-ID", "inst-5")
		replayRouter(h).ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("replay -> %d body=%s", w.Code, w.Body.String())
		}
		if processCalled {
			t.Fatalf("replay must not start a second run")
		}
		if got := w.Header().Get("X-Batch-Session-ID"); got != orig.ID() {
			t.Fatalf("session header = %q; want %q", got, orig.ID())
		}
		var snap services.SessionSnapshot
		if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
			t.Fatalf("snapshot json: %v", err)
		}
		if snap.ID != orig.ID() || len(snap.URLIDs) != 3 {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
	}

	// Replay of an evicted session still answers with the original id.
	{
		store := &stubReplayStore{
			lookupFn: func(context.Context, string, string, string) (string, bool) {
				return "batch_gone", true
			},
		}
		h := newBatchHandlers(stubBatchRunner{}, services.NewSessionManager()).WithBatchReplay(store)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/batches", bytes.NewBufferString(`{"urlIds":[1]}`))
		req.Header.Set("Idempotency-Key", "retry-2")
		replayRouter(h).ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("evicted replay -> %d", w.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("json: %v", err)
		}
		if body["sessionId"] != "batch_gone" || body["replayed"] != true {
			t.Fatalf("unexpected body: %v", body)
		}
	}

	// Miss: the run starts normally and the tuple is recorded with the new
	// session id.
	{
		sessions := services.NewSessionManager()
		session := sessions.Create([]uint{7})
		events := make(chan services.ProgressEvent)
		close(events)
		svc := stubBatchRunner{
			processFn: func(context.Context, []uint, services.BatchOptions) (*services.Session, <-chan services.ProgressEvent, error) {
				return session, events, nil
			},
		}
		store := &stubReplayStore{}
		h := newBatchHandlers(svc, sessions).WithBatchReplay(store)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/batches", bytes.NewBufferString(`{"urlIds":[7]}`))
		req.Header.Set("Idempotency-Key", "fresh-1")
		req.Header.Set("X-Client-ID", "inst-5")
		replayRouter(h).ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("miss -> %d", w.Code)
		}
		if len(store.recorded) != 1 {
			t.Fatalf("expected one recorded tuple, got %d", len(store.recorded))
		}
		if rec := store.recorded[0]; rec != [4]string{"inst-5", "/batches", "fresh-1", session.ID()} {
			t.Fatalf("recorded tuple mismatch: %v", rec)
		}
	}

	// Without a key the store is never consulted.
	{
		lookupCalled := false
		store := &stubReplayStore{
			lookupFn: func(context.Context, string, string, string) (string, bool) {
				lookupCalled = true
				return "", false
			},
		}
		h := newBatchHandlers(stubBatchRunner{}, services.NewSessionManager()).WithBatchReplay(store)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/batches", bytes.NewBufferString(`{"urlIds":[]}`))
		replayRouter(h).ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("empty batch -> %d", w.Code)
		}
		if lookupCalled {
			t.Fatalf("lookup must not run without an Idempotency-Key")
		}
	}
}
