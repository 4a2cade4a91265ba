// Package services – BatchService
//
// This file implements the batch orchestrator: it drives a list of URL ids
// through an externally supplied pipeline function with bounded concurrency,
// producing a progress stream and a session supporting cooperative
// pause/resume/cancel.
//
// Scheduling model: the id list is partitioned into consecutive chunks of
// size `concurrency`; all items of a chunk run concurrently, and the whole
// chunk must finish before the next one starts. The chunk barrier is also
// the cooperative scheduling point: pause and cancel are honored only
// between chunks, never by preempting an in-flight external call (each
// external call carries its own timeout so a stuck call cannot block
// cancellation indefinitely).
//
// Failure model: each item's outcome is caught individually. A pipeline
// error, a panic inside the pipeline, or a rejected state transition become
// entries in the session's failed list; none of them aborts the batch.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/theodore-app/go-citation-backend/internal/domain"
	"github.com/theodore-app/go-citation-backend/internal/repo"
)

var (
	// batchSessionsActive gauges sessions currently running or paused.
	batchSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "theodore",
		Name:      "batch_sessions_active",
		Help:      "Number of batch sessions currently running or paused.",
	})

	// batchItemsTotal counts processed items by outcome.
	batchItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "theodore",
			Name:      "batch_items_total",
			Help:      "Total batch pipeline items processed, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(batchSessionsActive, batchItemsTotal)
}

// PipelineResult is the outcome of one URL's trip through the external
// pipeline stages. Target names the processing status the state machine
// should record; Stage names the last stage that ran. Err is set when the
// pipeline failed; the target (typically exhausted) is still applied so
// the URL's status reflects the failure.
type PipelineResult struct {
	Target  domain.ProcessingStatus
	Stage   string
	ItemKey string
	Err     error
}

// PipelineFunc runs the enrichment pipeline for a single URL. It must
// respect ctx and bound its own external calls with timeouts.
type PipelineFunc func(ctx context.Context, u domain.URL) PipelineResult

// ProgressEvent is one line of the batch progress stream.
type ProgressEvent struct {
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	SessionID   string    `json:"sessionId"`
	URLID       uint      `json:"urlId,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Chunk       int       `json:"chunk,omitempty"`
	TotalChunks int       `json:"totalChunks,omitempty"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
}

// Progress event types.
const (
	EventSessionStart     = "session_start"
	EventItem             = "item"
	EventChunkComplete    = "chunk_complete"
	EventSessionPaused    = "session_paused"
	EventSessionResumed   = "session_resumed"
	EventSessionComplete  = "session_complete"
	EventSessionCancelled = "session_cancelled"
)

// BatchOptions tunes one batch run.
type BatchOptions struct {
	// Concurrency is the chunk size; values < 1 fall back to the service
	// default.
	Concurrency int
}

// BatchService orchestrates batch pipeline runs.
type BatchService struct {
	// DB is the GORM handle used to load URL rows.
	DB *gorm.DB
	// State records per-item outcomes as guarded transitions.
	State *StateService
	// Sessions owns the live session map.
	Sessions *SessionManager
	// Pipeline is the externally supplied per-URL pipeline.
	Pipeline PipelineFunc

	// DefaultConcurrency applies when options omit a chunk size.
	DefaultConcurrency int
}

// NewBatchService constructs a BatchService with a default concurrency of 5.
func NewBatchService(db *gorm.DB, state *StateService, sessions *SessionManager, pipeline PipelineFunc) *BatchService {
	return &BatchService{
		DB:                 db,
		State:              state,
		Sessions:           sessions,
		Pipeline:           pipeline,
		DefaultConcurrency: 5,
	}
}

// ProcessBatch starts a batch over urlIDs and returns the session plus its
// progress stream. The stream is closed exactly once, on completion,
// cancellation, or an orchestrator-level failure, and never before the
// final session event has been emitted.
//
// Cancelling ctx (e.g., the streaming client disconnecting) cancels the
// session at the next chunk boundary.
func (s *BatchService) ProcessBatch(ctx context.Context, urlIDs []uint, opts BatchOptions) (*Session, <-chan ProgressEvent, error) {
	if len(urlIDs) == 0 {
		return nil, nil, ErrEmptyBatch
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = s.DefaultConcurrency
	}
	if concurrency < 1 {
		concurrency = 1
	}

	session := s.Sessions.Create(urlIDs)
	events := make(chan ProgressEvent, 2*concurrency)

	go s.run(ctx, session, urlIDs, concurrency, events)

	return session, events, nil
}

// run is the orchestrator goroutine. It owns the events channel.
func (s *BatchService) run(ctx context.Context, session *Session, urlIDs []uint, concurrency int, events chan<- ProgressEvent) {
	tr := otel.Tracer("services/BatchService")
	ctx, span := tr.Start(ctx, "ProcessBatch",
		trace.WithAttributes(
			attribute.String("batch.session_id", session.ID()),
			attribute.Int("batch.size", len(urlIDs)),
			attribute.Int("batch.concurrency", concurrency),
		),
	)
	defer span.End()

	batchSessionsActive.Inc()
	defer batchSessionsActive.Dec()
	defer close(events)

	// Client disconnect = cooperative cancel at the next chunk boundary.
	stopWatch := context.AfterFunc(ctx, func() { _ = session.Cancel() })
	defer stopWatch()

	totalChunks := (len(urlIDs) + concurrency - 1) / concurrency
	s.emit(events, session, ProgressEvent{
		Type:        EventSessionStart,
		Success:     true,
		TotalChunks: totalChunks,
	})

	chunksDone := 0
	for start := 0; start < len(urlIDs); start += concurrency {
		// Chunk boundary: the only place pause and cancel take effect.
		switch session.currentStatus() {
		case SessionPaused:
			s.emit(events, session, ProgressEvent{Type: EventSessionPaused, Success: true})
			if session.awaitResume() == SessionCancelled {
				s.settle(events, session)
				return
			}
			s.emit(events, session, ProgressEvent{Type: EventSessionResumed, Success: true})
		case SessionCancelled:
			s.settle(events, session)
			return
		}

		end := start + concurrency
		if end > len(urlIDs) {
			end = len(urlIDs)
		}
		chunk := urlIDs[start:end]

		s.runChunk(ctx, session, chunk, events)

		chunksDone++
		session.advance(len(chunk), chunksDone, totalChunks)
		s.emit(events, session, ProgressEvent{
			Type:        EventChunkComplete,
			Success:     true,
			Chunk:       chunksDone,
			TotalChunks: totalChunks,
		})
	}

	s.settle(events, session)
}

// runChunk executes all items of one chunk concurrently and waits for the
// whole chunk before returning (the chunk barrier).
func (s *BatchService) runChunk(ctx context.Context, session *Session, chunk []uint, events chan<- ProgressEvent) {
	done := make(chan struct{})
	for _, id := range chunk {
		go func(id uint) {
			defer func() { done <- struct{}{} }()
			s.runItem(ctx, session, id, events)
		}(id)
	}
	for range chunk {
		<-done
	}
}

// runItem runs one URL's pipeline, records the outcome on the session and,
// via the state machine, on the URL itself. Panics inside the pipeline are
// converted to item failures.
func (s *BatchService) runItem(ctx context.Context, session *Session, id uint, events chan<- ProgressEvent) {
	var res PipelineResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				res = PipelineResult{Err: fmt.Errorf("pipeline panic: %v", r)}
			}
		}()
		u, err := repo.GetURL(ctx, s.DB, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				res = PipelineResult{Err: ErrURLNotFound}
				return
			}
			res = PipelineResult{Err: err}
			return
		}
		res = s.Pipeline(ctx, *u)
	}()

	ok := res.Err == nil
	reason := ""
	if !ok {
		reason = res.Err.Error()
	}

	// Record the target state even for failed runs (e.g. exhausted), so the
	// URL's status reflects the failure. A rejected transition on a
	// successful run demotes the item to failed, never silently dropped.
	if res.Target != "" {
		trRes, err := s.State.RecordOutcome(ctx, id, res.Target, res.Stage, res.ItemKey)
		if ok {
			switch {
			case err != nil:
				ok, reason = false, err.Error()
			case !trRes.Success:
				ok, reason = false, trRes.Error
			}
		}
		if ok && res.ItemKey != "" {
			if err := s.linkItem(ctx, id, res.ItemKey); err != nil {
				ok, reason = false, err.Error()
			}
		}
	}

	// The probe-derived capability was only needed for this run's guard
	// checks; drop it so the resolver's cache holds in-flight URLs only.
	if rel, isReleaser := s.State.Caps.(CapabilityReleaser); isReleaser {
		rel.ReleaseCapability(id)
	}

	session.recordItem(id, reason, ok)
	if ok {
		batchItemsTotal.WithLabelValues("completed").Inc()
	} else {
		batchItemsTotal.WithLabelValues("failed").Inc()
	}

	s.emit(events, session, ProgressEvent{
		Type:    EventItem,
		URLID:   id,
		Stage:   res.Stage,
		Success: ok,
		Error:   reason,
	})
}

// linkItem persists a freshly created bibliographic item against its URL:
// item key column, join row, legacy mirror, and the denormalized link count,
// in one transaction.
func (s *BatchService) linkItem(ctx context.Context, id uint, itemKey string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.SetItemKey(ctx, tx, id, &itemKey, true); err != nil {
			return err
		}
		if err := repo.UpsertLink(ctx, tx, itemKey, id, true); err != nil {
			return err
		}
		if err := repo.SetLegacyStatus(ctx, tx, id, "completed"); err != nil {
			return err
		}
		count, err := repo.CountLinksForItem(ctx, tx, itemKey)
		if err != nil {
			return err
		}
		return repo.SetLinkedURLCount(ctx, tx, itemKey, int(count))
	})
}

// settle emits the terminal session event after marking the session
// completed (or leaving it cancelled).
func (s *BatchService) settle(events chan<- ProgressEvent, session *Session) {
	final := session.finish()
	evType := EventSessionComplete
	if final == SessionCancelled {
		evType = EventSessionCancelled
	}
	s.emit(events, session, ProgressEvent{Type: evType, Success: final == SessionCompleted})
}

// emit fills in the envelope fields shared by every event and sends it.
func (s *BatchService) emit(events chan<- ProgressEvent, session *Session, ev ProgressEvent) {
	snap := session.Snapshot()
	ev.Timestamp = time.Now().UTC()
	ev.SessionID = snap.ID
	ev.Completed = len(snap.Completed)
	ev.Failed = len(snap.Failed)
	events <- ev
}
