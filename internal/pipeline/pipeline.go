// Package pipeline composes the content fetcher, the bibliographic store,
// and the metadata extractor into the per-URL enrichment function the batch
// orchestrator runs. It also acts as the capability resolver for the state
// machine, answering guard questions from cached probe results.
//
// Stage order per URL: enter processing, probe the content, then either
// extract metadata and store an item, park the URL for user selection, or
// give up. Every hop between states goes through the state machine, so the
// guard graph is enforced for pipeline traffic exactly as it is for manual
// transitions.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/theodore-app/go-citation-backend/internal/domain"
	"github.com/theodore-app/go-citation-backend/internal/fetch"
	"github.com/theodore-app/go-citation-backend/internal/llm"
	"github.com/theodore-app/go-citation-backend/internal/services"
	"github.com/theodore-app/go-citation-backend/internal/zotero"
)

// Stage names recorded in processing history.
const (
	StageZotero       = "zotero"
	StageContentFetch = "content_fetch"
	StageLLM          = "llm_extraction"
	StageMetadata     = "metadata"
)

const (
	defaultMinConfidence = 0.5
	defaultStageTimeout  = 90 * time.Second
)

// Pipeline drives one URL through the enrichment stages.
//
// Fields:
//   - State: the state machine; every status hop goes through it.
//   - Store: the bibliographic store items end up in.
//   - Fetcher: content prober.
//   - Extractor: metadata fallback; may be nil when no provider is
//     configured, which disables the extraction path.
//   - MinConfidence: extractions below this land in awaiting_metadata
//     instead of stored; zero means the default.
//   - StageTimeout: per external call; zero means the default.
type Pipeline struct {
	State         *services.StateService
	Store         zotero.BibliographicStore
	Fetcher       fetch.ContentFetcher
	Extractor     llm.MetadataExtractor
	MinConfidence float64
	StageTimeout  time.Duration

	mu      sync.RWMutex
	caps    map[uint]domain.Capability
	healthy struct {
		checked bool
		ok      bool
	}
}

// New wires a Pipeline.
func New(state *services.StateService, store zotero.BibliographicStore, fetcher fetch.ContentFetcher, extractor llm.MetadataExtractor) *Pipeline {
	return &Pipeline{
		State:         state,
		Store:         store,
		Fetcher:       fetcher,
		Extractor:     extractor,
		MinConfidence: defaultMinConfidence,
		StageTimeout:  defaultStageTimeout,
		caps:          map[uint]domain.Capability{},
	}
}

// Capability implements services.CapabilityResolver. URLs that have not been
// probed yet only get the manual-create capability, so guards requiring
// content or accessibility hold them back until the pipeline has seen them.
func (p *Pipeline) Capability(_ context.Context, u *domain.URL) domain.Capability {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cap, ok := p.caps[u.ID]; ok {
		return cap
	}
	return domain.Capability{ManualCreateAvailable: true}
}

// ReleaseCapability implements services.CapabilityReleaser. The batch
// orchestrator calls it once a URL's outcome has been recorded, so the cache
// only ever holds URLs that are still in flight.
func (p *Pipeline) ReleaseCapability(id uint) {
	p.mu.Lock()
	delete(p.caps, id)
	p.mu.Unlock()
}

// Run implements services.PipelineFunc.
func (p *Pipeline) Run(ctx context.Context, u domain.URL) services.PipelineResult {
	// Entering the pipeline counts as a processing attempt.
	res, err := p.State.RecordOutcome(ctx, u.ID, domain.StatusProcessingZotero, StageZotero, "")
	if err != nil {
		return services.PipelineResult{Stage: StageZotero, Err: err}
	}
	if !res.Success {
		return services.PipelineResult{Stage: StageZotero, Err: fmt.Errorf("url %d: %s", u.ID, res.Error)}
	}

	probe, err := p.probe(ctx, u)
	if err != nil {
		return services.PipelineResult{Target: domain.StatusExhausted, Stage: StageContentFetch, Err: err}
	}

	cap := p.deriveCapability(ctx, probe)
	p.mu.Lock()
	p.caps[u.ID] = cap
	p.mu.Unlock()

	res, err = p.State.Transition(ctx, u.ID, domain.StatusProcessingContent)
	if err != nil {
		return services.PipelineResult{Stage: StageContentFetch, Err: err}
	}
	if !res.Success {
		return services.PipelineResult{Stage: StageContentFetch, Err: fmt.Errorf("url %d: %s", u.ID, res.Error)}
	}

	if cap.CanUseLLM {
		return p.extractAndStore(ctx, u, probe)
	}
	if cap.HasIdentifiers || cap.HasWebTranslators {
		// Translator candidates without an extraction path wait for the
		// user to pick one.
		return services.PipelineResult{Target: domain.StatusAwaitingSelection, Stage: StageZotero}
	}
	return services.PipelineResult{
		Target: domain.StatusExhausted,
		Stage:  StageContentFetch,
		Err:    fmt.Errorf("url %d: no processing path for content type %s", u.ID, probe.ContentType),
	}
}

// probe fetches the URL under the stage timeout.
func (p *Pipeline) probe(ctx context.Context, u domain.URL) (*fetch.Probe, error) {
	ctx, cancel := context.WithTimeout(ctx, p.stageTimeout())
	defer cancel()
	probe, err := p.Fetcher.Fetch(ctx, u.RawURL)
	if err != nil {
		log.Debug().Err(err).Uint("url_id", u.ID).Msg("content probe failed")
		return nil, err
	}
	return probe, nil
}

// deriveCapability maps a probe onto the guard flags.
func (p *Pipeline) deriveCapability(ctx context.Context, probe *fetch.Probe) domain.Capability {
	return domain.Capability{
		IsAccessible:          true,
		HasContent:            probe.Snippet != "",
		IsPDF:                 probe.IsPDF(),
		HasIdentifiers:        probe.IsPDF(),
		HasWebTranslators:     probe.IsHTML(),
		CanUseLLM:             probe.Snippet != "" && p.extractorHealthy(ctx),
		ManualCreateAvailable: true,
	}
}

// extractorHealthy probes the extraction provider once per process and
// caches the verdict.
func (p *Pipeline) extractorHealthy(ctx context.Context) bool {
	if p.Extractor == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.healthy.checked {
		return p.healthy.ok
	}
	hctx, cancel := context.WithTimeout(ctx, p.stageTimeout())
	defer cancel()
	err := p.Extractor.Health(hctx)
	p.healthy.checked = true
	p.healthy.ok = err == nil
	if err != nil {
		log.Warn().Err(err).Msg("metadata extractor unhealthy; extraction path disabled")
	}
	return p.healthy.ok
}

// extractAndStore runs the fallback extraction stage and, when confident
// enough, creates a bibliographic item for the URL.
func (p *Pipeline) extractAndStore(ctx context.Context, u domain.URL, probe *fetch.Probe) services.PipelineResult {
	res, err := p.State.Transition(ctx, u.ID, domain.StatusProcessingLLM)
	if err != nil {
		return services.PipelineResult{Stage: StageLLM, Err: err}
	}
	if !res.Success {
		return services.PipelineResult{Stage: StageLLM, Err: fmt.Errorf("url %d: %s", u.ID, res.Error)}
	}

	ectx, cancel := context.WithTimeout(ctx, p.stageTimeout())
	extraction, err := p.Extractor.ExtractMetadata(ectx, u.RawURL, probe.Snippet)
	cancel()
	if err != nil {
		return services.PipelineResult{Target: domain.StatusExhausted, Stage: StageLLM, Err: err}
	}
	if extraction.Confidence < p.minConfidence() {
		// Plausible metadata but not trustworthy enough to store unattended.
		return services.PipelineResult{Target: domain.StatusAwaitingMetadata, Stage: StageLLM}
	}

	item := zotero.Item{
		ItemType: extraction.Metadata.ItemType,
		Title:    extraction.Metadata.Title,
		Creators: extraction.Metadata.Authors,
		Date:     extraction.Metadata.Date,
		URL:      u.RawURL,
	}
	if item.ItemType == "" {
		item.ItemType = "webpage"
	}
	if extraction.Metadata.DOI != "" {
		item.Extra = map[string]string{"DOI": extraction.Metadata.DOI}
	}

	sctx, cancel := context.WithTimeout(ctx, p.stageTimeout())
	key, err := p.Store.CreateItem(sctx, item)
	cancel()
	if err != nil {
		// Metadata exists but the item does not; stored_incomplete keeps
		// the URL retryable without repeating extraction from scratch.
		return services.PipelineResult{Target: domain.StatusStoredIncomplete, Stage: StageMetadata, Err: err}
	}

	log.Info().Uint("url_id", u.ID).Str("item_key", key).Msg("stored bibliographic item")
	return services.PipelineResult{Target: domain.StatusStored, Stage: StageMetadata, ItemKey: key}
}

func (p *Pipeline) stageTimeout() time.Duration {
	if p.StageTimeout > 0 {
		return p.StageTimeout
	}
	return defaultStageTimeout
}

func (p *Pipeline) minConfidence() float64 {
	if p.MinConfidence > 0 {
		return p.MinConfidence
	}
	return defaultMinConfidence
}
