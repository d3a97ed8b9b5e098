// Package pipeline drives a scrape candidate from URL to shared page: resolve
// identity, claim, filter, fetch, persist, and attach the requesting project.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
	"github.com/linksmith/chrono-scraper-sub004/internal/association"
	"github.com/linksmith/chrono-scraper-sub004/internal/events"
	"github.com/linksmith/chrono-scraper-sub004/internal/filter"
	"github.com/linksmith/chrono-scraper-sub004/internal/identity"
	"github.com/linksmith/chrono-scraper-sub004/internal/metrics"
	"github.com/linksmith/chrono-scraper-sub004/internal/telemetry"
)

// Promoter decides whether a probe capture should be re-fetched headless.
type Promoter interface {
	ShouldPromote(resp archive.FetchResponse) bool
}

// Limiter throttles fetches per site.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config tunes the pipeline.
type Config struct {
	// FetchTimeout bounds a single fetch attempt.
	FetchTimeout time.Duration
	// MaxProcessingDuration is how long a page may stay in_progress before the sweeper fails it.
	MaxProcessingDuration time.Duration
	SweepInterval         time.Duration
	// MaxRetries caps bulk retries per page. Zero means unlimited.
	MaxRetries      int
	BulkConcurrency int
	BlobPrefix      string
}

func (c Config) withDefaults() Config {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.MaxProcessingDuration <= 0 {
		c.MaxProcessingDuration = 15 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.BulkConcurrency <= 0 {
		c.BulkConcurrency = 8
	}
	if c.BlobPrefix == "" {
		c.BlobPrefix = "pages"
	}
	return c
}

// Deps are the collaborators a Pipeline needs. Headless, Promoter, Limiter,
// Retry, Events and Logger are optional.
type Deps struct {
	Resolver     *identity.Resolver
	Registry     archive.Registry
	Pages        archive.PageStore
	Associations *association.Layer
	Filters      *filter.Engine
	Fetcher      archive.Fetcher
	Headless     archive.Fetcher
	Promoter     Promoter
	Limiter      Limiter
	Retry        RetryPolicy
	Blobs        archive.BlobStore
	Hasher       archive.Hasher
	IDs          archive.IDGenerator
	Clock        archive.Clock
	Events       events.Emitter
	Logger       *zap.Logger
}

// Pipeline processes candidates. It is safe for concurrent use.
type Pipeline struct {
	cfg      Config
	deps     Deps
	scopes   *Scopes
	counters *Counters
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New validates deps and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Resolver == nil:
		return nil, errors.New("pipeline: resolver is required")
	case deps.Registry == nil, deps.Pages == nil:
		return nil, errors.New("pipeline: registry and page store are required")
	case deps.Associations == nil:
		return nil, errors.New("pipeline: association layer is required")
	case deps.Filters == nil:
		return nil, errors.New("pipeline: filter engine is required")
	case deps.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case deps.Blobs == nil, deps.Hasher == nil:
		return nil, errors.New("pipeline: blob store and hasher are required")
	case deps.IDs == nil, deps.Clock == nil:
		return nil, errors.New("pipeline: id generator and clock are required")
	}
	if deps.Retry == nil {
		deps.Retry = NewExponentialRetryPolicy(0, 0, 0)
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		scopes:   NewScopes(),
		counters: newCounters(),
		tracer:   telemetry.Tracer("chrono/pipeline"),
		logger:   deps.Logger.Named("pipeline"),
	}, nil
}

// Scopes exposes session and project cancellation.
func (p *Pipeline) Scopes() *Scopes { return p.scopes }

// Counters returns a snapshot of the in-process totals.
func (p *Pipeline) Counters() CountersSnapshot { return p.counters.Snapshot() }

// Submit processes one candidate end to end. The returned error is non-nil
// only for rejected, canceled and persistence outcomes; filter and fetch
// failures are reported through the result.
func (p *Pipeline) Submit(ctx context.Context, c archive.ScrapeCandidate) (archive.CandidateResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Submit", trace.WithAttributes(
		attribute.String("project_id", c.ProjectID),
		attribute.String("session_id", c.SessionID),
		attribute.String("url", c.URL),
	))
	defer span.End()
	p.counters.total.Add(1)

	res, err := p.submit(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res.Error = err.Error()
	}
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)), attribute.String("page_id", res.SharedPageID))
	metrics.ObserveCandidate(string(res.Outcome))
	return res, err
}

func (p *Pipeline) submit(ctx context.Context, c archive.ScrapeCandidate) (archive.CandidateResult, error) {
	if c.ProjectID == "" {
		return archive.CandidateResult{Outcome: archive.OutcomeRejected}, fmt.Errorf("%w: project id is required", archive.ErrValidation)
	}
	ctx, release, err := p.scopes.Bind(ctx, c)
	if err != nil {
		p.counters.canceled.Add(1)
		return archive.CandidateResult{Outcome: archive.OutcomeCanceled}, err
	}
	defer release()

	id, err := p.deps.Resolver.Resolve(c.URL, c.CaptureTime, c.Digest)
	if err != nil {
		p.counters.invalidURLs.Add(1)
		return archive.CandidateResult{Outcome: archive.OutcomeRejected}, err
	}
	pageID, err := p.deps.IDs.NewID()
	if err != nil {
		return archive.CandidateResult{Outcome: archive.OutcomeRejected}, fmt.Errorf("new page id: %w", err)
	}
	seed := archive.SharedPage{
		ID:            pageID,
		URL:           c.URL,
		CaptureTime:   c.CaptureTime.UTC(),
		PriorityScore: c.PriorityScore,
		ContentType:   c.MimeType,
	}
	claim, err := p.deps.Registry.Claim(ctx, id, seed)
	if err != nil {
		if cause := p.canceled(ctx); cause != nil {
			p.counters.canceled.Add(1)
			return archive.CandidateResult{Outcome: archive.OutcomeCanceled}, cause
		}
		p.counters.persistenceErrors.Add(1)
		return archive.CandidateResult{Outcome: archive.OutcomeFailed}, fmt.Errorf("claim %s: %w", id.Key(), err)
	}
	page := claim.Page
	log := p.logger.With(zap.String("page_id", page.ID), zap.String("project_id", c.ProjectID))

	if !claim.IsNew {
		p.counters.dedupHits.Add(1)
		metrics.ObserveDedupHit()
		p.emit(events.KindDedupHit, page, c, "")
		log.Debug("dedup hit", zap.String("status", string(page.Status)))
		return p.attach(ctx, c, page, archive.OutcomeShared)
	}

	p.counters.created.Add(1)
	metrics.ObservePageCreated()
	p.emit(events.KindClaimed, page, c, "")

	page, err = p.process(ctx, page, c, processOptions{cause: archive.CauseProcessing})
	if err != nil {
		if cause := p.canceled(ctx); cause != nil {
			p.counters.canceled.Add(1)
			return archive.CandidateResult{Outcome: archive.OutcomeCanceled, SharedPageID: page.ID, Status: page.Status}, cause
		}
		p.counters.persistenceErrors.Add(1)
		return archive.CandidateResult{Outcome: archive.OutcomeFailed, SharedPageID: page.ID, Status: page.Status}, err
	}
	return p.attach(ctx, c, page, outcomeFor(page.Status))
}

func (p *Pipeline) attach(ctx context.Context, c archive.ScrapeCandidate, page archive.SharedPage, outcome archive.CandidateOutcome) (archive.CandidateResult, error) {
	res := archive.CandidateResult{Outcome: outcome, SharedPageID: page.ID, Status: page.Status}
	if _, err := p.deps.Associations.Attach(ctx, c.ProjectID, page.ID); err != nil {
		if cause := p.canceled(ctx); cause != nil {
			p.counters.canceled.Add(1)
			res.Outcome = archive.OutcomeCanceled
			return res, cause
		}
		p.counters.persistenceErrors.Add(1)
		return res, err
	}
	res.Attached = true
	return res, nil
}

// canceled returns the cancellation cause when ctx is done.
func (p *Pipeline) canceled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

func outcomeFor(status archive.PageStatus) archive.CandidateOutcome {
	switch {
	case status == archive.StatusCompleted:
		return archive.OutcomeCompleted
	case status == archive.StatusAwaitingManualReview:
		return archive.OutcomeHeld
	case status.IsFiltered():
		return archive.OutcomeFiltered
	case status == archive.StatusFailed:
		return archive.OutcomeFailed
	default:
		return archive.OutcomeShared
	}
}

func (p *Pipeline) emit(kind events.Kind, page archive.SharedPage, c archive.ScrapeCandidate, note string) {
	p.deps.Events.Emit(events.Event{
		Kind:      kind,
		PageID:    page.ID,
		ProjectID: c.ProjectID,
		SessionID: c.SessionID,
		URL:       page.URL,
		Status:    string(page.Status),
		Note:      note,
	})
}
