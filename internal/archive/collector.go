// Package archive runs the background collector that grows the local vector archive.
package archive

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/vectorroulette/internal/asset"
	"github.com/JakeFAU/vectorroulette/internal/cacheindex"
	"github.com/JakeFAU/vectorroulette/internal/metrics"
	"github.com/JakeFAU/vectorroulette/internal/source/wiki"
	"github.com/JakeFAU/vectorroulette/internal/telemetry"
	"github.com/JakeFAU/vectorroulette/internal/throttle"
)

// Outcome classifies one collector iteration.
type Outcome string

// Iteration outcomes.
const (
	OutcomeSuccess       Outcome = "success"
	OutcomeDenied        Outcome = "denied"
	OutcomeSkipDuplicate Outcome = "skip-duplicate"
	OutcomeSkipExists    Outcome = "skip-exists"
	OutcomeRateLimited   Outcome = "rate-limited"
	OutcomeError         Outcome = "error"
)

// ThrottleScope is the coordinator scope the collector marks when it is rate limited.
const ThrottleScope = "archive"

// DefaultTopic names the archive notification topic when none is configured.
const DefaultTopic = "vector-archived"

// Index is the cache index surface the collector writes through.
type Index interface {
	Fresh(ctx context.Context) ([]asset.CacheEntry, error)
	Append(ctx context.Context, entry asset.CacheEntry) error
}

// Throttle records the collector's cooldown window.
type Throttle interface {
	MarkThrottled(key string, window time.Duration) time.Time
}

// Clock tells time and sleeps.
type Clock interface {
	asset.Clock
	asset.Pauser
}

// Config tunes the collector.
type Config struct {
	Pacing            time.Duration
	Cooldown          time.Duration
	Denylist          []string
	Extension         string
	MaxFileNameLength int
	ContentType       string
	Topic             string
	Validation        Validation
}

// Stats counts outcomes since the last cooldown.
type Stats struct {
	Success       int
	SkipDuplicate int
	SkipExists    int
	Denied        int
	Errors        int
}

// Deps bundles the collaborators a Collector needs.
type Deps struct {
	Candidates asset.CandidateSource
	Fetcher    asset.Fetcher
	Blobs      asset.BlobStore
	Index      Index
	Throttle   Throttle
	Publisher  asset.Publisher
	IDs        asset.IDGenerator
	Hasher     asset.Hasher
	Clock      Clock
}

// Collector discovers, downloads and indexes wiki-media assets one at a time.
type Collector struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu      sync.Mutex
	session Stats
}

// New builds a Collector.
func New(cfg Config, deps Deps, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Pacing <= 0 {
		cfg.Pacing = 3 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Minute
	}
	if cfg.Extension == "" {
		cfg.Extension = ".svg"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "image/svg+xml"
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	return &Collector{cfg: cfg, deps: deps, logger: logger.Named("archive")}
}

// Run loops until ctx is canceled.
func (c *Collector) Run(ctx context.Context) {
	c.logger.Info("archive collector started", zap.Duration("pacing", c.cfg.Pacing))
	key := throttle.ScopedKey(asset.SourceWikiMedia, ThrottleScope)
	for ctx.Err() == nil {
		switch outcome := c.Step(ctx); outcome {
		case OutcomeDenied:
			continue
		case OutcomeRateLimited:
			until := c.deps.Throttle.MarkThrottled(key, c.cfg.Cooldown)
			session := c.resetSession()
			c.logger.Warn("archive rate limited, cooling down",
				zap.Time("until", until),
				zap.Int("session_success", session.Success),
				zap.Int("session_errors", session.Errors))
			c.deps.Clock.Pause(ctx, c.cfg.Cooldown)
		default:
			c.deps.Clock.Pause(ctx, c.cfg.Pacing)
		}
	}
	c.logger.Info("archive collector stopped")
}

// Step runs one discover/download/index iteration.
func (c *Collector) Step(ctx context.Context) Outcome {
	ctx, span := telemetry.Tracer().Start(ctx, "archive.Step")
	defer span.End()

	outcome := c.step(ctx)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	metrics.ObserveArchiveOutcome(string(outcome))
	c.count(outcome)
	return outcome
}

func (c *Collector) step(ctx context.Context) Outcome {
	cand, err := c.deps.Candidates.DiscoverCandidate(ctx)
	if err != nil {
		return c.failed("discover", err)
	}
	if asset.MatchesDenylist(cand.Title, c.cfg.Denylist) {
		c.logger.Debug("candidate denied", zap.String("title", cand.Title))
		return OutcomeDenied
	}

	entries, err := c.deps.Index.Fresh(ctx)
	if err != nil {
		return c.failed("read index", err)
	}
	if cacheindex.ContainsSourceURL(entries, cand.SourceDetailURL) {
		return OutcomeSkipDuplicate
	}

	entry, err := c.entryFor(cand)
	if err != nil {
		return c.failed("entry id", err)
	}
	exists, err := c.deps.Blobs.Exists(ctx, entry.LocalFileName)
	if err != nil {
		return c.failed("probe blob", err)
	}
	if exists {
		if err := c.deps.Index.Append(ctx, entry); err != nil {
			if errors.Is(err, asset.ErrDuplicate) {
				return OutcomeSkipDuplicate
			}
			return c.failed("back-fill index", err)
		}
		c.logger.Info("back-filled existing file", zap.String("file", entry.LocalFileName))
		return OutcomeSkipExists
	}

	body, err := Download(ctx, c.deps.Fetcher, cand.DownloadLocation, c.cfg.Validation)
	if err != nil {
		return c.failed("download", err)
	}
	uri, err := c.deps.Blobs.PutObject(ctx, entry.LocalFileName, c.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		return c.failed("write blob", err)
	}
	if err := c.deps.Index.Append(ctx, entry); err != nil {
		if errors.Is(err, asset.ErrDuplicate) {
			return OutcomeSkipDuplicate
		}
		return c.failed("append index", err)
	}
	c.publish(ctx, entry, uri, body)
	c.logger.Info("archived asset", zap.String("file", entry.LocalFileName), zap.Int("bytes", len(body)))
	return OutcomeSuccess
}

func (c *Collector) entryFor(cand asset.Candidate) (asset.CacheEntry, error) {
	id, err := c.deps.IDs.NewID()
	if err != nil {
		return asset.CacheEntry{}, err
	}
	return asset.CacheEntry{
		ID:              id,
		Title:           wiki.DisplayTitle(cand.Title),
		SourceDetailURL: cand.SourceDetailURL,
		LocalFileName:   asset.FileNameForTitle(cand.Title, c.cfg.Extension, c.cfg.MaxFileNameLength),
	}, nil
}

func (c *Collector) publish(ctx context.Context, entry asset.CacheEntry, uri string, body []byte) {
	if c.deps.Publisher == nil {
		return
	}
	event := asset.ArchivedEvent{
		Entry:      entry,
		BlobURI:    uri,
		Bytes:      len(body),
		ArchivedAt: c.deps.Clock.Now(),
	}
	if c.deps.Hasher != nil {
		if sum, err := c.deps.Hasher.Hash(body); err == nil {
			event.SHA256 = sum
		}
	}
	if _, err := c.deps.Publisher.Publish(ctx, c.cfg.Topic, event); err != nil {
		c.logger.Warn("archive event publish failed", zap.String("file", entry.LocalFileName), zap.Error(err))
	}
}

func (c *Collector) failed(stage string, err error) Outcome {
	if errors.Is(err, asset.ErrRateLimited) {
		return OutcomeRateLimited
	}
	c.logger.Warn("archive iteration failed", zap.String("stage", stage), zap.Error(err))
	return OutcomeError
}

func (c *Collector) count(outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch outcome {
	case OutcomeSuccess:
		c.session.Success++
	case OutcomeSkipDuplicate:
		c.session.SkipDuplicate++
	case OutcomeSkipExists:
		c.session.SkipExists++
	case OutcomeDenied:
		c.session.Denied++
	case OutcomeError:
		c.session.Errors++
	}
}

// Session returns the counters accumulated since the last cooldown.
func (c *Collector) Session() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Collector) resetSession() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.session
	c.session = Stats{}
	return prev
}
