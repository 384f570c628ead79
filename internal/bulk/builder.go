// Package bulk populates the archive offline from a candidate list and writes the index once.
package bulk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/vectorroulette/internal/archive"
	"github.com/JakeFAU/vectorroulette/internal/asset"
	"github.com/JakeFAU/vectorroulette/internal/cacheindex"
	"github.com/JakeFAU/vectorroulette/internal/metrics"
	"github.com/JakeFAU/vectorroulette/internal/queue/memory"
	"github.com/JakeFAU/vectorroulette/internal/source/wiki"
)

// Outcome classifies one candidate.
type Outcome string

// Candidate outcomes.
const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeExisting  Outcome = "existing"
	OutcomeIndexed   Outcome = "indexed"
	// OutcomeNameTaken marks a candidate whose derived file name belongs to another source.
	OutcomeNameTaken Outcome = "name-taken"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeTooLarge  Outcome = "too-large"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeError     Outcome = "error"
)

// Index is the cache index surface the builder needs.
type Index interface {
	Fresh(ctx context.Context) ([]asset.CacheEntry, error)
	Merge(ctx context.Context, entries []asset.CacheEntry) ([]asset.CacheEntry, error)
}

// Config tunes a build pass.
type Config struct {
	MaxRetries        int
	ThrottleDelay     time.Duration
	Concurrency       int
	Extension         string
	MaxFileNameLength int
	ContentType       string
	Validation        archive.Validation
}

// Report summarizes a pass.
type Report struct {
	Outcomes map[Outcome]int
	// Added counts entries the consolidated index write actually added.
	Added int
}

type job struct {
	cand     asset.Candidate
	fileName string
}

// Builder downloads candidates with a small worker pool.
type Builder struct {
	cfg     Config
	fetcher asset.Fetcher
	blobs   asset.BlobStore
	index   Index
	ids     asset.IDGenerator
	pauser  asset.Pauser
	logger  *zap.Logger
}

// New builds a Builder.
func New(cfg Config, fetcher asset.Fetcher, blobs asset.BlobStore, index Index, ids asset.IDGenerator, pauser asset.Pauser, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ThrottleDelay <= 0 {
		cfg.ThrottleDelay = 30 * time.Second
	}
	if cfg.Extension == "" {
		cfg.Extension = ".svg"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "image/svg+xml"
	}
	return &Builder{
		cfg:     cfg,
		fetcher: fetcher,
		blobs:   blobs,
		index:   index,
		ids:     ids,
		pauser:  pauser,
		logger:  logger.Named("bulk"),
	}
}

// Build processes every candidate and merges the accepted ones into the index in one write.
func (b *Builder) Build(ctx context.Context, candidates []asset.Candidate) (Report, error) {
	report := Report{Outcomes: make(map[Outcome]int)}

	existing, err := b.index.Fresh(ctx)
	if err != nil {
		return report, fmt.Errorf("read index: %w", err)
	}

	work := memory.NewQueue[job](len(candidates))
	seenURLs := make(map[string]bool, len(candidates))
	seenNames := make(map[string]bool, len(candidates))
	for _, cand := range candidates {
		if seenURLs[cand.SourceDetailURL] || cacheindex.ContainsSourceURL(existing, cand.SourceDetailURL) {
			report.Outcomes[OutcomeIndexed]++
			metrics.ObserveBulkOutcome(string(OutcomeIndexed))
			continue
		}
		name := asset.FileNameForTitle(cand.Title, b.cfg.Extension, b.cfg.MaxFileNameLength)
		if seenNames[name] || cacheindex.ContainsFileName(existing, name) {
			b.logger.Info("file name already claimed, skipping",
				zap.String("file", name), zap.String("source_url", cand.SourceDetailURL))
			report.Outcomes[OutcomeNameTaken]++
			metrics.ObserveBulkOutcome(string(OutcomeNameTaken))
			continue
		}
		seenURLs[cand.SourceDetailURL] = true
		seenNames[name] = true
		if err := work.Enqueue(ctx, job{cand: cand, fileName: name}); err != nil {
			return report, fmt.Errorf("enqueue candidate: %w", err)
		}
	}
	work.Close()

	var (
		mu       sync.Mutex
		accepted []asset.CacheEntry
		wg       sync.WaitGroup
	)
	for w := 0; w < b.cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				next, err := work.Dequeue(ctx)
				if err != nil {
					return
				}
				entry, outcome := b.process(ctx, next)
				metrics.ObserveBulkOutcome(string(outcome))
				mu.Lock()
				report.Outcomes[outcome]++
				if outcome == OutcomeAccepted || outcome == OutcomeExisting {
					accepted = append(accepted, entry)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	added, err := b.index.Merge(ctx, accepted)
	if err != nil {
		return report, fmt.Errorf("write index: %w", err)
	}
	report.Added = len(added)
	b.logger.Info("bulk pass complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("accepted", len(accepted)),
		zap.Int("added", report.Added))
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("bulk pass interrupted: %w", err)
	}
	return report, nil
}

func (b *Builder) process(ctx context.Context, j job) (asset.CacheEntry, Outcome) {
	cand := j.cand
	id, err := b.ids.NewID()
	if err != nil {
		b.logger.Warn("id generation failed", zap.Error(err))
		return asset.CacheEntry{}, OutcomeError
	}
	entry := asset.CacheEntry{
		ID:              id,
		Title:           wiki.DisplayTitle(cand.Title),
		SourceDetailURL: cand.SourceDetailURL,
		LocalFileName:   j.fileName,
	}
	log := b.logger.With(zap.String("file", entry.LocalFileName))

	exists, err := b.blobs.Exists(ctx, entry.LocalFileName)
	if err != nil {
		log.Warn("blob probe failed", zap.Error(err))
		return entry, OutcomeError
	}
	if exists {
		return entry, OutcomeExisting
	}

	body, err := b.download(ctx, cand.DownloadLocation)
	switch {
	case err == nil:
	case errors.Is(err, asset.ErrRateLimited):
		log.Warn("retries exhausted, abandoning for this run", zap.Int("max_retries", b.cfg.MaxRetries))
		return entry, OutcomeAbandoned
	case errors.Is(err, archive.ErrTooLarge):
		log.Info("discarded oversized asset", zap.Error(err))
		return entry, OutcomeTooLarge
	case errors.Is(err, archive.ErrNotAsset):
		log.Info("discarded non-vector body")
		return entry, OutcomeInvalid
	default:
		log.Warn("download failed", zap.Error(err))
		return entry, OutcomeError
	}

	if _, err := b.blobs.PutObject(ctx, entry.LocalFileName, b.cfg.ContentType, bytes.NewReader(body)); err != nil {
		log.Warn("blob write failed", zap.Error(err))
		return entry, OutcomeError
	}
	return entry, OutcomeAccepted
}

// download retries rate-limited attempts after a fixed delay, up to MaxRetries times.
func (b *Builder) download(ctx context.Context, location string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		body, err := archive.Download(ctx, b.fetcher, location, b.cfg.Validation)
		if err == nil || !errors.Is(err, asset.ErrRateLimited) || attempt >= b.cfg.MaxRetries {
			return body, err
		}
		b.logger.Info("rate limited, waiting", zap.Int("attempt", attempt+1), zap.Duration("delay", b.cfg.ThrottleDelay))
		b.pauser.Pause(ctx, b.cfg.ThrottleDelay)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}
