package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/vectorroulette/internal/asset"
)

// LoadCandidates reads a JSON array of candidates.
func LoadCandidates(path string) ([]asset.Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read candidates: %w", err)
	}
	var out []asset.Candidate
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode candidates %s: %w", path, err)
	}
	return out, nil
}

// Discover asks source for up to n distinct candidates. It gives up after 3n attempts and
// stops early when the upstream rate limits, returning what it found.
func Discover(ctx context.Context, source asset.CandidateSource, n int, logger *zap.Logger) ([]asset.Candidate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := make(map[string]bool, n)
	out := make([]asset.Candidate, 0, n)
	for attempt := 0; len(out) < n && attempt < 3*n; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		cand, err := source.DiscoverCandidate(ctx)
		if errors.Is(err, asset.ErrRateLimited) {
			logger.Warn("discovery rate limited", zap.Int("found", len(out)))
			return out, nil
		}
		if err != nil {
			logger.Debug("discovery attempt failed", zap.Error(err))
			continue
		}
		if seen[cand.SourceDetailURL] {
			continue
		}
		seen[cand.SourceDetailURL] = true
		out = append(out, cand)
	}
	return out, nil
}
