package asset

import (
	"context"
	"io"
	"time"
)

// Adapter discovers one random asset from a single upstream.
type Adapter interface {
	Source() Source
	DiscoverRandom(ctx context.Context) (AssetItem, error)
}

// CandidateSource discovers download candidates using metadata-only calls.
type CandidateSource interface {
	DiscoverCandidate(ctx context.Context) (Candidate, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore writes and probes archived asset files.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Publisher pushes archive events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Pauser blocks for a delay or until the context ends.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}

// IDGenerator produces cache entry IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher digests archived asset bodies.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Random supplies uniform picks; implementations must be safe for concurrent use.
type Random interface {
	IntN(n int) int
}
