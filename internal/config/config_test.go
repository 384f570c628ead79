package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 6, cfg.Batch.Size)
	assert.Equal(t, "file", cfg.Index.Backend)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, 2*time.Second, cfg.WikiTimeout())
	assert.Equal(t, time.Minute, cfg.ThrottleWindow())
	assert.Equal(t, 2*time.Minute, cfg.ArchiveCooldown())
	assert.Equal(t, "<svg", cfg.Archive.ContentMarker)
	assert.NotEmpty(t, cfg.Archive.Denylist)
	assert.Equal(t, "/archive/", cfg.Resolver.ArchiveBaseURL)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
batch:
  size: 4
  stagger_ms: 100
sources:
  site_a:
    enabled: false
  site_b:
    page_min: 2
    page_max: 9
    selectors:
      listing_link: "a.card"
  wiki_media:
    timeout_ms: 1500
index:
  backend: postgres
  postgres:
    dsn: postgres://localhost/vectors
    table: entries
storage:
  backend: gcs
  gcs_bucket: bucket
  prefix: svg
archive:
  denylist: ["flag"]
  cooldown_seconds: 30
pubsub:
  project_id: proj
  topic_name: archived
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Batch.Size)
	assert.Equal(t, 100*time.Millisecond, cfg.Stagger())
	assert.False(t, cfg.Sources.SiteA.Enabled)
	assert.Equal(t, 2, cfg.Sources.SiteB.PageMin)
	assert.Equal(t, 9, cfg.Sources.SiteB.PageMax)
	assert.Equal(t, "a.card", cfg.Sources.SiteB.Selectors.ListingLink)
	assert.Equal(t, "h1", cfg.Sources.SiteB.Selectors.Heading)
	assert.Equal(t, 1500*time.Millisecond, cfg.WikiTimeout())
	assert.Equal(t, "postgres", cfg.Index.Backend)
	assert.Equal(t, "entries", cfg.Index.Postgres.Table)
	assert.Equal(t, "bucket", cfg.Storage.GCSBucket)
	assert.Equal(t, "https://storage.googleapis.com/bucket/svg/", cfg.Resolver.ArchiveBaseURL)
	assert.Equal(t, []string{"flag"}, cfg.Archive.Denylist)
	assert.Equal(t, 30*time.Second, cfg.ArchiveCooldown())
	assert.Equal(t, "archived", cfg.PubSub.TopicName)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name: "no sources",
			mutate: func(c *Config) {
				c.Sources.SiteA.Enabled = false
				c.Sources.SiteB.Enabled = false
				c.Sources.WikiMedia.Enabled = false
			},
			wantErr: "at least one source",
		},
		{
			name:    "listing url without placeholder",
			mutate:  func(c *Config) { c.Sources.SiteA.ListingURL = "https://example.com/list" },
			wantErr: "sources.site_a.listing_url",
		},
		{
			name:    "inverted page range",
			mutate:  func(c *Config) { c.Sources.SiteB.PageMin, c.Sources.SiteB.PageMax = 10, 2 },
			wantErr: "sources.site_b page range",
		},
		{
			name:   "disabled site skips selector checks",
			mutate: func(c *Config) { c.Sources.SiteB.Enabled = false; c.Sources.SiteB.ListingURL = "" },
		},
		{
			name:    "batch size",
			mutate:  func(c *Config) { c.Batch.Size = 0 },
			wantErr: "batch.size",
		},
		{
			name:    "unknown index backend",
			mutate:  func(c *Config) { c.Index.Backend = "redis" },
			wantErr: "index.backend",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Index.Backend = "postgres" },
			wantErr: "index.postgres.dsn",
		},
		{
			name:    "gcs without bucket",
			mutate:  func(c *Config) { c.Storage.Backend = "gcs" },
			wantErr: "storage.gcs_bucket",
		},
		{
			name: "gcs with relative archive url",
			mutate: func(c *Config) {
				c.Storage.Backend = "gcs"
				c.Storage.GCSBucket = "bucket"
			},
			wantErr: "resolver.archive_base_url",
		},
		{
			name: "gcs with absolute archive url",
			mutate: func(c *Config) {
				c.Storage.Backend = "gcs"
				c.Storage.GCSBucket = "bucket"
				c.Resolver.ArchiveBaseURL = "https://cdn.example/svg/"
			},
		},
		{
			name:    "body cap at archive ceiling",
			mutate:  func(c *Config) { c.HTTP.MaxBodyBytes = int(c.Archive.MaxBytes) },
			wantErr: "archive.max_bytes",
		},
		{
			name: "body cap below bulk ceiling",
			mutate: func(c *Config) {
				c.Archive.MaxBytes = 1024
				c.HTTP.MaxBodyBytes = 2048
				c.Bulk.MaxBytes = 4096
			},
			wantErr: "bulk.max_bytes",
		},
		{
			name:   "unlimited body cap",
			mutate: func(c *Config) { c.HTTP.MaxBodyBytes = 0 },
		},
		{
			name:    "sample ratio",
			mutate:  func(c *Config) { c.Tracing.SampleRatio = 2 },
			wantErr: "tracing.sample_ratio",
		},
		{
			name:    "topic without project",
			mutate:  func(c *Config) { c.PubSub.TopicName = "archived" },
			wantErr: "pubsub.project_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := base
			cfg.Archive.Denylist = append([]string(nil), base.Archive.Denylist...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
