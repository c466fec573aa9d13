package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfigFile(t, "jwt_secret: test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != defaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, defaultPort)
	}
	if cfg.Host != defaultHost {
		t.Errorf("Host = %q, want %q", cfg.Host, defaultHost)
	}
	if cfg.Chunking.ChunkSize != 1000 || cfg.Chunking.ChunkOverlap != 200 {
		t.Errorf("Chunking = %+v, want size 1000 overlap 200", cfg.Chunking)
	}
	if cfg.Retrieval.RRFK != 60 {
		t.Errorf("RRFK = %d, want 60", cfg.Retrieval.RRFK)
	}
	if cfg.Storage.Provider != "local" {
		t.Errorf("Storage.Provider = %q, want local", cfg.Storage.Provider)
	}
	if !strings.Contains(cfg.DSN, "dbname=echodesk") {
		t.Errorf("DSN = %q, want default dbname", cfg.DSN)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if !cfg.IsDev() {
		t.Error("IsDev() = false, want true for default env")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfigFile(t, `
server:
  host: 127.0.0.1
  port: 9000
  workers: 2
  reload: true
env: production
database:
  host: db.internal
  port: 5433
  user: echo
  password: secret
  name: desk
  ssl_mode: require
redis:
  host: cache.internal
  db: 3
  tls: true
storage:
  provider: s3
  max_file_size: 1048576
  allowed_file_types: [".PDF", "txt", "txt"]
  s3:
    bucket: echodesk-files
    region: ap-southeast-1
chunking:
  chunk_size: 500
  chunk_overlap: 50
retrieval:
  default_search_limit: 5
  min_similarity_score: 0.0
routing:
  queue_wait_timeout_minutes: 15
allowed_origins: ["https://desk.example.com"]
jwt_secret: super-secret
timezone: Asia/Shanghai
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Host != "127.0.0.1" || cfg.Port != 9000 || cfg.Workers != 2 || !cfg.Reload {
		t.Errorf("server block not applied: %+v", cfg)
	}
	if cfg.IsDev() {
		t.Error("IsDev() = true, want false for production")
	}
	wantDSN := "host=db.internal port=5433 user=echo password=secret dbname=desk sslmode=require TimeZone=UTC"
	if cfg.DSN != wantDSN {
		t.Errorf("DSN = %q, want %q", cfg.DSN, wantDSN)
	}
	if cfg.RedisURL != "rediss://cache.internal:6379/3" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.Storage.Provider != "s3" || cfg.Storage.S3.Bucket != "echodesk-files" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if len(cfg.Storage.AllowedFileTypes) != 2 || cfg.Storage.AllowedFileTypes[0] != "pdf" {
		t.Errorf("AllowedFileTypes = %v, want deduped lowercase [pdf txt]", cfg.Storage.AllowedFileTypes)
	}
	if cfg.Chunking.ChunkSize != 500 || cfg.Chunking.ChunkOverlap != 50 {
		t.Errorf("Chunking = %+v", cfg.Chunking)
	}
	if cfg.Retrieval.DefaultSearchLimit != 5 {
		t.Errorf("DefaultSearchLimit = %d", cfg.Retrieval.DefaultSearchLimit)
	}
	if cfg.Retrieval.MinSimilarityScore != 0.0 {
		t.Errorf("MinSimilarityScore = %v, want 0", cfg.Retrieval.MinSimilarityScore)
	}
	if cfg.Routing.QueueWaitTimeoutMinutes != 15 {
		t.Errorf("QueueWaitTimeoutMinutes = %d", cfg.Routing.QueueWaitTimeoutMinutes)
	}
	if cfg.Timezone != "Asia/Shanghai" {
		t.Errorf("Timezone = %q", cfg.Timezone)
	}
}

func TestLoadRejectsOverlapNotSmallerThanChunkSize(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"equal", "chunking:\n  chunk_size: 100\n  chunk_overlap: 100\n"},
		{"larger", "chunking:\n  chunk_size: 100\n  chunk_overlap: 150\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfigFile(t, tc.yaml)
			if _, err := Load(path); err == nil {
				t.Fatal("Load succeeded, want chunk_overlap validation error")
			} else if !strings.Contains(err.Error(), "chunk_overlap") {
				t.Errorf("error = %v, want mention of chunk_overlap", err)
			}
		})
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, "chunk_sizes: 100\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load succeeded, want unknown-field error")
	}
}

func TestLoadRejectsS3WithoutBucket(t *testing.T) {
	path := writeConfigFile(t, "storage:\n  provider: s3\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load succeeded, want missing bucket error")
	}
}

func TestDSNValueExplicitWins(t *testing.T) {
	cfg := DatabaseRuntimeConfig{
		DSN:  "host=a port=1 user=u dbname=d",
		Host: "ignored",
	}
	if got := cfg.DSNValue(); got != "host=a port=1 user=u dbname=d" {
		t.Errorf("DSNValue = %q", got)
	}

	cfg = DatabaseRuntimeConfig{URL: "postgres://u:p@h:5432/d?sslmode=disable"}
	if got := cfg.DSNValue(); got != "postgres://u:p@h:5432/d?sslmode=disable" {
		t.Errorf("DSNValue = %q", got)
	}
}

func TestRedactedMasksPassword(t *testing.T) {
	cfg := DatabaseRuntimeConfig{Host: "h", Port: 5432, User: "u", Password: "hunter2", Name: "d"}
	got := cfg.Redacted()
	if strings.Contains(got, "hunter2") {
		t.Errorf("Redacted leaked password: %q", got)
	}
	if !strings.Contains(got, "password=******") {
		t.Errorf("Redacted = %q, want masked password", got)
	}

	cfg = DatabaseRuntimeConfig{URL: "postgres://u:hunter2@h/d"}
	got = cfg.Redacted()
	if strings.Contains(got, "hunter2") {
		t.Errorf("Redacted leaked password in URL: %q", got)
	}
}

func TestAIConfigResolveAssignment(t *testing.T) {
	ai := AIConfig{Providers: []AIProvider{
		{ID: "p1", Type: "OpenAI", DefaultModel: "gpt-4o-mini", Enabled: false},
		{ID: "p2", Type: "Anthropic", DefaultModel: "claude-sonnet-4-5", Enabled: true},
	}}

	provider, model := ai.ResolveAssignment(nil)
	if provider == nil || provider.ID != "p2" || model != "claude-sonnet-4-5" {
		t.Errorf("fallback resolve = %v %q, want p2 default model", provider, model)
	}

	provider, model = ai.ResolveAssignment(&AIModelAssignment{ProviderID: "p2", Model: "claude-haiku-4-5"})
	if provider == nil || model != "claude-haiku-4-5" {
		t.Errorf("explicit resolve = %v %q", provider, model)
	}

	// Disabled provider falls through to the first enabled one.
	provider, _ = ai.ResolveAssignment(&AIModelAssignment{ProviderID: "p1"})
	if provider == nil || provider.ID != "p2" {
		t.Errorf("disabled provider resolve = %v, want p2", provider)
	}

	if got, _ := (AIConfig{}).ResolveAssignment(nil); got != nil {
		t.Errorf("empty config resolve = %v, want nil", got)
	}
}
