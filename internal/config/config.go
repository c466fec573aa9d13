package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, normalizes and validates the YAML startup configuration.
// Unknown keys are rejected so typos fail fast instead of silently
// falling back to defaults.
func Load(configPath string) (*AppConfig, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = DefaultConfigPath
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	cfg := defaultAppConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	raw := rawAppConfig{}
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}

	applyRawAppConfig(&cfg, raw)
	if err := validateAppConfig(&cfg, path); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaultAppConfig() AppConfig {
	cfg := AppConfig{
		Host: defaultHost,
		Port: defaultPort,
		Env:  defaultEnv,
		Database: DatabaseRuntimeConfig{
			Host:     defaultDBHost,
			Port:     defaultDBPort,
			User:     defaultDBUser,
			Password: defaultDBPassword,
			Name:     defaultDBName,
			SSLMode:  defaultDBSSLMode,
			Timezone: defaultDBTimezone,
		},
		Redis: RedisRuntimeConfig{
			Host: defaultRedisHost,
			Port: defaultRedisPort,
			DB:   defaultRedisDB,
		},
		Storage: StorageConfig{
			Provider:         defaultStorageProvider,
			UploadDir:        defaultUploadDir,
			MaxFileSize:      defaultMaxFileSize,
			AllowedFileTypes: defaultAllowedFileTypes(),
		},
		Chunking: ChunkingConfig{
			ChunkSize:    defaultChunkSize,
			ChunkOverlap: defaultChunkOverlap,
			BatchSize:    defaultChunkBatchSize,
		},
		Retrieval: RetrievalConfig{
			DefaultSearchLimit:    defaultSearchLimit,
			MaxSearchLimit:        defaultMaxSearchLimit,
			MinSimilarityScore:    defaultMinSimilarityScore,
			RRFK:                  defaultRRFK,
			CandidateMultiplier:   defaultCandidateMultiplier,
			QAGenerationBatchSize: defaultQAGenBatchSize,
		},
		Routing: RoutingConfig{
			QueueWaitTimeoutMinutes:       defaultQueueWaitTimeoutMinutes,
			CallbackForwardTimeoutSeconds: defaultCallbackForwardTimeoutSeconds,
		},
	}
	cfg.Database = normalizeDatabaseConfig(cfg.Database)
	cfg.Redis = normalizeRedisConfig(cfg.Redis)
	cfg.DSN = cfg.Database.DSNValue()
	cfg.RedisURL = cfg.Redis.URLValue()
	return cfg
}

func applyRawAppConfig(cfg *AppConfig, raw rawAppConfig) {
	if v := strings.TrimSpace(raw.Host); v != "" {
		cfg.Host = v
	}
	if raw.Port != 0 {
		cfg.Port = raw.Port
	}
	if raw.Workers > 0 {
		cfg.Workers = raw.Workers
	}
	if raw.Reload != nil {
		cfg.Reload = *raw.Reload
	}
	if v := strings.TrimSpace(raw.Server.Host); v != "" {
		cfg.Host = v
	}
	if raw.Server.Port != 0 {
		cfg.Port = raw.Server.Port
	}
	if raw.Server.Workers > 0 {
		cfg.Workers = raw.Server.Workers
	}
	if raw.Server.Reload != nil {
		cfg.Reload = *raw.Server.Reload
	}
	if v := strings.TrimSpace(raw.Env); v != "" {
		cfg.Env = normalizeEnv(v)
	}
	if v := strings.TrimSpace(raw.AppEnv); v != "" {
		cfg.Env = normalizeEnv(v)
	}

	cfg.Database = applyRawDatabaseConfig(cfg.Database, raw)
	cfg.Redis = applyRawRedisConfig(cfg.Redis, raw)
	cfg.Storage = applyRawStorageConfig(cfg.Storage, raw)
	cfg.Chunking = applyRawChunkingConfig(cfg.Chunking, raw.Chunking)
	cfg.Retrieval = applyRawRetrievalConfig(cfg.Retrieval, raw.Retrieval)
	cfg.Routing = applyRawRoutingConfig(cfg.Routing, raw.Routing)

	if v := strings.TrimSpace(raw.Paths.Logs); v != "" {
		cfg.Paths.Logs = v
	}
	if v := strings.TrimSpace(raw.LogDir); v != "" {
		cfg.Paths.Logs = v
	}
	if v := strings.TrimSpace(raw.LogsDir); v != "" {
		cfg.Paths.Logs = v
	}
	if v := strings.TrimSpace(raw.Paths.Static); v != "" {
		cfg.Paths.Static = v
	}
	if v := strings.TrimSpace(raw.StaticDir); v != "" {
		cfg.Paths.Static = v
	}
	if raw.LogRotateSize != nil {
		cfg.LogRotateSize = raw.LogRotateSize
	}
	if raw.LogRotateKeep != nil {
		cfg.LogRotateKeep = raw.LogRotateKeep
	}

	if len(raw.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = normalizeOrigins(raw.AllowedOrigins)
	}
	if len(raw.CORSAllowedOrigins) > 0 {
		cfg.AllowedOrigins = normalizeOrigins(raw.CORSAllowedOrigins)
	}
	if v := strings.TrimSpace(raw.JWTSecret); v != "" {
		cfg.JWTSecret = v
	}
	if v := strings.TrimSpace(raw.JWTSecretLegacy); v != "" && cfg.JWTSecret == "" {
		cfg.JWTSecret = v
	}
	for _, tz := range []string{raw.Timezone, raw.TimeZone, raw.TZ} {
		if v := strings.TrimSpace(tz); v != "" {
			cfg.Timezone = v
			break
		}
	}

	cfg.Paths = normalizeRuntimePaths(cfg.Paths)
	cfg.DSN = cfg.Database.DSNValue()
	cfg.RedisURL = cfg.Redis.URLValue()
}

func applyRawDatabaseConfig(current DatabaseRuntimeConfig, raw rawAppConfig) DatabaseRuntimeConfig {
	next := current

	if v := strings.TrimSpace(raw.DBHost); v != "" {
		next.Host = v
	}
	if raw.DBPort != 0 {
		next.Port = raw.DBPort
	}
	if v := strings.TrimSpace(raw.DBUser); v != "" {
		next.User = v
	}
	if v := strings.TrimSpace(raw.DBPassword); v != "" {
		next.Password = v
	}
	if v := strings.TrimSpace(raw.DBName); v != "" {
		next.Name = v
	}
	if v := strings.TrimSpace(raw.DBSSLMode); v != "" {
		next.SSLMode = v
	}

	block := raw.Database
	if v := strings.TrimSpace(block.Host); v != "" {
		next.Host = v
	}
	if block.Port != 0 {
		next.Port = block.Port
	}
	if v := strings.TrimSpace(block.User); v != "" {
		next.User = v
	}
	if v := strings.TrimSpace(block.Username); v != "" {
		next.User = v
	}
	if v := strings.TrimSpace(block.Password); v != "" {
		next.Password = v
	}
	if v := strings.TrimSpace(block.Name); v != "" {
		next.Name = v
	}
	if v := strings.TrimSpace(block.DBName); v != "" {
		next.Name = v
	}
	if v := strings.TrimSpace(block.SSLMode); v != "" {
		next.SSLMode = v
	}
	if v := strings.TrimSpace(block.SSLModeAlt); v != "" {
		next.SSLMode = v
	}
	if v := strings.TrimSpace(block.Timezone); v != "" {
		next.Timezone = v
	}
	if block.Params != nil {
		next.Params = copyStringMap(block.Params)
	}

	// Full DSN / URL always wins over split parts.
	if v := strings.TrimSpace(raw.DSN); v != "" {
		next.DSN = v
	}
	if v := strings.TrimSpace(raw.DatabaseURL); v != "" {
		next.URL = v
	}
	if v := strings.TrimSpace(block.DSN); v != "" {
		next.DSN = v
	}
	if v := strings.TrimSpace(block.URL); v != "" {
		next.URL = v
	}

	return normalizeDatabaseConfig(next)
}

func applyRawRedisConfig(current RedisRuntimeConfig, raw rawAppConfig) RedisRuntimeConfig {
	next := current

	if v := strings.TrimSpace(raw.RedisHost); v != "" {
		next.Host = v
	}
	if raw.RedisPort != 0 {
		next.Port = raw.RedisPort
	}
	if v := strings.TrimSpace(raw.RedisUsername); v != "" {
		next.Username = v
	}
	if v := strings.TrimSpace(raw.RedisPassword); v != "" {
		next.Password = v
	}
	if raw.RedisDB != nil {
		next.DB = *raw.RedisDB
	}
	if raw.RedisTLS != nil {
		next.TLS = *raw.RedisTLS
	}

	block := raw.Redis
	if v := strings.TrimSpace(block.Host); v != "" {
		next.Host = v
	}
	if block.Port != 0 {
		next.Port = block.Port
	}
	if v := strings.TrimSpace(block.Username); v != "" {
		next.Username = v
	}
	if v := strings.TrimSpace(block.Password); v != "" {
		next.Password = v
	}
	if block.DB != nil {
		next.DB = *block.DB
	}
	if block.TLS != nil {
		next.TLS = *block.TLS
	}
	if v := strings.TrimSpace(block.Scheme); v != "" {
		next.Scheme = v
	}
	if block.Params != nil {
		next.Params = copyStringMap(block.Params)
	}

	if v := strings.TrimSpace(raw.RedisURL); v != "" {
		next.URL = v
	}
	if v := strings.TrimSpace(block.URL); v != "" {
		next.URL = v
	}

	return normalizeRedisConfig(next)
}

func applyRawStorageConfig(current StorageConfig, raw rawAppConfig) StorageConfig {
	next := current
	block := raw.Storage

	if v := strings.TrimSpace(block.Provider); v != "" {
		next.Provider = strings.ToLower(v)
	}
	if v := strings.TrimSpace(raw.UploadDir); v != "" {
		next.UploadDir = v
	}
	if v := strings.TrimSpace(block.UploadDir); v != "" {
		next.UploadDir = v
	}
	if block.MaxFileSize != nil {
		next.MaxFileSize = *block.MaxFileSize
	}
	if len(block.AllowedFileTypes) > 0 {
		next.AllowedFileTypes = normalizeFileTypes(block.AllowedFileTypes)
	}
	next.S3 = normalizeS3Config(block.S3, next.S3)
	return next
}

func applyRawChunkingConfig(current ChunkingConfig, raw rawChunkingConfig) ChunkingConfig {
	next := current
	if raw.ChunkSize != nil {
		next.ChunkSize = *raw.ChunkSize
	}
	if raw.ChunkOverlap != nil {
		next.ChunkOverlap = *raw.ChunkOverlap
	}
	if raw.BatchSize != nil {
		next.BatchSize = *raw.BatchSize
	}
	return next
}

func applyRawRetrievalConfig(current RetrievalConfig, raw rawRetrievalConfig) RetrievalConfig {
	next := current
	if raw.DefaultSearchLimit != nil {
		next.DefaultSearchLimit = *raw.DefaultSearchLimit
	}
	if raw.MaxSearchLimit != nil {
		next.MaxSearchLimit = *raw.MaxSearchLimit
	}
	if raw.MinSimilarityScore != nil {
		next.MinSimilarityScore = *raw.MinSimilarityScore
	}
	if raw.RRFK != nil {
		next.RRFK = *raw.RRFK
	}
	if raw.CandidateMultiplier != nil {
		next.CandidateMultiplier = *raw.CandidateMultiplier
	}
	if raw.QAGenerationBatchSize != nil {
		next.QAGenerationBatchSize = *raw.QAGenerationBatchSize
	}
	return next
}

func applyRawRoutingConfig(current RoutingConfig, raw rawRoutingConfig) RoutingConfig {
	next := current
	if raw.QueueWaitTimeoutMinutes != nil {
		next.QueueWaitTimeoutMinutes = *raw.QueueWaitTimeoutMinutes
	}
	if raw.CallbackForwardTimeoutSeconds != nil {
		next.CallbackForwardTimeoutSeconds = *raw.CallbackForwardTimeoutSeconds
	}
	return next
}

func validateAppConfig(cfg *AppConfig, path string) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d in %q, expected 1-65535", cfg.Port, path)
	}
	if cfg.Database.Port < 1 || cfg.Database.Port > 65535 {
		return fmt.Errorf("invalid database.port %d in %q, expected 1-65535", cfg.Database.Port, path)
	}
	if cfg.Redis.Port < 1 || cfg.Redis.Port > 65535 {
		return fmt.Errorf("invalid redis.port %d in %q, expected 1-65535", cfg.Redis.Port, path)
	}
	if cfg.Redis.DB < 0 {
		return fmt.Errorf("invalid redis.db %d in %q, expected >= 0", cfg.Redis.DB, path)
	}
	if cfg.Storage.Provider != "local" && cfg.Storage.Provider != "s3" {
		return fmt.Errorf("invalid storage.provider %q in %q, expected \"local\" or \"s3\"", cfg.Storage.Provider, path)
	}
	if cfg.Storage.Provider == "s3" && strings.TrimSpace(cfg.Storage.S3.Bucket) == "" {
		return fmt.Errorf("storage.provider is \"s3\" but storage.s3.bucket is empty in %q", path)
	}
	if cfg.Storage.MaxFileSize < 1 {
		return fmt.Errorf("invalid storage.max_file_size %d in %q, expected >= 1", cfg.Storage.MaxFileSize, path)
	}
	if cfg.Chunking.ChunkSize < 1 {
		return fmt.Errorf("invalid chunking.chunk_size %d in %q, expected >= 1", cfg.Chunking.ChunkSize, path)
	}
	if cfg.Chunking.ChunkOverlap < 0 {
		return fmt.Errorf("invalid chunking.chunk_overlap %d in %q, expected >= 0", cfg.Chunking.ChunkOverlap, path)
	}
	if cfg.Chunking.ChunkOverlap >= cfg.Chunking.ChunkSize {
		return fmt.Errorf("chunking.chunk_overlap %d must be smaller than chunking.chunk_size %d in %q",
			cfg.Chunking.ChunkOverlap, cfg.Chunking.ChunkSize, path)
	}
	if cfg.Chunking.BatchSize < 1 {
		return fmt.Errorf("invalid chunking.batch_size %d in %q, expected >= 1", cfg.Chunking.BatchSize, path)
	}
	if cfg.Retrieval.DefaultSearchLimit < 1 {
		return fmt.Errorf("invalid retrieval.default_search_limit %d in %q, expected >= 1", cfg.Retrieval.DefaultSearchLimit, path)
	}
	if cfg.Retrieval.MaxSearchLimit < cfg.Retrieval.DefaultSearchLimit {
		return fmt.Errorf("retrieval.max_search_limit %d must be >= retrieval.default_search_limit %d in %q",
			cfg.Retrieval.MaxSearchLimit, cfg.Retrieval.DefaultSearchLimit, path)
	}
	if cfg.Retrieval.MinSimilarityScore < 0 || cfg.Retrieval.MinSimilarityScore > 1 {
		return fmt.Errorf("invalid retrieval.min_similarity_score %v in %q, expected 0-1", cfg.Retrieval.MinSimilarityScore, path)
	}
	if cfg.Retrieval.RRFK < 1 {
		return fmt.Errorf("invalid retrieval.rrf_k %d in %q, expected >= 1", cfg.Retrieval.RRFK, path)
	}
	if cfg.Retrieval.CandidateMultiplier < 1 {
		return fmt.Errorf("invalid retrieval.candidate_multiplier %d in %q, expected >= 1", cfg.Retrieval.CandidateMultiplier, path)
	}
	if cfg.Retrieval.QAGenerationBatchSize < 1 {
		return fmt.Errorf("invalid retrieval.qa_generation_batch_size %d in %q, expected >= 1", cfg.Retrieval.QAGenerationBatchSize, path)
	}
	if cfg.Routing.QueueWaitTimeoutMinutes < 1 {
		return fmt.Errorf("invalid routing.queue_wait_timeout_minutes %d in %q, expected >= 1", cfg.Routing.QueueWaitTimeoutMinutes, path)
	}
	if cfg.Routing.CallbackForwardTimeoutSeconds < 1 {
		return fmt.Errorf("invalid routing.callback_forward_timeout_seconds %d in %q, expected >= 1", cfg.Routing.CallbackForwardTimeoutSeconds, path)
	}
	return nil
}

func (c *AppConfig) IsDev() bool {
	return c.Env != "production"
}

// ListenAddr is the host:port the HTTP server binds to.
func (c *AppConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *AppConfig) LogDir() string {
	return ResolveRuntimePath(c.Paths.Logs, "logs")
}

func (c *AppConfig) StaticDir() string {
	return ResolveRuntimePath(c.Paths.Static, "static")
}

// UploadDir resolves the local upload directory against the executable dir.
func (c *AppConfig) UploadDir() string {
	return ResolveRuntimePath(c.Storage.UploadDir, defaultUploadDir)
}

func (c *AppConfig) LogRotateSizeMB() (int, bool) {
	if c.LogRotateSize == nil || *c.LogRotateSize <= 0 {
		return 0, false
	}
	return *c.LogRotateSize, true
}

func (c *AppConfig) LogRotateKeepCount() (int, bool) {
	if c.LogRotateKeep == nil || *c.LogRotateKeep <= 0 {
		return 0, false
	}
	return *c.LogRotateKeep, true
}
