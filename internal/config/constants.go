package config

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "config.yml"

	defaultHost = "0.0.0.0"
	defaultPort = 6100
	defaultEnv  = "development"

	defaultDBHost     = "127.0.0.1"
	defaultDBPort     = 5432
	defaultDBUser     = "postgres"
	defaultDBPassword = "postgres"
	defaultDBName     = "echodesk"
	defaultDBSSLMode  = "disable"
	defaultDBTimezone = "UTC"

	defaultRedisHost = "localhost"
	defaultRedisPort = 6379
	defaultRedisDB   = 0

	defaultStorageProvider = "local"
	defaultUploadDir       = "uploads"
	defaultMaxFileSize     = 20 << 20 // bytes

	defaultChunkSize      = 1000
	defaultChunkOverlap   = 200
	defaultChunkBatchSize = 10

	defaultSearchLimit         = 10
	defaultMaxSearchLimit      = 50
	defaultMinSimilarityScore  = 0.3
	defaultRRFK                = 60
	defaultCandidateMultiplier = 2
	defaultQAGenBatchSize      = 5

	defaultQueueWaitTimeoutMinutes       = 30
	defaultCallbackForwardTimeoutSeconds = 10
)

func defaultAllowedFileTypes() []string {
	return []string{"pdf", "docx", "txt", "md", "markdown", "html", "htm"}
}
