package config

// AppConfig holds runtime startup configuration loaded from YAML.
type AppConfig struct {
	Host           string                `yaml:"host"`
	Port           int                   `yaml:"port"`
	Workers        int                   `yaml:"workers"` // extra worker processes when > 0
	Reload         bool                  `yaml:"reload"`  // restart workers when the config file changes
	Env            string                `yaml:"env"`     // "development" | "production"
	DSN            string                `yaml:"dsn"`     // resolved Postgres DSN
	RedisURL       string                `yaml:"redis_url"`
	Database       DatabaseRuntimeConfig `yaml:"database"`
	Redis          RedisRuntimeConfig    `yaml:"redis"`
	Storage        StorageConfig         `yaml:"storage"`
	Chunking       ChunkingConfig        `yaml:"chunking"`
	Retrieval      RetrievalConfig       `yaml:"retrieval"`
	Routing        RoutingConfig         `yaml:"routing"`
	Paths          RuntimePathsConfig    `yaml:"paths"`
	LogRotateSize  *int                  `yaml:"log_rotate_size_mb"`
	LogRotateKeep  *int                  `yaml:"log_rotate_keep"`
	AllowedOrigins []string              `yaml:"allowed_origins"`
	JWTSecret      string                `yaml:"jwt_secret"`
	Timezone       string                `yaml:"timezone"`
}

type DatabaseRuntimeConfig struct {
	DSN      string            `yaml:"dsn"`
	URL      string            `yaml:"url"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	User     string            `yaml:"user"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Name     string            `yaml:"name"`
	DBName   string            `yaml:"db_name"`
	SSLMode  string            `yaml:"ssl_mode"`
	Timezone string            `yaml:"timezone"`
	Params   map[string]string `yaml:"params"`
}

type RedisRuntimeConfig struct {
	URL      string            `yaml:"url"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	DB       int               `yaml:"db"`
	TLS      bool              `yaml:"tls"`
	Scheme   string            `yaml:"scheme"`
	Params   map[string]string `yaml:"params"`
}

type StorageConfig struct {
	Provider         string          `yaml:"provider"` // "local" | "s3"
	UploadDir        string          `yaml:"upload_dir"`
	MaxFileSize      int64           `yaml:"max_file_size"`
	AllowedFileTypes []string        `yaml:"allowed_file_types"`
	S3               S3RuntimeConfig `yaml:"s3"`
}

type S3RuntimeConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	KeyPrefix       string `yaml:"key_prefix"`
}

type ChunkingConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	BatchSize    int `yaml:"batch_size"`
}

type RetrievalConfig struct {
	DefaultSearchLimit    int     `yaml:"default_search_limit"`
	MaxSearchLimit        int     `yaml:"max_search_limit"`
	MinSimilarityScore    float64 `yaml:"min_similarity_score"`
	RRFK                  int     `yaml:"rrf_k"`
	CandidateMultiplier   int     `yaml:"candidate_multiplier"`
	QAGenerationBatchSize int     `yaml:"qa_generation_batch_size"`
}

type RoutingConfig struct {
	QueueWaitTimeoutMinutes       int `yaml:"queue_wait_timeout_minutes"`
	CallbackForwardTimeoutSeconds int `yaml:"callback_forward_timeout_seconds"`
}

type RuntimePathsConfig struct {
	Logs   string `yaml:"logs"`
	Static string `yaml:"static"`
}

type rawAppConfig struct {
	Server             rawServerConfig    `yaml:"server"`
	Host               string             `yaml:"host"`
	Port               int                `yaml:"port"`
	Workers            int                `yaml:"workers"`
	Reload             *bool              `yaml:"reload"`
	Env                string             `yaml:"env"`
	AppEnv             string             `yaml:"app_env"`
	DSN                string             `yaml:"dsn"`
	DatabaseURL        string             `yaml:"database_url"`
	RedisURL           string             `yaml:"redis_url"`
	Database           rawDatabaseConfig  `yaml:"database"`
	Redis              rawRedisConfig     `yaml:"redis"`
	DBHost             string             `yaml:"db_host"`
	DBPort             int                `yaml:"db_port"`
	DBUser             string             `yaml:"db_user"`
	DBPassword         string             `yaml:"db_password"`
	DBName             string             `yaml:"db_name"`
	DBSSLMode          string             `yaml:"db_ssl_mode"`
	RedisHost          string             `yaml:"redis_host"`
	RedisPort          int                `yaml:"redis_port"`
	RedisUsername      string             `yaml:"redis_username"`
	RedisPassword      string             `yaml:"redis_password"`
	RedisDB            *int               `yaml:"redis_db"`
	RedisTLS           *bool              `yaml:"redis_tls"`
	Storage            rawStorageConfig   `yaml:"storage"`
	UploadDir          string             `yaml:"upload_dir"`
	Chunking           rawChunkingConfig  `yaml:"chunking"`
	Retrieval          rawRetrievalConfig `yaml:"retrieval"`
	Routing            rawRoutingConfig   `yaml:"routing"`
	Paths              rawPathsConfig     `yaml:"paths"`
	LogDir             string             `yaml:"log_dir"`
	LogsDir            string             `yaml:"logs_dir"`
	StaticDir          string             `yaml:"static_dir"`
	LogRotateSize      *int               `yaml:"log_rotate_size_mb"`
	LogRotateKeep      *int               `yaml:"log_rotate_keep"`
	AllowedOrigins     []string           `yaml:"allowed_origins"`
	CORSAllowedOrigins []string           `yaml:"cors_allowed_origins"`
	JWTSecret          string             `yaml:"jwt_secret"`
	JWTSecretLegacy    string             `yaml:"jwtsecret"`
	Timezone           string             `yaml:"timezone"`
	TimeZone           string             `yaml:"time_zone"`
	TZ                 string             `yaml:"tz"`
}

type rawServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Workers int    `yaml:"workers"`
	Reload  *bool  `yaml:"reload"`
}

type rawDatabaseConfig struct {
	DSN        string            `yaml:"dsn"`
	URL        string            `yaml:"url"`
	Host       string            `yaml:"host"`
	Port       int               `yaml:"port"`
	User       string            `yaml:"user"`
	Username   string            `yaml:"username"`
	Password   string            `yaml:"password"`
	Name       string            `yaml:"name"`
	DBName     string            `yaml:"db_name"`
	SSLMode    string            `yaml:"ssl_mode"`
	SSLModeAlt string            `yaml:"sslmode"`
	Timezone   string            `yaml:"timezone"`
	Params     map[string]string `yaml:"params"`
}

type rawRedisConfig struct {
	URL      string            `yaml:"url"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	DB       *int              `yaml:"db"`
	TLS      *bool             `yaml:"tls"`
	Scheme   string            `yaml:"scheme"`
	Params   map[string]string `yaml:"params"`
}

type rawStorageConfig struct {
	Provider         string          `yaml:"provider"`
	UploadDir        string          `yaml:"upload_dir"`
	MaxFileSize      *int64          `yaml:"max_file_size"`
	AllowedFileTypes []string        `yaml:"allowed_file_types"`
	S3               S3RuntimeConfig `yaml:"s3"`
}

type rawChunkingConfig struct {
	ChunkSize    *int `yaml:"chunk_size"`
	ChunkOverlap *int `yaml:"chunk_overlap"`
	BatchSize    *int `yaml:"batch_size"`
}

type rawRetrievalConfig struct {
	DefaultSearchLimit    *int     `yaml:"default_search_limit"`
	MaxSearchLimit        *int     `yaml:"max_search_limit"`
	MinSimilarityScore    *float64 `yaml:"min_similarity_score"`
	RRFK                  *int     `yaml:"rrf_k"`
	CandidateMultiplier   *int     `yaml:"candidate_multiplier"`
	QAGenerationBatchSize *int     `yaml:"qa_generation_batch_size"`
}

type rawRoutingConfig struct {
	QueueWaitTimeoutMinutes       *int `yaml:"queue_wait_timeout_minutes"`
	CallbackForwardTimeoutSeconds *int `yaml:"callback_forward_timeout_seconds"`
}

type rawPathsConfig struct {
	Logs   string `yaml:"logs"`
	Static string `yaml:"static"`
}
