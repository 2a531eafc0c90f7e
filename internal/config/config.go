package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Database *dbConfig
	Service  *svcConfig
	Worker   *workerConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"drawings"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type svcConfig struct {
	Address         string `envconfig:"DRAWING_WORKER_ADDRESS" default:":8080"`
	MetricsAddress  string `envconfig:"DRAWING_WORKER_METRICS_ADDRESS" default:":8081"`
	LogLevel        string `envconfig:"DRAWING_WORKER_LOG_LEVEL" default:"info"`
	WorkerAPIKey    string `envconfig:"DRAWING_WORKER_API_KEY" default:""`
	MigrationFolder string `envconfig:"DRAWING_WORKER_MIGRATIONS_FOLDER" default:""`
	Kafka           kafkaConfig
	S3              s3Config
	OCR             ocrConfig
	LLM             llmConfig
	Typesense       typesenseConfig
	Convert3D       convert3dConfig
}

type workerConfig struct {
	PollInterval      time.Duration `envconfig:"DRAWING_WORKER_POLL_INTERVAL" default:"5s"`
	LeaseTTL          time.Duration `envconfig:"DRAWING_WORKER_LEASE_TTL" default:"2m"`
	MaxConcurrentJobs int           `envconfig:"DRAWING_WORKER_MAX_CONCURRENT_JOBS" default:"4"`
	PendingBatchSize  int           `envconfig:"DRAWING_WORKER_PENDING_BATCH_SIZE" default:"20"`

	// Per-collaborator slot caps. OCR and LLM quotas differ, so each
	// stage kind gets its own bound.
	DecomposeSlots int `envconfig:"DRAWING_WORKER_DECOMPOSE_SLOTS" default:"2"`
	OCRSlots       int `envconfig:"DRAWING_WORKER_OCR_SLOTS" default:"4"`
	ExtractSlots   int `envconfig:"DRAWING_WORKER_EXTRACT_SLOTS" default:"2"`
	VectorizeSlots int `envconfig:"DRAWING_WORKER_VECTORIZE_SLOTS" default:"2"`
	Convert3DSlots int `envconfig:"DRAWING_WORKER_CONVERT3D_SLOTS" default:"1"`
}

type kafkaConfig struct {
	Brokers  []string `envconfig:"DRAWING_WORKER_KAFKA_BROKERS" default:""`
	Topic    string   `envconfig:"DRAWING_WORKER_KAFKA_TOPIC" default:""`
	ClientID string   `envconfig:"DRAWING_WORKER_KAFKA_CLIENT_ID" default:"drawing-worker"`
}

type s3Config struct {
	Endpoint  string `envconfig:"DRAWING_WORKER_S3_ENDPOINT" default:"localhost:9000"`
	Bucket    string `envconfig:"DRAWING_WORKER_S3_BUCKET" default:"drawings"`
	AccessKey string `envconfig:"DRAWING_WORKER_S3_ACCESS_KEY" default:""`
	SecretKey string `envconfig:"DRAWING_WORKER_S3_SECRET_KEY" default:""`
	UseSSL    bool   `envconfig:"DRAWING_WORKER_S3_USE_SSL" default:"false"`
}

type ocrConfig struct {
	URL     string        `envconfig:"DRAWING_WORKER_OCR_URL" default:"http://localhost:8090"`
	APIKey  string        `envconfig:"DRAWING_WORKER_OCR_API_KEY" default:""`
	Timeout time.Duration `envconfig:"DRAWING_WORKER_OCR_TIMEOUT" default:"60s"`
}

type llmConfig struct {
	APIKey              string `envconfig:"DRAWING_WORKER_LLM_API_KEY" default:""`
	BaseURL             string `envconfig:"DRAWING_WORKER_LLM_BASE_URL" default:""`
	Model               string `envconfig:"DRAWING_WORKER_LLM_MODEL" default:"gpt-4o-mini"`
	EmbeddingModel      string `envconfig:"DRAWING_WORKER_EMBEDDING_MODEL" default:"text-embedding-3-small"`
	EmbeddingDimensions int    `envconfig:"DRAWING_WORKER_EMBEDDING_DIMENSIONS" default:"1536"`
}

type typesenseConfig struct {
	URL        string `envconfig:"DRAWING_WORKER_TYPESENSE_URL" default:"http://localhost:8108"`
	APIKey     string `envconfig:"DRAWING_WORKER_TYPESENSE_API_KEY" default:""`
	Collection string `envconfig:"DRAWING_WORKER_TYPESENSE_COLLECTION" default:"drawings"`
}

type convert3dConfig struct {
	URL     string        `envconfig:"DRAWING_WORKER_CONVERT3D_URL" default:"http://localhost:8091"`
	Timeout time.Duration `envconfig:"DRAWING_WORKER_CONVERT3D_TIMEOUT" default:"5m"`
}

func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}

// NewDefault returns a config suitable for tests: an in-memory sqlite
// database and no external collaborators.
func NewDefault() *Config {
	return &Config{
		Database: &dbConfig{Type: "sqlite", Name: ":memory:"},
		Service:  &svcConfig{Address: "localhost:0", MetricsAddress: "localhost:0", LogLevel: "debug"},
		Worker: &workerConfig{
			PollInterval:      time.Second,
			LeaseTTL:          30 * time.Second,
			MaxConcurrentJobs: 2,
			PendingBatchSize:  10,
			DecomposeSlots:    1,
			OCRSlots:          2,
			ExtractSlots:      1,
			VectorizeSlots:    1,
			Convert3DSlots:    1,
		},
	}
}
