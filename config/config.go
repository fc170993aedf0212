package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the agent's runtime configuration, read from the environment.
type Config struct {
	ServiceName string
	Port        string
	LogFile     string
	LogLevel    string

	// KV backend: memory, sqlite or redis.
	KVBackend     string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Remote backend: none, memory, postgres, sqlite or mongo.
	RemoteBackend string
	PostgresDSN   string
	RemoteSQLite  string
	MongoURI      string
	MongoDatabase string
	MongoOutbox   bool
	// RemoteTimeout bounds each remote call. Zero means none.
	RemoteTimeout time.Duration

	// Feed transport: native or kafka.
	FeedTransport  string
	KafkaBootstrap string
	SchemaRegistry string
	KafkaTopic     string
	KafkaGroupID   string

	// Object store: none, memory, s3 or gcs.
	ObjectStore    string
	ObjectBaseURL  string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	GCSBucket      string
	GCSCredentials string

	ConsulAddress  string
	ConsulRegister bool
	AdvertiseHost  string

	TracingEnabled bool
	OTLPEndpoint   string

	// Notifications: local or remote.
	NotifyMode string
}

// Load reads the configuration, first loading a .env file when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "autofix-agent"),
		Port:        getEnv("SERVICE_PORT", "8090"),
		LogFile:     getEnv("LOG_FILE", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		KVBackend:     strings.ToLower(getEnv("KV_BACKEND", "sqlite")),
		SQLitePath:    getEnv("SQLITE_PATH", "autofix.db"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "autofix:"),

		RemoteBackend: strings.ToLower(getEnv("REMOTE_BACKEND", "none")),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),
		RemoteSQLite:  getEnv("REMOTE_SQLITE_PATH", "autofix-remote.db"),
		MongoURI:      getEnv("MONGO_URI", "mongodb://mongodb:27017/autofix?replicaSet=rs0"),
		MongoDatabase: getEnv("MONGO_DATABASE", "autofix"),
		MongoOutbox:   getEnvAsBool("MONGO_OUTBOX", false),
		RemoteTimeout: getEnvAsDuration("REMOTE_TIMEOUT", 0),

		FeedTransport:  strings.ToLower(getEnv("FEED_TRANSPORT", "native")),
		KafkaBootstrap: getEnv("KAFKA_BOOTSTRAP_SERVERS", ""),
		SchemaRegistry: getEnv("SCHEMA_REGISTRY_URL", "http://schema-registry:8081"),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "autofix-changes"),
		KafkaGroupID:   getEnv("KAFKA_GROUP_ID", ""),

		ObjectStore:    strings.ToLower(getEnv("OBJECT_STORE", "none")),
		ObjectBaseURL:  getEnv("OBJECT_BASE_URL", ""),
		S3Bucket:       getEnv("S3_BUCKET", ""),
		S3Region:       getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		GCSBucket:      getEnv("GCS_BUCKET", ""),
		GCSCredentials: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),

		ConsulAddress:  getEnv("CONSUL_ADDRESS", "consul:8500"),
		ConsulRegister: getEnvAsBool("CONSUL_REGISTER", false),
		AdvertiseHost:  getEnv("ADVERTISE_HOST", "localhost"),

		TracingEnabled: getEnvAsBool("TRACING_ENABLED", false),
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "jaeger:4318"),

		NotifyMode: strings.ToLower(getEnv("NOTIFY_MODE", "local")),
	}
	if cfg.KafkaGroupID == "" {
		host, _ := os.Hostname()
		cfg.KafkaGroupID = cfg.ServiceName + "-" + host
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q, expected one of %s", name, value, strings.Join(allowed, ", "))
}

// Validate checks the backend selections and the settings they require.
func (c *Config) Validate() error {
	checks := []error{
		oneOf("KV_BACKEND", c.KVBackend, "memory", "sqlite", "redis"),
		oneOf("REMOTE_BACKEND", c.RemoteBackend, "none", "memory", "postgres", "sqlite", "mongo"),
		oneOf("FEED_TRANSPORT", c.FeedTransport, "native", "kafka"),
		oneOf("OBJECT_STORE", c.ObjectStore, "none", "memory", "s3", "gcs"),
		oneOf("NOTIFY_MODE", c.NotifyMode, "local", "remote"),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if c.RemoteBackend == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required for the postgres backend")
	}
	if c.ObjectStore == "s3" && c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required for the s3 object store")
	}
	if c.ObjectStore == "gcs" && c.GCSBucket == "" {
		return fmt.Errorf("GCS_BUCKET is required for the gcs object store")
	}
	if c.FeedTransport == "kafka" && (c.RemoteBackend == "none" || c.RemoteBackend == "postgres") {
		return fmt.Errorf("the kafka feed is not supported with the %s backend", c.RemoteBackend)
	}
	if c.RemoteTimeout < 0 {
		return fmt.Errorf("REMOTE_TIMEOUT must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
