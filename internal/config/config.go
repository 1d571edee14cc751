package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the FlowCatalyst message router.
type Config struct {
	// HTTP server configuration (health/metrics endpoints)
	HTTP HTTPConfig

	// ConfigSync configures the periodic fetch against the external
	// configuration source (§6.4).
	ConfigSync ConfigSyncConfig

	// EmbeddedNATS configures the embedded broker used when a queue
	// definition's brokerDescriptor selects type "embedded".
	EmbeddedNATS EmbeddedNATSConfig

	// SQS holds the shared AWS settings (credentials, region, endpoint
	// override) applied to every queue definition whose brokerDescriptor
	// selects type "sqs"; the queue URL itself comes from the descriptor.
	SQS SQSConfig

	// Secrets holds the secrets-backend settings loaded from the config file
	// and environment. cmd/router does not read this field: it builds the
	// provider for the config source credential from secrets.LoadConfigFromEnv.
	Secrets SecretsConfig

	// DataDir is the base directory for embedded services' on-disk state.
	DataDir string

	// DevMode enables verbose logging.
	DevMode bool
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// ConfigSyncConfig tunes the ConfigSyncer's fetch loop.
type ConfigSyncConfig struct {
	SourceURL            string
	Interval             time.Duration
	InitialRetryAttempts int
	InitialRetryDelay    time.Duration
	FetchTimeout         time.Duration
	AuthSecretName       string
}

// EmbeddedNATSConfig configures the in-process JetStream broker.
type EmbeddedNATSConfig struct {
	DataDir string
	Host    string
	Port    int
}

// SQSConfig holds AWS SQS settings shared across every SQS-backed queue.
type SQSConfig struct {
	Region            string
	WaitTimeSeconds   int
	VisibilityTimeout int
	CustomEndpoint    string
	AccessKeyID       string
	SecretAccessKey   string
}

// SecretsConfig selects and configures the secret-resolution backend.
type SecretsConfig struct {
	Provider      string // "env", "encrypted", "aws-sm", "vault", "gcp-sm"
	EncryptionKey string
	DataDir       string

	AWSRegion   string
	AWSPrefix   string
	AWSEndpoint string

	VaultAddr      string
	VaultPath      string
	VaultNamespace string

	GCPProject string
	GCPPrefix  string
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		ConfigSync: ConfigSyncConfig{
			SourceURL:            getEnv("CONFIG_SYNC_SOURCE_URL", ""),
			Interval:             getEnvDuration("CONFIG_SYNC_INTERVAL", 5*time.Minute),
			InitialRetryAttempts: getEnvInt("CONFIG_SYNC_INITIAL_RETRY_ATTEMPTS", 12),
			InitialRetryDelay:    getEnvDuration("CONFIG_SYNC_INITIAL_RETRY_DELAY", 5*time.Second),
			FetchTimeout:         getEnvDuration("CONFIG_SYNC_FETCH_TIMEOUT", 30*time.Second),
			AuthSecretName:       getEnv("CONFIG_SYNC_AUTH_SECRET_NAME", ""),
		},

		EmbeddedNATS: EmbeddedNATSConfig{
			DataDir: getEnv("EMBEDDED_NATS_DATA_DIR", "./data/nats"),
			Host:    getEnv("EMBEDDED_NATS_HOST", "127.0.0.1"),
			Port:    getEnvInt("EMBEDDED_NATS_PORT", 4222),
		},

		SQS: SQSConfig{
			Region:            getEnv("AWS_REGION", "us-east-1"),
			WaitTimeSeconds:   getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
			VisibilityTimeout: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
			CustomEndpoint:    getEnv("SQS_CUSTOM_ENDPOINT", ""),
			AccessKeyID:       getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		},

		Secrets: SecretsConfig{
			Provider:      getEnv("SECRETS_PROVIDER", "env"),
			EncryptionKey: getEnv("SECRETS_ENCRYPTION_KEY", ""),
			DataDir:       getEnv("SECRETS_DATA_DIR", "./data/secrets"),
			AWSRegion:     getEnv("SECRETS_AWS_REGION", ""),
			AWSPrefix:     getEnv("SECRETS_AWS_PREFIX", "/flowcatalyst/"),
			AWSEndpoint:   getEnv("SECRETS_AWS_ENDPOINT", ""),
			VaultAddr:     getEnv("SECRETS_VAULT_ADDR", ""),
			VaultPath:     getEnv("SECRETS_VAULT_PATH", "secret/data/flowcatalyst"),
			GCPProject:    getEnv("SECRETS_GCP_PROJECT", ""),
			GCPPrefix:     getEnv("SECRETS_GCP_PREFIX", "flowcatalyst-"),
		},

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("FLOWCATALYST_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
