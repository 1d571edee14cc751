package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure.
type TOMLConfig struct {
	HTTP         TOMLHTTPConfig         `toml:"http"`
	ConfigSync   TOMLConfigSyncConfig   `toml:"config_sync"`
	EmbeddedNATS TOMLEmbeddedNATSConfig `toml:"embedded_nats"`
	SQS          TOMLSQSConfig          `toml:"sqs"`
	Secrets      TOMLSecretsConfig      `toml:"secrets"`
	DataDir      string                 `toml:"data_dir"`
	DevMode      bool                   `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML.
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLConfigSyncConfig represents ConfigSyncer settings in TOML.
type TOMLConfigSyncConfig struct {
	SourceURL            string `toml:"source_url"`
	Interval             string `toml:"interval"`
	InitialRetryAttempts int    `toml:"initial_retry_attempts"`
	InitialRetryDelay    string `toml:"initial_retry_delay"`
	FetchTimeout         string `toml:"fetch_timeout"`
	AuthSecretName       string `toml:"auth_secret_name"`
}

// TOMLEmbeddedNATSConfig represents the embedded broker's settings in TOML.
type TOMLEmbeddedNATSConfig struct {
	DataDir string `toml:"data_dir"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// TOMLSQSConfig represents shared SQS configuration in TOML.
type TOMLSQSConfig struct {
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
	CustomEndpoint    string `toml:"custom_endpoint"`
}

// TOMLSecretsConfig represents secrets provider configuration in TOML.
type TOMLSecretsConfig struct {
	Provider      string `toml:"provider"`
	EncryptionKey string `toml:"encryption_key"`
	DataDir       string `toml:"data_dir"`

	AWSRegion   string `toml:"aws_region"`
	AWSPrefix   string `toml:"aws_prefix"`
	AWSEndpoint string `toml:"aws_endpoint"`

	VaultAddr      string `toml:"vault_addr"`
	VaultPath      string `toml:"vault_path"`
	VaultNamespace string `toml:"vault_namespace"`

	GCPProject string `toml:"gcp_project"`
	GCPPrefix  string `toml:"gcp_prefix"`
}

// ConfigPaths lists the paths to search for config files.
var ConfigPaths = []string{
	"config.toml",
	"application.toml",
	"flowcatalyst.toml",
	"./config/config.toml",
	"./config/application.toml",
	"/etc/flowcatalyst/config.toml",
}

// LoadFromFile loads configuration from a TOML file.
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env vars.
func LoadWithFile() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	configPath := os.Getenv("FLOWCATALYST_CONFIG")
	if configPath == "" {
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		return cfg, nil
	}

	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct.
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		ConfigSync: ConfigSyncConfig{
			SourceURL:            tc.ConfigSync.SourceURL,
			InitialRetryAttempts: tc.ConfigSync.InitialRetryAttempts,
			AuthSecretName:       tc.ConfigSync.AuthSecretName,
		},
		EmbeddedNATS: EmbeddedNATSConfig{
			DataDir: tc.EmbeddedNATS.DataDir,
			Host:    tc.EmbeddedNATS.Host,
			Port:    tc.EmbeddedNATS.Port,
		},
		SQS: SQSConfig{
			Region:            tc.SQS.Region,
			WaitTimeSeconds:   tc.SQS.WaitTimeSeconds,
			VisibilityTimeout: tc.SQS.VisibilityTimeout,
			CustomEndpoint:    tc.SQS.CustomEndpoint,
		},
		Secrets: SecretsConfig{
			Provider:      tc.Secrets.Provider,
			EncryptionKey: tc.Secrets.EncryptionKey,
			DataDir:       tc.Secrets.DataDir,
			AWSRegion:     tc.Secrets.AWSRegion,
			AWSPrefix:     tc.Secrets.AWSPrefix,
			AWSEndpoint:   tc.Secrets.AWSEndpoint,
			VaultAddr:     tc.Secrets.VaultAddr,
			VaultPath:     tc.Secrets.VaultPath,
			GCPProject:    tc.Secrets.GCPProject,
			GCPPrefix:     tc.Secrets.GCPPrefix,
		},
		DataDir: tc.DataDir,
		DevMode: tc.DevMode,
	}

	if tc.ConfigSync.Interval != "" {
		if d, err := time.ParseDuration(tc.ConfigSync.Interval); err == nil {
			cfg.ConfigSync.Interval = d
		}
	}
	if tc.ConfigSync.InitialRetryDelay != "" {
		if d, err := time.ParseDuration(tc.ConfigSync.InitialRetryDelay); err == nil {
			cfg.ConfigSync.InitialRetryDelay = d
		}
	}
	if tc.ConfigSync.FetchTimeout != "" {
		if d, err := time.ParseDuration(tc.ConfigSync.FetchTimeout); err == nil {
			cfg.ConfigSync.FetchTimeout = d
		}
	}

	return cfg, nil
}

// mergeConfigs merges two configs, with override taking precedence for non-zero values.
func mergeConfigs(base, override *Config) *Config {
	result := *base

	if override.HTTP.Port != 0 && override.HTTP.Port != 8080 {
		result.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}

	if override.ConfigSync.SourceURL != "" {
		result.ConfigSync.SourceURL = override.ConfigSync.SourceURL
	}
	if override.ConfigSync.Interval != 0 {
		result.ConfigSync.Interval = override.ConfigSync.Interval
	}

	if override.EmbeddedNATS.DataDir != "" {
		result.EmbeddedNATS.DataDir = override.EmbeddedNATS.DataDir
	}
	if override.EmbeddedNATS.Host != "" {
		result.EmbeddedNATS.Host = override.EmbeddedNATS.Host
	}

	if override.SQS.Region != "" && override.SQS.Region != "us-east-1" {
		result.SQS.Region = override.SQS.Region
	}

	if override.Secrets.Provider != "" && override.Secrets.Provider != "env" {
		result.Secrets.Provider = override.Secrets.Provider
	}

	if override.DataDir != "" && override.DataDir != "./data" {
		result.DataDir = override.DataDir
	}
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# FlowCatalyst Message Router Configuration
# Environment variables override these settings

[http]
port = 8080
cors_origins = ["http://localhost:4200"]

[config_sync]
source_url = ""
interval = "5m"
initial_retry_attempts = 12
initial_retry_delay = "5s"
fetch_timeout = "30s"
auth_secret_name = ""

[embedded_nats]
data_dir = "./data/nats"
host = "127.0.0.1"
port = 4222

[sqs]
region = "us-east-1"
wait_time_seconds = 20
visibility_timeout = 120
custom_endpoint = ""

[secrets]
provider = "env"  # env, encrypted, aws-sm, vault, gcp-sm

encryption_key = ""
data_dir = "./data/secrets"

aws_region = ""
aws_prefix = "/flowcatalyst/"
aws_endpoint = ""

vault_addr = ""
vault_path = "secret/data/flowcatalyst"
vault_namespace = ""

gcp_project = ""
gcp_prefix = "flowcatalyst-"

data_dir = "./data"
dev_mode = false
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
