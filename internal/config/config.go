package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/docpipe/docpipe/pkg/models"
)

// Config holds all configuration for the docpipe server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Volume    VolumeConfig
	Warehouse WarehouseConfig
	AI        AIConfig
	Pipeline  PipelineConfig
	Prompts   Prompts
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// VolumeConfig locates the document volume that ingested files are uploaded
// to. Catalog/Schema/Name form the target location triple; BaseURL is the
// file-store API host.
type VolumeConfig struct {
	BaseURL string
	Catalog string
	Schema  string
	Name    string
	Timeout time.Duration
}

// Path returns the volume root path, e.g. /Volumes/catalog/schema/name.
func (v VolumeConfig) Path() string {
	return fmt.Sprintf("/Volumes/%s/%s/%s", v.Catalog, v.Schema, v.Name)
}

// WarehouseConfig locates the SQL warehouse used for remote document parsing.
type WarehouseConfig struct {
	BaseURL      string
	WarehouseID  string
	PollInterval time.Duration
	PollTimeout  time.Duration
}

type AIConfig struct {
	Provider         string
	Model            string
	Temperature      float64
	MaxTokens        int
	InferenceTimeout time.Duration
	Serving          ServingConfig
	OpenAI           OpenAIConfig
}

// ServingConfig configures the model-serving gateway reached with OAuth
// client-credentials.
type ServingConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
}

// PipelineConfig holds controller-level settings.
type PipelineConfig struct {
	Workers       int
	ExperimentID  string
	LogVolume     string
	MaxFileSizeMB int
	// ForceFailureStage forces the named stage to fail unconditionally.
	// Test hook only; empty in any real deployment.
	ForceFailureStage models.Stage
}

var validProviders = map[string]bool{
	"serving": true,
	"openai":  true,
	"mock":    true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("DOCPIPE_PORT", 8080),
			Env:  envString("DOCPIPE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Volume: VolumeConfig{
			BaseURL: os.Getenv("VOLUME_BASE_URL"),
			Catalog: os.Getenv("VOLUME_CATALOG"),
			Schema:  os.Getenv("VOLUME_SCHEMA"),
			Name:    os.Getenv("VOLUME_NAME"),
			Timeout: envDuration("VOLUME_TIMEOUT", 60*time.Second),
		},
		Warehouse: WarehouseConfig{
			BaseURL:      envString("WAREHOUSE_BASE_URL", os.Getenv("VOLUME_BASE_URL")),
			WarehouseID:  os.Getenv("SQL_WAREHOUSE_ID"),
			PollInterval: envDuration("WAREHOUSE_POLL_INTERVAL", 2*time.Second),
			PollTimeout:  envDuration("WAREHOUSE_POLL_TIMEOUT", 5*time.Minute),
		},
		AI: AIConfig{
			Provider:         envString("AI_PROVIDER", "serving"),
			Model:            envString("AI_MODEL", "docpipe-chat"),
			Temperature:      envFloat("AI_TEMPERATURE", 0.0),
			MaxTokens:        envInt("AI_MAX_TOKENS", 5000),
			InferenceTimeout: envDuration("AI_INFERENCE_TIMEOUT", 60*time.Second),
			Serving: ServingConfig{
				BaseURL:      os.Getenv("SERVING_BASE_URL"),
				TokenURL:     os.Getenv("SERVING_TOKEN_URL"),
				ClientID:     os.Getenv("SERVING_CLIENT_ID"),
				ClientSecret: os.Getenv("SERVING_CLIENT_SECRET"),
			},
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
			},
		},
		Pipeline: PipelineConfig{
			Workers:           envInt("PIPELINE_WORKERS", 4),
			ExperimentID:      os.Getenv("EXPERIMENT_ID"),
			LogVolume:         os.Getenv("LOGS_VOLUME_PATH"),
			MaxFileSizeMB:     envInt("MAX_FILE_SIZE_MB", 100),
			ForceFailureStage: models.Stage(os.Getenv("TEST_FORCE_FAILURE_STAGE")),
		},
		Prompts: DefaultPrompts(),
	}

	if f := os.Getenv("PROMPTS_FILE"); f != "" {
		if err := cfg.Prompts.LoadFile(f); err != nil {
			return nil, fmt.Errorf("load prompts file: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Volume.BaseURL == "" {
		return fmt.Errorf("VOLUME_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Volume.BaseURL, "http://") && !strings.HasPrefix(c.Volume.BaseURL, "https://") {
		return fmt.Errorf("VOLUME_BASE_URL must start with http:// or https://, got %q", c.Volume.BaseURL)
	}
	if c.Volume.Catalog == "" || c.Volume.Schema == "" || c.Volume.Name == "" {
		return fmt.Errorf("VOLUME_CATALOG, VOLUME_SCHEMA and VOLUME_NAME are required")
	}

	if c.Warehouse.WarehouseID == "" {
		return fmt.Errorf("SQL_WAREHOUSE_ID is required")
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of serving, openai, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "serving" {
		if c.AI.Serving.BaseURL == "" {
			return fmt.Errorf("SERVING_BASE_URL is required when AI_PROVIDER is serving")
		}
		if c.AI.Serving.ClientID == "" || c.AI.Serving.ClientSecret == "" {
			return fmt.Errorf("SERVING_CLIENT_ID and SERVING_CLIENT_SECRET are required when AI_PROVIDER is serving")
		}
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}

	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("PIPELINE_WORKERS must be at least 1")
	}
	if s := c.Pipeline.ForceFailureStage; s != "" && !s.Valid() {
		return fmt.Errorf("TEST_FORCE_FAILURE_STAGE must name a pipeline stage, got %q", s)
	}

	return nil
}

// Prompts holds the templates sent to the model for the three AI-query
// stages. `%s` is substituted with the document text.
type Prompts struct {
	Categorize string `yaml:"categorize"`
	Extract    string `yaml:"extract"`
	Deidentify string `yaml:"deidentify"`
}

// LoadFile overlays templates from a YAML file; empty fields keep defaults.
func (p *Prompts) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file Prompts
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if file.Categorize != "" {
		p.Categorize = file.Categorize
	}
	if file.Extract != "" {
		p.Extract = file.Extract
	}
	if file.Deidentify != "" {
		p.Deidentify = file.Deidentify
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
