// Package config provides centralized configuration management with
// environment variable support for secure credential handling.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Storage  StorageConfig
	Analyzer AnalyzerConfig
	Fetch    FetchConfig
	Server   ServerConfig
}

// StorageConfig holds paths for persistent state
type StorageConfig struct {
	DataDir string // Base directory for the sqlite database
	DBFile  string // Database file name inside DataDir
}

// AnalyzerConfig holds analyzer selection, quota, and output shaping settings
type AnalyzerConfig struct {
	Provider            string  // "gemini" or "local"
	Model               string  // Remote model name
	APIKey              string  // Only via env var in production
	RequestsPerMinute   int
	RequestsPerDay      int
	BatchDelaySeconds   float64 // Pause between analyzer calls
	MaxRetries          int
	MaxCharactersSent   int
	MinTextLength       int
	MaxTextLength       int
	TopNTopicsPerDoc    int
	MinTopicProbability float64
	TopKeywords         int
	UseContentHash      bool // Salt cache keys with a sample of fetched text
}

// FetchConfig holds page fetching settings
type FetchConfig struct {
	Concurrency    int
	TimeoutSeconds int
	MaxBytes       int64
	PerHostRPS     float64
	UserAgent      string
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Host string
	Port int
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over config file values.
// The API key should ONLY be set via environment variable in production.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars()

	// Config file is optional if env vars are set
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		Storage: StorageConfig{
			DataDir: getStringWithEnvFallback("storage.data_dir", "BOOKMARKS_DATA_DIR", defaultDataDir()),
			DBFile:  getStringWithEnvFallback("storage.db_file", "BOOKMARKS_DB_FILE", "bookmarks.db"),
		},
		Analyzer: AnalyzerConfig{
			Provider:            getStringWithEnvFallback("analyzer.provider", "ANALYZER_PROVIDER", "local"),
			Model:               getStringWithEnvFallback("analyzer.model", "ANALYZER_MODEL", "gemini-1.5-flash"),
			APIKey:              getStringWithEnvFallback("analyzer.api_key", "GEMINI_API_KEY", ""),
			RequestsPerMinute:   getIntWithEnvFallback("analyzer.requests_per_minute", "REQUESTS_PER_MINUTE", 15),
			RequestsPerDay:      getIntWithEnvFallback("analyzer.requests_per_day", "REQUESTS_PER_DAY", 50),
			BatchDelaySeconds:   viper.GetFloat64("analyzer.batch_delay_seconds"),
			MaxRetries:          viper.GetInt("analyzer.max_retries"),
			MaxCharactersSent:   viper.GetInt("analyzer.max_characters_sent"),
			MinTextLength:       viper.GetInt("analyzer.min_text_length"),
			MaxTextLength:       viper.GetInt("analyzer.max_text_length"),
			TopNTopicsPerDoc:    viper.GetInt("analyzer.top_n_topics_per_doc"),
			MinTopicProbability: viper.GetFloat64("analyzer.min_topic_probability"),
			TopKeywords:         viper.GetInt("analyzer.top_keywords"),
			UseContentHash:      viper.GetBool("analyzer.use_content_hash"),
		},
		Fetch: FetchConfig{
			Concurrency:    getIntWithEnvFallback("fetch.concurrency", "FETCH_CONCURRENCY", 8),
			TimeoutSeconds: getIntWithEnvFallback("fetch.timeout_seconds", "FETCH_TIMEOUT_SECONDS", 15),
			MaxBytes:       viper.GetInt64("fetch.max_bytes"),
			PerHostRPS:     viper.GetFloat64("fetch.per_host_rps"),
			UserAgent:      getStringWithEnvFallback("fetch.user_agent", "FETCH_USER_AGENT", "BookmarkTopicBot/1.0 (Content Analysis)"),
		},
		Server: ServerConfig{
			Host: getStringWithEnvFallback("server.host", "SERVER_HOST", "127.0.0.1"),
			Port: getIntWithEnvFallback("server.port", "SERVER_PORT", 8080),
		},
	}

	// Defaults for values not configured
	if cfg.Analyzer.BatchDelaySeconds == 0 {
		cfg.Analyzer.BatchDelaySeconds = 4.0
	}
	if cfg.Analyzer.MaxRetries == 0 {
		cfg.Analyzer.MaxRetries = 3
	}
	if cfg.Analyzer.MaxCharactersSent == 0 {
		cfg.Analyzer.MaxCharactersSent = 10000
	}
	if cfg.Analyzer.MinTextLength == 0 {
		cfg.Analyzer.MinTextLength = 600
	}
	if cfg.Analyzer.MaxTextLength == 0 {
		cfg.Analyzer.MaxTextLength = 50000
	}
	if cfg.Analyzer.TopNTopicsPerDoc == 0 {
		cfg.Analyzer.TopNTopicsPerDoc = 3
	}
	if cfg.Analyzer.MinTopicProbability == 0 {
		cfg.Analyzer.MinTopicProbability = 0.05
	}
	if cfg.Analyzer.TopKeywords == 0 {
		cfg.Analyzer.TopKeywords = 10
	}
	if cfg.Fetch.MaxBytes == 0 {
		cfg.Fetch.MaxBytes = 1024 * 1024
	}
	if cfg.Fetch.PerHostRPS == 0 {
		cfg.Fetch.PerHostRPS = 1.0
	}

	return cfg, nil
}

// DatabasePath returns the full path to the sqlite database file
func (c *StorageConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, c.DBFile)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bookmark_topics"
	}
	return filepath.Join(home, ".bookmark_topics")
}

// bindEnvVars explicitly binds environment variables to viper keys
func bindEnvVars() {
	viper.BindEnv("storage.data_dir", "BOOKMARKS_DATA_DIR")
	viper.BindEnv("storage.db_file", "BOOKMARKS_DB_FILE")

	viper.BindEnv("analyzer.provider", "ANALYZER_PROVIDER")
	viper.BindEnv("analyzer.model", "ANALYZER_MODEL")
	viper.BindEnv("analyzer.api_key", "GEMINI_API_KEY")
	viper.BindEnv("analyzer.requests_per_minute", "REQUESTS_PER_MINUTE")
	viper.BindEnv("analyzer.requests_per_day", "REQUESTS_PER_DAY")

	viper.BindEnv("fetch.concurrency", "FETCH_CONCURRENCY")
	viper.BindEnv("fetch.timeout_seconds", "FETCH_TIMEOUT_SECONDS")
	viper.BindEnv("fetch.user_agent", "FETCH_USER_AGENT")

	viper.BindEnv("server.host", "SERVER_HOST")
	viper.BindEnv("server.port", "SERVER_PORT")
}

// getStringWithEnvFallback gets a string value, preferring env var over config file
func getStringWithEnvFallback(viperKey, envKey, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if val := viper.GetString(viperKey); val != "" {
		return val
	}
	return defaultVal
}

// getIntWithEnvFallback gets an int value, preferring env var over config file
func getIntWithEnvFallback(viperKey, envKey string, defaultVal int) int {
	if val := os.Getenv(envKey); val != "" {
		var intVal int
		fmt.Sscanf(val, "%d", &intVal)
		if intVal != 0 {
			return intVal
		}
	}
	if val := viper.GetInt(viperKey); val != 0 {
		return val
	}
	return defaultVal
}
