package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel    string
	RedisAddr   string
	PostgresDSN string

	Role              string
	Concurrency       int
	ExecTimeout       time.Duration
	VisibilityTimeout time.Duration

	ScraperAPIURL string
	LLMAPIURL     string
	LLMAPIKey     string
	LLMModel      string

	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          v.GetString("log_level"),
		RedisAddr:         v.GetString("redis_addr"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		Role:              v.GetString("role"),
		Concurrency:       v.GetInt("concurrency"),
		ExecTimeout:       v.GetDuration("exec_timeout"),
		VisibilityTimeout: v.GetDuration("visibility_timeout"),
		ScraperAPIURL:     v.GetString("scraper_api_url"),
		LLMAPIURL:         v.GetString("llm_api_url"),
		LLMAPIKey:         v.GetString("llm_api_key"),
		LLMModel:          v.GetString("llm_model"),
		MetricsAddr:       v.GetString("metrics_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
	}
}
