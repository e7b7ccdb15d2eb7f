// Package config loads engine configuration via spf13/viper, the teacher's
// own choice for layered config/env/flag resolution.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting the engine recognizes. StoreURL, Namespace,
// JobDelay, and TTL are the core settings named in the distilled spec; the
// rest are additive ambient settings the engine needs to run as a real
// process (logging, metrics, dead-letter, event log retention). LogLevel and
// EventStreamMaxLen are loaded but not read by any component: the logger
// keeps its default level and the event log uses its own fixed stream caps.
type Config struct {
	StoreURL  string        `mapstructure:"store_url"`
	Namespace string        `mapstructure:"namespace"`
	JobDelay  time.Duration `mapstructure:"job_delay"`
	TTL       time.Duration `mapstructure:"ttl"`

	LogLevel          string `mapstructure:"log_level"`
	MetricsAddr       string `mapstructure:"metrics_addr"`
	DLQMaxSize        int    `mapstructure:"dlq_max_size"`
	EventStreamMaxLen int64  `mapstructure:"event_stream_max_len"`

	// WebhookURL, when set, is where the sample pipeline's Notify job
	// POSTs its summary. Empty disables the POST and falls back to logging.
	WebhookURL string `mapstructure:"webhook_url"`
}

// Defaults mirror §6 of the spec: 7 day TTL, no artificial delay, the
// "workflows" namespace, and a local redis instance.
func Defaults() Config {
	return Config{
		StoreURL:          "redis://localhost:6379/0",
		Namespace:         "workflows",
		JobDelay:          0,
		TTL:               7 * 24 * time.Hour,
		LogLevel:          "info",
		MetricsAddr:       ":9090",
		DLQMaxSize:        10000,
		EventStreamMaxLen: 10000,
		WebhookURL:        "",
	}
}

// Load reads workflowengine.yaml (if present) from the given search paths,
// layers WORKFLOWENGINE_* environment variables over it, and returns the
// result merged over Defaults().
func Load(cfgFile string, searchPaths ...string) (Config, error) {
	v := viper.New()

	d := Defaults()
	v.SetDefault("store_url", d.StoreURL)
	v.SetDefault("namespace", d.Namespace)
	v.SetDefault("job_delay", d.JobDelay)
	v.SetDefault("ttl", d.TTL)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("dlq_max_size", d.DLQMaxSize)
	v.SetDefault("event_stream_max_len", d.EventStreamMaxLen)
	v.SetDefault("webhook_url", d.WebhookURL)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("workflowengine")
		v.SetConfigType("yaml")
		for _, p := range searchPaths {
			v.AddConfigPath(p)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("WORKFLOWENGINE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
