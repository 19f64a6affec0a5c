// Package config loads the service configuration from a JSON file with
// environment variable substitution.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Extraction ExtractionConfig `json:"extraction"`
	Pipeline   PipelineConfig   `json:"pipeline"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// DatabaseConfig lists the backing services. An empty address disables the
// service; the pipeline then runs on in-process replacements.
type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type EmbeddingConfig struct {
	Provider    string `json:"provider"` // "api", "local" or "hash"
	Endpoint    string `json:"endpoint"`
	Model       string `json:"model"`
	APIKey      string `json:"api_key"`
	Dimension   int    `json:"dimension"`
	TimeoutMs   int    `json:"timeout_ms"`
	MaxAttempts int    `json:"max_attempts"`
}

type ExtractionConfig struct {
	Provider    string `json:"provider"` // "rule" or "remote"
	Endpoint    string `json:"endpoint"`
	APIKey      string `json:"api_key"`
	TimeoutMs   int    `json:"timeout_ms"`
	MaxAttempts int    `json:"max_attempts"`
}

// PipelineConfig drives the logical clock, the scheduler and the stages.
// Durations are in seconds.
type PipelineConfig struct {
	StartTime      string          `json:"start_time"` // RFC3339; empty starts at wall time
	TickSeconds    int             `json:"tick_seconds"`
	Speed          float64         `json:"speed"`
	PoolSize       int             `json:"pool_size"`
	LockTTLSeconds int             `json:"lock_ttl_seconds"`
	Intervals      IntervalsConfig `json:"intervals"`

	WorkingMemory WorkingMemoryConfig `json:"working_memory"`
	Episodes      EpisodesConfig      `json:"episodes"`
	Plasticity    PlasticityConfig    `json:"plasticity"`
	Semantic      SemanticConfig      `json:"semantic"`
}

// IntervalsConfig sets how often each stage runs. Zero disables scheduling.
type IntervalsConfig struct {
	WorkingMemory int `json:"working_memory"`
	Episodes      int `json:"episodes"`
	Consolidation int `json:"consolidation"`
	Semantic      int `json:"semantic"`
}

type WorkingMemoryConfig struct {
	WindowSeconds    int     `json:"window_seconds"`
	Capacity         int     `json:"capacity"`
	RecencyWeight    float64 `json:"recency_weight"`
	ImportanceWeight float64 `json:"importance_weight"`
	EmotionWeight    float64 `json:"emotion_weight"`
}

type EpisodesConfig struct {
	WindowSeconds       int `json:"window_seconds"`
	ProximityGapSeconds int `json:"proximity_gap_seconds"`
}

// PlasticityConfig overrides consolidation constants. Zero keeps the default.
type PlasticityConfig struct {
	Window              float64 `json:"window"`
	TimingUnitSeconds   int     `json:"timing_unit_seconds"`
	LTP                 float64 `json:"ltp"`
	LTD                 float64 `json:"ltd"`
	ThetaTauSeconds     int     `json:"theta_tau_seconds"`
	TagMinCoActivations int     `json:"tag_min_co_activations"`
	TagThreshold        float64 `json:"tag_threshold"`
	CaptureDelaySeconds int     `json:"capture_delay_seconds"`
	MaxTagLifetime      int     `json:"max_tag_lifetime_seconds"`
	SigmaBound          float64 `json:"sigma_bound"`
	PruneFloor          float64 `json:"prune_floor"`
}

type SemanticConfig struct {
	PromotionThreshold  float64 `json:"promotion_threshold"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	HalfLifeCycles      float64 `json:"half_life_cycles"`
	Floor               float64 `json:"floor"`
}

// Default returns a configuration that runs fully in-process.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero fields that have no meaningful zero value.
// Stage constants are left zero; each stage applies its own defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "hash"
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 256
	}
	if c.Extraction.Provider == "" {
		c.Extraction.Provider = "rule"
	}

	p := &c.Pipeline
	if p.TickSeconds == 0 {
		p.TickSeconds = 60
	}
	if p.Speed == 0 {
		p.Speed = 1
	}
	if p.PoolSize == 0 {
		p.PoolSize = 4
	}
	if p.LockTTLSeconds == 0 {
		p.LockTTLSeconds = 600
	}
	if p.Intervals == (IntervalsConfig{}) {
		p.Intervals = IntervalsConfig{
			WorkingMemory: 60,
			Episodes:      300,
			Consolidation: 3600,
			Semantic:      3600,
		}
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}
