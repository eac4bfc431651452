package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// Config holds all mnemos configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	LLM        LLMConfig        `yaml:"llm"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Recall     RecallConfig     `yaml:"recall"`
	Reflection ReflectionConfig `yaml:"reflection"`
	Federation FederationConfig `yaml:"federation"`
	Policy     PolicyConfig     `yaml:"policy"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "json" or "console"
}

type LLMConfig struct {
	Provider     string `yaml:"provider"` // "", "anthropic", "ollama"
	Model        string `yaml:"model"`
	OllamaURL    string `yaml:"ollama_url"`
	AnthropicKey string `yaml:"anthropic_key"`
}

type EmbeddingConfig struct {
	Provider       string  `yaml:"provider"` // "auto", "ollama", "openai", "hash", "none"
	Model          string  `yaml:"model"`
	Dimensions     int     `yaml:"dimensions"`
	OllamaURL      string  `yaml:"ollama_url"`
	OpenAIURL      string  `yaml:"openai_url"`
	OpenAIKey      string  `yaml:"openai_key"`
	HashDimensions int     `yaml:"hash_dimensions"`
	BatchSize      int     `yaml:"batch_size"`
	CacheSize      int     `yaml:"cache_size"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`
}

type RetrievalConfig struct {
	LexicalWeight float64 `yaml:"lexical_weight"`
	VectorWeight  float64 `yaml:"vector_weight"`
	LexicalLimit  int     `yaml:"lexical_limit"`
	VectorLimit   int     `yaml:"vector_limit"`
}

type ScoringConfig struct {
	Alpha    float64       `yaml:"alpha"` // fused
	Beta     float64       `yaml:"beta"`  // resonance
	Gamma    float64       `yaml:"gamma"` // personalization
	Lambda   float64       `yaml:"lambda"`
	HalfLife time.Duration `yaml:"half_life"`
}

type RecallConfig struct {
	DefaultK            int           `yaml:"default_k"`
	MaxK                int           `yaml:"max_k"`
	ChannelLimit        int           `yaml:"channel_limit"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	Timeout             time.Duration `yaml:"timeout"`
}

type ReflectionConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Workers          int           `yaml:"workers"`
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	BatchSize        int           `yaml:"batch_size"`
	Tick             time.Duration `yaml:"tick"`
	HotCron          string        `yaml:"hot_cron"`
	ClusterCron      string        `yaml:"cluster_cron"`
	ElevateCron      string        `yaml:"elevate_cron"`
	ClusterThreshold float64       `yaml:"cluster_threshold"`
	MinMembers       int           `yaml:"min_members"`
	MinRecurrence    int           `yaml:"min_recurrence"`
}

// LocalOrigin is the origin tag of this node's own results; no peer may use it.
const LocalOrigin = "local"

type Peer struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type FederationConfig struct {
	NodeName    string        `yaml:"node_name"`
	Peers       []Peer        `yaml:"peers"`
	PeerTimeout time.Duration `yaml:"peer_timeout"`
}

type PolicyConfig struct {
	RulesFile   string            `yaml:"rules_file"`
	DefaultRole string            `yaml:"default_role"`
	FailModes   map[string]string `yaml:"fail_modes"` // action class -> "open" | "closed"
}

type TracingConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // "grpc" or "http"
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
	Headers     map[string]string `yaml:"headers"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Embedding: EmbeddingConfig{
			Provider:       "auto",
			Model:          "nomic-embed-text",
			Dimensions:     768,
			OllamaURL:      "http://localhost:11434",
			OpenAIURL:      "https://api.openai.com/v1",
			HashDimensions: 256,
			BatchSize:      32,
			CacheSize:      4096,
			RatePerSecond:  20,
			Burst:          5,
		},
		Retrieval: RetrievalConfig{
			LexicalWeight: 0.4,
			VectorWeight:  0.6,
			LexicalLimit:  50,
			VectorLimit:   50,
		},
		Scoring: ScoringConfig{
			Alpha:    0.6,
			Beta:     0.25,
			Gamma:    0.15,
			Lambda:   0.2,
			HalfLife: 14 * 24 * time.Hour,
		},
		Recall: RecallConfig{
			DefaultK:            10,
			MaxK:                100,
			ChannelLimit:        20,
			ConfidenceThreshold: 0.55,
			Timeout:             8 * time.Second,
		},
		Reflection: ReflectionConfig{
			Enabled:          true,
			Workers:          2 * runtime.NumCPU(),
			MaxAttempts:      3,
			InitialBackoff:   500 * time.Millisecond,
			MaxBackoff:       30 * time.Second,
			BatchSize:        100,
			Tick:             time.Minute,
			HotCron:          "*/5 * * * *",
			ClusterCron:      "0 3 * * *",
			ElevateCron:      "0 4 * * 0",
			ClusterThreshold: 0.75,
			MinMembers:       2,
			MinRecurrence:    2,
		},
		Federation: FederationConfig{
			NodeName:    "local",
			PeerTimeout: 5 * time.Second,
		},
		Policy: PolicyConfig{
			DefaultRole: "reader",
			FailModes: map[string]string{
				"read":   "open",
				"write":  "closed",
				"export": "closed",
			},
		},
		Tracing: TracingConfig{
			Protocol:    "grpc",
			ServiceName: "mnemos",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (if any), and
// environment overrides, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// PathFromEnv returns path, or $MNEMOS_CONFIG when path is empty.
func PathFromEnv(path string) string {
	if path != "" {
		return path
	}
	return os.Getenv("MNEMOS_CONFIG")
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MNEMOS_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("MNEMOS_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.LLM.AnthropicKey == "" {
		c.LLM.AnthropicKey = v
		if c.LLM.Provider == "" {
			c.LLM.Provider = "anthropic"
		}
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Embedding.OpenAIKey == "" {
		c.Embedding.OpenAIKey = v
	}
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	var errs []error

	s := c.Scoring
	if sum := s.Alpha + s.Beta + s.Gamma; math.Abs(sum-1) > 1e-6 {
		errs = append(errs, fmt.Errorf("scoring: alpha+beta+gamma = %.4f, must be 1", sum))
	}
	if s.Alpha < 0 || s.Beta < 0 || s.Gamma < 0 {
		errs = append(errs, errors.New("scoring: weights must be non-negative"))
	}
	if s.Lambda <= 0 || s.Lambda > 1 {
		errs = append(errs, fmt.Errorf("scoring: lambda %.3f out of (0,1]", s.Lambda))
	}
	if s.HalfLife <= 0 {
		errs = append(errs, errors.New("scoring: half_life must be positive"))
	}

	r := c.Retrieval
	if r.LexicalWeight < 0 || r.VectorWeight < 0 || r.LexicalWeight+r.VectorWeight == 0 {
		errs = append(errs, errors.New("retrieval: weights must be non-negative and not both zero"))
	}

	if c.Recall.ConfidenceThreshold < 0 || c.Recall.ConfidenceThreshold > 1 {
		errs = append(errs, errors.New("recall: confidence_threshold must be in [0,1]"))
	}
	if c.Recall.DefaultK <= 0 || c.Recall.MaxK < c.Recall.DefaultK {
		errs = append(errs, errors.New("recall: need 0 < default_k <= max_k"))
	}

	gx := gronx.New()
	for name, expr := range map[string]string{
		"hot_cron":     c.Reflection.HotCron,
		"cluster_cron": c.Reflection.ClusterCron,
		"elevate_cron": c.Reflection.ElevateCron,
	} {
		if !gx.IsValid(expr) {
			errs = append(errs, fmt.Errorf("reflection: invalid %s %q", name, expr))
		}
	}
	if c.Reflection.MaxAttempts < 1 {
		errs = append(errs, errors.New("reflection: max_attempts must be >= 1"))
	}

	for action, mode := range c.Policy.FailModes {
		if mode != "open" && mode != "closed" {
			errs = append(errs, fmt.Errorf("policy: fail mode for %s must be open or closed, got %q", action, mode))
		}
	}

	seen := map[string]bool{}
	for _, p := range c.Federation.Peers {
		if p.Name == "" || p.URL == "" {
			errs = append(errs, fmt.Errorf("federation: peer needs name and url: %+v", p))
			continue
		}
		name := strings.ToLower(p.Name)
		switch {
		case name == LocalOrigin:
			errs = append(errs, fmt.Errorf("federation: peer name %q is reserved for this node", p.Name))
		case seen[name]:
			errs = append(errs, fmt.Errorf("federation: duplicate peer name %q", p.Name))
		}
		seen[name] = true
	}

	return errors.Join(errs...)
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
