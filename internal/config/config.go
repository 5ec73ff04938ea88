// Package config loads memlake.yaml, the per data directory configuration.
//
// Secrets never live in the file. Each section names the environment
// variable holding its secret instead.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/maruel/memlake/internal/coldstore"
	"github.com/maruel/memlake/internal/guardian"
)

// FileName is the name of the configuration file inside the data directory.
const FileName = "memlake.yaml"

const version = 1

// Config is the content of memlake.yaml.
type Config struct {
	Version  int            `yaml:"version" validate:"eq=1"`
	Bus      BusConfig      `yaml:"bus"`
	Cold     ColdConfig     `yaml:"cold"`
	Guardian GuardianConfig `yaml:"guardian"`
	RAG      RAGConfig      `yaml:"rag"`
	Adapter  AdapterConfig  `yaml:"adapter"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// BusConfig selects the change bus transport.
type BusConfig struct {
	// Type is memory (single process), file (processes sharing the data
	// directory) or redis.
	Type  string `yaml:"type" validate:"oneof=memory file redis"`
	Topic string `yaml:"topic" validate:"required"`
	// RedisAddr is required for the redis transport.
	RedisAddr string `yaml:"redis_addr,omitempty" validate:"required_if=Type redis"`
	// RedisPasswordEnv names the variable holding the redis password.
	RedisPasswordEnv string `yaml:"redis_password_env,omitempty"`
}

// ColdConfig configures the cold storage link.
type ColdConfig struct {
	Backend string `yaml:"backend" validate:"oneof=fs s3 gcs"`
	// Dir is the fs backend root, relative to the data directory.
	Dir string `yaml:"dir,omitempty"`
	S3  struct {
		Bucket   string `yaml:"bucket,omitempty"`
		Region   string `yaml:"region,omitempty"`
		Endpoint string `yaml:"endpoint,omitempty"`
		Prefix   string `yaml:"prefix,omitempty"`
	} `yaml:"s3,omitempty"`
	GCS struct {
		Bucket string `yaml:"bucket,omitempty"`
		Prefix string `yaml:"prefix,omitempty"`
	} `yaml:"gcs,omitempty"`
	// KeyEnv names the variable holding the hex encoded 32 byte archive
	// key. Archives are stored in clear when it is empty or unset.
	KeyEnv string `yaml:"key_env,omitempty"`
}

// GuardianConfig tunes the corruption heuristics.
type GuardianConfig struct {
	Marker         string          `yaml:"marker" validate:"required"`
	Threshold      int64           `yaml:"threshold" validate:"gt=0"`
	CodeExtensions []string        `yaml:"code_extensions" validate:"dive,required"`
	Rules          []guardian.Rule `yaml:"rules,omitempty" validate:"dive"`
}

// RAGConfig configures the vector index and its embedder.
type RAGConfig struct {
	// Store is the vector database engine. sqlite can be opened by several
	// processes at once; badger is limited to one.
	Store string `yaml:"store" validate:"oneof=sqlite badger"`
	// EmbedderURL is an OpenAI compatible endpoint. Empty always uses the
	// fallback vector.
	EmbedderURL string `yaml:"embedder_url,omitempty" validate:"omitempty,url"`
	Model       string `yaml:"model,omitempty" validate:"required_with=EmbedderURL"`
	APIKeyEnv   string `yaml:"api_key_env,omitempty"`
	Workers     int    `yaml:"workers" validate:"gte=1,lte=64"`
	// RateLimit caps embeddings per second during a rebuild. 0 is unlimited.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	// RebuildInterval is how often `memlake watch` rebuilds the index.
	RebuildInterval time.Duration `yaml:"rebuild_interval" validate:"gte=0"`
	// SyncWrites fsyncs every badger write.
	SyncWrites bool `yaml:"sync_writes,omitempty"`
}

// AdapterConfig configures the path oriented facade.
type AdapterConfig struct {
	ListLimit int `yaml:"list_limit" validate:"gte=1"`
}

// MetricsConfig configures the prometheus endpoint of `memlake watch`.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty" validate:"omitempty,hostname_port"`
}

// Default returns the configuration used when memlake.yaml is missing.
func Default() *Config {
	return &Config{
		Version: version,
		Bus:     BusConfig{Type: "file", Topic: "LAKE_CHANGED"},
		Cold:    ColdConfig{Backend: "fs", Dir: "cold", KeyEnv: "MEMLAKE_ARCHIVE_KEY"},
		Guardian: GuardianConfig{
			Marker:         guardian.CorruptionMarker,
			Threshold:      guardian.LargeAbsentThreshold,
			CodeExtensions: append([]string(nil), guardian.DefaultCodeExtensions...),
		},
		RAG: RAGConfig{
			Store:           "sqlite",
			APIKeyEnv:       "MEMLAKE_EMBEDDER_API_KEY",
			Workers:         4,
			RebuildInterval: 15 * time.Minute,
		},
		Adapter: AdapterConfig{ListLimit: 500},
	}
}

var validate = validator.New()

// Validate checks the struct tags and the cross field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Cold.Validate(); err != nil {
		return fmt.Errorf("invalid cold section: %w", err)
	}
	return nil
}

// Validate checks that the selected backend is configured.
func (c *ColdConfig) Validate() error {
	switch c.Backend {
	case "fs":
		if c.Dir == "" {
			return errors.New("dir is required for the fs backend")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return errors.New("s3.bucket is required for the s3 backend")
		}
	case "gcs":
		if c.GCS.Bucket == "" {
			return errors.New("gcs.bucket is required for the gcs backend")
		}
	}
	return nil
}

// BackendConfig returns the coldstore configuration, with relative paths resolved
// against dataDir and the archive key read from the environment.
func (c *ColdConfig) BackendConfig(dataDir string) (coldstore.Config, error) {
	out := coldstore.Config{
		Type: coldstore.BackendType(c.Backend),
		Dir:  c.Dir,
		S3: coldstore.S3Config{
			Bucket:   c.S3.Bucket,
			Region:   c.S3.Region,
			Endpoint: c.S3.Endpoint,
			Prefix:   c.S3.Prefix,
		},
		GCS: coldstore.GCSConfig{Bucket: c.GCS.Bucket, Prefix: c.GCS.Prefix},
	}
	if out.Dir != "" && !filepath.IsAbs(out.Dir) {
		out.Dir = filepath.Join(dataDir, out.Dir)
	}
	if c.KeyEnv != "" {
		if v := os.Getenv(c.KeyEnv); v != "" {
			key, err := coldstore.ParseKey(v)
			if err != nil {
				return out, fmt.Errorf("failed to read %s: %w", c.KeyEnv, err)
			}
			out.Key = key
		}
	}
	return out, nil
}

// Policy returns the heuristic policy configured by g.
func (g *GuardianConfig) Policy() *guardian.HeuristicPolicy {
	return &guardian.HeuristicPolicy{
		Marker:         g.Marker,
		Threshold:      g.Threshold,
		CodeExtensions: g.CodeExtensions,
	}
}

// APIKey returns the embedder API key from the environment.
func (r *RAGConfig) APIKey() string {
	if r.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(r.APIKeyEnv)
}

// RedisPassword returns the redis password from the environment.
func (b *BusConfig) RedisPassword() string {
	if b.RedisPasswordEnv == "" {
		return ""
	}
	return os.Getenv(b.RedisPasswordEnv)
}

// Parse decodes and validates a configuration. Missing fields keep their
// default value.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads memlake.yaml from dataDir, writing the defaults there first when
// the file does not exist.
func Load(dataDir string) (*Config, error) {
	p := filepath.Join(dataDir, FileName)
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		c := Default()
		if err := c.Save(dataDir); err != nil {
			return nil, err
		}
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return Parse(data)
}

// Save writes c to memlake.yaml in dataDir.
func (c *Config) Save(dataDir string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	p := filepath.Join(dataDir, FileName)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	return nil
}
