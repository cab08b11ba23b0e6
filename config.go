package offlinecache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/always-cache/offline-cache/replay"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Settings is the file and environment configuration of the offline cache server.
// Values are read from the YAML file first and then overridden by OFFLINE_CACHE_*
// environment variables.
type Settings struct {
	Server  ServerSettings  `yaml:"server"`
	Origin  OriginSettings  `yaml:"origin"`
	Storage StorageSettings `yaml:"storage"`
	Cache   CacheSettings   `yaml:"cache"`
	Sync    SyncSettings    `yaml:"sync"`
	Tracing TracingSettings `yaml:"tracing"`
}

type ServerSettings struct {
	Port int `yaml:"port" env:"OFFLINE_CACHE_PORT"`
}

type OriginSettings struct {
	URL string `yaml:"url" env:"OFFLINE_CACHE_ORIGIN"`
	// Hostname to use for HTTP requests and TLS negotiation.
	Host string `yaml:"host" env:"OFFLINE_CACHE_ORIGIN_HOST"`
	// Per-request timeout, e.g. "10s". Empty means no timeout.
	Timeout string `yaml:"timeout" env:"OFFLINE_CACHE_ORIGIN_TIMEOUT"`

	url     url.URL
	timeout time.Duration
}

type StorageSettings struct {
	// Cache DB file name, "memory" for an in-memory db.
	CacheDB string `yaml:"cacheDb" env:"OFFLINE_CACHE_DB"`
	// Queue directory, "memory" for an in-memory queue.
	QueueDB string `yaml:"queueDb" env:"OFFLINE_CACHE_QUEUE_DB"`
}

type CacheSettings struct {
	Namespace      string   `yaml:"namespace" env:"OFFLINE_CACHE_NAMESPACE"`
	LiveNamespaces []string `yaml:"liveNamespaces" env:"OFFLINE_CACHE_LIVE_NAMESPACES" envSeparator:","`
	Manifest       []string `yaml:"manifest" env:"OFFLINE_CACHE_MANIFEST" envSeparator:","`
	APIPrefix      string   `yaml:"apiPrefix" env:"OFFLINE_CACHE_API_PREFIX"`
}

type SyncSettings struct {
	Tag          string `yaml:"tag" env:"OFFLINE_CACHE_SYNC_TAG"`
	Concurrency  int    `yaml:"concurrency" env:"OFFLINE_CACHE_REPLAY_CONCURRENCY"`
	MaxAttempts  uint   `yaml:"maxAttempts" env:"OFFLINE_CACHE_REPLAY_MAX_ATTEMPTS"`
	DeletePolicy string `yaml:"deletePolicy" env:"OFFLINE_CACHE_REPLAY_DELETE_POLICY"`

	policy replay.DeletePolicy
}

type TracingSettings struct {
	// OTLP/HTTP endpoint, e.g. "http://localhost:4318". Tracing is off if empty.
	Endpoint string `yaml:"endpoint" env:"OFFLINE_CACHE_OTEL_ENDPOINT"`
}

// LoadSettings reads the YAML file at path, if any, and applies environment overrides
// and defaults. The result still needs Validate once flags have been applied.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, err
		}
		if err := yaml.Unmarshal(b, &s); err != nil {
			return Settings{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}

	if s.Server.Port == 0 {
		s.Server.Port = 8080
	}
	if s.Storage.CacheDB == "" {
		s.Storage.CacheDB = "cache.db"
	}
	if s.Storage.QueueDB == "" {
		s.Storage.QueueDB = "queue"
	}
	if s.Cache.Namespace == "" {
		s.Cache.Namespace = DefaultNamespace
	}
	if s.Cache.APIPrefix == "" {
		s.Cache.APIPrefix = DefaultAPIPrefix
	}
	if s.Sync.Tag == "" {
		s.Sync.Tag = DefaultSyncTag
	}
	return s, nil
}

// Validate checks the settings and compiles the values that need parsing.
func (s *Settings) Validate() error {
	if s.Origin.URL == "" {
		return fmt.Errorf("origin.url is required")
	}
	u, err := url.Parse(strings.TrimRight(s.Origin.URL, "/"))
	if err != nil {
		return fmt.Errorf("origin.url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("origin.url: %q is not an absolute URL", s.Origin.URL)
	}
	if u.Path != "" {
		return fmt.Errorf("origin.url: origins with paths are not supported")
	}
	s.Origin.url = *u

	if s.Origin.Timeout != "" {
		d, err := time.ParseDuration(s.Origin.Timeout)
		if err != nil {
			return fmt.Errorf("origin.timeout: %w", err)
		}
		s.Origin.timeout = d
	}
	if !strings.HasPrefix(s.Cache.APIPrefix, "/") {
		return fmt.Errorf("cache.apiPrefix: %q must start with /", s.Cache.APIPrefix)
	}
	for i, m := range s.Cache.Manifest {
		if m == "" {
			return fmt.Errorf("cache.manifest[%d]: empty URL", i)
		}
	}
	if s.Sync.Concurrency < 0 {
		return fmt.Errorf("sync.concurrency: must not be negative")
	}
	policy, err := replay.ParseDeletePolicy(s.Sync.DeletePolicy)
	if err != nil {
		return fmt.Errorf("sync.deletePolicy: %w", err)
	}
	s.Sync.policy = policy
	return nil
}

// ParsedURL returns the origin URL parsed by Validate.
func (o OriginSettings) ParsedURL() url.URL {
	return o.url
}

// RequestTimeout returns the timeout parsed by Validate.
func (o OriginSettings) RequestTimeout() time.Duration {
	return o.timeout
}

// ReplayConfig returns the replay engine settings. Validate must have been called.
func (s SyncSettings) ReplayConfig() replay.Config {
	return replay.Config{
		Concurrency:  s.Concurrency,
		MaxAttempts:  s.MaxAttempts,
		DeletePolicy: s.policy,
	}
}
