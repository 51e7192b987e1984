package common

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// engineConfigFileCandidates lists flowcore's own config file names in
// order of precedence, the candidate list DiscoverConfigFile searches.
var engineConfigFileCandidates = []string{"flowcore.yaml", "flowcore.yml", "flowcore.json", "flowcore.toml"}

// CacheProvider selects the backing implementation for the Cache Store.
type CacheProvider string

const (
	CacheProviderMemory     CacheProvider = "memory"
	CacheProviderSQLite     CacheProvider = "sqlite"
	CacheProviderPostgres   CacheProvider = "postgres"
	CacheProviderEmbeddedKV CacheProvider = "embedded-kv"
	// CacheProviderRedis is an engine extension beyond spec.md §6's literal
	// --cache-provider enum: it exercises store/redis's per-fingerprint
	// SET NX coordination (spec.md §4.7) across multiple engine processes,
	// which none of the single-process providers can.
	CacheProviderRedis CacheProvider = "redis"
)

// PersistenceProvider selects the backing implementation for the Event
// Store and Checkpoint Store.
type PersistenceProvider string

const (
	PersistenceProviderMemory   PersistenceProvider = "memory"
	PersistenceProviderSQLite   PersistenceProvider = "sqlite"
	PersistenceProviderPostgres PersistenceProvider = "postgres"
	// PersistenceProviderRedis is the same engine extension as
	// CacheProviderRedis, applied to the Event/Checkpoint Store.
	PersistenceProviderRedis PersistenceProvider = "redis"
)

// EngineConfig is the union of every setting the `run`/`validate` CLI
// surface accepts, loadable from a config file (YAML, JSON or TOML),
// environment variables (FLOWCORE_ prefix), and CLI flags, in that order of
// increasing precedence.
type EngineConfig struct {
	CacheProvider       CacheProvider       `koanf:"cache_provider"`
	PersistenceProvider PersistenceProvider `koanf:"persistence_provider"`
	NoCache             bool                `koanf:"no_cache"`

	SQLiteDBURL string `koanf:"sqlite_db_url"`

	PostgresDBName   string `koanf:"postgres_db_name"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresHostname string `koanf:"postgres_hostname"`

	RedisAddr string `koanf:"redis_addr"`
	NatsURL   string `koanf:"nats_url"`

	Debug   bool `koanf:"debug"`
	Verbose bool `koanf:"verbose"`
}

// DefaultEngineConfig returns the configuration used when no flags, env
// vars, or config file override it: everything backed in-process, nothing
// left running after the CLI exits.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		CacheProvider:       CacheProviderMemory,
		PersistenceProvider: PersistenceProviderMemory,
	}
}

// LoadEngineConfig layers environment variables and an optional config
// file on top of DefaultEngineConfig, mirroring the precedence order
// documented on EngineConfig. configDir is searched for the first of
// engineConfigFileCandidates to exist (flowcore.yaml, .yml, .json, .toml,
// in that order); an empty configDir skips file discovery entirely.
func LoadEngineConfig(configDir string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()

	k := koanf.New(".")
	defaults := map[string]interface{}{
		"cache_provider":       string(cfg.CacheProvider),
		"persistence_provider": string(cfg.PersistenceProvider),
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return cfg, fmt.Errorf("failed to seed config defaults: %w", err)
	}

	if configDir != "" {
		discovery := DiscoverConfigFile(configDir, engineConfigFileCandidates)
		if discovery.ChosenPath != "" {
			parser := GetParserForExtension(discovery.ChosenPath)
			if parser == nil {
				return cfg, fmt.Errorf("unsupported config file extension: %s", discovery.ChosenPath)
			}
			if err := k.Load(file.Provider(discovery.ChosenPath), parser); err != nil {
				return cfg, fmt.Errorf("failed to load config file %s: %w", discovery.ChosenPath, err)
			}
		}
	}

	envProvider := env.Provider("FLOWCORE_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "FLOWCORE_"))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return cfg, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal engine config: %w", err)
	}

	if v := k.String("no_cache"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.NoCache = b
		}
	}
	return cfg, nil
}
