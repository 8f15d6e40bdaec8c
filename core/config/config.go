package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/querybridge/querybridge/core/backends"
	"github.com/querybridge/querybridge/core/observability"
	"github.com/querybridge/querybridge/core/shared/errors"
)

// Config is the full server configuration, loaded from a YAML file with
// environment overrides on top. Secrets are referenced as
// {{ env.NAME }} placeholders and resolved at load time, never stored.
type Config struct {
	Server      ServerConfig               `yaml:"server"`
	Definitions DefinitionsConfig          `yaml:"definitions"`
	Backends    BackendsConfig             `yaml:"backends"`
	Cache       CacheConfig                `yaml:"cache"`
	History     HistoryConfig              `yaml:"history"`
	RateLimit   RateLimitConfig            `yaml:"rateLimit"`
	Credentials map[string]CredentialEntry `yaml:"credentials"`
	Logging     LoggingConfig              `yaml:"logging"`

	Observability observability.Config `yaml:"observability"`
}

// CredentialEntry is one named credential entry
type CredentialEntry struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

type ServerConfig struct {
	Port                  string `yaml:"port"`
	ReadTimeoutSeconds    int    `yaml:"readTimeoutSeconds"`
	ShutdownGraceSeconds  int    `yaml:"shutdownGraceSeconds"`
	BatchConcurrency      int    `yaml:"batchConcurrency"`
	DefaultTimeoutSeconds int    `yaml:"defaultTimeoutSeconds"`
}

type DefinitionsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// BackendsConfig holds one optional block per supported data source
type BackendsConfig struct {
	SQL       *backends.SQLConfig       `yaml:"sql"`
	Directory *backends.DirectoryConfig `yaml:"directory"`
	Graph     *backends.GraphConfig     `yaml:"graph"`
}

type CacheConfig struct {
	Store    string `yaml:"store"` // memory (default) or redis
	RedisURL string `yaml:"redisUrl"`
}

type HistoryConfig struct {
	Sink            string `yaml:"sink"` // memory (default) or mongo
	MongoURI        string `yaml:"mongoUri"`
	MongoDatabase   string `yaml:"mongoDatabase"`
	MongoCollection string `yaml:"mongoCollection"`
}

type RateLimitConfig struct {
	Store    string `yaml:"store"` // local (default) or redis
	RedisURL string `yaml:"redisUrl"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:                  "8080",
			ReadTimeoutSeconds:    15,
			ShutdownGraceSeconds:  15,
			DefaultTimeoutSeconds: 30,
		},
		Definitions: DefinitionsConfig{Dir: "definitions"},
		Cache:       CacheConfig{Store: "memory"},
		History:     HistoryConfig{Sink: "memory"},
		RateLimit:   RateLimitConfig{Store: "local"},
		Logging:     LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path, applies defaults, environment
// overrides and {{ env.NAME }} substitution. An empty path yields the
// defaults with overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(errors.ErrCodeInvalidDefinition, fmt.Sprintf("read config file '%s'", path), err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errors.Wrap(errors.ErrCodeInvalidDefinition, fmt.Sprintf("parse config file '%s'", path), err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := substituteSecrets(&cfg); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultTimeout converts the configured execution timeout
func (c ServerConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QUERYBRIDGE_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("PORT"); v != "" && cfg.Server.Port == "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("QUERYBRIDGE_DEFINITIONS_DIR"); v != "" {
		cfg.Definitions.Dir = v
	}
	if v := os.Getenv("QUERYBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("QUERYBRIDGE_CACHE_REDIS_URL"); v != "" {
		cfg.Cache.Store = "redis"
		cfg.Cache.RedisURL = v
	}
	if v := os.Getenv("QUERYBRIDGE_HISTORY_MONGO_URI"); v != "" {
		cfg.History.Sink = "mongo"
		cfg.History.MongoURI = v
	}
}

var envVarPattern = regexp.MustCompile(`\{\{\s*env\.(\w+)\s*\}\}`)

// substituteSecrets expands {{ env.NAME }} in every field that may carry
// credentials or connection strings. Resolution happens at startup so
// secrets never live in the file itself.
func substituteSecrets(cfg *Config) error {
	fields := []*string{
		&cfg.Cache.RedisURL,
		&cfg.History.MongoURI,
		&cfg.RateLimit.RedisURL,
	}
	if cfg.Backends.SQL != nil {
		fields = append(fields, &cfg.Backends.SQL.DSN)
	}
	if cfg.Backends.Directory != nil {
		fields = append(fields, &cfg.Backends.Directory.URL, &cfg.Backends.Directory.BindDN, &cfg.Backends.Directory.BindPassword)
	}
	if cfg.Backends.Graph != nil {
		fields = append(fields, &cfg.Backends.Graph.BaseURL)
	}
	for _, f := range fields {
		expanded, err := expandEnv(*f)
		if err != nil {
			return err
		}
		*f = expanded
	}
	for name, cred := range cfg.Credentials {
		var err error
		if cred.Username, err = expandEnv(cred.Username); err != nil {
			return err
		}
		if cred.Password, err = expandEnv(cred.Password); err != nil {
			return err
		}
		if cred.Token, err = expandEnv(cred.Token); err != nil {
			return err
		}
		cfg.Credentials[name] = cred
	}
	return nil
}

func expandEnv(value string) (string, error) {
	result := value
	matches := envVarPattern.FindAllStringSubmatch(value, -1)
	seen := make(map[string]bool)

	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		envVarName := match[1]
		placeholder := match[0]
		if seen[placeholder] {
			continue
		}
		seen[placeholder] = true

		envValue, exists := os.LookupEnv(envVarName)
		if !exists {
			return "", errors.New(errors.ErrCodeInvalidDefinition,
				fmt.Sprintf("environment variable '%s' not found (required at server startup)", envVarName))
		}
		result = strings.ReplaceAll(result, placeholder, envValue)
	}

	return result, nil
}

func validate(cfg Config) error {
	switch cfg.Cache.Store {
	case "", "memory":
	case "redis":
		if cfg.Cache.RedisURL == "" {
			return errors.New(errors.ErrCodeInvalidDefinition, "cache.redisUrl is required when cache.store is redis")
		}
	default:
		return errors.New(errors.ErrCodeInvalidDefinition, fmt.Sprintf("unknown cache store '%s'", cfg.Cache.Store))
	}

	switch cfg.History.Sink {
	case "", "memory":
	case "mongo":
		if cfg.History.MongoURI == "" {
			return errors.New(errors.ErrCodeInvalidDefinition, "history.mongoUri is required when history.sink is mongo")
		}
	default:
		return errors.New(errors.ErrCodeInvalidDefinition, fmt.Sprintf("unknown history sink '%s'", cfg.History.Sink))
	}

	switch cfg.RateLimit.Store {
	case "", "local":
	case "redis":
		if cfg.RateLimit.RedisURL == "" {
			return errors.New(errors.ErrCodeInvalidDefinition, "rateLimit.redisUrl is required when rateLimit.store is redis")
		}
	default:
		return errors.New(errors.ErrCodeInvalidDefinition, fmt.Sprintf("unknown rate limit store '%s'", cfg.RateLimit.Store))
	}

	return nil
}

// Resolver builds a credential resolver from the configured entries
func (c Config) Resolver() backends.CredentialResolver {
	creds := make(backends.StaticCredentials, len(c.Credentials))
	for name, entry := range c.Credentials {
		creds[name] = backends.Credential{
			ID:       name,
			Username: entry.Username,
			Password: entry.Password,
			Token:    entry.Token,
		}
	}
	return creds
}
