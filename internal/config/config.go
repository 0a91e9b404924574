// Package config provides functionality for managing configuration options
// for the application using command-line flags, a JSON config file and
// environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Storage kinds for backup payloads.
const (
	StoragePostgres = "postgres"
	StorageS3       = "s3"
)

// Cache kinds for computed stats.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// StorageOptions selects and configures the backup payload store.
type StorageOptions struct {
	Kind        string `mapstructure:"kind"`
	Compress    bool   `mapstructure:"compress"`
	MaxBackupMB int    `mapstructure:"max_backup_mb"`
	S3Region    string `mapstructure:"s3_region"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3Bucket    string `mapstructure:"s3_bucket"`
}

// CacheOptions configures the stats cache.
type CacheOptions struct {
	Kind      string        `mapstructure:"kind"`
	SizeMB    int           `mapstructure:"size_mb"`
	TTL       time.Duration `mapstructure:"ttl"`
	RedisAddr string        `mapstructure:"redis_addr"`
}

// RateLimitOptions throttles device ingest per API key, and rejected
// credentials per client address.
type RateLimitOptions struct {
	RequestsPerSec    float64 `mapstructure:"requests_per_sec"`
	Burst             int     `mapstructure:"burst"`
	FailuresPerMinute float64 `mapstructure:"failures_per_minute"`
	FailureBurst      int     `mapstructure:"failure_burst"`
}

// PurgeOptions configures the removal of tombstoned backups.
type PurgeOptions struct {
	Interval time.Duration `mapstructure:"interval"`
	Grace    time.Duration `mapstructure:"grace"`
}

// Options holds the configuration values for the application.
type Options struct {
	// Port defines the server's listening address (ip:port).
	Port string `mapstructure:"port"`

	// DatabaseDSN holds the database connection string for the application.
	DatabaseDSN string `mapstructure:"database_dsn"`

	// Config is the path to the Config file.
	Config string `mapstructure:"-"`

	LogLevel       string        `mapstructure:"log_level"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
	Metrics        bool          `mapstructure:"metrics"`

	Storage   StorageOptions   `mapstructure:"storage"`
	Cache     CacheOptions     `mapstructure:"cache"`
	RateLimit RateLimitOptions `mapstructure:"rate_limit"`
	Purge     PurgeOptions     `mapstructure:"purge"`

	// EphemeralSecret is set when no JWT secret was configured and a random
	// one was generated for this process.
	EphemeralSecret bool `mapstructure:"-"`
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"database_dsn":                   "DATABASE_DSN",
	"log_level":                      "PLAYLEDGER_LOG_LEVEL",
	"jwt_secret":                     "PLAYLEDGER_JWT_SECRET",
	"token_ttl":                      "PLAYLEDGER_TOKEN_TTL",
	"request_timeout":                "PLAYLEDGER_REQUEST_TIMEOUT",
	"tls_cert_file":                  "PLAYLEDGER_TLS_CERT_FILE",
	"tls_key_file":                   "PLAYLEDGER_TLS_KEY_FILE",
	"cors_origins":                   "PLAYLEDGER_CORS_ORIGINS",
	"metrics":                        "PLAYLEDGER_METRICS",
	"storage.kind":                   "PLAYLEDGER_STORAGE_KIND",
	"storage.compress":               "PLAYLEDGER_STORAGE_COMPRESS",
	"storage.max_backup_mb":          "PLAYLEDGER_MAX_BACKUP_MB",
	"storage.s3_region":              "S3_REGION",
	"storage.s3_endpoint":            "S3_ENDPOINT",
	"storage.s3_access_key":          "S3_ACCESS_KEY",
	"storage.s3_secret_key":          "S3_SECRET_KEY",
	"storage.s3_bucket":              "S3_BUCKET",
	"cache.kind":                     "PLAYLEDGER_CACHE_KIND",
	"cache.size_mb":                  "PLAYLEDGER_CACHE_SIZE_MB",
	"cache.ttl":                      "PLAYLEDGER_CACHE_TTL",
	"cache.redis_addr":               "REDIS_ADDR",
	"rate_limit.requests_per_sec":    "PLAYLEDGER_RATE_LIMIT_RPS",
	"rate_limit.burst":               "PLAYLEDGER_RATE_LIMIT_BURST",
	"rate_limit.failures_per_minute": "PLAYLEDGER_AUTH_FAILURES_PER_MIN",
	"rate_limit.failure_burst":       "PLAYLEDGER_AUTH_FAILURE_BURST",
	"purge.interval":                 "PLAYLEDGER_PURGE_INTERVAL",
	"purge.grace":                    "PLAYLEDGER_PURGE_GRACE",
}

func defaults() *Options {
	return &Options{
		Port:           "localhost:8080",
		Config:         "config.json",
		LogLevel:       "info",
		TokenTTL:       7 * 24 * time.Hour,
		RequestTimeout: 30 * time.Second,
		CORSOrigins:    []string{"http://localhost:3000"},
		Metrics:        true,
		Storage: StorageOptions{
			Kind:        StoragePostgres,
			Compress:    true,
			MaxBackupMB: 64,
			S3Region:    "us-east-1",
		},
		Cache: CacheOptions{
			Kind:   CacheMemory,
			SizeMB: 32,
			TTL:    5 * time.Minute,
		},
		RateLimit: RateLimitOptions{
			RequestsPerSec:    5,
			Burst:             20,
			FailuresPerMinute: 10,
			FailureBurst:      10,
		},
		Purge: PurgeOptions{
			Interval: 10 * time.Minute,
			Grace:    time.Minute,
		},
	}
}

// Load parses args with fs and layers the config file and environment
// on top: flags < config file < environment.
func Load(fs *flag.FlagSet, args []string) (*Options, error) {
	opts := defaults()

	fs.StringVar(&opts.Port, "a", opts.Port, "run on ip:port server")
	fs.StringVar(&opts.DatabaseDSN, "d", opts.DatabaseDSN, "db address")
	fs.StringVar(&opts.Config, "config", opts.Config, "path to config file")
	fs.StringVar(&opts.Config, "c", opts.Config, "path to config file (shorthand)")
	fs.StringVar(&opts.LogLevel, "l", opts.LogLevel, "log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configPath := os.Getenv("CONFIG"); configPath != "" {
		opts.Config = configPath
	}

	v := viper.New()
	setDefaults(v, opts)

	if opts.Config != "" {
		if _, err := os.Stat(opts.Config); err == nil {
			v.SetConfigFile(opts.Config)
			v.SetConfigType("json")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error while reading config file: %w", err)
			}
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	configPath := opts.Config
	if err := v.Unmarshal(opts); err != nil {
		return nil, fmt.Errorf("error while parsing config: %w", err)
	}
	opts.Config = configPath

	if serverAddress := os.Getenv("SERVER_ADDRESS"); serverAddress != "" {
		opts.Port = serverAddress
	}

	if opts.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		opts.JWTSecret = secret
		opts.EphemeralSecret = true
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Parse loads the configuration from os.Args and the environment and
// exits the process when it is invalid.
func Parse() *Options {
	opts, err := Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	return opts
}

// MaxBackupBytes is the upload size limit in bytes.
func (o *Options) MaxBackupBytes() int64 {
	return int64(o.Storage.MaxBackupMB) << 20
}

func (o *Options) validate() error {
	if len(o.JWTSecret) < 16 {
		return errors.New("jwt_secret must be at least 16 characters")
	}
	if o.TokenTTL <= 0 {
		return errors.New("token_ttl must be positive")
	}
	switch o.Storage.Kind {
	case StoragePostgres:
	case StorageS3:
		if o.Storage.S3Bucket == "" {
			return errors.New("storage.s3_bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("unknown storage kind %q", o.Storage.Kind)
	}
	if o.Storage.MaxBackupMB <= 0 {
		return errors.New("storage.max_backup_mb must be positive")
	}
	switch o.Cache.Kind {
	case CacheNone, CacheMemory:
	case CacheRedis:
		if o.Cache.RedisAddr == "" {
			return errors.New("cache.redis_addr is required for redis cache")
		}
	default:
		return fmt.Errorf("unknown cache kind %q", o.Cache.Kind)
	}
	if (o.TLSCertFile == "") != (o.TLSKeyFile == "") {
		return errors.New("tls_cert_file and tls_key_file must be set together")
	}
	return nil
}

func setDefaults(v *viper.Viper, o *Options) {
	v.SetDefault("port", o.Port)
	v.SetDefault("database_dsn", o.DatabaseDSN)
	v.SetDefault("log_level", o.LogLevel)
	v.SetDefault("jwt_secret", o.JWTSecret)
	v.SetDefault("token_ttl", o.TokenTTL)
	v.SetDefault("request_timeout", o.RequestTimeout)
	v.SetDefault("tls_cert_file", o.TLSCertFile)
	v.SetDefault("tls_key_file", o.TLSKeyFile)
	v.SetDefault("cors_origins", o.CORSOrigins)
	v.SetDefault("metrics", o.Metrics)
	v.SetDefault("storage.kind", o.Storage.Kind)
	v.SetDefault("storage.compress", o.Storage.Compress)
	v.SetDefault("storage.max_backup_mb", o.Storage.MaxBackupMB)
	v.SetDefault("storage.s3_region", o.Storage.S3Region)
	v.SetDefault("storage.s3_endpoint", o.Storage.S3Endpoint)
	v.SetDefault("storage.s3_access_key", o.Storage.S3AccessKey)
	v.SetDefault("storage.s3_secret_key", o.Storage.S3SecretKey)
	v.SetDefault("storage.s3_bucket", o.Storage.S3Bucket)
	v.SetDefault("cache.kind", o.Cache.Kind)
	v.SetDefault("cache.size_mb", o.Cache.SizeMB)
	v.SetDefault("cache.ttl", o.Cache.TTL)
	v.SetDefault("cache.redis_addr", o.Cache.RedisAddr)
	v.SetDefault("rate_limit.requests_per_sec", o.RateLimit.RequestsPerSec)
	v.SetDefault("rate_limit.burst", o.RateLimit.Burst)
	v.SetDefault("rate_limit.failures_per_minute", o.RateLimit.FailuresPerMinute)
	v.SetDefault("rate_limit.failure_burst", o.RateLimit.FailureBurst)
	v.SetDefault("purge.interval", o.Purge.Interval)
	v.SetDefault("purge.grace", o.Purge.Grace)
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
