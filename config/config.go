// Package config loads the settings of job workers and clients: built-in
// defaults, then an optional JSON file, then JOBS_ environment variables
// (JOBS_WORKER__CONCURRENCY=8 sets worker.concurrency).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "JOBS_"

type Config struct {
	// Product and MajorVersion form the queue namespace: "{product}-{major}.{queue}".
	Product       string              `json:"product" validate:"required,excludesall=."`
	MajorVersion  int                 `json:"major_version" validate:"min=0"`
	Broker        BrokerConfig        `json:"broker"`
	Database      DatabaseConfig      `json:"database"`
	Worker        WorkerConfig        `json:"worker"`
	Jobs          JobsConfig          `json:"jobs"`
	Notifications NotificationsConfig `json:"notifications"`
	Log           LogConfig           `json:"log"`
}

type BrokerConfig struct {
	Addr     string `json:"addr" validate:"required,hostname_port"`
	Password string `json:"password"`
	DB       int    `json:"db" validate:"min=0,max=15"`
}

type DatabaseConfig struct {
	// DSN may carry the {db} placeholder, replaced with the tenant name.
	DSN      string `json:"dsn"`
	MaxConns int32  `json:"max_conns" validate:"min=0"`
}

type WorkerConfig struct {
	// Queues maps bare queue names to their weights.
	Queues        map[string]int `json:"queues" validate:"required,min=1,dive,keys,required,endkeys,min=1"`
	Concurrency   int            `json:"concurrency" validate:"min=1"`
	VisibilityTTL time.Duration  `json:"visibility_ttl" validate:"min=0"`
	SoftTimeLimit time.Duration  `json:"soft_time_limit" validate:"min=0"`
	TimeLimit     time.Duration  `json:"time_limit" validate:"min=0"`
}

type JobsConfig struct {
	// MaxAttempts counts the first execution.
	MaxAttempts     int           `json:"max_attempts" validate:"min=1"`
	RetryMinBackoff time.Duration `json:"retry_min_backoff" validate:"min=0"`
	ChannelPrefix   string        `json:"channel_prefix" validate:"required"`
}

type NotificationsConfig struct {
	Retries int           `json:"retries" validate:"min=0"`
	Delay   time.Duration `json:"delay" validate:"min=0"`
}

type LogConfig struct {
	Level string `json:"level" validate:"oneof=debug info warn error"`
	// File enables a rotating log file; empty logs to stderr.
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb" validate:"min=0"`
	MaxBackups int    `json:"max_backups" validate:"min=0"`
	MaxAgeDays int    `json:"max_age_days" validate:"min=0"`
	Compress   bool   `json:"compress"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Product:      "uniqw",
		MajorVersion: 1,
		Broker:       BrokerConfig{Addr: "localhost:6379", DB: 9},
		Database:     DatabaseConfig{DSN: "postgres://localhost:5432/{db}?sslmode=disable"},
		Worker: WorkerConfig{
			Queues:        map[string]int{"default": 1, "notifications": 1},
			Concurrency:   4,
			VisibilityTTL: 30 * time.Minute,
			SoftTimeLimit: 595 * time.Second,
			TimeLimit:     600 * time.Second,
		},
		Jobs: JobsConfig{
			MaxAttempts:     5,
			RetryMinBackoff: 300 * time.Millisecond,
			ChannelPrefix:   "jobs",
		},
		Notifications: NotificationsConfig{Retries: 5, Delay: 100 * time.Millisecond},
		Log:           LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 10, MaxAgeDays: 30},
	}
}

// Load builds the configuration. An empty filename skips the file layer; a
// named file that does not exist is an error.
func Load(filename string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "json"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if filename != "" {
		if err := k.Load(file.Provider(filename), json.Parser()); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: file not found: %s: %w", filename, err)
			}
			return nil, fmt.Errorf("config: load %s: %w", filename, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	conf := koanf.UnmarshalConf{
		Tag: "json",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			ErrorUnused:      true,
			WeaklyTypedInput: true,
		},
	}
	var c Config
	conf.DecoderConfig.Result = &c
	if err := k.UnmarshalWithConf("", &c, conf); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the relations between fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: invalid %s (%s=%s): %w", fe.Namespace(), fe.Tag(), fe.Param(), err)
		}
		return fmt.Errorf("config: %w", err)
	}
	w := c.Worker
	if w.TimeLimit > 0 && w.SoftTimeLimit >= w.TimeLimit {
		return fmt.Errorf("config: worker.soft_time_limit (%s) must be below worker.time_limit (%s)", w.SoftTimeLimit, w.TimeLimit)
	}
	return nil
}
