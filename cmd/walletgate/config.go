package main

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/amelin/walletgate/internal/logger"
)

const (
	defaultListenAddr        = "localhost:8000"
	defaultLoggingLevel      = logger.LevelInfo
	defaultProviderAddr      = "localhost:3000"
	defaultEnvironment       = logger.EnvProduction
	defaultSweepInterval     = 10 * time.Second
	defaultSweepWorkers      = 10
	defaultMaxSubmitAttempts = 5
	defaultIdempotencyTTL    = 24 * time.Hour
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the walletgate service will be run
	ListenAddr string

	// Payment provider address to connect to
	ProviderAddr string

	// Database to connect to
	DatabaseDSN string

	// Redis address for idempotency-key caching, disabled when empty
	RedisAddr string

	// Kafka brokers for settlement events, disabled when empty
	KafkaBrokers []string

	// How often the reconciler sweeps non-terminal entries
	SweepInterval time.Duration

	// How many entries a sweep handles concurrently
	SweepWorkers int

	// How many transient submit failures to tolerate before failing an entry
	MaxSubmitAttempts int

	// How long cached idempotent responses stay replayable
	IdempotencyTTL time.Duration

	// Environment
	Environment string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:          defaultLoggingLevel,
		ListenAddr:        defaultListenAddr,
		ProviderAddr:      defaultProviderAddr,
		Environment:       defaultEnvironment,
		SweepInterval:     defaultSweepInterval,
		SweepWorkers:      defaultSweepWorkers,
		MaxSubmitAttempts: defaultMaxSubmitAttempts,
		IdempotencyTTL:    defaultIdempotencyTTL,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		c.LoadEnv(func(key string) string {
			return envMap[key]
		})
		return nil
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) {
		return func(value string) {
			if value != "" {
				*o = value
			}
		}
	}
	setStrings := func(o *[]string) func(value string) {
		return func(value string) {
			if value != "" {
				*o = strings.Split(value, ",")
			}
		}
	}
	setInt := func(o *int) func(value string) {
		return func(value string) {
			if v, err := strconv.Atoi(value); err == nil {
				*o = v
			}
		}
	}
	setDuration := func(o *time.Duration) func(value string) {
		return func(value string) {
			if v, err := time.ParseDuration(value); err == nil {
				*o = v
			}
		}
	}

	envMap := map[string]func(string){
		"RUN_ADDRESS":         setString(&c.ListenAddr),
		"DATABASE_URI":        setString(&c.DatabaseDSN),
		"PROVIDER_ADDRESS":    setString(&c.ProviderAddr),
		"REDIS_ADDRESS":       setString(&c.RedisAddr),
		"KAFKA_BROKERS":       setStrings(&c.KafkaBrokers),
		"SWEEP_INTERVAL":      setDuration(&c.SweepInterval),
		"SWEEP_WORKERS":       setInt(&c.SweepWorkers),
		"MAX_SUBMIT_ATTEMPTS": setInt(&c.MaxSubmitAttempts),
		"IDEMPOTENCY_TTL":     setDuration(&c.IdempotencyTTL),
		"LOG_LEVEL":           setString(&c.LogLevel),
		"ENVIRONMENT":         setString(&c.Environment),
	}

	for key, parseFn := range envMap {
		parseFn(getenv(key))
	}
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("walletgate", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.ProviderAddr, "provider", "p", c.ProviderAddr, "Payment provider address")
	fs.StringVarP(&c.RedisAddr, "redis", "r", c.RedisAddr, "Redis address for idempotency caching")
	fs.StringSliceVarP(&c.KafkaBrokers, "kafka-brokers", "k", c.KafkaBrokers, "Kafka brokers for settlement events")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "Reconciliation sweep interval")
	fs.IntVar(&c.SweepWorkers, "sweep-workers", c.SweepWorkers, "Concurrent workers per sweep")
	fs.IntVar(&c.MaxSubmitAttempts, "max-submit-attempts", c.MaxSubmitAttempts, "Transient submit failures tolerated before failing an entry")
	fs.DurationVar(&c.IdempotencyTTL, "idempotency-ttl", c.IdempotencyTTL, "How long cached idempotent responses stay replayable")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")

	return fs.Parse(args)
}
