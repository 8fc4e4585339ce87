// Package config reads process settings from the environment. A .env file in
// the working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

type Config struct {
	Store    string
	PGDSN    string
	MongoURI string
	MongoDB  string

	RedisAddr     string
	RedisPassword string

	PubSubProject         string
	PubSubSubscription    string
	PubSubCredentialsJSON string
	PubSubMaxOutstanding  int

	HTTPAddr   string
	GRPCAddr   string
	AuthSecret string

	SweepEnabled  bool
	SweepInterval time.Duration
	RebuildBatch  int

	RateBurst  int
	RatePerSec float64

	LogLevel string

	TraceExporter    string
	TraceEndpoint    string
	TraceSampleRatio float64
}

func defaults() Config {
	return Config{
		Store:                StoreMemory,
		MongoDB:              "haulledger",
		PubSubMaxOutstanding: 10,
		HTTPAddr:             ":8080",
		GRPCAddr:             ":9090",
		SweepInterval:        6 * time.Hour,
		RebuildBatch:         500,
		RateBurst:            60,
		RatePerSec:           20,
		LogLevel:             "info",
		TraceExporter:        "none",
		TraceSampleRatio:     1,
	}
}

// Load applies .env (if any) and the process environment over the defaults.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := defaults()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}

	str("HAUL_STORE", &c.Store)
	str("HAUL_PG_DSN", &c.PGDSN)
	str("HAUL_MONGO_URI", &c.MongoURI)
	str("HAUL_MONGO_DB", &c.MongoDB)
	str("HAUL_REDIS_ADDR", &c.RedisAddr)
	str("HAUL_REDIS_PASSWORD", &c.RedisPassword)
	str("HAUL_PUBSUB_PROJECT", &c.PubSubProject)
	str("HAUL_PUBSUB_SUBSCRIPTION", &c.PubSubSubscription)
	str("HAUL_PUBSUB_CREDENTIALS_JSON", &c.PubSubCredentialsJSON)
	integer("HAUL_PUBSUB_MAX_OUTSTANDING", &c.PubSubMaxOutstanding)
	str("HAUL_HTTP_ADDR", &c.HTTPAddr)
	str("HAUL_GRPC_ADDR", &c.GRPCAddr)
	str("HAUL_AUTH_SECRET", &c.AuthSecret)
	integer("HAUL_REBUILD_BATCH", &c.RebuildBatch)
	integer("HAUL_RATE_BURST", &c.RateBurst)
	str("LOG_LEVEL", &c.LogLevel)
	str("HAUL_TRACE_EXPORTER", &c.TraceExporter)
	str("HAUL_TRACE_ENDPOINT", &c.TraceEndpoint)

	if v, ok := lookup("HAUL_SWEEP_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("HAUL_SWEEP_ENABLED: invalid boolean %q", v))
		}
		c.SweepEnabled = b
	}
	if v, ok := lookup("HAUL_SWEEP_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("HAUL_SWEEP_INTERVAL: invalid duration %q", v))
		} else {
			c.SweepInterval = d
		}
	}
	if v, ok := lookup("HAUL_RATE_PER_SEC"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			errs = append(errs, fmt.Errorf("HAUL_RATE_PER_SEC: invalid rate %q", v))
		} else {
			c.RatePerSec = f
		}
	}

	if v, ok := lookup("HAUL_TRACE_SAMPLE_RATIO"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 1 {
			errs = append(errs, fmt.Errorf("HAUL_TRACE_SAMPLE_RATIO: invalid ratio %q", v))
		} else {
			c.TraceSampleRatio = f
		}
	}

	c.TraceExporter = strings.ToLower(c.TraceExporter)
	switch c.TraceExporter {
	case "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("HAUL_TRACE_EXPORTER: unknown exporter %q", c.TraceExporter))
	}

	c.Store = strings.ToLower(c.Store)
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New("HAUL_PG_DSN is required for the postgres store"))
		}
	case StoreMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("HAUL_MONGO_URI is required for the mongo store"))
		}
	default:
		errs = append(errs, fmt.Errorf("HAUL_STORE: unknown store %q", c.Store))
	}
	if c.PubSubSubscription != "" && c.PubSubProject == "" {
		errs = append(errs, errors.New("HAUL_PUBSUB_PROJECT is required when a subscription is set"))
	}

	return c, errors.Join(errs...)
}
