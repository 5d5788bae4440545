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

type Config struct {
	DatabaseURL       string
	WorldDB           string
	Realm             string
	PathsFile         string
	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool
	TickInterval      time.Duration
	PublishInterval   time.Duration
	ReloadInterval    time.Duration
	SpeedMultiplier   float64
	MetricsAddr       string
	LogLevel          string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Paths may come from a YAML file instead of the world database
	cfg.PathsFile = strings.TrimSpace(os.Getenv("PATHS_FILE"))
	cfg.WorldDB = os.Getenv("WORLD_DB")
	cfg.Realm = firstNonEmpty(os.Getenv("REALM"), os.Getenv("REALM_NAME"))

	// Database URL (cluster DSN): prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := firstNonEmpty(os.Getenv("PGDATABASE"), cfg.WorldDB)
		// With REALM the base connection only needs the cluster's meta DB.
		if db == "" && cfg.Realm != "" {
			db = "postgres"
		}
		if db == "" && cfg.PathsFile == "" {
			return nil, errors.New("PATHS_FILE, DATABASE_URL, PGDATABASE, WORLD_DB or REALM must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if db != "" {
			if pass != "" {
				cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
			} else {
				cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
			}
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "transports")

	var err error
	if cfg.TickInterval, err = millis("TICK_INTERVAL_MS", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.PublishInterval, err = millis("PUBLISH_INTERVAL_MS", time.Second); err != nil {
		return nil, err
	}

	// Path reload interval for dynamic transports (seconds, 0 disables)
	if v := os.Getenv("PATH_RELOAD_INTERVAL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec < 0 {
			return nil, fmt.Errorf("invalid PATH_RELOAD_INTERVAL_SEC: %q", v)
		}
		cfg.ReloadInterval = time.Duration(sec) * time.Second
	}

	// Simulated seconds per wall-clock second
	if v := os.Getenv("SPEED_MULTIPLIER"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid SPEED_MULTIPLIER: %q", v)
		}
		cfg.SpeedMultiplier = f
	} else {
		cfg.SpeedMultiplier = 1.0
	}

	// Debug logging for NATS publish subjects
	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			cfg.LogNATSSubjects = true
		default:
			cfg.LogNATSSubjects = false
		}
	}

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")

	return cfg, nil
}

func millis(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
