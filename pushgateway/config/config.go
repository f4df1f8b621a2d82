// --- File: pushgateway/config/config.go ---
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

const (
	DefaultListenAddr  = ":8080"
	DefaultRetryPeriod = 10 * time.Second
	DefaultStoragePath = "./registrations"
	DefaultIdentityURL = "http://localhost:3000"
	DefaultAppName     = "any"
)

// Storage types.
const (
	StorageFile      = "file"
	StorageFirestore = "firestore"
	StorageRedis     = "redis"
	StorageSQL       = "sql"
)

type StorageConfig struct {
	Type      string
	Path      string // file: directory holding one file per component
	ProjectID string // firestore
	DSN       string // sql
	Driver    string // sql: postgres or sqlite
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type VapidConfig struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
}

// BackendConfig configures one push provider for one component.
type BackendConfig struct {
	Type     string
	AppName  string
	CertFile string
	AuthKey  string
	Endpoint string
	Sandbox  bool
	Vapid    VapidConfig
}

// Kind is only meaningful after Validate succeeded.
func (b BackendConfig) Kind() dispatch.BackendKind {
	return dispatch.BackendKind(b.Type)
}

// ComponentConfig is one gateway instance: a component connection to one
// XMPP server and the backends it serves.
type ComponentConfig struct {
	Host       string
	ServerHost string
	Port       int
	Password   string
	PubsubHost string
	Backends   []BackendConfig
}

// Addr is the server's component port.
func (c ComponentConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.Port)
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ListenAddr       string
	RetryPeriod      time.Duration
	OperationTimeout time.Duration
	IdentityURL      string

	CorsConfig middleware.CorsConfig
	Storage    StorageConfig
	Redis      RedisConfig

	Components []ComponentConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
// Component sections are validated separately so one bad instance does not
// stop the others.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("RETRY_PERIOD"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_PERIOD %q: %w", val, err)
		}
		logger.Debug("Overriding config value", "key", "RETRY_PERIOD", "source", "env")
		cfg.RetryPeriod = d
	}
	if val := os.Getenv("OPERATION_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return nil, fmt.Errorf("invalid OPERATION_TIMEOUT %q: %w", val, err)
		}
		logger.Debug("Overriding config value", "key", "OPERATION_TIMEOUT", "source", "env")
		cfg.OperationTimeout = d
	}
	if val := os.Getenv("IDENTITY_SERVICE_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "IDENTITY_SERVICE_URL", "source", "env")
		cfg.IdentityURL = val
	}

	// Storage Overrides
	if val := os.Getenv("STORAGE_TYPE"); val != "" {
		logger.Debug("Overriding config value", "key", "STORAGE_TYPE", "source", "env")
		cfg.Storage.Type = val
	}
	if val := os.Getenv("STORAGE_PATH"); val != "" {
		logger.Debug("Overriding config value", "key", "STORAGE_PATH", "source", "env")
		cfg.Storage.Path = val
	}
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.Storage.ProjectID = val
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "DATABASE_URL", "source", "env")
		cfg.Storage.DSN = val
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		logger.Debug("Overriding config value", "key", "REDIS_ADDR", "source", "env")
		cfg.Redis.Addr = val
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.RetryPeriod == 0 {
		cfg.RetryPeriod = DefaultRetryPeriod
	}
	if cfg.IdentityURL == "" {
		cfg.IdentityURL = DefaultIdentityURL
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = StorageFile
	}
	if cfg.Storage.Type == StorageFile && cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultStoragePath
	}

	// 3. Final Validation
	if cfg.RetryPeriod < 0 {
		return nil, fmt.Errorf("retry_period must be positive (set via YAML or RETRY_PERIOD env var)")
	}
	if cfg.OperationTimeout < 0 {
		return nil, fmt.Errorf("operation_timeout must not be negative (set via YAML or OPERATION_TIMEOUT env var)")
	}
	switch cfg.Storage.Type {
	case StorageFile:
	case StorageFirestore:
		if cfg.Storage.ProjectID == "" {
			return nil, fmt.Errorf("storage.project_id is required for firestore storage (set via YAML or PROJECT_ID env var)")
		}
	case StorageRedis:
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("redis.addr is required for redis storage (set via YAML or REDIS_ADDR env var)")
		}
	case StorageSQL:
		if cfg.Storage.DSN == "" {
			return nil, fmt.Errorf("storage.dsn is required for sql storage (set via YAML or DATABASE_URL env var)")
		}
	default:
		return nil, fmt.Errorf("unknown storage type %q (set via YAML or STORAGE_TYPE env var)", cfg.Storage.Type)
	}
	if len(cfg.Components) == 0 {
		return nil, errors.New("at least one entry under components is required")
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

// Validate checks one component section. A failing component is skipped at
// startup.
func (c ComponentConfig) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	} else if _, err := xmpp.ParseJID(c.Host); err != nil {
		errs = append(errs, fmt.Errorf("host: %w", err))
	}
	if c.ServerHost == "" {
		errs = append(errs, errors.New("server_host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", c.Port))
	}
	if c.Password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	if c.PubsubHost == "" {
		errs = append(errs, errors.New("pubsub_host is required"))
	} else if _, err := xmpp.ParseJID(c.PubsubHost); err != nil {
		errs = append(errs, fmt.Errorf("pubsub_host: %w", err))
	}
	if len(c.Backends) == 0 {
		errs = append(errs, errors.New("at least one backend is required"))
	}

	seen := make(map[dispatch.BackendKind]bool, len(c.Backends))
	for i, b := range c.Backends {
		kind, err := dispatch.ParseBackendKind(b.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("backends[%d]: %w", i, err))
			continue
		}
		if !kind.Implemented() {
			errs = append(errs, fmt.Errorf("backends[%d]: backend type %s is not supported", i, kind))
			continue
		}
		if seen[kind] {
			errs = append(errs, fmt.Errorf("backends[%d]: duplicate backend type %s", i, kind))
		}
		seen[kind] = true

		switch kind {
		case dispatch.KindAPNS:
			if b.CertFile == "" {
				errs = append(errs, fmt.Errorf("backends[%d]: certfile is required for apns", i))
			}
		case dispatch.KindGCM:
			if b.AuthKey == "" {
				errs = append(errs, fmt.Errorf("backends[%d]: auth_key is required for gcm", i))
			}
		case dispatch.KindMozilla:
			if b.Vapid.PublicKey == "" || b.Vapid.PrivateKey == "" {
				errs = append(errs, fmt.Errorf("backends[%d]: vapid keys are required for mozilla", i))
			}
		}
	}
	return errors.Join(errs...)
}
