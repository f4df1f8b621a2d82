// --- File: pushgateway/config/yaml_config.go ---
package config

import (
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type YamlStorageConfig struct {
	Type      string `yaml:"type"`
	Path      string `yaml:"path"`
	ProjectID string `yaml:"project_id"`
	DSN       string `yaml:"dsn"`
	Driver    string `yaml:"driver"`
}

type YamlVapidConfig struct {
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
	Subscriber string `yaml:"subscriber"`
}

type YamlBackendConfig struct {
	Type     string          `yaml:"type"`
	AppName  string          `yaml:"app_name"`
	CertFile string          `yaml:"certfile"`
	AuthKey  string          `yaml:"auth_key"`
	Endpoint string          `yaml:"endpoint"`
	Sandbox  bool            `yaml:"sandbox"`
	Vapid    YamlVapidConfig `yaml:"vapid"`
}

type YamlComponentConfig struct {
	Host       string              `yaml:"host"`
	ServerHost string              `yaml:"server_host"`
	Port       int                 `yaml:"port"`
	Password   string              `yaml:"password"`
	PubsubHost string              `yaml:"pubsub_host"`
	Backends   []YamlBackendConfig `yaml:"backends"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ListenAddr       string                `yaml:"listen_addr"`
	RetryPeriod      time.Duration         `yaml:"retry_period"`
	OperationTimeout time.Duration         `yaml:"operation_timeout"`
	IdentityURL      string                `yaml:"identity_url"`
	CorsConfig       YamlCorsConfig        `yaml:"cors"`
	StorageConfig    YamlStorageConfig     `yaml:"storage"`
	RedisConfig      YamlRedisConfig       `yaml:"redis"`
	Components       []YamlComponentConfig `yaml:"components"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ListenAddr:       baseCfg.ListenAddr,
		RetryPeriod:      baseCfg.RetryPeriod,
		OperationTimeout: baseCfg.OperationTimeout,
		IdentityURL:      baseCfg.IdentityURL,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Storage: StorageConfig{
			Type:      baseCfg.StorageConfig.Type,
			Path:      baseCfg.StorageConfig.Path,
			ProjectID: baseCfg.StorageConfig.ProjectID,
			DSN:       baseCfg.StorageConfig.DSN,
			Driver:    baseCfg.StorageConfig.Driver,
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
		},
	}

	for _, yc := range baseCfg.Components {
		cc := ComponentConfig{
			Host:       yc.Host,
			ServerHost: yc.ServerHost,
			Port:       yc.Port,
			Password:   yc.Password,
			PubsubHost: yc.PubsubHost,
		}
		for _, yb := range yc.Backends {
			appName := yb.AppName
			if appName == "" {
				appName = DefaultAppName
			}
			cc.Backends = append(cc.Backends, BackendConfig{
				Type:     yb.Type,
				AppName:  appName,
				CertFile: yb.CertFile,
				AuthKey:  yb.AuthKey,
				Endpoint: yb.Endpoint,
				Sandbox:  yb.Sandbox,
				Vapid: VapidConfig{
					PublicKey:  yb.Vapid.PublicKey,
					PrivateKey: yb.Vapid.PrivateKey,
					Subscriber: yb.Vapid.Subscriber,
				},
			})
		}
		cfg.Components = append(cfg.Components, cc)
	}

	logger.Debug("YAML config mapping complete",
		"listen_addr", cfg.ListenAddr,
		"storage", cfg.Storage.Type,
		"components", len(cfg.Components),
	)

	return cfg, nil
}
