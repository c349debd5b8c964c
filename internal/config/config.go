// config - источник загрузки конфигурации для console-gateway и console-cli.
//
// Источники (по убыванию приоритета):
//  1. явный путь --config;
//  2. CONFIG_PATH;
//  3. ./local.yaml;
//  4. только ENV (cleanenv).
//
// После чтения файла ENV накладывается поверх значений из YAML.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Допустимые значения SessionConfig.Store.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	Env      string         `yaml:"env" env:"ENV" env-default:"local"`
	HTTP     HTTPConfig     `yaml:"http"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Client   ClientConfig   `yaml:"client"`
	Session  SessionConfig  `yaml:"session"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
}

// TimeoutConfig — общий дедлайн входящего запроса шлюза.
type TimeoutConfig struct {
	Service time.Duration `yaml:"service" env:"SERVICE" env-default:"35s"`
}

// HTTPConfig — публичный HTTP-сервер шлюза.
type HTTPConfig struct {
	Host     string `yaml:"host"      env:"HTTP_HOST"      env-default:"0.0.0.0"`
	Port     string `yaml:"port"      env:"HTTP_PORT"      env-default:"50090"`
	BasePath string `yaml:"base_path" env:"HTTP_BASE_PATH" env-default:"/api"`
}

func (h HTTPConfig) Addr() string { return net.JoinHostPort(h.Host, h.Port) }

// UpstreamConfig — удалённый REST API, куда шлюз пересылает /proxy/*.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url" env:"API_BASE_URL"     env-default:""`
	Timeout time.Duration `yaml:"timeout"  env:"UPSTREAM_TIMEOUT" env-default:"30s"`
}

// ClientConfig — HTTP-клиент консоли (говорит с шлюзом same-origin).
type ClientConfig struct {
	BaseURL   string        `yaml:"base_url"   env:"CLIENT_BASE_URL"   env-default:"http://localhost:50090/api/proxy"`
	Timeout   time.Duration `yaml:"timeout"    env:"CLIENT_TIMEOUT"    env-default:"30s"`
	UserAgent string        `yaml:"user_agent" env:"CLIENT_USER_AGENT" env-default:"examprep-console"`
	// PublicEndpoints — вызовы, на которые Authorization не навешивается никогда.
	PublicEndpoints []string `yaml:"public_endpoints" env:"CLIENT_PUBLIC_ENDPOINTS" env-default:"/auth/login,/auth/refresh-token"`
}

// SessionConfig — хранилище сессии и параметры координатора обновления токена.
type SessionConfig struct {
	Store            string        `yaml:"store"             env:"SESSION_STORE"             env-default:"memory"`
	Profile          string        `yaml:"profile"           env:"SESSION_PROFILE"           env-default:"default"`
	RedisURL         string        `yaml:"redis_url"         env:"REDIS_URL"                 env-default:""`
	RedisTTL         time.Duration `yaml:"redis_ttl"         env:"SESSION_REDIS_TTL"         env-default:"720h"`
	DatabaseURL      string        `yaml:"database_url"      env:"DATABASE_URL"              env-default:""`
	RefreshInterval  time.Duration `yaml:"refresh_interval"  env:"SESSION_REFRESH_INTERVAL"  env-default:"60s"`
	RefreshThreshold time.Duration `yaml:"refresh_threshold" env:"SESSION_REFRESH_THRESHOLD" env-default:"5m"`
	RefreshTimeout   time.Duration `yaml:"refresh_timeout"   env:"SESSION_REFRESH_TIMEOUT"   env-default:"30s"`
}

// MustLoad — паника при ошибке загрузки.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

func Load(path string) (*Config, error) {
	var cfg Config

	tryRead := func(p string) (*Config, error) {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", p, err)
		}

		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		return &cfg, nil
	}

	var (
		out *Config
		err error
	)

	switch envPath := os.Getenv("CONFIG_PATH"); {
	// 1) --config
	case path != "":
		out, err = tryRead(path)
	// 2) CONFIG_PATH
	case envPath != "":
		out, err = tryRead(envPath)
	default:
		// 3) ./local.yaml
		if _, statErr := os.Stat("local.yaml"); statErr == nil {
			if err := cleanenv.ReadConfig("local.yaml", &cfg); err != nil {
				return nil, fmt.Errorf("failed to read local.yaml: %w", err)
			}
			out = &cfg
			break
		}

		// 4) только ENV
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("config not found: provide --config, CONFIG_PATH, local.yaml or env vars: %w", err)
		}
		return normalize(&cfg)
	}
	if err != nil {
		return nil, err
	}

	if err := cleanenv.ReadEnv(out); err != nil {
		return nil, fmt.Errorf("failed to overlay env: %w", err)
	}

	return normalize(out)
}

// ValidateGateway проверяет поля, обязательные только для шлюза (API_BASE_URL).
func (c *Config) ValidateGateway() error {
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return fmt.Errorf("upstream base url is required (API_BASE_URL)")
	}

	return nil
}

func normalize(cfg *Config) (*Config, error) {
	cfg.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Upstream.BaseURL), "/")
	cfg.Client.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Client.BaseURL), "/")

	bp := strings.TrimRight(strings.TrimSpace(cfg.HTTP.BasePath), "/")
	if bp != "" && !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	cfg.HTTP.BasePath = bp

	switch cfg.Session.Store {
	case StoreMemory, StoreRedis, StorePostgres:
	case "":
		cfg.Session.Store = StoreMemory
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Session.Store)
	}

	if cfg.Session.Store == StoreRedis && cfg.Session.RedisURL == "" {
		return nil, fmt.Errorf("session store %q requires REDIS_URL", StoreRedis)
	}
	if cfg.Session.Store == StorePostgres && cfg.Session.DatabaseURL == "" {
		return nil, fmt.Errorf("session store %q requires DATABASE_URL", StorePostgres)
	}

	return cfg, nil
}
