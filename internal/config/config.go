package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Redis    RedisConfig    `json:"redis"`
	Store    StoreConfig    `json:"store"`
	Health   HealthConfig   `json:"health"`
	Engine   EngineConfig   `json:"engine"`
	Deploy   DeployConfig   `json:"deploy"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

type LoggingConfig struct {
	Level string `json:"level"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// StoreConfig locates the git-backed config repository.
type StoreConfig struct {
	Path          string `json:"path"`
	AuthorName    string `json:"authorName"`
	AuthorEmail   string `json:"authorEmail"`
	RemoteTimeout string `json:"remoteTimeout"` // e.g. "60s"
}

// HealthConfig tunes the background health monitor.
type HealthConfig struct {
	Interval         string `json:"interval"` // e.g. "30s"
	Timeout          string `json:"timeout"`  // per-probe
	MaxConcurrent    int    `json:"maxConcurrent"`
	FailureThreshold int    `json:"failureThreshold"`
	RetainChecks     int    `json:"retainChecks"` // rows kept per agent
}

// EngineConfig locates the pipeline engine binary used for deep
// config validation.
type EngineConfig struct {
	BinaryPath      string `json:"binaryPath"`
	ValidateTimeout string `json:"validateTimeout"`
}

// DeployConfig carries rollout defaults applied when a group or a
// deployment request leaves them unset.
type DeployConfig struct {
	BatchDelay  string `json:"batchDelay"` // e.g. "30s"
	CanaryWait  string `json:"canaryWait"` // e.g. "300s"
	PushTimeout string `json:"pushTimeout"`
	MaxFailures int    `json:"maxFailures"`
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg := &Config{
		Server: ServerConfig{
			BindAddr: getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "vecfleet"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "debug"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Store: StoreConfig{
			Path:          getEnv("STORE_PATH", "./fleet-configs"),
			AuthorName:    getEnv("STORE_AUTHOR_NAME", "vecfleet"),
			AuthorEmail:   getEnv("STORE_AUTHOR_EMAIL", "vecfleet@localhost"),
			RemoteTimeout: getEnv("STORE_REMOTE_TIMEOUT", "60s"),
		},
		Health: HealthConfig{
			Interval:         getEnv("HEALTH_INTERVAL", "30s"),
			Timeout:          getEnv("HEALTH_TIMEOUT", "5s"),
			MaxConcurrent:    getEnvInt("HEALTH_MAX_CONCURRENT", 16),
			FailureThreshold: getEnvInt("HEALTH_FAILURE_THRESHOLD", 3),
			RetainChecks:     getEnvInt("HEALTH_RETAIN_CHECKS", 1000),
		},
		Engine: EngineConfig{
			BinaryPath:      getEnv("ENGINE_BINARY", "vector"),
			ValidateTimeout: getEnv("ENGINE_VALIDATE_TIMEOUT", "30s"),
		},
		Deploy: DeployConfig{
			BatchDelay:  getEnv("DEPLOY_BATCH_DELAY", "30s"),
			CanaryWait:  getEnv("DEPLOY_CANARY_WAIT", "300s"),
			PushTimeout: getEnv("DEPLOY_PUSH_TIMEOUT", "30s"),
			MaxFailures: getEnvInt("DEPLOY_MAX_FAILURES", 1),
		},
	}

	if *configFile != "" {
		if err := loadFromFile(cfg, *configFile); err != nil {
			log.Err(err)
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "./fleet-configs"
	}
	if cfg.Store.AuthorName == "" {
		cfg.Store.AuthorName = "vecfleet"
	}
	if cfg.Store.AuthorEmail == "" {
		cfg.Store.AuthorEmail = "vecfleet@localhost"
	}
	if cfg.Store.RemoteTimeout == "" {
		cfg.Store.RemoteTimeout = "60s"
	}
	if cfg.Health.Interval == "" {
		cfg.Health.Interval = "30s"
	}
	if cfg.Health.Timeout == "" {
		cfg.Health.Timeout = "5s"
	}
	if cfg.Health.MaxConcurrent == 0 {
		cfg.Health.MaxConcurrent = 16
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = 3
	}
	if cfg.Health.RetainChecks == 0 {
		cfg.Health.RetainChecks = 1000
	}
	if cfg.Engine.BinaryPath == "" {
		cfg.Engine.BinaryPath = "vector"
	}
	if cfg.Engine.ValidateTimeout == "" {
		cfg.Engine.ValidateTimeout = "30s"
	}
	if cfg.Deploy.BatchDelay == "" {
		cfg.Deploy.BatchDelay = "30s"
	}
	if cfg.Deploy.CanaryWait == "" {
		cfg.Deploy.CanaryWait = "300s"
	}
	if cfg.Deploy.PushTimeout == "" {
		cfg.Deploy.PushTimeout = "30s"
	}
	if cfg.Deploy.MaxFailures == 0 {
		cfg.Deploy.MaxFailures = 1
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
