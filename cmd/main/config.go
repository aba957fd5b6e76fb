package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/natefinch/atomic"
)

// ServerConfig holds the configuration for the HTTP server, the model and its
// persistence. Every field can be overridden by the STOCH_* environment
// variable named in its env tag.
type ServerConfig struct {
	ApiAddr             string `json:"api_addr" env:"STOCH_API_ADDR"`
	LogLevel            string `json:"log_level" env:"STOCH_LOG_LEVEL"`
	LogFile             string `json:"log_file" env:"STOCH_LOG_FILE"`
	DataDir             string `json:"data_dir" env:"STOCH_DATA_DIR"`
	DatabasePath        string `json:"database_path" env:"STOCH_DATABASE_PATH"`
	BackupPath          string `json:"backup_path" env:"STOCH_BACKUP_PATH"`
	ModelName           string `json:"model_name" env:"STOCH_MODEL_NAME"`
	MaxGenerateLength   int    `json:"max_generate_length" env:"STOCH_MAX_GENERATE_LENGTH"`
	MaxTrainBytes       int64  `json:"max_train_bytes" env:"STOCH_MAX_TRAIN_BYTES"`
	AutosaveIntervalSec int    `json:"autosave_interval_sec" env:"STOCH_AUTOSAVE_INTERVAL_SEC"`
	UniformPrior        bool   `json:"uniform_prior" env:"STOCH_UNIFORM_PRIOR"`
}

// Config is the top-level configuration struct.
type Config struct {
	Server *ServerConfig `json:"server_config"`
}

// DefaultServerConfig creates a server configuration with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ApiAddr:             ":7279",
		LogLevel:            "info",
		LogFile:             "",
		DataDir:             "./data",
		DatabasePath:        "./data/stoch.db",
		BackupPath:          "./data/stoch_backup.json",
		ModelName:           "default",
		MaxGenerateLength:   1 << 20,
		MaxTrainBytes:       64 << 20,
		AutosaveIntervalSec: 60,
		UniformPrior:        false,
	}
}

// LoadConfig reads the configuration from a JSON file at the given path and
// then applies environment overrides. If the file doesn't exist, it creates
// one with default values.
func LoadConfig(path string) (*Config, error) {
	config := &Config{
		Server: DefaultServerConfig(),
	}

	file, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		var data []byte
		data, err = json.MarshalIndent(config, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", err)
		}
		if err = atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
			// The server can still run with defaults.
			fmt.Printf("warning: failed to write default config file: %v\n", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err = json.Unmarshal(file, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if config.Server == nil {
			config.Server = DefaultServerConfig()
		}
	}

	if err = env.Parse(config.Server); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}
	if err = config.Server.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// validate rejects settings the server cannot run with.
func (c *ServerConfig) validate() error {
	if c.ModelName == "" {
		return fmt.Errorf("model_name must not be empty")
	}
	if c.MaxGenerateLength <= 0 || c.MaxTrainBytes <= 0 {
		return fmt.Errorf("max_generate_length and max_train_bytes must be positive")
	}
	if c.AutosaveIntervalSec < 0 {
		return fmt.Errorf("autosave_interval_sec must not be negative")
	}
	return nil
}

// ConfigManager handles thread-safe access to the configuration.
type ConfigManager struct {
	config     *Config
	mu         sync.RWMutex
	configPath string
	logger     *slog.Logger
}

// NewConfigManager loads the config and initializes the manager.
func NewConfigManager(path string) (*ConfigManager, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	return &ConfigManager{
		config:     cfg,
		configPath: path,
		// Log to stdout before the application-specific logger is set.
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{})),
	}, nil
}

// SetLogger sets the logger.
func (cm *ConfigManager) SetLogger(logger *slog.Logger) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.logger = logger
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	server := *cm.config.Server
	return Config{Server: &server}
}

// Update validates and stores the configuration, then saves it to disk.
// Most settings only take effect after a restart.
func (cm *ConfigManager) Update(newConfig Config) error {
	if newConfig.Server == nil {
		return fmt.Errorf("server_config is required")
	}
	if err := newConfig.Server.validate(); err != nil {
		return err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	server := *newConfig.Server
	cm.config = &Config{Server: &server}

	data, err := json.MarshalIndent(cm.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := atomic.WriteFile(cm.configPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.Info("Configuration updated and saved", "path", cm.configPath)
	return nil
}
