package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Backend     BackendConfig     `yaml:"backend"`
	Refiner     RefinerConfig     `yaml:"refiner"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Consistency ConsistencyConfig `yaml:"consistency"`
	Queue       QueueConfig       `yaml:"queue"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	MySQL MySQLConfig `yaml:"mysql"`
	Redis RedisConfig `yaml:"redis"`
}

type MySQLConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackendConfig struct {
	ComfyUI ComfyUIConfig        `yaml:"comfyui"`
	Manager ComfyUIManagerConfig `yaml:"manager"`
}

type ComfyUIConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	OutputDir string        `yaml:"output_dir"`
}

// ComfyUIManagerConfig drives the optional local process manager. Leave
// PythonPath empty to disable process management and treat ComfyUI as an
// external service.
type ComfyUIManagerConfig struct {
	PythonPath string `yaml:"python_path"`
	RootDir    string `yaml:"root_dir"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
}

type RefinerConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type CatalogConfig struct {
	// CheckpointManifest optionally extends the built-in checkpoint
	// catalog with deployment-specific models.
	CheckpointManifest string `yaml:"checkpoint_manifest"`
}

type ConsistencyConfig struct {
	DefaultAdapter string `yaml:"default_adapter"`
	OutputDir      string `yaml:"output_dir"`
}

type QueueConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	if apiKey := os.Getenv("REFINER_API_KEY"); apiKey != "" {
		cfg.Refiner.APIKey = apiKey
	}
	if baseURL := os.Getenv("COMFYUI_BASE_URL"); baseURL != "" {
		cfg.Backend.ComfyUI.BaseURL = baseURL
	}
	if password := os.Getenv("MYSQL_PASSWORD"); password != "" {
		cfg.Database.MySQL.Password = password
	}

	return &cfg, nil
}
