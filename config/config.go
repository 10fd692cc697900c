package config

import (
	"RecycleDetServer/cache"
	"RecycleDetServer/classify"
	"RecycleDetServer/fusion"
	"RecycleDetServer/imageproc"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type DetectorConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url" validate:"omitempty,url"`
	Names         []string      `yaml:"names"`
	NamesFile     string        `yaml:"namesFile"`
	MinConfidence float64       `yaml:"minConfidence" validate:"gte=0,lte=1"`
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
	// KeepUnresolvedMinConfidence drops unresolved detections below it; 0 keeps all.
	KeepUnresolvedMinConfidence float64 `yaml:"keepUnresolvedMinConfidence" validate:"gte=0,lte=1"`
}

type DetectionConfig struct {
	MaxImageSize    int            `yaml:"maxImageSize" validate:"gte=0"`
	MinConfidence   float64        `yaml:"minConfidence" validate:"gte=0,lte=1"`
	IoUThreshold    float64        `yaml:"iouThreshold" validate:"gt=0,lte=1"`
	DetectorTimeout time.Duration  `yaml:"detectorTimeout" validate:"gte=0"`
	Fingerprint     string         `yaml:"fingerprint" validate:"oneof=content shape"`
	DefaultMode     string         `yaml:"defaultMode" validate:"oneof=fused primary secondary"`
	Primary         DetectorConfig `yaml:"primary"`
	Secondary       DetectorConfig `yaml:"secondary"`
}

type CacheConfig struct {
	Enabled                bool `yaml:"enabled"`
	Capacity               int  `yaml:"capacity" validate:"gte=0"`
	ClearInterval          int  `yaml:"clearInterval" validate:"gte=0"`
	ClassificationCapacity int  `yaml:"classificationCapacity" validate:"gte=0"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Key      string `yaml:"key"`
}

type PricingConfig struct {
	File            string        `yaml:"file"`
	URL             string        `yaml:"url" validate:"omitempty,url"`
	RefreshInterval time.Duration `yaml:"refreshInterval" validate:"gte=0"`
	Redis           RedisConfig   `yaml:"redis"`
}

type StorageConfig struct {
	Driver  string        `yaml:"driver" validate:"omitempty,oneof=postgres mysql"`
	DSN     string        `yaml:"dsn" validate:"required_with=Driver"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// RateLimitConfig is a per-client token bucket. Clients idle longer than IdleTimeout lose their bucket.
type RateLimitConfig struct {
	RPS         float64       `yaml:"rps" validate:"gte=0"`
	Burst       int           `yaml:"burst" validate:"gte=0"`
	IdleTimeout time.Duration `yaml:"idleTimeout" validate:"gte=0"`
}

type LogConfig struct {
	Mode  string `yaml:"mode" validate:"oneof=production development"`
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config is built once in main and handed to every component; nothing reads it globally.
type Config struct {
	HTTPPort            int             `yaml:"HTTPPort" validate:"gte=0,lte=65535"`
	RPCPort             int             `yaml:"RPCPort" validate:"gte=0,lte=65535"`
	MetricsPort         int             `yaml:"MetricsPort" validate:"gte=0,lte=65535"`
	WorkersNum          int             `yaml:"workersNum"`
	AllowRemoteShutdown bool            `yaml:"allowRemoteShutdown"`
	Log                 LogConfig       `yaml:"log"`
	Detection           DetectionConfig `yaml:"detection"`
	Cache               CacheConfig     `yaml:"cache"`
	Pricing             PricingConfig   `yaml:"pricing"`
	Storage             StorageConfig   `yaml:"storage"`
	RateLimit           RateLimitConfig `yaml:"rateLimit"`
}

// Default returns the configuration used when a key is missing from the file.
func Default() Config {
	return Config{
		HTTPPort:    8080,
		RPCPort:     50051,
		MetricsPort: 50052,
		WorkersNum:  runtime.NumCPU(),
		Log:         LogConfig{Mode: "production"},
		Detection: DetectionConfig{
			MaxImageSize:    imageproc.DefaultMaxSize,
			MinConfidence:   0.5,
			IoUThreshold:    fusion.DefaultIoUThreshold,
			DetectorTimeout: 10 * time.Second,
			Fingerprint:     imageproc.FingerprintContent,
			DefaultMode:     "fused",
			Primary: DetectorConfig{
				MinConfidence: 0.5,
			},
			Secondary: DetectorConfig{
				MinConfidence:               0.3,
				KeepUnresolvedMinConfidence: 0.5,
			},
		},
		Cache: CacheConfig{
			Enabled:                true,
			Capacity:               cache.DefaultCapacity,
			ClearInterval:          cache.DefaultClearInterval,
			ClassificationCapacity: classify.DefaultMemoCapacity,
		},
		Pricing: PricingConfig{
			RefreshInterval: time.Hour,
			Redis:           RedisConfig{Key: "recycle:prices"},
		},
		Storage:   StorageConfig{Timeout: 5 * time.Second},
		RateLimit: RateLimitConfig{RPS: 50, Burst: 100, IdleTimeout: 10 * time.Minute},
	}
}

// Load reads .env (if present), the YAML file at path, applies env overrides and validates.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	applyEnv(&cfg)
	if cfg.WorkersNum <= 0 {
		cfg.WorkersNum = 1
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RECYCLE_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("RECYCLE_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("RECYCLE_REDIS_ADDR"); v != "" {
		cfg.Pricing.Redis.Addr = v
	}
	if v := os.Getenv("RECYCLE_REDIS_PASSWORD"); v != "" {
		cfg.Pricing.Redis.Password = v
	}
	if v := os.Getenv("RECYCLE_PRIMARY_URL"); v != "" {
		cfg.Detection.Primary.URL = v
		cfg.Detection.Primary.Enabled = true
	}
	if v := os.Getenv("RECYCLE_SECONDARY_URL"); v != "" {
		cfg.Detection.Secondary.URL = v
		cfg.Detection.Secondary.Enabled = true
	}
	if v := os.Getenv("RECYCLE_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = p
		}
	}
}

var validate = validator.New()

func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for name, d := range map[string]DetectorConfig{"primary": cfg.Detection.Primary, "secondary": cfg.Detection.Secondary} {
		if d.Enabled && d.URL == "" {
			return fmt.Errorf("invalid config: detection.%s.url is required when enabled", name)
		}
	}
	if cfg.Storage.Driver == "mysql" {
		// created_at is scanned into time.Time
		dsn, err := mysql.ParseDSN(cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("invalid config: storage.dsn: %w", err)
		}
		if !dsn.ParseTime {
			return errors.New("invalid config: storage.dsn needs parseTime=true for mysql")
		}
	}
	return nil
}
