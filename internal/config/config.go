package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/Brownie44l1/depth-api/internal/depth"
	"github.com/Brownie44l1/depth-api/internal/model"
)

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	Port          int           `koanf:"port"`
	Debug         bool          `koanf:"debug"`
	MaxUploadSize int64         `koanf:"maxuploadsize"`
	ReadTimeout   time.Duration `koanf:"readtimeout"`
	WriteTimeout  time.Duration `koanf:"writetimeout"`
}

// ModelConfig selects the model, where its files come from and which devices run it
type ModelConfig struct {
	model.Config `koanf:",squash"`
	HubDir       string       `koanf:"hubdir"`
	Source       model.Source `koanf:"source"`
}

// InferenceConfig holds the default per-request inference options
type InferenceConfig struct {
	FlipAug      bool `koanf:"flipaug"`
	LowVRAM      bool `koanf:"lowvram"`
	Int16        bool `koanf:"int16"`
	EnableAMP    bool `koanf:"enableamp"`
	MaxInputSide int  `koanf:"maxinputside"`
}

// CacheConfig related to the depth result cache
type CacheConfig struct {
	Enabled bool `koanf:"enabled"`
	Redis   struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
	} `koanf:"redis"`
	TTL time.Duration `koanf:"ttl"`
}

// AppConfig defines
type AppConfig struct {
	Server    ServerConfig    `koanf:"server"`
	Model     ModelConfig     `koanf:"model"`
	Inference InferenceConfig `koanf:"inference"`
	Cache     CacheConfig     `koanf:"cache"`
}

// Options converts the configured defaults to pipeline options.
func (c InferenceConfig) Options() depth.Options {
	return depth.Options{
		FlipAug:   c.FlipAug,
		LowVRAM:   c.LowVRAM,
		Int16:     c.Int16,
		EnableAMP: c.EnableAMP,
		Output:    depth.PlacementHost,
	}
}

var defaults = map[string]any{
	"server.port":            8080,
	"server.debug":           false,
	"server.maxuploadsize":   10 << 20,
	"server.readtimeout":     "30s",
	"server.writetimeout":    "120s",
	"model.name":             "Any_B",
	"model.hubdir":           "pretrained_models/hub",
	"model.source.kind":      string(model.SourceRemote),
	"inference.flipaug":      true,
	"inference.lowvram":      false,
	"inference.int16":        true,
	"inference.enableamp":    false,
	"inference.maxinputside": 0,
	"cache.enabled":          false,
	"cache.redis.addr":       "localhost:6379",
	"cache.ttl":              "24h",
}

// Load reads defaults, then filePath (if not empty), then CFG_ environment
// variables such as CFG_MODEL_SOURCE_KIND=local.
func Load(filePath string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, err
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return nil, err
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot load a model.
func Validate(cfg *AppConfig) error {
	if _, err := model.Encoder(cfg.Model.Name); err != nil {
		return err
	}
	switch cfg.Model.Source.Kind {
	case model.SourceRemote:
	case model.SourceLocal:
		if cfg.Model.Source.Path == "" {
			return fmt.Errorf("model.source.path is required for a local source")
		}
	default:
		return fmt.Errorf("unknown model.source.kind %q", cfg.Model.Source.Kind)
	}
	if cfg.Server.Port <= 0 {
		return fmt.Errorf("invalid server.port %d", cfg.Server.Port)
	}
	return nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded. A missing default file is skipped.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	fs.Parse(os.Args[1:])

	if *configPath == defaultConfigPath {
		if _, err := os.Stat(defaultConfigPath); os.IsNotExist(err) {
			return ""
		}
	}
	return *configPath
}
