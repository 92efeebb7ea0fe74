package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/krau/wd14nodes/logger"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token   string `toml:"token"`
	Host    string `toml:"host"`
	Port    string `toml:"port" validate:"required,numeric"`
	Libonnx string `toml:"libonnx"`

	HubURL   string `toml:"hub_url" validate:"required,url"`
	ModelDir string `toml:"model_dir" validate:"required"`

	// node input defaults
	Model              string  `toml:"model" validate:"required"`
	GeneralThreshold   float32 `toml:"general_threshold" validate:"gte=0,lte=1"`
	CharacterThreshold float32 `toml:"character_threshold" validate:"gte=0,lte=1"`
	ReplaceUnderscore  bool    `toml:"replace_underscore"`
	UseGPU             bool    `toml:"use_gpu"`

	Log logger.Config `toml:"log"`
}

func Default() Config {
	return Config{
		Host:               "127.0.0.1",
		Port:               "8000",
		HubURL:             "https://huggingface.co",
		ModelDir:           "models",
		Model:              "wd-vit-tagger-v3",
		GeneralThreshold:   0.35,
		CharacterThreshold: 0.85,
		ReplaceUnderscore:  true,
		Log:                logger.Config{Level: logger.LevelInfo, Format: "text"},
	}
}

var (
	cfg      = Default()
	loadOnce sync.Once
)

// C returns the process configuration, read once from config.toml and the environment.
func C() Config {
	loadOnce.Do(func() {
		_ = godotenv.Load()
		c, err := Load("config.toml")
		if err != nil {
			panic(err)
		}
		cfg = c
	})
	return cfg
}

// Load reads path over the defaults and applies WD14_* environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return c, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := applyEnv(&c); err != nil {
		return c, err
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return c, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func applyEnv(c *Config) error {
	str := map[string]*string{
		"WD14_TOKEN":     &c.Token,
		"WD14_HOST":      &c.Host,
		"WD14_PORT":      &c.Port,
		"WD14_LIBONNX":   &c.Libonnx,
		"WD14_HUB_URL":   &c.HubURL,
		"WD14_MODEL_DIR": &c.ModelDir,
		"WD14_MODEL":     &c.Model,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("WD14_USE_GPU"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WD14_USE_GPU: %w", err)
		}
		c.UseGPU = b
	}
	return nil
}
