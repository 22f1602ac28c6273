// Package config loads process-wide export settings from a YAML file and
// PDFEXPORT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	TempDir string       `mapstructure:"temp_dir"`
	OCR     OCRConfig    `mapstructure:"ocr"`
	Export  ExportConfig `mapstructure:"export"`
	Font    FontConfig   `mapstructure:"font"`
	Log     LogConfig    `mapstructure:"log"`
}

// OCRConfig controls the shared OCR request queue.
type OCRConfig struct {
	Workers        int    `mapstructure:"workers"`
	Language       string `mapstructure:"language"`
	Mode           string `mapstructure:"mode"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ExportConfig holds pipeline defaults.
type ExportConfig struct {
	Compat      string `mapstructure:"compat"`
	Workers     int    `mapstructure:"workers"`
	FailFast    bool   `mapstructure:"fail_fast"`
	RasterDPI   int    `mapstructure:"raster_dpi"`
	JPEGQuality int    `mapstructure:"jpeg_quality"`
	Creator     string `mapstructure:"creator"`
}

// FontConfig selects the TrueType font used for invisible OCR text. An empty
// path selects the bundled Go Regular face.
type FontConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig configures the zap logger built by the CLI.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var compatValues = []string{"default", "pdfa1b", "pdfa2b", "pdfa3b", "pdfa3u"}

var modeValues = []string{"", "default", "fast", "best", "legacy"}

// Load reads configuration from configPath (optional) and the environment.
// Each call uses a fresh viper instance so concurrent loads never share state.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PDFEXPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	cfg.TempDir = os.TempDir()
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("temp_dir", "")

	v.SetDefault("ocr.workers", 2)
	v.SetDefault("ocr.language", "")
	v.SetDefault("ocr.mode", "default")
	v.SetDefault("ocr.timeout_seconds", 0)

	v.SetDefault("export.compat", "default")
	v.SetDefault("export.workers", 4)
	v.SetDefault("export.fail_fast", false)
	v.SetDefault("export.raster_dpi", 300)
	v.SetDefault("export.jpeg_quality", 75)
	v.SetDefault("export.creator", "pdfexport")

	v.SetDefault("font.path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Validate performs validation on the configuration.
func Validate(cfg *Config) error {
	if cfg.OCR.Workers < 1 {
		return fmt.Errorf("ocr.workers must be at least 1")
	}
	if cfg.OCR.TimeoutSeconds < 0 {
		return fmt.Errorf("ocr.timeout_seconds must be non-negative")
	}
	if !contains(modeValues, strings.ToLower(cfg.OCR.Mode)) {
		return fmt.Errorf("ocr.mode %q is not one of %v", cfg.OCR.Mode, modeValues[1:])
	}
	if !contains(compatValues, strings.ToLower(cfg.Export.Compat)) {
		return fmt.Errorf("export.compat %q is not one of %v", cfg.Export.Compat, compatValues)
	}
	if cfg.Export.Workers < 1 {
		return fmt.Errorf("export.workers must be at least 1")
	}
	if cfg.Export.RasterDPI < 36 || cfg.Export.RasterDPI > 1200 {
		return fmt.Errorf("export.raster_dpi must be between 36 and 1200")
	}
	if cfg.Export.JPEGQuality < 1 || cfg.Export.JPEGQuality > 100 {
		return fmt.Errorf("export.jpeg_quality must be between 1 and 100")
	}
	if cfg.Font.Path != "" {
		if _, err := os.Stat(cfg.Font.Path); err != nil {
			return fmt.Errorf("font.path: %w", err)
		}
	}
	return nil
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
