// Package config loads the yeytest configuration. Settings come from
// the YAML file, then environment variables on top; a missing file
// yields the defaults. Validation runs before any step executes, so a
// bad level or missing credentials abort the run up front.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yunusemreyildiz/yeytest/internal/model"
)

// DefaultPath is where the CLI looks for the config file.
const DefaultPath = ".yeytest/config.yaml"

// Config holds all yeytest configuration.
type Config struct {
	Validation ValidationConfig `yaml:"validation"`
	AI         AIConfig         `yaml:"ai"`
	Healing    HealingConfig    `yaml:"healing"`
	Maestro    MaestroConfig    `yaml:"maestro"`
	Frames     FramesConfig     `yaml:"frames"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Store      StoreConfig      `yaml:"store"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ValidationConfig tunes the local detectors and the verdict policy.
type ValidationConfig struct {
	// Level is one of none, local, ai, hybrid.
	Level string `yaml:"level"`
	// AcceptThreshold is the minimum local confidence for a hybrid
	// accept; below it the step escalates.
	AcceptThreshold float64 `yaml:"accept_threshold"`
	// NoiseTolerance is the per-pixel luminance delta (out of 255)
	// ignored by the image comparator.
	NoiseTolerance int `yaml:"noise_tolerance"`
	// NoChangeThreshold is the diff score below which the screen
	// counts as unchanged.
	NoChangeThreshold float64 `yaml:"no_change_threshold"`
}

// AIConfig configures the escalation provider.
type AIConfig struct {
	// Provider is anthropic or gemini; empty auto-detects from the
	// available API key.
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	// Budget is the cost-unit ceiling per run; 0 means unlimited.
	Budget  int    `yaml:"budget"`
	Timeout string `yaml:"timeout"`
}

// HealingConfig bounds the self-healing retry loop.
type HealingConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxAttempts int  `yaml:"max_attempts"`
}

// MaestroConfig locates the device tooling.
type MaestroConfig struct {
	Binary      string `yaml:"binary"`
	ADB         string `yaml:"adb"`
	Xcrun       string `yaml:"xcrun"`
	Device      string `yaml:"device"`
	StepTimeout string `yaml:"step_timeout"`
}

// FramesConfig tunes recording analysis.
type FramesConfig struct {
	FPS             float64 `yaml:"fps"`
	ChangeThreshold float64 `yaml:"change_threshold"`
	FFmpeg          string  `yaml:"ffmpeg"`
	FFprobe         string  `yaml:"ffprobe"`
}

// ArtifactsConfig selects where screenshots and recordings go.
type ArtifactsConfig struct {
	Dir   string      `yaml:"dir"`
	Minio MinioConfig `yaml:"minio"`
}

// MinioConfig configures the optional object-store archive.
type MinioConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// StoreConfig locates the result database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures the categorized debug logger.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Dir   string `yaml:"dir"`
	// Categories filters subsystems when non-empty; absent categories
	// stay enabled.
	Categories map[string]bool `yaml:"categories"`
	MaxSizeMB  int             `yaml:"max_size_mb"`
	MaxBackups int             `yaml:"max_backups"`
	MaxAgeDays int             `yaml:"max_age_days"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Validation: ValidationConfig{
			Level:             "hybrid",
			AcceptThreshold:   0.8,
			NoiseTolerance:    16,
			NoChangeThreshold: 0.01,
		},
		AI: AIConfig{
			Budget:  0,
			Timeout: "120s",
		},
		Healing: HealingConfig{
			Enabled:     true,
			MaxAttempts: 3,
		},
		Maestro: MaestroConfig{
			Binary:      "maestro",
			ADB:         "adb",
			Xcrun:       "xcrun",
			StepTimeout: "2m",
		},
		Frames: FramesConfig{
			FPS:             2.0,
			ChangeThreshold: 0.3,
			FFmpeg:          "ffmpeg",
			FFprobe:         "ffprobe",
		},
		Artifacts: ArtifactsConfig{
			Dir: ".yeytest/artifacts",
		},
		Store: StoreConfig{
			Path: ".yeytest/runs.db",
		},
		Logging: LoggingConfig{
			Dir:        ".yeytest/logs",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Load reads configuration from a YAML file. A missing file returns
// the defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Provider
// keys are checked lowest priority first so ANTHROPIC_API_KEY wins
// when several are set, matching the vision provider detection order.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		c.AI.APIKey = key
		c.AI.Provider = "gemini"
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.AI.APIKey = key
		c.AI.Provider = "gemini"
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.AI.APIKey = key
		c.AI.Provider = "anthropic"
	}

	if level := os.Getenv("YEYTEST_LEVEL"); level != "" {
		c.Validation.Level = level
	}
	if raw := os.Getenv("YEYTEST_BUDGET"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			c.AI.Budget = n
		}
	}
	if device := os.Getenv("YEYTEST_DEVICE"); device != "" {
		c.Maestro.Device = device
	}
	if path := os.Getenv("YEYTEST_STORE"); path != "" {
		c.Store.Path = path
	}
	if dir := os.Getenv("YEYTEST_ARTIFACTS"); dir != "" {
		c.Artifacts.Dir = dir
	}
	if raw := os.Getenv("YEYTEST_DEBUG"); raw != "" {
		c.Logging.Debug = raw == "1" || raw == "true"
	}
}

// Level returns the parsed validation level, falling back to hybrid
// when the configured string is invalid. Validate reports the invalid
// string as an error first.
func (c *Config) Level() model.ValidationLevel {
	level, err := model.ParseValidationLevel(c.Validation.Level)
	if err != nil {
		return model.LevelHybrid
	}
	return level
}

// GetAITimeout returns the provider call timeout as a duration.
func (c *Config) GetAITimeout() time.Duration {
	d, err := time.ParseDuration(c.AI.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetStepTimeout returns the per-step execution timeout as a duration.
func (c *Config) GetStepTimeout() time.Duration {
	d, err := time.ParseDuration(c.Maestro.StepTimeout)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

// ValidProviders lists the supported AI providers; empty auto-detects.
var ValidProviders = []string{"anthropic", "gemini"}

// Validate checks the configuration before anything runs.
func (c *Config) Validate() error {
	level, err := model.ParseValidationLevel(c.Validation.Level)
	if err != nil {
		return err
	}

	if c.Validation.AcceptThreshold < 0 || c.Validation.AcceptThreshold > 1 {
		return fmt.Errorf("validation.accept_threshold must be in [0,1], got %g", c.Validation.AcceptThreshold)
	}
	if c.Validation.NoChangeThreshold < 0 || c.Validation.NoChangeThreshold > 1 {
		return fmt.Errorf("validation.no_change_threshold must be in [0,1], got %g", c.Validation.NoChangeThreshold)
	}
	if c.Validation.NoiseTolerance < 0 || c.Validation.NoiseTolerance > 255 {
		return fmt.Errorf("validation.noise_tolerance must be in [0,255], got %d", c.Validation.NoiseTolerance)
	}

	if c.AI.Budget < 0 {
		return fmt.Errorf("ai.budget must not be negative, got %d", c.AI.Budget)
	}
	if c.AI.Provider != "" {
		valid := false
		for _, p := range ValidProviders {
			if c.AI.Provider == p {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid ai.provider: %s (valid: %v)", c.AI.Provider, ValidProviders)
		}
	}
	if level.CanEscalate() && c.AI.APIKey == "" {
		return fmt.Errorf("validation level %q needs provider credentials (set ANTHROPIC_API_KEY or GEMINI_API_KEY, or ai.api_key)", level)
	}

	if c.Healing.MaxAttempts < 0 {
		return fmt.Errorf("healing.max_attempts must not be negative, got %d", c.Healing.MaxAttempts)
	}

	if c.Frames.FPS <= 0 {
		return fmt.Errorf("frames.fps must be positive, got %g", c.Frames.FPS)
	}
	if c.Frames.ChangeThreshold < 0 || c.Frames.ChangeThreshold > 1 {
		return fmt.Errorf("frames.change_threshold must be in [0,1], got %g", c.Frames.ChangeThreshold)
	}

	if c.Artifacts.Minio.Enabled {
		if c.Artifacts.Minio.Endpoint == "" {
			return fmt.Errorf("artifacts.minio.endpoint required when minio is enabled")
		}
		if c.Artifacts.Minio.Bucket == "" {
			return fmt.Errorf("artifacts.minio.bucket required when minio is enabled")
		}
	}

	return nil
}
