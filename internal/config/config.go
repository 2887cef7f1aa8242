package config

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type contextKey string

const configKey contextKey = "config"

// Config holds all application configuration
type Config struct {
	// Analysis settings
	Analysis AnalysisConfig `yaml:"analysis"`

	// Embedding model settings
	Model ModelConfig `yaml:"model"`

	// Search settings
	Search SearchConfig `yaml:"search"`

	// FFmpeg settings
	FFmpeg FFmpegConfig `yaml:"ffmpeg"`

	// CatalogPath is the sqlite file tracking analyzed videos.
	CatalogPath string `yaml:"catalog_path"`
}

// AnalysisConfig controls shot detection behavior.
type AnalysisConfig struct {
	// Threshold is the histogram distance above which a frame starts a new
	// shot. Lower values are more sensitive.
	Threshold float64 `yaml:"threshold"`
	// ScaledSize is the long edge the differencer downsamples frames to.
	ScaledSize int `yaml:"scaled_size"`
	// SampleFPS is how many frames per second are pulled from the decoder.
	SampleFPS float64 `yaml:"sample_fps"`
	// Embedding toggles per-shot image embedding extraction.
	Embedding bool `yaml:"embedding"`
}

type ModelConfig struct {
	ImageEncoderPath string `yaml:"image_encoder_path"`
	TextEncoderPath  string `yaml:"text_encoder_path"`
	VocabPath        string `yaml:"vocab_path"`
	MergesPath       string `yaml:"merges_path"`
	// Dimension is the fallback embedding width used when the model reports
	// a dynamic output shape.
	Dimension     int `yaml:"dimension"`
	ContextLength int `yaml:"context_length"`
}

type SearchConfig struct {
	Limit         int     `yaml:"limit"`
	MinSimilarity float64 `yaml:"min_similarity"`
	// Combine is how multi-keyword scores merge: "max" or "mean".
	Combine string `yaml:"combine"`
}

type FFmpegConfig struct {
	BinaryPath string `yaml:"binary_path"`
	Threads    int    `yaml:"threads"`
}

// Load reads configuration from file or returns defaults
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = findConfigFile()
	}

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes configuration to file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Print writes the effective configuration as YAML.
func (c *Config) Print(w io.Writer) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func defaultConfig() *Config {
	return &Config{
		Analysis: AnalysisConfig{
			Threshold:  0.3,
			ScaledSize: 64,
			SampleFPS:  1.0,
			Embedding:  true,
		},
		Model: ModelConfig{
			ImageEncoderPath: "./models/clip-image-encoder.onnx",
			TextEncoderPath:  "./models/clip-text-encoder.onnx",
			VocabPath:        "./models/vocab.json",
			MergesPath:       "./models/merges.txt",
			Dimension:        512,
			ContextLength:    77,
		},
		Search: SearchConfig{
			Limit:         10,
			MinSimilarity: 0.15,
			Combine:       "max",
		},
		FFmpeg: FFmpegConfig{
			BinaryPath: "ffmpeg",
			Threads:    0,
		},
		CatalogPath: filepath.Join(os.Getenv("HOME"), ".shotscope", "catalog.db"),
	}
}

func findConfigFile() string {
	candidates := []string{
		"./config.yaml",
		"./config.yml",
		filepath.Join(os.Getenv("HOME"), ".shotscope", "config.yaml"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// WithConfig stores config in context
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}

// FromContext retrieves config from context
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configKey).(*Config); ok {
		return cfg
	}
	return defaultConfig()
}
