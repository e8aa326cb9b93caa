package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ivlev/giffusion/internal/keyframe"
)

// Config is the full run configuration. Load reads YAML over Default; the
// CLI overrides individual fields from flags.
type Config struct {
	// Prompts is an inline keyframe schedule ("frame: prompt" per line).
	Prompts string `yaml:"prompts"`
	// PromptsFile points at a schedule file (.yaml or the line format).
	PromptsFile string `yaml:"prompts_file"`
	Seed        uint64 `yaml:"seed"`
	// Frames restricts generation to these frame indices. Empty means all.
	Frames []int `yaml:"frames"`
	// MaxFrames bounds the timeline length a schedule may ask for.
	MaxFrames   int     `yaml:"max_frames"`
	Width       int     `yaml:"width"`
	Height      int     `yaml:"height"`
	FPS         float64 `yaml:"fps"`
	PromptMode  string  `yaml:"prompt_mode"`
	FixedLatent bool    `yaml:"fixed_latent"`
	Workers     int     `yaml:"workers"`
	ShowStats   bool    `yaml:"show_stats"`

	Model   ModelConfig   `yaml:"model"`
	Encoder EncoderConfig `yaml:"encoder"`
	Timing  TimingConfig  `yaml:"timing"`
	Batch   BatchConfig   `yaml:"batch"`
	Input   InputConfig   `yaml:"input"`
	Output  OutputConfig  `yaml:"output"`
	Scenes  SceneConfig   `yaml:"scenes"`
	Tracker TrackerConfig `yaml:"tracker"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// ModelConfig selects the image model and its sampling options.
type ModelConfig struct {
	Variant string `yaml:"variant"`
	BaseURL string `yaml:"base_url"`
	// Capabilities lists accepted parameters for the custom variant.
	Capabilities   []string       `yaml:"capabilities"`
	Timeout        time.Duration  `yaml:"timeout"`
	RPS            float64        `yaml:"rps"`
	Burst          int            `yaml:"burst"`
	Steps          int            `yaml:"steps"`
	GuidanceScale  float64        `yaml:"guidance_scale"`
	Strength       float64        `yaml:"strength"`
	NegativePrompt string         `yaml:"negative_prompt"`
	LatentChannels int            `yaml:"latent_channels"`
	LatentScale    int            `yaml:"latent_scale"`
	Args           map[string]any `yaml:"args"`
}

// EncoderConfig selects the text encoder.
type EncoderConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	Cache   RedisConfig   `yaml:"cache"`
}

// RedisConfig configures the embedding cache. Empty Addr disables it.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// TimingConfig selects how frames are spaced between keyframes.
type TimingConfig struct {
	// Mode is uniform, eased or audio.
	Mode           string `yaml:"mode"`
	Easing         string `yaml:"easing"`
	AudioComponent string `yaml:"audio_component"`
}

type BatchConfig struct {
	Size int    `yaml:"size"`
	Tail string `yaml:"tail"`
}

// InputConfig holds the conditioning inputs. Image and Video are exclusive.
type InputConfig struct {
	Image string `yaml:"image"`
	// Page selects the page when Image is a PDF (1-based).
	Page  int    `yaml:"page"`
	DPI   int    `yaml:"dpi"`
	Video string `yaml:"video"`
	Audio string `yaml:"audio"`
}

type OutputConfig struct {
	Dir        string `yaml:"dir"`
	Format     string `yaml:"format"`
	Boomerang  bool   `yaml:"boomerang"`
	QR         bool   `yaml:"qr"`
	KeepFrames bool   `yaml:"keep_frames"`
}

// SceneConfig configures scene detection for video-synced prompts.
type SceneConfig struct {
	Detector  string  `yaml:"detector"`
	Threshold float64 `yaml:"threshold"`
}

type TrackerConfig struct {
	// Path of the SQLite run registry. Empty disables tracking.
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Width:     512,
		Height:    512,
		FPS:       10,
		MaxFrames: 10000,
		Workers:   runtime.NumCPU(),
		Model: ModelConfig{
			Variant:        "text2img",
			BaseURL:        "http://localhost:7860",
			Timeout:        10 * time.Minute,
			Steps:          50,
			GuidanceScale:  7.5,
			Strength:       0.5,
			LatentChannels: 4,
			LatentScale:    8,
		},
		Encoder: EncoderConfig{
			BaseURL: "http://localhost:7860",
			Model:   "openai/clip-vit-large-patch14",
			Timeout: time.Minute,
			Cache:   RedisConfig{TTL: 24 * time.Hour},
		},
		PromptMode: "embeddings",
		Timing:     TimingConfig{Mode: "uniform", Easing: "linear", AudioComponent: "both"},
		Batch:      BatchConfig{Size: 1, Tail: "shrink"},
		Input:      InputConfig{Page: 1, DPI: 150},
		Output:     OutputConfig{Dir: "output", Format: "gif"},
		Scenes:     SceneConfig{Detector: "difference", Threshold: 0.3},
		Metrics:    MetricsConfig{Namespace: "giffusion"},
		Log:        LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads a YAML file over Default. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges and input exclusivity. Enum-valued fields are
// checked where they are parsed.
func (c *Config) Validate() error {
	if err := keyframe.CheckInputs(c.Input.Image, c.Input.Video); err != nil {
		return err
	}
	if c.Prompts == "" && c.PromptsFile == "" {
		return fmt.Errorf("no prompts: set prompts or prompts_file")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid size %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %v", c.FPS)
	}
	if c.MaxFrames <= 0 {
		return fmt.Errorf("max_frames must be positive, got %d", c.MaxFrames)
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.Batch.Size)
	}
	if c.Model.LatentChannels <= 0 || c.Model.LatentScale <= 0 {
		return fmt.Errorf("invalid latent geometry: channels=%d scale=%d", c.Model.LatentChannels, c.Model.LatentScale)
	}
	if c.Width%c.Model.LatentScale != 0 || c.Height%c.Model.LatentScale != 0 {
		return fmt.Errorf("size %dx%d is not a multiple of the latent scale %d", c.Width, c.Height, c.Model.LatentScale)
	}
	if c.Model.Strength < 0 || c.Model.Strength > 1 {
		return fmt.Errorf("strength must be in [0,1], got %v", c.Model.Strength)
	}
	if c.Timing.Mode == "audio" && c.Input.Audio == "" {
		return fmt.Errorf("audio timing needs an audio input")
	}
	if c.Output.Format != "gif" && c.Output.Format != "mp4" {
		return fmt.Errorf("unknown output format: %s", c.Output.Format)
	}
	return nil
}

// LatentShape is the shape of one frame's initial latent.
func (c *Config) LatentShape() []int {
	s := c.Model.LatentScale
	return []int{1, c.Model.LatentChannels, c.Height / s, c.Width / s}
}
