package oracle

import (
	"fmt"
	"time"
)

// Provider names.
const (
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// Config configures the language model behind both oracles.
type Config struct {
	// Provider selects the model backend: "openai" or "none".
	Provider string `yaml:"provider" validate:"oneof=openai none"`

	// Model is used for reasoning requests.
	Model string `yaml:"model"`

	// VisionModel is used for perception requests. Defaults to Model.
	VisionModel string `yaml:"vision_model"`

	// BaseURL points the client at an OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `yaml:"max_tokens" validate:"gte=0"`

	// ScreenshotCommand captures the screen for perception. A "{output}"
	// placeholder is replaced with a temporary file path; without one the
	// command must write the image to stdout.
	ScreenshotCommand string `yaml:"screenshot_command"`

	// SystemContext adds a host snapshot to planning requests.
	SystemContext bool `yaml:"system_context"`

	// ScreenContext adds a screen description to planning requests.
	ScreenContext bool `yaml:"screen_context"`

	// CaptureTimeout bounds one screenshot command.
	CaptureTimeout time.Duration `yaml:"capture_timeout"`
}

// DefaultConfig returns the default oracle configuration.
func DefaultConfig() Config {
	return Config{
		Provider:       ProviderOpenAI,
		Model:          "gpt-4o-mini",
		VisionModel:    "gpt-4o",
		Temperature:    0.2,
		MaxTokens:      2048,
		SystemContext:  true,
		CaptureTimeout: 10 * time.Second,
	}
}

func (c Config) visionModel() string {
	if c.VisionModel != "" {
		return c.VisionModel
	}
	return c.Model
}

func (c Config) validateProvider() error {
	switch c.Provider {
	case ProviderOpenAI, ProviderNone:
		return nil
	default:
		return fmt.Errorf("unknown oracle provider %q", c.Provider)
	}
}
