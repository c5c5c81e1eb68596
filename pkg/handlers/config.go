package handlers

import (
	"time"

	"github.com/openfroyo/pilot/pkg/remote"
)

// Config configures the capability handlers.
type Config struct {
	System   SystemConfig   `yaml:"system"`
	File     FileConfig     `yaml:"file"`
	Browser  BrowserConfig  `yaml:"browser"`
	Analysis AnalysisConfig `yaml:"analysis"`

	// Remote names SSH hosts that system and file steps may target.
	Remote remote.Config `yaml:"remote"`
}

// SystemConfig configures shell command execution.
type SystemConfig struct {
	Enabled bool `yaml:"enabled"`

	// Shell runs commands as "<shell> -c <command>".
	Shell string `yaml:"shell"`

	// WorkDir is the working directory for commands.
	WorkDir string `yaml:"work_dir"`

	// MaxOutputBytes truncates stdout and stderr.
	MaxOutputBytes int `yaml:"max_output_bytes" validate:"gte=0"`
}

// FileConfig configures file operations.
type FileConfig struct {
	Enabled bool `yaml:"enabled"`

	// Root confines every path. Relative step paths resolve against it.
	Root string `yaml:"root"`

	// MaxReadBytes truncates file reads.
	MaxReadBytes int64 `yaml:"max_read_bytes" validate:"gte=0"`
}

// BrowserConfig configures page fetching and browser automation.
type BrowserConfig struct {
	Enabled bool `yaml:"enabled"`

	// Headless runs Chrome without a window.
	Headless bool `yaml:"headless"`

	// ExecPath overrides the Chrome binary.
	ExecPath string `yaml:"exec_path"`

	// SearchURL is a format string receiving the escaped query.
	SearchURL string `yaml:"search_url"`

	UserAgent string `yaml:"user_agent"`

	// MaxContentChars truncates extracted page text.
	MaxContentChars int `yaml:"max_content_chars" validate:"gte=0"`

	// FetchTimeout bounds plain HTTP fetches.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// ScreenshotDir receives browser screenshots.
	ScreenshotDir string `yaml:"screenshot_dir"`
}

// AnalysisConfig configures host analysis.
type AnalysisConfig struct {
	Enabled bool `yaml:"enabled"`

	// TopProcesses is the default process list length.
	TopProcesses int `yaml:"top_processes" validate:"gte=0"`
}

// DefaultConfig returns handler defaults: every handler on, files rooted at
// the working directory.
func DefaultConfig() Config {
	return Config{
		System: SystemConfig{
			Enabled:        true,
			Shell:          "/bin/sh",
			MaxOutputBytes: 64 * 1024,
		},
		File: FileConfig{
			Enabled:      true,
			Root:         ".",
			MaxReadBytes: 1 << 20,
		},
		Browser: BrowserConfig{
			Enabled:         true,
			Headless:        true,
			SearchURL:       "https://html.duckduckgo.com/html/?q=%s",
			UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
			MaxContentChars: 50000,
			FetchTimeout:    30 * time.Second,
			ScreenshotDir:   "screenshots",
		},
		Analysis: AnalysisConfig{
			Enabled:      true,
			TopProcesses: 10,
		},
	}
}
