// Package config loads scanner service configuration from a JSON defaults
// file. Fields are pointer-typed so partial configs are safe: anything
// omitted falls back to the compiled-in default via the Get* accessors.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical scanner defaults file.
const DefaultConfigPath = "config/scanner.defaults.json"

// ScannerConfig is the root configuration for the capture guidance and
// scan pipeline. The schema matches the /api/config endpoint so the same
// JSON serves startup configuration and runtime inspection.
type ScannerConfig struct {
	// Stability detector params
	StabilityWindowSize    *int     `json:"stability_window_size,omitempty"`
	StabilityVarianceLimit *float64 `json:"stability_variance_limit,omitempty"`
	StabilityDwell         *string  `json:"stability_dwell,omitempty"` // duration string like "750ms"

	// Frame validator params
	SkinBandLow       *int     `json:"skin_band_low,omitempty"`
	SkinBandHigh      *int     `json:"skin_band_high,omitempty"`
	SkinRatioMin      *float64 `json:"skin_ratio_min,omitempty"`
	AspectRatioMin    *float64 `json:"aspect_ratio_min,omitempty"`
	AspectRatioMax    *float64 `json:"aspect_ratio_max,omitempty"`
	FootHintThreshold *float64 `json:"foot_hint_threshold,omitempty"`

	// Capture session params
	CapturePositions []string `json:"capture_positions,omitempty"`

	// Lifecycle params
	AnalyzerTimeout *string `json:"analyzer_timeout,omitempty"` // duration string like "120s"
	AnalyzerURL     *string `json:"analyzer_url,omitempty"`
	MaxRetries      *int    `json:"max_retries,omitempty"`

	// Service params
	Listen *string `json:"listen,omitempty"`
	DBPath *string `json:"db_path,omitempty"`
}

// Empty returns a ScannerConfig with all fields unset.
func Empty() *ScannerConfig {
	return &ScannerConfig{}
}

// Load reads a ScannerConfig from a JSON file. The path must have a .json
// extension and the file must be under 1MB. Omitted fields retain their
// compiled-in defaults.
func Load(path string) (*ScannerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that set fields carry usable values.
func (c *ScannerConfig) Validate() error {
	if c.StabilityWindowSize != nil && *c.StabilityWindowSize < 2 {
		return fmt.Errorf("stability_window_size must be >= 2, got %d", *c.StabilityWindowSize)
	}
	if c.StabilityVarianceLimit != nil && *c.StabilityVarianceLimit <= 0 {
		return fmt.Errorf("stability_variance_limit must be positive, got %f", *c.StabilityVarianceLimit)
	}
	if c.StabilityDwell != nil {
		if _, err := time.ParseDuration(*c.StabilityDwell); err != nil {
			return fmt.Errorf("invalid stability_dwell: %w", err)
		}
	}
	if c.SkinRatioMin != nil && (*c.SkinRatioMin <= 0 || *c.SkinRatioMin >= 1) {
		return fmt.Errorf("skin_ratio_min must be in (0,1), got %f", *c.SkinRatioMin)
	}
	if c.AspectRatioMin != nil && c.AspectRatioMax != nil && *c.AspectRatioMin >= *c.AspectRatioMax {
		return fmt.Errorf("aspect_ratio_min %f must be below aspect_ratio_max %f",
			*c.AspectRatioMin, *c.AspectRatioMax)
	}
	if c.AnalyzerTimeout != nil {
		if _, err := time.ParseDuration(*c.AnalyzerTimeout); err != nil {
			return fmt.Errorf("invalid analyzer_timeout: %w", err)
		}
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", *c.MaxRetries)
	}
	if len(c.CapturePositions) > 0 {
		seen := make(map[string]bool, len(c.CapturePositions))
		for _, p := range c.CapturePositions {
			if p == "" {
				return fmt.Errorf("capture_positions contains an empty position name")
			}
			if seen[p] {
				return fmt.Errorf("capture_positions contains duplicate %q", p)
			}
			seen[p] = true
		}
	}
	return nil
}

// Accessors with compiled-in fallback defaults.

func (c *ScannerConfig) GetStabilityWindowSize() int {
	if c.StabilityWindowSize != nil {
		return *c.StabilityWindowSize
	}
	return 20
}

func (c *ScannerConfig) GetStabilityVarianceLimit() float64 {
	if c.StabilityVarianceLimit != nil {
		return *c.StabilityVarianceLimit
	}
	return 0.05
}

func (c *ScannerConfig) GetStabilityDwell() time.Duration {
	if c.StabilityDwell != nil {
		if d, err := time.ParseDuration(*c.StabilityDwell); err == nil {
			return d
		}
	}
	return 750 * time.Millisecond
}

func (c *ScannerConfig) GetSkinBandLow() int {
	if c.SkinBandLow != nil {
		return *c.SkinBandLow
	}
	return 80
}

func (c *ScannerConfig) GetSkinBandHigh() int {
	if c.SkinBandHigh != nil {
		return *c.SkinBandHigh
	}
	return 220
}

func (c *ScannerConfig) GetSkinRatioMin() float64 {
	if c.SkinRatioMin != nil {
		return *c.SkinRatioMin
	}
	return 0.15
}

func (c *ScannerConfig) GetAspectRatioMin() float64 {
	if c.AspectRatioMin != nil {
		return *c.AspectRatioMin
	}
	return 0.6
}

func (c *ScannerConfig) GetAspectRatioMax() float64 {
	if c.AspectRatioMax != nil {
		return *c.AspectRatioMax
	}
	return 1.8
}

func (c *ScannerConfig) GetFootHintThreshold() float64 {
	if c.FootHintThreshold != nil {
		return *c.FootHintThreshold
	}
	return 0.6
}

func (c *ScannerConfig) GetCapturePositions() []string {
	if len(c.CapturePositions) > 0 {
		return c.CapturePositions
	}
	return []string{"front", "left", "right", "sole"}
}

func (c *ScannerConfig) GetAnalyzerTimeout() time.Duration {
	if c.AnalyzerTimeout != nil {
		if d, err := time.ParseDuration(*c.AnalyzerTimeout); err == nil {
			return d
		}
	}
	return 120 * time.Second
}

func (c *ScannerConfig) GetAnalyzerURL() string {
	if c.AnalyzerURL != nil {
		return *c.AnalyzerURL
	}
	return "http://localhost:9090/analyze"
}

func (c *ScannerConfig) GetMaxRetries() int {
	if c.MaxRetries != nil {
		return *c.MaxRetries
	}
	return 3
}

func (c *ScannerConfig) GetListen() string {
	if c.Listen != nil {
		return *c.Listen
	}
	return ":8080"
}

func (c *ScannerConfig) GetDBPath() string {
	if c.DBPath != nil {
		return *c.DBPath
	}
	return "footscan.db"
}
