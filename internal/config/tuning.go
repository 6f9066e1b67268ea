package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical counting defaults file.
const DefaultConfigPath = "config/counting.defaults.json"

// CountingConfig holds the tracker and crossing-counter thresholds.
// Every field is optional; the Get* accessors supply defaults for fields
// left unset, so partial files are safe. The schema matches the body of
// PUT /api/config so the same document serves startup and hot reload.
type CountingConfig struct {
	// Frame resolution (pixels)
	FrameWidth  *int `json:"frame_width,omitempty" yaml:"frame_width,omitempty" validate:"omitempty,gt=0"`
	FrameHeight *int `json:"frame_height,omitempty" yaml:"frame_height,omitempty" validate:"omitempty,gt=0"`

	// Tracker params
	MaxDistance         *float64 `json:"max_distance,omitempty" yaml:"max_distance,omitempty" validate:"omitempty,gt=0"`
	MaxDistanceFraction *float64 `json:"max_distance_fraction,omitempty" yaml:"max_distance_fraction,omitempty" validate:"omitempty,gt=0,lte=1"`
	MaxDisappeared      *int     `json:"max_disappeared,omitempty" yaml:"max_disappeared,omitempty"`
	TrajectoryWindow    *int     `json:"trajectory_window,omitempty" yaml:"trajectory_window,omitempty" validate:"omitempty,gte=2"`

	// Counter params
	MinTrajectoryPoints       *int     `json:"min_trajectory_points,omitempty" yaml:"min_trajectory_points,omitempty" validate:"omitempty,gte=2"`
	MovementThreshold         *float64 `json:"movement_threshold,omitempty" yaml:"movement_threshold,omitempty"`
	MovementThresholdFraction *float64 `json:"movement_threshold_fraction,omitempty" yaml:"movement_threshold_fraction,omitempty" validate:"omitempty,lte=1"`
	BoundaryX                 *float64 `json:"boundary_x,omitempty" yaml:"boundary_x,omitempty"`

	// Pipeline params
	EventBuffer  *int `json:"event_buffer,omitempty" yaml:"event_buffer,omitempty" validate:"omitempty,gt=0"`
	RecentEvents *int `json:"recent_events,omitempty" yaml:"recent_events,omitempty" validate:"omitempty,gte=0"`
	// Frames arriving this far or less below the last index are stale and
	// dropped; a larger backwards jump means the detector restarted.
	ReorderWindow *int `json:"reorder_window,omitempty" yaml:"reorder_window,omitempty" validate:"omitempty,gt=0"`

	// Alert params
	CrowdLimit    *int     `json:"crowd_limit,omitempty" yaml:"crowd_limit,omitempty" validate:"omitempty,gte=0"`
	WarningRatio  *float64 `json:"warning_ratio,omitempty" yaml:"warning_ratio,omitempty" validate:"omitempty,gt=0,lte=1"`
	AlertCooldown *string  `json:"alert_cooldown,omitempty" yaml:"alert_cooldown,omitempty"` // duration string like "30s"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Float64 returns a pointer to v. Intended for callers building configs in code.
func Float64(v float64) *float64 { return ptrFloat64(v) }

// Int returns a pointer to v.
func Int(v int) *int { return ptrInt(v) }

// String returns a pointer to v.
func String(v string) *string { return ptrString(v) }

// EmptyConfig returns a CountingConfig with all fields unset. Every Get*
// accessor on it returns the built-in default.
func EmptyConfig() *CountingConfig {
	return &CountingConfig{}
}

var validate = validator.New()

// LoadConfig loads a CountingConfig from a .json, .yaml or .yml file.
// The file must be under 1MB. Fields omitted from the file keep their
// defaults. The result has already passed Validate.
func LoadConfig(path string) (*CountingConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", ext, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root. Panics if the file
// cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *CountingConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate rejects configurations the pipeline must never run with.
// Struct-tag rules cover simple ranges; the cross-field rules are checked
// against the effective (defaulted) values.
func (c *CountingConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.MaxDisappeared != nil && *c.MaxDisappeared <= 0 {
		return fmt.Errorf("max_disappeared must be positive, got %d", *c.MaxDisappeared)
	}
	if c.MovementThreshold != nil && (*c.MovementThreshold < 0 || math.IsNaN(*c.MovementThreshold)) {
		return fmt.Errorf("movement_threshold must be non-negative, got %f", *c.MovementThreshold)
	}
	if c.MovementThresholdFraction != nil && *c.MovementThresholdFraction < 0 {
		return fmt.Errorf("movement_threshold_fraction must be non-negative, got %f", *c.MovementThresholdFraction)
	}
	if c.GetMinTrajectoryPoints() > c.GetTrajectoryWindow() {
		return fmt.Errorf("min_trajectory_points (%d) exceeds trajectory_window (%d)",
			c.GetMinTrajectoryPoints(), c.GetTrajectoryWindow())
	}
	if c.BoundaryX != nil {
		bx := *c.BoundaryX
		if math.IsNaN(bx) || bx <= 0 || bx >= float64(c.GetFrameWidth()) {
			return fmt.Errorf("boundary_x must lie strictly inside the frame (0, %d), got %f", c.GetFrameWidth(), bx)
		}
	}
	if c.AlertCooldown != nil && *c.AlertCooldown != "" {
		if _, err := time.ParseDuration(*c.AlertCooldown); err != nil {
			return fmt.Errorf("invalid alert_cooldown '%s': %w", *c.AlertCooldown, err)
		}
	}
	return nil
}

// GetFrameWidth returns the frame_width value or the default.
func (c *CountingConfig) GetFrameWidth() int {
	if c.FrameWidth == nil {
		return 1280
	}
	return *c.FrameWidth
}

// GetFrameHeight returns the frame_height value or the default.
func (c *CountingConfig) GetFrameHeight() int {
	if c.FrameHeight == nil {
		return 720
	}
	return *c.FrameHeight
}

// GetMaxDistance returns the association distance in pixels. When
// max_distance_fraction is set it wins and is scaled by the frame width.
func (c *CountingConfig) GetMaxDistance() float64 {
	if c.MaxDistanceFraction != nil {
		return *c.MaxDistanceFraction * float64(c.GetFrameWidth())
	}
	if c.MaxDistance == nil {
		return 80
	}
	return *c.MaxDistance
}

// GetMaxDisappeared returns the max_disappeared value or the default.
func (c *CountingConfig) GetMaxDisappeared() int {
	if c.MaxDisappeared == nil {
		return 15
	}
	return *c.MaxDisappeared
}

// GetTrajectoryWindow returns the trajectory_window value or the default.
func (c *CountingConfig) GetTrajectoryWindow() int {
	if c.TrajectoryWindow == nil {
		return 10
	}
	return *c.TrajectoryWindow
}

// GetMinTrajectoryPoints returns the min_trajectory_points value or the default.
func (c *CountingConfig) GetMinTrajectoryPoints() int {
	if c.MinTrajectoryPoints == nil {
		return 3
	}
	return *c.MinTrajectoryPoints
}

// GetMovementThreshold returns the effective minimum horizontal
// displacement: the larger of the absolute threshold (default 80px) and
// the fraction of frame width (default 0.15).
func (c *CountingConfig) GetMovementThreshold() float64 {
	abs := 80.0
	if c.MovementThreshold != nil {
		abs = *c.MovementThreshold
	}
	frac := 0.15
	if c.MovementThresholdFraction != nil {
		frac = *c.MovementThresholdFraction
	}
	return math.Max(abs, frac*float64(c.GetFrameWidth()))
}

// GetBoundaryX returns boundary_x or the horizontal midpoint of the frame.
func (c *CountingConfig) GetBoundaryX() float64 {
	if c.BoundaryX == nil {
		return float64(c.GetFrameWidth()) / 2
	}
	return *c.BoundaryX
}

// GetEventBuffer returns the event_buffer value or the default.
func (c *CountingConfig) GetEventBuffer() int {
	if c.EventBuffer == nil {
		return 256
	}
	return *c.EventBuffer
}

// GetReorderWindow returns the reorder_window value or the default.
func (c *CountingConfig) GetReorderWindow() int {
	if c.ReorderWindow == nil {
		return 30
	}
	return *c.ReorderWindow
}

// GetRecentEvents returns the recent_events value or the default.
func (c *CountingConfig) GetRecentEvents() int {
	if c.RecentEvents == nil {
		return 50
	}
	return *c.RecentEvents
}

// GetCrowdLimit returns the crowd_limit value or the default. Zero disables alerts.
func (c *CountingConfig) GetCrowdLimit() int {
	if c.CrowdLimit == nil {
		return 100
	}
	return *c.CrowdLimit
}

// GetWarningRatio returns the warning_ratio value or the default.
func (c *CountingConfig) GetWarningRatio() float64 {
	if c.WarningRatio == nil {
		return 0.8
	}
	return *c.WarningRatio
}

// GetAlertCooldown parses and returns the AlertCooldown as a time.Duration.
func (c *CountingConfig) GetAlertCooldown() time.Duration {
	if c.AlertCooldown == nil || *c.AlertCooldown == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(*c.AlertCooldown)
	if err != nil {
		return 30 * time.Second // default on parse error
	}
	return d
}
