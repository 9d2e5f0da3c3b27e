// Package config loads rollcall settings from defaults, an optional YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/rollcall/internal/logging"
)

// Config is the complete application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Model      ModelConfig      `yaml:"model"`
	Camera     CameraConfig     `yaml:"camera"`
	Matching   MatchingConfig   `yaml:"matching"`
	Attendance AttendanceConfig `yaml:"attendance"`
	Scan       ScanConfig       `yaml:"scan"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DatabaseConfig holds the PostgreSQL connection string.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// ModelConfig configures the Python model worker.
type ModelConfig struct {
	Python            string        `yaml:"python"`
	Script            string        `yaml:"script"`
	Timeout           time.Duration `yaml:"timeout"`
	MinFaceConfidence float64       `yaml:"min_face_confidence"`
}

// CameraConfig configures frame capture.
type CameraConfig struct {
	Indices     []int         `yaml:"indices"`
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	FPS         int           `yaml:"fps"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	FramesDir   string        `yaml:"frames_dir"`
	SourceID    string        `yaml:"source_id"`
}

// MatchingConfig holds the similarity thresholds.
type MatchingConfig struct {
	RecognitionThreshold  float64 `yaml:"recognition_threshold"`
	VerificationThreshold float64 `yaml:"verification_threshold"`
	TopK                  int     `yaml:"top_k"`
}

// AttendanceConfig sets the zone that defines a calendar day.
type AttendanceConfig struct {
	Timezone string `yaml:"timezone"`
}

// ScanConfig tunes the scan command loop.
type ScanConfig struct {
	PollRate    float64 `yaml:"poll_rate"`
	SnapshotDir string  `yaml:"snapshot_dir"`
}

// MetricsConfig sets the Prometheus listen address. Empty disables the endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Model: ModelConfig{
			Python:            "python3",
			Script:            "python/worker.py",
			Timeout:           5 * time.Second,
			MinFaceConfidence: 0.85,
		},
		Camera: CameraConfig{
			Indices:     []int{0, 1, 2},
			Width:       640,
			Height:      480,
			FPS:         15,
			OpenTimeout: 5 * time.Second,
			ReadTimeout: 2 * time.Second,
		},
		Matching: MatchingConfig{
			RecognitionThreshold:  0.68,
			VerificationThreshold: 0.72,
			TopK:                  5,
		},
		Attendance: AttendanceConfig{Timezone: "Local"},
		Scan:       ScanConfig{PollRate: 5},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if any, with ${VAR}
// expansion), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = PostgresURLFromEnv()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// PostgresURLFromEnv assembles a connection string from POSTGRES_* variables, falling back to a
// local database.
func PostgresURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return "postgres://localhost:5432/rollcall"
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

func (c *Config) applyEnv() error {
	envString("ROLLCALL_DATABASE_URL", &c.Database.URL)
	envString("ROLLCALL_LOG_LEVEL", &c.Log.Level)
	envString("ROLLCALL_MODEL_SCRIPT", &c.Model.Script)
	envString("ROLLCALL_PYTHON", &c.Model.Python)
	envString("ROLLCALL_TIMEZONE", &c.Attendance.Timezone)
	envString("ROLLCALL_METRICS_ADDR", &c.Metrics.Addr)
	envString("ROLLCALL_SOURCE_ID", &c.Camera.SourceID)
	envString("ROLLCALL_FRAMES_DIR", &c.Camera.FramesDir)

	if err := envBool("ROLLCALL_LOG_JSON", &c.Log.JSON); err != nil {
		return err
	}
	if err := envFloat("ROLLCALL_RECOGNITION_THRESHOLD", &c.Matching.RecognitionThreshold); err != nil {
		return err
	}
	if err := envFloat("ROLLCALL_VERIFICATION_THRESHOLD", &c.Matching.VerificationThreshold); err != nil {
		return err
	}
	if err := envFloat("ROLLCALL_MIN_FACE_CONFIDENCE", &c.Model.MinFaceConfidence); err != nil {
		return err
	}
	if err := envDuration("ROLLCALL_MODEL_TIMEOUT", &c.Model.Timeout); err != nil {
		return err
	}
	if v := os.Getenv("ROLLCALL_CAMERA_INDICES"); v != "" {
		indices, err := ParseIndices(v)
		if err != nil {
			return fmt.Errorf("ROLLCALL_CAMERA_INDICES: %w", err)
		}
		c.Camera.Indices = indices
	}
	return nil
}

// ParseIndices parses a comma separated list of camera indices.
func ParseIndices(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid camera index %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Log,
		validation.Field(&c.Log.Level, validation.Required, validation.By(validLevel)),
	); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := validation.ValidateStruct(&c.Database,
		validation.Field(&c.Database.URL, validation.Required),
	); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := validation.ValidateStruct(&c.Model,
		validation.Field(&c.Model.Script, validation.Required),
		validation.Field(&c.Model.Timeout, validation.Required, validation.Min(10*time.Millisecond)),
		validation.Field(&c.Model.MinFaceConfidence, validation.Min(0.0), validation.Max(1.0)),
	); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := validation.ValidateStruct(&c.Camera,
		validation.Field(&c.Camera.Indices, validation.When(c.Camera.FramesDir == "", validation.Required)),
		validation.Field(&c.Camera.Width, validation.Min(0)),
		validation.Field(&c.Camera.Height, validation.Min(0)),
		validation.Field(&c.Camera.FPS, validation.Min(0), validation.Max(120)),
	); err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	if err := validation.ValidateStruct(&c.Matching,
		validation.Field(&c.Matching.RecognitionThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.Matching.VerificationThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.Matching.TopK, validation.Required, validation.Min(1), validation.Max(100)),
	); err != nil {
		return fmt.Errorf("matching: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("attendance: %w", err)
	}
	if err := validation.ValidateStruct(&c.Scan,
		validation.Field(&c.Scan.PollRate, validation.Required, validation.Min(0.1), validation.Max(60.0)),
	); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

func validLevel(value interface{}) error {
	s, _ := value.(string)
	_, err := logging.ParseLevel(s)
	return err
}

// Warnings lists settings that are legal but probably unintended.
func (c *Config) Warnings() []string {
	var out []string
	if c.Matching.VerificationThreshold < c.Matching.RecognitionThreshold {
		out = append(out, fmt.Sprintf("verification threshold %.2f is below recognition threshold %.2f",
			c.Matching.VerificationThreshold, c.Matching.RecognitionThreshold))
	}
	if c.Model.MinFaceConfidence == 0 {
		out = append(out, "minimum face confidence is 0; every detection will be embedded")
	}
	return out
}

// Location resolves the attendance time zone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Attendance.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		loc, err := time.LoadLocation(c.Attendance.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", c.Attendance.Timezone, err)
		}
		return loc, nil
	}
}
