package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"camstream/internal/camera"
)

// Config holds all application configuration
type Config struct {
	// HTTP Server
	HTTPAddr string `yaml:"httpAddr" validate:"required"`

	// Camera: either a full URL or its parts
	CameraURL      string        `yaml:"cameraUrl"`
	CameraHost     string        `yaml:"cameraHost" validate:"required_without=CameraURL"`
	CameraPort     int           `yaml:"cameraPort" validate:"min=0,max=65535"`
	CameraPath     string        `yaml:"cameraPath"`
	CameraUser     string        `yaml:"cameraUser"`
	CameraPassword string        `yaml:"cameraPassword"`
	CameraMode     string        `yaml:"cameraMode" validate:"oneof=cache direct"`
	DrainReads     int           `yaml:"drainReads" validate:"min=1,max=100"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" validate:"gt=0"`

	// Acquisition loop
	ReconnectMaxAttempts int `yaml:"reconnectMaxAttempts" validate:"min=0"`

	// Sessions. MaxSessionDuration 0 means no limit, MaxConsecutiveFailures 0 retries forever.
	PollInterval           time.Duration `yaml:"pollInterval" validate:"gt=0"`
	FrameInterval          time.Duration `yaml:"frameInterval" validate:"gt=0"`
	MaxSessionDuration     time.Duration `yaml:"maxSessionDuration" validate:"min=0"`
	MaxConsecutiveFailures int           `yaml:"maxConsecutiveFailures" validate:"min=0"`
	JPEGQuality            int           `yaml:"jpegQuality" validate:"min=1,max=100"`

	// Motion
	MotionCadence       time.Duration `yaml:"motionCadence" validate:"gt=0"`
	MotionDiffThreshold int           `yaml:"motionDiffThreshold" validate:"min=1,max=255"`
	MotionMinArea       int           `yaml:"motionMinArea" validate:"gt=0"`
	WatchEnabled        bool          `yaml:"watchEnabled"`
	WatchInterval       time.Duration `yaml:"watchInterval" validate:"gt=0"`

	// Storage
	StorageType   string `yaml:"storageType" validate:"oneof=local gcs"`
	StorageDir    string `yaml:"storageDir" validate:"required_if=StorageType local"`
	GCSProjectID  string `yaml:"gcsProjectId"`
	GCSBucketName string `yaml:"gcsBucketName" validate:"required_if=StorageType gcs"`
	GCSBaseDir    string `yaml:"gcsBaseDir"`
	MaxStills     int    `yaml:"maxStills" validate:"min=0"`

	// Logging
	LogLevel string `yaml:"logLevel" validate:"oneof=trace debug info warn warning error"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HTTPAddr:            ":8080",
		CameraMode:          "cache",
		DrainReads:          camera.DefaultDrainReads,
		ConnectTimeout:      10 * time.Second,
		PollInterval:        50 * time.Millisecond,
		FrameInterval:       33 * time.Millisecond,
		MaxSessionDuration:  3 * time.Minute,
		JPEGQuality:         80,
		MotionCadence:       5 * time.Second,
		MotionDiffThreshold: 50,
		MotionMinArea:       5000,
		WatchEnabled:        true,
		WatchInterval:       time.Second,
		StorageType:         "local",
		StorageDir:          "./data/stills",
		MaxStills:           50,
		LogLevel:            "info",
	}
}

// Load loads configuration from defaults, then CONFIG_FILE (YAML) if set, then environment variables
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)

	c.CameraURL = getEnv("CAMERA_URL", c.CameraURL)
	c.CameraHost = getEnv("CAMERA_HOST", c.CameraHost)
	c.CameraPort = getIntEnv("CAMERA_PORT", c.CameraPort)
	c.CameraPath = getEnv("CAMERA_PATH", c.CameraPath)
	c.CameraUser = getEnv("CAMERA_USER", c.CameraUser)
	c.CameraPassword = getEnv("CAMERA_PASSWORD", c.CameraPassword)
	c.CameraMode = getEnv("CAMERA_MODE", c.CameraMode)
	c.DrainReads = getIntEnv("DRAIN_READS", c.DrainReads)
	c.ConnectTimeout = getDurationEnv("CONNECT_TIMEOUT", c.ConnectTimeout)

	c.ReconnectMaxAttempts = getIntEnv("RECONNECT_MAX_ATTEMPTS", c.ReconnectMaxAttempts)

	c.PollInterval = getDurationEnv("POLL_INTERVAL", c.PollInterval)
	c.FrameInterval = getDurationEnv("FRAME_INTERVAL", c.FrameInterval)
	c.MaxSessionDuration = getDurationEnv("MAX_SESSION_DURATION", c.MaxSessionDuration)
	c.MaxConsecutiveFailures = getIntEnv("MAX_CONSECUTIVE_FAILURES", c.MaxConsecutiveFailures)
	c.JPEGQuality = getIntEnv("JPEG_QUALITY", c.JPEGQuality)

	c.MotionCadence = getDurationEnv("MOTION_CADENCE", c.MotionCadence)
	c.MotionDiffThreshold = getIntEnv("MOTION_DIFF_THRESHOLD", c.MotionDiffThreshold)
	c.MotionMinArea = getIntEnv("MOTION_MIN_AREA", c.MotionMinArea)
	c.WatchEnabled = getBoolEnv("WATCH_ENABLED", c.WatchEnabled)
	c.WatchInterval = getDurationEnv("WATCH_INTERVAL", c.WatchInterval)

	c.StorageType = getEnv("STORAGE_TYPE", c.StorageType)
	c.StorageDir = getEnv("STORAGE_DIR", c.StorageDir)
	c.GCSProjectID = getEnv("GCS_PROJECT_ID", c.GCSProjectID)
	c.GCSBucketName = getEnv("GCS_BUCKET_NAME", c.GCSBucketName)
	c.GCSBaseDir = getEnv("GCS_BASE_DIR", c.GCSBaseDir)
	c.MaxStills = getIntEnv("MAX_STILLS", c.MaxStills)

	c.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", c.LogLevel))
}

// Validate checks field constraints and that the camera descriptor can be built
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.Descriptor(); err != nil {
		return fmt.Errorf("invalid camera configuration: %w", err)
	}
	return nil
}

// Descriptor builds the camera connection descriptor
func (c *Config) Descriptor() (camera.Descriptor, error) {
	if c.CameraURL != "" {
		return camera.ParseDescriptor(c.CameraURL)
	}

	return camera.ParseDescriptor(camera.Descriptor{
		Scheme:   "rtsp",
		Host:     c.CameraHost,
		Port:     c.CameraPort,
		Path:     c.CameraPath,
		Username: c.CameraUser,
		Password: c.CameraPassword,
	}.URL())
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
