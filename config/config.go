package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port int
	Host string
	Env  string // "development" or "production"

	// Data directory
	DataDir string

	// Database
	DatabasePath string

	// Per-tenant working directories live under SessionsDir, scratch copies under ScratchDir
	SessionsDir string
	ScratchDir  string
	UploadsDir  string

	// Channel driver
	ChannelDriver    string // "subprocess" or "bridge"
	ChannelCommand   string
	ChannelBridgeURL string

	// Lifecycle tuning
	ReconnectAttempts int
	ConflictCooldown  time.Duration
	InitTimeout       time.Duration
	StuckThreshold    time.Duration
	StuckRetryDelay   time.Duration
	NetworkRetryDelay time.Duration
	ReadyWait         time.Duration
	SendAttempts      int
	MediaSendRetry    bool
	MediaTimeout      time.Duration
	QueueSize         int
	QueueWorkers      int

	// Sweeps and scheduled tasks
	ConnectivityInterval time.Duration
	BackupInterval       time.Duration
	StuckInterval        time.Duration
	SyncInterval         time.Duration
	BackupDebounce       time.Duration

	// Archive I/O retry
	IORetries    int
	IORetryDelay time.Duration

	// Startup replay
	ReplayConcurrency int
	ReplayRate        float64

	// Optional off-site backup mirror (Aliyun OSS)
	OSSRegion          string
	OSSBucket          string
	OSSPrefix          string
	OSSAccessKeyID     string
	OSSAccessKeySecret string

	// Debug settings
	LogLevel     string
	DBLogQueries bool
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the global configuration (singleton)
func Get() *Config {
	once.Do(func() {
		cfg = load()
	})
	return cfg
}

// load reads configuration from environment variables
func load() *Config {
	dataDir := getEnv("FLEET_DATA_DIR", "./data")

	return &Config{
		// Server
		Port: getEnvInt("PORT", 8080),
		Host: getEnv("HOST", "0.0.0.0"),
		Env:  getEnv("ENV", "development"),

		// Data
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "fleet.sqlite"),
		SessionsDir:  filepath.Join(dataDir, "sessions"),
		ScratchDir:   filepath.Join(dataDir, "tmp"),
		UploadsDir:   filepath.Join(dataDir, "uploads"),

		// Channel
		ChannelDriver:    getEnv("FLEET_CHANNEL_DRIVER", "subprocess"),
		ChannelCommand:   getEnv("FLEET_CHANNEL_COMMAND", "wa-bridge"),
		ChannelBridgeURL: getEnv("FLEET_CHANNEL_BRIDGE_URL", ""),

		// Lifecycle
		ReconnectAttempts: getEnvInt("FLEET_RECONNECT_ATTEMPTS", 3),
		ConflictCooldown:  getEnvDuration("FLEET_CONFLICT_COOLDOWN", 5*time.Second),
		InitTimeout:       getEnvDuration("FLEET_INIT_TIMEOUT", 90*time.Second),
		StuckThreshold:    getEnvDuration("FLEET_STUCK_THRESHOLD", 5*time.Minute),
		StuckRetryDelay:   getEnvDuration("FLEET_STUCK_RETRY_DELAY", 5*time.Second),
		NetworkRetryDelay: getEnvDuration("FLEET_NETWORK_RETRY_DELAY", 30*time.Second),
		ReadyWait:         getEnvDuration("FLEET_READY_WAIT", 30*time.Second),
		SendAttempts:      getEnvInt("FLEET_SEND_ATTEMPTS", 3),
		MediaSendRetry:    getEnvBool("FLEET_MEDIA_SEND_RETRY", true),
		MediaTimeout:      getEnvDuration("FLEET_MEDIA_TIMEOUT", 30*time.Second),
		QueueSize:         getEnvInt("FLEET_QUEUE_SIZE", 256),
		QueueWorkers:      getEnvInt("FLEET_QUEUE_WORKERS", 4),

		// Sweeps
		ConnectivityInterval: getEnvDuration("FLEET_CONNECTIVITY_INTERVAL", 10*time.Minute),
		BackupInterval:       getEnvDuration("FLEET_BACKUP_INTERVAL", time.Hour),
		StuckInterval:        getEnvDuration("FLEET_STUCK_INTERVAL", time.Minute),
		SyncInterval:         getEnvDuration("FLEET_SYNC_INTERVAL", 60*time.Second),
		BackupDebounce:       getEnvDuration("FLEET_BACKUP_DEBOUNCE", 30*time.Second),

		// Archive I/O
		IORetries:    getEnvInt("FLEET_IO_RETRIES", 5),
		IORetryDelay: getEnvDuration("FLEET_IO_RETRY_DELAY", time.Second),

		// Replay
		ReplayConcurrency: getEnvInt("FLEET_REPLAY_CONCURRENCY", 4),
		ReplayRate:        getEnvFloat("FLEET_REPLAY_RATE", 2),

		// OSS mirror
		OSSRegion:          getEnv("OSS_REGION", ""),
		OSSBucket:          getEnv("OSS_BUCKET", ""),
		OSSPrefix:          getEnv("OSS_PREFIX", "session-backups/"),
		OSSAccessKeyID:     getEnv("OSS_ACCESS_KEY_ID", ""),
		OSSAccessKeySecret: getEnv("OSS_ACCESS_KEY_SECRET", ""),

		// Debug
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		DBLogQueries: getEnv("DB_LOG_QUERIES", "") == "1",
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// MirrorEnabled reports whether the OSS backup mirror is configured
func (c *Config) MirrorEnabled() bool {
	return c.OSSBucket != "" && c.OSSAccessKeyID != "" && c.OSSAccessKeySecret != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "5m")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
