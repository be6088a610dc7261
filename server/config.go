package server

import (
	"time"

	"github.com/xiaoyuanzhu-com/session-fleet/channel"
	"github.com/xiaoyuanzhu-com/session-fleet/config"
	"github.com/xiaoyuanzhu-com/session-fleet/db"
	"github.com/xiaoyuanzhu-com/session-fleet/fs"
	"github.com/xiaoyuanzhu-com/session-fleet/session"
	"github.com/xiaoyuanzhu-com/session-fleet/vendors"
	"github.com/xiaoyuanzhu-com/session-fleet/workers/health"
)

// Config holds server configuration
type Config struct {
	// Server infrastructure (immutable, requires restart)
	Port int
	Host string
	Env  string // "development" or "production"

	// Paths (immutable, requires restart)
	DataDir      string
	DatabasePath string
	SessionsDir  string
	ScratchDir   string
	UploadsDir   string

	// Channel driver
	ChannelDriver    string
	ChannelCommand   string
	ChannelBridgeURL string
	// ChannelFactory overrides the configured driver when set
	ChannelFactory channel.Factory

	// Lifecycle
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

	// OSS mirror
	OSSRegion          string
	OSSBucket          string
	OSSPrefix          string
	OSSAccessKeyID     string
	OSSAccessKeySecret string

	// Debug settings
	DBLogQueries bool
}

// FromAppConfig builds the server config from the environment-driven app config
func FromAppConfig(c *config.Config) *Config {
	return &Config{
		Port:         c.Port,
		Host:         c.Host,
		Env:          c.Env,
		DataDir:      c.DataDir,
		DatabasePath: c.DatabasePath,
		SessionsDir:  c.SessionsDir,
		ScratchDir:   c.ScratchDir,
		UploadsDir:   c.UploadsDir,

		ChannelDriver:    c.ChannelDriver,
		ChannelCommand:   c.ChannelCommand,
		ChannelBridgeURL: c.ChannelBridgeURL,

		ReconnectAttempts: c.ReconnectAttempts,
		ConflictCooldown:  c.ConflictCooldown,
		InitTimeout:       c.InitTimeout,
		StuckThreshold:    c.StuckThreshold,
		StuckRetryDelay:   c.StuckRetryDelay,
		NetworkRetryDelay: c.NetworkRetryDelay,
		ReadyWait:         c.ReadyWait,
		SendAttempts:      c.SendAttempts,
		MediaSendRetry:    c.MediaSendRetry,
		MediaTimeout:      c.MediaTimeout,
		QueueSize:         c.QueueSize,
		QueueWorkers:      c.QueueWorkers,

		ConnectivityInterval: c.ConnectivityInterval,
		BackupInterval:       c.BackupInterval,
		StuckInterval:        c.StuckInterval,
		SyncInterval:         c.SyncInterval,
		BackupDebounce:       c.BackupDebounce,

		IORetries:    c.IORetries,
		IORetryDelay: c.IORetryDelay,

		ReplayConcurrency: c.ReplayConcurrency,
		ReplayRate:        c.ReplayRate,

		OSSRegion:          c.OSSRegion,
		OSSBucket:          c.OSSBucket,
		OSSPrefix:          c.OSSPrefix,
		OSSAccessKeyID:     c.OSSAccessKeyID,
		OSSAccessKeySecret: c.OSSAccessKeySecret,

		DBLogQueries: c.DBLogQueries,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// ToDBConfig converts server config to database config
func (c *Config) ToDBConfig() db.Config {
	return db.Config{
		Path:            c.DatabasePath,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 0, // Never expire
		LogQueries:      c.DBLogQueries,
	}
}

// ToDriverConfig converts server config to channel driver config
func (c *Config) ToDriverConfig() channel.DriverConfig {
	return channel.DriverConfig{
		Driver:    c.ChannelDriver,
		Command:   c.ChannelCommand,
		BridgeURL: c.ChannelBridgeURL,
	}
}

// ToSessionConfig converts server config to session manager config
func (c *Config) ToSessionConfig() session.Config {
	cfg := session.DefaultConfig(c.DataDir)
	cfg.SessionsDir = c.SessionsDir
	cfg.ScratchDir = c.ScratchDir
	cfg.ReconnectAttempts = c.ReconnectAttempts
	cfg.ConflictCooldown = c.ConflictCooldown
	cfg.InitTimeout = c.InitTimeout
	cfg.StuckThreshold = c.StuckThreshold
	cfg.StuckRetryDelay = c.StuckRetryDelay
	cfg.NetworkRetryDelay = c.NetworkRetryDelay
	cfg.ReadyWait = c.ReadyWait
	cfg.SendAttempts = c.SendAttempts
	cfg.MediaSendRetry = c.MediaSendRetry
	cfg.MediaTimeout = c.MediaTimeout
	cfg.QueueSize = c.QueueSize
	cfg.QueueWorkers = c.QueueWorkers
	cfg.SyncInterval = c.SyncInterval
	cfg.BackupDebounce = c.BackupDebounce
	cfg.IORetry = fs.RetryPolicy{Attempts: c.IORetries, Delay: c.IORetryDelay}
	cfg.ReplayConcurrency = c.ReplayConcurrency
	cfg.ReplayRate = c.ReplayRate
	return cfg
}

// ToMonitorConfig converts server config to health monitor config
func (c *Config) ToMonitorConfig() health.Config {
	return health.Config{
		ConnectivityInterval: c.ConnectivityInterval,
		BackupInterval:       c.BackupInterval,
		StuckInterval:        c.StuckInterval,
		StuckThreshold:       c.StuckThreshold,
		Concurrency:          c.ReplayConcurrency,
	}
}

// ToOSSConfig converts server config to the backup mirror config
func (c *Config) ToOSSConfig() vendors.OSSConfig {
	return vendors.OSSConfig{
		Region:          c.OSSRegion,
		Bucket:          c.OSSBucket,
		Prefix:          c.OSSPrefix,
		AccessKeyID:     c.OSSAccessKeyID,
		AccessKeySecret: c.OSSAccessKeySecret,
	}
}
