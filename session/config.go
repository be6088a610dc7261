package session

import (
	"path/filepath"
	"time"

	"github.com/xiaoyuanzhu-com/session-fleet/fs"
)

// Config holds the lifecycle tuning for a Manager
type Config struct {
	SessionsDir string
	ScratchDir  string

	ReconnectAttempts int
	ConflictCooldown  time.Duration
	InitTimeout       time.Duration
	StuckThreshold    time.Duration
	StuckRetryDelay   time.Duration
	NetworkRetryDelay time.Duration
	DestroyTimeout    time.Duration

	ReadyWait      time.Duration
	SendAttempts   int
	MediaSendRetry bool
	MediaTimeout   time.Duration
	QueueSize      int
	QueueWorkers   int

	SyncInterval   time.Duration
	BackupDebounce time.Duration
	// CatchUpLimit is how many recent messages each active conversation is
	// re-read for on sync; 0 disables catch-up
	CatchUpLimit int

	IORetry fs.RetryPolicy

	ReplayConcurrency int
	ReplayRate        float64
}

// DefaultConfig returns the production defaults rooted at dataDir
func DefaultConfig(dataDir string) Config {
	return Config{
		SessionsDir:       filepath.Join(dataDir, "sessions"),
		ScratchDir:        filepath.Join(dataDir, "tmp"),
		ReconnectAttempts: 3,
		ConflictCooldown:  5 * time.Second,
		InitTimeout:       90 * time.Second,
		StuckThreshold:    5 * time.Minute,
		StuckRetryDelay:   5 * time.Second,
		NetworkRetryDelay: 30 * time.Second,
		DestroyTimeout:    15 * time.Second,
		ReadyWait:         30 * time.Second,
		SendAttempts:      3,
		MediaSendRetry:    true,
		MediaTimeout:      30 * time.Second,
		QueueSize:         256,
		QueueWorkers:      4,
		SyncInterval:      60 * time.Second,
		BackupDebounce:    30 * time.Second,
		CatchUpLimit:      10,
		IORetry:           fs.DefaultRetryPolicy(),
		ReplayConcurrency: 4,
		ReplayRate:        2,
	}
}

// WorkDir is the tenant's working directory
func (c Config) WorkDir(tenantID string) string {
	return filepath.Join(c.SessionsDir, tenantID)
}
