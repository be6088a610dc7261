package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/pbnjay/memory"
	"github.com/xiaoyuanzhu-com/session-fleet/db"
	"github.com/xiaoyuanzhu-com/session-fleet/fs"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
	"github.com/xiaoyuanzhu-com/session-fleet/metrics"
)

// BackupStore is the durable home of session archives
type BackupStore interface {
	Upsert(ctx context.Context, tenantID string, blob []byte, info db.DeviceInfo) error
	Find(ctx context.Context, tenantID string) (*db.SessionBackup, error)
	Delete(ctx context.Context, tenantID string) error
}

// Mirror is an optional off-site copy of every saved archive.
// Get returns nil bytes when the tenant has no mirrored archive.
type Mirror interface {
	Put(ctx context.Context, tenantID string, blob []byte) error
	Get(ctx context.Context, tenantID string) ([]byte, error)
	Delete(ctx context.Context, tenantID string) error
}

// BackupService saves and restores tenant working directories
type BackupService struct {
	cfg      Config
	registry *Registry
	store    BackupStore
	codec    *fs.ArchiveCodec
	mirror   Mirror
	metrics  *metrics.Metrics
}

// NewBackupService wires the store and codec. mirror may be nil.
func NewBackupService(cfg Config, registry *Registry, store BackupStore, codec *fs.ArchiveCodec, mirror Mirror, m *metrics.Metrics) *BackupService {
	return &BackupService{
		cfg:      cfg,
		registry: registry,
		store:    store,
		codec:    codec,
		mirror:   mirror,
		metrics:  m,
	}
}

// Save archives the tenant's working directory into the store.
// A save already running for the tenant makes this call a no-op that
// returns ErrSaveInProgress.
func (b *BackupService) Save(ctx context.Context, tenantID string) error {
	if err := ValidateTenantID(tenantID); err != nil {
		return err
	}
	if !b.registry.TryAcquireSave(tenantID) {
		log.Warn().Str("tenantId", tenantID).Msg("session save already in progress")
		b.metrics.SavesTotal.WithLabelValues("skipped").Inc()
		return ErrSaveInProgress
	}
	defer b.registry.ReleaseSave(tenantID)

	start := time.Now()
	err := b.save(ctx, tenantID)
	b.metrics.SaveDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		b.metrics.SavesTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to save session")
		return err
	}
	b.metrics.SavesTotal.WithLabelValues("ok").Inc()
	return nil
}

func (b *BackupService) save(ctx context.Context, tenantID string) error {
	workDir := b.cfg.WorkDir(tenantID)
	if !fs.DirExists(workDir) {
		return fmt.Errorf("%s: %w", workDir, ErrNoWorkDir)
	}

	scratch := filepath.Join(b.cfg.ScratchDir, tenantID+"-"+uuid.NewString())
	archivePath := scratch + ".zip"
	defer b.cleanup(tenantID, scratch, archivePath)

	// The live directory keeps changing under the client; archive a copy.
	if err := fs.CopyDirWithRetry(ctx, workDir, scratch, b.cfg.IORetry); err != nil {
		return fmt.Errorf("failed to copy working directory: %w", err)
	}
	if err := b.codec.Pack(ctx, scratch, archivePath); err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}
	blob, err := b.codec.ReadArchive(ctx, archivePath)
	if err != nil {
		return fmt.Errorf("failed to read session archive: %w", err)
	}

	if err := b.store.Upsert(ctx, tenantID, blob, CollectDeviceInfo()); err != nil {
		return fmt.Errorf("failed to store session backup: %w", err)
	}
	b.metrics.BackupBytes.Observe(float64(len(blob)))

	if b.mirror != nil {
		if err := b.mirror.Put(ctx, tenantID, blob); err != nil {
			log.Warn().Err(err).Str("tenantId", tenantID).Msg("failed to mirror session backup")
		}
	}

	log.Info().Str("tenantId", tenantID).Int("bytes", len(blob)).Msg("session saved")
	return nil
}

func (b *BackupService) cleanup(tenantID string, paths ...string) {
	// Cleanup must run even when the save was cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	policy := fs.RemovePolicy(b.cfg.IORetry)
	for _, p := range paths {
		if err := fs.RemoveAllWithRetry(ctx, p, policy); err != nil {
			log.Warn().Err(err).Str("tenantId", tenantID).Str("path", p).Msg("failed to clean up scratch files")
		}
	}
}

// Restore unpacks the tenant's stored archive into its working directory.
// A tenant with no backup is the normal fresh case: (false, nil).
func (b *BackupService) Restore(ctx context.Context, tenantID string) (bool, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return false, err
	}
	blob, err := b.load(ctx, tenantID)
	if err != nil {
		b.metrics.RestoresTotal.WithLabelValues("error").Inc()
		return false, err
	}
	if blob == nil {
		log.Info().Str("tenantId", tenantID).Msg("no session backup found, starting fresh")
		b.metrics.RestoresTotal.WithLabelValues("none").Inc()
		return false, nil
	}

	if err := os.MkdirAll(b.cfg.ScratchDir, 0755); err != nil {
		return false, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	archivePath := filepath.Join(b.cfg.ScratchDir, tenantID+"-restore-"+uuid.NewString()+".zip")
	defer b.cleanup(tenantID, archivePath)

	if err := os.WriteFile(archivePath, blob, 0600); err != nil {
		b.metrics.RestoresTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to write scratch archive: %w", err)
	}
	if err := b.codec.Unpack(ctx, archivePath, b.cfg.WorkDir(tenantID)); err != nil {
		b.metrics.RestoresTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to unpack session backup: %w", err)
	}

	b.metrics.RestoresTotal.WithLabelValues("ok").Inc()
	log.Info().Str("tenantId", tenantID).Int("bytes", len(blob)).Msg("session restored")
	return true, nil
}

func (b *BackupService) load(ctx context.Context, tenantID string) ([]byte, error) {
	row, err := b.store.Find(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session backup: %w", err)
	}
	if row != nil {
		return row.Blob, nil
	}
	if b.mirror == nil {
		return nil, nil
	}

	blob, err := b.mirror.Get(ctx, tenantID)
	if err != nil {
		log.Warn().Err(err).Str("tenantId", tenantID).Msg("failed to fetch mirrored session backup")
		return nil, nil
	}
	if blob != nil {
		log.Info().Str("tenantId", tenantID).Msg("restoring session from mirror")
	}
	return blob, nil
}

// Delete removes the tenant's durable backup and its mirror copy
func (b *BackupService) Delete(ctx context.Context, tenantID string) error {
	if err := ValidateTenantID(tenantID); err != nil {
		return err
	}
	if err := b.store.Delete(ctx, tenantID); err != nil {
		return err
	}
	if b.mirror != nil {
		if err := b.mirror.Delete(ctx, tenantID); err != nil {
			log.Warn().Err(err).Str("tenantId", tenantID).Msg("failed to delete mirrored session backup")
		}
	}
	return nil
}

// CollectDeviceInfo snapshots the host for the backup row
func CollectDeviceInfo() db.DeviceInfo {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return db.DeviceInfo{
		DeviceName:   hostname,
		OS:           runtime.GOOS,
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
		Architecture: runtime.GOARCH,
		CPUs:         runtime.NumCPU(),
		Memory:       memory.TotalMemory(),
		GoVersion:    runtime.Version(),
	}
}
