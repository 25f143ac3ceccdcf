// Package vault runs the per-device backup cycle: fetch a snapshot from the
// device's remote source into staging, fold it into the location container,
// enforce retention, and report the outcome back to the device record and
// the backup period log.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/emarvault/emarvault/config"
	"github.com/emarvault/emarvault/internal/archive"
	"github.com/emarvault/emarvault/internal/database"
	"github.com/emarvault/emarvault/internal/notify"
	"github.com/emarvault/emarvault/internal/periods"
	"github.com/emarvault/emarvault/internal/sources"
)

var (
	ErrCycleInProgress = errors.New("backup cycle already in progress")
	ErrDeviceNotFound  = errors.New("device not found")
)

// ContainerName is the single container file all device snapshots are folded
// into.
const ContainerName = "emar_backups.7z"

// Vault orchestrates backup cycles.
type Vault struct {
	db        *database.DB
	registry  *sources.Registry
	engine    *archive.Engine
	periods   *periods.Builder
	notify    *notify.Manager
	decryptor sources.CredentialDecryptor
	cfg       *config.Config

	semaphore chan struct{}
	active    sync.Map // identityKey -> cancelFunc
}

func New(db *database.DB, registry *sources.Registry, engine *archive.Engine, builder *periods.Builder, notifier *notify.Manager, decryptor sources.CredentialDecryptor, cfg *config.Config) *Vault {
	return &Vault{
		db:        db,
		registry:  registry,
		engine:    engine,
		periods:   builder,
		notify:    notifier,
		decryptor: decryptor,
		cfg:       cfg,
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
	}
}

// ContainerPath is the host path of the shared snapshot container.
func (v *Vault) ContainerPath() string {
	return filepath.Join(v.cfg.ArchivesPath(), ContainerName)
}

// RunCycle executes one backup cycle for a device.
func (v *Vault) RunCycle(ctx context.Context, identityKey string) error {
	if _, exists := v.active.Load(identityKey); exists {
		return ErrCycleInProgress
	}

	device, err := v.db.DeviceByIdentityKey(identityKey)
	if err != nil {
		return ErrDeviceNotFound
	}

	fetcher, creds, err := v.registry.ResolveForDevice(device, v.decryptor)
	if err != nil {
		return v.failCycle(device, "CONFIG_ERROR", "resolve source credentials", err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(v.cfg.CycleTimeout)*time.Second)
	v.active.Store(identityKey, cancel)
	defer func() {
		v.active.Delete(identityKey)
		cancel()
	}()

	select {
	case v.semaphore <- struct{}{}:
		defer func() { <-v.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	// PCC fetches count against the shared daily request budget.
	if fetcher.ID() == sources.PCCFetcherID {
		if err := v.db.ConsumeQuota(v.cfg.DailyQuotaLimit, time.Now()); err != nil {
			if errors.Is(err, database.ErrQuotaExhausted) {
				return v.failCycle(device, sources.ErrCodeQuota, "daily request quota exhausted", err)
			}
			return v.failCycle(device, "DATABASE_ERROR", "consume request quota", err)
		}
	}

	device.DownloadStatus = database.DownloadStatusDownloading
	if err := v.db.Save(device).Error; err != nil {
		return fmt.Errorf("mark device downloading: %w", err)
	}

	deviceRoot := filepath.Join(v.cfg.StagingPath(), device.FolderName())
	snapshotName := snapshotFolderName(time.Now())
	snapshotDir := filepath.Join(deviceRoot, snapshotName)
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return v.failCycle(device, "FILESYSTEM_ERROR", "create staging directory", err)
	}
	defer os.RemoveAll(deviceRoot)

	snapshot, err := fetcher.FetchSnapshot(ctx, creds, snapshotDir)
	if err != nil {
		if sources.IsBlacklisted(err) {
			return v.blacklistCycle(device, err)
		}
		return v.failCycle(device, fetchErrorCode(err), "fetch snapshot", err)
	}

	now := time.Now()

	if len(snapshot.Files) == 0 {
		// The source was reachable but empty. The device is healthy, just
		// nothing to archive.
		device.DownloadStatus = database.DownloadStatusDownloaded
		if err := device.SetFilesChecksumMap(snapshot.Fingerprints); err != nil {
			slog.Error("Failed to encode fingerprints", "device", identityKey, "error", err)
		}
		if err := v.db.Save(device).Error; err != nil {
			return fmt.Errorf("save device after empty fetch: %w", err)
		}
		slog.Info("Backup cycle found nothing to archive", "device", identityKey)
		return nil
	}

	container := v.ContainerPath()
	if err := v.engine.Add(ctx, container, deviceRoot, v.cfg.ArchivePassword); err != nil {
		return v.failCycle(device, "ARCHIVE_ERROR", "archive snapshot", err)
	}

	lastEntry, err := v.engine.Enforce(ctx, container, v.cfg.ArchivePassword, device.FolderName(), v.cfg.RetentionCap)
	if err != nil {
		return v.failCycle(device, "ARCHIVE_ERROR", "enforce retention", err)
	}

	if err := device.SetFilesChecksumMap(snapshot.Fingerprints); err != nil {
		slog.Error("Failed to encode fingerprints", "device", identityKey, "error", err)
	}
	device.DownloadStatus = database.DownloadStatusDownloaded
	device.LastDownloadTime = &now
	device.LastSavedPath = lastEntry
	if err := v.db.Save(device).Error; err != nil {
		return fmt.Errorf("save device after cycle: %w", err)
	}

	if err := v.periods.Observe(identityKey, now); err != nil {
		slog.Error("Failed to record backup period", "device", identityKey, "error", err)
	}

	event := notify.NewEvent(notify.EventBackupCompleted).
		WithDevice(device.IdentityKey, device.Name).
		WithArchive(container, lastEntry)
	v.notify.Emit(context.Background(), event)

	slog.Info("Backup cycle completed",
		"device", identityKey,
		"files", len(snapshot.Files),
		"entry", lastEntry)
	return nil
}

// RunLocationCycle runs cycles for every active device at a location. A
// failing device never stops the remaining ones.
func (v *Vault) RunLocationCycle(ctx context.Context, locationID uint) {
	devices, err := v.db.ActiveDevicesByLocation(locationID)
	if err != nil {
		slog.Error("Failed to list location devices", "location", locationID, "error", err)
		return
	}

	for _, device := range devices {
		if err := v.RunCycle(ctx, device.IdentityKey); err != nil {
			if errors.Is(err, ErrCycleInProgress) {
				slog.Warn("Skipping device with cycle in progress", "device", device.IdentityKey)
				continue
			}
			slog.Error("Backup cycle failed", "device", device.IdentityKey, "error", err)
		}
	}
}

// Cancel aborts an in-progress cycle for a device.
func (v *Vault) Cancel(identityKey string) error {
	if cancelFunc, ok := v.active.Load(identityKey); ok {
		cancelFunc.(context.CancelFunc)()
		return nil
	}
	return ErrDeviceNotFound
}

func (v *Vault) failCycle(device *database.Device, code, message string, err error) error {
	device.DownloadStatus = database.DownloadStatusError + " - " + message
	if saveErr := v.db.Save(device).Error; saveErr != nil {
		slog.Error("Failed to write error status", "device", device.IdentityKey, "error", saveErr)
	}

	event := notify.NewEvent(notify.EventBackupFailed).
		WithDevice(device.IdentityKey, device.Name).
		WithError(code, fmt.Sprintf("%s: %v", message, err))
	v.notify.Emit(context.Background(), event)

	return fmt.Errorf("%s: %w", message, err)
}

// blacklistCycle marks a device whose source never answered within the
// connection window. The reconcile sweep and operators treat this as a
// distinct state from a transient fetch error.
func (v *Vault) blacklistCycle(device *database.Device, err error) error {
	device.DownloadStatus = database.DownloadStatusBlacklisted
	if saveErr := v.db.Save(device).Error; saveErr != nil {
		slog.Error("Failed to write blacklist status", "device", device.IdentityKey, "error", saveErr)
	}

	event := notify.NewEvent(notify.EventSourceBlacklisted).
		WithDevice(device.IdentityKey, device.Name).
		WithError(sources.ErrCodeBlacklisted, err.Error())
	v.notify.Emit(context.Background(), event)

	return err
}

func fetchErrorCode(err error) string {
	var fe *sources.FetchError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return "FETCH_ERROR"
}

func snapshotFolderName(t time.Time) string {
	return "backup_" + t.UTC().Format("2006-01-02_15-04-05")
}
