// Package status derives device and location health from timestamps. The
// functions are pure: identical inputs always produce identical results, and
// nothing here reads the clock or touches the database.
package status

import (
	"time"

	"github.com/emarvault/emarvault/internal/database"
)

type DeviceStatus string

const (
	DeviceNotActivated    DeviceStatus = "NOT_ACTIVATED"
	DeviceOnline          DeviceStatus = "ONLINE"
	DeviceOnlineNoBackup  DeviceStatus = "ONLINE_NO_BACKUP"
	DeviceOfflineNoBackup DeviceStatus = "OFFLINE_NO_BACKUP"
)

type LocationStatus string

const (
	LocationOnline               LocationStatus = "ONLINE"
	LocationOnlinePrimaryOffline LocationStatus = "ONLINE_PRIMARY_OFFLINE"
	LocationOffline              LocationStatus = "OFFLINE"
)

const (
	// BackupWindow is how recent the last download must be for a device to
	// count as backing up.
	BackupWindow = time.Hour
	// OnlineWindow is how recent the last heartbeat must be for a device to
	// count as online at all.
	OnlineWindow = 10 * time.Minute
)

// businessZone is the timezone every timestamp is normalized to before
// comparison. Raw UTC values must never be compared against normalized ones.
var businessZone = mustLoadZone()

func mustLoadZone() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic("load business timezone: " + err.Error())
	}
	return loc
}

// Normalize converts a timestamp into the shared business timezone.
func Normalize(t time.Time) time.Time {
	return t.In(businessZone)
}

// within reports whether ts falls inside window of now. A timestamp exactly
// window old still counts as inside.
func within(now time.Time, ts time.Time, window time.Duration) bool {
	return Normalize(now).Sub(Normalize(ts)) <= window
}

// ForDevice maps a device's activation flag and last-seen timestamps to its
// current status.
func ForDevice(d *database.Device, now time.Time) DeviceStatus {
	if !d.Activated {
		return DeviceNotActivated
	}
	if d.LastDownloadTime != nil && within(now, *d.LastDownloadTime, BackupWindow) {
		return DeviceOnline
	}
	if d.LastTimeOnline != nil && within(now, *d.LastTimeOnline, OnlineWindow) {
		return DeviceOnlineNoBackup
	}
	return DeviceOfflineNoBackup
}

// ForLocation aggregates the status of a location's member devices. Only
// activated, non-deleted devices participate.
func ForLocation(devices []database.Device, now time.Time) LocationStatus {
	anyOnline := false
	primaryOnline := false

	for i := range devices {
		d := &devices[i]
		if d.DeletedAt != nil || !d.Activated {
			continue
		}
		if d.LastDownloadTime != nil && within(now, *d.LastDownloadTime, BackupWindow) {
			anyOnline = true
			if d.DeviceRole == database.DeviceRolePrimary {
				primaryOnline = true
			}
		}
	}

	if primaryOnline {
		return LocationOnline
	}
	if anyOnline {
		return LocationOnlinePrimaryOffline
	}
	return LocationOffline
}

// IsOnline reports whether the device counts as backing up right now.
func IsOnline(d *database.Device, now time.Time) bool {
	return ForDevice(d, now) == DeviceOnline
}
