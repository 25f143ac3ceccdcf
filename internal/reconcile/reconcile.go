// Package reconcile runs the scheduled alert sweep and the location counter
// refresh. Both sweeps are idempotent: running them twice against unchanged
// data writes the same state.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emarvault/emarvault/config"
	"github.com/emarvault/emarvault/internal/database"
	"github.com/emarvault/emarvault/internal/notify"
	"github.com/emarvault/emarvault/internal/status"
)

const (
	AlertGreen       = "green"
	alertColorYellow = "yellow"
	alertColorRed    = "red"

	reasonNoBackup = "no backup"
	reasonOffline  = "offline"
)

// Sweeper evaluates alert rules across the fleet.
type Sweeper struct {
	db     *database.DB
	notify *notify.Manager
	cfg    *config.Config
}

func New(db *database.DB, notifier *notify.Manager, cfg *config.Config) *Sweeper {
	return &Sweeper{db: db, notify: notifier, cfg: cfg}
}

// verdict is one device's evaluation against the two alert rules.
type verdict struct {
	exceeded bool
	reason   string
	hours    int
}

// evaluate applies the extended-no-backup and extended-offline rules to one
// device. The offline rule wins when both trip since it describes the worse
// state.
func (s *Sweeper) evaluate(d *database.Device, now time.Time) verdict {
	offlineHours := s.hoursSince(d.LastTimeOnline, d, now)
	backupHours := s.hoursSince(d.LastDownloadTime, d, now)

	if offlineHours >= s.cfg.OfflineAlertHrs {
		return verdict{exceeded: true, reason: reasonOffline, hours: offlineHours}
	}
	if backupHours >= s.cfg.NoBackupAlertHrs {
		return verdict{exceeded: true, reason: reasonNoBackup, hours: backupHours}
	}
	return verdict{}
}

// hoursSince measures whole hours between a last-seen timestamp and now in
// the business timezone. A device that has never reported falls back to its
// creation time, so a silent device eventually trips the rules instead of
// never alerting.
func (s *Sweeper) hoursSince(ts *time.Time, d *database.Device, now time.Time) int {
	ref := d.CreatedAt
	if ts != nil {
		ref = *ts
	}
	elapsed := status.Normalize(now).Sub(status.Normalize(ref))
	if elapsed < 0 {
		return 0
	}
	return int(elapsed / time.Hour)
}

// Sweep walks every location and applies the alert rules. A failing location
// never aborts the rest of the sweep.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := time.Now()

	locations, err := s.db.ActiveLocations()
	if err != nil {
		return fmt.Errorf("list locations: %w", err)
	}

	for i := range locations {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.sweepLocation(ctx, &locations[i], now); err != nil {
			slog.Error("Alert sweep failed for location",
				"location", locations[i].Name, "error", err)
		}
	}

	// Devices not attached to any location still get the per-device rules.
	orphans, err := s.orphanDevices()
	if err != nil {
		return fmt.Errorf("list orphan devices: %w", err)
	}
	for i := range orphans {
		s.applyDeviceRule(&orphans[i], now)
	}

	return nil
}

func (s *Sweeper) sweepLocation(ctx context.Context, location *database.Location, now time.Time) error {
	devices, err := s.db.ActiveDevicesByLocation(location.ID)
	if err != nil {
		return err
	}

	evaluated := devices[:0]
	for i := range devices {
		if devices[i].Activated {
			evaluated = append(evaluated, devices[i])
		}
	}
	if len(evaluated) == 0 {
		return nil
	}

	verdicts := make([]verdict, len(evaluated))
	allExceeded := true
	for i := range evaluated {
		verdicts[i] = s.evaluate(&evaluated[i], now)
		if !verdicts[i].exceeded {
			allExceeded = false
		}
	}

	if allExceeded {
		return s.escalateLocation(ctx, location, evaluated, verdicts)
	}

	for i := range evaluated {
		s.applyVerdict(&evaluated[i], verdicts[i])
	}
	return nil
}

// escalateLocation marks every device red and sends one consolidated alert.
// A location that is already all red is left untouched so the alert does not
// repeat every sweep.
func (s *Sweeper) escalateLocation(ctx context.Context, location *database.Location, devices []database.Device, verdicts []verdict) error {
	alreadyRed := true
	for i := range devices {
		if !strings.HasPrefix(devices[i].AlertStatus, alertColorRed) {
			alreadyRed = false
			break
		}
	}
	if alreadyRed {
		return nil
	}

	worst := 0
	var lines []string
	for i := range devices {
		devices[i].AlertStatus = alertTag(alertColorRed, verdicts[i].reason, verdicts[i].hours)
		if err := s.db.Save(&devices[i]).Error; err != nil {
			slog.Error("Failed to write red alert status",
				"device", devices[i].IdentityKey, "error", err)
		}
		lines = append(lines, fmt.Sprintf("%s (%s): %s over %dh",
			devices[i].Name, devices[i].IdentityKey, verdicts[i].reason, verdicts[i].hours))
		if verdicts[i].hours > worst {
			worst = verdicts[i].hours
		}
	}

	subject := fmt.Sprintf("eMARVault: location %s is red", location.Name)
	body := fmt.Sprintf("Every device at %s has exceeded its alert threshold:\n\n%s\n",
		location.Name, strings.Join(lines, "\n"))
	s.notify.SendAlertEmail(subject, body)

	event := notify.NewEvent(notify.EventLocationRed).
		WithLocation(location.ID, location.Name).
		WithAlert(alertColorRed, "all devices exceeded alert thresholds", float64(worst))
	s.notify.Emit(ctx, event)

	slog.Warn("Location escalated to red", "location", location.Name, "devices", len(devices))
	return nil
}

func (s *Sweeper) applyDeviceRule(d *database.Device, now time.Time) {
	if !d.Activated {
		return
	}
	s.applyVerdict(d, s.evaluate(d, now))
}

func (s *Sweeper) applyVerdict(d *database.Device, v verdict) {
	next := AlertGreen
	if v.exceeded {
		next = alertTag(alertColorYellow, v.reason, v.hours)
	}
	if d.AlertStatus == next {
		return
	}

	recovered := !v.exceeded && d.AlertStatus != "" && d.AlertStatus != AlertGreen
	d.AlertStatus = next
	if err := s.db.Save(d).Error; err != nil {
		slog.Error("Failed to write alert status", "device", d.IdentityKey, "error", err)
		return
	}

	if v.exceeded {
		event := notify.NewEvent(deviceEventFor(v.reason)).
			WithDevice(d.IdentityKey, d.Name).
			WithAlert(alertColorYellow, v.reason, float64(v.hours))
		s.notify.Emit(context.Background(), event)
	} else if recovered {
		event := notify.NewEvent(notify.EventDeviceRecovered).
			WithDevice(d.IdentityKey, d.Name).
			WithAlert(AlertGreen, "recovered", 0)
		s.notify.Emit(context.Background(), event)
	}
}

func deviceEventFor(reason string) string {
	if reason == reasonOffline {
		return notify.EventDeviceOffline
	}
	return notify.EventDeviceNoBackup
}

func alertTag(color, reason string, hours int) string {
	return fmt.Sprintf("%s - %s over %dh", color, reason, hours)
}

// orphanDevices are activated devices without a location.
func (s *Sweeper) orphanDevices() ([]database.Device, error) {
	var devices []database.Device
	err := s.db.Where("deleted_at IS NULL AND location_id IS NULL").Find(&devices).Error
	return devices, err
}

// RefreshLocationStats recomputes the cached per-location counters and
// status label.
func (s *Sweeper) RefreshLocationStats(ctx context.Context) error {
	now := time.Now()

	locations, err := s.db.ActiveLocations()
	if err != nil {
		return fmt.Errorf("list locations: %w", err)
	}

	for i := range locations {
		if err := ctx.Err(); err != nil {
			return err
		}
		location := &locations[i]

		devices, err := s.db.ActiveDevicesByLocation(location.ID)
		if err != nil {
			slog.Error("Failed to list devices for stats", "location", location.Name, "error", err)
			continue
		}

		online := 0
		for j := range devices {
			if status.IsOnline(&devices[j], now) {
				online++
			}
		}

		location.TotalDevices = len(devices)
		location.OnlineDevices = online
		location.OfflineDevices = len(devices) - online
		location.Status = string(status.ForLocation(devices, now))

		if err := s.db.Save(location).Error; err != nil {
			slog.Error("Failed to save location stats", "location", location.Name, "error", err)
		}
	}

	return nil
}
