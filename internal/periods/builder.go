// Package periods maintains the per-device backup log: a contiguous,
// non-overlapping timeline of with-downloads and no-downloads periods
// stretching from the device's first recorded event to the present.
package periods

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emarvault/emarvault/internal/database"
	"github.com/emarvault/emarvault/internal/status"
	"gorm.io/gorm"
)

type Builder struct {
	db    *database.DB
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *database.DB) *Builder {
	return &Builder{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
}

// deviceLock returns the mutex serializing timeline mutation for one device.
// Two concurrent events for the same device must never race to append
// conflicting periods.
func (b *Builder) deviceLock(deviceID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[deviceID] = lock
	}
	return lock
}

// RoundHour truncates a timestamp to the start of its hour in the business
// timezone.
func RoundHour(t time.Time) time.Time {
	n := status.Normalize(t)
	return time.Date(n.Year(), n.Month(), n.Day(), n.Hour(), 0, 0, 0, n.Location())
}

// Observe records a backup event for the device at the given time, extending
// or gap-filling the device's period timeline. Re-observing within the same
// hour is a no-op.
func (b *Builder) Observe(deviceID string, now time.Time) error {
	lock := b.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()
	return b.observeLocked(deviceID, now)
}

func (b *Builder) observeLocked(deviceID string, now time.Time) error {
	rounded := RoundHour(now)
	hourEnd := rounded.Add(time.Hour - time.Second)

	last, err := b.db.LastPeriod(deviceID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return b.db.Create(&database.BackupLogPeriod{
			DeviceID:  deviceID,
			Type:      database.PeriodWithDownloads,
			StartTime: rounded,
			EndTime:   hourEnd,
		}).Error
	}
	if err != nil {
		return fmt.Errorf("load last period: %w", err)
	}

	switch last.Type {
	case database.PeriodWithDownloads:
		if rounded.Sub(last.EndTime) <= time.Hour {
			// Same hour or the hour immediately after: stretch the open
			// period forward. Within the same hour this updates nothing.
			if hourEnd.After(last.EndTime) {
				last.EndTime = hourEnd
				return b.db.Save(last).Error
			}
			return nil
		}
		return b.fillGap(deviceID, last, rounded, hourEnd)

	case database.PeriodNoDownloads:
		closeEnd := rounded.Add(-time.Second)
		if closeEnd.Before(last.StartTime) {
			// Degenerate gap inside the current hour: drop it and re-evaluate
			// against the period before it.
			if err := b.db.Delete(last).Error; err != nil {
				return err
			}
			return b.observeLocked(deviceID, now)
		}
		last.EndTime = closeEnd
		if err := b.db.Save(last).Error; err != nil {
			return err
		}
		return b.db.Create(&database.BackupLogPeriod{
			DeviceID:  deviceID,
			Type:      database.PeriodWithDownloads,
			StartTime: rounded,
			EndTime:   hourEnd,
		}).Error

	default:
		return fmt.Errorf("device %s has period of unknown type %q", deviceID, last.Type)
	}
}

// fillGap closes a no-downloads period spanning exactly the silence between
// the last with-downloads period and the new event, then opens a fresh
// with-downloads period.
func (b *Builder) fillGap(deviceID string, last *database.BackupLogPeriod, rounded, hourEnd time.Time) error {
	gap := &database.BackupLogPeriod{
		DeviceID:  deviceID,
		Type:      database.PeriodNoDownloads,
		StartTime: last.EndTime.Add(time.Second),
		EndTime:   rounded.Add(-time.Second),
	}
	if gap.EndTime.Sub(gap.StartTime) > time.Hour {
		gap.Error = database.PeriodErrorLongGap
	}
	if err := b.db.Create(gap).Error; err != nil {
		return err
	}
	return b.db.Create(&database.BackupLogPeriod{
		DeviceID:  deviceID,
		Type:      database.PeriodWithDownloads,
		StartTime: rounded,
		EndTime:   hourEnd,
	}).Error
}

// ValidateTimeline checks that periods ordered by start time form a complete
// timeline: no gaps and no overlaps, each period ending exactly one second
// before the next begins.
func ValidateTimeline(periods []database.BackupLogPeriod) error {
	for i := range periods {
		p := &periods[i]
		if !p.EndTime.After(p.StartTime) {
			return fmt.Errorf("period %d is inverted: %s .. %s", i, p.StartTime, p.EndTime)
		}
		if i == 0 {
			continue
		}
		prev := &periods[i-1]
		want := prev.EndTime.Add(time.Second)
		if !p.StartTime.Equal(want) {
			return fmt.Errorf("period %d starts at %s, want %s (previous ends %s)",
				i, p.StartTime, want, prev.EndTime)
		}
	}
	return nil
}
