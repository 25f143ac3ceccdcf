package scheduler

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/emarvault/emarvault/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	gormDB.AutoMigrate(
		&database.Company{},
		&database.Location{},
		&database.Device{},
	)
	return &database.DB{DB: gormDB}
}

func setupScheduler(t *testing.T) (*Scheduler, *database.DB) {
	t.Helper()
	db := setupTestDB(t)
	s := &Scheduler{
		db:       db,
		entryIDs: make(map[uint]cron.EntryID),
		cron:     cron.New(),
	}
	s.cron.Start()
	t.Cleanup(s.Stop)
	return s, db
}

func TestScheduleLocation(t *testing.T) {
	s, db := setupScheduler(t)

	location := &database.Location{Name: "Clinic A", BackupSchedule: "0 */6 * * *"}
	db.Create(location)

	if err := s.ScheduleLocation(location); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.entryIDs[location.ID]; !ok {
		t.Error("location should be scheduled")
	}
}

func TestScheduleLocationEmptySchedule(t *testing.T) {
	s, db := setupScheduler(t)

	location := &database.Location{Name: "Clinic A"}
	db.Create(location)

	if err := s.ScheduleLocation(location); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.entryIDs[location.ID]; ok {
		t.Error("location with empty schedule should not be scheduled")
	}
}

func TestUnscheduleLocation(t *testing.T) {
	s, db := setupScheduler(t)

	location := &database.Location{Name: "Clinic A", BackupSchedule: "0 6 * * *"}
	db.Create(location)
	s.ScheduleLocation(location)

	s.UnscheduleLocation(location.ID)

	if _, ok := s.entryIDs[location.ID]; ok {
		t.Error("location should be unscheduled")
	}
}

func TestNextRun(t *testing.T) {
	s, db := setupScheduler(t)

	location := &database.Location{Name: "Clinic A", BackupSchedule: "0 6 * * *"}
	db.Create(location)
	s.ScheduleLocation(location)

	next := s.NextRun(location.ID)
	if next == nil {
		t.Fatal("NextRun should return a time")
	}
	if next.Before(time.Now()) {
		t.Error("next run should be in the future")
	}
}

func TestNextRunNotScheduled(t *testing.T) {
	s, _ := setupScheduler(t)

	if next := s.NextRun(999); next != nil {
		t.Error("NextRun for unscheduled location should return nil")
	}
}

func TestScheduleLocationInvalidCron(t *testing.T) {
	s, db := setupScheduler(t)

	location := &database.Location{Name: "Clinic A", BackupSchedule: "invalid cron"}
	db.Create(location)

	if err := s.ScheduleLocation(location); err == nil {
		t.Error("invalid cron expression should return error")
	}
}

func TestRescheduleLocation(t *testing.T) {
	s, db := setupScheduler(t)

	location := &database.Location{Name: "Clinic A", BackupSchedule: "0 6 * * *"}
	db.Create(location)
	s.ScheduleLocation(location)
	oldEntryID := s.entryIDs[location.ID]

	location.BackupSchedule = "0 12 * * *"
	s.ScheduleLocation(location)
	newEntryID := s.entryIDs[location.ID]

	if oldEntryID == newEntryID {
		t.Error("rescheduling should create a new entry ID")
	}
}

func TestLoadSchedulesSkipsEmptyAndDeleted(t *testing.T) {
	s, db := setupScheduler(t)

	deleted := time.Now()
	db.Create(&database.Location{Name: "Scheduled", BackupSchedule: "0 6 * * *"})
	db.Create(&database.Location{Name: "No Schedule"})
	db.Create(&database.Location{Name: "Deleted", BackupSchedule: "0 6 * * *", DeletedAt: &deleted})

	s.loadSchedules()

	if len(s.entryIDs) != 1 {
		t.Errorf("scheduled entries = %d, want 1", len(s.entryIDs))
	}
}
