// Package scheduler owns the cron instance driving the alert sweep, the
// location counter refresh and per-location backup cycles.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/emarvault/emarvault/config"
	"github.com/emarvault/emarvault/internal/database"
	"github.com/emarvault/emarvault/internal/reconcile"
	"github.com/emarvault/emarvault/internal/vault"
)

type Scheduler struct {
	db       *database.DB
	vault    *vault.Vault
	sweeper  *reconcile.Sweeper
	cron     *cron.Cron
	entryIDs map[uint]cron.EntryID
	mu       sync.Mutex
}

func New(db *database.DB, v *vault.Vault, sweeper *reconcile.Sweeper, cfg *config.Config) (*Scheduler, error) {
	s := &Scheduler{
		db:       db,
		vault:    v,
		sweeper:  sweeper,
		cron:     cron.New(),
		entryIDs: make(map[uint]cron.EntryID),
	}

	if _, err := s.cron.AddFunc(cfg.SweepInterval, s.runSweep); err != nil {
		return nil, fmt.Errorf("schedule alert sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(cfg.StatsInterval, s.runStatsRefresh); err != nil {
		return nil, fmt.Errorf("schedule stats refresh: %w", err)
	}

	s.loadSchedules()
	s.cron.Start()
	return s, nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ScheduleLocation (re)registers a location's backup cycle. A location with
// an empty schedule is only unregistered.
func (s *Scheduler) ScheduleLocation(location *database.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entryIDs[location.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entryIDs, location.ID)
	}

	if location.BackupSchedule == "" {
		return nil
	}

	locationID := location.ID
	entryID, err := s.cron.AddFunc(location.BackupSchedule, func() {
		s.runLocationCycle(locationID)
	})
	if err != nil {
		return err
	}

	s.entryIDs[location.ID] = entryID
	slog.Info("Scheduled location backup", "location", location.Name, "schedule", location.BackupSchedule)
	return nil
}

func (s *Scheduler) UnscheduleLocation(locationID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entryIDs[locationID]; ok {
		s.cron.Remove(entryID)
		delete(s.entryIDs, locationID)
	}
}

// NextRun reports when a location's next backup cycle fires.
func (s *Scheduler) NextRun(locationID uint) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entryIDs[locationID]
	if !ok {
		return nil
	}
	next := s.cron.Entry(entryID).Next
	return &next
}

func (s *Scheduler) loadSchedules() {
	locations, err := s.db.ActiveLocations()
	if err != nil {
		slog.Error("Failed to load location schedules", "error", err)
		return
	}

	count := 0
	for i := range locations {
		if locations[i].BackupSchedule == "" {
			continue
		}
		if err := s.ScheduleLocation(&locations[i]); err != nil {
			slog.Error("Failed to schedule location",
				"location", locations[i].Name, "error", err)
			continue
		}
		count++
	}
	slog.Info("Loaded location backup schedules", "count", count)
}

func (s *Scheduler) runLocationCycle(locationID uint) {
	slog.Info("Starting scheduled backup cycle", "location", locationID)
	s.vault.RunLocationCycle(context.Background(), locationID)
}

func (s *Scheduler) runSweep() {
	if err := s.sweeper.Sweep(context.Background()); err != nil {
		slog.Error("Alert sweep failed", "error", err)
	}
}

func (s *Scheduler) runStatsRefresh() {
	if err := s.sweeper.RefreshLocationStats(context.Background()); err != nil {
		slog.Error("Location stats refresh failed", "error", err)
	}
}

// CycleNow kicks off one location's backup cycle outside its schedule.
func (s *Scheduler) CycleNow(_ context.Context, locationID uint) {
	go s.runLocationCycle(locationID)
}
