package database

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrQuotaExhausted = errors.New("daily request quota exhausted")

// quotaResetTime is the start of the current UTC day, the fixed bucket key.
func quotaResetTime(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour)
}

// ConsumeQuota checks the current day's request bucket against limit and
// increments it. Returns ErrQuotaExhausted without incrementing when the
// bucket is full.
func (db *DB) ConsumeQuota(limit int, now time.Time) error {
	reset := quotaResetTime(now)

	return db.Transaction(func(tx *gorm.DB) error {
		var quota DailyRequestQuota
		err := tx.Where("reset_time = ?", reset).First(&quota).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			quota = DailyRequestQuota{ResetTime: reset}
			if err := tx.Create(&quota).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if quota.RequestsCount >= limit {
			return ErrQuotaExhausted
		}

		quota.RequestsCount++
		return tx.Save(&quota).Error
	})
}

// PruneQuotaBuckets drops buckets older than 30 days.
func (db *DB) PruneQuotaBuckets(now time.Time) error {
	cutoff := quotaResetTime(now).AddDate(0, 0, -30)
	return db.Where("reset_time < ?", cutoff).Delete(&DailyRequestQuota{}).Error
}
