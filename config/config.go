package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Passphrase       string
	DBDriver         string
	DBDSN            string
	DataDir          string
	Port             int
	ArchiveTool      string
	ArchivePassword  string
	MaxConcurrent    int
	CycleTimeout     int
	SFTPTimeout      int
	RetentionCap     int
	NoBackupAlertHrs int
	OfflineAlertHrs  int
	SweepInterval    string
	StatsInterval    string
	DailyQuotaLimit  int
	PCCBaseURL       string
	SMTPHost         string
	SMTPPort         int
	SMTPUser         string
	SMTPPassword     string
	SMTPFrom         string
	AlertRecipients  string
	DevMode          bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Passphrase:       os.Getenv("EMARVAULT_PASSPHRASE"),
		DBDriver:         getEnvOrDefault("EMARVAULT_DB_DRIVER", "sqlite"),
		DBDSN:            os.Getenv("EMARVAULT_DB_DSN"),
		DataDir:          getEnvOrDefault("EMARVAULT_DATA_DIR", "./data"),
		Port:             getEnvIntOrDefault("EMARVAULT_PORT", 8080),
		ArchiveTool:      getEnvOrDefault("EMARVAULT_ARCHIVE_TOOL", "7z"),
		ArchivePassword:  os.Getenv("EMARVAULT_ARCHIVE_PASSWORD"),
		MaxConcurrent:    getEnvIntOrDefault("EMARVAULT_MAX_CONCURRENT", 3),
		CycleTimeout:     getEnvIntOrDefault("EMARVAULT_CYCLE_TIMEOUT", 3600),
		SFTPTimeout:      getEnvIntOrDefault("EMARVAULT_SFTP_TIMEOUT", 10),
		RetentionCap:     getEnvIntOrDefault("EMARVAULT_RETENTION_CAP", 12),
		NoBackupAlertHrs: getEnvIntOrDefault("EMARVAULT_NO_BACKUP_ALERT_HOURS", 4),
		OfflineAlertHrs:  getEnvIntOrDefault("EMARVAULT_OFFLINE_ALERT_HOURS", 12),
		SweepInterval:    getEnvOrDefault("EMARVAULT_SWEEP_INTERVAL", "@every 15m"),
		StatsInterval:    getEnvOrDefault("EMARVAULT_STATS_INTERVAL", "@every 5m"),
		DailyQuotaLimit:  getEnvIntOrDefault("EMARVAULT_DAILY_QUOTA_LIMIT", 250),
		PCCBaseURL:       os.Getenv("EMARVAULT_PCC_BASE_URL"),
		SMTPHost:         os.Getenv("EMARVAULT_SMTP_HOST"),
		SMTPPort:         getEnvIntOrDefault("EMARVAULT_SMTP_PORT", 587),
		SMTPUser:         os.Getenv("EMARVAULT_SMTP_USER"),
		SMTPPassword:     os.Getenv("EMARVAULT_SMTP_PASSWORD"),
		SMTPFrom:         getEnvOrDefault("EMARVAULT_SMTP_FROM", "alerts@emarvault.local"),
		AlertRecipients:  os.Getenv("EMARVAULT_ALERT_RECIPIENTS"),
		DevMode:          os.Getenv("EMARVAULT_DEV_MODE") == "true",
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	if err := os.MkdirAll(cfg.StagingPath(), 0755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	if err := os.MkdirAll(cfg.ArchivesPath(), 0755); err != nil {
		return nil, fmt.Errorf("create archives directory: %w", err)
	}

	return cfg, nil
}

func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "emarvault.db")
}

// StagingPath is where fetched snapshots land before they are archived.
func (c *Config) StagingPath() string {
	return filepath.Join(c.DataDir, "staging")
}

func (c *Config) ArchivesPath() string {
	return filepath.Join(c.DataDir, "archives")
}

func (c *Config) SFTPConnectTimeout() time.Duration {
	return time.Duration(c.SFTPTimeout) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}
