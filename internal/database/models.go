package database

import "time"

type Company struct {
	ID              uint   `gorm:"primaryKey"`
	Name            string `gorm:"uniqueIndex"`
	SFTPHost        string
	SFTPUsername    string
	SFTPPasswordEnc []byte
	IsGlobal        bool `gorm:"default:false"`
	IsTrial         bool `gorm:"default:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time `gorm:"index"`

	Locations []Location `gorm:"foreignKey:CompanyID"`
}

type Location struct {
	ID             uint   `gorm:"primaryKey"`
	Name           string `gorm:"index:idx_location_company_name,unique"`
	CompanyID      *uint  `gorm:"index:idx_location_company_name,unique"`
	UsePCCBackup   bool   `gorm:"default:false"`
	PCCFacID       string
	SFTPFolder     string
	BackupSchedule string
	TotalDevices   int
	OnlineDevices  int
	OfflineDevices int
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time `gorm:"index"`

	Company *Company `gorm:"foreignKey:CompanyID"`
	Devices []Device `gorm:"foreignKey:LocationID"`
}

type Device struct {
	IdentityKey       string `gorm:"primaryKey"`
	Name              string
	LocationID        *uint `gorm:"index"`
	CompanyID         *uint `gorm:"index"`
	Activated         bool  `gorm:"default:false"`
	DeviceRole        string
	LogsEnabled       bool `gorm:"default:true"`
	SFTPHost          string
	SFTPUsername      string
	SFTPPasswordEnc   []byte
	SFTPFolder        string
	AdditionalFolders string
	LastTimeOnline    *time.Time
	LastDownloadTime  *time.Time
	FilesChecksum     []byte
	DownloadStatus    string
	LastSavedPath     string
	AlertStatus       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time `gorm:"index"`

	Location *Location `gorm:"foreignKey:LocationID"`
	Company  *Company  `gorm:"foreignKey:CompanyID"`
}

const (
	DeviceRolePrimary   = "PRIMARY"
	DeviceRoleAlternate = "ALTERNATE"
)

const (
	DownloadStatusDownloading = "downloading"
	DownloadStatusDownloaded  = "downloaded"
	DownloadStatusError       = "error"
	DownloadStatusBlacklisted = "blacklisted"
)

type BackupLogPeriod struct {
	ID        uint   `gorm:"primaryKey"`
	DeviceID  string `gorm:"index"`
	Type      string
	StartTime time.Time
	EndTime   time.Time
	Error     string
	Note      string
	CreatedAt time.Time
	UpdatedAt time.Time

	Device Device `gorm:"foreignKey:DeviceID"`
}

const (
	PeriodWithDownloads = "with_downloads"
	PeriodNoDownloads   = "no_downloads"
)

// PeriodErrorLongGap marks a no-downloads period that spanned more than an hour.
const PeriodErrorLongGap = "longer than 2 hours"

type DailyRequestQuota struct {
	ID            uint      `gorm:"primaryKey"`
	ResetTime     time.Time `gorm:"uniqueIndex"`
	RequestsCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Webhook struct {
	ID        uint `gorm:"primaryKey"`
	Name      string
	URL       string
	Events    string
	Headers   []byte
	Enabled   bool `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

const (
	SettingPassphraseHash = "passphrase_hash"
	SettingPassphraseSalt = "passphrase_salt"
	SettingEncryptionSalt = "encryption_salt"
)
