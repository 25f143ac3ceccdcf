package database

import (
	"encoding/json"
	"time"
)

// Soft-deleted rows stay in the tables; every query here filters them
// explicitly so callers never see them by accident.

func (db *DB) ActiveDevices() ([]Device, error) {
	var devices []Device
	err := db.Where("deleted_at IS NULL").Order("identity_key").Find(&devices).Error
	return devices, err
}

func (db *DB) ActiveDevicesByLocation(locationID uint) ([]Device, error) {
	var devices []Device
	err := db.Where("deleted_at IS NULL AND location_id = ?", locationID).
		Order("identity_key").Find(&devices).Error
	return devices, err
}

func (db *DB) ActiveLocations() ([]Location, error) {
	var locations []Location
	err := db.Where("deleted_at IS NULL").Order("id").Find(&locations).Error
	return locations, err
}

func (db *DB) ActiveCompanies() ([]Company, error) {
	var companies []Company
	err := db.Where("deleted_at IS NULL AND is_global = ?", false).
		Order("id").Find(&companies).Error
	return companies, err
}

func (db *DB) DeviceByIdentityKey(identityKey string) (*Device, error) {
	var device Device
	if err := db.Where("identity_key = ? AND deleted_at IS NULL", identityKey).
		First(&device).Error; err != nil {
		return nil, err
	}
	return &device, nil
}

// SoftDeleteDevice flags the device without removing its rows.
func (db *DB) SoftDeleteDevice(identityKey string) error {
	now := time.Now()
	return db.Model(&Device{}).Where("identity_key = ?", identityKey).
		Update("deleted_at", &now).Error
}

// SoftDeleteLocation flags the location and cascades the flag to its devices.
func (db *DB) SoftDeleteLocation(locationID uint) error {
	now := time.Now()
	if err := db.Model(&Location{}).Where("id = ?", locationID).
		Update("deleted_at", &now).Error; err != nil {
		return err
	}
	return db.Model(&Device{}).
		Where("location_id = ? AND deleted_at IS NULL", locationID).
		Update("deleted_at", &now).Error
}

func (db *DB) LastPeriod(deviceID string) (*BackupLogPeriod, error) {
	var period BackupLogPeriod
	err := db.Where("device_id = ?", deviceID).
		Order("start_time DESC").First(&period).Error
	if err != nil {
		return nil, err
	}
	return &period, nil
}

func (db *DB) PeriodsForDevice(deviceID string) ([]BackupLogPeriod, error) {
	var periods []BackupLogPeriod
	err := db.Where("device_id = ?", deviceID).
		Order("start_time").Find(&periods).Error
	return periods, err
}

// FilesChecksumMap decodes the stored remote-path -> fingerprint mapping.
func (d *Device) FilesChecksumMap() map[string]string {
	checksums := make(map[string]string)
	if len(d.FilesChecksum) > 0 {
		json.Unmarshal(d.FilesChecksum, &checksums)
	}
	return checksums
}

func (d *Device) SetFilesChecksumMap(checksums map[string]string) error {
	data, err := json.Marshal(checksums)
	if err != nil {
		return err
	}
	d.FilesChecksum = data
	return nil
}

// FolderName is the device's virtual folder inside the archive container.
func (d *Device) FolderName() string {
	return d.IdentityKey
}
