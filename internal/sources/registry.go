package sources

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/emarvault/emarvault/internal/database"
)

// CredentialDecryptor decrypts SFTP passwords stored at rest.
type CredentialDecryptor interface {
	DecryptCredentials(ciphertext []byte) ([]byte, error)
}

// Registry holds the fetcher variants and resolves which one, with which
// credentials, serves a given device.
type Registry struct {
	db       *database.DB
	fetchers map[string]Fetcher
	mu       sync.RWMutex
}

func NewRegistry(db *database.DB) *Registry {
	return &Registry{
		db:       db,
		fetchers: make(map[string]Fetcher),
	}
}

func (r *Registry) Register(f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[f.ID()] = f
}

func (r *Registry) Get(id string) (Fetcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[id]
	return f, ok
}

// ResolveForDevice picks the fetcher variant for a device and assembles its
// credentials: device-level overrides first, company defaults as fallback.
func (r *Registry) ResolveForDevice(device *database.Device, decryptor CredentialDecryptor) (Fetcher, Credentials, error) {
	var creds Credentials

	var location *database.Location
	if device.LocationID != nil {
		var loc database.Location
		if err := r.db.First(&loc, "id = ?", *device.LocationID).Error; err == nil {
			location = &loc
		}
	}

	fetcherID := SFTPFetcherID
	if location != nil && location.UsePCCBackup {
		fetcherID = PCCFetcherID
		creds.PCCFacID = location.PCCFacID
	}

	fetcher, ok := r.Get(fetcherID)
	if !ok {
		return nil, creds, fmt.Errorf("fetcher %s not registered", fetcherID)
	}

	var company *database.Company
	if device.CompanyID != nil {
		var co database.Company
		if err := r.db.First(&co, "id = ?", *device.CompanyID).Error; err == nil {
			company = &co
		}
	}

	creds.Host = device.SFTPHost
	creds.Username = device.SFTPUsername
	passwordEnc := device.SFTPPasswordEnc
	if company != nil {
		if creds.Host == "" {
			creds.Host = company.SFTPHost
		}
		if creds.Username == "" {
			creds.Username = company.SFTPUsername
		}
		if len(passwordEnc) == 0 {
			passwordEnc = company.SFTPPasswordEnc
		}
	}

	if len(passwordEnc) > 0 {
		if decryptor == nil {
			return nil, creds, errors.New("credentials are encrypted but no decryptor is available")
		}
		plain, err := decryptor.DecryptCredentials(passwordEnc)
		if err != nil {
			return nil, creds, fmt.Errorf("decrypt sftp password: %w", err)
		}
		creds.Password = string(plain)
	}

	creds.Folders = resolveFolders(device, location)

	return fetcher, creds, nil
}

// resolveFolders collects the device's primary remote root plus any
// additional folders attached to it, deduplicated in order.
func resolveFolders(device *database.Device, location *database.Location) []string {
	var folders []string
	seen := make(map[string]struct{})

	add := func(folder string) {
		folder = strings.TrimSpace(folder)
		if folder == "" {
			return
		}
		if _, ok := seen[folder]; ok {
			return
		}
		seen[folder] = struct{}{}
		folders = append(folders, folder)
	}

	add(device.SFTPFolder)
	if location != nil {
		add(location.SFTPFolder)
	}
	for _, extra := range strings.Split(device.AdditionalFolders, ",") {
		add(extra)
	}

	return folders
}
