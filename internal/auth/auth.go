package auth

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/emarvault/emarvault/config"
	"github.com/emarvault/emarvault/internal/database"
)

const (
	apiKeyHeader      = "X-API-Key"
	identityKeyHeader = "X-Identity-Key"
)

var (
	ErrNotConfigured   = errors.New("passphrase not configured")
	ErrInvalidPassword = errors.New("invalid passphrase")
)

// Service validates operator passphrases and holds the keychain for SFTP
// credentials at rest.
type Service struct {
	db       *database.DB
	cfg      *config.Config
	keychain *Keychain
}

func New(db *database.DB, cfg *config.Config) *Service {
	s := &Service{db: db, cfg: cfg}
	if cfg.Passphrase != "" {
		if err := s.setup(cfg.Passphrase); err == nil {
			s.loadKeychain(cfg.Passphrase)
		}
	}
	return s
}

func (s *Service) setup(passphrase string) error {
	saltStr, err := s.db.GetSetting(database.SettingPassphraseSalt)
	var salt []byte
	if err != nil {
		salt, err = GenerateSalt()
		if err != nil {
			return err
		}
		saltStr = base64.StdEncoding.EncodeToString(salt)
		if err := s.db.SetSetting(database.SettingPassphraseSalt, saltStr); err != nil {
			return err
		}
	} else {
		salt, _ = base64.StdEncoding.DecodeString(saltStr)
	}

	if err := s.db.SetSetting(database.SettingPassphraseHash, HashPassphrase(passphrase, salt)); err != nil {
		return err
	}

	if _, err := s.db.GetSetting(database.SettingEncryptionSalt); err != nil {
		encSalt, err := GenerateSalt()
		if err != nil {
			return err
		}
		if err := s.db.SetSetting(database.SettingEncryptionSalt, base64.StdEncoding.EncodeToString(encSalt)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) loadKeychain(passphrase string) error {
	saltStr, err := s.db.GetSetting(database.SettingEncryptionSalt)
	if err != nil {
		return err
	}
	salt, err := base64.StdEncoding.DecodeString(saltStr)
	if err != nil {
		return err
	}
	s.keychain = NewKeychain(passphrase, salt)
	return nil
}

// Validate checks an operator passphrase against the stored hash.
func (s *Service) Validate(passphrase string) bool {
	saltStr, err := s.db.GetSetting(database.SettingPassphraseSalt)
	if err != nil {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(saltStr)
	if err != nil {
		return false
	}
	storedHash, err := s.db.GetSetting(database.SettingPassphraseHash)
	if err != nil {
		return false
	}
	return VerifyPassphrase(passphrase, salt, storedHash)
}

// EncryptCredentials seals an SFTP password for storage on a company or
// device record.
func (s *Service) EncryptCredentials(plaintext []byte) ([]byte, error) {
	if s.keychain == nil {
		return nil, ErrNotConfigured
	}
	return s.keychain.Seal(plaintext)
}

// DecryptCredentials opens a stored SFTP password. Implements
// sources.CredentialDecryptor.
func (s *Service) DecryptCredentials(ciphertext []byte) ([]byte, error) {
	if s.keychain == nil {
		return nil, ErrNotConfigured
	}
	return s.keychain.Open(ciphertext)
}

// ActorFromRequest resolves the caller: an operator presenting the API key,
// or a device presenting its identity key.
func (s *Service) ActorFromRequest(r *http.Request) Actor {
	if key := r.Header.Get(apiKeyHeader); key != "" && s.Validate(key) {
		return Actor{Operator: true}
	}
	if identity := r.Header.Get(identityKeyHeader); identity != "" {
		return Actor{DeviceKey: identity}
	}
	return Actor{}
}
