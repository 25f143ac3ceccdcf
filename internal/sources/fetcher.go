// Package sources fetches backup snapshots from remote file sources into a
// local staging directory. Two fetcher variants exist with the same output
// contract: an SFTP walker and a PCC streaming download.
package sources

import (
	"context"
	"errors"
)

// Fetcher pulls a device's backup snapshot into stagingDir and reports a
// fingerprint for every remote file it saw.
type Fetcher interface {
	ID() string
	Name() string
	Validate(ctx context.Context, creds Credentials) error
	FetchSnapshot(ctx context.Context, creds Credentials, stagingDir string) (*Snapshot, error)
}

// Credentials is the resolved connection material for one device's fetch.
// Device-level overrides win over company defaults.
type Credentials struct {
	Host     string
	Username string
	Password string
	// Folders are the remote roots to walk: the device's primary folder plus
	// any additional locations attached to it.
	Folders []string
	// PCCFacID is the external facility id for the PCC variant.
	PCCFacID string
}

// Snapshot describes what a fetch staged locally.
type Snapshot struct {
	// StagingDir holds the downloaded tree.
	StagingDir string
	// Files are the items staged during this cycle.
	Files []StagedFile
	// Fingerprints maps every remote path seen, staged or not, to its change
	// fingerprint.
	Fingerprints map[string]string
}

type StagedFile struct {
	RemotePath  string
	LocalPath   string
	Size        int64
	Fingerprint string
}

// FetchError is the typed failure every fetcher variant raises.
type FetchError struct {
	Code    string
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *FetchError) Unwrap() error { return e.Err }

const (
	// ErrCodeBlacklisted marks a source whose connection timed out; terminal
	// until an operator intervenes.
	ErrCodeBlacklisted = "SOURCE_BLACKLISTED"
	ErrCodeAuth        = "AUTH_ERROR"
	ErrCodeConnection  = "CONNECTION_ERROR"
	ErrCodeTransport   = "TRANSPORT_ERROR"
	ErrCodeBadResponse = "BAD_RESPONSE"
	ErrCodeQuota       = "QUOTA_EXCEEDED"
)

// NewFetchError creates a typed fetch error.
func NewFetchError(code, message string, err error) *FetchError {
	return &FetchError{Code: code, Message: message, Err: err}
}

// IsBlacklisted reports whether err carries the blacklist code.
func IsBlacklisted(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Code == ErrCodeBlacklisted
}
