package sources

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	PCCFetcherID   = "pcc"
	PCCFetcherName = "PointClickCare"
)

// PCCFetcher downloads a single backup-file blob for a facility via a
// streaming HTTP request. The caller gates every fetch against the daily
// request quota before invoking it.
type PCCFetcher struct {
	baseURL string
	client  *http.Client
}

func NewPCC(baseURL string, timeout time.Duration) *PCCFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &PCCFetcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *PCCFetcher) ID() string   { return PCCFetcherID }
func (f *PCCFetcher) Name() string { return PCCFetcherName }

func (f *PCCFetcher) Validate(ctx context.Context, creds Credentials) error {
	if f.baseURL == "" {
		return NewFetchError(ErrCodeBadResponse, "PCC base URL not configured", nil)
	}
	if creds.PCCFacID == "" {
		return NewFetchError(ErrCodeBadResponse, "facility id not set", nil)
	}
	return nil
}

func (f *PCCFetcher) FetchSnapshot(ctx context.Context, creds Credentials, stagingDir string) (*Snapshot, error) {
	if err := f.Validate(ctx, creds); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/facilities/%s/backup-files/latest/download", f.baseURL, creds.PCCFacID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, NewFetchError(ErrCodeTransport, "build request", err)
	}
	if creds.Password != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Password)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, NewFetchError(ErrCodeTransport, "download backup file", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewFetchError(ErrCodeBadResponse,
			fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, url), nil)
	}

	fileName, err := dispositionFilename(resp.Header.Get("Content-Disposition"))
	if err != nil {
		return nil, err
	}

	localPath := filepath.Join(stagingDir, fileName)
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	defer dst.Close()

	size, err := io.Copy(dst, resp.Body)
	if err != nil {
		os.Remove(localPath)
		return nil, NewFetchError(ErrCodeTransport, "stream backup file", err)
	}

	fingerprint := resp.Header.Get("Last-Modified")
	if fingerprint == "" {
		fingerprint = Fingerprint(time.Now())
	}

	remotePath := creds.PCCFacID + "/" + fileName
	return &Snapshot{
		StagingDir:   stagingDir,
		Files:        []StagedFile{{RemotePath: remotePath, LocalPath: localPath, Size: size, Fingerprint: fingerprint}},
		Fingerprints: map[string]string{remotePath: fingerprint},
	}, nil
}

func dispositionFilename(header string) (string, error) {
	if header == "" {
		return "", NewFetchError(ErrCodeBadResponse, "response has no content-disposition header", nil)
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return "", NewFetchError(ErrCodeBadResponse, "malformed content-disposition", err)
	}
	name := params["filename"]
	if name == "" {
		return "", NewFetchError(ErrCodeBadResponse, "content-disposition has no filename", nil)
	}
	return filepath.Base(name), nil
}
