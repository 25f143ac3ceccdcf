package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/emarvault/emarvault/config"
	"github.com/emarvault/emarvault/internal/auth"
	"github.com/emarvault/emarvault/internal/database"
	"github.com/emarvault/emarvault/internal/notify"
	"github.com/emarvault/emarvault/internal/periods"
	"github.com/emarvault/emarvault/internal/sources"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const operatorKey = "operator-passphrase"

func setupHandler(t *testing.T) (*Handler, *database.DB) {
	t.Helper()

	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	gormDB.AutoMigrate(
		&database.Company{}, &database.Location{}, &database.Device{},
		&database.BackupLogPeriod{}, &database.Webhook{}, &database.Setting{},
	)
	db := &database.DB{DB: gormDB}

	cfg := &config.Config{Passphrase: operatorKey}
	authService := auth.New(db, cfg)

	registry := sources.NewRegistry(db)
	registry.Register(sources.NewSFTP(time.Second))

	h := New(db, authService, registry, periods.New(db), notify.New(db, nil, nil))
	return h, db
}

func seedDevice(t *testing.T, db *database.DB, key string) *database.Device {
	t.Helper()

	company := database.Company{Name: "Acme Care", SFTPHost: "sftp.acme.test", SFTPUsername: "acme"}
	if err := db.Create(&company).Error; err != nil {
		t.Fatal(err)
	}
	location := database.Location{Name: "Clinic A", CompanyID: &company.ID, SFTPFolder: "clinic-a", BackupSchedule: "0 */2 * * *"}
	if err := db.Create(&location).Error; err != nil {
		t.Fatal(err)
	}
	device := database.Device{
		IdentityKey: key,
		Name:        "Front Desk",
		LocationID:  &location.ID,
		CompanyID:   &company.ID,
		Activated:   true,
	}
	if err := db.Create(&device).Error; err != nil {
		t.Fatal(err)
	}
	return &device
}

func doJSON(t *testing.T, h *Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func deviceHeaders(key string) map[string]string {
	return map[string]string{"X-Identity-Key": key}
}

func operatorHeaders() map[string]string {
	return map[string]string{"X-API-Key": operatorKey}
}

func TestHealth(t *testing.T) {
	h, _ := setupHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp map[string]interface{}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["status"] != "ok" {
		t.Errorf("status field = %v", resp["status"])
	}
}

func TestRegisterAssignsIdentityKey(t *testing.T) {
	h, db := setupHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/api/register",
		map[string]string{"device_name": "Front Desk"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["identity_key"] == "" {
		t.Fatal("no identity key assigned")
	}

	device, err := db.DeviceByIdentityKey(resp["identity_key"])
	if err != nil {
		t.Fatal(err)
	}
	if device.Activated {
		t.Error("registration must not activate the device")
	}
}

func TestRegisterResolvesExistingDevice(t *testing.T) {
	h, db := setupHandler(t)
	seedDevice(t, db, "dev-1")

	rec := doJSON(t, h, http.MethodPost, "/api/register",
		map[string]string{"identity_key": "dev-1", "device_name": "Renamed"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["identity_key"] != "dev-1" {
		t.Errorf("identity_key = %q", resp["identity_key"])
	}
}

func TestGetCredentialsResolvesCompanyDefaults(t *testing.T) {
	h, db := setupHandler(t)
	seedDevice(t, db, "dev-1")

	rec := doJSON(t, h, http.MethodPost, "/api/get_credentials",
		map[string]string{"identity_key": "dev-1"}, deviceHeaders("dev-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]interface{}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["host"] != "sftp.acme.test" {
		t.Errorf("host = %v", resp["host"])
	}
	if resp["username"] != "acme" {
		t.Errorf("username = %v", resp["username"])
	}
	if resp["backup_schedule"] != "0 */2 * * *" {
		t.Errorf("backup_schedule = %v", resp["backup_schedule"])
	}
}

func TestGetCredentialsRejectsOtherDevice(t *testing.T) {
	h, db := setupHandler(t)
	seedDevice(t, db, "dev-1")

	rec := doJSON(t, h, http.MethodPost, "/api/get_credentials",
		map[string]string{"identity_key": "dev-1"}, deviceHeaders("dev-2"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestGetCredentialsRejectsAnonymous(t *testing.T) {
	h, db := setupHandler(t)
	seedDevice(t, db, "dev-1")

	rec := doJSON(t, h, http.MethodPost, "/api/get_credentials",
		map[string]string{"identity_key": "dev-1"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestReportActivityUpdatesHeartbeat(t *testing.T) {
	h, db := setupHandler(t)
	device := seedDevice(t, db, "dev-1")
	device.Activated = false
	device.LastTimeOnline = nil
	if err := db.Save(device).Error; err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/report_activity",
		map[string]string{"identity_key": "dev-1"}, deviceHeaders("dev-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	got, _ := db.DeviceByIdentityKey("dev-1")
	if got.LastTimeOnline == nil {
		t.Error("LastTimeOnline not set")
	}
	if !got.Activated {
		t.Error("heartbeat must activate the device")
	}

	// A heartbeat carries no download, so it must not open a period.
	periods, err := db.PeriodsForDevice("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(periods) != 0 {
		t.Errorf("heartbeat opened %d periods, want none", len(periods))
	}
}

func TestReportDownloadStatusDownloadedExtendsPeriods(t *testing.T) {
	h, db := setupHandler(t)
	seedDevice(t, db, "dev-1")

	rec := doJSON(t, h, http.MethodPost, "/api/report_download_status",
		map[string]string{"identity_key": "dev-1", "status": "downloaded", "last_saved_path": "dev-1/backup_x"},
		deviceHeaders("dev-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	got, _ := db.DeviceByIdentityKey("dev-1")
	if got.DownloadStatus != database.DownloadStatusDownloaded {
		t.Errorf("status = %q", got.DownloadStatus)
	}
	if got.LastDownloadTime == nil {
		t.Error("LastDownloadTime not set")
	}
	if got.LastSavedPath != "dev-1/backup_x" {
		t.Errorf("LastSavedPath = %q", got.LastSavedPath)
	}

	periods, err := db.PeriodsForDevice("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(periods) != 1 || periods[0].Type != database.PeriodWithDownloads {
		t.Errorf("periods = %+v", periods)
	}
}

func TestReportDownloadStatusError(t *testing.T) {
	h, db := setupHandler(t)
	seedDevice(t, db, "dev-1")

	rec := doJSON(t, h, http.MethodPost, "/api/report_download_status",
		map[string]string{"identity_key": "dev-1", "status": "error", "error": "disk full"},
		deviceHeaders("dev-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	got, _ := db.DeviceByIdentityKey("dev-1")
	if got.DownloadStatus != "error - disk full" {
		t.Errorf("status = %q", got.DownloadStatus)
	}

	periods, _ := db.PeriodsForDevice("dev-1")
	if len(periods) != 0 {
		t.Error("error report must not extend the period log")
	}
}

func TestReportDownloadStatusUnknown(t *testing.T) {
	h, db := setupHandler(t)
	seedDevice(t, db, "dev-1")

	rec := doJSON(t, h, http.MethodPost, "/api/report_download_status",
		map[string]string{"identity_key": "dev-1", "status": "sideways"},
		deviceHeaders("dev-1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestReportFilesChecksum(t *testing.T) {
	h, db := setupHandler(t)
	seedDevice(t, db, "dev-1")

	rec := doJSON(t, h, http.MethodPost, "/api/report_files_checksum",
		map[string]interface{}{
			"identity_key":   "dev-1",
			"files_checksum": map[string]string{"backups/emar.db": "2024-05-10T10:00:00Z"},
		},
		deviceHeaders("dev-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	got, _ := db.DeviceByIdentityKey("dev-1")
	if got.FilesChecksumMap()["backups/emar.db"] != "2024-05-10T10:00:00Z" {
		t.Errorf("checksum map = %v", got.FilesChecksumMap())
	}
}

func TestWebhookLifecycleRequiresOperator(t *testing.T) {
	h, _ := setupHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/api/webhooks",
		map[string]interface{}{"name": "w", "url": "http://example.com", "events": []string{"*"}},
		deviceHeaders("dev-1"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("device-created webhook status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/webhooks",
		map[string]interface{}{"name": "w", "url": "http://example.com", "events": []string{"*"}},
		operatorHeaders())
	if rec.Code != http.StatusCreated {
		t.Fatalf("operator-created webhook status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/webhooks", nil, operatorHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var webhooks []database.Webhook
	json.NewDecoder(rec.Body).Decode(&webhooks)
	if len(webhooks) != 1 {
		t.Fatalf("webhooks = %d, want 1", len(webhooks))
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/webhooks/1", nil, operatorHeaders())
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestCreateWebhookRejectsUnknownEvent(t *testing.T) {
	h, _ := setupHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/api/webhooks",
		map[string]interface{}{"name": "w", "url": "http://example.com", "events": []string{"nope"}},
		operatorHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
