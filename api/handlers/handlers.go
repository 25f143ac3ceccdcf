// Package handlers is the HTTP surface for desktop agents and operators.
// Agents authenticate with their identity key; operators with the server
// passphrase.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/emarvault/emarvault/internal/auth"
	"github.com/emarvault/emarvault/internal/database"
	"github.com/emarvault/emarvault/internal/notify"
	"github.com/emarvault/emarvault/internal/periods"
	"github.com/emarvault/emarvault/internal/sources"
)

var startTime = time.Now()

type Handler struct {
	db       *database.DB
	auth     *auth.Service
	registry *sources.Registry
	periods  *periods.Builder
	notify   *notify.Manager
}

func New(db *database.DB, authService *auth.Service, registry *sources.Registry, builder *periods.Builder, notifier *notify.Manager) *Handler {
	return &Handler{
		db:       db,
		auth:     authService,
		registry: registry,
		periods:  builder,
		notify:   notifier,
	}
}

// Router wires every route. Registration and health are open; everything
// else goes through the capability check.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/health", h.Health)
	r.Post("/api/register", h.Register)

	r.Group(func(r chi.Router) {
		r.Post("/api/get_credentials", h.GetCredentials)
		r.Post("/api/report_activity", h.ReportActivity)
		r.Post("/api/report_download_status", h.ReportDownloadStatus)
		r.Post("/api/report_files_checksum", h.ReportFilesChecksum)
	})

	r.Group(func(r chi.Router) {
		r.Get("/api/webhooks", h.ListWebhooks)
		r.Post("/api/webhooks", h.CreateWebhook)
		r.Delete("/api/webhooks/{id}", h.DeleteWebhook)
	})

	return r
}

// Helper functions
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// deviceForRequest authorizes the caller against a device resource and loads
// the record.
func (h *Handler) deviceForRequest(w http.ResponseWriter, r *http.Request, identityKey string, action auth.Action) *database.Device {
	actor := h.auth.ActorFromRequest(r)
	resource := auth.Resource{Kind: auth.ResourceDevice, DeviceKey: identityKey}
	if !auth.Can(actor, resource, action) {
		writeError(w, http.StatusForbidden, "Not allowed")
		return nil
	}

	device, err := h.db.DeviceByIdentityKey(identityKey)
	if err != nil {
		writeError(w, http.StatusNotFound, "Device not found")
		return nil
	}
	return device
}

// Health

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(startTime).String(),
	})
}

// Agent handlers

type registerRequest struct {
	IdentityKey string `json:"identity_key"`
	DeviceName  string `json:"device_name"`
}

// Register creates or resolves a device identity. A first-time agent sends
// no identity key and gets a freshly assigned one back.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.IdentityKey != "" {
		if device, err := h.db.DeviceByIdentityKey(req.IdentityKey); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{
				"identity_key": device.IdentityKey,
				"device_name":  device.Name,
			})
			return
		}
	}

	device := &database.Device{
		IdentityKey: uuid.NewString(),
		Name:        req.DeviceName,
	}
	if err := h.db.Create(device).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to register device")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"identity_key": device.IdentityKey,
		"device_name":  device.Name,
	})
}

type credentialsRequest struct {
	IdentityKey string `json:"identity_key"`
	DeviceName  string `json:"device_name"`
}

// GetCredentials returns the resolved backup configuration for a device:
// device overrides first, company defaults as fallback.
func (h *Handler) GetCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	device := h.deviceForRequest(w, r, req.IdentityKey, auth.ActionRead)
	if device == nil {
		return
	}

	if req.DeviceName != "" && req.DeviceName != device.Name {
		device.Name = req.DeviceName
		h.db.Save(device)
	}

	_, creds, err := h.registry.ResolveForDevice(device, h.auth)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve credentials")
		return
	}

	usePCC := false
	schedule := ""
	if device.LocationID != nil {
		var location database.Location
		if err := h.db.First(&location, "id = ?", *device.LocationID).Error; err == nil {
			usePCC = location.UsePCCBackup
			schedule = location.BackupSchedule
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"host":            creds.Host,
		"username":        creds.Username,
		"password":        creds.Password,
		"folders":         creds.Folders,
		"use_pcc":         usePCC,
		"pcc_fac_id":      creds.PCCFacID,
		"backup_schedule": schedule,
	})
}

type activityRequest struct {
	IdentityKey string `json:"identity_key"`
}

// ReportActivity is the agent heartbeat.
func (h *Handler) ReportActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	device := h.deviceForRequest(w, r, req.IdentityKey, auth.ActionReport)
	if device == nil {
		return
	}

	now := time.Now()
	device.LastTimeOnline = &now
	device.Activated = true
	if err := h.db.Save(device).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to record activity")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type downloadStatusRequest struct {
	IdentityKey   string `json:"identity_key"`
	Status        string `json:"status"`
	LastSavedPath string `json:"last_saved_path"`
	Error         string `json:"error"`
}

// ReportDownloadStatus transitions a device's download state. A "downloaded"
// report also advances the backup period log.
func (h *Handler) ReportDownloadStatus(w http.ResponseWriter, r *http.Request) {
	var req downloadStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	device := h.deviceForRequest(w, r, req.IdentityKey, auth.ActionReport)
	if device == nil {
		return
	}

	now := time.Now()
	switch req.Status {
	case database.DownloadStatusDownloading:
		device.DownloadStatus = database.DownloadStatusDownloading
	case database.DownloadStatusDownloaded:
		device.DownloadStatus = database.DownloadStatusDownloaded
		device.LastDownloadTime = &now
		if req.LastSavedPath != "" {
			device.LastSavedPath = req.LastSavedPath
		}
	case database.DownloadStatusError:
		device.DownloadStatus = database.DownloadStatusError
		if req.Error != "" {
			device.DownloadStatus = database.DownloadStatusError + " - " + req.Error
		}
	default:
		writeError(w, http.StatusBadRequest, "Unknown download status")
		return
	}

	if err := h.db.Save(device).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to record download status")
		return
	}

	if req.Status == database.DownloadStatusDownloaded {
		if err := h.periods.Observe(device.IdentityKey, now); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to extend backup log")
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

type filesChecksumRequest struct {
	IdentityKey   string            `json:"identity_key"`
	FilesChecksum map[string]string `json:"files_checksum"`
}

// ReportFilesChecksum persists the agent's remote-path fingerprint mapping.
func (h *Handler) ReportFilesChecksum(w http.ResponseWriter, r *http.Request) {
	var req filesChecksumRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	device := h.deviceForRequest(w, r, req.IdentityKey, auth.ActionReport)
	if device == nil {
		return
	}

	if err := device.SetFilesChecksumMap(req.FilesChecksum); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid checksum mapping")
		return
	}
	if err := h.db.Save(device).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save checksums")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// Operator handlers

func (h *Handler) requireOperator(w http.ResponseWriter, r *http.Request, kind string) bool {
	actor := h.auth.ActorFromRequest(r)
	if !auth.Can(actor, auth.Resource{Kind: kind}, auth.ActionManage) {
		writeError(w, http.StatusForbidden, "Not allowed")
		return false
	}
	return true
}

func (h *Handler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	if !h.requireOperator(w, r, auth.ResourceWebhook) {
		return
	}

	webhooks, err := h.notify.ListWebhooks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list webhooks")
		return
	}
	writeJSON(w, http.StatusOK, webhooks)
}

type createWebhookRequest struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

func (h *Handler) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.requireOperator(w, r, auth.ResourceWebhook) {
		return
	}

	var req createWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "Name and URL are required")
		return
	}
	for _, event := range req.Events {
		if !notify.IsValidEvent(event) {
			writeError(w, http.StatusBadRequest, "Unknown event: "+event)
			return
		}
	}

	webhook, err := h.notify.CreateWebhook(req.Name, req.URL, req.Events)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create webhook")
		return
	}
	writeJSON(w, http.StatusCreated, webhook)
}

func (h *Handler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.requireOperator(w, r, auth.ResourceWebhook) {
		return
	}

	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid webhook id")
		return
	}

	if err := h.notify.DeleteWebhook(uint(id)); err != nil {
		writeError(w, http.StatusNotFound, "Webhook not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
