package notify

import "time"

const (
	EventBackupCompleted   = "backup.completed"
	EventBackupFailed      = "backup.failed"
	EventDeviceNoBackup    = "device.no_backup"
	EventDeviceOffline     = "device.offline"
	EventDeviceRecovered   = "device.recovered"
	EventLocationRed       = "location.red"
	EventSourceBlacklisted = "source.blacklisted"
)

// Event is the payload delivered to webhooks and rendered into alert emails.
type Event struct {
	Type      string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Device    *Device   `json:"device,omitempty"`
	Location  *Location `json:"location,omitempty"`
	Archive   *Archive  `json:"archive,omitempty"`
	Alert     *Alert    `json:"alert,omitempty"`
	Error     *Error    `json:"error,omitempty"`
}

type Device struct {
	IdentityKey string `json:"identityKey"`
	Name        string `json:"name"`
}

type Location struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

type Archive struct {
	Path  string `json:"path"`
	Entry string `json:"entry,omitempty"`
}

// Alert carries the tri-color tag persisted on the device record.
type Alert struct {
	Color  string  `json:"color"`
	Reason string  `json:"reason"`
	Hours  float64 `json:"hours,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEvent creates an event with the current timestamp.
func NewEvent(eventType string) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

func (e *Event) WithDevice(identityKey, name string) *Event {
	e.Device = &Device{IdentityKey: identityKey, Name: name}
	return e
}

func (e *Event) WithLocation(id uint, name string) *Event {
	e.Location = &Location{ID: id, Name: name}
	return e
}

func (e *Event) WithArchive(path, entry string) *Event {
	e.Archive = &Archive{Path: path, Entry: entry}
	return e
}

func (e *Event) WithAlert(color, reason string, hours float64) *Event {
	e.Alert = &Alert{Color: color, Reason: reason, Hours: hours}
	return e
}

func (e *Event) WithError(code, message string) *Event {
	e.Error = &Error{Code: code, Message: message}
	return e
}

func AllEvents() []string {
	return []string{
		EventBackupCompleted,
		EventBackupFailed,
		EventDeviceNoBackup,
		EventDeviceOffline,
		EventDeviceRecovered,
		EventLocationRed,
		EventSourceBlacklisted,
	}
}

func IsValidEvent(event string) bool {
	if event == "*" {
		return true
	}
	for _, e := range AllEvents() {
		if e == event {
			return true
		}
	}
	return false
}
