package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/emarvault/emarvault/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupManager(t *testing.T, mailer Mailer, recipients []string) (*Manager, *database.DB) {
	t.Helper()

	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	gormDB.AutoMigrate(&database.Webhook{})
	db := &database.DB{DB: gormDB}
	return New(db, mailer, recipients), db
}

type fakeMailer struct {
	mu       sync.Mutex
	sent     []string
	lastBody string
}

func (f *fakeMailer) Send(to []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, subject)
	f.lastBody = body
	return nil
}

func TestEmitDeliversToSubscribedWebhook(t *testing.T) {
	received := make(chan *Event, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event Event
		json.NewDecoder(r.Body).Decode(&event)
		received <- &event
	}))
	defer server.Close()

	m, _ := setupManager(t, nil, nil)
	if _, err := m.CreateWebhook("alerts", server.URL, []string{EventLocationRed}); err != nil {
		t.Fatal(err)
	}

	event := NewEvent(EventLocationRed).
		WithLocation(7, "Clinic A").
		WithAlert("red", "all devices offline", 6)
	m.Emit(context.Background(), event)

	select {
	case got := <-received:
		if got.Type != EventLocationRed {
			t.Errorf("delivered type = %q", got.Type)
		}
		if got.Location == nil || got.Location.Name != "Clinic A" {
			t.Errorf("delivered location = %+v", got.Location)
		}
		if got.Alert == nil || got.Alert.Color != "red" {
			t.Errorf("delivered alert = %+v", got.Alert)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestEmitSkipsUnsubscribedWebhook(t *testing.T) {
	hits := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
	}))
	defer server.Close()

	m, _ := setupManager(t, nil, nil)
	if _, err := m.CreateWebhook("backups-only", server.URL, []string{EventBackupCompleted}); err != nil {
		t.Fatal(err)
	}

	m.Emit(context.Background(), NewEvent(EventDeviceOffline))

	select {
	case <-hits:
		t.Error("webhook received an event it is not subscribed to")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestEmitWildcardSubscription(t *testing.T) {
	hits := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
	}))
	defer server.Close()

	m, _ := setupManager(t, nil, nil)
	if _, err := m.CreateWebhook("everything", server.URL, []string{"*"}); err != nil {
		t.Fatal(err)
	}

	m.Emit(context.Background(), NewEvent(EventSourceBlacklisted))

	select {
	case <-hits:
	case <-time.After(2 * time.Second):
		t.Fatal("wildcard webhook was not delivered")
	}
}

func TestSendAlertEmail(t *testing.T) {
	mailer := &fakeMailer{}
	m, _ := setupManager(t, mailer, []string{"ops@example.com"})

	m.SendAlertEmail("Location Clinic A is red", "all 3 devices offline")

	deadline := time.Now().Add(2 * time.Second)
	for {
		mailer.mu.Lock()
		n := len(mailer.sent)
		mailer.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("alert email was not sent")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendAlertEmailWithoutMailerIsNoop(t *testing.T) {
	m, _ := setupManager(t, nil, nil)
	// Must not panic.
	m.SendAlertEmail("subject", "body")
}

func TestIsValidEvent(t *testing.T) {
	for _, e := range AllEvents() {
		if !IsValidEvent(e) {
			t.Errorf("%q should be valid", e)
		}
	}
	if !IsValidEvent("*") {
		t.Error("wildcard should be valid")
	}
	if IsValidEvent("bogus.event") {
		t.Error("unknown event should be invalid")
	}
}

func TestEventBuilder(t *testing.T) {
	event := NewEvent(EventBackupFailed).
		WithDevice("dev-1", "Front Desk").
		WithError("TRANSPORT_ERROR", "download failed")

	if event.Device.IdentityKey != "dev-1" {
		t.Errorf("device = %+v", event.Device)
	}
	if event.Error.Code != "TRANSPORT_ERROR" {
		t.Errorf("error = %+v", event.Error)
	}
	if event.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}
