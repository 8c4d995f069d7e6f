package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/agent/repository"
	"github.com/jarvishq/jarvisd/internal/agent/repository/sqlite"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/db"
	"github.com/jarvishq/jarvisd/internal/events"
	"github.com/jarvishq/jarvisd/internal/events/bus"
)

type fakeGmail struct {
	historyID string
	expiry    time.Time
	messages  []EmailMessage
	newHist   string
	watches   int
}

func (f *fakeGmail) Watch(ctx context.Context) (string, time.Time, error) {
	f.watches++
	return f.historyID, f.expiry, nil
}

func (f *fakeGmail) History(ctx context.Context, startHistoryID string) ([]EmailMessage, string, error) {
	return f.messages, f.newHist, nil
}

type emailEnv struct {
	router   *gin.Engine
	handler  *EmailHandler
	repo     repository.Repository
	recorder *triggerRecorder
	agent    *models.Agent
	gmail    *fakeGmail
}

func setupEmail(t *testing.T, gmail *fakeGmail) *emailEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	dbConn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	repo, err := sqlite.NewWithDB(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { _ = sqlxDB.Close() })

	memBus := bus.NewMemoryBus(log)
	t.Cleanup(memBus.Close)
	recorder := &triggerRecorder{}
	if _, err := memBus.Subscribe(events.TriggerFired, "recorder", recorder.record); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	agent := &models.Agent{OwnerID: "user-1", Name: "mail-agent", SystemInstructions: "s", Model: "gpt-4o"}
	if err := repo.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	handler := NewEmailHandler(repo, memBus, NewStaticTokenVerifier("push-token"), gmail, log)
	router := gin.New()
	router.POST("/api/email/webhook/google", handler.HandlePush)

	return &emailEnv{router: router, handler: handler, repo: repo, recorder: recorder, agent: agent, gmail: gmail}
}

func (env *emailEnv) createTrigger(t *testing.T, config models.EmailTriggerConfig) *models.Trigger {
	t.Helper()
	raw, err := json.Marshal(config)
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}
	trigger := &models.Trigger{AgentID: env.agent.ID, Type: models.TriggerTypeEmail, Config: raw}
	if err := env.repo.CreateTrigger(context.Background(), trigger); err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}
	return trigger
}

func (env *emailEnv) push(token string) *httptest.ResponseRecorder {
	body := []byte(`{"message":{"data":"","messageId":"m1"},"subscription":"sub"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/email/webhook/google", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func TestEmailPushUnauthorized(t *testing.T) {
	env := setupEmail(t, &fakeGmail{})

	if w := env.push(""); w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", w.Code)
	}
	if w := env.push("wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", w.Code)
	}
}

func TestEmailFirstPushEstablishesWatch(t *testing.T) {
	gmail := &fakeGmail{historyID: "1000", expiry: time.Now().Add(7 * 24 * time.Hour)}
	env := setupEmail(t, gmail)
	trigger := env.createTrigger(t, models.EmailTriggerConfig{})

	if w := env.push("push-token"); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	if gmail.watches != 1 {
		t.Errorf("expected one watch call, got %d", gmail.watches)
	}
	stored, _ := env.repo.GetTrigger(context.Background(), trigger.ID)
	if stored.HistoryID == nil || *stored.HistoryID != "1000" {
		t.Errorf("expected stored history id, got %v", stored.HistoryID)
	}
	if stored.WatchExpiry == nil {
		t.Error("expected stored watch expiry")
	}
	if env.recorder.count() != 0 {
		t.Error("watch establishment must not fire events")
	}
}

func TestEmailPushFiresMatchingMessages(t *testing.T) {
	gmail := &fakeGmail{
		messages: []EmailMessage{
			{Number: "11", Sender: "boss@corp.test", Subject: "Weekly report", Body: "please summarize"},
			{Number: "12", Sender: "spam@other.test", Subject: "Weekly report", Body: "ignore me"},
			{Number: "13", Sender: "boss@corp.test", Subject: "lunch?", Body: "ignore me too"},
		},
		newHist: "2000",
	}
	env := setupEmail(t, gmail)
	trigger := env.createTrigger(t, models.EmailTriggerConfig{
		Sender:       "boss@corp.test",
		SubjectRegex: "(?i)report",
	})
	hist := "1000"
	if err := env.repo.UpdateTriggerWatch(context.Background(), trigger.ID, &hist, nil, nil); err != nil {
		t.Fatalf("failed to seed history: %v", err)
	}

	if w := env.push("push-token"); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	if env.recorder.count() != 1 {
		t.Fatalf("expected 1 fired event, got %d", env.recorder.count())
	}
	var doc map[string]string
	if err := json.Unmarshal(env.recorder.events[0].Payload, &doc); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if doc["message_number"] != "11" || doc["subject"] != "Weekly report" {
		t.Errorf("unexpected fired message: %v", doc)
	}

	stored, _ := env.repo.GetTrigger(context.Background(), trigger.ID)
	if stored.HistoryID == nil || *stored.HistoryID != "2000" {
		t.Errorf("expected advanced history id, got %v", stored.HistoryID)
	}
	// Dedup key advances past every seen message, matching or not.
	if stored.LastMessageKey == nil || *stored.LastMessageKey != "13" {
		t.Errorf("expected last message key 13, got %v", stored.LastMessageKey)
	}
}

func TestEmailPushDeduplicates(t *testing.T) {
	gmail := &fakeGmail{
		messages: []EmailMessage{
			{Number: "5", Sender: "boss@corp.test", Subject: "old"},
			{Number: "9", Sender: "boss@corp.test", Subject: "new"},
		},
		newHist: "2000",
	}
	env := setupEmail(t, gmail)
	trigger := env.createTrigger(t, models.EmailTriggerConfig{})
	hist, lastKey := "1000", "5"
	if err := env.repo.UpdateTriggerWatch(context.Background(), trigger.ID, &hist, &lastKey, nil); err != nil {
		t.Fatalf("failed to seed watch state: %v", err)
	}

	if w := env.push("push-token"); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	if env.recorder.count() != 1 {
		t.Fatalf("expected only the unseen message to fire, got %d events", env.recorder.count())
	}
	var doc map[string]string
	_ = json.Unmarshal(env.recorder.events[0].Payload, &doc)
	if doc["message_number"] != "9" {
		t.Errorf("expected message 9, got %v", doc)
	}
}

func TestRenewExpiringWatches(t *testing.T) {
	gmail := &fakeGmail{historyID: "3000", expiry: time.Now().Add(7 * 24 * time.Hour)}
	env := setupEmail(t, gmail)

	near := env.createTrigger(t, models.EmailTriggerConfig{})
	hist := "1000"
	soon := time.Now().Add(time.Hour)
	if err := env.repo.UpdateTriggerWatch(context.Background(), near.ID, &hist, nil, &soon); err != nil {
		t.Fatalf("failed to seed expiry: %v", err)
	}

	far := env.createTrigger(t, models.EmailTriggerConfig{})
	farExpiry := time.Now().Add(6 * 24 * time.Hour)
	if err := env.repo.UpdateTriggerWatch(context.Background(), far.ID, &hist, nil, &farExpiry); err != nil {
		t.Fatalf("failed to seed expiry: %v", err)
	}

	env.handler.renewExpiringWatches(context.Background())

	if gmail.watches != 1 {
		t.Errorf("only the near-expiry watch should renew, got %d watch calls", gmail.watches)
	}
	stored, _ := env.repo.GetTrigger(context.Background(), near.ID)
	if stored.WatchExpiry == nil || !stored.WatchExpiry.After(time.Now().Add(24*time.Hour)) {
		t.Errorf("expected renewed expiry, got %v", stored.WatchExpiry)
	}
}

func TestNewerMessage(t *testing.T) {
	cases := []struct {
		number, last string
		want         bool
	}{
		{"10", "", true},
		{"10", "9", true},
		{"9", "10", false},
		{"10", "10", false},
		{"b", "a", true},
		{"a", "b", false},
	}
	for _, tc := range cases {
		if got := newerMessage(tc.number, tc.last); got != tc.want {
			t.Errorf("newerMessage(%q, %q) = %v, want %v", tc.number, tc.last, got, tc.want)
		}
	}
}
