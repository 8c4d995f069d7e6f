package trigger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newGmailTestServer(t *testing.T, handler http.HandlerFunc) *GmailREST {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewGmailREST(server.Client(), StaticTokenSource("tok-1"), "projects/p/topics/t")
	client.baseURL = server.URL
	return client
}

func TestGmailWatch(t *testing.T) {
	client := newGmailTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/watch" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("unexpected auth header %q", got)
		}
		_, _ = w.Write([]byte(`{"historyId":"4711","expiration":"1700000000000"}`))
	})

	historyID, expiry, err := client.Watch(context.Background())
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if historyID != "4711" {
		t.Errorf("unexpected history id %q", historyID)
	}
	if !expiry.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("unexpected expiry %v", expiry)
	}
}

func TestGmailHistoryFetchesMessages(t *testing.T) {
	client := newGmailTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/history"):
			if got := r.URL.Query().Get("startHistoryId"); got != "100" {
				t.Errorf("unexpected startHistoryId %q", got)
			}
			_, _ = w.Write([]byte(`{
				"historyId": "200",
				"history": [{"messagesAdded": [{"message": {"id": "msg-1"}}]}]
			}`))
		case r.URL.Path == "/messages/msg-1":
			_, _ = w.Write([]byte(`{
				"id": "msg-1",
				"snippet": "build failed",
				"labelIds": ["INBOX"],
				"payload": {"headers": [
					{"name": "From", "value": "ci@corp.test"},
					{"name": "Subject", "value": "Build #42"}
				]}
			}`))
		default:
			t.Errorf("unexpected request path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	messages, historyID, err := client.History(context.Background(), "100")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if historyID != "200" {
		t.Errorf("unexpected history id %q", historyID)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msg := messages[0]
	if msg.Number != "msg-1" || msg.Sender != "ci@corp.test" || msg.Subject != "Build #42" || len(msg.Labels) != 1 {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestGmailUnauthorizedWithoutToken(t *testing.T) {
	client := NewGmailREST(nil, StaticTokenSource(""), "projects/p/topics/t")
	if _, _, err := client.Watch(context.Background()); err == nil {
		t.Error("expected error without access token")
	}
}
