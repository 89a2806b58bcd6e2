package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/LuminPulse-AI/chatsync/backend"
	"github.com/LuminPulse-AI/chatsync/model"
)

func writeOK(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": data}); err != nil {
		t.Errorf("encode: %v", err)
	}
}

func newServer(t *testing.T, h http.HandlerFunc) (*backend.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client := backend.NewClient(
		backend.WithBaseURL(srv.URL+"/"),
		backend.WithTimeout(5*time.Second),
		backend.WithTokenSource(func() string { return "tok-live" }),
	)
	return client, srv
}

func TestRefreshTokenUsesGivenToken(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/im/token/refresh" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-old" {
			t.Errorf("Authorization = %q", got)
		}
		writeOK(t, w, map[string]string{"token": "tok-new"})
	})

	tok, err := client.RefreshToken(context.Background(), "tok-old")
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if tok != "tok-new" {
		t.Fatalf("token = %q, want tok-new", tok)
	}
}

func TestRefreshTokenEmpty(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeOK(t, w, map[string]string{})
	})
	if _, err := client.RefreshToken(context.Background(), "tok-old"); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestUnauthorizedResponse(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":    false,
			"error": map[string]string{"code": "TOKEN_EXPIRED", "message": "expired"},
		})
	})

	_, err := client.ListConversations(context.Background())
	if !backend.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "TOKEN_EXPIRED" {
		t.Fatalf("expected TOKEN_EXPIRED APIError, got %v", err)
	}
}

func TestNotOKEnvelope(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":    false,
			"error": map[string]string{"code": "NOT_MEMBER", "message": "not a member"},
		})
	})

	err := client.LeaveConversation(context.Background(), "c1")
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "NOT_MEMBER" || apiErr.Unauthorized() {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestFetchMessageRange(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/im/messages/c%201/range" && r.URL.Path != "/api/im/messages/c 1/range" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("from") != "11" || r.URL.Query().Get("to") != "12" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-live" {
			t.Errorf("Authorization = %q", got)
		}
		writeOK(t, w, []map[string]any{
			{"id": "m11", "conversationId": "c 1", "version": 11, "createdAt": "2024-05-01T10:00:00Z"},
			{"id": "m12", "conversationId": "c 1", "version": 12, "createdAt": "2024-05-01T10:01:00Z"},
		})
	})

	msgs, err := client.FetchMessageRange(context.Background(), model.RangeRequest{
		ConversationID: "c 1", FromVersion: 11, ToVersion: 12,
	})
	if err != nil {
		t.Fatalf("FetchMessageRange: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Version != 11 || msgs[1].Version != 12 {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestSendMessageSetsIdempotencyKey(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Idempotency-Key"); got != "01HXCLIENT" {
			t.Errorf("Idempotency-Key = %q", got)
		}
		var body backend.SendRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Type != model.MessageText || body.Content != "gm" {
			t.Errorf("body = %+v", body)
		}
		writeOK(t, w, map[string]any{
			"id": "m1", "conversationId": "c1", "content": body.Content, "clientId": body.ClientID,
			"version": 3, "createdAt": "2024-05-01T10:00:00Z",
		})
	})

	msg, err := client.SendMessage(context.Background(), "c1", backend.SendRequest{Content: "gm", ClientID: "01HXCLIENT"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.ID != "m1" || msg.ClientID != "01HXCLIENT" || msg.Version != 3 {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestGetHistoryQuery(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "20" || r.URL.Query().Get("before") != "m9" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		writeOK(t, w, []any{})
	})
	msgs, err := client.GetHistory(context.Background(), "c1", &backend.HistoryOptions{Limit: 20, Before: "m9"})
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
}

func TestRealtimeEndpoint(t *testing.T) {
	cases := map[string]string{
		"https://chat.example.com": "wss://chat.example.com/graphql/realtime",
		"http://localhost:3200/":   "ws://localhost:3200/graphql/realtime",
	}
	for base, want := range cases {
		c := backend.NewClient(backend.WithBaseURL(base))
		if got := c.RealtimeEndpoint(); got != want {
			t.Errorf("RealtimeEndpoint(%q) = %q, want %q", base, got, want)
		}
	}
}
