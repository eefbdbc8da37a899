package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type capturedRequest struct {
	Method      string
	Path        string
	ContentType string
	Body        sendMessageRequest
}

// botServer records every request and answers with status and body.
type botServer struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	body     string
}

func newBotServer(t *testing.T, status int, body string) (*botServer, *httptest.Server) {
	t.Helper()
	bs := &botServer{status: status, body: body}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var msg sendMessageRequest
		_ = json.Unmarshal(data, &msg)

		bs.mu.Lock()
		bs.requests = append(bs.requests, capturedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			ContentType: r.Header.Get("Content-Type"),
			Body:        msg,
		})
		bs.mu.Unlock()

		w.WriteHeader(bs.status)
		_, _ = io.WriteString(w, bs.body)
	}))
	t.Cleanup(srv.Close)
	return bs, srv
}

func (b *botServer) captured() []capturedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]capturedRequest(nil), b.requests...)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// ---------------------------------------------------------------------------
// SendMessage
// ---------------------------------------------------------------------------

func Test_SendMessage_PostsToBotEndpoint(t *testing.T) {
	bs, srv := newBotServer(t, http.StatusOK, `{"ok":true}`)
	c := NewClient(srv.URL+"/", "123:ABC", "-1001", time.Second, quietLogger())

	if err := c.SendMessage(context.Background(), "rack-ups\n🔋 Entered battery mode"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	reqs := bs.captured()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	got := reqs[0]
	if got.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", got.Method)
	}
	if got.Path != "/bot123:ABC/sendMessage" {
		t.Errorf("path = %q", got.Path)
	}
	if got.ContentType != "application/json" {
		t.Errorf("content type = %q", got.ContentType)
	}
	if got.Body.ChatID != "-1001" || got.Body.Text != "rack-ups\n🔋 Entered battery mode" {
		t.Errorf("body = %+v", got.Body)
	}
}

func Test_SendMessage_ErrorCases(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		token   string
		chatID  string
		wantErr string
		wantHit bool
	}{
		{
			name:    "missing token",
			status:  http.StatusOK,
			chatID:  "1",
			wantErr: "bot token and chat id are required",
		},
		{
			name:    "missing chat",
			status:  http.StatusOK,
			token:   "t",
			wantErr: "bot token and chat id are required",
		},
		{
			name:    "api description surfaced",
			status:  http.StatusBadRequest,
			body:    `{"ok":false,"description":"Bad Request: chat not found"}`,
			token:   "t",
			chatID:  "1",
			wantErr: "HTTP 400: Bad Request: chat not found",
			wantHit: true,
		},
		{
			name:    "non-json error body",
			status:  http.StatusBadGateway,
			body:    "upstream down",
			token:   "t",
			chatID:  "1",
			wantErr: "unexpected HTTP status 502",
			wantHit: true,
		},
		{
			name:    "created is not ok",
			status:  http.StatusCreated,
			token:   "t",
			chatID:  "1",
			wantErr: "unexpected HTTP status 201",
			wantHit: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bs, srv := newBotServer(t, tt.status, tt.body)
			c := NewClient(srv.URL, tt.token, tt.chatID, time.Second, quietLogger())

			err := c.SendMessage(context.Background(), "hello")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
			if hit := len(bs.captured()) > 0; hit != tt.wantHit {
				t.Errorf("server hit = %v, want %v", hit, tt.wantHit)
			}
		})
	}
}

func Test_SendMessage_NotConfiguredSentinel(t *testing.T) {
	c := NewClient("", "", "", 0, nil)
	if err := c.SendMessage(context.Background(), "x"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
	if c.apiURL != defaultAPIURL || c.httpClient.Timeout != defaultTimeout {
		t.Errorf("defaults not applied: %q %v", c.apiURL, c.httpClient.Timeout)
	}
}

func Test_SendMessage_ConnectionErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, "secret-token", "1", time.Second, quietLogger())
	err := c.SendMessage(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error from closed server")
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Errorf("error leaks token: %v", err)
	}
}

func Test_SendMessage_ContextCancelled(t *testing.T) {
	_, srv := newBotServer(t, http.StatusOK, `{"ok":true}`)
	c := NewClient(srv.URL, "t", "1", time.Second, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.SendMessage(ctx, "x"); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func Test_truncate_Cases(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short", in: "abc", n: 5, want: "abc"},
		{name: "exact", in: "abcde", n: 5, want: "abcde"},
		{name: "long", in: "abcdef", n: 5, want: "abcd…"},
		{name: "runes", in: "🔋🔋🔋", n: 2, want: "🔋…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.in, tt.n); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}
