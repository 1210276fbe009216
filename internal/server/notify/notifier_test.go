package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// --- test helpers ---

type spyLogger struct {
	infoCalls  []logCall
	errorCalls []logCall
}

type logCall struct {
	msg  string
	args []any
}

func (s *spyLogger) Info(msg string, args ...any) {
	s.infoCalls = append(s.infoCalls, logCall{msg, args})
}
func (s *spyLogger) Error(msg string, args ...any) {
	s.errorCalls = append(s.errorCalls, logCall{msg, args})
}

type stubNotifier struct {
	name string
	err  error
	sent []Event
}

func (s *stubNotifier) Name() string { return s.name }
func (s *stubNotifier) Send(_ context.Context, event Event) error {
	s.sent = append(s.sent, event)
	return s.err
}

func testEvent(t EventType) Event {
	return Event{
		Type:      t,
		IP:        "203.0.113.7",
		AgentID:   "agent-1",
		Hostname:  "web-1",
		RiskBand:  "high",
		RiskScore: 82.5,
		Timestamp: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
	}
}

// --- Multi tests ---

func TestMultiDispatchesAll(t *testing.T) {
	a := &stubNotifier{name: "a"}
	b := &stubNotifier{name: "b"}
	log := &spyLogger{}
	m := NewMulti(log, a, b)

	event := testEvent(EventIPBlocked)
	m.Notify(context.Background(), event)

	if len(a.sent) != 1 {
		t.Fatalf("notifier a: got %d events, want 1", len(a.sent))
	}
	if len(b.sent) != 1 {
		t.Fatalf("notifier b: got %d events, want 1", len(b.sent))
	}
	if a.sent[0].IP != "203.0.113.7" {
		t.Errorf("notifier a: ip = %q, want 203.0.113.7", a.sent[0].IP)
	}
}

func TestMultiLogsErrorsButContinues(t *testing.T) {
	failing := &stubNotifier{name: "broken", err: errors.New("connection refused")}
	ok := &stubNotifier{name: "ok"}
	log := &spyLogger{}
	m := NewMulti(log, failing, ok)

	m.Notify(context.Background(), testEvent(EventIPBlocked))

	if len(ok.sent) != 1 {
		t.Fatalf("ok notifier: got %d events, want 1", len(ok.sent))
	}
	if len(log.errorCalls) != 1 {
		t.Fatalf("got %d error logs, want 1", len(log.errorCalls))
	}
	if !strings.Contains(log.errorCalls[0].msg, "notification failed") {
		t.Errorf("error log msg = %q, want 'notification failed'", log.errorCalls[0].msg)
	}
}

// --- Gotify tests ---

func TestGotifySendsCorrectRequest(t *testing.T) {
	var received gotifyMessage
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Gotify-Key")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewGotify(srv.URL, "tok-abc")
	event := testEvent(EventIPBlocked)
	err := g.Send(context.Background(), event)

	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotToken != "tok-abc" {
		t.Errorf("token = %q, want tok-abc", gotToken)
	}
	if received.Title != "Guardian: Ip Blocked" {
		t.Errorf("title = %q, want 'Guardian: Ip Blocked'", received.Title)
	}
	if !strings.Contains(received.Message, "203.0.113.7") {
		t.Errorf("message does not contain ip: %q", received.Message)
	}
}

func TestGotifyPriority(t *testing.T) {
	tests := []struct {
		eventType    EventType
		wantPriority int
	}{
		{EventIPBlocked, 5},
		{EventIPUnblocked, 5},
		{EventAgentReconnect, 5},
		{EventCriticalRisk, 8},
		{EventCommandFailed, 8},
		{EventAgentOffline, 5},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			var received gotifyMessage
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(body, &received)
				w.WriteHeader(http.StatusOK)
			}))
			defer srv.Close()

			g := NewGotify(srv.URL, "tok")
			_ = g.Send(context.Background(), testEvent(tt.eventType))

			if received.Priority != tt.wantPriority {
				t.Errorf("priority = %d, want %d", received.Priority, tt.wantPriority)
			}
		})
	}
}

func TestGotifyReturnsErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := NewGotify(srv.URL, "tok")
	err := g.Send(context.Background(), testEvent(EventIPBlocked))

	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}

// --- Webhook tests ---

func TestWebhookSendsBodyAndHeaders(t *testing.T) {
	var received Event
	var gotAuth string
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	headers := map[string]string{"Authorization": "Bearer secret123"}
	wh := NewWebhook(srv.URL, headers)
	event := testEvent(EventIPBlocked)
	err := wh.Send(context.Background(), event)

	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotAuth != "Bearer secret123" {
		t.Errorf("Authorization = %q, want 'Bearer secret123'", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
	if received.IP != "203.0.113.7" {
		t.Errorf("ip = %q, want 203.0.113.7", received.IP)
	}
	if received.Type != EventIPBlocked {
		t.Errorf("type = %q, want ip_blocked", received.Type)
	}
}

func TestWebhookReturnsErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, nil)
	err := wh.Send(context.Background(), testEvent(EventIPBlocked))

	if err == nil {
		t.Fatal("expected error for 403 response")
	}
}

// --- Discord tests ---

func TestDiscordSendsContent(t *testing.T) {
	var received discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL)
	err := d.Send(context.Background(), testEvent(EventCriticalRisk))

	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !strings.Contains(received.Content, "203.0.113.7") {
		t.Errorf("content missing ip: %q", received.Content)
	}
}

// --- LogNotifier tests ---

func TestLogNotifierCallsLogger(t *testing.T) {
	log := &spyLogger{}
	ln := NewLogNotifier(log)

	event := testEvent(EventIPBlocked)
	err := ln.Send(context.Background(), event)

	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(log.infoCalls) != 1 {
		t.Fatalf("got %d info calls, want 1", len(log.infoCalls))
	}
	if log.infoCalls[0].msg != "notification event" {
		t.Errorf("msg = %q, want 'notification event'", log.infoCalls[0].msg)
	}

	args := log.infoCalls[0].args
	found := false
	for i := 0; i < len(args)-1; i += 2 {
		if args[i] == "type" && args[i+1] == "ip_blocked" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected type=ip_blocked in log args: %v", args)
	}
}

// --- Provider build/mask tests ---

func TestBuildNotifierAllKnownProviders(t *testing.T) {
	cases := []struct {
		ptype    ProviderType
		settings string
		want     string
	}{
		{ProviderGotify, `{"url":"http://x","token":"t"}`, "gotify"},
		{ProviderWebhook, `{"url":"http://x"}`, "webhook"},
		{ProviderSlack, `{"webhook_url":"http://x"}`, "slack"},
		{ProviderDiscord, `{"webhook_url":"http://x"}`, "discord"},
		{ProviderNtfy, `{"server":"http://x","topic":"t"}`, "ntfy"},
		{ProviderTelegram, `{"bot_token":"t","chat_id":"c"}`, "telegram"},
		{ProviderPushover, `{"app_token":"t","user_key":"u"}`, "pushover"},
		{ProviderSMTP, `{"host":"h","port":25,"from":"a@b.com","to":"c@d.com"}`, "smtp"},
		{ProviderMQTT, `{"broker":"tcp://x:1883","topic":"t"}`, "mqtt"},
		{ProviderApprise, `{"url":"http://x"}`, "apprise"},
	}
	for _, tc := range cases {
		t.Run(string(tc.ptype), func(t *testing.T) {
			ch := Channel{Type: tc.ptype, Settings: json.RawMessage(tc.settings)}
			n, err := BuildNotifier(ch)
			if err != nil {
				t.Fatalf("BuildNotifier() error = %v", err)
			}
			if n.Name() != tc.want {
				t.Errorf("Name() = %q, want %q", n.Name(), tc.want)
			}
		})
	}
}

func TestBuildNotifierUnknownProvider(t *testing.T) {
	ch := Channel{Type: ProviderType("carrier-pigeon")}
	_, err := BuildNotifier(ch)
	if err == nil {
		t.Fatal("expected error for unknown provider type")
	}
}

func TestMaskSecretsRedactsGotifyToken(t *testing.T) {
	ch := Channel{
		Type:     ProviderGotify,
		Settings: json.RawMessage(`{"url":"http://x","token":"supersecrettoken"}`),
	}
	masked := MaskSecrets(ch)

	var s GotifySettings
	if err := json.Unmarshal(masked.Settings, &s); err != nil {
		t.Fatalf("unmarshal masked settings: %v", err)
	}
	if s.Token == "supersecrettoken" {
		t.Error("token was not masked")
	}
	if !strings.HasSuffix(s.Token, "****") {
		t.Errorf("masked token = %q, want suffix ****", s.Token)
	}
}
