package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mindgen/adaphone/internal/config"
	"github.com/mindgen/adaphone/internal/reason"
	"github.com/mindgen/adaphone/internal/session"
	"github.com/mindgen/adaphone/internal/telephony"
	"github.com/mindgen/adaphone/internal/voice"
)

func testConfig() config.Config {
	return config.Config{
		BindAddr:            ":8080",
		PublicHost:          "agent.example.com",
		DefaultLanguage:     "nl",
		Greeting:            "Goedemiddag!",
		OperatorNumber:      "+31201234567",
		HoldMusicURL:        "https://cdn.example.com/hold.mp3",
		TransferDialTimeout: 20,
		AllowAnyOrigin:      true,
	}
}

func testServer(t *testing.T, capacity int) (*Server, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(capacity, time.Minute)
	factory := func(callSID, from, language string) *voice.Call {
		return voice.NewCall(voice.CallConfig{
			SID:         callSID,
			Language:    language,
			Greeting:    "Hallo daar",
			IdleTimeout: 30 * time.Second,
			Registry:    reg,
			Transcriber: voice.NewMockTranscriber(),
			Synthesizer: voice.NewMockSynthesizer(),
			Brain:       reason.NewMockAdapter(),
		})
	}
	return New(testConfig(), reg, nil, nil, nil, factory), reg
}

func postForm(t *testing.T, handler http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAcceptsCall(t *testing.T) {
	srv, reg := testServer(t, 4)
	rec := postForm(t, srv.Router(), "/api/voice/webhook", url.Values{
		"CallSid": {"CA1"},
		"From":    {"+31612345678"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"<Say", "Goedemiddag!", `language="nl-NL"`,
		`<Connect><Stream url="wss://agent.example.com/ws/media/CA1" /></Connect>`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("TwiML missing %q:\n%s", want, body)
		}
	}

	call, err := reg.Get("CA1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if call.From != "+31612345678" || call.Language != "nl" {
		t.Fatalf("registry entry = %+v", call)
	}
}

func TestWebhookRejectsOverCapacity(t *testing.T) {
	srv, _ := testServer(t, 1)
	router := srv.Router()

	if rec := postForm(t, router, "/api/voice/webhook", url.Values{"CallSid": {"CA1"}}); rec.Code != http.StatusOK {
		t.Fatalf("first call status = %d", rec.Code)
	}
	rec := postForm(t, router, "/api/voice/webhook", url.Values{"CallSid": {"CA2"}})
	if !strings.Contains(rec.Body.String(), `<Reject reason="busy" />`) {
		t.Fatalf("expected busy signal, got:\n%s", rec.Body.String())
	}
}

func TestWebhookRejectsDuplicateSID(t *testing.T) {
	srv, _ := testServer(t, 4)
	router := srv.Router()
	postForm(t, router, "/api/voice/webhook", url.Values{"CallSid": {"CA1"}})
	rec := postForm(t, router, "/api/voice/webhook", url.Values{"CallSid": {"CA1"}})
	if !strings.Contains(rec.Body.String(), "<Reject") {
		t.Fatalf("duplicate sid must be refused, got:\n%s", rec.Body.String())
	}
}

func TestWebhookRequiresCallSid(t *testing.T) {
	srv, _ := testServer(t, 4)
	rec := postForm(t, srv.Router(), "/api/voice/webhook", url.Values{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, reg := testServer(t, 4)
	reg.Create("CA1", "+31", "nl")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var payload struct {
		Status      string `json:"status"`
		ActiveCalls int    `json:"active_calls"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Status != "healthy" || payload.ActiveCalls != 1 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestStatusEndpointListsCalls(t *testing.T) {
	srv, reg := testServer(t, 4)
	reg.Create("CA1", "+31", "nl")
	reg.SetState("CA1", session.StateSpeaking)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var payload struct {
		Service      string          `json:"service"`
		ActiveCalls  int             `json:"active_calls"`
		CallSessions []*session.Call `json:"call_sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Service != "adaphone" || payload.ActiveCalls != 1 {
		t.Fatalf("payload = %+v", payload)
	}
	if len(payload.CallSessions) != 1 || payload.CallSessions[0].State != session.StateSpeaking {
		t.Fatalf("call sessions = %+v", payload.CallSessions)
	}
}

func TestTransferEndpoint(t *testing.T) {
	srv, _ := testServer(t, 4)
	rec := postForm(t, srv.Router(), "/api/voice/transfer", url.Values{"CallSid": {"CA1"}})
	body := rec.Body.String()
	for _, want := range []string{"<Play", "hold.mp3", "<Dial", "+31201234567", "no-answer"} {
		if !strings.Contains(body, want) {
			t.Errorf("transfer TwiML missing %q:\n%s", want, body)
		}
	}
}

func TestTransferEndpointWithoutOperator(t *testing.T) {
	cfg := testConfig()
	cfg.OperatorNumber = ""
	reg := session.NewRegistry(4, time.Minute)
	srv := New(cfg, reg, nil, nil, nil, nil)
	rec := postForm(t, srv.Router(), "/api/voice/transfer", url.Values{})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestNoAnswerEndpoint(t *testing.T) {
	srv, _ := testServer(t, 4)
	rec := postForm(t, srv.Router(), "/api/voice/no-answer", url.Values{"DialCallStatus": {"no-answer"}})
	if !strings.Contains(rec.Body.String(), "<Hangup") {
		t.Fatalf("no-answer TwiML missing hangup:\n%s", rec.Body.String())
	}
}

func TestMediaStreamRejectsUnknownCall(t *testing.T) {
	srv, _ := testServer(t, 4)
	req := httptest.NewRequest(http.MethodGet, "/ws/media/CA404", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMediaStreamPlaysGreeting(t *testing.T) {
	srv, reg := testServer(t, 4)
	reg.Create("CA1", "+31", "nl")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/media/CA1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	start := telephony.Message{
		Event:     telephony.EventStart,
		StreamSID: "MZ1",
		Start: &telephony.StartPayload{
			StreamSID: "MZ1",
			CallSID:   "CA1",
		},
	}
	if err := conn.WriteJSON(telephony.Message{Event: telephony.EventConnected}); err != nil {
		t.Fatalf("write connected: %v", err)
	}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("write start: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var got telephony.Message
	for {
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.Event == telephony.EventMedia {
			break
		}
	}
	if got.StreamSID != "MZ1" || got.Media == nil || got.Media.Payload == "" {
		t.Fatalf("unexpected media message: %+v", got)
	}

	if err := conn.WriteJSON(telephony.Message{Event: telephony.EventStop}); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if reg.ActiveCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("call was not removed after stream stop")
}
