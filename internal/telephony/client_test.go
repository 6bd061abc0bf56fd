package telephony

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestClientRedirectSendsTwimlForm(t *testing.T) {
	var gotPath, gotTwiml string
	var gotAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		user, pass, ok := r.BasicAuth()
		gotAuth = ok && user == "AC123" && pass == "secret"
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		gotTwiml = r.PostFormValue("Twiml")
		fmt.Fprint(w, `{"status":"in-progress"}`)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, AccountSID: "AC123", AuthToken: "secret"})
	if err := c.Redirect(context.Background(), "CA1", "<Response/>"); err != nil {
		t.Fatalf("Redirect() error = %v", err)
	}
	if gotPath != "/Accounts/AC123/Calls/CA1.json" {
		t.Fatalf("path = %q", gotPath)
	}
	if !gotAuth {
		t.Fatal("basic auth not sent")
	}
	if gotTwiml != "<Response/>" {
		t.Fatalf("Twiml = %q", gotTwiml)
	}
}

func TestClientStatusParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"completed"}`)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, AccountSID: "AC1", AuthToken: "t"})
	status, err := c.Status(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status != "completed" {
		t.Fatalf("status = %q, want completed", status)
	}
}

func TestClientRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"status":"in-progress"}`)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, AccountSID: "AC1", AuthToken: "t"})
	if err := c.Hangup(context.Background(), "CA1"); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestClientDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad sid", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, AccountSID: "AC1", AuthToken: "t"})
	if err := c.Redirect(context.Background(), "CA1", "<Response/>"); err == nil {
		t.Fatal("Redirect() expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}
