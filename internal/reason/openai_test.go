package reason

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIAdapterConsumeSSE(t *testing.T) {
	a := NewOpenAIAdapter("http://example.test", "key", "model", 0.7)
	stream := strings.NewReader(strings.Join([]string{
		": keepalive",
		"",
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		"",
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		"",
		"data: [DONE]",
		"",
	}, "\n"))

	var deltas []string
	reply, err := a.consumeSSE(context.Background(), stream, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("consumeSSE() error = %v", err)
	}
	if reply.Text != "Hello" {
		t.Fatalf("reply.Text = %q, want %q", reply.Text, "Hello")
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Fatalf("deltas = %q, want %q", strings.Join(deltas, ""), "Hello")
	}
}

func TestOpenAIAdapterKeepsDirectiveOutOfDeltas(t *testing.T) {
	a := NewOpenAIAdapter("http://example.test", "key", "model", 0)
	// The directive token arrives split across chunks, the way streaming
	// backends actually tokenize it.
	stream := strings.NewReader(strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Een moment, ik verbind u door. [trans"}}]}`,
		"",
		`data: {"choices":[{"delta":{"content":"fer]"}}]}`,
		"",
		"data: [DONE]",
		"",
	}, "\n"))

	var spoken strings.Builder
	reply, err := a.consumeSSE(context.Background(), stream, func(delta string) error {
		spoken.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("consumeSSE() error = %v", err)
	}
	if !reply.Transfer {
		t.Fatal("reply.Transfer = false, want true")
	}
	if strings.Contains(strings.ToLower(spoken.String()), "[transfer]") {
		t.Fatalf("directive token reached the delta stream: %q", spoken.String())
	}
	if got := strings.TrimSpace(spoken.String()); got != "Een moment, ik verbind u door." {
		t.Fatalf("spoken deltas = %q", got)
	}
}

func TestDirectiveFilterReleasesFalsePrefix(t *testing.T) {
	var out strings.Builder
	f := newDirectiveFilter(func(delta string) error {
		out.WriteString(delta)
		return nil
	})

	// "[tran" could still become the token; "quil" settles it.
	for _, delta := range []string{"blijf rustig [tran", "quil] zitten"} {
		if err := f.write(delta); err != nil {
			t.Fatalf("write() error = %v", err)
		}
	}
	if err := f.flush(); err != nil {
		t.Fatalf("flush() error = %v", err)
	}
	if got := out.String(); got != "blijf rustig [tranquil] zitten" {
		t.Fatalf("filtered output = %q", got)
	}
}

func TestGeminiAdapterKeepsDirectiveOutOfDeltas(t *testing.T) {
	a := NewGeminiAdapter("key", "model", 0)
	stream := strings.NewReader(strings.Join([]string{
		`data: {"candidates":[{"content":{"parts":[{"text":"Ik verbind u door. [TRANS"}]}}]}`,
		`data: {"candidates":[{"content":{"parts":[{"text":"FER]"}]}}]}`,
		"",
	}, "\n"))

	var spoken strings.Builder
	reply, err := a.consumeSSE(context.Background(), stream, func(delta string) error {
		spoken.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("consumeSSE() error = %v", err)
	}
	if !reply.Transfer {
		t.Fatal("reply.Transfer = false, want true")
	}
	if strings.Contains(strings.ToLower(spoken.String()), "[transfer]") {
		t.Fatalf("directive token reached the delta stream: %q", spoken.String())
	}
}

func TestOpenAIAdapterStreamReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Goedemiddag"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(srv.URL, "test-key", "model", 0)
	reply, err := a.StreamReply(context.Background(), Request{
		System:   "You are a receptionist.",
		Messages: []Message{{Role: "user", Content: "hallo"}},
	}, nil)
	if err != nil {
		t.Fatalf("StreamReply() error = %v", err)
	}
	if reply.Text != "Goedemiddag" {
		t.Fatalf("reply.Text = %q", reply.Text)
	}
}

func TestOpenAIAdapterErrorStatusIsReasoningFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(srv.URL, "key", "model", 0)
	_, err := a.StreamReply(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, nil)
	if !errors.Is(err, ErrReasoningFailed) {
		t.Fatalf("error = %v, want ErrReasoningFailed", err)
	}
}

func TestGeminiAdapterConsumeSSE(t *testing.T) {
	a := NewGeminiAdapter("key", "model", 0.5)
	stream := strings.NewReader(strings.Join([]string{
		`data: {"candidates":[{"content":{"parts":[{"text":"We are open "}]}}]}`,
		`data: {"candidates":[{"content":{"parts":[{"text":"until ten."}]}}]}`,
		"",
	}, "\n"))

	reply, err := a.consumeSSE(context.Background(), stream, nil)
	if err != nil {
		t.Fatalf("consumeSSE() error = %v", err)
	}
	if reply.Text != "We are open until ten." {
		t.Fatalf("reply.Text = %q", reply.Text)
	}
}
