package reason

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewAdapterAutoFallsBackToMock(t *testing.T) {
	a, err := NewAdapter(Config{Mode: "auto"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}

	reply, err := a.StreamReply(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hello"}},
	}, nil)
	if err != nil {
		t.Fatalf("StreamReply() error = %v", err)
	}
	if !strings.Contains(reply.Text, "I heard you: hello") {
		t.Fatalf("unexpected reply text: %q", reply.Text)
	}
}

func TestNewAdapterRejectsUnknownMode(t *testing.T) {
	if _, err := NewAdapter(Config{Mode: "quantum"}); err == nil {
		t.Fatal("NewAdapter() expected error for unknown mode")
	}
}

func TestMockAdapterDetectsOperatorRequest(t *testing.T) {
	a := NewMockAdapter()
	reply, err := a.StreamReply(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "mag ik een medewerker spreken"}},
	}, nil)
	if err != nil {
		t.Fatalf("StreamReply() error = %v", err)
	}
	if !reply.Transfer {
		t.Fatal("reply.Transfer = false, want true")
	}
	if strings.Contains(strings.ToLower(reply.Text), "[transfer]") {
		t.Fatalf("directive leaked into text: %q", reply.Text)
	}
}

func TestFallbackAdapterUsesFallback(t *testing.T) {
	a := NewFallbackAdapter(errAdapter{}, okAdapter{text: "fallback"})
	reply, err := a.StreamReply(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("StreamReply() error = %v", err)
	}
	if reply.Text != "fallback" {
		t.Fatalf("reply.Text = %q, want fallback", reply.Text)
	}
}

func TestFallbackAdapterSkipsFallbackOnCanceledContext(t *testing.T) {
	fb := &countingAdapter{text: "fallback"}
	a := NewFallbackAdapter(cancelAdapter{}, fb)
	_, err := a.StreamReply(context.Background(), Request{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called, calls = %d", fb.calls)
	}
}

func TestDetectTransfer(t *testing.T) {
	tests := []struct {
		in       string
		wantText string
		wantFlag bool
	}{
		{"plain reply", "plain reply", false},
		{"One moment. [transfer]", "One moment.", true},
		{"[TRANSFER] connecting", "connecting", true},
		{"[transfer][transfer]", "", true},
	}
	for _, tt := range tests {
		text, flag := DetectTransfer(tt.in)
		if text != tt.wantText || flag != tt.wantFlag {
			t.Errorf("DetectTransfer(%q) = (%q, %v), want (%q, %v)", tt.in, text, flag, tt.wantText, tt.wantFlag)
		}
	}
}

type errAdapter struct{}

func (errAdapter) StreamReply(context.Context, Request, DeltaHandler) (Reply, error) {
	return Reply{}, errors.New("boom")
}

type okAdapter struct {
	text string
}

func (a okAdapter) StreamReply(context.Context, Request, DeltaHandler) (Reply, error) {
	return Reply{Text: a.text}, nil
}

type cancelAdapter struct{}

func (cancelAdapter) StreamReply(context.Context, Request, DeltaHandler) (Reply, error) {
	return Reply{}, context.Canceled
}

type countingAdapter struct {
	text  string
	calls int
}

func (a *countingAdapter) StreamReply(context.Context, Request, DeltaHandler) (Reply, error) {
	a.calls++
	return Reply{Text: a.text}, nil
}
