package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mindgen/adaphone/internal/audio"
)

func TestWhisperTranscriberUploadsWAV(t *testing.T) {
	var uploaded []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() error = %v", err)
		}
		if got := r.FormValue("language"); got != "nl" {
			t.Errorf("language = %q, want nl", got)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile() error = %v", err)
		} else {
			uploaded, _ = io.ReadAll(file)
			file.Close()
		}
		fmt.Fprint(w, `{"text":" goedemiddag "}`)
	}))
	defer srv.Close()

	tr := NewWhisperTranscriber(srv.URL, "key", "whisper-1")
	utterance := make([]int16, 3*audio.FrameSamples)
	text, err := tr.Transcribe(context.Background(), utterance, "nl")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != "goedemiddag" {
		t.Fatalf("text = %q, want %q", text, "goedemiddag")
	}
	if !bytes.HasPrefix(uploaded, []byte("RIFF")) {
		t.Fatalf("uploaded file does not start with a RIFF header: %q", uploaded[:min(len(uploaded), 8)])
	}
	// 44-byte header plus two bytes per sample.
	if want := 44 + 2*len(utterance); len(uploaded) != want {
		t.Fatalf("uploaded %d bytes, want %d", len(uploaded), want)
	}
}

func TestWhisperTranscriberFailureIsTranscriptionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := NewWhisperTranscriber(srv.URL, "key", "")
	_, err := tr.Transcribe(context.Background(), make([]int16, audio.FrameSamples), "nl")
	if !errors.Is(err, ErrTranscriptionFailed) {
		t.Fatalf("error = %v, want ErrTranscriptionFailed", err)
	}
}
