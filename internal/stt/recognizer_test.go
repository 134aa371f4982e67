package stt

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-ingest/internal/config"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestMockRecognizer(t *testing.T) {
	r := NewMockRecognizer()

	empty := writeFile(t, "empty.pcm", nil)
	res, err := r.Transcribe(context.Background(), Audio{Path: empty, Format: FormatPCM, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("transcribe empty: %v", err)
	}
	if res.Text != "" {
		t.Fatalf("expected no text for empty spool, got %q", res.Text)
	}

	// one second of 16 kHz mono
	full := writeFile(t, "full.pcm", make([]byte, 32000))
	res, err = r.Transcribe(context.Background(), Audio{Path: full, Format: FormatPCM, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != MockTranscript {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Duration != time.Second {
		t.Fatalf("expected 1s duration, got %v", res.Duration)
	}

	if _, err := r.Transcribe(context.Background(), Audio{Path: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatal("expected error for missing spool")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	if _, err := New(config.STTConfig{Mode: "mock"}, nil); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := New(config.STTConfig{Mode: "openai", APIKey: "k"}, nil); err != nil {
		t.Fatalf("openai: %v", err)
	}
	if _, err := New(config.STTConfig{Mode: "exec"}, nil); err == nil {
		t.Fatal("exec without command must fail")
	}
	if _, err := New(config.STTConfig{Mode: "vosk"}, nil); err == nil {
		t.Fatal("unknown mode must fail")
	}
}

func TestExecRecognizer(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-stt.sh")
	body := `#!/bin/sh
audio=""
lang=""
tail=""
while [ $# -gt 0 ]; do
  case "$1" in
    --audio) audio="$2"; shift 2 ;;
    --language) lang="$2"; shift 2 ;;
    --final) tail=" Final."; shift ;;
    *) shift ;;
  esac
done
head -c 4 "$audio" | grep -q RIFF || { echo "not a wav" >&2; exit 3; }
printf '{"text":"Hello there (%s). Bye.%s","confidence":0.5,"duration_sec":2.5}' "$lang" "$tail"
`
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	r, err := NewExecRecognizer(config.STTConfig{Command: "sh " + script, Language: "en-US", TimeoutMS: 5000})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	spool := writeFile(t, "s.pcm", make([]byte, 640))
	res, err := r.Transcribe(context.Background(), Audio{SessionID: "s", Path: spool, Format: FormatPCM, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "Hello there (en-US). Bye." {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Confidence != 0.5 || res.Duration != 2500*time.Millisecond {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = r.Transcribe(context.Background(), Audio{SessionID: "s", Path: spool, Format: FormatPCM, SampleRate: 16000, Channels: 1, Final: true})
	if err != nil {
		t.Fatalf("final transcribe: %v", err)
	}
	if res.Text != "Hello there (en-US). Bye. Final." {
		t.Fatalf("closing pass must pass --final, got %q", res.Text)
	}

	notWav := writeFile(t, "upload.ogg", []byte("OggS...."))
	if _, err := r.Transcribe(context.Background(), Audio{Path: notWav, Format: FormatFile, Language: "ru-RU"}); err == nil || !strings.Contains(err.Error(), "not a wav") {
		t.Fatalf("file input must be passed through untouched, got %v", err)
	}
}

func TestWritePCMToWav(t *testing.T) {
	pcm := make([]byte, 8001)
	for i := 0; i+1 < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(i)))
	}
	f, err := os.Create(filepath.Join(t.TempDir(), "out.wav"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := writePCMToWav(f, pcm, 16000, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatalf("seek: %v", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("expected valid wav")
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("unexpected format rate=%d chans=%d depth=%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
}

func TestISOLanguage(t *testing.T) {
	for in, want := range map[string]string{"ru-RU": "ru", "en_US": "en", "DE": "de", "": ""} {
		if got := isoLanguage(in); got != want {
			t.Fatalf("isoLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}
