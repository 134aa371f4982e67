package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-ingest/internal/config"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
}

type execResult struct {
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	DurationSec float64 `json:"duration_sec"`
}

// NewExecRecognizer runs an external command per call. The command receives
// --audio <wav> (plus --model and --language when configured, and --final on
// a session's closing pass) and prints {"text", "confidence", "duration_sec"}
// as JSON.
func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, in Audio) (TranscriptResult, error) {
	path, cleanup, err := prepareInput(in)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer cleanup()

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", path)
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	lang := in.Language
	if lang == "" {
		lang = r.cfg.Language
	}
	if lang != "" {
		args = append(args, "--language", lang)
	}
	if in.Final {
		args = append(args, "--final")
	}

	if r.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{
		Text:       resp.Text,
		Confidence: resp.Confidence,
		Duration:   time.Duration(resp.DurationSec * float64(time.Second)),
	}, nil
}

// prepareInput returns a path a backend can read. Raw PCM spools are wrapped
// in a temporary WAV file; cleanup removes it.
func prepareInput(in Audio) (string, func(), error) {
	if in.Format != FormatPCM {
		return in.Path, func() {}, nil
	}
	pcm, err := os.ReadFile(in.Path)
	if err != nil {
		return "", nil, fmt.Errorf("read pcm spool: %w", err)
	}
	file, err := os.CreateTemp("", "ingest_stt_*.wav")
	if err != nil {
		return "", nil, fmt.Errorf("temp file: %w", err)
	}
	cleanup := func() { os.Remove(file.Name()) }
	defer file.Close()

	if err := writePCMToWav(file, pcm, in.SampleRate, in.Channels); err != nil {
		cleanup()
		return "", nil, err
	}
	return file.Name(), cleanup, nil
}

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		// a frame boundary can split a sample; drop the dangling byte
		pcm = pcm[:len(pcm)-1]
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
