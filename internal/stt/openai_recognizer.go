package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-ingest/internal/config"
	"github.com/sashabaranov/go-openai"
)

type openAIRecognizer struct {
	client  *openai.Client
	model   string
	lang    string
	timeout time.Duration
	log     *slog.Logger
}

// NewOpenAIRecognizer calls a Whisper-compatible transcription API.
// BaseURL points it at any OpenAI-compatible server.
func NewOpenAIRecognizer(cfg config.STTConfig, log *slog.Logger) Recognizer {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	if log == nil {
		log = slog.Default()
	}
	return &openAIRecognizer{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   model,
		lang:    cfg.Language,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		log:     log.With(slog.String("component", "stt.openai")),
	}
}

func (r *openAIRecognizer) Transcribe(ctx context.Context, in Audio) (TranscriptResult, error) {
	path, cleanup, err := prepareInput(in)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer cleanup()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	lang := in.Language
	if lang == "" {
		lang = r.lang
	}
	req := openai.AudioRequest{
		Model:    r.model,
		FilePath: path,
		Language: isoLanguage(lang),
		Format:   openai.AudioResponseFormatVerboseJSON,
	}

	start := time.Now()
	resp, err := r.client.CreateTranscription(ctx, req)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("openai transcription: %w", err)
	}
	r.log.Debug("transcribed",
		slog.String("session_id", in.SessionID),
		slog.Duration("took", time.Since(start)),
		slog.Int("chars", len(resp.Text)))

	return TranscriptResult{
		Text:     resp.Text,
		Duration: time.Duration(resp.Duration * float64(time.Second)),
	}, nil
}

// isoLanguage reduces a BCP 47 tag such as "ru-RU" to the ISO-639-1 code the API expects.
func isoLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}
