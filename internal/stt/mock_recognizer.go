package stt

import (
	"context"
	"fmt"
	"os"
)

// MockTranscript is what the mock backend hears in any non-empty recording.
const MockTranscript = "Здравствуйте. Это тестовая запись. Мы проверяем модуль распознавания. Пожалуйста, разделите текст на предложения. Спасибо."

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, audio Audio) (TranscriptResult, error) {
	info, err := os.Stat(audio.Path)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("stat audio: %w", err)
	}
	if info.Size() == 0 {
		return TranscriptResult{}, nil
	}
	res := TranscriptResult{Text: MockTranscript, Confidence: 1}
	if audio.Format == FormatPCM {
		res.Duration = pcmDuration(info.Size(), audio.SampleRate, audio.Channels)
	}
	return res, nil
}
