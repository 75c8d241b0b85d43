package transcriber

import (
	"context"
	"fmt"
	"sync/atomic"
)

type FakeTranscriber struct {
	text  string
	err   error
	lang  string
	calls atomic.Int32
}

func NewFake(text string, err error) *FakeTranscriber {
	return &FakeTranscriber{text: text, err: err}
}

func (f *FakeTranscriber) Name() string            { return "fake" }
func (f *FakeTranscriber) SetLanguage(lang string) { f.lang = lang }
func (f *FakeTranscriber) GetLanguage() string     { return f.lang }

// Calls reports how many transcriptions were requested.
func (f *FakeTranscriber) Calls() int { return int(f.calls.Load()) }

func (f *FakeTranscriber) Transcribe(_ context.Context, audio []byte, _ string) (*Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, fmt.Errorf("fake transcriber error: %w", f.err)
	}
	return &Result{Text: f.text, UploadBytes: len(audio)}, nil
}
