package transcriber

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Result is one finished transcription.
type Result struct {
	Text        string
	RateLimit   string
	UploadBytes int
	Elapsed     time.Duration
}

type Transcriber interface {
	Name() string
	SetLanguage(lang string)
	GetLanguage() string
	// Transcribe uploads one encoded recording and returns its text.
	// format is the container name ("flac", "wav").
	Transcribe(ctx context.Context, audio []byte, format string) (*Result, error)
}

// New builds the transcriber from the environment. DIKT_API_KEY selects
// the hosted Whisper-compatible endpoint; DIKT_API_URL overrides the
// default endpoint for self-hosted servers.
func New() (Transcriber, error) {
	key := os.Getenv("DIKT_API_KEY")
	url := os.Getenv("DIKT_API_URL")
	if key == "" && url == "" {
		return nil, fmt.Errorf("set DIKT_API_KEY (hosted) or DIKT_API_URL (self-hosted whisper server)")
	}
	return NewWhisper(key, url), nil
}

func firstNonEmpty(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return "?"
}
