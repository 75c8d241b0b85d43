package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

const defaultAPIURL = "https://api.openai.com/v1/audio/transcriptions"

const requestTimeout = 30 * time.Second

// Whisper talks to an OpenAI-compatible audio transcription endpoint,
// hosted or self-hosted (whisper.cpp server, faster-whisper, etc.).
type Whisper struct {
	apiKey string
	apiURL string
	model  string
	lang   string
	client *http.Client
}

func NewWhisper(apiKey, apiURL string) *Whisper {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Whisper{
		apiKey: apiKey,
		apiURL: apiURL,
		model:  "whisper-1",
		client: &http.Client{Timeout: requestTimeout},
	}
}

func (w *Whisper) Name() string            { return "whisper" }
func (w *Whisper) SetLanguage(lang string) { w.lang = lang }
func (w *Whisper) GetLanguage() string     { return w.lang }

func (w *Whisper) Transcribe(ctx context.Context, audio []byte, format string) (*Result, error) {
	start := time.Now()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio."+format)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, err
	}

	writer.WriteField("model", w.model)
	writer.WriteField("response_format", "json")
	if w.lang != "" {
		writer.WriteField("language", w.lang)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.apiURL, &body)
	if err != nil {
		return nil, err
	}
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading transcription response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transcription API error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("transcription response parse error: %w", err)
	}

	remaining := firstNonEmpty(resp.Header, "x-ratelimit-remaining-requests")
	limit := firstNonEmpty(resp.Header, "x-ratelimit-limit-requests")

	return &Result{
		Text:        parsed.Text,
		RateLimit:   remaining + "/" + limit,
		UploadBytes: len(audio),
		Elapsed:     time.Since(start),
	}, nil
}
