// ABOUTME: HTTP client for the chat-completions LLM collaborator
// ABOUTME: Free-form replies, structured event extraction, and audio transcription

package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned when a collaborator is missing credentials.
// Callers degrade to a canned reply instead of failing the request.
var ErrNotConfigured = errors.New("collaborator not configured")

// ErrNoEvent is returned by ParseEvent when the text does not describe a
// schedulable event.
var ErrNoEvent = errors.New("no event found")

const replyPrompt = `You are Fmla, a friendly family assistant reached over text message.
Keep replies short (SMS-sized), warm, and practical. Use the family context
when it helps, and never invent family details that are not in it.

Family context:
%s`

const eventPrompt = `Extract a single calendar event from the message below.
Return strict JSON: {"title":"...","date":"YYYY-MM-DD or weekday","time":"HH:MM or empty","location":"or empty","child":"name or empty"}.
If the message does not describe a schedulable event, return {"title":""}.

Message:
%s`

// EventDraft is a schedulable event extracted from free-form text, awaiting
// the user's confirmation before delivery.
type EventDraft struct {
	Title    string `json:"title"`
	Date     string `json:"date"`
	Time     string `json:"time,omitempty"`
	Location string `json:"location,omitempty"`
	Child    string `json:"child,omitempty"`
}

// Summary renders the draft as a one-line confirmation prompt body.
func (e *EventDraft) Summary() string {
	parts := []string{e.Title}
	if e.Date != "" {
		parts = append(parts, e.Date)
	}
	if e.Time != "" {
		parts = append(parts, e.Time)
	}
	if e.Location != "" {
		parts = append(parts, "at "+e.Location)
	}
	return strings.Join(parts, ", ")
}

// Payload converts the draft into the opaque form the pending store keeps.
func (e *EventDraft) Payload() map[string]any {
	p := map[string]any{"title": e.Title, "date": e.Date}
	if e.Time != "" {
		p["time"] = e.Time
	}
	if e.Location != "" {
		p["location"] = e.Location
	}
	if e.Child != "" {
		p["child"] = e.Child
	}
	return p
}

// ChatClient talks to an OpenAI-compatible chat-completions endpoint.
type ChatClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewChatClient creates the LLM collaborator client. An empty apiKey is
// allowed; calls then return ErrNotConfigured.
func NewChatClient(apiKey, baseURL, model string, timeout time.Duration, logger *slog.Logger) *ChatClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ChatClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "llm"),
	}
}

// Reply sends the user's message with the family context and returns the
// assistant's free-form reply.
func (c *ChatClient) Reply(ctx context.Context, familyContext, message string) (string, error) {
	return c.complete(ctx, map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": fmt.Sprintf(replyPrompt, familyContext)},
			{"role": "user", "content": message},
		},
		"max_tokens":  300,
		"temperature": 0.7,
	})
}

// ParseEvent extracts a schedulable event from text. Returns ErrNoEvent
// when the model finds nothing event-shaped.
func (c *ChatClient) ParseEvent(ctx context.Context, text string) (*EventDraft, error) {
	content, err := c.complete(ctx, map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "user", "content": fmt.Sprintf(eventPrompt, text)},
		},
		"max_tokens":      200,
		"temperature":     0.1,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, err
	}

	var draft EventDraft
	if err := json.Unmarshal([]byte(content), &draft); err != nil {
		return nil, fmt.Errorf("parsing event draft: %w", err)
	}
	if strings.TrimSpace(draft.Title) == "" {
		return nil, ErrNoEvent
	}
	return &draft, nil
}

// Transcribe fetches an audio attachment and sends it to the transcription
// endpoint, returning the spoken text.
func (c *ChatClient) Transcribe(ctx context.Context, mediaURL, contentType string) (string, error) {
	if c.apiKey == "" || c.baseURL == "" {
		return "", ErrNotConfigured
	}

	audio, err := c.fetchMedia(ctx, mediaURL)
	if err != nil {
		return "", fmt.Errorf("fetching audio: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", fileNameFor(contentType))
	if err != nil {
		return "", fmt.Errorf("building transcription request: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("building transcription request: %w", err)
	}
	if err := mw.WriteField("model", "whisper-1"); err != nil {
		return "", fmt.Errorf("building transcription request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("building transcription request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("creating transcription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending transcription request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading transcription response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("transcription http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decoding transcription response: %w", err)
	}
	return strings.TrimSpace(decoded.Text), nil
}

func (c *ChatClient) complete(ctx context.Context, body map[string]any) (string, error) {
	if c.apiKey == "" || c.baseURL == "" || c.model == "" {
		return "", ErrNotConfigured
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("llm http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("empty content in response")
	}
	return content, nil
}

func (c *ChatClient) fetchMedia(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media fetch http %d", resp.StatusCode)
	}
	// SMS media attachments are small; a hard cap guards against abuse.
	return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
}

func fileNameFor(contentType string) string {
	switch contentType {
	case "audio/ogg":
		return "audio.ogg"
	case "audio/mpeg", "audio/mp3":
		return "audio.mp3"
	case "audio/amr":
		return "audio.amr"
	case "audio/wav", "audio/x-wav":
		return "audio.wav"
	default:
		return "audio.bin"
	}
}
