package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const cloudTimeout = 120 * time.Second

// CloudProvider talks to an OpenRouter-compatible chat completions API,
// sending segment video inline and asking for structured JSON back. It
// walks a configured model tier list from best to cheapest: a capacity
// failure on one tier makes the retry layer call FallbackTier.
type CloudProvider struct {
	client *chatClient
	models []string

	mu   sync.Mutex
	tier int
}

// NewCloudProvider creates a cloud provider. Models are ordered best first.
func NewCloudProvider(apiKey, baseURL string, models []string) *CloudProvider {
	return &CloudProvider{
		client: newChatClient(baseURL, apiKey),
		models: models,
	}
}

func (p *CloudProvider) Name() string { return "cloud" }

// FallbackTier advances to the next cheaper model. Returns false when the
// tier list is exhausted.
func (p *CloudProvider) FallbackTier() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tier+1 >= len(p.models) {
		return false
	}
	p.tier++
	return true
}

func (p *CloudProvider) model() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.models) == 0 {
		return ""
	}
	return p.models[p.tier]
}

func (p *CloudProvider) Transcribe(ctx context.Context, videoPath string, start, end time.Time) ([]Observation, error) {
	const op = "cloud transcribe"
	data, err := os.ReadFile(videoPath)
	if err != nil {
		return nil, fmt.Errorf("reading segment video: %w", err)
	}

	req := chatRequest{
		Model: p.model(),
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: transcribePrompt(end.Sub(start))},
				{Type: "video_url", VideoURL: &urlRef{
					URL: "data:video/mp4;base64," + base64.StdEncoding.EncodeToString(data),
				}},
			},
		}},
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	var out struct {
		Observations []wireObservation `json:"observations"`
	}
	if err := p.client.chatJSON(ctx, op, req, &out); err != nil {
		return nil, err
	}
	return resolveObservations(op, out.Observations, start, end)
}

func (p *CloudProvider) GenerateCards(ctx context.Context, w Window) ([]CardDraft, error) {
	const op = "cloud cards"
	req := chatRequest{
		Model: p.model(),
		Messages: []chatMessage{{
			Role:    "user",
			Content: []contentPart{{Type: "text", Text: cardsPrompt(w)}},
		}},
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	var out struct {
		Cards []CardDraft `json:"cards"`
	}
	if err := p.client.chatJSON(ctx, op, req, &out); err != nil {
		return nil, err
	}
	return validateDrafts(op, out.Cards, w)
}

// chatClient is the OpenRouter-compatible HTTP layer shared by the cloud
// and relay providers. It classifies failures; it does not retry.
type chatClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	headers    map[string]string
}

func newChatClient(baseURL, apiKey string) *chatClient {
	return &chatClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: cloudTimeout,
		},
		headers: map[string]string{
			"HTTP-Referer": "https://github.com/retrace-app/retrace",
			"X-Title":      "retrace",
		},
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string  `json:"type"`
	Text     string  `json:"text,omitempty"`
	VideoURL *urlRef `json:"video_url,omitempty"`
}

type urlRef struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// chatJSON posts a chat completion and decodes the model's JSON answer into
// out. Failures come back classified.
func (c *chatClient) chatJSON(ctx context.Context, op string, req chatRequest, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return newError(ClassNetwork, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return newError(classifyStatus(resp.StatusCode), op,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody)))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return newError(ClassParse, op, fmt.Errorf("decoding response: %w", err))
	}
	if len(cr.Choices) == 0 {
		return newError(ClassParse, op, fmt.Errorf("response has no choices"))
	}

	content := stripJSONFences(cr.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return newError(ClassParse, op, fmt.Errorf("decoding model output: %w", err))
	}
	return nil
}

func classifyStatus(status int) Class {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ClassAuth
	case http.StatusTooManyRequests:
		return ClassRateLimit
	case http.StatusPaymentRequired, http.StatusServiceUnavailable, 529:
		return ClassCapacity
	default:
		return ClassNetwork
	}
}

// stripJSONFences removes a markdown code fence some models wrap around
// JSON output despite the response format hint.
func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// wireObservation is how providers report a transcription span: offsets in
// seconds relative to the start of the video.
type wireObservation struct {
	StartOffsetSeconds float64 `json:"start_offset_seconds"`
	EndOffsetSeconds   float64 `json:"end_offset_seconds"`
	Text               string  `json:"text"`
}

// resolveObservations converts relative offsets to absolute times and clamps
// them to the video's real span. An empty transcription is valid: an idle
// screen produces no observations.
func resolveObservations(op string, wire []wireObservation, start, end time.Time) ([]Observation, error) {
	obs := make([]Observation, 0, len(wire))
	for _, w := range wire {
		if w.Text == "" {
			continue
		}
		if w.EndOffsetSeconds < w.StartOffsetSeconds {
			return nil, newError(ClassParse, op,
				fmt.Errorf("observation span inverted: %f > %f", w.StartOffsetSeconds, w.EndOffsetSeconds))
		}
		o := Observation{
			StartTime: start.Add(time.Duration(w.StartOffsetSeconds * float64(time.Second))),
			EndTime:   start.Add(time.Duration(w.EndOffsetSeconds * float64(time.Second))),
			Text:      w.Text,
		}
		if o.StartTime.Before(start) {
			o.StartTime = start
		}
		if o.EndTime.After(end) {
			o.EndTime = end
		}
		if o.EndTime.After(o.StartTime) {
			obs = append(obs, o)
		}
	}
	return obs, nil
}

// validateDrafts rejects card sets that fall outside the window or have
// inverted spans; those are parse failures, not data.
func validateDrafts(op string, drafts []CardDraft, w Window) ([]CardDraft, error) {
	for i, d := range drafts {
		if d.Title == "" {
			return nil, newError(ClassParse, op, fmt.Errorf("card %d has no title", i))
		}
		if !d.EndTime.After(d.StartTime) {
			return nil, newError(ClassParse, op, fmt.Errorf("card %d span inverted", i))
		}
		if d.EndTime.Before(w.Start) || d.StartTime.After(w.End) {
			return nil, newError(ClassParse, op, fmt.Errorf("card %d outside window", i))
		}
	}
	return drafts, nil
}

func transcribePrompt(d time.Duration) string {
	return fmt.Sprintf(`You are watching a %.0f second screen recording of a person using their computer.
Describe what the person is doing as a series of observations. Each observation covers a
contiguous span of the recording during which the activity stays the same.

Respond with JSON only, in this shape:
{"observations": [{"start_offset_seconds": 0, "end_offset_seconds": 30, "text": "..."}]}

Rules:
- Offsets are seconds from the start of the recording.
- Name the applications, documents, and websites visible on screen.
- If the screen is idle or unchanged, return an empty observations array.`, d.Seconds())
}

func cardsPrompt(w Window) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You maintain a timeline of a person's computer activity. Rewrite the timeline
between %s and %s as a set of activity cards.

Observations (raw transcription of screen recordings):
`, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	for _, o := range w.Observations {
		fmt.Fprintf(&b, "- [%s - %s] %s\n", o.StartTime.Format(time.RFC3339), o.EndTime.Format(time.RFC3339), o.Text)
	}
	b.WriteString("\nExisting cards for this window (replace them with a better set):\n")
	for _, c := range w.Cards {
		fmt.Fprintf(&b, "- [%s - %s] %s: %s\n", c.StartTime.Format(time.RFC3339), c.EndTime.Format(time.RFC3339), c.Title, c.Summary)
	}
	fmt.Fprintf(&b, `
Respond with JSON only, in this shape:
{"cards": [{"start_time": "%s", "end_time": "%s", "title": "...", "summary": "...", "category": "work"}]}

Rules:
- Cards must not overlap and must stay inside the window.
- Merge fragmented activity into coherent cards; keep distinct activities separate.
- Categories: work, communication, browsing, media, development, other.`,
		w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	return b.String()
}
