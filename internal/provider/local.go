package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	localTimeout = 300 * time.Second

	// frameWorkers bounds concurrent vision calls; local inference is
	// usually serialized anyway but slight overlap hides HTTP latency.
	frameWorkers = 2

	// frameStep is the sampling interval for local transcription. Local
	// vision models describe stills, not video, so we sample.
	frameStep = 5 * time.Second
)

// FrameImage is one sampled still from a segment video.
type FrameImage struct {
	Offset time.Duration
	JPEG   []byte
}

// FrameExtractor samples stills from a video file at a fixed interval.
type FrameExtractor interface {
	ExtractFrames(ctx context.Context, videoPath string, interval time.Duration) ([]FrameImage, error)
}

// LocalProvider runs against an Ollama server. Video is sampled into
// stills, a vision model describes each still, and consecutive
// near-identical descriptions collapse into one observation. Cards come
// from a text model over the merged observations.
type LocalProvider struct {
	baseURL     string
	visionModel string
	cardModel   string
	confidence  float64
	extractor   FrameExtractor
	httpClient  *http.Client
}

// NewLocalProvider creates a local provider. Confidence is the similarity
// threshold above which consecutive frame descriptions merge.
func NewLocalProvider(baseURL, visionModel, cardModel string, confidence float64, extractor FrameExtractor) *LocalProvider {
	return &LocalProvider{
		baseURL:     strings.TrimRight(baseURL, "/"),
		visionModel: visionModel,
		cardModel:   cardModel,
		confidence:  confidence,
		extractor:   extractor,
		httpClient: &http.Client{
			Timeout: localTimeout,
		},
	}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Transcribe(ctx context.Context, videoPath string, start, end time.Time) ([]Observation, error) {
	const op = "local transcribe"
	frames, err := p.extractor.ExtractFrames(ctx, videoPath, frameStep)
	if err != nil {
		return nil, fmt.Errorf("extracting frames: %w", err)
	}
	if len(frames) == 0 {
		return nil, nil
	}

	texts := make([]string, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(frameWorkers)
	for i, f := range frames {
		g.Go(func() error {
			text, err := p.describeFrame(gctx, f.JPEG)
			if err != nil {
				return err
			}
			texts[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var obs []Observation
	for i, f := range frames {
		if texts[i] == "" {
			continue
		}
		frameEnd := end
		if i+1 < len(frames) {
			frameEnd = start.Add(frames[i+1].Offset)
		}
		obs = append(obs, Observation{
			StartTime: start.Add(f.Offset),
			EndTime:   frameEnd,
			Text:      texts[i],
		})
	}
	return mergeObservations(obs, p.confidence), nil
}

func (p *LocalProvider) GenerateCards(ctx context.Context, w Window) ([]CardDraft, error) {
	const op = "local cards"
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cards": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"start_time": map[string]any{"type": "string"},
						"end_time":   map[string]any{"type": "string"},
						"title":      map[string]any{"type": "string"},
						"summary":    map[string]any{"type": "string"},
						"category":   map[string]any{"type": "string"},
					},
					"required": []string{"start_time", "end_time", "title", "summary", "category"},
				},
			},
		},
		"required": []string{"cards"},
	}

	content, err := p.chat(ctx, op, p.cardModel, cardsPrompt(w), nil, schema)
	if err != nil {
		return nil, err
	}

	var out struct {
		Cards []CardDraft `json:"cards"`
	}
	if err := json.Unmarshal([]byte(stripJSONFences(content)), &out); err != nil {
		return nil, newError(ClassParse, op, fmt.Errorf("decoding model output: %w", err))
	}
	return validateDrafts(op, out.Cards, w)
}

func (p *LocalProvider) describeFrame(ctx context.Context, jpeg []byte) (string, error) {
	const prompt = `Describe what the person is doing in this screenshot of their computer screen.
Name visible applications, documents, and websites. One or two sentences.
If the screen is blank or idle, respond with exactly: IDLE`

	text, err := p.chat(ctx, "local describe frame", p.visionModel, prompt, jpeg, nil)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "IDLE" {
		return "", nil
	}
	return text, nil
}

// ollamaChatRequest mirrors POST /api/chat.
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   json.RawMessage `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error"`
}

func (p *LocalProvider) chat(ctx context.Context, op, model, prompt string, image []byte, schema map[string]any) (string, error) {
	msg := ollamaMessage{Role: "user", Content: prompt}
	if image != nil {
		msg.Images = []string{base64.StdEncoding.EncodeToString(image)}
	}
	req := ollamaChatRequest{
		Model:    model,
		Messages: []ollamaMessage{msg},
	}
	if schema != nil {
		raw, err := json.Marshal(schema)
		if err != nil {
			return "", fmt.Errorf("marshaling schema: %w", err)
		}
		req.Format = raw
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", newError(ClassNetwork, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		class := ClassCapacity
		if resp.StatusCode == http.StatusNotFound {
			// Model not pulled; retrying cannot help until the user acts.
			class = ClassAuth
		}
		return "", newError(class, op,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody)))
	}

	var cr ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", newError(ClassParse, op, fmt.Errorf("decoding response: %w", err))
	}
	if cr.Error != "" {
		return "", newError(ClassCapacity, op, errors.New(cr.Error))
	}
	return cr.Message.Content, nil
}

// mergeObservations collapses consecutive observations whose descriptions
// are similar beyond the confidence threshold. The merged span keeps the
// first description; local vision output is too noisy to concatenate.
func mergeObservations(obs []Observation, confidence float64) []Observation {
	if len(obs) < 2 {
		return obs
	}
	sort.Slice(obs, func(i, j int) bool { return obs[i].StartTime.Before(obs[j].StartTime) })

	merged := []Observation{obs[0]}
	for _, o := range obs[1:] {
		last := &merged[len(merged)-1]
		if similarity(last.Text, o.Text) >= confidence && !o.StartTime.After(last.EndTime) {
			last.EndTime = o.EndTime
			continue
		}
		merged = append(merged, o)
	}
	return merged
}

// similarity is token-set Jaccard similarity, case-insensitive.
func similarity(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?()[]\"'")
		if len(tok) > 2 {
			set[tok] = true
		}
	}
	return set
}
