package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-2.5-flash"

	jpegQuality = 85
)

var (
	ErrEmptyResponse = errors.New("gemini returned no candidates")
	jsonObjectRe     = regexp.MustCompile(`(?s)\{.*\}`)
)

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Client classifies frames with the Gemini generateContent REST endpoint.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
	Temperature      float64 `json:"temperature"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// inspectionPayload is the JSON document the prompt asks for. Older prompts
// used "detections" for the list, both keys are accepted.
type inspectionPayload struct {
	IsProperty            *bool              `json:"is_property"`
	Message               string             `json:"message"`
	OverallConditionScore float64            `json:"overall_condition_score"`
	UsabilityRating       string             `json:"usability_rating"`
	OverallAssessment     string             `json:"overall_assessment"`
	Defects               []entity.Detection `json:"defects"`
	Detections            []entity.Detection `json:"detections"`
}

func (c *Client) ClassifyImage(ctx context.Context, img image.Image) (*entity.FrameResult, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	req := generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{Text: inspectionPrompt},
				{InlineData: &inlineData{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(buf.Bytes())}},
			},
		}},
		GenerationConfig: &generationConfig{ResponseMimeType: "application/json", Temperature: 0.2},
	}

	text, err := c.generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseInspection(text)
}

// Ping sends a trivial text prompt to confirm the key and model are usable.
func (c *Client) Ping(ctx context.Context) (string, error) {
	req := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: pingPrompt}}}},
	}
	text, err := c.generate(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (c *Client) generate(ctx context.Context, reqBody generateRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("gemini call finished",
		zap.String("model", c.model),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	var genResp generateResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("gemini API returned status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if genResp.Error != nil {
		return "", fmt.Errorf("gemini API error (%d %s): %s", genResp.Error.Code, genResp.Error.Status, genResp.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini API returned status %d", resp.StatusCode)
	}
	if genResp.PromptFeedback != nil && genResp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("prompt blocked: %s", genResp.PromptFeedback.BlockReason)
	}
	if len(genResp.Candidates) == 0 {
		return "", ErrEmptyResponse
	}

	var sb strings.Builder
	for _, p := range genResp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("empty candidate text (finish reason %s)", genResp.Candidates[0].FinishReason)
	}
	return text, nil
}

func parseInspection(text string) (*entity.FrameResult, error) {
	cleaned := stripCodeFence(text)

	var payload inspectionPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		match := jsonObjectRe.FindString(cleaned)
		if match == "" {
			return nil, fmt.Errorf("parse inspection json: %w", err)
		}
		if err := json.Unmarshal([]byte(match), &payload); err != nil {
			return nil, fmt.Errorf("parse inspection json: %w", err)
		}
	}

	if payload.IsProperty == nil {
		return nil, errors.New("inspection json has no is_property field")
	}
	if !*payload.IsProperty {
		return &entity.FrameResult{IsPropertyImage: false, OverallAssessment: payload.Message}, nil
	}

	detections := payload.Defects
	if len(detections) == 0 {
		detections = payload.Detections
	}
	return &entity.FrameResult{
		IsPropertyImage:       true,
		OverallConditionScore: clampScore(payload.OverallConditionScore),
		UsabilityRating:       entity.ParseUsability(payload.UsabilityRating),
		OverallAssessment:     payload.OverallAssessment,
		Detections:            detections,
	}, nil
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if _, after, found := strings.Cut(text, "```json"); found {
		text = after
	} else if _, after, found := strings.Cut(text, "```"); found {
		text = after
	} else {
		return text
	}
	if before, _, found := strings.Cut(text, "```"); found {
		text = before
	}
	return strings.TrimSpace(text)
}

func clampScore(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return int(v + 0.5)
	}
}
