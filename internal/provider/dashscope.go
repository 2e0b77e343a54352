package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	dashScopeName         = "dashscope"
	defaultDashScopeURL   = "https://dashscope-intl.aliyuncs.com/api/v1"
	defaultDashScopeModel = "qwen-image-plus"
	maxImageBytes         = 32 << 20
)

// DashScopeConfig configures the DashScope (Qwen image) provider.
type DashScopeConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DashScopeGenerator calls the DashScope text-to-image API over HTTP.
type DashScopeGenerator struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

type dashScopeRequest struct {
	Model      string              `json:"model"`
	Input      dashScopeInput      `json:"input"`
	Parameters dashScopeParameters `json:"parameters"`
}

type dashScopeInput struct {
	Messages []dashScopeMessage `json:"messages"`
}

type dashScopeMessage struct {
	Role    string             `json:"role"`
	Content []dashScopeContent `json:"content"`
}

type dashScopeContent struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type dashScopeParameters struct {
	Size      string `json:"size,omitempty"`
	Watermark bool   `json:"watermark"`
}

type dashScopeResponse struct {
	Output struct {
		Choices []struct {
			Message dashScopeMessage `json:"message"`
		} `json:"choices"`
	} `json:"output"`
	Usage struct {
		Width        int `json:"width"`
		Height       int `json:"height"`
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// NewDashScopeGenerator creates a DashScope generator. httpClient may be nil.
func NewDashScopeGenerator(cfg DashScopeConfig, httpClient *http.Client, logger *slog.Logger) *DashScopeGenerator {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultDashScopeURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultDashScopeModel
	}
	return &DashScopeGenerator{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (g *DashScopeGenerator) Name() string {
	return dashScopeName
}

// Generate requests one image per variant and downloads each result so the
// stored reference does not depend on the provider's expiring URLs.
func (g *DashScopeGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	if g.apiKey == "" {
		return nil, NewPermanent(dashScopeName, "provider credentials not configured", nil)
	}

	out := &Response{Model: g.model}
	for i := 0; i < req.Variants; i++ {
		img, usage, err := g.generateOne(ctx, req)
		if err != nil {
			return nil, err
		}
		out.Images = append(out.Images, *img)
		out.Usage.PromptTokens += usage.PromptTokens
		out.Usage.OutputTokens += usage.OutputTokens
		out.Usage.TotalTokens += usage.PromptTokens + usage.OutputTokens
	}
	return out, nil
}

func (g *DashScopeGenerator) generateOne(ctx context.Context, req Request) (*Image, Usage, error) {
	var usage Usage

	payload := dashScopeRequest{
		Model: g.model,
		Input: dashScopeInput{
			Messages: []dashScopeMessage{{
				Role:    "user",
				Content: []dashScopeContent{{Text: req.Prompt}},
			}},
		},
		Parameters: dashScopeParameters{Size: AspectRatioSize(req.AspectRatio)},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, usage, NewPermanent(dashScopeName, "failed to encode request", err)
	}

	endpoint := g.baseURL + "/services/aigc/multimodal-generation/generation"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, usage, NewPermanent(dashScopeName, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, usage, Classify(dashScopeName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, usage, NewTransient(dashScopeName, "failed to read response", err)
	}

	var decoded dashScopeResponse
	decodeErr := json.Unmarshal(raw, &decoded)

	if resp.StatusCode >= 300 {
		perr := &Error{
			Kind:       ClassifyHTTPStatus(resp.StatusCode),
			Provider:   dashScopeName,
			StatusCode: resp.StatusCode,
			Message:    statusMessage(resp.StatusCode),
		}
		if decodeErr == nil {
			perr.Detail = decoded.Message
			if isDashScopePolicyCode(decoded.Code) {
				perr.Message = "prompt rejected by content policy"
			}
		}
		return nil, usage, perr
	}
	if decodeErr != nil {
		return nil, usage, NewTransient(dashScopeName, "malformed provider response", decodeErr)
	}
	if decoded.Code != "" {
		return nil, usage, dashScopeCodeError(decoded)
	}

	usage.PromptTokens = decoded.Usage.InputTokens
	usage.OutputTokens = decoded.Usage.OutputTokens

	imageURL := firstDashScopeImage(decoded)
	if imageURL == "" {
		return nil, usage, NewTransient(dashScopeName, "response contained no image", nil)
	}

	data, mime, err := g.download(ctx, imageURL)
	if err != nil {
		return nil, usage, err
	}

	g.logger.Debug("DashScope image generated",
		slog.String("request_id", req.RequestID),
		slog.String("provider_request_id", decoded.RequestID),
	)

	return &Image{
		Data:     data,
		URL:      imageURL,
		MIMEType: mime,
		Width:    decoded.Usage.Width,
		Height:   decoded.Usage.Height,
	}, usage, nil
}

func (g *DashScopeGenerator) download(ctx context.Context, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", NewPermanent(dashScopeName, "invalid image url", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, "", Classify(dashScopeName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, "", &Error{
			Kind:       ClassifyHTTPStatus(resp.StatusCode),
			Provider:   dashScopeName,
			StatusCode: resp.StatusCode,
			Message:    "image download failed",
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", NewTransient(dashScopeName, "image download interrupted", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

func firstDashScopeImage(resp dashScopeResponse) string {
	for _, choice := range resp.Output.Choices {
		for _, content := range choice.Message.Content {
			if u := strings.TrimSpace(content.Image); u != "" {
				return u
			}
		}
	}
	return ""
}

// AspectRatioSize maps an aspect ratio to a DashScope size token.
func AspectRatioSize(aspect string) string {
	switch strings.TrimSpace(aspect) {
	case "16:9":
		return "1664*928"
	case "4:3":
		return "1472*1104"
	case "3:4":
		return "1140*1472"
	case "9:16":
		return "928*1664"
	case "4:5":
		return "1184*1480"
	default:
		return "1328*1328"
	}
}

var _ Generator = (*DashScopeGenerator)(nil)
var _ Generator = (*GeminiGenerator)(nil)

func (g *DashScopeGenerator) String() string {
	return fmt.Sprintf("%s(%s)", dashScopeName, g.model)
}

// dashScopeCodeError maps an error code reported in a 2xx body.
func dashScopeCodeError(decoded dashScopeResponse) *Error {
	perr := &Error{
		Kind:     KindPermanent,
		Provider: dashScopeName,
		Message:  "invalid generation request",
		Detail:   decoded.Code + ": " + decoded.Message,
	}
	switch {
	case strings.HasPrefix(decoded.Code, "Throttling"):
		perr.Kind = KindTransient
		perr.Message = "provider rate limited"
	case strings.HasPrefix(decoded.Code, "InternalError"):
		perr.Kind = KindTransient
		perr.Message = "provider unavailable"
	case isDashScopePolicyCode(decoded.Code):
		perr.Message = "prompt rejected by content policy"
	}
	return perr
}

func isDashScopePolicyCode(code string) bool {
	return strings.HasPrefix(code, "DataInspection")
}
