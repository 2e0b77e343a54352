package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

const (
	geminiName         = "gemini"
	defaultGeminiModel = "gemini-2.0-flash-preview-image-generation"
)

// The image model only answers when both modalities are requested.
var geminiModalities = []string{"TEXT", "IMAGE"}

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// GeminiGenerator produces images with a Gemini image-capable model.
type GeminiGenerator struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGeminiGenerator creates a Gemini-backed generator
func NewGeminiGenerator(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*GeminiGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}

	return &GeminiGenerator{
		client: client,
		model:  model,
		logger: logger,
	}, nil
}

func (g *GeminiGenerator) Name() string {
	return geminiName
}

// Generate issues one request per variant; the image model answers with
// inline image blobs.
func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	config := geminiGenerateConfig()

	out := &Response{Model: g.model}
	for i := 0; i < req.Variants; i++ {
		resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), config)
		if err != nil {
			perr := classifyGeminiError(err)
			g.logger.Warn("Gemini request failed",
				slog.String("request_id", req.RequestID),
				slog.Any("error", perr),
			)
			return nil, perr
		}

		images, usage, err := extractGeminiImages(resp)
		if err != nil {
			return nil, err
		}
		out.Images = append(out.Images, images...)
		out.Usage.PromptTokens += usage.PromptTokens
		out.Usage.OutputTokens += usage.OutputTokens
		out.Usage.TotalTokens += usage.TotalTokens

		g.logger.Debug("Gemini variant generated",
			slog.String("request_id", req.RequestID),
			slog.Int("variant", i+1),
			slog.Int("images", len(images)),
		)
	}

	return out, nil
}

func geminiGenerateConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature:        genai.Ptr[float32](0.8),
		ResponseModalities: geminiModalities,
	}
}

func extractGeminiImages(resp *genai.GenerateContentResponse) ([]Image, Usage, error) {
	var usage Usage
	if resp == nil {
		return nil, usage, NewTransient(geminiName, "empty response", nil)
	}
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" && fb.BlockReason != genai.BlockedReasonUnspecified {
		return nil, usage, &Error{
			Kind:     KindPermanent,
			Provider: geminiName,
			Message:  "prompt rejected by content policy",
			Detail:   string(fb.BlockReason),
		}
	}

	var images []Image
	for _, cand := range resp.Candidates {
		if cand == nil {
			continue
		}
		if isGeminiPolicyFinish(cand.FinishReason) {
			return nil, usage, &Error{
				Kind:     KindPermanent,
				Provider: geminiName,
				Message:  "image rejected by content policy",
				Detail:   string(cand.FinishReason),
			}
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.InlineData == nil {
				continue
			}
			blob := part.InlineData
			if !strings.HasPrefix(blob.MIMEType, "image/") || len(blob.Data) == 0 {
				continue
			}
			images = append(images, Image{Data: blob.Data, MIMEType: blob.MIMEType})
		}
	}

	return images, usage, nil
}

func isGeminiPolicyFinish(reason genai.FinishReason) bool {
	switch reason {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReason("IMAGE_SAFETY"):
		return true
	}
	return false
}

func classifyGeminiError(err error) error {
	apiErr, ok := asGeminiAPIError(err)
	if !ok {
		return Classify(geminiName, err)
	}

	perr := &Error{
		Kind:       ClassifyHTTPStatus(apiErr.Code),
		Provider:   geminiName,
		StatusCode: apiErr.Code,
		Message:    statusMessage(apiErr.Code),
		Detail:     strings.TrimSpace(apiErr.Status + " " + apiErr.Message),
		Err:        err,
	}
	if apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Message), "safety") {
		perr.Message = "prompt rejected by content policy"
	}
	return perr
}

// asGeminiAPIError unwraps the SDK's API error, returned by value or pointer.
func asGeminiAPIError(err error) (genai.APIError, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return *apiErrPtr, true
	}
	return genai.APIError{}, false
}
