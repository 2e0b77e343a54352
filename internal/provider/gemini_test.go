package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestGeminiGenerateConfig_RequestsImages(t *testing.T) {
	config := geminiGenerateConfig()

	assert.ElementsMatch(t, []string{"TEXT", "IMAGE"}, config.ResponseModalities)
	require.NotNil(t, config.Temperature)
	assert.InDelta(t, 0.8, *config.Temperature, 1e-6)
}

func TestExtractGeminiImages(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "here is your image"},
				{InlineData: &genai.Blob{MIMEType: "image/png", Data: []byte("a")}},
				{InlineData: &genai.Blob{MIMEType: "application/json", Data: []byte("{}")}},
				{InlineData: &genai.Blob{MIMEType: "image/jpeg"}},
				nil,
			}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 6, TotalTokenCount: 10},
	}

	imgs, usage, err := extractGeminiImages(resp)
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	assert.Equal(t, "image/png", imgs[0].MIMEType)
	assert.Equal(t, []byte("a"), imgs[0].Data)
	assert.Equal(t, 4, usage.PromptTokens)
	assert.Equal(t, 10, usage.TotalTokens)
}

func TestExtractGeminiImages_Rejections(t *testing.T) {
	_, _, err := extractGeminiImages(nil)
	assert.True(t, IsTransient(err))

	_, _, err = extractGeminiImages(&genai.GenerateContentResponse{
		PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety},
	})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, "prompt rejected by content policy (permanent provider error)", Summarize(err))

	for _, reason := range []genai.FinishReason{genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, "IMAGE_SAFETY"} {
		_, _, err = extractGeminiImages(&genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{FinishReason: reason}},
		})
		require.Error(t, err, reason)
		assert.False(t, IsTransient(err), reason)
	}
}

func TestClassifyGeminiError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		msg       string
		detail    string
	}{
		{name: "quota", err: genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "quota exceeded for project 42"}, transient: true, msg: "provider rate limited", detail: "project 42"},
		{name: "unavailable", err: genai.APIError{Code: 503}, transient: true, msg: "provider unavailable"},
		{name: "forbidden", err: genai.APIError{Code: 403, Message: "key leaked"}, msg: "provider credentials rejected", detail: "key leaked"},
		{name: "bad request", err: genai.APIError{Code: 400, Message: "invalid argument: modality"}, msg: "invalid generation request", detail: "modality"},
		{name: "safety", err: genai.APIError{Code: 400, Message: "request blocked by safety filters"}, msg: "prompt rejected by content policy"},
		{name: "pointer", err: fmt.Errorf("call: %w", &genai.APIError{Code: 429}), transient: true, msg: "provider rate limited"},
		{name: "unknown", err: errors.New("weird"), msg: "provider rejected the request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyGeminiError(tt.err)
			var perr *Error
			require.ErrorAs(t, got, &perr)
			assert.Equal(t, tt.transient, perr.Transient())
			assert.Equal(t, "gemini", perr.Provider)
			assert.Equal(t, tt.msg, perr.Message)
			if tt.detail != "" {
				assert.Contains(t, perr.Detail, tt.detail)
				assert.NotContains(t, perr.Summary(), tt.detail)
			}
		})
	}
}
