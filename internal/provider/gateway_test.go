package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	name  string
	resp  *Response
	err   error
	calls int
	last  Request
}

func (f *fakeGenerator) Name() string { return f.name }

func (f *fakeGenerator) Generate(_ context.Context, req Request) (*Response, error) {
	f.calls++
	f.last = req
	return f.resp, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func images(n int) []Image {
	out := make([]Image, n)
	for i := range out {
		out[i] = Image{Data: []byte{0x89, 'P', 'N', 'G'}}
	}
	return out
}

func TestNewGateway(t *testing.T) {
	_, err := NewGateway("gemini", testLogger())
	assert.Error(t, err)

	_, err = NewGateway("missing", testLogger(), &fakeGenerator{name: "gemini"})
	assert.Error(t, err)

	gw, err := NewGateway("", testLogger(), &fakeGenerator{name: "Gemini"}, &fakeGenerator{name: "dashscope"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dashscope", "gemini"}, gw.Providers())
	assert.True(t, gw.Supports("GEMINI"))
	assert.False(t, gw.Supports("openai"))
}

func TestGateway_Unserved(t *testing.T) {
	gw, err := NewGateway("gemini", testLogger(), &fakeGenerator{name: "gemini"})
	require.NoError(t, err)

	assert.Equal(t, []string{"dashscope"}, gw.Unserved([]string{"gemini", "dashscope"}))
	assert.Empty(t, gw.Unserved([]string{" Gemini "}))
	assert.Empty(t, gw.Unserved(nil))
}

func TestGateway_Generate_RoutesByHint(t *testing.T) {
	gemini := &fakeGenerator{name: "gemini", resp: &Response{Images: images(2), Model: "g"}}
	dash := &fakeGenerator{name: "dashscope", resp: &Response{Images: images(2), Model: "q", Usage: Usage{PromptTokens: 3, OutputTokens: 4, TotalTokens: 7}}}

	gw, err := NewGateway("gemini", testLogger(), gemini, dash)
	require.NoError(t, err)

	res, err := gw.Generate(context.Background(), GenerateRequest{
		Prompt:       "a shirt",
		AspectRatio:  "1:1",
		Variants:     2,
		ProviderHint: "DashScope",
		Quality:      "studio",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, gemini.calls)
	assert.Equal(t, 1, dash.calls)
	assert.Equal(t, "a shirt", dash.last.Prompt)
	assert.Len(t, res.Images, 2)
	assert.Equal(t, "image/png", res.Images[0].MIMEType)
	assert.Equal(t, "dashscope", res.Metadata.Provider)
	assert.Equal(t, "q", res.Metadata.Model)
	assert.Equal(t, 7, res.Metadata.TotalTokens)
	assert.Equal(t, "studio", res.Metadata.Quality)
}

func TestGateway_Generate_UnknownHintUsesDefault(t *testing.T) {
	gemini := &fakeGenerator{name: "gemini", resp: &Response{Images: images(1)}}
	gw, err := NewGateway("gemini", testLogger(), gemini)
	require.NoError(t, err)

	_, err = gw.Generate(context.Background(), GenerateRequest{Prompt: "p", Variants: 1, ProviderHint: "other"})
	require.NoError(t, err)
	assert.Equal(t, 1, gemini.calls)
}

func TestGateway_Generate_Normalization(t *testing.T) {
	tests := []struct {
		name      string
		resp      *Response
		err       error
		variants  int
		wantKind  Kind
		wantCount int
	}{
		{name: "extra images truncated", resp: &Response{Images: images(3)}, variants: 2, wantCount: 2},
		{name: "partial result is transient", resp: &Response{Images: images(1)}, variants: 2, wantKind: KindTransient},
		{name: "empty images skipped", resp: &Response{Images: []Image{{}, {URL: "https://x/y.png"}}}, variants: 2, wantKind: KindTransient},
		{name: "nil response is transient", resp: nil, variants: 1, wantKind: KindTransient},
		{name: "plain error is permanent", err: errors.New("bad prompt"), variants: 1, wantKind: KindPermanent},
		{name: "deadline is transient", err: context.DeadlineExceeded, variants: 1, wantKind: KindTransient},
		{name: "typed error keeps kind", err: NewTransient("", "rate limited", nil), variants: 1, wantKind: KindTransient},
		{name: "zero variants rejected", resp: &Response{}, variants: 0, wantKind: KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{name: "gemini", resp: tt.resp, err: tt.err}
			gw, err := NewGateway("gemini", testLogger(), gen)
			require.NoError(t, err)

			res, err := gw.Generate(context.Background(), GenerateRequest{Prompt: "p", Variants: tt.variants})
			if tt.wantKind == "" {
				require.NoError(t, err)
				assert.Len(t, res.Images, tt.wantCount)
				return
			}

			require.Error(t, err)
			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.wantKind, perr.Kind)
			assert.Equal(t, "gemini", perr.Provider)
		})
	}
}
