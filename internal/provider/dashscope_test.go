package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDashScopeServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, srvURL string)) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(w, r, srv.URL)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDashScopeGenerator_Generate(t *testing.T) {
	var calls atomic.Int32
	srv := newDashScopeServer(t, func(w http.ResponseWriter, r *http.Request, srvURL string) {
		switch r.URL.Path {
		case "/services/aigc/multimodal-generation/generation":
			calls.Add(1)
			assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))

			var body dashScopeRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "qwen-image-plus", body.Model)
			assert.Equal(t, "1664*928", body.Parameters.Size)
			assert.Equal(t, "a shirt", body.Input.Messages[0].Content[0].Text)

			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"output":{"choices":[{"message":{"role":"assistant","content":[{"image":"%s/img.png"}]}}]},"usage":{"width":1664,"height":928,"input_tokens":5,"output_tokens":1},"request_id":"r1"}`, srvURL)
		case "/img.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png-bytes"))
		default:
			http.NotFound(w, r)
		}
	})

	gen := NewDashScopeGenerator(DashScopeConfig{APIKey: "key-1", BaseURL: srv.URL + "/"}, srv.Client(), testLogger())
	resp, err := gen.Generate(context.Background(), Request{Prompt: "a shirt", AspectRatio: "16:9", Variants: 2})
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, resp.Images, 2)
	assert.Equal(t, []byte("png-bytes"), resp.Images[0].Data)
	assert.Equal(t, "image/png", resp.Images[0].MIMEType)
	assert.Equal(t, 1664, resp.Images[0].Width)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
}

func TestDashScopeGenerator_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   Kind
		wantMsg    string
		wantDetail string
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"code":"Throttling","message":"slow down"}`, wantKind: KindTransient, wantMsg: "provider rate limited", wantDetail: "slow down"},
		{name: "server error", status: http.StatusBadGateway, body: `oops`, wantKind: KindTransient, wantMsg: "provider unavailable"},
		{name: "bad credentials", status: http.StatusUnauthorized, body: `{"code":"InvalidApiKey","message":"key abc invalid"}`, wantKind: KindPermanent, wantMsg: "provider credentials rejected", wantDetail: "key abc invalid"},
		{name: "bad request", status: http.StatusBadRequest, body: `{"code":"InvalidParameter","message":"prompt too long"}`, wantKind: KindPermanent, wantMsg: "invalid generation request", wantDetail: "prompt too long"},
		{name: "policy code on 400", status: http.StatusBadRequest, body: `{"code":"DataInspectionFailed","message":"input data may contain inappropriate content"}`, wantKind: KindPermanent, wantMsg: "prompt rejected by content policy", wantDetail: "inappropriate content"},
		{name: "policy code on 200", status: http.StatusOK, body: `{"code":"DataInspectionFailed","message":"inappropriate content"}`, wantKind: KindPermanent, wantMsg: "prompt rejected by content policy", wantDetail: "inappropriate content"},
		{name: "throttling code on 200", status: http.StatusOK, body: `{"code":"Throttling.RateQuota","message":"quota"}`, wantKind: KindTransient, wantMsg: "provider rate limited", wantDetail: "quota"},
		{name: "no image", status: http.StatusOK, body: `{"output":{"choices":[]}}`, wantKind: KindTransient},
		{name: "malformed", status: http.StatusOK, body: `{not json`, wantKind: KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newDashScopeServer(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			gen := NewDashScopeGenerator(DashScopeConfig{APIKey: "k", BaseURL: srv.URL}, srv.Client(), testLogger())
			_, err := gen.Generate(context.Background(), Request{Prompt: "p", Variants: 1})
			require.Error(t, err)

			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.wantKind, perr.Kind)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, perr.Message)
			}
			if tt.wantDetail != "" {
				assert.Contains(t, perr.Detail, tt.wantDetail)
				assert.Contains(t, perr.Error(), tt.wantDetail)
				assert.NotContains(t, perr.Summary(), tt.wantDetail)
			}
		})
	}
}

func TestDashScopeGenerator_MissingKey(t *testing.T) {
	gen := NewDashScopeGenerator(DashScopeConfig{}, nil, testLogger())
	_, err := gen.Generate(context.Background(), Request{Prompt: "p", Variants: 1})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestAspectRatioSize(t *testing.T) {
	assert.Equal(t, "1328*1328", AspectRatioSize("1:1"))
	assert.Equal(t, "1328*1328", AspectRatioSize(""))
	assert.Equal(t, "928*1664", AspectRatioSize("9:16"))
	assert.Equal(t, "1184*1480", AspectRatioSize(" 4:5 "))
}
