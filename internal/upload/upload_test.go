package upload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/adgen-pipeline/internal/provider"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "ads/u1/j1/1.png", ObjectKey("u1", "j1", 0, "image/png"))
	assert.Equal(t, "ads/u1/j1/2.jpg", ObjectKey("u1", "j1", 1, "image/jpeg"))
	assert.Equal(t, "ads/u1/j1/3.png", ObjectKey("u1", "j1", 2, ""))
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "ads/u1/1.png", want: "ads/u1/1.png"},
		{in: "/ads//u1/./1.png", want: "ads/u1/1.png"},
		{in: `ads\u1\1.png`, want: "ads/u1/1.png"},
		{in: "../etc/passwd", wantErr: true},
		{in: "ads/../../x", wantErr: true},
		{in: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := sanitizeKey(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFileStore_Put(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, "https://cdn.example.com/media/")
	require.NoError(t, err)

	url, err := store.Put(ctx, "ads/u1/j1/1.png", provider.Image{Data: []byte("png"), MIMEType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/media/ads/u1/j1/1.png", url)

	data, err := os.ReadFile(filepath.Join(dir, "ads", "u1", "j1", "1.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	url, err = store.Put(ctx, "ignored", provider.Image{URL: "https://provider/x.png"})
	require.NoError(t, err)
	assert.Equal(t, "https://provider/x.png", url)

	_, err = store.Put(ctx, "x", provider.Image{})
	assert.Error(t, err)

	_, err = store.Put(ctx, "../escape.png", provider.Image{Data: []byte("x")})
	assert.Error(t, err)
}

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store_Put(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := &fakeS3{}
	store := newS3Store(client, S3Config{Bucket: "ads-bucket", Prefix: "/generated/"}, "us-east-1", logger)

	url, err := store.Put(ctx, "ads/u1/j1/1.jpg", provider.Image{Data: []byte("jpg"), MIMEType: "image/jpeg"})
	require.NoError(t, err)
	assert.Equal(t, "https://ads-bucket.s3.us-east-1.amazonaws.com/generated/ads/u1/j1/1.jpg", url)

	require.Len(t, client.inputs, 1)
	assert.Equal(t, "ads-bucket", *client.inputs[0].Bucket)
	assert.Equal(t, "generated/ads/u1/j1/1.jpg", *client.inputs[0].Key)
	assert.Equal(t, "image/jpeg", *client.inputs[0].ContentType)
	assert.Equal(t, []byte("jpg"), client.bodies[0])

	url, err = store.Put(ctx, "k", provider.Image{URL: "https://provider/y.png"})
	require.NoError(t, err)
	assert.Equal(t, "https://provider/y.png", url)
	assert.Len(t, client.inputs, 1)

	client.err = errors.New("access denied")
	_, err = store.Put(ctx, "k.png", provider.Image{Data: []byte("x")})
	assert.Error(t, err)
}

func TestS3Store_PublicBaseURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newS3Store(&fakeS3{}, S3Config{Bucket: "b", PublicBaseURL: "https://cdn.example.com"}, "eu-west-1", logger)

	url, err := store.Put(context.Background(), "a/b.png", provider.Image{Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a/b.png", url)
}
