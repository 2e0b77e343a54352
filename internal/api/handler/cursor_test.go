package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/adgen-pipeline/internal/store"
)

func TestJobCursorRoundTrip(t *testing.T) {
	in := &store.Cursor{
		CreatedAt: time.Date(2025, 3, 4, 5, 6, 7, 891011, time.UTC),
		ID:        "7a4b2c9e-1f3d-4e5a-9b6c-0d1e2f3a4b5c",
	}

	out, err := DecodeJobCursor(EncodeJobCursor(in))
	require.NoError(t, err)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.ID, out.ID)
}

func TestDecodeJobCursor(t *testing.T) {
	cursor, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	encode := func(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }
	for _, raw := range []string{"%%%", encode("no-separator"), encode("abc|id"), encode("123|")} {
		_, err := DecodeJobCursor(raw)
		assert.Error(t, err, raw)
	}
}

func TestEncodeJobCursorNil(t *testing.T) {
	assert.Empty(t, EncodeJobCursor(nil))
}
