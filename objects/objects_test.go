package objects

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryUpload(t *testing.T) {
	m := NewMemory("")
	url, err := m.Upload(context.Background(), "avatars", "avatar_c1_1.jpg", "image/jpeg", []byte{0xff, 0xd8})
	require.NoError(t, err)
	assert.Equal(t, "memory://avatars/avatar_c1_1.jpg", url)

	obj, ok := m.Get("avatars", "avatar_c1_1.jpg")
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", obj.ContentType)
	assert.Equal(t, []byte{0xff, 0xd8}, obj.Data)

	_, err = m.Upload(context.Background(), "", "k", "image/jpeg", nil)
	assert.Error(t, err)
}

func TestPublicURLs(t *testing.T) {
	assert.Equal(t,
		"https://autofix-media.s3.eu-west-1.amazonaws.com/avatars/a.jpg",
		s3PublicURL(S3Config{Bucket: "autofix-media", Region: "eu-west-1"}, "avatars/a.jpg"))
	assert.Equal(t,
		"http://localhost:4566/autofix-media/avatars/a.jpg",
		s3PublicURL(S3Config{Bucket: "autofix-media", Endpoint: "http://localhost:4566/"}, "avatars/a.jpg"))
	assert.Equal(t,
		"https://storage.googleapis.com/autofix-media/avatars/a.jpg",
		gcsPublicURL("autofix-media", "avatars/a.jpg"))
}
