package s3

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSHA256(t *testing.T) {
	got, err := encodeSHA256("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	require.NoError(t, err)
	assert.Equal(t, "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=", got)

	_, err = encodeSHA256("")
	assert.Error(t, err)
	_, err = encodeSHA256("zz")
	assert.Error(t, err)
}

func TestNewRequiresCredentialPair(t *testing.T) {
	_, err := New(context.Background(), Config{AccessKey: "only"})
	assert.Error(t, err)
}

func TestPresignGetUsesEndpoint(t *testing.T) {
	c, err := New(context.Background(), Config{
		Endpoint:       "minio:9000",
		AccessKey:      "access",
		SecretKey:      "secret",
		DisableTLS:     true,
		ForcePathStyle: true,
	})
	require.NoError(t, err)

	url, err := c.PresignGet(context.Background(), "exports", "exports/s1/a.tar.zst", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, url, "http://minio:9000/exports/exports/s1/a.tar.zst")
	assert.Contains(t, url, "X-Amz-Expires=3600")
}
