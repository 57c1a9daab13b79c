package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testS3(t *testing.T, expireMinutes int) *S3 {
	t.Helper()
	s, err := NewS3(context.Background(), S3Config{
		Region:               "us-east-1",
		AccessKeyID:          "test-access",
		SecretAccessKey:      "test-secret",
		ArchiveBucket:        "live-archives-test",
		PresignExpireMinutes: expireMinutes,
	}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestArchiveKeyLayout(t *testing.T) {
	assert.Equal(t, "archives/abc.json", ArchiveKey("abc"))
}

func TestPresignExpireDefaultsWhenUnset(t *testing.T) {
	assert.Equal(t, 15*time.Minute, testS3(t, 0).PresignExpire())
	assert.Equal(t, 5*time.Minute, testS3(t, 5).PresignExpire())
}

// Presigning is pure request signing: no network involved, so the URL
// shape is verifiable offline.
func TestPresignedDownloadURLIsSigned(t *testing.T) {
	s := testS3(t, 5)
	url, err := s.GeneratePresignedDownloadURL(context.Background(),
		ArchiveKey("sess-1"), s.PresignExpire())
	require.NoError(t, err)
	assert.Contains(t, url, "live-archives-test")
	assert.Contains(t, url, "archives/sess-1.json")
	assert.Contains(t, url, "X-Amz-Signature=")
}
