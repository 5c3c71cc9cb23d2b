package medsync

import (
	"context"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3BlobStore_Put(t *testing.T) {
	putter := &fakePutter{}
	store := &S3BlobStore{client: putter, config: BlobConfig{Bucket: "doses"}}

	addr, err := store.Put(context.Background(), "owner/med/1_abc.png", []byte("img"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "s3://doses/owner/med/1_abc.png", addr)
	assert.Equal(t, "doses", aws.ToString(putter.in.Bucket))
	assert.Equal(t, "owner/med/1_abc.png", aws.ToString(putter.in.Key))
	assert.Equal(t, "image/png", aws.ToString(putter.in.ContentType))
	assert.Equal(t, []byte("img"), putter.body)
}

func TestS3BlobStore_PublicBaseURL(t *testing.T) {
	store := &S3BlobStore{client: &fakePutter{}, config: BlobConfig{Bucket: "doses", PublicBaseURL: "https://cdn.example.com/"}}
	addr, err := store.Put(context.Background(), "k.jpg", []byte("x"), "")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/k.jpg", addr)
}

func TestS3BlobStore_PutFailureIsSyncError(t *testing.T) {
	store := &S3BlobStore{client: &fakePutter{err: errors.New("access denied")}, config: BlobConfig{Bucket: "doses"}}
	_, err := store.Put(context.Background(), "k.jpg", []byte("x"), "")
	var se *SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "blob put", se.Operation)
}

func TestNewS3BlobStore_RequiresBucket(t *testing.T) {
	_, err := NewS3BlobStore(context.Background(), BlobConfig{})
	assert.Error(t, err)
}

func TestImageKey(t *testing.T) {
	at := time.UnixMilli(1741600000123)
	key := ImageKey("owner-1", "med-1", at, ".PNG")
	assert.Regexp(t, regexp.MustCompile(`^owner-1/med-1/1741600000123_[0-9a-f]{8}\.png$`), key)
	assert.NotEqual(t, key, ImageKey("owner-1", "med-1", at, "png"), "keys are write-once")
	assert.Regexp(t, `\.jpg$`, ImageKey("o", "m", at, ""))
}

func TestImageContentTypeAndHash(t *testing.T) {
	assert.Equal(t, "image/png", ImageContentType("png"))
	assert.Equal(t, "image/heic", ImageContentType(".HEIC"))
	assert.Equal(t, "image/jpeg", ImageContentType("jpeg"))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", ImageHash([]byte("hello")))
}
