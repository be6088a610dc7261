package vendors

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/aliyun/alibabacloud-oss-go-sdk-v2/oss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBucket is an in-memory objectAPI
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (b *fakeBucket) PutObject(ctx context.Context, req *oss.PutObjectRequest, optFns ...func(*oss.Options)) (*oss.PutObjectResult, error) {
	if b.putErr != nil {
		return nil, b.putErr
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[*req.Bucket+"/"+*req.Key] = data
	return &oss.PutObjectResult{}, nil
}

func (b *fakeBucket) GetObject(ctx context.Context, req *oss.GetObjectRequest, optFns ...func(*oss.Options)) (*oss.GetObjectResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[*req.Bucket+"/"+*req.Key]
	if !ok {
		return nil, &oss.ServiceError{StatusCode: http.StatusNotFound, Code: "NoSuchKey"}
	}
	return &oss.GetObjectResult{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (b *fakeBucket) DeleteObject(ctx context.Context, req *oss.DeleteObjectRequest, optFns ...func(*oss.Options)) (*oss.DeleteObjectResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, *req.Bucket+"/"+*req.Key)
	return &oss.DeleteObjectResult{}, nil
}

func TestOSSMirror_PutGetDelete(t *testing.T) {
	bucket := newFakeBucket()
	mirror := newOSSMirror(bucket, "fleet", "session-backups/")
	ctx := context.Background()

	require.NoError(t, mirror.Put(ctx, "T1", []byte("archive")))
	assert.Contains(t, bucket.objects, "fleet/session-backups/T1.zip")

	blob, err := mirror.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, []byte("archive"), blob)

	require.NoError(t, mirror.Delete(ctx, "T1"))
	blob, err = mirror.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestOSSMirror_PutError(t *testing.T) {
	bucket := newFakeBucket()
	bucket.putErr = errors.New("connection reset")
	mirror := newOSSMirror(bucket, "fleet", "")

	err := mirror.Put(context.Background(), "T1", []byte("archive"))
	assert.ErrorContains(t, err, "failed to upload to OSS")
}

func TestOSSMirror_Key(t *testing.T) {
	assert.Equal(t, "session-backups/T1.zip", newOSSMirror(nil, "b", "session-backups/").key("T1"))
	assert.Equal(t, "T1.zip", newOSSMirror(nil, "b", "").key("T1"))
}

func TestNewOSSMirror_DisabledWithoutCredentials(t *testing.T) {
	assert.Nil(t, NewOSSMirror(OSSConfig{Bucket: "fleet"}))
}
