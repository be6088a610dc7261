package vendors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/aliyun/alibabacloud-oss-go-sdk-v2/oss"
	"github.com/aliyun/alibabacloud-oss-go-sdk-v2/oss/credentials"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

// OSSConfig configures the off-site backup mirror
type OSSConfig struct {
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	AccessKeySecret string
}

// objectAPI is the subset of *oss.Client the mirror uses
type objectAPI interface {
	PutObject(ctx context.Context, request *oss.PutObjectRequest, optFns ...func(*oss.Options)) (*oss.PutObjectResult, error)
	GetObject(ctx context.Context, request *oss.GetObjectRequest, optFns ...func(*oss.Options)) (*oss.GetObjectResult, error)
	DeleteObject(ctx context.Context, request *oss.DeleteObjectRequest, optFns ...func(*oss.Options)) (*oss.DeleteObjectResult, error)
}

// OSSMirror keeps a copy of every session archive in an Aliyun OSS bucket
type OSSMirror struct {
	client objectAPI
	bucket string
	prefix string
}

// NewOSSMirror creates the mirror. Returns nil when credentials or bucket are missing.
func NewOSSMirror(cfg OSSConfig) *OSSMirror {
	if cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" || cfg.Bucket == "" {
		log.Warn().Msg("Aliyun OSS credentials not configured, backup mirror disabled")
		return nil
	}

	region := cfg.Region
	if region == "" {
		region = "cn-beijing" // Default to Beijing
	}

	// Create credentials provider
	credProvider := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.AccessKeySecret)

	// Create OSS config and client
	ossCfg := oss.LoadDefaultConfig().
		WithCredentialsProvider(credProvider).
		WithRegion(region)

	log.Info().
		Str("region", region).
		Str("bucket", cfg.Bucket).
		Msg("Aliyun OSS backup mirror initialized")

	return newOSSMirror(oss.NewClient(ossCfg), cfg.Bucket, cfg.Prefix)
}

func newOSSMirror(client objectAPI, bucket, prefix string) *OSSMirror {
	return &OSSMirror{client: client, bucket: bucket, prefix: prefix}
}

// key maps a tenant to its object key: {prefix}{tenantID}.zip
func (m *OSSMirror) key(tenantID string) string {
	return path.Join(m.prefix, tenantID) + ".zip"
}

// Put uploads the tenant's archive, replacing any previous copy
func (m *OSSMirror) Put(ctx context.Context, tenantID string, blob []byte) error {
	_, err := m.client.PutObject(ctx, &oss.PutObjectRequest{
		Bucket: oss.Ptr(m.bucket),
		Key:    oss.Ptr(m.key(tenantID)),
		Body:   bytes.NewReader(blob),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to OSS: %w", err)
	}

	log.Debug().Str("tenantId", tenantID).Str("ossKey", m.key(tenantID)).Int("bytes", len(blob)).Msg("mirrored session backup to OSS")
	return nil
}

// Get downloads the tenant's archive. A missing object returns nil bytes.
func (m *OSSMirror) Get(ctx context.Context, tenantID string) ([]byte, error) {
	result, err := m.client.GetObject(ctx, &oss.GetObjectRequest{
		Bucket: oss.Ptr(m.bucket),
		Key:    oss.Ptr(m.key(tenantID)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to download from OSS: %w", err)
	}
	defer result.Body.Close()

	blob, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read OSS object: %w", err)
	}
	return blob, nil
}

// Delete removes the tenant's archive. Deleting a missing object is not an error.
func (m *OSSMirror) Delete(ctx context.Context, tenantID string) error {
	_, err := m.client.DeleteObject(ctx, &oss.DeleteObjectRequest{
		Bucket: oss.Ptr(m.bucket),
		Key:    oss.Ptr(m.key(tenantID)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete from OSS: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var serviceErr *oss.ServiceError
	return errors.As(err, &serviceErr) && serviceErr.StatusCode == http.StatusNotFound
}
