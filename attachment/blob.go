package attachment

import (
	"context"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BlobConfig configures the S3-compatible store holding durable
// attachment payloads.
type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLTTL    time.Duration
}

// Blobs is the minio-backed BlobStore.
type Blobs struct {
	cfg    BlobConfig
	client *minio.Client
}

func NewBlobs(cfg BlobConfig) (*Blobs, error) {
	cl, err := minio.New(strings.TrimPrefix(cfg.Endpoint, "http://"), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return &Blobs{cfg: cfg, client: cl}, nil
}

func (b *Blobs) EnsureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.cfg.Bucket)
	if err != nil {
		return err
	}
	if !exists {
		return b.client.MakeBucket(ctx, b.cfg.Bucket, minio.MakeBucketOptions{})
	}
	return nil
}

// Upload stores the payload file under key and returns a
// dereferenceable URL, so messages carry a handle rather than bytes.
func (b *Blobs) Upload(ctx context.Context, key, contentType, path string) (string, error) {
	_, err := b.client.FPutObject(ctx, b.cfg.Bucket, key, path, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", err
	}
	u, err := b.client.PresignedGetObject(ctx, b.cfg.Bucket, key, b.cfg.URLTTL, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
