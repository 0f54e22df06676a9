package artifacts

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Mirror copies a finished artifact to secondary storage
type Mirror interface {
	Mirror(ctx context.Context, localPath, objectPath string) error
}

// NopMirror discards mirror requests
type NopMirror struct{}

// Mirror implements Mirror
func (NopMirror) Mirror(context.Context, string, string) error { return nil }

// MirrorConfig configures an S3-compatible mirror
type MirrorConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// MinIOMirror uploads artifacts to an S3-compatible bucket
type MinIOMirror struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIOMirror connects to the endpoint and creates the bucket if needed
func NewMinIOMirror(ctx context.Context, cfg MirrorConfig) (*MinIOMirror, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("mirror endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinIOMirror{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Mirror uploads localPath under objectPath
func (m *MinIOMirror) Mirror(ctx context.Context, localPath, objectPath string) error {
	key := objectPath
	if m.prefix != "" {
		key = path.Join(m.prefix, objectPath)
	}
	_, err := m.client.FPutObject(ctx, m.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: ContentType(objectPath),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// ContentType returns the MIME type served for an artifact name
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".obj":
		return "model/obj"
	case ".glb":
		return "model/gltf-binary"
	case ".gltf":
		return "model/gltf+json"
	case ".mtl":
		return "model/mtl"
	case ".png":
		return "image/png"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
