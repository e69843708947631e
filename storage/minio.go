package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"flashback/config"
	"flashback/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Options configures the S3-compatible object store (Cloudflare R2, MinIO, S3).
type Options struct {
	Endpoint  string // URL such as https://<account>.r2.cloudflarestorage.com, or host:port
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	PublicURL string // public base for object URLs; empty means endpoint/bucket
}

// OptionsFromConfig maps the flat config onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Endpoint:  cfg.StorageEndpoint,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Bucket:    cfg.StorageBucket,
		Region:    cfg.StorageRegion,
		PublicURL: cfg.StoragePublicURL,
	}
}

// MinioClient uploads pipeline artifacts and returns durable URLs.
type MinioClient struct {
	client     *minio.Client
	bucketName string
	baseURL    string
}

// parseEndpoint splits a URL endpoint into host and TLS flag. Bare host:port
// values are accepted and treated as TLS unless they point at localhost.
func parseEndpoint(endpoint string) (host string, secure bool, err error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("storage endpoint is empty")
	}
	if !strings.Contains(endpoint, "://") {
		local := strings.HasPrefix(endpoint, "127.0.0.1") || strings.HasPrefix(endpoint, "localhost")
		return endpoint, !local, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid storage endpoint %q: %w", endpoint, err)
	}
	return u.Host, u.Scheme == "https", nil
}

// NewMinioClient builds the object storage client.
func NewMinioClient(opts Options) (*MinioClient, error) {
	host, secure, err := parseEndpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	base := strings.TrimRight(opts.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if secure {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s/%s", scheme, host, opts.Bucket)
	}
	return &MinioClient{client: client, bucketName: opts.Bucket, baseURL: base}, nil
}

// EnsureBucket creates the bucket if it is missing.
func (m *MinioClient) EnsureBucket(ctx context.Context, region string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := m.client.BucketExists(ctx, m.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", m.bucketName, err)
	}
	if exists {
		logger.Debug("storage bucket exists", logger.String("bucket", m.bucketName))
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucketName, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", m.bucketName, err)
	}
	logger.Info("storage bucket created", logger.String("bucket", m.bucketName))
	return nil
}

// Upload stores a local file under objectKey and returns its public URL.
func (m *MinioClient) Upload(ctx context.Context, localPath, objectKey, contentType string) (string, error) {
	key := ObjectKey(objectKey)
	info, err := m.client.FPutObject(ctx, m.bucketName, key, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to %s: %w", localPath, key, err)
	}
	logger.Debug("artifact uploaded",
		logger.String("key", key),
		logger.Int64("size", info.Size),
		logger.String("contentType", contentType))
	return m.PublicURL(key), nil
}

// ListObjects returns the keys under prefix.
func (m *MinioClient) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// PublicURL returns the URL clients use to fetch key.
func (m *MinioClient) PublicURL(key string) string {
	return m.baseURL + "/" + ObjectKey(key)
}

// ObjectKey normalizes a slash separated key (no leading slash, no dot segments).
func ObjectKey(key string) string {
	key = strings.ReplaceAll(key, "\\", "/")
	key = path.Clean("/" + key)
	return strings.TrimPrefix(key, "/")
}

// Bucket returns the bucket name.
func (m *MinioClient) Bucket() string {
	return m.bucketName
}
