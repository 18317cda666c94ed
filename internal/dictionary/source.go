package dictionary

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// FileSource reads the dictionary document from the local filesystem.
type FileSource struct {
	Path string
}

func (f FileSource) Fetch(_ context.Context) ([]byte, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read dictionary file %q: %w", f.Path, err)
	}
	return raw, nil
}

// ObjectSource reads the dictionary document from an S3-compatible
// bucket. Shared deployments keep one dictionary per team this way.
type ObjectSource struct {
	client *minio.Client
	bucket string
	key    string
}

type ObjectSourceConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	ObjectKey       string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

func NewObjectSource(cfg ObjectSourceConfig) (*ObjectSource, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("dictionary bucket is required")
	}
	if strings.TrimSpace(cfg.ObjectKey) == "" {
		return nil, fmt.Errorf("dictionary object key is required")
	}
	endpoint, secure, err := parseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create dictionary object client: %w", err)
	}
	return &ObjectSource{
		client: client,
		bucket: strings.TrimSpace(cfg.Bucket),
		key:    strings.TrimSpace(cfg.ObjectKey),
	}, nil
}

func (o *ObjectSource) Fetch(ctx context.Context) ([]byte, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, o.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get dictionary object %q: %w", o.key, err)
	}
	defer func() { _ = obj.Close() }()
	raw, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read dictionary object %q: %w", o.key, err)
	}
	return raw, nil
}

func parseEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("dictionary endpoint is required")
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return "", false, fmt.Errorf("parse endpoint URL: %w", err)
		}
		if parsed.Host == "" {
			return "", false, fmt.Errorf("endpoint host is required")
		}
		if parsed.Scheme == "https" {
			return parsed.Host, true, nil
		}
		return parsed.Host, useSSL, nil
	}
	return raw, useSSL, nil
}
