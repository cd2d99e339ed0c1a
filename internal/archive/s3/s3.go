// Package s3 uploads archive artifacts to an S3-compatible bucket.
package s3

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	// CreateBucket makes the bucket on first use when missing.
	CreateBucket bool `mapstructure:"create_bucket"`
}

// Enabled reports whether a bucket is configured.
func (c Config) Enabled() bool { return c.Bucket != "" }

type Uploader struct {
	client *minio.Client
	cfg    Config
}

func New(cfg Config) (*Uploader, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: endpoint and bucket are required")
	}
	c, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &Uploader{client: c, cfg: cfg}, nil
}

// Key prefixes key with the configured prefix.
func (u *Uploader) Key(key string) string {
	p := strings.Trim(u.cfg.Prefix, "/")
	if p == "" {
		return key
	}
	return path.Join(p, key)
}

// Upload puts the file at p under key and returns an s3:// location.
func (u *Uploader) Upload(ctx context.Context, key, p string) (string, error) {
	if u.cfg.CreateBucket {
		ok, err := u.client.BucketExists(ctx, u.cfg.Bucket)
		if err != nil {
			return "", fmt.Errorf("s3 bucket check: %w", err)
		}
		if !ok {
			if err := u.client.MakeBucket(ctx, u.cfg.Bucket, minio.MakeBucketOptions{Region: u.cfg.Region}); err != nil {
				return "", fmt.Errorf("s3 make bucket: %w", err)
			}
		}
	}
	obj := u.Key(key)
	if _, err := u.client.FPutObject(ctx, u.cfg.Bucket, obj, p, minio.PutObjectOptions{ContentType: "application/octet-stream"}); err != nil {
		return "", fmt.Errorf("s3 put %s: %w", obj, err)
	}
	return "s3://" + u.cfg.Bucket + "/" + obj, nil
}
