// Package archive copies run logs to S3 compatible object storage before the
// retention sweeper deletes them.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/batchui/batchrun/internal/model"
)

const (
	DefaultRegion = "us-east-1"
	DefaultBucket = "batchrun-logs"
)

var ErrNotFound = errors.New("archived log not found")

type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// ConfigFrom converts the configuration section. It returns false when no
// endpoint is configured.
func ConfigFrom(cfg model.S3) (Config, bool) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return Config{}, false
	}
	ret := Config{
		Endpoint:  endpoint,
		Region:    strings.TrimSpace(cfg.Region),
		AccessKey: strings.TrimSpace(cfg.AccessKey),
		SecretKey: strings.TrimSpace(cfg.SecretKey),
		Bucket:    strings.TrimSpace(cfg.Bucket),
		Prefix:    strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		UseSSL:    cfg.UseSSL,
	}
	if ret.Region == "" {
		ret.Region = DefaultRegion
	}
	if ret.Bucket == "" {
		ret.Bucket = DefaultBucket
	}
	return ret, true
}

// S3 stores one object per run log, keyed <prefix>/<script id>/<run id>.log.
type S3 struct {
	client *minio.Client
	bucket string
	region string
	prefix string

	initOnce sync.Once
	initErr  error
}

func NewS3(cfg Config) (*S3, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("s3 endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("s3 access key and secret key are required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &S3{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

// Key is the object name of the run's log.
func (s *S3) Key(run model.Run) string {
	return path.Join(s.prefix, run.ScriptID, run.ID+".log")
}

// Archive uploads the log of run. A run without a log file on disk is
// nothing to archive.
func (s *S3) Archive(ctx context.Context, run model.Run) error {
	if run.LogPath == "" {
		return nil
	}
	if _, err := os.Stat(run.LogPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	_, err := s.client.FPutObject(ctx, s.bucket, s.Key(run), run.LogPath, minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
		UserMetadata: map[string]string{
			"run-id":    run.ID,
			"script-id": run.ScriptID,
			"status":    string(run.Status),
		},
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", run.LogPath, err)
	}
	return nil
}

// Fetch returns the archived log of run.
func (s *S3) Fetch(ctx context.Context, run model.Run) ([]byte, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.Key(run), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}
