// Package logstore keeps the archived artifacts of a job (its submitted XML
// and any uploaded logs) under a per-job key prefix, on local disk or in S3.
package logstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/shawnpdoherty/beaker/internal/config"
)

// Store writes artifacts and removes every artifact under a prefix.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// JobPrefix is the key prefix holding every artifact of a job.
func JobPrefix(jobID int64) string {
	return fmt.Sprintf("jobs/%d/", jobID)
}

// JobXMLKey is where the submitted job document is archived.
func JobXMLKey(jobID int64) string {
	return JobPrefix(jobID) + "job.xml"
}

// New picks S3 when a bucket is configured, local disk otherwise.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.LogS3Bucket == "" {
		dir := cfg.LogStoreDir
		if dir == "" {
			dir = "./logs"
		}
		return &Local{BaseDir: dir}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3{client: client, bucket: cfg.LogS3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.LogS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.LogS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.LogS3Endpoint)
		}
		o.UsePathStyle = cfg.LogS3PathStyle
	}), nil
}

func sanitizeKey(key string) (string, error) {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	key = strings.TrimPrefix(key, "/")
	if key == "" || key == "." {
		return "", errors.New("empty artifact key")
	}
	return key, nil
}

// Local stores artifacts below BaseDir.
type Local struct {
	BaseDir string
}

func (l *Local) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	key, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// DeletePrefix removes the directory a job prefix maps to. A missing
// directory is not an error.
func (l *Local) DeletePrefix(_ context.Context, prefix string) error {
	prefix, err := sanitizeKey(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(l.BaseDir, filepath.FromSlash(prefix))); err != nil {
		return fmt.Errorf("remove %s: %w", prefix, err)
	}
	return nil
}

// S3 stores artifacts in a bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

func (s *S3) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// DeletePrefix deletes every object under prefix, a page at a time.
func (s *S3) DeletePrefix(ctx context.Context, prefix string) error {
	prefix, err := sanitizeKey(prefix)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
		if len(out.Errors) > 0 {
			return fmt.Errorf("delete objects: %s: %s", aws.ToString(out.Errors[0].Key), aws.ToString(out.Errors[0].Message))
		}
	}
	return nil
}
