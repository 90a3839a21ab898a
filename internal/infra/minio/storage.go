package minio

import (
	"context"
	"fmt"
	"io"

	"github.com/defactra/defactra-inspection-service/internal/domain/port"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Storage keeps uploaded videos in one bucket and generated reports and
// key-frame archives in another.
type Storage struct {
	client       *miniogo.Client
	uploadBucket string
	reportBucket string
}

type StorageConfig struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	UploadBucket string
	ReportBucket string
}

func NewStorage(cfg StorageConfig) (*Storage, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Storage{
		client:       client,
		uploadBucket: cfg.UploadBucket,
		reportBucket: cfg.ReportBucket,
	}, nil
}

// EnsureBuckets creates missing buckets. The API and the worker both call it
// at startup, so losing the creation race to the other process is fine.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.uploadBucket, s.reportBucket} {
		err := s.client.MakeBucket(ctx, bucket, miniogo.MakeBucketOptions{})
		if err == nil {
			continue
		}
		switch miniogo.ToErrorResponse(err).Code {
		case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
			continue
		}
		if exists, existsErr := s.client.BucketExists(ctx, bucket); existsErr == nil && exists {
			continue
		}
		return fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}
	return nil
}

func (s *Storage) UploadVideo(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.uploadBucket, objectKey, reader, size, miniogo.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload video: %w", err)
	}
	return nil
}

func (s *Storage) DownloadVideo(ctx context.Context, objectKey string, destPath string) error {
	if err := s.client.FGetObject(ctx, s.uploadBucket, objectKey, destPath, miniogo.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download video: %w", err)
	}
	return nil
}

func (s *Storage) UploadReport(ctx context.Context, objectKey string, reader io.Reader, size int64) error {
	return s.putReportObject(ctx, objectKey, reader, size, "application/json")
}

func (s *Storage) UploadKeyFrames(ctx context.Context, objectKey string, reader io.Reader, size int64) error {
	return s.putReportObject(ctx, objectKey, reader, size, "application/zip")
}

func (s *Storage) putReportObject(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.reportBucket, objectKey, reader, size, miniogo.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", objectKey, err)
	}
	return nil
}

// GetReport streams a stored report. A missing object maps to port.ErrNotFound.
func (s *Storage) GetReport(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.reportBucket, objectKey, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if miniogo.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("report %s: %w", objectKey, port.ErrNotFound)
		}
		return nil, fmt.Errorf("stat report: %w", err)
	}
	return obj, nil
}
