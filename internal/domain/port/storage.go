package port

import (
	"context"
	"io"
)

type VideoStorage interface {
	UploadVideo(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
	DownloadVideo(ctx context.Context, objectKey string, destPath string) error
}

type ReportStorage interface {
	UploadReport(ctx context.Context, objectKey string, reader io.Reader, size int64) error
	UploadKeyFrames(ctx context.Context, objectKey string, reader io.Reader, size int64) error
	GetReport(ctx context.Context, objectKey string) (io.ReadCloser, error)
}
