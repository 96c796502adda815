// Package drive hosts message attachments on S3-compatible object storage.
package drive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const linkExpiry = 7 * 24 * time.Hour

// Object describes one stored attachment.
type Object struct {
	ID           string
	ViewLink     string
	DownloadLink string
}

// Uploader is the object-storage collaborator. Upload failures are logged
// by callers and leave the enclosing message in uploading status; they
// never fail the send that produced the attachment.
type Uploader interface {
	Upload(ctx context.Context, name, mime string, data []byte) (*Object, error)
}

// MinioUploader implements Uploader against MinIO/S3.
type MinioUploader struct {
	client *minio.Client
	bucket string
}

// NewMinio connects to the endpoint and ensures the bucket exists.
func NewMinio(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioUploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioUploader{client: client, bucket: bucket}, nil
}

// Upload stores the bytes under a collision-free key and returns presigned
// view and download links.
func (u *MinioUploader) Upload(ctx context.Context, name, mime string, data []byte) (*Object, error) {
	key := ObjectKey(name)
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: mime})
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}

	view, err := u.client.PresignedGetObject(ctx, u.bucket, key, linkExpiry, nil)
	if err != nil {
		return nil, fmt.Errorf("presign view: %w", err)
	}
	dlParams := map[string][]string{
		"response-content-disposition": {fmt.Sprintf("attachment; filename=%q", name)},
	}
	download, err := u.client.PresignedGetObject(ctx, u.bucket, key, linkExpiry, dlParams)
	if err != nil {
		return nil, fmt.Errorf("presign download: %w", err)
	}

	return &Object{
		ID:           key,
		ViewLink:     view.String(),
		DownloadLink: download.String(),
	}, nil
}

// ObjectKey builds a date-partitioned, collision-free storage key that
// still ends with the original file name.
func ObjectKey(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	if name == "" {
		name = "file"
	}
	return fmt.Sprintf("%s/%s/%s", time.Now().UTC().Format("2006/01/02"), uuid.NewString(), name)
}
