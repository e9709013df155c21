package store

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"depot/api/internal/util"
)

// Attachment describes a stored content stream.
type Attachment struct {
	ID       string
	Name     string
	MimeType string
	Length   int64
}

// AttachmentStore keeps content streams in an S3-compatible object store.
// Object keys are "<repository>/<attachment id>" so tenants never share a
// key space.
type AttachmentStore struct {
	client *minio.Client
	bucket string
}

func NewAttachmentStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, secure bool) (*AttachmentStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("attachments: create client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("attachments: check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("attachments: create bucket %s: %w", bucket, err)
		}
	}

	return &AttachmentStore{client: client, bucket: bucket}, nil
}

// Upload stores a stream and returns the generated attachment id.
func (s *AttachmentStore) Upload(ctx context.Context, repositoryID, name, mimeType string, r io.Reader, length int64) (string, error) {
	id := util.NewID("att")
	opts := minio.PutObjectOptions{
		ContentType:  mimeType,
		UserMetadata: map[string]string{"filename": name},
	}
	if _, err := s.client.PutObject(ctx, s.bucket, objectKey(repositoryID, id), r, length, opts); err != nil {
		return "", fmt.Errorf("attachments: upload %s: %w", id, err)
	}
	return id, nil
}

// Download opens the stream. The caller closes the reader.
func (s *AttachmentStore) Download(ctx context.Context, repositoryID, id string) (io.ReadCloser, *Attachment, error) {
	key := objectKey(repositoryID, id)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("attachments: open %s: %w", id, err)
	}
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, nil, fmt.Errorf("attachments: stat %s: %w", id, err)
	}
	att := &Attachment{
		ID:       id,
		Name:     stat.UserMetadata["Filename"],
		MimeType: stat.ContentType,
		Length:   stat.Size,
	}
	return obj, att, nil
}

// Delete removes the stream. Deleting an absent object is not an error.
func (s *AttachmentStore) Delete(ctx context.Context, repositoryID, id string) error {
	key := objectKey(repositoryID, id)
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("attachments: delete %s: %w", id, err)
	}
	return nil
}

func objectKey(repositoryID, id string) string {
	return repositoryID + "/" + id
}
