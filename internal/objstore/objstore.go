// Package objstore lists, uploads and deletes the objects of one S3 bucket.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrRemoteUnavailable marks a failed call to the object store or CDN.
// It is fatal for the run; nothing is retried.
var ErrRemoteUnavailable = errors.New("remote unavailable")

// S3Client abstracts the S3 API calls the store makes directly.
type S3Client interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Uploader abstracts the S3 transfer manager, which switches to
// multipart uploads for large bodies.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Object is an existing object in the bucket.
type Object struct {
	Key  string
	Size int64
	// ETag is kept exactly as S3 returns it, quotes included. For
	// multipart uploads it is not an MD5 of the content.
	ETag string
}

// Store is bound to a single bucket.
type Store struct {
	client   S3Client
	uploader Uploader
	bucket   string
}

// New returns a Store for bucket.
func New(client S3Client, uploader Uploader, bucket string) *Store {
	return &Store{client: client, uploader: uploader, bucket: bucket}
}

// NewFromClient builds a Store and its transfer manager from an S3 client.
func NewFromClient(client *s3.Client, bucket string) *Store {
	return New(client, manager.NewUploader(client), bucket)
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string { return s.bucket }

// List returns every object under prefix. All pages are read before
// returning; a partial listing is never handed back.
func (s *Store) List(ctx context.Context, prefix string) (map[string]Object, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	objects := make(map[string]Object)
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: listing bucket %s: %v", ErrRemoteUnavailable, s.bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			objects[key] = Object{
				Key:  key,
				Size: aws.ToInt64(obj.Size),
				ETag: aws.ToString(obj.ETag),
			}
		}
	}

	return objects, nil
}

// Upload stores the file at path under key with the given content type.
func (s *Store) Upload(ctx context.Context, key, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s for upload: %w", path, err)
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("%w: uploading %s to bucket %s: %v", ErrRemoteUnavailable, key, s.bucket, err)
	}
	return nil
}

// Delete removes key from the bucket.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: deleting %s from bucket %s: %v", ErrRemoteUnavailable, key, s.bucket, err)
	}
	return nil
}
