package delivery

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MultipartAPI is the subset of *s3.Client used by S3Uploader.
type MultipartAPI interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Uploader implements Uploader with S3 multipart uploads.
type S3Uploader struct {
	client MultipartAPI
}

// NewS3Uploader wraps client.
func NewS3Uploader(client MultipartAPI) *S3Uploader {
	return &S3Uploader{client: client}
}

// NewS3UploaderFromConfig builds the S3 client from cfg.
func NewS3UploaderFromConfig(cfg aws.Config) *S3Uploader {
	return NewS3Uploader(s3.NewFromConfig(cfg))
}

const zipContentType = "application/zip"

func (u *S3Uploader) CreateUpload(ctx context.Context, bucket, key string) (string, error) {
	out, err := u.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(zipContentType),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload s3://%s/%s: %w", bucket, key, err)
	}
	return aws.ToString(out.UploadId), nil
}

func (u *S3Uploader) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, body []byte) (CompletedPart, error) {
	out, err := u.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return CompletedPart{}, fmt.Errorf("upload part %d s3://%s/%s: %w", partNumber, bucket, key, err)
	}
	return CompletedPart{
		PartNumber: partNumber,
		ETag:       aws.ToString(out.ETag),
		Size:       int64(len(body)),
	}, nil
}

func (u *S3Uploader) CompleteUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		}
	}
	_, err := u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (u *S3Uploader) AbortUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := u.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// MinPartSize is the S3 minimum for every part but the last.
func (u *S3Uploader) MinPartSize() int64 {
	return manager.MinUploadPartSize
}
