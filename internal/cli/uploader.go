package cli

import (
	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/eunmann/s3zip/pkg/delivery"
)

// newUploader is replaced in tests.
var newUploader = func(cfg aws.Config) delivery.Uploader {
	return delivery.NewS3UploaderFromConfig(cfg)
}
