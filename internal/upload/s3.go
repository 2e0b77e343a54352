package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cuongbtq/adgen-pipeline/internal/provider"
)

// S3Config configures the S3 image store.
type S3Config struct {
	Bucket        string
	Region        string
	Prefix        string
	PublicBaseURL string
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads images to an S3 bucket.
type S3Store struct {
	client        putObjectAPI
	bucket        string
	prefix        string
	publicBaseURL string
	logger        *slog.Logger
}

// NewS3Store loads the default AWS credential chain and creates an S3Store.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("upload: s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("upload: load aws config: %w", err)
	}

	return newS3Store(s3.NewFromConfig(awsCfg), cfg, awsCfg.Region, logger), nil
}

func newS3Store(client putObjectAPI, cfg S3Config, region string, logger *slog.Logger) *S3Store {
	publicBase := strings.TrimSpace(cfg.PublicBaseURL)
	if publicBase == "" {
		publicBase = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
	}
	return &S3Store{
		client:        client,
		bucket:        cfg.Bucket,
		prefix:        strings.Trim(cfg.Prefix, "/"),
		publicBaseURL: publicBase,
		logger:        logger,
	}
}

func (s *S3Store) Put(ctx context.Context, key string, img provider.Image) (string, error) {
	if len(img.Data) == 0 {
		if img.URL != "" {
			return img.URL, nil
		}
		return "", errors.New("upload: image has no data")
	}

	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	if s.prefix != "" {
		cleanKey = path.Join(s.prefix, cleanKey)
	}

	contentType := img.MIMEType
	if contentType == "" {
		contentType = "image/png"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(cleanKey),
		Body:        bytes.NewReader(img.Data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		s.logger.Error("Failed to upload image",
			slog.String("key", cleanKey),
			slog.Any("error", err),
		)
		return "", fmt.Errorf("upload: put object: %w", err)
	}

	return joinURL(s.publicBaseURL, cleanKey), nil
}

var _ Store = (*S3Store)(nil)
