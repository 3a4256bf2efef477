package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	conf "github.com/trunov/grouphub/internal/config"
	"github.com/trunov/grouphub/internal/entities"
)

// S3 is a thin read client for the upload bucket. The pipeline never
// writes objects; it only fetches completion markers to read client
// metadata.
type S3 struct {
	AccountID string
	Bucket    string
	Region    string // usually "auto" for R2

	S3Client *s3.Client
}

func NewStorage(cfg *conf.ObjectStoreConfig) (*S3, error) {
	st := &S3{
		AccountID: cfg.AccountID,
		Bucket:    cfg.BucketName,
		Region:    "auto",
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretKey, "",
		)),
		config.WithRegion(st.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}
	st.S3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return st, nil
}

func (s *S3) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	if bucket == "" {
		bucket = s.Bucket
	}
	out, err := s.S3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %q: %w", key, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("failed to read body for %q: %w", key, err)
	}
	return buf.Bytes(), nil
}

// FetchMarker downloads a completion-marker object and decodes the client
// metadata it may carry. An empty marker body yields empty metadata.
func (s *S3) FetchMarker(ctx context.Context, bucket, key string) (*entities.MarkerMetadata, error) {
	raw, err := s.Download(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	meta := &entities.MarkerMetadata{}
	if len(raw) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(raw, meta); err != nil {
		return nil, fmt.Errorf("failed to decode marker %q: %w", key, err)
	}
	return meta, nil
}
