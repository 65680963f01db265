package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/promogate/release-gate/internal/models"
)

// Archiver uploads audit envelopes to long-term object storage.
type Archiver interface {
	Archive(ctx context.Context, rec *models.AuditRecord) error
}

// S3Archiver writes audit envelopes to S3 paths like:
//
//	s3://<bucket>/<prefix>/audit/YYYY/MM/DD/<recordID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// environment (AWS_REGION, AWS_PROFILE, key pair, etc.).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

func (s *S3Archiver) objectKey(rec *models.AuditRecord) string {
	ts := rec.CreatedAt.UTC()
	year, month, day := ts.Date()
	return path.Join(s.prefix, "audit",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", rec.ID),
	)
}

// Archive uploads the record envelope as JSON with SSE-S3 encryption.
func (s *S3Archiver) Archive(ctx context.Context, rec *models.AuditRecord) error {
	if rec == nil {
		return fmt.Errorf("nil audit record")
	}
	body, err := json.Marshal(Envelope(rec))
	if err != nil {
		return fmt.Errorf("marshal audit envelope: %w", err)
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.objectKey(rec)),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}
