package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"
	"herald/internal/infra/awsconf"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ObjectPutter is the slice of the S3 client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ notification.Archiver = (*S3Archiver)(nil)

// S3Archiver writes purged records to S3 as newline-delimited JSON, one
// object per page, under <prefix>/YYYY/MM/DD/.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Archiver builds an S3 client from cfg. Endpoint overrides use path-style addressing for MinIO.
func NewS3Archiver(ctx context.Context, cfg awsconf.Config, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	awsCfg, err := awsconf.Load(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ep := cfg.BaseEndpoint(); ep != nil {
			o.BaseEndpoint = ep
			o.UsePathStyle = true
		}
	})
	return NewS3ArchiverWithClient(client, bucket, prefix), nil
}

// NewS3ArchiverWithClient wraps an existing client.
func NewS3ArchiverWithClient(client ObjectPutter, bucket, prefix string) *S3Archiver {
	if prefix == "" {
		prefix = "notifications"
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

func (a *S3Archiver) Archive(ctx context.Context, records []*notification.Notification) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, n := range records {
		if err := enc.Encode(n); err != nil {
			return fmt.Errorf("encoding record %s: %w", n.ID, err)
		}
	}

	key := path.Join(a.prefix, a.now().UTC().Format("2006/01/02"), uuid.NewString()+".jsonl")
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return common.NewProviderError("s3", fmt.Sprintf("uploading archive %s: %v", key, err))
	}

	slog.Info("records archived", "bucket", a.bucket, "key", key, "count", len(records))
	return nil
}
