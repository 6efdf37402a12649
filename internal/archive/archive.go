// Package archive uploads sealed audit batches to S3-compatible object
// storage as newline-delimited JSON, one object per batch.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// ObjectPutter is the subset of the S3 client the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds S3 connection settings.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack, ...
	Prefix   string
}

// S3Archive writes batches to one bucket.
type S3Archive struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3 builds an archive from the default AWS credential chain.
func NewS3(ctx context.Context, cfg Config, logger *slog.Logger) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return New(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// New wraps an existing client.
func New(client ObjectPutter, bucket, prefix string, logger *slog.Logger) *S3Archive {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Archive{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Key names the object holding events [first, last] of a vault. Sequence
// numbers are zero-padded so keys list in chain order.
func Key(prefix string, id vault.VaultID, first, last int64) string {
	return fmt.Sprintf("%svaults/%s/%020d-%020d.ndjson", prefix, id, first, last)
}

// EncodeNDJSON renders events one JSON document per line.
func EncodeNDJSON(events []model.RecordedEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("archive: encode seq %d: %w", e.Seq, err)
		}
	}
	return buf.Bytes(), nil
}

// Archive uploads one contiguous batch and returns its object key. The
// events must belong to one vault and be in sequence order.
func (a *S3Archive) Archive(ctx context.Context, id vault.VaultID, events []model.RecordedEvent) (string, error) {
	if len(events) == 0 {
		return "", errors.New("archive: empty batch")
	}
	body, err := EncodeNDJSON(events)
	if err != nil {
		return "", err
	}
	key := Key(a.prefix, id, events[0].Seq, events[len(events)-1].Seq)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"vault-id":  id.String(),
			"last-hash": events[len(events)-1].Hash,
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	a.logger.Debug("archive: batch uploaded", "key", key, "events", len(events), "bytes", len(body))
	return key, nil
}
