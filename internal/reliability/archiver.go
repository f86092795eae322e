// Package reliability keeps copies of published snapshots outside the service.
package reliability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aristath/earnings/internal/domain"
	"github.com/aristath/earnings/internal/modules/publish"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Uploader is the subset of manager.Uploader used by the archiver.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Config configures the bucket snapshots are archived to. Endpoint is set for
// S3-compatible stores such as Cloudflare R2.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// Archiver uploads each published snapshot as a JSON document.
type Archiver struct {
	uploader Uploader
	bucket   string
	prefix   string
	timeout  time.Duration
	log      zerolog.Logger
}

// archivedSnapshot is the JSON document layout.
type archivedSnapshot struct {
	Date          string               `json:"date"`
	Version       uint64               `json:"version"`
	ArchivedAt    time.Time            `json:"archived_at"`
	LastAttemptAt time.Time            `json:"last_attempt_at"`
	Coverage      publish.Coverage     `json:"coverage"`
	SoftEmpty     bool                 `json:"soft_empty"`
	Count         int                  `json:"count"`
	Rows          []domain.EarningsRow `json:"rows"`
}

// NewS3Archiver builds an archiver backed by an S3 client. Static credentials are used
// when both keys are set, otherwise the default AWS credential chain applies.
func NewS3Archiver(ctx context.Context, cfg S3Config, log zerolog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewArchiver(manager.NewUploader(client), cfg.Bucket, cfg.Prefix, log), nil
}

// NewArchiver creates an archiver over an existing uploader.
func NewArchiver(uploader Uploader, bucket, prefix string, log zerolog.Logger) *Archiver {
	return &Archiver{
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		timeout:  30 * time.Second,
		log:      log.With().Str("service", "snapshot_archive").Logger(),
	}
}

// ObjectKey returns the object key of a snapshot version.
func (a *Archiver) ObjectKey(date string, version uint64) string {
	return path.Join(a.prefix, date, fmt.Sprintf("v%d.json", version))
}

// Archive uploads one snapshot version.
func (a *Archiver) Archive(ctx context.Context, snap publish.Snapshot, version uint64) error {
	rows := snap.Rows
	if rows == nil {
		rows = []domain.EarningsRow{}
	}
	body, err := json.Marshal(archivedSnapshot{
		Date:          snap.Date,
		Version:       version,
		ArchivedAt:    time.Now().UTC(),
		LastAttemptAt: snap.LastAttemptAt,
		Coverage:      snap.Coverage,
		SoftEmpty:     snap.SoftEmpty,
		Count:         len(rows),
		Rows:          rows,
	})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	key := a.ObjectKey(snap.Date, version)
	start := time.Now()
	if _, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	a.log.Debug().
		Str("key", key).
		Int("bytes", len(body)).
		Dur("duration", time.Since(start)).
		Msg("Snapshot archived")
	return nil
}
