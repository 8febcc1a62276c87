// Package backup uploads pool snapshots to S3-compatible object storage, so
// an administrative reset can be undone by hand.
package backup

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/accountpool/internal/clock"
	"github.com/dmitrijs2005/accountpool/internal/common"
	"github.com/dmitrijs2005/accountpool/internal/cryptox"
	"github.com/dmitrijs2005/accountpool/internal/logging"
	"github.com/dmitrijs2005/accountpool/internal/pool/models"
	"github.com/google/uuid"
)

const DefaultPrefix = "pool-backups"

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// Settings locates the bucket. Empty credentials fall back to the SDK's
// default chain. A non-empty Passphrase seals snapshots before upload.
type Settings struct {
	Bucket       string
	Region       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
	Prefix       string
	Passphrase   string
}

// Putter is the part of *s3.Client used here.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Backup struct {
	client     Putter
	bucket     string
	prefix     string
	passphrase []byte
	clock      clock.Clock
	log        logging.Logger
}

// New wraps an existing client.
func New(client Putter, bucket, prefix string, c clock.Clock, l logging.Logger) *S3Backup {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &S3Backup{
		client: client,
		bucket: bucket,
		prefix: prefix,
		clock:  clock.OrReal(c),
		log:    logging.OrDiscard(l).With("component", "backup"),
	}
}

// NewFromSettings builds an S3 client for s. An empty bucket yields
// common.ErrBackupDisabled.
func NewFromSettings(ctx context.Context, s Settings, c clock.Clock, l logging.Logger) (*S3Backup, error) {
	if s.Bucket == "" {
		return nil, common.ErrBackupDisabled
	}

	opts := []func(*config.LoadOptions) error{}
	if s.Region != "" {
		opts = append(opts, config.WithRegion(s.Region))
	}
	if s.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKey, s.SecretKey, "")))
	}
	cfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if s.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(s.BaseEndpoint)
			// MinIO and friends serve buckets by path
			o.UsePathStyle = true
		}
	})
	return New(client, s.Bucket, s.Prefix, c, l).WithPassphrase(s.Passphrase), nil
}

// WithPassphrase makes Snapshot seal the document with cryptox. An empty
// passphrase uploads plain JSON.
func (b *S3Backup) WithPassphrase(passphrase string) *S3Backup {
	b.passphrase = nil
	if passphrase != "" {
		b.passphrase = []byte(passphrase)
	}
	return b
}

// Key returns a fresh object key under the date of now.
func (b *S3Backup) Key() string {
	d := b.clock.Now()
	ext := ".json"
	if b.passphrase != nil {
		ext = ".json.sealed"
	}
	return fmt.Sprintf("%s/%d/%d/%d/%v%s", b.prefix, d.Year(), d.Month(), d.Day(), uuid.New(), ext)
}

// Snapshot uploads p in its on-disk encoding, sealed when a passphrase is
// set, and returns its s3:// URI.
func (b *S3Backup) Snapshot(ctx context.Context, p *models.Pool) (string, error) {
	data, err := models.Encode(p)
	if err != nil {
		return "", err
	}
	contentType := "application/json"
	if b.passphrase != nil {
		data, err = cryptox.Seal(data, b.passphrase)
		if err != nil {
			return "", fmt.Errorf("seal snapshot: %w", err)
		}
		contentType = "application/octet-stream"
	}

	key := b.Key()
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload snapshot %s: %w", key, err)
	}
	uri := fmt.Sprintf("s3://%s/%s", b.bucket, key)
	b.log.Info(ctx, "pool snapshot uploaded", "location", uri, "records", len(p.Records), "sealed", b.passphrase != nil)
	return uri, nil
}

// ReadSnapshot decodes a snapshot file as produced by Snapshot. Sealed data
// needs passphrase.
func ReadSnapshot(data []byte, passphrase string) (*models.Pool, error) {
	if cryptox.IsSealed(data) {
		if passphrase == "" {
			return nil, fmt.Errorf("snapshot is sealed and no passphrase is configured")
		}
		plain, err := cryptox.Open(data, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("open snapshot: %w", err)
		}
		data = plain
	}
	return models.Decode(data)
}
