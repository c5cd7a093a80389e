package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/warp/loyalty-engine/points"
)

const jsonLinesType = "application/x-ndjson"

// ObjectPutter stores one object. S3Putter is the production implementation.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
}

type S3Options struct {
	Region          string
	Bucket          string
	Endpoint        string // for S3-compatible stores such as R2 or MinIO
	AccessKeyID     string
	SecretAccessKey string
}

type S3Putter struct {
	client *s3.Client
	bucket string
}

func NewS3Putter(ctx context.Context, opts S3Options) (*S3Putter, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("audit export: bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "auto"
	}
	loaders := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if opts.AccessKeyID != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Putter{client: client, bucket: opts.Bucket}, nil
}

func (p *S3Putter) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", p.bucket, key, err)
	}
	return nil
}

// =============================================================================
// EXPORTER
// =============================================================================

// exportLine is the archived shape of one entry.
type exportLine struct {
	ID              points.EntryID    `json:"id"`
	Seq             int64             `json:"seq"`
	OwnerID         points.OwnerID    `json:"owner_id"`
	Delta           int64             `json:"delta"`
	Kind            points.ActionKind `json:"kind"`
	RelatedEntityID string            `json:"related_entity_id,omitempty"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

type Exporter struct {
	ledger *points.Ledger
	putter ObjectPutter
	prefix string
	log    *slog.Logger
}

func NewExporter(ledger *points.Ledger, putter ObjectPutter, prefix string, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{ledger: ledger, putter: putter, prefix: prefix, log: log}
}

// Key is where an owner's export for the day of at is stored.
func (x *Exporter) Key(owner points.OwnerID, at time.Time) string {
	return path.Join(x.prefix, at.UTC().Format("2006-01-02"), string(owner)+".jsonl")
}

// ExportOwner archives the owner's full ledger and returns the object key
// and the number of entries written.
func (x *Exporter) ExportOwner(ctx context.Context, owner points.OwnerID) (string, int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	n := 0
	for e, err := range x.ledger.ListRecent(ctx, owner, math.MaxInt) {
		if err != nil {
			return "", n, err
		}
		if err := enc.Encode(exportLine{
			ID:              e.ID,
			Seq:             e.Seq,
			OwnerID:         e.OwnerID,
			Delta:           e.Delta,
			Kind:            e.Kind,
			RelatedEntityID: e.RelatedEntityID,
			IdempotencyKey:  e.IdempotencyKey,
			Metadata:        e.Metadata,
			CreatedAt:       e.CreatedAt.UTC(),
		}); err != nil {
			return "", n, fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		n++
	}

	key := x.Key(owner, x.ledger.Clock().Now())
	if err := x.putter.PutObject(ctx, key, buf.Bytes(), jsonLinesType); err != nil {
		return "", n, err
	}
	x.log.Info("ledger exported", "owner", owner, "key", key, "entries", n)
	return key, n, nil
}

// ExportAll archives every owner and returns the keys written.
func (x *Exporter) ExportAll(ctx context.Context) ([]string, error) {
	owners, err := x.ledger.Store().Owners(ctx)
	if err != nil {
		return nil, points.WrapStore("list owners", err)
	}
	keys := make([]string, 0, len(owners))
	for _, owner := range owners {
		key, _, err := x.ExportOwner(ctx, owner)
		if err != nil {
			return keys, fmt.Errorf("export %s: %w", owner, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
