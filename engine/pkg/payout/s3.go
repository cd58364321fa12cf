package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/commission/engine/pkg/metrics"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
)

// S3API is the subset of the S3 client the publisher uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3PublisherConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Client S3API
	Bucket string
	Prefix string
}

func (cfg *S3PublisherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return nil
}

// S3Publisher writes one JSON object per order at <prefix>/<orderId>.json.
// Re-publishing an order overwrites the same key.
type S3Publisher struct {
	log *slog.Logger
	cfg S3PublisherConfig
}

func NewS3Publisher(cfg S3PublisherConfig) (*S3Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &S3Publisher{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// NewS3Client builds a client from the default AWS credential chain. A
// non-empty endpoint selects path-style addressing for S3-compatible stores.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Key maps an order id to its object key. The id is escaped into a single
// segment under the prefix, so distinct ids always get distinct keys.
func (p *S3Publisher) Key(orderID string) string {
	name := url.PathEscape(orderID) + ".json"
	if p.cfg.Prefix == "" {
		return name
	}
	return p.cfg.Prefix + "/" + name
}

func (p *S3Publisher) Releasable(ctx context.Context, s *settlement.Settlement) error {
	body, err := json.Marshal(NewInstruction(s, p.cfg.Clock.Now()))
	if err != nil {
		metrics.PayoutPublishTotal.WithLabelValues("s3", "error").Inc()
		return fmt.Errorf("failed to encode instruction: %w", err)
	}

	key := p.Key(s.OrderID)
	_, err = p.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		metrics.PayoutPublishTotal.WithLabelValues("s3", "error").Inc()
		return fmt.Errorf("failed to put instruction %s: %w", key, err)
	}

	metrics.PayoutPublishTotal.WithLabelValues("s3", "ok").Inc()
	p.log.Debug("payout: instruction published", "order_id", s.OrderID, "bucket", p.cfg.Bucket, "key", key)
	return nil
}
