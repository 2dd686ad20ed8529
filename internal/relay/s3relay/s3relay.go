// Package s3relay implements the relay.Relay contract over an S3-like
// object-directory backend using the AWS SDK for Go v2: a plain blocking
// list/get/put/delete contract, rather than the presigned-URL / multipart
// upload surface an HTTP-facing blob service would need.
//
// S3's PutObject is already atomic (no partial object is ever visible),
// so the temp-name-then-rename dance required by backends without an
// atomic write is not needed here; Put/PutFrom write directly.
package s3relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	escaleerrs "github.com/escale/escale/internal/errs"
	"github.com/escale/escale/internal/relay"
)

// Config describes how to reach an S3-like bucket: AWS S3 proper, or any
// service speaking the S3 API (MinIO, Ceph RGW, ...) via a custom
// endpoint and path-style addressing.
type Config struct {
	Region        string
	Endpoint      string
	BucketName    string
	Prefix        string // repository root prefix inside the bucket
	AccessKey     string
	SecretKey     string
	UsePathStyle  bool
	UseAccelerate bool
}

// Relay implements relay.Relay over an S3 bucket.
type Relay struct {
	client *s3.Client
	cfg    Config
}

// New builds an s3relay.Relay from static credentials and endpoint config.
func New(ctx context.Context, cfg Config) (*Relay, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("s3relay: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	return &Relay{client: client, cfg: cfg}, nil
}

func (r *Relay) key(name string) string {
	if r.cfg.Prefix == "" {
		return name
	}
	return strings.TrimSuffix(r.cfg.Prefix, "/") + "/" + name
}

func (r *Relay) unkey(key string) string {
	if r.cfg.Prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, strings.TrimSuffix(r.cfg.Prefix, "/")+"/")
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return escaleerrs.ErrNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", escaleerrs.ErrRelayPermanent, err)
		}
	}
	return fmt.Errorf("%w: %v", escaleerrs.ErrRelayTransient, err)
}

func (r *Relay) List(ctx context.Context, prefix string, recursive bool) ([]relay.Info, error) {
	var out []relay.Info
	fullPrefix := r.key(prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(r.cfg.BucketName),
		Prefix: aws.String(fullPrefix),
	}
	if !recursive {
		input.Delimiter = aws.String("/")
	}

	paginator := s3.NewListObjectsV2Paginator(r.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, obj := range page.Contents {
			out = append(out, relay.Info{
				Name:  r.unkey(aws.ToString(obj.Key)),
				Size:  aws.ToInt64(obj.Size),
				MTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

func (r *Relay) Get(ctx context.Context, name string) ([]byte, error) {
	resp, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.BucketName),
		Key:    aws.String(r.key(name)),
	})
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (r *Relay) GetTo(ctx context.Context, name string, w io.Writer) error {
	resp, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.BucketName),
		Key:    aws.String(r.key(name)),
	})
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

func (r *Relay) Put(ctx context.Context, name string, data []byte) error {
	return r.PutFrom(ctx, name, bytes.NewReader(data), int64(len(data)))
}

func (r *Relay) PutFrom(ctx context.Context, name string, rd io.Reader, size int64) error {
	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.cfg.BucketName),
		Key:           aws.String(r.key(name)),
		Body:          rd,
		ContentLength: aws.Int64(size),
	})
	return classify(err)
}

func (r *Relay) Delete(ctx context.Context, name string) error {
	_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.cfg.BucketName),
		Key:    aws.String(r.key(name)),
	})
	// Deleting a missing object is not an AWS error; DeleteObject is
	// already idempotent on S3.
	return classify(err)
}

func (r *Relay) Exists(ctx context.Context, name string) (bool, error) {
	_, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.cfg.BucketName),
		Key:    aws.String(r.key(name)),
	})
	if err != nil {
		if errors.Is(classify(err), escaleerrs.ErrNotFound) {
			return false, nil
		}
		return false, classify(err)
	}
	return true, nil
}

func (r *Relay) Size(ctx context.Context, name string) (int64, error) {
	resp, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.cfg.BucketName),
		Key:    aws.String(r.key(name)),
	})
	if err != nil {
		return 0, classify(err)
	}
	return aws.ToInt64(resp.ContentLength), nil
}

func (r *Relay) MTime(ctx context.Context, name string) (time.Time, error) {
	resp, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.cfg.BucketName),
		Key:    aws.String(r.key(name)),
	})
	if err != nil {
		return time.Time{}, classify(err)
	}
	return aws.ToTime(resp.LastModified), nil
}

// Touch re-uploads the object's own content, since S3 has no native
// metadata-only mtime update short of a self-copy; CopyObject onto the
// same key is the idiomatic way to "touch" an S3 object.
func (r *Relay) Touch(ctx context.Context, name string) error {
	key := r.key(name)
	source := r.cfg.BucketName + "/" + key
	_, err := r.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(r.cfg.BucketName),
		CopySource: aws.String(source),
		Key:        aws.String(key),
	})
	return classify(err)
}

var _ relay.Relay = (*Relay)(nil)
