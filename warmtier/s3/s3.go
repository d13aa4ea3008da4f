// Package s3 backs warmtier.Store with an S3 bucket. Expiry for this
// tier is handled by bucket lifecycle rules keyed off object tags; the
// store only reads and writes blobs.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	wt "github.com/unkn0wn-root/tiercache/warmtier"
)

var ErrNilClient = errors.New("s3 warm tier: nil client")

// Client is the subset of the S3 API the store uses; *s3.Client
// satisfies it, and tests can substitute a fake.
type Client interface {
	GetObject(ctx context.Context, in *awss3.GetObjectInput, opts ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *awss3.DeleteObjectInput, opts ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
}

type Store struct {
	client Client
	bucket string
	prefix string // optional key prefix inside the bucket
}

var _ wt.Store = (*Store)(nil)

type Config struct {
	Client Client
	Bucket string
	Prefix string
}

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 warm tier: bucket is required")
	}
	return &Store{client: cfg.Client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// NewFromEnv builds the store with a client from the ambient AWS
// configuration (environment, shared config, instance role).
func NewFromEnv(ctx context.Context, bucket, prefix string) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return New(Config{
		Client: awss3.NewFromConfig(awsCfg),
		Bucket: bucket,
		Prefix: prefix,
	})
}

func (s *Store) objectKey(key string) string { return s.prefix + key }

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, false, nil // miss
		}
		return nil, false, err
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, tags map[string]string) error {
	in := &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(value),
	}
	if len(tags) > 0 {
		v := url.Values{}
		for k, val := range tags {
			v.Set(k, val)
		}
		in.Tagging = aws.String(v.Encode())
	}
	_, err := s.client.PutObject(ctx, in)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	return err
}

// Close is a no-op; the caller owns the S3 client.
func (s *Store) Close(context.Context) error { return nil }
