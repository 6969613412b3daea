package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore is the durable tier's storage abstraction (spec §4.6
// "Durable"). Implementations must tolerate being unreachable: every
// caller in this package treats ObjectStore errors as best-effort.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// S3ObjectStore persists the state document blob to an S3-compatible
// bucket via aws-sdk-go-v2.
type S3ObjectStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3ObjectStore builds an S3-backed durable tier for the given bucket
// and region. Credentials are resolved the standard AWS SDK way (env,
// shared config, instance profile).
func NewS3ObjectStore(ctx context.Context, bucket, prefix, region string) (*S3ObjectStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3ObjectStore{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Put writes data to bucket/prefix/key.
func (o *S3ObjectStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.fullKey(key)),
		Body:   bytes.NewReader(data),
	})
	return err
}

// Get reads bucket/prefix/key. Returns an error wrapping the SDK's
// NoSuchKey on a cold start with no prior durable blob.
func (o *S3ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.fullKey(key)),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (o *S3ObjectStore) fullKey(key string) string {
	if o.prefix == "" {
		return key
	}
	return o.prefix + "/" + key
}

// FakeObjectStore is an in-memory ObjectStore for tests.
type FakeObjectStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewFakeObjectStore creates an empty in-memory object store.
func NewFakeObjectStore() *FakeObjectStore {
	return &FakeObjectStore{data: make(map[string][]byte)}
}

func (f *FakeObjectStore) Put(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.data[key] = cp
	return nil
}

func (f *FakeObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("key %q not found", key)
	}
	return data, nil
}

// contentHash is used for write-if-changed comparisons before the
// durable PutObject call (spec §4.6 "write-if-changed").
func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewDurableFromConfig builds the durable tier from StoreConfig. Returns
// (nil, nil) when no bucket is configured — callers then run with the
// hot tier only.
func NewDurableFromConfig(ctx context.Context, s3Bucket, s3Prefix, s3Region string) (ObjectStore, error) {
	if s3Bucket == "" {
		return nil, nil
	}
	st, err := NewS3ObjectStore(ctx, s3Bucket, s3Prefix, s3Region)
	if err != nil {
		return nil, err
	}
	return st, nil
}
