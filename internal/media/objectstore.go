// ABOUTME: Object storage backends for media: S3/R2 via aws-sdk-go-v2 and an in-memory store
// ABOUTME: Both expose Put, Delete and the public URL of a key

package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutAttempts is how many times the S3 client tries a request, first try included.
const PutAttempts = 3

// ObjectStore is where media bytes live.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}

// S3Config configures an S3Store. For R2, AccountID alone determines the endpoint.
type S3Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicURL       string
	// Endpoint overrides the R2 endpoint derived from AccountID.
	Endpoint        string
	Region          string
	// MaxBackoff caps the wait between retries; zero keeps the SDK default.
	MaxBackoff      time.Duration
}

// S3Store stores objects in an S3-compatible bucket.
type S3Store struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

// NewS3Store builds an S3 client with static credentials and a path-style
// custom endpoint.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("media storage configuration incomplete")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.AccountID == "" {
			return nil, errors.New("media storage needs account_id or endpoint")
		}
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = PutAttempts
				if cfg.MaxBackoff > 0 {
					o.MaxBackoff = cfg.MaxBackoff
				}
			})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("loading s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &S3Store{client: client, bucket: cfg.Bucket, publicURL: cfg.PublicURL}, nil
}

// Put uploads data under key.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// PublicURL returns the public URL of key.
func (s *S3Store) PublicURL(key string) string {
	return publicURL(s.publicURL, s.bucket, key)
}

func publicURL(base, bucket, key string) string {
	if base != "" {
		return strings.TrimRight(base, "/") + "/" + key
	}
	return fmt.Sprintf("https://%s.r2.dev/%s", bucket, key)
}

// MemoryObject is an object held by MemoryStore.
type MemoryObject struct {
	Data        []byte
	ContentType string
}

// MemoryStore is an in-process ObjectStore for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]MemoryObject
	base    string

	// PutFailures makes the next n Put calls fail.
	PutFailures int
	// DeleteErr, when set, is returned by Delete.
	DeleteErr   error
	puts        int
}

// NewMemoryStore creates an empty MemoryStore serving URLs under base.
func NewMemoryStore(base string) *MemoryStore {
	if base == "" {
		base = "http://localhost/media"
	}
	return &MemoryStore{objects: make(map[string]MemoryObject), base: base}
}

// Put stores a copy of data.
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.PutFailures > 0 {
		m.PutFailures--
		return errors.New("simulated put failure")
	}
	m.objects[key] = MemoryObject{Data: append([]byte(nil), data...), ContentType: contentType}
	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.objects, key)
	return nil
}

// PublicURL returns base/key.
func (m *MemoryStore) PublicURL(key string) string {
	return publicURL(m.base, "", key)
}

// Object returns the stored object, if any.
func (m *MemoryStore) Object(key string) (MemoryObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	return o, ok
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Puts returns how many Put calls were made.
func (m *MemoryStore) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

var (
	_ ObjectStore = (*S3Store)(nil)
	_ ObjectStore = (*MemoryStore)(nil)
)
