// Package blob stores records and vectors as JSON objects in an
// S3-compatible bucket (AWS S3 or MinIO). Object storage has no
// transactions, so the store participates through snapshots.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/becomeliminal/memsync/core"
)

const (
	itemsDir   = "items/"
	vectorsDir = "vectors/"
)

// Config holds construction parameters. Credentials fall back to the
// default AWS chain when AccessKeyID is empty.
type Config struct {
	Region          string
	Bucket          string
	Prefix          string // optional key prefix, e.g. "memsync/"
	Endpoint        string // optional; set for MinIO
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	PathStyle       bool
}

// Environment variables:
//   MEMSYNC_BLOB_BUCKET=<bucket> (required)
//   MEMSYNC_BLOB_REGION=<region> (default us-east-1)
//   MEMSYNC_BLOB_PREFIX=<prefix>
//   MEMSYNC_BLOB_ENDPOINT=<url> (optional, for MinIO)
//   MEMSYNC_BLOB_PATH_STYLE=true|false (default false)
//   AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)

// ConfigFromEnv reads Config from the process environment.
func ConfigFromEnv() (Config, error) {
	bucket := os.Getenv("MEMSYNC_BLOB_BUCKET")
	if bucket == "" {
		return Config{}, fmt.Errorf("MEMSYNC_BLOB_BUCKET required for blob store")
	}
	return Config{
		Bucket:    bucket,
		Region:    os.Getenv("MEMSYNC_BLOB_REGION"),
		Prefix:    os.Getenv("MEMSYNC_BLOB_PREFIX"),
		Endpoint:  os.Getenv("MEMSYNC_BLOB_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("MEMSYNC_BLOB_PATH_STYLE"), "true"),
	}, nil
}

// Store implements core.Store and core.VectorStore on a single bucket.
type Store struct {
	name   string
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a blob store from Config.
func New(ctx context.Context, name string, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newStore(name, client, cfg.Bucket, cfg.Prefix, opts...), nil
}

func newStore(name string, client *s3.Client, bucket, prefix string, opts ...Option) *Store {
	s := &Store{name: name, client: client, bucket: bucket, prefix: prefix, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "blob", "store", name, "bucket", bucket)
	return s
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

func (s *Store) key(dir, id string) string {
	return s.prefix + dir + id + ".json"
}

// Store writes a record, replacing any existing object.
func (s *Store) Store(ctx context.Context, r core.Record) (string, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if err := s.put(ctx, s.key(itemsDir, r.ID), r); err != nil {
		return "", fmt.Errorf("put item %s: %w", r.ID, err)
	}
	return r.ID, nil
}

// Retrieve reads a record.
func (s *Store) Retrieve(ctx context.Context, id string) (core.Record, bool, error) {
	var r core.Record
	ok, err := s.get(ctx, s.key(itemsDir, id), &r)
	if err != nil {
		return core.Record{}, false, fmt.Errorf("get item %s: %w", id, err)
	}
	return r, ok, nil
}

// Search lists every record object and returns those matching q, ordered by id.
func (s *Store) Search(ctx context.Context, q core.Query) ([]core.Record, error) {
	keys, err := s.list(ctx, s.prefix+itemsDir)
	if err != nil {
		return nil, err
	}
	var out []core.Record
	for _, key := range keys {
		var r core.Record
		ok, err := s.get(ctx, key, &r)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		if ok && q.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AllItems returns every record.
func (s *Store) AllItems(ctx context.Context) ([]core.Record, error) {
	return s.Search(ctx, core.Query{})
}

// Delete removes a record. A Head request first establishes whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	return s.remove(ctx, s.key(itemsDir, id))
}

// StoreVector writes a vector.
func (s *Store) StoreVector(ctx context.Context, v core.VectorRecord) (string, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if err := s.put(ctx, s.key(vectorsDir, v.ID), v); err != nil {
		return "", fmt.Errorf("put vector %s: %w", v.ID, err)
	}
	return v.ID, nil
}

// RetrieveVector reads a vector.
func (s *Store) RetrieveVector(ctx context.Context, id string) (core.VectorRecord, bool, error) {
	var v core.VectorRecord
	ok, err := s.get(ctx, s.key(vectorsDir, id), &v)
	if err != nil {
		return core.VectorRecord{}, false, fmt.Errorf("get vector %s: %w", id, err)
	}
	return v, ok, nil
}

// DeleteVector removes a vector.
func (s *Store) DeleteVector(ctx context.Context, id string) (bool, error) {
	return s.remove(ctx, s.key(vectorsDir, id))
}

// AllVectors returns every vector ordered by id.
func (s *Store) AllVectors(ctx context.Context) ([]core.VectorRecord, error) {
	keys, err := s.list(ctx, s.prefix+vectorsDir)
	if err != nil {
		return nil, err
	}
	out := make([]core.VectorRecord, 0, len(keys))
	for _, key := range keys {
		var v core.VectorRecord
		ok, err := s.get(ctx, key, &v)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		if ok {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (s *Store) get(ctx context.Context, key string, dst any) (bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() { _ = out.Body.Close() }()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return false, fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return false, fmt.Errorf("unmarshal: %w", err)
	}
	return true, nil
}

func (s *Store) remove(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("head %s: %w", key, err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &prefix, ContinuationToken: token})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			if key := aws.ToString(obj.Key); strings.HasSuffix(key, ".json") {
				keys = append(keys, key)
			}
		}
		if out.IsTruncated != nil && *out.IsTruncated && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	sort.Strings(keys)
	return keys, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
