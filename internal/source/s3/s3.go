// Package s3 provides entries backed by an S3 bucket. Prefixes ending in
// "/" are listed as directories using the "/" delimiter.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/EPiC-Inc/vaporous/internal/logging"
	"github.com/EPiC-Inc/vaporous/internal/metrics"
	"github.com/EPiC-Inc/vaporous/pkg/entry"
	"github.com/EPiC-Inc/vaporous/pkg/models"
	"github.com/EPiC-Inc/vaporous/pkg/retry"
)

// DefaultPageSize is the MaxKeys used per ListObjectsV2 call.
const DefaultPageSize = 1000

// Config holds S3 source settings.
type Config struct {
	Bucket    string
	Prefix    string
	Endpoint  string // custom endpoint (MinIO, Ceph); empty uses AWS
	Region    string
	AccessKey string // empty uses the default credential chain
	SecretKey string
	PathStyle bool
	PageSize  int
}

// API is the subset of the S3 client used by the source.
type API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Source lists and reads objects in one bucket.
type Source struct {
	api      API
	bucket   string
	pageSize int32
}

// NewClient builds an S3 client from cfg.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}

	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
				}, nil
			},
		)
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle || cfg.Endpoint != ""
	}), nil
}

// New creates a Source over api.
func New(api API, bucket string, pageSize int) *Source {
	if pageSize <= 0 || pageSize > DefaultPageSize {
		pageSize = DefaultPageSize
	}
	return &Source{api: api, bucket: bucket, pageSize: int32(pageSize)}
}

// Open connects using cfg and returns the root entry for cfg.Prefix.
func Open(ctx context.Context, cfg Config) (entry.Entry, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(client, cfg.Bucket, cfg.PageSize).Root(ctx, cfg.Prefix)
}

// Root returns the entry for prefix. An empty prefix or one ending in "/"
// is a directory. Otherwise the key is looked up with HeadObject and, when
// no such object exists, treated as a directory if anything is listed
// below prefix+"/". A prefix with neither is fs.ErrNotExist.
func (s *Source) Root(ctx context.Context, prefix string) (entry.Entry, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return s.dir(prefix), nil
	}

	start := time.Now()
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(prefix),
	})
	if err == nil {
		metrics.RecordSourceOperation("s3", "head_object", time.Since(start), true)
		return &fileEntry{
			src:     s,
			key:     prefix,
			size:    aws.ToInt64(out.ContentLength),
			modTime: aws.ToTime(out.LastModified),
		}, nil
	}
	if !isNotFound(err) {
		metrics.RecordSourceOperation("s3", "head_object", time.Since(start), false)
		return nil, fmt.Errorf("head %s: %w", prefix, classify(err))
	}
	metrics.RecordSourceOperation("s3", "head_object", time.Since(start), true)

	dir := prefix + "/"
	start = time.Now()
	list, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(dir),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(1),
	})
	if err != nil {
		metrics.RecordSourceOperation("s3", "list_objects", time.Since(start), false)
		return nil, fmt.Errorf("list %s: %w", dir, classify(err))
	}
	metrics.RecordSourceOperation("s3", "list_objects", time.Since(start), true)
	if len(list.Contents) == 0 && len(list.CommonPrefixes) == 0 {
		return nil, fmt.Errorf("s3://%s/%s: %w", s.bucket, prefix, fs.ErrNotExist)
	}
	return s.dir(dir), nil
}

func (s *Source) dir(prefix string) *dirEntry {
	return &dirEntry{src: s, prefix: prefix}
}

func (s *Source) entryPath(key string) string {
	return entry.Join(s.bucket, strings.TrimSuffix(key, "/"))
}

type fileEntry struct {
	src     *Source
	key     string
	size    int64
	modTime time.Time
}

func (e *fileEntry) Name() string { return path.Base(e.key) }
func (e *fileEntry) Path() string { return e.src.entryPath(e.key) }
func (e *fileEntry) IsDir() bool  { return false }

// File builds a handle from the listing metadata; content is fetched with
// GetObject only when the handle is opened.
func (e *fileEntry) File(ctx context.Context) (*models.FileHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, key := e.src, e.key
	return &models.FileHandle{
		Name:        e.Name(),
		Path:        e.Path(),
		Size:        e.size,
		ContentType: entry.DetectContentType(e.Name(), nil),
		ModTime:     e.modTime,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return src.getObject(ctx, key)
		},
	}, nil
}

func (s *Source) getObject(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordSourceOperation("s3", "get_object", time.Since(start), false)
		return nil, fmt.Errorf("get object %s: %w", key, classify(err))
	}
	metrics.RecordSourceOperation("s3", "get_object", time.Since(start), true)
	return out.Body, nil
}

type dirEntry struct {
	src    *Source
	prefix string
}

func (e *dirEntry) Name() string {
	if e.prefix == "" {
		return e.src.bucket
	}
	return path.Base(strings.TrimSuffix(e.prefix, "/"))
}
func (e *dirEntry) Path() string { return e.src.entryPath(e.prefix) }
func (e *dirEntry) IsDir() bool  { return true }

func (e *dirEntry) Reader() entry.Reader {
	return &reader{dir: e}
}

// reader issues one ListObjectsV2 call per batch, following continuation
// tokens until the listing is no longer truncated.
type reader struct {
	dir   *dirEntry
	token *string
	done  bool
}

func (r *reader) ReadEntries(ctx context.Context) ([]entry.Entry, error) {
	src := r.dir.src
	for !r.done {
		start := time.Now()
		out, err := src.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(src.bucket),
			Prefix:            aws.String(r.dir.prefix),
			Delimiter:         aws.String("/"),
			MaxKeys:           aws.Int32(src.pageSize),
			ContinuationToken: r.token,
		})
		if err != nil {
			metrics.RecordSourceOperation("s3", "list_objects", time.Since(start), false)
			return nil, fmt.Errorf("list %s: %w", r.dir.prefix, classify(err))
		}
		metrics.RecordSourceOperation("s3", "list_objects", time.Since(start), true)

		r.token = out.NextContinuationToken
		if !aws.ToBool(out.IsTruncated) || r.token == nil {
			r.done = true
		}

		batch := r.batch(out)
		logging.Debug("s3 list page",
			zap.String("bucket", src.bucket),
			zap.String("prefix", r.dir.prefix),
			zap.Int("entries", len(batch)),
			zap.Bool("more", !r.done))
		if len(batch) > 0 {
			return batch, nil
		}
	}
	return nil, nil
}

func (r *reader) batch(out *s3.ListObjectsV2Output) []entry.Entry {
	src := r.dir.src
	batch := make([]entry.Entry, 0, len(out.CommonPrefixes)+len(out.Contents))
	for _, cp := range out.CommonPrefixes {
		p := aws.ToString(cp.Prefix)
		if p == "" || p == r.dir.prefix {
			continue
		}
		batch = append(batch, src.dir(p))
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		// Zero-byte "folder" markers created by consoles.
		if key == r.dir.prefix || strings.HasSuffix(key, "/") {
			continue
		}
		batch = append(batch, &fileEntry{
			src:     src,
			key:     key,
			size:    aws.ToInt64(obj.Size),
			modTime: aws.ToTime(obj.LastModified),
		})
	}
	return batch
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == 404
}

// classify marks throttling, server-side and network failures retryable.
func classify(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout",
			"InternalError", "ServiceUnavailable":
			return retry.Retryable(err)
		}
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() >= 500 {
		return retry.Retryable(err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return retry.Retryable(err)
	}
	return err
}
