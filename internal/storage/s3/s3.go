// Package s3 provides an S3-compatible storage backend with metrics.
//
// Files are objects keyed by their path without the leading slash.
// Directories are empty "dir/" marker objects; a prefix that has objects
// below it also counts as a directory.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotefs/internal/storage"
	"github.com/fruitsalade/remotefs/pkg/logging"
	"github.com/fruitsalade/remotefs/pkg/metrics"
	"github.com/fruitsalade/remotefs/pkg/models"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// Backend implements storage.Backend using S3/MinIO.
type Backend struct {
	client *s3.Client
	bucket string
}

var _ storage.Backend = (*Backend)(nil)

// New creates a new S3 backend and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	b := &Backend{client: client, bucket: cfg.Bucket}
	if err := b.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}
	return b, nil
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)})
	metrics.RecordS3Operation("create_bucket", time.Since(start), createErr == nil)
	if createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
	}
	logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

// objectKey returns the key of file p.
func objectKey(p string) string {
	return strings.TrimPrefix(models.CleanPath(p), "/")
}

// dirPrefix returns the prefix of everything below directory p.
func dirPrefix(p string) string {
	k := objectKey(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (b *Backend) observe(op string, start time.Time, err error) {
	metrics.RecordS3Operation(op, time.Since(start), err == nil || isNotFound(err))
}

// List returns the children of dir using a delimiter listing.
func (b *Backend) List(ctx context.Context, dir string) ([]storage.Info, error) {
	prefix := dirPrefix(dir)
	var out []storage.Info
	seen := make(map[string]bool)

	start := time.Now()
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	found := false
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			b.observe("list_objects", start, err)
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, cp := range page.CommonPrefixes {
			found = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, storage.Info{Name: name, Dir: true})
		}
		for _, obj := range page.Contents {
			found = true
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || seen[name] {
				continue // the directory's own marker
			}
			seen[name] = true
			out = append(out, storage.Info{
				Name:    name,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	b.observe("list_objects", start, nil)

	if !found && prefix != "" {
		info, err := b.Stat(ctx, dir)
		if err != nil {
			return nil, err
		}
		if !info.Dir {
			return nil, fmt.Errorf("list %s: %w", dir, storage.ErrNotDir)
		}
	}
	return out, nil
}

// Stat describes path: a file object, a directory marker, or an implicit
// directory prefix.
func (b *Backend) Stat(ctx context.Context, p string) (storage.Info, error) {
	key := objectKey(p)
	if key == "" {
		return storage.Info{Dir: true}, nil
	}
	name := models.BaseName(p)

	start := time.Now()
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	b.observe("head_object", start, err)
	if err == nil {
		return storage.Info{
			Name:    name,
			Size:    aws.ToInt64(head.ContentLength),
			ModTime: aws.ToTime(head.LastModified),
		}, nil
	}
	if !isNotFound(err) {
		return storage.Info{}, fmt.Errorf("stat %s: %w", p, err)
	}

	start = time.Now()
	list, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int32(1),
	})
	b.observe("list_objects", start, err)
	if err != nil {
		return storage.Info{}, fmt.Errorf("stat %s: %w", p, err)
	}
	if len(list.Contents) == 0 {
		return storage.Info{}, fmt.Errorf("stat %s: %w", p, storage.ErrNotFound)
	}
	return storage.Info{Name: name, Dir: true, ModTime: aws.ToTime(list.Contents[0].LastModified)}, nil
}

// Open retrieves an object with range support.
func (b *Backend) Open(ctx context.Context, p string, offset, length int64) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey(p)),
	}
	if offset > 0 || length > 0 {
		if length > 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}

	start := time.Now()
	result, err := b.client.GetObject(ctx, input)
	b.observe("get_object", start, err)
	if err != nil {
		if isNotFound(err) {
			if info, statErr := b.Stat(ctx, p); statErr == nil && info.Dir {
				return nil, fmt.Errorf("open %s: %w", p, storage.ErrIsDir)
			}
			return nil, fmt.Errorf("open %s: %w", p, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", p, err)
	}
	return result.Body, nil
}

func (b *Backend) checkParent(ctx context.Context, op, p string) error {
	parent := models.ParentPath(p)
	info, err := b.Stat(ctx, parent)
	if err != nil {
		return err
	}
	if !info.Dir {
		return fmt.Errorf("%s %s: %w", op, parent, storage.ErrNotDir)
	}
	return nil
}

// Put uploads content.
func (b *Backend) Put(ctx context.Context, p string, body io.Reader, size int64) error {
	if objectKey(p) == "" {
		return fmt.Errorf("put /: %w", storage.ErrIsDir)
	}
	if err := b.checkParent(ctx, "put", p); err != nil {
		return err
	}
	if info, err := b.Stat(ctx, p); err == nil && info.Dir {
		return fmt.Errorf("put %s: %w", p, storage.ErrIsDir)
	}

	start := time.Now()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(objectKey(p)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	b.observe("put_object", start, err)
	if err != nil {
		return fmt.Errorf("put object %s: %w", p, err)
	}
	logging.Debug("S3 put object", zap.String("key", objectKey(p)), zap.Int64("size", size))
	return nil
}

// PutRange is not supported: objects cannot be written in place.
func (b *Backend) PutRange(_ context.Context, p string, _ io.Reader, _, _, _ int64) error {
	return fmt.Errorf("put range %s: %w", p, storage.ErrNotSupported)
}

// Mkdir writes a directory marker.
func (b *Backend) Mkdir(ctx context.Context, p string) error {
	if _, err := b.Stat(ctx, p); err == nil {
		return fmt.Errorf("mkdir %s: %w", p, storage.ErrExists)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := b.checkParent(ctx, "mkdir", p); err != nil {
		return err
	}

	start := time.Now()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(dirPrefix(p)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	b.observe("put_object", start, err)
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
	return nil
}

// Delete removes a file, or every object under a directory.
func (b *Backend) Delete(ctx context.Context, p string) error {
	key := objectKey(p)
	if key == "" {
		return fmt.Errorf("delete /: %w", storage.ErrInvalid)
	}
	info, err := b.Stat(ctx, p)
	if err != nil {
		return err
	}
	if !info.Dir {
		start := time.Now()
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		b.observe("delete_object", start, err)
		if err != nil {
			return fmt.Errorf("delete %s: %w", p, err)
		}
		return nil
	}

	pager := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(key + "/"),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("delete %s: %w", p, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		start := time.Now()
		_, err = b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		b.observe("delete_objects", start, err)
		if err != nil {
			return fmt.Errorf("delete %s: %w", p, err)
		}
	}
	logging.Debug("S3 delete tree", zap.String("prefix", key+"/"))
	return nil
}

// Type returns "s3".
func (b *Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }
