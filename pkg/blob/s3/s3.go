package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/blob"
)

const (
	stagingPrefix = "staging/"
	blobsPrefix   = "blobs/"

	// S3 allows max 1000 objects per delete request
	maxDeleteBatch = 1000
)

// S3Metrics observes S3 calls made by the driver. A nil value disables
// collection.
type S3Metrics interface {
	ObserveOperation(operation string, duration time.Duration, err error)
	RecordBytes(operation string, bytes int64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, time.Duration, error) {}
func (noopMetrics) RecordBytes(string, int64)                     {}

// S3BlobDriver implements blob.Driver on Amazon S3 or an S3-compatible
// service.
//
// Key Design:
//
//	<prefix>staging/<uuid>               pending writes
//	<prefix>blobs/<format>/<cid>         committed blobs
//
// Stage spools the input to a local temporary file while hashing it, then
// uploads it under the staging prefix. Commit copies the object into place
// and deletes the staging object.
//
// Thread Safety:
// Safe for concurrent use. The S3 client is itself concurrency safe.
type S3BlobDriver struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	metrics   S3Metrics
}

// S3BlobDriverConfig contains configuration for the S3 driver.
type S3BlobDriverConfig struct {
	// Client is the configured S3 client
	Client *s3.Client

	// Bucket is the S3 bucket name
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	// Example: "dittoshare/" results in keys like "dittoshare/blobs/..."
	KeyPrefix string

	// Metrics is optional
	Metrics S3Metrics
}

// NewS3BlobDriver creates a driver and verifies bucket access. The bucket
// must already exist.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - cfg: S3 configuration
//
// Returns:
//   - *S3BlobDriver: Initialized driver
//   - error: Bucket access failure or context cancellation
func NewS3BlobDriver(ctx context.Context, cfg S3BlobDriverConfig) (*S3BlobDriver, error) {
	// ========================================================================
	// Step 1: Validate configuration
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	// ========================================================================
	// Step 2: Verify bucket access
	// ========================================================================

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	var m S3Metrics = noopMetrics{}
	if cfg.Metrics != nil {
		m = cfg.Metrics
	}

	return &S3BlobDriver{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		metrics:   m,
	}, nil
}

func (d *S3BlobDriver) blobKey(format blob.Format, hash blob.Digest) string {
	return d.keyPrefix + blobsPrefix + string(format) + "/" + hash.Hash()
}

// parseBlobKey reverses blobKey.
func (d *S3BlobDriver) parseBlobKey(key string) (blob.Ref, bool) {
	rest, ok := strings.CutPrefix(key, d.keyPrefix+blobsPrefix)
	if !ok {
		return blob.Ref{}, false
	}
	format, name, ok := strings.Cut(rest, "/")
	if !ok {
		return blob.Ref{}, false
	}
	hash, err := blob.ParseHash(name)
	if err != nil {
		return blob.Ref{}, false
	}
	return blob.Ref{Format: blob.Format(format), Hash: hash}, true
}

// Stage spools r to a temporary file while hashing, then uploads it to the
// staging prefix.
func (d *S3BlobDriver) Stage(ctx context.Context, format blob.Format, r io.Reader) (*blob.Staged, error) {
	// ========================================================================
	// Step 1: Validate inputs
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := blob.ValidateFormat(format); err != nil {
		return nil, err
	}

	// ========================================================================
	// Step 2: Spool and hash
	// ========================================================================

	spool, err := os.CreateTemp("", "dittoshare-stage-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	digester := blob.NewDigester(r)
	if _, err := io.Copy(spool, digester); err != nil {
		return nil, fmt.Errorf("failed to spool staged content: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind spool file: %w", err)
	}
	hash := digester.Digest()

	// ========================================================================
	// Step 3: Upload to the staging prefix
	// ========================================================================

	stagingKey := d.keyPrefix + stagingPrefix + uuid.NewString()
	start := time.Now()
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(stagingKey),
		Body:          spool,
		ContentLength: aws.Int64(digester.Size()),
	})
	d.metrics.ObserveOperation("PutObject", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to upload staged blob: %w", err)
	}
	d.metrics.RecordBytes("write", digester.Size())

	commit := func(ctx context.Context) error {
		start := time.Now()
		_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(d.bucket),
			CopySource: aws.String(d.bucket + "/" + stagingKey),
			Key:        aws.String(d.blobKey(format, hash)),
		})
		d.metrics.ObserveOperation("CopyObject", time.Since(start), err)
		if err != nil {
			return fmt.Errorf("failed to commit blob %s: %w", hash.Hash(), err)
		}
		if err := d.deleteKey(ctx, stagingKey); err != nil {
			logger.Warn("S3 blob driver: leaving staging object %s: %v", stagingKey, err)
		}
		return nil
	}
	reject := func(ctx context.Context) error {
		return d.deleteKey(ctx, stagingKey)
	}

	return blob.NewStaged(format, hash, digester.Size(), commit, reject), nil
}

func (d *S3BlobDriver) deleteKey(ctx context.Context, key string) error {
	start := time.Now()
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	d.metrics.ObserveOperation("DeleteObject", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// head returns the object size, or false when the object does not exist.
func (d *S3BlobDriver) head(ctx context.Context, key string) (int64, bool, error) {
	start := time.Now()
	out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	d.metrics.ObserveOperation("HeadObject", time.Since(start), err)
	if err != nil {
		var notFound *types.NotFound
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to head object: %w", err)
	}
	return aws.ToInt64(out.ContentLength), true, nil
}

// GetBlob checks the object exists and returns an accessor that downloads it
// on demand.
func (d *S3BlobDriver) GetBlob(ctx context.Context, format blob.Format, hash blob.Digest) (*blob.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if blob.ValidateFormat(format) != nil {
		return nil, nil
	}

	key := d.blobKey(format, hash)
	size, ok, err := d.head(ctx, key)
	if err != nil || !ok {
		return nil, err
	}

	return blob.NewBlob(format, hash, size, func(ctx context.Context) (io.ReadCloser, error) {
		start := time.Now()
		out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(key),
		})
		d.metrics.ObserveOperation("GetObject", time.Since(start), err)
		if err != nil {
			var noSuchKey *types.NoSuchKey
			if errors.As(err, &noSuchKey) {
				return nil, fmt.Errorf("blob %s: %w", hash.Hash(), blob.ErrBlobNotFound)
			}
			return nil, fmt.Errorf("failed to get object from S3: %w", err)
		}
		d.metrics.RecordBytes("read", size)
		return out.Body, nil
	}), nil
}

// Erase removes one committed blob.
func (d *S3BlobDriver) Erase(ctx context.Context, format blob.Format, hash blob.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := blob.ValidateFormat(format); err != nil {
		return err
	}

	key := d.blobKey(format, hash)
	_, ok, err := d.head(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("blob %s: %w", hash.Hash(), blob.ErrBlobNotFound)
	}
	return d.deleteKey(ctx, key)
}

// listKeys returns every key under prefix.
func (d *S3BlobDriver) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

// deleteBatch removes keys in chunks of maxDeleteBatch and returns the keys
// that were deleted.
func (d *S3BlobDriver) deleteBatch(ctx context.Context, keys []string) ([]string, error) {
	var deleted []string
	for i := 0; i < len(keys); i += maxDeleteBatch {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		batch := keys[i:min(i+maxDeleteBatch, len(keys))]

		objects := make([]types.ObjectIdentifier, len(batch))
		for j, key := range batch {
			objects[j] = types.ObjectIdentifier{Key: aws.String(key)}
		}

		start := time.Now()
		result, err := d.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(d.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(false)},
		})
		d.metrics.ObserveOperation("DeleteObjects", time.Since(start), err)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete objects: %w", err)
		}

		failed := make(map[string]bool, len(result.Errors))
		for _, e := range result.Errors {
			if e.Key != nil {
				failed[*e.Key] = true
				logger.Warn("S3 blob driver: failed to delete %s: %s", *e.Key, aws.ToString(e.Message))
			}
		}
		for _, key := range batch {
			if !failed[key] {
				deleted = append(deleted, key)
			}
		}
	}
	return deleted, nil
}

// Filter lists committed blobs and batch-deletes those keep does not retain.
func (d *S3BlobDriver) Filter(ctx context.Context, keep blob.KeepSet) ([]blob.Ref, error) {
	keys, err := d.listKeys(ctx, d.keyPrefix+blobsPrefix)
	if err != nil {
		return nil, err
	}

	var doomed []string
	refs := make(map[string]blob.Ref)
	for _, key := range keys {
		ref, ok := d.parseBlobKey(key)
		if !ok || keep.Has(ref.Format, ref.Hash) {
			continue
		}
		doomed = append(doomed, key)
		refs[key] = ref
	}

	deleted, err := d.deleteBatch(ctx, doomed)
	erased := make([]blob.Ref, 0, len(deleted))
	for _, key := range deleted {
		erased = append(erased, refs[key])
	}
	return erased, err
}

// Wipe deletes every staged and committed object under the key prefix.
func (d *S3BlobDriver) Wipe(ctx context.Context) error {
	var all []string
	for _, prefix := range []string{stagingPrefix, blobsPrefix} {
		keys, err := d.listKeys(ctx, d.keyPrefix+prefix)
		if err != nil {
			return err
		}
		all = append(all, keys...)
	}
	_, err := d.deleteBatch(ctx, all)
	return err
}

var _ blob.Driver = (*S3BlobDriver)(nil)
