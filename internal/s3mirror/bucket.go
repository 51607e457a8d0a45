package s3mirror

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/creachadair/mds/value"
)

// archiveBucket is the narrow slice of the S3 API a Mirror needs:
// resolve a bucket's region, conditionally upload an archive, and
// download one back down for fault-in. It only ever sees whole archive
// files, never arbitrary cache blobs, so unlike a general-purpose S3
// wrapper it has no streaming-ETag reader or content-addressed keying.
type archiveBucket struct {
	client *s3.Client
	name   string
}

// resolveBucketRegion reports the specified region for name using the
// GetBucketLocation API.
func resolveBucketRegion(ctx context.Context, name string) (string, error) {
	const defaultRegion = "us-east-1"

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(defaultRegion))
	if err != nil {
		return "", err
	}
	cli := s3.NewFromConfig(cfg)
	loc, err := cli.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: &name})
	if err != nil {
		return "", err
	}
	return cmp.Or(string(loc.LocationConstraint), defaultRegion), nil
}

func isNotExist(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	return errors.Is(err, os.ErrNotExist)
}

// putCond uploads data under key unless the bucket already holds an
// object whose ETag matches etag, an MD5 of data encoded as lowercase
// hex digits.
func (b *archiveBucket) putCond(ctx context.Context, key, etag string, data io.Reader) error {
	if _, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:  &b.name,
		Key:     &key,
		IfMatch: &etag,
	}); err == nil {
		return nil
	}

	var sizePtr *int64
	switch t := data.(type) {
	case sizer:
		sizePtr = value.Ptr(t.Size())
	case io.Seeker:
		v, err := t.Seek(0, io.SeekEnd)
		if err == nil {
			sizePtr = &v
			if _, err := t.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("seek back to start: %w", err)
			}
		}
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &b.name,
		Key:           &key,
		Body:          data,
		ContentLength: sizePtr,
	})
	return err
}

// get downloads key. The caller must close the returned reader. If the
// key doesn't exist, the error satisfies fs.ErrNotExist.
func (b *archiveBucket) get(ctx context.Context, key string) (io.ReadCloser, error) {
	rsp, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &b.name, Key: &key})
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("key %q: %w", key, fs.ErrNotExist)
		}
		return nil, err
	}
	return rsp.Body, nil
}

// A sizer exports a Size method, e.g. [bytes.Reader].
type sizer interface{ Size() int64 }
