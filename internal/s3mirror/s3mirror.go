// Package s3mirror optionally pushes a finished archive file to S3 and
// can fault in a missing local archive from the same location before
// open.
package s3mirror

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/creachadair/atomicfile"
	"github.com/creachadair/taskgroup"
)

// Config names the bucket, key prefix and region of an archive mirror.
// A zero Config disables mirroring.
type Config struct {
	Bucket string
	Prefix string
	Region string
}

// Enabled reports whether c names a bucket to mirror to.
func (c Config) Enabled() bool { return c.Bucket != "" }

func (c Config) key(basename string) string {
	if c.Prefix == "" {
		return basename
	}
	return path.Join(c.Prefix, basename)
}

// Mirror pushes archive files to S3 in the background, one at a time,
// using a single-slot task queue so a slow upload never blocks the
// caller and a second push never races the first.
type Mirror struct {
	cfg    Config
	bucket *archiveBucket

	tasks *taskgroup.Group
	start func(taskgroup.Task) *taskgroup.Group
}

// New builds a Mirror for cfg. It loads the default AWS credential chain,
// overriding the region when cfg.Region is set; if no region is given it
// is resolved from the bucket itself.
func New(ctx context.Context, cfg Config) (*Mirror, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	region := cfg.Region
	if region == "" {
		r, err := resolveBucketRegion(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("resolve bucket region: %w", err)
		}
		region = r
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	m := &Mirror{
		cfg:    cfg,
		bucket: &archiveBucket{client: s3.NewFromConfig(awsCfg), name: cfg.Bucket},
	}
	m.tasks, m.start = taskgroup.New(nil).Limit(1)
	return m, nil
}

// PushAsync enqueues path for upload to the mirror under its basename,
// returning immediately. The upload is skipped if the mirror already
// holds an object with the same content. Errors are reported only via
// the returned *taskgroup.Group's eventual Wait, so callers that care
// about the outcome should call Wait themselves; fire-and-forget callers
// may discard it.
func (m *Mirror) PushAsync(localPath string) *taskgroup.Group {
	m.start(func() error {
		return m.push(context.Background(), localPath)
	})
	return m.tasks
}

// Wait blocks until all enqueued pushes have completed.
func (m *Mirror) Wait() error {
	return m.tasks.Wait()
}

func (m *Mirror) push(ctx context.Context, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	key := m.cfg.key(path.Base(localPath))
	return m.bucket.putCond(ctx, key, etag, bytes.NewReader(data))
}

// FaultIn downloads basename from the mirror into localPath if localPath
// does not already exist locally, using atomicfile so a failed or
// interrupted download never leaves a truncated archive behind. It
// reports fs.ErrNotExist if the mirror has no such object.
func (m *Mirror) FaultIn(ctx context.Context, basename, localPath string) error {
	if _, err := os.Stat(localPath); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	key := m.cfg.key(basename)
	rc, err := m.bucket.get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = atomicfile.WriteAll(localPath, rc, 0o644)
	return err
}
