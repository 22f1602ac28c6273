// Package sink writes finished documents to their destination. A write
// either completes or leaves nothing at the target.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

// Sink is an output destination.
type Sink interface {
	Write(ctx context.Context, data []byte) error
	String() string
	Close() error
}

const gcsScheme = "gs://"

// Open returns the sink for target: a gs://bucket/object URL or a local path.
func Open(ctx context.Context, target string) (Sink, error) {
	if strings.HasPrefix(target, gcsScheme) {
		bucket, object, err := ParseGCSURL(target)
		if err != nil {
			return nil, err
		}
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("sink: storage client: %w", err)
		}
		return &GCS{client: client, Bucket: bucket, Object: object, ownsClient: true}, nil
	}
	if target == "" {
		return nil, errors.New("sink: empty output path")
	}
	return &File{Path: target}, nil
}

// ParseGCSURL splits gs://bucket/object.
func ParseGCSURL(u string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(u, gcsScheme)
	if !ok {
		return "", "", fmt.Errorf("sink: %q is not a gs:// URL", u)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("sink: %q needs a bucket and an object name", u)
	}
	return bucket, object, nil
}

// File writes to a sibling temp file and renames it over Path.
type File struct {
	Path string
	Perm os.FileMode
}

func (f *File) String() string { return f.Path }

func (f *File) Close() error { return nil }

func (f *File) Write(ctx context.Context, data []byte) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("sink: create temp: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("sink: write: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sink: sync: %w", err)
	}
	perm := f.Perm
	if perm == 0 {
		perm = 0o644
	}
	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("sink: chmod: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("sink: close: %w", err)
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("sink: rename: %w", err)
	}
	return nil
}

// GCS uploads to a Cloud Storage object. The object only becomes visible
// when the upload is finalized.
type GCS struct {
	Bucket     string
	Object     string
	client     *storage.Client
	ownsClient bool
}

// NewGCS uploads through an existing client, which the caller keeps.
func NewGCS(client *storage.Client, bucket, object string) *GCS {
	return &GCS{client: client, Bucket: bucket, Object: object}
}

func (g *GCS) String() string { return gcsScheme + g.Bucket + "/" + g.Object }

func (g *GCS) Close() error {
	if g.ownsClient {
		return g.client.Close()
	}
	return nil
}

func (g *GCS) Write(ctx context.Context, data []byte) error {
	// Canceling the writer's context before Close abandons the upload.
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := g.client.Bucket(g.Bucket).Object(g.Object).NewWriter(writeCtx)
	w.ContentType = "application/pdf"
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("sink: upload %s: %w", g, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("sink: finalize %s: %w", g, err)
	}
	return nil
}
