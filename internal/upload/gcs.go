package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCS writes audio into a bucket whose objects are publicly readable and
// returns the storage.googleapis.com URL.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: prefix}, nil
}

func (g *GCS) Close() error { return g.client.Close() }

func (g *GCS) Name() string   { return "gcs" }
func (g *GCS) MaxSize() int64 { return 1024 * mb }

func (g *GCS) Upload(ctx context.Context, p Payload) (string, error) {
	object := path.Join(g.prefix, p.Filename)
	w := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	w.ContentType = p.MimeType

	if _, err := io.Copy(w, bytes.NewReader(p.Data)); err != nil {
		_ = w.Close()
		return "", classifyGCSError(fmt.Errorf("gcs: write %s: %w", object, err))
	}
	if err := w.Close(); err != nil {
		return "", classifyGCSError(fmt.Errorf("gcs: finalize %s: %w", object, err))
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.bucket, (&url.URL{Path: object}).EscapedPath()), nil
}

// classifyGCSError marks throttling and server-side failures as transient.
func classifyGCSError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 {
			return Transient(err)
		}
	}
	return err
}
