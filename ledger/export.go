package ledger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
)

// Exporter uploads the CSV projection to a Cloud Storage bucket.
type Exporter struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewExporter uses an existing storage client.
func NewExporter(client *storage.Client, bucket, prefix string) *Exporter {
	return &Exporter{client: client, bucket: bucket, prefix: prefix}
}

// ObjectName is the object written for an export at now.
func ObjectName(prefix string, now time.Time) string {
	return path.Join(prefix, "scores-"+now.UTC().Format("20060102T150405Z")+".csv")
}

// Export writes the ledger's CSV and returns the gs:// URI.
func (e *Exporter) Export(ctx context.Context, l *Ledger, now time.Time) (string, error) {
	data, err := l.CSV()
	if err != nil {
		return "", fmt.Errorf("Export: %w", err)
	}
	name := ObjectName(e.prefix, now)
	w := e.client.Bucket(e.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "text/csv"
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("Export: write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("Export: close %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", e.bucket, name), nil
}
