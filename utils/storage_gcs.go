package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client.
// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ReadObjectFromGCS fetches a bulk-import object uploaded by the dashboard.
// Objects larger than SYNC_MAX_IMPORT_BYTES (default 64 MiB) are rejected.
func ReadObjectFromGCS(ctx context.Context, objectName string) ([]byte, error) {
	objectName = strings.TrimSpace(objectName)
	if objectName == "" {
		return nil, errors.New("objectName is required")
	}
	bucketName := os.Getenv("GCS_BUCKET")
	if bucketName == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	maxBytes := int64(64 << 20)
	if v := strings.TrimSpace(os.Getenv("SYNC_MAX_IMPORT_BYTES")); v != "" {
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil && n > 0 {
			maxBytes = n
		}
	}

	obj := client.Bucket(bucketName).Object(objectName)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs object %q not found or not accessible: %v", objectName, err)
	}
	if attrs.Size > maxBytes {
		return nil, fmt.Errorf("gcs object %q is %d bytes, above the %d byte import limit", objectName, attrs.Size, maxBytes)
	}

	rc, err := obj.NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(io.LimitReader(rc, maxBytes+1))
}
