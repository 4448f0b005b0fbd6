package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// presignMaxExpiry is the longest lifetime S3 accepts for a presigned URL.
const presignMaxExpiry = 7 * 24 * time.Hour

var (
	ErrInvalidDataURI  = errors.New("invalid image data")
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrImageTooLarge   = errors.New("image too large")
)

// Media turns inline data: URIs into stored objects and returns their URL.
// Values that are not data URIs pass through unchanged.
type Media struct {
	store         ObjectStore
	publicBaseURL string
	maxBytes      int
}

// NewMedia wraps an object store. publicBaseURL, when set, is joined with the
// object key instead of presigning.
func NewMedia(store ObjectStore, publicBaseURL string, maxBytes int) *Media {
	if maxBytes <= 0 {
		maxBytes = 3 << 20
	}
	return &Media{
		store:         store,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		maxBytes:      maxBytes,
	}
}

// Upload stores value under prefix when it is a data URI and returns the URL
// to save plus the object key. The key is empty when nothing was stored.
func (m *Media) Upload(ctx context.Context, prefix, value string) (string, string, error) {
	value = strings.TrimSpace(value)
	if m == nil || m.store == nil || !strings.HasPrefix(value, "data:") {
		return value, "", nil
	}
	contentType, payload, err := decodeDataURI(value)
	if err != nil {
		return "", "", err
	}
	if len(payload) > m.maxBytes {
		return "", "", ErrImageTooLarge
	}
	key := strings.Trim(prefix, "/") + "/" + uuid.NewString() + extensionFor(contentType)
	if err := m.store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), contentType); err != nil {
		return "", "", fmt.Errorf("upload image: %w", err)
	}
	if m.publicBaseURL != "" {
		return m.publicBaseURL + "/" + key, key, nil
	}
	url, err := m.store.PresignGet(ctx, key, presignMaxExpiry)
	if err != nil {
		m.Discard(ctx, key)
		return "", "", fmt.Errorf("presign image: %w", err)
	}
	return url, key, nil
}

// Discard deletes an object stored by Upload whose owning record was never
// written. Failures are logged and otherwise ignored.
func (m *Media) Discard(ctx context.Context, key string) {
	if m == nil || m.store == nil || key == "" {
		return
	}
	if err := m.store.Delete(context.WithoutCancel(ctx), key); err != nil {
		slog.Warn("discard orphaned image failed", "key", key, "err", err)
	}
}

func decodeDataURI(value string) (string, []byte, error) {
	meta, data, ok := strings.Cut(strings.TrimPrefix(value, "data:"), ",")
	if !ok {
		return "", nil, ErrInvalidDataURI
	}
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, ErrInvalidDataURI
	}
	contentType := strings.ToLower(strings.TrimSuffix(meta, ";base64"))
	if !strings.HasPrefix(contentType, "image/") {
		return "", nil, ErrUnsupportedType
	}
	payload, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", nil, ErrInvalidDataURI
	}
	return contentType, payload, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
