package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type memoryObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMemoryObjectStore() *memoryObjectStore {
	return &memoryObjectStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memoryObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func (m *memoryObjectStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + key + "?sig=1", nil
}

func (m *memoryObjectStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func pngDataURI(payload string) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte(payload))
}

func TestMediaUploadPublicURL(t *testing.T) {
	objects := newMemoryObjectStore()
	media := NewMedia(objects, "https://cdn.example/media/", 0)

	url, key, err := media.Upload(context.Background(), "messages/u1", pngDataURI("pixels"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if url != "https://cdn.example/media/"+key {
		t.Fatalf("url %q does not end with key %q", url, key)
	}
	if !strings.HasPrefix(url, "https://cdn.example/media/messages/u1/") || !strings.HasSuffix(url, ".png") {
		t.Fatalf("unexpected url %q", url)
	}
	if string(objects.objects[key]) != "pixels" {
		t.Fatalf("stored payload mismatch: %q", objects.objects[key])
	}
	if objects.types[key] != "image/png" {
		t.Fatalf("stored content type mismatch: %q", objects.types[key])
	}
}

func TestMediaUploadPresignsWithoutPublicURL(t *testing.T) {
	media := NewMedia(newMemoryObjectStore(), "", 0)
	url, _, err := media.Upload(context.Background(), "profiles/u1", pngDataURI("x"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(url, "https://signed.example/profiles/u1/") {
		t.Fatalf("unexpected presigned url %q", url)
	}
}

func TestMediaUploadPassesThroughPlainURLs(t *testing.T) {
	objects := newMemoryObjectStore()
	media := NewMedia(objects, "", 0)
	url, key, err := media.Upload(context.Background(), "messages/u1", " https://example.com/a.png ")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if url != "https://example.com/a.png" || key != "" || len(objects.objects) != 0 {
		t.Fatalf("expected passthrough, got %q and %d objects", url, len(objects.objects))
	}
}

func TestMediaUploadValidation(t *testing.T) {
	media := NewMedia(newMemoryObjectStore(), "", 4)
	ctx := context.Background()

	if _, _, err := media.Upload(ctx, "p", "data:text/plain;base64,aGk="); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
	if _, _, err := media.Upload(ctx, "p", "data:image/png;base64,!!!"); !errors.Is(err, ErrInvalidDataURI) {
		t.Fatalf("expected ErrInvalidDataURI, got %v", err)
	}
	if _, _, err := media.Upload(ctx, "p", "data:image/png,raw"); !errors.Is(err, ErrInvalidDataURI) {
		t.Fatalf("expected ErrInvalidDataURI for non-base64, got %v", err)
	}
	if _, _, err := media.Upload(ctx, "p", pngDataURI("too-long")); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}
}

func TestNilMediaPassesThrough(t *testing.T) {
	var media *Media
	value := pngDataURI("x")
	got, key, err := media.Upload(context.Background(), "p", value)
	if err != nil || got != value || key != "" {
		t.Fatalf("expected nil media to pass value through, got %q key=%q err=%v", got, key, err)
	}
	media.Discard(context.Background(), "p/x.png")
}

func TestMediaDiscardRemovesObject(t *testing.T) {
	objects := newMemoryObjectStore()
	media := NewMedia(objects, "https://cdn.example", 0)
	_, key, err := media.Upload(context.Background(), "messages/u1", pngDataURI("x"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	media.Discard(context.Background(), key)
	if len(objects.objects) != 0 {
		t.Fatalf("expected object to be deleted, %d left", len(objects.objects))
	}
	media.Discard(context.Background(), "")
}

type failingPresignStore struct {
	*memoryObjectStore
}

func (failingPresignStore) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", errors.New("presign unavailable")
}

func TestMediaUploadCleansUpWhenPresignFails(t *testing.T) {
	objects := newMemoryObjectStore()
	media := NewMedia(failingPresignStore{objects}, "", 0)
	if _, _, err := media.Upload(context.Background(), "messages/u1", pngDataURI("x")); err == nil {
		t.Fatalf("expected presign error")
	}
	if len(objects.objects) != 0 {
		t.Fatalf("expected uploaded object to be removed, %d left", len(objects.objects))
	}
}
