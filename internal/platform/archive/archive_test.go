package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// fakeS3 serves path-style Put/Get/Delete against an in-memory map.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	switch req.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		f.objects[key] = body
		return response(http.StatusOK, nil), nil
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			return response(http.StatusNotFound, []byte(`<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)), nil
		}
		return response(http.StatusOK, data), nil
	case http.MethodDelete:
		delete(f.objects, key)
		return response(http.StatusNoContent, nil), nil
	}
	return response(http.StatusMethodNotAllowed, nil), nil
}

func response(status int, body []byte) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Header:     http.Header{"Content-Type": {"application/xml"}},
	}
}

func newTestS3Store(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string][]byte)}
	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
		config.WithHTTPClient(&http.Client{Transport: fake}),
		config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	)
	if err != nil {
		t.Fatalf("load aws config: %v", err)
	}
	store, err := NewS3Store(awsCfg, S3Config{Bucket: "intake-test", Endpoint: "https://mock.s3.local", PathStyle: true})
	if err != nil {
		t.Fatalf("NewS3Store() error: %v", err)
	}
	return store, fake
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	key := SourceKey("abc-123")

	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before put, got %v", err)
	}
	if err := s.Put(ctx, key, []byte("Patient Name: Jane Doe")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(got) != "Patient Name: Jane Doe" {
		t.Errorf("unexpected content %q", got)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_CopiesPayload(t *testing.T) {
	s := NewMemoryStore()
	data := []byte("original")
	s.Put(context.Background(), "k", data)
	data[0] = 'X'

	got, _ := s.Get(context.Background(), "k")
	if string(got) != "original" {
		t.Errorf("stored payload aliased caller slice: %q", got)
	}
}

func TestS3Store(t *testing.T) {
	store, fake := newTestS3Store(t)
	exerciseStore(t, store)
	if len(fake.objects) != 0 {
		t.Errorf("expected bucket empty after delete, got %d objects", len(fake.objects))
	}
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	if _, err := NewS3Store(awsConfigForTest(t), S3Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func awsConfigForTest(t *testing.T) aws.Config {
	t.Helper()
	c, err := config.LoadDefaultConfig(context.Background(), config.WithRegion("us-east-1"))
	if err != nil {
		t.Fatalf("load aws config: %v", err)
	}
	return c
}

func TestSourceKey(t *testing.T) {
	if got := SourceKey("u1"); got != "documents/u1/source.txt" {
		t.Errorf("SourceKey() = %q", got)
	}
}
