package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/nlqgate/nlqgate/internal/config"
	"github.com/nlqgate/nlqgate/internal/storage"
)

func TestPutAppliesPrefix(t *testing.T) {
	fake := &fakeBucket{}
	store, err := newStore(fake, "results-bucket", "nlqgate/prod")
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}

	info, err := store.Put(context.Background(), "/results/t1/c1/h1.parquet", bytes.NewBufferString("abc"), 3, storage.ParquetContentType)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if fake.lastBucket != "results-bucket" || fake.lastKey != "nlqgate/prod/results/t1/c1/h1.parquet" {
		t.Fatalf("bucket/key = %q/%q", fake.lastBucket, fake.lastKey)
	}
	if fake.lastContentType != storage.ParquetContentType {
		t.Fatalf("content type = %q", fake.lastContentType)
	}
	if info.Key != "/results/t1/c1/h1.parquet" || info.Size != 3 {
		t.Fatalf("info = %#v", info)
	}
}

func TestPutRejectsPathTraversal(t *testing.T) {
	store, _ := newStore(&fakeBucket{}, "b", "")
	if _, err := store.Put(context.Background(), "../secrets.txt", bytes.NewBufferString("x"), 1, ""); err == nil {
		t.Fatal("expected path traversal validation error")
	}
}

func TestNewStoreRequiresBucket(t *testing.T) {
	if _, err := newStore(&fakeBucket{}, " ", ""); err == nil {
		t.Fatal("expected bucket validation error")
	}
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	fake := &fakeBucket{}
	store, _ := newStore(fake, "b", "")
	if err := store.ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if fake.madeRegion != "us-east-1" {
		t.Fatalf("MakeBucket region = %q", fake.madeRegion)
	}
}

func TestDeleteAndStatMapMissingObjects(t *testing.T) {
	missing := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	store, _ := newStore(&fakeBucket{err: missing}, "b", "")

	if err := store.Delete(context.Background(), "results/gone.parquet"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Stat(context.Background(), "results/gone.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Stat() error = %v, want ErrObjectNotFound", err)
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw      string
		useSSL   bool
		endpoint string
		secure   bool
	}{
		{raw: "https://minio.example.com", endpoint: "minio.example.com", secure: true},
		{raw: "http://localhost:9000", endpoint: "localhost:9000", secure: false},
		{raw: "localhost:9000", useSSL: true, endpoint: "localhost:9000", secure: true},
	}
	for _, tc := range tests {
		endpoint, secure, err := parseEndpoint(tc.raw, tc.useSSL)
		if err != nil {
			t.Fatalf("parseEndpoint(%q) error = %v", tc.raw, err)
		}
		if endpoint != tc.endpoint || secure != tc.secure {
			t.Fatalf("parseEndpoint(%q) = %q/%v", tc.raw, endpoint, secure)
		}
	}
}

func TestNewRequiresEndpoint(t *testing.T) {
	if _, err := New(context.Background(), config.ObjectStoreConfig{Bucket: "b"}); err == nil {
		t.Fatal("expected endpoint validation error")
	}
}

type fakeBucket struct {
	lastBucket      string
	lastKey         string
	lastContentType string
	madeRegion      string
	err             error
}

func (f *fakeBucket) PutObject(_ context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.lastBucket, f.lastKey, f.lastContentType = bucket, key, opts.ContentType
	_, _ = io.Copy(io.Discard, reader)
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size, ETag: "etag-1"}, f.err
}

func (f *fakeBucket) GetObject(context.Context, string, string, minio.GetObjectOptions) (*minio.Object, error) {
	return nil, f.err
}

func (f *fakeBucket) StatObject(_ context.Context, _, key string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return minio.ObjectInfo{Key: key, Size: 10}, f.err
}

func (f *fakeBucket) RemoveObject(context.Context, string, string, minio.RemoveObjectOptions) error {
	return f.err
}

func (f *fakeBucket) BucketExists(context.Context, string) (bool, error) {
	return false, nil
}

func (f *fakeBucket) MakeBucket(_ context.Context, _ string, opts minio.MakeBucketOptions) error {
	f.madeRegion = opts.Region
	return nil
}
