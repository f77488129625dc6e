package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/minio/minio-go/v7"

	"github.com/duckmesh/sqlagent/internal/storage"
)

func TestPutPrefixesKeyAndDefaultsContentType(t *testing.T) {
	fake := &fakeBucket{}
	store := newStore("bucket-a", "/sqlagent/prod/", fake)

	info, err := store.Put(context.Background(), "/cache/snapshot.ndjson", bytes.NewBufferString("abc"), 3, storage.PutOptions{})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if fake.putKey != "sqlagent/prod/cache/snapshot.ndjson" {
		t.Fatalf("bucket key = %q", fake.putKey)
	}
	if fake.putContentType != "application/x-ndjson" {
		t.Fatalf("content type = %q", fake.putContentType)
	}
	if info.Key != "cache/snapshot.ndjson" || info.Size != 3 {
		t.Fatalf("info = %+v", info)
	}
}

func TestPutKeepsExplicitContentType(t *testing.T) {
	fake := &fakeBucket{}
	store := newStore("bucket-a", "", fake)
	if _, err := store.Put(context.Background(), "warehouse/sales/orders/p.parquet", strings.NewReader("x"), 1, storage.PutOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if fake.putContentType != "text/plain" {
		t.Fatalf("content type = %q", fake.putContentType)
	}
}

func TestKeysRejectTraversal(t *testing.T) {
	store := newStore("bucket-a", "root", &fakeBucket{})
	ctx := context.Background()
	for _, key := range []string{"", "..", "../secrets.txt", "cache/../../x"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), 1, storage.PutOptions{}); err == nil {
			t.Fatalf("Put(%q) expected error", key)
		}
		if _, err := store.Get(ctx, key); err == nil {
			t.Fatalf("Get(%q) expected error", key)
		}
	}
	if _, err := store.List(ctx, "../x"); err == nil {
		t.Fatal("List() expected invalid prefix error")
	}
}

func TestListStripsRootSkipsMarkersAndSorts(t *testing.T) {
	fake := &fakeBucket{listed: []minio.ObjectInfo{
		{Key: "root/warehouse/sales/orders/b.parquet", Size: 2},
		{Key: "root/warehouse/sales/orders/", Size: 0},
		{Key: "root/warehouse/sales/orders/a.parquet", Size: 1},
	}}
	store := newStore("bucket-a", "root", fake)

	objects, err := store.List(context.Background(), "warehouse/sales/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if fake.listPrefix != "root/warehouse/sales/" {
		t.Fatalf("list prefix = %q", fake.listPrefix)
	}
	want := []storage.ObjectInfo{
		{Key: "warehouse/sales/orders/a.parquet", Size: 1},
		{Key: "warehouse/sales/orders/b.parquet", Size: 2},
	}
	if diff := cmp.Diff(want, objects); diff != "" {
		t.Fatalf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestListSurfacesStreamErrors(t *testing.T) {
	fake := &fakeBucket{listed: []minio.ObjectInfo{{Err: errors.New("boom")}}}
	if _, err := newStore("bucket-a", "", fake).List(context.Background(), ""); err == nil {
		t.Fatal("expected list error")
	}
}

func TestGetMapsMissingObject(t *testing.T) {
	fake := &fakeBucket{getErr: minio.ErrorResponse{Code: "NoSuchKey"}}
	_, err := newStore("bucket-a", "", fake).Get(context.Background(), "cache/snapshot.ndjson")
	if err != storage.ErrObjectNotFound {
		t.Fatalf("Get() error = %v, want ErrObjectNotFound", err)
	}
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	fake := &fakeBucket{}
	if err := newStore("bucket-a", "", fake).ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if fake.madeBucket != "bucket-a" || fake.madeRegion != "us-east-1" {
		t.Fatalf("MakeBucket(%q, %q)", fake.madeBucket, fake.madeRegion)
	}

	existing := &fakeBucket{exists: true}
	if err := newStore("bucket-a", "", existing).ensureBucket(context.Background(), ""); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if existing.madeBucket != "" {
		t.Fatal("MakeBucket called for an existing bucket")
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw        string
		useSSL     bool
		wantHost   string
		wantSecure bool
		wantErr    bool
	}{
		{raw: "localhost:9000", useSSL: false, wantHost: "localhost:9000"},
		{raw: "localhost:9000", useSSL: true, wantHost: "localhost:9000", wantSecure: true},
		{raw: "https://minio.example.com", wantHost: "minio.example.com", wantSecure: true},
		{raw: "http://minio.example.com", useSSL: true, wantHost: "minio.example.com"},
		{raw: "ftp://minio.example.com", wantErr: true},
		{raw: "  ", wantErr: true},
	}
	for _, tt := range tests {
		host, secure, err := parseEndpoint(tt.raw, tt.useSSL)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseEndpoint(%q) expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseEndpoint(%q) error = %v", tt.raw, err)
		}
		if host != tt.wantHost || secure != tt.wantSecure {
			t.Fatalf("parseEndpoint(%q) = %q/%v", tt.raw, host, secure)
		}
	}
}

type fakeBucket struct {
	putKey         string
	putContentType string
	listPrefix     string
	listed         []minio.ObjectInfo
	exists         bool
	madeBucket     string
	madeRegion     string
	getErr         error
}

func (f *fakeBucket) PutObject(_ context.Context, _, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.putKey = key
	f.putContentType = opts.ContentType
	_, _ = io.Copy(io.Discard, reader)
	return minio.UploadInfo{Key: key, Size: size, ETag: "etag-1"}, nil
}

func (f *fakeBucket) GetObject(_ context.Context, _, key string, _ minio.GetObjectOptions) (io.ReadCloser, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return io.NopCloser(strings.NewReader(key)), nil
}

func (f *fakeBucket) ListObjects(_ context.Context, _ string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	f.listPrefix = opts.Prefix
	ch := make(chan minio.ObjectInfo, len(f.listed))
	for _, obj := range f.listed {
		ch <- obj
	}
	close(ch)
	return ch
}

func (f *fakeBucket) BucketExists(context.Context, string) (bool, error) {
	return f.exists, nil
}

func (f *fakeBucket) MakeBucket(_ context.Context, bucket string, opts minio.MakeBucketOptions) error {
	f.madeBucket = bucket
	f.madeRegion = opts.Region
	return nil
}
