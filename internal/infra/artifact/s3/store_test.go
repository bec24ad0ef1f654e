package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"sheetcore/internal/artifact/core"
)

// fakeS3 is a path-style S3 subset served through an http.RoundTripper.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	pageLen int
}

type fakeObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return f.list(req), nil
	}
	switch req.Method {
	case http.MethodHead:
		obj, ok := f.objects[key]
		if !ok {
			return respond(http.StatusNotFound, nil, nil), nil
		}
		return respond(http.StatusOK, nil, obj.headers()), nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		md := map[string]string{}
		for name, vals := range req.Header {
			if strings.HasPrefix(strings.ToLower(name), "x-amz-meta-") {
				md[strings.TrimPrefix(strings.ToLower(name), "x-amz-meta-")] = vals[0]
			}
		}
		f.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type"), metadata: md}
		return respond(http.StatusOK, nil, http.Header{"Etag": {`"etag"`}}), nil
	case http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			return respond(http.StatusNotFound, []byte(`<Error><Code>NoSuchKey</Code></Error>`), http.Header{"Content-Type": {"application/xml"}}), nil
		}
		return respond(http.StatusOK, obj.body, obj.headers()), nil
	case http.MethodDelete:
		delete(f.objects, key)
		return respond(http.StatusNoContent, nil, nil), nil
	}
	return respond(http.StatusNotImplemented, nil, nil), nil
}

func (o fakeObject) headers() http.Header {
	h := http.Header{
		"Content-Length": {fmt.Sprintf("%d", len(o.body))},
		"Content-Type":   {o.contentType},
		"Etag":           {`"etag123"`},
		"Last-Modified":  {time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat)},
	}
	for k, v := range o.metadata {
		h.Set("X-Amz-Meta-"+k, v)
	}
	return h
}

func (f *fakeS3) list(req *http.Request) *http.Response {
	prefix := req.URL.Query().Get("prefix")
	start := 0
	if tok := req.URL.Query().Get("continuation-token"); tok != "" {
		fmt.Sscanf(tok, "%d", &start)
	}
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	end := len(keys)
	if f.pageLen > 0 && start+f.pageLen < end {
		end = start + f.pageLen
	}
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><ListBucketResult>`)
	if end < len(keys) {
		fmt.Fprintf(&b, "<IsTruncated>true</IsTruncated><NextContinuationToken>%d</NextContinuationToken>", end)
	} else {
		b.WriteString("<IsTruncated>false</IsTruncated>")
	}
	for _, k := range keys[start:end] {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>", k, len(f.objects[k].body))
	}
	b.WriteString("</ListBucketResult>")
	return respond(http.StatusOK, []byte(b.String()), http.Header{"Content-Type": {"application/xml"}})
}

func respond(status int, body []byte, h http.Header) *http.Response {
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body)), Header: h}
}

func newTestStore(t *testing.T, fake *fakeS3) *Store {
	t.Helper()
	store, err := New(context.Background(), Config{
		Region:          "us-east-1",
		Bucket:          "exports",
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
		HTTPClient:      &http.Client{Transport: fake},
	})
	if err != nil {
		t.Fatalf("new s3 store: %v", err)
	}
	return store
}

func TestS3StoreLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string]fakeObject{}, pageLen: 1}
	store := newTestStore(t, fake)
	if store.Driver() != core.DriverS3 || store.Bucket() != "exports" {
		t.Fatalf("unexpected store identity")
	}

	info, err := store.Put(ctx, "exports/alice/a.pdf", strings.NewReader("%PDF-1.3"), core.PutOptions{ContentType: "application/pdf", Metadata: map[string]string{"diagrams": "2"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 8 || info.ContentType != "application/pdf" || info.ETag != "etag123" {
		t.Fatalf("unexpected info %+v", info)
	}
	if got := string(fake.objects["exports/alice/a.pdf"].body); got != "%PDF-1.3" {
		t.Fatalf("unexpected stored body %q", got)
	}
	if _, err := store.Put(ctx, "exports/alice/a.pdf", strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := store.Put(ctx, "exports/alice/b.pdf", strings.NewReader("b"), core.PutOptions{}); err != nil {
		t.Fatalf("put b: %v", err)
	}

	_, rc, err := store.Get(ctx, "exports/alice/a.pdf")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "%PDF-1.3" {
		t.Fatalf("unexpected body %q", body)
	}

	list, err := store.List(ctx, "exports/alice/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "exports/alice/a.pdf" || list[1].Key != "exports/alice/b.pdf" {
		t.Fatalf("expected both pages of results, got %+v", list)
	}

	url, err := store.PresignURL(ctx, "exports/alice/a.pdf", core.SignedURLOptions{Expiry: time.Minute})
	if err != nil || !strings.Contains(url, "X-Amz-Signature") {
		t.Fatalf("presign: %q %v", url, err)
	}
	if _, err := store.PresignURL(ctx, "k", core.SignedURLOptions{Method: "PUT"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected unsupported for PUT, got %v", err)
	}

	ok, err := store.Delete(ctx, "exports/alice/a.pdf")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, err = store.Delete(ctx, "exports/alice/a.pdf")
	if err != nil || ok {
		t.Fatalf("second delete should report false, got %v %v", ok, err)
	}
	if _, err := store.Head(ctx, "exports/alice/a.pdf"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestS3RequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
