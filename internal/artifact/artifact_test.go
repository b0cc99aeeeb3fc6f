package artifact_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/reelmix/internal/artifact"
	"github.com/MrWong99/reelmix/internal/capture"
	"github.com/MrWong99/reelmix/pkg/encoding"
)

func testArtifact(mimeType encoding.Descriptor) capture.Artifact {
	return capture.Artifact{
		SessionID: "sess-1",
		Data:      []byte("recorded bytes"),
		MIMEType:  mimeType,
		Chunks:    2,
	}
}

func TestExtension(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    encoding.Descriptor
		want string
	}{
		{`video/x-matroska;codecs="mjpeg,opus"`, ".mkv"},
		{`video/mp4;codecs="mjpeg,lpcm"`, ".mp4"},
		{`video/webm;codecs="vp9,opus"`, ".webm"},
		{"application/x-unknown-thing", ".bin"},
	}
	for _, tt := range tests {
		if got := artifact.Extension(tt.d); got != tt.want {
			t.Errorf("Extension(%q) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFileName(t *testing.T) {
	t.Parallel()
	a := testArtifact(`video/mp4;codecs="mjpeg,lpcm"`)
	tests := []struct {
		name string
		want string
	}{
		{"meeting", "meeting.mp4"},
		{"meeting.mp4", "meeting.mp4"},
		{"../../etc/passwd", "passwd.mp4"},
		{"", "sess-1.mp4"},
	}
	for _, tt := range tests {
		if got := artifact.FileName(a, tt.name); got != tt.want {
			t.Errorf("FileName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestSaveLocal(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "nested", "out")
	a := testArtifact(`video/x-matroska;codecs="mjpeg,opus"`)

	path, err := artifact.SaveLocal(a, dir, "standup")
	if err != nil {
		t.Fatalf("SaveLocal: %v", err)
	}
	if filepath.Base(path) != "standup.mkv" {
		t.Errorf("path = %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(a.Data) {
		t.Errorf("file content = %q", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, temp file left behind", len(entries))
	}
}

func TestSaveLocal_Overwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := testArtifact(`video/mp4;codecs="mjpeg,lpcm"`)
	if _, err := artifact.SaveLocal(a, dir, "x"); err != nil {
		t.Fatal(err)
	}
	a.Data = []byte("second")
	path, err := artifact.SaveLocal(a, dir, "x")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "second" {
		t.Errorf("content = %q, want second", data)
	}
}

func TestSaveLocal_Empty(t *testing.T) {
	t.Parallel()
	a := testArtifact(`video/mp4`)
	a.Data = nil
	if _, err := artifact.SaveLocal(a, t.TempDir(), "x"); err == nil {
		t.Error("empty artifact saved")
	}
}

func TestUploader_Success(t *testing.T) {
	t.Parallel()
	type received struct {
		sessionID, filename, contentType, auth string
		body                                   []byte
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("recording")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		body, _ := io.ReadAll(f)
		got <- received{
			sessionID:   r.FormValue("session_id"),
			filename:    hdr.Filename,
			contentType: hdr.Header.Get("Content-Type"),
			auth:        r.Header.Get("Authorization"),
			body:        body,
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	up, err := artifact.NewUploader(srv.URL,
		artifact.WithFieldName("recording"),
		artifact.WithHeaders(map[string]string{"Authorization": "Bearer token"}),
	)
	if err != nil {
		t.Fatal(err)
	}
	a := testArtifact(`video/mp4;codecs="mjpeg,lpcm"`)
	if err := up.Upload(context.Background(), a, "sess-42"); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	r := <-got
	if r.sessionID != "sess-42" {
		t.Errorf("session_id = %q", r.sessionID)
	}
	if r.filename != "sess-42.mp4" {
		t.Errorf("filename = %q", r.filename)
	}
	if r.contentType != string(a.MIMEType) {
		t.Errorf("part content type = %q", r.contentType)
	}
	if r.auth != "Bearer token" {
		t.Errorf("Authorization = %q", r.auth)
	}
	if string(r.body) != string(a.Data) {
		t.Errorf("body = %q", r.body)
	}
}

func TestUploader_RejectedVerbatim(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusRequestEntityTooLarge)
	}))
	t.Cleanup(srv.Close)

	up, err := artifact.NewUploader(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	err = up.Upload(context.Background(), testArtifact("video/mp4"), "s")
	var uerr *artifact.UploadError
	if !errors.As(err, &uerr) {
		t.Fatalf("err = %v, want *UploadError", err)
	}
	if uerr.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("StatusCode = %d", uerr.StatusCode)
	}
	if string(uerr.Body) != "quota exceeded\n" {
		t.Errorf("Body = %q", uerr.Body)
	}
}

func TestUploader_TransportFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	up, err := artifact.NewUploader(endpoint)
	if err != nil {
		t.Fatal(err)
	}
	err = up.Upload(context.Background(), testArtifact("video/mp4"), "s")
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		t.Fatalf("err = %v, want wrapped *url.Error", err)
	}
}

func TestUploader_ContextCanceled(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	up, err := artifact.NewUploader(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := up.Upload(ctx, testArtifact("video/mp4"), "s"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNewUploader_RejectsBadEndpoint(t *testing.T) {
	t.Parallel()
	for _, ep := range []string{"", "ftp://example.com/x", "::"} {
		if _, err := artifact.NewUploader(ep); err == nil {
			t.Errorf("NewUploader(%q) accepted", ep)
		}
	}
}

// countingServer answers every request with status and counts the hits.
func countingServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestUploader_NeverRetries(t *testing.T) {
	t.Parallel()
	srv, hits := countingServer(t, http.StatusServiceUnavailable)

	up, err := artifact.NewUploader(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	err = up.Upload(context.Background(), testArtifact("video/mp4"), "s")
	var uerr *artifact.UploadError
	if !errors.As(err, &uerr) || uerr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want 503 UploadError", err)
	}
	if hits.Load() != 1 {
		t.Errorf("endpoint hit %d times, want exactly 1", hits.Load())
	}
}
