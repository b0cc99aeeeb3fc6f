package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/reelmix/internal/capture"
	"github.com/MrWong99/reelmix/internal/observe"
)

// maxErrorBody caps how much of a failed response is kept in [UploadError].
const maxErrorBody = 64 << 10

// UploadError is returned when the endpoint answers with a non-2xx status.
// The response is reported as received.
type UploadError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *UploadError) Error() string {
	if len(e.Body) == 0 {
		return "artifact: upload rejected: " + e.Status
	}
	return fmt.Sprintf("artifact: upload rejected: %s: %s", e.Status, bytes.TrimSpace(e.Body))
}

// UploaderOption configures an [Uploader].
type UploaderOption func(*Uploader)

// WithHTTPClient sets the client used for uploads.
func WithHTTPClient(c *http.Client) UploaderOption {
	return func(u *Uploader) { u.client = c }
}

// WithFieldName sets the multipart field carrying the file. Default "file".
func WithFieldName(name string) UploaderOption {
	return func(u *Uploader) {
		if name != "" {
			u.fieldName = name
		}
	}
}

// WithHeaders adds static request headers, e.g. authorization.
func WithHeaders(h map[string]string) UploaderOption {
	return func(u *Uploader) {
		for k, v := range h {
			u.headers.Set(k, v)
		}
	}
}

// WithTimeout bounds each upload. Zero means no timeout beyond ctx.
func WithTimeout(d time.Duration) UploaderOption {
	return func(u *Uploader) { u.timeout = d }
}

// WithUploadLogger sets the logger.
func WithUploadLogger(l *slog.Logger) UploaderOption {
	return func(u *Uploader) { u.logger = l }
}

// WithUploadMetrics sets the metric instruments.
func WithUploadMetrics(m *observe.Metrics) UploaderOption {
	return func(u *Uploader) { u.metrics = m }
}

// Uploader sends artifacts to one endpoint as a single multipart/form-data
// POST with a session_id field and the file part. It never retries; retry
// and failover policy belongs to the caller.
type Uploader struct {
	endpoint  string
	fieldName string
	headers   http.Header
	timeout   time.Duration
	client    *http.Client
	logger    *slog.Logger
	metrics   *observe.Metrics
}

// NewUploader validates endpoint and returns an uploader for it.
func NewUploader(endpoint string, opts ...UploaderOption) (*Uploader, error) {
	up := &Uploader{
		endpoint:  endpoint,
		fieldName: "file",
		headers:   make(http.Header),
		client:    http.DefaultClient,
	}
	for _, o := range opts {
		o(up)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("artifact: parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("artifact: endpoint %q must be http or https", endpoint)
	}
	if up.logger == nil {
		up.logger = slog.Default()
	}
	up.logger = up.logger.With("component", "uploader")
	return up, nil
}

// Endpoint returns the destination URL.
func (u *Uploader) Endpoint() string { return u.endpoint }

// Upload sends a under sessionID. Non-2xx responses yield *[UploadError];
// transport failures are returned wrapped so errors.Is and errors.As see
// the original cause.
func (u *Uploader) Upload(ctx context.Context, a capture.Artifact, sessionID string) error {
	if len(a.Data) == 0 {
		return errors.New("artifact: nothing to upload")
	}
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}
	ctx = observe.WithSessionID(ctx, sessionID)
	ctx, span := observe.StartSpan(ctx, "artifact.upload",
		attribute.Int("artifact.bytes", a.Size()),
		attribute.String("upload.endpoint", u.endpoint),
	)

	log := observe.Logger(ctx).With("component", "uploader")
	start := time.Now()
	status, err := u.send(ctx, a, sessionID)
	took := time.Since(start)
	u.metrics.RecordUpload(ctx, status, took)
	observe.EndSpan(span, err)

	if err != nil {
		log.Warn("upload failed", "endpoint", u.endpoint, "err", err, "duration", took)
		return err
	}
	log.Info("upload complete", "endpoint", u.endpoint, "bytes", a.Size(), "duration", took)
	return nil
}

// send performs the request and returns a metric status label.
func (u *Uploader) send(ctx context.Context, a capture.Artifact, sessionID string) (string, error) {
	body, contentType, size, err := u.body(a, sessionID)
	if err != nil {
		return "error", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, body)
	if err != nil {
		return "error", fmt.Errorf("artifact: build request: %w", err)
	}
	req.ContentLength = size
	for k, vs := range u.headers {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return "error", fmt.Errorf("artifact: upload to %s: %w", u.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return strconv.Itoa(resp.StatusCode), &UploadError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       data,
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return "ok", nil
}

// body frames the artifact between the multipart preamble and the closing
// boundary without copying its bytes.
func (u *Uploader) body(a capture.Artifact, sessionID string) (io.Reader, string, int64, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("session_id", sessionID); err != nil {
		return nil, "", 0, err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     u.fieldName,
		"filename": FileName(a, sessionID),
	}))
	h.Set("Content-Type", string(a.MIMEType))
	if _, err := mw.CreatePart(h); err != nil {
		return nil, "", 0, err
	}
	head := bytes.Clone(buf.Bytes())
	if err := mw.Close(); err != nil {
		return nil, "", 0, err
	}
	tail := buf.Bytes()[len(head):]

	size := int64(len(head) + len(a.Data) + len(tail))
	r := io.MultiReader(bytes.NewReader(head), bytes.NewReader(a.Data), bytes.NewReader(tail))
	return r, mw.FormDataContentType(), size, nil
}
