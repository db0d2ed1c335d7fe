// Package upload sends attachments to the file-storage endpoint and turns
// its response into a reference that can be carried as message content.
// Failures are classified and returned; nothing is retried.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/whisper/chatsync/internal/metrics"
)

const (
	// MaxFileSize is the largest accepted attachment (10 MiB).
	MaxFileSize = 10 << 20

	// UploadPath is the upload endpoint relative to the API base URL.
	UploadPath = "/api/upload"

	// FormField is the multipart field carrying the file.
	FormField = "file"

	maxResponseBytes = 64 << 10
)

// referenceFields lists the response fields that may carry the reference,
// in lookup order.
var referenceFields = []string{"fileUrl", "url", "filePath", "filename", "file"}

// Config holds uploader settings.
type Config struct {
	BaseURL     string        // http://localhost:5000
	Timeout     time.Duration // whole-request timeout
	MaxFileSize int64         // local size ceiling
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:5000",
		Timeout:     60 * time.Second,
		MaxFileSize: MaxFileSize,
	}
}

// File is one attachment to upload.
type File struct {
	Name string
	Size int64
	Body io.Reader
}

// Uploader posts files to the upload endpoint. It is safe for concurrent use.
type Uploader struct {
	config Config
	client *http.Client
}

// New creates an Uploader. A nil httpClient uses one with the configured
// timeout.
func New(config Config, httpClient *http.Client) *Uploader {
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = MaxFileSize
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Uploader{config: config, client: httpClient}
}

// UploadPath opens and uploads the file at path.
func (u *Uploader) UploadPath(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("upload: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("upload: stat %s: %w", path, err)
	}
	return u.Upload(ctx, File{Name: filepath.Base(path), Size: info.Size(), Body: f})
}

// Upload validates file, posts it, and returns the reference from the
// response. Every failure is an *Error.
func (u *Uploader) Upload(ctx context.Context, file File) (string, error) {
	start := time.Now()
	ref, err := u.upload(ctx, file)

	var uerr *Error
	if errors.As(err, &uerr) {
		metrics.Uploads.WithLabelValues(string(uerr.Reason)).Inc()
		log.Printf("[upload] %s failed: %v", file.Name, err)
		return "", err
	}
	metrics.Uploads.WithLabelValues("ok").Inc()
	metrics.UploadLatency.Observe(time.Since(start).Seconds())
	return ref, nil
}

func (u *Uploader) upload(ctx context.Context, file File) (string, error) {
	if file.Size > u.config.MaxFileSize {
		return "", &Error{Reason: ReasonTooLarge}
	}

	// Read at most one byte past the ceiling so an understated Size is still
	// caught before anything is sent.
	data, err := io.ReadAll(io.LimitReader(file.Body, u.config.MaxFileSize+1))
	if err != nil {
		return "", &Error{Reason: ReasonFailed, Err: err}
	}
	if int64(len(data)) > u.config.MaxFileSize {
		return "", &Error{Reason: ReasonTooLarge}
	}

	body, contentType, err := encodeForm(file.Name, data)
	if err != nil {
		return "", &Error{Reason: ReasonFailed, Err: err}
	}

	url := strings.TrimRight(u.config.BaseURL, "/") + UploadPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", &Error{Reason: ReasonFailed, Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return "", &Error{Reason: ReasonNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &Error{Reason: reasonForStatus(resp.StatusCode), Status: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &Error{Reason: ReasonNetwork, Status: resp.StatusCode, Err: err}
	}

	ref, err := ParseReference(raw)
	if err != nil {
		return "", &Error{Reason: ReasonMalformedResponse, Status: resp.StatusCode, Err: err}
	}
	return ref, nil
}

func encodeForm(name string, data []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FormField, name))
	h.Set("Content-Type", http.DetectContentType(data))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// ParseReference extracts the attachment reference from an upload response.
// The body may be a JSON object carrying one of the known reference fields or
// a bare JSON string. A bare filename maps to /uploads/<filename>. Relative
// references are rooted with a leading slash.
func ParseReference(body []byte) (string, error) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	var ref string
	switch t := v.(type) {
	case string:
		ref = t
	case map[string]interface{}:
		for _, field := range referenceFields {
			s, ok := t[field].(string)
			if !ok || s == "" {
				continue
			}
			if field == "filename" {
				s = "/uploads/" + s
			}
			ref = s
			break
		}
	}

	if ref == "" {
		return "", errors.New("response carries no file reference")
	}
	if !strings.HasPrefix(ref, "/") && !strings.HasPrefix(ref, "http") {
		ref = "/" + ref
	}
	return ref, nil
}
