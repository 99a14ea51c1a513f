package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidPayload is returned when the payload is neither a data URI nor a
// raw base64 string with an explicit MIME type. This is the one failure the
// uploader surfaces as a contract violation; everything else is an ordinary
// upload failure.
var ErrInvalidPayload = errors.New("storage: payload is not a data URI and no MIME type was given")

// keyPrefix is the top-level prefix for all uploaded objects.
const keyPrefix = "uploads"

// DefaultURLExpiry is how long presigned retrieval URLs stay valid.
const DefaultURLExpiry = 7 * 24 * time.Hour

// DefaultUploadTimeout bounds a single put+presign round trip so a hung
// connection cannot stall an offload batch forever.
const DefaultUploadTimeout = 30 * time.Second

var dataURIPattern = regexp.MustCompile(`^data:([^;,]+);base64,(.*)$`)

// mimeExtensions maps common MIME types to file extensions. Types not listed
// fall back to the subtype portion of the MIME string, then to "bin".
var mimeExtensions = map[string]string{
	"image/png":                "png",
	"image/jpeg":               "jpg",
	"image/gif":                "gif",
	"image/webp":               "webp",
	"image/svg+xml":            "svg",
	"application/pdf":          "pdf",
	"application/json":         "json",
	"application/zip":          "zip",
	"application/octet-stream": "bin",
	"text/plain":               "txt",
	"text/html":                "html",
	"text/csv":                 "csv",
	"video/mp4":                "mp4",
	"video/webm":               "webm",
	"audio/mpeg":               "mp3",
	"audio/wav":                "wav",
}

// Uploader turns inline base64 payloads into presigned retrieval URLs backed
// by object storage. Each call writes a fresh content-addressed key of the
// form uploads/<uuid>/<filename>.
type Uploader struct {
	store   BlobStore
	expiry  time.Duration
	timeout time.Duration
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithURLExpiry overrides the presigned URL lifetime.
func WithURLExpiry(d time.Duration) UploaderOption {
	return func(u *Uploader) {
		u.expiry = d
	}
}

// WithUploadTimeout overrides the per-upload deadline. Zero disables it.
func WithUploadTimeout(d time.Duration) UploaderOption {
	return func(u *Uploader) {
		u.timeout = d
	}
}

// NewUploader creates an uploader on top of the given store.
func NewUploader(store BlobStore, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		store:   store,
		expiry:  DefaultURLExpiry,
		timeout: DefaultUploadTimeout,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Store uploads one payload and returns its presigned retrieval URL.
//
// The payload is either a data URI (MIME type embedded) or a raw base64
// string, in which case mimeType must be set. The filename is optional: a
// name with a dotted extension is kept as-is, a bare name gets an extension
// derived from the MIME type, and an empty name becomes "file.<ext>".
func (u *Uploader) Store(ctx context.Context, payload, filename, mimeType string) (string, error) {
	if m := dataURIPattern.FindStringSubmatch(payload); m != nil {
		mimeType = m[1]
		payload = m[2]
	} else if mimeType == "" {
		return "", ErrInvalidPayload
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("storage: decode base64: %w", err)
	}

	key := path.Join(keyPrefix, uuid.NewString(), deriveFilename(filename, mimeType))

	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	if err := u.store.Put(ctx, key, bytes.NewReader(raw), int64(len(raw)), mimeType); err != nil {
		return "", err
	}
	return u.store.PresignGet(ctx, key, u.expiry)
}

// deriveFilename resolves the final object filename from an optional
// candidate and the MIME type.
func deriveFilename(candidate, mimeType string) string {
	ext := extensionFor(mimeType)
	if candidate == "" {
		return "file." + ext
	}
	if strings.Contains(path.Base(candidate), ".") {
		return candidate
	}
	return candidate + "." + ext
}

// extensionFor maps a MIME type to a file extension: the static table first,
// then the subtype portion of the MIME string, then "bin".
func extensionFor(mimeType string) string {
	if ext, ok := mimeExtensions[mimeType]; ok {
		return ext
	}
	if i := strings.Index(mimeType, "/"); i >= 0 {
		sub := mimeType[i+1:]
		if j := strings.IndexAny(sub, ";+"); j >= 0 {
			sub = sub[:j]
		}
		sub = strings.TrimSpace(sub)
		if sub != "" {
			return sub
		}
	}
	return "bin"
}
