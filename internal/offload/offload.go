// Package offload shrinks conversational payloads by replacing inline base64
// data (data URIs or raw base64 next to a MIME hint) with presigned object
// storage URLs. It operates on decoded JSON values, never mutates its input,
// and degrades per item: a failed upload leaves that one payload inline while
// the rest of the call proceeds.
package offload

import (
	"context"
	"log"
	"sync"
)

// DefaultBatchSize caps how many uploads run concurrently within one call.
const DefaultBatchSize = 10

// Storer uploads one payload and returns its retrieval URL. Satisfied by
// *storage.Uploader.
type Storer interface {
	Store(ctx context.Context, payload, filename, mimeType string) (string, error)
}

// Offloader runs the three offload entry points against one storage backend.
type Offloader struct {
	store     Storer
	batchSize int
	onFailure func(error)
}

// Option configures an Offloader.
type Option func(*Offloader)

// WithBatchSize overrides the per-batch upload concurrency cap.
func WithBatchSize(n int) Option {
	return func(o *Offloader) {
		o.batchSize = n
	}
}

// WithFailureHandler registers a callback invoked for each absorbed upload
// failure, in addition to the log line.
func WithFailureHandler(h func(error)) Option {
	return func(o *Offloader) {
		o.onFailure = h
	}
}

// New creates an Offloader backed by the given store. A nil store turns
// every entry point into a pass-through.
func New(store Storer, opts ...Option) *Offloader {
	o := &Offloader{store: store, batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// job is one discovered payload: an upload plus the slot write that installs
// the resulting URL. Uploads run concurrently inside a batch; apply runs
// sequentially after the batch so concurrent map writes never happen.
type job struct {
	upload func(ctx context.Context) (string, error)
	apply  func(url string)

	url string
	err error
}

// Messages returns a deep copy of the message list with the inline payloads
// of image and file content parts replaced by retrieval URLs. Image parts are
// checked on their "image" field first, then "data"; file parts on "data".
// The consumed field and any "mimeType" field are removed from rewritten
// parts, with the URL landing in "image" (image parts) or "url" (file parts).
func (o *Offloader) Messages(ctx context.Context, messages []interface{}) []interface{} {
	if o.store == nil {
		return messages
	}
	clone, ok := deepClone(messages).([]interface{})
	if !ok {
		return messages
	}

	var jobs []*job
	for _, m := range clone {
		msg, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		parts, ok := msg["content"].([]interface{})
		if !ok {
			continue
		}
		for _, p := range parts {
			part, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			if j := o.messagePartJob(part); j != nil {
				jobs = append(jobs, j)
			}
		}
	}

	o.run(ctx, jobs)
	return clone
}

// messagePartJob builds the upload job for one content part, or nil when the
// part carries nothing uploadable.
func (o *Offloader) messagePartJob(part map[string]interface{}) *job {
	kind, _ := part["type"].(string)

	var field string
	switch kind {
	case "image":
		if isUploadableField(part, "image") {
			field = "image"
		} else if isUploadableField(part, "data") {
			field = "data"
		}
	case "file":
		if isUploadableField(part, "data") {
			field = "data"
		}
	}
	if field == "" {
		return nil
	}

	payload := part[field].(string)
	mimeType, _ := part["mimeType"].(string)
	filename, _ := part["filename"].(string)

	target := "url"
	if kind == "image" {
		target = "image"
	}

	return &job{
		upload: func(ctx context.Context) (string, error) {
			return o.store.Store(ctx, payload, filename, mimeType)
		},
		apply: func(url string) {
			delete(part, field)
			delete(part, "mimeType")
			part[target] = url
		},
	}
}

// ToolArguments returns a deep copy of a tool call's arguments with every
// embedded base64 payload replaced by a retrieval URL. A top-level "filename"
// string, if present, names the uploaded objects.
func (o *Offloader) ToolArguments(ctx context.Context, toolName string, args map[string]interface{}) map[string]interface{} {
	if o.store == nil {
		return args
	}
	clone, ok := deepClone(args).(map[string]interface{})
	if !ok {
		return args
	}

	wc := walkContext{}
	if name, ok := clone["filename"].(string); ok {
		wc.filename = name
	}

	var jobs []*job
	o.walk(clone, wc, &jobs)
	o.run(ctx, jobs)
	return clone
}

// ToolResult returns a deep copy of a tool call's result with inline payloads
// replaced. Results carrying a "content" part list get the part-aware
// treatment (image parts default to image/jpeg, file parts to
// application/octet-stream, "data" becomes "url"); anything else goes through
// the same generic walk as tool arguments, with fallbackName as the upload
// filename.
func (o *Offloader) ToolResult(ctx context.Context, result interface{}, fallbackName string) interface{} {
	if o.store == nil {
		return result
	}
	clone := deepClone(result)

	var jobs []*job
	if res, ok := clone.(map[string]interface{}); ok {
		if parts, ok := res["content"].([]interface{}); ok {
			for _, p := range parts {
				part, ok := p.(map[string]interface{})
				if !ok {
					continue
				}
				if j := o.resultPartJob(part, fallbackName); j != nil {
					jobs = append(jobs, j)
				}
			}
			o.run(ctx, jobs)
			return clone
		}
	}

	o.walk(clone, walkContext{filename: fallbackName}, &jobs)
	o.run(ctx, jobs)
	return clone
}

// resultPartJob builds the upload job for one tool-result content part.
func (o *Offloader) resultPartJob(part map[string]interface{}, fallbackName string) *job {
	kind, _ := part["type"].(string)
	if kind != "image" && kind != "file" {
		return nil
	}
	payload, ok := part["data"].(string)
	if !ok {
		return nil
	}

	mimeType, _ := part["mimeType"].(string)
	if mimeType == "" {
		if kind == "image" {
			mimeType = "image/jpeg"
		} else {
			mimeType = "application/octet-stream"
		}
	}

	if !isDataURI(payload) && !looksLikeBase64(payload) {
		return nil
	}

	return &job{
		upload: func(ctx context.Context) (string, error) {
			return o.store.Store(ctx, payload, fallbackName, mimeType)
		},
		apply: func(url string) {
			delete(part, "data")
			part["url"] = url
		},
	}
}

// run executes jobs in sequential batches of at most batchSize, awaiting each
// batch in full before starting the next. Individual failures are logged and
// skipped; the original inline payload stays in place for those slots.
func (o *Offloader) run(ctx context.Context, jobs []*job) {
	size := o.batchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	for start := 0; start < len(jobs); start += size {
		end := min(start+size, len(jobs))
		batch := jobs[start:end]

		var wg sync.WaitGroup
		for _, j := range batch {
			wg.Add(1)
			go func(j *job) {
				defer wg.Done()
				j.url, j.err = j.upload(ctx)
			}(j)
		}
		wg.Wait()

		for _, j := range batch {
			if j.err != nil {
				log.Printf("offload: upload failed, keeping inline payload: %v", j.err)
				if o.onFailure != nil {
					o.onFailure(j.err)
				}
				continue
			}
			j.apply(j.url)
		}
	}
}
