package offload

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// walkContext is the ambient state threaded through the recursive walk: the
// candidate filename for uploads and the MIME hint that lets raw base64
// strings qualify. Both flow downward only; nothing is written back.
type walkContext struct {
	filename string
	mimeHint string
}

// base64Prefix matches the base64 alphabet over a string prefix. Deliberately
// permissive: short alphanumeric tokens can slip through when a MIME hint is
// in scope, and that is accepted over missing legitimate media.
var base64Prefix = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)

// heuristicWindow is how many leading characters the base64 check inspects.
const heuristicWindow = 100

// isDataURI reports whether s is a base64 data URI.
func isDataURI(s string) bool {
	return strings.HasPrefix(s, "data:") && strings.Contains(s, ";base64,")
}

// looksLikeBase64 reports whether the first heuristicWindow characters of s
// stay inside the base64 alphabet.
func looksLikeBase64(s string) bool {
	if s == "" {
		return false
	}
	window := s
	if len(window) > heuristicWindow {
		window = window[:heuristicWindow]
	}
	return base64Prefix.MatchString(window)
}

// uploadable reports whether a string value should be offloaded given the
// current MIME hint. Data URIs always qualify; raw base64 qualifies only when
// a hint is in scope.
func uploadable(s, mimeHint string) bool {
	if isDataURI(s) {
		return true
	}
	return mimeHint != "" && looksLikeBase64(s)
}

// walk recursively visits a decoded JSON value and appends an upload job for
// every string that qualifies under the current context. The type switch
// covers every shape encoding/json produces; scalars other than strings pass
// through untouched.
//
// The MIME hint only enters scope at a "data" key whose parent object also
// carries a "mimeType" sibling; all other descent drops the hint.
func (o *Offloader) walk(v interface{}, wc walkContext, jobs *[]*job) {
	switch val := v.(type) {
	case map[string]interface{}:
		for key, child := range val {
			childCtx := walkContext{filename: wc.filename}
			if key == "data" {
				if hint, ok := val["mimeType"].(string); ok && hint != "" {
					childCtx.mimeHint = hint
				}
			}
			if s, ok := child.(string); ok {
				if uploadable(s, childCtx.mimeHint) {
					*jobs = append(*jobs, o.stringJob(val, key, s, childCtx))
				}
				continue
			}
			o.walk(child, childCtx, jobs)
		}
	case []interface{}:
		for i, child := range val {
			if s, ok := child.(string); ok {
				if uploadable(s, wc.mimeHint) {
					*jobs = append(*jobs, o.indexJob(val, i, s, wc))
				}
				continue
			}
			o.walk(child, wc, jobs)
		}
	}
}

// stringJob replaces a map entry's base64 payload with its URL.
func (o *Offloader) stringJob(m map[string]interface{}, key, payload string, wc walkContext) *job {
	return &job{
		upload: func(ctx context.Context) (string, error) {
			return o.store.Store(ctx, payload, wc.filename, wc.mimeHint)
		},
		apply: func(url string) {
			m[key] = url
		},
	}
}

// indexJob replaces a slice element's base64 payload with its URL.
func (o *Offloader) indexJob(s []interface{}, i int, payload string, wc walkContext) *job {
	return &job{
		upload: func(ctx context.Context) (string, error) {
			return o.store.Store(ctx, payload, wc.filename, wc.mimeHint)
		},
		apply: func(url string) {
			s[i] = url
		},
	}
}

// isUploadableField reports whether the named part field holds an offloadable
// string: a data URI, or raw base64 with a mimeType sibling on the part.
func isUploadableField(part map[string]interface{}, field string) bool {
	s, ok := part[field].(string)
	if !ok {
		return false
	}
	if isDataURI(s) {
		return true
	}
	hint, _ := part["mimeType"].(string)
	return hint != "" && looksLikeBase64(s)
}

// deepClone copies a decoded JSON value via a marshal round trip so callers'
// object graphs are never mutated. Values that fail to marshal are returned
// as-is; the walk will then find nothing to rewrite in the shapes it visits.
func deepClone(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
