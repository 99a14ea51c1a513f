package offload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore is a Storer double that tracks calls and in-flight concurrency.
type countingStore struct {
	mu        sync.Mutex
	calls     []storeCall
	failOn    map[string]error
	delay     time.Duration
	inFlight  atomic.Int32
	maxSeen   atomic.Int32
	urlByCall func(payload string) string
}

type storeCall struct {
	payload  string
	filename string
	mimeType string
}

func (s *countingStore) Store(ctx context.Context, payload, filename, mimeType string) (string, error) {
	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if cur <= seen || s.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	s.calls = append(s.calls, storeCall{payload: payload, filename: filename, mimeType: mimeType})
	s.mu.Unlock()

	if err, ok := s.failOn[payload]; ok {
		return "", err
	}
	if s.urlByCall != nil {
		return s.urlByCall(payload), nil
	}
	return "https://storage.example.com/uploads/" + shortHash(payload), nil
}

func (s *countingStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func shortHash(payload string) string {
	if len(payload) > 8 {
		payload = payload[:8]
	}
	return payload
}

func decodeJSON(t *testing.T, raw string) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestMessagesCleanInputIsUntouched(t *testing.T) {
	store := &countingStore{}
	o := New(store)

	input := decodeJSON(t, `[
		{"role":"user","content":[{"type":"text","text":"hello"}]},
		{"role":"assistant","content":"plain string content"}
	]`).([]interface{})

	out := o.Messages(context.Background(), input)

	assert.Equal(t, input, out, "clean input comes back deep-equal")
	assert.Zero(t, store.callCount(), "no uploads for clean input")
}

func TestMessagesReplacesImagePart(t *testing.T) {
	store := &countingStore{}
	o := New(store)

	input := decodeJSON(t, `[
		{"role":"user","content":[
			{"type":"text","text":"look at this"},
			{"type":"image","image":"data:image/png;base64,iVBORw0KGgo=","mimeType":"image/png"}
		]}
	]`).([]interface{})

	out := o.Messages(context.Background(), input)

	part := out[0].(map[string]interface{})["content"].([]interface{})[1].(map[string]interface{})
	url, ok := part["image"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(url, "https://storage.example.com/"))
	assert.NotContains(t, part, "mimeType")
	assert.NotContains(t, part, "data")

	require.Equal(t, 1, store.callCount())
	assert.Equal(t, "data:image/png;base64,iVBORw0KGgo=", store.calls[0].payload)
}

func TestMessagesReplacesFilePartData(t *testing.T) {
	store := &countingStore{}
	o := New(store)

	input := decodeJSON(t, `[
		{"role":"user","content":[
			{"type":"file","data":"JVBERi0xLjQ=","mimeType":"application/pdf","filename":"report"}
		]}
	]`).([]interface{})

	out := o.Messages(context.Background(), input)

	part := out[0].(map[string]interface{})["content"].([]interface{})[0].(map[string]interface{})
	_, hasURL := part["url"].(string)
	assert.True(t, hasURL)
	assert.NotContains(t, part, "data")
	assert.NotContains(t, part, "mimeType")

	require.Equal(t, 1, store.callCount())
	assert.Equal(t, "application/pdf", store.calls[0].mimeType)
	assert.Equal(t, "report", store.calls[0].filename)
}

func TestMessagesDoesNotMutateInput(t *testing.T) {
	store := &countingStore{}
	o := New(store)

	input := decodeJSON(t, `[
		{"role":"user","content":[
			{"type":"image","image":"data:image/png;base64,iVBORw0KGgo="}
		]}
	]`).([]interface{})
	snapshot := deepClone(input)

	_ = o.Messages(context.Background(), input)

	assert.Equal(t, snapshot, input, "caller's structure must be unchanged")
}

func TestMessagesPartialFailureKeepsOriginal(t *testing.T) {
	store := &countingStore{
		failOn: map[string]error{
			"data:image/png;base64,BBBB": errors.New("storage unavailable"),
		},
	}
	o := New(store)

	input := decodeJSON(t, `[
		{"role":"user","content":[
			{"type":"image","image":"data:image/png;base64,AAAA"},
			{"type":"image","image":"data:image/png;base64,BBBB"},
			{"type":"image","image":"data:image/png;base64,CCCC"}
		]}
	]`).([]interface{})

	out := o.Messages(context.Background(), input)
	parts := out[0].(map[string]interface{})["content"].([]interface{})

	first := parts[0].(map[string]interface{})["image"].(string)
	second := parts[1].(map[string]interface{})["image"].(string)
	third := parts[2].(map[string]interface{})["image"].(string)

	assert.True(t, strings.HasPrefix(first, "https://"), "first item substituted")
	assert.Equal(t, "data:image/png;base64,BBBB", second, "failed item keeps inline payload")
	assert.True(t, strings.HasPrefix(third, "https://"), "third item substituted")
}

func TestBatchingCapsConcurrency(t *testing.T) {
	store := &countingStore{delay: 20 * time.Millisecond}
	o := New(store)

	parts := make([]interface{}, 15)
	for i := range parts {
		parts[i] = map[string]interface{}{
			"type":  "image",
			"image": fmt.Sprintf("data:image/png;base64,QUFB%02d", i),
		}
	}
	input := []interface{}{
		map[string]interface{}{"role": "user", "content": parts},
	}

	_ = o.Messages(context.Background(), input)

	assert.Equal(t, 15, store.callCount())
	assert.LessOrEqual(t, store.maxSeen.Load(), int32(DefaultBatchSize),
		"at most %d uploads in flight at once", DefaultBatchSize)
}

func TestToolArgumentsRecursiveWalk(t *testing.T) {
	store := &countingStore{}
	o := New(store)

	args := decodeJSON(t, `{
		"filename": "capture",
		"nested": {
			"mimeType": "image/png",
			"data": "iVBORw0KGgoAAAANSUhEUg",
			"note": "not base64 because of spaces"
		},
		"inline": "data:application/pdf;base64,JVBERi0xLjQ=",
		"count": 3
	}`).(map[string]interface{})

	out := o.ToolArguments(context.Background(), "browser_screenshot", args)

	nested := out["nested"].(map[string]interface{})
	assert.True(t, strings.HasPrefix(nested["data"].(string), "https://"), "raw base64 with sibling mimeType is offloaded")
	assert.Equal(t, "not base64 because of spaces", nested["note"])
	assert.True(t, strings.HasPrefix(out["inline"].(string), "https://"), "data URI anywhere is offloaded")
	assert.Equal(t, float64(3), out["count"])

	require.Equal(t, 2, store.callCount())
	for _, call := range store.calls {
		assert.Equal(t, "capture", call.filename, "filename field names the uploads")
	}
}

func TestToolArgumentsRawBase64NeedsMimeSibling(t *testing.T) {
	store := &countingStore{}
	o := New(store)

	args := decodeJSON(t, `{
		"data": "iVBORw0KGgoAAAANSUhEUg",
		"other": "iVBORw0KGgoAAAANSUhEUg"
	}`).(map[string]interface{})

	out := o.ToolArguments(context.Background(), "tool", args)

	assert.Equal(t, args, out)
	assert.Zero(t, store.callCount(), "no mimeType sibling, no hint, no upload")
}

func TestToolResultContentParts(t *testing.T) {
	store := &countingStore{}
	o := New(store)

	result := decodeJSON(t, `{
		"content": [
			{"type":"text","text":"done"},
			{"type":"image","data":"iVBORw0KGgoAAAANSUhEUg"},
			{"type":"file","data":"JVBERi0xLjQ=","mimeType":"application/pdf"}
		]
	}`)

	out := o.ToolResult(context.Background(), result, "screenshot")
	parts := out.(map[string]interface{})["content"].([]interface{})

	text := parts[0].(map[string]interface{})
	assert.Equal(t, "done", text["text"])

	img := parts[1].(map[string]interface{})
	assert.NotContains(t, img, "data")
	assert.True(t, strings.HasPrefix(img["url"].(string), "https://"))

	file := parts[2].(map[string]interface{})
	assert.NotContains(t, file, "data")
	assert.True(t, strings.HasPrefix(file["url"].(string), "https://"))

	require.Equal(t, 2, store.callCount())
	mimes := []string{store.calls[0].mimeType, store.calls[1].mimeType}
	assert.Contains(t, mimes, "image/jpeg", "image parts default to image/jpeg")
	assert.Contains(t, mimes, "application/pdf")
	for _, call := range store.calls {
		assert.Equal(t, "screenshot", call.filename)
	}
}

func TestToolResultFallsBackToGenericWalk(t *testing.T) {
	store := &countingStore{}
	o := New(store)

	result := decodeJSON(t, `{
		"output": "data:image/png;base64,iVBORw0KGgo=",
		"status": "ok"
	}`)

	out := o.ToolResult(context.Background(), result, "page")
	m := out.(map[string]interface{})

	assert.True(t, strings.HasPrefix(m["output"].(string), "https://"))
	assert.Equal(t, "ok", m["status"])
	require.Equal(t, 1, store.callCount())
	assert.Equal(t, "page", store.calls[0].filename)
}

func TestToolResultScalarPassesThrough(t *testing.T) {
	store := &countingStore{}
	o := New(store)

	assert.Equal(t, "just text", o.ToolResult(context.Background(), "just text", "x"))
	assert.Equal(t, float64(42), o.ToolResult(context.Background(), float64(42), "x"))
	assert.Nil(t, o.ToolResult(context.Background(), nil, "x"))
	assert.Zero(t, store.callCount())
}

func TestLooksLikeBase64(t *testing.T) {
	assert.True(t, looksLikeBase64("iVBORw0KGgoAAAANSUhEUg=="))
	assert.True(t, looksLikeBase64(strings.Repeat("A", 200)+" trailing junk ignored"),
		"only the first 100 characters are inspected")
	assert.False(t, looksLikeBase64("hello world"))
	assert.False(t, looksLikeBase64(""))
	assert.False(t, looksLikeBase64("https://example.com/a.png"))
}

func TestNilStoreIsPassThrough(t *testing.T) {
	o := New(nil)

	messages := []interface{}{
		map[string]interface{}{"role": "user", "content": []interface{}{
			map[string]interface{}{"type": "image", "image": "data:image/png;base64,iVBORw0KGgo="},
		}},
	}
	out := o.Messages(context.Background(), messages)
	assert.Equal(t, messages, out)

	args := map[string]interface{}{"data": "data:image/png;base64,iVBORw0KGgo="}
	assert.Equal(t, args, o.ToolArguments(context.Background(), "shot", args))
	assert.Equal(t, args, o.ToolResult(context.Background(), args, "shot"))
}

func TestFailureHandlerSeesAbsorbedErrors(t *testing.T) {
	payload := "data:image/png;base64,iVBORw0KGgo="
	store := &countingStore{failOn: map[string]error{payload: errors.New("bucket gone")}}

	var got []error
	o := New(store, WithFailureHandler(func(err error) {
		got = append(got, err)
	}))

	args := map[string]interface{}{"data": payload}
	out := o.ToolArguments(context.Background(), "shot", args)

	// Payload stays inline and the handler saw the error.
	assert.Equal(t, payload, out["data"])
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Error(), "bucket gone")
}
