package task

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ResultEncoding is the closed tagged union replacing the source's
// dynamic integer `flag` field. The wire values are kept identical to
// the original encoding for compatibility: 0 inline-fast, 1
// inline-generic, 2 remote-fast, 3 remote-generic.
type ResultEncoding int

const (
	InlineFast ResultEncoding = iota
	InlineGeneric
	RemoteFast
	RemoteGeneric
)

// IsRemote reports whether payload carries a URL rather than inline bytes.
func (e ResultEncoding) IsRemote() bool { return e >= RemoteFast }

// base returns the encoding with its remote bit cleared, i.e. the codec
// to use once remote payload has been fetched.
func (e ResultEncoding) base() ResultEncoding {
	if e.IsRemote() {
		return e - RemoteFast
	}
	return e
}

// LaunchPayload is the minimal task-launch envelope sent to an executor:
// the task's scheduling identity and attempt count. The task body itself
// (dataset, closure, shuffle dependency) is out of scope — it is
// serialized and interpreted by the executor-side runtime this module
// does not implement.
type LaunchPayload struct {
	TaskID  ID
	StageID int
	Tried   int
}

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

func init() {
	// ResultWire.Reason is an EndReason interface value; gob must know
	// the concrete types it may carry.
	gob.Register(Success{})
	gob.Register(FetchFailed{})
	gob.Register(OtherFailure{})
}

// EncodeLaunch serializes and compresses a launch payload, mirroring
// `compress(serialize((task, task.tried)))`.
func EncodeLaunch(p LaunchPayload) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("encode launch payload: %w", err)
	}
	return zstdEncoder.EncodeAll(buf.Bytes(), nil), nil
}

// DecodeLaunch decompresses and deserializes a launch payload.
func DecodeLaunch(data []byte) (LaunchPayload, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return LaunchPayload{}, fmt.Errorf("decompress launch payload: %w", err)
	}
	var p LaunchPayload
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
		return LaunchPayload{}, fmt.Errorf("decode launch payload: %w", err)
	}
	return p, nil
}

// ResultWire is the serialized tuple carried in a status update's `data`
// field: (taskId, reason, result:(flag, payload), accumUpdate).
type ResultWire struct {
	TaskID       ID
	ReasonTag    string // "success" | "fetch_failed" | "other_failure"
	Reason       EndReason
	Encoding     ResultEncoding
	Payload      []byte // inline compressed bytes, or a URL string as bytes when Encoding.IsRemote()
	AccumUpdates map[string]any
}

// EncodeResult compresses raw (already codec-serialized) result bytes
// under the given encoding. Callers choose InlineFast/InlineGeneric based
// on which codec serialized raw. The payload is always the inline
// compressed bytes; a Remote* wire value, whose Payload is a URL, is
// built directly as a ResultWire rather than through this function.
func EncodeResult(taskID ID, reason EndReason, encoding ResultEncoding, raw []byte, accum map[string]any) ResultWire {
	return ResultWire{
		TaskID:       taskID,
		Encoding:     encoding,
		Payload:      zstdEncoder.EncodeAll(raw, nil),
		Reason:       reason,
		AccumUpdates: accum,
	}
}

// Resolve decodes a ResultWire's payload, performing an out-of-band HTTP
// fetch for Remote* encodings before decompressing. Per spec, an I/O
// error on the remote fetch is retried exactly once.
func Resolve(ctx context.Context, w ResultWire, client *http.Client) (decoded []byte, codec ResultEncoding, err error) {
	payload := w.Payload
	if w.Encoding.IsRemote() {
		url := string(w.Payload)
		payload, err = fetchWithOneRetry(ctx, client, url)
		if err != nil {
			return nil, 0, fmt.Errorf("fetch remote result %s: %w", url, err)
		}
	}
	raw, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("decompress result payload: %w", err)
	}
	return raw, w.Encoding.base(), nil
}

func fetchWithOneRetry(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := fetchOnce(ctx, client, url)
	if err == nil {
		return body, nil
	}
	time.Sleep(50 * time.Millisecond)
	return fetchOnce(ctx, client, url)
}

func fetchOnce(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
