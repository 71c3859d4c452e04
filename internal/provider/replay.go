package provider

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/antinomyhq/forge-sub003/internal/config"
	"github.com/antinomyhq/forge-sub003/internal/logging"
)

// Transport is an http.RoundTripper that records or replays provider traffic.
//
// The cache key is a content hash of (method, URL, normalized body), so the
// same logical request always maps to the same entry regardless of header
// noise or JSON key ordering. In replay mode nothing touches the network; a
// request with no recorded entry fails with CacheMissError.
type Transport struct {
	mode   config.ProviderMode
	dir    string
	update bool
	base   http.RoundTripper
}

// NewTransport builds a transport for the given mode. base may be nil, in
// which case http.DefaultTransport carries live traffic.
func NewTransport(mode config.ProviderMode, cacheDir string, update bool, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{mode: mode, dir: cacheDir, update: update, base: base}
}

// cacheEntry is the on-disk record for one request/response pair. The request
// fields are stored for human inspection only; the key already covers them.
type cacheEntry struct {
	Method       string          `json:"method"`
	URL          string          `json:"url"`
	RequestBody  json.RawMessage `json:"request_body,omitempty"`
	Status       int             `json:"status"`
	Header       http.Header     `json:"header,omitempty"`
	ResponseBody string          `json:"response_body"`
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.mode == config.ModeLive {
		return t.base.RoundTrip(req)
	}

	body, err := readRequestBody(req)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	key := CacheKey(req.Method, req.URL.String(), body)

	if t.mode == config.ModeReplay {
		entry, err := t.load(key)
		if err != nil {
			logging.Replay("miss: %s %s key=%s", req.Method, req.URL, key)
			return nil, &CacheMissError{Key: key, URL: req.URL.String()}
		}
		logging.Replay("hit: %s %s key=%s status=%d", req.Method, req.URL, key, entry.Status)
		return entry.response(req), nil
	}

	// Record mode. Serve existing entries unless updating; otherwise hit the
	// network and persist what comes back.
	if !t.update {
		if entry, err := t.load(key); err == nil {
			logging.Replay("record reuse: %s %s key=%s", req.Method, req.URL, key)
			return entry.response(req), nil
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	entry := cacheEntry{
		Method:       req.Method,
		URL:          req.URL.String(),
		RequestBody:  normalizeJSON(body),
		Status:       resp.StatusCode,
		Header:       resp.Header.Clone(),
		ResponseBody: string(respBody),
	}
	if err := t.store(key, entry); err != nil {
		logging.ReplayError("store failed for key %s: %v", key, err)
	} else {
		logging.Replay("recorded: %s %s key=%s status=%d bytes=%d",
			req.Method, req.URL, key, resp.StatusCode, len(respBody))
	}

	resp.Body = io.NopCloser(bytes.NewReader(respBody))
	return resp, nil
}

// CacheKey computes the content hash for a request. JSON bodies are
// normalized to compact form first so formatting differences do not fork the
// cache.
func CacheKey(method, url string, body []byte) string {
	h := sha256.New()
	io.WriteString(h, strings.ToUpper(method))
	h.Write([]byte{0})
	io.WriteString(h, url)
	h.Write([]byte{0})
	h.Write(normalizeJSON(body))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeJSON compacts a JSON body through a round-trip so that key order
// and whitespace are canonical. Non-JSON bodies pass through unchanged.
func normalizeJSON(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return body
	}
	out, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return out
}

func readRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func (t *Transport) path(key string) string {
	return filepath.Join(t.dir, key+".json")
}

func (t *Transport) load(key string) (*cacheEntry, error) {
	data, err := os.ReadFile(t.path(key))
	if err != nil {
		return nil, err
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return &entry, nil
}

// store writes the entry atomically: temp file in the same directory, then
// rename. A crash mid-write never leaves a truncated entry behind.
func (t *Transport) store(key string, entry cacheEntry) error {
	if err := os.MkdirAll(t.dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(t.dir, key+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), t.path(key))
}

func (e *cacheEntry) response(req *http.Request) *http.Response {
	header := e.Header
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header.Clone(),
		Body:          io.NopCloser(strings.NewReader(e.ResponseBody)),
		ContentLength: int64(len(e.ResponseBody)),
		Request:       req,
	}
}
