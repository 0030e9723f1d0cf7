package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/golang/snappy"
)

// Entry is the stored representation of one response.
type Entry struct {
	Status   int
	Header   http.Header
	StoredAt time.Time
	Body     []byte
}

// entryMeta is the JSON part of an encoded entry.
type entryMeta struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt int64       `json:"stored_at"`
}

// hop-by-hop and per-connection headers are never stored
var skipHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Set-Cookie", "Content-Length",
}

// NewEntry captures resp with its already read body.
func NewEntry(resp *http.Response, body []byte, now time.Time) *Entry {
	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	for _, h := range skipHeaders {
		header.Del(h)
	}
	return &Entry{
		Status:   resp.StatusCode,
		Header:   header,
		StoredAt: now.UTC(),
		Body:     body,
	}
}

// Response rebuilds an http.Response for req from the entry.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// encode lays out an entry as a 4-byte big-endian meta length, the JSON meta
// and the snappy-compressed body.
func (e *Entry) encode() ([]byte, error) {
	meta, err := json.Marshal(entryMeta{
		Status:   e.Status,
		Header:   e.Header,
		StoredAt: e.StoredAt.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	body := snappy.Encode(nil, e.Body)
	out := make([]byte, 4, 4+len(meta)+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(meta)))
	out = append(out, meta...)
	return append(out, body...), nil
}

func decodeEntry(data []byte) (*Entry, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("entry too short: %d bytes", len(data))
	}
	n := int(binary.BigEndian.Uint32(data))
	if 4+n > len(data) {
		return nil, fmt.Errorf("entry meta length %d exceeds %d bytes", n, len(data)-4)
	}

	var meta entryMeta
	if err := json.Unmarshal(data[4:4+n], &meta); err != nil {
		return nil, fmt.Errorf("corrupt entry meta: %w", err)
	}
	body, err := snappy.Decode(nil, data[4+n:])
	if err != nil {
		return nil, fmt.Errorf("corrupt entry body: %w", err)
	}

	return &Entry{
		Status:   meta.Status,
		Header:   meta.Header,
		StoredAt: time.UnixMilli(meta.StoredAt).UTC(),
		Body:     body,
	}, nil
}
