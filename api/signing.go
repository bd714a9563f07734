package api

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"election-ledger/encryption"
)

const (
	CallerHeader    = "X-Caller-Signature"
	TimestampHeader = "X-Caller-Timestamp"

	// SignatureWindow is how far a request timestamp may drift from the
	// server clock.
	SignatureWindow = 5 * time.Minute
)

// SigningPayload is the message a caller signs: method, path, unix
// timestamp and raw body, separated by newlines.
func SigningPayload(method, path string, timestamp int64, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(method)
	buf.WriteByte('\n')
	buf.WriteString(path)
	buf.WriteByte('\n')
	buf.WriteString(strconv.FormatInt(timestamp, 10))
	buf.WriteByte('\n')
	buf.Write(body)
	return buf.Bytes()
}

// SignRequest sets the caller headers on req using privateKey. The body is
// read and restored.
func SignRequest(req *http.Request, cs *encryption.CryptoService, privateKey string, now time.Time) error {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return err
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	ts := now.Unix()
	sig, err := cs.Sign(SigningPayload(req.Method, req.URL.Path, ts, body), privateKey)
	if err != nil {
		return err
	}
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(CallerHeader, sig)
	return nil
}

// replayCache remembers signatures seen inside the window. A signature is
// accepted once.
type replayCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newReplayCache() *replayCache {
	return &replayCache{seen: make(map[string]time.Time)}
}

// add records sig until expires and reports false if it was already there.
func (rc *replayCache) add(sig string, expires, now time.Time) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for k, exp := range rc.seen {
		if now.After(exp) {
			delete(rc.seen, k)
		}
	}
	if _, ok := rc.seen[sig]; ok {
		return false
	}
	rc.seen[sig] = expires
	return true
}
