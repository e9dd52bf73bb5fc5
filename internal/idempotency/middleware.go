package idempotency

import (
	"bytes"
	"net/http"
)

// Middleware replays completed decisions for retried requests. A client that
// resends a request with the Idempotency-Key it used before gets the original
// response back, marked Idempotency-Replay: true, without the handler running
// again: same decision_id, and no second spend booking.
//
// Only successful responses are kept. An error response means no decision was
// finalized, so a retry with the same key goes through to the handler.
// Requests without the header pass through untouched.
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if e, ok := cache.Get(key); ok {
				replay(w, e)
				return
			}

			cw := &decisionCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(cw, r)

			if cw.status < 200 || cw.status >= 300 {
				return
			}
			headers := map[string]string{}
			if ct := cw.Header().Get("Content-Type"); ct != "" {
				headers["Content-Type"] = ct
			}
			cache.Set(key, cw.body.Bytes(), cw.status, headers)
		})
	}
}

func replay(w http.ResponseWriter, e *Entry) {
	for k, v := range e.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Idempotency-Replay", "true")
	w.WriteHeader(e.StatusCode)
	_, _ = w.Write(e.Response)
}

// decisionCapture tees the response body into a buffer so a finished decision
// can be replayed later. Only the first WriteHeader counts, matching net/http.
type decisionCapture struct {
	http.ResponseWriter
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func (c *decisionCapture) WriteHeader(code int) {
	if !c.wroteHeader {
		c.status = code
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *decisionCapture) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}
