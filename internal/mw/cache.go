package mw

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// cacheEntry is a captured 2xx response.
type cacheEntry struct {
	status      int
	contentType string
	body        []byte
	storedAt    time.Time
}

// recordingWriter tees the response body into a buffer.
type recordingWriter struct {
	gin.ResponseWriter
	buf *bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// cacheKey identifies a GET by path and its query parameters in canonical order, so
// ?a=1&b=2 and ?b=2&a=1 share an entry.
func cacheKey(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.Query().Encode()
}

// Cache replays successful GET responses from store for ttl. Replayed responses carry
// X-Cache: HIT and a Cache-Control max-age for the remaining lifetime.
func Cache(store *cache.Cache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := cacheKey(c.Request)
		if v, found := store.Get(key); found {
			entry := v.(cacheEntry)
			remaining := ttl - time.Since(entry.storedAt)
			if remaining < 0 {
				remaining = 0
			}
			c.Header("X-Cache", "HIT")
			c.Header("Cache-Control", fmt.Sprintf("public, max-age=%d", int(remaining.Seconds())))
			c.Data(entry.status, entry.contentType, entry.body)
			c.Abort()
			return
		}

		rw := &recordingWriter{ResponseWriter: c.Writer, buf: &bytes.Buffer{}}
		c.Writer = rw
		c.Next()

		if status := rw.Status(); status >= 200 && status < 300 {
			store.Set(key, cacheEntry{
				status:      status,
				contentType: rw.Header().Get("Content-Type"),
				body:        rw.buf.Bytes(),
				storedAt:    time.Now(),
			}, ttl)
		}
	}
}
