package cache

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// EntryFromDocument builds an entry for an emitted response that expires
// after ttl. Header and body are copied.
func EntryFromDocument(statusCode int, header http.Header, body []byte, ttl time.Duration) *CacheEntry {
	now := time.Now()
	data := make([]byte, len(body))
	copy(data, body)

	return &CacheEntry{
		Data:       data,
		StatusCode: statusCode,
		Headers:    header.Clone(),
		Expires:    now.Add(ttl),
		CachedAt:   now,
	}
}

// WriteResponse replays the entry to w with a recomputed Content-Length and
// an Age header.
func (e *CacheEntry) WriteResponse(w http.ResponseWriter) error {
	if e == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	for key, values := range e.Headers {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(e.Data)))
	w.Header().Set("Age", strconv.Itoa(int(time.Since(e.CachedAt).Seconds())))

	status := e.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if _, err := w.Write(e.Data); err != nil {
		return fmt.Errorf("write cached body: %w", err)
	}
	return nil
}
