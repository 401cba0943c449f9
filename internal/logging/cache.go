package logging

import (
	"encoding/json"
	"sync"
)

// DefaultCacheSize is the number of records the global cache keeps.
const DefaultCacheSize = 100

// Cache is an io.Writer that keeps the most recent log records in a ring.
type Cache struct {
	mu      sync.Mutex
	records [][]byte
	next    int
	full    bool
}

// NewCache creates a cache holding up to size records.
func NewCache(size int) *Cache {
	if size < 1 {
		size = 1
	}
	return &Cache{records: make([][]byte, size)}
}

// Write stores one record. zerolog hands over exactly one record per call.
func (c *Cache) Write(p []byte) (int, error) {
	record := make([]byte, len(p))
	copy(record, p)

	c.mu.Lock()
	c.records[c.next] = record
	c.next = (c.next + 1) % len(c.records)
	if c.next == 0 {
		c.full = true
	}
	c.mu.Unlock()
	return len(p), nil
}

// Len returns the number of records held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return len(c.records)
	}
	return c.next
}

// Content returns up to n of the newest records, oldest first. Records that
// are not JSON objects are returned under the "message" key.
func (c *Cache) Content(n int) []map[string]any {
	c.mu.Lock()
	size := c.next
	if c.full {
		size = len(c.records)
	}
	if n > size {
		n = size
	}
	if n < 0 {
		n = 0
	}
	raw := make([][]byte, 0, n)
	for i := n; i > 0; i-- {
		idx := (c.next - i + len(c.records)) % len(c.records)
		raw = append(raw, c.records[idx])
	}
	c.mu.Unlock()

	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		entry := map[string]any{}
		if err := json.Unmarshal(r, &entry); err != nil {
			entry = map[string]any{"message": string(r)}
		}
		out = append(out, entry)
	}
	return out
}
