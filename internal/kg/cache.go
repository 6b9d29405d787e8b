package kg

import (
	"crypto/md5" //nolint:gosec // content-addressing only, not security-sensitive
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// cache is a content-addressed, file-backed map from a query's normalized
// text to its JSON-encoded result. Reads are served from an in-memory copy;
// writes are buffered and flushed to disk under an exclusive file lock so
// concurrent probes never corrupt the on-disk file.
type cache struct {
	mu      sync.Mutex
	path    string
	entries map[string]json.RawMessage
	dirty   int
	flushAt int
}

const flushEvery = 10

func openCache(path string) (*cache, error) {
	c := &cache{
		path:    path,
		entries: map[string]json.RawMessage{},
		flushAt: flushEvery,
	}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	// Corrupt cache files are discarded on read, not repaired.
	_ = json.Unmarshal(data, &c.entries)
	return c, nil
}

func (c *cache) get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *cache) set(key string, value json.RawMessage) {
	c.mu.Lock()
	c.entries[key] = value
	c.dirty++
	shouldFlush := c.dirty >= c.flushAt
	if shouldFlush {
		c.dirty = 0
	}
	c.mu.Unlock()

	if shouldFlush {
		_ = c.flush()
	}
}

// flush persists the in-memory cache to disk, guarded by an exclusive file
// lock so multiple processes sharing a cache path never interleave writes.
func (c *cache) flush() error {
	if c.path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}

	lock := flock.New(c.path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock() //nolint:errcheck

	c.mu.Lock()
	encoded, err := json.Marshal(c.entries)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

var whitespace = regexp.MustCompile(`\s+`)

// cacheKey computes a stable hash of a mode tag plus normalized query text.
// Whitespace is collapsed and VALUES member lists are sorted before hashing,
// so structurally identical queries built with members in a different order
// still hit the cache.
func cacheKey(mode, text string) string {
	normalized := normalizeQueryText(text)
	sum := md5.Sum([]byte(mode + ":" + normalized)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

var valuesClause = regexp.MustCompile(`(?s)VALUES\s+\?\w+\s*\{([^}]*)\}`)

func normalizeQueryText(text string) string {
	collapsed := strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	return valuesClause.ReplaceAllStringFunc(collapsed, func(match string) string {
		groups := valuesClause.FindStringSubmatch(match)
		members := strings.Fields(groups[1])
		sort.Strings(members)
		prefix := match[:strings.Index(match, "{")+1]
		return prefix + " " + strings.Join(members, " ") + " }"
	})
}
