package blob

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/brioche-run/brioche-core/pkg/brioche/types"
)

// hotCache is a bounded, process-local read cache fronting the blob store's
// on-disk files, adapted from the teacher's l1cache: an LRU (rather than
// l1cache's hand-rolled FIFO order, since golang-lru already gives us
// proper recency eviction for free) of zstd-compressed blob bytes, sized in
// bytes rather than entry count.
//
// Not part of the spec's contract: blob_path/SaveBlob* still always touch
// the filesystem for correctness (a temp-then-rename protocol exists
// precisely so every reader of the final path sees canonical, fully-written
// bytes). The cache only saves a redundant read of bytes this process
// already had in hand.
type hotCache struct {
	mu        sync.Mutex
	lru       *lru.Cache[types.BlobHash, hotCacheEntry]
	capBytes  int64
	sizeBytes int64
	threshold int

	enc   *zstd.Encoder
	dec   *zstd.Decoder
	encMu sync.Mutex
	decMu sync.Mutex
}

type hotCacheEntry struct {
	data       []byte
	compressed bool
}

type hotCacheConfig struct {
	capacityBytes        int64
	compressionThreshold int
	maxEntries           int
}

// newHotCache builds a cache, or returns a nil *hotCache (every method on
// which is a safe no-op) when capacityBytes <= 0, the "cache disabled"
// configuration.
func newHotCache(cfg hotCacheConfig) (*hotCache, error) {
	if cfg.capacityBytes <= 0 {
		return nil, nil
	}
	maxEntries := cfg.maxEntries
	if maxEntries <= 0 {
		maxEntries = 4096
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	hc := &hotCache{capBytes: cfg.capacityBytes, threshold: cfg.compressionThreshold, enc: enc, dec: dec}
	l, err := lru.NewWithEvict[types.BlobHash, hotCacheEntry](maxEntries, func(_ types.BlobHash, evicted hotCacheEntry) {
		hc.sizeBytes -= int64(len(evicted.data))
	})
	if err != nil {
		return nil, err
	}
	hc.lru = l
	return hc, nil
}

func (c *hotCache) put(hash types.BlobHash, raw []byte) {
	if c == nil {
		return
	}

	store := raw
	compressed := false
	if c.threshold <= 0 || len(raw) >= c.threshold {
		c.encMu.Lock()
		attempt := c.enc.EncodeAll(raw, nil)
		c.encMu.Unlock()
		if len(attempt) < len(raw) {
			store = attempt
			compressed = true
		}
	}
	if int64(len(store)) > c.capBytes {
		return
	}

	cp := make([]byte, len(store))
	copy(cp, store)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.lru.Peek(hash); ok {
		c.sizeBytes -= int64(len(existing.data))
	}

	for c.sizeBytes+int64(len(cp)) > c.capBytes && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}

	c.lru.Add(hash, hotCacheEntry{data: cp, compressed: compressed})
	c.sizeBytes += int64(len(cp))
}

func (c *hotCache) get(hash types.BlobHash) ([]byte, bool) {
	if c == nil {
		return nil, false
	}

	c.mu.Lock()
	entry, ok := c.lru.Get(hash)
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	data := make([]byte, len(entry.data))
	copy(data, entry.data)
	compressed := entry.compressed
	c.mu.Unlock()

	if !compressed {
		return data, true
	}

	c.decMu.Lock()
	decoded, err := c.dec.DecodeAll(data, nil)
	c.decMu.Unlock()
	if err != nil {
		c.mu.Lock()
		if existing, ok := c.lru.Peek(hash); ok {
			c.sizeBytes -= int64(len(existing.data))
		}
		c.lru.Remove(hash)
		c.mu.Unlock()
		return nil, false
	}
	return decoded, true
}
