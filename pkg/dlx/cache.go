package dlx

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/smoltools/binject/internal/utils"
)

// MetadataName is the metadata document written next to each cached
// binary.
const MetadataName = ".dlx-metadata.json"

// SchemaVersion is the metadata schema version this package writes.
const SchemaVersion = "1.0.0"

// Source records where a cache entry came from.
type Source struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// Extra carries entry details outside the fixed schema.
type Extra struct {
	CompressionAlgorithm string `json:"compression_algorithm"`
}

// UpdateCheck is the optional update bookkeeping block.
type UpdateCheck struct {
	LastCheck        int64  `json:"last_check"`
	LastNotification int64  `json:"last_notification"`
	LatestKnown      string `json:"latest_known"`
}

// Metadata is the on-disk .dlx-metadata.json document.
type Metadata struct {
	Version     string       `json:"version"`
	CacheKey    string       `json:"cache_key"`
	Timestamp   int64        `json:"timestamp"`
	Integrity   string       `json:"integrity"`
	Size        uint64       `json:"size"`
	Source      Source       `json:"source"`
	Extra       Extra        `json:"extra"`
	UpdateCheck *UpdateCheck `json:"update_check,omitempty"`
}

// Cache is a handle on the content-addressed cache rooted at Base. The
// base directory is resolved once by the caller (normally via
// ResolveBaseDir) and passed in; the cache never consults the
// environment itself.
type Cache struct {
	Base       string
	BinaryName string
}

// NewCache returns a cache rooted at base storing binaries under the
// given name inside each entry.
func NewCache(base, binaryName string) *Cache {
	return &Cache{Base: base, BinaryName: binaryName}
}

// EntryDir returns the directory for a cache key.
func (c *Cache) EntryDir(key string) string {
	return filepath.Join(c.Base, key)
}

// BinaryPath returns the canonical path of the cached binary for a key,
// without checking that it exists.
func (c *Cache) BinaryPath(key string) string {
	return filepath.Join(c.EntryDir(key), c.BinaryName)
}

// Lookup resolves a cache key to a validated binary path. A missing
// file, a size mismatch, a symlink in place of the binary, or a missing
// executable bit all report a miss (ok == false), never an error: any
// integrity doubt simply drives re-population.
func (c *Cache) Lookup(key string, expectedSize uint64) (string, bool) {
	path := c.BinaryPath(key)

	fi, err := lstatNoFollow(path)
	if err != nil {
		return "", false
	}
	if !fi.Mode().IsRegular() {
		return "", false
	}
	if uint64(fi.Size()) != expectedSize {
		return "", false
	}
	if !isExecutable(fi) {
		return "", false
	}

	return path, true
}

// Populate writes data as the cached binary for key and records its
// metadata. Both writes go through the atomic writer, so concurrent
// populators of the same key are harmless: they write byte-identical
// content and rename is atomic.
func (c *Cache) Populate(key string, data []byte, meta *Metadata) (string, error) {
	entryDir := c.EntryDir(key)
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache entry dir %s: %w", entryDir, err)
	}

	path := c.BinaryPath(key)
	if err := utils.WriteExecutableAtomic(path, data); err != nil {
		return "", fmt.Errorf("failed to write cached binary: %w", err)
	}

	if meta.Version == "" {
		meta.Version = SchemaVersion
	}
	if meta.CacheKey == "" {
		meta.CacheKey = key
	}
	if meta.Timestamp == 0 {
		meta.Timestamp = time.Now().UnixMilli()
	}
	meta.Size = uint64(len(data))

	doc, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal cache metadata: %w", err)
	}
	doc = append(doc, '\n')

	metaPath := filepath.Join(entryDir, MetadataName)
	if err := utils.WriteFileAtomic(metaPath, doc, 0o644); err != nil {
		return "", fmt.Errorf("failed to write cache metadata: %w", err)
	}

	return path, nil
}

// ReadMetadata loads the metadata document for a key.
func (c *Cache) ReadMetadata(key string) (*Metadata, error) {
	doc, err := os.ReadFile(filepath.Join(c.EntryDir(key), MetadataName))
	if err != nil {
		return nil, fmt.Errorf("failed to read cache metadata for %s: %w", key, err)
	}
	var meta Metadata
	if err := json.Unmarshal(doc, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse cache metadata for %s: %w", key, err)
	}
	return &meta, nil
}

// WriteMetadata rewrites the metadata document for a key, used by the
// update bookkeeping path.
func (c *Cache) WriteMetadata(key string, meta *Metadata) error {
	doc, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache metadata: %w", err)
	}
	doc = append(doc, '\n')
	return utils.WriteFileAtomic(filepath.Join(c.EntryDir(key), MetadataName), doc, 0o644)
}
