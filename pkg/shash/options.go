package shash

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/shash/pkg/fs"
)

// Defaults for constructor-visible configuration.
const (
	// DefaultBucketCount is the fixed bucket array size on first creation.
	DefaultBucketCount = 10_000_000

	// DefaultMaxKeyLen is the term array size when none is configured.
	DefaultMaxKeyLen = 50

	// DefaultTopK is the postings-per-key bound when none is configured.
	DefaultTopK = 10
)

// ManifestName is the geometry manifest written into every store directory.
const ManifestName = "options.hujson"

// LockName is the writer lock file inside a store directory.
const LockName = ".lock"

const manifestVersion = 1

// Options configure opening or creating a hash map or set directory.
//
// BucketCount, MaxKeyLen, TopK and DocSize are fixed at creation time and
// recorded in the directory manifest; on reopen, zero values are filled from
// the manifest and non-zero values must match it.
type Options struct {
	// Dir is the store directory. Required.
	Dir string `json:"dir,omitempty"`

	// ReadOnly disables every mutator and skips the writer lock.
	ReadOnly bool `json:"read_only,omitempty"`

	// BucketCount is the requested bucket array size. The bucket store
	// rounds it up to fill its page-aligned file, and keys hash modulo that
	// rounded capacity. Zero means DefaultBucketCount on creation, or the
	// manifest value on reopen.
	BucketCount uint64 `json:"bucket_count,omitempty"`

	// MaxKeyLen is the term array size; longer keys are rejected.
	MaxKeyLen int `json:"max_key_len,omitempty"`

	// TopK bounds the postings list per key. Map only.
	TopK int `json:"topk,omitempty"`

	// DocSize is the payload record size in bytes. Map only, required on
	// first creation of a map.
	DocSize uint64 `json:"doc_size,omitempty"`

	// LoadRatio triggers slot-store extension when count/capacity reaches
	// it; >= 1.0 disables extension. Zero means the slotstore default.
	// The bucket store ignores this (it never grows).
	LoadRatio float64 `json:"load_ratio,omitempty"`

	// ExtendSize is the number of bytes added per slot-store extension.
	// Zero means the mmfile default.
	ExtendSize uint64 `json:"extend_size,omitempty"`

	// DisableLocking skips the flock on the directory lock file. Meant for
	// tests; with locking off, nothing stops a second writer process.
	DisableLocking bool `json:"disable_locking,omitempty"`
}

// LoadOptions reads an Options document from a hujson (JWCC) file.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read options file: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Options{}, fmt.Errorf("parse %s: %w", path, err)
	}

	var opts Options
	if err := json.Unmarshal(standardized, &opts); err != nil {
		return Options{}, fmt.Errorf("parse %s: %w", path, err)
	}

	return opts, nil
}

// ReadKind reports the kind ("map" or "set") recorded in dir's manifest,
// and whether a manifest exists at all.
func ReadKind(dir string) (string, bool, error) {
	m, found, err := loadManifest(dir)

	return m.Kind, found, err
}

// manifest is the geometry record persisted next to the store files so a
// reopen cannot silently use mismatched record layouts.
type manifest struct {
	Version     int    `json:"version"`
	Kind        string `json:"kind"` // "map" or "set"
	BucketCount uint64 `json:"bucket_count"`
	MaxKeyLen   int    `json:"max_key_len"`
	TopK        int    `json:"topk,omitempty"`
	DocSize     uint64 `json:"doc_size,omitempty"`
}

// loadManifest reads the manifest if one exists.
func loadManifest(dir string) (manifest, bool, error) {
	path := filepath.Join(dir, ManifestName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return manifest{}, false, nil
		}

		return manifest{}, false, fmt.Errorf("read manifest: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return manifest{}, false, fmt.Errorf("parse manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(standardized, &m); err != nil {
		return manifest{}, false, fmt.Errorf("parse manifest: %w", err)
	}

	return m, true, nil
}

// saveManifest writes the manifest atomically.
func saveManifest(dir string, m manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	return fs.WriteFileAtomic(filepath.Join(dir, ManifestName), append(data, '\n'))
}

// reconcile validates opts against the directory state for the given kind
// ("map" or "set"), fills zero-valued geometry from the manifest or the
// defaults, and writes a manifest when creating a new read-write store.
func reconcile(opts *Options, kind string) error {
	if opts.Dir == "" {
		return fmt.Errorf("shash: directory is required")
	}

	m, found, err := loadManifest(opts.Dir)
	if err != nil {
		return err
	}

	if found {
		if m.Kind != kind {
			return fmt.Errorf("directory holds a %s, not a %s: %w", m.Kind, kind, ErrIncompatible)
		}

		if err := mergeGeometry(opts, m); err != nil {
			return err
		}

		return nil
	}

	if opts.BucketCount == 0 {
		opts.BucketCount = DefaultBucketCount
	}

	if opts.MaxKeyLen == 0 {
		opts.MaxKeyLen = DefaultMaxKeyLen
	}

	if kind == "map" {
		if opts.TopK == 0 {
			opts.TopK = DefaultTopK
		}

		if opts.DocSize == 0 {
			return fmt.Errorf("shash: doc size is required to create a map")
		}
	}

	if opts.ReadOnly {
		// A read-only open of a pre-manifest directory proceeds on the
		// caller's geometry; there is nothing to write.
		return nil
	}

	if err := fs.MkdirAll(opts.Dir, 0o750); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	return saveManifest(opts.Dir, manifest{
		Version:     manifestVersion,
		Kind:        kind,
		BucketCount: opts.BucketCount,
		MaxKeyLen:   opts.MaxKeyLen,
		TopK:        opts.TopK,
		DocSize:     opts.DocSize,
	})
}

// mergeGeometry fills zero-valued options from the manifest and rejects
// conflicting non-zero values.
func mergeGeometry(opts *Options, m manifest) error {
	if opts.BucketCount != 0 && opts.BucketCount != m.BucketCount {
		return fmt.Errorf("bucket_count %d, manifest has %d: %w", opts.BucketCount, m.BucketCount, ErrIncompatible)
	}

	if opts.MaxKeyLen != 0 && opts.MaxKeyLen != m.MaxKeyLen {
		return fmt.Errorf("max_key_len %d, manifest has %d: %w", opts.MaxKeyLen, m.MaxKeyLen, ErrIncompatible)
	}

	if opts.TopK != 0 && opts.TopK != m.TopK {
		return fmt.Errorf("topk %d, manifest has %d: %w", opts.TopK, m.TopK, ErrIncompatible)
	}

	if opts.DocSize != 0 && opts.DocSize != m.DocSize {
		return fmt.Errorf("doc_size %d, manifest has %d: %w", opts.DocSize, m.DocSize, ErrIncompatible)
	}

	opts.BucketCount = m.BucketCount
	opts.MaxKeyLen = m.MaxKeyLen
	opts.TopK = m.TopK
	opts.DocSize = m.DocSize

	return nil
}
