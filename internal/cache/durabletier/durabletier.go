// Package durabletier implements the persistent cache tier.
//
// Entries live one per file under the root directory, named by the
// scope's hash and compressed through a codec. A manifest records the
// layout so incompatible leftovers from older versions are discarded
// instead of misread. Mutations take a cross-process file lock, so
// several processes can share one cache directory.
package durabletier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/discochess/evalhub/internal/cache"
	"github.com/discochess/evalhub/internal/codec"
	"github.com/discochess/evalhub/internal/codec/zstdcodec"
	"github.com/discochess/evalhub/internal/fingerprint"
	"github.com/discochess/evalhub/internal/stats"
)

const (
	// DefaultTTL is how long an entry counts as fresh. Evaluations age
	// quickly relative to engine version churn and profile tweaks, so
	// the window is short.
	DefaultTTL = 20 * time.Minute

	// DefaultCapacity bounds the number of entries on disk.
	DefaultCapacity = 200

	manifestFilename = "manifest.json"
	lockFilename     = ".lock"
	entriesDirname   = "entries"
	manifestVersion  = 1
)

// Compile-time check that Tier implements cache.Tier.
var _ cache.Tier = (*Tier)(nil)

// Manifest records the on-disk layout of a cache directory.
type Manifest struct {
	Version     int       `json:"version"`
	Compression string    `json:"compression"`
	TTLMs       int64     `json:"ttl_ms"`
	Capacity    int       `json:"capacity"`
	CreatedAt   time.Time `json:"created_at"`
}

// TierStats summarizes the tier's on-disk contents.
type TierStats struct {
	Entries int
	Bytes   int64
	Oldest  time.Time
	Newest  time.Time
}

// Config configures a durable tier.
type Config struct {
	// Root is the cache directory. Created if missing.
	Root string

	// Codec compresses entry files. Defaults to zstd.
	Codec codec.Codec

	// TTL bounds entry freshness. Defaults to DefaultTTL.
	TTL time.Duration

	// Capacity bounds the entry count. Defaults to DefaultCapacity.
	Capacity int

	Logger *zap.Logger
	Stats  stats.Collector
}

// Tier is a file-per-entry persistent cache tier.
type Tier struct {
	root     string
	codec    codec.Codec
	ttl      time.Duration
	capacity int
	log      *zap.Logger
	stats    stats.Collector
	now      func() time.Time

	// mu serializes in-process access; flk excludes other processes.
	mu  sync.Mutex
	flk *flock.Flock
}

// New opens (or initializes) a durable tier rooted at cfg.Root.
func New(cfg Config) (*Tier, error) {
	if cfg.Root == "" {
		return nil, errors.New("durabletier: root directory is required")
	}
	if cfg.Codec == nil {
		cfg.Codec = zstdcodec.New()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewNoop()
	}

	if err := os.MkdirAll(filepath.Join(cfg.Root, entriesDirname), 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	t := &Tier{
		root:     cfg.Root,
		codec:    cfg.Codec,
		ttl:      cfg.TTL,
		capacity: cfg.Capacity,
		log:      cfg.Logger.Named("durable"),
		stats:    cfg.Stats,
		now:      time.Now,
		flk:      flock.New(filepath.Join(cfg.Root, lockFilename)),
	}
	if err := t.ensureLayout(); err != nil {
		return nil, err
	}
	return t, nil
}

// Get retrieves the entry for a scope. Expired and corrupt entries are
// removed on the way out and reported as misses.
func (t *Tier) Get(scope fingerprint.Scope) (*cache.Entry, bool) {
	t.lock()
	defer t.unlock()

	path := t.entryPath(scope)
	e, err := t.readEntry(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false
		}
		t.removeEntry(path, "corrupt")
		t.stats.IncCounter(stats.MetricCorruptPruned, 1)
		t.log.Warn("pruned corrupt cache entry", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	if e.Key != scope {
		// Hash collision. The stored entry belongs to another scope and
		// stays; this scope simply has no slot.
		t.log.Debug("cache filename collision", zap.String("scope", string(scope)))
		return nil, false
	}
	if !e.Fresh(t.now(), t.ttl) {
		t.removeEntry(path, "expired")
		t.stats.IncCounter(stats.MetricTTLExpiries, 1)
		return nil, false
	}
	return e, true
}

// Put stores an entry, skipping invalid ones and ones older than a
// deeper entry already on disk. Failures are logged, never surfaced;
// the durable tier is an accelerator, not a system of record.
func (t *Tier) Put(e *cache.Entry) {
	if err := e.Validate(); err != nil {
		t.log.Debug("skipped unstorable entry", zap.Error(err))
		return
	}

	t.lock()
	defer t.unlock()

	path := t.entryPath(e.Key)
	if cur, err := t.readEntry(path); err == nil &&
		cur.Key == e.Key && cur.PassBudget > e.PassBudget && cur.Fresh(t.now(), t.ttl) {
		return
	}

	if err := t.writeEntry(path, e); err != nil {
		t.log.Warn("cache write failed", zap.String("path", path), zap.Error(err))
		return
	}
	t.enforceCapacityLocked()
}

// Len returns the number of entry files on disk.
func (t *Tier) Len() int {
	t.lock()
	defer t.unlock()
	names, err := os.ReadDir(t.entriesDir())
	if err != nil {
		return 0
	}
	return len(names)
}

// Prune sweeps the tier, removing expired and corrupt entries. Returns
// the number removed.
func (t *Tier) Prune() (int, error) {
	t.lock()
	defer t.unlock()

	infos, pruned, err := t.listLocked()
	if err != nil {
		return pruned, err
	}
	removed := pruned
	now := t.now()
	for _, info := range infos {
		if !info.entry.Fresh(now, t.ttl) {
			t.removeEntry(info.path, "expired")
			t.stats.IncCounter(stats.MetricTTLExpiries, 1)
			removed++
		}
	}
	t.updateGaugeLocked()
	return removed, nil
}

// Stats summarizes the tier's current contents.
func (t *Tier) Stats() (TierStats, error) {
	t.lock()
	defer t.unlock()

	infos, _, err := t.listLocked()
	if err != nil {
		return TierStats{}, err
	}
	s := TierStats{Entries: len(infos)}
	for _, info := range infos {
		s.Bytes += info.size
		at := info.entry.WrittenAt()
		if s.Oldest.IsZero() || at.Before(s.Oldest) {
			s.Oldest = at
		}
		if at.After(s.Newest) {
			s.Newest = at
		}
	}
	return s, nil
}

// TTL returns the configured freshness window.
func (t *Tier) TTL() time.Duration {
	return t.ttl
}

func (t *Tier) lock() {
	t.mu.Lock()
	if err := t.flk.Lock(); err != nil {
		t.log.Warn("cache file lock unavailable", zap.Error(err))
	}
}

func (t *Tier) unlock() {
	if err := t.flk.Unlock(); err != nil {
		t.log.Debug("cache file unlock failed", zap.Error(err))
	}
	t.mu.Unlock()
}

func (t *Tier) entriesDir() string {
	return filepath.Join(t.root, entriesDirname)
}

func (t *Tier) entryPath(scope fingerprint.Scope) string {
	name := scope.Hash() + ".json"
	if ext := t.codec.Extension(); ext != "" {
		name += "." + ext
	}
	return filepath.Join(t.entriesDir(), name)
}

// readEntry loads and validates one entry file.
func (t *Tier) readEntry(path string) (*cache.Entry, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	reader, err := t.codec.Reader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("creating decompressor: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing entry: %w", err)
	}
	var e cache.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parsing entry: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *Tier) writeEntry(path string, e *cache.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}
	var buf bytes.Buffer
	writer, err := t.codec.Writer(&buf)
	if err != nil {
		return fmt.Errorf("creating compressor: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return fmt.Errorf("compressing entry: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("flushing compressor: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing entry: %w", err)
	}
	return nil
}

func (t *Tier) removeEntry(path, reason string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		t.log.Warn("cache entry removal failed",
			zap.String("path", path),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

type entryInfo struct {
	path  string
	size  int64
	entry *cache.Entry
}

// listLocked loads every entry on disk, pruning corrupt files as it
// goes. Returns the surviving entries and the number pruned.
func (t *Tier) listLocked() ([]entryInfo, int, error) {
	dirents, err := os.ReadDir(t.entriesDir())
	if err != nil {
		return nil, 0, fmt.Errorf("listing cache entries: %w", err)
	}

	var infos []entryInfo
	pruned := 0
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		path := filepath.Join(t.entriesDir(), d.Name())
		e, err := t.readEntry(path)
		if err != nil {
			t.removeEntry(path, "corrupt")
			t.stats.IncCounter(stats.MetricCorruptPruned, 1)
			t.log.Warn("pruned corrupt cache entry", zap.String("path", path), zap.Error(err))
			pruned++
			continue
		}
		info, statErr := d.Info()
		var size int64
		if statErr == nil {
			size = info.Size()
		}
		infos = append(infos, entryInfo{path: path, size: size, entry: e})
	}
	return infos, pruned, nil
}

// enforceCapacityLocked evicts oldest-by-write-time entries until the
// tier is back at capacity. Write recency, not read recency, decides
// value: a freshly computed evaluation beats an often-read stale one.
func (t *Tier) enforceCapacityLocked() {
	dirents, err := os.ReadDir(t.entriesDir())
	if err != nil {
		t.log.Warn("cache capacity check failed", zap.Error(err))
		return
	}
	if len(dirents) <= t.capacity {
		t.stats.SetGauge(stats.MetricDurableEntries, int64(len(dirents)))
		return
	}

	infos, _, err := t.listLocked()
	if err != nil {
		t.log.Warn("cache capacity check failed", zap.Error(err))
		return
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].entry.WrittenAtMs < infos[j].entry.WrittenAtMs
	})
	for len(infos) > t.capacity {
		victim := infos[0]
		infos = infos[1:]
		t.removeEntry(victim.path, "evicted")
		t.stats.IncCounter(stats.MetricCacheEvictions, 1)
		t.log.Debug("evicted oldest cache entry",
			zap.String("scope", string(victim.entry.Key)),
			zap.Time("written_at", victim.entry.WrittenAt()))
	}
	t.stats.SetGauge(stats.MetricDurableEntries, int64(len(infos)))
}

func (t *Tier) updateGaugeLocked() {
	if names, err := os.ReadDir(t.entriesDir()); err == nil {
		t.stats.SetGauge(stats.MetricDurableEntries, int64(len(names)))
	}
}

func (t *Tier) compressionName() string {
	if ext := t.codec.Extension(); ext != "" {
		return ext
	}
	return "none"
}

// ensureLayout reconciles the on-disk manifest with the configured
// layout, resetting the entries directory when they are incompatible.
func (t *Tier) ensureLayout() error {
	t.lock()
	defer t.unlock()

	m, err := readManifest(t.root)
	switch {
	case err != nil:
		// Missing or unreadable manifest. Existing entries are still
		// validated individually on read, so they can stay.
		return writeManifest(t.root, t.manifest())
	case m.Version != manifestVersion || m.Compression != t.compressionName():
		t.log.Warn("incompatible cache directory, resetting",
			zap.Int("found_version", m.Version),
			zap.String("found_compression", m.Compression))
		if err := t.resetLocked(); err != nil {
			return err
		}
		return writeManifest(t.root, t.manifest())
	case m.TTLMs != t.ttl.Milliseconds() || m.Capacity != t.capacity:
		return writeManifest(t.root, t.manifest())
	default:
		return nil
	}
}

// resetLocked removes every entry file.
func (t *Tier) resetLocked() error {
	dirents, err := os.ReadDir(t.entriesDir())
	if err != nil {
		return fmt.Errorf("listing cache entries: %w", err)
	}
	for _, d := range dirents {
		if err := os.Remove(filepath.Join(t.entriesDir(), d.Name())); err != nil {
			return fmt.Errorf("resetting cache: %w", err)
		}
	}
	return nil
}

func (t *Tier) manifest() *Manifest {
	return &Manifest{
		Version:     manifestVersion,
		Compression: t.compressionName(),
		TTLMs:       t.ttl.Milliseconds(),
		Capacity:    t.capacity,
		CreatedAt:   t.now(),
	}
}

func writeManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFilename), data, 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}
