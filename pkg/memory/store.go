package memory

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/engramdb/engram/config"
	"github.com/engramdb/engram/pkg/logger"
	"github.com/engramdb/engram/pkg/metrics"
)

// Snapshot file layout, all integers little-endian:
//
//	header:  magic "EGRM" | version u16 | dim u16 | count u32 | vecOff u64
//	records: count variable-width metadata records
//	vectors: count * dim float32 values starting at vecOff (8-byte aligned)
//
// Each record is:
//
//	seq u64 | created i64 | accessed i64 | importance f64 |
//	idLen u16 + id | scopeLen u16 + scope | textLen u32 + text |
//	metaLen u32 + metadata JSON
const (
	snapshotMagic   = "EGRM"
	snapshotVersion = 1
	headerSize      = 4 + 2 + 2 + 4 + 8
)

// Store is a durable keyed vector store. Entries live in memory for
// writes and metadata; vector data is served from a read-only memory
// mapping of the snapshot file, so a restart pays no deserialization
// cost proportional to vector bytes.
//
// A single lock guards the entries, the insertion order and the keyword
// index. Vector views into the mapping must never escape the lock,
// because a save remaps the file under the write lock.
type Store struct {
	mu sync.RWMutex

	dim        int
	path       string
	syncWrites bool

	entries map[string]*MemoryEntry
	order   []string
	seq     uint64

	keywords *KeywordIndex

	// invalidate is called with the id of every mutated entry, outside
	// any cache lock but inside the store lock.
	invalidate func(id string)

	mapped []byte
	dirty  bool

	log     logger.Logger
	metrics *metrics.Manager
}

// NewStore creates a store persisting to cfg.Path with fixed vector
// dimension cfg.Dimension. The snapshot file is not read until Load.
func NewStore(cfg config.StoreConfig, log logger.Logger) (*Store, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("store dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create store directory: %v", ErrIOFailure, err)
	}
	if log == nil {
		log = logger.Global()
	}
	return &Store{
		dim:        cfg.Dimension,
		path:       cfg.Path,
		syncWrites: cfg.SyncWrites,
		entries:    make(map[string]*MemoryEntry),
		keywords:   NewKeywordIndex(),
		log:        log.With("component", "store"),
		metrics:    metrics.NoOpManager(),
	}, nil
}

// SetMetrics replaces the metrics sink. Must be called before the store
// is shared.
func (s *Store) SetMetrics(m *metrics.Manager) {
	if m != nil {
		s.metrics = m
	}
}

// SetInvalidateHook registers a callback invoked with the id of every
// mutated entry. Must be called before the store is shared.
func (s *Store) SetInvalidateHook(fn func(id string)) {
	s.invalidate = fn
}

// Dimension returns the fixed vector dimension.
func (s *Store) Dimension() int {
	return s.dim
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Add inserts or overwrites an entry. The entry is deep-copied, so the
// caller keeps ownership of its slices. An overwrite keeps the original
// creation time and insertion sequence. The vector length must equal the
// store dimension or the store is left untouched.
func (s *Store) Add(entry *MemoryEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("%w: entry with empty id", ErrInvalidQuery)
	}
	// id and scope are stored behind 16-bit length prefixes.
	if len(entry.ID) > math.MaxUint16 {
		return fmt.Errorf("%w: id length %d exceeds %d bytes", ErrInvalidQuery, len(entry.ID), math.MaxUint16)
	}
	if len(entry.Scope) > math.MaxUint16 {
		return fmt.Errorf("%w: scope length %d exceeds %d bytes", ErrInvalidQuery, len(entry.Scope), math.MaxUint16)
	}
	if len(entry.Vector) != s.dim {
		return fmt.Errorf("%w: got %d, store dimension %d", ErrDimensionMismatch, len(entry.Vector), s.dim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneEntry(entry)
	if prev, exists := s.entries[entry.ID]; exists {
		stored.seq = prev.seq
		stored.CreatedAt = prev.CreatedAt
	} else {
		s.seq++
		stored.seq = s.seq
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now()
		}
		s.order = append(s.order, stored.ID)
	}
	s.entries[stored.ID] = stored
	s.keywords.Index(stored.ID, stored.Text)
	s.dirty = true

	if s.invalidate != nil {
		s.invalidate(stored.ID)
	}
	if s.syncWrites {
		return s.saveLocked()
	}
	return nil
}

// Get returns a deep copy of the entry with the given id.
func (s *Store) Get(id string) (*MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, exists := s.entries[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneEntry(entry), nil
}

// Remove deletes the entry with the given id. It reports whether the
// entry existed; removing an absent id is not an error.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; !exists {
		return false, nil
	}
	delete(s.entries, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.keywords.Remove(id)
	s.dirty = true

	if s.invalidate != nil {
		s.invalidate(id)
	}
	if s.syncWrites {
		return true, s.saveLocked()
	}
	return true, nil
}

// UpdateImportance sets the importance of an existing entry.
func (s *Store) UpdateImportance(id string, importance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	entry.Importance = importance
	s.dirty = true

	if s.invalidate != nil {
		s.invalidate(id)
	}
	return nil
}

// TouchAccess records a recall hit at the given time. The new access time
// is persisted with the next snapshot rather than forcing one per recall.
func (s *Store) TouchAccess(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	entry.LastAccessedAt = at
	s.dirty = true
	return nil
}

// AllIDs returns a lazy sequence over the entry ids in insertion order.
// The snapshot is taken when AllIDs is called, so iteration is unaffected
// by concurrent mutation and may be restarted.
func (s *Store) AllIDs() iter.Seq[string] {
	s.mu.RLock()
	ids := append([]string(nil), s.order...)
	s.mu.RUnlock()

	return func(yield func(string) bool) {
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

// Scan holds the read lock and calls fn with the live entries in
// insertion order and the keyword index. fn must not retain the entries,
// their vectors or the index past its return: vector slices may view the
// memory mapping, which a concurrent save would replace.
func (s *Store) Scan(fn func(entries []*MemoryEntry, keywords *KeywordIndex)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*MemoryEntry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.entries[id])
	}
	fn(entries, s.keywords)
}

// Flush writes a snapshot if any mutation happened since the last one.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.saveLocked()
}

// Save writes a snapshot unconditionally.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// Close flushes pending mutations and releases the memory mapping.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.dirty {
		err = s.saveLocked()
	}
	if s.mapped != nil {
		s.unbindVectorsLocked()
		if merr := unmapFile(s.mapped); merr != nil && err == nil {
			err = merr
		}
		s.mapped = nil
	}
	return err
}

// Load replaces all in-memory state with the snapshot on disk. A missing
// file yields an empty store. A corrupt or truncated snapshot is logged
// and also yields an empty store, so a damaged file degrades recall
// quality instead of blocking startup.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mapped != nil {
		s.unbindVectorsLocked()
		_ = unmapFile(s.mapped)
		s.mapped = nil
	}
	s.entries = make(map[string]*MemoryEntry)
	s.order = nil
	s.seq = 0
	s.keywords = NewKeywordIndex()
	s.dirty = false

	data, err := mapFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: open snapshot: %v", ErrIOFailure, err)
	}
	if len(data) == 0 {
		return nil
	}

	if err := s.parseSnapshotLocked(data); err != nil {
		s.log.Error("snapshot is corrupt, starting with an empty store",
			"path", s.path, "error", err)
		_ = unmapFile(data)
		s.entries = make(map[string]*MemoryEntry)
		s.order = nil
		s.seq = 0
		s.keywords = NewKeywordIndex()
		return nil
	}
	s.mapped = data
	return nil
}

// parseSnapshotLocked decodes data into the store maps. Vector slices are
// zero-copy views into data; the caller keeps data mapped on success.
func (s *Store) parseSnapshotLocked(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("%w: file shorter than header", ErrCorruptSnapshot)
	}
	if string(data[:4]) != snapshotMagic {
		return fmt.Errorf("%w: bad magic", ErrCorruptSnapshot)
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version != snapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, version)
	}
	dim := int(binary.LittleEndian.Uint16(data[6:8]))
	if dim != s.dim {
		return fmt.Errorf("%w: snapshot dimension %d, store dimension %d", ErrCorruptSnapshot, dim, s.dim)
	}
	count := int(binary.LittleEndian.Uint32(data[8:12]))
	vecOff := binary.LittleEndian.Uint64(data[12:20])

	vecBytes := uint64(count) * uint64(dim) * 4
	if vecOff%8 != 0 || vecOff < headerSize || vecOff+vecBytes > uint64(len(data)) {
		return fmt.Errorf("%w: vector section out of bounds", ErrCorruptSnapshot)
	}

	r := snapshotReader{data: data[:vecOff], off: headerSize}
	var maxSeq uint64
	for i := 0; i < count; i++ {
		seq, err := r.uint64()
		if err != nil {
			return err
		}
		created, err := r.int64()
		if err != nil {
			return err
		}
		accessed, err := r.int64()
		if err != nil {
			return err
		}
		importance, err := r.float64()
		if err != nil {
			return err
		}
		id, err := r.bytes16()
		if err != nil {
			return err
		}
		scope, err := r.bytes16()
		if err != nil {
			return err
		}
		text, err := r.bytes32()
		if err != nil {
			return err
		}
		metaRaw, err := r.bytes32()
		if err != nil {
			return err
		}

		if len(id) == 0 {
			return fmt.Errorf("%w: record %d has empty id", ErrCorruptSnapshot, i)
		}
		entry := &MemoryEntry{
			ID:         string(id),
			Scope:      string(scope),
			Text:       string(text),
			Importance: importance,
			CreatedAt:  time.Unix(0, created),
			seq:        seq,
		}
		if accessed != 0 {
			entry.LastAccessedAt = time.Unix(0, accessed)
		}
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &entry.Metadata); err != nil {
				return fmt.Errorf("%w: record %d metadata: %v", ErrCorruptSnapshot, i, err)
			}
		}
		if _, dup := s.entries[entry.ID]; dup {
			return fmt.Errorf("%w: duplicate id %s", ErrCorruptSnapshot, entry.ID)
		}

		entry.Vector = float32View(data, vecOff+uint64(i)*uint64(dim)*4, dim)
		s.entries[entry.ID] = entry
		s.order = append(s.order, entry.ID)
		s.keywords.Index(entry.ID, entry.Text)
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	s.seq = maxSeq
	return nil
}

// saveLocked writes a full snapshot atomically: encode to a temporary
// file in the same directory, fsync it, rename over the live file, fsync
// the directory, then remap and rebind every vector view. On any failure
// the previous snapshot file is untouched and in-memory state is intact.
func (s *Store) saveLocked() (err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			s.metrics.RecordPersistFailure()
		} else {
			s.metrics.RecordSaveDuration(time.Since(start))
		}
	}()

	buf := s.encodeLocked()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp snapshot: %v", ErrIOFailure, err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}
	if _, err := tmp.Write(buf); err != nil {
		cleanup()
		return fmt.Errorf("%w: write snapshot: %v", ErrIOFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("%w: sync snapshot: %v", ErrIOFailure, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: close snapshot: %v", ErrIOFailure, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: replace snapshot: %v", ErrIOFailure, err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("%w: sync snapshot directory: %v", ErrIOFailure, err)
	}
	s.metrics.SetSnapshotBytes(float64(len(buf)))

	// Rebind vectors to the new mapping before dropping the old one, so
	// no entry ever points at unmapped memory.
	data, err := mapFile(s.path)
	if err != nil {
		// The snapshot on disk is good; keep serving heap copies.
		s.unbindVectorsLocked()
		if s.mapped != nil {
			_ = unmapFile(s.mapped)
			s.mapped = nil
		}
		s.dirty = false
		s.log.Warn("snapshot written but remap failed, serving vectors from heap",
			"path", s.path, "error", err)
		return nil
	}

	old := s.mapped
	s.mapped = data
	s.rebindVectorsLocked(data)
	if old != nil {
		_ = unmapFile(old)
	}
	s.dirty = false
	return nil
}

// encodeLocked serializes the current state in insertion order.
func (s *Store) encodeLocked() []byte {
	var buf []byte
	buf = append(buf, snapshotMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, snapshotVersion)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(s.dim))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.order)))
	// Vector section offset, patched after records are written.
	vecOffPos := len(buf)
	buf = binary.LittleEndian.AppendUint64(buf, 0)

	for _, id := range s.order {
		e := s.entries[id]
		buf = binary.LittleEndian.AppendUint64(buf, e.seq)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.CreatedAt.UnixNano()))
		var accessed int64
		if !e.LastAccessedAt.IsZero() {
			accessed = e.LastAccessedAt.UnixNano()
		}
		buf = binary.LittleEndian.AppendUint64(buf, uint64(accessed))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(e.Importance))
		buf = appendBytes16(buf, []byte(e.ID))
		buf = appendBytes16(buf, []byte(e.Scope))
		buf = appendBytes32(buf, []byte(e.Text))
		var metaRaw []byte
		if len(e.Metadata) > 0 {
			metaRaw, _ = json.Marshal(e.Metadata)
		}
		buf = appendBytes32(buf, metaRaw)
	}

	// Pad to 8-byte alignment for the vector section.
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	binary.LittleEndian.PutUint64(buf[vecOffPos:], uint64(len(buf)))

	for _, id := range s.order {
		for _, v := range s.entries[id].Vector {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return buf
}

// rebindVectorsLocked points every entry's vector at the freshly written
// mapping. The encode order matches s.order, so positions line up.
func (s *Store) rebindVectorsLocked(data []byte) {
	vecOff := binary.LittleEndian.Uint64(data[12:20])
	for i, id := range s.order {
		s.entries[id].Vector = float32View(data, vecOff+uint64(i)*uint64(s.dim)*4, s.dim)
	}
}

// unbindVectorsLocked copies every mapped vector onto the heap so the
// mapping can be released.
func (s *Store) unbindVectorsLocked() {
	if s.mapped == nil {
		return
	}
	for _, e := range s.entries {
		e.Vector = append([]float32(nil), e.Vector...)
	}
}

// float32View returns a zero-copy []float32 over data[off:]. off must be
// 4-byte aligned, which the 8-aligned vector section guarantees.
func float32View(data []byte, off uint64, dim int) []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[off])), dim)
}

// mapFile maps path read-only. Small or unmappable files fall back to a
// heap read; callers treat the result uniformly.
func mapFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := int(info.Size())
	if size == 0 {
		return nil, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		heap := make([]byte, size)
		if _, rerr := f.ReadAt(heap, 0); rerr != nil {
			return nil, rerr
		}
		return heap, nil
	}
	return data, nil
}

// unmapFile releases a mapping produced by mapFile. Heap fallbacks are
// ignored by the kernel and unmapped here with an expected error, which
// is swallowed.
func unmapFile(data []byte) error {
	if data == nil {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return nil
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func appendBytes16(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(b)))
	return append(buf, b...)
}

func appendBytes32(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// snapshotReader walks the record section with bounds checks.
type snapshotReader struct {
	data []byte
	off  int
}

func (r *snapshotReader) need(n int) error {
	if r.off+n > len(r.data) {
		return fmt.Errorf("%w: truncated record section", ErrCorruptSnapshot)
	}
	return nil
}

func (r *snapshotReader) uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *snapshotReader) int64() (int64, error) {
	v, err := r.uint64()
	return int64(v), err
}

func (r *snapshotReader) float64() (float64, error) {
	v, err := r.uint64()
	return math.Float64frombits(v), err
}

func (r *snapshotReader) bytes16() ([]byte, error) {
	if err := r.need(2); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint16(r.data[r.off:]))
	r.off += 2
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *snapshotReader) bytes32() ([]byte, error) {
	if err := r.need(4); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(r.data[r.off:]))
	r.off += 4
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}
