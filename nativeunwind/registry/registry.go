// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry maps the executable mappings of the current process to the
// frame descriptor tables of the binaries backing them.
package registry // import "go.opentelemetry.io/native-sampler/nativeunwind/registry"

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/native-sampler/callguard"
	"go.opentelemetry.io/native-sampler/libpf/pfunsafe"
	"go.opentelemetry.io/native-sampler/libpf/xsync"
	"go.opentelemetry.io/native-sampler/metrics"
	"go.opentelemetry.io/native-sampler/nativeunwind/elfunwindinfo"
	"go.opentelemetry.io/native-sampler/nativeunwind/framedesc"
	"go.opentelemetry.io/native-sampler/periodiccaller"
)

const defaultCacheSize = 128

var (
	// ErrNotFileBacked is returned when loading a mapping that has no backing
	// binary.
	ErrNotFileBacked = errors.New("mapping is not a file backed executable mapping")
	// ErrNoSegment is returned when no executable segment of the binary covers
	// the mapping offset.
	ErrNoSegment = errors.New("no executable segment covers the mapping")
)

// Config holds the registry settings.
type Config struct {
	// CacheSize is the number of parsed binaries kept after their last
	// mapping is gone.
	CacheSize uint32
	// Workers bounds the number of binaries parsed concurrently by Sync.
	Workers int
}

// fileKey identifies the contents of a binary on disk.
type fileKey struct {
	dev   uint64
	inode uint64
	size  int64
	mtime int64
}

func (k fileKey) hash32() uint32 {
	return uint32(xxh3.Hash(pfunsafe.FromPointer(&k)))
}

func statKey(path string) (fileKey, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fileKey{}, err
	}
	return fileKey{
		dev:   uint64(st.Dev),
		inode: st.Ino,
		size:  st.Size,
		mtime: st.Mtim.Nano(),
	}, nil
}

// binaryFile is the parsed, mapping independent part of a binary.
type binaryFile struct {
	table  *framedesc.Table
	mapper addressMapper
	stats  elfunwindinfo.Stats
}

func parseBinary(path string) (*binaryFile, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	mapper := newAddressMapper(ef)
	ef.Close()

	table, stats, err := elfunwindinfo.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return &binaryFile{table: table, mapper: mapper, stats: stats}, nil
}

// Registry holds the binary tables of the loaded executable mappings, sorted
// by address. Lookups take the read lock only.
type Registry struct {
	tables xsync.RWMutex[[]*BinaryTable]

	files   *lru.SyncedLRU[fileKey, *binaryFile]
	loading singleflight.Group
	workers int

	// parse is replaced in tests.
	parse func(path string) (*binaryFile, error)

	loads      atomic.Uint64
	unloads    atomic.Uint64
	loadErrors atomic.Uint64
	cacheHits  atomic.Uint64
	fdes       atomic.Uint64
	aborted    atomic.Uint64

	reported struct {
		sync.Mutex
		loads, unloads, loadErrors, cacheHits, fdes, aborted uint64
	}
}

// New returns an empty registry.
func New(cfg Config) (*Registry, error) {
	if cfg.CacheSize == 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	files, err := lru.NewSynced[fileKey, *binaryFile](cfg.CacheSize, fileKey.hash32)
	if err != nil {
		return nil, fmt.Errorf("failed to create binary cache: %w", err)
	}
	return &Registry{
		tables:  xsync.NewRWMutex([]*BinaryTable(nil)),
		files:   files,
		workers: cfg.Workers,
		parse:   parseBinary,
	}, nil
}

// binary returns the parsed binary for key, parsing it at most once even
// when requested concurrently.
func (r *Registry) binary(key fileKey, path string) (*binaryFile, error) {
	if bf, ok := r.files.Get(key); ok {
		r.cacheHits.Add(1)
		return bf, nil
	}
	v, err, _ := r.loading.Do(string(pfunsafe.FromPointer(&key)), func() (any, error) {
		if bf, ok := r.files.Get(key); ok {
			r.cacheHits.Add(1)
			return bf, nil
		}
		bf, err := r.parse(path)
		if err != nil {
			return nil, err
		}
		r.fdes.Add(uint64(bf.stats.EHFrameFDEs + bf.stats.DebugFrameFDEs))
		r.aborted.Add(uint64(bf.stats.Aborted))
		r.files.Add(key, bf)
		log.Debugf("Parsed %s: %d records from %d+%d FDEs (%d aborted)", path,
			bf.stats.Records, bf.stats.EHFrameFDEs, bf.stats.DebugFrameFDEs,
			bf.stats.Aborted)
		return bf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*binaryFile), nil
}

// Load builds or reuses the table of the binary backing m and registers it.
// A registered mapping overlapping m is replaced.
func (r *Registry) Load(m Mapping) (*BinaryTable, error) {
	bt, err := r.load(m)
	if err != nil {
		r.loadErrors.Add(1)
		return nil, fmt.Errorf("failed to load %v: %w", &m, err)
	}
	r.insert(bt)
	r.loads.Add(1)
	return bt, nil
}

func (r *Registry) load(m Mapping) (*BinaryTable, error) {
	if !m.IsExecutable() || m.IsAnonymous() || m.IsPseudo() || m.Length == 0 {
		return nil, ErrNotFileBacked
	}
	key, err := statKey(m.Path)
	if err != nil {
		return nil, err
	}
	if m.Inode != 0 && m.Inode != key.inode {
		return nil, fmt.Errorf("%s was replaced on disk", m.Path)
	}
	bf, err := r.binary(key, m.Path)
	if err != nil {
		return nil, err
	}
	bias, ok := bf.mapper.bias(&m)
	if !ok {
		return nil, ErrNoSegment
	}
	return &BinaryTable{Mapping: m, Bias: bias, Table: bf.table}, nil
}

func (r *Registry) insert(bt *BinaryTable) {
	tables := r.tables.WLock()
	defer r.tables.WUnlock(&tables)

	kept := (*tables)[:0]
	for _, t := range *tables {
		if t.Vaddr < bt.End() && bt.Vaddr < t.End() {
			log.Debugf("Mapping %v replaced by %v", &t.Mapping, &bt.Mapping)
			r.unloads.Add(1)
			continue
		}
		kept = append(kept, t)
	}
	idx := searchTables(kept, uintptr(bt.Vaddr))
	kept = append(kept, nil)
	copy(kept[idx+1:], kept[idx:])
	kept[idx] = bt
	*tables = kept
}

// searchTables returns the index of the first table starting above addr.
func searchTables(tables []*BinaryTable, addr uintptr) int {
	lo, hi := 0, len(tables)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if uint64(addr) >= tables[mid].Vaddr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Unload removes the mapping starting at vaddr. It returns false if no such
// mapping is registered.
func (r *Registry) Unload(vaddr uint64) bool {
	tables := r.tables.WLock()
	defer r.tables.WUnlock(&tables)

	for i, t := range *tables {
		if t.Vaddr == vaddr {
			*tables = append((*tables)[:i], (*tables)[i+1:]...)
			r.unloads.Add(1)
			return true
		}
	}
	return false
}

// Resolve returns the binary table covering pc, or nil.
func (r *Registry) Resolve(pc uintptr) *BinaryTable {
	tables := r.tables.RLock()
	defer r.tables.RUnlock(&tables)

	idx := searchTables(*tables, pc) - 1
	if idx < 0 || !(*tables)[idx].Contains(pc) {
		return nil
	}
	return (*tables)[idx]
}

// FindFrameDesc returns the frame descriptor covering the runtime address pc.
func (r *Registry) FindFrameDesc(pc uintptr) (framedesc.FrameDesc, bool) {
	bt := r.Resolve(pc)
	if bt == nil {
		return framedesc.FrameDesc{}, false
	}
	return bt.Lookup(pc)
}

// Tables returns the registered tables sorted by address.
func (r *Registry) Tables() []*BinaryTable {
	tables := r.tables.RLock()
	defer r.tables.RUnlock(&tables)
	return append([]*BinaryTable(nil), *tables...)
}

// Sync reconciles the registry with the executable mappings of the current
// process. Mappings that cannot be loaded are logged and skipped.
func (r *Registry) Sync() error {
	procMaps, err := callguard.EnumerateMappings()
	if err != nil {
		return err
	}

	current := make(map[Mapping]struct{}, len(procMaps))
	for _, pm := range procMaps {
		m := mappingFromProc(pm)
		if !m.IsExecutable() || m.IsAnonymous() || m.IsPseudo() {
			continue
		}
		current[m] = struct{}{}
	}

	for _, bt := range r.Tables() {
		if _, ok := current[bt.Mapping]; ok {
			delete(current, bt.Mapping)
			continue
		}
		r.Unload(bt.Vaddr)
	}

	var g errgroup.Group
	g.SetLimit(r.workers)
	for m := range current {
		g.Go(func() error {
			if _, err := r.Load(m); err != nil {
				log.Debugf("Skipping mapping: %v", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StartRefresher calls Sync every interval until ctx is canceled or stop is
// called. trigger requests an immediate refresh without blocking.
func (r *Registry) StartRefresher(ctx context.Context, interval time.Duration) (
	trigger func(), stop func()) {
	triggerCh := make(chan bool, 1)
	stop = periodiccaller.StartWithManualTrigger(ctx, interval, triggerCh,
		func(manual bool) {
			if err := r.Sync(); err != nil {
				log.Warnf("Failed to refresh unwind tables (manual %v): %v", manual, err)
			}
		})
	trigger = func() {
		select {
		case triggerCh <- true:
		default:
		}
	}
	return trigger, stop
}

// CollectMetrics implements enginemetrics.Source.
func (r *Registry) CollectMetrics() []metrics.Metric {
	r.reported.Lock()
	defer r.reported.Unlock()

	loads := r.loads.Load()
	unloads := r.unloads.Load()
	loadErrors := r.loadErrors.Load()
	cacheHits := r.cacheHits.Load()
	fdes := r.fdes.Load()
	aborted := r.aborted.Load()

	tables := r.tables.RLock()
	numTables := len(*tables)
	r.tables.RUnlock(&tables)

	result := []metrics.Metric{
		{ID: metrics.IDRegistryLoads, Value: metrics.MetricValue(loads - r.reported.loads)},
		{ID: metrics.IDRegistryUnloads, Value: metrics.MetricValue(unloads - r.reported.unloads)},
		{ID: metrics.IDRegistryLoadErrors,
			Value: metrics.MetricValue(loadErrors - r.reported.loadErrors)},
		{ID: metrics.IDRegistryCacheHits,
			Value: metrics.MetricValue(cacheHits - r.reported.cacheHits)},
		{ID: metrics.IDRegistryTables, Value: metrics.MetricValue(numTables)},
		{ID: metrics.IDEHFrameFDEs, Value: metrics.MetricValue(fdes - r.reported.fdes)},
		{ID: metrics.IDEHFrameAborted, Value: metrics.MetricValue(aborted - r.reported.aborted)},
	}
	r.reported.loads, r.reported.unloads = loads, unloads
	r.reported.loadErrors, r.reported.cacheHits = loadErrors, cacheHits
	r.reported.fdes, r.reported.aborted = fdes, aborted
	return result
}
