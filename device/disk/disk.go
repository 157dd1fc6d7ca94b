// Package disk implements the on-disk cache device.
//
// Each record lives in its own file, named by the xxhash of its key and
// sharded into 256 directories. A ristretto cache indexes the idle files with
// cost = file size: its MaxCost is the device capacity and its OnEvict callback
// deletes the evicted file, so capacity enforcement is ristretto's TinyLFU
// policy rather than a hand-rolled LRU.
//
// Two keys hashing to the same slot collide; FindEntry and BindEntry report
// device.ErrCollision and the coordinator refuses to cache the second key.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/spf13/afero"

	"github.com/unkn0wn-root/netcache/codec"
	"github.com/unkn0wn-root/netcache/device"
	"github.com/unkn0wn-root/netcache/internal/util"
	"github.com/unkn0wn-root/netcache/internal/wire"
)

const (
	Name = "disk"

	defaultCapacityKB = 256 * 1024
	defaultMaxHeader  = 1 << 20
	dirPerm           = 0o700
	filePerm          = 0o600
)

type Config struct {
	Fs               afero.Fs // nil => OS filesystem
	Dir              string   // required
	CapacityKB       int64    // 0 => 256 MB
	MaxEntrySizeKB   int64    // <= 0 => only the capacity/8 rule
	CompressionLevel int      // 0 => store data as is, 1..9 => zstd
	Codec            codec.Codec[device.Record]
	// NumCounters sizes ristretto's admission sketch; 0 => 100k.
	NumCounters int64
}

type Device struct {
	cfg   Config
	fs    afero.Fs
	codec codec.Codec[device.Record]

	mu       sync.Mutex
	index    *ristretto.Cache
	bound    map[uint64]*device.Record // slot hash -> bound record
	files    map[uint64]int64          // slot hash -> stored file size
	total    int64
	capacity int64
	maxEntry int64
	comp     *compressor
	closed   bool
}

var _ device.Device = (*Device)(nil)
var _ device.Compressor = (*Device)(nil)

func New(cfg Config) (*Device, error) {
	if cfg.Dir == "" {
		return nil, errors.New("disk: directory is required")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.CapacityKB <= 0 {
		cfg.CapacityKB = defaultCapacityKB
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = 100_000
	}
	d := &Device{
		cfg:      cfg,
		fs:       cfg.Fs,
		codec:    cfg.Codec,
		bound:    make(map[uint64]*device.Record),
		files:    make(map[uint64]int64),
		capacity: cfg.CapacityKB * 1024,
		maxEntry: -1,
		comp:     newCompressor(cfg.CompressionLevel),
	}
	if cfg.MaxEntrySizeKB > 0 {
		d.maxEntry = cfg.MaxEntrySizeKB * 1024
	}
	if d.codec == nil {
		d.codec = codec.Limit[device.Record]{Inner: codec.MustCBOR[device.Record](true), MaxDecode: defaultMaxHeader}
	}
	return d, nil
}

func (d *Device) Name() string { return Name }

// Init creates the cache directory and rebuilds the eviction index from the
// record files already present.
func (d *Device) Init(_ context.Context) error {
	if err := d.fs.MkdirAll(d.cfg.Dir, dirPerm); err != nil {
		return fmt.Errorf("disk: create %s: %w", d.cfg.Dir, err)
	}
	idx, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        d.cfg.NumCounters,
		MaxCost:            d.capacity,
		BufferItems:        64,
		IgnoreInternalCost: true,
		OnEvict:            d.onEvict,
		OnReject:           d.onEvict,
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.index = idx
	d.mu.Unlock()

	err = afero.Walk(d.fs, d.cfg.Dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		h, ok := util.ParseRecordPath(filepath.Base(p))
		if !ok {
			return nil
		}
		d.mu.Lock()
		d.trackLocked(h, info.Size())
		d.mu.Unlock()
		idx.Set(h, nil, info.Size())
		return nil
	})
	idx.Wait()
	return err
}

func (d *Device) Shutdown(_ context.Context) error {
	d.mu.Lock()
	idx := d.index
	d.index = nil
	d.closed = true
	d.mu.Unlock()
	if idx != nil {
		idx.Close()
	}
	d.comp.close()
	return nil
}

func (d *Device) FindEntry(_ context.Context, key string) (*device.Record, error) {
	h := util.HashKey(key)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, device.ErrClosed
	}
	if b, ok := d.bound[h]; ok {
		if b.Key != key {
			return nil, device.ErrCollision
		}
		return nil, device.ErrNotFound
	}
	if _, ok := d.files[h]; !ok {
		return nil, device.ErrNotFound
	}
	rec, err := d.readLocked(h, true)
	if err != nil {
		if errors.Is(err, wire.ErrCorrupt) {
			d.removeFileLocked(h)
			return nil, device.ErrNotFound
		}
		return nil, err
	}
	if rec.Key != key {
		return nil, device.ErrCollision
	}
	d.index.Del(h)
	d.bound[h] = rec
	return rec, nil
}

func (d *Device) BindEntry(_ context.Context, r *device.Record) error {
	h := util.HashKey(r.Key)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	if b, ok := d.bound[h]; ok && b.Key != r.Key {
		return device.ErrCollision
	}
	if device.TooBig(r.Size(), d.capacity, d.maxEntry) {
		return device.ErrTooBig
	}
	if _, ok := d.files[h]; ok {
		// a stale file for this slot; the new record replaces it
		d.index.Del(h)
		d.removeFileLocked(h)
	}
	d.bound[h] = r
	return nil
}

func (d *Device) DeactivateEntry(_ context.Context, r *device.Record) error {
	h := util.HashKey(r.Key)

	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.bound[h]; ok && b == r {
		delete(d.bound, h)
	}
	if d.closed {
		return device.ErrClosed
	}
	if r.Doomed {
		// storage went with DoomEntry; the slot may belong to a newer record
		return nil
	}
	if !r.Valid {
		d.removeFileLocked(h)
		return nil
	}
	size, err := d.writeLocked(h, r)
	if err != nil {
		d.removeFileLocked(h)
		return err
	}
	if !d.index.Set(h, nil, size) {
		// refused by the admission policy
		d.removeFileLocked(h)
	}
	return nil
}

func (d *Device) DoomEntry(_ context.Context, r *device.Record) error {
	h := util.HashKey(r.Key)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	if b, ok := d.bound[h]; ok && b.Key != r.Key {
		return nil
	}
	d.index.Del(h)
	d.removeFileLocked(h)
	return nil
}

func (d *Device) OnDataSizeChange(_ context.Context, r *device.Record, delta int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if device.TooBig(r.Size()+delta, d.capacity, d.maxEntry) {
		return device.ErrTooBig
	}
	return nil
}

func (d *Device) EvictEntries(_ context.Context, clientID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	for h := range d.files {
		if _, ok := d.bound[h]; ok {
			continue
		}
		if clientID != "" {
			rec, err := d.readLocked(h, false)
			if err == nil && rec.ClientID != clientID {
				continue
			}
		}
		d.index.Del(h)
		d.removeFileLocked(h)
	}
	return nil
}

func (d *Device) Visit(_ context.Context, fn device.VisitFunc) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return device.ErrClosed
	}
	infos := make([]device.Info, 0, len(d.files))
	for h := range d.files {
		rec, err := d.readLocked(h, false)
		if err != nil {
			continue
		}
		infos = append(infos, rec.Info())
	}
	d.mu.Unlock()

	for _, in := range infos {
		if !fn(in) {
			break
		}
	}
	return nil
}

func (d *Device) EntryIsTooBig(size int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return device.TooBig(size, d.capacity, d.maxEntry)
}

func (d *Device) SetCapacity(kb int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capacity = kb * 1024
	if d.index != nil {
		d.index.UpdateMaxCost(d.capacity)
	}
}

func (d *Device) SetMaxEntrySize(kb int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if kb < 0 {
		d.maxEntry = -1
		return
	}
	d.maxEntry = kb * 1024
}

func (d *Device) SetCompressionLevel(level int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.comp.setLevel(level)
}

func (d *Device) Usage() device.Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := device.Usage{
		Device:         Name,
		Entries:        int64(len(d.files)),
		TotalSizeKB:    d.total / 1024,
		CapacityKB:     d.capacity / 1024,
		MaxEntrySizeKB: -1,
	}
	if d.maxEntry >= 0 {
		u.MaxEntrySizeKB = d.maxEntry / 1024
	}
	return u
}

// Dir returns the cache directory.
func (d *Device) Dir() string { return d.cfg.Dir }

// onEvict runs on ristretto's goroutine for evicted and rejected slots.
func (d *Device) onEvict(it *ristretto.Item) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.bound[it.Key]; ok {
		return
	}
	d.removeFileLocked(it.Key)
}

func (d *Device) filePath(h uint64) string {
	return filepath.Join(d.cfg.Dir, filepath.FromSlash(util.RecordPath(h)))
}

func (d *Device) readLocked(h uint64, withData bool) (*device.Record, error) {
	b, err := afero.ReadFile(d.fs, d.filePath(h))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			delete(d.files, h)
			return nil, device.ErrNotFound
		}
		return nil, err
	}
	if !withData {
		hdr, err := wire.PeekHeader(b)
		if err != nil {
			return nil, err
		}
		rec, err := d.codec.Decode(hdr)
		if err != nil {
			return nil, wire.ErrCorrupt
		}
		return &rec, nil
	}
	f, err := wire.Decode(b)
	if err != nil {
		return nil, err
	}
	rec, err := d.codec.Decode(f.Header)
	if err != nil {
		return nil, wire.ErrCorrupt
	}
	data := append([]byte(nil), f.Data...)
	if f.Compressed() {
		data, err = d.comp.decompress(f.Data, int(f.RawLen))
		if err != nil {
			return nil, wire.ErrCorrupt
		}
	}
	rec.Data = data
	rec.DataSize = int64(len(data))
	return &rec, nil
}

func (d *Device) writeLocked(h uint64, r *device.Record) (int64, error) {
	hdrRec := *r
	hdrRec.Data = nil
	hdr, err := d.codec.Encode(hdrRec)
	if err != nil {
		return 0, err
	}
	f := wire.Frame{Header: hdr, RawLen: uint32(len(r.Data)), Data: r.Data}
	if packed, ok := d.comp.compress(r.Data); ok {
		f.Flags |= wire.FlagCompressed
		f.Data = packed
	}
	b := wire.Encode(f)

	p := d.filePath(h)
	if err := d.fs.MkdirAll(filepath.Dir(p), dirPerm); err != nil {
		return 0, err
	}
	tmp := p + ".tmp"
	if err := afero.WriteFile(d.fs, tmp, b, filePerm); err != nil {
		return 0, err
	}
	if err := d.fs.Rename(tmp, p); err != nil {
		_ = d.fs.Remove(tmp)
		return 0, err
	}
	size := int64(len(b))
	d.trackLocked(h, size)
	return size, nil
}

func (d *Device) trackLocked(h uint64, size int64) {
	d.total += size - d.files[h]
	d.files[h] = size
}

func (d *Device) removeFileLocked(h uint64) {
	if size, ok := d.files[h]; ok {
		d.total -= size
		delete(d.files, h)
	}
	_ = d.fs.Remove(d.filePath(h))
}
