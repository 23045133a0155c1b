package tsdf

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/segmentio/encoding/json"
)

// Dump file names inside a scene directory.
const (
	ManifestFile   = "scene.json"
	VoxelFile      = "voxel.dat"
	AllocFile      = "alloc.dat"
	PoolStateFile  = "vba.txt"
	HashFile       = "hash.dat"
	ExcessFile     = "excess.dat"
	IndexStateFile = "hash.txt"
)

const compressedSuffix = ".zst"

// Manifest describes a scene dump. Load rejects dumps whose manifest does
// not match the receiving volume.
type Manifest struct {
	ID            string      `json:"id"`
	Layout        Layout      `json:"layout"`
	BlockSize     int         `json:"block_size"`
	BlockCapacity int         `json:"block_capacity"`
	BucketCount   int         `json:"bucket_count"`
	ExcessCount   int         `json:"excess_count"`
	Compressed    bool        `json:"compressed"`
	Params        SceneParams `json:"params"`
	SavedAt       time.Time   `json:"saved_at"`
}

func (v *Volume[V]) manifest() Manifest {
	return Manifest{
		ID:            v.id.String(),
		Layout:        v.Layout(),
		BlockSize:     BlockSize,
		BlockCapacity: v.pool.Capacity(),
		BucketCount:   v.index.BucketCount(),
		ExcessCount:   v.index.ExcessCount(),
		Compressed:    v.compress,
		Params:        v.params,
	}
}

// Save writes the volume to dir, creating it if needed. The payload files
// are bit-exact copies of the in-memory arrays and only load into a volume
// with the same voxel layout and table sizes.
func (v *Volume[V]) Save(dir string) error {
	defer instrumentPersistLatency("save", time.Now())

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("tsdf: save: %w", err)
	}

	m := v.manifest()
	m.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("tsdf: save manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return fmt.Errorf("tsdf: save manifest: %w", err)
	}

	payloads := []struct {
		name string
		data []byte
	}{
		{VoxelFile, rawBytes(v.pool.voxels)},
		{AllocFile, rawBytes(v.pool.free.ids)},
		{HashFile, rawBytes(v.index.entries)},
		{ExcessFile, rawBytes(v.index.excess.ids)},
	}
	for _, p := range payloads {
		if err := writePayload(filepath.Join(dir, p.name), p.data, v.compress); err != nil {
			return err
		}
	}

	sidecars := []struct {
		name string
		text string
	}{
		{PoolStateFile, fmt.Sprintf("%d %d\n", v.pool.LastFreeSlot(), v.pool.Allocated())},
		{IndexStateFile, fmt.Sprintf("%d\n", v.index.excess.top())},
	}
	for _, s := range sidecars {
		if err := os.WriteFile(filepath.Join(dir, s.name), []byte(s.text), 0o644); err != nil {
			return fmt.Errorf("tsdf: save %s: %w", s.name, err)
		}
	}

	Logger().Info("tsdf: volume saved", "id", m.ID, "dir", dir, "blocks", v.pool.Allocated())
	return nil
}

// Load replaces the contents of v with the dump in dir. On error v is left
// unchanged.
func (v *Volume[V]) Load(dir string) error {
	defer instrumentPersistLatency("load", time.Now())

	m, err := ReadManifest(dir)
	if err != nil {
		return err
	}
	if err := v.checkManifest(m); err != nil {
		return err
	}
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return fmt.Errorf("tsdf: load manifest: scene id: %w", err)
	}

	var lastFree, allocated int32
	if err := readSidecar(filepath.Join(dir, PoolStateFile), &lastFree, &allocated); err != nil {
		return err
	}
	var lastExcess int32
	if err := readSidecar(filepath.Join(dir, IndexStateFile), &lastExcess); err != nil {
		return err
	}
	capacity := v.pool.Capacity()
	if lastFree < -1 || int(lastFree) >= capacity || int(allocated) != capacity-int(lastFree)-1 {
		return fmt.Errorf("%w: pool state %d %d for capacity %d", ErrLayoutMismatch, lastFree, allocated, capacity)
	}
	if lastExcess < -1 || int(lastExcess) >= v.index.ExcessCount() {
		return fmt.Errorf("%w: excess state %d for %d entries", ErrLayoutMismatch, lastExcess, v.index.ExcessCount())
	}

	freeIDs := make([]int32, capacity)
	entries := make([]HashEntry, len(v.index.entries))
	excessIDs := make([]int32, v.index.ExcessCount())
	voxels := make([]V, len(v.pool.voxels))
	payloads := []struct {
		name string
		dst  []byte
	}{
		{AllocFile, rawBytes(freeIDs)},
		{HashFile, rawBytes(entries)},
		{ExcessFile, rawBytes(excessIDs)},
		{VoxelFile, rawBytes(voxels)},
	}
	for _, p := range payloads {
		if err := readPayload(filepath.Join(dir, p.name), p.dst, m.Compressed); err != nil {
			return err
		}
	}

	if err := checkSlots(entries, freeIDs, excessIDs, capacity); err != nil {
		return err
	}
	if err := v.index.restore(entries, excessIDs, lastExcess); err != nil {
		return err
	}
	copy(v.pool.voxels, voxels)
	v.pool.free.restore(freeIDs, lastFree)
	v.pool.overflow.Store(0)
	v.rebuildSlotKeys()
	v.id = id

	Logger().Info("tsdf: volume loaded", "id", m.ID, "dir", dir, "blocks", allocated)
	return nil
}

// checkSlots rejects dumps that reference pool slots or excess entries
// outside the tables, or hand one slot to two blocks.
func checkSlots(entries []HashEntry, freeIDs, excessIDs []int32, capacity int) error {
	owned := make([]bool, capacity)
	for i, e := range entries {
		if e.Ptr < 0 {
			continue
		}
		if int(e.Ptr) >= capacity || owned[e.Ptr] {
			return fmt.Errorf("%w: entry %d points at slot %d of %d", ErrLayoutMismatch, i, e.Ptr, capacity)
		}
		owned[e.Ptr] = true
	}
	for i, id := range freeIDs {
		if id < 0 || int(id) >= capacity {
			return fmt.Errorf("%w: free slot %d at %d of %d", ErrLayoutMismatch, id, i, capacity)
		}
	}
	for i, id := range excessIDs {
		if id < 0 || int(id) >= len(excessIDs) {
			return fmt.Errorf("%w: free excess entry %d at %d of %d", ErrLayoutMismatch, id, i, len(excessIDs))
		}
	}
	return nil
}

// ReadManifest reads the manifest of a scene dump.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return m, fmt.Errorf("tsdf: load manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("tsdf: load manifest: %w", err)
	}
	return m, nil
}

func (v *Volume[V]) checkManifest(m Manifest) error {
	want := v.manifest()
	switch {
	case m.Layout != want.Layout:
		return fmt.Errorf("%w: voxel layout %s/%d, volume uses %s/%d",
			ErrLayoutMismatch, m.Layout.Name, m.Layout.Size, want.Layout.Name, want.Layout.Size)
	case m.BlockSize != want.BlockSize:
		return fmt.Errorf("%w: block size %d, volume uses %d", ErrLayoutMismatch, m.BlockSize, want.BlockSize)
	case m.BlockCapacity != want.BlockCapacity || m.BucketCount != want.BucketCount || m.ExcessCount != want.ExcessCount:
		return fmt.Errorf("%w: table %d/%d/%d, volume uses %d/%d/%d", ErrLayoutMismatch,
			m.BlockCapacity, m.BucketCount, m.ExcessCount,
			want.BlockCapacity, want.BucketCount, want.ExcessCount)
	case m.Params.VoxelSize != want.Params.VoxelSize || m.Params.Directional != want.Params.Directional:
		return fmt.Errorf("%w: voxel size %v directional %v, volume uses %v %v", ErrLayoutMismatch,
			m.Params.VoxelSize, m.Params.Directional, want.Params.VoxelSize, want.Params.Directional)
	}
	return nil
}

func rawBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(s[0])))
}

func writePayload(path string, data []byte, compress bool) (err error) {
	if compress {
		path += compressedSuffix
	}
	f, err := os.Create(path) //nolint:gosec // path is built from a caller-supplied directory
	if err != nil {
		return fmt.Errorf("tsdf: save %s: %w", filepath.Base(path), err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("tsdf: save %s: %w", filepath.Base(path), cerr)
		}
	}()

	bw := bufio.NewWriterSize(f, 1<<20)
	var w io.Writer = bw
	var enc *zstd.Encoder
	if compress {
		enc, err = zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("tsdf: save %s: %w", filepath.Base(path), err)
		}
		w = enc
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("tsdf: save %s: %w", filepath.Base(path), err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("tsdf: save %s: %w", filepath.Base(path), err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("tsdf: save %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readPayload(path string, dst []byte, compressed bool) error {
	if compressed {
		path += compressedSuffix
	}
	name := filepath.Base(path)
	f, err := os.Open(path) //nolint:gosec // path is built from a caller-supplied directory
	if err != nil {
		return fmt.Errorf("tsdf: load %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = bufio.NewReaderSize(f, 1<<20)
	if compressed {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("tsdf: load %s: %w", name, err)
		}
		defer dec.Close()
		r = dec
	}

	if _, err := io.ReadFull(r, dst); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s is shorter than %d bytes", ErrLayoutMismatch, name, len(dst))
		}
		return fmt.Errorf("tsdf: load %s: %w", name, err)
	}
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return fmt.Errorf("%w: %s is longer than %d bytes", ErrLayoutMismatch, name, len(dst))
	}
	return nil
}

func readSidecar(path string, vals ...*int32) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is built from a caller-supplied directory
	if err != nil {
		return fmt.Errorf("tsdf: load %s: %w", filepath.Base(path), err)
	}
	args := make([]any, len(vals))
	for i, p := range vals {
		args[i] = p
	}
	if _, err := fmt.Sscan(strings.TrimSpace(string(data)), args...); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLayoutMismatch, filepath.Base(path), err)
	}
	return nil
}
