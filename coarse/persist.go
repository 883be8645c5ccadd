package coarse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"github.com/fragforge/fragcache/addr"
	"github.com/fragforge/fragcache/table"
)

// CurrentVersion is the persistence format version this build writes
// and the only version it accepts on Resurrect (spec.md §6
// "Versioned; an incompatible version is rejected").
const CurrentVersion uint32 = 1

const headerSize = 16 + 4 + 4 + 8 + 8 + 4 + 4 // id + version + 4 unused bytes + baseaddr + modshift + counts

// Header is the fixed-size prefix of a persisted coarse-unit image
// (spec.md §6 "Header encodes mod_shift, base addresses, counts").
type Header struct {
	ID             uuid.UUID
	Version        uint32
	BaseAddr       uint64
	ModShift       int64
	MainCount      uint32
	TraceHeadCount uint32
}

func (h Header) encode() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:16], h.ID[:])
	binary.LittleEndian.PutUint32(buf[16:20], h.Version)
	binary.LittleEndian.PutUint64(buf[20:28], h.BaseAddr)
	binary.LittleEndian.PutUint64(buf[28:36], uint64(h.ModShift))
	binary.LittleEndian.PutUint32(buf[36:40], h.MainCount)
	binary.LittleEndian.PutUint32(buf[40:44], h.TraceHeadCount)
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("coarse: truncated header (%d bytes)", len(buf))
	}
	var h Header
	copy(h.ID[:], buf[0:16])
	h.Version = binary.LittleEndian.Uint32(buf[16:20])
	h.BaseAddr = binary.LittleEndian.Uint64(buf[20:28])
	h.ModShift = int64(binary.LittleEndian.Uint64(buf[28:36]))
	h.MainCount = binary.LittleEndian.Uint32(buf[36:40])
	h.TraceHeadCount = binary.LittleEndian.Uint32(buf[40:44])
	if h.Version != CurrentVersion {
		return Header{}, fmt.Errorf("coarse: image version %d incompatible with %d", h.Version, CurrentVersion)
	}
	return h, nil
}

// entryPairSize is the on-the-wire width of one (tag, offset) pair.
const entryPairSize = 16

func encodeEntries(tags []addr.Tag, offsets []uint64) []byte {
	buf := make([]byte, entryPairSize*len(tags))
	for i := range tags {
		binary.LittleEndian.PutUint64(buf[i*entryPairSize:], uint64(tags[i]))
		binary.LittleEndian.PutUint64(buf[i*entryPairSize+8:], offsets[i])
	}
	return buf
}

func decodeEntries(buf []byte) ([]addr.Tag, []uint64, error) {
	if len(buf)%entryPairSize != 0 {
		return nil, nil, fmt.Errorf("coarse: corrupt entry blob (%d bytes)", len(buf))
	}
	n := len(buf) / entryPairSize
	tags := make([]addr.Tag, n)
	offsets := make([]uint64, n)
	for i := 0; i < n; i++ {
		tags[i] = addr.Tag(binary.LittleEndian.Uint64(buf[i*entryPairSize:]))
		offsets[i] = binary.LittleEndian.Uint64(buf[i*entryPairSize+8:])
	}
	return tags, offsets, nil
}

// writeBlob zstd-compresses payload and writes it to w length-prefixed
// (spec.md §6 persistence format: "header + main htable blob + ...";
// §2 DOMAIN STACK: blobs are zstd-compressed, klauspost/compress/zstd).
func writeBlob(w io.Writer, payload []byte) error {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("coarse: zstd writer: %w", err)
	}
	compressed := enc.EncodeAll(payload, nil)
	_ = enc.Close()

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(compressed)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(compressed)
	return err
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	compressed := make([]byte, n)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("coarse: zstd reader: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(compressed, nil)
}

// Persist writes u's main and trace-head directories to path as a
// versioned, zstd-compressed image (spec.md §6 persistence format).
// The reverse table and recent-pc cache are not persisted: both are
// cheap to rebuild and are load-time derived state, not identity.
func Persist(u *Unit, path string) error {
	u.mu.RLock()
	defer u.mu.RUnlock()

	mainTags, mainOffs := snapshotEntries(u.main)
	thTags, thOffs := snapshotEntries(u.traceHead)

	hdr := Header{
		ID:             uuid.New(),
		Version:        CurrentVersion,
		BaseAddr:       uint64(u.BaseAddr),
		ModShift:       u.ModShift,
		MainCount:      uint32(len(mainTags)),
		TraceHeadCount: uint32(len(thTags)),
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("coarse: persist %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(hdr.encode()); err != nil {
		return err
	}
	if err := writeBlob(f, encodeEntries(mainTags, mainOffs)); err != nil {
		return err
	}
	if err := writeBlob(f, encodeEntries(thTags, thOffs)); err != nil {
		return err
	}
	return nil
}

func snapshotEntries(t *table.Table[addr.Tag, uint64]) ([]addr.Tag, []uint64) {
	it := t.Iterate()
	var tags []addr.Tag
	var offs []uint64
	for {
		tag, off, ok := it.Next()
		if !ok {
			break
		}
		tags = append(tags, tag)
		offs = append(offs, off)
	}
	return tags, offs
}

// Resurrect mmaps path read-only and rebuilds a frozen Unit from its
// image (spec.md §4.1 "persist/resurrect split for read-only views
// over externally-mapped storage", §6 persistence format). The
// returned Unit's main/trace-head tables are writable Go tables built
// from the decompressed blobs; only the backing file mapping itself is
// read-only, consistent with "resurrection reconstructs the in-memory
// form and the mapping is dropped once decoding completes."
func Resurrect(modKey string, path string, cfg Config) (*Unit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("coarse: resurrect %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("coarse: resurrect %s: empty image", path)
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("coarse: mmap %s: %w", path, err)
	}
	defer unix.Munmap(mapped)

	r := bytes.NewReader(mapped)
	hdrBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return nil, err
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		return nil, err
	}

	mainBlob, err := readBlob(r)
	if err != nil {
		return nil, fmt.Errorf("coarse: main blob: %w", err)
	}
	thBlob, err := readBlob(r)
	if err != nil {
		return nil, fmt.Errorf("coarse: trace-head blob: %w", err)
	}

	mainTags, mainOffs, err := decodeEntries(mainBlob)
	if err != nil {
		return nil, err
	}
	thTags, thOffs, err := decodeEntries(thBlob)
	if err != nil {
		return nil, err
	}

	u := NewUnit(modKey, cfg)
	u.BaseAddr = addr.CachePC(hdr.BaseAddr)
	u.ModShift = hdr.ModShift
	u.Frozen = true
	for i := range mainTags {
		if err := u.AddMain(mainTags[i], mainOffs[i]); err != nil {
			return nil, err
		}
	}
	for i := range thTags {
		if err := u.AddTraceHead(thTags[i], thOffs[i]); err != nil {
			return nil, err
		}
	}
	return u, nil
}
