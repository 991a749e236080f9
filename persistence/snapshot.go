package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/vecdb/internal/hnsw"
)

// GraphNode is one serialized graph node. Conns has level+1 adjacency
// lists, base layer first.
type GraphNode struct {
	Slot  uint32
	Conns [][]hnsw.Neighbor
}

// Snapshot is a point-in-time image of an index. Rows are addressed by
// dense slots; tombstoned rows keep their vector (the graph still routes
// through them) but lose their external id.
type Snapshot struct {
	Dimension      int
	Metric         uint8
	MaxElements    uint64
	M              int
	EFConstruction int

	QuantizerKind uint8
	QuantizerBlob []byte

	// RowCount is the slot high water mark. IDs has RowCount entries, ""
	// for tombstoned slots. Vectors is RowCount*Dimension float32 values.
	RowCount   uint32
	IDs        []string
	Vectors    []float32
	Tombstones *roaring.Bitmap

	Nodes      []GraphNode
	EntrySlot  uint32
	EntryLevel int
	HasEntry   bool
}

const maxSaneLen = 1 << 31

// Write serializes the snapshot to w using the given codec.
func Write(w io.Writer, s *Snapshot, codec Codec) error {
	if !codec.valid() {
		return ErrInvalidCodec
	}

	payload, err := encodePayload(s)
	if err != nil {
		return err
	}

	compressed, codec, err := compress(payload, codec)
	if err != nil {
		return err
	}

	cw := NewChecksumWriter(w)

	var header [25]byte
	binary.LittleEndian.PutUint32(header[0:], MagicNumber)
	binary.LittleEndian.PutUint32(header[4:], Version)
	header[8] = byte(codec)
	binary.LittleEndian.PutUint64(header[9:], uint64(len(payload)))
	binary.LittleEndian.PutUint64(header[17:], uint64(len(compressed)))
	if _, err := cw.Write(header[:]); err != nil {
		return err
	}
	if _, err := cw.Write(compressed); err != nil {
		return err
	}

	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], cw.Sum())
	_, err = w.Write(trailer[:])
	return err
}

// Read deserializes a snapshot, verifying the trailer checksum before any
// of the decoded content is trusted.
func Read(r io.Reader) (*Snapshot, error) {
	cr := NewChecksumReader(r)

	var header [25]byte
	if _, err := io.ReadFull(cr, header[:]); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTruncatedSnapshot, err)
	}
	if binary.LittleEndian.Uint32(header[0:]) != MagicNumber {
		return nil, ErrInvalidMagic
	}
	if binary.LittleEndian.Uint32(header[4:]) != Version {
		return nil, ErrInvalidVersion
	}
	codec := Codec(header[8])
	if !codec.valid() {
		return nil, ErrInvalidCodec
	}
	uncompressedLen := binary.LittleEndian.Uint64(header[9:])
	compressedLen := binary.LittleEndian.Uint64(header[17:])
	if uncompressedLen > maxSaneLen || compressedLen > maxSaneLen {
		return nil, ErrCorruptSnapshot
	}

	compressed := make([]byte, compressedLen)
	if _, err := io.ReadFull(cr, compressed); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTruncatedSnapshot, err)
	}

	var trailer [4]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTruncatedSnapshot, err)
	}
	if err := cr.Verify(binary.LittleEndian.Uint32(trailer[:])); err != nil {
		return nil, err
	}

	payload, err := decompress(compressed, codec, uncompressedLen)
	if err != nil {
		return nil, err
	}
	return decodePayload(payload)
}

type payloadWriter struct {
	buf bytes.Buffer
}

func (pw *payloadWriter) u8(v uint8)   { pw.buf.WriteByte(v) }
func (pw *payloadWriter) u16(v uint16) { pw.writeInt(uint64(v), 2) }
func (pw *payloadWriter) u32(v uint32) { pw.writeInt(uint64(v), 4) }
func (pw *payloadWriter) u64(v uint64) { pw.writeInt(v, 8) }

func (pw *payloadWriter) writeInt(v uint64, size int) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	pw.buf.Write(tmp[:size])
}

func (pw *payloadWriter) str(s string) {
	pw.u16(uint16(len(s)))
	pw.buf.WriteString(s)
}

func (pw *payloadWriter) f32s(vals []float32) {
	for _, f := range vals {
		pw.u32(math.Float32bits(f))
	}
}

func encodePayload(s *Snapshot) ([]byte, error) {
	pw := &payloadWriter{}

	pw.u32(uint32(s.Dimension))
	pw.u8(s.Metric)
	pw.u64(s.MaxElements)
	pw.u32(uint32(s.M))
	pw.u32(uint32(s.EFConstruction))

	pw.u8(s.QuantizerKind)
	pw.u32(uint32(len(s.QuantizerBlob)))
	pw.buf.Write(s.QuantizerBlob)

	if len(s.IDs) != int(s.RowCount) || len(s.Vectors) != int(s.RowCount)*s.Dimension {
		return nil, fmt.Errorf("snapshot row layout inconsistent: %d ids, %d floats for %d rows", len(s.IDs), len(s.Vectors), s.RowCount)
	}
	pw.u32(s.RowCount)
	for _, id := range s.IDs {
		if len(id) > math.MaxUint16 {
			return nil, fmt.Errorf("id longer than %d bytes", math.MaxUint16)
		}
		pw.str(id)
	}
	pw.f32s(s.Vectors)

	tombstones := s.Tombstones
	if tombstones == nil {
		tombstones = roaring.New()
	}
	tb, err := tombstones.ToBytes()
	if err != nil {
		return nil, err
	}
	pw.u32(uint32(len(tb)))
	pw.buf.Write(tb)

	pw.u32(uint32(len(s.Nodes)))
	for _, n := range s.Nodes {
		pw.u32(n.Slot)
		pw.u16(uint16(len(n.Conns)))
		for _, layer := range n.Conns {
			pw.u16(uint16(len(layer)))
			for _, c := range layer {
				pw.u32(c.Slot)
				pw.u32(math.Float32bits(c.Dist))
			}
		}
	}

	if s.HasEntry {
		pw.u8(1)
		pw.u32(s.EntrySlot)
		pw.u32(uint32(s.EntryLevel))
	} else {
		pw.u8(0)
	}

	return pw.buf.Bytes(), nil
}

type payloadReader struct {
	data []byte
	off  int
}

func (pr *payloadReader) remaining() int { return len(pr.data) - pr.off }

func (pr *payloadReader) bytes(n int) ([]byte, error) {
	if n < 0 || pr.remaining() < n {
		return nil, ErrCorruptSnapshot
	}
	b := pr.data[pr.off : pr.off+n]
	pr.off += n
	return b, nil
}

func (pr *payloadReader) u8() (uint8, error) {
	b, err := pr.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (pr *payloadReader) u16() (uint16, error) {
	b, err := pr.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (pr *payloadReader) u32() (uint32, error) {
	b, err := pr.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (pr *payloadReader) u64() (uint64, error) {
	b, err := pr.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (pr *payloadReader) str() (string, error) {
	n, err := pr.u16()
	if err != nil {
		return "", err
	}
	b, err := pr.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodePayload(data []byte) (*Snapshot, error) {
	pr := &payloadReader{data: data}
	s := &Snapshot{}

	dim, err := pr.u32()
	if err != nil {
		return nil, err
	}
	s.Dimension = int(dim)
	if s.Metric, err = pr.u8(); err != nil {
		return nil, err
	}
	if s.MaxElements, err = pr.u64(); err != nil {
		return nil, err
	}
	m, err := pr.u32()
	if err != nil {
		return nil, err
	}
	s.M = int(m)
	efc, err := pr.u32()
	if err != nil {
		return nil, err
	}
	s.EFConstruction = int(efc)

	if s.QuantizerKind, err = pr.u8(); err != nil {
		return nil, err
	}
	blobLen, err := pr.u32()
	if err != nil {
		return nil, err
	}
	if blobLen > 0 {
		blob, err := pr.bytes(int(blobLen))
		if err != nil {
			return nil, err
		}
		s.QuantizerBlob = append([]byte(nil), blob...)
	}

	if s.RowCount, err = pr.u32(); err != nil {
		return nil, err
	}
	if s.Dimension <= 0 || int64(s.RowCount)*int64(s.Dimension) > maxSaneLen/4 {
		return nil, ErrCorruptSnapshot
	}
	s.IDs = make([]string, s.RowCount)
	for i := range s.IDs {
		if s.IDs[i], err = pr.str(); err != nil {
			return nil, err
		}
	}
	vecBytes, err := pr.bytes(int(s.RowCount) * s.Dimension * 4)
	if err != nil {
		return nil, err
	}
	s.Vectors = make([]float32, int(s.RowCount)*s.Dimension)
	for i := range s.Vectors {
		s.Vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(vecBytes[i*4:]))
	}

	tbLen, err := pr.u32()
	if err != nil {
		return nil, err
	}
	tb, err := pr.bytes(int(tbLen))
	if err != nil {
		return nil, err
	}
	s.Tombstones = roaring.New()
	if tbLen > 0 {
		if err := s.Tombstones.UnmarshalBinary(tb); err != nil {
			return nil, fmt.Errorf("%w: tombstone bitmap: %s", ErrCorruptSnapshot, err)
		}
	}

	nodeCount, err := pr.u32()
	if err != nil {
		return nil, err
	}
	if nodeCount > s.RowCount {
		return nil, ErrCorruptSnapshot
	}
	s.Nodes = make([]GraphNode, nodeCount)
	for i := range s.Nodes {
		if s.Nodes[i].Slot, err = pr.u32(); err != nil {
			return nil, err
		}
		layers, err := pr.u16()
		if err != nil {
			return nil, err
		}
		conns := make([][]hnsw.Neighbor, layers)
		for l := range conns {
			count, err := pr.u16()
			if err != nil {
				return nil, err
			}
			layer := make([]hnsw.Neighbor, count)
			for c := range layer {
				slot, err := pr.u32()
				if err != nil {
					return nil, err
				}
				bits, err := pr.u32()
				if err != nil {
					return nil, err
				}
				layer[c] = hnsw.Neighbor{Slot: slot, Dist: math.Float32frombits(bits)}
			}
			conns[l] = layer
		}
		s.Nodes[i].Conns = conns
	}

	hasEntry, err := pr.u8()
	if err != nil {
		return nil, err
	}
	if hasEntry == 1 {
		s.HasEntry = true
		if s.EntrySlot, err = pr.u32(); err != nil {
			return nil, err
		}
		level, err := pr.u32()
		if err != nil {
			return nil, err
		}
		s.EntryLevel = int(level)
	}

	if pr.remaining() != 0 {
		return nil, ErrCorruptSnapshot
	}
	return s, nil
}
