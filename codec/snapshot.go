package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/rogpeppe/ctrie"
)

// Options configures Write and Read.
type Options struct {
	// Codec marshals keys and values. Defaults to [Default].
	// On read, it is used when its name matches the stream header;
	// otherwise the header name is resolved through [ByName].
	Codec Codec

	// Compression selects the entry-stream compression on write.
	// On read the compression recorded in the header is used.
	Compression Compression
}

// WithCodec sets the key/value codec.
func WithCodec(c Codec) func(o *Options) {
	return func(o *Options) {
		o.Codec = c
	}
}

// WithCompression sets the entry-stream compression used by Write.
func WithCompression(c Compression) func(o *Options) {
	return func(o *Options) {
		o.Compression = c
	}
}

func applyOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Codec: Default,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = Default
	}
	return opts
}

// Write serializes a point-in-time snapshot of m to w: every entry of a
// read-only clone taken at call time, preceded by a header recording
// whether m itself was read-only. Writers of m are never blocked.
func Write[Key, Value any](w io.Writer, m *ctrie.Map[Key, Value], optFns ...func(o *Options)) error {
	opts := applyOptions(optFns)

	var stream bytes.Buffer
	var count uint64
	for k, v := range m.All() {
		kb, err := opts.Codec.Marshal(k)
		if err != nil {
			return fmt.Errorf("marshal key: %w", err)
		}
		vb, err := opts.Codec.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal value: %w", err)
		}
		if err := writeChunk(&stream, kb); err != nil {
			return err
		}
		if err := writeChunk(&stream, vb); err != nil {
			return err
		}
		count++
	}

	payload, err := compress(stream.Bytes(), opts.Compression)
	if err != nil {
		return err
	}

	name := opts.Codec.Name()
	if len(name) > math.MaxUint8 {
		return fmt.Errorf("codec name %q too long", name)
	}
	header := streamHeader{
		Magic:        magicNumber,
		Version:      formatVersion,
		Compression:  uint8(opts.Compression),
		CodecNameLen: uint8(len(name)),
		EntryCount:   count,
		PayloadLen:   uint64(len(payload)),
	}
	if m.ReadOnly() {
		header.Flags |= flagReadOnly
	}

	// Everything up to the trailer contributes to the checksum.
	sum := crc32.NewIEEE()
	out := io.MultiWriter(w, sum)
	if err := binary.Write(out, binary.LittleEndian, header); err != nil {
		return err
	}
	if _, err := io.WriteString(out, name); err != nil {
		return err
	}
	if _, err := out.Write(payload); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, sum.Sum32())
}

// Read restores a snapshot stream into the given mutable, empty map by
// reinserting every entry, and returns that map, or its read-only clone if
// the stream was written from a read-only map.
func Read[Key, Value any](r io.Reader, into *ctrie.Map[Key, Value], optFns ...func(o *Options)) (*ctrie.Map[Key, Value], error) {
	if into.ReadOnly() {
		return nil, ErrReadOnlyTarget
	}
	opts := applyOptions(optFns)

	sum := crc32.NewIEEE()
	tr := io.TeeReader(r, sum)

	var header streamHeader
	if err := binary.Read(tr, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if header.Magic != magicNumber {
		return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidMagic, header.Magic)
	}
	if header.Version != formatVersion {
		return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidVersion, header.Version)
	}

	nameBytes := make([]byte, header.CodecNameLen)
	if _, err := io.ReadFull(tr, nameBytes); err != nil {
		return nil, err
	}
	codec := opts.Codec
	if codec.Name() != string(nameBytes) {
		var ok bool
		codec, ok = ByName(string(nameBytes))
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, nameBytes)
		}
	}

	payload := make([]byte, header.PayloadLen)
	if _, err := io.ReadFull(tr, payload); err != nil {
		return nil, err
	}

	var trailer uint32
	if err := binary.Read(r, binary.LittleEndian, &trailer); err != nil {
		return nil, err
	}
	if trailer != sum.Sum32() {
		return nil, fmt.Errorf("%w: got 0x%08x, want 0x%08x", ErrChecksum, trailer, sum.Sum32())
	}

	data, err := decompress(payload, Compression(header.Compression))
	if err != nil {
		return nil, err
	}

	off := 0
	next := func() ([]byte, error) {
		if off+4 > len(data) {
			return nil, ErrTruncated
		}
		n := binary.LittleEndian.Uint32(data[off:])
		off += 4
		if uint64(n) > uint64(len(data)-off) {
			return nil, ErrTruncated
		}
		chunk := data[off : off+int(n)]
		off += int(n)
		return chunk, nil
	}
	for range header.EntryCount {
		kb, err := next()
		if err != nil {
			return nil, err
		}
		vb, err := next()
		if err != nil {
			return nil, err
		}
		var key Key
		if err := codec.Unmarshal(kb, &key); err != nil {
			return nil, fmt.Errorf("unmarshal key: %w", err)
		}
		var value Value
		if err := codec.Unmarshal(vb, &value); err != nil {
			return nil, fmt.Errorf("unmarshal value: %w", err)
		}
		into.Set(key, value)
	}

	if header.Flags&flagReadOnly != 0 {
		return into.RClone(), nil
	}
	return into, nil
}

func writeChunk(buf *bytes.Buffer, b []byte) error {
	if uint64(len(b)) > math.MaxUint32 {
		return fmt.Errorf("entry chunk of %d bytes too large", len(b))
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
	return nil
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		var buf bytes.Buffer
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
	}
}

func decompress(payload []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return payload, nil
	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
	case CompressionZstd:
		zr, err := zstd.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
	}
}
