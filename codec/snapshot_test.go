package codec_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rogpeppe/ctrie"
	"github.com/rogpeppe/ctrie/codec"
)

func newStringMap() *ctrie.Map[string, string] {
	return ctrie.NewWithFuncs[string, string](nil, nil, func(v1, v2 string) bool {
		return v1 == v2
	})
}

func entries[K comparable, V any](m *ctrie.Map[K, V]) map[K]V {
	out := make(map[K]V)
	for k, v := range m.All() {
		out[k] = v
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	compressions := map[string]codec.Compression{
		"none": codec.CompressionNone,
		"lz4":  codec.CompressionLZ4,
		"zstd": codec.CompressionZstd,
	}
	for name, comp := range compressions {
		t.Run(name, func(t *testing.T) {
			m := newStringMap()
			for i := range 100 {
				m.Set(fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))
			}

			var buf bytes.Buffer
			err := codec.Write(&buf, m, codec.WithCompression(comp))
			require.NoError(t, err)

			restored, err := codec.Read(bytes.NewReader(buf.Bytes()), newStringMap())
			require.NoError(t, err)
			require.False(t, restored.ReadOnly())
			require.Equal(t, entries(m), entries(restored))
		})
	}
}

func TestRoundTripEmpty(t *testing.T) {
	var buf bytes.Buffer
	err := codec.Write(&buf, newStringMap())
	require.NoError(t, err)

	restored, err := codec.Read(bytes.NewReader(buf.Bytes()), newStringMap())
	require.NoError(t, err)
	require.Equal(t, 0, restored.Len())
}

func TestReadOnlyFlagPreserved(t *testing.T) {
	m := newStringMap()
	m.Set("k", "v")
	ro := m.RClone()

	var buf bytes.Buffer
	err := codec.Write(&buf, ro)
	require.NoError(t, err)

	restored, err := codec.Read(bytes.NewReader(buf.Bytes()), newStringMap())
	require.NoError(t, err)
	require.True(t, restored.ReadOnly())
	require.Equal(t, entries(ro), entries(restored))
	require.Panics(t, func() {
		restored.Set("k", "w")
	})
}

func TestIntEntries(t *testing.T) {
	m := ctrie.NewWithFuncs[string, int](nil, nil, nil)
	m.Set("one", 1)
	m.Set("two", 2)

	var buf bytes.Buffer
	require.NoError(t, codec.Write(&buf, m, codec.WithCompression(codec.CompressionZstd)))

	restored, err := codec.Read(bytes.NewReader(buf.Bytes()), ctrie.NewWithFuncs[string, int](nil, nil, nil))
	require.NoError(t, err)
	require.Equal(t, entries(m), entries(restored))
}

func TestChecksumMismatch(t *testing.T) {
	m := newStringMap()
	m.Set("k", "v")

	var buf bytes.Buffer
	require.NoError(t, codec.Write(&buf, m))

	// Corrupt one payload byte, keeping the trailer intact.
	data := buf.Bytes()
	data[len(data)-5] ^= 0xff

	_, err := codec.Read(bytes.NewReader(data), newStringMap())
	require.ErrorIs(t, err, codec.ErrChecksum)
}

func TestInvalidMagic(t *testing.T) {
	_, err := codec.Read(bytes.NewReader(make([]byte, 64)), newStringMap())
	require.ErrorIs(t, err, codec.ErrInvalidMagic)
}

func TestTruncatedStream(t *testing.T) {
	m := newStringMap()
	m.Set("k", "v")

	var buf bytes.Buffer
	require.NoError(t, codec.Write(&buf, m))

	_, err := codec.Read(bytes.NewReader(buf.Bytes()[:buf.Len()/2]), newStringMap())
	require.Error(t, err)
}

// weirdCodec is a JSON codec under a non-built-in name.
type weirdCodec struct {
	codec.JSON
}

func (weirdCodec) Name() string { return "weird" }

func TestCustomCodec(t *testing.T) {
	m := newStringMap()
	m.Set("k", "v")

	var buf bytes.Buffer
	require.NoError(t, codec.Write(&buf, m, codec.WithCodec(weirdCodec{})))

	// Without the custom codec the stream cannot be resolved.
	_, err := codec.Read(bytes.NewReader(buf.Bytes()), newStringMap())
	require.ErrorIs(t, err, codec.ErrUnknownCodec)

	restored, err := codec.Read(bytes.NewReader(buf.Bytes()), newStringMap(), codec.WithCodec(weirdCodec{}))
	require.NoError(t, err)
	require.Equal(t, entries(m), entries(restored))
}

func TestReadOnlyTarget(t *testing.T) {
	m := newStringMap()
	var buf bytes.Buffer
	require.NoError(t, codec.Write(&buf, m))

	_, err := codec.Read(bytes.NewReader(buf.Bytes()), newStringMap().RClone())
	require.ErrorIs(t, err, codec.ErrReadOnlyTarget)
}
