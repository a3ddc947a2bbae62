package versionmap

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldstore/internal/core/models"
)

func TestVersionMap(t *testing.T) {
	a := FromMap(map[models.EntityID]uint64{1: 1, 2: 5, 3: 7})
	b := a.Clone()
	b.Set(2, 6)
	b.Delete(3)
	b.Set(9, 1)

	require.Equal(t, []models.EntityID{2, 3, 9}, a.Diff(b))
	require.Empty(t, a.Diff(a.Clone()))
	require.Equal(t, 3, a.Len())

	var seen []models.EntityID
	a.Range(func(id models.EntityID, _ uint64) bool {
		seen = append(seen, id)
		return id < 2
	})
	require.Equal(t, []models.EntityID{1, 2}, seen)

	var nilMap *VersionMap
	require.Zero(t, nilMap.Len())
	require.Equal(t, []models.EntityID{1, 2, 3}, nilMap.Diff(a))
}

func TestEncoding(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		decoded, err := Decode(New().Encode())
		require.NoError(t, err)
		require.Zero(t, decoded.Len())
	})

	t.Run("Small Stays Uncompressed", func(t *testing.T) {
		vm := FromMap(map[models.EntityID]uint64{10: 1, 3: 2, models.MaxEntityID: 99})
		encoded := vm.Encode()
		require.Equal(t, byte('V'), encoded[0])
		require.Zero(t, encoded[1])

		decoded, err := Decode(encoded)
		require.NoError(t, err)
		require.True(t, vm.Equal(decoded))
	})

	large := New()
	for i := range 20000 {
		large.Set(models.EntityID(1000+i*7), uint64(i%13+1))
	}

	t.Run("Large Zstd", func(t *testing.T) {
		encoded := large.Encode()
		require.Equal(t, flagZstd, encoded[1])
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		require.True(t, large.Equal(decoded))
	})

	t.Run("Large LZ4", func(t *testing.T) {
		encoded := large.EncodeWith(CompressionLZ4)
		require.Equal(t, flagLZ4, encoded[1])
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		require.True(t, large.Equal(decoded))
	})

	t.Run("Corruption Detected", func(t *testing.T) {
		encoded := FromMap(map[models.EntityID]uint64{1: 1, 2: 2}).Encode()
		encoded[3] ^= 0xff
		_, err := Decode(encoded)
		require.ErrorIs(t, err, ErrChecksum)

		_, err = Decode([]byte{'X', 0, 0, 0, 0, 0, 0, 0, 0, 0})
		require.ErrorIs(t, err, ErrBadMagic)

		_, err = Decode([]byte{'V'})
		require.ErrorIs(t, err, ErrTruncated)
	})
}

func frame(flags byte, body []byte) []byte {
	out := append([]byte{magic, flags}, body...)
	return binary.BigEndian.AppendUint64(out, xxhash.Sum64(body))
}

func TestDecode_Bounded(t *testing.T) {
	t.Run("LZ4 Size Beyond Limit", func(t *testing.T) {
		body := binary.AppendUvarint(nil, 1<<62)
		body = append(body, 0x10, 0x41)
		_, err := Decode(frame(flagLZ4, body))
		require.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("LZ4 Size Beyond Block Ratio", func(t *testing.T) {
		body := binary.AppendUvarint(nil, 1<<20)
		body = append(body, 0x10, 0x41)
		_, err := Decode(frame(flagLZ4, body))
		require.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("Zstd Output Beyond Limit", func(t *testing.T) {
		var packed bytes.Buffer
		enc, err := zstd.NewWriter(&packed)
		require.NoError(t, err)
		zeros := make([]byte, 1<<20)
		for range MaxBodySize/len(zeros) + 1 {
			_, err = enc.Write(zeros)
			require.NoError(t, err)
		}
		require.NoError(t, enc.Close())

		_, err = Decode(frame(flagZstd, packed.Bytes()))
		require.ErrorIs(t, err, ErrTooLarge)
	})
}
