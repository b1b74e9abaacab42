package core

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	cases := []record{
		{kind: kindData, key: []byte("k"), value: []byte("v")},
		{kind: kindTomb, key: []byte("gone")},
		{kind: kindDataInBatch, batchID: 7, key: []byte("bk"), value: []byte("bv")},
		{kind: kindTombInBatch, batchID: 7, key: []byte("bk2")},
		{kind: kindBatchDone, batchID: 7},
	}

	for _, want := range cases {
		encoded := want.encode()
		require.Equal(t, want.encodedLen(), len(encoded), "kind %v", want.kind)

		got, consumed, err := decodeRecord(bufio.NewReader(bytes.NewReader(encoded)))
		require.NoError(t, err, "kind %v", want.kind)
		require.Equal(t, len(encoded), consumed, "kind %v", want.kind)
		require.Equal(t, want.kind, got.kind)
		require.Equal(t, want.batchID, got.batchID)
		require.Equal(t, want.key, got.key)
		require.Equal(t, want.value, got.value)
	}
}

func TestDecodeRecordCrcMismatch(t *testing.T) {
	rec := record{kind: kindData, key: []byte("k"), value: []byte("v")}
	encoded := rec.encode()
	encoded[len(encoded)-1] ^= 0xff // corrupt the CRC trailer itself

	_, _, err := decodeRecord(bufio.NewReader(bytes.NewReader(encoded)))
	var crcErr *CrcMismatchError
	require.ErrorAs(t, err, &crcErr)
}

func TestDecodeRecordZeroHeaderIsEOF(t *testing.T) {
	zeros := make([]byte, 9) // tag(0=Data) + keysize(4)=0 + valuesize(4)=0
	_, _, err := decodeRecord(bufio.NewReader(bytes.NewReader(zeros)))
	require.ErrorIs(t, err, errEOF)
}

func TestDecodeRecordTruncatedPayloadIsEOF(t *testing.T) {
	rec := record{kind: kindData, key: []byte("key"), value: []byte("value")}
	encoded := rec.encode()
	truncated := encoded[:len(encoded)-6] // drop the 4-byte CRC and cut into the value payload

	_, _, err := decodeRecord(bufio.NewReader(bytes.NewReader(truncated)))
	require.ErrorIs(t, err, errEOF)
}

func TestRecordPointerEncodeDecodeRoundTrip(t *testing.T) {
	want := recordPointer{FileID: 42, Offset: 123456789}
	enc := want.encode()

	got, err := decodeRecordPointer(enc[:])
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = decodeRecordPointer(enc[:len(enc)-1])
	require.Error(t, err)
}
