package zb8

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStepTLV(t *testing.T) {
	data := []byte{
		0x01, 0x01, 0x02, 0x00, 0xaa, 0xbb, // type 0x0101, 2 bytes
		0x02, 0x02, 0x00, 0x00, // type 0x0202, empty
		0x00, 0x00, // terminator
		0xde, 0xad,
	}

	offset := 0

	entry, err := StepTLV(data, &offset)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0101), entry.Type)
	require.Equal(t, uint16(2), entry.Length)
	require.Equal(t, []byte{0xaa, 0xbb}, entry.Value)
	require.Equal(t, 6, offset)

	entry, err = StepTLV(data, &offset)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0202), entry.Type)
	require.Equal(t, uint16(0), entry.Length)

	_, err = StepTLV(data, &offset)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStepTLV_Truncated(t *testing.T) {
	// A length that runs past the buffer must not be honored.
	data := []byte{0x01, 0x01, 0xff, 0x00, 0xaa}

	offset := 0

	_, err := StepTLV(data, &offset)
	require.ErrorIs(t, err, ErrNotFound)

	// So must a buffer too short for the type/length words.
	short := []byte{0x01}
	offset = 0

	_, err = StepTLV(short, &offset)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindTLV(t *testing.T) {
	tlv := appendTLV(nil, 0x0100, make([]byte, 4))
	tlv = appendTLV(tlv, 0x0300, []byte{1, 2})
	tlv = appendTLV(tlv, 0x0300, []byte{3, 4})
	tlv = append(tlv, 0, 0, 0, 0)

	entry, found := findTLV(tlv, 0x0300, 2)
	require.True(t, found)
	require.Equal(t, []byte{1, 2}, entry.Value)

	// Matching type but wrong length is not a hit.
	_, found = findTLV(tlv, 0x0100, 8)
	require.False(t, found)

	_, found = findTLV(tlv, 0x0400, 2)
	require.False(t, found)
}
