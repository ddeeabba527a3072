package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, MaxPayloadBytes),
	}

	for _, payload := range cases {
		var buf bytes.Buffer
		require.NoError(t, NewWriter(&buf).WriteFrame(payload))

		got, err := NewReader(&buf).ReadFrame()
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := NewWriter(&buf).WriteFrame(bytes.Repeat([]byte{0x01}, MaxPayloadBytes+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadRejectsOversizedLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 4)
	// 70000 > MaxPayloadBytes
	size := uint32(70000)
	header[0] = byte(size >> 24)
	header[1] = byte(size >> 16)
	header[2] = byte(size >> 8)
	header[3] = byte(size)
	buf.Write(header)

	_, err := NewReader(&buf).ReadFrame()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadMultipleFramesSequentially(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteFrame([]byte("first")))
	require.NoError(t, w.WriteFrame([]byte("second")))

	r := NewReader(&buf)
	first, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, []byte("first"), first)

	second, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, []byte("second"), second)
}
