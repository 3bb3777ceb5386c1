package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := [][]byte{
		nil,
		[]byte{},
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, 4096),
	}

	for _, body := range tests {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteFrame(buf, body))

		got, err := ReadFrame(buf)
		require.NoError(t, err)
		if len(body) == 0 {
			require.Empty(t, got)
		} else {
			require.Equal(t, body, got)
		}
	}
}

func TestReadFrameTruncated(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, WriteFrame(buf, []byte("hello world")))

	truncated := bytes.NewReader(buf.Bytes()[:6])
	_, err := ReadFrame(truncated)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestReadFrameEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameTooLarge(t *testing.T) {
	buf := new(bytes.Buffer)
	err := WriteFrame(buf, make([]byte, MaxFrameSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
