package audio

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		chunks [][]byte
	}{
		{"single chunk", [][]byte{[]byte("RIFF....WAVE")}},
		{"many chunks", [][]byte{{0x00, 0x01}, {0x02}, {0xff, 0xfe, 0xfd}}},
		{"empty chunk in the middle", [][]byte{{0x10}, {}, {0x20}}},
		{"binary zeros", [][]byte{make([]byte, 1024), make([]byte, 3)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := Encode(tt.chunks)
			require.NoError(t, err)

			got, err := Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, bytes.Join(tt.chunks, nil), got)
		})
	}
}

func TestEncodePreservesChunkOrder(t *testing.T) {
	a, err := Encode([][]byte{[]byte("ab"), []byte("cd")})
	require.NoError(t, err)
	b, err := Encode([][]byte{[]byte("cd"), []byte("ab")})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncodeEmpty(t *testing.T) {
	_, err := Encode(nil)
	var codecErr *CodecError
	require.True(t, errors.As(err, &codecErr))
	assert.Equal(t, "encode", codecErr.Op)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"not base64", "%%%not-audio%%%"},
		{"truncated padding", "YWJj="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Decode(tt.payload)
			assert.Nil(t, data)
			var codecErr *CodecError
			require.True(t, errors.As(err, &codecErr), "want CodecError, got %v", err)
			assert.Equal(t, "decode", codecErr.Op)
		})
	}
}
