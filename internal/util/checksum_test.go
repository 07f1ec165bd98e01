package util

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateChecksum(t *testing.T) {
	data := []byte("test data for checksum validation")
	checksum := ComputeChecksum(data)

	assert.True(t, ValidateChecksum(data, checksum))
	assert.False(t, ValidateChecksum(data, checksum+1))

	corrupted := append([]byte{}, data...)
	corrupted[0] ^= 0xFF
	assert.False(t, ValidateChecksum(corrupted, checksum))
}

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{{}, []byte("hello world"), bytes.Repeat([]byte{0xAB}, 300)}

	var buf []byte
	for _, p := range payloads {
		buf = AppendFrame(buf, p)
	}

	t.Run("decode from memory", func(t *testing.T) {
		rest := buf
		for _, want := range payloads {
			got, n, err := DecodeFrame(rest)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			rest = rest[n:]
		}
		assert.Empty(t, rest)
	})

	t.Run("read from stream", func(t *testing.T) {
		r := bufio.NewReader(bytes.NewReader(buf))
		for _, want := range payloads {
			got, err := ReadFrame(r)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		_, err := ReadFrame(r)
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestFrameCorruption(t *testing.T) {
	frame := AppendFrame(nil, []byte("payload"))

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"flipped payload byte", func(b []byte) []byte { b[len(b)-1] ^= 0xFF; return b }},
		{"truncated payload", func(b []byte) []byte { return b[:len(b)-2] }},
		{"header only", func(b []byte) []byte { return b[:3] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte{}, frame...))
			_, _, err := DecodeFrame(data)
			assert.Error(t, err)

			_, err = ReadFrame(bufio.NewReader(bytes.NewReader(data)))
			assert.Error(t, err)
			assert.NotErrorIs(t, err, io.EOF)
		})
	}
}

func BenchmarkAppendFrame(b *testing.B) {
	data := make([]byte, 1024)
	var buf []byte
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf = AppendFrame(buf[:0], data)
	}
}
