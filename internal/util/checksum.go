package util

import (
	"bufio"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frames are laid out as [uvarint payload length][fixed32 crc32c][payload].
// Both segment data files and commit logs are sequences of frames.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrTruncatedFrame is returned when a frame header or payload is cut short,
// which is expected at the tail of a commit log after a crash.
var ErrTruncatedFrame = errors.New("truncated frame")

// ComputeChecksum computes a CRC32-C checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendFrame appends a framed copy of payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(payload)))
	dst = protowire.AppendFixed32(dst, ComputeChecksum(payload))
	return append(dst, payload...)
}

// DecodeFrame reads one frame from the start of buf. It returns the payload
// (aliasing buf) and the total number of bytes consumed.
func DecodeFrame(buf []byte) ([]byte, int, error) {
	size, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return nil, 0, ErrTruncatedFrame
	}
	sum, m := protowire.ConsumeFixed32(buf[n:])
	if m < 0 {
		return nil, 0, ErrTruncatedFrame
	}
	start := n + m
	if uint64(len(buf)-start) < size {
		return nil, 0, ErrTruncatedFrame
	}
	payload := buf[start : start+int(size)]
	if actual := ComputeChecksum(payload); actual != sum {
		return nil, 0, fmt.Errorf("frame checksum mismatch: expected %d, got %d", sum, actual)
	}
	return payload, start + int(size), nil
}

// ReadFrame reads the next frame from r. io.EOF is returned only on a clean
// frame boundary.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	size, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, ErrTruncatedFrame
	}
	sum, _ := protowire.ConsumeFixed32(header[:])
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrTruncatedFrame
	}
	if actual := ComputeChecksum(payload); actual != sum {
		return nil, fmt.Errorf("frame checksum mismatch: expected %d, got %d", sum, actual)
	}
	return payload, nil
}

func readUvarint(r *bufio.Reader) (uint64, error) {
	var buf []byte
	for i := 0; i < protowire.SizeVarint(^uint64(0)); i++ {
		b, err := r.ReadByte()
		if err != nil {
			if i == 0 && err == io.EOF {
				return 0, io.EOF
			}
			return 0, ErrTruncatedFrame
		}
		buf = append(buf, b)
		if b < 0x80 {
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return 0, ErrTruncatedFrame
			}
			return v, nil
		}
	}
	return 0, ErrTruncatedFrame
}
