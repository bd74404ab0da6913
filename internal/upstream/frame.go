package upstream

import (
	"encoding/binary"
	"errors"
)

// Wire format: a 4-byte big-endian length prefix followed by that many
// payload bytes.
const headerSize = 4

// ErrZeroLengthFrame marks a header that declares a zero-length payload.
// The stream cannot be trusted past that point without intervention.
var ErrZeroLengthFrame = errors.New("frame header declares zero length")

// Frame prefixes payload with its length.
func Frame(payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}

// Deframe extracts every complete frame from buf and returns the unconsumed
// tail. Payloads alias buf, so callers must finish with them before reusing
// the buffer. On a zero-length header parsing stops and the tail begins at
// the offending header.
func Deframe(buf []byte) ([][]byte, []byte, error) {
	var frames [][]byte
	for {
		if len(buf) < headerSize {
			return frames, buf, nil
		}
		n := binary.BigEndian.Uint32(buf)
		if n == 0 {
			return frames, buf, ErrZeroLengthFrame
		}
		if uint32(len(buf)-headerSize) < n {
			return frames, buf, nil
		}
		end := headerSize + int(n)
		frames = append(frames, buf[headerSize:end])
		buf = buf[end:]
	}
}
