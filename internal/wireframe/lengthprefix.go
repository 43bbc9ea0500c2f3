package wireframe

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the hard cap on a single length-prefixed frame for
// LAN/Wi-Fi Direct TCP transports (spec §4.3).
const MaxFrameSize = 1 << 20 // 1 MiB

// FrameTooLarge is returned when a payload exceeds MaxFrameSize on
// either the write or the read path.
type FrameTooLarge struct {
	Size int
}

func (e *FrameTooLarge) Error() string {
	return fmt.Sprintf("wireframe: frame size %d exceeds MAX_FRAME_SIZE (%d)", e.Size, MaxFrameSize)
}

// WriteFrame writes a 4-byte big-endian length prefix followed by
// payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return &FrameTooLarge{Size: len(payload)}
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wireframe: write length prefix: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wireframe: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r, rejecting lengths
// beyond MaxFrameSize before allocating the payload buffer.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("wireframe: read length prefix: %w", err)
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxFrameSize {
		return nil, &FrameTooLarge{Size: int(size)}
	}
	if size == 0 {
		return []byte{}, nil
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wireframe: read payload: %w", err)
	}
	return payload, nil
}
