// Package wireframe implements the byte-level framing used to carry
// exchange payloads over the BLE and LAN/Wi-Fi Direct transports (spec
// §4.3). It does not perform any I/O — Framers are pure encode/decode;
// the transport owns read/write timing and backpressure.
package wireframe

import (
	"encoding/binary"
	"fmt"
)

// BLE chunk op codes (spec §4.3).
const (
	OpData     byte = 0x01
	OpContinue byte = 0x02
	OpACK      byte = 0x03
)

// bleHeaderLen is op(1) + totalLen(4) + offset(4).
const bleHeaderLen = 9

// BLEChunk is one decoded BLE frame.
type BLEChunk struct {
	Op       byte
	TotalLen uint32
	Offset   uint32
	Payload  []byte
}

// EncodeBLEChunk serialises a chunk to wire bytes:
//
//	+--------+------------------+----------------+-----------------+
//	| op (1) | totalLen (4, BE) | offset (4, BE) | payload[...]    |
//	+--------+------------------+----------------+-----------------+
func EncodeBLEChunk(c BLEChunk) []byte {
	buf := make([]byte, bleHeaderLen+len(c.Payload))
	buf[0] = c.Op
	binary.BigEndian.PutUint32(buf[1:5], c.TotalLen)
	binary.BigEndian.PutUint32(buf[5:9], c.Offset)
	copy(buf[9:], c.Payload)
	return buf
}

// DecodeBLEChunk parses a single BLE frame. Frames shorter than the
// 9-byte header are rejected per spec §4.3.
func DecodeBLEChunk(frame []byte) (BLEChunk, error) {
	if len(frame) < bleHeaderLen {
		return BLEChunk{}, fmt.Errorf("wireframe: BLE frame too short: %d bytes", len(frame))
	}
	return BLEChunk{
		Op:       frame[0],
		TotalLen: binary.BigEndian.Uint32(frame[1:5]),
		Offset:   binary.BigEndian.Uint32(frame[5:9]),
		Payload:  frame[9:],
	}, nil
}

// MaxBLEPayload returns the largest payload a single chunk may carry
// given the negotiated MTU and the platform's GATT attribute-length cap,
// per spec §4.3: min(negotiatedMTU-3, maxAttributeLength) - 9.
func MaxBLEPayload(negotiatedMTU, maxAttributeLength int) int {
	limit := negotiatedMTU - 3
	if maxAttributeLength < limit {
		limit = maxAttributeLength
	}
	limit -= bleHeaderLen
	if limit < 0 {
		return 0
	}
	return limit
}

// ChunkBLEPayload splits payload into a sequence of DATA/CONTINUE frames
// whose payload sizes never exceed maxPayload. The sender emits DATA
// frames with monotonically increasing offsets until
// offset+len(payload) == totalLen (spec §4.3). The first frame uses
// OpData; subsequent frames use OpContinue, matching the receiver's
// reconstruction contract (the op code itself carries no reconstruction
// semantics beyond "first vs rest" at this layer — ACK framing is
// transport-level and not emitted here).
func ChunkBLEPayload(payload []byte, maxPayload int) ([]BLEChunk, error) {
	if maxPayload <= 0 {
		return nil, fmt.Errorf("wireframe: non-positive max BLE payload size")
	}
	total := uint32(len(payload))
	var chunks []BLEChunk
	offset := uint32(0)
	first := true
	for offset < total || (total == 0 && first) {
		end := int(offset) + maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		op := OpContinue
		if first {
			op = OpData
		}
		chunks = append(chunks, BLEChunk{
			Op:       op,
			TotalLen: total,
			Offset:   offset,
			Payload:  payload[offset:end],
		})
		offset = uint32(end)
		first = false
		if total == 0 {
			break
		}
	}
	return chunks, nil
}

// Reassembler accumulates BLE chunks into the original payload, enforcing
// that each chunk's Offset equals the number of bytes already
// accumulated (spec §4.3: "offset MUST equal the number of bytes already
// accumulated, else abort").
type Reassembler struct {
	total uint32
	buf   []byte
	done  bool
}

// NewReassembler creates an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Append integrates one received chunk. Returns (payload, true, nil) once
// the final chunk has been accumulated.
func (r *Reassembler) Append(c BLEChunk) ([]byte, bool, error) {
	if r.done {
		return nil, false, fmt.Errorf("wireframe: reassembler already completed")
	}
	if len(r.buf) == 0 {
		r.total = c.TotalLen
	} else if c.TotalLen != r.total {
		return nil, false, fmt.Errorf("wireframe: totalLen changed mid-stream")
	}
	if c.Offset != uint32(len(r.buf)) {
		return nil, false, fmt.Errorf("wireframe: offset %d does not match accumulated %d bytes", c.Offset, len(r.buf))
	}
	r.buf = append(r.buf, c.Payload...)
	if uint32(len(r.buf)) == r.total {
		r.done = true
		return r.buf, true, nil
	}
	return nil, false, nil
}
