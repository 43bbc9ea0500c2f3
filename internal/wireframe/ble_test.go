package wireframe

import (
	"bytes"
	"testing"
)

func TestBLEChunkRoundTrip(t *testing.T) {
	c := BLEChunk{Op: OpData, TotalLen: 100, Offset: 20, Payload: []byte("hello")}
	encoded := EncodeBLEChunk(c)
	decoded, err := DecodeBLEChunk(encoded)
	if err != nil {
		t.Fatalf("DecodeBLEChunk: %v", err)
	}
	if decoded.Op != c.Op || decoded.TotalLen != c.TotalLen || decoded.Offset != c.Offset {
		t.Fatalf("header mismatch: got %+v", decoded)
	}
	if !bytes.Equal(decoded.Payload, c.Payload) {
		t.Fatalf("payload mismatch: got %q", decoded.Payload)
	}
}

func TestDecodeBLEChunkRejectsShortFrame(t *testing.T) {
	if _, err := DecodeBLEChunk(make([]byte, 8)); err == nil {
		t.Fatalf("expected error for frame shorter than 9 bytes")
	}
}

func TestMaxBLEPayload(t *testing.T) {
	if got := MaxBLEPayload(247, 512); got != 247-3-9 {
		t.Fatalf("expected %d, got %d", 247-3-9, got)
	}
	if got := MaxBLEPayload(20, 512); got != 20-3-9 {
		t.Fatalf("expected %d, got %d", 20-3-9, got)
	}
	if got := MaxBLEPayload(10, 512); got != 0 {
		t.Fatalf("expected clamped 0, got %d", got)
	}
}

func TestChunkAndReassemble(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 50) // 400 bytes
	chunks, err := ChunkBLEPayload(payload, 64)
	if err != nil {
		t.Fatalf("ChunkBLEPayload: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	if chunks[0].Op != OpData {
		t.Fatalf("first chunk must be OpData")
	}
	for _, c := range chunks[1:] {
		if c.Op != OpContinue {
			t.Fatalf("subsequent chunks must be OpContinue")
		}
	}

	reassembler := NewReassembler()
	var out []byte
	for _, c := range chunks {
		got, done, err := reassembler.Append(c)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if done {
			out = got
		}
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("reassembled payload mismatch")
	}
}

func TestReassemblerRejectsOffsetMismatch(t *testing.T) {
	r := NewReassembler()
	if _, _, err := r.Append(BLEChunk{Op: OpData, TotalLen: 10, Offset: 0, Payload: []byte("abcde")}); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	if _, _, err := r.Append(BLEChunk{Op: OpContinue, TotalLen: 10, Offset: 99, Payload: []byte("fghij")}); err == nil {
		t.Fatalf("expected offset mismatch error")
	}
}

func TestChunkEmptyPayload(t *testing.T) {
	chunks, err := ChunkBLEPayload(nil, 16)
	if err != nil {
		t.Fatalf("ChunkBLEPayload: %v", err)
	}
	if len(chunks) != 1 || chunks[0].TotalLen != 0 {
		t.Fatalf("expected a single empty chunk, got %+v", chunks)
	}
}
