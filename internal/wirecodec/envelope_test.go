package wirecodec

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	trust := 0.73
	e := Envelope{
		MessageID:    "msg-1",
		Text:         "hello mesh",
		Priority:     3,
		Hop:          1,
		MinUsersPHop: 2,
		Parent:       "parent-1",
		BigParent:    "bigparent-1",
		Timebound:    86400000,
		Pseudonym:    "anon",
		LatLang:      "37.7749 -122.4194",
		Trust:        &trust,
	}
	encoded, err := EncodeEnvelope(e)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	decoded, err := DecodeEnvelope(encoded)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if decoded.MessageID != e.MessageID || decoded.Text != e.Text || decoded.Hop != e.Hop ||
		decoded.MinUsersPHop != e.MinUsersPHop || decoded.Parent != e.Parent ||
		decoded.BigParent != e.BigParent || decoded.Timebound != e.Timebound ||
		decoded.Priority != e.Priority {
		t.Fatalf("round trip mismatch: got %+v", decoded)
	}
	if decoded.Trust == nil || *decoded.Trust != trust {
		t.Fatalf("trust round trip mismatch: got %v", decoded.Trust)
	}
}

func TestEnvelopeFieldNamesAreLegacyExact(t *testing.T) {
	trust := 0.5
	e := Envelope{
		MessageID: "m", Text: "t", LatLang: "1 2", Trust: &trust,
	}
	encoded, err := EncodeEnvelope(e)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(encoded, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	for _, field := range []string{"messageId", "text", "priority", "hop", "min_users_p_hop", "timebound", "latlang", "trust"} {
		if _, ok := raw[field]; !ok {
			t.Fatalf("expected field %q on wire, raw=%v", field, raw)
		}
	}
	if _, ok := raw["latlong"]; ok {
		t.Fatalf("latlang must not be spelled latlong on the wire")
	}
}

func TestEnvelopeOmitsOptionalFieldsWhenAbsent(t *testing.T) {
	e := Envelope{MessageID: "m", Text: "t"}
	encoded, err := EncodeEnvelope(e)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(encoded, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	for _, field := range []string{"parent", "bigparent", "pseudonym", "latlang", "trust"} {
		if _, ok := raw[field]; ok {
			t.Fatalf("field %q should be omitted when unset", field)
		}
	}
}

func TestBlindedSetRoundTrip(t *testing.T) {
	items := [][]byte{[]byte{0x00, 0x01}, []byte("hello"), {}}
	set := EncodeBlindedSet(items)
	decoded, err := DecodeBlindedSet(set)
	if err != nil {
		t.Fatalf("DecodeBlindedSet: %v", err)
	}
	if len(decoded) != len(items) {
		t.Fatalf("length mismatch")
	}
	for i := range items {
		if string(decoded[i]) != string(items[i]) {
			t.Fatalf("item %d mismatch: got %v want %v", i, decoded[i], items[i])
		}
	}
}

func TestReplyRoundTrip(t *testing.T) {
	db := [][]byte{[]byte("a"), []byte("b")}
	hb := [][]byte{[]byte("c")}
	msg := EncodeReply(db, hb)
	gotDB, gotHB, err := DecodeReply(msg)
	if err != nil {
		t.Fatalf("DecodeReply: %v", err)
	}
	if len(gotDB) != 2 || len(gotHB) != 1 {
		t.Fatalf("unexpected lengths: db=%d hb=%d", len(gotDB), len(gotHB))
	}
}

func TestInsufficientTrustErrorShape(t *testing.T) {
	e := NewInsufficientTrustError(1, 2)
	encoded, err := EncodeInsufficientTrustError(e)
	if err != nil {
		t.Fatalf("EncodeInsufficientTrustError: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(encoded, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["error"] != "insufficient_trust" {
		t.Fatalf("expected error=insufficient_trust, got %v", raw["error"])
	}
	if int(raw["common_friends"].(float64)) != 1 || int(raw["required"].(float64)) != 2 {
		t.Fatalf("unexpected fields: %v", raw)
	}
}
