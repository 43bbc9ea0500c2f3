// Package wirecodec implements the length-prefixed JSON wire format for
// the exchange envelope and PSI round messages (spec §6). Field names are
// bit-exact with the legacy protocol, including the historical `latlang`
// typo, which is preserved verbatim per spec §9 open question 2 — it
// MUST NOT be "fixed" to `latlong`.
package wirecodec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// base64Encoding is plain standard base64 with no padding stripped and no
// line wrapping ("URL-unsafe standard, no padding wrap, no newlines" per
// spec §6 — i.e. base64.StdEncoding, not URLEncoding or RawStdEncoding).
var base64Encoding = base64.StdEncoding

// Envelope is one exchanged message, encoded as UTF-8 JSON inside a
// length-prefixed frame (internal/wireframe). Optional fields are
// omitted from the wire when absent via `omitempty`.
type Envelope struct {
	MessageID    string   `json:"messageId"`
	Text         string   `json:"text"`
	Priority     int      `json:"priority"`
	Hop          int      `json:"hop"`
	MinUsersPHop int      `json:"min_users_p_hop"`
	Parent       string   `json:"parent,omitempty"`
	BigParent    string   `json:"bigparent,omitempty"`
	Timebound    int64    `json:"timebound"`
	Pseudonym    string   `json:"pseudonym,omitempty"`
	LatLang      string   `json:"latlang,omitempty"`
	Trust        *float64 `json:"trust,omitempty"`
}

// EncodeEnvelope marshals an Envelope to its UTF-8 JSON wire form.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wirecodec: encode envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses one JSON-encoded Envelope frame.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("wirecodec: decode envelope: %w", err)
	}
	return e, nil
}

// BlindedSet is the PSI round A/B wire shape: `{"blinded_friends":[...]}`.
// Items are base64-encoded big-endian unsigned integers.
type BlindedSet struct {
	BlindedFriends []string `json:"blinded_friends"`
}

// EncodeBlindedSet base64-encodes raw blinded items into a BlindedSet.
func EncodeBlindedSet(items [][]byte) BlindedSet {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = base64Encoding.EncodeToString(it)
	}
	return BlindedSet{BlindedFriends: out}
}

// DecodeBlindedSet reverses EncodeBlindedSet, returning raw bytes.
func DecodeBlindedSet(s BlindedSet) ([][]byte, error) {
	out := make([][]byte, len(s.BlindedFriends))
	for i, enc := range s.BlindedFriends {
		b, err := base64Encoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("wirecodec: decode blinded item %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// ReplyMessage is the PSI round C wire shape:
// `{"double_blinded":[...], "hashed_blinded":[...]}`.
type ReplyMessage struct {
	DoubleBlinded []string `json:"double_blinded"`
	HashedBlinded []string `json:"hashed_blinded"`
}

// EncodeReply base64-encodes a psi.Reply's raw byte slices.
func EncodeReply(doubleBlinded, hashedBlinded [][]byte) ReplyMessage {
	db := make([]string, len(doubleBlinded))
	for i, v := range doubleBlinded {
		db[i] = base64Encoding.EncodeToString(v)
	}
	hb := make([]string, len(hashedBlinded))
	for i, v := range hashedBlinded {
		hb[i] = base64Encoding.EncodeToString(v)
	}
	return ReplyMessage{DoubleBlinded: db, HashedBlinded: hb}
}

// DecodeReply reverses EncodeReply.
func DecodeReply(r ReplyMessage) (doubleBlinded, hashedBlinded [][]byte, err error) {
	doubleBlinded = make([][]byte, len(r.DoubleBlinded))
	for i, enc := range r.DoubleBlinded {
		b, decErr := base64Encoding.DecodeString(enc)
		if decErr != nil {
			return nil, nil, fmt.Errorf("wirecodec: decode double_blinded %d: %w", i, decErr)
		}
		doubleBlinded[i] = b
	}
	hashedBlinded = make([][]byte, len(r.HashedBlinded))
	for i, enc := range r.HashedBlinded {
		b, decErr := base64Encoding.DecodeString(enc)
		if decErr != nil {
			return nil, nil, fmt.Errorf("wirecodec: decode hashed_blinded %d: %w", i, decErr)
		}
		hashedBlinded[i] = b
	}
	return doubleBlinded, hashedBlinded, nil
}

// InsufficientTrustError is the wire shape for an admission refusal:
// `{"error":"insufficient_trust","common_friends":int,"required":int}`.
type InsufficientTrustError struct {
	Error         string `json:"error"`
	CommonFriends int    `json:"common_friends"`
	Required      int    `json:"required"`
}

// NewInsufficientTrustError builds the fixed-shape refusal message.
func NewInsufficientTrustError(commonFriends, required int) InsufficientTrustError {
	return InsufficientTrustError{
		Error:         "insufficient_trust",
		CommonFriends: commonFriends,
		Required:      required,
	}
}

// EncodeInsufficientTrustError marshals the refusal to JSON.
func EncodeInsufficientTrustError(e InsufficientTrustError) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wirecodec: encode insufficient_trust: %w", err)
	}
	return b, nil
}
