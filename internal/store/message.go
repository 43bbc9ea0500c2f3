// Package store implements the durable message and friend/identity
// persistence layers (spec §4.5, §4.7's FriendStore collaborator), backed
// by bbolt exactly the way the teacher's internal/storage/bolt.go wraps
// BoltDB: one bucket per concern, JSON-encoded records, ACID
// transactions, a meta bucket for schema/version bookkeeping.
package store

import "math"

// Trust clamp bounds (spec §4.4.5).
const (
	TrustMin = 0.01
	TrustMax = 1.0
)

// MaxTextCodePoints is the maximum body length; longer input is truncated
// (spec §3).
const MaxTextCodePoints = 140

// Message is the persisted form of one exchanged or locally-authored
// message (spec §3 Data Model). Identity is by MessageID.
type Message struct {
	MessageID          string  `json:"message_id"`
	Text               string  `json:"text"`
	Pseudonym          string  `json:"pseudonym,omitempty"`
	Trust              float64 `json:"trust"`
	Likes              int     `json:"likes"`
	LikedLocally       bool    `json:"liked_locally"`
	ComposedAt         int64   `json:"composed_at"`
	ReceivedAt         int64   `json:"received_at"`
	Read               bool    `json:"read"`
	HopCount           int     `json:"hop_count"`
	MinContactsForHop  int     `json:"min_contacts_for_hop"`
	ExpirationMs       int64   `json:"expiration_ms"`
	LatLong            string  `json:"latlong,omitempty"`
	ParentID           string  `json:"parent_id,omitempty"`
	BigParentID        string  `json:"bigparent_id,omitempty"`
}

// TruncateText clamps body text to MaxTextCodePoints Unicode code points.
func TruncateText(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxTextCodePoints {
		return s
	}
	return string(runes[:MaxTextCodePoints])
}

// ClampTrust bounds v to [TrustMin, TrustMax].
func ClampTrust(v float64) float64 {
	if v < TrustMin {
		return TrustMin
	}
	if v > TrustMax {
		return TrustMax
	}
	return v
}

// Eligible reports whether m may be sent to a peer with the given
// common-friends count, per spec §4.5's eligibility predicate:
//
//	(expiration == 0 OR composed_at + expiration > now) AND
//	(min_contacts_for_hop <= 0 OR (hop_count == 0 AND min_contacts_for_hop <= common_friends))
func (m Message) Eligible(commonFriends int, nowMs int64) bool {
	notExpired := m.ExpirationMs == 0 || m.ComposedAt+m.ExpirationMs > nowMs
	hopGate := m.MinContactsForHop <= 0 ||
		(m.HopCount == 0 && m.MinContactsForHop <= commonFriends)
	return notExpired && hopGate
}

// Expired reports whether m has passed its expiration relative to nowMs.
func (m Message) Expired(nowMs int64) bool {
	return m.ExpirationMs > 0 && m.ComposedAt+m.ExpirationMs <= nowMs
}

// Priority is the diagnostic/UI-only ordering score (spec §4.5): never
// used for network selection.
func (m Message) Priority(nowMs int64) float64 {
	ageHours := float64(nowMs-m.ComposedAt) / (1000 * 60 * 60)
	recency := 1 - ageHours/24
	if recency < 0 {
		recency = 0
	}
	likesLog := math.Log10(float64(m.Likes)+1) / 3
	if likesLog > 1 {
		likesLog = 1
	}
	return 0.5*m.Trust + 0.3*recency + 0.2*likesLog
}
