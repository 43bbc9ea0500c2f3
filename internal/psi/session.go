// Package psi implements one side of the PSI-Ca (Private Set Intersection
// Cardinality) protocol of Cristofaro et al., fixed to the CryptoGroup
// parameters in internal/cryptogroup (spec §4.2). A Session is stateful
// and single-use: construct one fresh per role per exchange.
package psi

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/rangzen-mesh/core/internal/cryptogroup"
)

// ProtocolError signals malformed PSI input: wrong byte lengths, values
// outside the group, or an empty reply.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "psi: protocol error: " + e.Reason }

// Reply is the server-role response to a round of blinded items: the
// double-blinded items (shuffled) and the hashed-blinded items in the
// exact order the local blinded list was originally emitted.
type Reply struct {
	DoubleBlinded [][]byte
	HashedBlinded [][]byte
}

// Session holds one side's PSI state for a single exchange. Not safe for
// concurrent use; callers run its methods from a single goroutine.
type Session struct {
	group *cryptogroup.Group
	rng   io.Reader

	r *big.Int // session secret exponent, never serialised or exposed
	x *big.Int // x = g^r mod p

	localBlinded [][]byte // item^x mod p, in emitted (post-shuffle) order
}

// NewSession constructs a Session from a set of local items (byte
// strings — spec §4.4.3 feeds it friend_store.all_friend_ids() ∪
// {my_public_id}). rng is the CSPRNG source for the session exponent and
// the shuffle; callers must pass crypto/rand.Reader in production and may
// inject a deterministic reader in tests.
func NewSession(group *cryptogroup.Group, items [][]byte, rng io.Reader) (*Session, error) {
	if group == nil {
		group = cryptogroup.Default()
	}
	r, err := group.RandomExponent(rng)
	if err != nil {
		return nil, fmt.Errorf("psi: sample session exponent: %w", err)
	}
	x := group.ModExp(group.G, r)

	blinded := make([][]byte, len(items))
	for i, v := range items {
		hashVal := cryptogroup.Hash(v)
		item := group.ModExp(group.G, hashVal)
		b := group.ModExp(item, x)
		blinded[i] = b.Bytes()
	}
	if err := shuffle(rng, blinded); err != nil {
		return nil, fmt.Errorf("psi: shuffle local items: %w", err)
	}

	return &Session{
		group:        group,
		rng:          rng,
		r:            r,
		x:            x,
		localBlinded: blinded,
	}, nil
}

// EncodeBlinded returns the ordered list of this session's blinded items
// as big-endian unsigned integers. Deterministic after construction.
func (s *Session) EncodeBlinded() [][]byte {
	out := make([][]byte, len(s.localBlinded))
	copy(out, s.localBlinded)
	return out
}

// Reply computes the server-role response to a peer's blinded list:
// double-blinding each of their items with this session's x (shuffled),
// and hashing this session's own blinded items in their original emitted
// order (spec §4.2 round C).
func (s *Session) Reply(remoteBlinded [][]byte) (*Reply, error) {
	if len(remoteBlinded) == 0 {
		return nil, &ProtocolError{Reason: "empty remote blinded list"}
	}
	doubleBlinded := make([][]byte, len(remoteBlinded))
	for i, rb := range remoteBlinded {
		v := new(big.Int).SetBytes(rb)
		if v.Cmp(s.group.P) >= 0 {
			return nil, &ProtocolError{Reason: "blinded value >= p"}
		}
		d := s.group.ModExp(v, s.x)
		doubleBlinded[i] = d.Bytes()
	}
	if err := shuffle(s.rng, doubleBlinded); err != nil {
		return nil, fmt.Errorf("psi: shuffle reply: %w", err)
	}

	hashedBlinded := make([][]byte, len(s.localBlinded))
	for i, lb := range s.localBlinded {
		hashedBlinded[i] = cryptogroup.HashBytes(lb)
	}

	return &Reply{DoubleBlinded: doubleBlinded, HashedBlinded: hashedBlinded}, nil
}

// Cardinality computes the intersection size from a peer's Reply to this
// session's own EncodeBlinded() output (spec §4.2 round C / cardinality).
// x_inv = x^-1 mod q; for each double-blinded entry d, u = d^x_inv mod p,
// and H(u) is looked up against the peer's hashed-blinded set.
func (s *Session) Cardinality(reply *Reply) (int, error) {
	if reply == nil || len(reply.DoubleBlinded) == 0 {
		return 0, &ProtocolError{Reason: "empty reply"}
	}
	xInv := new(big.Int).ModInverse(s.x, s.group.Q)
	if xInv == nil {
		return 0, &ProtocolError{Reason: "session secret not invertible mod q"}
	}

	hashSet := make(map[string]struct{}, len(reply.HashedBlinded))
	for _, h := range reply.HashedBlinded {
		hashSet[string(h)] = struct{}{}
	}

	count := 0
	for _, d := range reply.DoubleBlinded {
		dv := new(big.Int).SetBytes(d)
		if dv.Cmp(s.group.P) >= 0 {
			return 0, &ProtocolError{Reason: "double-blinded value >= p"}
		}
		u := s.group.ModExp(dv, xInv)
		h := cryptogroup.HashBytes(u.Bytes())
		if _, ok := hashSet[string(h)]; ok {
			count++
		}
	}
	return count, nil
}

// shuffle performs an in-place Fisher-Yates shuffle driven by rng.
func shuffle(rng io.Reader, items [][]byte) error {
	for i := len(items) - 1; i > 0; i-- {
		j, err := cryptoIntn(rng, i+1)
		if err != nil {
			return err
		}
		items[i], items[j] = items[j], items[i]
	}
	return nil
}

// cryptoIntn returns a uniform random int in [0, n) read from rng.
func cryptoIntn(rng io.Reader, n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("psi: n must be positive")
	}
	max := big.NewInt(int64(n))
	v, err := rand.Int(rng, max)
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
