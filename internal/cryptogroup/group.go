// Package cryptogroup fixes the 1024-bit MODP Diffie-Hellman group with a
// 160-bit prime-order subgroup used by the PSI-Ca handshake (spec §4.1).
//
// The parameters below are bit-exact with RFC 5114 §2.1 ("1024-bit MODP
// Group with 160-bit Prime Order Subgroup") — this is the canonical,
// previously-standardised group the legacy wire protocol was built on.
// Reimplementers MUST NOT substitute a different group or a different hash
// (e.g. SHA-256) even though both would be preferable today: the installed
// base already speaks this exact group and hash, and changing either breaks
// protocol compatibility (spec §4.1).
package cryptogroup

import (
	"crypto/sha1" //nolint:gosec // fixed by the legacy wire protocol, not a design choice.
	"fmt"
	"io"
	"math/big"
)

const (
	pHex = "B10B8F96A080E01DDE92DE5EAE5D54EC52C99FBCFB06A3C69A6A9DCA52D23B616073E" +
		"28675A23D189838EF1E2EE652C013ECB4AEA906112324975C3CD49B83BFACCBDD7D90C4" +
		"BD7098488E9C219A73724EFFD6FAE5644738FAA31A4FF55BCCC0A151AF5F0DC8B4BD45B" +
		"F37DF365C1A65E68CFDA76D4DA708DF1FB2BC2E4A4371"

	gHex = "A4D1CBD5C3FD34126765A442EFB99905F8104DD258AC507FD6406CFF14266D31266FE" +
		"A1E5C41564B777E690F5504F213160217B4B01B886A5E91547F9E2749F4D7FBD7D3B9A9" +
		"2EE1909D0D2263F80A76A6A24C087A091F531DBF0A0169B6A28AD662A4D18E73AFA32D7" +
		"79D5918D08BC8858F4DCEF97C2A24855E6EEB22B3B2E5"

	qHex = "F518AA8781A8DF278ABA4E7D64B7CB9D49462353"
)

// Group holds the fixed DH parameters. The zero value is invalid; use
// Default().
type Group struct {
	P *big.Int // modulus
	G *big.Int // generator
	Q *big.Int // subgroup order
}

var defaultGroup = mustParseGroup()

func mustParseGroup() *Group {
	p, ok := new(big.Int).SetString(pHex, 16)
	if !ok {
		panic("cryptogroup: invalid p constant")
	}
	g, ok := new(big.Int).SetString(gHex, 16)
	if !ok {
		panic("cryptogroup: invalid g constant")
	}
	q, ok := new(big.Int).SetString(qHex, 16)
	if !ok {
		panic("cryptogroup: invalid q constant")
	}
	return &Group{P: p, G: g, Q: q}
}

// Default returns the fixed protocol group. Always the same *Group value;
// callers must not mutate its fields.
func Default() *Group { return defaultGroup }

// ModExp computes base^exp mod p using the group's fixed modulus.
// Go's big.Int.Exp already takes a fast path for a fixed modulus, which
// satisfies the "do not roll your own mod-exp" requirement in spec §9.
func (grp *Group) ModExp(base, exp *big.Int) *big.Int {
	return new(big.Int).Exp(base, exp, grp.P)
}

// RandomExponent samples a uniform random exponent r in [2, q-1] using the
// supplied CSPRNG reader. The reader is an explicit parameter (never
// crypto/rand.Reader hardcoded) so callers can inject a deterministic
// reader in tests, per spec §9 ("no process-wide mutable singletons").
func (grp *Group) RandomExponent(rng io.Reader) (*big.Int, error) {
	// range width = q - 2 (inclusive of both 2 and q-1)
	width := new(big.Int).Sub(grp.Q, big.NewInt(2))
	if width.Sign() <= 0 {
		return nil, fmt.Errorf("cryptogroup: subgroup order too small")
	}
	// big.Int does not expose a rejection-sampling helper taking an
	// arbitrary io.Reader directly pinned to our group; implement the
	// standard rejection loop against width so n is uniform in [0, q-3]
	// and n+2 is uniform in [2, q-1].
	n, err := randomBigInt(rng, width)
	if err != nil {
		return nil, fmt.Errorf("cryptogroup: sample exponent: %w", err)
	}
	return n.Add(n, big.NewInt(2)), nil
}

// randomBigInt returns a uniform random value in [0, max) read from rng.
// Equivalent to crypto/rand.Int but parameterised on the reader so tests
// can supply a deterministic source.
func randomBigInt(rng io.Reader, max *big.Int) (*big.Int, error) {
	if max.Sign() <= 0 {
		return nil, fmt.Errorf("cryptogroup: max must be positive")
	}
	bitLen := max.BitLen()
	byteLen := (bitLen + 7) / 8
	buf := make([]byte, byteLen)
	for {
		if _, err := io.ReadFull(rng, buf); err != nil {
			return nil, err
		}
		// Mask off high bits beyond bitLen to reduce rejection rate.
		if extra := uint(byteLen*8 - bitLen); extra > 0 {
			buf[0] &= 0xFF >> extra
		}
		n := new(big.Int).SetBytes(buf)
		if n.Cmp(max) < 0 {
			return n, nil
		}
	}
}

// Hash returns H(x) = SHA-1(x) lifted into Z as an unsigned big-endian
// integer, per spec §4.1.
func Hash(x []byte) *big.Int {
	sum := sha1.Sum(x) //nolint:gosec // fixed by the legacy wire protocol.
	return new(big.Int).SetBytes(sum[:])
}

// HashBytes returns the raw 20-byte SHA-1 digest of x.
func HashBytes(x []byte) []byte {
	sum := sha1.Sum(x) //nolint:gosec
	return sum[:]
}
