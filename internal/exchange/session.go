// Package exchange drives one PSI-Ca handshake and message swap
// end-to-end over a bidirectional reliable byte stream (spec §4.4).
package exchange

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rangzen-mesh/core/internal/clock"
	"github.com/rangzen-mesh/core/internal/cryptogroup"
	"github.com/rangzen-mesh/core/internal/observability"
	"github.com/rangzen-mesh/core/internal/psi"
	"github.com/rangzen-mesh/core/internal/store"
	"github.com/rangzen-mesh/core/internal/wirecodec"
	"github.com/rangzen-mesh/core/internal/wireframe"
)

// ProtocolVersion is the current protocol version this implementation
// speaks. Version 2 adds PSI to LAN transports (spec §4.4.2).
const ProtocolVersion = 2

// Role is which side of the handshake a Session plays. Decided by the
// Scheduler (spec §4.6), supplied as a construction input.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Config holds the subset of the agent's configuration an ExchangeSession
// needs, injected explicitly (spec §9: no process-wide singletons).
type Config struct {
	UseTrust                     bool
	MinSharedContactsForExchange int
	TrustNoiseVariance           float64
	MaxMessagesPerExchange       int
	IncludePseudonym             bool
	ShareLocation                bool
	SessionTimeout               time.Duration
	SupportsNonce                bool // true for LAN transports on version >= 2
}

// deadliner is implemented by transports (e.g. net.Conn) that support an
// absolute I/O deadline. Session sets one for the whole handshake to
// realise the "inherited deadline equal to exchangeSessionTimeoutMs"
// requirement (spec §5) without needing per-call context plumbing.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Session drives one exchange. Constructed fresh per peer per attempt;
// not reused across sessions (mirrors the PSI session's own single-use
// contract, spec §9).
type Session struct {
	cfg   Config
	role  Role
	clk   clock.Clock
	rng   io.Reader
	group *cryptogroup.Group

	localPublicID string
	messages      *store.MessageStore
	friends       *store.FriendStore
	metrics       *observability.Metrics
}

// New constructs a Session. group may be nil to use cryptogroup.Default().
func New(cfg Config, role Role, clk clock.Clock, rng io.Reader, group *cryptogroup.Group,
	localPublicID string, messages *store.MessageStore, friends *store.FriendStore,
	metrics *observability.Metrics) *Session {
	if group == nil {
		group = cryptogroup.Default()
	}
	return &Session{
		cfg: cfg, role: role, clk: clk, rng: rng, group: group,
		localPublicID: localPublicID, messages: messages, friends: friends, metrics: metrics,
	}
}

// Result is the outcome of a completed (non-error) Session run.
type Result struct {
	CommonFriends    int
	MessagesSent     int
	MessagesReceived int
}

// Run drives the handshake and message exchange over conn end-to-end.
// Returns *Error on any failure (spec §4.4, §9: tagged result).
func (s *Session) Run(conn io.ReadWriteCloser) (Result, *Error) {
	if d, ok := conn.(deadliner); ok && s.cfg.SessionTimeout > 0 {
		_ = d.SetDeadline(s.clk.Now().Add(s.cfg.SessionTimeout))
	}

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	if err := s.negotiateVersion(rw); err != nil {
		return Result{}, err
	}
	if s.cfg.SupportsNonce {
		if err := s.exchangeNonce(rw); err != nil {
			return Result{}, err
		}
	}

	commonFriends := 0
	if s.cfg.UseTrust {
		cf, err := s.runPSIRounds(rw)
		if err != nil {
			return Result{}, err
		}
		commonFriends = cf
	}

	if err := flush(rw); err != nil {
		return Result{}, newError(KindTransportError, err)
	}

	return s.runMessagePhase(rw, commonFriends)
}

func flush(rw *bufio.ReadWriter) error {
	return rw.Writer.Flush()
}

// negotiateVersion implements spec §4.4.2 step 1: each side sends a
// single ASCII integer version and reads the peer's.
func (s *Session) negotiateVersion(rw *bufio.ReadWriter) *Error {
	if _, err := fmt.Fprintf(rw.Writer, "%d\n", ProtocolVersion); err != nil {
		return newError(KindTransportError, err)
	}
	if err := rw.Writer.Flush(); err != nil {
		return newError(KindTransportError, err)
	}
	line, err := rw.Reader.ReadString('\n')
	if err != nil {
		return newError(KindTransportError, err)
	}
	peerVersion, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return newError(KindProtocolError, fmt.Errorf("malformed version line %q: %w", line, err))
	}
	if peerVersion < 1 {
		return newError(KindIncompatibleVersion, fmt.Errorf("peer version %d < 1", peerVersion))
	}
	return nil
}

// exchangeNonce implements spec §4.4.2 step 2 (LAN only): initiator sends
// a fresh random 128-bit nonce, responder echoes it back.
func (s *Session) exchangeNonce(rw *bufio.ReadWriter) *Error {
	if s.role == RoleInitiator {
		nonce := make([]byte, 16)
		if _, err := io.ReadFull(s.rng, nonce); err != nil {
			return newError(KindCryptoError, err)
		}
		encoded := hex.EncodeToString(nonce)
		if _, err := fmt.Fprintf(rw.Writer, "%s\n", encoded); err != nil {
			return newError(KindTransportError, err)
		}
		if err := rw.Writer.Flush(); err != nil {
			return newError(KindTransportError, err)
		}
		echoed, err := rw.Reader.ReadString('\n')
		if err != nil {
			return newError(KindTransportError, err)
		}
		if strings.TrimSpace(echoed) != encoded {
			return newError(KindProtocolError, fmt.Errorf("nonce mismatch (possible MITM)"))
		}
		return nil
	}

	line, err := rw.Reader.ReadString('\n')
	if err != nil {
		return newError(KindTransportError, err)
	}
	trimmed := strings.TrimSpace(line)
	if _, err := fmt.Fprintf(rw.Writer, "%s\n", trimmed); err != nil {
		return newError(KindTransportError, err)
	}
	if err := rw.Writer.Flush(); err != nil {
		return newError(KindTransportError, err)
	}
	return nil
}

// friendSetForPSI returns friend_store.all_friend_ids() ∪ {my_public_id}
// (spec §4.4.3).
func (s *Session) friendSetForPSI() ([][]byte, error) {
	ids, err := s.friends.AllFriendIDs()
	if err != nil {
		return nil, err
	}
	items := make([][]byte, 0, len(ids)+1)
	seen := make(map[string]bool, len(ids)+1)
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			items = append(items, []byte(id))
		}
	}
	if !seen[s.localPublicID] {
		items = append(items, []byte(s.localPublicID))
	}
	return items, nil
}

// runPSIRounds implements spec §4.4.3 rounds A, B and C, strictly
// sequential: round B must not start before round A completes on both
// sides, which this function enforces by fully writing+flushing and
// reading each round before proceeding to the next.
func (s *Session) runPSIRounds(rw *bufio.ReadWriter) (int, *Error) {
	items, err := s.friendSetForPSI()
	if err != nil {
		return 0, newError(KindTransportError, err)
	}
	mySession, err := psi.NewSession(s.group, items, s.rng)
	if err != nil {
		return 0, newError(KindCryptoError, err)
	}

	var remoteBlinded [][]byte
	if s.role == RoleInitiator {
		// Round A: initiator -> responder.
		if err := writeJSONFrame(rw.Writer, wirecodec.EncodeBlindedSet(mySession.EncodeBlinded())); err != nil {
			return 0, newError(KindTransportError, err)
		}
		if err := rw.Writer.Flush(); err != nil {
			return 0, newError(KindTransportError, err)
		}
		// Round B: responder -> initiator.
		var set wirecodec.BlindedSet
		if err := readJSONFrame(rw.Reader, &set); err != nil {
			return 0, newError(KindProtocolError, err)
		}
		remoteBlinded, err = wirecodec.DecodeBlindedSet(set)
		if err != nil {
			return 0, newError(KindProtocolError, err)
		}
	} else {
		// Round A: receive from initiator.
		var set wirecodec.BlindedSet
		if err := readJSONFrame(rw.Reader, &set); err != nil {
			return 0, newError(KindProtocolError, err)
		}
		remoteBlinded, err = wirecodec.DecodeBlindedSet(set)
		if err != nil {
			return 0, newError(KindProtocolError, err)
		}
		// Round B: responder -> initiator.
		if err := writeJSONFrame(rw.Writer, wirecodec.EncodeBlindedSet(mySession.EncodeBlinded())); err != nil {
			return 0, newError(KindTransportError, err)
		}
		if err := rw.Writer.Flush(); err != nil {
			return 0, newError(KindTransportError, err)
		}
	}

	// Round C: both sides reply to what they received, simultaneously.
	reply, err := mySession.Reply(remoteBlinded)
	if err != nil {
		return 0, newError(KindProtocolError, err)
	}
	if err := writeJSONFrame(rw.Writer, wirecodec.EncodeReply(reply.DoubleBlinded, reply.HashedBlinded)); err != nil {
		return 0, newError(KindTransportError, err)
	}
	if err := rw.Writer.Flush(); err != nil {
		return 0, newError(KindTransportError, err)
	}

	var peerReply wirecodec.ReplyMessage
	if err := readJSONFrame(rw.Reader, &peerReply); err != nil {
		return 0, newError(KindProtocolError, err)
	}
	doubleBlinded, hashedBlinded, err := wirecodec.DecodeReply(peerReply)
	if err != nil {
		return 0, newError(KindProtocolError, err)
	}
	commonFriends, err := mySession.Cardinality(&psi.Reply{DoubleBlinded: doubleBlinded, HashedBlinded: hashedBlinded})
	if err != nil {
		return 0, newError(KindProtocolError, err)
	}
	if s.metrics != nil {
		s.metrics.ObservePSICardinality(commonFriends)
	}
	return commonFriends, nil
}

// phaseHeader is exchanged by both sides right before the message phase:
// each side independently evaluates the admission check (spec §4.4.4)
// and declares how many messages it intends to send if not refusing.
// Both sides always complete this round-trip — even on refusal — so
// neither side blocks waiting for a message count the other never sends
// (spec §9 open question: avoiding a wire deadlock on InsufficientTrust).
// Refuse/CommonFriends/Required/MessageCount choreograph that round-trip;
// Error carries the bit-exact refusal signal fixed by spec §6
// (`{"error":"insufficient_trust","common_friends":int,"required":int}`),
// produced by wirecodec.EncodeInsufficientTrustError so the wire bytes
// match the installed base exactly.
type phaseHeader struct {
	Refuse        bool            `json:"refuse"`
	CommonFriends int             `json:"common_friends"`
	Required      int             `json:"required"`
	MessageCount  int             `json:"message_count"`
	Error         json.RawMessage `json:"error,omitempty"`
}

// runMessagePhase implements spec §4.4.4 (admission check) and §4.4.5
// (message exchange + trust-merge integration).
func (s *Session) runMessagePhase(rw *bufio.ReadWriter, commonFriends int) (Result, *Error) {
	required := s.cfg.MinSharedContactsForExchange
	refuse := s.cfg.UseTrust && commonFriends < required

	var outgoing []store.Message
	if !refuse {
		var err error
		outgoing, err = s.messages.EligibleForExchange(commonFriends, s.cfg.MaxMessagesPerExchange)
		if err != nil {
			return Result{}, newError(KindTransportError, err)
		}
	}

	myHeader := phaseHeader{Refuse: refuse, CommonFriends: commonFriends, Required: required, MessageCount: len(outgoing)}
	if refuse {
		encoded, err := wirecodec.EncodeInsufficientTrustError(wirecodec.NewInsufficientTrustError(commonFriends, required))
		if err != nil {
			return Result{}, newError(KindTransportError, err)
		}
		myHeader.Error = json.RawMessage(encoded)
	}
	if err := writeJSONFrame(rw.Writer, myHeader); err != nil {
		return Result{}, newError(KindTransportError, err)
	}
	if err := rw.Writer.Flush(); err != nil {
		return Result{}, newError(KindTransportError, err)
	}

	var peerHeader phaseHeader
	if err := readJSONFrame(rw.Reader, &peerHeader); err != nil {
		return Result{}, newError(KindProtocolError, err)
	}

	if myHeader.Refuse {
		return Result{}, insufficientTrustErrorFromHeader(myHeader)
	}
	if peerHeader.Refuse {
		return Result{}, insufficientTrustErrorFromHeader(peerHeader)
	}

	ids, err := s.friends.AllFriendIDs()
	if err != nil {
		return Result{}, newError(KindTransportError, err)
	}
	myFriendCount := len(ids)

	for _, m := range outgoing {
		env := s.encodeMessage(m, commonFriends)
		if err := writeJSONFrame(rw.Writer, env); err != nil {
			return Result{}, newError(KindTransportError, err)
		}
	}
	if err := rw.Writer.Flush(); err != nil {
		return Result{}, newError(KindTransportError, err)
	}

	received := 0
	for i := 0; i < peerHeader.MessageCount; i++ {
		var env wirecodec.Envelope
		if err := readJSONFrame(rw.Reader, &env); err != nil {
			return Result{}, newError(KindProtocolError, err)
		}
		if err := s.integrateMessage(env, commonFriends, myFriendCount); err != nil {
			return Result{}, newError(KindTransportError, err)
		}
		received++
	}

	return Result{CommonFriends: commonFriends, MessagesSent: len(outgoing), MessagesReceived: received}, nil
}

// insufficientTrustErrorFromHeader builds the tagged *Error for a refusal
// declared by h, decoding the bit-exact wirecodec.InsufficientTrustError
// nested in h.Error (spec §6's wire contract) rather than trusting the
// header's own common_friends/required fields directly. Falls back to the
// header fields if Error is absent or malformed, so a peer running an
// older wire variant of this same implementation still surfaces a usable
// refusal instead of a ProtocolError.
func insufficientTrustErrorFromHeader(h phaseHeader) *Error {
	if len(h.Error) > 0 {
		var wireErr wirecodec.InsufficientTrustError
		if err := json.Unmarshal(h.Error, &wireErr); err == nil {
			return newInsufficientTrustError(wireErr.CommonFriends, wireErr.Required)
		}
	}
	return newInsufficientTrustError(h.CommonFriends, h.Required)
}

// encodeMessage builds the outgoing wire envelope for m (spec §4.4.5).
func (s *Session) encodeMessage(m store.Message, commonFriends int) wirecodec.Envelope {
	env := wirecodec.Envelope{
		MessageID:    m.MessageID,
		Text:         m.Text,
		Priority:     m.Likes,
		Hop:          m.HopCount + 1,
		MinUsersPHop: m.MinContactsForHop,
		Parent:       m.ParentID,
		BigParent:    m.BigParentID,
		Timebound:    m.ExpirationMs,
	}
	if s.cfg.IncludePseudonym {
		env.Pseudonym = m.Pseudonym
	}
	if s.cfg.ShareLocation {
		env.LatLang = m.LatLong
	}
	if s.cfg.UseTrust {
		noisy := m.Trust + gaussianNoise(s.rng, s.cfg.TrustNoiseVariance)
		env.Trust = &noisy
	}
	return env
}

// integrateMessage applies the receive-side rules of spec §4.4.5: insert
// if unknown, else recompute trust via the trust-merge rule.
func (s *Session) integrateMessage(env wirecodec.Envelope, commonFriends, myFriendCount int) error {
	if env.MessageID == "" {
		return nil
	}
	existing, found, err := s.messages.Get(env.MessageID)
	if err != nil {
		return err
	}

	if !found {
		if env.Text == "" {
			return nil
		}
		receivedTrust := store.TrustMin
		if env.Trust != nil {
			receivedTrust = *env.Trust
		}
		msg := store.Message{
			MessageID:         env.MessageID,
			Text:              store.TruncateText(env.Text),
			Pseudonym:         env.Pseudonym,
			Trust:             store.ClampTrust(receivedTrust),
			Likes:             env.Priority,
			ComposedAt:        s.clk.NowMillis(),
			ReceivedAt:        s.clk.NowMillis(),
			HopCount:          env.Hop,
			MinContactsForHop: env.MinUsersPHop,
			ExpirationMs:      env.Timebound,
			LatLong:           env.LatLang,
			ParentID:          env.Parent,
			BigParentID:       env.BigParent,
		}
		_, err := s.messages.Add(msg)
		return err
	}

	receivedTrust := store.TrustMin
	if env.Trust != nil {
		receivedTrust = *env.Trust
	}
	boost := trustBoost(commonFriends, myFriendCount)
	candidate := store.ClampTrust(math.Max(existing.Trust, receivedTrust) * boost)
	if candidate > existing.Trust {
		_, err := s.messages.UpdateTrust(env.MessageID, candidate)
		return err
	}
	return nil
}

// trustBoost resolves spec §9 open question 1: the exact multiplier
// curve is left to the implementer, fixed only by monotonicity and the
// commonFriends==0 => boost==1.0 requirement. This implementation uses a
// small multiplier derived from the overlap ratio, capped so a single
// merge can never push trust from MIN straight to MAX.
func trustBoost(commonFriends, myFriendCount int) float64 {
	if commonFriends <= 0 {
		return 1.0
	}
	denom := myFriendCount
	if denom < 1 {
		denom = 1
	}
	ratio := float64(commonFriends) / float64(denom)
	if ratio > 1 {
		ratio = 1
	}
	return 1.0 + 0.5*ratio
}

// gaussianNoise samples N(0, variance) via the Box-Muller transform
// driven by the session's CSPRNG (spec §4.4.5: "trust ... plus Gaussian
// noise with variance trustNoiseVariance").
func gaussianNoise(rng io.Reader, variance float64) float64 {
	if variance <= 0 {
		return 0
	}
	u1 := uniform01(rng)
	u2 := uniform01(rng)
	if u1 <= 0 {
		u1 = 1e-12
	}
	z0 := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	return z0 * math.Sqrt(variance)
}

func uniform01(rng io.Reader) float64 {
	var buf [8]byte
	if _, err := io.ReadFull(rng, buf[:]); err != nil {
		return 0.5
	}
	var n uint64
	for _, b := range buf {
		n = n<<8 | uint64(b)
	}
	return float64(n) / float64(math.MaxUint64)
}

