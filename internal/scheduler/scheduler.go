// Package scheduler implements the single cooperative exchange loop
// (spec §4.6): a periodic tick plus event-driven force triggers that
// select peers, elect an initiator, gate on cooldown/backoff, and
// dispatch ExchangeSessions onto a bounded worker pool (spec §5).
package scheduler

import (
	"context"
	"crypto/sha256"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rangzen-mesh/core/internal/clock"
	"github.com/rangzen-mesh/core/internal/config"
	"github.com/rangzen-mesh/core/internal/cryptogroup"
	"github.com/rangzen-mesh/core/internal/exchange"
	"github.com/rangzen-mesh/core/internal/observability"
	"github.com/rangzen-mesh/core/internal/peer"
	"github.com/rangzen-mesh/core/internal/store"
)

// Dialer opens a transport-level connection to a peer over the given
// transport. Implemented by internal/transport; injected here so the
// scheduler has no direct transport dependency.
type Dialer interface {
	Dial(ctx context.Context, transport peer.Transport, info peer.TransportInfo) (io.ReadWriteCloser, error)
}

// PeerHistory is the scheduler's private bookkeeping for one peer
// (spec §4.6 step 6-7). Owned solely by the Scheduler.
type PeerHistory struct {
	Attempts           int
	LastExchangeTimeMs int64
	LastPickedTimeMs   int64
	StoreVersionAtLast uint64
}

// Scheduler drives the exchange loop for one local node.
type Scheduler struct {
	cfg           config.SchedulerConfig
	exchangeCfg   config.ExchangeConfig
	clk           clock.Clock
	rng           io.Reader
	group         *cryptogroup.Group
	localIdentity string

	registry *peer.Registry
	messages *store.MessageStore
	friends  *store.FriendStore
	metrics  *observability.Metrics
	dialer   Dialer

	mu                  sync.Mutex
	history             map[string]*PeerHistory
	lastExchangeMs      int64
	inboundActive       bool
	inboundLastActiveMs int64

	forceCh     chan struct{}
	softForceCh chan struct{}
	sem         chan struct{}
}

// New constructs a Scheduler. group may be nil to use cryptogroup.Default().
func New(cfg config.SchedulerConfig, exchangeCfg config.ExchangeConfig, clk clock.Clock, rng io.Reader,
	group *cryptogroup.Group, localIdentity string, registry *peer.Registry, messages *store.MessageStore,
	friends *store.FriendStore, metrics *observability.Metrics, dialer Dialer) *Scheduler {
	if group == nil {
		group = cryptogroup.Default()
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize < 1 {
		poolSize = 1
	}
	return &Scheduler{
		cfg: cfg, exchangeCfg: exchangeCfg, clk: clk, rng: rng, group: group, localIdentity: localIdentity,
		registry: registry, messages: messages, friends: friends, metrics: metrics, dialer: dialer,
		history:     make(map[string]*PeerHistory),
		forceCh:     make(chan struct{}, 1),
		softForceCh: make(chan struct{}, 1),
		sem:         make(chan struct{}, poolSize),
	}
}

// ForceExchange requests a hard force tick: skips cooldown, inbound
// defer, backoff, and random selection (every visible peer is attempted).
func (s *Scheduler) ForceExchange() {
	select {
	case s.forceCh <- struct{}{}:
	default:
	}
}

// SoftForceExchange requests a soft force tick: skips cooldown and
// backoff but still defers while an inbound session is active.
func (s *Scheduler) SoftForceExchange() {
	select {
	case s.softForceCh <- struct{}{}:
	default:
	}
}

// NoteInboundSessionActive records that an inbound session is in
// progress, for the inbound-session-defer gate (spec §4.6 step 2, §5
// "inbound vs outbound contention").
func (s *Scheduler) NoteInboundSessionActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboundActive = active
	if active {
		s.inboundLastActiveMs = s.clk.NowMillis()
	}
}

// Run drives the scheduler loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.ExchangeIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, triggerNone)
		case <-s.forceCh:
			s.tick(ctx, triggerHardForce)
		case <-s.softForceCh:
			s.tick(ctx, triggerSoftForce)
		}
	}
}

type trigger int

const (
	triggerNone trigger = iota
	triggerHardForce
	triggerSoftForce
)

// tick runs one pass of the decision pipeline (spec §4.6).
func (s *Scheduler) tick(ctx context.Context, trig trigger) {
	if s.metrics != nil {
		s.metrics.SchedulerTicksTotal.Inc()
	}
	now := s.clk.NowMillis()

	// Step 1: cooldown gate.
	if trig == triggerNone {
		s.mu.Lock()
		last := s.lastExchangeMs
		s.mu.Unlock()
		if now-last < s.exchangeCfg.CooldownSeconds*1000 {
			return
		}
	}

	// Step 2: inbound-session defer. Hard force bypasses this.
	if trig != triggerHardForce {
		s.mu.Lock()
		deferred := s.inboundActive && now-s.inboundLastActiveMs < s.exchangeCfg.InboundSessionGraceMs
		s.mu.Unlock()
		if deferred {
			return
		}
	}

	visible := s.registry.ReachablePeers()

	// Step 3: history prune.
	s.pruneHistory(visible)

	// Step 4: selection.
	var candidates []peer.UnifiedPeer
	if s.cfg.RandomExchange && trig != triggerHardForce {
		if chosen, ok := s.selectLeastRecentlyPicked(visible, now); ok {
			candidates = []peer.UnifiedPeer{chosen}
		}
	} else {
		candidates = visible
	}

	for _, p := range candidates {
		p := p
		s.sem <- struct{}{}
		go func() {
			defer func() { <-s.sem }()
			s.attempt(ctx, p, trig)
		}()
	}
}

// pruneHistory drops history entries for peers no longer visible (spec
// §4.6 step 3).
func (s *Scheduler) pruneHistory(visible []peer.UnifiedPeer) {
	present := make(map[string]bool, len(visible))
	for _, p := range visible {
		present[p.ID] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.history {
		if !present[id] {
			delete(s.history, id)
		}
	}
}

// selectLeastRecentlyPicked implements spec §4.6 step 4: peers with no
// history win; otherwise the least-recently-picked peer wins; ties are
// broken by signal strength.
func (s *Scheduler) selectLeastRecentlyPicked(visible []peer.UnifiedPeer, now int64) (peer.UnifiedPeer, bool) {
	if len(visible) == 0 {
		return peer.UnifiedPeer{}, false
	}

	type candidate struct {
		p            peer.UnifiedPeer
		hasHistory   bool
		lastPickedMs int64
		signal       int
	}

	s.mu.Lock()
	cands := make([]candidate, 0, len(visible))
	for _, p := range visible {
		h, ok := s.history[p.ID]
		c := candidate{p: p, signal: bestSignal(p)}
		if ok {
			c.hasHistory = true
			c.lastPickedMs = h.LastPickedTimeMs
		}
		cands = append(cands, c)
	}
	s.mu.Unlock()

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.hasHistory != b.hasHistory {
			return !a.hasHistory // no-history wins
		}
		if a.lastPickedMs != b.lastPickedMs {
			return a.lastPickedMs < b.lastPickedMs
		}
		return a.signal > b.signal
	})

	chosen := cands[0].p
	s.mu.Lock()
	h := s.historyLocked(chosen.ID)
	h.LastPickedTimeMs = now
	s.mu.Unlock()
	return chosen, true
}

func bestSignal(p peer.UnifiedPeer) int {
	best := 0
	for _, info := range p.Transports {
		if info.SignalStrength > best {
			best = info.SignalStrength
		}
	}
	return best
}

// historyLocked returns (creating if absent) the PeerHistory for id.
// Caller must hold s.mu.
func (s *Scheduler) historyLocked(id string) *PeerHistory {
	h, ok := s.history[id]
	if !ok {
		h = &PeerHistory{}
		s.history[id] = h
	}
	return h
}

// electInitiator implements spec §4.6 step 5.
func electInitiator(localIdentity, peerIdentity string) bool {
	if localIdentity == "" || peerIdentity == "" {
		return true
	}
	first, second := localIdentity, peerIdentity
	if second < first {
		first, second = second, first
	}
	sum := sha256.Sum256([]byte(first + second))
	var initiator string
	if sum[0]&0x80 != 0 {
		initiator = first
	} else {
		initiator = second
	}
	return initiator == localIdentity
}

// attempt runs the backoff gate and, if not gated, opens a transport and
// drives one ExchangeSession against p (spec §4.6 steps 6-7).
func (s *Scheduler) attempt(ctx context.Context, p peer.UnifiedPeer, trig trigger) {
	now := s.clk.NowMillis()

	transport, info, ok := selectTransport(p)
	if !ok {
		return
	}

	if trig != triggerHardForce && trig != triggerSoftForce && s.cfg.UseBackoff {
		s.mu.Lock()
		h, hasHistory := s.history[p.ID]
		var currentVersion uint64
		if s.messages != nil {
			currentVersion = s.messages.StoreVersion()
		}
		var gated bool
		var wait int64
		if hasHistory {
			wait = backoffWaitMs(h.Attempts, s.cfg.BackoffAttemptMillis, s.cfg.BackoffMaxMillis)
			gated = h.StoreVersionAtLast == currentVersion && now-h.LastExchangeTimeMs < wait
		}
		s.mu.Unlock()
		if gated {
			if s.metrics != nil {
				s.metrics.ObserveBackoff(time.Duration(wait) * time.Millisecond)
			}
			return
		}
	}

	role := exchange.RoleResponder
	if electInitiator(s.localIdentity, p.ID) {
		role = exchange.RoleInitiator
	}

	conn, err := s.dialer.Dial(ctx, transport, info)
	outcome := attemptOutcome{}
	if err != nil {
		outcome.failed = true
	} else {
		defer conn.Close()
		sess := exchange.New(exchange.Config{
			UseTrust:                     s.exchangeCfg.UseTrust,
			MinSharedContactsForExchange: s.exchangeCfg.MinSharedContactsForExchange,
			TrustNoiseVariance:           s.exchangeCfg.TrustNoiseVariance,
			MaxMessagesPerExchange:       s.exchangeCfg.MaxMessagesPerExchange,
			IncludePseudonym:             s.exchangeCfg.IncludePseudonym,
			ShareLocation:                s.exchangeCfg.ShareLocation,
			SessionTimeout:               time.Duration(s.exchangeCfg.SessionTimeoutMs) * time.Millisecond,
			SupportsNonce:                transport == peer.TransportLAN,
		}, role, s.clk, s.rng, s.group, s.localIdentity, s.messages, s.friends, s.metrics)

		if s.metrics != nil {
			s.metrics.ObserveExchangeAttempt(roleLabel(role))
		}
		result, sessErr := sess.Run(conn)
		if sessErr != nil {
			outcome.failed = true
			if s.metrics != nil {
				s.metrics.ObserveExchangeFailed(sessErr.Kind.String())
			}
		} else {
			outcome.messagesReceived = result.MessagesReceived
			if s.metrics != nil {
				label := "empty"
				if result.MessagesReceived > 0 {
					label = "messages_received"
				}
				s.metrics.ObserveExchangeSucceeded(label)
			}
		}
	}

	s.recordOutcome(p.ID, now, outcome)
}

type attemptOutcome struct {
	failed           bool
	messagesReceived int
}

// recordOutcome implements spec §4.6 step 7's bookkeeping rules.
func (s *Scheduler) recordOutcome(peerID string, now int64, outcome attemptOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.historyLocked(peerID)
	switch {
	case !outcome.failed && outcome.messagesReceived > 0:
		h.Attempts = 0
		if s.messages != nil {
			h.StoreVersionAtLast = s.messages.StoreVersion()
		}
	default:
		h.Attempts++
	}
	h.LastExchangeTimeMs = now
	s.lastExchangeMs = now
}

// backoffWaitMs computes min(base * 2^attempts, max), clamping the
// exponent so this never overflows (spec §4.6 step 6).
func backoffWaitMs(attempts int, base, max int64) int64 {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 32 {
		attempts = 32
	}
	wait := base << uint(attempts)
	if wait <= 0 || wait > max {
		return max
	}
	return wait
}

// selectTransport picks the highest-priority transport available for p
// (spec §4.6 "transport selection").
func selectTransport(p peer.UnifiedPeer) (peer.Transport, peer.TransportInfo, bool) {
	bestPriority := -1
	var bestTransport peer.Transport
	var bestInfo peer.TransportInfo
	found := false
	for tr, info := range p.Transports {
		if tr.Priority() > bestPriority {
			bestPriority = tr.Priority()
			bestTransport = tr
			bestInfo = info
			found = true
		}
	}
	return bestTransport, bestInfo, found
}

func roleLabel(r exchange.Role) string {
	if r == exchange.RoleInitiator {
		return "initiator"
	}
	return "responder"
}
