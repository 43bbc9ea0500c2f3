// Package peer implements the multi-transport peer registry (spec §4.7):
// a thread-safe map from public-id to UnifiedPeer plus a secondary map
// from (transport, address) to public-id, letting the same logical peer
// be reachable over several transports at once.
package peer

import (
	"sync"
)

// Transport identifies a transport kind a peer may be reachable over.
// Priority scores are used by the scheduler's transport-selection step
// (spec §4.6): LAN(100) > WifiAware(90) > WifiDirect(80) > BLE(50).
type Transport int

const (
	TransportBLE Transport = iota
	TransportWifiDirect
	TransportWifiAware
	TransportLAN
)

// Priority returns the transport's selection priority score.
func (t Transport) Priority() int {
	switch t {
	case TransportLAN:
		return 100
	case TransportWifiAware:
		return 90
	case TransportWifiDirect:
		return 80
	case TransportBLE:
		return 50
	default:
		return 0
	}
}

func (t Transport) String() string {
	switch t {
	case TransportLAN:
		return "lan"
	case TransportWifiAware:
		return "wifi_aware"
	case TransportWifiDirect:
		return "wifi_direct"
	case TransportBLE:
		return "ble"
	default:
		return "unknown"
	}
}

// TransportInfo is per-transport metadata for one peer.
type TransportInfo struct {
	Address        string
	LastSeenMillis int64
	SignalStrength int // higher is better; transport-defined scale
}

// UnifiedPeer is a logical peer known by public-id (post-handshake) or a
// temporary transport-derived id (pre-handshake), with a map from
// transport kind to TransportInfo (spec §3).
type UnifiedPeer struct {
	ID         string
	Transports map[Transport]TransportInfo
}

func newUnifiedPeer(id string) *UnifiedPeer {
	return &UnifiedPeer{ID: id, Transports: make(map[Transport]TransportInfo)}
}

func (p *UnifiedPeer) clone() UnifiedPeer {
	cp := UnifiedPeer{ID: p.ID, Transports: make(map[Transport]TransportInfo, len(p.Transports))}
	for k, v := range p.Transports {
		cp.Transports[k] = v
	}
	return cp
}

// TempID builds the temporary pre-handshake id for a transport address,
// per spec §3's "temp:T:addr" scheme.
func TempID(transport Transport, address string) string {
	return "temp:" + transport.String() + ":" + address
}

// Registry is the thread-safe multi-transport peer aggregator (spec
// §4.7). Implemented as two plain maps under one mutex — no graph, no
// back-references, per spec §9's explicit design note.
type Registry struct {
	mu sync.Mutex

	peers   map[string]*UnifiedPeer       // public-id (or temp id) -> peer
	byAddr  map[addrKey]string            // (transport, address) -> public-id (or temp id)
}

type addrKey struct {
	transport Transport
	address   string
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		peers:  make(map[string]*UnifiedPeer),
		byAddr: make(map[addrKey]string),
	}
}

// Report upserts a sighting of a peer on a transport. If extractedID is
// non-empty and differs from the peer currently indexed at
// (transport, address), this triggers a rename/merge into extractedID
// (spec §4.7).
func (r *Registry) Report(transport Transport, address string, info TransportInfo, extractedID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addrKey{transport: transport, address: address}
	currentID, exists := r.byAddr[key]

	targetID := currentID
	if !exists {
		targetID = TempID(transport, address)
	}
	if extractedID != "" && extractedID != targetID {
		r.renameLocked(transport, address, targetID, extractedID)
		targetID = extractedID
	}

	p, ok := r.peers[targetID]
	if !ok {
		p = newUnifiedPeer(targetID)
		r.peers[targetID] = p
	}
	p.Transports[transport] = info
	r.byAddr[key] = targetID
}

// MarkHandshakeComplete renames the peer currently known via
// (transportAddress's transport, address) to publicID, merging transport
// entries if a peer with publicID already exists (spec §3, §4.7).
func (r *Registry) MarkHandshakeComplete(transport Transport, address, publicID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addrKey{transport: transport, address: address}
	currentID, ok := r.byAddr[key]
	if !ok {
		currentID = TempID(transport, address)
	}
	r.renameLocked(transport, address, currentID, publicID)
}

// renameLocked moves all of fromID's transport entries into toID
// (creating toID if absent), deletes the temporary fromID entry, and
// repoints every address-map entry that referenced fromID. Must be
// called with r.mu held.
func (r *Registry) renameLocked(_ Transport, _ string, fromID, toID string) {
	if fromID == toID {
		return
	}
	from, hadFrom := r.peers[fromID]

	to, hadTo := r.peers[toID]
	if !hadTo {
		to = newUnifiedPeer(toID)
		r.peers[toID] = to
	}
	if hadFrom {
		for tr, info := range from.Transports {
			to.Transports[tr] = info
		}
		delete(r.peers, fromID)
	}

	for k, id := range r.byAddr {
		if id == fromID {
			r.byAddr[k] = toID
		}
	}
}

// PruneStale drops transport entries older than thresholdMs relative to
// nowMs, and removes any peer whose transport map becomes empty (spec
// §4.7).
func (r *Registry) PruneStale(nowMs, thresholdMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.peers {
		for tr, info := range p.Transports {
			if nowMs-info.LastSeenMillis > thresholdMs {
				delete(p.Transports, tr)
				delete(r.byAddr, addrKey{transport: tr, address: info.Address})
			}
		}
		if len(p.Transports) == 0 {
			delete(r.peers, id)
		}
	}
}

// ReachablePeers returns a snapshot copy of every peer with at least one
// transport entry (spec §4.7: "peers with at least one non-stale
// transport" — staleness has already been applied by PruneStale, so this
// simply returns every currently-tracked peer).
func (r *Registry) ReachablePeers() []UnifiedPeer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]UnifiedPeer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.clone())
	}
	return out
}

// Get returns a snapshot copy of the peer with the given id, if known.
func (r *Registry) Get(id string) (UnifiedPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return UnifiedPeer{}, false
	}
	return p.clone(), true
}

// Size returns the current peer count, for metrics (internal/observability).
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
