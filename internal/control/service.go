package control

import (
	"context"

	"github.com/rangzen-mesh/core/internal/peer"
	"github.com/rangzen-mesh/core/internal/ratelimit"
	"github.com/rangzen-mesh/core/internal/store"
)

// ExchangeTrigger is the subset of *scheduler.Scheduler the control
// service needs, kept as a narrow interface to avoid a dependency from
// internal/scheduler back to internal/control.
type ExchangeTrigger interface {
	ForceExchange()
	SoftForceExchange()
}

// Service implements the control.Server gRPC interface against a live
// agent's scheduler, peer registry, and stores.
type Service struct {
	nodeID    string
	scheduler ExchangeTrigger
	registry  *peer.Registry
	messages  *store.MessageStore
	friends   *store.FriendStore
	limiter   *ratelimit.Bucket
}

// NewService constructs a control Service. limiter may be nil to
// disable rate limiting of force-exchange requests.
func NewService(nodeID string, scheduler ExchangeTrigger, registry *peer.Registry, messages *store.MessageStore, friends *store.FriendStore, limiter *ratelimit.Bucket) *Service {
	return &Service{nodeID: nodeID, scheduler: scheduler, registry: registry, messages: messages, friends: friends, limiter: limiter}
}

func (s *Service) ForceExchange(_ context.Context, _ *ForceExchangeRequest) (*ForceExchangeResponse, error) {
	if !s.allow(ratelimit.ActionForceExchange) {
		return &ForceExchangeResponse{Accepted: false}, nil
	}
	s.scheduler.ForceExchange()
	return &ForceExchangeResponse{Accepted: true}, nil
}

func (s *Service) SoftForceExchange(_ context.Context, _ *SoftForceExchangeRequest) (*SoftForceExchangeResponse, error) {
	if !s.allow(ratelimit.ActionSoftForceExchange) {
		return &SoftForceExchangeResponse{Accepted: false}, nil
	}
	s.scheduler.SoftForceExchange()
	return &SoftForceExchangeResponse{Accepted: true}, nil
}

func (s *Service) allow(action ratelimit.Action) bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow(action)
}

func (s *Service) Status(_ context.Context, _ *StatusRequest) (*StatusResponse, error) {
	messageCount, friendCount := s.storeCounts()
	return &StatusResponse{
		NodeID:        s.nodeID,
		PeerCount:     s.registry.Size(),
		ReachablePeer: len(s.registry.ReachablePeers()),
		MessageCount:  messageCount,
		FriendCount:   friendCount,
	}, nil
}

func (s *Service) ListPeers(_ context.Context, _ *ListPeersRequest) (*ListPeersResponse, error) {
	reachable := s.registry.ReachablePeers()
	out := make([]PeerSummary, 0, len(reachable))
	for _, p := range reachable {
		transports := make([]string, 0, len(p.Transports))
		for tr := range p.Transports {
			transports = append(transports, tr.String())
		}
		out = append(out, PeerSummary{ID: p.ID, Transports: transports})
	}
	return &ListPeersResponse{Peers: out}, nil
}

func (s *Service) StoreStats(_ context.Context, _ *StoreStatsRequest) (*StoreStatsResponse, error) {
	messageCount, friendCount := s.storeCounts()
	return &StoreStatsResponse{MessageCount: messageCount, FriendCount: friendCount}, nil
}

func (s *Service) storeCounts() (messageCount, friendCount int) {
	if s.messages != nil {
		if all, err := s.messages.All(); err == nil {
			messageCount = len(all)
		}
	}
	if s.friends != nil {
		if ids, err := s.friends.AllFriendIDs(); err == nil {
			friendCount = len(ids)
		}
	}
	return messageCount, friendCount
}
