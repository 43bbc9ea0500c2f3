// Package control implements the operator control plane (spec §4.6 "force
// modes" plus supplemented status/inspection operations): force-exchange,
// soft-force-exchange, status, peer listing, and store stats, exposed as a
// hand-wired gRPC service using a JSON wire codec instead of generated
// protobuf types (no .proto toolchain runs in this build).
package control

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// ForceExchangeRequest/-Response carry no fields today; kept as named
// types so the wire shape can grow without breaking the codec.
type ForceExchangeRequest struct{}
type ForceExchangeResponse struct {
	Accepted bool `json:"accepted"`
}

type SoftForceExchangeRequest struct{}
type SoftForceExchangeResponse struct {
	Accepted bool `json:"accepted"`
}

type StatusRequest struct{}
type StatusResponse struct {
	NodeID        string `json:"node_id"`
	PeerCount     int    `json:"peer_count"`
	ReachablePeer int    `json:"reachable_peer_count"`
	MessageCount  int    `json:"message_count"`
	FriendCount   int    `json:"friend_count"`
}

type ListPeersRequest struct{}
type ListPeersResponse struct {
	Peers []PeerSummary `json:"peers"`
}

// PeerSummary is one entry in a ListPeersResponse.
type PeerSummary struct {
	ID         string   `json:"id"`
	Transports []string `json:"transports"`
}

type StoreStatsRequest struct{}
type StoreStatsResponse struct {
	MessageCount int `json:"message_count"`
	FriendCount  int `json:"friend_count"`
}

// Server is the interface the hand-wired ServiceDesc dispatches to.
// internal/control/service.go provides the concrete implementation
// wired to a scheduler, peer registry, and stores.
type Server interface {
	ForceExchange(ctx context.Context, req *ForceExchangeRequest) (*ForceExchangeResponse, error)
	SoftForceExchange(ctx context.Context, req *SoftForceExchangeRequest) (*SoftForceExchangeResponse, error)
	Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error)
	ListPeers(ctx context.Context, req *ListPeersRequest) (*ListPeersResponse, error)
	StoreStats(ctx context.Context, req *StoreStatsRequest) (*StoreStatsResponse, error)
}

// jsonCodec implements google.golang.org/grpc/encoding.Codec, marshaling
// request/response structs as JSON instead of protobuf. This is a
// standard, documented grpc-go extension point (see
// google.golang.org/grpc/encoding.RegisterCodec).
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const serviceName = "rangzen.control.v1.Control"

func unaryHandler[Req any, Resp any](fn func(Server, context.Context, *Req) (*Resp, error), method string) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(Server)
		if interceptor == nil {
			return fn(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return fn(s, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc is the hand-wired grpc.ServiceDesc for the control plane
// (spec.md §3.11's "no .proto toolchain" constraint).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ForceExchange", Handler: unaryHandler(Server.ForceExchange, "ForceExchange")},
		{MethodName: "SoftForceExchange", Handler: unaryHandler(Server.SoftForceExchange, "SoftForceExchange")},
		{MethodName: "Status", Handler: unaryHandler(Server.Status, "Status")},
		{MethodName: "ListPeers", Handler: unaryHandler(Server.ListPeers, "ListPeers")},
		{MethodName: "StoreStats", Handler: unaryHandler(Server.StoreStats, "StoreStats")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/control/control.go",
}

// RegisterServer registers srv on s using the hand-wired ServiceDesc.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}
