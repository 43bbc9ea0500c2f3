package control

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rangzen-mesh/core/internal/clock"
	"github.com/rangzen-mesh/core/internal/peer"
	"github.com/rangzen-mesh/core/internal/ratelimit"
	"github.com/rangzen-mesh/core/internal/store"
)

type fakeTrigger struct {
	forced     int
	softForced int
}

func (f *fakeTrigger) ForceExchange()     { f.forced++ }
func (f *fakeTrigger) SoftForceExchange() { f.softForced++ }

func newTestService(t *testing.T) (*Service, *fakeTrigger) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	messages, err := store.OpenMessageStore(t.TempDir()+"/messages.db", clk, nil)
	if err != nil {
		t.Fatalf("open message store: %v", err)
	}
	t.Cleanup(func() { _ = messages.Close() })

	friends, err := store.OpenFriendStore(t.TempDir() + "/friends.db")
	if err != nil {
		t.Fatalf("open friend store: %v", err)
	}
	t.Cleanup(func() { _ = friends.Close() })

	reg := peer.NewRegistry()
	reg.Report(peer.TransportLAN, "10.0.0.9:7417", peer.TransportInfo{Address: "10.0.0.9:7417"}, "peer-a")

	trig := &fakeTrigger{}
	svc := NewService("local-node", trig, reg, messages, friends, nil)
	return svc, trig
}

func newBufconnClient(t *testing.T, srv Server) *Client {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	grpcSrv := grpc.NewServer()
	RegisterServer(grpcSrv, srv)
	go func() { _ = grpcSrv.Serve(lis) }()
	t.Cleanup(grpcSrv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewClientFromConn(conn)
}

func TestControlForceExchangeInvokesScheduler(t *testing.T) {
	svc, trig := newTestService(t)
	client := newBufconnClient(t, svc)

	resp, err := client.ForceExchange(context.Background())
	if err != nil {
		t.Fatalf("ForceExchange: %v", err)
	}
	if !resp.Accepted {
		t.Fatalf("expected Accepted=true")
	}
	if trig.forced != 1 {
		t.Fatalf("expected scheduler.ForceExchange called once, got %d", trig.forced)
	}
}

func TestControlSoftForceExchangeInvokesScheduler(t *testing.T) {
	svc, trig := newTestService(t)
	client := newBufconnClient(t, svc)

	if _, err := client.SoftForceExchange(context.Background()); err != nil {
		t.Fatalf("SoftForceExchange: %v", err)
	}
	if trig.softForced != 1 {
		t.Fatalf("expected scheduler.SoftForceExchange called once, got %d", trig.softForced)
	}
}

func TestControlStatusReportsRegistryAndStoreCounts(t *testing.T) {
	svc, _ := newTestService(t)
	client := newBufconnClient(t, svc)

	resp, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if resp.NodeID != "local-node" {
		t.Fatalf("expected node_id local-node, got %q", resp.NodeID)
	}
	if resp.PeerCount != 1 || resp.ReachablePeer != 1 {
		t.Fatalf("expected 1 peer reported, got peer_count=%d reachable=%d", resp.PeerCount, resp.ReachablePeer)
	}
	if resp.MessageCount != 0 || resp.FriendCount != 0 {
		t.Fatalf("expected empty store counts, got message_count=%d friend_count=%d", resp.MessageCount, resp.FriendCount)
	}
}

func TestControlListPeersReturnsReportedPeer(t *testing.T) {
	svc, _ := newTestService(t)
	client := newBufconnClient(t, svc)

	resp, err := client.ListPeers(context.Background())
	if err != nil {
		t.Fatalf("ListPeers: %v", err)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].ID != "peer-a" {
		t.Fatalf("expected one peer named peer-a, got %+v", resp.Peers)
	}
}

func TestControlForceExchangeRejectedWhenRateLimitExhausted(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	messages, err := store.OpenMessageStore(t.TempDir()+"/messages.db", clk, nil)
	if err != nil {
		t.Fatalf("open message store: %v", err)
	}
	t.Cleanup(func() { _ = messages.Close() })
	friends, err := store.OpenFriendStore(t.TempDir() + "/friends.db")
	if err != nil {
		t.Fatalf("open friend store: %v", err)
	}
	t.Cleanup(func() { _ = friends.Close() })

	limiter := ratelimit.New(5, time.Hour)
	t.Cleanup(limiter.Close)

	trig := &fakeTrigger{}
	svc := NewService("local-node", trig, peer.NewRegistry(), messages, friends, limiter)
	client := newBufconnClient(t, svc)

	// ForceExchange costs 5; capacity is 5, so exactly one succeeds.
	first, err := client.ForceExchange(context.Background())
	if err != nil {
		t.Fatalf("ForceExchange: %v", err)
	}
	if !first.Accepted {
		t.Fatalf("expected first ForceExchange to be accepted")
	}

	second, err := client.ForceExchange(context.Background())
	if err != nil {
		t.Fatalf("ForceExchange: %v", err)
	}
	if second.Accepted {
		t.Fatalf("expected second ForceExchange to be rejected by the rate limiter")
	}
	if trig.forced != 1 {
		t.Fatalf("expected scheduler.ForceExchange called once, got %d", trig.forced)
	}
}

func TestControlStoreStatsStartsAtZero(t *testing.T) {
	svc, _ := newTestService(t)
	client := newBufconnClient(t, svc)

	resp, err := client.StoreStats(context.Background())
	if err != nil {
		t.Fatalf("StoreStats: %v", err)
	}
	if resp.MessageCount != 0 || resp.FriendCount != 0 {
		t.Fatalf("expected empty stores, got %+v", resp)
	}
}
